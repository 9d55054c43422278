// Package router delivers private messages between registered identities
// and answers messages addressed to the server.
package router

import (
	"go.uber.org/zap"

	"github.com/Tyrowin/gorelay/internal/logging"
	"github.com/Tyrowin/gorelay/internal/protocol"
	"github.com/Tyrowin/gorelay/internal/registry"
)

// Outcome is the result of routing one message.
type Outcome int

const (
	// Delivered means the message was queued on the recipient's session.
	Delivered Outcome = iota
	// RecipientOffline means no session accepted the message; it was dropped.
	RecipientOffline
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case RecipientOffline:
		return "recipient_offline"
	default:
		return "unknown"
	}
}

// EchoPrefix is prepended to the content of a server message in its reply.
const EchoPrefix = "Server received: "

// Resolver looks up the session registered for an identity.
type Resolver interface {
	Resolve(identity string) (registry.Session, bool)
}

// Router resolves recipients through a Resolver and queues deliveries on
// their sessions. It never waits on a transport and never retries.
type Router struct {
	sessions Resolver
	logger   *zap.Logger
}

// New creates a Router backed by sessions.
func New(sessions Resolver, logger *zap.Logger) *Router {
	return &Router{
		sessions: sessions,
		logger:   logging.OrNop(logger),
	}
}

// Route delivers payload from sender to recipient. A recipient with no
// registered session, or whose session refuses the push, is reported offline
// and the message is dropped.
func (r *Router) Route(sender, recipient, payload string) Outcome {
	s, ok := r.sessions.Resolve(recipient)
	if !ok {
		r.logger.Info("recipient is not online",
			zap.String("sender", sender),
			zap.String("recipient", recipient),
		)
		return RecipientOffline
	}

	if err := s.Push(protocol.PrivateMessage(sender, payload)); err != nil {
		r.logger.Warn("dropping message for recipient session",
			zap.String("sender", sender),
			zap.String("recipient", recipient),
			zap.String("session_id", s.ID()),
			zap.Error(err),
		)
		return RecipientOffline
	}

	r.logger.Debug("message routed",
		zap.String("sender", sender),
		zap.String("recipient", recipient),
		zap.String("session_id", s.ID()),
	)
	return Delivered
}

// Echo builds the reply to a server message. It does not consult the
// registry and always succeeds.
func (r *Router) Echo(payload string) protocol.Outbound {
	return protocol.ServerReply(EchoPrefix + payload)
}
