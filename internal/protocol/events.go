// Package protocol defines the JSON events exchanged over a relay session.
// Each websocket text frame carries one event object.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventType names an event on the wire.
type EventType string

const (
	// TypePrivateMessage is a point-to-point message, inbound and outbound.
	TypePrivateMessage EventType = "private-message"
	// TypeServerMessage is a message addressed to the server itself.
	TypeServerMessage EventType = "server-message"
	// TypeMessageServer is the older name for TypeServerMessage.
	TypeMessageServer EventType = "message-server"
	// TypeServerReply answers a TypeServerMessage.
	TypeServerReply EventType = "server-reply"
)

var (
	ErrMalformedEvent = errors.New("protocol: malformed event")
	ErrUnknownEvent   = errors.New("protocol: unknown event type")
)

// Inbound is an event received from a client.
type Inbound struct {
	Type      EventType `json:"type"`
	Recipient string    `json:"recipient,omitempty"`
	// Sender is accepted for compatibility with older clients and never
	// trusted; the session's authenticated identity is used instead.
	Sender  string `json:"sender,omitempty"`
	Message string `json:"message"`
}

// Outbound is an event pushed to a client.
type Outbound struct {
	Type    EventType `json:"type"`
	Sender  string    `json:"sender,omitempty"`
	Message string    `json:"message"`
}

// PrivateMessage builds the event delivered to a message's recipient.
func PrivateMessage(sender, message string) Outbound {
	return Outbound{Type: TypePrivateMessage, Sender: sender, Message: message}
}

// ServerReply builds the reply to a server message.
func ServerReply(message string) Outbound {
	return Outbound{Type: TypeServerReply, Message: message}
}

// Decode parses and validates one inbound frame. The legacy
// "message-server" type is normalised to TypeServerMessage.
func Decode(raw []byte) (Inbound, error) {
	var ev Inbound
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch ev.Type {
	case TypePrivateMessage:
		if strings.TrimSpace(ev.Recipient) == "" {
			return Inbound{}, fmt.Errorf("%w: private-message missing recipient", ErrMalformedEvent)
		}
	case TypeServerMessage, TypeMessageServer:
		ev.Type = TypeServerMessage
	case "":
		return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	default:
		return Inbound{}, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}
	return ev, nil
}

// Encode serialises an outbound event.
func Encode(ev Outbound) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("protocol: encoding %s: %w", ev.Type, err)
	}
	return data, nil
}
