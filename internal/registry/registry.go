// Package registry maps authenticated identities to the live session that
// currently answers for them.
package registry

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/Tyrowin/gorelay/internal/logging"
	"github.com/Tyrowin/gorelay/internal/protocol"
)

// DefaultShards is the shard count used by New.
const DefaultShards = 32

// Session is the handle the registry stores for an identity. Handles are
// compared with ==, so implementations should be pointers.
type Session interface {
	// ID identifies the underlying transport session for logging.
	ID() string
	// Push queues an outbound event without waiting for the transport.
	Push(ev protocol.Outbound) error
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// Registry is a concurrency-safe identity to session map. Each identity
// hashes to one shard, so operations on unrelated identities rarely contend.
// At most one session is registered per identity.
type Registry struct {
	shards []*shard
	mask   uint64
	logger *zap.Logger
}

// New creates an empty Registry with DefaultShards shards.
func New(logger *zap.Logger) *Registry {
	return NewSharded(DefaultShards, logger)
}

// NewSharded creates an empty Registry. n is rounded up to a power of two.
func NewSharded(n int, logger *zap.Logger) *Registry {
	size := 1
	for size < n {
		size <<= 1
	}
	shards := make([]*shard, size)
	for i := range shards {
		shards[i] = &shard{sessions: make(map[string]Session)}
	}
	return &Registry{
		shards: shards,
		mask:   uint64(size - 1),
		logger: logging.OrNop(logger),
	}
}

func (r *Registry) shardFor(identity string) *shard {
	return r.shards[xxhash.Sum64String(identity)&r.mask]
}

// Register binds identity to s, replacing any session already bound to it.
// The replaced session, if any, is returned; it stays open but is no longer
// reachable by identity.
func (r *Registry) Register(identity string, s Session) Session {
	sh := r.shardFor(identity)
	sh.mu.Lock()
	prev := sh.sessions[identity]
	sh.sessions[identity] = s
	sh.mu.Unlock()

	if prev != nil && prev != s {
		r.logger.Info("identity rebound to newer session",
			zap.String("identity", identity),
			zap.String("session_id", s.ID()),
			zap.String("evicted_session_id", prev.ID()),
		)
		return prev
	}
	return nil
}

// Resolve returns the session bound to identity.
func (r *Registry) Resolve(identity string) (Session, bool) {
	sh := r.shardFor(identity)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	s, ok := sh.sessions[identity]
	return s, ok
}

// Unregister removes the binding for identity only if it still points at s.
// It reports whether a binding was removed. A stale session disconnecting
// after being superseded leaves the newer binding alone.
func (r *Registry) Unregister(identity string, s Session) bool {
	sh := r.shardFor(identity)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if current, ok := sh.sessions[identity]; !ok || current != s {
		return false
	}
	delete(sh.sessions, identity)
	return true
}

// Len returns the number of registered identities. Shards are counted one at
// a time, so the result is approximate while sessions come and go.
func (r *Registry) Len() int {
	total := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		total += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return total
}
