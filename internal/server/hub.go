package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Hub tracks every live session so that shutdown can close them all and
// wait for their pumps. It does not route messages; identity lookup is the
// registry's job.
type Hub struct {
	sessions map[*Session]struct{}
	closing  bool
	mutex    sync.Mutex
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// NewHub creates an empty Hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		sessions: make(map[*Session]struct{}),
		logger:   logger,
	}
}

// attach adds s to the hub and launches its pumps. It returns false once
// shutdown has begun.
func (h *Hub) attach(s *Session) bool {
	h.mutex.Lock()
	if h.closing {
		h.mutex.Unlock()
		return false
	}
	h.sessions[s] = struct{}{}
	count := len(h.sessions)
	h.wg.Add(2)
	h.mutex.Unlock()

	h.logger.Debug("session attached",
		zap.String("session_id", s.ID()),
		zap.Int("sessions", count),
	)

	go func() {
		defer h.wg.Done()
		s.writePump()
	}()
	go func() {
		defer h.wg.Done()
		s.readPump()
	}()
	return true
}

// detach removes s from the hub.
func (h *Hub) detach(s *Session) {
	h.mutex.Lock()
	delete(h.sessions, s)
	count := len(h.sessions)
	h.mutex.Unlock()

	h.logger.Debug("session detached",
		zap.String("session_id", s.ID()),
		zap.Int("sessions", count),
	)
}

// Count returns the number of live sessions.
func (h *Hub) Count() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.sessions)
}

func (h *Hub) snapshot() []*Session {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Shutdown refuses new sessions, closes every live session and waits for
// their pumps to exit. It returns context.DeadlineExceeded if the pumps are
// still running after timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")

	h.mutex.Lock()
	h.closing = true
	h.mutex.Unlock()

	sessions := h.snapshot()
	for _, s := range sessions {
		s.Close()
	}
	h.logger.Info("closed sessions", zap.Int("count", len(sessions)))

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached, some sessions may still be running")
		return context.DeadlineExceeded
	}
}
