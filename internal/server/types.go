package server

import (
	"errors"
	"strings"
	"time"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a session may stay silent before it is dropped.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var (
	// ErrSessionClosed is returned when pushing to a session that is not
	// authenticated or has already closed.
	ErrSessionClosed = errors.New("session closed")
	// ErrSendBufferFull is returned when a session's outbound queue is full.
	ErrSendBufferFull = errors.New("session send buffer full")
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
