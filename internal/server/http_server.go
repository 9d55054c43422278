package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// CreateServer creates and configures an HTTP server with the specified address and handler.
// It sets reasonable timeout values for production use.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// ListenAndServe serves the relay on httpServer until it is shut down.
// http.ErrServerClosed is treated as a clean exit.
func (s *Server) ListenAndServe(httpServer *http.Server) error {
	s.logger.Info("server listening", zap.String("addr", httpServer.Addr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting HTTP requests, then closes every session and
// waits for them within the configured shutdown timeout.
func (s *Server) Shutdown(ctx context.Context, httpServer *http.Server) error {
	s.logger.Info("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Server.ShutdownTimeout)
	defer cancel()

	httpErr := httpServer.Shutdown(ctx)
	if httpErr != nil {
		s.logger.Error("HTTP server shutdown error", zap.Error(httpErr))
	}

	remaining := s.cfg.Server.ShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining = time.Until(deadline)
	}
	hubErr := s.hub.Shutdown(remaining)

	return errors.Join(httpErr, hubErr)
}
