package server

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/gorelay/internal/auth"
	"github.com/Tyrowin/gorelay/internal/config"
	"github.com/Tyrowin/gorelay/internal/logging"
	"github.com/Tyrowin/gorelay/internal/registry"
	"github.com/Tyrowin/gorelay/internal/router"
)

// Server owns the relay's process-scoped state: the credential verifier,
// the identity registry, the router and the hub of live sessions.
type Server struct {
	cfg      config.Config
	logger   *zap.Logger
	verifier *auth.Verifier
	registry *registry.Registry
	router   *router.Router
	hub      *Hub
	origins  originPolicy
	upgrader websocket.Upgrader
}

// New builds a Server from a validated configuration.
func New(cfg config.Config, logger *zap.Logger) *Server {
	logger = logging.OrNop(logger)
	reg := registry.New(logger.Named("registry"))

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		verifier: auth.NewVerifier([]byte(cfg.Auth.JWTSecret)),
		registry: reg,
		router:   router.New(reg, logger.Named("router")),
		hub:      NewHub(logger.Named("hub")),
		origins:  newOriginPolicy(cfg.Server.AllowedOrigins, logger),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}
	return s
}

// Registry exposes the identity registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Hub exposes the live session tracker.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP handler serving every relay route.
func (s *Server) Handler() http.Handler {
	return s.routes()
}
