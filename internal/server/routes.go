package server

import "net/http"

// routes configures the ServeMux with all application routes.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/ws", s.WebSocketHandler)
	mux.HandleFunc("/stats", s.StatsHandler)
	mux.HandleFunc("/test", TestPageHandler)
	return mux
}
