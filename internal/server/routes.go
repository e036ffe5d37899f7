package server

import "net/http"

// Routes configures and returns an HTTP ServeMux with all application routes.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHealth)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/test", s.handleTestPage)
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.handleHistory)
	return mux
}
