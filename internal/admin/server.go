package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	. "github.com/halohq/halo/internal/logging"
)

// Server binds the pure router to an HTTP listener.
type Server struct {
	handler *Handler
	server  *http.Server
}

// NewServer wraps a handler for the given listen address.
func NewServer(handler *Handler, addr string) *Server {
	s := &Server{handler: handler}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serve)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      logRequests(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start begins serving. Blocks until the listener closes.
func (s *Server) Start() error {
	L_info("admin: listening", "addr", s.server.Addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	query := make(map[string]string)
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			query[key] = values[0]
		}
	}

	resp := s.handler.Handle(Request{
		Method:     r.Method,
		Path:       r.URL.Path,
		Query:      query,
		RemoteAddr: r.RemoteAddr,
	})

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(resp.Status)
	if resp.Body != nil {
		if err := json.NewEncoder(w).Encode(resp.Body); err != nil {
			L_warn("admin: response encode failed", "path", r.URL.Path, "error", err)
		}
	}
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		L_debug("admin: request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}
