// Package metrics serves the daemon's Prometheus registry and a bare
// liveness endpoint, mirroring the teacher's internal/api.Server shape
// (gorilla/mux router, *http.Server, Start/Stop lifecycle) restyled around
// observability routes instead of a blockchain REST API.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes /metrics (the default Prometheus registry) and /healthz
// (a bare 200 OK, for a process supervisor's liveness probe) on addr.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
}

// NewServer builds a Server; call Start to begin serving.
func NewServer(addr string) *Server {
	s := &Server{router: mux.NewRouter()}
	s.routes()
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	return s
}

func (s *Server) routes() {
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Start blocks serving HTTP until the server is shut down; callers run it
// in its own goroutine. Returns http.ErrServerClosed on a clean Stop.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts the server down within a bounded deadline.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
