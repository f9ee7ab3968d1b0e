package metrics

import (
	"context"
	"net/http"
)

// PrometheusServer implements the Server interface and serves Prometheus
// metrics over HTTP.
type PrometheusServer struct {
	server *http.Server
}

// NewPrometheusServer creates a PrometheusServer that will serve the given
// scrape handler at the specified address and path.
func NewPrometheusServer(address, path string, handler http.Handler) *PrometheusServer {
	mux := http.NewServeMux()
	mux.Handle(path, handler)

	return &PrometheusServer{
		server: &http.Server{
			Addr:    address,
			Handler: mux,
		},
	}
}

// Start begins serving metrics. It blocks until the context is canceled
// or an error occurs. Returns nil when the server is shut down gracefully.
func (s *PrometheusServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the metrics server.
func (s *PrometheusServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
