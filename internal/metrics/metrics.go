// Package metrics provides interfaces and implementations for collecting
// proxy metrics. This package defines the Collector interface for recording
// metrics and the Server interface for exposing them.
package metrics

import "context"

// Collector defines the interface for recording proxy metrics.
type Collector interface {
	// Connection metrics (proto is "smtp" or "pop3")
	ConnectionOpened(proto string)
	ConnectionClosed(proto string)
	TLSEstablished(proto string)

	// Authentication metrics
	AuthAttempt(proto string, success bool)

	// Command metrics
	CommandProcessed(proto string, command string)

	// Submission metrics
	// result should be "sent", "spooled", or "rejected"
	MessageSubmitted(result string)
	MessageRetrieved(sizeBytes int64)

	// Upstream metrics
	GraphRequest(method string, status string)

	// Spool metrics
	SpoolDepth(n int)
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}

// Config holds the configuration for the metrics server.
type Config struct {
	Enabled bool
	Address string
	Path    string
}

// New creates a Collector and Server based on the provided configuration.
// When metrics are disabled both are no-ops.
func New(cfg Config) (Collector, Server) {
	if !cfg.Enabled {
		return &NoopCollector{}, &NoopServer{}
	}
	collector, handler := NewPrometheusCollector()
	return collector, NewPrometheusServer(cfg.Address, cfg.Path, handler)
}
