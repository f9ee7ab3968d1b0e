package metrics

import "context"

// NoopCollector is a no-op implementation of the Collector interface.
// All methods are empty stubs that do nothing.
type NoopCollector struct{}

// ConnectionOpened is a no-op.
func (n *NoopCollector) ConnectionOpened(proto string) {}

// ConnectionClosed is a no-op.
func (n *NoopCollector) ConnectionClosed(proto string) {}

// TLSEstablished is a no-op.
func (n *NoopCollector) TLSEstablished(proto string) {}

// AuthAttempt is a no-op.
func (n *NoopCollector) AuthAttempt(proto string, success bool) {}

// CommandProcessed is a no-op.
func (n *NoopCollector) CommandProcessed(proto string, command string) {}

// MessageSubmitted is a no-op.
func (n *NoopCollector) MessageSubmitted(result string) {}

// MessageRetrieved is a no-op.
func (n *NoopCollector) MessageRetrieved(sizeBytes int64) {}

// GraphRequest is a no-op.
func (n *NoopCollector) GraphRequest(method string, status string) {}

// SpoolDepth is a no-op.
func (n *NoopCollector) SpoolDepth(depth int) {}

// NoopServer is a no-op implementation of the Server interface.
// It does nothing when started or shut down.
type NoopServer struct{}

// Start is a no-op that returns immediately.
func (n *NoopServer) Start(ctx context.Context) error {
	return nil
}

// Shutdown is a no-op that returns immediately.
func (n *NoopServer) Shutdown(ctx context.Context) error {
	return nil
}
