package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	// Connection metrics
	connectionsTotal  *prometheus.CounterVec
	connectionsActive *prometheus.GaugeVec
	tlsTotal          *prometheus.CounterVec

	// Authentication metrics
	authAttemptsTotal *prometheus.CounterVec

	// Command metrics
	commandsTotal *prometheus.CounterVec

	// Submission and retrieval metrics
	submissionsTotal  *prometheus.CounterVec
	retrievedTotal    prometheus.Counter
	retrievedSizeByte prometheus.Histogram

	// Upstream metrics
	graphRequestsTotal *prometheus.CounterVec

	// Spool metrics
	spoolDepth prometheus.Gauge
}

// NewPrometheusCollector creates a PrometheusCollector registered on a fresh
// registry and returns it with the matching scrape handler.
func NewPrometheusCollector() (*PrometheusCollector, http.Handler) {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "m365proxy_connections_total",
			Help: "Total number of client connections opened.",
		}, []string{"proto"}),
		connectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "m365proxy_connections_active",
			Help: "Number of currently active client connections.",
		}, []string{"proto"}),
		tlsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "m365proxy_tls_connections_total",
			Help: "Total number of TLS sessions established.",
		}, []string{"proto"}),

		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "m365proxy_auth_attempts_total",
			Help: "Total number of authentication attempts.",
		}, []string{"proto", "result"}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "m365proxy_commands_total",
			Help: "Total number of protocol commands processed.",
		}, []string{"proto", "command"}),

		submissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "m365proxy_submissions_total",
			Help: "Total number of message submissions by outcome.",
		}, []string{"result"}),
		retrievedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "m365proxy_messages_retrieved_total",
			Help: "Total number of messages retrieved by POP3 clients.",
		}),
		retrievedSizeByte: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "m365proxy_messages_retrieved_size_bytes",
			Help:    "Size of retrieved messages in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 26214400, 52428800},
		}),

		graphRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "m365proxy_graph_requests_total",
			Help: "Total number of Graph API requests by method and status.",
		}, []string{"method", "status"}),

		spoolDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "m365proxy_spool_depth",
			Help: "Number of messages waiting in the outbound spool.",
		}),
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.tlsTotal,
		c.authAttemptsTotal,
		c.commandsTotal,
		c.submissionsTotal,
		c.retrievedTotal,
		c.retrievedSizeByte,
		c.graphRequestsTotal,
		c.spoolDepth,
	)

	return c, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ConnectionOpened increments the connection counter and active gauge.
func (c *PrometheusCollector) ConnectionOpened(proto string) {
	c.connectionsTotal.WithLabelValues(proto).Inc()
	c.connectionsActive.WithLabelValues(proto).Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (c *PrometheusCollector) ConnectionClosed(proto string) {
	c.connectionsActive.WithLabelValues(proto).Dec()
}

// TLSEstablished increments the TLS session counter.
func (c *PrometheusCollector) TLSEstablished(proto string) {
	c.tlsTotal.WithLabelValues(proto).Inc()
}

// AuthAttempt increments the authentication attempts counter.
func (c *PrometheusCollector) AuthAttempt(proto string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(proto, result).Inc()
}

// CommandProcessed increments the command counter.
func (c *PrometheusCollector) CommandProcessed(proto string, command string) {
	c.commandsTotal.WithLabelValues(proto, command).Inc()
}

// MessageSubmitted increments the submission counter.
func (c *PrometheusCollector) MessageSubmitted(result string) {
	c.submissionsTotal.WithLabelValues(result).Inc()
}

// MessageRetrieved increments the retrieval counter and observes the size.
func (c *PrometheusCollector) MessageRetrieved(sizeBytes int64) {
	c.retrievedTotal.Inc()
	c.retrievedSizeByte.Observe(float64(sizeBytes))
}

// GraphRequest increments the upstream request counter.
func (c *PrometheusCollector) GraphRequest(method string, status string) {
	c.graphRequestsTotal.WithLabelValues(method, status).Inc()
}

// SpoolDepth sets the spool depth gauge.
func (c *PrometheusCollector) SpoolDepth(depth int) {
	c.spoolDepth.Set(float64(depth))
}
