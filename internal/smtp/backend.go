// Package smtp implements the submission front-end: legacy clients
// authenticate with local credentials and hand over mail that is relayed
// through the upstream mailbox.
package smtp

import (
	"context"
	"log/slog"
	"net"
	"strings"

	"github.com/emersion/go-smtp"

	"github.com/infodancer/m365proxy/internal/metrics"
)

// CredentialChecker verifies a username/password pair.
type CredentialChecker interface {
	Check(username, password string) bool
}

// Submitter relays an accepted message to the upstream mailbox, spooling
// it when the upstream is unavailable.
type Submitter interface {
	Submit(ctx context.Context, mailFrom string, rcptTos []string, raw []byte) error
}

// Backend implements the go-smtp Backend interface.
// It creates new sessions for each connection.
type Backend struct {
	ctx            context.Context
	creds          CredentialChecker
	submitter      Submitter
	mailboxes      map[string]bool
	allowedDomains map[string]bool
	allowAll       bool
	collector      metrics.Collector
	logger         *slog.Logger
}

// BackendConfig holds configuration for creating a Backend.
type BackendConfig struct {
	// Context bounds upstream submissions; cancelling it aborts sends in
	// flight during shutdown. Defaults to context.Background.
	Context context.Context

	Creds     CredentialChecker
	Submitter Submitter

	// Mailboxes are the addresses allowed as senders.
	Mailboxes []string

	// AllowedDomains restricts recipient domains; "*" allows all.
	AllowedDomains []string

	Collector metrics.Collector
	Logger    *slog.Logger
}

// NewBackend creates a new Backend with the given configuration.
func NewBackend(cfg BackendConfig) *Backend {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mailboxes := make(map[string]bool, len(cfg.Mailboxes))
	for _, m := range cfg.Mailboxes {
		mailboxes[strings.ToLower(m)] = true
	}

	allowAll := false
	domains := make(map[string]bool, len(cfg.AllowedDomains))
	for _, d := range cfg.AllowedDomains {
		if d == "*" {
			allowAll = true
			continue
		}
		domains[strings.ToLower(d)] = true
	}
	if allowAll {
		logger.Warn("recipient domain allow-list contains wildcard, all destinations permitted")
	}

	collector := cfg.Collector
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}

	ctx := cfg.Context
	if ctx == nil {
		ctx = context.Background()
	}

	return &Backend{
		ctx:            ctx,
		creds:          cfg.Creds,
		submitter:      cfg.Submitter,
		mailboxes:      mailboxes,
		allowedDomains: domains,
		allowAll:       allowAll,
		collector:      collector,
		logger:         logger,
	}
}

// NewSession is called for each new connection.
// It implements the smtp.Backend interface.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	b.collector.ConnectionOpened("smtp")

	clientIP := extractIPFromConn(c.Conn())

	return &Session{
		backend:  b,
		conn:     c,
		clientIP: clientIP,
		logger:   b.logger.With(slog.String("client_ip", clientIP)),
	}, nil
}

// domainAllowed reports whether mail may be sent to the given address.
func (b *Backend) domainAllowed(rcpt string) bool {
	if b.allowAll {
		return true
	}
	idx := strings.LastIndex(rcpt, "@")
	if idx < 0 {
		return false
	}
	return b.allowedDomains[strings.ToLower(rcpt[idx+1:])]
}

// senderAllowed reports whether the address is a configured mailbox.
func (b *Backend) senderAllowed(from string) bool {
	return b.mailboxes[strings.ToLower(from)]
}

// extractIPFromConn extracts the IP address string from a net.Conn.
func extractIPFromConn(conn net.Conn) string {
	if conn == nil {
		return ""
	}

	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}

	switch v := addr.(type) {
	case *net.TCPAddr:
		return v.IP.String()
	case *net.UDPAddr:
		return v.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}
