package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gosmtp "github.com/emersion/go-smtp"
)

// Listener describes one SMTP listening socket.
type Listener struct {
	Address     string
	ImplicitTLS bool
}

// serverEntry holds a go-smtp server and whether it wraps connections in
// TLS at accept time.
type serverEntry struct {
	server      *gosmtp.Server
	implicitTLS bool
}

// Server wraps go-smtp servers for the plaintext and implicit-TLS listeners.
type Server struct {
	entries []serverEntry
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// ServerConfig holds configuration for creating a Server.
type ServerConfig struct {
	Backend   *Backend
	Listeners []Listener
	Hostname  string
	TLSConfig *tls.Config

	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	MaxRecipients  int

	Logger *slog.Logger
}

// NewServer creates a Server with a go-smtp server per listener.
func NewServer(cfg ServerConfig) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	srv := &Server{
		entries: make([]serverEntry, 0, len(cfg.Listeners)),
		logger:  logger,
	}

	for _, listener := range cfg.Listeners {
		s := gosmtp.NewServer(cfg.Backend)
		s.Addr = listener.Address
		s.Domain = cfg.Hostname
		s.ReadTimeout = cfg.ReadTimeout
		s.WriteTimeout = cfg.WriteTimeout
		s.MaxMessageBytes = cfg.MaxMessageSize
		s.MaxRecipients = cfg.MaxRecipients
		s.EnableSMTPUTF8 = true

		if listener.ImplicitTLS {
			if cfg.TLSConfig == nil {
				return nil, fmt.Errorf("listener %s: implicit TLS requires a certificate", listener.Address)
			}
			s.TLSConfig = cfg.TLSConfig
		} else if cfg.TLSConfig != nil {
			// STARTTLS offered and required before AUTH.
			s.TLSConfig = cfg.TLSConfig
		} else {
			s.AllowInsecureAuth = true
			logger.Warn("no TLS certificate configured, accepting cleartext authentication",
				slog.String("address", listener.Address))
		}

		srv.entries = append(srv.entries, serverEntry{server: s, implicitTLS: listener.ImplicitTLS})
		logger.Info("configured SMTP listener",
			slog.String("address", listener.Address),
			slog.Bool("implicit_tls", listener.ImplicitTLS))
	}

	return srv, nil
}

// Run starts all servers and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errChan := make(chan error, len(s.entries))

	for _, entry := range s.entries {
		s.wg.Add(1)
		go func(entry serverEntry) {
			defer s.wg.Done()

			var err error
			if entry.implicitTLS {
				s.logger.Info("starting SMTPS listener", slog.String("address", entry.server.Addr))
				err = entry.server.ListenAndServeTLS()
			} else {
				s.logger.Info("starting SMTP listener", slog.String("address", entry.server.Addr))
				err = entry.server.ListenAndServe()
			}

			if err != nil {
				errChan <- fmt.Errorf("server %s: %w", entry.server.Addr, err)
			}
		}(entry)
	}

	<-ctx.Done()

	s.logger.Info("shutting down SMTP servers")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, entry := range s.entries {
		if err := entry.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("error shutting down server",
				slog.String("address", entry.server.Addr),
				slog.String("error", err.Error()))
		}
	}

	s.wg.Wait()

	close(errChan)
	var firstErr error
	for err := range errChan {
		if firstErr == nil {
			firstErr = err
		}
		s.logger.Error("server error", slog.String("error", err.Error()))
	}

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}
