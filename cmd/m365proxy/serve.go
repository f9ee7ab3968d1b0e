package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/infodancer/m365proxy/internal/config"
	"github.com/infodancer/m365proxy/internal/creds"
	"github.com/infodancer/m365proxy/internal/graph"
	"github.com/infodancer/m365proxy/internal/logging"
	"github.com/infodancer/m365proxy/internal/mailbox"
	"github.com/infodancer/m365proxy/internal/metrics"
	"github.com/infodancer/m365proxy/internal/pop3"
	"github.com/infodancer/m365proxy/internal/server"
	"github.com/infodancer/m365proxy/internal/smtp"
	"github.com/infodancer/m365proxy/internal/spool"
	"github.com/infodancer/m365proxy/internal/tokens"
)

const (
	idleTimeout    = 10 * time.Minute
	commandTimeout = 5 * time.Minute
)

func runServe() {
	cfg, _ := loadConfig()

	if err := cfg.Validate(); err != nil {
		fatal("invalid configuration: %v", err)
	}

	logger, closer, err := buildLogger(cfg)
	if err != nil {
		fatal("error opening log file: %v", err)
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(logger)

	ctx, cancel := signalContext()
	defer cancel()

	// On Windows services are commonly stopped by closing stdin rather
	// than by signal; treat stdin EOF as a shutdown request there.
	if runtime.GOOS == "windows" {
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
			}
			logger.Info("stdin closed, shutting down")
			cancel()
		}()
	}

	collector, metricsServer := metrics.New(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Address: cfg.Metrics.Address,
		Path:    cfg.Metrics.Path,
	})
	go func() {
		if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("metrics server error", "error", err.Error())
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	// Token manager. A missing or refresh-token-less bundle is fatal up
	// front; everything else is the refresh loop's problem.
	store := tokens.NewStore(cfg.TokenPath, cfg.ClientID, logger)
	mgr := tokens.NewManager(tokens.ManagerConfig{
		Store:    store,
		ClientID: cfg.ClientID,
		TenantID: cfg.TenantID,
		Logger:   logger,
	})
	bundle, ok := mgr.Load()
	if !ok {
		fatal("no token found or unable to decrypt (run 'm365proxy login')")
	}
	if bundle.RefreshToken == "" {
		fatal("stored token has no refresh token (run 'm365proxy login')")
	}

	proxyURL, err := cfg.ProxyURL()
	if err != nil {
		fatal("invalid proxy url: %v", err)
	}
	client := graph.NewClient(graph.ClientConfig{
		TokenSource: mgr,
		ProxyURL:    proxyURL,
		Metrics:     collector,
		Logger:      logger,
	})

	sp, err := spool.New(cfg.QueueDir, collector, logger)
	if err != nil {
		fatal("error opening spool directory: %v", err)
	}

	ops := mailbox.New(mailbox.Config{
		Client:          client,
		Spool:           sp,
		Metrics:         collector,
		Logger:          logger,
		AttachmentLimit: cfg.AttachmentLimitBytes(),
	})

	verifier := creds.NewVerifier(cfg.Mailboxes, logger)

	var tlsConfig *tls.Config
	if cfg.HasTLS() {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			fatal("error loading TLS certificate: %v", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "m365proxy"
	}

	// Background workers: spool drain and token refresh. A failed token
	// renewal takes the whole proxy down rather than serving stale auth.
	worker := spool.NewWorker(sp, ops, spool.DefaultDrainInterval, logger)
	go worker.Run(ctx)
	go mgr.RunRefreshLoop(ctx, client.Reachable, func() {
		cancel()
	})

	var wg sync.WaitGroup
	errChan := make(chan error, 2)

	if smtpSrv := buildSMTPServer(ctx, cfg, verifier, ops, collector, tlsConfig, hostname, logger); smtpSrv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := smtpSrv.Run(ctx); err != nil && err != context.Canceled {
				errChan <- err
				cancel()
			}
		}()
	}

	if pop3Srv := buildPOP3Server(cfg, verifier, ops, collector, tlsConfig, logger); pop3Srv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pop3Srv.Run(ctx); err != nil && err != context.Canceled {
				errChan <- err
				cancel()
			}
		}()
	}

	logger.Info("m365proxy started",
		"bind", cfg.Bind,
		"mailboxes", len(cfg.Mailboxes),
		"spool_depth", sp.Depth(),
	)

	<-ctx.Done()
	wg.Wait()

	close(errChan)
	for err := range errChan {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("m365proxy stopped")
}

// buildLogger creates the process logger, with the rotating file sink when
// one is configured.
func buildLogger(cfg config.Config) (*slog.Logger, interface{ Close() error }, error) {
	if path := cfg.LogFile(); path != "" {
		return logging.NewFileLogger(path, cfg.LogLevel())
	}
	return logging.NewLogger(cfg.LogLevel()), nil, nil
}

// buildSMTPServer assembles the submission front-end, or returns nil when
// no SMTP port is configured.
func buildSMTPServer(ctx context.Context, cfg config.Config, verifier *creds.Verifier, ops *mailbox.Ops, collector metrics.Collector, tlsConfig *tls.Config, hostname string, logger *slog.Logger) *smtp.Server {
	var listeners []smtp.Listener
	if cfg.SMTPPort != nil {
		listeners = append(listeners, smtp.Listener{
			Address: net.JoinHostPort(cfg.Bind, strconv.Itoa(*cfg.SMTPPort)),
		})
	}
	if cfg.SMTPSPort != nil {
		listeners = append(listeners, smtp.Listener{
			Address:     net.JoinHostPort(cfg.Bind, strconv.Itoa(*cfg.SMTPSPort)),
			ImplicitTLS: true,
		})
	}
	if len(listeners) == 0 {
		return nil
	}

	backend := smtp.NewBackend(smtp.BackendConfig{
		Context:        ctx,
		Creds:          verifier,
		Submitter:      ops,
		Mailboxes:      cfg.MailboxAddresses(),
		AllowedDomains: cfg.AllowedDomains,
		Collector:      collector,
		Logger:         logger,
	})

	srv, err := smtp.NewServer(smtp.ServerConfig{
		Backend:      backend,
		Listeners:    listeners,
		Hostname:     hostname,
		TLSConfig:    tlsConfig,
		ReadTimeout:  commandTimeout,
		WriteTimeout: commandTimeout,
		Logger:       logger,
	})
	if err != nil {
		fatal("error configuring SMTP server: %v", err)
	}
	return srv
}

// buildPOP3Server assembles the retrieval front-end, or returns nil when
// no POP3 port is configured.
func buildPOP3Server(cfg config.Config, verifier *creds.Verifier, ops *mailbox.Ops, collector metrics.Collector, tlsConfig *tls.Config, logger *slog.Logger) *server.Server {
	handler := pop3.Handler(verifier, ops, tlsConfig, collector)

	var listeners []server.ListenerConfig
	if cfg.POP3Port != nil {
		listeners = append(listeners, server.ListenerConfig{
			Address:        net.JoinHostPort(cfg.Bind, strconv.Itoa(*cfg.POP3Port)),
			Proto:          server.ProtoPOP3,
			IdleTimeout:    idleTimeout,
			CommandTimeout: commandTimeout,
			Logger:         logger,
			Handler:        handler,
		})
	}
	if cfg.POP3SPort != nil {
		listeners = append(listeners, server.ListenerConfig{
			Address:        net.JoinHostPort(cfg.Bind, strconv.Itoa(*cfg.POP3SPort)),
			Proto:          server.ProtoPOP3S,
			TLSConfig:      tlsConfig,
			IdleTimeout:    idleTimeout,
			CommandTimeout: commandTimeout,
			Logger:         logger,
			Handler:        handler,
		})
	}
	if len(listeners) == 0 {
		return nil
	}

	return server.New(logger, listeners...)
}
