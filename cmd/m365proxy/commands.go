package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/infodancer/m365proxy/internal/config"
	"github.com/infodancer/m365proxy/internal/creds"
	"github.com/infodancer/m365proxy/internal/graph"
	"github.com/infodancer/m365proxy/internal/logging"
	"github.com/infodancer/m365proxy/internal/mailbox"
	"github.com/infodancer/m365proxy/internal/tokens"
)

// fatal prints an error and exits with status 1.
func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// loadConfig parses flags and loads the effective configuration. Validation
// is left to the caller; some subcommands run before the config is complete.
func loadConfig() (config.Config, *config.Flags) {
	flags, err := config.ParseFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fatal("error loading config: %v", err)
	}
	return cfg, flags
}

// newManager builds the token manager for CLI commands.
func newManager(cfg config.Config) *tokens.Manager {
	logger := logging.NewLogger(cfg.LogLevel())
	store := tokens.NewStore(cfg.TokenPath, cfg.ClientID, logger)
	return tokens.NewManager(tokens.ManagerConfig{
		Store:    store,
		ClientID: cfg.ClientID,
		TenantID: cfg.TenantID,
		Logger:   logger,
	})
}

// signalContext returns a context cancelled by SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// runLogin drives the interactive device-code login and stores the
// resulting token bundle.
func runLogin() {
	cfg, _ := loadConfig()
	if cfg.ClientID == "" || cfg.TenantID == "" {
		fatal("client_id and tenant_id must be configured before login")
	}
	if cfg.TokenPath == "" {
		fatal("token_path must be configured before login")
	}

	ctx, cancel := signalContext()
	defer cancel()

	mgr := newManager(cfg)
	if err := mgr.LoginInteractive(ctx, os.Stdout); err != nil {
		fatal("login failed: %v", err)
	}
	fmt.Println("Login successful.")
}

// runCheckToken forces a refresh and reports whether the stored token is
// usable.
func runCheckToken() {
	cfg, _ := loadConfig()

	ctx, cancel := signalContext()
	defer cancel()

	mgr := newManager(cfg)
	if err := mgr.EnsureFresh(ctx, true); err != nil {
		if errors.Is(err, tokens.ErrNoToken) || errors.Is(err, tokens.ErrNoRefreshToken) {
			fatal("no usable token: %v (run 'm365proxy login')", err)
		}
		fatal("token refresh failed: %v", err)
	}

	bundle, _ := mgr.Load()
	fmt.Println("Token OK.")
	fmt.Printf("  scopes:       %s\n", bundle.Scope)
	fmt.Printf("  last refresh: %s\n", bundle.LastRefresh.Format(time.RFC3339))
}

// runShowToken prints the stored bundle without refreshing. Token values
// are truncated; the command is for inspection, not extraction.
func runShowToken() {
	cfg, _ := loadConfig()

	mgr := newManager(cfg)
	bundle, ok := mgr.Load()
	if !ok {
		fatal("no token found or unable to decrypt (run 'm365proxy login')")
	}

	fmt.Printf("access token:  %s\n", truncateToken(bundle.AccessToken))
	fmt.Printf("refresh token: %s\n", truncateToken(bundle.RefreshToken))
	fmt.Printf("expires in:    %ds\n", bundle.ExpiresIn)
	fmt.Printf("scopes:        %s\n", bundle.Scope)
	fmt.Printf("last refresh:  %s\n", bundle.LastRefresh.Format(time.RFC3339))
}

func truncateToken(tok string) string {
	if tok == "" {
		return "(none)"
	}
	if len(tok) <= 12 {
		return "****"
	}
	return tok[:12] + "..."
}

// runCheckConfig validates the configuration and prints it with secrets
// masked.
func runCheckConfig() {
	cfg, flags := loadConfig()

	if err := cfg.Validate(); err != nil {
		fatal("invalid configuration: %v", err)
	}

	data, err := json.MarshalIndent(cfg.Sanitized(), "", "    ")
	if err != nil {
		fatal("error printing config: %v", err)
	}
	fmt.Printf("configuration at %s is valid:\n%s\n", flags.ConfigPathOrDefault(), data)
}

// runInitConfig writes a starter configuration file. It refuses to
// overwrite an existing file.
func runInitConfig() {
	flags, err := config.ParseFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	path := flags.ConfigPathOrDefault()

	if _, err := os.Stat(path); err == nil {
		fatal("%s already exists, not overwriting", path)
	}

	cfg := config.Default()
	smtpPort, pop3Port := 10025, 10110
	cfg.SMTPPort = &smtpPort
	cfg.POP3Port = &pop3Port
	cfg.TokenPath = "./tokens.enc"
	cfg.QueueDir = "./queue"
	cfg.Mailboxes = []config.Mailbox{{Username: "user@example.com", Password: ""}}
	cfg.AllowedDomains = []string{"*"}

	if err := cfg.WriteFile(path); err != nil {
		fatal("error writing config: %v", err)
	}
	fmt.Printf("wrote starter configuration to %s\n", path)
	fmt.Println("Fill in client_id, tenant_id, and the mailbox credentials, then run 'm365proxy login'.")
}

// runConfigure prompts for the essential settings and writes them back.
func runConfigure() {
	flags, err := config.ParseFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	path := flags.ConfigPathOrDefault()

	cfg := config.Default()
	if loaded, err := config.Load(path); err == nil {
		cfg = loaded
	}

	cfg.ClientID = prompt("Application (client) ID", cfg.ClientID)
	cfg.TenantID = prompt("Directory (tenant) ID", cfg.TenantID)

	address := ""
	if len(cfg.Mailboxes) > 0 {
		address = cfg.Mailboxes[0].Username
	}
	address = prompt("Mailbox address", address)

	fmt.Print("Local password for this mailbox (empty keeps current): ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		fatal("error reading password: %v", err)
	}

	hash := ""
	if len(cfg.Mailboxes) > 0 {
		hash = cfg.Mailboxes[0].Password
	}
	if len(password) > 0 {
		hash, err = creds.HashPassword(string(password))
		if err != nil {
			fatal("error hashing password: %v", err)
		}
	}
	cfg.Mailboxes = []config.Mailbox{{Username: address, Password: hash}}

	cfg.SMTPPort = promptPort("SMTP port", cfg.SMTPPort, 10025)
	cfg.POP3Port = promptPort("POP3 port", cfg.POP3Port, 10110)

	if cfg.TokenPath == "" {
		cfg.TokenPath = "./tokens.enc"
	}
	if cfg.QueueDir == "" {
		cfg.QueueDir = "./queue"
	}
	if len(cfg.AllowedDomains) == 0 {
		cfg.AllowedDomains = []string{"*"}
	}

	if err := cfg.WriteFile(path); err != nil {
		fatal("error writing config: %v", err)
	}
	fmt.Printf("configuration written to %s\n", path)
}

func prompt(label, current string) string {
	if current != "" {
		fmt.Printf("%s [%s]: ", label, current)
	} else {
		fmt.Printf("%s: ", label)
	}
	var line string
	if _, err := fmt.Scanln(&line); err != nil || strings.TrimSpace(line) == "" {
		return current
	}
	return strings.TrimSpace(line)
}

func promptPort(label string, current *int, fallback int) *int {
	def := fallback
	if current != nil {
		def = *current
	}
	answer := prompt(label, strconv.Itoa(def))
	p, err := strconv.Atoi(answer)
	if err != nil || p < 1 || p > 65535 {
		p = def
	}
	return &p
}

// runTest sends a self-addressed message through the full send path.
func runTest() {
	cfg, _ := loadConfig()
	if err := cfg.Validate(); err != nil {
		fatal("invalid configuration: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	logger := logging.NewLogger(cfg.LogLevel())
	mgr := newManager(cfg)

	proxyURL, err := cfg.ProxyURL()
	if err != nil {
		fatal("invalid proxy url: %v", err)
	}
	client := graph.NewClient(graph.ClientConfig{
		TokenSource: mgr,
		ProxyURL:    proxyURL,
		Logger:      logger,
	})
	ops := mailbox.New(mailbox.Config{
		Client:          client,
		Logger:          logger,
		AttachmentLimit: cfg.AttachmentLimitBytes(),
	})

	addr := cfg.Mailboxes[0].Username
	raw := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: m365proxy test message\r\nDate: %s\r\n\r\nThis is a test message sent by m365proxy.\r\n",
		addr, addr, time.Now().Format(time.RFC1123Z))

	if err := ops.Send(ctx, addr, []string{addr}, []byte(raw)); err != nil {
		fatal("test message failed: %v", err)
	}
	fmt.Printf("test message sent from %s to itself\n", addr)
}

// runHash prints the bcrypt hash of the given password for use in the
// mailboxes section of the configuration.
func runHash() {
	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		fmt.Fprintln(os.Stderr, "usage: m365proxy hash PASSWORD")
		os.Exit(2)
	}

	hash, err := creds.HashPassword(os.Args[1])
	if err != nil {
		fatal("error hashing password: %v", err)
	}
	fmt.Println(hash)
}
