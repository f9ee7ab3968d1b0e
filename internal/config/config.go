// Package config provides configuration management for the mail proxy.
package config

import (
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
)

// Mailbox is a single proxied mailbox with its local credential.
// Password holds a bcrypt hash, never a plaintext password.
type Mailbox struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TLSConfig holds the certificate pair used for STARTTLS/STLS and the
// implicit-TLS listeners.
type TLSConfig struct {
	CertFile string `json:"tls_cert"`
	KeyFile  string `json:"tls_key"`
}

// ProxyConfig describes an outbound HTTPS forward proxy for Graph traffic.
type ProxyConfig struct {
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// LoggingConfig controls log level and the optional rotating log file.
type LoggingConfig struct {
	Level string `json:"log_level,omitempty"`
	File  string `json:"log_file,omitempty"`
}

// MetricsConfig holds configuration for the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address,omitempty"`
	Path    string `json:"path,omitempty"`
}

// Config holds the complete proxy configuration.
//
// Ports are pointers so "not configured" is distinguishable from zero; a
// listener is started only for ports that are present.
type Config struct {
	ClientID string `json:"client_id"`
	TenantID string `json:"tenant_id"`

	Mailboxes      []Mailbox `json:"mailboxes"`
	AllowedDomains []string  `json:"allowed_domains"`

	Bind      string `json:"bind"`
	SMTPPort  *int   `json:"smtp_port"`
	POP3Port  *int   `json:"pop3_port"`
	SMTPSPort *int   `json:"smtps_port,omitempty"`
	POP3SPort *int   `json:"pop3s_port,omitempty"`

	TLS *TLSConfig `json:"tls,omitempty"`

	TokenPath string `json:"token_path"`
	QueueDir  string `json:"queue_dir"`

	AttachmentLimitMB int `json:"attachment_limit_mb"`

	HTTPSProxy *ProxyConfig   `json:"https_proxy,omitempty"`
	Logging    *LoggingConfig `json:"logging,omitempty"`
	Metrics    MetricsConfig  `json:"metrics,omitempty"`
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Bind:              "127.0.0.1",
		AllowedDomains:    []string{},
		AttachmentLimitMB: 80,
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9100",
			Path:    "/metrics",
		},
	}
}

// LogLevel returns the configured log level, or "info".
func (c *Config) LogLevel() string {
	if c.Logging != nil && c.Logging.Level != "" {
		return c.Logging.Level
	}
	return "info"
}

// LogFile returns the configured log file path, or empty for stderr only.
func (c *Config) LogFile() string {
	if c.Logging != nil {
		return c.Logging.File
	}
	return ""
}

// HasTLS reports whether a certificate pair is configured.
func (c *Config) HasTLS() bool {
	return c.TLS != nil && c.TLS.CertFile != "" && c.TLS.KeyFile != ""
}

// AllowsAllDomains reports whether the allow-list contains the wildcard.
func (c *Config) AllowsAllDomains() bool {
	for _, d := range c.AllowedDomains {
		if d == "*" {
			return true
		}
	}
	return false
}

// MailboxAddresses returns the lowercased addresses of all configured
// mailboxes.
func (c *Config) MailboxAddresses() []string {
	addrs := make([]string, 0, len(c.Mailboxes))
	for _, m := range c.Mailboxes {
		addrs = append(addrs, strings.ToLower(m.Username))
	}
	return addrs
}

// AttachmentLimitBytes returns the attachment limit in bytes.
func (c *Config) AttachmentLimitBytes() int64 {
	limit := c.AttachmentLimitMB
	if limit <= 0 {
		limit = 80
	}
	return int64(limit) * 1024 * 1024
}

// Validate checks that the configuration is usable and returns an error if
// not. It is called once at startup; a failure here is fatal.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return errors.New("client_id is required")
	}
	if c.TenantID == "" {
		return errors.New("tenant_id is required")
	}
	if len(c.Mailboxes) == 0 {
		return errors.New("at least one mailbox is required")
	}
	for i, m := range c.Mailboxes {
		if _, err := mail.ParseAddress(m.Username); err != nil {
			return fmt.Errorf("mailbox %d: invalid address %q: %w", i, m.Username, err)
		}
		if m.Password == "" {
			return fmt.Errorf("mailbox %d (%s): password hash is required", i, m.Username)
		}
	}
	if len(c.AllowedDomains) == 0 {
		return errors.New("allowed_domains is required (use [\"*\"] to allow all)")
	}
	if c.SMTPPort == nil && c.SMTPSPort == nil {
		return errors.New("at least one of smtp_port or smtps_port is required")
	}
	for name, p := range map[string]*int{
		"smtp_port": c.SMTPPort, "pop3_port": c.POP3Port,
		"smtps_port": c.SMTPSPort, "pop3s_port": c.POP3SPort,
	} {
		if p != nil && (*p < 1 || *p > 65535) {
			return fmt.Errorf("%s: invalid port %d", name, *p)
		}
	}
	if (c.SMTPSPort != nil || c.POP3SPort != nil) && !c.HasTLS() {
		return errors.New("smtps_port/pop3s_port require a tls certificate pair")
	}
	if c.TLS != nil && (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("tls requires both tls_cert and tls_key")
	}
	if c.TokenPath == "" {
		return errors.New("token_path is required")
	}
	if c.QueueDir == "" {
		return errors.New("queue_dir is required")
	}
	if c.AttachmentLimitMB < 0 {
		return errors.New("attachment_limit_mb must not be negative")
	}
	if c.HTTPSProxy != nil && c.HTTPSProxy.URL != "" {
		if _, err := url.Parse(c.HTTPSProxy.URL); err != nil {
			return fmt.Errorf("invalid https_proxy url: %w", err)
		}
	}
	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}
	return nil
}

// ProxyURL returns the effective forward-proxy URL with credentials embedded,
// or nil when no proxy is configured.
func (c *Config) ProxyURL() (*url.URL, error) {
	if c.HTTPSProxy == nil || c.HTTPSProxy.URL == "" {
		return nil, nil
	}
	u, err := url.Parse(c.HTTPSProxy.URL)
	if err != nil {
		return nil, err
	}
	if c.HTTPSProxy.Username != "" {
		if c.HTTPSProxy.Password != "" {
			u.User = url.UserPassword(c.HTTPSProxy.Username, c.HTTPSProxy.Password)
		} else {
			u.User = url.User(c.HTTPSProxy.Username)
		}
	}
	return u, nil
}
