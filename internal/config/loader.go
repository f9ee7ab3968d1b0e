package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath string
	TokenPath  string
	QueueDir   string
	LogFile    string
	LogLevel   string
	Bind       string
	SMTPPort   int
	POP3Port   int
	HTTPSProxy string
	NoSSL      bool
	Debug      bool
	Quiet      bool
}

// ParseFlags parses command-line flags and returns a Flags struct.
// Subcommand dispatch happens before this, so only flags remain in os.Args.
func ParseFlags() (*Flags, error) {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "", "Path to configuration file")
	flag.StringVar(&f.TokenPath, "token", "", "Path to encrypted token store")
	flag.StringVar(&f.QueueDir, "queue-dir", "", "Path to mail spool directory")
	flag.StringVar(&f.LogFile, "log-file", "", "Path to log file")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.Bind, "bind", "", "Bind address for SMTP/POP3 listeners")
	flag.IntVar(&f.SMTPPort, "smtp-port", 0, "SMTP listener port")
	flag.IntVar(&f.POP3Port, "pop3-port", 0, "POP3 listener port")
	flag.StringVar(&f.HTTPSProxy, "https-proxy", "", "Forward proxy URL for Graph traffic")
	flag.BoolVar(&f.NoSSL, "no-ssl", false, "Disable TLS even when certificates are configured")
	flag.BoolVar(&f.Debug, "debug", false, "Force debug logging")
	flag.BoolVar(&f.Quiet, "quiet", false, "Log errors only")

	flag.Parse()

	if f.Debug && f.Quiet {
		return nil, fmt.Errorf("-debug and -quiet are mutually exclusive")
	}
	return f, nil
}

// ConfigPathOrDefault resolves the config path from flags or the
// M365PROXY_CONFIG environment variable, defaulting to ./m365proxy.json.
func (f *Flags) ConfigPathOrDefault() string {
	if f.ConfigPath != "" {
		return f.ConfigPath
	}
	if v := os.Getenv("M365PROXY_CONFIG"); v != "" {
		return v
	}
	return "./m365proxy.json"
}

// Load parses a JSON configuration file and returns the Config merged over
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// ApplyFlags merges command-line flag values into the config.
// Non-zero/non-empty flag values override config file and environment values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.TokenPath != "" {
		cfg.TokenPath = f.TokenPath
	}
	if f.QueueDir != "" {
		cfg.QueueDir = f.QueueDir
	}
	if f.Bind != "" {
		cfg.Bind = f.Bind
	}
	if f.SMTPPort > 0 {
		p := f.SMTPPort
		cfg.SMTPPort = &p
	}
	if f.POP3Port > 0 {
		p := f.POP3Port
		cfg.POP3Port = &p
	}
	if f.HTTPSProxy != "" {
		cfg.HTTPSProxy = &ProxyConfig{URL: f.HTTPSProxy}
	}
	if f.NoSSL {
		cfg.TLS = nil
		cfg.SMTPSPort = nil
		cfg.POP3SPort = nil
	}

	if f.LogFile != "" || f.LogLevel != "" || f.Debug || f.Quiet {
		if cfg.Logging == nil {
			cfg.Logging = &LoggingConfig{}
		}
		if f.LogFile != "" {
			cfg.Logging.File = f.LogFile
		}
		if f.LogLevel != "" {
			cfg.Logging.Level = f.LogLevel
		}
		// -debug/-quiet win over -log-level; ParseFlags rejects both at once.
		if f.Debug {
			cfg.Logging.Level = "debug"
		}
		if f.Quiet {
			cfg.Logging.Level = "error"
		}
	}

	return cfg
}

// LoadWithFlags loads configuration from the path resolved from flags, then
// applies environment and flag overrides.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPathOrDefault())
	if err != nil {
		return cfg, err
	}
	cfg = ApplyEnv(cfg)
	return ApplyFlags(cfg, f), nil
}

// Sanitized returns a copy of the config with the proxy password masked,
// suitable for printing.
func (c Config) Sanitized() Config {
	if c.HTTPSProxy != nil {
		p := *c.HTTPSProxy
		if p.Password != "" {
			p.Password = "****"
		}
		c.HTTPSProxy = &p
	}
	return c
}

// WriteFile writes the configuration as indented JSON.
func (c Config) WriteFile(path string) error {
	data, err := json.MarshalIndent(c, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
