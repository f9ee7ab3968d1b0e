package config

import "os"

// ApplyEnv applies environment variable overrides to the configuration.
// Environment variables take precedence over the config file but are
// overridden by command-line flags.
func ApplyEnv(cfg Config) Config {
	if proxy := proxyFromEnv(); proxy != "" && (cfg.HTTPSProxy == nil || cfg.HTTPSProxy.URL == "") {
		cfg.HTTPSProxy = &ProxyConfig{URL: proxy}
	}
	return cfg
}

// proxyFromEnv returns the forward proxy URL from the conventional
// environment variables, preferring the HTTPS-specific ones.
func proxyFromEnv() string {
	for _, name := range []string{"HTTPS_PROXY", "https_proxy", "HTTP_PROXY", "http_proxy"} {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}
