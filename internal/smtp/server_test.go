package smtp

import (
	"crypto/tls"
	"io"
	"log/slog"
	"testing"
)

func testServerConfig(listeners []Listener, tlsConfig *tls.Config) ServerConfig {
	return ServerConfig{
		Backend:   testBackend(&fakeSubmitter{}),
		Listeners: listeners,
		Hostname:  "proxy.test",
		TLSConfig: tlsConfig,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestNewServerRequiresTLSBeforeAuthWhenConfigured(t *testing.T) {
	srv, err := NewServer(testServerConfig([]Listener{{Address: "127.0.0.1:0"}}, &tls.Config{}))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	entry := srv.entries[0]
	if entry.server.AllowInsecureAuth {
		t.Error("cleartext AUTH permitted although STARTTLS is available")
	}
	if entry.server.TLSConfig == nil {
		t.Error("STARTTLS not offered on plaintext listener")
	}
}

func TestNewServerAllowsCleartextAuthWithoutTLS(t *testing.T) {
	srv, err := NewServer(testServerConfig([]Listener{{Address: "127.0.0.1:0"}}, nil))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	if !srv.entries[0].server.AllowInsecureAuth {
		t.Error("AUTH unavailable with no certificate configured")
	}
}

func TestNewServerImplicitTLSRequiresCertificate(t *testing.T) {
	_, err := NewServer(testServerConfig([]Listener{{Address: "127.0.0.1:0", ImplicitTLS: true}}, nil))
	if err == nil {
		t.Fatal("implicit TLS listener accepted without a certificate")
	}
}
