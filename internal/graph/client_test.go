package graph

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

type staticTokens struct {
	token string
	err   error
}

func (s *staticTokens) AccessToken(context.Context) (string, error) {
	return s.token, s.err
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(ClientConfig{
		TokenSource: &staticTokens{token: "tok"},
		BaseURL:     srv.URL,
	})
	return c, srv
}

func TestDoSetsBearerAndJSONHeaders(t *testing.T) {
	var gotAuth, gotAccept, gotContentType string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		gotContentType = r.Header.Get("Content-Type")
	}))

	resp, err := c.Do(context.Background(), http.MethodPost, "/me/sendMail", []byte(`{}`), nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q, want Bearer tok", gotAuth)
	}
	if gotAccept != "application/json" {
		t.Errorf("Accept = %q, want application/json", gotAccept)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotContentType)
	}
}

func TestDoTokenFailure(t *testing.T) {
	c := NewClient(ClientConfig{
		TokenSource: &staticTokens{err: errors.New("no token")},
		BaseURL:     "http://unused.invalid",
	})
	if _, err := c.Do(context.Background(), http.MethodGet, "/me", nil, nil); err == nil {
		t.Error("Do: expected error when token source fails")
	}
}

func TestURLResolution(t *testing.T) {
	c := NewClient(ClientConfig{
		TokenSource: &staticTokens{token: "tok"},
		BaseURL:     "https://example.test/v1.0",
	})
	tests := []struct {
		in, want string
	}{
		{"/me/messages", "https://example.test/v1.0/me/messages"},
		{"https://example.test/v1.0/me/messages?$skip=50", "https://example.test/v1.0/me/messages?$skip=50"},
	}
	for _, tt := range tests {
		if got := c.url(tt.in); got != tt.want {
			t.Errorf("url(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestGetJSONStatusError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": {"code": "itemNotFound"}}`))
	}))

	var out struct{}
	err := c.GetJSON(context.Background(), "/me/messages/x", &out)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("GetJSON error = %v, want StatusError", err)
	}
	if se.Status != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", se.Status)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"bad gateway", &StatusError{Status: 502}, true},
		{"unavailable", &StatusError{Status: 503}, true},
		{"gateway timeout", &StatusError{Status: 504}, true},
		{"bad request", &StatusError{Status: 400}, false},
		{"unauthorized", &StatusError{Status: 401}, false},
		{"transport", &url.Error{Op: "Post", URL: "https://x", Err: errors.New("refused")}, true},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReachable(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{"ok", http.StatusOK, true},
		{"unauthorized", http.StatusUnauthorized, true},
		{"forbidden", http.StatusForbidden, true},
		{"method not allowed", http.StatusMethodNotAllowed, true},
		{"server error", http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			if got := c.Reachable(context.Background()); got != tt.want {
				t.Errorf("Reachable = %v, want %v", got, tt.want)
			}
		})
	}
}
