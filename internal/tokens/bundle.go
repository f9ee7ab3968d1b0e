// Package tokens manages the OAuth2 token bundle for the proxied tenant:
// encrypted at-rest persistence, device-code login, and refresh scheduling.
package tokens

import (
	"encoding/json"
	"strings"
	"time"
)

// Scopes requested during login and refresh. Only the mail scopes are
// verified after login; User.Read rides along so Graph identifies the user.
var Scopes = []string{
	"https://graph.microsoft.com/Mail.Send",
	"https://graph.microsoft.com/Mail.Send.Shared",
	"https://graph.microsoft.com/Mail.ReadWrite",
	"https://graph.microsoft.com/Mail.ReadWrite.Shared",
	"https://graph.microsoft.com/User.Read",
}

// RequiredScopes are the short scope names that must appear in the access
// token's scp claim for the proxy to operate.
var RequiredScopes = []string{
	"Mail.Send",
	"Mail.Send.Shared",
	"Mail.ReadWrite",
	"Mail.ReadWrite.Shared",
}

// Bundle is the OAuth2 token response as returned by the token endpoint,
// plus the last_refresh bookkeeping field. Fields the proxy does not
// interpret are preserved verbatim across load/save cycles.
type Bundle struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
	Scope        string
	LastRefresh  time.Time

	extra map[string]json.RawMessage
}

// bundle field names in the persisted JSON.
const (
	fieldAccessToken  = "access_token"
	fieldRefreshToken = "refresh_token"
	fieldExpiresIn    = "expires_in"
	fieldScope        = "scope"
	fieldLastRefresh  = "last_refresh"
)

// UnmarshalJSON decodes the known fields and stashes everything else.
func (b *Bundle) UnmarshalJSON(data []byte) error {
	raw := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	take := func(name string, v any) error {
		m, ok := raw[name]
		if !ok {
			return nil
		}
		delete(raw, name)
		return json.Unmarshal(m, v)
	}

	if err := take(fieldAccessToken, &b.AccessToken); err != nil {
		return err
	}
	if err := take(fieldRefreshToken, &b.RefreshToken); err != nil {
		return err
	}
	if err := take(fieldExpiresIn, &b.ExpiresIn); err != nil {
		return err
	}
	if err := take(fieldScope, &b.Scope); err != nil {
		return err
	}
	var lastRefresh string
	if err := take(fieldLastRefresh, &lastRefresh); err != nil {
		return err
	}
	if lastRefresh != "" {
		t, err := time.Parse(time.RFC3339, lastRefresh)
		if err != nil {
			return err
		}
		b.LastRefresh = t
	}

	b.extra = raw
	return nil
}

// MarshalJSON re-emits the known fields alongside the preserved ones.
func (b Bundle) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(b.extra)+5)
	for k, v := range b.extra {
		out[k] = v
	}

	put := func(name string, v any) error {
		m, err := json.Marshal(v)
		if err != nil {
			return err
		}
		out[name] = m
		return nil
	}

	if err := put(fieldAccessToken, b.AccessToken); err != nil {
		return nil, err
	}
	if err := put(fieldRefreshToken, b.RefreshToken); err != nil {
		return nil, err
	}
	if err := put(fieldExpiresIn, b.ExpiresIn); err != nil {
		return nil, err
	}
	if err := put(fieldScope, b.Scope); err != nil {
		return nil, err
	}
	if !b.LastRefresh.IsZero() {
		if err := put(fieldLastRefresh, b.LastRefresh.UTC().Format(time.RFC3339)); err != nil {
			return nil, err
		}
	}

	return json.Marshal(out)
}

// ScopeSet returns the granted scopes as a set of short names.
func (b *Bundle) ScopeSet() map[string]bool {
	set := make(map[string]bool)
	for _, s := range strings.Fields(b.Scope) {
		// Scopes may come back fully qualified; the short name is the
		// final path segment.
		if i := strings.LastIndex(s, "/"); i >= 0 {
			s = s[i+1:]
		}
		set[s] = true
	}
	return set
}
