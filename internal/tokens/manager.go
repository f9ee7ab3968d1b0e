package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// DefaultAuthority is the Microsoft identity platform endpoint.
const DefaultAuthority = "https://login.microsoftonline.com"

const (
	// refreshSkip short-circuits EnsureFresh when the last refresh is
	// recent; access tokens live for at least an hour.
	refreshSkip = time.Hour

	// refreshCadence is the sleep between background refreshes. It stays
	// well inside refresh-token sliding windows.
	refreshCadence = 3 * 24 * time.Hour

	// degradedRetry is the sleep when Graph is unreachable.
	degradedRetry = 15 * time.Minute

	requestTimeout = 10 * time.Second
)

// Errors returned by the Manager.
var (
	ErrNoToken        = errors.New("no token found or unable to decrypt")
	ErrNoRefreshToken = errors.New("refresh token not found; login required")
	ErrMissingScopes  = errors.New("access token is missing required scopes")
)

// Manager obtains, refreshes, and vends bearer tokens for the configured
// tenant. All bundle mutations funnel through the Manager; the Store save is
// the linearization point for concurrent readers.
type Manager struct {
	store     *Store
	clientID  string
	tenantID  string
	authority string
	httpc     *http.Client
	logger    *slog.Logger

	mu  sync.Mutex
	now func() time.Time
}

// ManagerConfig holds configuration for creating a Manager.
type ManagerConfig struct {
	Store     *Store
	ClientID  string
	TenantID  string
	Authority string       // defaults to DefaultAuthority
	Client    *http.Client // defaults to a 10s-timeout client
	Logger    *slog.Logger
}

// NewManager creates a token Manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	authority := cfg.Authority
	if authority == "" {
		authority = DefaultAuthority
	}
	httpc := cfg.Client
	if httpc == nil {
		httpc = &http.Client{Timeout: requestTimeout}
	}
	return &Manager{
		store:     cfg.Store,
		clientID:  cfg.ClientID,
		tenantID:  cfg.TenantID,
		authority: authority,
		httpc:     httpc,
		logger:    logger,
		now:       time.Now,
	}
}

func (m *Manager) tokenURL() string {
	return fmt.Sprintf("%s/%s/oauth2/v2.0/token", m.authority, m.tenantID)
}

func (m *Manager) deviceCodeURL() string {
	return fmt.Sprintf("%s/%s/oauth2/v2.0/devicecode", m.authority, m.tenantID)
}

// EnsureFresh refreshes the stored bundle when needed. With force false the
// refresh is skipped entirely if the last refresh is under an hour old.
func (m *Manager) EnsureFresh(ctx context.Context, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bundle, ok := m.store.Load()
	if !ok {
		return ErrNoToken
	}
	if bundle.RefreshToken == "" {
		return ErrNoRefreshToken
	}
	if !force && m.now().UTC().Sub(bundle.LastRefresh) < refreshSkip {
		return nil
	}

	form := url.Values{
		"client_id":     {m.clientID},
		"scope":         {strings.Join(Scopes, " ")},
		"refresh_token": {bundle.RefreshToken},
		"grant_type":    {"refresh_token"},
	}

	fresh, err := m.postTokenForm(ctx, form)
	if err != nil {
		return fmt.Errorf("token refresh: %w", err)
	}
	if fresh.AccessToken == "" {
		return errors.New("token refresh: no access token in response")
	}

	fresh.LastRefresh = m.now().UTC()
	if err := m.store.Save(fresh); err != nil {
		return fmt.Errorf("saving refreshed token: %w", err)
	}
	m.logger.Info("access token refreshed")
	return nil
}

// AccessToken returns a fresh bearer token, refreshing first when needed.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	if err := m.EnsureFresh(ctx, false); err != nil {
		return "", err
	}
	bundle, ok := m.store.Load()
	if !ok || bundle.AccessToken == "" {
		return "", ErrNoToken
	}
	return bundle.AccessToken, nil
}

// Load returns the stored bundle without refreshing. Used by the CLI's
// show-token command.
func (m *Manager) Load() (*Bundle, bool) {
	return m.store.Load()
}

// deviceCodeResponse is the device authorization response.
type deviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
	Message         string `json:"message"`
}

// tokenError is the OAuth2 error response body.
type tokenError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// LoginInteractive drives the OAuth2 device-code flow. The user-facing
// instruction line is written to out; the call blocks until the user
// completes authentication, the code expires, or ctx is cancelled.
func (m *Manager) LoginInteractive(ctx context.Context, out io.Writer) error {
	form := url.Values{
		"client_id": {m.clientID},
		"scope":     {strings.Join(Scopes, " ")},
	}
	resp, err := m.httpc.PostForm(m.deviceCodeURL(), form)
	if err != nil {
		return fmt.Errorf("device code request: %w", err)
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return fmt.Errorf("device code response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("device code request failed: %s: %s", resp.Status, body)
	}

	var dc deviceCodeResponse
	if err := json.Unmarshal(body, &dc); err != nil {
		return fmt.Errorf("device code response: %w", err)
	}
	fmt.Fprintln(out, dc.Message)

	bundle, err := m.pollDeviceToken(ctx, dc)
	if err != nil {
		return err
	}

	if err := verifyScopes(bundle.AccessToken); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	bundle.LastRefresh = m.now().UTC()
	if err := m.store.Save(bundle); err != nil {
		return fmt.Errorf("saving token: %w", err)
	}
	m.logger.Info("login successful, token saved")
	return nil
}

// pollDeviceToken polls the token endpoint until the device code is redeemed
// or expires.
func (m *Manager) pollDeviceToken(ctx context.Context, dc deviceCodeResponse) (*Bundle, error) {
	interval := time.Duration(dc.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := m.now().Add(time.Duration(dc.ExpiresIn) * time.Second)

	form := url.Values{
		"client_id":   {m.clientID},
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"device_code": {dc.DeviceCode},
	}

	for {
		if !sleepCtx(ctx, interval) {
			return nil, ctx.Err()
		}
		if m.now().After(deadline) {
			return nil, errors.New("device code expired before authentication completed")
		}

		bundle, err := m.postTokenForm(ctx, form)
		if err == nil {
			return bundle, nil
		}

		var te *pendingError
		if errors.As(err, &te) {
			if te.slowDown {
				interval += 5 * time.Second
			}
			continue
		}
		return nil, err
	}
}

// pendingError marks an authorization_pending / slow_down poll result.
type pendingError struct {
	slowDown bool
}

func (e *pendingError) Error() string {
	if e.slowDown {
		return "authorization pending (slow down)"
	}
	return "authorization pending"
}

// postTokenForm posts a form to the token endpoint and decodes the bundle.
func (m *Manager) postTokenForm(ctx context.Context, form url.Values) (*Bundle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL(),
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		var te tokenError
		if json.Unmarshal(body, &te) == nil {
			switch te.Error {
			case "authorization_pending":
				return nil, &pendingError{}
			case "slow_down":
				return nil, &pendingError{slowDown: true}
			}
			if te.Error != "" {
				return nil, fmt.Errorf("token endpoint: %s: %s", te.Error, te.ErrorDescription)
			}
		}
		return nil, fmt.Errorf("token endpoint: %s", resp.Status)
	}

	var b Bundle
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	return &b, nil
}

// verifyScopes decodes the access token without signature verification and
// checks that the scp claim contains every required mail scope. Graph
// verifies the signature on every call; this check only catches a consent
// screen where the admin stripped scopes.
func verifyScopes(accessToken string) error {
	tok, err := jwt.ParseInsecure([]byte(accessToken))
	if err != nil {
		return fmt.Errorf("decoding access token: %w", err)
	}
	scp, _ := tok.Get("scp")
	granted := make(map[string]bool)
	if s, ok := scp.(string); ok {
		for _, name := range strings.Fields(s) {
			granted[name] = true
		}
	}
	var missing []string
	for _, want := range RequiredScopes {
		if !granted[want] {
			missing = append(missing, want)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingScopes, strings.Join(missing, ", "))
	}
	return nil
}

// RunRefreshLoop keeps the token fresh in the background. When Graph is
// unreachable it backs off and retries; when a refresh fails outright it
// calls onAuthFailure (the supervisor shuts down) and returns. The loop
// observes ctx at every sleep.
func (m *Manager) RunRefreshLoop(ctx context.Context, reachable func(context.Context) bool, onAuthFailure func()) {
	m.logger.Info("token refresh loop started")
	for {
		if ctx.Err() != nil {
			m.logger.Info("token refresh loop stopped")
			return
		}

		if !reachable(ctx) {
			m.logger.Warn("upstream unreachable, retrying token refresh later",
				slog.Duration("retry_in", degradedRetry))
			if !sleepCtx(ctx, degradedRetry) {
				return
			}
			continue
		}

		if err := m.EnsureFresh(ctx, false); err != nil {
			m.logger.Error("token renewal failed, shutting down", slog.String("error", err.Error()))
			onAuthFailure()
			return
		}

		m.logger.Info("token refreshed, sleeping", slog.Duration("sleep", refreshCadence))
		if !sleepCtx(ctx, refreshCadence) {
			return
		}
	}
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false on
// cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
