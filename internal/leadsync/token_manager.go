package leadsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// TokenState reports the token manager's lifecycle position.
type TokenState string

const (
	TokenStateUnloaded     TokenState = "unloaded"
	TokenStateValid        TokenState = "valid"
	TokenStateExpiringSoon TokenState = "expiring_soon"
	TokenStateRefreshing   TokenState = "refreshing"
	TokenStateInvalid      TokenState = "invalid"
)

const (
	defaultRefreshMargin  = 5 * time.Minute
	defaultRefreshTimeout = 15 * time.Second
)

type TokenManagerOptions struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	RefreshToken string

	// StaticAccessToken is a legacy pre-issued token with unknown expiry.
	// It is served as-is and never refreshed.
	StaticAccessToken string

	RefreshMargin time.Duration
	HTTPClient    *http.Client
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration

	// OnRotate is invoked when the token endpoint rotates the refresh
	// token, so callers can persist the new credential.
	OnRotate func(refreshToken string)

	Now func() time.Time
}

type refreshFlight struct {
	done  chan struct{}
	token string
	err   error
}

// TokenManager owns the OAuth2 access-token lifecycle for one remote API.
//
// Refresh is single-flight: however many callers observe a refresh is
// needed, exactly one request goes to the token endpoint and all callers
// share its result. Refresh tokens rotate, so a duplicate refresh can
// invalidate the credential the other one just obtained.
//
// A token inside the refresh margin is still returned immediately while a
// background refresh runs, so proactive refresh never blocks callers. A
// rejected refresh credential is terminal: the manager reports
// ErrCredentialExpired until an operator supplies a new credential.
type TokenManager struct {
	tokenURL      string
	clientID      string
	clientSecret  string
	refreshMargin time.Duration
	httpClient    *http.Client
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
	onRotate      func(string)
	now           func() time.Time

	mu           sync.Mutex
	accessToken  string
	expiresAt    time.Time
	refreshToken string
	terminalErr  error
	inflight     *refreshFlight
}

func NewTokenManager(opts TokenManagerOptions) *TokenManager {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRefreshTimeout}
	}
	margin := opts.RefreshMargin
	if margin <= 0 {
		margin = defaultRefreshMargin
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &TokenManager{
		tokenURL:      strings.TrimSpace(opts.TokenURL),
		clientID:      strings.TrimSpace(opts.ClientID),
		clientSecret:  strings.TrimSpace(opts.ClientSecret),
		refreshMargin: margin,
		httpClient:    httpClient,
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		onRotate:      opts.OnRotate,
		now:           now,
		accessToken:   strings.TrimSpace(opts.StaticAccessToken),
		refreshToken:  strings.TrimSpace(opts.RefreshToken),
	}
}

func (m *TokenManager) hasRefreshCredentials() bool {
	return m.clientID != "" && m.clientSecret != "" && m.refreshToken != "" && m.tokenURL != ""
}

// Token returns a currently valid access token.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	if m == nil {
		return "", ErrInvalidInput
	}
	m.mu.Lock()
	if m.terminalErr != nil {
		defer m.mu.Unlock()
		return "", m.terminalErr
	}
	if !m.hasRefreshCredentials() {
		defer m.mu.Unlock()
		if m.accessToken != "" {
			return m.accessToken, nil
		}
		return "", fmt.Errorf("%w: no remote API credentials configured", ErrCredentialExpired)
	}

	if m.accessToken != "" {
		if m.expiresAt.IsZero() {
			// Static bootstrap token with unknown expiry: assume valid
			// until a remote rejection invalidates it.
			defer m.mu.Unlock()
			return m.accessToken, nil
		}
		remaining := m.expiresAt.Sub(m.now())
		if remaining > m.refreshMargin {
			defer m.mu.Unlock()
			return m.accessToken, nil
		}
		if remaining > 0 {
			// Expiring soon: refresh ahead in the background, but the
			// cached token is still valid so the caller is not blocked.
			if m.inflight == nil {
				m.startRefreshLocked()
			}
			token := m.accessToken
			m.mu.Unlock()
			return token, nil
		}
	}

	flight := m.inflight
	if flight == nil {
		flight = m.startRefreshLocked()
	}
	m.mu.Unlock()

	select {
	case <-flight.done:
		return flight.token, flight.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Invalidate discards the cached token so the next Token call refreshes
// regardless of cached expiry. Used after a remote authentication failure.
func (m *TokenManager) Invalidate() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasRefreshCredentials() {
		return
	}
	m.accessToken = ""
	m.expiresAt = time.Time{}
}

// State reports the lifecycle state for the status surface.
func (m *TokenManager) State() (TokenState, time.Time) {
	if m == nil {
		return TokenStateUnloaded, time.Time{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.terminalErr != nil:
		return TokenStateInvalid, m.expiresAt
	case m.inflight != nil:
		return TokenStateRefreshing, m.expiresAt
	case m.accessToken == "":
		return TokenStateUnloaded, time.Time{}
	case m.expiresAt.IsZero():
		return TokenStateValid, time.Time{}
	case m.expiresAt.Sub(m.now()) <= m.refreshMargin:
		return TokenStateExpiringSoon, m.expiresAt
	default:
		return TokenStateValid, m.expiresAt
	}
}

// startRefreshLocked launches the single in-flight refresh. Callers must
// hold m.mu; the refresh itself runs outside the lock so the critical
// section never spans the network call.
func (m *TokenManager) startRefreshLocked() *refreshFlight {
	flight := &refreshFlight{done: make(chan struct{})}
	m.inflight = flight
	refreshToken := m.refreshToken

	go func() {
		token, expiresAt, rotated, err := m.refresh(refreshToken)

		m.mu.Lock()
		if err == nil {
			m.accessToken = token
			m.expiresAt = expiresAt
			if rotated != "" {
				m.refreshToken = rotated
			}
		} else if errors.Is(err, ErrCredentialExpired) {
			m.terminalErr = err
			m.accessToken = ""
		}
		m.inflight = nil
		flight.token = token
		flight.err = err
		m.mu.Unlock()

		if err == nil && rotated != "" && m.onRotate != nil {
			m.onRotate(rotated)
		}
		close(flight.done)
	}()
	return flight
}

// refresh calls the token endpoint with bounded exponential backoff on
// transient failures. A 4xx rejection means the refresh credential itself is
// dead, which must not be retried: rotating refresh tokens can be burned by
// repeated doomed attempts.
func (m *TokenManager) refresh(refreshToken string) (token string, expiresAt time.Time, rotated string, err error) {
	form := url.Values{}
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", m.clientID)
	form.Set("client_secret", m.clientSecret)
	form.Set("grant_type", "refresh_token")
	body := form.Encode()

	ctx, cancel := context.WithTimeout(context.Background(), defaultRefreshTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		if attempt > 0 {
			if waitErr := sleepContext(ctx, m.retryDelay(attempt)); waitErr != nil {
				return "", time.Time{}, "", fmt.Errorf("%w: %v", ErrTransientRemote, lastErr)
			}
		}
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(body))
		if reqErr != nil {
			return "", time.Time{}, "", reqErr
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, doErr := m.httpClient.Do(req)
		if doErr != nil {
			lastErr = doErr
			continue
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode >= 500 && resp.StatusCode <= 599 {
			lastErr = fmt.Errorf("token endpoint returned %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return "", time.Time{}, "", fmt.Errorf("%w: token endpoint returned %d: %s",
				ErrCredentialExpired, resp.StatusCode, strings.TrimSpace(string(respBody)))
		}

		var parsed struct {
			AccessToken  string `json:"access_token"`
			ExpiresIn    int    `json:"expires_in"`
			RefreshToken string `json:"refresh_token"`
		}
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			lastErr = err
			continue
		}
		if parsed.AccessToken == "" {
			return "", time.Time{}, "", fmt.Errorf("%w: token response missing access_token", ErrCredentialExpired)
		}
		expiresIn := parsed.ExpiresIn
		if expiresIn <= 0 {
			expiresIn = 3600
		}
		return parsed.AccessToken, m.now().Add(time.Duration(expiresIn) * time.Second), parsed.RefreshToken, nil
	}
	return "", time.Time{}, "", fmt.Errorf("%w: %v", ErrTransientRemote, lastErr)
}

func (m *TokenManager) retryDelay(attempt int) time.Duration {
	delay := m.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.maxDelay {
			return m.maxDelay
		}
	}
	if delay > m.maxDelay {
		return m.maxDelay
	}
	return delay
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
