package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jackra1n/Lurk/internal/settings"
)

// DeviceCode is the server's answer to a device authorization request.
type DeviceCode struct {
	DeviceCode      string `json:"device_code"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

// AuthStatus is the auth state exposed to the HTTP layer.
type AuthStatus struct {
	Authenticated   bool       `json:"authenticated"`
	UserID          string     `json:"userId"`
	Username        string     `json:"username"`
	PendingLogin    bool       `json:"pendingLogin"`
	UserCode        string     `json:"userCode,omitempty"`
	VerificationURI string     `json:"verificationUri,omitempty"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
}

type pendingAuth struct {
	userCode  string
	expiresAt time.Time
	cancel    context.CancelFunc
}

// Auth owns the device-code OAuth flow and token validation. Tokens and the
// cached user id persist in the settings store.
type Auth struct {
	settings   *settings.Store
	httpClient *http.Client

	mu       sync.Mutex
	username string
	deviceID string
	pending  *pendingAuth
}

func NewAuth(store *settings.Store) *Auth {
	return &Auth{
		settings:   store,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		deviceID:   randomDeviceID(),
	}
}

func randomDeviceID() string {
	const chars = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 32)
	for i := range b {
		b[i] = chars[rand.Intn(len(chars))]
	}
	return string(b)
}

func (a *Auth) AuthToken() string { return a.settings.AuthToken() }
func (a *Auth) UserID() string    { return a.settings.UserID() }

func (a *Auth) DeviceID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deviceID
}

// StartDeviceFlow requests a device code and begins polling for the token in
// the background until the user completes the login or the code expires.
func (a *Auth) StartDeviceFlow(ctx context.Context) (*DeviceCode, error) {
	a.CancelPendingLogin()

	slog.Info("Starting device authorization flow")

	form := url.Values{
		"client_id": {ClientID},
		"scopes":    {OAuthScopes},
	}
	code := &DeviceCode{}
	if err := a.postForm(ctx, OAuthDeviceURL, form, code); err != nil {
		return nil, fmt.Errorf("device flow request failed: %w", err)
	}

	slog.Info("Got device code", "verificationUri", code.VerificationURI, "userCode", code.UserCode)

	pollCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.pending = &pendingAuth{
		userCode:  code.UserCode,
		expiresAt: time.Now().Add(time.Duration(code.ExpiresIn) * time.Second),
		cancel:    cancel,
	}
	a.mu.Unlock()

	go a.pollForToken(pollCtx, code)

	return code, nil
}

func (a *Auth) pollForToken(ctx context.Context, code *DeviceCode) {
	interval := time.Duration(code.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := time.Now().Add(time.Duration(code.ExpiresIn) * time.Second)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			slog.Warn("Device code expired before login completed")
			a.CancelPendingLogin()
			return
		}

		form := url.Values{
			"client_id":   {ClientID},
			"device_code": {code.DeviceCode},
			"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		}

		var token tokenResponse
		err := a.postForm(ctx, OAuthTokenURL, form, &token)
		if err != nil {
			// authorization_pending comes back as HTTP 400; keep polling on
			// that and on transient network errors
			slog.Debug("Token poll not ready", "error", err)
			continue
		}

		slog.Info("Got access token")
		a.settings.SetAuthToken(token.AccessToken)
		if _, err := a.ValidateToken(ctx); err != nil {
			slog.Error("Failed to resolve user for new token", "error", err)
		}
		a.CancelPendingLogin()
		return
	}
}

func (a *Auth) postForm(ctx context.Context, endpoint string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Client-Id", ClientID)
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("X-Device-Id", a.DeviceID())

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ValidateToken checks the stored token against the validation endpoint and
// refreshes the cached user id and username on success.
func (a *Auth) ValidateToken(ctx context.Context) (bool, error) {
	token := a.settings.AuthToken()
	if token == "" {
		return false, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ValidateURL, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "OAuth "+token)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("token validation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Info("Token validation failed", "status", resp.StatusCode)
		return false, nil
	}

	var data struct {
		UserID string `json:"user_id"`
		Login  string `json:"login"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return false, fmt.Errorf("failed to decode validation response: %w", err)
	}

	if data.UserID != "" {
		a.settings.SetUserID(data.UserID)
		a.mu.Lock()
		a.username = data.Login
		a.mu.Unlock()
	}
	return true, nil
}

// CancelPendingLogin aborts an in-progress device flow, if any.
func (a *Auth) CancelPendingLogin() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending != nil {
		a.pending.cancel()
		a.pending = nil
	}
}

// Logout clears the stored token and cached identity.
func (a *Auth) Logout() {
	a.CancelPendingLogin()
	a.settings.SetAuthToken("")
	a.settings.SetUserID("")
	a.mu.Lock()
	a.username = ""
	a.mu.Unlock()
	slog.Info("Logged out")
}

func (a *Auth) Status() AuthStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	status := AuthStatus{
		Authenticated: a.settings.AuthToken() != "",
		UserID:        a.settings.UserID(),
		Username:      a.username,
		PendingLogin:  a.pending != nil,
	}
	if a.pending != nil {
		status.UserCode = a.pending.userCode
		status.VerificationURI = ActivateURL
		expires := a.pending.expiresAt
		status.ExpiresAt = &expires
	}
	return status
}

func (a *Auth) Username() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.username
}
