// Package creds manages the credential lifecycle the agent process
// needs to authenticate: a file-backed credential record, auth-method
// detection, threshold-based token refresh, and the PKCE authorization
// flow that mints new records.
package creds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/user/clawbridge/internal/types"
)

// AuthMethod identifies how the agent process will authenticate.
type AuthMethod string

const (
	AuthOAuth  AuthMethod = "oauth"
	AuthLegacy AuthMethod = "legacy"
	AuthNone   AuthMethod = "none"
)

// UpstreamError is a non-2xx response from the OAuth token endpoint.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("token endpoint returned %d: %s", e.Status, e.Body)
}

// StoreConfig points the store at its credential file and token
// endpoint.
type StoreConfig struct {
	Path             string
	TokenURL         string
	ClientID         string
	RefreshThreshold time.Duration
}

// Store is the file-backed credential store. The file holds at most
// one authoritative record; every write replaces it atomically.
type Store struct {
	cfg    StoreConfig
	client *http.Client
	retry  *RetryPolicy

	mu  sync.Mutex
	now func() time.Time
}

// NewStore creates a Store. client may be nil for the default HTTP
// client.
func NewStore(cfg StoreConfig, client *http.Client) *Store {
	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = 15 * time.Minute
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Store{
		cfg:    cfg,
		client: client,
		retry:  DefaultRetryPolicy(),
		now:    time.Now,
	}
}

// SetNow overrides the clock. Test hook.
func (s *Store) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// load reads the credential file. A missing file is an empty record.
func (s *Store) load() (*types.Credentials, error) {
	data, err := os.ReadFile(s.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return &types.Credentials{}, nil
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var creds types.Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("unmarshal credentials: %w", err)
	}
	return &creds, nil
}

// save writes the credential file atomically with owner-only
// permissions.
func (s *Store) save(creds *types.Credentials) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o755); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	data = append(data, '\n')
	tmp := s.cfg.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmp, s.cfg.Path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename credentials: %w", err)
	}
	return nil
}

// Get returns the current credential record.
func (s *Store) Get() (*types.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// AuthMethod reports which credential material is available, with
// OAuth preferred over the legacy static token.
func (s *Store) AuthMethod() AuthMethod {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds, err := s.load()
	if err != nil {
		slog.Warn("read credentials failed", "error", err)
		return AuthNone
	}
	switch {
	case creds.RefreshToken != "" && creds.AccessToken != "":
		return AuthOAuth
	case creds.LegacyToken != "":
		return AuthLegacy
	default:
		return AuthNone
	}
}

// NeedsSetup is true iff no usable credential exists by any method.
// An expired OAuth access token with a refresh token does not need
// setup; it needs a refresh.
func (s *Store) NeedsSetup() bool {
	return s.AuthMethod() == AuthNone
}

// SetLegacyToken persists a static long-lived token as the fallback
// credential. OAuth material, if present, is left untouched.
func (s *Store) SetLegacyToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds, err := s.load()
	if err != nil {
		return err
	}
	creds.LegacyToken = token
	return s.save(creds)
}

// BootstrapFromEnv seeds an unconfigured store with a legacy token
// from the ANTHROPIC_API_KEY environment variable. A store that
// already holds any credential is left alone. Returns whether a
// token was seeded.
func (s *Store) BootstrapFromEnv() (bool, error) {
	if !s.NeedsSetup() {
		return false, nil
	}
	key := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	if key == "" {
		return false, nil
	}
	if err := s.SetLegacyToken(key); err != nil {
		return false, err
	}
	return true, nil
}

// SetOAuth replaces the OAuth triple. Called by the PKCE exchange and
// the refresh path; refresh tokens rotate, so the whole record is
// replaced rather than patched.
func (s *Store) SetOAuth(accessToken, refreshToken string, expiresAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds, err := s.load()
	if err != nil {
		return err
	}
	creds.AccessToken = accessToken
	creds.RefreshToken = refreshToken
	creds.ExpiresAt = expiresAt
	return s.save(creds)
}

// Env returns the environment entries that hand the current credential
// material to the agent subprocess.
func (s *Store) Env() []string {
	s.mu.Lock()
	creds, err := s.load()
	s.mu.Unlock()
	if err != nil {
		slog.Warn("read credentials for env failed", "error", err)
		return nil
	}
	switch {
	case creds.AccessToken != "":
		return []string{"CLAUDE_CODE_OAUTH_TOKEN=" + creds.AccessToken}
	case creds.LegacyToken != "":
		return []string{"ANTHROPIC_API_KEY=" + creds.LegacyToken}
	default:
		return nil
	}
}

// ExpiresAt returns the access token expiry, zero if none.
func (s *Store) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	creds, err := s.load()
	if err != nil || creds.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(creds.ExpiresAt)
}

// ShouldDeferRefresh reports whether a proactive refresh should wait
// for a quiet moment because the agent produced output within window.
// Deferral stops once hard expiry is closer than the window itself: a
// continuously talking agent must not run past token expiry.
func ShouldDeferRefresh(lastOutput, expiresAt time.Time, window time.Duration, now time.Time) bool {
	if now.Sub(lastOutput) >= window {
		return false
	}
	if expiresAt.IsZero() {
		return true
	}
	return expiresAt.Sub(now) > window
}

// RefreshIfNeeded refreshes the OAuth record when its remaining
// validity drops under the configured threshold. Returns whether a
// refresh happened. Legacy-only and unconfigured stores never refresh.
func (s *Store) RefreshIfNeeded(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds, err := s.load()
	if err != nil {
		return false, err
	}
	if creds.RefreshToken == "" {
		return false, nil
	}
	remaining := time.UnixMilli(creds.ExpiresAt).Sub(s.now())
	if remaining > s.cfg.RefreshThreshold {
		return false, nil
	}

	response, err := s.callTokenEndpoint(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": creds.RefreshToken,
		"client_id":     s.cfg.ClientID,
	})
	if err != nil {
		return false, fmt.Errorf("refresh access token: %w", err)
	}

	creds.AccessToken = response.AccessToken
	// Refresh tokens usually rotate; keep the old one only when the
	// endpoint returns none.
	if response.RefreshToken != "" {
		creds.RefreshToken = response.RefreshToken
	}
	creds.ExpiresAt = types.EpochMillis(s.now().Add(time.Duration(response.ExpiresIn) * time.Second))

	if err := s.save(creds); err != nil {
		return false, err
	}
	slog.Info("access token refreshed", "expires_at", creds.ExpiresAt)
	return true, nil
}

// tokenResponse is the token endpoint's success body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// callTokenEndpoint POSTs a JSON body to the configured token URL with
// retry on transient failures. Non-2xx responses come back as
// *UpstreamError with the status and body preserved for diagnosis.
func (s *Store) callTokenEndpoint(ctx context.Context, body map[string]string) (*tokenResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal token request: %w", err)
	}

	var response tokenResponse
	err = s.retry.Execute(func() error {
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build token request: %w", err)
		}
		request.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(request)
		if err != nil {
			return fmt.Errorf("call token endpoint: %w", err)
		}
		defer resp.Body.Close()

		responseBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &UpstreamError{Status: resp.StatusCode, Body: string(responseBody)}
		}
		if err := json.Unmarshal(responseBody, &response); err != nil {
			return fmt.Errorf("unmarshal token response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if response.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned no access token")
	}
	return &response, nil
}
