// internal/creds/pkce.go
package creds

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/user/clawbridge/internal/types"
)

// ErrInvalidOrExpiredState rejects an exchange whose state token is
// unknown, already consumed, or past its TTL.
var ErrInvalidOrExpiredState = errors.New("invalid or expired state")

// PKCEConfig points the flow manager at the authorization server.
type PKCEConfig struct {
	AuthorizeURL string
	ClientID     string
	RedirectURI  string
	Scopes       string
	TTL          time.Duration
}

// pendingFlow is one in-flight authorization, held in memory only.
type pendingFlow struct {
	verifier  string
	createdAt time.Time
}

// PKCE manages authorization-code-with-PKCE flows. Pending state is
// single-use and TTL-bounded; a state token is consumed on its first
// exchange attempt whether or not the exchange succeeds.
type PKCE struct {
	cfg   PKCEConfig
	store *Store

	mu      sync.Mutex
	pending map[types.StateToken]pendingFlow
	now     func() time.Time
}

// NewPKCE creates a flow manager minting credentials into the given
// store.
func NewPKCE(cfg PKCEConfig, store *Store) *PKCE {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	return &PKCE{
		cfg:     cfg,
		store:   store,
		pending: make(map[types.StateToken]pendingFlow),
		now:     time.Now,
	}
}

// SetNow overrides the clock. Test hook.
func (p *PKCE) SetNow(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// StartFlow generates a verifier and state, records the pending flow,
// and returns the authorization URL the browser should open.
func (p *PKCE) StartFlow() (authorizationURL string, state types.StateToken, err error) {
	verifier, err := randomToken(64)
	if err != nil {
		return "", "", fmt.Errorf("generate verifier: %w", err)
	}
	challenge := sha256.Sum256([]byte(verifier))

	state = types.NewStateToken()

	p.mu.Lock()
	p.pending[state] = pendingFlow{verifier: verifier, createdAt: p.now()}
	p.mu.Unlock()

	query := url.Values{
		"response_type":         {"code"},
		"client_id":             {p.cfg.ClientID},
		"redirect_uri":          {p.cfg.RedirectURI},
		"scope":                 {p.cfg.Scopes},
		"state":                 {string(state)},
		"code_challenge":        {base64.RawURLEncoding.EncodeToString(challenge[:])},
		"code_challenge_method": {"S256"},
	}
	return p.cfg.AuthorizeURL + "?" + query.Encode(), state, nil
}

// Exchange trades an authorization code for tokens and persists them.
// The state is consumed on this first attempt regardless of outcome;
// replaying it fails with ErrInvalidOrExpiredState. Pasted codes may
// carry the callback fragment ("code#state"); the fragment is
// stripped before use.
func (p *PKCE) Exchange(ctx context.Context, code string, state types.StateToken) error {
	p.mu.Lock()
	flow, ok := p.pending[state]
	if ok {
		delete(p.pending, state)
	}
	expired := ok && p.now().Sub(flow.createdAt) > p.cfg.TTL
	p.mu.Unlock()

	if !ok || expired {
		return ErrInvalidOrExpiredState
	}

	if i := strings.IndexByte(code, '#'); i >= 0 {
		code = code[:i]
	}

	response, err := p.store.callTokenEndpoint(ctx, map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"state":         string(state),
		"client_id":     p.cfg.ClientID,
		"redirect_uri":  p.cfg.RedirectURI,
		"code_verifier": flow.verifier,
	})
	if err != nil {
		return fmt.Errorf("exchange authorization code: %w", err)
	}

	expiresAt := types.EpochMillis(p.now().Add(time.Duration(response.ExpiresIn) * time.Second))
	return p.store.SetOAuth(response.AccessToken, response.RefreshToken, expiresAt)
}

// Sweep removes pending flows past their TTL and returns how many were
// dropped. Run periodically by the maintenance runner.
func (p *PKCE) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	swept := 0
	cutoff := p.now().Add(-p.cfg.TTL)
	for state, flow := range p.pending {
		if flow.createdAt.Before(cutoff) {
			delete(p.pending, state)
			swept++
		}
	}
	return swept
}

// Pending returns the number of in-flight flows.
func (p *PKCE) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// randomToken returns n random bytes base64url-encoded without padding.
func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
