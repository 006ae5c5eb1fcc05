package kumo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openkumo/kumo-core/internal/infrastructure/logging"
)

// Token lifetime constants. The cloud does not report an expiry, so we
// assume the interval the mobile app uses and refresh proactively.
const (
	// accessTokenTTL is how long an access token is assumed valid.
	accessTokenTTL = 20 * time.Minute

	// refreshMargin triggers a proactive refresh this long before the
	// assumed expiry, so in-flight calls rarely hit a 401.
	refreshMargin = time.Minute
)

// StoredTokens is the persisted access/refresh pair.
type StoredTokens struct {
	Access    string
	Refresh   string
	ExpiresAt time.Time
}

// TokenStore persists the token pair across restarts.
// Load returns (nil, nil) when no tokens have been stored yet.
type TokenStore interface {
	Load(ctx context.Context) (*StoredTokens, error)
	Save(ctx context.Context, tokens *StoredTokens) error
}

// Authenticator performs the raw, unauthenticated auth endpoints.
// The Client implements this; the indirection keeps the manager free of
// HTTP concerns and lets tests drive it with a fake.
type Authenticator interface {
	// Login exchanges account credentials for a fresh token pair.
	Login(ctx context.Context) (access, refresh string, err error)

	// RefreshTokens exchanges a refresh token for a new pair.
	RefreshTokens(ctx context.Context, refreshToken string) (access, refresh string, err error)
}

// TokenManager owns the process-wide token pair.
//
// It loads persisted tokens at startup, hands out the current access
// token, refreshes proactively near expiry, and serialises refresh
// cycles so concurrent 401s from parallel zone fetches trigger a single
// refresh rather than a stampede.
type TokenManager struct {
	store  TokenStore
	auth   Authenticator
	logger *logging.Logger

	mu     sync.Mutex
	tokens StoredTokens

	// refreshMu serialises refresh/login cycles. It is separate from mu
	// so readers are never blocked behind a network call.
	refreshMu sync.Mutex

	// now is swappable for tests.
	now func() time.Time
}

// NewTokenManager creates a TokenManager backed by the given store.
// Bind must be called with the Authenticator before first use.
func NewTokenManager(store TokenStore, logger *logging.Logger) *TokenManager {
	return &TokenManager{
		store:  store,
		logger: logger.With("component", "tokens"),
		now:    time.Now,
	}
}

// Bind attaches the authenticator. Called once during wiring; the
// Client needs the manager and the manager needs the Client's auth
// endpoints, so construction happens in two steps.
func (m *TokenManager) Bind(auth Authenticator) {
	m.auth = auth
}

// Load restores a persisted token pair, if any. Missing tokens are not
// an error; the first AccessToken call will log in instead.
func (m *TokenManager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	stored, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading stored tokens: %w", err)
	}
	if stored == nil {
		m.logger.Debug("no stored tokens, will login on first call")
		return nil
	}

	m.mu.Lock()
	m.tokens = *stored
	m.mu.Unlock()

	m.logger.Info("restored persisted tokens", "expires_at", stored.ExpiresAt)
	return nil
}

// AccessToken returns a valid access token, logging in or refreshing
// as needed.
func (m *TokenManager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	current := m.tokens
	m.mu.Unlock()

	if current.Access != "" && m.now().Before(current.ExpiresAt.Add(-refreshMargin)) {
		return current.Access, nil
	}

	return m.Rotate(ctx, current.Access)
}

// Rotate obtains a new token pair and returns the new access token.
//
// stale is the access token the caller just used (or "" when it had
// none). If another goroutine already rotated past stale, the current
// token is returned without a network call; this is what bounds a burst
// of concurrent 401s to a single refresh cycle.
func (m *TokenManager) Rotate(ctx context.Context, stale string) (string, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	m.mu.Lock()
	current := m.tokens
	m.mu.Unlock()

	// Someone else finished a rotation while we waited for refreshMu.
	if current.Access != "" && current.Access != stale {
		return current.Access, nil
	}

	if m.auth == nil {
		return "", fmt.Errorf("%w: token manager not bound to an authenticator", ErrNoToken)
	}

	var access, refresh string
	var err error

	if current.Refresh != "" {
		access, refresh, err = m.auth.RefreshTokens(ctx, current.Refresh)
		if err != nil && errors.Is(err, ErrAuth) {
			// Refresh token expired or revoked. Fall back to a full login.
			m.logger.Warn("refresh token rejected, falling back to login")
			access, refresh, err = m.auth.Login(ctx)
		}
	} else {
		access, refresh, err = m.auth.Login(ctx)
	}
	if err != nil {
		return "", fmt.Errorf("rotating tokens: %w", err)
	}

	tokens := StoredTokens{
		Access:    access,
		Refresh:   refresh,
		ExpiresAt: m.now().Add(accessTokenTTL),
	}

	m.mu.Lock()
	m.tokens = tokens
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Save(ctx, &tokens); err != nil {
			// Persistence failure is not fatal; the tokens still work
			// for this process lifetime.
			m.logger.Error("failed to persist tokens", "error", err)
		}
	}

	m.logger.Info("rotated tokens", "expires_at", tokens.ExpiresAt)
	return access, nil
}

// Clear drops the in-memory tokens. Used by tests and by operators
// forcing a re-login.
func (m *TokenManager) Clear() {
	m.mu.Lock()
	m.tokens = StoredTokens{}
	m.mu.Unlock()
}
