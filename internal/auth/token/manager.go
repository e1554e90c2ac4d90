// Package token produces currently-valid access tokens for managed accounts,
// refreshing through the OAuth2 token endpoint when necessary. Refreshes are
// coalesced per account: while one is in flight, every other caller for the
// same account waits for its result instead of issuing a duplicate refresh.
package token

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/sei0o/binchotan-backend/internal/credstore"
	"golang.org/x/oauth2"
)

// ErrCredentialInvalid marks an account whose refresh token was reported
// invalid or revoked by the token endpoint. The state is terminal: callers
// keep failing until re-authorization replaces the stored credentials and
// NotifyCredentialsUpdated is called.
var ErrCredentialInvalid = errors.New("stored credentials are invalid; re-authorization required")

// freshnessMargin is how much remaining lifetime a cached token needs to be
// handed out without contention.
const freshnessMargin = time.Minute

// defaultTokenLifetime is assumed when the token endpoint omits expires_in.
// Twitter access tokens live for two hours.
const defaultTokenLifetime = 2 * time.Hour

// tokenState is the in-memory view of one account's credentials. It is never
// persisted; the durable values live on the account row.
type tokenState struct {
	access    string
	expiresAt time.Time
	invalid   bool
}

// refreshCall is the shared result of one physical refresh. The first caller
// installs it, performs the refresh, then closes done; everyone else waits.
type refreshCall struct {
	done  chan struct{}
	token string
	err   error
}

// Manager hands out valid access tokens, one coalesced refresh per account.
type Manager struct {
	store *credstore.Store
	conf  *oauth2.Config

	mu       sync.Mutex
	states   map[string]*tokenState  // keyed by credential-bearing account id
	inflight map[string]*refreshCall // same key; present only while refreshing
}

// NewManager creates a token manager on top of the credential store. conf only
// needs the client credentials and token endpoint; redirect settings are the
// authorization flow's concern.
func NewManager(store *credstore.Store, conf *oauth2.Config) *Manager {
	return &Manager{
		store:    store,
		conf:     conf,
		states:   make(map[string]*tokenState),
		inflight: make(map[string]*refreshCall),
	}
}

// GetValidToken returns an access token for the given account that is believed
// valid right now. Delegate accounts resolve to their owner's credentials
// first, so the refresh section is keyed by the credential-bearing account.
func (m *Manager) GetValidToken(ctx context.Context, accountID string) (string, error) {
	acc, err := m.store.ResolveEffective(ctx, accountID)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if st, ok := m.states[acc.ID]; ok {
		if st.invalid {
			m.mu.Unlock()
			return "", ErrCredentialInvalid
		}
		if time.Until(st.expiresAt) > freshnessMargin {
			token := st.access
			m.mu.Unlock()
			return token, nil
		}
	}

	if call, ok := m.inflight[acc.ID]; ok {
		m.mu.Unlock()
		select {
		case <-call.done:
			return call.token, call.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	call := &refreshCall{done: make(chan struct{})}
	m.inflight[acc.ID] = call
	m.mu.Unlock()

	call.token, call.err = m.refresh(ctx, acc.ID)

	m.mu.Lock()
	delete(m.inflight, acc.ID)
	m.mu.Unlock()
	close(call.done)

	return call.token, call.err
}

// NotifyCredentialsUpdated clears the cached state for an account after its
// stored credentials were replaced externally (re-authorization). The next
// caller starts from the store again.
func (m *Manager) NotifyCredentialsUpdated(accountID string) {
	m.mu.Lock()
	delete(m.states, accountID)
	m.mu.Unlock()
}

// refresh performs one physical token refresh for the account and persists the
// rotated pair. Only ever called by the single winner of the refresh section.
func (m *Manager) refresh(ctx context.Context, accountID string) (string, error) {
	acc, err := m.store.Get(ctx, accountID)
	if err != nil {
		return "", err
	}

	src := m.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: acc.RefreshToken})
	newToken, err := src.Token()
	if err != nil {
		if isPermanentRefreshError(err) {
			m.mu.Lock()
			m.states[accountID] = &tokenState{invalid: true}
			m.mu.Unlock()
			log.Printf("🔒 refresh token for account %s rejected, re-authorization required: %v", acc.UserID, err)
			return "", fmt.Errorf("%w: %v", ErrCredentialInvalid, err)
		}
		return "", fmt.Errorf("token endpoint refresh failed: %w", err)
	}

	refresh := acc.RefreshToken
	// Persist the rotated refresh token if the endpoint returned one (RFC 6749).
	if newToken.RefreshToken != "" {
		refresh = newToken.RefreshToken
	}
	if err := m.store.UpdateTokens(ctx, accountID, newToken.AccessToken, refresh); err != nil {
		return "", fmt.Errorf("persist refreshed tokens: %w", err)
	}

	expiresAt := newToken.Expiry
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(defaultTokenLifetime)
	}

	m.mu.Lock()
	m.states[accountID] = &tokenState{access: newToken.AccessToken, expiresAt: expiresAt}
	m.mu.Unlock()

	log.Printf("✅ refreshed token for account %s (expires %s)", acc.UserID, expiresAt.Format(time.RFC3339))
	return newToken.AccessToken, nil
}

func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
