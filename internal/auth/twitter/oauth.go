// Package twitter implements the OAuth2 authorization-code flow with PKCE for
// adding a managed account. The flow runs a short-lived loopback HTTP server
// to catch the redirect, exchanges the code, resolves the account's upstream
// user id, and persists the new account row.
package twitter

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sei0o/binchotan-backend/internal/credstore"
	"github.com/sei0o/binchotan-backend/internal/db/models"
	"github.com/sei0o/binchotan-backend/internal/upstream"
	"golang.org/x/oauth2"
)

// Endpoint is Twitter's OAuth2 endpoint pair.
var Endpoint = oauth2.Endpoint{
	AuthURL:  "https://twitter.com/i/oauth2/authorize",
	TokenURL: "https://api.twitter.com/2/oauth2/token",
}

// callbackTimeout bounds how long an authorization flow waits for the user to
// finish in the browser.
const callbackTimeout = 5 * time.Minute

// NewOAuthConfig builds the OAuth2 client configuration shared by the token
// manager (refresh) and the authorization flow (exchange).
func NewOAuthConfig(clientID, clientSecret string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       scopes,
		Endpoint:     Endpoint,
	}
}

// credentialNotifier is told when an account's stored credentials were
// replaced so cached token state (including a terminal invalid mark) is
// dropped.
type credentialNotifier interface {
	NotifyCredentialsUpdated(accountID string)
}

// Flow performs authorization flows one at a time.
type Flow struct {
	conf         *oauth2.Config
	redirectHost string
	store        *credstore.Store
	client       *upstream.Client
	notify       credentialNotifier
}

func NewFlow(conf *oauth2.Config, redirectHost string, store *credstore.Store, client *upstream.Client, notify credentialNotifier) *Flow {
	return &Flow{conf: conf, redirectHost: redirectHost, store: store, client: client, notify: notify}
}

type callbackResult struct {
	code string
	err  error
}

// AddAccount runs one complete authorization flow and returns the upstream
// user id of the account that was added. The authorization URL is logged for
// the frontend (or the user) to open; the call blocks until the redirect
// arrives or the timeout expires.
func (f *Flow) AddAccount(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, callbackTimeout)
	defer cancel()

	listener, err := net.Listen("tcp", f.redirectHost)
	if err != nil {
		return "", fmt.Errorf("start redirect server on %s (port already occupied?): %w", f.redirectHost, err)
	}

	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()

	results := make(chan callbackResult, 1)
	router := chi.NewRouter()
	router.Get("/", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if got := q.Get("state"); got != state {
			http.Error(w, "invalid state", http.StatusBadRequest)
			results <- callbackResult{err: fmt.Errorf("authorization redirect carried invalid state %q", got)}
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "no authorization code", http.StatusBadRequest)
			results <- callbackResult{err: errors.New("authorization redirect carried no code")}
			return
		}
		fmt.Fprintln(w, "Authorized. You can close this window and return to your frontend.")
		results <- callbackResult{code: code}
	})

	server := &http.Server{Handler: router}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			results <- callbackResult{err: fmt.Errorf("redirect server: %w", err)}
		}
	}()
	defer server.Shutdown(context.Background())

	conf := *f.conf
	conf.RedirectURL = fmt.Sprintf("http://%s", f.redirectHost)

	authURL := conf.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
	log.Printf("🔗 open the following URL to authorize a new account:\n%s", authURL)

	var res callbackResult
	select {
	case res = <-results:
	case <-ctx.Done():
		return "", fmt.Errorf("authorization flow timed out: %w", ctx.Err())
	}
	if res.err != nil {
		return "", res.err
	}

	tok, err := conf.Exchange(ctx, res.code, oauth2.VerifierOption(verifier))
	if err != nil {
		return "", fmt.Errorf("exchange authorization code: %w", err)
	}

	userID, err := f.client.UserID(ctx, tok.AccessToken)
	if err != nil {
		return "", fmt.Errorf("resolve user id for new account: %w", err)
	}

	return f.saveAccount(ctx, userID, tok)
}

// saveAccount persists the authorized token pair. Re-authorizing an already
// registered user id replaces that account's tokens in place and clears any
// cached credential state, so a revoked account recovers here.
func (f *Flow) saveAccount(ctx context.Context, userID string, tok *oauth2.Token) (string, error) {
	existing, err := f.store.GetByUserID(ctx, userID)
	switch {
	case err == nil:
		if err := f.store.UpdateTokens(ctx, existing.ID, tok.AccessToken, tok.RefreshToken); err != nil {
			return "", fmt.Errorf("replace tokens for account %s: %w", userID, err)
		}
		if f.notify != nil {
			f.notify.NotifyCredentialsUpdated(existing.ID)
		}
		log.Printf("✅ re-authorized account %s", userID)
		return userID, nil
	case errors.Is(err, credstore.ErrAccountNotFound):
		acc := &models.Account{
			ID:           uuid.NewString(),
			UserID:       userID,
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
		}
		if err := f.store.Create(ctx, acc); err != nil {
			return "", fmt.Errorf("persist new account: %w", err)
		}
		log.Printf("✅ added account %s", userID)
		return userID, nil
	default:
		return "", fmt.Errorf("look up account %s: %w", userID, err)
	}
}
