package twitter

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/sei0o/binchotan-backend/internal/credstore"
	"github.com/sei0o/binchotan-backend/internal/db/models"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

type recordingNotifier struct {
	updated []string
}

func (n *recordingNotifier) NotifyCredentialsUpdated(accountID string) {
	n.updated = append(n.updated, accountID)
}

func newTestFlow(t *testing.T) (*Flow, *credstore.Store, *recordingNotifier) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&models.Account{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := credstore.New(db)
	notifier := &recordingNotifier{}
	flow := NewFlow(NewOAuthConfig("id", "secret", nil), "127.0.0.1:0", store, nil, notifier)
	return flow, store, notifier
}

func TestSaveAccount_CreatesNewAccount(t *testing.T) {
	flow, store, notifier := newTestFlow(t)

	userID, err := flow.saveAccount(context.Background(), "111", &oauth2.Token{AccessToken: "a1", RefreshToken: "r1"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if userID != "111" {
		t.Fatalf("user id = %q", userID)
	}

	acc, err := store.GetByUserID(context.Background(), "111")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if acc.AccessToken != "a1" || acc.RefreshToken != "r1" {
		t.Fatalf("tokens = %q/%q", acc.AccessToken, acc.RefreshToken)
	}
	if len(notifier.updated) != 0 {
		t.Fatalf("no cached state to clear for a new account, notified %v", notifier.updated)
	}
}

func TestSaveAccount_ReauthorizationReplacesTokens(t *testing.T) {
	flow, store, notifier := newTestFlow(t)

	seed := models.Account{ID: "acc-1", UserID: "111", AccessToken: "old-a", RefreshToken: "old-r"}
	if err := store.Create(context.Background(), &seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := flow.saveAccount(context.Background(), "111", &oauth2.Token{AccessToken: "new-a", RefreshToken: "new-r"}); err != nil {
		t.Fatalf("re-authorize: %v", err)
	}

	acc, err := store.GetByUserID(context.Background(), "111")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if acc.ID != "acc-1" {
		t.Fatalf("re-authorization created a new row: %s", acc.ID)
	}
	if acc.AccessToken != "new-a" || acc.RefreshToken != "new-r" {
		t.Fatalf("tokens = %q/%q", acc.AccessToken, acc.RefreshToken)
	}
	if len(notifier.updated) != 1 || notifier.updated[0] != "acc-1" {
		t.Fatalf("notified = %v, want [acc-1]", notifier.updated)
	}
}
