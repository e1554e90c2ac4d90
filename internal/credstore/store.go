// Package credstore is the durable record of managed accounts. All token
// mutation goes through UpdateTokens so the access/refresh pair is always
// replaced as a unit; a refresh must never leave tokens from different
// generations paired together.
package credstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sei0o/binchotan-backend/internal/db/models"
	"gorm.io/gorm"
)

var (
	// ErrAccountNotFound is returned when no account row matches the lookup.
	ErrAccountNotFound = errors.New("account not found")

	// ErrTokenConflict is returned when a token update would violate the
	// cross-account uniqueness of access/refresh tokens.
	ErrTokenConflict = errors.New("token pair conflicts with another account")

	// ErrDelegateDepth is returned when a delegate points at another delegate
	// (or at itself). Chains deeper than one hop are a configuration error,
	// never chased at request time.
	ErrDelegateDepth = errors.New("delegate chains deeper than one hop are not supported")
)

// Store wraps the accounts relation.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Get returns the account with the given surrogate id.
func (s *Store) Get(ctx context.Context, id string) (*models.Account, error) {
	var acc models.Account
	if err := s.db.WithContext(ctx).First(&acc, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &acc, nil
}

// GetByUserID returns the account addressed by its upstream user id. Frontends
// address accounts this way; the surrogate id stays internal.
func (s *Store) GetByUserID(ctx context.Context, userID string) (*models.Account, error) {
	var acc models.Account
	if err := s.db.WithContext(ctx).First(&acc, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &acc, nil
}

// List returns all accounts ordered by creation time.
func (s *Store) List(ctx context.Context) ([]models.Account, error) {
	var accounts []models.Account
	if err := s.db.WithContext(ctx).Order("created_at").Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// Create persists a new account row.
func (s *Store) Create(ctx context.Context, acc *models.Account) error {
	if err := s.db.WithContext(ctx).Create(acc).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrTokenConflict
		}
		return err
	}
	return nil
}

// UpdateTokens replaces the token pair of an account atomically. Both columns
// are written in one statement inside a transaction so readers never observe a
// half-rotated pair.
func (s *Store) UpdateTokens(ctx context.Context, id, access, refresh string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Account{}).Where("id = ?", id).Updates(map[string]any{
			"access_token":  access,
			"refresh_token": refresh,
			"updated_at":    time.Now(),
		})
		if res.Error != nil {
			if isUniqueViolation(res.Error) {
				return ErrTokenConflict
			}
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAccountNotFound
		}
		return nil
	})
}

// ResolveEffective follows OwnedBy at most one hop and returns the
// credential-bearing account for the given account id.
func (s *Store) ResolveEffective(ctx context.Context, id string) (*models.Account, error) {
	acc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if acc.OwnedBy == nil {
		return acc, nil
	}
	if *acc.OwnedBy == acc.ID {
		return nil, ErrDelegateDepth
	}
	owner, err := s.Get(ctx, *acc.OwnedBy)
	if err != nil {
		return nil, err
	}
	if owner.OwnedBy != nil {
		return nil, ErrDelegateDepth
	}
	return owner, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
