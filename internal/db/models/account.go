package models

import "time"

// Account stores the OAuth identity and tokens for one managed Twitter account.
// OwnedBy implements the delegate relationship: an account with OwnedBy set has
// no usable credentials of its own and borrows the owning account's tokens for
// API calls while keeping its own identity for addressing and filter scoping.
type Account struct {
	ID           string `gorm:"primaryKey"` // UUID
	UserID       string `gorm:"uniqueIndex"`
	AccessToken  string `gorm:"uniqueIndex"`
	RefreshToken string `gorm:"uniqueIndex"`
	SessionKey   *string
	OwnedBy      *string `gorm:"index"` // accounts.id of the owning account, one hop at most
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasOwnCredentials reports whether the account carries its own token pair
// rather than delegating to an owner.
func (a *Account) HasOwnCredentials() bool {
	return a.OwnedBy == nil
}
