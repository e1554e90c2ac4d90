// Package ratelimit tracks the upstream API's per-account rate-limit windows
// so exhausted quota is rejected locally instead of burning a round trip.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrQuotaExceeded signals that the local view of the window has no calls
// remaining until reset.
var ErrQuotaExceeded = errors.New("rate limit exhausted")

// QuotaError carries the reset time so frontends can schedule a retry.
type QuotaError struct {
	ResetAt time.Time
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("rate limit exhausted until %s", e.ResetAt.Format(time.RFC3339))
}

func (e *QuotaError) Unwrap() error { return ErrQuotaExceeded }

// Window is one rate-limit window as reported by the upstream headers.
type Window struct {
	Remaining int
	ResetAt   time.Time
}

type key struct {
	accountID string
	class     string
}

// Tracker holds the freshest observed window per account and endpoint class.
// Updates are last-writer-wins on the (remaining, reset) pair; the pair is
// always read together, never torn.
type Tracker struct {
	mu      sync.Mutex
	windows map[key]Window
}

func NewTracker() *Tracker {
	return &Tracker{windows: make(map[key]Window)}
}

// Observe records the window reported by the most recent upstream response.
func (t *Tracker) Observe(accountID, class string, w Window) {
	t.mu.Lock()
	t.windows[key{accountID, class}] = w
	t.mu.Unlock()
}

// Snapshot returns the last observed window, if any.
func (t *Tracker) Snapshot(accountID, class string) (Window, bool) {
	t.mu.Lock()
	w, ok := t.windows[key{accountID, class}]
	t.mu.Unlock()
	return w, ok
}

// Check returns a *QuotaError when the window is known to be exhausted and
// has not reset yet. An unknown window passes: the upstream gets to decide.
func (t *Tracker) Check(accountID, class string) error {
	w, ok := t.Snapshot(accountID, class)
	if !ok {
		return nil
	}
	if w.Remaining == 0 && w.ResetAt.After(time.Now()) {
		return &QuotaError{ResetAt: w.ResetAt}
	}
	return nil
}
