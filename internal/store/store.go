// Package store is the key-value signaling store consumed by the signal
// adapter. Accounts are keyed by username; each account carries the
// fields password, status and latest_event. The mailbox field has
// last-write-wins semantics: a write overwrites any unread value and no
// delivery acknowledgement from the reader exists.
package store

import (
	"context"
	"errors"

	"github.com/dkeye/peercall/internal/domain"
)

// Account field names.
const (
	FieldPassword    = "password"
	FieldStatus      = "status"
	FieldLatestEvent = "latest_event"
)

var ErrClosed = errors.New("store closed")

// AccountView is a read-only presence entry for snapshot listings.
type AccountView struct {
	Username string        `json:"username"`
	Status   domain.Status `json:"status"`
}

// CancelFunc detaches a subscription. Safe to call more than once.
type CancelFunc func()

// Store is the generic read/write + publish/subscribe contract. All
// writes are accepted or rejected locally; nothing reports whether a
// peer ever read the value.
type Store interface {
	// Get reads one field. ok is false when the account or field is absent.
	Get(ctx context.Context, user, field string) (value string, ok bool, err error)
	// Set upserts one field, creating the account when needed.
	Set(ctx context.Context, user, field, value string) error
	// Delete removes one field (the null-write used to clear a mailbox).
	Delete(ctx context.Context, user, field string) error
	// Snapshot returns every account with its status, ordered by username.
	Snapshot(ctx context.Context) ([]AccountView, error)
	// Subscribe installs a live listener on one field. The handler fires
	// once with the current value immediately, then on every Set and
	// Delete. Handlers run on an unspecified goroutine.
	Subscribe(ctx context.Context, user, field string, fn func(value string, ok bool)) (CancelFunc, error)
	// Close releases the store. Pending subscriptions stop firing.
	Close() error
}
