// Package signal is the signaling channel adapter: login, presence and
// the per-user mailbox, layered over a store.Store. One Client is bound
// to a single identity after Login.
//
// Send success means "delivered to the target's mailbox", never
// "processed by the peer". The mailbox keeps only the last write.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/domain"
	"github.com/dkeye/peercall/internal/store"
)

var (
	// ErrWrongPassword is the only auth failure: the account exists and
	// the password does not match. Unknown accounts are registered on
	// demand instead of failing.
	ErrWrongPassword = errors.New("wrong password")
	ErrNotLoggedIn   = errors.New("not logged in")
)

type Client struct {
	store store.Store

	mu       sync.RWMutex
	username string
}

func NewClient(st store.Store) *Client {
	return &Client{store: st}
}

// Username returns the bound identity, empty before Login.
func (c *Client) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

func (c *Client) requireLogin() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.username == "" {
		return "", ErrNotLoggedIn
	}
	return c.username, nil
}

// Login signs in, creating the account when it does not exist yet. On
// success the account goes ONLINE and the client is bound to username.
func (c *Client) Login(ctx context.Context, username, password string) error {
	if _, err := domain.NewUser(username); err != nil {
		return err
	}

	stored, exists, err := c.store.Get(ctx, username, store.FieldPassword)
	if err != nil {
		return fmt.Errorf("login read: %w", err)
	}
	if exists {
		if stored != password {
			return ErrWrongPassword
		}
	} else {
		if err := c.store.Set(ctx, username, store.FieldPassword, password); err != nil {
			return fmt.Errorf("register: %w", err)
		}
		log.Info().Str("module", "signal").Str("username", username).Msg("registered new account")
	}

	if err := c.store.Set(ctx, username, store.FieldStatus, string(domain.StatusOnline)); err != nil {
		return fmt.Errorf("set status: %w", err)
	}

	c.mu.Lock()
	c.username = username
	c.mu.Unlock()
	log.Info().Str("module", "signal").Str("username", username).Msg("logged in")
	return nil
}

// ListPresence returns a one-shot snapshot of every other account,
// ordered by username.
func (c *Client) ListPresence(ctx context.Context) ([]domain.User, error) {
	self, err := c.requireLogin()
	if err != nil {
		return nil, err
	}
	accounts, err := c.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("presence snapshot: %w", err)
	}
	out := make([]domain.User, 0, len(accounts))
	for _, a := range accounts {
		if a.Username == self {
			continue
		}
		out = append(out, domain.User{Username: a.Username, Status: a.Status})
	}
	return out, nil
}

// SubscribeInbox installs a live listener on the caller's mailbox. The
// handler fires for the value present at subscribe time and then for
// every overwrite. Undecodable payloads are logged and dropped.
func (c *Client) SubscribeInbox(ctx context.Context, fn func(domain.Event)) (store.CancelFunc, error) {
	self, err := c.requireLogin()
	if err != nil {
		return nil, err
	}
	return c.store.Subscribe(ctx, self, store.FieldLatestEvent, func(value string, ok bool) {
		if !ok || value == "" {
			return
		}
		var ev domain.Event
		if err := json.Unmarshal([]byte(value), &ev); err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("malformed mailbox event dropped")
			return
		}
		fn(ev)
	})
}

// Send stamps the sender and overwrites the target's mailbox. Success
// only acknowledges the local write.
func (c *Client) Send(ctx context.Context, ev domain.Event) error {
	self, err := c.requireLogin()
	if err != nil {
		return err
	}
	if ev.Target == "" {
		return errors.New("send: empty target")
	}
	ev.Sender = self
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("send marshal: %w", err)
	}
	if err := c.store.Set(ctx, ev.Target, store.FieldLatestEvent, string(b)); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	log.Debug().Str("module", "signal").Str("type", string(ev.Type)).Str("target", ev.Target).Msg("event sent")
	return nil
}

// ClearInbox null-writes the caller's mailbox so a re-attached listener
// cannot replay a consumed event.
func (c *Client) ClearInbox(ctx context.Context) error {
	self, err := c.requireLogin()
	if err != nil {
		return err
	}
	return c.store.Delete(ctx, self, store.FieldLatestEvent)
}

func (c *Client) SetStatus(ctx context.Context, status domain.Status) error {
	self, err := c.requireLogin()
	if err != nil {
		return err
	}
	return c.store.Set(ctx, self, store.FieldStatus, string(status))
}

// Logoff marks the account OFFLINE. The identity stays bound so a
// follow-up Login can reuse the client.
func (c *Client) Logoff(ctx context.Context) error {
	return c.SetStatus(ctx, domain.StatusOffline)
}
