package signal

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/dkeye/peercall/internal/domain"
	"github.com/dkeye/peercall/internal/store"
)

func TestLoginRegistersAndChecksPassword(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	ctx := context.Background()

	c := NewClient(st)
	if err := c.Login(ctx, "alice", "secret"); err != nil {
		t.Fatalf("first login should register: %v", err)
	}
	if v, _, _ := st.Get(ctx, "alice", store.FieldStatus); v != string(domain.StatusOnline) {
		t.Fatalf("expected ONLINE after login, got %q", v)
	}

	// Same password reaches ONLINE again.
	c2 := NewClient(st)
	if err := c2.Login(ctx, "alice", "secret"); err != nil {
		t.Fatalf("second login: %v", err)
	}

	// Different password fails.
	c3 := NewClient(st)
	if err := c3.Login(ctx, "alice", "other"); !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("expected ErrWrongPassword, got %v", err)
	}
	if c3.Username() != "" {
		t.Fatal("failed login must not bind identity")
	}
}

func TestOperationsRequireLogin(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	ctx := context.Background()
	c := NewClient(st)

	if _, err := c.ListPresence(ctx); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("presence: %v", err)
	}
	if err := c.Send(ctx, domain.NewEvent(domain.EventEndCall, "bob", "")); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("send: %v", err)
	}
	if err := c.ClearInbox(ctx); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("clear: %v", err)
	}
}

func TestListPresenceExcludesSelf(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	ctx := context.Background()

	for _, u := range []string{"bob", "alice", "carol"} {
		c := NewClient(st)
		if err := c.Login(ctx, u, "pw"); err != nil {
			t.Fatal(err)
		}
	}

	c := NewClient(st)
	if err := c.Login(ctx, "alice", "pw"); err != nil {
		t.Fatal(err)
	}
	users, err := c.ListPresence(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 || users[0].Username != "bob" || users[1].Username != "carol" {
		t.Fatalf("unexpected presence list: %+v", users)
	}
}

func TestSendStampsSenderAndOverwrites(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	ctx := context.Background()

	c := NewClient(st)
	if err := c.Login(ctx, "alice", "pw"); err != nil {
		t.Fatal(err)
	}

	ev := domain.NewEvent(domain.EventStartVideoCall, "bob", "")
	ev.Sender = "mallory" // adapter must overwrite this
	if err := c.Send(ctx, ev); err != nil {
		t.Fatal(err)
	}

	raw, ok, _ := st.Get(ctx, "bob", store.FieldLatestEvent)
	if !ok {
		t.Fatal("mailbox empty after send")
	}
	var got domain.Event
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatal(err)
	}
	if got.Sender != "alice" || got.Type != domain.EventStartVideoCall {
		t.Fatalf("bad stored event: %+v", got)
	}

	// Second send overwrites the unread first one.
	if err := c.Send(ctx, domain.NewEvent(domain.EventEndCall, "bob", "")); err != nil {
		t.Fatal(err)
	}
	raw, _, _ = st.Get(ctx, "bob", store.FieldLatestEvent)
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != domain.EventEndCall {
		t.Fatalf("expected overwrite with EndCall, got %+v", got)
	}
}

func TestSubscribeInboxDropsMalformed(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	ctx := context.Background()

	c := NewClient(st)
	if err := c.Login(ctx, "alice", "pw"); err != nil {
		t.Fatal(err)
	}

	var got []domain.Event
	cancel, err := c.SubscribeInbox(ctx, func(ev domain.Event) {
		got = append(got, ev)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	st.Set(ctx, "alice", store.FieldLatestEvent, "{not json")
	if len(got) != 0 {
		t.Fatalf("malformed payload must be dropped, got %+v", got)
	}

	b, _ := json.Marshal(domain.NewEvent(domain.EventOffer, "alice", "sdp"))
	st.Set(ctx, "alice", store.FieldLatestEvent, string(b))
	if len(got) != 1 || got[0].Type != domain.EventOffer {
		t.Fatalf("expected one Offer, got %+v", got)
	}
}

func TestClearInboxAndLogoff(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	ctx := context.Background()

	c := NewClient(st)
	if err := c.Login(ctx, "alice", "pw"); err != nil {
		t.Fatal(err)
	}
	st.Set(ctx, "alice", store.FieldLatestEvent, "something")

	if err := c.ClearInbox(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := st.Get(ctx, "alice", store.FieldLatestEvent); ok {
		t.Fatal("inbox not cleared")
	}

	if err := c.Logoff(ctx); err != nil {
		t.Fatal(err)
	}
	if v, _, _ := st.Get(ctx, "alice", store.FieldStatus); v != string(domain.StatusOffline) {
		t.Fatalf("expected OFFLINE after logoff, got %q", v)
	}
}
