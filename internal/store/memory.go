package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/domain"
)

type fieldKey struct {
	user  string
	field string
}

type subscriber struct {
	id string
	fn func(value string, ok bool)
}

// Memory is the in-process Store. signald uses one instance as the
// shared keyspace for every connected client; tests use it directly.
type Memory struct {
	mu     sync.RWMutex
	data   map[fieldKey]string
	subs   map[fieldKey][]subscriber
	closed bool
}

func NewMemory() *Memory {
	return &Memory{
		data: make(map[fieldKey]string),
		subs: make(map[fieldKey][]subscriber),
	}
}

func (m *Memory) Get(_ context.Context, user, field string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", false, ErrClosed
	}
	v, ok := m.data[fieldKey{user, field}]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, user, field, value string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	k := fieldKey{user, field}
	m.data[k] = value
	subs := append([]subscriber(nil), m.subs[k]...)
	m.mu.Unlock()

	for _, s := range subs {
		s.fn(value, true)
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, user, field string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	k := fieldKey{user, field}
	delete(m.data, k)
	subs := append([]subscriber(nil), m.subs[k]...)
	m.mu.Unlock()

	for _, s := range subs {
		s.fn("", false)
	}
	return nil
}

func (m *Memory) Snapshot(_ context.Context) ([]AccountView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	statuses := make(map[string]domain.Status)
	for k := range m.data {
		if _, seen := statuses[k.user]; !seen {
			statuses[k.user] = domain.StatusOffline
		}
		if k.field == FieldStatus {
			statuses[k.user] = domain.Status(m.data[k])
		}
	}
	out := make([]AccountView, 0, len(statuses))
	for user, st := range statuses {
		out = append(out, AccountView{Username: user, Status: st})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (m *Memory) Subscribe(_ context.Context, user, field string, fn func(string, bool)) (CancelFunc, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	k := fieldKey{user, field}
	sub := subscriber{id: uuid.NewString(), fn: fn}
	m.subs[k] = append(m.subs[k], sub)
	cur, present := m.data[k]
	m.mu.Unlock()

	// Initial delivery: the listener always observes the current value,
	// including one left behind by a previous writer.
	fn(cur, present)

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		list := m.subs[k]
		for i := range list {
			if list[i].id == sub.id {
				m.subs[k] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
	return cancel, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.data = map[fieldKey]string{}
	m.subs = map[fieldKey][]subscriber{}
	log.Info().Str("module", "store.memory").Msg("closed")
	return nil
}
