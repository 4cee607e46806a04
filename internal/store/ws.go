package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const requestTimeout = 10 * time.Second

// WS is a Store backed by a signald instance over a websocket. Requests
// are matched to responses through a pending table; subscription events
// are fanned out from the read pump.
type WS struct {
	conn *websocket.Conn

	writeMu sync.Mutex // gorilla allows one concurrent writer

	mu      sync.Mutex
	pending map[string]chan Response
	subs    map[string]func(value string, ok bool)
	closed  bool
	done    chan struct{}
}

// DialWS connects to a signald websocket endpoint, e.g.
// ws://localhost:8080/ws, and starts the read pump.
func DialWS(ctx context.Context, url string) (*WS, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial store: %w", err)
	}
	w := &WS{
		conn:    conn,
		pending: make(map[string]chan Response),
		subs:    make(map[string]func(string, bool)),
		done:    make(chan struct{}),
	}
	go w.readPump()
	log.Info().Str("module", "store.ws").Str("url", url).Msg("connected")
	return w, nil
}

func (w *WS) readPump() {
	defer w.teardown()
	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			log.Error().Err(err).Str("module", "store.ws").Msg("read pump exit")
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Error().Err(err).Str("module", "store.ws").Msg("bad frame")
			continue
		}
		switch {
		case f.Resp != nil:
			w.mu.Lock()
			ch, ok := w.pending[f.Resp.ID]
			delete(w.pending, f.Resp.ID)
			w.mu.Unlock()
			if ok {
				ch <- *f.Resp
			}
		case f.Event != nil:
			w.mu.Lock()
			fn, ok := w.subs[f.Event.Sub]
			w.mu.Unlock()
			if ok {
				fn(f.Event.Value, f.Event.Present)
			}
		}
	}
}

func (w *WS) teardown() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	pending := w.pending
	w.pending = map[string]chan Response{}
	w.subs = map[string]func(string, bool){}
	close(w.done)
	w.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	_ = w.conn.Close()
}

func (w *WS) roundTrip(ctx context.Context, req Request) (Response, error) {
	req.ID = uuid.NewString()
	ch := make(chan Response, 1)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return Response{}, ErrClosed
	}
	w.pending[req.ID] = ch
	w.mu.Unlock()

	if err := w.write(req); err != nil {
		w.mu.Lock()
		delete(w.pending, req.ID)
		w.mu.Unlock()
		return Response{}, err
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return Response{}, ErrClosed
		}
		if !resp.OK {
			return Response{}, errors.New(resp.Error)
		}
		return resp, nil
	case <-timer.C:
		w.mu.Lock()
		delete(w.pending, req.ID)
		w.mu.Unlock()
		return Response{}, fmt.Errorf("store request %s: timeout", req.Op)
	case <-ctx.Done():
		w.mu.Lock()
		delete(w.pending, req.ID)
		w.mu.Unlock()
		return Response{}, ctx.Err()
	}
}

func (w *WS) write(req Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return w.conn.WriteMessage(websocket.TextMessage, b)
}

func (w *WS) Get(ctx context.Context, user, field string) (string, bool, error) {
	resp, err := w.roundTrip(ctx, Request{Op: OpGet, User: user, Field: field})
	if err != nil {
		return "", false, err
	}
	return resp.Value, resp.Present, nil
}

func (w *WS) Set(ctx context.Context, user, field, value string) error {
	_, err := w.roundTrip(ctx, Request{Op: OpSet, User: user, Field: field, Value: value})
	return err
}

func (w *WS) Delete(ctx context.Context, user, field string) error {
	_, err := w.roundTrip(ctx, Request{Op: OpDelete, User: user, Field: field})
	return err
}

func (w *WS) Snapshot(ctx context.Context) ([]AccountView, error) {
	resp, err := w.roundTrip(ctx, Request{Op: OpSnapshot})
	if err != nil {
		return nil, err
	}
	return resp.Accounts, nil
}

func (w *WS) Subscribe(ctx context.Context, user, field string, fn func(string, bool)) (CancelFunc, error) {
	// The subscription ID is client-assigned so the handler can be
	// registered before the request goes out: the server replays the
	// current value as the first event and it must not be lost.
	subID := uuid.NewString()
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, ErrClosed
	}
	w.subs[subID] = fn
	w.mu.Unlock()

	if _, err := w.roundTrip(ctx, Request{Op: OpSubscribe, User: user, Field: field, Sub: subID}); err != nil {
		w.mu.Lock()
		delete(w.subs, subID)
		w.mu.Unlock()
		return nil, err
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.subs, subID)
			closed := w.closed
			w.mu.Unlock()
			if !closed {
				_ = w.write(Request{ID: uuid.NewString(), Op: OpCancel, Sub: subID})
			}
		})
	}
	return cancel, nil
}

func (w *WS) Close() error {
	w.teardown()
	return nil
}
