package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/store"
)

var ErrBackpressure = errors.New("backpressure")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSController serves the store protocol over one websocket per client.
type WSController struct {
	Store     *store.Memory
	ReadLimit int64
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	subs   map[string]store.CancelFunc
	closed bool
}

func (c *wsConn) trySend(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = map[string]store.CancelFunc{}
	close(c.send)
	c.mu.Unlock()

	for _, cancel := range subs {
		cancel()
	}
	_ = c.conn.Close()
}

func (ctl *WSController) Handle(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "server.ws").Msg("upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	conn := &wsConn{
		conn: ws,
		send: make(chan []byte, 32),
		subs: make(map[string]store.CancelFunc),
	}

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn, cancel)
	go ctl.readPump(ctx, conn, cancel)
}

func (ctl *WSController) writePump(ctx context.Context, c *wsConn, cancel context.CancelFunc) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "server.ws").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "server.ws").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *WSController) readPump(ctx context.Context, c *wsConn, cancel context.CancelFunc) {
	defer func() {
		log.Info().Str("module", "server.ws").Msg("readPump closing")
		cancel()
		c.close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "server.ws").Msg("readPump read exit")
				return
			}
			ctl.handle(ctx, c, data)
		}
	}
}

func (ctl *WSController) handle(ctx context.Context, c *wsConn, data []byte) {
	var req store.Request
	if err := json.Unmarshal(data, &req); err != nil {
		log.Error().Err(err).Str("module", "server.ws").Msg("bad request json")
		return
	}

	switch req.Op {
	case store.OpGet:
		v, ok, err := ctl.Store.Get(ctx, req.User, req.Field)
		ctl.respond(c, result(req.ID, err, func(r *store.Response) {
			r.Value, r.Present = v, ok
		}))
	case store.OpSet:
		err := ctl.Store.Set(ctx, req.User, req.Field, req.Value)
		ctl.respond(c, result(req.ID, err, nil))
	case store.OpDelete:
		err := ctl.Store.Delete(ctx, req.User, req.Field)
		ctl.respond(c, result(req.ID, err, nil))
	case store.OpSnapshot:
		accounts, err := ctl.Store.Snapshot(ctx)
		ctl.respond(c, result(req.ID, err, func(r *store.Response) {
			r.Accounts = accounts
		}))
	case store.OpSubscribe:
		ctl.subscribe(ctx, c, req)
	case store.OpCancel:
		c.mu.Lock()
		cancelSub, ok := c.subs[req.Sub]
		delete(c.subs, req.Sub)
		c.mu.Unlock()
		if ok {
			cancelSub()
		}
		ctl.respond(c, result(req.ID, nil, nil))
	default:
		log.Warn().Str("module", "server.ws").Str("op", req.Op).Msg("unknown op")
		ctl.respond(c, result(req.ID, errors.New("unknown op"), nil))
	}
}

func (ctl *WSController) subscribe(ctx context.Context, c *wsConn, req store.Request) {
	if req.Sub == "" {
		ctl.respond(c, result(req.ID, errors.New("missing sub id"), nil))
		return
	}
	subID := req.Sub
	cancelSub, err := ctl.Store.Subscribe(ctx, req.User, req.Field, func(value string, ok bool) {
		ev := store.Frame{Event: &store.Change{Sub: subID, Value: value, Present: ok}}
		b, merr := json.Marshal(ev)
		if merr != nil {
			log.Error().Err(merr).Str("module", "server.ws").Msg("event marshal")
			return
		}
		if serr := c.trySend(b); serr != nil {
			log.Warn().Err(serr).Str("module", "server.ws").Str("sub", subID).Msg("event dropped")
		}
	})
	if err != nil {
		ctl.respond(c, result(req.ID, err, nil))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancelSub()
		return
	}
	c.subs[subID] = cancelSub
	c.mu.Unlock()
	ctl.respond(c, result(req.ID, nil, nil))
}

func result(id string, err error, fill func(*store.Response)) store.Response {
	resp := store.Response{ID: id, OK: err == nil}
	if err != nil {
		resp.Error = err.Error()
	} else if fill != nil {
		fill(&resp)
	}
	return resp
}

func (ctl *WSController) respond(c *wsConn, resp store.Response) {
	b, err := json.Marshal(store.Frame{Resp: &resp})
	if err != nil {
		log.Error().Err(err).Str("module", "server.ws").Msg("respond marshal")
		return
	}
	if err := c.trySend(b); err != nil {
		log.Warn().Err(err).Str("module", "server.ws").Msg("response dropped")
	}
}
