package sync

import (
	"context"
	"fmt"
	"log/slog"
	gosync "sync"

	"github.com/gorilla/websocket"

	"github.com/roach88/shelfsync/internal/store"
)

// Conn wraps a websocket connection with a write lock so the serving loop
// and out-of-band notify broadcasts can share it. Reads stay single-owner.
type Conn struct {
	ws *websocket.Conn

	mu gosync.Mutex
}

// NewConn wraps an upgraded or dialed websocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Write sends one frame. Safe for concurrent use.
func (c *Conn) Write(m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(m)
}

// Read receives the next frame. Only one goroutine may read.
func (c *Conn) Read() (Message, error) {
	var m Message
	err := c.ws.ReadJSON(&m)
	return m, err
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// Engine answers the sync protocol over one store. It is connection-agnostic:
// the relay runs Serve per websocket, tests can call the handlers directly.
type Engine struct {
	store *store.Store
	log   *slog.Logger
}

func NewEngine(s *store.Store, log *slog.Logger) *Engine {
	return &Engine{store: s, log: log}
}

// Hello builds this side's handshake frame: identity, schema, and the
// version vector telling the peer where to start pushing from.
func (e *Engine) Hello(ctx context.Context) (Message, error) {
	vector, err := e.store.Vector(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("hello: %w", err)
	}
	return Message{
		Type:          MsgHello,
		Site:          e.store.SiteID(),
		Schema:        store.SchemaName,
		SchemaVersion: store.SchemaVersion,
		Vector:        vector,
	}, nil
}

// checkHello validates the peer's handshake frame.
func checkHello(m Message) error {
	if m.Type != MsgHello {
		return fmt.Errorf("expected hello, got %q", m.Type)
	}
	if m.Site == "" {
		return fmt.Errorf("hello without site id")
	}
	if m.Schema != store.SchemaName || m.SchemaVersion != store.SchemaVersion {
		return &IncompatibleSchemaError{Schema: m.Schema, SchemaVersion: m.SchemaVersion}
	}
	return nil
}

// Serve runs the server side of one connection: handshake, then pushes and
// pulls until the peer disconnects or ctx is cancelled. Cancellation is
// honored at batch boundaries; an in-flight batch always lands atomically.
// onApplied, if set, fires after each non-empty applied push.
func (e *Engine) Serve(ctx context.Context, conn *Conn, onApplied func()) error {
	first, err := conn.Read()
	if err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if err := checkHello(first); err != nil {
		conn.Write(Message{Type: MsgError, Error: err.Error()})
		return err
	}
	peer := first.Site

	hello, err := e.Hello(ctx)
	if err != nil {
		return err
	}
	if err := conn.Write(hello); err != nil {
		return fmt.Errorf("write hello: %w", err)
	}

	log := e.log.With("peer", peer)
	log.Debug("sync session opened")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		m, err := conn.Read()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("sync session closed")
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		switch m.Type {
		case MsgPush:
			if err := e.store.ApplyChanges(ctx, m.Entries); err != nil {
				conn.Write(Message{Type: MsgError, Error: err.Error()})
				return fmt.Errorf("apply push from %s: %w", peer, err)
			}
			log.Debug("applied push", "entries", len(m.Entries))
			if len(m.Entries) > 0 && onApplied != nil {
				onApplied()
			}

		case MsgPull:
			entries, err := e.store.ChangesSince(ctx, m.Vector, peer)
			if err != nil {
				conn.Write(Message{Type: MsgError, Error: err.Error()})
				return fmt.Errorf("answer pull from %s: %w", peer, err)
			}
			if err := conn.Write(Message{Type: MsgChanges, Entries: entries}); err != nil {
				return fmt.Errorf("write changes: %w", err)
			}
			log.Debug("answered pull", "entries", len(entries))

		case MsgNotify:
			// Peers may hint; the server only reacts to explicit pulls.

		default:
			err := fmt.Errorf("unexpected frame %q", m.Type)
			conn.Write(Message{Type: MsgError, Error: err.Error()})
			return err
		}
	}
}
