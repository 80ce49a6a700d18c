package sync

import (
	"context"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/shelfsync/internal/store"
)

// Status of a sync client, surfaced to the CLI and to tests.
type Status string

const (
	// StatusIdle means no session is running.
	StatusIdle Status = "idle"
	// StatusSyncing means a session is established and exchanging batches.
	StatusSyncing Status = "syncing"
	// StatusPaused means the last session failed; Err carries the cause.
	StatusPaused Status = "paused"
)

// ClientOptions tune a sync client. The zero value gives sane defaults.
type ClientOptions struct {
	// DialTimeout bounds connection establishment. Default 5s.
	DialTimeout time.Duration
	// Backoff enables exponential retry delays in Live mode. When false a
	// flat RetryInterval is used for every reconnect.
	Backoff bool
	// RetryInterval is the initial (or flat) reconnect delay. Default 1s.
	RetryInterval time.Duration
	// MaxRetryInterval caps exponential growth. Default 60s.
	MaxRetryInterval time.Duration
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.DialTimeout == 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.RetryInterval == 0 {
		o.RetryInterval = time.Second
	}
	if o.MaxRetryInterval == 0 {
		o.MaxRetryInterval = 60 * time.Second
	}
	return o
}

// Client keeps one local store in sync with one peer over websocket.
type Client struct {
	store *store.Store
	url   string
	log   *slog.Logger
	opts  ClientOptions

	mu      gosync.Mutex
	status  Status
	lastErr error
}

// NewClient builds a client for the given peer url (ws:// or wss://).
func NewClient(s *store.Store, url string, log *slog.Logger, opts ClientOptions) *Client {
	return &Client{
		store:  s,
		url:    url,
		log:    log,
		opts:   opts.withDefaults(),
		status: StatusIdle,
	}
}

// Status returns the current client state and, when paused, its cause.
func (c *Client) Status() (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.lastErr
}

func (c *Client) setStatus(s Status, err error) {
	c.mu.Lock()
	c.status = s
	c.lastErr = err
	c.mu.Unlock()
}

// connect dials the peer and completes the handshake. The returned hello is
// the peer's frame, carrying its version vector.
func (c *Client) connect(ctx context.Context) (*Conn, Message, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.DialTimeout}
	ws, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, Message{}, fmt.Errorf("%w: dial %s: %v", ErrUnreachable, c.url, err)
	}
	conn := NewConn(ws)

	engine := NewEngine(c.store, c.log)
	hello, err := engine.Hello(ctx)
	if err != nil {
		conn.Close()
		return nil, Message{}, err
	}
	if err := conn.Write(hello); err != nil {
		conn.Close()
		return nil, Message{}, fmt.Errorf("send hello: %w", err)
	}

	reply, err := conn.Read()
	if err != nil {
		conn.Close()
		return nil, Message{}, fmt.Errorf("read hello: %w", err)
	}
	if reply.Type == MsgError {
		conn.Close()
		return nil, Message{}, fmt.Errorf("peer refused: %s", reply.Error)
	}
	if err := checkHello(reply); err != nil {
		conn.Close()
		return nil, Message{}, err
	}
	return conn, reply, nil
}

// push ships local writes the peer has not seen, per its hello vector the
// first time and the session watermark afterwards.
func (c *Client) push(ctx context.Context, conn *Conn, since int64) (int64, error) {
	entries, err := c.store.LocalChanges(ctx, since)
	if err != nil {
		return since, err
	}
	if len(entries) == 0 {
		return since, nil
	}
	if err := conn.Write(Message{Type: MsgPush, Site: c.store.SiteID(), Entries: entries}); err != nil {
		return since, fmt.Errorf("push: %w", err)
	}
	c.log.Debug("pushed changes", "entries", len(entries))
	return entries[len(entries)-1].DBVersion, nil
}

func (c *Client) sendPull(ctx context.Context, conn *Conn) error {
	vector, err := c.store.Vector(ctx)
	if err != nil {
		return err
	}
	if err := conn.Write(Message{Type: MsgPull, Vector: vector}); err != nil {
		return fmt.Errorf("pull: %w", err)
	}
	return nil
}

// SyncOnce performs a single push/pull round trip and disconnects. Dial
// failures surface immediately as ErrUnreachable; there is no retry.
func (c *Client) SyncOnce(ctx context.Context) error {
	c.setStatus(StatusSyncing, nil)
	err := c.syncOnce(ctx)
	if err != nil {
		c.setStatus(StatusPaused, err)
		return err
	}
	c.setStatus(StatusIdle, nil)
	return nil
}

func (c *Client) syncOnce(ctx context.Context) error {
	conn, hello, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := c.push(ctx, conn, hello.Vector[c.store.SiteID()]); err != nil {
		return err
	}

	if err := c.sendPull(ctx, conn); err != nil {
		return err
	}
	reply, err := conn.Read()
	if err != nil {
		return fmt.Errorf("read changes: %w", err)
	}
	if reply.Type == MsgError {
		return fmt.Errorf("peer error: %s", reply.Error)
	}
	if reply.Type != MsgChanges {
		return fmt.Errorf("expected changes, got %q", reply.Type)
	}
	if err := c.store.ApplyChanges(ctx, reply.Entries); err != nil {
		return err
	}
	c.log.Debug("sync round complete", "received", len(reply.Entries))

	conn.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return nil
}

// Live keeps a session open until ctx is cancelled: pushing on each local
// write, pulling on each peer notify, reconnecting on failure. A schema
// mismatch is terminal; everything else retries per the client options.
func (c *Client) Live(ctx context.Context) error {
	delay := c.opts.RetryInterval
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			c.setStatus(StatusIdle, nil)
			return ctx.Err()
		}
		if IsIncompatibleSchema(err) {
			c.setStatus(StatusPaused, err)
			return err
		}

		c.setStatus(StatusPaused, err)
		c.log.Warn("sync session ended, retrying", "error", err, "delay", delay)

		select {
		case <-ctx.Done():
			c.setStatus(StatusIdle, nil)
			return ctx.Err()
		case <-time.After(delay):
		}
		if c.opts.Backoff {
			delay *= 2
			if delay > c.opts.MaxRetryInterval {
				delay = c.opts.MaxRetryInterval
			}
		}
	}
}

// session runs one live connection to completion.
func (c *Client) session(ctx context.Context) error {
	conn, hello, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	c.setStatus(StatusSyncing, nil)

	// Local commits wake the push loop. Coalescing channel: a burst of
	// writes folds into one push.
	localWrites := make(chan struct{}, 1)
	unsubscribe := c.store.Subscribe(func(e store.Event) {
		if e.Kind != store.EventLocal {
			return
		}
		select {
		case localWrites <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	frames := make(chan Message)
	readErr := make(chan error, 1)
	go func() {
		defer close(frames)
		for {
			m, err := conn.Read()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	watermark, err := c.push(ctx, conn, hello.Vector[c.store.SiteID()])
	if err != nil {
		return err
	}
	if err := c.sendPull(ctx, conn); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			conn.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return ctx.Err()

		case <-localWrites:
			watermark, err = c.push(ctx, conn, watermark)
			if err != nil {
				return err
			}

		case m, ok := <-frames:
			if !ok {
				return fmt.Errorf("session read: %w", <-readErr)
			}
			switch m.Type {
			case MsgNotify:
				if err := c.sendPull(ctx, conn); err != nil {
					return err
				}
			case MsgChanges:
				if err := c.store.ApplyChanges(ctx, m.Entries); err != nil {
					return err
				}
				if len(m.Entries) > 0 {
					c.log.Debug("merged changes", "entries", len(m.Entries))
				}
			case MsgError:
				return fmt.Errorf("peer error: %s", m.Error)
			}
		}
	}
}
