package tabs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ambulink/ambulink/internal/bus"
	"github.com/ambulink/ambulink/internal/logging"
	"github.com/ambulink/ambulink/internal/storage"
)

// ErrNotConnected is returned by Send while no hub connection is open
var ErrNotConnected = errors.New("tabs: not connected")

// ChangeFunc receives change frames from other processes
type ChangeFunc func(f Frame)

// ClientConfig configures a Client
type ClientConfig struct {
	URL          string // ws://host:port/tabs
	Origin       string // id of this process
	WriteTimeout time.Duration
	MaxBackoff   time.Duration
	Logger       *logging.Logger
}

// Client connects one process to the hub
type Client struct {
	cfg      ClientConfig
	log      *logging.Logger
	onChange ChangeFunc

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	ready   chan struct{}
}

// NewClient creates a client. onChange runs on the read goroutine.
func NewClient(cfg ClientConfig, onChange ChangeFunc) *Client {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Client{
		cfg:      cfg,
		log:      log.WithFields(map[string]any{"component": "tabs-client", "origin": cfg.Origin}),
		onChange: onChange,
		ready:    make(chan struct{}),
	}
}

// Ready is closed once the first hub connection is registered
func (c *Client) Ready() <-chan struct{} { return c.ready }

// Connected reports whether a hub connection is open
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run connects to the hub and serves frames, reconnecting with backoff
// until ctx ends.
func (c *Client) Run(ctx context.Context) error {
	backoff := 250 * time.Millisecond
	for {
		err := c.serve(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.log.WithError(err).Debug("hub connection ended, retrying in %s", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.cfg.MaxBackoff)
	}
}

func (c *Client) serve(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.WriteJSON(Frame{Type: FrameHello, Origin: c.cfg.Origin}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var ack Frame
	if err := conn.ReadJSON(&ack); err != nil || ack.Type != FrameHello {
		return fmt.Errorf("hub did not acknowledge: %v", err)
	}
	conn.SetReadDeadline(time.Time{})

	c.mu.Lock()
	c.conn = conn
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}
	c.mu.Unlock()
	c.log.Debug("connected to hub")

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		if f.Type != FrameChange || f.Origin == c.cfg.Origin {
			continue
		}
		c.mu.Lock()
		fn := c.onChange
		c.mu.Unlock()
		if fn != nil {
			fn(f)
		}
	}
}

// Send forwards a change of key to the other processes
func (c *Client) Send(f Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	f.Type = FrameChange
	f.Origin = c.cfg.Origin
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteJSON(f)
}

// Bridge forwards committed local storage changes to the hub and applies
// changes from other processes to b. The returned function detaches it.
func Bridge(c *Client, local *storage.LocalStore, b *bus.Bus) func() {
	c.mu.Lock()
	c.onChange = func(f Frame) {
		b.ApplyExternal(f.Key, f.NewValue)
	}
	c.mu.Unlock()
	return local.OnChange(func(ev storage.StorageEvent) {
		if err := c.Send(Frame{Key: ev.Key, NewValue: ev.NewValue}); err != nil && !errors.Is(err, ErrNotConnected) {
			c.log.WithField("key", ev.Key).WithError(err).Warn("change not forwarded")
		}
	})
}
