// Package tabs relays durable-store changes between console processes
// sharing one data directory.
package tabs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ambulink/ambulink/internal/logging"
)

// Frame types
const (
	FrameHello  = "hello"
	FrameChange = "change"
)

// Frame is one message on the tabs channel
type Frame struct {
	Type     string          `json:"type"`
	Key      string          `json:"key,omitempty"`
	NewValue json.RawMessage `json:"newValue,omitempty"`
	Origin   string          `json:"origin"`
}

// peer is one connected process
type peer struct {
	origin      string
	conn        *websocket.Conn
	connectedAt time.Time

	writeMu sync.Mutex
}

func (p *peer) send(f Frame, timeout time.Duration) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(timeout))
	return p.conn.WriteJSON(f)
}

// HubConfig for creating a hub
type HubConfig struct {
	ListenAddr   string
	Path         string
	WriteTimeout time.Duration
	Logger       *logging.Logger
}

// DefaultHubConfig returns default hub configuration
func DefaultHubConfig() HubConfig {
	return HubConfig{
		ListenAddr:   "127.0.0.1:8091",
		Path:         "/tabs",
		WriteTimeout: 5 * time.Second,
	}
}

// Hub rebroadcasts change frames to every other connected process
type Hub struct {
	cfg      HubConfig
	log      *logging.Logger
	upgrader websocket.Upgrader
	server   *http.Server

	mu    sync.RWMutex
	peers map[*peer]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub creates a hub
func NewHub(cfg HubConfig) *Hub {
	def := DefaultHubConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg: cfg,
		log: log.WithField("component", "tabs-hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		peers:  make(map[*peer]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start serves the hub on cfg.ListenAddr
func (h *Hub) Start() error {
	mux := http.NewServeMux()
	mux.Handle(h.cfg.Path, h)
	mux.HandleFunc("/health", h.handleHealth)

	h.server = &http.Server{
		Addr:              h.cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.WithError(err).Error("tabs hub server stopped")
		}
	}()
	h.log.WithField("addr", h.cfg.ListenAddr).Info("tabs hub listening")
	return nil
}

// Stop closes every connection and the server
func (h *Hub) Stop() error {
	h.cancel()
	if h.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.server.Shutdown(ctx)
	}

	h.mu.Lock()
	for p := range h.peers {
		p.conn.Close()
	}
	h.mu.Unlock()

	h.wg.Wait()
	return nil
}

// PeerCount returns the number of connected processes
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// ServeHTTP upgrades the request and serves one process
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.handleConnection(conn)
	}()
}

func (h *Hub) handleConnection(conn *websocket.Conn) {
	defer conn.Close()

	// The first frame names the process.
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var hello Frame
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != FrameHello || hello.Origin == "" {
		return
	}
	conn.SetReadDeadline(time.Time{})

	p := &peer{origin: hello.Origin, conn: conn, connectedAt: time.Now()}
	h.mu.Lock()
	h.peers[p] = struct{}{}
	h.mu.Unlock()
	h.log.WithField("origin", p.origin).Debug("process connected")

	defer func() {
		h.mu.Lock()
		delete(h.peers, p)
		h.mu.Unlock()
		h.log.WithField("origin", p.origin).Debug("process disconnected")
	}()

	// Acknowledge so the client knows it is registered.
	if err := p.send(Frame{Type: FrameHello, Origin: hello.Origin}, h.cfg.WriteTimeout); err != nil {
		return
	}

	for {
		if h.ctx.Err() != nil {
			return
		}
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		if f.Type != FrameChange || f.Key == "" {
			continue
		}
		f.Origin = p.origin
		h.broadcast(p, f)
	}
}

// broadcast sends f to every peer except from
func (h *Hub) broadcast(from *peer, f Frame) {
	h.mu.RLock()
	targets := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		if p != from {
			targets = append(targets, p)
		}
	}
	h.mu.RUnlock()

	for _, p := range targets {
		if err := p.send(f, h.cfg.WriteTimeout); err != nil {
			h.log.WithField("origin", p.origin).WithError(err).Warn("drop slow process")
			p.conn.Close()
		}
	}
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "healthy",
		"peers":     h.PeerCount(),
		"timestamp": time.Now(),
	})
}
