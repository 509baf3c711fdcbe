package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ambulink/ambulink/internal/bus"
	"github.com/ambulink/ambulink/internal/console"
	"github.com/ambulink/ambulink/internal/core"
	"github.com/ambulink/ambulink/internal/logging"
	"github.com/ambulink/ambulink/internal/notifications"
)

// Event types sent on /ws
const (
	EventSlice        = "slice"
	EventNotification = "notification"
	EventStatus       = "status"
)

// Event is one message on the websocket stream
type Event struct {
	Type      string         `json:"type"`
	Slice     core.SliceName `json:"slice,omitempty"`
	Data      any            `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

type streamClient struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func (c *streamClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// trySend queues msg without blocking and reports whether the client
// can keep up. Closed clients accept and discard.
func (c *streamClient) trySend(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Stream fans slice changes, status changes and notifications out to
// websocket clients.
type Stream struct {
	console  *console.Console
	log      *logging.Logger
	upgrader websocket.Upgrader
	id       string

	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	sub     *bus.Subscription
	active  bool
	wg      sync.WaitGroup
}

// NewStream creates an idle stream; Start attaches it to the console
func NewStream(c *console.Console, log *logging.Logger) *Stream {
	if log == nil {
		log = logging.Nop()
	}
	s := &Stream{
		console: c,
		log:     log.WithField("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		id:      "ws-" + uuid.NewString(),
		clients: make(map[*streamClient]struct{}),
	}
	c.Store.OnStatusChange(func(st core.SystemStatus) {
		s.publish(Event{Type: EventStatus, Data: st})
	})
	return s
}

// Start subscribes to every slice and to notifications
func (s *Stream) Start() {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return
	}
	s.active = true
	s.mu.Unlock()

	sub := s.console.Store.Bus().SubscribeAll(func(slice core.SliceName, value json.RawMessage) error {
		s.publish(Event{Type: EventSlice, Slice: slice, Data: value})
		return nil
	})
	s.console.Notices.Subscribe(notifications.SubscriberFunc{Name: s.id, Fn: func(n notifications.Notification) error {
		s.publish(Event{Type: EventNotification, Data: n})
		return nil
	}})

	s.mu.Lock()
	s.sub = &sub
	s.mu.Unlock()
}

// Stop detaches from the console and closes every client
func (s *Stream) Stop() {
	s.mu.Lock()
	s.active = false
	sub := s.sub
	s.sub = nil
	clients := s.clients
	s.clients = make(map[*streamClient]struct{})
	s.mu.Unlock()

	if sub != nil {
		s.console.Store.Bus().Unsubscribe(*sub)
	}
	s.console.Notices.Unsubscribe(s.id)
	for c := range clients {
		c.close()
		c.conn.Close()
	}
	s.wg.Wait()
}

// ClientCount returns the number of connected clients
func (s *Stream) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// ServeHTTP upgrades the request and streams events until the client leaves
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &streamClient{conn: conn, send: make(chan []byte, sendBuffer)}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.writeLoop(c)
	}()

	// Greet with the current status so clients can render immediately.
	if data, err := json.Marshal(Event{Type: EventStatus, Data: s.console.Status(), Timestamp: time.Now()}); err == nil {
		s.enqueue(c, data)
	}

	// Reads only detect disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.drop(c)
}

func (s *Stream) writeLoop(c *streamClient) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.drop(c)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				s.drop(c)
				return
			}
		}
	}
}

func (s *Stream) drop(c *streamClient) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	if ok {
		c.close()
	}
}

// enqueue never blocks; a client that cannot keep up is dropped
func (s *Stream) enqueue(c *streamClient, msg []byte) {
	if !c.trySend(msg) {
		s.log.Warn("dropping slow websocket client")
		s.drop(c)
	}
}

func (s *Stream) publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.WithError(err).Warn("encode event")
		return
	}

	s.mu.RLock()
	clients := make([]*streamClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		s.enqueue(c, data)
	}
}
