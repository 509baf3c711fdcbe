package notifications

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ambulink/ambulink/internal/core"
	"github.com/ambulink/ambulink/internal/logging"
)

// Subscriber receives notifications in real-time
type Subscriber interface {
	Send(n Notification) error
	ID() string
}

// SubscriberFunc adapts a function into a Subscriber
type SubscriberFunc struct {
	Name string
	Fn   func(Notification) error
}

func (f SubscriberFunc) Send(n Notification) error { return f.Fn(n) }
func (f SubscriberFunc) ID() string                { return f.Name }

// Observer is told about every notification created
type Observer interface {
	ObserveNotification(c Category)
}

// Options configures a Service
type Options struct {
	TTL      time.Duration // default DefaultTTL
	History  int           // notices kept for listing, default 100
	Logger   *logging.Logger
	Observer Observer
	Now      func() time.Time
}

// Service manages notifications
type Service struct {
	ttl      time.Duration
	history  int
	log      *logging.Logger
	observer Observer
	now      func() time.Time

	mu          sync.RWMutex
	subscribers map[string]Subscriber
	recent      []Notification // oldest first
}

// NewService creates a new notification service
func NewService(opts Options) *Service {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.History <= 0 {
		opts.History = 100
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		ttl:         opts.TTL,
		history:     opts.History,
		log:         opts.Logger.WithField("component", "notifications"),
		observer:    opts.Observer,
		now:         opts.Now,
		subscribers: make(map[string]Subscriber),
	}
}

// Subscribe adds a subscriber for real-time notifications
func (s *Service) Subscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[sub.ID()] = sub
}

// Unsubscribe removes a subscriber
func (s *Service) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, id)
}

// Notify creates and broadcasts a notification. Unknown categories become info.
func (s *Service) Notify(c Category, message string) Notification {
	return s.create(c, message, "")
}

func (s *Service) create(c Category, message, source string) Notification {
	if !c.Valid() {
		c = CategoryInfo
	}
	now := s.now().UTC()
	n := Notification{
		ID:        uuid.New().String(),
		Category:  c,
		Message:   message,
		Source:    source,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	s.mu.Lock()
	s.recent = append(s.recent, n)
	if over := len(s.recent) - s.history; over > 0 {
		s.recent = append(s.recent[:0:0], s.recent[over:]...)
	}
	subs := make([]Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	obs := s.observer
	s.mu.Unlock()

	if obs != nil {
		obs.ObserveNotification(c)
	}
	s.log.WithField("category", string(c)).Debug("%s", message)
	s.broadcast(subs, n)
	return n
}

func (s *Service) broadcast(subs []Subscriber, n Notification) {
	for _, sub := range subs {
		go func(subscriber Subscriber) {
			if err := subscriber.Send(n); err != nil {
				s.log.WithField("subscriber", subscriber.ID()).WithError(err).Debug("notification delivery failed")
			}
		}(sub)
	}
}

// Error, Warning, Success and Info are shorthands for Notify
func (s *Service) Error(message string) Notification   { return s.Notify(CategoryError, message) }
func (s *Service) Warning(message string) Notification { return s.Notify(CategoryWarning, message) }
func (s *Service) Success(message string) Notification { return s.Notify(CategorySuccess, message) }
func (s *Service) Info(message string) Notification    { return s.Notify(CategoryInfo, message) }

// ReportError turns a component failure into an error notification.
func (s *Service) ReportError(err error) {
	if err == nil {
		return
	}
	msg, source := Describe(err)
	s.create(CategoryError, msg, source)
}

// Describe maps a failure to the message shown to the operator and the
// failure category it belongs to.
func Describe(err error) (message, source string) {
	switch {
	case errors.Is(err, core.ErrQuotaExceeded):
		return "Storage is full. Export or clear old records.", "quota_exceeded"
	case errors.Is(err, core.ErrSerialization):
		return "Could not save data: value is not serializable.", "serialization"
	case errors.Is(err, core.ErrCorruptData):
		return "Stored data was unreadable and has been reset.", "corrupt_data"
	case errors.Is(err, core.ErrRemoteUnavailable):
		return "Sync unavailable. Changes are kept locally.", "remote_unavailable"
	case errors.Is(err, core.ErrValidation):
		return "Invalid data was rejected.", "validation"
	case errors.Is(err, core.ErrUnknownSlice):
		return "Unknown data collection.", "unknown_slice"
	default:
		return "Storage operation failed.", "storage"
	}
}

// Get retrieves a notification by ID
func (s *Service) Get(id string) (Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.recent {
		if n.ID == id {
			return n, nil
		}
	}
	return Notification{}, core.ErrRecordNotFound
}

// List returns notifications newest first
func (s *Service) List(filter Filter) []Notification {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Notification
	for i := len(s.recent) - 1; i >= 0; i-- {
		n := s.recent[i]
		if filter.Category != "" && n.Category != filter.Category {
			continue
		}
		if !filter.IncludeExpired && !n.Active(now) {
			continue
		}
		out = append(out, n)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out
}

// Active returns the notifications currently visible
func (s *Service) Active() []Notification {
	return s.List(Filter{})
}

// Dismiss hides a notification before it expires
func (s *Service) Dismiss(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.recent {
		if s.recent[i].ID == id {
			s.recent[i].Dismissed = true
			return nil
		}
	}
	return core.ErrRecordNotFound
}

// Stats returns notification statistics
func (s *Service) Stats() Stats {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{Total: len(s.recent), ByCategory: make(map[Category]int)}
	for _, n := range s.recent {
		stats.ByCategory[n.Category]++
		if n.Active(now) {
			stats.Active++
		}
	}
	if len(s.recent) > 0 {
		last := s.recent[len(s.recent)-1].CreatedAt
		stats.LastCreated = &last
	}
	return stats
}

// Cleanup drops notifications that are no longer visible and returns how
// many were removed.
func (s *Service) Cleanup() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.recent[:0]
	for _, n := range s.recent {
		if n.Active(now) {
			kept = append(kept, n)
		}
	}
	removed := len(s.recent) - len(kept)
	s.recent = kept
	return removed
}
