// Package state owns the canonical in-memory value of every slice.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ambulink/ambulink/internal/bus"
	"github.com/ambulink/ambulink/internal/core"
	"github.com/ambulink/ambulink/internal/logging"
	"github.com/ambulink/ambulink/internal/storage"
)

// Origin says where a write came from
type Origin string

const (
	OriginLocal  Origin = "local"  // UI or API action in this process
	OriginRemote Origin = "remote" // folded in from the remote mirror
	OriginTab    Origin = "tab"    // another process sharing the data dir
	OriginQueue  Origin = "queue"  // replayed from the offline queue
)

// Outcome of an accepted write
type Outcome int

const (
	Applied    Outcome = iota // value replaced
	Superseded                // an equal or later clock already holds the slice
	Unchanged                 // modify function declined to write
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Superseded:
		return "superseded"
	case Unchanged:
		return "unchanged"
	default:
		return "unknown"
	}
}

// ErrNoChange is returned by a ModifyFunc to leave the slice untouched
var ErrNoChange = errors.New("no change")

// ModifyFunc computes a new slice value from the current one
type ModifyFunc func(current json.RawMessage) (any, error)

// Pusher receives applied local writes for mirroring
type Pusher interface {
	Push(slice core.SliceName, value json.RawMessage, clock Clock)
}

// Observer is told about every write attempt
type Observer interface {
	ObserveWrite(slice core.SliceName, origin Origin, outcome Outcome, err error)
}

// StatusListener is called after the system status changes
type StatusListener func(core.SystemStatus)

// Config configures a Store
type Config struct {
	Node   string              // unique id of this process, generated when empty
	Local  *storage.LocalStore // optional; memory-only when nil
	Bus    *bus.Bus            // created when nil
	Logger *logging.Logger
	Now    func() time.Time
}

// Store is the process-wide state store
type Store struct {
	node  string
	local *storage.LocalStore
	bus   *bus.Bus
	log   *logging.Logger
	now   func() time.Time

	locks map[core.SliceName]*sync.Mutex

	mu       sync.RWMutex
	values   map[core.SliceName]json.RawMessage
	clocks   map[core.SliceName]Clock
	reserved map[core.SliceName]Clock // handed out by NextClock, not yet applied
	user     *core.User
	status   core.SystemStatus
	pusher   Pusher
	mirrored map[core.SliceName]bool
	observer Observer
	watchers []StatusListener
}

// New creates a store and attaches it to the bus as value source and
// reconciler.
func New(cfg Config) *Store {
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	node := cfg.Node
	if node == "" {
		node = uuid.NewString()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &Store{
		node:     node,
		local:    cfg.Local,
		log:      log.WithFields(map[string]any{"component": "state", "node": node}),
		now:      now,
		locks:    make(map[core.SliceName]*sync.Mutex),
		values:   make(map[core.SliceName]json.RawMessage),
		clocks:   make(map[core.SliceName]Clock),
		reserved: make(map[core.SliceName]Clock),
		mirrored: make(map[core.SliceName]bool),
	}
	for _, slice := range core.AllSlices() {
		s.locks[slice] = &sync.Mutex{}
	}

	s.bus = cfg.Bus
	if s.bus == nil {
		s.bus = bus.New(s.valueOf, log)
	} else {
		s.bus.SetValueSource(s.valueOf)
	}
	s.bus.SetReconciler(s.reconcile)
	return s
}

// Node returns the id stamped on this process's writes
func (s *Store) Node() string { return s.node }

// Bus returns the change bus the store publishes to
func (s *Store) Bus() *bus.Bus { return s.bus }

// SetMirror routes applied local writes of the given slices to p
func (s *Store) SetMirror(p Pusher, slices []core.SliceName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pusher = p
	s.mirrored = make(map[core.SliceName]bool, len(slices))
	for _, slice := range slices {
		s.mirrored[slice] = true
	}
}

// IsMirrored reports whether writes to slice are pushed to the remote
func (s *Store) IsMirrored(slice core.SliceName) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mirrored[slice]
}

// SetObserver installs a write observer
func (s *Store) SetObserver(o Observer) {
	s.mu.Lock()
	s.observer = o
	s.mu.Unlock()
}

// Initialize prepares the durable store and hydrates every slice from it.
// Missing or invalid values fall back to the slice default.
func (s *Store) Initialize(ctx context.Context) error {
	if s.local == nil {
		return nil
	}
	if err := s.local.Initialize(); err != nil {
		return fmt.Errorf("initialize local store: %w", err)
	}

	for _, slice := range core.AllSlices() {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := s.local.Get(string(slice))
		if err != nil {
			return fmt.Errorf("hydrate %s: %w", slice, err)
		}
		var clock Clock
		if _, err := s.local.GetInto(clockKey(slice), &clock); err != nil {
			return fmt.Errorf("hydrate %s clock: %w", slice, err)
		}

		s.mu.Lock()
		if raw != nil {
			if err := validate(slice, raw); err != nil {
				s.log.WithField("slice", slice).WithError(err).Warn("stored value has wrong shape, using default")
			} else {
				s.values[slice] = raw
			}
		}
		s.clocks[slice] = clock
		s.mu.Unlock()
	}
	s.log.Debug("hydrated %d slices", len(core.AllSlices()))
	return nil
}

// Get returns the current value of slice, or its default when never set.
// Unknown slices return nil.
func (s *Store) Get(slice core.SliceName) json.RawMessage {
	return s.valueOf(slice)
}

func (s *Store) valueOf(slice core.SliceName) json.RawMessage {
	s.mu.RLock()
	v, ok := s.values[slice]
	s.mu.RUnlock()
	if ok {
		return v
	}
	return core.DefaultValue(slice)
}

// GetInto decodes the current value of slice into dst
func (s *Store) GetInto(slice core.SliceName, dst any) error {
	if !slice.Known() {
		return fmt.Errorf("%w: %q", core.ErrUnknownSlice, slice)
	}
	return json.Unmarshal(s.Get(slice), dst)
}

// Clock returns the clock of the last applied write to slice
func (s *Store) Clock(slice core.SliceName) Clock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clocks[slice]
}

// Snapshot returns the value of slice together with the clock that wrote it
func (s *Store) Snapshot(slice core.SliceName) (json.RawMessage, Clock) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[slice]
	if !ok {
		v = core.DefaultValue(slice)
	}
	return v, s.clocks[slice]
}

// Update replaces the value of slice. It fails with ErrUnknownSlice or
// ErrValidation and leaves the prior value untouched on failure.
func (s *Store) Update(ctx context.Context, slice core.SliceName, value any, opts ...Option) error {
	_, err := s.Apply(ctx, slice, value, opts...)
	return err
}

// Apply is Update that also reports whether the write won.
func (s *Store) Apply(ctx context.Context, slice core.SliceName, value any, opts ...Option) (Outcome, error) {
	return s.Modify(ctx, slice, func(json.RawMessage) (any, error) { return value, nil }, opts...)
}

// Modify computes and writes a new value for slice while holding the
// slice's write lock, so read-modify-write sequences in this process
// never interleave. Handlers subscribed to slice must not write it.
func (s *Store) Modify(ctx context.Context, slice core.SliceName, fn ModifyFunc, opts ...Option) (Outcome, error) {
	o := newWriteOptions(opts)
	outcome, err := s.modify(ctx, slice, fn, o)
	s.observe(slice, o.origin, outcome, err)
	return outcome, err
}

func (s *Store) modify(ctx context.Context, slice core.SliceName, fn ModifyFunc, o writeOptions) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Unchanged, err
	}
	lock, ok := s.locks[slice]
	if !ok {
		return Unchanged, fmt.Errorf("update: %w: %q", core.ErrUnknownSlice, slice)
	}

	lock.Lock()
	defer lock.Unlock()

	value, err := fn(s.Get(slice))
	if errors.Is(err, ErrNoChange) {
		return Unchanged, nil
	}
	if err != nil {
		return Unchanged, err
	}
	data, err := encode(value)
	if err != nil {
		return Unchanged, fmt.Errorf("update %s: %w", slice, err)
	}
	if err := validate(slice, data); err != nil {
		return Unchanged, err
	}

	s.mu.Lock()
	current := s.clocks[slice]
	clock, explicit := o.stamp(s.latest(slice), s.now(), s.node)
	if explicit && !clock.After(current) {
		s.mu.Unlock()
		s.log.WithFields(map[string]any{
			"slice":    slice,
			"origin":   o.origin,
			"incoming": clock,
			"current":  current,
		}).Debug("discarded write with older clock")
		return Superseded, nil
	}
	s.values[slice] = data
	s.clocks[slice] = clock
	push := s.status.Online && s.mirrored[slice] && s.pusher != nil &&
		(o.origin == OriginLocal || o.origin == OriginQueue)
	pusher := s.pusher
	s.mu.Unlock()

	s.persist(slice, data, clock)
	s.bus.Publish(slice)

	if push {
		pusher.Push(slice, data, clock)
	}
	return Applied, nil
}

// latest is the newest clock known for slice, applied or reserved.
// Callers hold s.mu.
func (s *Store) latest(slice core.SliceName) Clock {
	c := s.clocks[slice]
	if r := s.reserved[slice]; r.After(c) {
		return r
	}
	return c
}

// NextClock reserves the clock of a local write that will be applied
// later, such as one held in the offline queue. Later reservations and
// local writes order after it.
func (s *Store) NextClock(slice core.SliceName) Clock {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.latest(slice).Tick(s.now(), s.node)
	s.reserved[slice] = c
	return c
}

// Witness records a clock reserved before a restart so new local writes
// still order after it.
func (s *Store) Witness(slice core.SliceName, c Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.After(s.reserved[slice]) {
		s.reserved[slice] = c
	}
}

// persist saves the clock and the value in one batch so the durable store
// never holds a clock newer than its value. The clock is written first so
// another process reacting to the value event finds a clock at least as new.
func (s *Store) persist(slice core.SliceName, data json.RawMessage, clock Clock) {
	if s.local == nil {
		return
	}
	err := s.local.SaveAll(
		storage.Entry{Key: clockKey(slice), Value: clock},
		storage.Entry{Key: string(slice), Value: data},
	)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrQuotaExceeded):
		s.log.WithField("slice", slice).Warn("durable store full, keeping value in memory only")
	default:
		s.log.WithField("slice", slice).WithError(err).Error("value not persisted")
	}
}

// reconcile adopts a value another process already wrote to the shared
// durable store. It never writes back.
func (s *Store) reconcile(slice core.SliceName, newValue json.RawMessage) bool {
	lock := s.locks[slice]
	lock.Lock()
	defer lock.Unlock()

	value := newValue
	if value == nil {
		value = core.DefaultValue(slice)
	}
	if err := validate(slice, value); err != nil {
		s.log.WithField("slice", slice).WithError(err).Warn("ignored external change")
		return false
	}

	var clock Clock
	if s.local != nil {
		if _, err := s.local.GetInto(clockKey(slice), &clock); err != nil {
			s.log.WithField("slice", slice).WithError(err).Warn("external clock unreadable")
		}
	}

	s.mu.Lock()
	s.values[slice] = value
	if !clock.IsZero() {
		s.clocks[slice] = clock
	}
	s.mu.Unlock()
	s.observe(slice, OriginTab, Applied, nil)
	return true
}

func (s *Store) observe(slice core.SliceName, origin Origin, outcome Outcome, err error) {
	s.mu.RLock()
	o := s.observer
	s.mu.RUnlock()
	if o != nil {
		o.ObserveWrite(slice, origin, outcome, err)
	}
	if err != nil {
		s.log.WithFields(map[string]any{"slice": slice, "origin": origin}).WithError(err).Warn("write rejected")
	}
}

// -----------------------------------------------------------------------------
// Reserved memory-only keys
// -----------------------------------------------------------------------------

// CurrentUser returns the signed-in operator, or nil
func (s *Store) CurrentUser() *core.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// SetCurrentUser replaces the signed-in operator. Never persisted.
func (s *Store) SetCurrentUser(u *core.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u == nil {
		s.user = nil
		return
	}
	copied := *u
	s.user = &copied
}

// Status returns a copy of the system status
func (s *Store) Status() core.SystemStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Online reports whether the remote is believed reachable
func (s *Store) Online() bool {
	return s.Status().Online
}

// OnStatusChange registers a listener for status changes
func (s *Store) OnStatusChange(fn StatusListener) {
	s.mu.Lock()
	s.watchers = append(s.watchers, fn)
	s.mu.Unlock()
}

// SetOnline records a connectivity transition
func (s *Store) SetOnline(online bool) {
	s.updateStatus(func(st *core.SystemStatus) bool {
		if st.Online == online {
			return false
		}
		st.Online = online
		return true
	})
}

// MarkSynced records a successful exchange with the remote
func (s *Store) MarkSynced(at time.Time) {
	s.updateStatus(func(st *core.SystemStatus) bool {
		t := at.UTC()
		st.LastSync = &t
		return true
	})
}

// SetPendingUpdates records the offline queue depth
func (s *Store) SetPendingUpdates(n int) {
	s.updateStatus(func(st *core.SystemStatus) bool {
		if st.PendingUpdates == n {
			return false
		}
		st.PendingUpdates = n
		return true
	})
}

func (s *Store) updateStatus(fn func(*core.SystemStatus) bool) {
	s.mu.Lock()
	changed := fn(&s.status)
	snapshot := s.status
	watchers := append([]StatusListener(nil), s.watchers...)
	s.mu.Unlock()

	if !changed {
		return
	}
	for _, w := range watchers {
		w(snapshot)
	}
}
