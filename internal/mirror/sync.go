package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ambulink/ambulink/internal/core"
	"github.com/ambulink/ambulink/internal/logging"
	"github.com/ambulink/ambulink/internal/state"
)

// DefaultSlices are mirrored when no list is configured
var DefaultSlices = []core.SliceName{core.SliceTrips, core.SliceLeads, core.SliceAmbulances}

// Reporter receives failures that should be surfaced to the user
type Reporter interface {
	ReportError(err error)
}

// Observer is told about pushes and folds
type Observer interface {
	ObservePush(slice core.SliceName, err error)
	ObserveFold(slice core.SliceName, outcome state.Outcome)
}

// Options configures a Sync
type Options struct {
	Slices      []core.SliceName
	PushTimeout time.Duration
	Logger      *logging.Logger
	Reporter    Reporter
	Observer    Observer
	Now         func() time.Time
}

// Sync bridges the state store and a Remote
type Sync struct {
	remote   Remote
	store    *state.Store
	slices   []core.SliceName
	timeout  time.Duration
	log      *logging.Logger
	reporter Reporter
	observer Observer
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	subscribing sync.Mutex
	mu          sync.Mutex
	watching    map[core.SliceName]func()
}

// New creates a Sync and registers it as the store's pusher
func New(remote Remote, store *state.Store, opts Options) *Sync {
	slices := opts.Slices
	if len(slices) == 0 {
		slices = DefaultSlices
	}
	timeout := opts.PushTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sync{
		remote:   remote,
		store:    store,
		slices:   slices,
		timeout:  timeout,
		log:      log.WithField("component", "mirror"),
		reporter: opts.Reporter,
		observer: opts.Observer,
		now:      now,
		ctx:      ctx,
		cancel:   cancel,
		watching: make(map[core.SliceName]func()),
	}
	store.SetMirror(s, slices)
	return s
}

// Slices returns the mirrored slices
func (s *Sync) Slices() []core.SliceName {
	return append([]core.SliceName(nil), s.slices...)
}

// Push sends a slice write to the remote without blocking the caller.
// Delivery is at most once: a failed push is reported and not retried,
// the next write or Resync converges the replicas.
func (s *Sync) Push(slice core.SliceName, value json.RawMessage, clock state.Clock) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.send(s.ctx, slice, value, clock); err != nil {
			s.fail(err)
		}
	}()
}

func (s *Sync) send(ctx context.Context, slice core.SliceName, value json.RawMessage, clock state.Clock) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	id, err := s.remote.AddDocument(ctx, string(slice), NewDocument(value, clock))
	if s.observer != nil {
		s.observer.ObservePush(slice, err)
	}
	if err != nil {
		return fmt.Errorf("push %s: %w", slice, asUnavailable(err))
	}
	s.store.MarkSynced(s.now())
	s.log.WithFields(map[string]any{"slice": slice, "document": id, "clock": clock}).Debug("pushed")
	return nil
}

// Wait blocks until in-flight pushes finish
func (s *Sync) Wait() {
	s.wg.Wait()
}

// SubscribeRemote folds every change of the slice's remote collection into
// the store until ctx ends or Stop is called.
func (s *Sync) SubscribeRemote(ctx context.Context, slice core.SliceName) error {
	s.subscribing.Lock()
	defer s.subscribing.Unlock()

	s.mu.Lock()
	if _, ok := s.watching[slice]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	cancel, err := s.remote.OnCollectionChange(ctx, string(slice), func(docs []Document) {
		if _, err := s.Fold(s.ctx, slice, docs); err != nil {
			s.log.WithField("slice", slice).WithError(err).Warn("remote change not applied")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", slice, asUnavailable(err))
	}

	s.mu.Lock()
	s.watching[slice] = cancel
	s.mu.Unlock()
	context.AfterFunc(ctx, func() { s.unwatch(slice) })
	return nil
}

func (s *Sync) unwatch(slice core.SliceName) {
	s.mu.Lock()
	cancel, ok := s.watching[slice]
	delete(s.watching, slice)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Fold applies the latest document of a remote collection to the store
// under last-writer-wins.
func (s *Sync) Fold(ctx context.Context, slice core.SliceName, docs []Document) (state.Outcome, error) {
	latest, ok := Latest(docs)
	if !ok {
		return state.Unchanged, nil
	}
	if err := state.Validate(slice, latest.Data); err != nil {
		return state.Unchanged, fmt.Errorf("remote document %s: %w", latest.ID, err)
	}
	outcome, err := s.store.Apply(ctx, slice, latest.Data,
		state.WithOrigin(state.OriginRemote), state.WithClock(latest.Clock()))
	if err != nil {
		return outcome, err
	}
	if s.observer != nil {
		s.observer.ObserveFold(slice, outcome)
	}
	if outcome == state.Applied {
		s.store.MarkSynced(s.now())
		s.log.WithFields(map[string]any{"slice": slice, "document": latest.ID}).Debug("folded remote change")
	}
	return outcome, nil
}

// Start subscribes to every mirrored slice and pulls current remote state.
func (s *Sync) Start(ctx context.Context) error {
	return s.Resync(ctx)
}

// Resync re-establishes missing subscriptions and folds the latest remote
// document of every mirrored slice. A slice whose local clock is newer than
// every remote document is pushed, so writes made while the remote was
// unreachable reach it once it is back.
func (s *Sync) Resync(ctx context.Context) error {
	var errs []error
	for _, slice := range s.slices {
		if err := s.SubscribeRemote(s.ctx, slice); err != nil {
			errs = append(errs, err)
			continue
		}
		docs, err := s.fetch(ctx, slice)
		if err != nil {
			errs = append(errs, fmt.Errorf("resync %s: %w", slice, asUnavailable(err)))
			continue
		}
		if _, err := s.Fold(ctx, slice, docs); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.pushIfNewer(ctx, slice, docs); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

// fetch returns what Fold needs of a remote collection: the newest document
// when the remote can serve it alone, the full collection otherwise.
func (s *Sync) fetch(ctx context.Context, slice core.SliceName) ([]Document, error) {
	lr, ok := s.remote.(LatestReader)
	if !ok {
		return s.remote.GetAllDocuments(ctx, string(slice))
	}
	doc, found, err := lr.LatestDocument(ctx, string(slice))
	if err != nil || !found {
		return nil, err
	}
	return []Document{doc}, nil
}

func (s *Sync) pushIfNewer(ctx context.Context, slice core.SliceName, docs []Document) error {
	value, local := s.store.Snapshot(slice)
	if local.IsZero() {
		return nil
	}
	if latest, ok := Latest(docs); ok && !local.After(latest.Clock()) {
		return nil
	}
	s.log.WithFields(map[string]any{"slice": slice, "clock": local}).Info("pushing local changes missed by the remote")
	return s.send(ctx, slice, value, local)
}

// Subscribed reports whether slice currently has a remote subscription
func (s *Sync) Subscribed(slice core.SliceName) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.watching[slice]
	return ok
}

// Stop cancels subscriptions and waits for in-flight pushes
func (s *Sync) Stop() {
	s.cancel()
	s.mu.Lock()
	cancels := make([]func(), 0, len(s.watching))
	for slice, c := range s.watching {
		cancels = append(cancels, c)
		delete(s.watching, slice)
	}
	s.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	s.wg.Wait()
}

func (s *Sync) fail(err error) {
	s.log.WithError(err).Warn("remote sync failed")
	if s.reporter != nil {
		s.reporter.ReportError(err)
	}
}

func asUnavailable(err error) error {
	if errors.Is(err, core.ErrRemoteUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", core.ErrRemoteUnavailable, err)
}
