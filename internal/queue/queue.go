// Package queue buffers slice writes made while the remote is unreachable
// and replays them in order.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ambulink/ambulink/internal/core"
	"github.com/ambulink/ambulink/internal/logging"
	"github.com/ambulink/ambulink/internal/state"
	"github.com/ambulink/ambulink/internal/storage"
)

// Durable keys
const (
	KeyPendingWrites = "pendingWrites"
	KeyLegacyTrips   = "pendingTrips"
)

// ErrFlushInProgress is yielded when another flush is already running
var ErrFlushInProgress = errors.New("flush already in progress")

// Target is the state store the queue replays into
type Target interface {
	Apply(ctx context.Context, slice core.SliceName, value any, opts ...state.Option) (state.Outcome, error)
	AppendItem(ctx context.Context, slice core.SliceName, item any, opts ...state.Option) (state.Outcome, error)
	SetPendingUpdates(n int)
	NextClock(slice core.SliceName) state.Clock
	Witness(slice core.SliceName, c state.Clock)
}

// Observer is told about every flush step
type Observer interface {
	ObserveFlush(outcome state.Outcome, err error)
}

// Result describes one replayed write
type Result struct {
	Write     core.PendingWrite
	Outcome   state.Outcome
	Remaining int
}

// Summary totals a completed flush. Skipped counts appends already
// present; Superseded counts replace writes that lost to a later clock.
type Summary struct {
	Applied    int `json:"applied"`
	Skipped    int `json:"skipped"`
	Superseded int `json:"superseded"`
	Remaining  int `json:"remaining"`
}

// Options configures a Queue
type Options struct {
	Logger   *logging.Logger
	Observer Observer
	Now      func() time.Time
}

// Queue is the durable FIFO of pending writes
type Queue struct {
	local    *storage.LocalStore
	target   Target
	log      *logging.Logger
	observer Observer
	now      func() time.Time

	mu    sync.Mutex
	items []core.PendingWrite

	flushing sync.Mutex
}

// Open loads the persisted queue, migrating legacy offline trips.
func Open(local *storage.LocalStore, target Target, opts Options) (*Queue, error) {
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	q := &Queue{
		local:    local,
		target:   target,
		log:      log.WithField("component", "queue"),
		observer: opts.Observer,
		now:      now,
	}

	if _, err := local.GetInto(KeyPendingWrites, &q.items); err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	if err := q.migrateLegacy(); err != nil {
		return nil, err
	}
	for _, w := range q.items {
		if w.Clock != nil {
			target.Witness(w.Slice, *w.Clock)
		}
	}
	target.SetPendingUpdates(len(q.items))
	if len(q.items) > 0 {
		q.log.Info("loaded %d pending writes", len(q.items))
	}
	return q, nil
}

func (q *Queue) migrateLegacy() error {
	var trips []json.RawMessage
	found, err := q.local.GetInto(KeyLegacyTrips, &trips)
	if err != nil {
		return fmt.Errorf("load legacy trips: %w", err)
	}
	if !found {
		return nil
	}
	for _, trip := range trips {
		q.items = append(q.items, q.newWrite(core.SliceTrips, core.OpAppend, trip))
	}
	if err := q.persist(); err != nil {
		return fmt.Errorf("migrate legacy trips: %w", err)
	}
	if err := q.local.Remove(KeyLegacyTrips); err != nil {
		return fmt.Errorf("migrate legacy trips: %w", err)
	}
	q.log.Info("migrated %d legacy offline trips", len(trips))
	return nil
}

// newWrite stamps a pending write. Enqueue times strictly increase, and a
// replace write reserves its clock now so it replays as the local write it
// was rather than as one made at flush time.
func (q *Queue) newWrite(slice core.SliceName, op core.WriteOp, value json.RawMessage) core.PendingWrite {
	at := q.now().UTC()
	if n := len(q.items); n > 0 && !at.After(q.items[n-1].EnqueuedAt) {
		at = q.items[n-1].EnqueuedAt.Add(time.Nanosecond)
	}
	w := core.PendingWrite{
		ID:         uuid.NewString(),
		Slice:      slice,
		Op:         op,
		Value:      value,
		EnqueuedAt: at,
	}
	if op == core.OpReplace {
		clock := q.target.NextClock(slice)
		w.Clock = &clock
	}
	return w
}

// Enqueue records a whole-slice replacement. The write is validated now so
// a bad value can never block the queue, and it is durable on return.
func (q *Queue) Enqueue(slice core.SliceName, value any) (core.PendingWrite, error) {
	if !slice.Known() {
		return core.PendingWrite{}, fmt.Errorf("enqueue: %w: %q", core.ErrUnknownSlice, slice)
	}
	data, err := state.Encode(value)
	if err != nil {
		return core.PendingWrite{}, fmt.Errorf("enqueue %s: %w", slice, err)
	}
	if err := state.Validate(slice, data); err != nil {
		return core.PendingWrite{}, err
	}
	return q.push(slice, core.OpReplace, data)
}

// EnqueueAppend records one item to append to a collection slice.
func (q *Queue) EnqueueAppend(slice core.SliceName, item any) (core.PendingWrite, error) {
	if !slice.IsCollection() {
		if !slice.Known() {
			return core.PendingWrite{}, fmt.Errorf("enqueue: %w: %q", core.ErrUnknownSlice, slice)
		}
		return core.PendingWrite{}, &state.ValidationError{Slice: slice, Reason: "append needs a collection slice"}
	}
	data, err := state.Encode(item)
	if err != nil {
		return core.PendingWrite{}, fmt.Errorf("enqueue %s: %w", slice, err)
	}
	return q.push(slice, core.OpAppend, data)
}

func (q *Queue) push(slice core.SliceName, op core.WriteOp, data json.RawMessage) (core.PendingWrite, error) {
	q.mu.Lock()
	w := q.newWrite(slice, op, data)
	q.items = append(q.items, w)
	if err := q.persist(); err != nil {
		q.items = q.items[:len(q.items)-1]
		q.mu.Unlock()
		return core.PendingWrite{}, fmt.Errorf("enqueue %s: %w", slice, err)
	}
	n := len(q.items)
	q.mu.Unlock()

	q.target.SetPendingUpdates(n)
	q.log.WithFields(map[string]any{"slice": slice, "op": op, "pending": n}).Debug("queued write")
	return w, nil
}

// persist writes the whole queue. Callers hold q.mu.
func (q *Queue) persist() error {
	items := q.items
	if items == nil {
		items = []core.PendingWrite{}
	}
	return q.local.Save(KeyPendingWrites, items)
}

// Len returns the number of pending writes
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns a copy of the pending writes in order
func (q *Queue) Pending() []core.PendingWrite {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]core.PendingWrite(nil), q.items...)
}

func (q *Queue) head() (core.PendingWrite, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return core.PendingWrite{}, false
	}
	return q.items[0], true
}

// remove drops the applied head and persists the queue before returning.
func (q *Queue) remove(id string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 || q.items[0].ID != id {
		return len(q.items), fmt.Errorf("queue head changed during flush")
	}
	prev := q.items
	q.items = append([]core.PendingWrite(nil), q.items[1:]...)
	if err := q.persist(); err != nil {
		q.items = prev
		return len(q.items), err
	}
	return len(q.items), nil
}

// Flush replays pending writes in FIFO order as a lazy sequence. Each item
// is removed from the durable queue before it is yielded. The sequence stops
// at the first failure, leaving the rest queued, and stops after the
// in-flight item once ctx is cancelled.
func (q *Queue) Flush(ctx context.Context) iter.Seq2[Result, error] {
	return func(yield func(Result, error) bool) {
		if !q.flushing.TryLock() {
			yield(Result{}, ErrFlushInProgress)
			return
		}
		defer q.flushing.Unlock()

		for ctx.Err() == nil {
			w, ok := q.head()
			if !ok {
				return
			}

			outcome, err := q.apply(context.WithoutCancel(ctx), w)
			if err == nil {
				var remaining int
				remaining, err = q.remove(w.ID)
				if err == nil {
					q.target.SetPendingUpdates(remaining)
					q.observe(outcome, nil)
					if !yield(Result{Write: w, Outcome: outcome, Remaining: remaining}, nil) {
						return
					}
					continue
				}
			}

			q.observe(outcome, err)
			q.log.WithFields(map[string]any{"slice": w.Slice, "write": w.ID}).WithError(err).Warn("flush halted")
			yield(Result{Write: w, Remaining: q.Len()}, fmt.Errorf("flush %s write %s: %w", w.Slice, w.ID, err))
			return
		}
	}
}

func (q *Queue) apply(ctx context.Context, w core.PendingWrite) (state.Outcome, error) {
	switch w.Op {
	case core.OpAppend:
		return q.target.AppendItem(ctx, w.Slice, w.Value, state.WithOrigin(state.OriginQueue))
	case core.OpReplace, "":
		if w.Clock == nil {
			return q.target.Apply(ctx, w.Slice, w.Value, state.WithOrigin(state.OriginQueue))
		}
		return q.target.Apply(ctx, w.Slice, w.Value,
			state.WithOrigin(state.OriginQueue), state.WithClock(*w.Clock))
	default:
		return state.Unchanged, fmt.Errorf("%w: unknown queue op %q", core.ErrCorruptData, w.Op)
	}
}

func (q *Queue) observe(outcome state.Outcome, err error) {
	if q.observer != nil {
		q.observer.ObserveFlush(outcome, err)
	}
}

// FlushAll drains Flush and totals the results
func (q *Queue) FlushAll(ctx context.Context) (Summary, error) {
	var sum Summary
	for res, err := range q.Flush(ctx) {
		if err != nil {
			sum.Remaining = q.Len()
			return sum, err
		}
		switch res.Outcome {
		case state.Applied:
			sum.Applied++
		case state.Superseded:
			sum.Superseded++
			q.log.WithFields(map[string]any{"slice": res.Write.Slice, "write": res.Write.ID}).
				Warn("queued write superseded by a later change")
		default:
			sum.Skipped++
		}
	}
	sum.Remaining = q.Len()
	if n := sum.Applied + sum.Skipped + sum.Superseded; n > 0 {
		q.log.Info("flushed %d writes (%d skipped, %d superseded), %d remaining", n, sum.Skipped, sum.Superseded, sum.Remaining)
	}
	return sum, nil
}

// Clear drops every pending write
func (q *Queue) Clear() error {
	q.mu.Lock()
	prev := q.items
	q.items = nil
	if err := q.persist(); err != nil {
		q.items = prev
		q.mu.Unlock()
		return err
	}
	q.mu.Unlock()
	q.target.SetPendingUpdates(0)
	return nil
}
