package queue

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/ambulink/ambulink/internal/core"
	"github.com/ambulink/ambulink/internal/state"
	"github.com/ambulink/ambulink/internal/storage"
)

type fixture struct {
	local *storage.LocalStore
	store *state.Store
	queue *Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(storage.Config{InMemory: true})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	local := storage.NewLocalStore(db, storage.LocalOptions{})
	store := state.New(state.Config{Node: "test", Local: local})
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	q, err := Open(local, store, Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return &fixture{local: local, store: store, queue: q}
}

// reopen simulates a restart against the same durable store
func (f *fixture) reopen(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(f.local, f.store, Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return q
}

func TestQueue_EnqueuePersists(t *testing.T) {
	f := newFixture(t)

	w, err := f.queue.Enqueue(core.SliceAlerts, []string{"a"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if w.Op != core.OpReplace || w.ID == "" {
		t.Errorf("Enqueue() = %+v", w)
	}

	q2 := f.reopen(t)
	pending := q2.Pending()
	if len(pending) != 1 || pending[0].ID != w.ID {
		t.Fatalf("reopened queue = %+v, want the enqueued write", pending)
	}
	if string(pending[0].Value) != `["a"]` {
		t.Errorf("Value = %s", pending[0].Value)
	}
	if f.store.Status().PendingUpdates != 1 {
		t.Errorf("PendingUpdates = %d, want 1", f.store.Status().PendingUpdates)
	}
}

func TestQueue_EnqueueRejectsBadWrites(t *testing.T) {
	f := newFixture(t)

	if _, err := f.queue.Enqueue("bogus", []int{}); !errors.Is(err, core.ErrUnknownSlice) {
		t.Errorf("Enqueue(bogus) error = %v, want ErrUnknownSlice", err)
	}
	if _, err := f.queue.Enqueue(core.SliceTrips, map[string]int{}); !errors.Is(err, core.ErrValidation) {
		t.Errorf("Enqueue(trips, object) error = %v, want ErrValidation", err)
	}
	if _, err := f.queue.Enqueue(core.SliceTrips, []any{func() {}}); !errors.Is(err, core.ErrSerialization) {
		t.Errorf("Enqueue(func) error = %v, want ErrSerialization", err)
	}
	if _, err := f.queue.EnqueueAppend(core.SliceSettings, map[string]int{}); !errors.Is(err, core.ErrValidation) {
		t.Errorf("EnqueueAppend(settings) error = %v, want ErrValidation", err)
	}
	if f.queue.Len() != 0 {
		t.Errorf("Len() = %d, want 0", f.queue.Len())
	}
}

func TestQueue_FlushOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var history []string
	f.store.Bus().Subscribe(core.SliceFinancials, func(_ core.SliceName, v json.RawMessage) error {
		history = append(history, string(v))
		return nil
	})

	for _, v := range [][]string{{"A"}, {"A", "B"}, {"A", "B", "C"}} {
		if _, err := f.queue.Enqueue(core.SliceFinancials, v); err != nil {
			t.Fatal(err)
		}
	}

	var applied []string
	for res, err := range f.queue.Flush(ctx) {
		if err != nil {
			t.Fatalf("Flush() error = %v", err)
		}
		if res.Outcome != state.Applied {
			t.Errorf("outcome = %v, want applied", res.Outcome)
		}
		applied = append(applied, string(res.Write.Value))
	}

	want := []string{`["A"]`, `["A","B"]`, `["A","B","C"]`}
	if !reflect.DeepEqual(applied, want) {
		t.Errorf("applied = %v, want %v", applied, want)
	}
	if !reflect.DeepEqual(history, want) {
		t.Errorf("published = %v, want %v", history, want)
	}
	if got := string(f.store.Get(core.SliceFinancials)); got != `["A","B","C"]` {
		t.Errorf("final value = %s", got)
	}
	if f.queue.Len() != 0 || f.store.Status().PendingUpdates != 0 {
		t.Errorf("queue not drained: len=%d pending=%d", f.queue.Len(), f.store.Status().PendingUpdates)
	}
}

func TestQueue_FlushAppendOrder(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"A", "B", "C"} {
		if _, err := f.queue.EnqueueAppend(core.SliceTrips, map[string]string{"id": id}); err != nil {
			t.Fatal(err)
		}
	}
	sum, err := f.queue.FlushAll(context.Background())
	if err != nil {
		t.Fatalf("FlushAll() error = %v", err)
	}
	if sum.Applied != 3 || sum.Remaining != 0 {
		t.Errorf("FlushAll() = %+v", sum)
	}
	if got := string(f.store.Get(core.SliceTrips)); got != `[{"id":"A"},{"id":"B"},{"id":"C"}]` {
		t.Errorf("trips = %s", got)
	}
}

func TestQueue_StaleReflushIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.queue.EnqueueAppend(core.SliceTrips, map[string]string{"id": "TRIP-1"}); err != nil {
		t.Fatal(err)
	}
	stale := f.queue.Pending()

	if _, err := f.queue.FlushAll(ctx); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash that lost the queue removal: put the stale queue back.
	if err := f.local.Save(KeyPendingWrites, stale); err != nil {
		t.Fatal(err)
	}
	q2 := f.reopen(t)
	sum, err := q2.FlushAll(ctx)
	if err != nil {
		t.Fatalf("FlushAll() error = %v", err)
	}
	if sum.Skipped != 1 || sum.Applied != 0 {
		t.Errorf("FlushAll() = %+v, want one skipped", sum)
	}

	trips := f.store.Get(core.SliceTrips)
	if string(trips) != `[{"id":"TRIP-1"}]` {
		t.Errorf("trips = %s, want a single entry", trips)
	}
}

type failingTarget struct {
	*state.Store
	failOn string
}

func (f failingTarget) AppendItem(ctx context.Context, slice core.SliceName, item any, opts ...state.Option) (state.Outcome, error) {
	var rec struct{ ID string }
	json.Unmarshal(item.(json.RawMessage), &rec)
	if rec.ID == f.failOn {
		return state.Unchanged, errors.New("remote write rejected")
	}
	return f.Store.AppendItem(ctx, slice, item, opts...)
}

func TestQueue_FlushHaltsOnFailure(t *testing.T) {
	f := newFixture(t)
	q, err := Open(f.local, failingTarget{Store: f.store, failOn: "B"}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"A", "B", "C"} {
		q.EnqueueAppend(core.SliceLeads, map[string]string{"id": id})
	}

	var results int
	var flushErr error
	for _, err := range q.Flush(context.Background()) {
		if err != nil {
			flushErr = err
			break
		}
		results++
	}

	if results != 1 || flushErr == nil {
		t.Fatalf("results = %d, err = %v, want 1 then an error", results, flushErr)
	}
	pending := q.Pending()
	if len(pending) != 2 || string(pending[0].Value) != `{"id":"B"}` {
		t.Errorf("pending = %+v, want B and C still queued", pending)
	}
	if got := string(f.store.Get(core.SliceLeads)); got != `[{"id":"A"}]` {
		t.Errorf("leads = %s", got)
	}
}

func TestQueue_FlushCancelledStopsAfterInFlight(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"A", "B", "C"} {
		f.queue.EnqueueAppend(core.SliceTrips, map[string]string{"id": id})
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := 0
	for _, err := range f.queue.Flush(ctx) {
		if err != nil {
			t.Fatalf("Flush() error = %v", err)
		}
		n++
		cancel() // offline transition while the first item is in flight
	}
	if n != 1 {
		t.Errorf("flushed %d items, want 1", n)
	}
	if f.queue.Len() != 2 {
		t.Errorf("Len() = %d, want 2", f.queue.Len())
	}

	// Resumes from the same point.
	sum, err := f.queue.FlushAll(context.Background())
	if err != nil || sum.Applied != 2 {
		t.Errorf("FlushAll() = %+v, %v", sum, err)
	}
	if got := string(f.store.Get(core.SliceTrips)); got != `[{"id":"A"},{"id":"B"},{"id":"C"}]` {
		t.Errorf("trips = %s", got)
	}
}

func TestQueue_FlushEarlyBreakKeepsRest(t *testing.T) {
	f := newFixture(t)
	f.queue.Enqueue(core.SliceReports, []string{"1"})
	f.queue.Enqueue(core.SliceReports, []string{"2"})

	for range f.queue.Flush(context.Background()) {
		break
	}
	if f.queue.Len() != 1 {
		t.Errorf("Len() = %d, want 1", f.queue.Len())
	}
}

func TestQueue_ConcurrentFlushRejected(t *testing.T) {
	f := newFixture(t)
	f.queue.Enqueue(core.SliceReports, []string{"1"})
	f.queue.Enqueue(core.SliceReports, []string{"2"})

	for range f.queue.Flush(context.Background()) {
		var inner error
		for _, err := range f.queue.Flush(context.Background()) {
			inner = err
		}
		if !errors.Is(inner, ErrFlushInProgress) {
			t.Errorf("nested Flush() error = %v, want ErrFlushInProgress", inner)
		}
	}
}

func TestQueue_ReplaceLosesToLaterRemote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w, _ := f.queue.Enqueue(core.SliceLeads, []string{"offline"})
	later := state.Clock{Wall: w.Clock.Wall.Add(time.Minute), Node: "r"}
	f.store.Update(ctx, core.SliceLeads, []string{"remote"},
		state.WithOrigin(state.OriginRemote), state.WithClock(later))

	sum, err := f.queue.FlushAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Superseded != 1 || sum.Applied != 0 || sum.Remaining != 0 {
		t.Errorf("FlushAll() = %+v, want the stale replace counted as superseded", sum)
	}
	if got := string(f.store.Get(core.SliceLeads)); got != `["remote"]` {
		t.Errorf("leads = %s, want remote value kept", got)
	}
}

func TestQueue_ReplaceAfterSkewedRemoteApplies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A remote device with a fast clock wrote first.
	skewed := state.Clock{Wall: time.Now().Add(time.Hour), Node: "r"}
	f.store.Update(ctx, core.SliceAlerts, []string{"remote"},
		state.WithOrigin(state.OriginRemote), state.WithClock(skewed))
	if err := f.store.Update(ctx, core.SliceAlerts, []string{"local-online"}); err != nil {
		t.Fatal(err)
	}

	w, err := f.queue.Enqueue(core.SliceAlerts, []string{"local-offline"})
	if err != nil {
		t.Fatal(err)
	}
	if w.Clock == nil || !w.Clock.After(f.store.Clock(core.SliceAlerts)) {
		t.Fatalf("queued clock %v should order after the current %v", w.Clock, f.store.Clock(core.SliceAlerts))
	}

	sum, err := f.queue.FlushAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Applied != 1 || sum.Superseded != 0 {
		t.Errorf("FlushAll() = %+v, want the offline write applied", sum)
	}
	if got := string(f.store.Get(core.SliceAlerts)); got != `["local-offline"]` {
		t.Errorf("alerts = %s, want the offline write", got)
	}
}

func TestQueue_ReservedClockSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.queue.Enqueue(core.SliceReports, []string{"queued"}); err != nil {
		t.Fatal(err)
	}
	pending := f.queue.Pending()
	if pending[0].Clock == nil {
		t.Fatal("replace write persisted without a clock")
	}

	// Restart: a fresh store over the same durable data
	store := state.New(state.Config{Node: "test", Local: f.local})
	if err := store.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	q, err := Open(f.local, store, Options{})
	if err != nil {
		t.Fatal(err)
	}
	want := *pending[0].Clock
	if got := q.Pending()[0].Clock; got == nil || got.After(want) || want.After(*got) {
		t.Errorf("reloaded clock = %v, want %v", got, pending[0].Clock)
	}

	// A direct write made after the restart is newer than the queued one.
	if err := store.Update(ctx, core.SliceReports, []string{"direct"}); err != nil {
		t.Fatal(err)
	}
	sum, err := q.FlushAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Superseded != 1 {
		t.Errorf("FlushAll() = %+v, want the older queued write superseded", sum)
	}
	if got := string(store.Get(core.SliceReports)); got != `["direct"]` {
		t.Errorf("reports = %s, want the later direct write", got)
	}
}

func TestQueue_EnqueueTimesIncrease(t *testing.T) {
	f := newFixture(t)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.queue.now = func() time.Time { return fixed }

	a, _ := f.queue.Enqueue(core.SliceReports, []string{"a"})
	b, _ := f.queue.Enqueue(core.SliceReports, []string{"b"})
	if !b.EnqueuedAt.After(a.EnqueuedAt) {
		t.Errorf("EnqueuedAt not increasing: %v then %v", a.EnqueuedAt, b.EnqueuedAt)
	}
}

func TestQueue_MigratesLegacyTrips(t *testing.T) {
	f := newFixture(t)
	legacy := []map[string]string{{"id": "TRIP-OLD-1"}, {"id": "TRIP-OLD-2"}}
	if err := f.local.Save(KeyLegacyTrips, legacy); err != nil {
		t.Fatal(err)
	}

	q := f.reopen(t)
	pending := q.Pending()
	if len(pending) != 2 || pending[0].Op != core.OpAppend || pending[0].Slice != core.SliceTrips {
		t.Fatalf("pending = %+v, want two trip appends", pending)
	}
	if raw, _ := f.local.Get(KeyLegacyTrips); raw != nil {
		t.Errorf("legacy key not removed: %s", raw)
	}

	if _, err := q.FlushAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !f.store.ContainsItem(core.SliceTrips, "TRIP-OLD-2") {
		t.Error("legacy trip not applied")
	}
}

func TestQueue_Clear(t *testing.T) {
	f := newFixture(t)
	f.queue.Enqueue(core.SliceReports, []string{"a"})
	if err := f.queue.Clear(); err != nil {
		t.Fatal(err)
	}
	if f.reopen(t).Len() != 0 {
		t.Error("cleared queue came back after reopen")
	}
}
