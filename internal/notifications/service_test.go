package notifications

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ambulink/ambulink/internal/core"
	"github.com/ambulink/ambulink/internal/storage"
)

// mockSubscriber implements Subscriber interface for testing
type mockSubscriber struct {
	id            string
	notifications []Notification
	mu            sync.Mutex
}

func newMockSubscriber(id string) *mockSubscriber {
	return &mockSubscriber{id: id}
}

func (m *mockSubscriber) Send(n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, n)
	return nil
}

func (m *mockSubscriber) ID() string {
	return m.id
}

func (m *mockSubscriber) received() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Notification, len(m.notifications))
	copy(result, m.notifications)
	return result
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// createTestService creates a notification service driven by a fake clock
func createTestService(t *testing.T) (*Service, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewService(Options{Now: clock.Now}), clock
}

func waitReceived(t *testing.T, sub *mockSubscriber, n int) []Notification {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := sub.received(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subscriber %s received %d notifications, want %d", sub.id, len(sub.received()), n)
	return nil
}

func TestNotify(t *testing.T) {
	svc, clock := createTestService(t)

	n := svc.Notify(CategorySuccess, "Trip successfully recorded!")
	if n.ID == "" {
		t.Error("expected generated ID")
	}
	if n.Category != CategorySuccess {
		t.Errorf("Category = %v, want %v", n.Category, CategorySuccess)
	}
	if got := n.ExpiresAt.Sub(n.CreatedAt); got != DefaultTTL {
		t.Errorf("TTL = %v, want %v", got, DefaultTTL)
	}
	if !n.CreatedAt.Equal(clock.Now()) {
		t.Errorf("CreatedAt = %v, want %v", n.CreatedAt, clock.Now())
	}
}

func TestNotify_UnknownCategory(t *testing.T) {
	svc, _ := createTestService(t)
	if n := svc.Notify(Category("shout"), "x"); n.Category != CategoryInfo {
		t.Errorf("Category = %v, want info", n.Category)
	}
}

func TestNotificationsExpire(t *testing.T) {
	svc, clock := createTestService(t)

	svc.Error("Failed to submit trip")
	if got := len(svc.Active()); got != 1 {
		t.Fatalf("Active() = %d, want 1", got)
	}

	clock.Advance(DefaultTTL - time.Millisecond)
	if got := len(svc.Active()); got != 1 {
		t.Errorf("Active() just before expiry = %d, want 1", got)
	}

	clock.Advance(time.Millisecond)
	if got := len(svc.Active()); got != 0 {
		t.Errorf("Active() at expiry = %d, want 0", got)
	}
	if got := len(svc.List(Filter{IncludeExpired: true})); got != 1 {
		t.Errorf("history = %d, want 1", got)
	}

	if removed := svc.Cleanup(); removed != 1 {
		t.Errorf("Cleanup() = %d, want 1", removed)
	}
	if got := len(svc.List(Filter{IncludeExpired: true})); got != 0 {
		t.Errorf("history after cleanup = %d, want 0", got)
	}
}

func TestList(t *testing.T) {
	svc, _ := createTestService(t)
	svc.Info("one")
	svc.Error("two")
	svc.Info("three")

	all := svc.List(Filter{})
	if len(all) != 3 || all[0].Message != "three" || all[2].Message != "one" {
		t.Errorf("List() order = %v, want newest first", all)
	}

	infos := svc.List(Filter{Category: CategoryInfo})
	if len(infos) != 2 {
		t.Errorf("List(info) = %d, want 2", len(infos))
	}

	if got := svc.List(Filter{Limit: 1}); len(got) != 1 || got[0].Message != "three" {
		t.Errorf("List(limit 1) = %v", got)
	}
}

func TestHistoryBounded(t *testing.T) {
	svc := NewService(Options{History: 3})
	for i := 0; i < 5; i++ {
		svc.Info(fmt.Sprintf("n%d", i))
	}
	got := svc.List(Filter{IncludeExpired: true})
	if len(got) != 3 || got[0].Message != "n4" || got[2].Message != "n2" {
		t.Errorf("history = %v", got)
	}
}

func TestDismissAndGet(t *testing.T) {
	svc, _ := createTestService(t)
	n := svc.Warning("Sync delayed")

	got, err := svc.Get(n.ID)
	if err != nil || got.Message != "Sync delayed" {
		t.Fatalf("Get() = %v, %v", got, err)
	}
	if err := svc.Dismiss(n.ID); err != nil {
		t.Fatalf("Dismiss() error = %v", err)
	}
	if len(svc.Active()) != 0 {
		t.Error("dismissed notification still active")
	}
	if err := svc.Dismiss("missing"); !errors.Is(err, core.ErrRecordNotFound) {
		t.Errorf("Dismiss(missing) error = %v, want ErrRecordNotFound", err)
	}
	if _, err := svc.Get("missing"); !errors.Is(err, core.ErrRecordNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrRecordNotFound", err)
	}
}

func TestSubscribers(t *testing.T) {
	svc, _ := createTestService(t)
	a := newMockSubscriber("a")
	b := newMockSubscriber("b")
	svc.Subscribe(a)
	svc.Subscribe(b)

	svc.Success("Export completed successfully")
	waitReceived(t, a, 1)
	waitReceived(t, b, 1)

	svc.Unsubscribe("b")
	svc.Info("second")
	waitReceived(t, a, 2)
	time.Sleep(20 * time.Millisecond)
	if got := len(b.received()); got != 1 {
		t.Errorf("unsubscribed subscriber received %d, want 1", got)
	}
}

func TestReportError(t *testing.T) {
	tests := []struct {
		err    error
		source string
	}{
		{&storage.Error{Op: "save", Key: "trips", Kind: core.ErrQuotaExceeded}, "quota_exceeded"},
		{fmt.Errorf("save: %w", core.ErrSerialization), "serialization"},
		{core.ErrCorruptData, "corrupt_data"},
		{fmt.Errorf("push trips: %w", core.ErrRemoteUnavailable), "remote_unavailable"},
		{core.ErrValidation, "validation"},
		{errors.New("disk on fire"), "storage"},
	}

	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			svc, _ := createTestService(t)
			svc.ReportError(tt.err)
			got := svc.Active()
			if len(got) != 1 {
				t.Fatalf("Active() = %d, want 1", len(got))
			}
			if got[0].Category != CategoryError {
				t.Errorf("Category = %v, want error", got[0].Category)
			}
			if got[0].Source != tt.source {
				t.Errorf("Source = %q, want %q", got[0].Source, tt.source)
			}
		})
	}

	svc, _ := createTestService(t)
	svc.ReportError(nil)
	if len(svc.Active()) != 0 {
		t.Error("ReportError(nil) created a notification")
	}
}

func TestReportError_FromLocalStore(t *testing.T) {
	svc, _ := createTestService(t)
	db, err := storage.Open(storage.Config{InMemory: true})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	local := storage.NewLocalStore(db, storage.LocalOptions{Reporter: svc})

	if err := local.Save("bad", make(chan int)); err == nil {
		t.Fatal("Save(chan) succeeded")
	}
	got := svc.Active()
	if len(got) != 1 || got[0].Source != "serialization" {
		t.Errorf("notifications = %v", got)
	}
}

type countingObserver struct {
	mu     sync.Mutex
	counts map[Category]int
}

func (o *countingObserver) ObserveNotification(c Category) {
	o.mu.Lock()
	o.counts[c]++
	o.mu.Unlock()
}

func TestStatsAndObserver(t *testing.T) {
	obs := &countingObserver{counts: map[Category]int{}}
	svc := NewService(Options{Observer: obs})
	svc.Error("a")
	svc.Error("b")
	svc.Success("c")

	stats := svc.Stats()
	if stats.Total != 3 || stats.Active != 3 {
		t.Errorf("Stats() = %+v", stats)
	}
	if stats.ByCategory[CategoryError] != 2 {
		t.Errorf("ByCategory[error] = %d, want 2", stats.ByCategory[CategoryError])
	}
	if stats.LastCreated == nil {
		t.Error("LastCreated = nil")
	}
	if obs.counts[CategoryError] != 2 || obs.counts[CategorySuccess] != 1 {
		t.Errorf("observer counts = %v", obs.counts)
	}
}
