package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ambulink/ambulink/internal/mirror"
)

type recorder struct {
	mu  sync.Mutex
	got []bool
}

func (r *recorder) listen(online bool) {
	r.mu.Lock()
	r.got = append(r.got, online)
	r.mu.Unlock()
}

func (r *recorder) transitions() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.got...)
}

func TestSetOnline_Transitions(t *testing.T) {
	m := New(Config{})
	rec := &recorder{}
	m.OnChange(rec.listen)

	if m.Known() || m.Online() {
		t.Fatal("new monitor should be unknown and offline")
	}

	m.SetOnline(false)
	m.SetOnline(false)
	m.SetOnline(true)
	m.SetOnline(true)
	m.SetOnline(false)

	got := rec.transitions()
	want := []bool{false, true, false}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, got[i], want[i])
		}
	}
	if m.Online() {
		t.Error("Online() = true, want false")
	}
	if m.Since().IsZero() {
		t.Error("Since() not set")
	}
}

func TestCheck_UsesRemotePing(t *testing.T) {
	remote := mirror.NewMemoryRemote()
	m := New(Config{Prober: remote})
	rec := &recorder{}
	m.OnChange(rec.listen)
	ctx := context.Background()

	if err := m.Check(ctx); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !m.Online() {
		t.Error("Online() = false after successful probe")
	}

	remote.SetAvailable(false)
	if err := m.Check(ctx); err == nil {
		t.Error("Check() error = nil while remote unavailable")
	}
	if m.Online() {
		t.Error("Online() = true after failed probe")
	}

	remote.SetAvailable(true)
	m.Check(ctx)

	got := rec.transitions()
	if len(got) != 3 || !got[0] || got[1] || !got[2] {
		t.Errorf("transitions = %v, want [true false true]", got)
	}
}

func TestCheck_Timeout(t *testing.T) {
	slow := ProberFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	m := New(Config{Prober: slow, Timeout: 10 * time.Millisecond})
	m.SetOnline(true)

	if err := m.Check(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Check() error = %v, want DeadlineExceeded", err)
	}
	if m.Online() {
		t.Error("timed-out probe should mark offline")
	}
}

func TestCheck_CancelledContextKeepsState(t *testing.T) {
	m := New(Config{Prober: ProberFunc(func(ctx context.Context) error { return ctx.Err() })})
	m.SetOnline(true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Check(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Check() error = %v, want Canceled", err)
	}
	if !m.Online() {
		t.Error("shutdown probe should not flip the state")
	}
}

func TestCheck_NoProber(t *testing.T) {
	m := New(Config{})
	if err := m.Check(context.Background()); err != nil {
		t.Errorf("Check() error = %v", err)
	}
	if m.Known() {
		t.Error("Check without prober should not set a state")
	}
}
