package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ambulink/ambulink/internal/core"
	"github.com/ambulink/ambulink/internal/mirror"
	"github.com/ambulink/ambulink/internal/notifications"
	"github.com/ambulink/ambulink/internal/queue"
	"github.com/ambulink/ambulink/internal/state"
)

// Compile-time checks that Metrics plugs into every observer hook.
var (
	_ state.Observer         = (*Metrics)(nil)
	_ queue.Observer         = (*Metrics)(nil)
	_ mirror.Observer        = (*Metrics)(nil)
	_ notifications.Observer = (*Metrics)(nil)
	_ state.StatusListener   = (*Metrics)(nil).ObserveStatus
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	return string(body)
}

func TestMetrics_Exposition(t *testing.T) {
	m := New()
	m.ObserveWrite(core.SliceTrips, state.OriginLocal, state.Applied, nil)
	m.ObserveWrite(core.SliceTrips, state.OriginLocal, state.Applied, nil)
	m.ObserveWrite(core.SliceSettings, state.OriginRemote, state.Superseded, nil)
	m.ObserveWrite(core.SliceLeads, state.OriginLocal, state.Applied, core.ErrValidation)
	m.ObserveFlush(state.Applied, nil)
	m.ObservePush(core.SliceTrips, errors.New("down"))
	m.ObserveFold(core.SliceAmbulances, state.Applied)
	m.ObserveNotification(notifications.CategoryError)
	synced := time.Unix(1700000000, 0)
	m.ObserveStatus(core.SystemStatus{Online: true, PendingUpdates: 3, LastSync: &synced})

	body := scrape(t, m)
	for _, want := range []string{
		`ambulink_state_writes_total{origin="local",outcome="applied",slice="trips"} 2`,
		`ambulink_state_writes_total{origin="remote",outcome="superseded",slice="settings"} 1`,
		`ambulink_state_writes_total{origin="local",outcome="error",slice="leads"} 1`,
		`ambulink_queue_flushed_total{outcome="applied"} 1`,
		`ambulink_mirror_pushes_total{result="error",slice="trips"} 1`,
		`ambulink_mirror_folds_total{outcome="applied",slice="ambulances"} 1`,
		`ambulink_notifications_total{category="error"} 1`,
		`ambulink_queue_depth 3`,
		`ambulink_online 1`,
		`ambulink_mirror_last_sync_timestamp_seconds 1.7e+09`,
		`go_goroutines`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}

	m.ObserveStatus(core.SystemStatus{})
	if body := scrape(t, m); !strings.Contains(body, "ambulink_online 0") {
		t.Error("online gauge not reset")
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveWrite(core.SliceTrips, state.OriginLocal, state.Applied, nil)
	m.ObserveFlush(state.Applied, nil)
	m.ObservePush(core.SliceTrips, nil)
	m.ObserveFold(core.SliceTrips, state.Applied)
	m.ObserveNotification(notifications.CategoryInfo)
	m.ObserveStatus(core.SystemStatus{Online: true})
	if m.Registry() != nil {
		t.Error("nil Metrics returned a registry")
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("nil handler status = %d, want 404", rec.Code)
	}
}
