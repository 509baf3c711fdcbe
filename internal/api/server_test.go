package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ambulink/ambulink/internal/console"
	"github.com/ambulink/ambulink/internal/core"
	"github.com/ambulink/ambulink/internal/export"
	"github.com/ambulink/ambulink/internal/metrics"
	"github.com/ambulink/ambulink/internal/mirror"
	"github.com/ambulink/ambulink/internal/storage"
)

// testServer creates a server over a started console with an in-memory database
func testServer(t *testing.T, opts console.Options) (*Server, *console.Console) {
	t.Helper()

	db, err := storage.Open(storage.Config{InMemory: true})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}

	opts.DB = db
	c, err := console.Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("console.Open() error = %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Stop)

	srv := New(Config{Console: c})
	return srv, c
}

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func do(t *testing.T, srv *Server, method, path, body string) (*httptest.ResponseRecorder, response) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	var resp response
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, rr.Body.String())
		}
	}
	return rr, resp
}

const tripBody = `{
	"patient": {"name": "Ravi", "contact": "9800000000"},
	"locations": {"origin": {"hospital": "City Hospital"}, "destination": {"hospital": "Apollo"}},
	"staff": {"driver": "Suresh", "nursing": "Meena"},
	"financial": {"charges": 1500}
}`

func TestAPI_GetSlice(t *testing.T) {
	srv, _ := testServer(t, console.Options{})

	rr, resp := do(t, srv, "GET", "/api/v1/slices/trips", "")
	if rr.Code != http.StatusOK || !resp.Success {
		t.Fatalf("GET trips = %d %+v", rr.Code, resp)
	}
	if string(resp.Data) != "[]" {
		t.Errorf("trips = %s, want []", resp.Data)
	}

	rr, resp = do(t, srv, "GET", "/api/v1/slices/nope", "")
	if rr.Code != http.StatusNotFound || resp.Success || resp.Error == "" {
		t.Errorf("GET unknown slice = %d %+v", rr.Code, resp)
	}
}

func TestAPI_PutSlice(t *testing.T) {
	srv, c := testServer(t, console.Options{})

	tests := []struct {
		name   string
		slice  string
		body   string
		status int
	}{
		{"valid settings", "settings", `{"theme":"dark"}`, http.StatusOK},
		{"array into settings", "settings", `[1]`, http.StatusBadRequest},
		{"object into trips", "trips", `{"id":"x"}`, http.StatusBadRequest},
		{"malformed", "trips", `[`, http.StatusBadRequest},
		{"unknown slice", "bogus", `[]`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, _ := do(t, srv, "PUT", "/api/v1/slices/"+tt.slice, tt.body)
			if rr.Code != tt.status {
				t.Errorf("PUT %s = %d, want %d (%s)", tt.slice, rr.Code, tt.status, rr.Body.String())
			}
		})
	}

	if got := string(c.Store.Get(core.SliceSettings)); got != `{"theme":"dark"}` {
		t.Errorf("settings = %s, want the valid write kept", got)
	}
}

func TestAPI_CreateTrip(t *testing.T) {
	srv, c := testServer(t, console.Options{})

	rr, resp := do(t, srv, "POST", "/api/trips", tripBody)
	if rr.Code != http.StatusCreated || !resp.Success {
		t.Fatalf("POST /api/trips = %d %s", rr.Code, rr.Body.String())
	}
	var trip core.Trip
	if err := json.Unmarshal(resp.Data, &trip); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(trip.ID, "TRIP-") || trip.TripDetails.Status != core.TripScheduled {
		t.Errorf("trip = %+v", trip)
	}
	if !c.Store.ContainsItem(core.SliceTrips, trip.ID) {
		t.Error("trip not stored")
	}

	rr, resp = do(t, srv, "POST", "/api/trips", `{"patient":{"name":"x"}}`)
	if rr.Code != http.StatusBadRequest || resp.Success {
		t.Errorf("POST invalid trip = %d %+v", rr.Code, resp)
	}
}

func TestAPI_CreateLead(t *testing.T) {
	srv, _ := testServer(t, console.Options{})

	rr, resp := do(t, srv, "POST", "/api/leads", `{"name":"Anita","service":"transfer","urgency":"high","source":"website"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("POST /api/leads = %d %s", rr.Code, rr.Body.String())
	}
	var lead core.Lead
	json.Unmarshal(resp.Data, &lead)
	if lead.Metrics.ConversionProbability != 80 {
		t.Errorf("ConversionProbability = %v, want 80", lead.Metrics.ConversionProbability)
	}

	rr, _ = do(t, srv, "POST", "/api/leads", `{"name":"Anita","urgency":"extreme"}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("POST invalid lead = %d, want 400", rr.Code)
	}
}

func TestAPI_OfflineTripIsQueued(t *testing.T) {
	remote := mirror.NewMemoryRemote()
	remote.SetAvailable(false)
	srv, c := testServer(t, console.Options{
		Remote:         remote,
		ProbeInterval:  time.Hour,
		ResyncInterval: time.Hour,
		RetryInterval:  time.Hour,
	})
	deadline := time.Now().Add(5 * time.Second)
	for !c.Monitor.Known() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	rr, _ := do(t, srv, "POST", "/api/trips", tripBody)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("offline POST /api/trips = %d, want 202", rr.Code)
	}
	rr, resp := do(t, srv, "GET", "/api/v1/queue", "")
	var pending []core.PendingWrite
	json.Unmarshal(resp.Data, &pending)
	if rr.Code != http.StatusOK || len(pending) != 1 {
		t.Errorf("GET queue = %d %s", rr.Code, resp.Data)
	}

	rr, _ = do(t, srv, "POST", "/api/v1/queue/flush", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("offline flush = %d, want 503", rr.Code)
	}

	remote.SetAvailable(true)
	rr, _ = do(t, srv, "POST", "/api/v1/connectivity", `{"online":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("POST connectivity = %d", rr.Code)
	}
	deadline = time.Now().Add(5 * time.Second)
	for c.Queue.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if c.Queue.Len() != 0 {
		t.Error("queue not drained after reconnect")
	}

	rr, _ = do(t, srv, "POST", "/api/v1/connectivity", `{}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("POST connectivity without flag = %d, want 400", rr.Code)
	}
}

func TestAPI_Status(t *testing.T) {
	srv, _ := testServer(t, console.Options{Node: "desk-1"})
	rr, resp := do(t, srv, "GET", "/api/v1/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("GET status = %d", rr.Code)
	}
	var st console.Status
	json.Unmarshal(resp.Data, &st)
	if st.Node != "desk-1" || !st.Online {
		t.Errorf("status = %+v", st)
	}
}

func TestAPI_Export(t *testing.T) {
	srv, c := testServer(t, console.Options{})
	c.Store.Update(context.Background(), core.SliceLeads, json.RawMessage(`[{"id":"LEAD-1","status":"new"},{"id":"LEAD-2","status":"lost"}]`))

	rr, _ := do(t, srv, "GET", "/api/v1/export/leads?format=csv&status=new", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("export = %d %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Content-Type = %s", ct)
	}
	if !strings.Contains(rr.Header().Get("Content-Disposition"), "leads-export.csv") {
		t.Errorf("Content-Disposition = %s", rr.Header().Get("Content-Disposition"))
	}
	if got := rr.Body.String(); got != "id,status\nLEAD-1,new\n" {
		t.Errorf("csv = %q", got)
	}

	rr, _ = do(t, srv, "GET", "/api/v1/export/leads?format=pdf", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("pdf export = %d, want 400", rr.Code)
	}
	rr, _ = do(t, srv, "GET", "/api/v1/export/leads?from=yesterday", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad date = %d, want 400", rr.Code)
	}
}

func TestAPI_ArchiveAndImport(t *testing.T) {
	srv, c := testServer(t, console.Options{Archive: export.FileSink{Root: t.TempDir()}})

	rr, resp := do(t, srv, "POST", "/api/v1/export/settings/archive", "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("archive = %d %s", rr.Code, rr.Body.String())
	}
	var loc map[string]string
	json.Unmarshal(resp.Data, &loc)
	if !strings.Contains(loc["location"], "exports") {
		t.Errorf("location = %v", loc)
	}

	req := httptest.NewRequest("POST", "/api/v1/import/trips?format=csv", bytes.NewBufferString("id,charges\nTRIP-9,700\n"))
	rw := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("import = %d %s", rw.Code, rw.Body.String())
	}
	if got := string(c.Store.Get(core.SliceTrips)); got != `[{"charges":700,"id":"TRIP-9"}]` {
		t.Errorf("trips after import = %s", got)
	}
}

func TestAPI_Notifications(t *testing.T) {
	srv, c := testServer(t, console.Options{})
	n := c.Notices.Error("Failed to track ambulance")

	rr, resp := do(t, srv, "GET", "/api/v1/notifications?category=error", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("GET notifications = %d", rr.Code)
	}
	var list struct {
		Count int `json:"count"`
	}
	json.Unmarshal(resp.Data, &list)
	if list.Count != 1 {
		t.Errorf("count = %d, want 1", list.Count)
	}

	rr, _ = do(t, srv, "POST", "/api/v1/notifications/"+n.ID+"/dismiss", "")
	if rr.Code != http.StatusOK {
		t.Errorf("dismiss = %d", rr.Code)
	}
	rr, _ = do(t, srv, "POST", "/api/v1/notifications/missing/dismiss", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("dismiss missing = %d, want 404", rr.Code)
	}
	rr, _ = do(t, srv, "GET", "/api/v1/notifications/stats", "")
	if rr.Code != http.StatusOK {
		t.Errorf("stats = %d", rr.Code)
	}
}

func TestAPI_Metrics(t *testing.T) {
	srv, _ := testServer(t, console.Options{Metrics: metrics.New()})
	do(t, srv, "PUT", "/api/v1/slices/settings", `{"theme":"dark"}`)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `ambulink_state_writes_total{origin="local",outcome="applied",slice="settings"} 1`) {
		t.Errorf("metrics missing settings write:\n%s", rr.Body.String())
	}
}

func TestAPI_WebSocketStream(t *testing.T) {
	srv, c := testServer(t, console.Options{})
	srv.Stream().Start()
	t.Cleanup(srv.Stream().Stop)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial /ws: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ev Event
	if err := conn.ReadJSON(&ev); err != nil || ev.Type != EventStatus {
		t.Fatalf("first event = %+v, %v; want status greeting", ev, err)
	}

	if err := c.Store.Update(context.Background(), core.SliceSettings, json.RawMessage(`{"theme":"dark"}`)); err != nil {
		t.Fatal(err)
	}
	for {
		var raw struct {
			Type  string          `json:"type"`
			Slice string          `json:"slice"`
			Data  json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&raw); err != nil {
			t.Fatalf("read: %v", err)
		}
		if raw.Type == EventSlice {
			if raw.Slice != "settings" || string(raw.Data) != `{"theme":"dark"}` {
				t.Errorf("slice event = %+v", raw)
			}
			break
		}
	}
	if srv.Stream().ClientCount() != 1 {
		t.Errorf("ClientCount() = %d, want 1", srv.Stream().ClientCount())
	}
}
