package tabs

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ambulink/ambulink/internal/core"
	"github.com/ambulink/ambulink/internal/state"
	"github.com/ambulink/ambulink/internal/storage"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(HubConfig{})
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Stop()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func runClient(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case <-c.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("client never connected")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHub_RelaysToOtherProcesses(t *testing.T) {
	hub, url := startHub(t)

	var mu sync.Mutex
	received := map[string][]Frame{}
	newClient := func(origin string) *Client {
		return NewClient(ClientConfig{URL: url, Origin: origin}, func(f Frame) {
			mu.Lock()
			received[origin] = append(received[origin], f)
			mu.Unlock()
		})
	}

	a, b, c := newClient("a"), newClient("b"), newClient("c")
	for _, cl := range []*Client{a, b, c} {
		runClient(t, cl)
	}
	waitFor(t, "three peers", func() bool { return hub.PeerCount() == 3 })

	if err := a.Send(Frame{Key: "settings", NewValue: json.RawMessage(`{"theme":"dark"}`)}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	waitFor(t, "b and c to receive", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received["b"]) == 1 && len(received["c"]) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if len(received["a"]) != 0 {
		t.Errorf("sender received its own frame: %+v", received["a"])
	}
	f := received["b"][0]
	if f.Key != "settings" || f.Origin != "a" || string(f.NewValue) != `{"theme":"dark"}` {
		t.Errorf("frame = %+v", f)
	}
}

func TestClient_SendWhileDisconnected(t *testing.T) {
	c := NewClient(ClientConfig{URL: "ws://127.0.0.1:1/tabs", Origin: "x"}, nil)
	if err := c.Send(Frame{Key: "trips"}); err != ErrNotConnected {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
	if c.Connected() {
		t.Error("Connected() = true before Run")
	}
}

func TestBridge_CrossProcessSettings(t *testing.T) {
	_, url := startHub(t)
	path := filepath.Join(t.TempDir(), "shared.db")

	type process struct {
		local *storage.LocalStore
		store *state.Store
		tabs  *Client
	}
	open := func(node string) *process {
		db, err := storage.Open(storage.Config{Path: path})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { db.Close() })
		if err := db.Migrate(); err != nil {
			t.Fatal(err)
		}
		local := storage.NewLocalStore(db, storage.LocalOptions{})
		st := state.New(state.Config{Node: node, Local: local})
		if err := st.Initialize(context.Background()); err != nil {
			t.Fatal(err)
		}
		client := NewClient(ClientConfig{URL: url, Origin: node}, nil)
		detach := Bridge(client, local, st.Bus())
		t.Cleanup(detach)
		runClient(t, client)
		return &process{local: local, store: st, tabs: client}
	}

	a := open("tab-a")
	b := open("tab-b")

	var mu sync.Mutex
	var calls []string
	b.store.Bus().Subscribe(core.SliceSettings, func(_ core.SliceName, v json.RawMessage) error {
		mu.Lock()
		calls = append(calls, string(v))
		mu.Unlock()
		return nil
	})

	if err := a.store.Update(context.Background(), core.SliceSettings, map[string]string{"theme": "dark"}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "tab B to see the change", func() bool {
		return string(b.store.Get(core.SliceSettings)) == `{"theme":"dark"}`
	})
	// Give any duplicate delivery a chance to show up.
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 {
		t.Errorf("tab B handlers ran %d times, want exactly once: %v", len(calls), calls)
	}
	if got := string(a.store.Get(core.SliceSettings)); got != `{"theme":"dark"}` {
		t.Errorf("tab A settings = %s", got)
	}
}
