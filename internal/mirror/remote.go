// Package mirror replicates mirrored slices to a remote document store
// with last-writer-wins folding of remote changes.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ambulink/ambulink/internal/core"
	"github.com/ambulink/ambulink/internal/state"
)

// Document is one snapshot of a slice in a remote collection
type Document struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	Counter   uint64          `json:"counter"`
	Node      string          `json:"node"`
}

// Clock returns the write clock carried by the document
func (d Document) Clock() state.Clock {
	return state.Clock{Wall: d.Timestamp, Counter: d.Counter, Node: d.Node}
}

// NewDocument builds the document pushed for a slice write
func NewDocument(value json.RawMessage, clock state.Clock) Document {
	return Document{
		Data:      value,
		Timestamp: clock.Wall,
		Counter:   clock.Counter,
		Node:      clock.Node,
	}
}

// Latest returns the document with the greatest clock
func Latest(docs []Document) (Document, bool) {
	var best Document
	found := false
	for _, d := range docs {
		if !found || d.Clock().After(best.Clock()) {
			best = d
			found = true
		}
	}
	return best, found
}

// ChangeFunc receives the current contents of a collection. Remotes that
// implement LatestReader may pass only the newest document.
type ChangeFunc func(docs []Document)

// Remote is a replicated collection store
type Remote interface {
	AddDocument(ctx context.Context, collection string, doc Document) (string, error)
	GetAllDocuments(ctx context.Context, collection string) ([]Document, error)
	OnCollectionChange(ctx context.Context, collection string, fn ChangeFunc) (cancel func(), err error)
	Ping(ctx context.Context) error
}

// LatestReader is implemented by remotes that can return the newest document
// of a collection without loading its history.
type LatestReader interface {
	LatestDocument(ctx context.Context, collection string) (Document, bool, error)
}

// MemoryRemote is an in-process Remote. Change callbacks run synchronously
// on the writer's goroutine.
type MemoryRemote struct {
	mu          sync.Mutex
	available   bool
	collections map[string][]Document
	watchers    map[string]map[string]ChangeFunc
}

// NewMemoryRemote creates an empty, available remote
func NewMemoryRemote() *MemoryRemote {
	return &MemoryRemote{
		available:   true,
		collections: make(map[string][]Document),
		watchers:    make(map[string]map[string]ChangeFunc),
	}
}

// SetAvailable simulates the remote going down or coming back
func (m *MemoryRemote) SetAvailable(ok bool) {
	m.mu.Lock()
	m.available = ok
	m.mu.Unlock()
}

func (m *MemoryRemote) check() error {
	if !m.available {
		return core.ErrRemoteUnavailable
	}
	return nil
}

// AddDocument appends doc to collection and notifies watchers
func (m *MemoryRemote) AddDocument(ctx context.Context, collection string, doc Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	if err := m.check(); err != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("add document to %s: %w", collection, err)
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	m.collections[collection] = append(m.collections[collection], doc)
	docs := append([]Document(nil), m.collections[collection]...)
	fns := make([]ChangeFunc, 0, len(m.watchers[collection]))
	for _, fn := range m.watchers[collection] {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(docs)
	}
	return doc.ID, nil
}

// GetAllDocuments returns every document of collection in insertion order
func (m *MemoryRemote) GetAllDocuments(ctx context.Context, collection string) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, fmt.Errorf("get documents of %s: %w", collection, err)
	}
	return append([]Document(nil), m.collections[collection]...), nil
}

// OnCollectionChange registers fn until cancel is called or ctx ends
func (m *MemoryRemote) OnCollectionChange(ctx context.Context, collection string, fn ChangeFunc) (func(), error) {
	m.mu.Lock()
	if err := m.check(); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("watch %s: %w", collection, err)
	}
	id := uuid.NewString()
	if m.watchers[collection] == nil {
		m.watchers[collection] = make(map[string]ChangeFunc)
	}
	m.watchers[collection][id] = fn
	m.mu.Unlock()

	remove := func() {
		m.mu.Lock()
		delete(m.watchers[collection], id)
		m.mu.Unlock()
	}
	stop := context.AfterFunc(ctx, remove)
	return func() {
		stop()
		remove()
	}, nil
}

// Ping fails while the remote is unavailable
func (m *MemoryRemote) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check()
}
