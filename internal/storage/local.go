package storage

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ambulink/ambulink/internal/core"
	"github.com/ambulink/ambulink/internal/logging"
)

// DefaultQuotaBytes is the per-origin capacity of the local store
const DefaultQuotaBytes int64 = 5 << 20

const probeKey = "test"

// Reporter receives failures that should be surfaced to the user
type Reporter interface {
	ReportError(err error)
}

// StorageEvent describes a committed change to one key.
// NewValue is nil when the key was removed.
type StorageEvent struct {
	Key      string
	NewValue json.RawMessage
}

// Listener is called after every committed Save or Remove
type Listener func(StorageEvent)

// LocalOptions configures a LocalStore
type LocalOptions struct {
	QuotaBytes int64 // 0 means DefaultQuotaBytes, negative disables the quota
	Logger     *logging.Logger
	Reporter   Reporter
}

// LocalStore is a JSON key/value store on top of the kv table
type LocalStore struct {
	db       *DB
	quota    int64
	log      *logging.Logger
	reporter Reporter

	mu        sync.RWMutex
	listeners map[string]Listener
	order     []string
}

// NewLocalStore creates a store over an opened and migrated database
func NewLocalStore(db *DB, opts LocalOptions) *LocalStore {
	quota := opts.QuotaBytes
	if quota == 0 {
		quota = DefaultQuotaBytes
	}
	log := opts.Logger
	if log == nil {
		log = db.log
	}
	return &LocalStore{
		db:        db,
		quota:     quota,
		log:       log.WithField("component", "local-store"),
		reporter:  opts.Reporter,
		listeners: make(map[string]Listener),
	}
}

// SetReporter installs the user-facing failure reporter
func (s *LocalStore) SetReporter(r Reporter) {
	s.mu.Lock()
	s.reporter = r
	s.mu.Unlock()
}

// usageQuery counts bytes, not characters, of every stored row
const usageQuery = `SELECT COALESCE(SUM(LENGTH(CAST(key AS BLOB)) + LENGTH(CAST(value AS BLOB))), 0) FROM kv`

// Entry is one key of a SaveAll batch
type Entry struct {
	Key   string
	Value any
}

// Save serializes value to JSON and stores it under key.
// It fails with ErrSerialization or ErrQuotaExceeded without touching other keys.
func (s *LocalStore) Save(key string, value any) error {
	return s.SaveAll(Entry{Key: key, Value: value})
}

// SaveAll stores every entry in one transaction: all of them are saved or
// none is. Listeners see the entries in order once the batch commits.
func (s *LocalStore) SaveAll(entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	encoded := make([]json.RawMessage, len(entries))
	for i, e := range entries {
		data, err := encode(e.Value)
		if err != nil {
			return s.fail(serializationError("save", e.Key, err))
		}
		encoded[i] = data
	}
	last := entries[len(entries)-1].Key

	err := s.db.Transaction(func(tx *sql.Tx) error {
		for i, e := range entries {
			_, err := tx.Exec(`
				INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
				ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
			`, e.Key, string(encoded[i]))
			if err != nil {
				return err
			}
		}
		if s.quota <= 0 {
			return nil
		}
		var used int64
		if err := tx.QueryRow(usageQuery).Scan(&used); err != nil {
			return err
		}
		if used > s.quota {
			return quotaError(last, used, s.quota)
		}
		return nil
	})
	if err != nil {
		var serr *Error
		if errors.As(err, &serr) {
			return s.fail(serr)
		}
		return s.fail(&Error{Op: "save", Key: last, Err: err})
	}

	for i, e := range entries {
		s.emit(StorageEvent{Key: e.Key, NewValue: encoded[i]})
	}
	return nil
}

func encode(value any) (json.RawMessage, error) {
	switch v := value.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("invalid JSON")
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return json.Marshal(value)
	}
}

// Get returns the stored JSON for key, or nil for a missing key.
// A value that fails to decode is reported as corrupt and treated as missing.
func (s *LocalStore) Get(key string) (json.RawMessage, error) {
	var raw string
	err := s.db.conn.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail(&Error{Op: "get", Key: key, Err: err})
	}
	if !json.Valid([]byte(raw)) {
		s.fail(corruptError(key, fmt.Errorf("%d bytes of invalid JSON", len(raw))))
		return nil, nil
	}
	return json.RawMessage(raw), nil
}

// GetInto decodes the stored value into dst. It reports whether the key existed.
func (s *LocalStore) GetInto(key string, dst any) (bool, error) {
	data, err := s.Get(key)
	if err != nil || data == nil {
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		s.fail(corruptError(key, err))
		return false, nil
	}
	return true, nil
}

// Remove deletes key. Removing a missing key is not an error.
func (s *LocalStore) Remove(key string) error {
	res, err := s.db.conn.Exec(`DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return s.fail(&Error{Op: "remove", Key: key, Err: err})
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.emit(StorageEvent{Key: key})
	}
	return nil
}

// Clear deletes every key
func (s *LocalStore) Clear() error {
	keys, err := s.Keys()
	if err != nil {
		return err
	}
	if _, err := s.db.conn.Exec(`DELETE FROM kv`); err != nil {
		return s.fail(&Error{Op: "clear", Err: err})
	}
	for _, k := range keys {
		s.emit(StorageEvent{Key: k})
	}
	return nil
}

// Keys lists every stored key in order
func (s *LocalStore) Keys() ([]string, error) {
	rows, err := s.db.conn.Query(`SELECT key FROM kv ORDER BY key`)
	if err != nil {
		return nil, s.fail(&Error{Op: "keys", Err: err})
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Usage returns the bytes counted against the quota and the quota itself
func (s *LocalStore) Usage() (used, quota int64, err error) {
	err = s.db.conn.QueryRow(usageQuery).Scan(&used)
	return used, s.quota, err
}

// Initialize checks that the store is writable and seeds defaults on first use.
func (s *LocalStore) Initialize() error {
	if _, err := s.db.conn.Exec(
		`INSERT INTO kv (key, value) VALUES (?, '"test"') ON CONFLICT(key) DO NOTHING`, probeKey); err != nil {
		return s.fail(&Error{Op: "initialize", Key: probeKey, Err: err})
	}
	if _, err := s.db.conn.Exec(`DELETE FROM kv WHERE key = ?`, probeKey); err != nil {
		return s.fail(&Error{Op: "initialize", Key: probeKey, Err: err})
	}

	initialized, err := s.Get(core.KeyInitialized)
	if err != nil {
		return err
	}
	if initialized != nil {
		return nil
	}

	defaults := core.DefaultValues()
	for _, slice := range core.AllSlices() {
		if err := s.Save(string(slice), defaults[string(slice)]); err != nil {
			return fmt.Errorf("seed %s: %w", slice, err)
		}
	}
	if err := s.Save(core.KeyInitialized, true); err != nil {
		return fmt.Errorf("seed %s: %w", core.KeyInitialized, err)
	}
	s.log.Info("seeded default state")
	return nil
}

// OnChange registers a listener and returns a function that removes it
func (s *LocalStore) OnChange(fn Listener) func() {
	id := uuid.NewString()
	s.mu.Lock()
	s.listeners[id] = fn
	s.order = append(s.order, id)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
		for i, v := range s.order {
			if v == id {
				s.order = append(s.order[:i:i], s.order[i+1:]...)
				break
			}
		}
	}
}

func (s *LocalStore) emit(ev StorageEvent) {
	s.mu.RLock()
	fns := make([]Listener, 0, len(s.order))
	for _, id := range s.order {
		fns = append(fns, s.listeners[id])
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// fail logs err, hands it to the reporter and returns it
func (s *LocalStore) fail(err *Error) error {
	s.log.WithError(err).Error("storage %s failed", err.Op)
	s.mu.RLock()
	r := s.reporter
	s.mu.RUnlock()
	if r != nil {
		r.ReportError(err)
	}
	return err
}
