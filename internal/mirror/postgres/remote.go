// Package postgres stores mirrored slice documents in PostgreSQL and
// delivers collection changes through LISTEN/NOTIFY.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ambulink/ambulink/internal/core"
	"github.com/ambulink/ambulink/internal/logging"
	"github.com/ambulink/ambulink/internal/mirror"
)

// Channel is the NOTIFY channel carrying the changed collection name
const Channel = "ambulink_documents"

// wall_ns holds the clock wall time in unix nanoseconds; ts keeps the
// microsecond TIMESTAMPTZ for humans and rows written before wall_ns existed.
const schema = `
CREATE TABLE IF NOT EXISTS ambulink_documents (
    id         TEXT PRIMARY KEY,
    collection TEXT NOT NULL,
    data       JSONB NOT NULL,
    ts         TIMESTAMPTZ NOT NULL,
    counter    BIGINT NOT NULL DEFAULT 0,
    node       TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
ALTER TABLE ambulink_documents ADD COLUMN IF NOT EXISTS wall_ns BIGINT;
UPDATE ambulink_documents
    SET wall_ns = (EXTRACT(EPOCH FROM ts) * 1000000)::BIGINT * 1000
    WHERE wall_ns IS NULL;
DROP INDEX IF EXISTS ambulink_documents_collection_idx;
CREATE INDEX IF NOT EXISTS ambulink_documents_latest_idx
    ON ambulink_documents (collection, wall_ns DESC, counter DESC, node COLLATE "C" DESC);
`

const selectDocuments = `SELECT id, data, wall_ns, counter, node FROM ambulink_documents WHERE collection = $1`

// Remote is a mirror.Remote backed by a pgx pool
type Remote struct {
	pool *pgxpool.Pool
	log  *logging.Logger

	mu       sync.Mutex
	watchers map[string]map[string]mirror.ChangeFunc
	listen   context.CancelFunc
	done     chan struct{}
}

// Open connects to dsn, creates the documents table and starts listening
// for change notifications.
func Open(ctx context.Context, dsn string, log *logging.Logger) (*Remote, error) {
	if dsn == "" {
		return nil, errors.New("postgres DSN required")
	}
	if log == nil {
		log = logging.Nop()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres DSN: %w", err)
	}
	cfg.MaxConns = 8
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrRemoteUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", core.ErrRemoteUnavailable, err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create documents table: %w", err)
	}

	r := &Remote{
		pool:     pool,
		log:      log.WithField("component", "postgres-remote"),
		watchers: make(map[string]map[string]mirror.ChangeFunc),
	}
	listenCtx, cancel := context.WithCancel(context.Background())
	r.listen = cancel
	r.done = make(chan struct{})
	go r.listenLoop(listenCtx)
	return r, nil
}

// Close stops listening and closes the pool
func (r *Remote) Close() {
	r.listen()
	<-r.done
	r.pool.Close()
}

// AddDocument inserts doc and notifies listeners in the same transaction
func (r *Remote) AddDocument(ctx context.Context, collection string, doc mirror.Document) (string, error) {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO ambulink_documents (id, collection, data, ts, wall_ns, counter, node)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, doc.ID, collection, []byte(doc.Data), doc.Timestamp, wallNanos(doc.Timestamp), int64(doc.Counter), doc.Node); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, Channel, collection)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("add document to %s: %w: %v", collection, core.ErrRemoteUnavailable, err)
	}
	return doc.ID, nil
}

// GetAllDocuments returns the documents of collection oldest first
func (r *Remote) GetAllDocuments(ctx context.Context, collection string) ([]mirror.Document, error) {
	rows, err := r.pool.Query(ctx, selectDocuments+`
		ORDER BY wall_ns, counter, node COLLATE "C"
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("get documents of %s: %w: %v", collection, core.ErrRemoteUnavailable, err)
	}
	defer rows.Close()

	var docs []mirror.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// LatestDocument returns the document of collection with the highest clock
func (r *Remote) LatestDocument(ctx context.Context, collection string) (mirror.Document, bool, error) {
	row := r.pool.QueryRow(ctx, selectDocuments+`
		ORDER BY wall_ns DESC, counter DESC, node COLLATE "C" DESC
		LIMIT 1
	`, collection)
	d, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return mirror.Document{}, false, nil
	}
	if err != nil {
		return mirror.Document{}, false, fmt.Errorf("latest document of %s: %w: %v", collection, core.ErrRemoteUnavailable, err)
	}
	return d, true, nil
}

func scanDocument(row pgx.Row) (mirror.Document, error) {
	var (
		d       mirror.Document
		data    []byte
		counter int64
		wall    int64
	)
	if err := row.Scan(&d.ID, &data, &wall, &counter, &d.Node); err != nil {
		return d, err
	}
	d.Data = json.RawMessage(data)
	d.Timestamp = fromWallNanos(wall)
	d.Counter = uint64(counter)
	return d, nil
}

// wallNanos maps the zero time to 0 since UnixNano is undefined for it
func wallNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromWallNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// OnCollectionChange registers fn for notifications on collection
func (r *Remote) OnCollectionChange(ctx context.Context, collection string, fn mirror.ChangeFunc) (func(), error) {
	id := uuid.NewString()
	r.mu.Lock()
	if r.watchers[collection] == nil {
		r.watchers[collection] = make(map[string]mirror.ChangeFunc)
	}
	r.watchers[collection][id] = fn
	r.mu.Unlock()

	remove := func() {
		r.mu.Lock()
		delete(r.watchers[collection], id)
		r.mu.Unlock()
	}
	stop := context.AfterFunc(ctx, remove)
	return func() {
		stop()
		remove()
	}, nil
}

// Ping checks the pool
func (r *Remote) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", core.ErrRemoteUnavailable, err)
	}
	return nil
}

// listenLoop holds one pooled connection in LISTEN and reconnects with a
// fixed backoff until ctx ends.
func (r *Remote) listenLoop(ctx context.Context) {
	defer close(r.done)
	for ctx.Err() == nil {
		if err := r.listenOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.WithError(err).Warn("listen connection lost, reconnecting")
			select {
			case <-ctx.Done():
			case <-time.After(2 * time.Second):
			}
		}
	}
}

func (r *Remote) listenOnce(ctx context.Context) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{Channel}.Sanitize()); err != nil {
		return err
	}
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		r.dispatch(ctx, n.Payload)
	}
}

// dispatch hands watchers only the newest document; Fold needs nothing older.
func (r *Remote) dispatch(ctx context.Context, collection string) {
	r.mu.Lock()
	fns := make([]mirror.ChangeFunc, 0, len(r.watchers[collection]))
	for _, fn := range r.watchers[collection] {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	if len(fns) == 0 {
		return
	}

	latest, ok, err := r.LatestDocument(ctx, collection)
	if err != nil {
		r.log.WithField("collection", collection).WithError(err).Warn("reload after notification failed")
		return
	}
	if !ok {
		return
	}
	docs := []mirror.Document{latest}
	for _, fn := range fns {
		fn(docs)
	}
}
