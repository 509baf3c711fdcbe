// Package console assembles the state, persistence and sync components into
// one running dispatch console and exposes the operations the HTTP and CLI
// surfaces call.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ambulink/ambulink/internal/connectivity"
	"github.com/ambulink/ambulink/internal/core"
	"github.com/ambulink/ambulink/internal/export"
	"github.com/ambulink/ambulink/internal/logging"
	"github.com/ambulink/ambulink/internal/metrics"
	"github.com/ambulink/ambulink/internal/mirror"
	"github.com/ambulink/ambulink/internal/notifications"
	"github.com/ambulink/ambulink/internal/queue"
	"github.com/ambulink/ambulink/internal/scheduler"
	"github.com/ambulink/ambulink/internal/state"
	"github.com/ambulink/ambulink/internal/storage"
	"github.com/ambulink/ambulink/internal/tabs"
)

// Scheduler task IDs
const (
	TaskProbe   = "connectivity-probe"
	TaskResync  = "mirror-resync"
	TaskRetry   = "queue-retry"
	TaskCleanup = "notifications-cleanup"
)

// Options configures a Console
type Options struct {
	Node       string
	DB         *storage.DB
	QuotaBytes int64

	// Remote is the mirror backend. Without one the console runs local-only
	// and is always online.
	Remote       mirror.Remote
	MirrorSlices []core.SliceName
	PushTimeout  time.Duration

	// TabsURL is the cross-process hub to join, empty to run alone.
	TabsURL string

	ProbeInterval  time.Duration // default 15s
	ResyncInterval time.Duration // default 5m
	RetryInterval  time.Duration // default 30s

	Archive export.Sink
	Metrics *metrics.Metrics
	Logger  *logging.Logger
}

// Console is a running dispatch console
type Console struct {
	Local     *storage.LocalStore
	Store     *state.Store
	Queue     *queue.Queue
	Mirror    *mirror.Sync // nil without a remote
	Monitor   *connectivity.Monitor
	Notices   *notifications.Service
	Scheduler *scheduler.Scheduler
	Exporter  *export.Exporter
	Metrics   *metrics.Metrics

	log  *logging.Logger
	tabs *tabs.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	flushMu     sync.Mutex
	flushCancel context.CancelFunc
}

// Open builds every component, hydrates state from the local database and
// loads the offline queue. Call Start to begin syncing.
func Open(ctx context.Context, opts Options) (*Console, error) {
	if opts.DB == nil {
		return nil, errors.New("console: database required")
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 15 * time.Second
	}
	if opts.ResyncInterval <= 0 {
		opts.ResyncInterval = 5 * time.Minute
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 30 * time.Second
	}

	m := opts.Metrics
	notices := notifications.NewService(notifications.Options{Logger: log, Observer: observerOrNil(m)})

	local := storage.NewLocalStore(opts.DB, storage.LocalOptions{
		QuotaBytes: opts.QuotaBytes,
		Logger:     log,
		Reporter:   notices,
	})
	store := state.New(state.Config{Node: opts.Node, Local: local, Logger: log})
	if m != nil {
		store.SetObserver(m)
		store.OnStatusChange(m.ObserveStatus)
	}
	if err := store.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize state: %w", err)
	}

	qopts := queue.Options{Logger: log}
	if m != nil {
		qopts.Observer = m
	}
	q, err := queue.Open(local, store, qopts)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}

	c := &Console{
		Local:     local,
		Store:     store,
		Queue:     q,
		Notices:   notices,
		Scheduler: scheduler.New(scheduler.Config{Logger: log}),
		Exporter:  export.New(store, opts.Archive, log),
		Metrics:   m,
		log:       log.WithField("component", "console"),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	var prober connectivity.Prober
	if opts.Remote != nil {
		mopts := mirror.Options{
			Slices:      opts.MirrorSlices,
			PushTimeout: opts.PushTimeout,
			Logger:      log,
			Reporter:    notices,
		}
		if m != nil {
			mopts.Observer = m
		}
		c.Mirror = mirror.New(opts.Remote, store, mopts)
		prober = opts.Remote
	}
	c.Monitor = connectivity.New(connectivity.Config{Prober: prober, Logger: log})
	c.Monitor.OnChange(c.onConnectivity)

	if opts.TabsURL != "" {
		c.tabs = tabs.NewClient(tabs.ClientConfig{URL: opts.TabsURL, Origin: store.Node(), Logger: log}, nil)
	}

	if err := c.registerTasks(opts); err != nil {
		return nil, err
	}
	return c, nil
}

func observerOrNil(m *metrics.Metrics) notifications.Observer {
	if m == nil {
		return nil
	}
	return m
}

func (c *Console) registerTasks(opts Options) error {
	tasks := []*scheduler.Task{
		scheduler.IntervalTask(TaskRetry, "Replay queued writes", opts.RetryInterval, func(ctx context.Context) error {
			if !c.Monitor.Online() || c.Queue.Len() == 0 {
				return nil
			}
			_, err := c.FlushQueue(ctx)
			if errors.Is(err, queue.ErrFlushInProgress) {
				return nil
			}
			return err
		}),
		scheduler.IntervalTask(TaskCleanup, "Drop expired notifications", notifications.DefaultTTL, func(ctx context.Context) error {
			c.Notices.Cleanup()
			return nil
		}),
	}
	if c.Mirror != nil {
		probe := scheduler.IntervalTask(TaskProbe, "Probe remote mirror", opts.ProbeInterval, func(ctx context.Context) error {
			c.Monitor.Check(ctx)
			return nil
		})
		probe.Immediate = true
		tasks = append(tasks,
			probe,
			scheduler.IntervalTask(TaskResync, "Resync mirrored slices", opts.ResyncInterval, func(ctx context.Context) error {
				if !c.Monitor.Online() {
					return nil
				}
				return c.Mirror.Resync(ctx)
			}),
		)
	}
	for _, t := range tasks {
		if err := c.Scheduler.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Start joins the tab hub, begins connectivity probing and the periodic
// tasks. Without a remote the console goes online immediately.
func (c *Console) Start() error {
	if c.tabs != nil {
		detach := tabs.Bridge(c.tabs, c.Local, c.Store.Bus())
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer detach()
			c.tabs.Run(c.ctx)
		}()
	}
	if c.Mirror == nil {
		c.Monitor.SetOnline(true)
	}
	return c.Scheduler.Start()
}

// Stop halts background work and waits for it to finish
func (c *Console) Stop() {
	c.Scheduler.Stop()
	c.cancelFlush()
	c.cancel()
	if c.Mirror != nil {
		c.Mirror.Stop()
	}
	c.wg.Wait()
}

// onConnectivity applies an online/offline transition to the console.
func (c *Console) onConnectivity(online bool) {
	if c.ctx.Err() != nil {
		return
	}
	c.Store.SetOnline(online)
	if !online {
		c.cancelFlush()
		c.Notices.Warning("You are offline. Changes will be saved and synced when the connection returns.")
		return
	}

	if c.Mirror != nil {
		c.Notices.Info("Connection restored. Syncing pending changes.")
	}
	ctx := c.beginFlush()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.endFlush(ctx)
		sum, err := c.Queue.FlushAll(ctx)
		if err != nil && !errors.Is(err, queue.ErrFlushInProgress) {
			c.log.WithError(err).Warn("queue flush stopped")
			return
		}
		c.reportFlush(sum)
		if c.Mirror != nil && ctx.Err() == nil {
			c.Mirror.Resync(ctx)
		}
	}()
}

// reportFlush tells the user what a flush did, including queued changes
// that lost to newer data from elsewhere.
func (c *Console) reportFlush(sum queue.Summary) {
	if sum.Applied > 0 {
		c.Notices.Success(fmt.Sprintf("Synced %d offline changes.", sum.Applied))
	}
	if sum.Superseded > 0 {
		c.Notices.Warning(fmt.Sprintf("%d offline changes were replaced by newer updates from another console.", sum.Superseded))
	}
}

func (c *Console) beginFlush() context.Context {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	if c.flushCancel != nil {
		c.flushCancel()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.flushCancel = cancel
	return ctx
}

func (c *Console) endFlush(ctx context.Context) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	if c.flushCancel != nil && ctx.Err() == nil {
		c.flushCancel()
		c.flushCancel = nil
	}
}

func (c *Console) cancelFlush() {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	if c.flushCancel != nil {
		c.flushCancel()
		c.flushCancel = nil
	}
}

// Online reports whether writes currently go straight to state
func (c *Console) Online() bool { return c.Monitor.Online() }

// SetOnline forwards a manual connectivity signal
func (c *Console) SetOnline(online bool) { c.Monitor.SetOnline(online) }

// WriteResult says where a write went
type WriteResult struct {
	Queued bool               `json:"queued"`
	Write  *core.PendingWrite `json:"write,omitempty"`
}

// queueWrites reports whether writes to slice must wait for connectivity.
func (c *Console) queueWrites(slice core.SliceName) bool {
	return c.Mirror != nil && !c.Monitor.Online() && c.Store.IsMirrored(slice)
}

// Get returns the current value of a slice
func (c *Console) Get(slice core.SliceName) (json.RawMessage, error) {
	if !slice.Known() {
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownSlice, slice)
	}
	return c.Store.Get(slice), nil
}

// Update replaces a slice. Mirrored slices are queued while offline.
func (c *Console) Update(ctx context.Context, slice core.SliceName, value any) (WriteResult, error) {
	if !slice.Known() {
		return WriteResult{}, fmt.Errorf("%w: %q", core.ErrUnknownSlice, slice)
	}
	if c.queueWrites(slice) {
		w, err := c.Queue.Enqueue(slice, value)
		if err != nil {
			return WriteResult{}, err
		}
		return WriteResult{Queued: true, Write: &w}, nil
	}
	return WriteResult{}, c.Store.Update(ctx, slice, value)
}

// RecordTrip validates and stores a new trip, or queues it while offline.
func (c *Console) RecordTrip(ctx context.Context, trip core.Trip) (core.Trip, WriteResult, error) {
	if err := trip.Validate(); err != nil {
		return trip, WriteResult{}, err
	}
	if trip.ID == "" {
		trip = core.NewTrip(trip, time.Now())
	}
	if c.queueWrites(core.SliceTrips) {
		w, err := c.Queue.EnqueueAppend(core.SliceTrips, trip)
		if err != nil {
			c.Notices.Error("Failed to submit trip")
			return trip, WriteResult{}, err
		}
		c.Notices.Info("Trip saved offline. It will sync when the connection returns.")
		return trip, WriteResult{Queued: true, Write: &w}, nil
	}
	if err := c.Store.AppendTrip(ctx, trip); err != nil {
		c.Notices.Error("Failed to submit trip")
		return trip, WriteResult{}, err
	}
	c.Notices.Success("Trip successfully recorded!")
	return trip, WriteResult{}, nil
}

// RecordLead stores a new lead, or queues it while offline.
func (c *Console) RecordLead(ctx context.Context, details core.LeadDetails) (core.Lead, WriteResult, error) {
	if err := details.Validate(); err != nil {
		return core.Lead{}, WriteResult{}, err
	}
	lead := core.NewLead(details, time.Now())
	if c.queueWrites(core.SliceLeads) {
		w, err := c.Queue.EnqueueAppend(core.SliceLeads, lead)
		if err != nil {
			return lead, WriteResult{}, err
		}
		return lead, WriteResult{Queued: true, Write: &w}, nil
	}
	if err := c.Store.AppendLead(ctx, lead); err != nil {
		return lead, WriteResult{}, err
	}
	c.Notices.Success("Lead created")
	return lead, WriteResult{}, nil
}

// FlushQueue replays queued writes now. It fails while offline.
func (c *Console) FlushQueue(ctx context.Context) (queue.Summary, error) {
	if c.Mirror != nil && !c.Monitor.Online() {
		return queue.Summary{Remaining: c.Queue.Len()}, fmt.Errorf("flush queue: %w", core.ErrRemoteUnavailable)
	}
	sum, err := c.Queue.FlushAll(ctx)
	c.reportFlush(sum)
	return sum, err
}

// Status is the console-wide status snapshot
type Status struct {
	core.SystemStatus
	Node       string               `json:"node"`
	Mirrored   []core.SliceName     `json:"mirrored,omitempty"`
	TabsJoined bool                 `json:"tabs_joined"`
	UsedBytes  int64                `json:"used_bytes"`
	QuotaBytes int64                `json:"quota_bytes"`
	Tasks      []scheduler.TaskInfo `json:"tasks"`
}

// Status reports connectivity, queue and storage usage
func (c *Console) Status() Status {
	st := Status{
		SystemStatus: c.Store.Status(),
		Node:         c.Store.Node(),
		Tasks:        c.Scheduler.ListTasks(),
	}
	if c.Mirror != nil {
		st.Mirrored = c.Mirror.Slices()
	}
	if c.tabs != nil {
		st.TabsJoined = c.tabs.Connected()
	}
	if used, quota, err := c.Local.Usage(); err == nil {
		st.UsedBytes, st.QuotaBytes = used, quota
	}
	return st
}
