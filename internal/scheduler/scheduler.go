// Package scheduler runs the console's periodic background tasks: remote
// resync, connectivity probes and queue retries.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ambulink/ambulink/internal/logging"
)

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrAlreadyStarted = errors.New("scheduler already started")
	ErrInvalidTask    = errors.New("invalid task")
)

// TaskHandler is the function executed for a task
type TaskHandler func(ctx context.Context) error

// Task is a handler run on a fixed interval
type Task struct {
	ID       string
	Name     string
	Interval time.Duration
	// Immediate runs the task once as soon as it starts.
	Immediate bool
	Timeout   time.Duration
	Handler   TaskHandler

	enabled  bool
	busy     atomic.Bool
	lastRun  time.Time
	nextRun  time.Time
	runs     int64
	errors   int64
	skipped  int64
	lastErr  string
	interval time.Duration
}

// IntervalTask creates a task that runs at a fixed interval
func IntervalTask(id, name string, interval time.Duration, handler TaskHandler) *Task {
	return &Task{ID: id, Name: name, Interval: interval, Handler: handler}
}

// TaskInfo is a point-in-time view of a task
type TaskInfo struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Interval   time.Duration `json:"interval"`
	Enabled    bool          `json:"enabled"`
	LastRun    *time.Time    `json:"last_run,omitempty"`
	NextRun    *time.Time    `json:"next_run,omitempty"`
	RunCount   int64         `json:"run_count"`
	ErrorCount int64         `json:"error_count"`
	Skipped    int64         `json:"skipped"`
	LastError  string        `json:"last_error,omitempty"`
}

// Stats contains scheduler statistics
type Stats struct {
	Started      bool  `json:"started"`
	TotalTasks   int   `json:"total_tasks"`
	EnabledTasks int   `json:"enabled_tasks"`
	RunningTasks int   `json:"running_tasks"`
	TotalRuns    int64 `json:"total_runs"`
	TotalErrors  int64 `json:"total_errors"`
}

// Config configures the scheduler
type Config struct {
	DefaultTimeout time.Duration // per-run timeout when a task sets none, default 1m
	Logger         *logging.Logger
}

// Scheduler manages scheduled tasks
type Scheduler struct {
	log            *logging.Logger
	defaultTimeout time.Duration

	mu      sync.RWMutex
	tasks   map[string]*Task
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New creates a new scheduler
func New(cfg Config) *Scheduler {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		log:            cfg.Logger.WithField("component", "scheduler"),
		defaultTimeout: cfg.DefaultTimeout,
		tasks:          make(map[string]*Task),
		running:        make(map[string]context.CancelFunc),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Register adds a task to the scheduler. Registering an existing ID
// replaces the previous task.
func (s *Scheduler) Register(task *Task) error {
	if task.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidTask)
	}
	if task.Handler == nil {
		return fmt.Errorf("%w: %s: handler is required", ErrInvalidTask, task.ID)
	}
	if task.Interval <= 0 {
		return fmt.Errorf("%w: %s: interval must be positive", ErrInvalidTask, task.ID)
	}
	if task.Timeout <= 0 {
		task.Timeout = s.defaultTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cancel, ok := s.running[task.ID]; ok {
		cancel()
		delete(s.running, task.ID)
	}
	task.enabled = true
	task.interval = task.Interval
	s.tasks[task.ID] = task
	if s.started {
		s.startTask(task)
	}
	return nil
}

// Unregister removes a task from the scheduler
func (s *Scheduler) Unregister(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[taskID]; !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if cancel, ok := s.running[taskID]; ok {
		cancel()
		delete(s.running, taskID)
	}
	delete(s.tasks, taskID)
	return nil
}

// Enable enables a task
func (s *Scheduler) Enable(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	task.enabled = true
	if _, running := s.running[taskID]; s.started && !running {
		s.startTask(task)
	}
	return nil
}

// Disable disables a task
func (s *Scheduler) Disable(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	task.enabled = false
	task.nextRun = time.Time{}
	if cancel, ok := s.running[taskID]; ok {
		cancel()
		delete(s.running, taskID)
	}
	return nil
}

// Start starts every enabled task
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	for _, task := range s.tasks {
		if task.enabled {
			s.startTask(task)
		}
	}
	s.log.Info("scheduler started with %d tasks", len(s.tasks))
	return nil
}

// Stop cancels every task and waits for in-flight runs to return. The
// scheduler can be started again afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = make(map[string]context.CancelFunc)
	s.started = false
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

// startTask starts a single task's loop. Caller holds s.mu.
func (s *Scheduler) startTask(task *Task) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.running[task.ID] = cancel

	s.wg.Add(1)
	go s.runTaskLoop(ctx, task)
}

func (s *Scheduler) runTaskLoop(ctx context.Context, task *Task) {
	defer s.wg.Done()

	ticker := time.NewTicker(task.interval)
	defer ticker.Stop()

	s.mu.Lock()
	task.nextRun = time.Now().Add(task.interval)
	s.mu.Unlock()

	if task.Immediate {
		s.executeTask(ctx, task)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.executeTask(ctx, task)
		}
	}
}

// executeTask runs the handler once unless a previous run is still going.
func (s *Scheduler) executeTask(ctx context.Context, task *Task) {
	if !task.busy.CompareAndSwap(false, true) {
		s.mu.Lock()
		task.skipped++
		s.mu.Unlock()
		return
	}
	defer task.busy.Store(false)

	execCtx, cancel := context.WithTimeout(ctx, task.Timeout)
	defer cancel()

	start := time.Now()
	err := s.safeRun(execCtx, task)

	s.mu.Lock()
	task.lastRun = start
	task.nextRun = time.Now().Add(task.interval)
	task.runs++
	if err != nil {
		task.errors++
		task.lastErr = err.Error()
	} else {
		task.lastErr = ""
	}
	s.mu.Unlock()

	log := s.log.WithField("task", task.ID).WithField("took", time.Since(start).Round(time.Millisecond))
	if err != nil && ctx.Err() == nil {
		log.WithError(err).Warn("task failed")
		return
	}
	log.Debug("task finished")
}

func (s *Scheduler) safeRun(ctx context.Context, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
	}()
	return task.Handler(ctx)
}

// RunNow executes a task immediately and waits for it to finish
func (s *Scheduler) RunNow(ctx context.Context, taskID string) error {
	s.mu.RLock()
	task, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	s.executeTask(ctx, task)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if task.lastErr != "" {
		return errors.New(task.lastErr)
	}
	return nil
}

// Task returns a snapshot of one task
func (s *Scheduler) Task(taskID string) (TaskInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return TaskInfo{}, false
	}
	return task.info(), true
}

// ListTasks returns all tasks ordered by ID
func (s *Scheduler) ListTasks() []TaskInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TaskInfo, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns scheduler statistics
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Started:      s.started,
		TotalTasks:   len(s.tasks),
		RunningTasks: len(s.running),
	}
	for _, task := range s.tasks {
		if task.enabled {
			stats.EnabledTasks++
		}
		stats.TotalRuns += task.runs
		stats.TotalErrors += task.errors
	}
	return stats
}

func (t *Task) info() TaskInfo {
	info := TaskInfo{
		ID:         t.ID,
		Name:       t.Name,
		Interval:   t.interval,
		Enabled:    t.enabled,
		RunCount:   t.runs,
		ErrorCount: t.errors,
		Skipped:    t.skipped,
		LastError:  t.lastErr,
	}
	if !t.lastRun.IsZero() {
		last := t.lastRun
		info.LastRun = &last
	}
	if !t.nextRun.IsZero() {
		next := t.nextRun
		info.NextRun = &next
	}
	return info
}
