// Package controller implements the Task Controller (C7): the one place
// that owns a scan task's lifecycle, binding together the Scan Planner,
// Worker Pool, Subtile Cache, live Bus, and Snapshot Renderer for every
// task the service is running.
//
// Grounded on the corpus's mutex-guarded current-run-plus-registry shape
// (internal/lidar/analysis_run_manager.go's AnalysisRunManager),
// generalized from "one current run per sensor" to "N concurrent tasks
// per service", and on sweep/runner.go's SweepStatus/
// ErrSweepAlreadyRunning sentinel-error idiom for state transitions.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/recursive-emergence/terrascan/internal/bus"
	"github.com/recursive-emergence/terrascan/internal/cache"
	"github.com/recursive-emergence/terrascan/internal/executor"
	"github.com/recursive-emergence/terrascan/internal/geo"
	"github.com/recursive-emergence/terrascan/internal/monitoring"
	"github.com/recursive-emergence/terrascan/internal/sampler"
	"github.com/recursive-emergence/terrascan/internal/schedule"
	"github.com/recursive-emergence/terrascan/internal/snapshot"
	"github.com/recursive-emergence/terrascan/internal/timeutil"
)

// Sentinel errors mirror the teacher's ErrSweepAlreadyRunning idiom: a
// named, comparable error per illegal transition rather than an opaque
// wrapped string.
var (
	ErrTaskNotFound    = fmt.Errorf("controller: task not found")
	ErrAlreadyRunning  = fmt.Errorf("controller: task already running")
	ErrNotRunning      = fmt.Errorf("controller: task not running")
	ErrNotPaused       = fmt.Errorf("controller: task not paused")
	ErrAlreadyTerminal = fmt.Errorf("controller: task already in a terminal state")
	ErrBusGone         = fmt.Errorf("controller: task has no live bus")
)

var logf = monitoring.Component("controller")

// Params describes a new task. Workers overrides the service's default
// pool size for this task alone (spec §4.7: create(region, levels, W)).
type Params struct {
	Region  geo.Region
	Grid    geo.Grid
	Levels  int
	Workers int
}

// taskHandle is the controller's in-memory view of one task, distinct
// from cache.Task (the durable, replicable record): it carries the live
// collaborators (bus, pool, cancel func) a durable record can't.
type taskHandle struct {
	mu      sync.Mutex
	task    cache.Task
	sched   *schedule.Schedule
	execCfg executor.Config
	pool    *executor.Pool
	bus     *bus.Bus
	cancel  context.CancelFunc
}

// Registry is the subset of internal/registry.SQLRegistry the controller
// needs: a place to mirror task state for ad-hoc querying. Nil by
// default — wire one in with SetRegistry once cmd/terrascan opens it.
type Registry interface {
	Upsert(cache.Task) error
}

// Service owns every task the process is currently aware of. One Service
// per process (spec §9: no package-level singletons); cmd/terrascan's
// main wires exactly one into the admin HTTP surface and the broker.
type Service struct {
	mu    sync.Mutex
	tasks map[string]*taskHandle

	cache              cache.Cache
	sampler            sampler.Sampler
	renderer           snapshot.Renderer
	registry           Registry
	execCfg            executor.Config
	busCapacity        int
	slowSessionTimeout time.Duration
	snapshotRegenDelta int
	clock              timeutil.Clock
}

// New builds a Service over the given durable cache and sampler. execCfg
// configures every task's worker pool (Params.Workers overrides its
// Workers field per task); busCapacity bounds each task's live bus's
// per-subscriber buffer. The slow-session disconnect timeout defaults to
// the bus package's own default until SetSlowSessionTimeout is called.
func New(c cache.Cache, smplr sampler.Sampler, renderer snapshot.Renderer, execCfg executor.Config, busCapacity int, clock timeutil.Clock) *Service {
	if busCapacity <= 0 {
		busCapacity = 64
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Service{
		tasks:       make(map[string]*taskHandle),
		cache:       c,
		sampler:     smplr,
		renderer:    renderer,
		execCfg:     execCfg,
		busCapacity: busCapacity,
		clock:       clock,
	}
}

// SetSlowSessionTimeout configures how long a viewer session may fall
// behind the live bus before it's disconnected as a slow consumer (spec
// §7's SlowConsumer, sized by config.GetSlowSessionTimeoutMs). Only
// affects buses created for tasks after this call.
func (s *Service) SetSlowSessionTimeout(d time.Duration) {
	s.mu.Lock()
	s.slowSessionTimeout = d
	s.mu.Unlock()
}

// SetSnapshotRegenDelta configures how many newly-cached subtiles at a
// level must accumulate before Snapshot re-renders it, sized by
// config.GetSnapshotRegenDelta (spec §4.5). 0 leaves the auto policy in
// autoRegenDelta in effect.
func (s *Service) SetSnapshotRegenDelta(n int) {
	s.mu.Lock()
	s.snapshotRegenDelta = n
	s.mu.Unlock()
}

// autoRegenDelta picks a default regen threshold proportional to a
// level's subtile count when the operator hasn't set one explicitly: 5%
// of the level, or 1 for a level too small for that to round up.
func autoRegenDelta(grid geo.Grid, level int) int {
	side := geo.SubtilesPerSide(level)
	perLevel := grid.TileCount() * side * side
	delta := perLevel / 20
	if delta < 1 {
		delta = 1
	}
	return delta
}

// Create registers a new task in TaskPending and persists it, but does
// not start work — the caller must call Start.
func (s *Service) Create(p Params) (cache.Task, error) {
	if err := p.Region.Validate(); err != nil {
		return cache.Task{}, fmt.Errorf("controller: %w", err)
	}
	if err := p.Grid.Validate(); err != nil {
		return cache.Task{}, fmt.Errorf("controller: %w", err)
	}
	if p.Levels <= 0 {
		return cache.Task{}, fmt.Errorf("controller: levels must be positive, got %d", p.Levels)
	}

	taskID := uuid.New().String()
	keys, err := schedule.Plan(taskID, p.Grid, p.Levels)
	if err != nil {
		return cache.Task{}, err
	}

	now := s.clock.Now()
	task := cache.Task{
		TaskID:    taskID,
		Region:    p.Region,
		Levels:    p.Levels,
		Grid:      p.Grid,
		Status:    cache.TaskPending,
		Counters:  cache.Counters{Scheduled: int64(len(keys))},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.cache.PutTask(task); err != nil {
		return cache.Task{}, fmt.Errorf("controller: persisting task: %w", err)
	}
	s.mirror(task)

	execCfg := s.execCfg
	if p.Workers > 0 {
		execCfg.Workers = p.Workers
	}

	s.mu.Lock()
	s.tasks[taskID] = &taskHandle{task: task, sched: schedule.NewSchedule(keys), execCfg: execCfg}
	s.mu.Unlock()

	return task, nil
}

// Start launches a pending task's worker pool. Returns ErrAlreadyRunning
// if the task is already running, or ErrAlreadyTerminal if it has
// already reached a terminal status. To resume a paused task use Resume.
func (s *Service) Start(taskID string) error {
	h, err := s.handle(taskID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	switch h.task.Status {
	case cache.TaskRunning:
		h.mu.Unlock()
		return ErrAlreadyRunning
	case cache.TaskCompleted, cache.TaskStopped, cache.TaskFailed:
		h.mu.Unlock()
		return ErrAlreadyTerminal
	}

	execCfg := h.execCfg
	s.mu.Lock()
	slowTimeout := s.slowSessionTimeout
	s.mu.Unlock()
	b := bus.NewWithSlowTimeout(s.busCapacity, slowTimeout, s.clock)
	pool := executor.New(execCfg, h.task.Region, h.task.Grid, h.sched, s.sampler, s.cache, b, s.clock)
	h.pool = pool
	h.bus = b

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.task.Status = cache.TaskRunning
	h.task.UpdatedAt = s.clock.Now()
	task := h.task
	h.mu.Unlock()

	if err := s.cache.PutTask(task); err != nil {
		logf("persisting task %s start: %v", taskID, err)
	}
	s.mirror(task)

	go s.run(ctx, cancel, taskID, pool)
	go s.snapshotRegenLoop(ctx, taskID, task.Levels)
	return nil
}

// snapshotRegenInterval paces the background snapshot-regeneration loop
// a running task's Start launches (spec §4.7). The Δn gate inside
// Snapshot itself is what actually decides whether any given tick does
// real rendering work, so this only needs to be frequent enough that a
// live viewer's base layer doesn't visibly lag, not tied to any
// per-subtile event.
const snapshotRegenInterval = 2 * time.Second

// snapshotRegenLoop keeps every level's cached snapshot near-current for
// the lifetime of ctx (canceled by Stop, or once run finalizes the task)
// — the spec's "launches ... a snapshot-regeneration loop", so a viewer
// connecting mid-scan gets a base layer that was never more than a tick
// behind, without every single completed subtile triggering its own
// render (that's what the Δn gate in Snapshot is for).
func (s *Service) snapshotRegenLoop(ctx context.Context, taskID string, levels int) {
	ticker := s.clock.NewTicker(snapshotRegenInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			for level := 0; level < levels; level++ {
				if _, err := s.Snapshot(taskID, level); err != nil {
					logf("snapshot regen %s/%d: %v", taskID, level, err)
				}
			}
		}
	}
}

// run drives one task's worker pool to completion (or cancellation) and
// finalizes its durable status, unless Pause or Stop already claimed the
// transition first. cancel stops the task's snapshot-regeneration loop
// once the pool itself is done, regardless of whether Stop also cancels it.
func (s *Service) run(ctx context.Context, cancel context.CancelFunc, taskID string, pool *executor.Pool) {
	defer cancel()
	err := pool.Run(ctx, taskID)

	h, lookupErr := s.handle(taskID)
	if lookupErr != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.task.Status == cache.TaskPaused || h.task.Status == cache.TaskStopped {
		// Pause/Stop already transitioned and persisted the durable
		// status. A paused pool's workers wait inside Run, so Run only
		// returns here if the workers drained the schedule before the
		// pause reached them, or Stop ended them; don't overwrite a
		// deliberate transition with "completed".
		return
	}

	if err != nil && err != context.Canceled {
		h.task.Status = cache.TaskFailed
		h.task.LastError = err.Error()
	} else {
		h.task.Status = cache.TaskCompleted
	}
	h.task.UpdatedAt = s.clock.Now()
	snap := pool.Counters.Snapshot()
	h.task.Counters.Completed = snap.Completed
	h.task.Counters.Positive = snap.Positive
	h.task.Counters.Failed = snap.Failed
	if err := s.cache.PutTask(h.task); err != nil {
		logf("persisting task %s completion: %v", taskID, err)
	}
	s.mirror(h.task)
	if h.bus != nil {
		h.bus.Close()
	}
}

// Pause cooperatively halts a running task's workers between work units,
// without discarding its schedule position or bus.
func (s *Service) Pause(taskID string) error {
	h, err := s.handle(taskID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.task.Status != cache.TaskRunning {
		return ErrNotRunning
	}
	h.pool.Pause()
	h.task.Status = cache.TaskPaused
	h.task.UpdatedAt = s.clock.Now()
	if err := s.cache.PutTask(h.task); err != nil {
		return err
	}
	s.mirror(h.task)
	return nil
}

// Resume un-pauses a paused task's existing worker pool in place — the
// pool, bus, and in-flight goroutines from the original Start are still
// alive; Resume simply clears the cooperative pause flag. A task paused by
// LoadFromCache has no pool in this process yet, so Resume starts one
// the way Start does.
func (s *Service) Resume(taskID string) error {
	h, err := s.handle(taskID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	if h.task.Status != cache.TaskPaused {
		h.mu.Unlock()
		return ErrNotPaused
	}
	if h.pool == nil {
		h.mu.Unlock()
		return s.Start(taskID)
	}
	defer h.mu.Unlock()
	h.pool.Resume()
	h.task.Status = cache.TaskRunning
	h.task.UpdatedAt = s.clock.Now()
	if err := s.cache.PutTask(h.task); err != nil {
		return err
	}
	s.mirror(h.task)
	return nil
}

// Stop permanently halts a task's workers and marks it terminal.
func (s *Service) Stop(taskID string) error {
	h, err := s.handle(taskID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	if h.task.Status == cache.TaskCompleted || h.task.Status == cache.TaskStopped || h.task.Status == cache.TaskFailed {
		h.mu.Unlock()
		return ErrAlreadyTerminal
	}
	if h.pool != nil {
		h.pool.Stop()
	}
	if h.cancel != nil {
		h.cancel()
	}
	h.task.Status = cache.TaskStopped
	h.task.UpdatedAt = s.clock.Now()
	task := h.task
	b := h.bus
	h.mu.Unlock()

	if b != nil {
		b.Close()
	}
	if err := s.cache.PutTask(task); err != nil {
		return err
	}
	s.mirror(task)
	return nil
}

// Status returns the current durable snapshot of a task.
func (s *Service) Status(taskID string) (cache.Task, error) {
	h, err := s.handle(taskID)
	if err != nil {
		return cache.Task{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.task, nil
}

// List returns every task the controller knows about.
func (s *Service) List() []cache.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make([]cache.Task, 0, len(s.tasks))
	for _, h := range s.tasks {
		h.mu.Lock()
		tasks = append(tasks, h.task)
		h.mu.Unlock()
	}
	return tasks
}

// Bus returns the live bus for a task that has been started at least
// once, for the broker to subscribe a viewer session to.
func (s *Service) Bus(taskID string) (*bus.Bus, error) {
	h, err := s.handle(taskID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bus == nil {
		return nil, ErrBusGone
	}
	return h.bus, nil
}

// Snapshot renders the current cache contents for (taskID, level) via
// the service's configured Renderer — the Controller's exposed
// snapshot-build operation (spec §2's data-flow note). A render is
// skipped in favor of the last cached PNG when fewer than the regen
// threshold's worth of subtiles have completed since that render (spec
// §4.5's Δn staleness gate) — a live viewer can otherwise drive one
// render per completed subtile, which for a large grid is far more
// image encoding than any session needs.
func (s *Service) Snapshot(taskID string, level int) ([]byte, error) {
	h, err := s.handle(taskID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	grid := h.task.Grid
	h.mu.Unlock()

	entries, err := s.cache.List(taskID, level)
	if err != nil {
		return nil, fmt.Errorf("controller: listing level %d: %w", level, err)
	}
	fp := snapshot.Fingerprint(entries)

	s.mu.Lock()
	threshold := s.snapshotRegenDelta
	s.mu.Unlock()
	if threshold <= 0 {
		threshold = autoRegenDelta(grid, level)
	}

	if cached, cachedFP, err := s.cache.GetSnapshot(taskID, level); err == nil {
		if fp.Count-cachedFP.Count < threshold {
			return cached, nil
		}
	} else if err != cache.ErrNotFound {
		logf("reading cached snapshot %s/%d: %v", taskID, level, err)
	}

	png, err := s.renderer.Render(grid, level, entries)
	if err != nil {
		return nil, fmt.Errorf("controller: rendering snapshot: %w", err)
	}
	if err := s.cache.PutSnapshot(taskID, level, png, fp); err != nil {
		logf("caching snapshot %s/%d: %v", taskID, level, err)
	}
	return png, nil
}

// SetRegistry wires the SQLite task-registry mirror. Every lifecycle
// transition that persists to the cache also upserts here, best-effort
// — the registry is a read-optimization index, never the source of
// truth, so a failed mirror write is logged and otherwise ignored.
func (s *Service) SetRegistry(r Registry) {
	s.mu.Lock()
	s.registry = r
	s.mu.Unlock()
}

func (s *Service) mirror(task cache.Task) {
	s.mu.Lock()
	r := s.registry
	s.mu.Unlock()
	if r == nil {
		return
	}
	if err := r.Upsert(task); err != nil {
		logf("mirroring task %s to registry: %v", task.TaskID, err)
	}
}

func (s *Service) handle(taskID string) (*taskHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return h, nil
}

// LoadFromCache repopulates the controller's in-memory task registry
// from durable storage — e.g. after a process restart — rebuilding each
// task's schedule from scratch. Already-cached subtiles are skipped
// automatically by the executor's isDone filter on the next Start, not
// replayed or re-sampled.
func (s *Service) LoadFromCache() error {
	tasks, err := s.cache.ListTasks()
	if err != nil {
		return fmt.Errorf("controller: loading tasks: %w", err)
	}
	for _, task := range tasks {
		keys, err := schedule.Plan(task.TaskID, task.Grid, task.Levels)
		if err != nil {
			logf("skipping unloadable task %s: %v", task.TaskID, err)
			continue
		}
		if task.Status == cache.TaskRunning {
			// The process died mid-run: come back as paused, awaiting an
			// explicit Resume rather than silently racing workers back up.
			task.Status = cache.TaskPaused
		}
		s.mu.Lock()
		s.tasks[task.TaskID] = &taskHandle{task: task, sched: schedule.NewSchedule(keys), execCfg: s.execCfg}
		s.mu.Unlock()
	}
	return nil
}
