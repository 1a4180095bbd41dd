// Package executor implements the Worker Pool (spec §4.4): a bounded set
// of goroutines draining a schedule.Schedule, sampling each subtile,
// writing the result to the cache, and publishing it to the live bus —
// in that order, so cache-before-publish holds for every key.
//
// Grounded on the teacher's context-cancellable, select-driven run loop
// (internal/serialmux/serialmux.go's Monitor) and its SweepStatus/
// ErrSweepAlreadyRunning status-and-sentinel-error idiom
// (internal/lidar/sweep/runner.go), generalized from one goroutine
// reading a serial port to N goroutines draining a shared schedule.
package executor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/recursive-emergence/terrascan/internal/bus"
	"github.com/recursive-emergence/terrascan/internal/cache"
	"github.com/recursive-emergence/terrascan/internal/geo"
	"github.com/recursive-emergence/terrascan/internal/sampler"
	"github.com/recursive-emergence/terrascan/internal/schedule"
	"github.com/recursive-emergence/terrascan/internal/timeutil"
)

// ErrAlreadyRunning is returned by Run if called while a previous Run on
// the same Pool is still in flight.
var ErrAlreadyRunning = fmt.Errorf("executor: pool already running")

// fallbackSampler produces the deterministic synthetic terrain a subtile
// falls back to once the configured sampler has exhausted MaxAttempts —
// distinct from a Pool constructed with sampler.SyntheticSampler as its
// primary, which is a test/demo configuration choice, not a fallback.
var fallbackSampler = &sampler.SyntheticSampler{}

// Counters tracks live progress, exposed for the controller's status
// reporting and for tests asserting monotonicity (spec invariant:
// "counters only increase while a task is running, and a pause/resume
// cycle never decreases them").
type Counters struct {
	Completed atomic.Int64
	Positive  atomic.Int64
	Failed    atomic.Int64
}

// Snapshot is a point-in-time copy of Counters' values.
type Snapshot struct {
	Completed, Positive, Failed int64
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Completed: c.Completed.Load(),
		Positive:  c.Positive.Load(),
		Failed:    c.Failed.Load(),
	}
}

// Config controls one Pool's behavior.
type Config struct {
	Workers         int
	MaxAttempts     int // attempts before falling back to a synthetic record
	SampleTimeout   time.Duration
	BackoffBase     time.Duration
	BackoffCap      time.Duration
}

// Pool drains a schedule.Schedule with a bounded set of workers, writing
// through Cache and publishing through Bus. The schedule iterator is the
// only shared mutable state across workers (spec §4.4): everything else
// a worker touches (its own sampler call, its own cache write) is
// independent of every other worker's.
type Pool struct {
	cfg      Config
	region   geo.Region
	grid     geo.Grid
	schedule *schedule.Schedule
	sampler  sampler.Sampler
	cache    cache.Cache
	bus      *bus.Bus
	clock    timeutil.Clock

	running atomic.Bool
	paused  atomic.Bool
	stopped atomic.Bool

	fatalMu  sync.Mutex
	fatalErr error

	Counters Counters
}

// New builds a Pool over a pre-built schedule for one task.
func New(cfg Config, region geo.Region, grid geo.Grid, sched *schedule.Schedule,
	smplr sampler.Sampler, c cache.Cache, b *bus.Bus, clock timeutil.Clock) *Pool {

	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.SampleTimeout <= 0 {
		cfg.SampleTimeout = 5 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 200 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 10 * time.Second
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	return &Pool{
		cfg: cfg, region: region, grid: grid, schedule: sched,
		sampler: smplr, cache: c, bus: b, clock: clock,
	}
}

// Pause cooperatively halts workers between work units; Resume lets them
// continue. Stop halts workers permanently and causes Run to return.
func (p *Pool) Pause()  { p.paused.Store(true) }
func (p *Pool) Resume() { p.paused.Store(false) }
func (p *Pool) Stop()   { p.stopped.Store(true) }

func (p *Pool) isDone(taskID string) schedule.IsDone {
	return func(k schedule.SubtileKey) bool {
		_, err := p.cache.Get(k)
		return err == nil
	}
}

// Run drains the schedule until exhausted, stopped, or ctx is canceled,
// whichever comes first. It is safe to call only once per Pool; call Run
// again on a fresh Pool (same schedule, same cache) to resume.
func (p *Pool) Run(ctx context.Context, taskID string) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer p.running.Store(false)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx, taskID)
		}()
	}
	wg.Wait()

	if err := p.Err(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// Err returns the fatal error that caused the pool to stop itself (a
// cache write that never succeeded after MaxAttempts retries), or nil if
// no worker has hit one. Safe to call concurrently with Run.
func (p *Pool) Err() error {
	p.fatalMu.Lock()
	defer p.fatalMu.Unlock()
	return p.fatalErr
}

// failFatal records the pool's terminal error (first one wins) and stops
// every worker — a persistent CacheError is not recoverable mid-task
// (spec §7: "if persistent after R attempts, task transitions to failed").
func (p *Pool) failFatal(err error) {
	p.fatalMu.Lock()
	if p.fatalErr == nil {
		p.fatalErr = err
	}
	p.fatalMu.Unlock()
	p.Stop()
}

func (p *Pool) worker(ctx context.Context, taskID string) {
	for {
		if ctx.Err() != nil || p.stopped.Load() {
			return
		}
		for p.paused.Load() {
			select {
			case <-ctx.Done():
				return
			case <-p.clock.After(50 * time.Millisecond):
			}
			if p.stopped.Load() {
				return
			}
		}

		batch := p.schedule.NextBatch(1, p.isDone(taskID))
		if len(batch) == 0 {
			return
		}
		p.process(ctx, batch[0])
	}
}

// process samples, caches, and publishes one subtile, retrying the
// sampler up to MaxAttempts times with exponential backoff before
// recording a synthetic fallback (spec §4.4 & §9: every subtile is
// eventually cached, even if the sampler never answers).
func (p *Pool) process(ctx context.Context, key schedule.SubtileKey) {
	side := geo.SubtilesPerSide(key.Level)
	lat, lon := geo.SubtileCenter(p.region, p.grid, key.Level, key.TileRow, key.TileCol, key.SubRow, key.SubCol)

	var (
		elevation float64
		source    = cache.SourceReal
		attempts  int
		sampled   bool
	)

	for attempts = 1; attempts <= p.cfg.MaxAttempts; attempts++ {
		sampleCtx, cancel := context.WithTimeout(ctx, p.cfg.SampleTimeout)
		v, err := p.sampler.Sample(sampleCtx, lat, lon)
		cancel()
		if err == nil {
			elevation = v
			sampled = true
			break
		}
		if ctx.Err() != nil {
			return
		}
		if attempts < p.cfg.MaxAttempts {
			p.backoffSleep(ctx, attempts)
		}
	}

	if !sampled {
		// spec §4.1: a subtile the real sampler could never answer still
		// gets a deterministic value derived from (lat, lon), not a hole
		// in the cache — never math.NaN(), which would mean "no data" to
		// every downstream reader (invariant 2: every key is eventually
		// cached with a value).
		v, _ := fallbackSampler.Sample(ctx, lat, lon)
		elevation = v
		source = cache.SourceSynthetic
		p.Counters.Failed.Add(1)
	}

	record := cache.SubtileRecord{
		Level:           key.Level,
		SubtilesPerSide: side,
		CenterLat:       lat,
		CenterLon:       lon,
		Elevation:       elevation,
		SampledAt:       p.clock.Now(),
		Source:          source,
		Attempts:        attempts,
	}

	var putErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		putErr = p.cache.Put(key, record)
		if putErr == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		if attempt < p.cfg.MaxAttempts {
			p.backoffSleep(ctx, attempt)
		}
	}
	if putErr != nil {
		p.Counters.Failed.Add(1)
		p.failFatal(fmt.Errorf("executor: persisting subtile level=%d tile=(%d,%d) sub=(%d,%d) after %d attempts: %w",
			key.Level, key.TileRow, key.TileCol, key.SubRow, key.SubCol, p.cfg.MaxAttempts, putErr))
		return
	}

	p.Counters.Completed.Add(1)
	if !math.IsNaN(elevation) {
		p.Counters.Positive.Add(1)
	}

	if p.bus != nil {
		p.bus.Publish(bus.Event{
			TaskID: key.TaskID, Seq: p.bus.NextSeq(),
			Level: key.Level, TileRow: key.TileRow, TileCol: key.TileCol,
			SubRow: key.SubRow, SubCol: key.SubCol,
			Elevation: elevation, HasData: !math.IsNaN(elevation),
		})
	}
}

// backoffSleep waits base*2^(attempt-1), capped, honoring ctx
// cancellation so a stopped/canceled task doesn't keep a worker asleep.
func (p *Pool) backoffSleep(ctx context.Context, attempt int) {
	d := timeutil.ExponentialBackoff(p.cfg.BackoffBase, p.cfg.BackoffCap, attempt)
	select {
	case <-ctx.Done():
	case <-p.clock.After(d):
	}
}
