// Package replication asynchronously fans a write out to a key's N-1
// replica nodes after the primary owner has already acknowledged it (spec
// §3.F), using a fixed worker pool draining a FIFO job channel — the same
// shape as the teacher's async invocation worker pool, minus the
// database-backed polling since replication jobs are handed off in
// process rather than leased from persistent storage.
package replication

import (
	"context"
	"sync"
	"time"

	"github.com/quasarcache/quasar/internal/backend"
	"github.com/quasarcache/quasar/internal/dispatch"
	"github.com/quasarcache/quasar/internal/logging"
)

// Config controls worker concurrency, queue depth, and the delayed-start
// window (spec §6 replication_threads / replication_delay_time).
type Config struct {
	Workers    int
	QueueDepth int
	DelayTime  time.Duration
	OpTimeout  time.Duration
}

// Job is one write (or delete) to replay against a set of replica nodes.
// For a write, Origin is the node the primary write already landed on — the
// worker re-reads the authoritative datablock from it via bget rather than
// trusting a client-supplied Item, so cas/stat round-trip exactly (spec
// §4.G). Origin is unused for deletes.
type Job struct {
	Key     string
	Delete  bool
	Origin  *backend.Node
	Targets []*backend.Node
}

// Engine is a fixed-size worker pool that asynchronously replays Jobs
// against their target nodes.
type Engine struct {
	dispatcher *dispatch.Dispatcher
	cfg        Config

	jobCh  chan Job
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

const (
	defaultWorkers    = 4
	defaultQueueDepth = 1024
	defaultOpTimeout  = 2 * time.Second
)

// New builds an Engine. Jobs enqueued before Start wait in the queue; no
// job is replayed until Start launches the workers.
func New(dispatcher *dispatch.Dispatcher, cfg Config) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}
	return &Engine{
		dispatcher: dispatcher,
		cfg:        cfg,
		jobCh:      make(chan Job, cfg.QueueDepth),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the worker pool. Each worker sleeps cfg.DelayTime before
// replaying its own job, letting the primary settle before the copy is
// fanned out (spec §4.G) — the delay is per record, not a one-time pause
// before the pool comes up.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	logging.Op().Info("replication engine started", "workers", e.cfg.Workers)
}

// Stop signals the workers to exit and waits for any job already being
// replayed to finish. Jobs still in the queue are not replayed, and
// Enqueue keeps accepting jobs until the queue is full.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.mu.Unlock()

	close(e.stopCh)
	e.wg.Wait()
}

// Enqueue submits a replication job without blocking. If the queue is
// full the job is dropped and logged — a slow replica should not stall
// client-facing writes (spec's async replication is best-effort).
func (e *Engine) Enqueue(job Job) bool {
	select {
	case e.jobCh <- job:
		return true
	default:
		logging.Op().Warn("replication queue full, dropping job", "key", job.Key, "targets", len(job.Targets))
		return false
	}
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case job := <-e.jobCh:
			e.replay(job)
		}
	}
}

// replay fans job out to its targets, sleeping cfg.DelayTime first (spec
// §4.G: "Each worker, per record, sleeps replication_delay_time ms ... then
// [fans out]"). Per-target failures are logged but never abort the rest of
// the fan-out.
func (e *Engine) replay(job Job) {
	if e.cfg.DelayTime > 0 {
		time.Sleep(e.cfg.DelayTime)
	}

	if job.Delete {
		for _, n := range job.Targets {
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.OpTimeout)
			_, err := e.dispatcher.DeleteOn(ctx, n, job.Key)
			cancel()
			if err != nil {
				logging.Op().Warn("replication delete to replica failed", "node", n.ID, "key", job.Key, "error", err)
			}
		}
		return
	}

	if job.Origin == nil {
		logging.Op().Warn("replication job missing origin, dropping", "key", job.Key)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.OpTimeout)
	db, ok, err := e.dispatcher.BgetOn(ctx, job.Origin, job.Key)
	cancel()
	if err != nil {
		logging.Op().Warn("replication bget from origin failed", "node", job.Origin.ID, "key", job.Key, "error", err)
		return
	}
	if !ok {
		// Not found on the origin: treated as success with nothing to
		// propagate (spec §4.G).
		return
	}

	for _, n := range job.Targets {
		if n.ID == job.Origin.ID {
			// The replica walk wrapped back to the origin; stop fanning out.
			break
		}
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.OpTimeout)
		err := e.dispatcher.BsetOn(ctx, n, job.Key, *db)
		cancel()
		if err != nil {
			logging.Op().Warn("replication bset to replica failed", "node", n.ID, "key", job.Key, "error", err)
		}
	}
}
