package jobqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"duewatch/internal/eventbus"
	logx "duewatch/pkg/logx"
)

// Queue is a persistent delayed-job dispatcher. Submissions are written to
// the store first and armed as in-process timers second, so a crash between
// fire-time and execution loses nothing: Start reloads every pending job
// and re-arms it, firing past-due jobs immediately.
//
// Keys are upserted: submitting an existing key replaces both the stored
// row and the armed timer. A version counter per key makes stale timer
// callbacks from replaced jobs harmless.
type Queue struct {
	cfg     Config
	store   Store
	handler Handler
	log     logx.Logger
	bus     eventbus.Bus

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	runCh   chan Job
	jobs    map[string]Job
	timers  map[string]*time.Timer
	vers    map[string]uint64
	wg      sync.WaitGroup
}

func New(cfg Config, store Store, log logx.Logger, bus eventbus.Bus) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{
		cfg:    cfg.withDefaults(),
		store:  store,
		log:    log,
		bus:    bus,
		jobs:   map[string]Job{},
		timers: map[string]*time.Timer{},
		vers:   map[string]uint64{},
	}
}

// SetHandler installs the execution callback. Must be called before Start.
func (q *Queue) SetHandler(h Handler) { q.handler = h }

// Start reloads pending jobs from the store, arms their timers and spins
// up the worker pool.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return nil
	}
	if q.handler == nil {
		return errors.New("jobqueue: no handler installed")
	}

	pending, err := q.store.PendingJobs(ctx)
	if err != nil {
		return err
	}

	q.stopCh = make(chan struct{})
	q.runCh = make(chan Job, q.cfg.QueueSize)
	q.started = true

	for _, job := range pending {
		q.armLocked(job)
	}

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, q.stopCh, q.runCh)
	}

	q.log.Info("job queue started",
		logx.Int("workers", q.cfg.Workers),
		logx.Int("reloaded", len(pending)))
	return nil
}

// Stop halts timers and workers. Persisted jobs stay in the store and are
// re-armed on the next Start.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	close(q.stopCh)
	for key, t := range q.timers {
		t.Stop()
		delete(q.timers, key)
	}
	q.mu.Unlock()

	q.wg.Wait()
	q.log.Info("job queue stopped")
}

// Submit persists the job and arms its timer. An existing key is replaced.
func (q *Queue) Submit(ctx context.Context, key string, fireAt time.Time, payload []byte) error {
	if key == "" {
		return errors.New("jobqueue: key required")
	}
	job := Job{Key: key, FireAt: fireAt.UTC(), Payload: payload, CreatedAt: time.Now().UTC()}
	if err := q.store.UpsertJob(ctx, job); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		q.armLocked(job)
	}
	return nil
}

// Revoke disarms and deletes the job. Unknown keys are a no-op.
func (q *Queue) Revoke(ctx context.Context, key string) error {
	q.mu.Lock()
	if t, ok := q.timers[key]; ok {
		t.Stop()
		delete(q.timers, key)
	}
	q.vers[key]++
	delete(q.jobs, key)
	q.mu.Unlock()

	return q.store.DeleteJob(ctx, key)
}

// Pending reports the number of armed jobs. Intended for tests and status
// reporting.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// armLocked upserts the timer for job. Call with q.mu held.
func (q *Queue) armLocked(job Job) {
	if t, ok := q.timers[job.Key]; ok {
		t.Stop()
	}
	q.vers[job.Key]++
	ver := q.vers[job.Key]
	q.jobs[job.Key] = job

	delay := time.Until(job.FireAt)
	if delay < 0 {
		delay = 0
	}
	key := job.Key
	q.timers[key] = time.AfterFunc(delay, func() { q.fire(key, ver) })
}

// fire hands a due job to the worker pool. A version mismatch means the
// job was replaced or revoked after this timer was armed; the callback is
// then ignored.
func (q *Queue) fire(key string, ver uint64) {
	q.mu.Lock()
	if q.vers[key] != ver || !q.started {
		q.mu.Unlock()
		return
	}
	job, ok := q.jobs[key]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.jobs, key)
	delete(q.timers, key)
	runCh := q.runCh
	stopCh := q.stopCh
	q.mu.Unlock()

	// Block rather than drop: a full pool delays a reminder, losing it
	// silently is worse.
	select {
	case runCh <- job:
	case <-stopCh:
	}
}

func (q *Queue) worker(ctx context.Context, stopCh <-chan struct{}, runCh <-chan Job) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case job := <-runCh:
			q.execOne(ctx, stopCh, job)
		}
	}
}

func (q *Queue) execOne(ctx context.Context, stopCh <-chan struct{}, job Job) {
	start := time.Now()
	var err error
	attempts := 0
	maxAttempts := 1 + q.cfg.RetryMax

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		// Per-attempt timeout so a timed-out first attempt does not poison
		// the retries.
		runCtx, cancel := context.WithTimeout(ctx, q.cfg.DefaultTimeout)
		err = q.handler(runCtx, job)
		cancel()
		if err == nil || attempt >= maxAttempts {
			break
		}

		delay := backoffDelay(q.cfg, attempt)
		q.log.Debug("job retry scheduled",
			logx.String("key", job.Key),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			err = ctx.Err()
			attempt = maxAttempts
		case <-stopCh:
			if !tmr.Stop() {
				<-tmr.C
			}
			// Shutdown mid-retry: leave the row in the store so the next
			// Start re-arms and re-runs it.
			q.log.Debug("job retry abandoned for shutdown", logx.String("key", job.Key))
			return
		case <-tmr.C:
		}
	}

	dur := time.Since(start)
	if err != nil {
		q.log.Warn("job failed",
			logx.String("key", job.Key),
			logx.Int("attempts", attempts),
			logx.Duration("dur", dur),
			logx.Err(err))
		q.publish("job.failed", job.Key, err)
	} else {
		q.log.Debug("job completed",
			logx.String("key", job.Key),
			logx.Int("attempts", attempts),
			logx.Duration("dur", dur))
		q.publish("job.completed", job.Key, nil)
	}

	// The job ran (or exhausted its retries); drop the persisted row either
	// way so restarts do not replay it.
	if derr := q.store.DeleteJob(context.WithoutCancel(ctx), job.Key); derr != nil {
		q.log.Warn("job cleanup failed", logx.String("key", job.Key), logx.Err(derr))
	}
}

func (q *Queue) publish(typ, key string, err error) {
	if q.bus == nil {
		return
	}
	data := map[string]any{"key": key}
	if err != nil {
		data["error"] = err.Error()
	}
	q.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
