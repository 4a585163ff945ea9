// Package queue is a durable job queue on top of domain.JobStore.
//
// Delivery is at-least-once: a job is leased to one worker at a time and a
// lease that lapses (crash, lost process) is handed out again by the reaper.
// Handlers must be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/chain-sleuth/sleuth/internal/domain"
	"github.com/chain-sleuth/sleuth/internal/infra/metrics"
)

// HandlerFunc processes one job attempt.
type HandlerFunc func(ctx context.Context, job *domain.Job) error

// ExhaustedFunc runs once when a job fails for the last time.
type ExhaustedFunc func(ctx context.Context, job *domain.Job, err error)

// Config controls workers, leases and housekeeping.
type Config struct {
	Workers           int
	PollInterval      time.Duration // Idle wait between claim attempts
	VisibilityTimeout time.Duration // Lease length; extended while a handler runs
	Retry             RetryConfig
	ReapSchedule      string        // cron spec for the lease reaper
	PurgeSchedule     string        // cron spec for the retention sweep
	Retention         time.Duration // Completed jobs older than this are deleted
	StatsSchedule     string        // cron spec for queue depth sampling
}

// DefaultConfig returns production queue defaults.
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		PollInterval:      500 * time.Millisecond,
		VisibilityTimeout: 2 * time.Minute,
		Retry:             DefaultRetryConfig(),
		ReapSchedule:      "@every 15s",
		PurgeSchedule:     "@every 1h",
		Retention:         7 * 24 * time.Hour,
		StatsSchedule:     "@every 10s",
	}
}

// Queue dispatches stored jobs to registered handlers.
type Queue struct {
	store domain.JobStore
	cfg   Config
	now   func() time.Time

	mu        sync.RWMutex
	handlers  map[string]HandlerFunc
	exhausted map[string]ExhaustedFunc

	wake  chan struct{}
	stats retryCounters
}

// New creates a queue. Zero fields in cfg fall back to DefaultConfig.
func New(store domain.JobStore, cfg Config) *Queue {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = def.VisibilityTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = def.Retry.BaseDelay
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = def.Retry.MaxDelay
	}
	if cfg.ReapSchedule == "" {
		cfg.ReapSchedule = def.ReapSchedule
	}
	if cfg.PurgeSchedule == "" {
		cfg.PurgeSchedule = def.PurgeSchedule
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.StatsSchedule == "" {
		cfg.StatsSchedule = def.StatsSchedule
	}
	return &Queue{
		store:     store,
		cfg:       cfg,
		now:       time.Now,
		handlers:  make(map[string]HandlerFunc),
		exhausted: make(map[string]ExhaustedFunc),
		wake:      make(chan struct{}, 1),
	}
}

// Handle registers the handler for a job type.
func (q *Queue) Handle(jobType string, h HandlerFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

// OnExhausted registers a hook for jobs of jobType that will not be retried.
func (q *Queue) OnExhausted(jobType string, f ExhaustedFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.exhausted[jobType] = f
}

// Option tweaks a single Enqueue call.
type Option func(*domain.Job)

// WithMaxAttempts overrides the attempt budget for one job.
func WithMaxAttempts(n int) Option {
	return func(j *domain.Job) {
		if n > 0 {
			j.MaxAttempts = n
		}
	}
}

// WithUniqueKey prevents a second live job with the same key.
func WithUniqueKey(key string) Option {
	return func(j *domain.Job) { j.UniqueKey = key }
}

// WithDelay defers the first attempt.
func WithDelay(d time.Duration) Option {
	return func(j *domain.Job) { j.RunAt = j.RunAt.Add(d) }
}

// Enqueue stores a job and wakes an idle worker. With WithUniqueKey the ID of
// an already live job may be returned instead.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any, opts ...Option) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", jobType, err)
	}
	job := &domain.Job{
		Type:        jobType,
		Payload:     body,
		MaxAttempts: q.cfg.Retry.MaxAttempts,
		RunAt:       q.now(),
	}
	for _, opt := range opts {
		opt(job)
	}

	id, inserted, err := q.store.InsertJob(ctx, job)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	if inserted {
		log.Printf("[queue] enqueued job=%s type=%s", id, jobType)
		q.signal()
	} else {
		log.Printf("[queue] job=%s type=%s already live for key=%s", id, jobType, job.UniqueKey)
	}
	return id, nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Stats returns this process's outcome counters.
func (q *Queue) Stats() RetryStats { return q.stats.snapshot() }

// Run starts the workers and housekeeping and blocks until ctx is done and
// every running handler has returned.
func (q *Queue) Run(ctx context.Context) error {
	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(q.cfg.ReapSchedule, func() { q.Reap(ctx) }); err != nil {
		return fmt.Errorf("schedule reaper: %w", err)
	}
	if _, err := c.AddFunc(q.cfg.PurgeSchedule, func() { q.Purge(ctx) }); err != nil {
		return fmt.Errorf("schedule purge: %w", err)
	}
	if _, err := c.AddFunc(q.cfg.StatsSchedule, func() { q.sampleDepth(ctx) }); err != nil {
		return fmt.Errorf("schedule stats: %w", err)
	}
	c.Start()

	// Pick up leases orphaned by a previous process right away.
	q.Reap(ctx)

	var wg sync.WaitGroup
	for i := 0; i < q.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			q.worker(ctx, id)
		}(i)
	}
	log.Printf("[queue] started workers=%d types=%v", q.cfg.Workers, q.types())

	<-ctx.Done()
	<-c.Stop().Done()
	wg.Wait()
	log.Printf("[queue] stopped")
	return nil
}

func (q *Queue) worker(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := q.ProcessOne(ctx)
		if err != nil {
			log.Printf("[queue] worker=%d error: %v", id, err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-time.After(q.cfg.PollInterval):
		}
	}
}

func (q *Queue) types() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	types := make([]string, 0, len(q.handlers))
	for t := range q.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// ProcessOne claims and runs a single due job. It reports whether a job was run.
func (q *Queue) ProcessOne(ctx context.Context) (bool, error) {
	job, err := q.store.ClaimJob(ctx, q.types(), q.now(), q.cfg.VisibilityTimeout)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if job == nil {
		return false, nil
	}

	q.mu.RLock()
	h := q.handlers[job.Type]
	q.mu.RUnlock()

	metrics.JobsActive.Inc()
	start := time.Now()
	runErr := q.runWithLease(ctx, job, h)
	metrics.JobsActive.Dec()
	metrics.JobDuration.WithLabelValues(job.Type).Observe(time.Since(start).Seconds())

	return true, q.settle(ctx, job, runErr)
}

// runWithLease runs h while a heartbeat keeps the job's lease alive.
func (q *Queue) runWithLease(ctx context.Context, job *domain.Job, h HandlerFunc) (err error) {
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		t := time.NewTicker(q.cfg.VisibilityTimeout / 3)
		defer t.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-t.C:
				if err := q.store.ExtendLease(hctx, job.ID, q.now().Add(q.cfg.VisibilityTimeout)); err != nil && hctx.Err() == nil {
					log.Printf("[queue] job=%s extend lease: %v", job.ID, err)
				}
			}
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[queue] job=%s panic: %v\n%s", job.ID, r, debug.Stack())
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(hctx, job)
}

// settle records the outcome of one attempt.
func (q *Queue) settle(ctx context.Context, job *domain.Job, runErr error) error {
	// Bookkeeping must land even when shutdown cancelled the handler.
	bctx := context.WithoutCancel(ctx)

	if runErr == nil {
		q.stats.completed.Add(1)
		metrics.JobsProcessed.WithLabelValues(job.Type, "completed").Inc()
		return q.store.CompleteJob(bctx, job.ID)
	}

	if ctx.Err() != nil && errors.Is(runErr, ctx.Err()) {
		// Shutdown, not a job failure: hand it back for the next process.
		log.Printf("[queue] job=%s type=%s released on shutdown", job.ID, job.Type)
		return q.store.RetryJob(bctx, job.ID, q.now(), runErr.Error())
	}

	if IsPermanent(runErr) || job.LastAttempt() {
		q.stats.exhausted.Add(1)
		metrics.JobsProcessed.WithLabelValues(job.Type, "failed").Inc()
		log.Printf("[queue] job=%s type=%s failed attempt=%d/%d: %v", job.ID, job.Type, job.Attempt, job.MaxAttempts, runErr)
		if err := q.store.FailJob(bctx, job.ID, runErr.Error()); err != nil {
			return err
		}
		q.runExhausted(bctx, job, runErr)
		return nil
	}

	delay := q.cfg.Retry.Backoff(job.Attempt)
	q.stats.retried.Add(1)
	metrics.JobsProcessed.WithLabelValues(job.Type, "retried").Inc()
	log.Printf("[queue] job=%s type=%s attempt=%d/%d retry_in=%s: %v", job.ID, job.Type, job.Attempt, job.MaxAttempts, delay, runErr)
	if err := q.store.RetryJob(bctx, job.ID, q.now().Add(delay), runErr.Error()); err != nil {
		return err
	}
	q.signal()
	return nil
}

func (q *Queue) runExhausted(ctx context.Context, job *domain.Job, err error) {
	q.mu.RLock()
	f := q.exhausted[job.Type]
	q.mu.RUnlock()
	if f == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[queue] job=%s exhausted hook panic: %v", job.ID, r)
		}
	}()
	f(ctx, job, err)
}

// Reap requeues jobs whose lease lapsed and fails those with no attempts left.
func (q *Queue) Reap(ctx context.Context) {
	requeued, exhausted, err := q.store.ReapExpired(ctx, q.now())
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[queue] reap: %v", err)
		}
		return
	}
	if requeued > 0 {
		q.stats.reaped.Add(int64(requeued))
		metrics.LeasesReaped.Add(float64(requeued))
		log.Printf("[queue] reaped %d expired leases", requeued)
		q.signal()
	}
	for i := range exhausted {
		job := &exhausted[i]
		q.stats.exhausted.Add(1)
		metrics.JobsProcessed.WithLabelValues(job.Type, "failed").Inc()
		log.Printf("[queue] job=%s type=%s lease expired on last attempt", job.ID, job.Type)
		q.runExhausted(ctx, job, errors.New(job.LastError))
	}
}

// Purge deletes completed jobs older than the retention window.
func (q *Queue) Purge(ctx context.Context) {
	n, err := q.store.PurgeJobs(ctx, q.now().Add(-q.cfg.Retention))
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[queue] purge: %v", err)
		}
		return
	}
	if n > 0 {
		log.Printf("[queue] purged %d completed jobs", n)
	}
}

func (q *Queue) sampleDepth(ctx context.Context) {
	counts, err := q.store.JobCounts(ctx)
	if err != nil {
		return
	}
	for _, s := range []domain.JobStatus{domain.JobQueued, domain.JobActive, domain.JobCompleted, domain.JobFailed} {
		metrics.QueueDepth.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// Decode unmarshals a job payload into v.
func Decode(job *domain.Job, v any) error {
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return Permanent(fmt.Errorf("decode %s payload: %w", job.Type, err))
	}
	return nil
}
