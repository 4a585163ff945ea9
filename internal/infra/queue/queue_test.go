package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chain-sleuth/sleuth/internal/domain"
	"github.com/chain-sleuth/sleuth/internal/infra/sqlite"
)

func newTestQueue(t *testing.T) (*Queue, *sqlite.DB) {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	q := New(db, Config{
		Workers:           2,
		PollInterval:      5 * time.Millisecond,
		VisibilityTimeout: time.Minute,
		Retry:             RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})
	return q, db
}

// drain runs due jobs until none are left or the deadline passes.
func drain(t *testing.T, q *Queue, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	idle := 0
	for time.Now().Before(deadline) {
		ran, err := q.ProcessOne(context.Background())
		require.NoError(t, err)
		if ran {
			idle = 0
			continue
		}
		idle++
		if idle > 20 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestBackoff(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cfg.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("bad payload")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.Nil(t, Permanent(nil))
}

func TestQueue_CompletesJob(t *testing.T) {
	q, db := newTestQueue(t)
	ctx := context.Background()

	var got struct{ TaskID string }
	q.Handle("process-account", func(ctx context.Context, job *domain.Job) error {
		return Decode(job, &got)
	})

	id, err := q.Enqueue(ctx, "process-account", map[string]string{"TaskID": "t-1"})
	require.NoError(t, err)

	ran, err := q.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, "t-1", got.TaskID)

	job, err := db.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, job.Status)
	assert.Equal(t, int64(1), q.Stats().Completed)
}

func TestQueue_RetryCapAndExhaustedHook(t *testing.T) {
	q, db := newTestQueue(t)
	ctx := context.Background()

	var calls atomic.Int32
	q.Handle("deliver-webhook", func(ctx context.Context, job *domain.Job) error {
		calls.Add(1)
		return errors.New("rpc unavailable")
	})

	var (
		hookMu    sync.Mutex
		hookCalls int
		hookErr   error
	)
	q.OnExhausted("deliver-webhook", func(ctx context.Context, job *domain.Job, err error) {
		hookMu.Lock()
		defer hookMu.Unlock()
		hookCalls++
		hookErr = err
	})

	id, err := q.Enqueue(ctx, "deliver-webhook", struct{}{})
	require.NoError(t, err)

	drain(t, q, 2*time.Second)

	assert.Equal(t, int32(3), calls.Load(), "handler should run exactly MaxAttempts times")
	job, err := db.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Equal(t, 3, job.Attempt)
	assert.Equal(t, "rpc unavailable", job.LastError)

	hookMu.Lock()
	defer hookMu.Unlock()
	assert.Equal(t, 1, hookCalls)
	assert.EqualError(t, hookErr, "rpc unavailable")

	stats := q.Stats()
	assert.Equal(t, int64(2), stats.Retried)
	assert.Equal(t, int64(1), stats.Exhausted)
}

func TestQueue_SucceedsAfterRetry(t *testing.T) {
	q, db := newTestQueue(t)
	ctx := context.Background()

	var calls atomic.Int32
	q.Handle("flaky", func(ctx context.Context, job *domain.Job) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	})
	id, _ := q.Enqueue(ctx, "flaky", struct{}{})

	drain(t, q, 2*time.Second)

	job, _ := db.GetJob(ctx, id)
	assert.Equal(t, domain.JobCompleted, job.Status)
	assert.Equal(t, 2, job.Attempt)
}

func TestQueue_PermanentErrorSkipsRetries(t *testing.T) {
	q, db := newTestQueue(t)
	ctx := context.Background()

	var calls atomic.Int32
	q.Handle("analysis", func(ctx context.Context, job *domain.Job) error {
		calls.Add(1)
		return Permanent(domain.ErrAnalysisTimeout)
	})
	exhausted := make(chan error, 1)
	q.OnExhausted("analysis", func(ctx context.Context, job *domain.Job, err error) { exhausted <- err })

	id, _ := q.Enqueue(ctx, "analysis", struct{}{})
	drain(t, q, time.Second)

	assert.Equal(t, int32(1), calls.Load())
	job, _ := db.GetJob(ctx, id)
	assert.Equal(t, domain.JobFailed, job.Status)
	select {
	case err := <-exhausted:
		assert.ErrorIs(t, err, domain.ErrAnalysisTimeout)
	default:
		t.Fatal("exhausted hook not called")
	}
}

func TestQueue_PanicIsAFailedAttempt(t *testing.T) {
	q, db := newTestQueue(t)
	ctx := context.Background()

	q.Handle("boom", func(ctx context.Context, job *domain.Job) error { panic("nil map") })
	id, _ := q.Enqueue(ctx, "boom", struct{}{}, WithMaxAttempts(1))

	drain(t, q, time.Second)

	job, _ := db.GetJob(ctx, id)
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Contains(t, job.LastError, "panic")
}

func TestQueue_UniqueKey(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	q.Handle("process-account", func(ctx context.Context, job *domain.Job) error { return nil })

	first, err := q.Enqueue(ctx, "process-account", struct{}{}, WithUniqueKey("task-1"))
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, "process-account", struct{}{}, WithUniqueKey("task-1"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestQueue_ReapRedeliversExpiredLease(t *testing.T) {
	q, db := newTestQueue(t)
	ctx := context.Background()

	var calls atomic.Int32
	q.Handle("process-account", func(ctx context.Context, job *domain.Job) error {
		calls.Add(1)
		return nil
	})
	id, _ := q.Enqueue(ctx, "process-account", struct{}{})

	// A worker that claimed the job and then vanished.
	claimed, err := db.ClaimJob(ctx, []string{"process-account"}, time.Now(), time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	time.Sleep(10 * time.Millisecond)
	q.Reap(ctx)

	drain(t, q, time.Second)

	assert.Equal(t, int32(1), calls.Load())
	job, _ := db.GetJob(ctx, id)
	assert.Equal(t, domain.JobCompleted, job.Status)
	assert.Equal(t, 2, job.Attempt)
	assert.Equal(t, int64(1), q.Stats().Reaped)
}

func TestQueue_RunProcessesUntilCancelled(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan string, 4)
	q.Handle("process-account", func(ctx context.Context, job *domain.Job) error {
		done <- job.ID
		return nil
	})

	runErr := make(chan error, 1)
	go func() { runErr <- q.Run(ctx) }()

	id, err := q.Enqueue(context.Background(), "process-account", struct{}{})
	require.NoError(t, err)

	select {
	case got := <-done:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("job not processed by Run")
	}

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
