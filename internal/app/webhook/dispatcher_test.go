package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chain-sleuth/sleuth/internal/domain"
	"github.com/chain-sleuth/sleuth/internal/infra/queue"
	"github.com/chain-sleuth/sleuth/internal/infra/sqlite"
)

type fakeContract struct {
	mu    sync.Mutex
	calls []domain.MetadataUpdate
	fail  int // fail this many calls before succeeding
	err   error
}

func (f *fakeContract) UpdateInvestigationMetadata(_ context.Context, u domain.MetadataUpdate) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, u)
	if f.fail > 0 {
		f.fail--
		if f.err != nil {
			return "", f.err
		}
		return "", domain.Delivery("contract", errors.New("relayer unavailable"))
	}
	return "tx-hash", nil
}

func (f *fakeContract) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recordingPublisher) Publish(_ context.Context, ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

type harness struct {
	db       *sqlite.DB
	q        *queue.Queue
	contract *fakeContract
	events   *recordingPublisher
	d        *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	q := queue.New(db, queue.Config{
		Workers:           1,
		PollInterval:      5 * time.Millisecond,
		VisibilityTimeout: time.Minute,
		Retry:             queue.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})
	h := &harness{db: db, q: q, contract: &fakeContract{}, events: &recordingPublisher{}}
	h.d = NewDispatcher(Config{
		Deliveries: db,
		Accounts:   db,
		Contract:   h.contract,
		Events:     h.events,
		Queue:      q,
	})
	return h
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	idle := 0
	for time.Now().Before(deadline) && idle < 20 {
		ran, err := h.q.ProcessOne(context.Background())
		require.NoError(t, err)
		if ran {
			idle = 0
			continue
		}
		idle++
		time.Sleep(2 * time.Millisecond)
	}
}

func completion() Notification {
	return Notification{
		TaskID:    "task-1",
		AccountID: "alice.near",
		Type:      domain.WebhookCompletion,
		Metadata: domain.MetadataUpdate{
			TokenID:     "alice.near",
			Description: "Investigation completed",
			Extra:       `{"status":"Completed"}`,
			WebhookType: "Completion",
		},
	}
}

func TestAddToQueue_RecordsPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.d.AddToQueue(ctx, completion())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	dl, err := h.d.GetDelivery(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryPending, dl.Status)
	assert.Equal(t, 0, dl.Attempts)
	assert.Equal(t, domain.MaxDeliveryAttempts, dl.MaxAttempts)
}

func TestDeliver_Success(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.d.AddToQueue(ctx, completion())
	require.NoError(t, err)
	h.drain(t)

	dl, err := h.d.GetDelivery(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryDelivered, dl.Status)
	assert.Equal(t, 1, dl.Attempts)
	assert.Empty(t, dl.Error)
	assert.False(t, dl.LastAttemptAt.IsZero())

	rec, err := h.db.GetAccountRecord(ctx, "alice.near")
	require.NoError(t, err)
	assert.Equal(t, id, rec.WebhookID)
	assert.Equal(t, "task-1", rec.TaskID)
	var snap map[string]any
	require.NoError(t, json.Unmarshal(rec.Metadata, &snap))
	assert.Equal(t, "tx-hash", snap["transactionHash"])
	assert.Equal(t, "Completed", snap["extra"].(map[string]any)["status"])

	require.Len(t, h.events.events, 1)
	assert.Equal(t, id, h.events.events[0].WebhookID)
	assert.Equal(t, domain.WebhookCompletion, h.events.events[0].Type)
}

func TestDeliver_RetriesThenSucceeds(t *testing.T) {
	h := newHarness(t)
	h.contract.fail = 2
	ctx := context.Background()

	id, err := h.d.AddToQueue(ctx, completion())
	require.NoError(t, err)
	h.drain(t)

	dl, err := h.d.GetDelivery(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryDelivered, dl.Status)
	assert.Equal(t, 3, dl.Attempts)
	assert.Equal(t, 3, h.contract.count())
}

func TestDeliver_FailsAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	h.contract.fail = 10
	ctx := context.Background()

	id, err := h.d.AddToQueue(ctx, completion())
	require.NoError(t, err)
	h.drain(t)

	dl, err := h.d.GetDelivery(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryFailed, dl.Status)
	assert.Equal(t, 3, dl.Attempts)
	assert.Contains(t, dl.Error, "relayer unavailable")
	assert.Equal(t, 3, h.contract.count(), "never more than three attempts")

	_, err = h.db.GetAccountRecord(ctx, "alice.near")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	assert.Empty(t, h.events.events)
}

func TestDeliver_ValidationErrorIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.contract.fail = 1
	h.contract.err = domain.Validation("contract", errors.New("token id required"))
	ctx := context.Background()

	id, err := h.d.AddToQueue(ctx, completion())
	require.NoError(t, err)
	h.drain(t)

	dl, err := h.d.GetDelivery(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryFailed, dl.Status)
	assert.Equal(t, 1, h.contract.count())
}

func TestGetDelivery_NotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.d.GetDelivery(context.Background(), "nope")
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestExhaustedHookMarksFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.d.AddToQueue(ctx, completion())
	require.NoError(t, err)

	payload, _ := json.Marshal(deliverPayload{WebhookID: id})
	h.d.exhausted(ctx, &domain.Job{Type: JobType, Payload: payload, Attempt: 3, MaxAttempts: 3}, errors.New("lease expired"))

	dl, err := h.d.GetDelivery(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryFailed, dl.Status)
	assert.Equal(t, "lease expired", dl.Error)
}
