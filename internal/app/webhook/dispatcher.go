// Package webhook delivers investigation updates to the contract.
//
// Every notification becomes a delivery record plus a queued job. The job's
// attempt counter is the delivery's attempt counter; a delivery is tried at
// most MaxAttempts times and never again once delivered or failed.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/chain-sleuth/sleuth/internal/domain"
	"github.com/chain-sleuth/sleuth/internal/infra/metrics"
	"github.com/chain-sleuth/sleuth/internal/infra/queue"
)

// JobType is the queue job type for deliveries.
const JobType = "deliver-webhook"

// JobQueue is the part of queue.Queue the dispatcher uses.
type JobQueue interface {
	Enqueue(ctx context.Context, jobType string, payload any, opts ...queue.Option) (string, error)
	Handle(jobType string, h queue.HandlerFunc)
	OnExhausted(jobType string, f queue.ExhaustedFunc)
}

// Notification is one update to deliver.
type Notification struct {
	TaskID    string
	AccountID string
	Type      domain.WebhookType
	Metadata  domain.MetadataUpdate
}

type deliverPayload struct {
	WebhookID string `json:"webhookId"`
}

// Dispatcher queues and performs webhook deliveries.
type Dispatcher struct {
	deliveries  domain.DeliveryStore
	accounts    domain.AccountStore
	contract    domain.ContractClient
	events      domain.EventPublisher // optional
	queue       JobQueue
	maxAttempts int
	now         func() time.Time
}

// Config wires a Dispatcher.
type Config struct {
	Deliveries  domain.DeliveryStore
	Accounts    domain.AccountStore
	Contract    domain.ContractClient
	Events      domain.EventPublisher
	Queue       JobQueue
	MaxAttempts int
}

// NewDispatcher creates a dispatcher and registers its job handler.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = domain.MaxDeliveryAttempts
	}
	d := &Dispatcher{
		deliveries:  cfg.Deliveries,
		accounts:    cfg.Accounts,
		contract:    cfg.Contract,
		events:      cfg.Events,
		queue:       cfg.Queue,
		maxAttempts: cfg.MaxAttempts,
		now:         time.Now,
	}
	cfg.Queue.Handle(JobType, d.deliver)
	cfg.Queue.OnExhausted(JobType, d.exhausted)
	return d
}

// AddToQueue records a pending delivery and enqueues it. It returns the webhook ID.
func (d *Dispatcher) AddToQueue(ctx context.Context, n Notification) (string, error) {
	dl := &domain.WebhookDelivery{
		ID:          uuid.New().String(),
		TaskID:      n.TaskID,
		AccountID:   n.AccountID,
		Type:        n.Type,
		Status:      domain.DeliveryPending,
		MaxAttempts: d.maxAttempts,
		Metadata:    n.Metadata,
	}
	if err := d.deliveries.CreateDelivery(ctx, dl); err != nil {
		return "", fmt.Errorf("record delivery: %w", err)
	}

	_, err := d.queue.Enqueue(ctx, JobType, deliverPayload{WebhookID: dl.ID},
		queue.WithMaxAttempts(d.maxAttempts),
		queue.WithUniqueKey("webhook:"+dl.ID),
	)
	if err != nil {
		dl.Status, dl.Error = domain.DeliveryFailed, "enqueue: "+err.Error()
		if uerr := d.deliveries.UpdateDelivery(context.WithoutCancel(ctx), dl); uerr != nil {
			log.Printf("[webhook] webhook=%s mark failed: %v", dl.ID, uerr)
		}
		return "", fmt.Errorf("enqueue delivery: %w", err)
	}
	log.Printf("[webhook] queued webhook=%s task=%s type=%s", dl.ID, dl.TaskID, dl.Type)
	return dl.ID, nil
}

// GetDelivery returns a delivery by webhook ID.
func (d *Dispatcher) GetDelivery(ctx context.Context, webhookID string) (*domain.WebhookDelivery, error) {
	dl, err := d.deliveries.GetDelivery(ctx, webhookID)
	if errors.Is(err, domain.ErrDeliveryNotFound) {
		return nil, domain.NotFound("webhook", err)
	}
	return dl, err
}

// deliver performs one attempt.
func (d *Dispatcher) deliver(ctx context.Context, job *domain.Job) error {
	var p deliverPayload
	if err := queue.Decode(job, &p); err != nil {
		return err
	}
	dl, err := d.deliveries.GetDelivery(ctx, p.WebhookID)
	if errors.Is(err, domain.ErrDeliveryNotFound) {
		return queue.Permanent(err)
	}
	if err != nil {
		return err
	}
	if dl.Status.IsFinal() {
		return nil
	}

	dl.Status = domain.DeliveryRetrying
	dl.Attempts = job.Attempt
	dl.LastAttemptAt = d.now()
	if err := d.deliveries.UpdateDelivery(ctx, dl); err != nil {
		return fmt.Errorf("mark retrying: %w", err)
	}

	txHash, callErr := d.contract.UpdateInvestigationMetadata(ctx, dl.Metadata)
	if callErr != nil {
		final := job.LastAttempt() || domain.KindOf(callErr) == domain.KindValidation
		dl.Error = callErr.Error()
		if final {
			dl.Status = domain.DeliveryFailed
		}
		if err := d.deliveries.UpdateDelivery(context.WithoutCancel(ctx), dl); err != nil {
			log.Printf("[webhook] webhook=%s record failure: %v", dl.ID, err)
		}
		metrics.WebhookDeliveries.WithLabelValues(string(dl.Type), string(dl.Status)).Inc()
		log.Printf("[webhook] webhook=%s task=%s attempt=%d/%d failed: %v", dl.ID, dl.TaskID, job.Attempt, job.MaxAttempts, callErr)
		if final {
			return queue.Permanent(callErr)
		}
		return callErr
	}

	dl.Status = domain.DeliveryDelivered
	dl.Error = ""
	if err := d.deliveries.UpdateDelivery(ctx, dl); err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	metrics.WebhookDeliveries.WithLabelValues(string(dl.Type), string(dl.Status)).Inc()
	log.Printf("[webhook] delivered webhook=%s task=%s type=%s tx=%s", dl.ID, dl.TaskID, dl.Type, txHash)

	d.recordAccount(ctx, dl, txHash)
	d.broadcast(ctx, dl)
	return nil
}

// exhausted marks a delivery failed when the queue gives up on it outside
// the handler (for example a lease that lapsed on the last attempt).
func (d *Dispatcher) exhausted(ctx context.Context, job *domain.Job, err error) {
	var p deliverPayload
	if queue.Decode(job, &p) != nil {
		return
	}
	dl, gerr := d.deliveries.GetDelivery(ctx, p.WebhookID)
	if gerr != nil || dl.Status.IsFinal() {
		return
	}
	dl.Status = domain.DeliveryFailed
	dl.Attempts = job.Attempt
	if err != nil {
		dl.Error = err.Error()
	}
	if uerr := d.deliveries.UpdateDelivery(ctx, dl); uerr != nil {
		log.Printf("[webhook] webhook=%s mark exhausted: %v", dl.ID, uerr)
	}
}

// accountSnapshot is the stored per-account record.
type accountSnapshot struct {
	TokenID         string          `json:"tokenId"`
	Description     string          `json:"description"`
	Extra           json.RawMessage `json:"extra,omitempty"`
	WebhookType     string          `json:"webhookType"`
	TransactionHash string          `json:"transactionHash,omitempty"`
}

func (d *Dispatcher) recordAccount(ctx context.Context, dl *domain.WebhookDelivery, txHash string) {
	if d.accounts == nil {
		return
	}
	snap := accountSnapshot{
		TokenID:         dl.Metadata.TokenID,
		Description:     dl.Metadata.Description,
		WebhookType:     dl.Metadata.WebhookType,
		TransactionHash: txHash,
	}
	if json.Valid([]byte(dl.Metadata.Extra)) {
		snap.Extra = json.RawMessage(dl.Metadata.Extra)
	}
	body, err := json.Marshal(snap)
	if err != nil {
		log.Printf("[webhook] webhook=%s encode account record: %v", dl.ID, err)
		return
	}
	rec := domain.AccountRecord{
		AccountID: dl.AccountID,
		Metadata:  body,
		TaskID:    dl.TaskID,
		WebhookID: dl.ID,
		UpdatedAt: d.now(),
	}
	if err := d.accounts.PutAccountRecord(ctx, rec); err != nil {
		log.Printf("[webhook] webhook=%s account=%s record: %v", dl.ID, dl.AccountID, err)
	}
}

func (d *Dispatcher) broadcast(ctx context.Context, dl *domain.WebhookDelivery) {
	if d.events == nil {
		return
	}
	ev := domain.Event{
		TaskID:    dl.TaskID,
		AccountID: dl.AccountID,
		WebhookID: dl.ID,
		Type:      dl.Type,
		Metadata:  dl.Metadata,
		At:        d.now(),
	}
	if err := d.events.Publish(ctx, ev); err != nil {
		log.Printf("[webhook] webhook=%s broadcast: %v", dl.ID, err)
	}
}
