package domain

import (
	"context"
	"time"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// TaskStore persists tasks. Implemented by infra/sqlite.DB.
type TaskStore interface {
	CreateTask(ctx context.Context, accountID string) (*Task, error)

	// FindOrCreateTask returns the newest pending, processing or complete task
	// for the account unless force is set, otherwise creates one. created
	// reports which happened. Runs in a single transaction.
	FindOrCreateTask(ctx context.Context, accountID string, force bool) (task *Task, created bool, err error)

	UpdateTask(ctx context.Context, id string, u TaskUpdate) (*Task, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]Task, error)
}

// WorkflowStore persists workflow state.
type WorkflowStore interface {
	SaveWorkflow(ctx context.Context, w *WorkflowState) error
	GetWorkflow(ctx context.Context, requestID string) (*WorkflowState, error)

	// FindWorkflowByTask matches either the local task ID or the analysis task ID.
	FindWorkflowByTask(ctx context.Context, taskID string) (*WorkflowState, error)
}

// DeliveryStore persists webhook deliveries.
type DeliveryStore interface {
	CreateDelivery(ctx context.Context, d *WebhookDelivery) error
	UpdateDelivery(ctx context.Context, d *WebhookDelivery) error
	GetDelivery(ctx context.Context, id string) (*WebhookDelivery, error)
}

// AccountStore keeps the last delivered metadata per account.
// Implemented by infra/sqlite.DB and infra/dynamo.AccountStore.
type AccountStore interface {
	PutAccountRecord(ctx context.Context, rec AccountRecord) error
	GetAccountRecord(ctx context.Context, accountID string) (*AccountRecord, error)
}

// EventPublisher broadcasts delivered events to live listeners.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}

// ContractClient writes investigation metadata on chain.
type ContractClient interface {
	UpdateInvestigationMetadata(ctx context.Context, m MetadataUpdate) (txHash string, err error)
}

// AnalysisStatus is one poll of the analysis service.
type AnalysisStatus struct {
	TaskID      string `json:"taskId"`
	Status      string `json:"status"`
	Progress    int    `json:"progress"`
	CurrentStep string `json:"currentStep,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Analysis status values reported by the analysis service.
const (
	AnalysisComplete = "complete"
	AnalysisFailed   = "failed"
)

// IsTerminal returns true when the analysis service will not report further progress.
func (s AnalysisStatus) IsTerminal() bool {
	return s.Status == AnalysisComplete || s.Status == AnalysisFailed
}

// AnalysisService is the third-party graph analysis API.
type AnalysisService interface {
	StartAnalysis(ctx context.Context, accountID string, force bool) (analysisTaskID string, err error)
	AnalysisStatus(ctx context.Context, analysisTaskID string) (*AnalysisStatus, error)

	// WaitForCompletion polls every interval until the analysis finishes,
	// fails or maxWait elapses. onProgress sees each successful poll.
	WaitForCompletion(ctx context.Context, analysisTaskID string, interval, maxWait time.Duration, onProgress func(AnalysisStatus)) (*AnalysisStatus, error)

	FetchResult(ctx context.Context, accountID string) (*AnalysisReport, error)
}

// AnalysisReport is the combined metadata and summaries fetched after completion.
type AnalysisReport struct {
	Metadata  map[string]any `json:"metadata,omitempty"`
	Summaries map[string]any `json:"summaries,omitempty"`
	Result    AnalysisResult `json:"result"`
}
