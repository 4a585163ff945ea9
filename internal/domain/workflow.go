package domain

import (
	"encoding/json"
	"time"
)

// MaxWorkflowAttempts caps analysis attempts per workflow.
const MaxWorkflowAttempts = 3

// Stage is the workflow's position in the investigation pipeline.
// It is a separate enumeration from TaskStatus; StatusForStage joins them.
type Stage string

const (
	StageContractRequest Stage = "CONTRACT_REQUEST"
	StageAnalysis        Stage = "ANALYSIS"
	StageCompletion      Stage = "COMPLETION"
)

// StatusForStage maps a workflow stage to the task status a client sees.
func StatusForStage(s Stage) TaskStatus {
	switch s {
	case StageAnalysis:
		return TaskProcessing
	case StageCompletion:
		return TaskComplete
	default:
		return TaskPending
	}
}

// WorkflowState tracks one investigation request through its stages.
type WorkflowState struct {
	RequestID         string          `json:"requestId"`
	TargetAccount     string          `json:"targetAccount"`
	TokenID           string          `json:"tokenId"`
	TaskID            string          `json:"taskId"`
	Stage             Stage           `json:"stage"`
	AnalysisTaskID    string          `json:"analysisTaskId,omitempty"`
	Attempts          int             `json:"attempts"`
	Error             string          `json:"error,omitempty"`
	AnalysisResult    json.RawMessage `json:"analysisResult,omitempty"`
	StartedAt         time.Time       `json:"startTime"`
	AnalysisStartedAt time.Time       `json:"analysisStartedAt,omitempty"`
	UpdatedAt         time.Time       `json:"lastUpdated"`
	CompletedAt       time.Time       `json:"completedAt,omitempty"`
}

// Exhausted reports whether the workflow has used all its attempts.
func (w *WorkflowState) Exhausted() bool {
	return w.Attempts >= MaxWorkflowAttempts
}

// Completed reports whether analysis finished and the result was recorded.
func (w *WorkflowState) Completed() bool {
	return w.Stage == StageCompletion && !w.CompletedAt.IsZero()
}

// WorkflowOutcome is the coarse status returned by the workflow read path.
type WorkflowOutcome string

const (
	OutcomePending WorkflowOutcome = "pending"
	OutcomeSuccess WorkflowOutcome = "success"
	OutcomeError   WorkflowOutcome = "error"
)

// WorkflowResult is the read-only view of a workflow.
type WorkflowResult struct {
	Status WorkflowOutcome `json:"status"`
	State  WorkflowState   `json:"state"`
	Error  string          `json:"error,omitempty"`
}

// Outcome derives the read-path status from a workflow state.
func (w *WorkflowState) Outcome() WorkflowOutcome {
	switch {
	case w.Completed():
		return OutcomeSuccess
	case w.Error != "":
		return OutcomeError
	default:
		return OutcomePending
	}
}
