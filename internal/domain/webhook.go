package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DeliveryStatus tracks a webhook delivery.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryRetrying  DeliveryStatus = "retrying"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// IsFinal returns true once a delivery will not be attempted again.
func (s DeliveryStatus) IsFinal() bool {
	return s == DeliveryDelivered || s == DeliveryFailed
}

// MaxDeliveryAttempts is the default attempt budget for one delivery.
const MaxDeliveryAttempts = 3

// WebhookType names the kind of update carried by a webhook.
type WebhookType string

const (
	WebhookProgress   WebhookType = "progress"
	WebhookCompletion WebhookType = "completion"
	WebhookError      WebhookType = "error"
)

// ContractName is the variant name the investigation contract expects.
func (t WebhookType) ContractName() string {
	switch t {
	case WebhookProgress:
		return "Progress"
	case WebhookCompletion:
		return "Completion"
	case WebhookError:
		return "Error"
	}
	return ""
}

// WebhookEvent is a closed set: ProgressEvent, CompletionEvent or ErrorEvent.
type WebhookEvent interface {
	Type() WebhookType
	webhookEvent()
}

// ProgressEvent reports intermediate progress.
type ProgressEvent struct {
	Progress         int    `json:"progress"`
	Message          string `json:"message,omitempty"`
	TransactionCount int    `json:"transactionCount,omitempty"`
}

// CompletionEvent carries the final analysis result.
type CompletionEvent struct {
	Result AnalysisResult `json:"result"`
}

// ErrorEvent reports a terminal failure.
type ErrorEvent struct {
	Message string `json:"error"`
}

func (ProgressEvent) Type() WebhookType   { return WebhookProgress }
func (CompletionEvent) Type() WebhookType { return WebhookCompletion }
func (ErrorEvent) Type() WebhookType      { return WebhookError }

func (ProgressEvent) webhookEvent()   {}
func (CompletionEvent) webhookEvent() {}
func (ErrorEvent) webhookEvent()      {}

// AnalysisResult is the subset of the analysis output written to the contract.
type AnalysisResult struct {
	TransactionCount int           `json:"transactionCount"`
	ShortSummary     string        `json:"shortSummary,omitempty"`
	RobustSummary    string        `json:"robustSummary,omitempty"`
	IsBot            bool          `json:"isBot"`
	FinancialData    FinancialData `json:"financialData"`
}

// FinancialData holds balances as decimal strings.
type FinancialData struct {
	TotalUSDValue string `json:"totalUsdValue,omitempty"`
	NearBalance   string `json:"nearBalance,omitempty"`
	DefiValue     string `json:"defiValue,omitempty"`
}

// webhookData is the inbound "data" object; each event type reads its own fields.
type webhookData struct {
	Progress         int             `json:"progress"`
	Message          string          `json:"message"`
	Error            string          `json:"error"`
	Result           json.RawMessage `json:"result"`
	TransactionCount int             `json:"transactionCount"`
}

// ParseWebhookEvent decodes an inbound webhook of the given type.
// Unknown types return ErrUnknownWebhookType.
func ParseWebhookEvent(typ string, data json.RawMessage) (WebhookEvent, error) {
	var d webhookData
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, Validation("parse webhook", fmt.Errorf("invalid data: %w", err))
		}
	}

	switch WebhookType(strings.ToLower(strings.TrimSpace(typ))) {
	case WebhookProgress:
		ev := ProgressEvent{Progress: clampProgress(d.Progress), Message: d.Message, TransactionCount: d.TransactionCount}
		if ev.TransactionCount == 0 && len(d.Result) > 0 {
			var r AnalysisResult
			if json.Unmarshal(d.Result, &r) == nil {
				ev.TransactionCount = r.TransactionCount
			}
		}
		return ev, nil
	case WebhookCompletion:
		var r AnalysisResult
		if len(d.Result) > 0 {
			if err := json.Unmarshal(d.Result, &r); err != nil {
				return nil, Validation("parse webhook", fmt.Errorf("invalid result: %w", err))
			}
		}
		return CompletionEvent{Result: r}, nil
	case WebhookError:
		msg := d.Error
		if msg == "" {
			msg = d.Message
		}
		return ErrorEvent{Message: msg}, nil
	}
	return nil, Validation("parse webhook", fmt.Errorf("%w: %q", ErrUnknownWebhookType, typ))
}

// MetadataUpdate is the payload written to the investigation contract.
type MetadataUpdate struct {
	TokenID     string `json:"tokenId"`
	Description string `json:"description"`
	Extra       string `json:"extra"`
	WebhookType string `json:"webhookType"`
}

// WebhookDelivery records one notification's delivery attempts.
type WebhookDelivery struct {
	ID            string         `json:"webhookId"`
	TaskID        string         `json:"taskId"`
	AccountID     string         `json:"accountId"`
	Type          WebhookType    `json:"type"`
	Status        DeliveryStatus `json:"status"`
	Attempts      int            `json:"attempts"`
	MaxAttempts   int            `json:"maxAttempts"`
	LastAttemptAt time.Time      `json:"lastAttempt,omitempty"`
	Error         string         `json:"error,omitempty"`
	Metadata      MetadataUpdate `json:"metadata"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// AccountRecord is the last delivered metadata snapshot for an account.
type AccountRecord struct {
	AccountID string          `json:"accountId"`
	Metadata  json.RawMessage `json:"metadata"`
	TaskID    string          `json:"taskId"`
	WebhookID string          `json:"webhookId"`
	UpdatedAt time.Time       `json:"lastUpdated"`
}

// Event is broadcast to live listeners after a successful delivery.
type Event struct {
	TaskID    string         `json:"taskId"`
	AccountID string         `json:"accountId"`
	WebhookID string         `json:"webhookId"`
	Type      WebhookType    `json:"type"`
	Metadata  MetadataUpdate `json:"metadata"`
	At        time.Time      `json:"at"`
}
