package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chain-sleuth/sleuth/internal/domain"
)

// InvestigationMetadata is the JSON document stored in the NFT's "extra" field.
type InvestigationMetadata struct {
	CaseNumber        int              `json:"case_number"`
	TargetAccount     string           `json:"target_account"`
	Requester         string           `json:"requester"`
	InvestigationDate string           `json:"investigation_date"`
	LastUpdated       string           `json:"last_updated"`
	Status            string           `json:"status"`
	FinancialSummary  FinancialSummary `json:"financial_summary"`
	AnalysisSummary   AnalysisSummary  `json:"analysis_summary"`
	Error             string           `json:"error,omitempty"`
}

// FinancialSummary holds balances as decimal strings.
type FinancialSummary struct {
	TotalUSDValue string `json:"total_usd_value"`
	NearBalance   string `json:"near_balance"`
	DefiValue     string `json:"defi_value"`
}

// AnalysisSummary is the analysis outcome as recorded on chain.
type AnalysisSummary struct {
	RobustSummary    *string `json:"robust_summary"`
	ShortSummary     *string `json:"short_summary"`
	TransactionCount int     `json:"transaction_count"`
	IsBot            bool    `json:"is_bot"`
}

// Metadata status values.
const (
	MetadataProcessing = "Processing"
	MetadataCompleted  = "Completed"
	MetadataFailed     = "Failed"
)

// BuildMetadataUpdate maps a webhook event for a workflow to the contract's
// metadata update.
func BuildMetadataUpdate(state *domain.WorkflowState, ev domain.WebhookEvent, requester string, now time.Time) (domain.MetadataUpdate, error) {
	if requester == "" {
		requester = state.TargetAccount
	}
	meta := InvestigationMetadata{
		CaseNumber:        caseNumber(state.TokenID),
		TargetAccount:     state.TargetAccount,
		Requester:         requester,
		InvestigationDate: state.StartedAt.UTC().Format(time.RFC3339),
		LastUpdated:       now.UTC().Format(time.RFC3339),
		FinancialSummary:  FinancialSummary{TotalUSDValue: "0", NearBalance: "0", DefiValue: "0"},
	}

	var description string
	switch e := ev.(type) {
	case domain.ProgressEvent:
		meta.Status = MetadataProcessing
		meta.AnalysisSummary.TransactionCount = e.TransactionCount
		description = orDefault(e.Message, "Processing...")
	case domain.CompletionEvent:
		r := e.Result
		meta.Status = MetadataCompleted
		meta.FinancialSummary = FinancialSummary{
			TotalUSDValue: orDefault(r.FinancialData.TotalUSDValue, "0"),
			NearBalance:   orDefault(r.FinancialData.NearBalance, "0"),
			DefiValue:     orDefault(r.FinancialData.DefiValue, "0"),
		}
		meta.AnalysisSummary = AnalysisSummary{
			RobustSummary:    optional(r.RobustSummary),
			ShortSummary:     optional(r.ShortSummary),
			TransactionCount: r.TransactionCount,
			IsBot:            r.IsBot,
		}
		description = orDefault(r.ShortSummary, "Investigation complete")
	case domain.ErrorEvent:
		meta.Status = MetadataFailed
		meta.Error = e.Message
		description = orDefault(e.Message, "Investigation failed")
	default:
		return domain.MetadataUpdate{}, domain.Validation("metadata", fmt.Errorf("%w: %T", domain.ErrUnknownWebhookType, ev))
	}

	extra, err := json.Marshal(meta)
	if err != nil {
		return domain.MetadataUpdate{}, fmt.Errorf("encode metadata: %w", err)
	}
	return domain.MetadataUpdate{
		TokenID:     state.TokenID,
		Description: description,
		Extra:       string(extra),
		WebhookType: ev.Type().ContractName(),
	}, nil
}

// caseNumber extracts the number from token IDs of the form "INV#42".
func caseNumber(tokenID string) int {
	_, num, ok := strings.Cut(tokenID, "#")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(num))
	if err != nil {
		return 0
	}
	return n
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
