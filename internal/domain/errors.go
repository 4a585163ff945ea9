package domain

import (
	"context"
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure, with no infrastructure dependency.

var (
	// Input errors
	ErrAccountRequired    = errors.New("accountId is required")
	ErrTaskIDRequired     = errors.New("taskId is required")
	ErrUnknownWebhookType = errors.New("unsupported webhook type")

	// Lookup errors
	ErrTaskNotFound     = errors.New("task not found")
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrDeliveryNotFound = errors.New("webhook delivery not found")
	ErrAccountNotFound  = errors.New("account record not found")

	// Lifecycle errors
	ErrInvalidTransition = errors.New("invalid task status transition")
	ErrWorkflowExhausted = errors.New("workflow attempts exhausted")

	// Collaborator errors
	ErrAnalysisFailed  = errors.New("analysis service reported failure")
	ErrAnalysisTimeout = errors.New("analysis timed out")
	ErrDeliveryFailed  = errors.New("webhook delivery failed")
)

// Kind classifies an error for callers that map errors to responses.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindUpstream
	KindTimeout
	KindDelivery
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindUpstream:
		return "upstream"
	case KindTimeout:
		return "timeout"
	case KindDelivery:
		return "delivery"
	}
	return "internal"
}

// Error attaches a Kind and the failing operation to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind. A nil err stays nil.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op string, err error) error { return E(KindValidation, op, err) }
func NotFound(op string, err error) error   { return E(KindNotFound, op, err) }
func Upstream(op string, err error) error   { return E(KindUpstream, op, err) }
func Timeout(op string, err error) error    { return E(KindTimeout, op, err) }
func Delivery(op string, err error) error   { return E(KindDelivery, op, err) }

// KindOf returns the kind of the outermost *Error in err's chain, falling
// back to the sentinel errors above.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrAccountRequired), errors.Is(err, ErrTaskIDRequired),
		errors.Is(err, ErrUnknownWebhookType), errors.Is(err, ErrInvalidTransition):
		return KindValidation
	case errors.Is(err, ErrTaskNotFound), errors.Is(err, ErrWorkflowNotFound),
		errors.Is(err, ErrDeliveryNotFound), errors.Is(err, ErrAccountNotFound):
		return KindNotFound
	case errors.Is(err, ErrAnalysisTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrAnalysisFailed):
		return KindUpstream
	case errors.Is(err, ErrDeliveryFailed):
		return KindDelivery
	}
	return KindInternal
}
