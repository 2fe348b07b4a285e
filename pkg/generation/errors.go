package generation

import (
	"errors"
	"fmt"

	"contentengine/pkg/domain"
)

var (
	// ErrGenerationFailed matches every *FailureError.
	ErrGenerationFailed = errors.New("generation failed")
	// ErrValidationFailed matches failures where every draft failed validation.
	ErrValidationFailed = errors.New("validation failed")
	// ErrBadRequest covers requests that can never succeed as written:
	// missing pillar, or a framework that does not support the pillar.
	ErrBadRequest = errors.New("invalid generation request")
)

type Reason string

const (
	ReasonBudgetExhausted     Reason = "budget_exhausted"
	ReasonValidationExhausted Reason = "validation_exhausted"
	ReasonProviderFatal       Reason = "provider_fatal"
	ReasonProviderUnavailable Reason = "provider_unavailable"
)

// FailureError is the terminal outcome of a generation request that did
// not produce a draft. Attempts counts validated drafts; Calls counts
// provider calls including transient failures.
type FailureError struct {
	Reason     Reason
	Framework  string
	Attempts   int
	Calls      int
	LastReport *domain.ValidationReport
	Err        error
}

func (e *FailureError) Error() string {
	msg := fmt.Sprintf("generation failed: %s after %d attempt(s), %d provider call(s)", e.Reason, e.Attempts, e.Calls)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FailureError) Unwrap() error { return e.Err }

func (e *FailureError) Is(target error) bool {
	switch target {
	case ErrGenerationFailed:
		return true
	case ErrValidationFailed:
		return e.Reason == ReasonValidationExhausted
	}
	return false
}
