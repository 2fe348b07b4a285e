package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// TextGenerator generates text from a system prompt and user prompt.
// All LLM providers (Ollama, OpenAI, OpenAI-compatible, Gemini, scripted) implement this interface.
type TextGenerator interface {
	GenerateText(ctx context.Context, req Request) (Response, error)
}

// Request is one completion call.
type Request struct {
	System    string
	User      string
	MaxTokens int
}

// Response carries the generated text and the token counts reported by the
// provider. Counts are zero when the provider does not report them.
type Response struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

var (
	// ErrTransient marks failures worth retrying: timeouts, 408, 429, 5xx.
	ErrTransient = errors.New("transient provider error")
	// ErrFatal marks failures that retrying cannot fix, e.g. bad credentials.
	ErrFatal = errors.New("fatal provider error")
)

type Kind string

const (
	KindTransient Kind = "transient"
	KindFatal     Kind = "fatal"
)

// ProviderError is returned by every provider for failed calls.
type ProviderError struct {
	Provider   string
	StatusCode int
	Kind       Kind
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s error (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrFatal:
		return e.Kind == KindFatal
	}
	return false
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// statusError classifies an HTTP error status.
func statusError(provider string, status int, err error) *ProviderError {
	kind := KindFatal
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500 {
		kind = KindTransient
	}
	return &ProviderError{Provider: provider, StatusCode: status, Kind: kind, Err: err}
}

// transportError classifies a failure that happened before a response
// arrived. Timeouts and connection failures are transient; a cancelled
// caller context is fatal because retrying cannot help.
func transportError(provider string, err error) *ProviderError {
	if errors.Is(err, context.Canceled) {
		return &ProviderError{Provider: provider, Kind: KindFatal, Err: err}
	}
	kind := KindFatal
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTransient
	case errors.As(err, &netErr):
		kind = KindTransient
	case strings.Contains(err.Error(), "connection refused"), strings.Contains(err.Error(), "EOF"):
		kind = KindTransient
	}
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}

func fatalError(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: KindFatal, Err: err}
}

func transientError(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: KindTransient, Err: err}
}
