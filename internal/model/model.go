// Package model defines a small provider-agnostic text-generation interface
// used by the orchestrator's planning and finalization calls, plus adapters
// for the Anthropic, OpenAI, and Bedrock backends.
package model

import (
	"context"
	"errors"
	"fmt"
)

// Role identifies the speaker for one message in a transcript.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single role-tagged turn of plain text. The orchestrator's
// planner/final-response prompts are single large formatted strings (spec
// §4.6), so unlike the richer multi-part transcript types a full agent
// runtime would need, a message here carries flat text only.
type Message struct {
	Role Role
	Text string
}

// ModelClass names a model tier. The Anthropic, OpenAI and Bedrock
// providers in this package do not read it; a request without Model uses
// the provider's default model.
type ModelClass string

const (
	ModelClassDefault ModelClass = "default"
	ModelClassHigh    ModelClass = "high"
	ModelClassSmall   ModelClass = "small"
)

// Request captures one text-generation call.
type Request struct {
	Model       string
	ModelClass  ModelClass
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// TokenUsage reports token consumption for a call.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the result of a text-generation call.
type Response struct {
	Text       string
	Usage      TokenUsage
	StopReason string
}

// Provider generates text completions. Concrete adapters wrap a specific
// vendor SDK; the orchestrator depends only on this interface.
type Provider interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// ErrorKind classifies provider failures for retry/UX decisions, mirroring
// the teacher's ProviderErrorKind categories.
type ErrorKind string

const (
	ErrorKindAuth           ErrorKind = "auth"
	ErrorKindInvalidRequest ErrorKind = "invalid_request"
	ErrorKindRateLimited    ErrorKind = "rate_limited"
	ErrorKindUnavailable    ErrorKind = "unavailable"
	ErrorKindUnknown        ErrorKind = "unknown"
)

// ProviderError describes a failure returned by a model provider, carrying
// enough structure for callers to decide whether a retry may succeed.
type ProviderError struct {
	Provider  string
	Kind      ErrorKind
	HTTP      int
	Retryable bool
	cause     error
}

func NewProviderError(provider string, kind ErrorKind, httpStatus int, retryable bool, cause error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: kind, HTTP: httpStatus, Retryable: retryable, cause: cause}
}

func (e *ProviderError) Error() string {
	msg := "provider error"
	if e.cause != nil {
		msg = e.cause.Error()
	}
	if e.HTTP > 0 {
		return fmt.Sprintf("%s %s (http %d): %s", e.Provider, e.Kind, e.HTTP, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Kind, msg)
}

func (e *ProviderError) Unwrap() error { return e.cause }

// AsProviderError returns the first ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
