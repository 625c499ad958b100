package agent

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

// ErrorKind classifies a terminal failure
type ErrorKind string

const (
	KindConfiguration     ErrorKind = "configuration"
	KindConflict          ErrorKind = "conflict"
	KindProviderTransient ErrorKind = "provider_transient"
	KindProviderPermanent ErrorKind = "provider_permanent"
	KindTool              ErrorKind = "tool"
	KindPersistence       ErrorKind = "persistence"
	KindInternal          ErrorKind = "internal"
)

// Retryable reports whether the caller may safely retry the request
func (k ErrorKind) Retryable() bool {
	return k == KindProviderTransient || k == KindConflict
}

// KindError tags an error with its kind
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string {
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *KindError) Unwrap() error {
	return e.Err
}

// WithKind tags err. A nil err stays nil.
func WithKind(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// Classify maps an error onto the failure taxonomy
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var tagged *KindError
	if errors.As(err, &tagged) {
		return tagged.Kind
	}

	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return classifyStatus(anthropicErr.StatusCode)
	}
	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return classifyStatus(openaiErr.StatusCode)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindProviderTransient
	}
	if errors.Is(err, context.Canceled) {
		return KindInternal
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindProviderTransient
	}

	if isTransientMessage(err.Error()) {
		return KindProviderTransient
	}
	return KindInternal
}

func classifyStatus(status int) ErrorKind {
	switch {
	case status == 408 || status == 409 || status == 429:
		return KindProviderTransient
	case status >= 500:
		return KindProviderTransient
	case status >= 400:
		return KindProviderPermanent
	default:
		return KindProviderTransient
	}
}

var transientMarkers = []string{
	"ECONNRESET", "ETIMEDOUT", "connection reset", "connection refused",
	"rate limit", "overloaded", "429", "500", "502", "503", "504",
}

func isTransientMessage(msg string) bool {
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// UserMessage returns the templated explanation shown for a failure kind
func UserMessage(kind ErrorKind) string {
	switch kind {
	case KindConfiguration:
		return "No model is configured for this request. Check the model name and provider credentials, then try again."
	case KindConflict:
		return "This conversation was changed by another request. Reload it and send your message again."
	case KindProviderTransient:
		return "The assistant is temporarily unavailable. Please try again in a moment."
	case KindProviderPermanent:
		return "The assistant could not reach its model with the current settings. Check the model and credentials configuration."
	case KindTool:
		return "Some of the requested actions could not be completed."
	case KindPersistence:
		return "Your answer was delivered but could not be saved to the conversation."
	default:
		return "Something went wrong while handling your request. Please try again."
	}
}
