package arbiter

import (
	"errors"
	"fmt"
	"strings"

	"marketarbiter/internal/provider"
)

var (
	// ErrInvalidRequest marks a request that cannot be arbitrated as given.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNoProviderAvailable matches *NoProviderAvailableError.
	ErrNoProviderAvailable = errors.New("no provider available")
	// ErrAllProvidersFailed matches *AllProvidersFailedError.
	ErrAllProvidersFailed = errors.New("all providers failed")
	// ErrRequestAborted matches *AbortedError.
	ErrRequestAborted = errors.New("request aborted")
)

// NoProviderAvailableError means no registered, healthy provider could serve the request.
type NoProviderAvailableError struct {
	RequestID string
	DataType  provider.DataType
	Asset     provider.Asset
}

func (e *NoProviderAvailableError) Error() string {
	return fmt.Sprintf("no provider available for %s %s", e.DataType, e.Asset)
}

func (e *NoProviderAvailableError) Is(target error) bool { return target == ErrNoProviderAvailable }

// AllProvidersFailedError lists every attempt in ranked order.
type AllProvidersFailedError struct {
	RequestID string
	DataType  provider.DataType
	Asset     provider.Asset
	Attempts  []Attempt
}

func (e *AllProvidersFailedError) Error() string {
	reasons := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		reasons = append(reasons, a.Provider+": "+a.Error)
	}
	return fmt.Sprintf("all providers failed for %s %s: %s", e.DataType, e.Asset, strings.Join(reasons, "; "))
}

func (e *AllProvidersFailedError) Is(target error) bool { return target == ErrAllProvidersFailed }

// AbortedError is returned when the caller's context ends before a result is ready.
type AbortedError struct {
	RequestID string
	Attempts  []Attempt
	Err       error
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("request %s aborted after %d attempts: %v", e.RequestID, len(e.Attempts), e.Err)
}

func (e *AbortedError) Is(target error) bool { return target == ErrRequestAborted }

func (e *AbortedError) Unwrap() error { return e.Err }
