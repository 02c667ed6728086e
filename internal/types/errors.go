package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors, matched with errors.Is
var (
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrResolutionFailure    = errors.New("resolution failure")
	ErrUpstreamFailure      = errors.New("upstream failure")
	ErrSimulationFailure    = errors.New("simulation failure")
	ErrSwitchTimeout        = errors.New("network switch timed out")
	ErrNotInjected          = errors.New("provider not injected")
	ErrInvalidParams        = errors.New("invalid params")
)

// UnsupportedOperationError is returned for methods the provider refuses,
// such as every signing method.
type UnsupportedOperationError struct {
	Method string
	Params []json.RawMessage
	Reason string
}

func (e *UnsupportedOperationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s (%s)", ErrUnsupportedOperation, e.Method, e.Reason)
	}
	return fmt.Sprintf("%s: %s", ErrUnsupportedOperation, e.Method)
}

func (e *UnsupportedOperationError) Is(target error) bool {
	return target == ErrUnsupportedOperation
}

// ResolutionError reports a directory or store lookup that found nothing.
type ResolutionError struct {
	// Kind is what was looked up, e.g. "network" or "chainId"
	Kind string
	Key  string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("%s: %s %q not found", ErrResolutionFailure, e.Kind, e.Key)
}

func (e *ResolutionError) Is(target error) bool {
	return target == ErrResolutionFailure
}

// UpstreamError wraps a failure of the upstream JSON-RPC endpoint or of the
// simulation service.
type UpstreamError struct {
	Method string
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrUpstreamFailure, e.Method, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstreamFailure
}

// SimulationError describes a rejected or failed simulation call.
type SimulationError struct {
	Status int
	Body   string
	Err    error
}

func (e *SimulationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", ErrSimulationFailure, e.Err)
	}
	return fmt.Sprintf("%s: status %d, body: %s", ErrSimulationFailure, e.Status, e.Body)
}

func (e *SimulationError) Unwrap() error {
	return e.Err
}

func (e *SimulationError) Is(target error) bool {
	return target == ErrSimulationFailure
}
