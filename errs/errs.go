// Package errs provides structured error types shared across the trading client.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies an error category within the client.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeAuth indicates authentication or token-refresh failures.
	CodeAuth Code = "auth"
	// CodeNetwork indicates a transport-level failure.
	CodeNetwork Code = "network"
	// CodeNoData indicates a query against an instrument with no recorded state.
	CodeNoData Code = "no_data"
	// CodeTimeout indicates an RPC call that did not resolve in time.
	CodeTimeout Code = "timeout"
	// CodeConnectionLost indicates an in-flight call aborted by a dropped connection.
	CodeConnectionLost Code = "connection_lost"
	// CodeRiskRejected indicates an order rejected by the risk engine.
	CodeRiskRejected Code = "risk_rejected"
	// CodeExchange indicates an error returned by the venue itself.
	CodeExchange Code = "exchange_error"
	// CodeUnavailable indicates a component that is shut down or saturated.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the client.
type E struct {
	Component string
	Code      Code
	Message   string
	RawCode   string
	RawMsg    string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the originating component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		Message:   "",
		RawCode:   "",
		RawMsg:    "",
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRawCode captures the raw venue error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw venue error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

// Unwrap exposes the underlying cause for errors.Is / errors.As chains.
func (e *E) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// CodeOf extracts the error code from err, walking the unwrap chain.
// It returns an empty code when err carries no envelope.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Code
	}
	return ""
}

// HasCode reports whether err (or any wrapped error) carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsNoData reports whether err is a missing-data query failure.
func IsNoData(err error) bool {
	return HasCode(err, CodeNoData)
}
