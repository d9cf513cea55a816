// Package fault defines the platform error taxonomy shared by every service.
// Errors carry a semantic kind that maps to an HTTP status and a retry
// policy, plus an optional machine-readable code refining the kind.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error by how callers should react to it.
type Kind string

const (
	KindValidation   Kind = "validation_error"
	KindNotFound     Kind = "not_found"
	KindPrecondition Kind = "precondition_failed"
	KindConflict     Kind = "conflict"
	KindUpstream     Kind = "upstream_error"
	KindTransient    Kind = "transient_infra_error"
	KindDeadline     Kind = "deadline_exceeded"
	KindFatal        Kind = "fatal_invariant_violation"
)

// Codes refine a kind for well-known failure modes.
const (
	CodeAgentUnknown     = "agent_unknown"
	CodeCircuitOpen      = "circuit_open"
	CodeQueueFull        = "queue_full"
	CodeHeadroom         = "insufficient_headroom"
	CodeHeadroomUnknown  = "headroom_unknown"
	CodeDeniedByPolicy   = "denied_by_policy"
	CodeUnknownLease     = "unknown_lease"
	CodeExpiredLease     = "expired_lease"
	CodeMaxAttempts      = "max_attempts_exceeded"
	CodeNotLeader        = "not_leader"
	CodeDuplicateArticle = "duplicate_article"
)

// Error is the concrete error type carrying taxonomy metadata.
type Error struct {
	Kind   Kind
	Code   string
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Detail
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a taxonomy error with a formatted detail message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Coded builds a taxonomy error with a machine-readable code.
func Coded(kind Kind, code, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error, preserving the chain.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf walks the error chain and returns the first taxonomy kind found.
// Untyped errors report an empty kind; context deadline errors report
// KindDeadline so call sites do not need to special-case them.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindDeadline
	}
	return ""
}

// CodeOf returns the machine-readable code, or "" when absent.
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// Is reports whether the chain carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether a caller may retry after this error.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindPrecondition:
		return true
	}
	return false
}

// HTTPStatus maps a kind to its transport status. Unrecognized kinds map
// to 500.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindPrecondition:
		return http.StatusConflict
	case KindConflict:
		return http.StatusConflict
	case KindUpstream:
		return http.StatusBadGateway
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindDeadline:
		return http.StatusGatewayTimeout
	case KindFatal:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// FromStatus classifies a downstream HTTP status for propagation. 404 maps
// to not_found and 409 to conflict so the original kind survives a hop;
// everything else surfaces as upstream_error with the code in the detail.
func FromStatus(op string, status int, body string) *Error {
	kind := KindUpstream
	switch status {
	case http.StatusNotFound:
		kind = KindNotFound
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		kind = KindDeadline
	case http.StatusConflict:
		kind = KindConflict
	}
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf("upstream returned %d: %s", status, body)}
}

// FromEnvelope reconstructs a fault from a tool error envelope so the
// kind survives the hop. The envelope's kind field carries either a
// taxonomy kind or a specific code; codes are mapped back to their kind.
func FromEnvelope(op string, status int, kindLabel, detail string) *Error {
	switch Kind(kindLabel) {
	case KindValidation, KindNotFound, KindPrecondition, KindConflict,
		KindUpstream, KindTransient, KindDeadline, KindFatal:
		return &Error{Kind: Kind(kindLabel), Op: op, Detail: detail}
	}

	var kind Kind
	switch kindLabel {
	case CodeAgentUnknown, CodeUnknownLease:
		kind = KindNotFound
	case CodeCircuitOpen, CodeQueueFull, CodeHeadroom, CodeHeadroomUnknown,
		CodeDeniedByPolicy, CodeExpiredLease:
		kind = KindPrecondition
	case CodeNotLeader:
		kind = KindTransient
	case CodeDuplicateArticle:
		kind = KindConflict
	case "timeout":
		kind = KindDeadline
	default:
		kind = FromStatus(op, status, detail).Kind
	}
	return &Error{Kind: kind, Code: kindLabel, Op: op, Detail: detail}
}
