// Copyright (C) 2024 modhost contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package resultkind defines the closed set of error kinds the fabric
// and resolver report, and Result, the structured
// user-visible failure shape every public operation returns instead of
// letting an error fall through unannotated.
package resultkind

import "github.com/pkg/errors"

// Kind is a semantic error classification, not a Go type: every Result
// carries exactly one Kind, used by callers (chiefly the router and
// dispatcher) to decide whether to retry, descend, or give up.
type Kind int

const (
	// Unspecified is the zero value; a Result should never be
	// constructed with this Kind outside of tests.
	Unspecified Kind = iota

	// DispatchNotFound means no handler matched a route. Recoverable:
	// drives router descent to the next, less-derived route.
	DispatchNotFound

	// HandlerFailure means a handler raised or returned a failure.
	// Carries the original cause and a sub-kind (see HandlerFailureKind).
	HandlerFailure

	// AggregateFailure means a publish dispatch yielded a mix of
	// successes and failures. Carries per-target outcomes.
	AggregateFailure

	// TransportFailure means a physical send/receive failed. The
	// router retries on another route before failing up.
	TransportFailure

	// SessionExpired means the coordination session backing a route
	// registration or address lease was lost. Routes owned by that
	// session are gone; the owner must re-register.
	SessionExpired

	// Cancelled means the caller canceled the operation. Distinct from
	// Timeout.
	Cancelled

	// Timeout means a deadline was exceeded.
	Timeout

	// VersionConflict means the dependency resolver found no viable
	// installation set.
	VersionConflict

	// ConcurrencyConflict means an optimistic write lost a race; the
	// caller should retry with fresh state.
	ConcurrencyConflict
)

// String renders the Kind's semantic name.
func (k Kind) String() string {
	switch k {
	case DispatchNotFound:
		return "dispatch-not-found"
	case HandlerFailure:
		return "handler-failure"
	case AggregateFailure:
		return "aggregate-failure"
	case TransportFailure:
		return "transport-failure"
	case SessionExpired:
		return "session-expired"
	case Cancelled:
		return "cancelled"
	case Timeout:
		return "timeout"
	case VersionConflict:
		return "version-conflict"
	case ConcurrencyConflict:
		return "concurrency-conflict"
	default:
		return "unspecified"
	}
}

// HandlerFailureKind further classifies a HandlerFailure Result.
type HandlerFailureKind int

const (
	// Validation means the handler rejected its input.
	Validation HandlerFailureKind = iota
	// StorageIssue means a storage-layer operation failed.
	StorageIssue
	// EntityNotFound means the handler's target entity doesn't exist.
	EntityNotFound
	// EntityAlreadyPresent means the handler's target entity already
	// exists.
	EntityAlreadyPresent
	// Authorization means the caller wasn't permitted to invoke the
	// handler.
	Authorization
)

// Result is the structured, user-visible failure shape returned by
// every public operation in the fabric and resolver: a Kind, a
// message, an optional cause, and a free-form data bag for additional
// context. No operation in this module lets a bare error escape
// unconverted across a layer boundary.
type Result struct {
	Kind    Kind
	Message string
	Cause   error
	// HandlerKind is only meaningful when Kind == HandlerFailure.
	HandlerKind HandlerFailureKind
	// Data carries arbitrary structured context, e.g. per-target
	// outcomes for an AggregateFailure.
	Data map[string]any
}

// Error implements the error interface so a *Result can be returned
// and compared anywhere a plain error is expected.
func (r *Result) Error() string {
	if r == nil {
		return "<nil result>"
	}
	if r.Cause != nil {
		return r.Kind.String() + ": " + r.Message + ": " + r.Cause.Error()
	}
	return r.Kind.String() + ": " + r.Message
}

// Unwrap exposes Cause to errors.Is/errors.As.
func (r *Result) Unwrap() error { return r.Cause }

// New builds a Result of the given kind, wrapping cause with
// pkg/errors.WithStack when cause is non-nil and doesn't already carry
// a stack, so every Result can be traced back to its origin.
func New(kind Kind, message string, cause error) *Result {
	if cause != nil {
		cause = errors.WithStack(cause)
	}
	return &Result{Kind: kind, Message: message, Cause: cause}
}

// NotFound builds a DispatchNotFound Result.
func NotFound(route string) *Result {
	return &Result{Kind: DispatchNotFound, Message: "no handler registered for route " + route}
}

// Failure builds a HandlerFailure Result of the given sub-kind.
func Failure(hk HandlerFailureKind, message string, cause error) *Result {
	r := New(HandlerFailure, message, cause)
	r.HandlerKind = hk
	return r
}

// Aggregate builds an AggregateFailure Result carrying per-target
// outcomes, keyed by a caller-chosen target label (typically the
// endpoint address's string form).
func Aggregate(outcomes map[string]*Result) *Result {
	data := make(map[string]any, len(outcomes))
	for k, v := range outcomes {
		data[k] = v
	}
	return &Result{Kind: AggregateFailure, Message: "publish produced at least one failure", Data: data}
}

// IsKind reports whether err is a *Result of the given kind.
func IsKind(err error, kind Kind) bool {
	var r *Result
	if !errors.As(err, &r) {
		return false
	}
	return r.Kind == kind
}
