// Package errs provides structured, machine-readable errors for bindery.
//
// Every error carries a stable code, a category, a short message, and a
// context map identifying the operation and the pattern/index involved.
// Codes are grouped by category:
//   - B1xx: invariant violations (programming errors, never retried)
//   - B2xx: user-data errors (application bugs outside the engine)
//   - B3xx: consistency-lookup failures (internal bookkeeping bugs)
package errs

import (
	"fmt"
	"sort"
	"strings"
)

// Category classifies an error by who is at fault.
type Category string

const (
	// CategoryInvariant marks violations of engine invariants, such as
	// dereferencing a dropped position or a partially indexed path.
	CategoryInvariant Category = "invariant"

	// CategoryUserData marks errors caused by application data, such as a
	// collection binding receiving a non-collection value.
	CategoryUserData Category = "userdata"

	// CategoryConsistency marks internal bookkeeping failures, such as a
	// missing pooled item for a position expected to exist.
	CategoryConsistency Category = "consistency"
)

// Error is a structured error with a stable code and contextual detail.
type Error struct {
	// Code is a unique, stable identifier (e.g. "B101").
	Code string

	// Category is the error class.
	Category Category

	// Message is a short human-readable description.
	Message string

	// Context carries machine-readable detail: which operation, which
	// pattern, which index. May be nil for bare sentinels.
	Context map[string]any

	// Wrapped is the underlying error, if any.
	Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.Context[k])
		}
		b.WriteString(")")
	}
	if e.Wrapped != nil {
		b.WriteString(": ")
		b.WriteString(e.Wrapped.Error())
	}
	return b.String()
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is matches any *Error with the same code, so instances created with
// context compare equal to their package-level sentinel via errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// New creates a bare sentinel error. Packages declare these at the top
// level and derive contextual instances with With.
func New(code string, category Category, message string) *Error {
	return &Error{Code: code, Category: category, Message: message}
}

// With returns a copy of the error carrying one extra context entry.
// The receiver is never mutated, so sentinels stay immutable.
func (e *Error) With(key string, value any) *Error {
	clone := &Error{
		Code:     e.Code,
		Category: e.Category,
		Message:  e.Message,
		Wrapped:  e.Wrapped,
		Context:  make(map[string]any, len(e.Context)+1),
	}
	for k, v := range e.Context {
		clone.Context[k] = v
	}
	clone.Context[key] = value
	return clone
}

// Wrap returns a copy of the error with an underlying cause attached.
func (e *Error) Wrap(err error) *Error {
	clone := &Error{
		Code:     e.Code,
		Category: e.Category,
		Message:  e.Message,
		Wrapped:  err,
	}
	if len(e.Context) > 0 {
		clone.Context = make(map[string]any, len(e.Context))
		for k, v := range e.Context {
			clone.Context[k] = v
		}
	}
	return clone
}
