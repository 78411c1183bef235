package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Class buckets an error by how the installer reacts to it.
type Class int

const (
	// ClassUnknown is an unclassified error. It is treated like a fatal one.
	ClassUnknown Class = iota
	// ClassTransient errors are expected to resolve if retried.
	ClassTransient
	// ClassRecoverable errors have a documented manual fix.
	ClassRecoverable
	// ClassFatal errors abort the run without retry.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRecoverable:
		return "recoverable"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ErrInterrupted is returned when the operator aborts the run.
var ErrInterrupted = errors.New("installation interrupted by operator")

// ParseError represents a YAML parsing failure with optional line metadata.
type ParseError struct {
	Path    string
	Line    int
	Message string
	Err     error
}

// NewParseError constructs a ParseError.
func NewParseError(path string, line int, err error) error {
	message := ""
	if err != nil {
		message = err.Error()
	}
	return &ParseError{Path: path, Line: line, Message: message, Err: err}
}

func (e *ParseError) Error() string {
	if e == nil {
		return ""
	}

	if e.Line > 0 {
		return fmt.Sprintf("parse error: %s:%d: %s", e.Path, e.Line, e.Message)
	}
	return fmt.Sprintf("parse error: %s: %s", e.Path, e.Message)
}

// Unwrap exposes the underlying error.
func (e *ParseError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ValidationError captures configuration validation issues.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

// NewValidationError constructs a ValidationError.
func NewValidationError(field, message string, err error) error {
	return &ValidationError{Field: field, Message: message, Err: err}
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// Unwrap exposes the underlying error.
func (e *ValidationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// TransientError marks a failure that is expected to clear on retry
// (network blips, services not ready yet, timeouts).
type TransientError struct {
	Op  string
	Err error
}

// NewTransientError wraps err as transient.
func NewTransientError(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

func (e *TransientError) Error() string {
	if e == nil {
		return ""
	}
	return joinOp(e.Op, e.Err)
}

// Unwrap exposes the underlying error.
func (e *TransientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// RecoverableError marks a resource in a known-bad state with a manual fix.
// Runbook is an opaque payload handed to the recovery channel.
type RecoverableError struct {
	Op      string
	Err     error
	Runbook any
}

// NewRecoverableError wraps err as recoverable.
func NewRecoverableError(op string, err error) error {
	return &RecoverableError{Op: op, Err: err}
}

func (e *RecoverableError) Error() string {
	if e == nil {
		return ""
	}
	return joinOp(e.Op, e.Err)
}

// Unwrap exposes the underlying error.
func (e *RecoverableError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// FatalError aborts the run. Diagnosis and Remediation are printed before exit.
type FatalError struct {
	Op          string
	Err         error
	Diagnosis   string
	Remediation []string
}

// NewFatalError wraps err as fatal with a diagnosis and remediation commands.
func NewFatalError(op string, err error, diagnosis string, remediation ...string) error {
	return &FatalError{Op: op, Err: err, Diagnosis: diagnosis, Remediation: remediation}
}

func (e *FatalError) Error() string {
	if e == nil {
		return ""
	}
	return joinOp(e.Op, e.Err)
}

// Unwrap exposes the underlying error.
func (e *FatalError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Fatal promotes any error to a FatalError, keeping an existing diagnosis.
func Fatal(op string, err error, diagnosis string, remediation ...string) error {
	if err == nil {
		return nil
	}
	var existing *FatalError
	if errors.As(err, &existing) {
		if existing.Diagnosis == "" {
			existing.Diagnosis = diagnosis
		}
		existing.Remediation = append(existing.Remediation, remediation...)
		return err
	}
	return NewFatalError(op, err, diagnosis, remediation...)
}

// Classify walks the error chain and returns the outermost classification.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	if errors.Is(err, ErrInterrupted) {
		return ClassFatal
	}
	for cur := err; cur != nil; cur = errors.Unwrap(cur) {
		switch cur.(type) {
		case *FatalError:
			return ClassFatal
		case *RecoverableError:
			return ClassRecoverable
		case *TransientError:
			return ClassTransient
		case *ValidationError, *ParseError:
			return ClassFatal
		}
		if t, ok := cur.(temporary); ok && t.Temporary() {
			return ClassTransient
		}
	}
	return ClassUnknown
}

// temporary is satisfied by lower-level errors (timeouts) that know they may clear.
type temporary interface {
	Temporary() bool
}

// IsTransient reports whether err classifies as transient.
func IsTransient(err error) bool { return Classify(err) == ClassTransient }

// IsRecoverable reports whether err classifies as recoverable.
func IsRecoverable(err error) bool { return Classify(err) == ClassRecoverable }

// IsFatal reports whether err must abort the run immediately.
func IsFatal(err error) bool {
	c := Classify(err)
	return c == ClassFatal || c == ClassUnknown
}

func joinOp(op string, err error) string {
	switch {
	case op == "" && err == nil:
		return "unknown error"
	case op == "":
		return err.Error()
	case err == nil:
		return op
	default:
		return op + ": " + err.Error()
	}
}

// Remediation collects remediation commands from every FatalError in the chain.
func Remediation(err error) []string {
	var out []string
	for cur := err; cur != nil; cur = errors.Unwrap(cur) {
		if fe, ok := cur.(*FatalError); ok {
			out = append(out, fe.Remediation...)
		}
	}
	return out
}

// Diagnosis returns the first non-empty diagnosis in the chain.
func Diagnosis(err error) string {
	for cur := err; cur != nil; cur = errors.Unwrap(cur) {
		if fe, ok := cur.(*FatalError); ok && strings.TrimSpace(fe.Diagnosis) != "" {
			return fe.Diagnosis
		}
	}
	return ""
}
