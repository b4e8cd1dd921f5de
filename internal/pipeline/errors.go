package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a stage failure for retry and reporting decisions.
type ErrorKind string

const (
	KindTransient  ErrorKind = "transient"
	KindTimeout    ErrorKind = "timeout"
	KindValidation ErrorKind = "validation"
	KindQuality    ErrorKind = "quality"
	KindConflict   ErrorKind = "conflict"
	KindInternal   ErrorKind = "internal"
	KindCancelled  ErrorKind = "cancelled"
)

// Retryable reports whether the retry policy may re-run an attempt that failed with k.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindTimeout
}

// StageError is the structured failure carried by a StageResult and a Report.
type StageError struct {
	Stage   string    `json:"stage,omitempty"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *StageError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("stage %s: %s: %s", e.Stage, e.Kind, e.Message)
}

func (e *StageError) Unwrap() error { return e.Err }

type classified struct {
	kind ErrorKind
	err  error
}

func (c classified) Error() string { return c.err.Error() }
func (c classified) Unwrap() error { return c.err }

// Transient marks err as safe to retry (timeouts, 5xx, rate limits).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return classified{kind: KindTransient, err: err}
}

// Validation marks err as an input problem that must fail the workflow immediately.
func Validation(err error) error {
	if err == nil {
		return nil
	}
	return classified{kind: KindValidation, err: err}
}

// Validationf is Validation(fmt.Errorf(format, args...)).
func Validationf(format string, args ...any) error {
	return Validation(fmt.Errorf(format, args...))
}

// Permanent marks err as a non-retryable failure that is not an input problem.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return classified{kind: KindInternal, err: err}
}

// Classify returns the kind attached to err. Unclassified errors are transient.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	var c classified
	if errors.As(err, &c) {
		return c.kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindTransient
}

func newStageError(stage string, kind ErrorKind, err error) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		cp := *se
		cp.Kind = kind
		if cp.Stage == "" {
			cp.Stage = stage
		}
		return &cp
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &StageError{Stage: stage, Kind: kind, Message: msg, Err: err}
}
