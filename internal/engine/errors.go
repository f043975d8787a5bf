package engine

import (
	"context"
	"errors"
	"fmt"
)

// FailureKind classifies why a pipeline run (or a stage) failed.
type FailureKind string

const (
	KindInvalidTier            FailureKind = "InvalidTier"
	KindInvalidRequest         FailureKind = "InvalidRequest"
	KindUnderstandingFailed    FailureKind = "UnderstandingFailed"
	KindRetrievalUnavailable   FailureKind = "RetrievalUnavailable"
	KindPlanningFailed         FailureKind = "PlanningFailed"
	KindWritingFailed          FailureKind = "WritingFailed"
	KindConsistencyCheckFailed FailureKind = "ConsistencyCheckFailed"
	KindConsistencyTimeout     FailureKind = "ConsistencyTimeout"
	KindConsistencyUnresolved  FailureKind = "ConsistencyUnresolved"
	KindCancelled              FailureKind = "Cancelled"
)

// Sentinel errors, one per failure kind. Stage implementations wrap the
// sentinel for their stage with fmt.Errorf("%w: ...").
var (
	ErrInvalidTier            = errors.New("invalid tier")
	ErrInvalidRequest         = errors.New("invalid request")
	ErrUnderstandingFailed    = errors.New("query understanding failed")
	ErrRetrievalUnavailable   = errors.New("retrieval unavailable")
	ErrPlanningFailed         = errors.New("planning failed")
	ErrWritingFailed          = errors.New("writing failed")
	ErrConsistencyCheckFailed = errors.New("consistency check failed")
	ErrConsistencyTimeout     = errors.New("consistency check timed out")
	ErrConsistencyUnresolved  = errors.New("consistency unresolved")
	ErrCancelled              = errors.New("run cancelled")
)

var kindSentinels = map[FailureKind]error{
	KindInvalidTier:            ErrInvalidTier,
	KindInvalidRequest:         ErrInvalidRequest,
	KindUnderstandingFailed:    ErrUnderstandingFailed,
	KindRetrievalUnavailable:   ErrRetrievalUnavailable,
	KindPlanningFailed:         ErrPlanningFailed,
	KindWritingFailed:          ErrWritingFailed,
	KindConsistencyCheckFailed: ErrConsistencyCheckFailed,
	KindConsistencyTimeout:     ErrConsistencyTimeout,
	KindConsistencyUnresolved:  ErrConsistencyUnresolved,
	KindCancelled:              ErrCancelled,
}

// kindOrder fixes the lookup order of KindOf for errors wrapping several sentinels.
var kindOrder = []FailureKind{
	KindCancelled,
	KindInvalidTier,
	KindInvalidRequest,
	KindUnderstandingFailed,
	KindRetrievalUnavailable,
	KindPlanningFailed,
	KindWritingFailed,
	KindConsistencyTimeout,
	KindConsistencyCheckFailed,
	KindConsistencyUnresolved,
}

// Sentinel returns the sentinel error for the kind, or nil for an unknown kind.
func (k FailureKind) Sentinel() error {
	return kindSentinels[k]
}

// Fatal reports whether a failure of this kind aborts a run. RetrievalUnavailable
// and ConsistencyTimeout are absorbed by the orchestrator.
func (k FailureKind) Fatal() bool {
	switch k {
	case KindRetrievalUnavailable, KindConsistencyTimeout:
		return false
	}
	return true
}

// Failure is the single structured error a caller receives when a run does
// not produce a response. Debug carries whatever was gathered before the
// run stopped.
type Failure struct {
	Kind    FailureKind    `json:"kind"`
	Message string         `json:"message"`
	Debug   map[string]any `json:"debug,omitempty"`
	Err     error          `json:"-"`
}

// NewFailure builds a Failure of the given kind.
func NewFailure(kind FailureKind, message string, cause error) *Failure {
	return &Failure{Kind: kind, Message: message, Err: cause}
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Is matches the sentinel of the failure's kind, so
// errors.Is(failure, ErrWritingFailed) holds for a WritingFailed failure.
func (f *Failure) Is(target error) bool {
	sentinel := f.Kind.Sentinel()
	return sentinel != nil && target == sentinel
}

// KindOf classifies any error returned by the engine or a stage.
// It returns "" when the error carries no known kind.
func KindOf(err error) FailureKind {
	if err == nil {
		return ""
	}
	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Kind
	}
	for _, kind := range kindOrder {
		if errors.Is(err, kindSentinels[kind]) {
			return kind
		}
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return ""
}
