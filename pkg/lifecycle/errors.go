package lifecycle

import (
	"errors"
	"fmt"
)

// Kind classifies every error the service returns.
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindCreationConflict
	KindLearningFailure
	KindFallbackTimeout
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindCreationConflict:
		return "creation conflict"
	case KindLearningFailure:
		return "learning failure"
	case KindFallbackTimeout:
		return "fallback timeout"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. Every *Error matches the sentinel of its Kind.
var (
	ErrNotFound         = errors.New("brain not found")
	ErrCreationConflict = errors.New("brain creation conflict")
	ErrLearningFailure  = errors.New("learning failure")
	ErrFallbackTimeout  = errors.New("fallback oracle timed out")
)

// Error is returned by every Service operation.
type Error struct {
	Kind    Kind
	Op      string
	BrainID string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.BrainID != "" {
		msg += " " + e.BrainID
	}
	msg += ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of e's Kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrCreationConflict:
		return e.Kind == KindCreationConflict
	case ErrLearningFailure:
		return e.Kind == KindLearningFailure
	case ErrFallbackTimeout:
		return e.Kind == KindFallbackTimeout
	}
	return false
}

// Operation names used in errors, spans and metrics.
const (
	opCreatePlatform = "create_platform_brain"
	opCreateStudent  = "create_student_brain"
	opPredict        = "predict"
	opLearn          = "learn"
	opReinforce      = "reinforce"
	opCheckpoint     = "checkpoint"
	opGetBrain       = "get_brain"
	opGetStudent     = "get_student_brain"
	opGetPlatform    = "get_platform_brain"
)

func newError(kind Kind, op, brainID string, err error) *Error {
	return &Error{Kind: kind, Op: op, BrainID: brainID, Err: err}
}

func notFound(op, brainID string) *Error {
	return newError(KindNotFound, op, brainID, nil)
}

func conflict(op, brainID string, format string, args ...any) *Error {
	return newError(KindCreationConflict, op, brainID, fmt.Errorf(format, args...))
}

func learningFailure(op, brainID string, err error) *Error {
	return newError(KindLearningFailure, op, brainID, err)
}
