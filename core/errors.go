package core

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an Error. Every error returned by primemesh operations maps
// to exactly one kind so callers can branch without string matching.
type Kind int

const (
	// KindValidation marks malformed input.
	KindValidation Kind = iota + 1
	// KindNotFound marks an unknown agent, team or run id.
	KindNotFound
	// KindState marks an operation that is invalid for the current state.
	KindState
	// KindDependency marks a layer summon with missing prerequisites.
	KindDependency
	// KindCapacity marks a runner start beyond the concurrency cap.
	KindCapacity
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindState:
		return "state"
	case KindDependency:
		return "dependency"
	case KindCapacity:
		return "capacity_exceeded"
	default:
		return "unknown"
	}
}

// Kind sentinels. errors.Is(err, ErrNotFound) holds for any *Error of that kind.
var (
	ErrValidation       = errors.New("validation error")
	ErrNotFound         = errors.New("not found")
	ErrState            = errors.New("invalid state")
	ErrDependency       = errors.New("unmet dependency")
	ErrCapacityExceeded = errors.New("capacity exceeded")
)

// Detail sentinels carried in Error.Err.
var (
	ErrInvalidLayer        = errors.New("invalid layer")
	ErrUnmetDependency     = errors.New("unmet layer dependency")
	ErrNotSummoned         = errors.New("agent not summoned")
	ErrOwnedByRun          = errors.New("agent owned by run")
	ErrNotOwner            = errors.New("caller does not own agent")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrAlreadyTerminal     = errors.New("run already terminal")
	ErrIdentityImmutable   = errors.New("identity is immutable")
	ErrNoPermissibleAction = errors.New("no permissible action")
)

// Error is the structured error returned by every primemesh operation.
type Error struct {
	Kind    Kind     `json:"kind"`
	Op      string   `json:"op,omitempty"`
	Field   string   `json:"field,omitempty"`
	Msg     string   `json:"message"`
	Missing []string `json:"missing,omitempty"`
	Err     error    `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Field != "" {
		fmt.Fprintf(&b, " for field '%s'", e.Field)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, " (missing: %s)", strings.Join(e.Missing, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap exposes the detail error.
func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinel for this error.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

func (k Kind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindNotFound:
		return ErrNotFound
	case KindState:
		return ErrState
	case KindDependency:
		return ErrDependency
	case KindCapacity:
		return ErrCapacityExceeded
	default:
		return nil
	}
}

// NewValidationError reports malformed input for field.
func NewValidationError(op, field, msg string) *Error {
	return &Error{Kind: KindValidation, Op: op, Field: field, Msg: msg}
}

// NewNotFoundError reports an unknown id of the given entity type.
func NewNotFoundError(op, entity, id string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf("%s %s not found", entity, id)}
}

// NewStateError reports an operation invalid for the current state.
func NewStateError(op string, detail error, msg string) *Error {
	return &Error{Kind: KindState, Op: op, Msg: msg, Err: detail}
}

// NewCapacityError reports that a concurrency cap has been reached.
func NewCapacityError(op, msg string) *Error {
	return &Error{Kind: KindCapacity, Op: op, Msg: msg}
}

// KindOf returns the Kind of err, or 0 if err is not a primemesh error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
