package dispatch

import (
	"fmt"

	"github.com/example/shopfloor/internal/capability"
)

// Stable error codes surfaced to API callers. UI layers branch on the code,
// never on the message text.
const (
	CodeValidation          = "validation_error"
	CodeCapabilityViolation = "capability_violation"
	CodeConflict            = "conflict"
	CodeForbidden           = "forbidden"
	CodeNotFound            = "not_found"
	CodeGateRequired        = "gate_required"
)

// Coded is implemented by every error the dispatch core hands to the API
// layer.
type Coded interface {
	error
	Code() string
}

// ValidationError rejects malformed input before any state access. Never
// logged to the transition trail.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Code() string { return CodeValidation }

// Conflict reports a concurrent state change detected at commit, or an
// operation against a machine whose current state forbids it.
type Conflict struct {
	Resource string
	Reason   string
}

func (e *Conflict) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Resource, e.Reason)
}

func (e *Conflict) Code() string { return CodeConflict }

// Forbidden rejects a caller whose role does not cover the operation,
// before any state read or mutation.
type Forbidden struct {
	Role      string
	Operation string
}

func (e *Forbidden) Error() string {
	return fmt.Sprintf("role %q may not %s", e.Role, e.Operation)
}

func (e *Forbidden) Code() string { return CodeForbidden }

type NotFound struct {
	Resource string
	ID       string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFound) Code() string { return CodeNotFound }

// GateRequired reports a structurally valid transition held back by missing
// precondition records. The caller completes the gate and resubmits.
type GateRequired struct {
	Graph   string
	To      string
	Missing []string
}

func (e *GateRequired) Error() string {
	return fmt.Sprintf("transition to %s requires gate records %v", e.To, e.Missing)
}

func (e *GateRequired) Code() string { return CodeGateRequired }

// AsCoded extracts the stable code from an error chain, defaulting to a
// generic internal marker for uncoded errors.
func AsCoded(err error) (Coded, bool) {
	if err == nil {
		return nil, false
	}
	switch e := err.(type) {
	case *ValidationError:
		return e, true
	case *Conflict:
		return e, true
	case *Forbidden:
		return e, true
	case *NotFound:
		return e, true
	case *GateRequired:
		return e, true
	case *capability.Violation:
		return e, true
	}
	return nil, false
}
