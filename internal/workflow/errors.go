package workflow

import (
	"fmt"
	"strings"
)

// Code identifies a class of workflow rejection.
type Code string

const (
	CodeIllegalTransition   Code = "illegal_transition"
	CodeUnauthorized        Code = "unauthorized"
	CodeScopeForbidden      Code = "scope_forbidden"
	CodePreconditionFailed  Code = "precondition_failed"
	CodeReasonRequired      Code = "reason_required"
	CodeGateNotSatisfied    Code = "gate_not_satisfied"
	CodeConflict            Code = "conflict"
	CodeCycleAlreadyActive  Code = "cycle_already_active"
	CodeDuplicateAssignee   Code = "duplicate_assignee"
	CodeCorrectionsRequired Code = "corrections_required"
	CodeTerminalState       Code = "terminal_state"
	CodeInvalidState        Code = "invalid_state"
	CodeValidation          Code = "validation_failed"
)

// Error is the typed rejection returned by every workflow operation.
// Two errors match under errors.Is when their codes are equal.
type Error struct {
	Code    Code
	Message string
	// Reason is the machine-readable precondition name, e.g. "assign_ae_first".
	Reason string
	// Gates lists unmet gate names for CodeGateNotSatisfied.
	Gates []string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrIllegalTransition   = &Error{Code: CodeIllegalTransition}
	ErrUnauthorized        = &Error{Code: CodeUnauthorized}
	ErrScopeForbidden      = &Error{Code: CodeScopeForbidden}
	ErrPreconditionFailed  = &Error{Code: CodePreconditionFailed}
	ErrReasonRequired      = &Error{Code: CodeReasonRequired}
	ErrGateNotSatisfied    = &Error{Code: CodeGateNotSatisfied}
	ErrConflict            = &Error{Code: CodeConflict}
	ErrCycleAlreadyActive  = &Error{Code: CodeCycleAlreadyActive}
	ErrDuplicateAssignee   = &Error{Code: CodeDuplicateAssignee}
	ErrCorrectionsRequired = &Error{Code: CodeCorrectionsRequired}
	ErrTerminalState       = &Error{Code: CodeTerminalState}
	ErrInvalidState        = &Error{Code: CodeInvalidState}
	ErrValidation          = &Error{Code: CodeValidation}
)

func IllegalTransition(from, to string) *Error {
	return &Error{Code: CodeIllegalTransition, Message: fmt.Sprintf("transition %s -> %s is not allowed", from, to)}
}

func Unauthorized(capability string) *Error {
	return &Error{Code: CodeUnauthorized, Message: fmt.Sprintf("current account lacks %s permission", capability), Reason: capability}
}

func ScopeForbidden(journalID string) *Error {
	return &Error{Code: CodeScopeForbidden, Message: fmt.Sprintf("journal %s is outside your assigned scope", journalID), Reason: journalID}
}

func PreconditionFailed(reason, message string) *Error {
	return &Error{Code: CodePreconditionFailed, Message: message, Reason: reason}
}

func ReasonRequired(target string) *Error {
	return &Error{Code: CodeReasonRequired, Message: fmt.Sprintf("reason required for transition to %s", target), Reason: target}
}

func GateNotSatisfied(gates ...string) *Error {
	labels := make([]string, 0, len(gates))
	for _, g := range gates {
		labels = append(labels, GateLabel(g))
	}
	return &Error{
		Code:    CodeGateNotSatisfied,
		Message: strings.Join(labels, "; "),
		Reason:  strings.Join(gates, ","),
		Gates:   gates,
	}
}

func Conflict(entity string) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf("%s was modified concurrently; refresh and retry", entity), Reason: entity}
}

func CycleAlreadyActive(cycleNo int) *Error {
	return &Error{Code: CodeCycleAlreadyActive, Message: fmt.Sprintf("production cycle %d is still active", cycleNo)}
}

func DuplicateAssignee(actorID string) *Error {
	return &Error{Code: CodeDuplicateAssignee, Message: fmt.Sprintf("%s is already assigned", actorID), Reason: actorID}
}

func CorrectionsRequired(message string) *Error {
	if message == "" {
		message = "submit_corrections requires at least one correction"
	}
	return &Error{Code: CodeCorrectionsRequired, Message: message}
}

func TerminalState(status string) *Error {
	return &Error{Code: CodeTerminalState, Message: fmt.Sprintf("manuscript is %s; no further status changes are permitted", status)}
}

func InvalidState(op, state string) *Error {
	return &Error{Code: CodeInvalidState, Message: fmt.Sprintf("%s is not allowed while cycle is %s", op, state), Reason: state}
}

func Validation(message string) *Error {
	return &Error{Code: CodeValidation, Message: message}
}
