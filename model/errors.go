package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
	ErrPersistence     = "PERSISTENCE_ERROR"
)

// Workflow error codes.
const (
	ErrWorkflowNotFound        = "WORKFLOW_NOT_FOUND"
	ErrRoleNotAuthorized       = "ROLE_NOT_AUTHORIZED"
	ErrActionNotAllowedAtStage = "ACTION_NOT_ALLOWED_AT_STAGE"
	ErrUnknownStage            = "UNKNOWN_STAGE"
	ErrNoSuchTransition        = "NO_SUCH_TRANSITION"
	ErrAmbiguousTransition     = "AMBIGUOUS_TRANSITION"
	ErrMalformedDefinition     = "MALFORMED_DEFINITION"
	ErrAlreadyActive           = "ALREADY_ACTIVE"
	ErrDuplicateActiveInstance = "DUPLICATE_ACTIVE_INSTANCE"
	ErrInstanceInactive        = "INSTANCE_INACTIVE"
	ErrNoActiveWorkflow        = "NO_ACTIVE_WORKFLOW"
	ErrCommentRequired         = "COMMENT_REQUIRED"
)

// Error categories returned by CategoryOf.
const (
	CategoryAuthorization = "authorization"
	CategoryProtocol      = "protocol"
	CategoryInvariant     = "invariant"
	CategoryPersistence   = "persistence"
	CategoryValidation    = "validation"
	CategoryLookup        = "lookup"
	CategoryInternal      = "internal"
)

var categories = map[string]string{
	ErrForbidden:               CategoryAuthorization,
	ErrRoleNotAuthorized:       CategoryAuthorization,
	ErrActionNotAllowedAtStage: CategoryProtocol,
	ErrUnknownStage:            CategoryProtocol,
	ErrNoSuchTransition:        CategoryProtocol,
	ErrAmbiguousTransition:     CategoryProtocol,
	ErrMalformedDefinition:     CategoryProtocol,
	ErrAlreadyActive:           CategoryInvariant,
	ErrDuplicateActiveInstance: CategoryInvariant,
	ErrInstanceInactive:        CategoryInvariant,
	ErrNoActiveWorkflow:        CategoryInvariant,
	ErrConflict:                CategoryInvariant,
	ErrPersistence:             CategoryPersistence,
	ErrBadRequest:              CategoryValidation,
	ErrValidationError:         CategoryValidation,
	ErrCommentRequired:         CategoryValidation,
	ErrNotFound:                CategoryLookup,
	ErrWorkflowNotFound:        CategoryLookup,
}

// ErrorEnvelope is the structured error returned by every layer of the
// engine and serialized as the HTTP error body. It implements the error
// interface.
type ErrorEnvelope struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Context map[string]string `json:"context,omitempty"`
	Details []FieldError      `json:"details,omitempty"`
	TraceID string            `json:"traceId,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// With returns the envelope with key=value added to its diagnostic context.
func (e *ErrorEnvelope) With(key, value string) *ErrorEnvelope {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AsEnvelope extracts the *ErrorEnvelope from err's chain.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env, true
	}
	return nil, false
}

// HasCode reports whether err carries the given error code.
func HasCode(err error, code string) bool {
	env, ok := AsEnvelope(err)
	return ok && env.Code == code
}

// CategoryOf classifies err. Errors that are not envelopes, or whose code
// has no category, are internal.
func CategoryOf(err error) string {
	env, ok := AsEnvelope(err)
	if !ok {
		return CategoryInternal
	}
	if c, ok := categories[env.Code]; ok {
		return c
	}
	return CategoryInternal
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewPersistenceError wraps a storage failure. The cause stays reachable
// through errors.Unwrap but is never serialized.
func NewPersistenceError(op string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrPersistence,
		Message: "storage operation " + op + " failed",
		cause:   cause,
	}
}

// NewWorkflowNotFoundError returns a WORKFLOW_NOT_FOUND error.
func NewWorkflowNotFoundError(workflowID string) *ErrorEnvelope {
	return (&ErrorEnvelope{
		Code:    ErrWorkflowNotFound,
		Message: fmt.Sprintf("workflow definition %q not found", workflowID),
	}).With("workflowId", workflowID)
}

// NewRoleNotAuthorizedError returns a ROLE_NOT_AUTHORIZED error.
func NewRoleNotAuthorizedError(role, stageID, action string) *ErrorEnvelope {
	return (&ErrorEnvelope{
		Code:    ErrRoleNotAuthorized,
		Message: fmt.Sprintf("role %q may not perform %q at stage %q", role, action, stageID),
	}).With("role", role).With("stageId", stageID).With("action", action)
}

// NewActionNotAllowedError returns an ACTION_NOT_ALLOWED_AT_STAGE error.
func NewActionNotAllowedError(stageID, action string) *ErrorEnvelope {
	return (&ErrorEnvelope{
		Code:    ErrActionNotAllowedAtStage,
		Message: fmt.Sprintf("action %q is not allowed at stage %q", action, stageID),
	}).With("stageId", stageID).With("action", action)
}

// NewUnknownStageError returns an UNKNOWN_STAGE error.
func NewUnknownStageError(workflowID, stageID string) *ErrorEnvelope {
	return (&ErrorEnvelope{
		Code:    ErrUnknownStage,
		Message: fmt.Sprintf("stage %q does not exist in workflow %q", stageID, workflowID),
	}).With("workflowId", workflowID).With("stageId", stageID)
}

// NewNoSuchTransitionError returns a NO_SUCH_TRANSITION error.
func NewNoSuchTransitionError(stageID, action, reason string) *ErrorEnvelope {
	return (&ErrorEnvelope{
		Code:    ErrNoSuchTransition,
		Message: fmt.Sprintf("no transition for %q at stage %q: %s", action, stageID, reason),
	}).With("stageId", stageID).With("action", action)
}

// NewAmbiguousTransitionError returns an AMBIGUOUS_TRANSITION error.
func NewAmbiguousTransitionError(stageID, action string) *ErrorEnvelope {
	return (&ErrorEnvelope{
		Code:    ErrAmbiguousTransition,
		Message: fmt.Sprintf("action %q is defined more than once at stage %q", action, stageID),
	}).With("stageId", stageID).With("action", action)
}

// NewMalformedDefinitionError returns a MALFORMED_DEFINITION error.
func NewMalformedDefinitionError(workflowID, reason string) *ErrorEnvelope {
	return (&ErrorEnvelope{
		Code:    ErrMalformedDefinition,
		Message: fmt.Sprintf("workflow %q is malformed: %s", workflowID, reason),
	}).With("workflowId", workflowID)
}

// NewAlreadyActiveError returns an ALREADY_ACTIVE error.
func NewAlreadyActiveError(documentID string) *ErrorEnvelope {
	return (&ErrorEnvelope{
		Code:    ErrAlreadyActive,
		Message: fmt.Sprintf("document %q already has an active workflow; reset it first", documentID),
	}).With("documentId", documentID)
}

// NewDuplicateActiveInstanceError returns a DUPLICATE_ACTIVE_INSTANCE error.
func NewDuplicateActiveInstanceError(documentID string) *ErrorEnvelope {
	return (&ErrorEnvelope{
		Code:    ErrDuplicateActiveInstance,
		Message: fmt.Sprintf("an active instance already exists for document %q", documentID),
	}).With("documentId", documentID)
}

// NewInstanceInactiveError returns an INSTANCE_INACTIVE error.
func NewInstanceInactiveError(instanceID string) *ErrorEnvelope {
	return (&ErrorEnvelope{
		Code:    ErrInstanceInactive,
		Message: fmt.Sprintf("workflow instance %q is not active", instanceID),
	}).With("instanceId", instanceID)
}

// NewNoActiveWorkflowError returns a NO_ACTIVE_WORKFLOW error.
func NewNoActiveWorkflowError(documentID string) *ErrorEnvelope {
	return (&ErrorEnvelope{
		Code:    ErrNoActiveWorkflow,
		Message: fmt.Sprintf("document %q has no workflow", documentID),
	}).With("documentId", documentID)
}

// NewCommentRequiredError returns a COMMENT_REQUIRED error.
func NewCommentRequiredError(stageID, action string) *ErrorEnvelope {
	return (&ErrorEnvelope{
		Code:    ErrCommentRequired,
		Message: fmt.Sprintf("action %q at stage %q requires a comment", action, stageID),
	}).With("stageId", stageID).With("action", action)
}
