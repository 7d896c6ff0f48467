package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is the base interface for all application errors
type AppError interface {
	error
	HTTPStatus() int
	Code() string
}

// DefinitionNotFoundError means no workflow definition exists for the id
type DefinitionNotFoundError struct {
	DefinitionID string
}

func (e *DefinitionNotFoundError) Error() string {
	return fmt.Sprintf("workflow definition '%s' not found", e.DefinitionID)
}

func (e *DefinitionNotFoundError) HTTPStatus() int {
	return http.StatusNotFound
}

func (e *DefinitionNotFoundError) Code() string {
	return "DEFINITION_NOT_FOUND"
}

// NewDefinitionNotFoundError creates a new DefinitionNotFoundError
func NewDefinitionNotFoundError(definitionID string) *DefinitionNotFoundError {
	return &DefinitionNotFoundError{DefinitionID: definitionID}
}

// DefinitionInactiveError means the definition exists but is disabled
type DefinitionInactiveError struct {
	DefinitionID string
}

func (e *DefinitionInactiveError) Error() string {
	return fmt.Sprintf("workflow definition '%s' is inactive", e.DefinitionID)
}

func (e *DefinitionInactiveError) HTTPStatus() int {
	return http.StatusConflict
}

func (e *DefinitionInactiveError) Code() string {
	return "DEFINITION_INACTIVE"
}

// NewDefinitionInactiveError creates a new DefinitionInactiveError
func NewDefinitionInactiveError(definitionID string) *DefinitionInactiveError {
	return &DefinitionInactiveError{DefinitionID: definitionID}
}

// InstanceNotFoundError means no workflow instance exists for the id
// (it may have expired from the store)
type InstanceNotFoundError struct {
	InstanceID string
}

func (e *InstanceNotFoundError) Error() string {
	return fmt.Sprintf("workflow instance '%s' not found", e.InstanceID)
}

func (e *InstanceNotFoundError) HTTPStatus() int {
	return http.StatusNotFound
}

func (e *InstanceNotFoundError) Code() string {
	return "INSTANCE_NOT_FOUND"
}

// NewInstanceNotFoundError creates a new InstanceNotFoundError
func NewInstanceNotFoundError(instanceID string) *InstanceNotFoundError {
	return &InstanceNotFoundError{InstanceID: instanceID}
}

// StepNotFoundError means an instance points at a step id missing from
// its definition. This is fatal to the instance, never retried.
type StepNotFoundError struct {
	DefinitionID string
	StepID       string
}

func (e *StepNotFoundError) Error() string {
	return fmt.Sprintf("step '%s' not found in definition '%s'", e.StepID, e.DefinitionID)
}

func (e *StepNotFoundError) HTTPStatus() int {
	return http.StatusInternalServerError
}

func (e *StepNotFoundError) Code() string {
	return "STEP_NOT_FOUND"
}

// NewStepNotFoundError creates a new StepNotFoundError
func NewStepNotFoundError(definitionID, stepID string) *StepNotFoundError {
	return &StepNotFoundError{DefinitionID: definitionID, StepID: stepID}
}

// ApprovalNotFoundError means the approval id is unknown on the instance
type ApprovalNotFoundError struct {
	InstanceID string
	ApprovalID string
}

func (e *ApprovalNotFoundError) Error() string {
	return fmt.Sprintf("approval '%s' not found on instance '%s'", e.ApprovalID, e.InstanceID)
}

func (e *ApprovalNotFoundError) HTTPStatus() int {
	return http.StatusNotFound
}

func (e *ApprovalNotFoundError) Code() string {
	return "APPROVAL_NOT_FOUND"
}

// NewApprovalNotFoundError creates a new ApprovalNotFoundError
func NewApprovalNotFoundError(instanceID, approvalID string) *ApprovalNotFoundError {
	return &ApprovalNotFoundError{InstanceID: instanceID, ApprovalID: approvalID}
}

// ApprovalAlreadyDecidedError means a second decision was attempted on
// an approval that already left pending
type ApprovalAlreadyDecidedError struct {
	ApprovalID string
	Status     string
}

func (e *ApprovalAlreadyDecidedError) Error() string {
	return fmt.Sprintf("approval '%s' already decided: %s", e.ApprovalID, e.Status)
}

func (e *ApprovalAlreadyDecidedError) HTTPStatus() int {
	return http.StatusConflict
}

func (e *ApprovalAlreadyDecidedError) Code() string {
	return "APPROVAL_ALREADY_DECIDED"
}

// NewApprovalAlreadyDecidedError creates a new ApprovalAlreadyDecidedError
func NewApprovalAlreadyDecidedError(approvalID, status string) *ApprovalAlreadyDecidedError {
	return &ApprovalAlreadyDecidedError{ApprovalID: approvalID, Status: status}
}

// HandlerError wraps any step-type-specific failure: remote call
// failure, malformed condition, sub-step failure
type HandlerError struct {
	StepID  string
	Message string
	Cause   error
}

func (e *HandlerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("step '%s' failed: %s (caused by: %v)", e.StepID, e.Message, e.Cause)
	}
	return fmt.Sprintf("step '%s' failed: %s", e.StepID, e.Message)
}

func (e *HandlerError) HTTPStatus() int {
	return http.StatusInternalServerError
}

func (e *HandlerError) Code() string {
	return "HANDLER_ERROR"
}

func (e *HandlerError) Unwrap() error {
	return e.Cause
}

// NewHandlerError creates a new HandlerError
func NewHandlerError(stepID, message string, cause error) *HandlerError {
	return &HandlerError{StepID: stepID, Message: message, Cause: cause}
}

// WorkflowTimeoutError means the instance exceeded its definition's
// overall timeout
type WorkflowTimeoutError struct {
	InstanceID string
	Elapsed    string
}

func (e *WorkflowTimeoutError) Error() string {
	return fmt.Sprintf("workflow instance '%s' exceeded its timeout after %s", e.InstanceID, e.Elapsed)
}

func (e *WorkflowTimeoutError) HTTPStatus() int {
	return http.StatusRequestTimeout
}

func (e *WorkflowTimeoutError) Code() string {
	return "WORKFLOW_TIMEOUT"
}

// NewWorkflowTimeoutError creates a new WorkflowTimeoutError
func NewWorkflowTimeoutError(instanceID, elapsed string) *WorkflowTimeoutError {
	return &WorkflowTimeoutError{InstanceID: instanceID, Elapsed: elapsed}
}

// InvalidTransitionError means an intent was submitted against an
// instance whose status no longer accepts it (e.g. approving a
// cancelled instance)
type InvalidTransitionError struct {
	InstanceID string
	Status     string
	Intent     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s instance '%s' in status %s", e.Intent, e.InstanceID, e.Status)
}

func (e *InvalidTransitionError) HTTPStatus() int {
	return http.StatusConflict
}

func (e *InvalidTransitionError) Code() string {
	return "INVALID_TRANSITION"
}

// NewInvalidTransitionError creates a new InvalidTransitionError
func NewInvalidTransitionError(instanceID, status, intent string) *InvalidTransitionError {
	return &InvalidTransitionError{InstanceID: instanceID, Status: status, Intent: intent}
}

// ConflictError represents a conflict with existing data, e.g.
// re-registering a definition id that live instances still reference
type ConflictError struct {
	Resource string
	ID       string
	Message  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s '%s': %s", e.Resource, e.ID, e.Message)
}

func (e *ConflictError) HTTPStatus() int {
	return http.StatusConflict
}

func (e *ConflictError) Code() string {
	return "CONFLICT"
}

// NewConflictError creates a new ConflictError
func NewConflictError(resource, id, message string) *ConflictError {
	return &ConflictError{Resource: resource, ID: id, Message: message}
}

// ValidationError represents invalid input
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) HTTPStatus() int {
	return http.StatusBadRequest
}

func (e *ValidationError) Code() string {
	return "VALIDATION_ERROR"
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// Helper functions for error checking

// IsDefinitionNotFound checks if an error is a DefinitionNotFoundError
func IsDefinitionNotFound(err error) bool {
	var notFound *DefinitionNotFoundError
	return errors.As(err, &notFound)
}

// IsDefinitionInactive checks if an error is a DefinitionInactiveError
func IsDefinitionInactive(err error) bool {
	var inactive *DefinitionInactiveError
	return errors.As(err, &inactive)
}

// IsInstanceNotFound checks if an error is an InstanceNotFoundError
func IsInstanceNotFound(err error) bool {
	var notFound *InstanceNotFoundError
	return errors.As(err, &notFound)
}

// IsApprovalNotFound checks if an error is an ApprovalNotFoundError
func IsApprovalNotFound(err error) bool {
	var notFound *ApprovalNotFoundError
	return errors.As(err, &notFound)
}

// IsAlreadyDecided checks if an error is an ApprovalAlreadyDecidedError
func IsAlreadyDecided(err error) bool {
	var decided *ApprovalAlreadyDecidedError
	return errors.As(err, &decided)
}

// IsHandlerError checks if an error is a HandlerError
func IsHandlerError(err error) bool {
	var handler *HandlerError
	return errors.As(err, &handler)
}

// IsInvalidTransition checks if an error is an InvalidTransitionError
func IsInvalidTransition(err error) bool {
	var invalid *InvalidTransitionError
	return errors.As(err, &invalid)
}

// GetHTTPStatus returns the HTTP status code for an error
// Returns 500 if the error doesn't implement AppError
func GetHTTPStatus(err error) int {
	var appErr AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// GetErrorCode returns the error code for an error
// Returns "UNKNOWN_ERROR" if the error doesn't implement AppError
func GetErrorCode(err error) string {
	var appErr AppError
	if errors.As(err, &appErr) {
		return appErr.Code()
	}
	return "UNKNOWN_ERROR"
}

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ToResponse converts an error to an ErrorResponse
func ToResponse(err error) ErrorResponse {
	return ErrorResponse{
		Code:    GetErrorCode(err),
		Message: err.Error(),
	}
}
