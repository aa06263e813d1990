package authz

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is the machine-readable classification attached to every
// access-control failure. Codes are part of the API contract: clients
// branch on them, so they never change meaning.
type Code string

const (
	// CodeScopeMismatch: the request's organization claim contradicts the
	// identity's organization.
	CodeScopeMismatch Code = "ScopeMismatch"
	// CodeMissingOrganizationContext: the role requires a tenancy scope and
	// none could be determined.
	CodeMissingOrganizationContext Code = "MissingOrganizationContext"
	// CodeCrossTenantAccess: the target entity belongs to another
	// organization.
	CodeCrossTenantAccess Code = "CrossTenantAccess"
	// CodeRoleNotPermitted: the policy table denies this role the action.
	CodeRoleNotPermitted Code = "RoleNotPermitted"
	// CodeNotFound: the referenced entity does not exist.
	CodeNotFound Code = "NotFound"
	// CodeAlreadyDecided: the approval request has left the pending state.
	CodeAlreadyDecided Code = "AlreadyDecided"
	// CodeApproverNotEligible: the approver's role is not among those
	// captured when the request was opened.
	CodeApproverNotEligible Code = "ApproverNotEligible"
	// CodeSelfApproval: requester and approver are the same identity.
	CodeSelfApproval Code = "SelfApproval"
	// CodeAuditWriteFailed: the audit trail could not be written, so the
	// decision was not honored.
	CodeAuditWriteFailed Code = "AuditWriteFailed"
	// CodeStorageTransient: a temporary storage failure; the only class
	// clients may retry.
	CodeStorageTransient Code = "StorageTransient"
)

// Error is a coded access-control failure
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a coded error with a formatted message
func NewError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code and message to an underlying cause
func WrapError(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the classification from an error chain. Uncoded
// errors return the empty code.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// HTTPStatus maps a code to the client-facing status. Deny-class codes are
// 4xx; infrastructure failures stay 5xx.
func HTTPStatus(code Code) int {
	switch code {
	case CodeScopeMismatch, CodeCrossTenantAccess, CodeRoleNotPermitted,
		CodeApproverNotEligible, CodeSelfApproval:
		return http.StatusForbidden
	case CodeMissingOrganizationContext:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyDecided:
		return http.StatusConflict
	case CodeStorageTransient:
		return http.StatusServiceUnavailable
	case CodeAuditWriteFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
