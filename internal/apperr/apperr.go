// Package apperr defines the numeric error taxonomy shared by the HTTP
// surface, the message fabric, and the persistence layer. Codes are stable
// and travel across service boundaries; messages split into a developer
// Message and a UI-safe UserMessage.
package apperr

import (
	"errors"
	"fmt"
)

// Code identifies an error class. Ranges:
//
//	40xx authentication
//	41xx authorization
//	42xx validation / provisioning
//	50xx persistence
//	51xx message fabric
//	52xx external services
type Code int

const (
	// Authentication (40xx).
	CodeInvalidToken             Code = 4001
	CodeTokenExpired             Code = 4002
	CodeIdPExchangeFailed        Code = 4003
	CodeIdPProfileMissing        Code = 4004
	CodeAuthorizationCodeInvalid Code = 4005
	CodeUserNotFound             Code = 4006

	// Authorization (41xx).
	CodeTokenBlacklisted         Code = 4101
	CodeInsufficientPermissions  Code = 4102
	CodeOrganizationAccessDenied Code = 4103
	CodeRoleNotFound             Code = 4104
	CodeMissingPermission        Code = 4105
	CodeOrganizationNotFound     Code = 4106
	CodeTokenBlacklistFailed     Code = 4107

	// Validation and provisioning (42xx).
	CodeUserNotFoundInRbac         Code = 4201
	CodeOrganizationNotFoundInRbac Code = 4202
	CodeNoOrganizationMembership   Code = 4203
	CodeOrganizationPathInvalid    Code = 4204
	CodeUserProvisioningFailed     Code = 4205
	CodeExternalIdInvalid          Code = 4206
	// 4207: the resolved permission set exceeds what a token may carry.
	CodeInsufficientPermissionsCapacity Code = 4207

	// Persistence (50xx).
	CodeConnectionFailed    Code = 5001
	CodeQueryFailed         Code = 5002
	CodeTransactionFailed   Code = 5003
	CodeConstraintViolation Code = 5004
	CodeCustomQueryError    Code = 5005

	// Message fabric (51xx).
	CodePublishFailed       Code = 5101
	CodeConsumeFailed       Code = 5102
	CodeTimeout             Code = 5103
	CodeSerializationFailed Code = 5104
	CodeServiceUnavailable  Code = 5105

	// External services (52xx).
	CodeIdPApiError      Code = 5201
	CodeSigningFailed    Code = 5202
	CodeSignatureInvalid Code = 5203
	CodeExternalTimeout  Code = 5204
)

// Error is the application error carried across the fabric and rendered at
// the HTTP edge. Err is the wrapped cause and is never serialized.
type Error struct {
	Code        Code   `json:"code"`
	Message     string `json:"message"`
	UserMessage string `json:"user_message,omitempty"`
	Err         error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on code, so sentinel comparisons work across serialization
// boundaries where the wrapped cause is lost.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New builds an Error with the default user message for its code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, UserMessage: defaultUserMessage(code)}
}

// Newf is New with a formatted developer message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches a cause to a new Error.
func Wrap(code Code, message string, err error) *Error {
	e := New(code, message)
	e.Err = err
	return e
}

// WithUserMessage overrides the UI-safe message.
func (e *Error) WithUserMessage(msg string) *Error {
	e.UserMessage = msg
	return e
}

// AsAppError extracts an *Error from anywhere in a chain. When err is not an
// application error it returns a 5002 wrapper so callers always get a code.
func AsAppError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(CodeQueryFailed, "internal error", err)
}

// CodeOf returns the code of err, or 0 when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// Retryable reports whether the failure class is transient. Infrastructure
// failures (50xx persistence, 51xx fabric, 5204 external timeout) may
// succeed on retry; business and validation errors never will.
func Retryable(err error) bool {
	switch c := CodeOf(err); {
	case c >= 5001 && c <= 5105:
		return true
	case c == CodeExternalTimeout:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a code to the HTTP status rendered at the edge.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidToken, CodeTokenExpired, CodeAuthorizationCodeInvalid, CodeTokenBlacklisted:
		return 401
	case CodeInsufficientPermissions, CodeOrganizationAccessDenied, CodeMissingPermission:
		return 403
	case CodeUserNotFound, CodeRoleNotFound, CodeOrganizationNotFound,
		CodeUserNotFoundInRbac, CodeOrganizationNotFoundInRbac:
		return 404
	case CodeNoOrganizationMembership, CodeOrganizationPathInvalid, CodeExternalIdInvalid,
		CodeInsufficientPermissionsCapacity:
		return 422
	case CodeConstraintViolation:
		return 409
	case CodeTimeout, CodeExternalTimeout:
		return 504
	case CodeServiceUnavailable:
		return 503
	default:
		if code >= 4000 && code < 4300 {
			return 400
		}
		return 500
	}
}

func defaultUserMessage(code Code) string {
	switch {
	case code == CodeTokenExpired:
		return "Your session has expired. Please sign in again."
	case code == CodeTokenBlacklisted:
		return "Your session is no longer valid. Please sign in again."
	case code == CodeInsufficientPermissions || code == CodeMissingPermission:
		return "You do not have permission to perform this action."
	case code == CodeOrganizationAccessDenied:
		return "You do not have access to this organization."
	case code == CodeNoOrganizationMembership:
		return "Your account is not a member of any organization. Contact an administrator."
	case code >= 4000 && code < 4100:
		return "Sign-in failed. Please try again."
	case code >= 4200 && code < 4300:
		return "The request could not be processed."
	default:
		return "Something went wrong. Please try again later."
	}
}
