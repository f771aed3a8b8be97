// Package errors defines the error taxonomy shared by the ledger, the audit
// trail and the HTTP layer.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error kind independently of its message.
type Code string

const (
	CodeNotFound             Code = "NOT_FOUND"
	CodeInvalidState         Code = "INVALID_STATE"
	CodeInsufficientEarnings Code = "INSUFFICIENT_EARNINGS"
	CodeInsufficientBalance  Code = "INSUFFICIENT_BALANCE"
	CodeInvalidAmount        Code = "INVALID_AMOUNT"
	CodeInvalidArgument      Code = "INVALID_ARGUMENT"
	CodeDuplicate            Code = "DUPLICATE"
	CodeConcurrencyConflict  Code = "CONCURRENCY_CONFLICT"
	CodeStoreUnavailable     Code = "STORE_UNAVAILABLE"
	CodeAuditWriteFailed     Code = "AUDIT_WRITE_FAILED"
	CodeJournalMismatch      Code = "JOURNAL_MISMATCH"
	CodeUnauthorized         Code = "UNAUTHORIZED"
	CodeForbidden            Code = "FORBIDDEN"
	CodeRateLimited          Code = "RATE_LIMITED"
	CodeInternal             Code = "INTERNAL"
)

var httpStatus = map[Code]int{
	CodeNotFound:             http.StatusNotFound,
	CodeInvalidState:         http.StatusConflict,
	CodeInsufficientEarnings: http.StatusUnprocessableEntity,
	CodeInsufficientBalance:  http.StatusUnprocessableEntity,
	CodeInvalidAmount:        http.StatusBadRequest,
	CodeInvalidArgument:      http.StatusBadRequest,
	CodeDuplicate:            http.StatusConflict,
	CodeConcurrencyConflict:  http.StatusConflict,
	CodeStoreUnavailable:     http.StatusServiceUnavailable,
	CodeAuditWriteFailed:     http.StatusInternalServerError,
	CodeJournalMismatch:      http.StatusInternalServerError,
	CodeUnauthorized:         http.StatusUnauthorized,
	CodeForbidden:            http.StatusForbidden,
	CodeRateLimited:          http.StatusTooManyRequests,
	CodeInternal:             http.StatusInternalServerError,
}

// ServiceError is a classified error carrying an HTTP status and optional details.
type ServiceError struct {
	Code       Code
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	Err        error
}

// Sentinels for errors.Is matching. Matching is by Code only.
var (
	ErrNotFound             = &ServiceError{Code: CodeNotFound}
	ErrInvalidState         = &ServiceError{Code: CodeInvalidState}
	ErrInsufficientEarnings = &ServiceError{Code: CodeInsufficientEarnings}
	ErrInsufficientBalance  = &ServiceError{Code: CodeInsufficientBalance}
	ErrInvalidAmount        = &ServiceError{Code: CodeInvalidAmount}
	ErrInvalidArgument      = &ServiceError{Code: CodeInvalidArgument}
	ErrDuplicate            = &ServiceError{Code: CodeDuplicate}
	ErrConcurrencyConflict  = &ServiceError{Code: CodeConcurrencyConflict}
	ErrStoreUnavailable     = &ServiceError{Code: CodeStoreUnavailable}
	ErrAuditWriteFailed     = &ServiceError{Code: CodeAuditWriteFailed}
	ErrJournalMismatch      = &ServiceError{Code: CodeJournalMismatch}
	ErrUnauthorized         = &ServiceError{Code: CodeUnauthorized}
	ErrForbidden            = &ServiceError{Code: CodeForbidden}
)

func (e *ServiceError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Is reports whether target is a ServiceError with the same code.
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetails returns a copy of e with key set in Details.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// New builds a ServiceError with the default HTTP status for code.
func New(code Code, message string) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: StatusFor(code)}
}

// Wrap builds a ServiceError around an underlying cause.
func Wrap(code Code, message string, err error) *ServiceError {
	e := New(code, message)
	e.Err = err
	return e
}

// StatusFor returns the HTTP status mapped to code.
func StatusFor(code Code) int {
	if s, ok := httpStatus[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func NotFound(resource, id string) *ServiceError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource)).WithDetails("id", id)
}

func InvalidState(format string, args ...interface{}) *ServiceError {
	return New(CodeInvalidState, fmt.Sprintf(format, args...))
}

func InsufficientEarnings(available, requested string) *ServiceError {
	return New(CodeInsufficientEarnings, "insufficient earnings").
		WithDetails("available", available).
		WithDetails("requested", requested)
}

func InsufficientBalance(available, requested string) *ServiceError {
	return New(CodeInsufficientBalance, "insufficient balance").
		WithDetails("available", available).
		WithDetails("requested", requested)
}

func InvalidAmount(format string, args ...interface{}) *ServiceError {
	return New(CodeInvalidAmount, fmt.Sprintf(format, args...))
}

func InvalidArgument(format string, args ...interface{}) *ServiceError {
	return New(CodeInvalidArgument, fmt.Sprintf(format, args...))
}

func Duplicate(resource, key string) *ServiceError {
	return New(CodeDuplicate, fmt.Sprintf("%s already processed", resource)).WithDetails("key", key)
}

func ConcurrencyConflict(err error) *ServiceError {
	return Wrap(CodeConcurrencyConflict, "concurrent update lost", err)
}

func StoreUnavailable(err error) *ServiceError {
	return Wrap(CodeStoreUnavailable, "ledger store unavailable", err)
}

func JournalMismatch(format string, args ...interface{}) *ServiceError {
	return New(CodeJournalMismatch, fmt.Sprintf(format, args...))
}

func Unauthorized(message string) *ServiceError {
	return New(CodeUnauthorized, message)
}

func Forbidden(message string) *ServiceError {
	return New(CodeForbidden, message)
}

func RateLimited() *ServiceError {
	return New(CodeRateLimited, "rate limit exceeded")
}

func Internal(message string, err error) *ServiceError {
	return Wrap(CodeInternal, message, err)
}

// GetServiceError extracts the first ServiceError in err's chain.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		if se.HTTPStatus == 0 {
			cp := *se
			cp.HTTPStatus = StatusFor(se.Code)
			return &cp
		}
		return se
	}
	return nil
}

// CodeOf returns the code of err, or CodeInternal for unclassified errors.
func CodeOf(err error) Code {
	if se := GetServiceError(err); se != nil {
		return se.Code
	}
	return CodeInternal
}

// IsRetryable reports whether the operation may be retried without side effects.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrStoreUnavailable)
}
