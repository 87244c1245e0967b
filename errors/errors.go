package errors

import (
	stdErrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorCode is a stable, comparable error classification.
type ErrorCode string

const (
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeTimeout            ErrorCode = "TIMEOUT"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	ErrCodeValidation  ErrorCode = "VALIDATION_ERROR"
	ErrCodeDuplicate   ErrorCode = "DUPLICATE_ERROR"
	ErrCodeDependency  ErrorCode = "DEPENDENCY_ERROR"
	ErrCodeConcurrency ErrorCode = "CONCURRENCY_ERROR"

	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
	ErrCodeNetwork  ErrorCode = "NETWORK_ERROR"
)

// IError is an error carrying a classification code, an optional cause, and
// structured details, on top of the standard error contract.
type IError interface {
	error

	Code() ErrorCode
	Message() string
	Cause() error
	Details() map[string]any
	Stack() string
	Is(target error) bool
	Wrap(msg string) IError
	WithDetails(details map[string]any) IError
	WithContext(key string, value any) IError
}

// AppError is the concrete IError implementation used throughout this module.
type AppError struct {
	code    ErrorCode
	message string
	cause   error
	details map[string]any
	stack   string
}

func NewError(code ErrorCode, message string) IError {
	return &AppError{
		code:    code,
		message: message,
		details: make(map[string]any),
		stack:   captureStack(),
	}
}

func NewErrorWithCause(code ErrorCode, message string, cause error) IError {
	return &AppError{
		code:    code,
		message: message,
		cause:   cause,
		details: make(map[string]any),
		stack:   captureStack(),
	}
}

func WrapError(err error, code ErrorCode, message string) IError {
	if err == nil {
		return nil
	}

	return &AppError{
		code:    code,
		message: message,
		cause:   err,
		details: make(map[string]any),
		stack:   captureStack(),
	}
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *AppError) Code() ErrorCode { return e.code }

func (e *AppError) Message() string { return e.message }

func (e *AppError) Cause() error { return e.cause }

func (e *AppError) Details() map[string]any {
	return copyMap(e.details)
}

func (e *AppError) Stack() string { return e.stack }

// Is compares by error code, falling back to the wrapped cause.
func (e *AppError) Is(target error) bool {
	if target == nil {
		return false
	}

	if appErr, ok := target.(*AppError); ok {
		return e.code == appErr.code
	}

	if e.cause != nil {
		return stdErrors.Is(e.cause, target)
	}

	return false
}

func (e *AppError) Unwrap() error { return e.cause }

func (e *AppError) Wrap(msg string) IError {
	return &AppError{
		code:    e.code,
		message: fmt.Sprintf("%s: %s", msg, e.message),
		cause:   e,
		details: copyMap(e.details),
		stack:   captureStack(),
	}
}

func (e *AppError) WithDetails(details map[string]any) IError {
	newDetails := copyMap(e.details)
	for k, v := range details {
		newDetails[k] = v
	}

	return &AppError{
		code:    e.code,
		message: e.message,
		cause:   e.cause,
		details: newDetails,
		stack:   e.stack,
	}
}

func (e *AppError) WithContext(key string, value any) IError {
	newDetails := copyMap(e.details)
	newDetails[key] = value

	return &AppError{
		code:    e.code,
		message: e.message,
		cause:   e.cause,
		details: newDetails,
		stack:   e.stack,
	}
}

// sentinels, stack-free, for errors.Is comparisons only — use the New*
// factories below to produce errors that carry a stack trace.
var (
	errInternal     = &AppError{code: ErrCodeInternal, message: "internal error"}
	errInvalidInput = &AppError{code: ErrCodeInvalidInput, message: "invalid input"}
	errNotFound     = &AppError{code: ErrCodeNotFound, message: "not found"}
	errConflict     = &AppError{code: ErrCodeConflict, message: "conflict"}
	errTimeout      = &AppError{code: ErrCodeTimeout, message: "timed out"}
	errValidation   = &AppError{code: ErrCodeValidation, message: "validation failed"}
	errDuplicate    = &AppError{code: ErrCodeDuplicate, message: "duplicate"}
	errDependency   = &AppError{code: ErrCodeDependency, message: "dependency error"}
	errConcurrency  = &AppError{code: ErrCodeConcurrency, message: "concurrency conflict"}
	errDatabase     = &AppError{code: ErrCodeDatabase, message: "database error"}
	errNetwork      = &AppError{code: ErrCodeNetwork, message: "network error"}
)

func ErrInternal() *AppError     { return errInternal }
func ErrInvalidInput() *AppError { return errInvalidInput }
func ErrNotFound() *AppError     { return errNotFound }
func ErrConflict() *AppError     { return errConflict }
func ErrTimeout() *AppError      { return errTimeout }
func ErrValidation() *AppError   { return errValidation }
func ErrDuplicate() *AppError    { return errDuplicate }
func ErrDependency() *AppError   { return errDependency }
func ErrConcurrency() *AppError  { return errConcurrency }
func ErrDatabase() *AppError     { return errDatabase }
func ErrNetwork() *AppError      { return errNetwork }

func NewInternalError(message string) IError     { return NewError(ErrCodeInternal, message) }
func NewInvalidInputError(message string) IError { return NewError(ErrCodeInvalidInput, message) }
func NewNotFoundError(message string) IError     { return NewError(ErrCodeNotFound, message) }
func NewConflictError(message string) IError     { return NewError(ErrCodeConflict, message) }
func NewTimeoutError(message string) IError      { return NewError(ErrCodeTimeout, message) }
func NewValidationError(message string) IError   { return NewError(ErrCodeValidation, message) }
func NewDuplicateError(message string) IError     { return NewError(ErrCodeDuplicate, message) }
func NewDependencyError(message string) IError    { return NewError(ErrCodeDependency, message) }
func NewConcurrencyError(message string) IError   { return NewError(ErrCodeConcurrency, message) }

func NewDatabaseError(message string, cause error) IError {
	return NewErrorWithCause(ErrCodeDatabase, message, cause)
}

func NewNetworkError(message string, cause error) IError {
	return NewErrorWithCause(ErrCodeNetwork, message, cause)
}

func IsNotFound(err error) bool   { return IsErrorCode(err, ErrCodeNotFound) }
func IsValidation(err error) bool { return IsErrorCode(err, ErrCodeValidation) }
func IsConflict(err error) bool   { return IsErrorCode(err, ErrCodeConflict) }

func IsErrorCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return appErr.code == code
	}

	return false
}

func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return appErr.code
	}

	return ErrCodeInternal
}

func captureStack() string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])

	var builder strings.Builder
	frames := runtime.CallersFrames(pcs[:n])

	for {
		frame, more := frames.Next()
		builder.WriteString(fmt.Sprintf("%s:%d %s\n", frame.File, frame.Line, frame.Function))

		if !more {
			break
		}
	}

	return builder.String()
}

func copyMap(original map[string]any) map[string]any {
	if original == nil {
		return make(map[string]any)
	}

	copied := make(map[string]any, len(original))
	for k, v := range original {
		copied[k] = v
	}

	return copied
}
