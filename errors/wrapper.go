package errors

import (
	"context"
	"fmt"
	"runtime"

	"sagaflow/logging"
)

// Wrap adds an error code and message at a service/handler boundary, without
// any implicit logging.
func Wrap(_ context.Context, err error, code ErrorCode, msg string) error {
	if err == nil {
		return nil
	}

	return WrapError(err, code, msg)
}

// WrapWithLog wraps err and immediately emits a warning log for it.
func WrapWithLog(ctx context.Context, err error, code ErrorCode, msg string, fields ...logging.Field) error {
	if err == nil {
		return nil
	}

	_, file, line, _ := runtime.Caller(1)

	wrapped := WrapError(err, code, msg)

	allFields := append([]logging.Field{
		logging.Error(err),
		logging.String("error_code", string(code)),
		logging.String("location", fmt.Sprintf("%s:%d", file, line)),
	}, fields...)

	logging.GetLogger().Warn(ctx, msg, allFields...)

	return wrapped
}

// WrapDbError classifies a store error, mapping not-found through unchanged
// and everything else to ErrCodeDatabase with a warning log.
func WrapDbError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	if IsNotFound(err) {
		return WrapError(err, ErrCodeNotFound, operation)
	}

	return WrapWithLog(ctx, err, ErrCodeDatabase,
		fmt.Sprintf("database operation failed: %s", operation),
		logging.String("operation", operation),
	)
}

// New creates an error tagged with its call site, for ad hoc error sites that
// don't warrant a dedicated factory.
func New(code ErrorCode, msg string) error {
	_, file, line, _ := runtime.Caller(1)
	enhancedMsg := fmt.Sprintf("%s (location: %s:%d)", msg, file, line)
	return NewError(code, enhancedMsg)
}
