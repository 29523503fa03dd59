package recovery

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"os"

	"gams/internal/ratelimit"
	"gams/internal/storage"
	"gams/internal/task/engine"
)

// Typed is implemented by errors that know their recovery type.
type Typed interface {
	error
	ErrorType() string
}

// Detailed is implemented by errors that carry recovery details.
type Detailed interface {
	error
	RecoveryDetails() map[string]any
}

// Classify maps err to an error type and the details its strategy reads.
func Classify(err error) (string, map[string]any) {
	if err == nil {
		return "", nil
	}
	details := map[string]any{"error_message": err.Error()}
	var d Detailed
	if errors.As(err, &d) {
		for k, v := range d.RecoveryDetails() {
			details[k] = v
		}
	}

	var typed Typed
	var ra engine.RetryAfterError
	var pe *fs.PathError
	switch {
	case errors.As(err, &typed):
		return typed.ErrorType(), details
	case errors.As(err, &ra):
		details["retry_after"] = ra.RetryAfter().Seconds()
		return TypeRateLimit, details
	case errors.Is(err, ratelimit.ErrRateLimited):
		return TypeRateLimit, details
	case errors.As(err, &pe):
		details["file_path"] = pe.Path
		if errors.Is(err, os.ErrPermission) {
			details["error_message"] = "permission denied: " + err.Error()
		} else if errors.Is(err, os.ErrNotExist) {
			details["error_message"] = "missing directory or file: " + err.Error()
		}
		return TypeFileSystem, details
	case errors.Is(err, storage.ErrClosed), errors.Is(err, sql.ErrConnDone):
		return TypeDatabaseConnection, details
	case errors.Is(err, engine.ErrPanic):
		return TypeProcessCrash, details
	case errors.Is(err, context.DeadlineExceeded):
		return TypeProcessCrash, details
	}
	return TypeDefault, details
}
