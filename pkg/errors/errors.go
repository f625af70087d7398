package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrPackageNotFound signals the package is absent from the catalog or
	// index. For idempotent operations callers treat it as success-no-op; the
	// index updater treats it as a removal signal.
	ErrPackageNotFound = errors.New("package not found")
	ErrVersionNotFound = errors.New("package version not found")
	ErrJobNotFound     = errors.New("job not found")

	// ErrTxConflict is an optimistic-lock failure on the transactional store.
	// Retried automatically; surfaced only when retries exhaust.
	ErrTxConflict = errors.New("transaction conflict")

	// ErrLastVersionRemoval rejects deleting the final remaining version of a
	// package through the per-version path. Full package removal must be
	// requested explicitly.
	ErrLastVersionRemoval = errors.New("removing the last version requires full package removal")

	// ErrDataInconsistency marks upstream corruption (e.g. an ownership
	// record whose target is missing). Fatal to the current operation.
	ErrDataInconsistency = errors.New("data inconsistency")

	ErrInvalidQuery = errors.New("invalid search query")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInternal     = errors.New("internal error")
	ErrTimeout      = errors.New("operation timed out")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrPackageNotFound),
		errors.Is(err, ErrVersionNotFound),
		errors.Is(err, ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTxConflict), errors.Is(err, ErrLastVersionRemoval):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
