package downloader

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrGaveUp is wrapped by Fetch when it stops retrying a song.
var ErrGaveUp = errors.New("downloader: gave up")

// ErrorClass represents whether a fetch error should be retried or not.
type ErrorClass int

const (
	// ErrorClassRetryable indicates a transient error (network, 5xx, 429, other non-2xx).
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassNotFound indicates the asset is not published yet. Retried within a budget.
	ErrorClassNotFound
	// ErrorClassFatal indicates the request can never succeed.
	ErrorClassFatal
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassNotFound:
		return "not_found"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// StatusError is a non-2xx response from the asset host.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// ClassifyFetchError classifies fetch errors.
//
// Fatal: 400, 401, 403, 410. NotFound: 404.
// Everything else, including network errors and unknown statuses, is retryable.
func ClassifyFetchError(err error) ErrorClass {
	var se *StatusError
	if !errors.As(err, &se) {
		return ErrorClassRetryable
	}
	switch se.Code {
	case http.StatusNotFound:
		return ErrorClassNotFound
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusGone:
		return ErrorClassFatal
	default:
		return ErrorClassRetryable
	}
}

// IsFatalError checks if an error should not be retried.
func IsFatalError(err error) bool {
	return ClassifyFetchError(err) == ErrorClassFatal
}
