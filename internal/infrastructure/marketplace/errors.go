package marketplace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/erp/marketsync/internal/domain/marketsync"
)

// ErrorKind classifies a failed marketplace call.
type ErrorKind string

const (
	KindRateLimited ErrorKind = "RateLimited"
	KindTransient   ErrorKind = "Transient"
	KindAuthFailure ErrorKind = "AuthFailure"
	KindValidation  ErrorKind = "Validation"
	KindUnknown     ErrorKind = "Unknown"
)

// String returns the string representation of ErrorKind
func (k ErrorKind) String() string {
	return string(k)
}

// Sentinel returns the domain error matching the kind.
func (k ErrorKind) Sentinel() error {
	switch k {
	case KindRateLimited:
		return marketsync.ErrRateLimited
	case KindTransient:
		return marketsync.ErrTransient
	case KindAuthFailure:
		return marketsync.ErrAuthFailure
	case KindValidation:
		return marketsync.ErrValidation
	default:
		return marketsync.ErrUnknown
	}
}

// RequestError is the final failure of Requester.Execute after retries.
type RequestError struct {
	Kind       ErrorKind
	Route      RouteClass
	StatusCode int
	Attempts   int
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("marketplace %s request failed (%s, HTTP %d, %d attempts): %v",
			e.Route, e.Kind, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("marketplace %s request failed (%s, %d attempts): %v", e.Route, e.Kind, e.Attempts, e.Err)
}

// Unwrap returns the underlying cause.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// Is matches the domain sentinel of the error kind.
func (e *RequestError) Is(target error) bool {
	return target == e.Kind.Sentinel()
}

// KindOf returns the kind of err, or KindUnknown when err is not a RequestError.
func KindOf(err error) ErrorKind {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Kind
	}
	return KindUnknown
}

// classifyStatus maps a non-2xx status to its kind and whether it may be retried.
func classifyStatus(code int) (ErrorKind, bool) {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited, true
	case code >= 500:
		return KindTransient, true
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return KindAuthFailure, false
	case code == http.StatusBadRequest, code == http.StatusNotFound,
		code == http.StatusConflict, code == http.StatusUnprocessableEntity:
		return KindValidation, false
	default:
		return KindUnknown, false
	}
}

// isRetriableTransportError reports whether a transport failure is worth retrying.
// The caller checks its own context first; a per-attempt client timeout is retriable.
func isRetriableTransportError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF)
}
