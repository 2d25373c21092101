package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// SubmitError describes a failed delivery attempt. Permanent errors will fail
// again given the same payload and must not be retried automatically.
type SubmitError struct {
	StatusCode int // 0 when no response was received
	Message    string
	Permanent  bool
	Err        error
}

func (e *SubmitError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("%s: http %d: %s", kind, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: http %d", kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", kind, e.Err)
	}
	return kind + ": " + e.Message
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err is a SubmitError classified as permanent.
// Anything else, including unknown errors, is treated as transient.
func IsPermanent(err error) bool {
	var se *SubmitError
	return errors.As(err, &se) && se.Permanent
}

// classifyStatus maps a non-2xx response to a SubmitError. Request timeouts,
// early-data rejection, rate limiting and 5xx are retryable; every other 4xx
// means the server rejected the payload itself.
func classifyStatus(code int, message string) *SubmitError {
	e := &SubmitError{StatusCode: code, Message: message}
	switch {
	case code == http.StatusRequestTimeout,
		code == http.StatusTooEarly,
		code == http.StatusTooManyRequests,
		code >= 500 && code <= 599:
		e.Permanent = false
	case code >= 400 && code <= 499:
		e.Permanent = true
	}
	return e
}
