package sandbox

import (
	"errors"
	"fmt"
	"time"
)

// ErrRequestTerminated signals a deliberate early stop of a script.
// It is not a failure: output captured so far is still delivered.
var ErrRequestTerminated = errors.New("request terminated")

// RedirectError asks the transport to send the client elsewhere.
// It travels through the error channel but is a successful outcome.
type RedirectError struct {
	URL string
}

func (e *RedirectError) Error() string {
	return "redirect to " + e.URL
}

// TimeoutError is the cause attached to an evaluation that ran out of time.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("script execution exceeded %s", e.After)
}

func (e *TimeoutError) Category() string { return "Timeout" }

// IsTermination reports whether err is a request termination signal.
func IsTermination(err error) bool {
	return errors.Is(err, ErrRequestTerminated)
}

// AsRedirect extracts the redirect target carried by err, if any.
func AsRedirect(err error) (*RedirectError, bool) {
	var redirect *RedirectError
	if errors.As(err, &redirect) {
		return redirect, true
	}
	return nil, false
}
