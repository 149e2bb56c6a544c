package challenge

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotSolved is returned when the user dismissed the challenge or the
	// widget produced an empty token. It is terminal: nothing is retried.
	ErrNotSolved = errors.New("challenge: challenge not solved")

	// ErrTimeout is returned by Session.Execute when a deadline was configured
	// and the widget did not answer in time.
	ErrTimeout = fmt.Errorf("%w: timed out", ErrNotSolved)

	// ErrTooManyChallenges is returned when the server keeps answering 429
	// after more solved challenges than the executor allows.
	ErrTooManyChallenges = errors.New("challenge: server still rate limited after solved challenges")

	// ErrNoWidget is returned when a session has no widget factory.
	ErrNoWidget = errors.New("challenge: no widget configured")
)

// StatusError is a failed HTTP exchange. It is the cause most transports in
// this module wrap, and ExtractStatus finds it anywhere in an error chain.
type StatusError struct {
	Status int
	URL    string
	Body   []byte
}

func (e *StatusError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("unexpected status %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("unexpected status %d %s from %s", e.Status, http.StatusText(e.Status), e.URL)
}

// StatusCode returns the HTTP status of the failed exchange.
func (e *StatusError) StatusCode() int {
	return e.Status
}
