package runpod

import (
	"errors"
	"fmt"
	"time"
)

// Transport failure kinds. Every *TransportError unwraps to exactly one of
// these, so callers classify with errors.Is.
var (
	// ErrUnauthorized indicates the API key was rejected.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRateLimited indicates the platform throttled the request.
	ErrRateLimited = errors.New("rate limited")
	// ErrUnreachable indicates no usable response arrived from the endpoint.
	ErrUnreachable = errors.New("endpoint unreachable")
	// ErrMalformed indicates a response that could not be interpreted.
	ErrMalformed = errors.New("malformed response")
)

// ErrCancelled reports a generation that ended by cancellation, either from
// the caller or from another party cancelling the remote job.
var ErrCancelled = errors.New("job cancelled")

// TransportError describes one failed exchange with the endpoint. The
// transport layer reports it and moves on; retry policy lives in the poller.
type TransportError struct {
	Kind       error
	Op         string
	StatusCode int
	Message    string
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf(
			"%s: %v (http %d): %s",
			e.Op, e.Kind, e.StatusCode, e.Message,
		)
	}

	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Message)
}

// Unwrap exposes the failure kind for errors.Is classification.
func (e *TransportError) Unwrap() error {
	return e.Kind
}

// JobError is a remote FAILED verdict. The worker's message is carried
// verbatim and the job is never retried.
type JobError struct {
	JobID   string
	Message string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Message)
}

// TimeoutError reports a job that exceeded a wall-clock limit: the client's
// polling budget (Remote false) or the platform's execution cap (Remote
// true). The remote job is left running; only polling stops.
type TimeoutError struct {
	JobID  string
	Budget time.Duration
	Remote bool
}

func (e *TimeoutError) Error() string {
	if e.Remote {
		return fmt.Sprintf("job %s timed out on the endpoint", e.JobID)
	}

	return fmt.Sprintf(
		"job %s still incomplete after %s, gave up polling",
		e.JobID, e.Budget,
	)
}
