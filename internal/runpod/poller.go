package runpod

import (
	"context"
	"fmt"
	"time"

	"github.com/book-expert/logger"
)

// cancelGrace bounds the best-effort remote cancel issued when the caller
// abandons a job.
const cancelGrace = 5 * time.Second

// StatusSource is the slice of the transport the poller depends on.
type StatusSource interface {
	FetchStatus(ctx context.Context, jobID string) (*JobSnapshot, error)
	FetchStream(ctx context.Context, jobID string, after int) (*JobSnapshot, error)
	Cancel(ctx context.Context, jobID string) (bool, error)
}

// Poller drives submitted jobs to a terminal status. The interval between
// polls is constant, every transport failure is retried exactly once, and
// the wall-clock budget is measured from the job's submission time.
type Poller struct {
	source   StatusSource
	log      *logger.Logger
	interval time.Duration
	budget   time.Duration
}

// NewPoller creates a poller with a fixed interval and budget.
func NewPoller(
	source StatusSource,
	interval, budget time.Duration,
	log *logger.Logger,
) *Poller {
	return &Poller{
		source:   source,
		log:      log,
		interval: interval,
		budget:   budget,
	}
}

// Wait polls the job until it reaches a terminal status and returns the last
// snapshot along with the terminal verdict: nil for COMPLETED, *JobError for
// FAILED, *TimeoutError for an exhausted budget or a remote timeout, and
// ErrCancelled when the caller's context ends. On caller cancellation a
// best-effort remote cancel is issued, but the local CANCELLED verdict does
// not depend on its acknowledgement. An exhausted budget leaves the remote
// job running; only polling stops.
func (p *Poller) Wait(ctx context.Context, job *Job) (*JobSnapshot, error) {
	var last *JobSnapshot

	failures := 0
	deadline := job.SubmittedAt.Add(p.budget)

	for {
		if ctx.Err() != nil {
			return last, p.abandon(job)
		}

		if !time.Now().Before(deadline) {
			job.Status = StatusTimedOut

			return last, &TimeoutError{
				JobID:  job.ID,
				Budget: p.budget,
				Remote: false,
			}
		}

		snapshot, fetchErr := p.source.FetchStatus(ctx, job.ID)
		if fetchErr != nil {
			if ctx.Err() != nil {
				return last, p.abandon(job)
			}

			failures++
			if failures > 1 {
				return last, fetchErr
			}

			p.log.Warn(
				"Status poll for job %s failed, retrying once: %v",
				job.ID, fetchErr,
			)

			pauseErr := p.pause(ctx)
			if pauseErr != nil {
				return last, p.abandon(job)
			}

			continue
		}

		failures = 0
		last = snapshot
		p.advance(job, snapshot.Status)

		terminalErr, terminal := p.verdict(job, snapshot)
		if terminal {
			return snapshot, terminalErr
		}

		pauseErr := p.pause(ctx)
		if pauseErr != nil {
			return last, p.abandon(job)
		}
	}
}

// verdict maps a terminal job status onto the error taxonomy. The second
// return reports whether the job is finished at all.
func (p *Poller) verdict(job *Job, snapshot *JobSnapshot) (error, bool) {
	switch job.Status {
	case StatusCompleted:
		return nil, true
	case StatusFailed:
		return &JobError{
			JobID:   job.ID,
			Message: snapshot.FailureMessage(),
		}, true
	case StatusCancelled:
		return fmt.Errorf("job %s: %w", job.ID, ErrCancelled), true
	case StatusTimedOut:
		return &TimeoutError{
			JobID:  job.ID,
			Budget: p.budget,
			Remote: true,
		}, true
	case StatusQueued, StatusRunning:
		return nil, false
	default:
		return nil, false
	}
}

// advance applies a status observation, ignoring stale snapshots that would
// regress the job.
func (p *Poller) advance(job *Job, next Status) {
	if job.Status == next {
		return
	}

	if !CanTransition(job.Status, next) {
		p.log.Warn(
			"Ignoring stale status %s for job %s (already %s)",
			next, job.ID, job.Status,
		)

		return
	}

	job.Status = next
}

// abandon is the caller-cancellation transition: tell the endpoint to stop,
// then report CANCELLED locally whether or not the endpoint acknowledged.
func (p *Poller) abandon(job *Job) error {
	cancelCtx, release := context.WithTimeout(context.Background(), cancelGrace)
	defer release()

	acked, cancelErr := p.source.Cancel(cancelCtx, job.ID)
	if cancelErr != nil {
		p.log.Warn(
			"Remote cancel for job %s failed, marking cancelled locally: %v",
			job.ID, cancelErr,
		)
	} else if !acked {
		p.log.Info("Job %s was already terminal on the endpoint", job.ID)
	}

	job.Status = StatusCancelled

	return fmt.Errorf("job %s: %w", job.ID, ErrCancelled)
}

func (p *Poller) pause(ctx context.Context) error {
	timer := time.NewTimer(p.interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
