package emulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"

	"github.com/serverless-tts/dia-runpod/internal/audio"
	"github.com/serverless-tts/dia-runpod/internal/core"
	"github.com/serverless-tts/dia-runpod/internal/runpod"
	"github.com/serverless-tts/dia-runpod/internal/worker"
)

// workerQueueGroup spreads queued jobs across runners instead of
// fanning each job out to all of them.
const workerQueueGroup = "dia-workers"

// ErrTimedOut marks a job that exceeded the execution cap.
var ErrTimedOut = errors.New("worker exceeded the execution timeout")

// RunnerOptions configures one job runner.
type RunnerOptions struct {
	// Subject is the NATS subject queued jobs arrive on.
	Subject string

	// ChunkSeconds sets the size of streamed fragments.
	ChunkSeconds float64

	// ExecTimeout caps how long one job may execute. Jobs over the cap
	// finish as TIMED_OUT, mirroring the platform's execution limit.
	ExecTimeout time.Duration
}

// Runner consumes queued jobs from the work-queue stream and drives them
// through the handler, persisting state transitions and audio artifacts as
// it goes.
type Runner struct {
	jetstream nats.JetStreamContext
	jobs      core.JobStore
	store     core.ObjectStore
	handler   *worker.Handler
	options   RunnerOptions
	log       *logger.Logger
	active    atomic.Int64
}

// NewRunner creates a runner. It does not start consuming until Run.
func NewRunner(
	jetstream nats.JetStreamContext,
	jobs core.JobStore,
	store core.ObjectStore,
	handler *worker.Handler,
	options RunnerOptions,
	log *logger.Logger,
) *Runner {
	return &Runner{
		jetstream: jetstream,
		jobs:      jobs,
		store:     store,
		handler:   handler,
		options:   options,
		log:       log,
	}
}

// Run subscribes to the job subject and processes jobs until the context
// ends, then drains the subscription. Redeliveries of jobs that already
// left the queue are absorbed by the status check in handleMessage.
func (r *Runner) Run(ctx context.Context) error {
	sub, err := r.jetstream.QueueSubscribe(
		r.options.Subject,
		workerQueueGroup,
		r.handleMessage,
	)
	if err != nil {
		return fmt.Errorf(
			"failed to subscribe to subject %s: %w",
			r.options.Subject,
			err,
		)
	}

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

// Active reports how many jobs this runner is executing right now.
func (r *Runner) Active() int64 {
	return r.active.Load()
}

func (r *Runner) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(
		context.Background(),
		r.options.ExecTimeout,
	)
	defer cancel()

	var queued queuedJob

	err := json.Unmarshal(msg.Data, &queued)
	if err != nil {
		r.log.Error("Failed to unmarshal queued job: %v", err)

		return
	}

	record, loadErr := r.loadRecord(ctx, queued.ID)
	if loadErr != nil {
		r.log.Error("Failed to load record for job %s: %v", queued.ID, loadErr)

		return
	}

	// A job cancelled or purged before pickup stays where it is.
	if record.Status != runpod.StatusQueued {
		r.log.Info(
			"Skipping job %s, already %s",
			record.ID, record.Status,
		)

		return
	}

	r.active.Add(1)
	defer r.active.Add(-1)

	record.Status = runpod.StatusRunning
	record.StartedAt = time.Now()

	putErr := r.putRecord(ctx, record)
	if putErr != nil {
		r.log.Error("Failed to mark job %s running: %v", record.ID, putErr)

		return
	}

	r.processJob(ctx, record)
}

// processJob executes one job and persists its terminal state.
func (r *Runner) processJob(ctx context.Context, record *JobRecord) {
	result := r.handler.Handle(ctx, record.Input)

	if ctx.Err() != nil {
		r.finishJob(ctx, record, runpod.StatusTimedOut, ErrTimedOut.Error())

		return
	}

	if result.Output.Error != "" {
		// The handler caught its own failure: the platform still
		// reports COMPLETED, with the error inside the output.
		r.finishJob(ctx, record, runpod.StatusCompleted, result.Output.Error)

		return
	}

	if result.Output.Refreshed {
		record.Refreshed = true
		r.finishJob(ctx, record, runpod.StatusCompleted, "")

		return
	}

	r.storeAudio(ctx, record, result.Waveform)
}

// storeAudio uploads the waveform as streamed fragments plus a final WAV,
// checking for cancellation between fragments.
func (r *Runner) storeAudio(
	ctx context.Context,
	record *JobRecord,
	waveform *core.Waveform,
) {
	chunks := audio.ChunkPCM(
		waveform.PCM,
		waveform.SampleRate,
		1,
		r.options.ChunkSeconds,
	)

	record.SampleRate = waveform.SampleRate

	for index, chunk := range chunks {
		if r.jobCancelled(ctx, record.ID) {
			r.log.Info("Job %s cancelled mid-stream, discarding", record.ID)
			r.deleteChunks(ctx, record.ID, index)

			return
		}

		if ctx.Err() != nil {
			r.deleteChunks(ctx, record.ID, index)
			r.finishJob(
				ctx,
				record,
				runpod.StatusTimedOut,
				ErrTimedOut.Error(),
			)

			return
		}

		uploadErr := r.store.Upload(ctx, chunkKey(record.ID, index), chunk)
		if uploadErr != nil {
			r.deleteChunks(ctx, record.ID, index)
			r.finishJob(
				ctx,
				record,
				runpod.StatusCompleted,
				fmt.Sprintf("failed to store audio: %v", uploadErr),
			)

			return
		}

		record.ChunkCount = index + 1

		progressErr := r.putRecord(ctx, record)
		if progressErr != nil {
			r.log.Warn(
				"Failed to record progress for job %s: %v",
				record.ID, progressErr,
			)
		}
	}

	r.finishAudio(ctx, record, waveform, len(chunks))
}

// finishAudio stores the finished WAV and marks the record completed.
func (r *Runner) finishAudio(
	ctx context.Context,
	record *JobRecord,
	waveform *core.Waveform,
	chunkCount int,
) {
	wav, encodeErr := audio.EncodeWAV(waveform.PCM, waveform.SampleRate, 1)
	if encodeErr != nil {
		r.deleteChunks(ctx, record.ID, chunkCount)
		r.finishJob(ctx, record, runpod.StatusCompleted, encodeErr.Error())

		return
	}

	key := finalKey(record.ID)

	uploadErr := r.store.Upload(ctx, key, wav)
	if uploadErr != nil {
		r.deleteChunks(ctx, record.ID, chunkCount)
		r.finishJob(
			ctx,
			record,
			runpod.StatusCompleted,
			fmt.Sprintf("failed to store audio: %v", uploadErr),
		)

		return
	}

	record.AudioKey = key
	record.FinalIndex = chunkCount - 1
	record.Duration = waveform.DurationSeconds()

	r.finishJob(ctx, record, runpod.StatusCompleted, "")
}

// finishJob persists a terminal state unless the job was cancelled from
// the outside while it ran.
func (r *Runner) finishJob(
	ctx context.Context,
	record *JobRecord,
	status runpod.Status,
	errorMessage string,
) {
	if r.jobCancelled(ctx, record.ID) {
		r.log.Info("Job %s cancelled, keeping CANCELLED state", record.ID)

		return
	}

	record.Status = status
	record.Error = errorMessage
	record.FinishedAt = time.Now()

	putErr := r.putRecord(ctx, record)
	if putErr != nil {
		r.log.Error("Failed to finish job %s: %v", record.ID, putErr)

		return
	}

	r.log.Info("Job %s finished as %s", record.ID, status)
}

// jobCancelled re-reads the record to observe cancellations issued while
// the job ran.
func (r *Runner) jobCancelled(ctx context.Context, jobID string) bool {
	record, err := r.loadRecord(ctx, jobID)
	if err != nil {
		return false
	}

	return record.Status == runpod.StatusCancelled
}

// deleteChunks drops fragments already uploaded for an abandoned job.
func (r *Runner) deleteChunks(ctx context.Context, jobID string, count int) {
	for index := 0; index < count; index++ {
		deleteErr := r.store.Delete(ctx, chunkKey(jobID, index))
		if deleteErr != nil {
			r.log.Warn(
				"Failed to delete chunk %d of job %s: %v",
				index, jobID, deleteErr,
			)
		}
	}
}

func (r *Runner) loadRecord(ctx context.Context, jobID string) (*JobRecord, error) {
	data, err := r.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	return decodeRecord(data)
}

func (r *Runner) putRecord(ctx context.Context, record *JobRecord) error {
	data, err := encodeRecord(record)
	if err != nil {
		return err
	}

	return r.jobs.Put(ctx, record.ID, data)
}
