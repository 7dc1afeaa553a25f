// Package speech provides the high-level generation facade for the Dia
// endpoint: it validates requests locally, submits them over the transport,
// and drives each job to a terminal status in either blocking or streaming
// mode.
package speech

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/book-expert/logger"

	"github.com/serverless-tts/dia-runpod/internal/audio"
	"github.com/serverless-tts/dia-runpod/internal/config"
	"github.com/serverless-tts/dia-runpod/internal/runpod"
)

// Sampling parameter bounds.
const (
	maxTemperature = 2.0
	maxTopP        = 1.0
)

// Static errors.
var (
	ErrEmptyText        = errors.New("text cannot be empty")
	ErrTemperatureRange = errors.New("temperature must be greater than 0 and at most 2")
	ErrTopPRange        = errors.New("top_p must be greater than 0 and at most 1")
	ErrBadPromptAudio   = errors.New("voice prompt is not decodable WAV audio")
	ErrNoAudio          = errors.New("completed job carried no audio payload")
)

// Mode selects how generated audio is delivered to the caller.
type Mode string

const (
	// ModeBlocking waits for the finished take and returns it whole.
	ModeBlocking Mode = "blocking"

	// ModeStreaming delivers audio fragments as the worker produces them.
	ModeStreaming Mode = "streaming"
)

// Transport is the remote endpoint surface the service drives. The
// production implementation is *runpod.Client.
type Transport interface {
	Submit(ctx context.Context, input runpod.GenerationInput) (*runpod.Job, error)
	FetchStatus(ctx context.Context, jobID string) (*runpod.JobSnapshot, error)
	FetchStream(
		ctx context.Context,
		jobID string,
		after int,
	) (*runpod.JobSnapshot, error)
	Cancel(ctx context.Context, jobID string) (bool, error)
}

// Request describes one utterance to synthesize. Zero-valued sampling
// parameters take the configured defaults.
type Request struct {
	// Text is the script to speak, using [S1]/[S2] speaker tags.
	Text string

	// Temperature controls sampling randomness. Valid range: (0, 2].
	Temperature float64

	// TopP controls nucleus sampling. Valid range: (0, 1].
	TopP float64

	// Seed optionally pins the sampling seed for reproducible takes.
	Seed *int64

	// PromptWAV optionally carries WAV-encoded reference audio for
	// voice cloning. It must decode before submission.
	PromptWAV []byte
}

// Result is a finished blocking generation.
type Result struct {
	JobID           string
	WAV             []byte
	SampleRate      int
	DurationSeconds float64
}

// Service validates generation requests and drives them to completion
// through the remote endpoint.
type Service struct {
	transport    Transport
	blockingPoll *runpod.Poller
	streamPoll   *runpod.Poller
	log          *logger.Logger
	defaults     config.GenerationConfig
}

// NewService creates the generation facade. Blocking and streaming jobs
// poll at the intervals the configuration specifies; both share the same
// wall-clock budget measured from submission.
func NewService(transport Transport, cfg *config.Config, log *logger.Logger) *Service {
	return &Service{
		transport: transport,
		blockingPoll: runpod.NewPoller(
			transport,
			cfg.PollInterval(),
			cfg.JobTimeout(),
			log,
		),
		streamPoll: runpod.NewPoller(
			transport,
			cfg.StreamInterval(),
			cfg.JobTimeout(),
			log,
		),
		log:      log,
		defaults: cfg.Generation,
	}
}

// Generate synthesizes speech for one request and blocks until the job
// finishes. Requests are validated before anything is submitted; an invalid
// request never reaches the endpoint.
func (s *Service) Generate(ctx context.Context, req Request) (*Result, error) {
	input, inputErr := s.buildInput(req)
	if inputErr != nil {
		return nil, inputErr
	}

	job, submitErr := s.transport.Submit(ctx, input)
	if submitErr != nil {
		return nil, fmt.Errorf("failed to submit generation job: %w", submitErr)
	}

	s.log.Info("Submitted job %s (%d chars)", job.ID, len(input.Text))

	snapshot, waitErr := s.blockingPoll.Wait(ctx, job)
	if waitErr != nil {
		return nil, waitErr
	}

	return decodeResult(job, snapshot)
}

// GenerateStream synthesizes speech for one request and returns a stream of
// ordered audio fragments. The returned job carries the identity callers
// need for out-of-band cancellation.
func (s *Service) GenerateStream(
	ctx context.Context,
	req Request,
) (*runpod.Stream, *runpod.Job, error) {
	input, inputErr := s.buildInput(req)
	if inputErr != nil {
		return nil, nil, inputErr
	}

	job, submitErr := s.transport.Submit(ctx, input)
	if submitErr != nil {
		return nil, nil, fmt.Errorf(
			"failed to submit streaming job: %w",
			submitErr,
		)
	}

	s.log.Info("Submitted streaming job %s (%d chars)", job.ID, len(input.Text))

	return s.streamPoll.Stream(ctx, job), job, nil
}

// Cancel asks the endpoint to stop a job. The boolean reports whether the
// endpoint acknowledged the cancellation.
func (s *Service) Cancel(ctx context.Context, jobID string) (bool, error) {
	acked, cancelErr := s.transport.Cancel(ctx, jobID)
	if cancelErr != nil {
		return false, fmt.Errorf("failed to cancel job %s: %w", jobID, cancelErr)
	}

	return acked, nil
}

// buildInput validates the request and folds in configured defaults. It is
// the single gate every submission passes through.
func (s *Service) buildInput(req Request) (runpod.GenerationInput, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return runpod.GenerationInput{}, ErrEmptyText
	}

	temperature := req.Temperature
	if temperature == 0 {
		temperature = s.defaults.Temperature
	}

	if temperature <= 0 || temperature > maxTemperature {
		return runpod.GenerationInput{}, fmt.Errorf(
			"%w: got %g",
			ErrTemperatureRange,
			temperature,
		)
	}

	topP := req.TopP
	if topP == 0 {
		topP = s.defaults.TopP
	}

	if topP <= 0 || topP > maxTopP {
		return runpod.GenerationInput{}, fmt.Errorf(
			"%w: got %g",
			ErrTopPRange,
			topP,
		)
	}

	input := runpod.GenerationInput{
		Text:        text,
		Temperature: temperature,
		TopP:        topP,
		Seed:        req.Seed,
	}

	if len(req.PromptWAV) > 0 {
		_, decodeErr := audio.DecodeWAV(req.PromptWAV)
		if decodeErr != nil {
			return runpod.GenerationInput{}, fmt.Errorf(
				"%w: %v",
				ErrBadPromptAudio,
				decodeErr,
			)
		}

		input.AudioPrompt = base64.StdEncoding.EncodeToString(req.PromptWAV)
	}

	return input, nil
}

// decodeResult unpacks the terminal snapshot of a completed job. Missing
// sample rate or duration metadata is recovered from the WAV itself.
func decodeResult(job *runpod.Job, snapshot *runpod.JobSnapshot) (*Result, error) {
	if snapshot == nil || snapshot.Output == nil || snapshot.Output.Audio == "" {
		return nil, fmt.Errorf("job %s: %w", job.ID, ErrNoAudio)
	}

	wav, decodeErr := base64.StdEncoding.DecodeString(snapshot.Output.Audio)
	if decodeErr != nil {
		return nil, fmt.Errorf(
			"job %s audio payload is not valid base64: %w",
			job.ID,
			decodeErr,
		)
	}

	result := &Result{
		JobID:           job.ID,
		WAV:             wav,
		SampleRate:      snapshot.Output.SampleRate,
		DurationSeconds: snapshot.Output.DurationSeconds,
	}

	if result.SampleRate == 0 || result.DurationSeconds == 0 {
		info, infoErr := audio.DecodeWAV(wav)
		if infoErr == nil {
			result.SampleRate = info.SampleRate
			result.DurationSeconds = info.DurationSeconds()
		}
	}

	return result, nil
}
