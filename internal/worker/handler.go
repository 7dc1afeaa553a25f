// Package worker implements the serverless side of the endpoint: a handler
// that validates raw job input and drives the synthesizer, and a runner
// that feeds the handler from the job queue. A handler failure never kills
// the worker; every failure becomes a structured error payload.
package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/book-expert/logger"

	"github.com/serverless-tts/dia-runpod/internal/audio"
	"github.com/serverless-tts/dia-runpod/internal/core"
	"github.com/serverless-tts/dia-runpod/internal/runpod"
)

// Sampling bounds enforced at the worker edge. The client validates too,
// but the worker cannot trust its callers.
const (
	maxTemperature = 2.0
	maxTopP        = 1.0
)

const outputFormat = "wav"

// Validation errors.
var (
	ErrTextEmpty        = errors.New("text cannot be empty")
	ErrTemperatureRange = errors.New(
		"temperature must be greater than 0 and at most 2",
	)
	ErrTopPRange      = errors.New("top_p must be greater than 0 and at most 1")
	ErrBadAudioPrompt = errors.New("audio_prompt is not valid base64 WAV audio")
	ErrUnknownCommand = errors.New("unknown command")
	ErrInternal       = errors.New("internal synthesis failure")
)

// Defaults are applied when a request leaves a sampling parameter unset.
type Defaults struct {
	Temperature float64
	TopP        float64
}

// Result couples the platform-facing output envelope with the decoded
// waveform, which callers that stream fragments chunk further.
type Result struct {
	Output   *runpod.JobOutput
	Waveform *core.Waveform
}

// Handler validates and executes one job's input against a synthesizer.
type Handler struct {
	synth    core.Synthesizer
	log      *logger.Logger
	defaults Defaults
}

// NewHandler creates a job handler.
func NewHandler(synth core.Synthesizer, defaults Defaults, log *logger.Logger) *Handler {
	return &Handler{
		synth:    synth,
		log:      log,
		defaults: defaults,
	}
}

// Handle runs one job to completion. The returned output always carries
// either audio, a refresh acknowledgement, or an error message; it is never
// nil and Handle never panics.
func (h *Handler) Handle(
	ctx context.Context,
	input runpod.GenerationInput,
) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("Handler panicked: %v", r)

			result = errorResult(fmt.Errorf("%w: %v", ErrInternal, r))
		}
	}()

	if input.Command != "" {
		return h.runCommand(ctx, input.Command)
	}

	params, validateErr := h.buildParams(input)
	if validateErr != nil {
		return errorResult(validateErr)
	}

	if input.ForceRefresh {
		refreshErr := h.synth.Reload(ctx)
		if refreshErr != nil {
			return errorResult(refreshErr)
		}
	}

	waveform, synthErr := h.synth.Synthesize(ctx, params)
	if synthErr != nil {
		return errorResult(synthErr)
	}

	wav, encodeErr := audio.EncodeWAV(waveform.PCM, waveform.SampleRate, 1)
	if encodeErr != nil {
		return errorResult(encodeErr)
	}

	return &Result{
		Output: &runpod.JobOutput{
			Audio:           base64.StdEncoding.EncodeToString(wav),
			Format:          outputFormat,
			SampleRate:      waveform.SampleRate,
			DurationSeconds: waveform.DurationSeconds(),
		},
		Waveform: waveform,
	}
}

// runCommand dispatches non-generation jobs.
func (h *Handler) runCommand(ctx context.Context, command string) *Result {
	if command != runpod.CommandRefreshModel {
		return errorResult(fmt.Errorf("%w: %q", ErrUnknownCommand, command))
	}

	refreshErr := h.synth.Reload(ctx)
	if refreshErr != nil {
		return errorResult(refreshErr)
	}

	return &Result{
		Output: &runpod.JobOutput{Refreshed: true},
	}
}

// buildParams validates the raw input and folds in worker defaults.
func (h *Handler) buildParams(
	input runpod.GenerationInput,
) (core.SynthesisParams, error) {
	text := strings.TrimSpace(input.Text)
	if text == "" {
		return core.SynthesisParams{}, ErrTextEmpty
	}

	temperature := input.Temperature
	if temperature == 0 {
		temperature = h.defaults.Temperature
	}

	if temperature <= 0 || temperature > maxTemperature {
		return core.SynthesisParams{}, fmt.Errorf(
			"%w: got %f",
			ErrTemperatureRange,
			temperature,
		)
	}

	topP := input.TopP
	if topP == 0 {
		topP = h.defaults.TopP
	}

	if topP <= 0 || topP > maxTopP {
		return core.SynthesisParams{}, fmt.Errorf(
			"%w: got %f",
			ErrTopPRange,
			topP,
		)
	}

	params := core.SynthesisParams{
		Text:        text,
		Temperature: temperature,
		TopP:        topP,
		Seed:        0,
		HasSeed:     false,
		PromptWAV:   nil,
	}

	if input.Seed != nil {
		params.Seed = *input.Seed
		params.HasSeed = true
	}

	if input.AudioPrompt != "" {
		promptWAV, decodeErr := base64.StdEncoding.DecodeString(
			input.AudioPrompt,
		)
		if decodeErr != nil {
			return core.SynthesisParams{}, fmt.Errorf(
				"%w: %v",
				ErrBadAudioPrompt,
				decodeErr,
			)
		}

		_, wavErr := audio.DecodeWAV(promptWAV)
		if wavErr != nil {
			return core.SynthesisParams{}, fmt.Errorf(
				"%w: %v",
				ErrBadAudioPrompt,
				wavErr,
			)
		}

		params.PromptWAV = promptWAV
	}

	return params, nil
}

func errorResult(err error) *Result {
	return &Result{
		Output: &runpod.JobOutput{Error: err.Error()},
	}
}
