// Package synth provides the synthesizer embodiments behind the worker
// handler: a deterministic tone generator used by the emulator and tests,
// and an exec-based bridge to the real Dia inference process.
package synth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/book-expert/logger"

	"github.com/serverless-tts/dia-runpod/internal/audio"
	"github.com/serverless-tts/dia-runpod/internal/core"
)

// Tone generation parameters. The pitch ladder keeps distinct seeds
// audibly distinct without leaving the comfortable range.
const (
	baseFrequencyHz = 220.0
	seedStepHz      = 15.0
	seedPitchSteps  = 12
	toneAmplitude   = 0.30
	maxSampleValue  = 32767.0
	twoPi           = 2 * math.Pi
)

// ErrNoText is returned when synthesis is attempted on empty input.
var ErrNoText = errors.New("text cannot be empty")

// Tone deterministically renders a sine tone whose length follows the
// text-length heuristic the real model exhibits. Identical parameters
// always produce identical samples.
type Tone struct {
	log        *logger.Logger
	sampleRate int
	reloads    atomic.Int64
}

// NewTone creates a tone synthesizer emitting mono 16-bit PCM at the given
// sample rate.
func NewTone(sampleRate int, log *logger.Logger) *Tone {
	return &Tone{
		log:        log,
		sampleRate: sampleRate,
	}
}

// Synthesize renders the tone for the given parameters.
func (t *Tone) Synthesize(
	ctx context.Context,
	params core.SynthesisParams,
) (*core.Waveform, error) {
	if ctx.Err() != nil {
		return nil, fmt.Errorf("synthesis aborted: %w", ctx.Err())
	}

	if params.Text == "" {
		return nil, ErrNoText
	}

	seconds := audio.EstimateAudioSeconds(len(params.Text))
	sampleCount := int(seconds * float64(t.sampleRate))

	if sampleCount < 1 {
		sampleCount = 1
	}

	frequency := baseFrequencyHz
	if params.HasSeed {
		step := params.Seed % seedPitchSteps
		if step < 0 {
			step += seedPitchSteps
		}

		frequency += float64(step) * seedStepHz
	}

	pcm := make([]byte, sampleCount*audio.BytesPerSample)

	for i := 0; i < sampleCount; i++ {
		phase := twoPi * frequency * float64(i) / float64(t.sampleRate)
		value := int16(toneAmplitude * maxSampleValue * math.Sin(phase))

		pcm[2*i] = byte(value)
		pcm[2*i+1] = byte(value >> 8)
	}

	return &core.Waveform{
		PCM:        pcm,
		SampleRate: t.sampleRate,
	}, nil
}

// Reload counts refresh requests so tests can observe them. There is no
// model to reload.
func (t *Tone) Reload(_ context.Context) error {
	t.reloads.Add(1)
	t.log.Info("Tone synthesizer reload requested (no-op)")

	return nil
}

// Reloads reports how many refresh requests this synthesizer has seen.
func (t *Tone) Reloads() int64 {
	return t.reloads.Load()
}
