// Package core defines the shared interfaces and value types that connect the
// orchestration layers: the synthesizer behind the worker, the blob store the
// emulator persists audio into, and the job-state store.
package core

import "context"

// SynthesisParams holds the sampling parameters for a single synthesis job.
// Zero values for Temperature and TopP mean "use the worker defaults".
type SynthesisParams struct {
	Text        string
	Temperature float64
	TopP        float64
	Seed        int64
	HasSeed     bool
	PromptWAV   []byte
}

// Waveform is raw synthesized audio: 16-bit little-endian mono PCM.
type Waveform struct {
	PCM        []byte
	SampleRate int
}

// DurationSeconds reports the play time of the waveform.
func (w *Waveform) DurationSeconds() float64 {
	if w.SampleRate <= 0 {
		return 0
	}

	const bytesPerSample = 2

	return float64(len(w.PCM)) / float64(bytesPerSample*w.SampleRate)
}

// Synthesizer is the model-execution layer. Implementations load and run the
// actual TTS model; callers treat it as opaque.
type Synthesizer interface {
	Synthesize(ctx context.Context, params SynthesisParams) (*Waveform, error)
	Reload(ctx context.Context) error
}

// ObjectStore is a key-value blob store for audio artifacts.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// JobStore persists job state records keyed by job ID.
type JobStore interface {
	Get(ctx context.Context, jobID string) ([]byte, error)
	Put(ctx context.Context, jobID string, state []byte) error
	Keys(ctx context.Context) ([]string, error)
}
