// Package speech_test tests the generation facade against a mock transport.
package speech_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serverless-tts/dia-runpod/internal/audio"
	"github.com/serverless-tts/dia-runpod/internal/config"
	"github.com/serverless-tts/dia-runpod/internal/runpod"
	"github.com/serverless-tts/dia-runpod/internal/speech"
)

var errMockSubmit = errors.New("mock submit error")

// mockTransport scripts snapshot replies and records every call so tests
// can assert that invalid requests never reach the endpoint.
type mockTransport struct {
	mu          sync.Mutex
	submits     int
	lastInput   runpod.GenerationInput
	submitErr   error
	snapshots   []*runpod.JobSnapshot
	cursor      int
	cancelCalls int
}

func (m *mockTransport) Submit(
	_ context.Context,
	input runpod.GenerationInput,
) (*runpod.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.submits++
	m.lastInput = input

	if m.submitErr != nil {
		return nil, m.submitErr
	}

	return &runpod.Job{
		ID:          "job-1",
		Status:      runpod.StatusQueued,
		SubmittedAt: time.Now(),
	}, nil
}

func (m *mockTransport) next() *runpod.JobSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.snapshots) == 0 {
		return &runpod.JobSnapshot{ID: "job-1", Status: runpod.StatusRunning}
	}

	snapshot := m.snapshots[m.cursor]
	if m.cursor < len(m.snapshots)-1 {
		m.cursor++
	}

	return snapshot
}

func (m *mockTransport) FetchStatus(
	_ context.Context,
	_ string,
) (*runpod.JobSnapshot, error) {
	return m.next(), nil
}

func (m *mockTransport) FetchStream(
	_ context.Context,
	_ string,
	_ int,
) (*runpod.JobSnapshot, error) {
	return m.next(), nil
}

func (m *mockTransport) Cancel(_ context.Context, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelCalls++

	return true, nil
}

func (m *mockTransport) submitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.submits
}

func newTestService(t *testing.T, transport *mockTransport) *speech.Service {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "speech-test.log")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = testLogger.Close()
	})

	cfg := config.Default()
	cfg.Generation.PollIntervalSeconds = 0.001
	cfg.Generation.StreamIntervalSeconds = 0.001
	cfg.Generation.JobTimeoutSeconds = 5

	return speech.NewService(transport, cfg, testLogger)
}

// testWAV builds a tenth of a second of silence at 44.1 kHz.
func testWAV(t *testing.T) []byte {
	t.Helper()

	wav, err := audio.EncodeWAV(bytes.Repeat([]byte{0, 0}, 4410), 44100, 1)
	require.NoError(t, err)

	return wav
}

func completedSnapshot(output *runpod.JobOutput) *runpod.JobSnapshot {
	return &runpod.JobSnapshot{
		ID:     "job-1",
		Status: runpod.StatusCompleted,
		Output: output,
	}
}

func TestGenerateRejectsEmptyText(t *testing.T) {
	t.Parallel()

	transport := &mockTransport{}
	service := newTestService(t, transport)

	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := service.Generate(context.Background(), speech.Request{
			Text: text,
		})
		require.ErrorIs(t, err, speech.ErrEmptyText)
	}

	assert.Zero(
		t,
		transport.submitCount(),
		"invalid requests must never reach the transport",
	)
}

func TestGenerateRejectsOutOfRangeSampling(t *testing.T) {
	t.Parallel()

	transport := &mockTransport{}
	service := newTestService(t, transport)

	_, err := service.Generate(context.Background(), speech.Request{
		Text:        "[S1] Hello.",
		Temperature: 2.5,
	})
	require.ErrorIs(t, err, speech.ErrTemperatureRange)

	_, err = service.Generate(context.Background(), speech.Request{
		Text:        "[S1] Hello.",
		Temperature: -0.1,
	})
	require.ErrorIs(t, err, speech.ErrTemperatureRange)

	_, err = service.Generate(context.Background(), speech.Request{
		Text: "[S1] Hello.",
		TopP: 1.5,
	})
	require.ErrorIs(t, err, speech.ErrTopPRange)

	assert.Zero(t, transport.submitCount())
}

func TestGenerateRejectsUndecodablePrompt(t *testing.T) {
	t.Parallel()

	transport := &mockTransport{}
	service := newTestService(t, transport)

	_, err := service.Generate(context.Background(), speech.Request{
		Text:      "[S1] Hello.",
		PromptWAV: []byte("this is not audio"),
	})
	require.ErrorIs(t, err, speech.ErrBadPromptAudio)

	assert.Zero(t, transport.submitCount())
}

func TestGenerateAppliesConfiguredDefaults(t *testing.T) {
	t.Parallel()

	transport := &mockTransport{
		snapshots: []*runpod.JobSnapshot{
			completedSnapshot(&runpod.JobOutput{
				Audio:      base64.StdEncoding.EncodeToString(testWAV(t)),
				Format:     "wav",
				SampleRate: 44100,
			}),
		},
	}
	service := newTestService(t, transport)

	_, err := service.Generate(context.Background(), speech.Request{
		Text: "  [S1] Hello.  ",
	})
	require.NoError(t, err)

	assert.InEpsilon(t, 1.3, transport.lastInput.Temperature, 1e-9)
	assert.InEpsilon(t, 0.95, transport.lastInput.TopP, 1e-9)
	assert.Equal(t, "[S1] Hello.", transport.lastInput.Text, "text is trimmed")
}

func TestGenerateBlockingReturnsDecodedResult(t *testing.T) {
	t.Parallel()

	wav := testWAV(t)
	transport := &mockTransport{
		snapshots: []*runpod.JobSnapshot{
			{ID: "job-1", Status: runpod.StatusRunning},
			completedSnapshot(&runpod.JobOutput{
				Audio:           base64.StdEncoding.EncodeToString(wav),
				Format:          "wav",
				SampleRate:      44100,
				DurationSeconds: 0.1,
			}),
		},
	}
	service := newTestService(t, transport)

	result, err := service.Generate(context.Background(), speech.Request{
		Text: "[S1] Hello.",
	})
	require.NoError(t, err)

	assert.Equal(t, "job-1", result.JobID)
	assert.Equal(t, wav, result.WAV)
	assert.Equal(t, 44100, result.SampleRate)
	assert.InEpsilon(t, 0.1, result.DurationSeconds, 1e-9)
}

func TestGenerateRecoversMetadataFromAudio(t *testing.T) {
	t.Parallel()

	wav := testWAV(t)
	transport := &mockTransport{
		snapshots: []*runpod.JobSnapshot{
			completedSnapshot(&runpod.JobOutput{
				Audio: base64.StdEncoding.EncodeToString(wav),
			}),
		},
	}
	service := newTestService(t, transport)

	result, err := service.Generate(context.Background(), speech.Request{
		Text: "[S1] Hello.",
	})
	require.NoError(t, err)

	assert.Equal(t, 44100, result.SampleRate)
	assert.InDelta(t, 0.1, result.DurationSeconds, 0.001)
}

func TestGenerateSurfacesRemoteFailure(t *testing.T) {
	t.Parallel()

	transport := &mockTransport{
		snapshots: []*runpod.JobSnapshot{
			{
				ID:     "job-1",
				Status: runpod.StatusFailed,
				Error:  "CUDA out of memory",
			},
		},
	}
	service := newTestService(t, transport)

	_, err := service.Generate(context.Background(), speech.Request{
		Text: "[S1] Hello.",
	})
	require.Error(t, err)

	var jobErr *runpod.JobError

	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, "CUDA out of memory", jobErr.Message)
}

func TestGenerateStreamDeliversOrderedFragments(t *testing.T) {
	t.Parallel()

	first := []byte("first fragment ")
	second := []byte("second fragment")
	transport := &mockTransport{
		snapshots: []*runpod.JobSnapshot{
			{
				ID:         "job-1",
				Status:     runpod.StatusRunning,
				SampleRate: 44100,
				Stream: []runpod.StreamEntry{
					{
						Index: 0,
						Audio: base64.StdEncoding.EncodeToString(first),
					},
				},
			},
			{
				ID:         "job-1",
				Status:     runpod.StatusCompleted,
				SampleRate: 44100,
				Stream: []runpod.StreamEntry{
					{
						Index: 1,
						Audio: base64.StdEncoding.EncodeToString(second),
						Final: true,
					},
				},
			},
		},
	}
	service := newTestService(t, transport)

	stream, job, err := service.GenerateStream(
		context.Background(),
		speech.Request{Text: "[S1] Hello."},
	)
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)

	var received []byte

	for chunk := range stream.Chunks() {
		require.NoError(t, chunk.Err)
		received = append(received, chunk.Audio...)
	}

	snapshot, waitErr := stream.Wait()
	require.NoError(t, waitErr)
	assert.Equal(t, runpod.StatusCompleted, snapshot.Status)
	assert.Equal(t, append(append([]byte{}, first...), second...), received)
	assert.Equal(t, runpod.StatusCompleted, job.Status)
}

func TestGenerateStreamValidatesBeforeSubmission(t *testing.T) {
	t.Parallel()

	transport := &mockTransport{}
	service := newTestService(t, transport)

	_, _, err := service.GenerateStream(context.Background(), speech.Request{
		Text: "",
	})
	require.ErrorIs(t, err, speech.ErrEmptyText)
	assert.Zero(t, transport.submitCount())
}

func TestGenerateBatchWritesNumberedFiles(t *testing.T) {
	t.Parallel()

	wav := testWAV(t)
	transport := &mockTransport{
		snapshots: []*runpod.JobSnapshot{
			completedSnapshot(&runpod.JobOutput{
				Audio:      base64.StdEncoding.EncodeToString(wav),
				Format:     "wav",
				SampleRate: 44100,
			}),
		},
	}
	service := newTestService(t, transport)

	outputDir := filepath.Join(t.TempDir(), "batch-out")
	chunks := []string{"[S1] One.", "[S1] Two.", "[S1] Three."}

	err := service.GenerateBatch(context.Background(), chunks, outputDir)
	require.NoError(t, err)

	for index := range chunks {
		path := filepath.Join(
			outputDir,
			fmt.Sprintf("chunk_%04d.wav", index+1),
		)

		data, readErr := os.ReadFile(path)
		require.NoError(t, readErr)
		assert.Equal(t, wav, data)
	}

	assert.Equal(t, len(chunks), transport.submitCount())
}

func TestGenerateBatchReportsLastFailure(t *testing.T) {
	t.Parallel()

	transport := &mockTransport{submitErr: errMockSubmit}
	service := newTestService(t, transport)

	err := service.GenerateBatch(
		context.Background(),
		[]string{"[S1] One."},
		t.TempDir(),
	)
	require.ErrorIs(t, err, errMockSubmit)
}

func TestGenerateBatchRejectsEmptyInputs(t *testing.T) {
	t.Parallel()

	service := newTestService(t, &mockTransport{})

	err := service.GenerateBatch(context.Background(), []string{"x"}, "")
	require.ErrorIs(t, err, speech.ErrOutputDirEmpty)

	err = service.GenerateBatch(context.Background(), nil, t.TempDir())
	require.ErrorIs(t, err, speech.ErrNoChunksFound)
}

func TestLoadChunks(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "chunks.json")
	require.NoError(
		t,
		os.WriteFile(path, []byte(`["[S1] One.","[S1] Two."]`), 0o600),
	)

	chunks, err := speech.LoadChunks(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"[S1] One.", "[S1] Two."}, chunks)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`[]`), 0o600))

	_, err = speech.LoadChunks(empty)
	require.ErrorIs(t, err, speech.ErrNoChunksFound)

	_, err = speech.LoadChunks("")
	require.ErrorIs(t, err, speech.ErrChunksPathEmpty)

	_, err = speech.LoadChunks(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
}
