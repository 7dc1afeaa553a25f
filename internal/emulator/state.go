package emulator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/serverless-tts/dia-runpod/internal/runpod"
)

// JobRecord is the persisted state of one emulated job. The key-value
// bucket holds the record; audio bytes live in the object store under the
// keys the record references.
type JobRecord struct {
	ID          string                 `json:"id"`
	Status      runpod.Status          `json:"status"`
	Input       runpod.GenerationInput `json:"input"`
	ChunkCount  int                    `json:"chunk_count"`
	FinalIndex  int                    `json:"final_index"`
	SampleRate  int                    `json:"sample_rate,omitempty"`
	AudioKey    string                 `json:"audio_key,omitempty"`
	Refreshed   bool                   `json:"refreshed,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Duration    float64                `json:"duration_seconds,omitempty"`
	SubmittedAt time.Time              `json:"submitted_at"`
	StartedAt   time.Time              `json:"started_at"`
	FinishedAt  time.Time              `json:"finished_at"`
}

// queuedJob is the message published to the job subject for each
// submission. The record in the key-value bucket is the source of truth;
// the message only carries the ID.
type queuedJob struct {
	ID string `json:"id"`
}

func newJobRecord(jobID string, input runpod.GenerationInput) *JobRecord {
	return &JobRecord{
		ID:          jobID,
		Status:      runpod.StatusQueued,
		Input:       input,
		ChunkCount:  0,
		FinalIndex:  -1,
		SampleRate:  0,
		AudioKey:    "",
		Refreshed:   false,
		Error:       "",
		Duration:    0,
		SubmittedAt: time.Now(),
		StartedAt:   time.Time{},
		FinishedAt:  time.Time{},
	}
}

func encodeRecord(record *JobRecord) ([]byte, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job record: %w", err)
	}

	return data, nil
}

func decodeRecord(data []byte) (*JobRecord, error) {
	var record JobRecord

	err := json.Unmarshal(data, &record)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal job record: %w", err)
	}

	return &record, nil
}

// chunkKey names one streamed PCM fragment in the object store.
func chunkKey(jobID string, index int) string {
	return fmt.Sprintf("%s/chunk-%05d", jobID, index)
}

// finalKey names the finished WAV in the object store.
func finalKey(jobID string) string {
	return jobID + "/final.wav"
}

// wireStatus renders a status the way the platform API spells it. The
// platform still reports the legacy queue names.
func wireStatus(status runpod.Status) string {
	switch status {
	case runpod.StatusQueued:
		return "IN_QUEUE"
	case runpod.StatusRunning:
		return "IN_PROGRESS"
	case runpod.StatusCompleted,
		runpod.StatusFailed,
		runpod.StatusCancelled,
		runpod.StatusTimedOut:
		return string(status)
	default:
		return string(status)
	}
}

// delayMillis reports the queue wait in milliseconds, zero until started.
func (r *JobRecord) delayMillis() int64 {
	if r.StartedAt.IsZero() {
		return 0
	}

	return r.StartedAt.Sub(r.SubmittedAt).Milliseconds()
}

// execMillis reports the execution time in milliseconds, zero until done.
func (r *JobRecord) execMillis() int64 {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}

	return r.FinishedAt.Sub(r.StartedAt).Milliseconds()
}

// terminal reports whether the record's status admits no further change.
func (r *JobRecord) terminal() bool {
	return r.Status.Terminal()
}
