// Package runpod implements the client side of a serverless inference
// endpoint: the HTTP transport, the job status model, the polling state
// machine, and ordered reassembly of streamed audio fragments.
package runpod

import "time"

// Status is the lifecycle state of a generation job.
type Status string

// Canonical job statuses. QUEUED and RUNNING are the non-terminal states.
const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusTimedOut  Status = "TIMED_OUT"
)

var knownStatuses = map[Status]struct{}{
	StatusQueued:    {},
	StatusRunning:   {},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
	StatusTimedOut:  {},
}

// statusAliases folds the platform's legacy wire names onto the canonical
// set.
var statusAliases = map[string]Status{
	"IN_QUEUE":    StatusQueued,
	"IN_PROGRESS": StatusRunning,
}

// StatusFromString maps a wire status onto the canonical set. Unknown values
// report false and are treated by callers as a malformed response.
func StatusFromString(raw string) (Status, bool) {
	if alias, ok := statusAliases[raw]; ok {
		return alias, true
	}

	status := Status(raw)
	if _, ok := knownStatuses[status]; ok {
		return status, true
	}

	return "", false
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	case StatusQueued, StatusRunning:
		return false
	default:
		return false
	}
}

// validTransitions guards against stale snapshots regressing a job's state.
var validTransitions = map[Status]map[Status]struct{}{
	StatusQueued: {
		StatusRunning:   {},
		StatusCompleted: {},
		StatusFailed:    {},
		StatusCancelled: {},
		StatusTimedOut:  {},
	},
	StatusRunning: {
		StatusCompleted: {},
		StatusFailed:    {},
		StatusCancelled: {},
		StatusTimedOut:  {},
	},
}

// CanTransition reports whether a job may move from one status to another.
// Terminal statuses admit nothing; a repeated status is not a transition.
func CanTransition(from, to Status) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}

	_, ok = targets[to]

	return ok
}

// CommandRefreshModel instructs the worker to re-resolve its model weights
// instead of generating audio.
const CommandRefreshModel = "refresh_model"

// GenerationInput is the "input" envelope submitted to the endpoint.
type GenerationInput struct {
	Text         string  `json:"text,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	TopP         float64 `json:"top_p,omitempty"`
	Seed         *int64  `json:"seed,omitempty"`
	AudioPrompt  string  `json:"audio_prompt,omitempty"`
	ForceRefresh bool    `json:"force_refresh,omitempty"`
	Command      string  `json:"command,omitempty"`
}

// JobOutput is the worker's result payload: a base64 WAV on success, or an
// error message. The two are mutually exclusive.
type JobOutput struct {
	Audio           string  `json:"audio,omitempty"`
	Format          string  `json:"format,omitempty"`
	SampleRate      int     `json:"sample_rate,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Refreshed       bool    `json:"refreshed,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// StreamEntry is one indexed audio fragment of a streaming job. Audio is
// base64 raw PCM, not a WAV container.
type StreamEntry struct {
	Index int    `json:"index"`
	Audio string `json:"audio"`
	Final bool   `json:"final,omitempty"`
}

// JobSnapshot is one decoded status observation.
type JobSnapshot struct {
	ID          string
	Status      Status
	Output      *JobOutput
	Error       string
	Stream      []StreamEntry
	SampleRate  int
	DelayTimeMS int64
	ExecTimeMS  int64
}

// FailureMessage extracts the most specific failure detail the snapshot
// carries.
func (s *JobSnapshot) FailureMessage() string {
	if s.Output != nil && s.Output.Error != "" {
		return s.Output.Error
	}

	if s.Error != "" {
		return s.Error
	}

	return "no failure detail reported"
}

// Job tracks one submitted generation from the client's point of view. The
// submission time anchors the polling budget.
type Job struct {
	ID          string
	Status      Status
	SubmittedAt time.Time
}

// HealthSnapshot mirrors the endpoint health route.
type HealthSnapshot struct {
	Jobs    JobCounts    `json:"jobs"`
	Workers WorkerCounts `json:"workers"`
}

// JobCounts aggregates job states across the endpoint's queue.
type JobCounts struct {
	InQueue    int `json:"inQueue"`
	InProgress int `json:"inProgress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// WorkerCounts aggregates worker states.
type WorkerCounts struct {
	Idle    int `json:"idle"`
	Running int `json:"running"`
}

// PurgeResult reports how many queued jobs a purge removed.
type PurgeResult struct {
	Removed int    `json:"removed"`
	Status  string `json:"status"`
}

// Wire envelopes.
type submitEnvelope struct {
	Input GenerationInput `json:"input"`
}

type statusEnvelope struct {
	ID         string        `json:"id"`
	Status     string        `json:"status"`
	Output     *JobOutput    `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	Stream     []StreamEntry `json:"stream,omitempty"`
	SampleRate int           `json:"sample_rate,omitempty"`
	DelayTime  int64         `json:"delayTime,omitempty"`
	ExecTime   int64         `json:"executionTime,omitempty"`
}

type apiErrorEnvelope struct {
	Error string `json:"error"`
}
