package emulator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"

	"github.com/serverless-tts/dia-runpod/internal/core"
	"github.com/serverless-tts/dia-runpod/internal/objectstore"
	"github.com/serverless-tts/dia-runpod/internal/runpod"
)

// HTTP headers.
const (
	headerAuthorization = "Authorization"
	headerContentType   = "Content-Type"
	contentTypeJSON     = "application/json"
	bearerPrefix        = "Bearer "
)

// Error messages served to clients.
const (
	errMsgUnauthorized     = "unauthorized"
	errMsgEndpointNotFound = "endpoint not found"
	errMsgJobNotFound      = "job not found"
	errMsgBadPayload       = "request payload is not valid JSON"
	errMsgBadAfter         = "after must be an integer"
)

// WorkerPool reports worker occupancy for the health route.
type WorkerPool interface {
	Counts() (idle, running int)
}

// ServerOptions configures the HTTP face of the emulated platform.
type ServerOptions struct {
	// EndpointID is the path segment jobs are addressed under.
	EndpointID string

	// APIKey is the bearer token every request must carry.
	APIKey string

	// Subject is the NATS subject submissions are queued on.
	Subject string
}

// Server exposes the platform's inference API over an emulated backend.
type Server struct {
	jobs      core.JobStore
	store     core.ObjectStore
	jetstream nats.JetStreamContext
	pool      WorkerPool
	options   ServerOptions
	log       *logger.Logger
}

// NewServer creates the HTTP layer. Call Router to obtain the handler.
func NewServer(
	jobs core.JobStore,
	store core.ObjectStore,
	jetstream nats.JetStreamContext,
	pool WorkerPool,
	options ServerOptions,
	log *logger.Logger,
) *Server {
	return &Server{
		jobs:      jobs,
		store:     store,
		jetstream: jetstream,
		pool:      pool,
		options:   options,
		log:       log,
	}
}

// Router builds the route table for the platform surface.
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()
	router.Use(s.authMiddleware)

	endpoint := router.PathPrefix("/{endpoint}").Subrouter()
	endpoint.Use(s.endpointMiddleware)
	endpoint.HandleFunc("/run", s.handleRun).Methods(http.MethodPost)
	endpoint.HandleFunc("/status/{id}", s.handleStatus).Methods(http.MethodGet)
	endpoint.HandleFunc("/stream/{id}", s.handleStream).Methods(http.MethodGet)
	endpoint.HandleFunc("/cancel/{id}", s.handleCancel).Methods(http.MethodPost)
	endpoint.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	endpoint.HandleFunc("/purge-queue", s.handlePurgeQueue).
		Methods(http.MethodPost)

	return router
}

// authMiddleware rejects requests without the configured bearer token.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(headerAuthorization) != bearerPrefix+s.options.APIKey {
			s.log.Warn(
				"Rejected unauthenticated %s %s",
				r.Method, r.URL.Path,
			)
			s.writeError(w, http.StatusUnauthorized, errMsgUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

// endpointMiddleware rejects requests addressed to an unknown endpoint.
func (s *Server) endpointMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if mux.Vars(r)["endpoint"] != s.options.EndpointID {
			s.writeError(w, http.StatusNotFound, errMsgEndpointNotFound)

			return
		}

		next.ServeHTTP(w, r)
	})
}

// jobStatusResponse mirrors the platform's status payload.
type jobStatusResponse struct {
	ID            string               `json:"id"`
	Status        string               `json:"status"`
	Output        *runpod.JobOutput    `json:"output,omitempty"`
	Error         string               `json:"error,omitempty"`
	Stream        []runpod.StreamEntry `json:"stream,omitempty"`
	SampleRate    int                  `json:"sample_rate,omitempty"`
	DelayTime     int64                `json:"delayTime,omitempty"`
	ExecutionTime int64                `json:"executionTime,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var envelope struct {
		Input runpod.GenerationInput `json:"input"`
	}

	decodeErr := json.NewDecoder(r.Body).Decode(&envelope)
	if decodeErr != nil {
		s.writeError(w, http.StatusBadRequest, errMsgBadPayload)

		return
	}

	record := newJobRecord(uuid.NewString(), envelope.Input)

	putErr := s.putRecord(r.Context(), record)
	if putErr != nil {
		s.log.Error("Failed to store job %s: %v", record.ID, putErr)
		s.writeError(w, http.StatusInternalServerError, putErr.Error())

		return
	}

	publishErr := s.publishJob(record.ID)
	if publishErr != nil {
		s.log.Error("Failed to queue job %s: %v", record.ID, publishErr)
		s.writeError(w, http.StatusInternalServerError, publishErr.Error())

		return
	}

	s.log.Info("Queued job %s (%d chars)", record.ID, len(envelope.Input.Text))
	s.writeJSON(w, http.StatusOK, jobStatusResponse{
		ID:     record.ID,
		Status: wireStatus(record.Status),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	record, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	response := jobStatusResponse{
		ID:            record.ID,
		Status:        wireStatus(record.Status),
		Error:         record.Error,
		DelayTime:     record.delayMillis(),
		ExecutionTime: record.execMillis(),
	}

	output, outputErr := s.buildOutput(r, record)
	if outputErr != nil {
		s.writeError(w, http.StatusInternalServerError, outputErr.Error())

		return
	}

	response.Output = output

	s.writeJSON(w, http.StatusOK, response)
}

// buildOutput assembles the output payload for a terminal record: inline
// base64 audio for finished generations, a refresh acknowledgement, or the
// worker's own error message.
func (s *Server) buildOutput(
	r *http.Request,
	record *JobRecord,
) (*runpod.JobOutput, error) {
	if record.Error != "" {
		return &runpod.JobOutput{Error: record.Error}, nil
	}

	if record.Refreshed {
		return &runpod.JobOutput{Refreshed: true}, nil
	}

	if record.Status != runpod.StatusCompleted || record.AudioKey == "" {
		return nil, nil
	}

	wav, downloadErr := s.store.Download(r.Context(), record.AudioKey)
	if downloadErr != nil {
		return nil, fmt.Errorf(
			"failed to load audio for job %s: %w",
			record.ID,
			downloadErr,
		)
	}

	return &runpod.JobOutput{
		Audio:           base64.StdEncoding.EncodeToString(wav),
		Format:          "wav",
		SampleRate:      record.SampleRate,
		DurationSeconds: record.Duration,
	}, nil
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	record, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	after := -1

	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, parseErr := strconv.Atoi(raw)
		if parseErr != nil {
			s.writeError(w, http.StatusBadRequest, errMsgBadAfter)

			return
		}

		after = parsed
	}

	entries, entriesErr := s.collectEntries(r, record, after)
	if entriesErr != nil {
		s.writeError(w, http.StatusInternalServerError, entriesErr.Error())

		return
	}

	response := jobStatusResponse{
		ID:         record.ID,
		Status:     wireStatus(record.Status),
		Stream:     entries,
		SampleRate: record.SampleRate,
	}

	// A job whose worker failed still reports the error, so streaming
	// clients observe the failure on their next poll.
	if record.Error != "" {
		response.Output = &runpod.JobOutput{Error: record.Error}
	}

	s.writeJSON(w, http.StatusOK, response)
}

// collectEntries gathers the fragments past the caller's cursor.
func (s *Server) collectEntries(
	r *http.Request,
	record *JobRecord,
	after int,
) ([]runpod.StreamEntry, error) {
	if after < -1 {
		after = -1
	}

	var entries []runpod.StreamEntry

	for index := after + 1; index < record.ChunkCount; index++ {
		chunk, downloadErr := s.store.Download(
			r.Context(),
			chunkKey(record.ID, index),
		)
		if downloadErr != nil {
			return nil, fmt.Errorf(
				"failed to load fragment %d of job %s: %w",
				index,
				record.ID,
				downloadErr,
			)
		}

		entries = append(entries, runpod.StreamEntry{
			Index: index,
			Audio: base64.StdEncoding.EncodeToString(chunk),
			Final: record.FinalIndex == index,
		})
	}

	return entries, nil
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	record, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	if record.terminal() {
		// Too late to cancel; report the status the job finished with.
		s.writeJSON(w, http.StatusOK, jobStatusResponse{
			ID:     record.ID,
			Status: wireStatus(record.Status),
		})

		return
	}

	record.Status = runpod.StatusCancelled
	record.FinishedAt = time.Now()

	putErr := s.putRecord(r.Context(), record)
	if putErr != nil {
		s.writeError(w, http.StatusInternalServerError, putErr.Error())

		return
	}

	s.log.Info("Cancelled job %s", record.ID)
	s.writeJSON(w, http.StatusOK, jobStatusResponse{
		ID:     record.ID,
		Status: wireStatus(runpod.StatusCancelled),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var counts runpod.JobCounts

	scanErr := s.scanRecords(r, func(record *JobRecord) {
		switch record.Status {
		case runpod.StatusQueued:
			counts.InQueue++
		case runpod.StatusRunning:
			counts.InProgress++
		case runpod.StatusCompleted:
			counts.Completed++
		case runpod.StatusFailed:
			counts.Failed++
		case runpod.StatusCancelled:
			counts.Cancelled++
		case runpod.StatusTimedOut:
			counts.Failed++
		}
	})
	if scanErr != nil {
		s.writeError(w, http.StatusInternalServerError, scanErr.Error())

		return
	}

	idle, running := s.pool.Counts()

	s.writeJSON(w, http.StatusOK, runpod.HealthSnapshot{
		Jobs: counts,
		Workers: runpod.WorkerCounts{
			Idle:    idle,
			Running: running,
		},
	})
}

func (s *Server) handlePurgeQueue(w http.ResponseWriter, r *http.Request) {
	removed := 0

	scanErr := s.scanRecords(r, func(record *JobRecord) {
		if record.Status != runpod.StatusQueued {
			return
		}

		record.Status = runpod.StatusCancelled
		record.FinishedAt = time.Now()

		putErr := s.putRecord(r.Context(), record)
		if putErr != nil {
			s.log.Error(
				"Failed to purge job %s: %v",
				record.ID, putErr,
			)

			return
		}

		removed++
	})
	if scanErr != nil {
		s.writeError(w, http.StatusInternalServerError, scanErr.Error())

		return
	}

	s.log.Info("Purged %d queued jobs", removed)
	s.writeJSON(w, http.StatusOK, runpod.PurgeResult{
		Removed: removed,
		Status:  "completed",
	})
}

// scanRecords visits every stored job record.
func (s *Server) scanRecords(r *http.Request, visit func(*JobRecord)) error {
	keys, keysErr := s.jobs.Keys(r.Context())
	if keysErr != nil {
		return keysErr
	}

	for _, key := range keys {
		data, getErr := s.jobs.Get(r.Context(), key)
		if getErr != nil {
			continue
		}

		record, decodeErr := decodeRecord(data)
		if decodeErr != nil {
			continue
		}

		visit(record)
	}

	return nil
}

// loadJob resolves the job addressed by the request, writing the error
// response itself when the job does not exist.
func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (*JobRecord, bool) {
	jobID := mux.Vars(r)["id"]

	data, getErr := s.jobs.Get(r.Context(), jobID)
	if getErr != nil {
		if errors.Is(getErr, objectstore.ErrKeyNotFound) {
			s.writeError(w, http.StatusNotFound, errMsgJobNotFound)
		} else {
			s.writeError(w, http.StatusInternalServerError, getErr.Error())
		}

		return nil, false
	}

	record, decodeErr := decodeRecord(data)
	if decodeErr != nil {
		s.writeError(w, http.StatusInternalServerError, decodeErr.Error())

		return nil, false
	}

	return record, true
}

func (s *Server) publishJob(jobID string) error {
	payload, marshalErr := json.Marshal(queuedJob{ID: jobID})
	if marshalErr != nil {
		return fmt.Errorf("failed to marshal queued job: %w", marshalErr)
	}

	_, publishErr := s.jetstream.Publish(s.options.Subject, payload)
	if publishErr != nil {
		return fmt.Errorf("failed to publish queued job: %w", publishErr)
	}

	return nil
}

func (s *Server) putRecord(ctx context.Context, record *JobRecord) error {
	data, encodeErr := encodeRecord(record)
	if encodeErr != nil {
		return encodeErr
	}

	return s.jobs.Put(ctx, record.ID, data)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set(headerContentType, contentTypeJSON)
	w.WriteHeader(status)

	encodeErr := json.NewEncoder(w).Encode(payload)
	if encodeErr != nil {
		s.log.Error("Failed to encode response: %v", encodeErr)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
