package runpod

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/logger"
)

// Test fixtures.
const (
	testAPIKey     = "rpa-test-key"
	testEndpointID = "ep-test"
	testJobID      = "job-9"
	testTimeout    = 5 * time.Second
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "client-test.log")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	t.Cleanup(func() {
		_ = log.Close()
	})

	return log
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()

	return NewClient(baseURL, testEndpointID, testAPIKey, testTimeout, testLogger(t))
}

func TestClientSubmit(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				t.Errorf("Expected POST, got %s", r.Method)
			}

			if r.URL.Path != "/"+testEndpointID+"/run" {
				t.Errorf("Unexpected path %s", r.URL.Path)
			}

			if r.Header.Get(headerAuthorization) != bearerPrefix+testAPIKey {
				t.Error("Expected bearer authorization header")
			}

			if r.Header.Get(headerContentType) != contentTypeJSON {
				t.Error("Expected JSON content type")
			}

			var envelope submitEnvelope

			err := json.NewDecoder(r.Body).Decode(&envelope)
			if err != nil {
				t.Errorf("Failed to decode request: %v", err)
			}

			if envelope.Input.Text != "[S1] Hello." {
				t.Errorf("Unexpected text %q", envelope.Input.Text)
			}

			if envelope.Input.Temperature != 1.3 {
				t.Errorf(
					"Unexpected temperature %f",
					envelope.Input.Temperature,
				)
			}

			w.Header().Set(headerContentType, contentTypeJSON)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"id":     testJobID,
				"status": "IN_QUEUE",
			})
		}),
	)
	defer server.Close()

	client := newTestClient(t, server.URL)

	job, err := client.Submit(context.Background(), GenerationInput{
		Text:        "[S1] Hello.",
		Temperature: 1.3,
		TopP:        0.95,
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if job.ID != testJobID {
		t.Errorf("Expected job id %s, got %s", testJobID, job.ID)
	}

	if job.Status != StatusQueued {
		t.Errorf("Legacy IN_QUEUE must fold to QUEUED, got %s", job.Status)
	}

	if job.SubmittedAt.IsZero() {
		t.Error("Submission time must be recorded")
	}
}

func TestClientSubmitUnauthorizedIsNotRetried(t *testing.T) {
	t.Parallel()

	var requests atomic.Int64

	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			requests.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid api key"}`))
		}),
	)
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.Submit(context.Background(), GenerationInput{Text: "hi"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Expected ErrUnauthorized, got %v", err)
	}

	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("Expected *TransportError, got %v", err)
	}

	if transportErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", transportErr.StatusCode)
	}

	if transportErr.Message != "invalid api key" {
		t.Errorf("Expected platform error detail, got %q", transportErr.Message)
	}

	if requests.Load() != 1 {
		t.Errorf("Transport must not retry, saw %d requests", requests.Load())
	}
}

func TestClientRateLimited(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}),
	)
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.FetchStatus(context.Background(), testJobID)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Expected ErrRateLimited, got %v", err)
	}
}

func TestClientUnreachable(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.FetchStatus(context.Background(), testJobID)
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("Expected ErrUnreachable, got %v", err)
	}
}

func TestClientServerErrorMapsToUnreachable(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}),
	)
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.FetchStatus(context.Background(), testJobID)
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("Expected ErrUnreachable for 502, got %v", err)
	}
}

func TestClientMalformedBody(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("<html>definitely not json</html>"))
		}),
	)
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.FetchStatus(context.Background(), testJobID)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("Expected ErrMalformed, got %v", err)
	}
}

func TestClientUnknownStatusIsMalformed(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"id":"job-9","status":"EXPLODED"}`))
		}),
	)
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.FetchStatus(context.Background(), testJobID)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("Expected ErrMalformed for unknown status, got %v", err)
	}
}

func TestClientFoldsWorkerReportedFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(
				`{"id":"job-9","status":"COMPLETED",` +
					`"output":{"error":"generation failed: OOM"}}`,
			))
		}),
	)
	defer server.Close()

	client := newTestClient(t, server.URL)

	snapshot, err := client.FetchStatus(context.Background(), testJobID)
	if err != nil {
		t.Fatalf("FetchStatus failed: %v", err)
	}

	if snapshot.Status != StatusFailed {
		t.Errorf(
			"COMPLETED with output error must fold to FAILED, got %s",
			snapshot.Status,
		)
	}

	if snapshot.FailureMessage() != "generation failed: OOM" {
		t.Errorf("Expected verbatim message, got %q", snapshot.FailureMessage())
	}
}

func TestClientCancelAcknowledgement(t *testing.T) {
	t.Parallel()

	status := "CANCELLED"
	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				t.Errorf("Expected POST, got %s", r.Method)
			}

			_ = json.NewEncoder(w).Encode(map[string]string{
				"id":     testJobID,
				"status": status,
			})
		}),
	)
	defer server.Close()

	client := newTestClient(t, server.URL)

	acked, err := client.Cancel(context.Background(), testJobID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	if !acked {
		t.Error("Cancel of a running job must be acknowledged")
	}

	status = "COMPLETED"

	acked, err = client.Cancel(context.Background(), testJobID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	if acked {
		t.Error("Cancel of a finished job must not be acknowledged")
	}
}

func TestClientFetchStreamPassesCursor(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("after"); got != "3" {
				t.Errorf("Expected after=3, got %q", got)
			}

			_, _ = w.Write([]byte(
				`{"id":"job-9","status":"IN_PROGRESS","sample_rate":44100,` +
					`"stream":[{"index":4,"audio":"AAAA","final":true}]}`,
			))
		}),
	)
	defer server.Close()

	client := newTestClient(t, server.URL)

	snapshot, err := client.FetchStream(context.Background(), testJobID, 3)
	if err != nil {
		t.Fatalf("FetchStream failed: %v", err)
	}

	if snapshot.Status != StatusRunning {
		t.Errorf("Legacy IN_PROGRESS must fold to RUNNING, got %s", snapshot.Status)
	}

	if snapshot.SampleRate != 44100 {
		t.Errorf("Expected sample rate 44100, got %d", snapshot.SampleRate)
	}

	if len(snapshot.Stream) != 1 || snapshot.Stream[0].Index != 4 {
		t.Error("Expected the single fragment at index 4")
	}

	if !snapshot.Stream[0].Final {
		t.Error("Expected the final flag to survive decoding")
	}
}

func TestClientHealth(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/"+testEndpointID+"/health" {
				t.Errorf("Unexpected path %s", r.URL.Path)
			}

			_, _ = w.Write([]byte(
				`{"jobs":{"inQueue":2,"inProgress":1,"completed":7},` +
					`"workers":{"idle":1,"running":1}}`,
			))
		}),
	)
	defer server.Close()

	client := newTestClient(t, server.URL)

	health, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}

	if health.Jobs.InQueue != 2 || health.Jobs.InProgress != 1 {
		t.Error("Queue counts decoded incorrectly")
	}

	if health.Workers.Running != 1 {
		t.Error("Worker counts decoded incorrectly")
	}
}

func TestClientPurgeQueue(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				t.Errorf("Expected POST, got %s", r.Method)
			}

			_, _ = w.Write([]byte(`{"removed":3,"status":"completed"}`))
		}),
	)
	defer server.Close()

	client := newTestClient(t, server.URL)

	result, err := client.PurgeQueue(context.Background())
	if err != nil {
		t.Fatalf("PurgeQueue failed: %v", err)
	}

	if result.Removed != 3 {
		t.Errorf("Expected 3 removed, got %d", result.Removed)
	}
}
