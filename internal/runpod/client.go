package runpod

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/logger"
)

// Endpoint routes, relative to {base}/{endpoint_id}.
const (
	routeRun        = "run"
	routeStatus     = "status"
	routeStream     = "stream"
	routeCancel     = "cancel"
	routeHealth     = "health"
	routePurgeQueue = "purge-queue"
)

// Operation names used in error reports.
const (
	opSubmit = "submit"
	opStatus = "fetch status"
	opStream = "fetch stream"
	opCancel = "cancel"
	opHealth = "health"
	opPurge  = "purge queue"
)

// HTTP headers.
const (
	headerAuthorization = "Authorization"
	headerContentType   = "Content-Type"
	contentTypeJSON     = "application/json"
	bearerPrefix        = "Bearer "
)

const maxErrorDetail = 200

// Client is the HTTP transport for one serverless endpoint. Each method is a
// single authenticated exchange with typed failures; retry policy belongs to
// the poller, not here.
type Client struct {
	httpClient *http.Client
	log        *logger.Logger
	baseURL    string
	endpointID string
	apiKey     string
}

// NewClient creates a transport for one endpoint. The timeout caps each
// individual exchange; whole-job budgets belong to the poller.
func NewClient(
	baseURL, endpointID, apiKey string,
	timeout time.Duration,
	log *logger.Logger,
) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log:        log,
		baseURL:    strings.TrimRight(baseURL, "/"),
		endpointID: endpointID,
		apiKey:     apiKey,
	}
}

// Submit enqueues a generation and returns the tracked job. The returned
// SubmittedAt anchors the polling budget.
func (c *Client) Submit(ctx context.Context, input GenerationInput) (*Job, error) {
	body, marshalErr := json.Marshal(submitEnvelope{Input: input})
	if marshalErr != nil {
		return nil, &TransportError{
			Kind:    ErrMalformed,
			Op:      opSubmit,
			Message: "encode input: " + marshalErr.Error(),
		}
	}

	payload, doErr := c.do(
		ctx, opSubmit, http.MethodPost, c.endpointURL(routeRun), body,
	)
	if doErr != nil {
		return nil, doErr
	}

	var envelope statusEnvelope

	unmarshalErr := json.Unmarshal(payload, &envelope)
	if unmarshalErr != nil {
		return nil, &TransportError{
			Kind:    ErrMalformed,
			Op:      opSubmit,
			Message: unmarshalErr.Error(),
		}
	}

	if envelope.ID == "" {
		return nil, &TransportError{
			Kind:    ErrMalformed,
			Op:      opSubmit,
			Message: "response carried no job id",
		}
	}

	// Some platform versions omit the status on submission; enqueued is
	// the only state a fresh job can be in.
	status := StatusQueued

	if envelope.Status != "" {
		parsed, ok := StatusFromString(envelope.Status)
		if !ok {
			return nil, &TransportError{
				Kind:    ErrMalformed,
				Op:      opSubmit,
				Message: fmt.Sprintf("unknown status %q", envelope.Status),
			}
		}

		status = parsed
	}

	job := &Job{
		ID:          envelope.ID,
		Status:      status,
		SubmittedAt: time.Now(),
	}

	c.log.Info("Submitted job %s (status %s)", job.ID, job.Status)

	return job, nil
}

// FetchStatus retrieves one status snapshot for a job.
func (c *Client) FetchStatus(ctx context.Context, jobID string) (*JobSnapshot, error) {
	payload, doErr := c.do(
		ctx, opStatus, http.MethodGet, c.endpointURL(routeStatus, jobID), nil,
	)
	if doErr != nil {
		return nil, doErr
	}

	return decodeSnapshot(opStatus, payload)
}

// FetchStream retrieves a status snapshot carrying the audio fragments with
// index greater than after. Pass a negative after for the full backlog.
func (c *Client) FetchStream(
	ctx context.Context,
	jobID string,
	after int,
) (*JobSnapshot, error) {
	url := c.endpointURL(routeStream, jobID)
	if after >= 0 {
		url += "?after=" + strconv.Itoa(after)
	}

	payload, doErr := c.do(ctx, opStream, http.MethodGet, url, nil)
	if doErr != nil {
		return nil, doErr
	}

	return decodeSnapshot(opStream, payload)
}

// Cancel asks the endpoint to stop a job. The acknowledgement is true only
// when the job was still non-terminal; cancelling a finished job is a no-op.
func (c *Client) Cancel(ctx context.Context, jobID string) (bool, error) {
	payload, doErr := c.do(
		ctx, opCancel, http.MethodPost, c.endpointURL(routeCancel, jobID), nil,
	)
	if doErr != nil {
		return false, doErr
	}

	snapshot, decodeErr := decodeSnapshot(opCancel, payload)
	if decodeErr != nil {
		return false, decodeErr
	}

	acked := snapshot.Status == StatusCancelled
	if !acked {
		c.log.Info(
			"Cancel for job %s not applied, job already %s",
			jobID, snapshot.Status,
		)
	}

	return acked, nil
}

// Health reports the endpoint's queue and worker counts.
func (c *Client) Health(ctx context.Context) (*HealthSnapshot, error) {
	payload, doErr := c.do(
		ctx, opHealth, http.MethodGet, c.endpointURL(routeHealth), nil,
	)
	if doErr != nil {
		return nil, doErr
	}

	var health HealthSnapshot

	unmarshalErr := json.Unmarshal(payload, &health)
	if unmarshalErr != nil {
		return nil, &TransportError{
			Kind:    ErrMalformed,
			Op:      opHealth,
			Message: unmarshalErr.Error(),
		}
	}

	return &health, nil
}

// PurgeQueue removes every job still waiting in the endpoint's queue.
// Running jobs are not touched.
func (c *Client) PurgeQueue(ctx context.Context) (*PurgeResult, error) {
	payload, doErr := c.do(
		ctx, opPurge, http.MethodPost, c.endpointURL(routePurgeQueue), nil,
	)
	if doErr != nil {
		return nil, doErr
	}

	var result PurgeResult

	unmarshalErr := json.Unmarshal(payload, &result)
	if unmarshalErr != nil {
		return nil, &TransportError{
			Kind:    ErrMalformed,
			Op:      opPurge,
			Message: unmarshalErr.Error(),
		}
	}

	return &result, nil
}

func (c *Client) endpointURL(parts ...string) string {
	segments := append([]string{c.baseURL, c.endpointID}, parts...)

	return strings.Join(segments, "/")
}

// do performs one authenticated exchange and maps every failure onto the
// transport error taxonomy. It never retries.
func (c *Client) do(
	ctx context.Context,
	op, method, url string,
	body []byte,
) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	request, buildErr := http.NewRequestWithContext(ctx, method, url, reader)
	if buildErr != nil {
		return nil, &TransportError{
			Kind:    ErrMalformed,
			Op:      op,
			Message: "build request: " + buildErr.Error(),
		}
	}

	request.Header.Set(headerAuthorization, bearerPrefix+c.apiKey)

	if body != nil {
		request.Header.Set(headerContentType, contentTypeJSON)
	}

	response, doErr := c.httpClient.Do(request)
	if doErr != nil {
		return nil, &TransportError{
			Kind:    ErrUnreachable,
			Op:      op,
			Message: doErr.Error(),
		}
	}

	defer func() {
		_ = response.Body.Close()
	}()

	payload, readErr := io.ReadAll(response.Body)
	if readErr != nil {
		return nil, &TransportError{
			Kind:       ErrUnreachable,
			Op:         op,
			StatusCode: response.StatusCode,
			Message:    "read body: " + readErr.Error(),
		}
	}

	if response.StatusCode < http.StatusOK ||
		response.StatusCode >= http.StatusMultipleChoices {
		return nil, classifyHTTPFailure(op, response.StatusCode, payload)
	}

	return payload, nil
}

func classifyHTTPFailure(op string, statusCode int, body []byte) error {
	kind := ErrMalformed

	switch {
	case statusCode == http.StatusUnauthorized ||
		statusCode == http.StatusForbidden:
		kind = ErrUnauthorized
	case statusCode == http.StatusTooManyRequests:
		kind = ErrRateLimited
	case statusCode >= http.StatusInternalServerError:
		kind = ErrUnreachable
	}

	return &TransportError{
		Kind:       kind,
		Op:         op,
		StatusCode: statusCode,
		Message:    apiErrorMessage(body),
	}
}

// apiErrorMessage pulls the error detail out of a failure body, falling back
// to the raw text when the body is not the documented JSON shape.
func apiErrorMessage(body []byte) string {
	var envelope apiErrorEnvelope

	unmarshalErr := json.Unmarshal(body, &envelope)
	if unmarshalErr == nil && envelope.Error != "" {
		return envelope.Error
	}

	detail := strings.TrimSpace(string(body))
	if detail == "" {
		return "no error detail"
	}

	if len(detail) > maxErrorDetail {
		detail = detail[:maxErrorDetail]
	}

	return detail
}

// decodeSnapshot decodes a status envelope, folding legacy status names and
// the worker's caught-failure shape into the canonical model.
func decodeSnapshot(op string, payload []byte) (*JobSnapshot, error) {
	var envelope statusEnvelope

	unmarshalErr := json.Unmarshal(payload, &envelope)
	if unmarshalErr != nil {
		return nil, &TransportError{
			Kind:    ErrMalformed,
			Op:      op,
			Message: unmarshalErr.Error(),
		}
	}

	status, ok := StatusFromString(envelope.Status)
	if !ok {
		return nil, &TransportError{
			Kind:    ErrMalformed,
			Op:      op,
			Message: fmt.Sprintf("unknown status %q", envelope.Status),
		}
	}

	// A worker that caught its own failure reports COMPLETED with an error
	// payload. Fold it to FAILED so result and error stay exclusive.
	if status == StatusCompleted && envelope.Output != nil &&
		envelope.Output.Error != "" {
		status = StatusFailed
	}

	return &JobSnapshot{
		ID:          envelope.ID,
		Status:      status,
		Output:      envelope.Output,
		Error:       envelope.Error,
		Stream:      envelope.Stream,
		SampleRate:  envelope.SampleRate,
		DelayTimeMS: envelope.DelayTime,
		ExecTimeMS:  envelope.ExecTime,
	}, nil
}
