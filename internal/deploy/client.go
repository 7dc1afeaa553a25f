package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/logger"
)

// HTTP headers.
const (
	headerAuthorization = "Authorization"
	headerContentType   = "Content-Type"
	contentTypeJSON     = "application/json"
	bearerPrefix        = "Bearer "
)

const maxErrorDetail = 200

// ErrEmptyResponse reports a management call that returned nothing usable.
var ErrEmptyResponse = errors.New("management API returned an empty response")

// APIError is a failure reported by the management REST API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf(
			"management API error (HTTP %d): %s",
			e.StatusCode,
			e.Message,
		)
	}

	return "management API error: " + e.Message
}

// GraphQLError carries the error messages of a failed GraphQL operation.
type GraphQLError struct {
	Messages []string
}

func (e *GraphQLError) Error() string {
	return "graphql operation failed: " + strings.Join(e.Messages, "; ")
}

// Client talks to the platform's management plane. It is independent of the
// per-endpoint inference transport.
type Client struct {
	httpClient    *http.Client
	log           *logger.Logger
	managementURL string
	graphqlURL    string
	apiKey        string
}

// NewClient creates a management client. The timeout caps each individual
// exchange.
func NewClient(
	managementURL, graphqlURL, apiKey string,
	timeout time.Duration,
	log *logger.Logger,
) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log:           log,
		managementURL: strings.TrimRight(managementURL, "/"),
		graphqlURL:    graphqlURL,
		apiKey:        apiKey,
	}
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphqlEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

type graphqlError struct {
	Message string `json:"message"`
}

// graphql runs one GraphQL operation and returns the data document.
func (c *Client) graphql(
	ctx context.Context,
	query string,
	variables map[string]any,
) (json.RawMessage, error) {
	body, marshalErr := json.Marshal(graphqlRequest{
		Query:     query,
		Variables: variables,
	})
	if marshalErr != nil {
		return nil, fmt.Errorf("failed to encode graphql request: %w", marshalErr)
	}

	payload, _, requestErr := c.doRequest(
		ctx, http.MethodPost, c.graphqlURL, body,
	)
	if requestErr != nil {
		return nil, requestErr
	}

	var envelope graphqlEnvelope

	unmarshalErr := json.Unmarshal(payload, &envelope)
	if unmarshalErr != nil {
		return nil, fmt.Errorf(
			"failed to decode graphql response: %w",
			unmarshalErr,
		)
	}

	if len(envelope.Errors) > 0 {
		messages := make([]string, 0, len(envelope.Errors))
		for _, item := range envelope.Errors {
			messages = append(messages, item.Message)
		}

		return nil, &GraphQLError{Messages: messages}
	}

	return envelope.Data, nil
}

// doRequest performs one authenticated exchange. Non-2xx responses become
// an APIError carrying the platform's error detail.
func (c *Client) doRequest(
	ctx context.Context,
	method, url string,
	body []byte,
) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	request, buildErr := http.NewRequestWithContext(ctx, method, url, reader)
	if buildErr != nil {
		return nil, 0, fmt.Errorf("failed to build request: %w", buildErr)
	}

	request.Header.Set(headerAuthorization, bearerPrefix+c.apiKey)

	if body != nil {
		request.Header.Set(headerContentType, contentTypeJSON)
	}

	response, doErr := c.httpClient.Do(request)
	if doErr != nil {
		return nil, 0, fmt.Errorf("management request failed: %w", doErr)
	}

	defer func() {
		_ = response.Body.Close()
	}()

	payload, readErr := io.ReadAll(response.Body)
	if readErr != nil {
		return nil, response.StatusCode, fmt.Errorf(
			"failed to read response body: %w",
			readErr,
		)
	}

	if response.StatusCode < http.StatusOK ||
		response.StatusCode >= http.StatusMultipleChoices {
		return nil, response.StatusCode, &APIError{
			StatusCode: response.StatusCode,
			Message:    apiErrorMessage(payload),
		}
	}

	return payload, response.StatusCode, nil
}

// apiErrorMessage pulls the error detail out of a failure body, falling back
// to the raw text when the body is not the documented JSON shape.
func apiErrorMessage(body []byte) string {
	var envelope struct {
		Error string `json:"error"`
	}

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
