package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrTerminateRejected reports a termination the platform did not confirm.
var ErrTerminateRejected = errors.New("endpoint termination was not acknowledged")

const updateEndpointMutation = `
mutation updateServerlessEndpoint($input: UpdateServerlessEndpointInput!) {
    updateServerlessEndpoint(input: $input) {
        id
        name
        templateId
        gpuIds
        minWorkers
        maxWorkers
        idleTimeout
        flashBoot
        workersRunning
        workersWaiting
        requestsHandled
        requestsErrors
        averageResponseTime
    }
}
`

const terminateEndpointMutation = `
mutation terminateServerlessEndpoint($id: String!) {
    terminateServerlessEndpoint(input: { id: $id }) {
        success
    }
}
`

// EndpointSpec describes a serverless endpoint to create.
type EndpointSpec struct {
	Name               string
	TemplateID         string
	GPUTypeIDs         []string
	WorkersMin         int
	WorkersMax         int
	IdleTimeoutSeconds int
	FlashBoot          bool
	ContainerDiskGB    int
}

// Endpoint is a provisioned serverless endpoint.
type Endpoint struct {
	ID          string
	Name        string
	TemplateID  string
	GPUTypeIDs  []string
	WorkersMin  int
	WorkersMax  int
	IdleTimeout int
	FlashBoot   bool
}

// EndpointUpdate names the fields to change. Nil fields are left untouched.
type EndpointUpdate struct {
	MinWorkers  *int
	MaxWorkers  *int
	IdleTimeout *int
	GPUIDs      []string
}

// EndpointStatus is the endpoint state the update mutation reports,
// including the live worker and request counters.
type EndpointStatus struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	TemplateID          string   `json:"templateId"`
	GPUIDs              []string `json:"gpuIds"`
	MinWorkers          int      `json:"minWorkers"`
	MaxWorkers          int      `json:"maxWorkers"`
	IdleTimeout         int      `json:"idleTimeout"`
	FlashBoot           bool     `json:"flashBoot"`
	WorkersRunning      int      `json:"workersRunning"`
	WorkersWaiting      int      `json:"workersWaiting"`
	RequestsHandled     int      `json:"requestsHandled"`
	RequestsErrors      int      `json:"requestsErrors"`
	AverageResponseTime float64  `json:"averageResponseTime"`
}

type createEndpointPayload struct {
	Name                string   `json:"name"`
	TemplateID          string   `json:"templateId"`
	GPUTypeIDs          []string `json:"gpuTypeIds"`
	WorkersMin          int      `json:"workersMin"`
	WorkersMax          int      `json:"workersMax"`
	IdleTimeout         int      `json:"idleTimeout"`
	Flashboot           bool     `json:"flashboot"`
	ContainerDiskSizeGB int      `json:"containerDiskSizeGB"`
}

// restEndpointEnvelope tolerates the field-name drift between management API
// versions: workersMin vs minActiveWorkers, flashboot vs flashBoot, and
// gpuTypeIds vs gpuIds have all been observed.
type restEndpointEnvelope struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	TemplateID       string   `json:"templateId"`
	GPUTypeIDs       []string `json:"gpuTypeIds"`
	GPUIDs           []string `json:"gpuIds"`
	WorkersMin       *int     `json:"workersMin"`
	MinActiveWorkers *int     `json:"minActiveWorkers"`
	WorkersMax       *int     `json:"workersMax"`
	MaxActiveWorkers *int     `json:"maxActiveWorkers"`
	IdleTimeout      int      `json:"idleTimeout"`
	Flashboot        *bool    `json:"flashboot"`
	FlashBoot        *bool    `json:"flashBoot"`
	Error            string   `json:"error"`
}

func (r *restEndpointEnvelope) toEndpoint() *Endpoint {
	gpus := r.GPUTypeIDs
	if len(gpus) == 0 {
		gpus = r.GPUIDs
	}

	return &Endpoint{
		ID:          r.ID,
		Name:        r.Name,
		TemplateID:  r.TemplateID,
		GPUTypeIDs:  gpus,
		WorkersMin:  firstInt(r.WorkersMin, r.MinActiveWorkers),
		WorkersMax:  firstInt(r.WorkersMax, r.MaxActiveWorkers),
		IdleTimeout: r.IdleTimeout,
		FlashBoot:   firstBool(r.Flashboot, r.FlashBoot),
	}
}

func firstInt(values ...*int) int {
	for _, value := range values {
		if value != nil {
			return *value
		}
	}

	return 0
}

func firstBool(values ...*bool) bool {
	for _, value := range values {
		if value != nil {
			return *value
		}
	}

	return false
}

// CreateEndpoint provisions a serverless endpoint over the REST API.
func (c *Client) CreateEndpoint(
	ctx context.Context,
	spec EndpointSpec,
) (*Endpoint, error) {
	body, marshalErr := json.Marshal(createEndpointPayload{
		Name:                spec.Name,
		TemplateID:          spec.TemplateID,
		GPUTypeIDs:          spec.GPUTypeIDs,
		WorkersMin:          spec.WorkersMin,
		WorkersMax:          spec.WorkersMax,
		IdleTimeout:         spec.IdleTimeoutSeconds,
		Flashboot:           spec.FlashBoot,
		ContainerDiskSizeGB: spec.ContainerDiskGB,
	})
	if marshalErr != nil {
		return nil, fmt.Errorf("failed to encode endpoint spec: %w", marshalErr)
	}

	payload, _, requestErr := c.doRequest(
		ctx, http.MethodPost, c.managementURL+"/endpoints", body,
	)
	if requestErr != nil {
		return nil, requestErr
	}

	endpoint, decodeErr := decodeEndpointResponse(payload)
	if decodeErr != nil {
		return nil, decodeErr
	}

	c.log.Info("Created endpoint %s (%s)", endpoint.ID, endpoint.Name)

	return endpoint, nil
}

// decodeEndpointResponse accepts both response shapes the management API
// has served: a bare endpoint object or a single-element list.
func decodeEndpointResponse(payload []byte) (*Endpoint, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, ErrEmptyResponse
	}

	var envelope restEndpointEnvelope

	if trimmed[0] == '[' {
		var list []restEndpointEnvelope

		unmarshalErr := json.Unmarshal(trimmed, &list)
		if unmarshalErr != nil {
			return nil, fmt.Errorf(
				"failed to decode endpoint list: %w",
				unmarshalErr,
			)
		}

		if len(list) == 0 {
			return nil, ErrEmptyResponse
		}

		envelope = list[0]
	} else {
		unmarshalErr := json.Unmarshal(trimmed, &envelope)
		if unmarshalErr != nil {
			return nil, fmt.Errorf(
				"failed to decode endpoint: %w",
				unmarshalErr,
			)
		}
	}

	if envelope.Error != "" {
		return nil, &APIError{StatusCode: 0, Message: envelope.Error}
	}

	return envelope.toEndpoint(), nil
}

// UpdateEndpoint changes the set fields of an endpoint and returns the
// resulting state with live counters.
func (c *Client) UpdateEndpoint(
	ctx context.Context,
	endpointID string,
	update EndpointUpdate,
) (*EndpointStatus, error) {
	input := map[string]any{"id": endpointID}

	if update.MinWorkers != nil {
		input["minWorkers"] = *update.MinWorkers
	}

	if update.MaxWorkers != nil {
		input["maxWorkers"] = *update.MaxWorkers
	}

	if update.IdleTimeout != nil {
		input["idleTimeout"] = *update.IdleTimeout
	}

	if update.GPUIDs != nil {
		input["gpuIds"] = update.GPUIDs
	}

	data, graphqlErr := c.graphql(ctx, updateEndpointMutation, map[string]any{
		"input": input,
	})
	if graphqlErr != nil {
		return nil, graphqlErr
	}

	var result struct {
		Endpoint *EndpointStatus `json:"updateServerlessEndpoint"`
	}

	unmarshalErr := json.Unmarshal(data, &result)
	if unmarshalErr != nil {
		return nil, fmt.Errorf(
			"failed to decode endpoint update: %w",
			unmarshalErr,
		)
	}

	if result.Endpoint == nil {
		return nil, ErrEmptyResponse
	}

	c.log.Info("Updated endpoint %s", endpointID)

	return result.Endpoint, nil
}

// DeleteEndpoint terminates a serverless endpoint.
func (c *Client) DeleteEndpoint(ctx context.Context, endpointID string) error {
	data, graphqlErr := c.graphql(ctx, terminateEndpointMutation, map[string]any{
		"id": endpointID,
	})
	if graphqlErr != nil {
		return graphqlErr
	}

	var result struct {
		Terminate struct {
			Success bool `json:"success"`
		} `json:"terminateServerlessEndpoint"`
	}

	unmarshalErr := json.Unmarshal(data, &result)
	if unmarshalErr != nil {
		return fmt.Errorf(
			"failed to decode termination response: %w",
			unmarshalErr,
		)
	}

	if !result.Terminate.Success {
		return fmt.Errorf("endpoint %s: %w", endpointID, ErrTerminateRejected)
	}

	c.log.Info("Terminated endpoint %s", endpointID)

	return nil
}
