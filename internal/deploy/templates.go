package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
)

const createTemplateMutation = `
mutation createTemplate(
    $containerDiskSize: Int!,
    $dockerArgs: String,
    $env: [KeyValue]!,
    $imageName: String!,
    $name: String!,
    $ports: String,
    $readme: String,
    $volumeInGb: Int,
    $volumeMountPath: String
) {
    createTemplate(
        input: {
            containerDiskSize: $containerDiskSize,
            dockerArgs: $dockerArgs,
            env: $env,
            imageName: $imageName,
            name: $name,
            ports: $ports,
            readme: $readme,
            volumeInGb: $volumeInGb,
            volumeMountPath: $volumeMountPath
        }
    ) {
        id
        name
        imageName
        env {
            key
            value
        }
        volumeInGb
        volumeMountPath
        containerDiskSize
    }
}
`

// PortMapping exposes one container port.
type PortMapping struct {
	Published string `json:"published"`
	Target    string `json:"target"`
	Protocol  string `json:"protocol"`
}

// TemplateSpec describes a worker container template. Secrets become
// environment entries flagged isSecret so the platform masks them.
type TemplateSpec struct {
	Name            string
	ImageName       string
	ContainerDiskGB int
	Env             map[string]string
	Secrets         map[string]string
	Ports           []PortMapping
	VolumeMountPath string
	VolumeGB        int
	Readme          string
}

// EnvVar is one template environment entry.
type EnvVar struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	IsSecret bool   `json:"isSecret,omitempty"`
}

// Template is a provisioned container template.
type Template struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	ImageName         string   `json:"imageName"`
	Env               []EnvVar `json:"env"`
	VolumeInGB        int      `json:"volumeInGb"`
	VolumeMountPath   string   `json:"volumeMountPath"`
	ContainerDiskSize int      `json:"containerDiskSize"`
}

// buildEnvList flattens plain variables and secrets into the GraphQL env
// shape, sorted by key so the payload is deterministic.
func buildEnvList(env, secrets map[string]string) []EnvVar {
	list := make([]EnvVar, 0, len(env)+len(secrets))

	for _, key := range sortedKeys(env) {
		list = append(list, EnvVar{Key: key, Value: env[key], IsSecret: false})
	}

	for _, key := range sortedKeys(secrets) {
		list = append(list, EnvVar{Key: key, Value: secrets[key], IsSecret: true})
	}

	return list
}

func sortedKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}

// CreateTemplate provisions a worker container template.
func (c *Client) CreateTemplate(
	ctx context.Context,
	spec TemplateSpec,
) (*Template, error) {
	variables := map[string]any{
		"name":              spec.Name,
		"imageName":         spec.ImageName,
		"containerDiskSize": spec.ContainerDiskGB,
		"env":               buildEnvList(spec.Env, spec.Secrets),
		"readme":            spec.Readme,
	}

	if len(spec.Ports) > 0 {
		ports, marshalErr := json.Marshal(spec.Ports)
		if marshalErr != nil {
			return nil, fmt.Errorf(
				"failed to encode port mappings: %w",
				marshalErr,
			)
		}

		variables["ports"] = string(ports)
	}

	if spec.VolumeMountPath != "" {
		variables["volumeMountPath"] = spec.VolumeMountPath
		variables["volumeInGb"] = spec.VolumeGB
	}

	data, graphqlErr := c.graphql(ctx, createTemplateMutation, variables)
	if graphqlErr != nil {
		return nil, graphqlErr
	}

	var result struct {
		Template *Template `json:"createTemplate"`
	}

	unmarshalErr := json.Unmarshal(data, &result)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to decode template: %w", unmarshalErr)
	}

	if result.Template == nil {
		return nil, ErrEmptyResponse
	}

	c.log.Info("Created template %s (%s)", result.Template.ID, result.Template.Name)

	return result.Template, nil
}

// DeleteTemplate removes a template. The management API acknowledges with
// 204 and nothing else counts as success.
func (c *Client) DeleteTemplate(ctx context.Context, templateID string) error {
	_, statusCode, requestErr := c.doRequest(
		ctx,
		http.MethodDelete,
		c.managementURL+"/templates/"+templateID,
		nil,
	)
	if requestErr != nil {
		return requestErr
	}

	if statusCode != http.StatusNoContent {
		return &APIError{
			StatusCode: statusCode,
			Message:    "expected a no-content acknowledgement",
		}
	}

	c.log.Info("Deleted template %s", templateID)

	return nil
}
