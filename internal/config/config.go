// Package config provides the layered configuration for the dia-runpod
// tools: compiled defaults, then the project TOML, then the process
// environment. Secrets only ever come from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/caarlos0/env/v11"
)

// Validation errors.
var (
	ErrMissingAPIKey     = errors.New("RUNPOD_API_KEY is not set")
	ErrMissingEndpointID = errors.New("RUNPOD_ENDPOINT_ID is not set")
	ErrBadPollInterval   = errors.New("poll interval must be positive")
	ErrBadJobTimeout     = errors.New("job timeout must be positive")
	ErrBadSampleRate     = errors.New("sample rate must be positive")
)

// APIConfig holds the platform API locations and the per-request timeout.
type APIConfig struct {
	InferenceURL          string `toml:"inference_url"`
	ManagementURL         string `toml:"management_url"`
	GraphQLURL            string `toml:"graphql_url"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

// GenerationConfig holds the client-side defaults for speech generation.
type GenerationConfig struct {
	Temperature           float64 `toml:"temperature"`
	TopP                  float64 `toml:"top_p"`
	PollIntervalSeconds   float64 `toml:"poll_interval_seconds"`
	StreamIntervalSeconds float64 `toml:"stream_interval_seconds"`
	JobTimeoutSeconds     int     `toml:"job_timeout_seconds"`
	Workers               int     `toml:"workers"`
}

// WorkerConfig holds the settings for the worker-side handler. An empty
// SynthBinary selects the built-in tone synthesizer.
type WorkerConfig struct {
	ModelID                 string   `toml:"model_id"`
	ComputeDtype            string   `toml:"compute_dtype"`
	SynthBinary             string   `toml:"synth_binary"`
	SampleRate              int      `toml:"sample_rate"`
	ExecutionTimeoutSeconds int      `toml:"execution_timeout_seconds"`
	MaxConcurrentJobs       int      `toml:"max_concurrent_jobs"`
	CacheCandidates         []string `toml:"cache_candidates"`
}

// DeployConfig holds the endpoint provisioning parameters.
type DeployConfig struct {
	GPUTypes           []string `toml:"gpu_types"`
	MinWorkers         int      `toml:"min_workers"`
	MaxWorkers         int      `toml:"max_workers"`
	IdleTimeoutSeconds int      `toml:"idle_timeout_seconds"`
	FlashBoot          bool     `toml:"flash_boot"`
	ContainerDiskGB    int      `toml:"container_disk_gb"`
}

// EmulatorConfig holds the settings for the local endpoint emulator.
type EmulatorConfig struct {
	ListenAddr   string  `toml:"listen_addr"`
	NATSURL      string  `toml:"nats_url"`
	JobStream    string  `toml:"job_stream"`
	JobSubject   string  `toml:"job_subject"`
	StateBucket  string  `toml:"state_bucket"`
	AudioBucket  string  `toml:"audio_bucket"`
	ChunkSeconds float64 `toml:"chunk_seconds"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
	OutputDir   string `toml:"output_dir"`
}

// Config is the root configuration structure.
type Config struct {
	API        APIConfig        `toml:"api"`
	Generation GenerationConfig `toml:"generation"`
	Worker     WorkerConfig     `toml:"worker"`
	Deploy     DeployConfig     `toml:"deploy"`
	Emulator   EmulatorConfig   `toml:"emulator"`
	Paths      PathsConfig      `toml:"paths"`

	// Populated from the environment, never from the TOML file.
	APIKey     string `toml:"-"`
	EndpointID string `toml:"-"`
}

// envOverrides mirrors the original deployment's environment surface.
// Pointer fields distinguish "unset" from an explicit zero.
type envOverrides struct {
	APIKey           string   `env:"RUNPOD_API_KEY"`
	EndpointID       string   `env:"RUNPOD_ENDPOINT_ID"`
	ModelID          string   `env:"MODEL_ID"`
	ComputeDtype     string   `env:"COMPUTE_DTYPE"`
	SynthBinary      string   `env:"SYNTH_BINARY"`
	Temperature      *float64 `env:"DEFAULT_TEMPERATURE"`
	TopP             *float64 `env:"DEFAULT_TOP_P"`
	GPUTypes         []string `env:"GPU_TYPES" envSeparator:","`
	MinWorkers       *int     `env:"MIN_WORKERS"`
	MaxWorkers       *int     `env:"MAX_WORKERS"`
	IdleTimeout      *int     `env:"IDLE_TIMEOUT"`
	ExecutionTimeout *int     `env:"EXECUTION_TIMEOUT"`
}

// Default returns the compiled-in configuration, matching the deployed
// service's documented defaults.
func Default() *Config {
	return &Config{
		API: APIConfig{
			InferenceURL:          "https://api.runpod.ai/v2",
			ManagementURL:         "https://api.runpod.io/v1",
			GraphQLURL:            "https://api.runpod.io/graphql",
			RequestTimeoutSeconds: 30,
		},
		Generation: GenerationConfig{
			Temperature:           1.3,
			TopP:                  0.95,
			PollIntervalSeconds:   2.0,
			StreamIntervalSeconds: 0.5,
			JobTimeoutSeconds:     300,
			Workers:               2,
		},
		Worker: WorkerConfig{
			ModelID:                 "nari-labs/Dia-1.6B",
			ComputeDtype:            "float16",
			SynthBinary:             "",
			SampleRate:              44100,
			ExecutionTimeoutSeconds: 600,
			MaxConcurrentJobs:       3,
			CacheCandidates:         []string{"/runpod-volume", "/data"},
		},
		Deploy: DeployConfig{
			GPUTypes: []string{
				"NVIDIA A4000",
				"NVIDIA RTX 4000",
				"NVIDIA RTX 3090",
			},
			MinWorkers:         0,
			MaxWorkers:         3,
			IdleTimeoutSeconds: 300,
			FlashBoot:          true,
			ContainerDiskGB:    20,
		},
		Emulator: EmulatorConfig{
			ListenAddr:   "127.0.0.1:8800",
			NATSURL:      "",
			JobStream:    "DIA_JOBS",
			JobSubject:   "dia.jobs",
			StateBucket:  "DIA_STATE",
			AudioBucket:  "DIA_AUDIO",
			ChunkSeconds: 1.0,
		},
		Paths: PathsConfig{
			BaseLogsDir: "/tmp/dia-runpod/logs",
			OutputDir:   "output",
		},
		APIKey:     "",
		EndpointID: "",
	}
}

// Load resolves the full configuration: defaults, then the project TOML
// located by the configurator, then environment overrides.
func Load(log *logger.Logger) (*Config, error) {
	cfg := Default()

	err := configurator.Load(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	err = cfg.ApplyEnvironment(nil)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvironment overlays environment settings onto the configuration. A
// nil environ reads the process environment.
func (c *Config) ApplyEnvironment(environ []string) error {
	var overrides envOverrides

	opts := env.Options{}
	if environ != nil {
		opts.Environment = env.ToMap(environ)
	}

	err := env.ParseWithOptions(&overrides, opts)
	if err != nil {
		return fmt.Errorf("failed to parse environment overrides: %w", err)
	}

	c.applyOverrides(&overrides)

	return nil
}

func (c *Config) applyOverrides(overrides *envOverrides) {
	if overrides.APIKey != "" {
		c.APIKey = overrides.APIKey
	}

	if overrides.EndpointID != "" {
		c.EndpointID = overrides.EndpointID
	}

	if overrides.ModelID != "" {
		c.Worker.ModelID = overrides.ModelID
	}

	if overrides.ComputeDtype != "" {
		c.Worker.ComputeDtype = overrides.ComputeDtype
	}

	if overrides.SynthBinary != "" {
		c.Worker.SynthBinary = overrides.SynthBinary
	}

	if overrides.Temperature != nil {
		c.Generation.Temperature = *overrides.Temperature
	}

	if overrides.TopP != nil {
		c.Generation.TopP = *overrides.TopP
	}

	if len(overrides.GPUTypes) > 0 {
		c.Deploy.GPUTypes = overrides.GPUTypes
	}

	if overrides.MinWorkers != nil {
		c.Deploy.MinWorkers = *overrides.MinWorkers
	}

	if overrides.MaxWorkers != nil {
		c.Deploy.MaxWorkers = *overrides.MaxWorkers
	}

	if overrides.IdleTimeout != nil {
		c.Deploy.IdleTimeoutSeconds = *overrides.IdleTimeout
	}

	if overrides.ExecutionTimeout != nil {
		c.Worker.ExecutionTimeoutSeconds = *overrides.ExecutionTimeout
	}
}

// ValidateClient checks the settings every remote inference command needs.
func (c *Config) ValidateClient() error {
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}

	if c.EndpointID == "" {
		return ErrMissingEndpointID
	}

	if c.Generation.PollIntervalSeconds <= 0 ||
		c.Generation.StreamIntervalSeconds <= 0 {
		return ErrBadPollInterval
	}

	if c.Generation.JobTimeoutSeconds <= 0 {
		return ErrBadJobTimeout
	}

	return nil
}

// ValidateDeploy checks the settings the management commands need.
func (c *Config) ValidateDeploy() error {
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}

	return nil
}

// ValidateWorker checks the settings the worker-side handler needs.
func (c *Config) ValidateWorker() error {
	if c.Worker.SampleRate <= 0 {
		return ErrBadSampleRate
	}

	if c.Worker.ExecutionTimeoutSeconds <= 0 {
		return ErrBadJobTimeout
	}

	return nil
}

// RequestTimeout is the per-HTTP-request timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.API.RequestTimeoutSeconds) * time.Second
}

// PollInterval is the constant delay between blocking-mode status polls.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Generation.PollIntervalSeconds * float64(time.Second))
}

// StreamInterval is the constant delay between streaming-mode status polls.
func (c *Config) StreamInterval() time.Duration {
	return time.Duration(c.Generation.StreamIntervalSeconds * float64(time.Second))
}

// JobTimeout is the wall-clock budget for one generation, measured from
// submission.
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.Generation.JobTimeoutSeconds) * time.Second
}

// ExecutionTimeout is the worker-side per-job execution cap.
func (c *Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.Worker.ExecutionTimeoutSeconds) * time.Second
}
