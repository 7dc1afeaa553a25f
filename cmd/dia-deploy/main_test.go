package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"github.com/serverless-tts/dia-runpod/internal/config"
	"github.com/serverless-tts/dia-runpod/internal/deploy"
)

// TestSplitGPUList verifies comma parsing and the empty-means-default rule.
func TestSplitGPUList(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		value string
		want  []string
	}{
		{
			name:  "empty means use config",
			value: "",
			want:  nil,
		},
		{
			name:  "single type",
			value: "NVIDIA A4000",
			want:  []string{"NVIDIA A4000"},
		},
		{
			name:  "spaces around commas",
			value: "NVIDIA RTX 3090, NVIDIA A5000",
			want:  []string{"NVIDIA RTX 3090", "NVIDIA A5000"},
		},
		{
			name:  "trailing comma",
			value: "NVIDIA T4,",
			want:  []string{"NVIDIA T4"},
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			got := splitGPUList(testCase.value)

			if len(got) != len(testCase.want) {
				t.Fatalf(
					"Expected %v, got %v",
					testCase.want, got,
				)
			}

			for i := range got {
				if got[i] != testCase.want[i] {
					t.Errorf(
						"Expected %q at %d, got %q",
						testCase.want[i], i, got[i],
					)
				}
			}
		})
	}
}

// TestFitLabel verifies the capability wording for each VRAM tier.
func TestFitLabel(t *testing.T) {
	t.Parallel()

	recommended, known := deploy.Info("NVIDIA A4000")
	if !known {
		t.Fatal("Expected NVIDIA A4000 in the catalog")
	}

	if fitLabel(recommended) != "recommended" {
		t.Errorf("Expected recommended, got %q", fitLabel(recommended))
	}

	suitable := deploy.GPUInfo{Name: "test", VRAMGB: 12}
	if fitLabel(suitable) != "suitable" {
		t.Errorf("Expected suitable, got %q", fitLabel(suitable))
	}

	tooSmall := deploy.GPUInfo{Name: "test", VRAMGB: 8}
	if fitLabel(tooSmall) != "too little VRAM" {
		t.Errorf("Expected too little VRAM, got %q", fitLabel(tooSmall))
	}
}

// TestHandleInitWritesLoadableDefaults verifies that the scaffold round-trips
// through the TOML parser back to the compiled-in defaults, and that an
// existing file is only overwritten with --force.
func TestHandleInitWritesLoadableDefaults(t *testing.T) {
	t.Parallel()

	output := filepath.Join(t.TempDir(), "project.toml")

	err := handleInit([]string{"--output", output})
	if err != nil {
		t.Fatalf("handleInit failed: %v", err)
	}

	data, readErr := os.ReadFile(output)
	if readErr != nil {
		t.Fatalf("Failed to read scaffold: %v", readErr)
	}

	var cfg config.Config

	unmarshalErr := toml.Unmarshal(data, &cfg)
	if unmarshalErr != nil {
		t.Fatalf("Scaffold is not valid TOML: %v", unmarshalErr)
	}

	defaults := config.Default()

	if cfg.API.InferenceURL != defaults.API.InferenceURL {
		t.Errorf(
			"Expected inference URL %q, got %q",
			defaults.API.InferenceURL, cfg.API.InferenceURL,
		)
	}

	if cfg.Worker.ModelID != defaults.Worker.ModelID {
		t.Errorf(
			"Expected model %q, got %q",
			defaults.Worker.ModelID, cfg.Worker.ModelID,
		)
	}

	if cfg.Generation.JobTimeoutSeconds != defaults.Generation.JobTimeoutSeconds {
		t.Errorf(
			"Expected job timeout %d, got %d",
			defaults.Generation.JobTimeoutSeconds,
			cfg.Generation.JobTimeoutSeconds,
		)
	}

	err = handleInit([]string{"--output", output})
	if !errors.Is(err, errConfigExists) {
		t.Fatalf("Expected errConfigExists, got %v", err)
	}

	err = handleInit([]string{"--output", output, "--force"})
	if err != nil {
		t.Fatalf("handleInit --force failed: %v", err)
	}
}

// TestScaffoldOmitsSecrets verifies the API key and endpoint ID never land
// in the written file; they are environment-only.
func TestScaffoldOmitsSecrets(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.APIKey = "rpa-secret"
	cfg.EndpointID = "ep-secret"

	data, marshalErr := toml.Marshal(cfg)
	if marshalErr != nil {
		t.Fatalf("Marshal failed: %v", marshalErr)
	}

	text := string(data)
	for _, secret := range []string{"rpa-secret", "ep-secret"} {
		if strings.Contains(text, secret) {
			t.Errorf("Scaffold leaked %q", secret)
		}
	}
}
