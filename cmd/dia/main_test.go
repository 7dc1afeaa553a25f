package main

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"testing"
)

// TestParseFlagsTracksSeedPresence verifies that an explicit --seed 0 is
// distinguishable from an absent seed.
func TestParseFlagsTracksSeedPresence(t *testing.T) {
	oldArgs := os.Args

	t.Cleanup(func() { os.Args = oldArgs })

	tests := []struct {
		name        string
		args        []string
		wantSeedSet bool
		wantSeed    int64
	}{
		{
			name:        "no seed flag",
			args:        []string{"dia", "--text", "hello"},
			wantSeedSet: false,
			wantSeed:    0,
		},
		{
			name:        "explicit zero seed",
			args:        []string{"dia", "--text", "hello", "--seed", "0"},
			wantSeedSet: true,
			wantSeed:    0,
		},
		{
			name:        "negative seed",
			args:        []string{"dia", "--text", "hello", "--seed", "-7"},
			wantSeedSet: true,
			wantSeed:    -7,
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			flag.CommandLine = flag.NewFlagSet(
				testCase.name, flag.ContinueOnError,
			)
			os.Args = testCase.args

			flags := parseFlags()

			if flags.seedSet != testCase.wantSeedSet {
				t.Errorf(
					"Expected seedSet %v, got %v",
					testCase.wantSeedSet, flags.seedSet,
				)
			}

			if flags.seed != testCase.wantSeed {
				t.Errorf(
					"Expected seed %d, got %d",
					testCase.wantSeed, flags.seed,
				)
			}
		})
	}
}

// TestValidateSelection verifies the rules for combining generation flags.
func TestValidateSelection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		wantErr error
		name    string
		flags   appFlags
	}{
		{
			name:    "text only",
			flags:   appFlags{text: "hello"},
			wantErr: nil,
		},
		{
			name:    "chunks only",
			flags:   appFlags{chunks: "chunks.json"},
			wantErr: nil,
		},
		{
			name:    "text with stream",
			flags:   appFlags{text: "hello", stream: true},
			wantErr: nil,
		},
		{
			name:    "neither",
			flags:   appFlags{},
			wantErr: errEitherTextOrChunks,
		},
		{
			name:    "both",
			flags:   appFlags{text: "hello", chunks: "chunks.json"},
			wantErr: errCannotSpecifyBoth,
		},
		{
			name:    "chunks with stream",
			flags:   appFlags{chunks: "chunks.json", stream: true},
			wantErr: errStreamNeedsText,
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := validateSelection(testCase.flags)
			if !errors.Is(err, testCase.wantErr) {
				t.Errorf(
					"Expected %v, got %v",
					testCase.wantErr, err,
				)
			}
		})
	}
}

// TestBuildRequest verifies seed and reference-audio handling.
func TestBuildRequest(t *testing.T) {
	t.Parallel()

	promptPath := filepath.Join(t.TempDir(), "prompt.wav")
	promptData := []byte("not-really-wav")

	writeErr := os.WriteFile(promptPath, promptData, 0o600)
	if writeErr != nil {
		t.Fatalf("Failed to write prompt fixture: %v", writeErr)
	}

	request, err := buildRequest(appFlags{
		text:        "hello",
		audioPrompt: promptPath,
		seed:        0,
		seedSet:     true,
	})
	if err != nil {
		t.Fatalf("buildRequest failed: %v", err)
	}

	if request.Seed == nil || *request.Seed != 0 {
		t.Errorf("Expected explicit zero seed, got %v", request.Seed)
	}

	if string(request.PromptWAV) != string(promptData) {
		t.Error("Prompt audio was not loaded")
	}

	_, err = buildRequest(appFlags{
		text:        "hello",
		audioPrompt: filepath.Join(t.TempDir(), "missing.wav"),
	})
	if err == nil {
		t.Error("Expected an error for a missing prompt file")
	}

	request, err = buildRequest(appFlags{text: "hello"})
	if err != nil {
		t.Fatalf("buildRequest failed: %v", err)
	}

	if request.Seed != nil {
		t.Errorf("Expected no seed, got %v", *request.Seed)
	}
}
