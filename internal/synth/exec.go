package synth

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/book-expert/logger"

	"github.com/serverless-tts/dia-runpod/internal/audio"
	"github.com/serverless-tts/dia-runpod/internal/core"
)

const tempFilePermissions = 0o600

// ExecSynthesizer implements core.Synthesizer by invoking the Dia inference
// process. The process receives the generation parameters on its command
// line and writes a WAV file which is read back and decoded.
type ExecSynthesizer struct {
	binary       string
	modelID      string
	computeDtype string
	log          *logger.Logger
}

// NewExec creates a synthesizer that shells out to the given binary. The
// model identifier and compute dtype are passed through on every call.
func NewExec(binary, modelID, computeDtype string, log *logger.Logger) *ExecSynthesizer {
	return &ExecSynthesizer{
		binary:       binary,
		modelID:      modelID,
		computeDtype: computeDtype,
		log:          log,
	}
}

// Synthesize runs the inference process and returns the decoded waveform.
func (e *ExecSynthesizer) Synthesize(
	ctx context.Context,
	params core.SynthesisParams,
) (*core.Waveform, error) {
	if params.Text == "" {
		return nil, ErrNoText
	}

	outputFile, tempErr := os.CreateTemp("", "dia-output-*.wav")
	if tempErr != nil {
		return nil, fmt.Errorf(
			"failed to create temp file for synthesis output: %w",
			tempErr,
		)
	}

	defer e.removeTemp(outputFile.Name())

	_ = outputFile.Close()

	args, promptPath, argsErr := e.buildArgs(params, outputFile.Name())
	if argsErr != nil {
		return nil, argsErr
	}

	if promptPath != "" {
		defer e.removeTemp(promptPath)
	}

	// #nosec G204 -- binary and model come from operator configuration
	cmd := exec.CommandContext(ctx, e.binary, args...)

	output, runErr := cmd.CombinedOutput()
	if runErr != nil {
		return nil, fmt.Errorf(
			"inference process failed: %w - output: %s",
			runErr,
			string(output),
		)
	}

	wavData, readErr := os.ReadFile(outputFile.Name())
	if readErr != nil {
		return nil, fmt.Errorf(
			"failed to read synthesized audio: %w",
			readErr,
		)
	}

	info, decodeErr := audio.DecodeWAV(wavData)
	if decodeErr != nil {
		return nil, fmt.Errorf(
			"inference process produced undecodable audio: %w",
			decodeErr,
		)
	}

	return &core.Waveform{
		PCM:        info.PCM,
		SampleRate: info.SampleRate,
	}, nil
}

// Reload asks the inference process to re-resolve its model weights,
// pulling fresh files into the cache.
func (e *ExecSynthesizer) Reload(ctx context.Context) error {
	// #nosec G204 -- binary and model come from operator configuration
	cmd := exec.CommandContext(
		ctx,
		e.binary,
		"--model", e.modelID,
		"--refresh-model",
	)

	output, runErr := cmd.CombinedOutput()
	if runErr != nil {
		return fmt.Errorf(
			"model refresh failed: %w - output: %s",
			runErr,
			string(output),
		)
	}

	e.log.Info("Model %s refreshed", e.modelID)

	return nil
}

// buildArgs assembles the inference command line. When reference audio is
// present it is staged into a temp file whose path is returned for cleanup.
func (e *ExecSynthesizer) buildArgs(
	params core.SynthesisParams,
	outputPath string,
) ([]string, string, error) {
	args := []string{
		"--model", e.modelID,
		"--dtype", e.computeDtype,
		"--text", params.Text,
		"--output", outputPath,
		"--temperature", fmt.Sprintf("%.2f", params.Temperature),
		"--top-p", fmt.Sprintf("%.2f", params.TopP),
	}

	if params.HasSeed {
		args = append(args, "--seed", strconv.FormatInt(params.Seed, 10))
	}

	if len(params.PromptWAV) == 0 {
		return args, "", nil
	}

	promptFile, tempErr := os.CreateTemp("", "dia-prompt-*.wav")
	if tempErr != nil {
		return nil, "", fmt.Errorf(
			"failed to create temp file for voice prompt: %w",
			tempErr,
		)
	}

	promptPath := promptFile.Name()

	_ = promptFile.Close()

	writeErr := os.WriteFile(promptPath, params.PromptWAV, tempFilePermissions)
	if writeErr != nil {
		e.removeTemp(promptPath)

		return nil, "", fmt.Errorf(
			"failed to stage voice prompt: %w",
			writeErr,
		)
	}

	args = append(args, "--audio-prompt", promptPath)

	return args, promptPath, nil
}

func (e *ExecSynthesizer) removeTemp(path string) {
	removeErr := os.Remove(path)
	if removeErr != nil {
		e.log.Warn("Failed to remove temp file '%s': %v", path, removeErr)
	}
}
