// Command dia-emulator runs a local stand-in for the serverless inference
// platform: the endpoint's HTTP surface backed by a JetStream work queue
// and synthetic workers, so the client tools can be exercised end to end
// without a GPU deployment.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"

	"github.com/serverless-tts/dia-runpod/internal/cachedir"
	"github.com/serverless-tts/dia-runpod/internal/config"
	"github.com/serverless-tts/dia-runpod/internal/core"
	"github.com/serverless-tts/dia-runpod/internal/emulator"
	"github.com/serverless-tts/dia-runpod/internal/synth"
)

const shutdownTimeout = 10 * time.Second

func setupLogger(logPath string) (*logger.Logger, error) {
	log, err := logger.New(logPath, "dia-emulator.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func run() error {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir())
	if err != nil {
		// If bootstrap logger fails, we can only print to stderr
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	bootstrapLog.Info("Bootstrap logger created.")

	// 2. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 3. Initialize the final logger based on the loaded configuration
	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	return serve(cfg, finalLog)
}

// serve brings the emulated endpoint up and keeps it running until the
// process is told to stop.
func serve(cfg *config.Config, log *logger.Logger) error {
	validateErr := validate(cfg)
	if validateErr != nil {
		return fmt.Errorf("configuration is not usable: %w", validateErr)
	}

	// 4. Resolve the cache layout exactly as a worker boot does
	cacheCfg := cachedir.Resolve(cfg.Worker.CacheCandidates, log)

	exportErr := cacheCfg.Export()
	if exportErr != nil {
		return fmt.Errorf("failed to export cache environment: %w", exportErr)
	}

	// 5. Assemble the emulator around the configured synthesizer
	emu, newErr := emulator.New(cfg, buildSynthesizer(cfg, log), log)
	if newErr != nil {
		return fmt.Errorf("failed to assemble emulator: %w", newErr)
	}

	startErr := emu.Start()
	if startErr != nil {
		return fmt.Errorf("failed to start emulator: %w", startErr)
	}

	logMessage := "Emulator initialized. Serving endpoint %s at %s"
	log.System(logMessage, cfg.EndpointID, emu.BaseURL())

	// 6. Run until interrupted, then drain
	waitForSignal()
	log.Info("Shutdown signal received, draining...")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(), shutdownTimeout,
	)
	defer cancel()

	shutdownErr := emu.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		return fmt.Errorf("failed to shut down cleanly: %w", shutdownErr)
	}

	log.Info("Emulator stopped.")

	return nil
}

// validate checks the settings the emulated endpoint depends on. The API key
// and endpoint ID come from the environment, same as for the real platform.
func validate(cfg *config.Config) error {
	if cfg.APIKey == "" {
		return config.ErrMissingAPIKey
	}

	if cfg.EndpointID == "" {
		return config.ErrMissingEndpointID
	}

	workerErr := cfg.ValidateWorker()
	if workerErr != nil {
		return workerErr
	}

	return nil
}

// buildSynthesizer picks the model-execution layer: the configured inference
// binary when one is set, otherwise the built-in tone synthesizer.
func buildSynthesizer(cfg *config.Config, log *logger.Logger) core.Synthesizer {
	if cfg.Worker.SynthBinary != "" {
		log.Info("Using inference binary: %s", cfg.Worker.SynthBinary)

		return synth.NewExec(
			cfg.Worker.SynthBinary,
			cfg.Worker.ModelID,
			cfg.Worker.ComputeDtype,
			log,
		)
	}

	return synth.NewTone(cfg.Worker.SampleRate, log)
}

func waitForSignal() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	<-signals
	signal.Stop(signals)
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
