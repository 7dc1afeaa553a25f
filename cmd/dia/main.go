// Command dia generates speech through a Dia serverless endpoint: single
// utterances, chunked batches, or live streams, plus the endpoint admin
// actions (health, cancel, purge).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/book-expert/logger"

	"github.com/serverless-tts/dia-runpod/internal/audio"
	"github.com/serverless-tts/dia-runpod/internal/config"
	"github.com/serverless-tts/dia-runpod/internal/runpod"
	"github.com/serverless-tts/dia-runpod/internal/speech"
)

// Flag descriptions.
const (
	flagTextDesc        = "Text to convert to speech"
	flagChunksDesc      = "JSON file containing text chunks to process"
	flagOutputDesc      = "Output file path (.wav), or directory for --chunks"
	flagStreamDesc      = "Write audio fragments to the output file as they arrive"
	flagSeedDesc        = "Sampling seed for reproducible takes"
	flagTemperatureDesc = "Sampling temperature (0 uses the configured default)"
	flagTopPDesc        = "Nucleus sampling cutoff (0 uses the configured default)"
	flagAudioPromptDesc = "WAV file with reference audio for voice cloning"
	flagTimeoutDesc     = "Job timeout in seconds (0 uses the configured default)"
	flagHealthDesc      = "Check endpoint health and exit"
	flagCancelDesc      = "Cancel the given job ID and exit"
	flagPurgeDesc       = "Purge all queued jobs and exit"
	flagConfigDesc      = "Path to project.toml (defaults to searching up directory tree)"
	flagVerboseDesc     = "Enable verbose logging"
)

// Flag names.
const (
	flagText        = "text"
	flagChunks      = "chunks"
	flagOutput      = "output"
	flagStream      = "stream"
	flagSeed        = "seed"
	flagTemperature = "temperature"
	flagTopP        = "top-p"
	flagAudioPrompt = "audio-prompt"
	flagTimeout     = "timeout"
	flagHealth      = "health"
	flagCancel      = "cancel"
	flagPurge       = "purge"
	flagConfig      = "config"
	flagVerbose     = "verbose"
)

// File names and permissions.
const (
	logFileNameDefault = "dia.log"
	logFileNameVerbose = "dia-verbose.log"
	defaultOutputFile  = "output.wav"
	filePermissions    = 0o600
	dirPermissions     = 0o750
)

// fallbackSampleRate covers stream fragments that arrive before the endpoint
// reports a rate.
const fallbackSampleRate = 44100

const streamChannels = 1

// Flag selection errors.
var (
	errEitherTextOrChunks = errors.New("either --text or --chunks must be provided")
	errCannotSpecifyBoth  = errors.New("cannot specify both --text and --chunks")
	errStreamNeedsText    = errors.New("--stream applies to --text, not --chunks")
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	text        string
	chunks      string
	output      string
	audioPrompt string
	cancelJobID string
	configPath  string
	temperature float64
	topP        float64
	seed        int64
	timeout     int
	seedSet     bool
	stream      bool
	health      bool
	purge       bool
	verbose     bool
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main application entry point, returning an error on failure.
func run() error {
	flags := parseFlags()

	cfg, log, setupErr := setup(flags)
	if setupErr != nil {
		return setupErr
	}

	defer func() {
		_ = log.Close()
	}()

	if flags.timeout > 0 {
		cfg.Generation.JobTimeoutSeconds = flags.timeout
	}

	validateErr := cfg.ValidateClient()
	if validateErr != nil {
		return fmt.Errorf("configuration is not usable: %w", validateErr)
	}

	ctx, stop := signalContext()
	defer stop()

	client := runpod.NewClient(
		cfg.API.InferenceURL,
		cfg.EndpointID,
		cfg.APIKey,
		cfg.RequestTimeout(),
		log,
	)

	switch {
	case flags.health:
		return handleHealth(ctx, client)
	case flags.cancelJobID != "":
		return handleCancel(ctx, client, flags.cancelJobID)
	case flags.purge:
		return handlePurge(ctx, client)
	}

	return handleGeneration(ctx, client, cfg, log, flags)
}

// parseFlags defines and parses command-line flags, returning them in a
// struct. A seed of zero is meaningful, so seed presence is tracked
// separately.
func parseFlags() appFlags {
	var flags appFlags

	flag.StringVar(&flags.text, flagText, "", flagTextDesc)
	flag.StringVar(&flags.chunks, flagChunks, "", flagChunksDesc)
	flag.StringVar(&flags.output, flagOutput, "", flagOutputDesc)
	flag.BoolVar(&flags.stream, flagStream, false, flagStreamDesc)
	flag.Int64Var(&flags.seed, flagSeed, 0, flagSeedDesc)
	flag.Float64Var(&flags.temperature, flagTemperature, 0, flagTemperatureDesc)
	flag.Float64Var(&flags.topP, flagTopP, 0, flagTopPDesc)
	flag.StringVar(&flags.audioPrompt, flagAudioPrompt, "", flagAudioPromptDesc)
	flag.IntVar(&flags.timeout, flagTimeout, 0, flagTimeoutDesc)
	flag.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)
	flag.StringVar(&flags.cancelJobID, flagCancel, "", flagCancelDesc)
	flag.BoolVar(&flags.purge, flagPurge, false, flagPurgeDesc)
	flag.StringVar(&flags.configPath, flagConfig, "", flagConfigDesc)
	flag.BoolVar(&flags.verbose, flagVerbose, false, flagVerboseDesc)
	flag.Parse()

	flag.Visit(func(f *flag.Flag) {
		if f.Name == flagSeed {
			flags.seedSet = true
		}
	})

	return flags
}

// setup loads the configuration and initializes the logger. An explicit
// --config path is honored by entering its directory before the upward
// project.toml search runs.
func setup(flags appFlags) (*config.Config, *logger.Logger, error) {
	if flags.configPath != "" {
		chdirErr := os.Chdir(filepath.Dir(flags.configPath))
		if chdirErr != nil {
			return nil, nil, fmt.Errorf(
				"failed to enter config directory: %w",
				chdirErr,
			)
		}
	}

	bootstrapLog, bootstrapErr := logger.New(os.TempDir(), "dia-bootstrap.log")
	if bootstrapErr != nil {
		return nil, nil, fmt.Errorf(
			"failed to create bootstrap logger: %w",
			bootstrapErr,
		)
	}

	cfg, loadErr := config.Load(bootstrapLog)
	if loadErr != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", loadErr)
	}

	logFileName := logFileNameDefault
	if flags.verbose {
		logFileName = logFileNameVerbose
	}

	log, logErr := logger.New(cfg.Paths.BaseLogsDir, logFileName)
	if logErr != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", logErr)
	}

	return cfg, log, nil
}

// signalContext returns a context cancelled by SIGINT or SIGTERM, so an
// interrupted run abandons its job locally instead of hanging.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}

		signal.Stop(signals)
	}()

	return ctx, cancel
}

// handleHealth prints the endpoint's queue and worker counts.
func handleHealth(ctx context.Context, client *runpod.Client) error {
	health, healthErr := client.Health(ctx)
	if healthErr != nil {
		return fmt.Errorf("health check failed: %w", healthErr)
	}

	fmt.Printf(
		"Jobs: %d queued, %d running, %d completed, %d failed, %d cancelled\n",
		health.Jobs.InQueue,
		health.Jobs.InProgress,
		health.Jobs.Completed,
		health.Jobs.Failed,
		health.Jobs.Cancelled,
	)
	fmt.Printf(
		"Workers: %d idle, %d running\n",
		health.Workers.Idle,
		health.Workers.Running,
	)

	return nil
}

// handleCancel asks the endpoint to stop one job.
func handleCancel(ctx context.Context, client *runpod.Client, jobID string) error {
	acked, cancelErr := client.Cancel(ctx, jobID)
	if cancelErr != nil {
		return fmt.Errorf("failed to cancel job %s: %w", jobID, cancelErr)
	}

	if acked {
		fmt.Printf("Cancelled job %s\n", jobID)
	} else {
		fmt.Printf("Job %s had already finished\n", jobID)
	}

	return nil
}

// handlePurge drops every job still waiting in the endpoint queue.
func handlePurge(ctx context.Context, client *runpod.Client) error {
	result, purgeErr := client.PurgeQueue(ctx)
	if purgeErr != nil {
		return fmt.Errorf("failed to purge queue: %w", purgeErr)
	}

	fmt.Printf("Purged %d queued job(s)\n", result.Removed)

	return nil
}

// handleGeneration validates the flag selection and dispatches to the right
// generation mode.
func handleGeneration(
	ctx context.Context,
	client *runpod.Client,
	cfg *config.Config,
	log *logger.Logger,
	flags appFlags,
) error {
	selectionErr := validateSelection(flags)
	if selectionErr != nil {
		if errors.Is(selectionErr, errEitherTextOrChunks) {
			flag.Usage()
		}

		return selectionErr
	}

	service := speech.NewService(client, cfg, log)

	if flags.chunks != "" {
		return processChunks(ctx, service, cfg, log, flags)
	}

	request, requestErr := buildRequest(flags)
	if requestErr != nil {
		return requestErr
	}

	if flags.stream {
		return streamText(ctx, service, cfg, log, request, flags.output)
	}

	return processText(ctx, service, cfg, log, request, flags.output)
}

// validateSelection checks the generation flag combination.
func validateSelection(flags appFlags) error {
	if flags.text == "" && flags.chunks == "" {
		return errEitherTextOrChunks
	}

	if flags.text != "" && flags.chunks != "" {
		return errCannotSpecifyBoth
	}

	if flags.chunks != "" && flags.stream {
		return errStreamNeedsText
	}

	return nil
}

// buildRequest assembles the generation request from the flags, loading the
// reference audio when one was named.
func buildRequest(flags appFlags) (speech.Request, error) {
	request := speech.Request{
		Text:        flags.text,
		Temperature: flags.temperature,
		TopP:        flags.topP,
		Seed:        nil,
		PromptWAV:   nil,
	}

	if flags.seedSet {
		seed := flags.seed
		request.Seed = &seed
	}

	if flags.audioPrompt != "" {
		prompt, readErr := os.ReadFile(flags.audioPrompt)
		if readErr != nil {
			return speech.Request{}, fmt.Errorf(
				"failed to read audio prompt: %w",
				readErr,
			)
		}

		request.PromptWAV = prompt
	}

	return request, nil
}

// resolveOutputFile picks the output path and makes sure its directory
// exists.
func resolveOutputFile(cfg *config.Config, outputFlag string) (string, error) {
	outputPath := outputFlag
	if outputPath == "" {
		outputPath = filepath.Join(cfg.Paths.OutputDir, defaultOutputFile)
	}

	dirErr := os.MkdirAll(filepath.Dir(outputPath), dirPermissions)
	if dirErr != nil {
		return "", fmt.Errorf("failed to create output directory: %w", dirErr)
	}

	return outputPath, nil
}

// processText runs one blocking generation and writes the finished WAV.
func processText(
	ctx context.Context,
	service *speech.Service,
	cfg *config.Config,
	log *logger.Logger,
	request speech.Request,
	outputFlag string,
) error {
	outputPath, pathErr := resolveOutputFile(cfg, outputFlag)
	if pathErr != nil {
		return pathErr
	}

	log.Info("Processing text to: %s", outputPath)

	result, genErr := service.Generate(ctx, request)
	if genErr != nil {
		log.Error("Failed to process text: %v", genErr)

		return fmt.Errorf("failed to process text: %w", genErr)
	}

	writeErr := os.WriteFile(outputPath, result.WAV, filePermissions)
	if writeErr != nil {
		return fmt.Errorf("failed to write audio file: %w", writeErr)
	}

	log.Info("Generated %s (job %s)", outputPath, result.JobID)
	fmt.Printf(
		"Generated: %s (job %s, %.1fs of audio)\n",
		outputPath,
		result.JobID,
		result.DurationSeconds,
	)

	return nil
}

// streamText runs one streaming generation, appending each fragment to the
// output file as it arrives. When the stream dies midway the fragments
// already written stay on disk as a playable prefix.
func streamText(
	ctx context.Context,
	service *speech.Service,
	cfg *config.Config,
	log *logger.Logger,
	request speech.Request,
	outputFlag string,
) error {
	outputPath, pathErr := resolveOutputFile(cfg, outputFlag)
	if pathErr != nil {
		return pathErr
	}

	stream, job, startErr := service.GenerateStream(ctx, request)
	if startErr != nil {
		return fmt.Errorf("failed to start streaming: %w", startErr)
	}

	log.Info("Streaming job %s to: %s", job.ID, outputPath)

	file, createErr := os.Create(outputPath)
	if createErr != nil {
		return fmt.Errorf("failed to create output file: %w", createErr)
	}

	defer func() {
		_ = file.Close()
	}()

	sink, sampleRate, sinkErr := drainStream(stream, file)

	_, waitErr := stream.Wait()
	if waitErr == nil {
		waitErr = sinkErr
	}

	if waitErr != nil {
		log.Error("Streaming job %s failed: %v", job.ID, waitErr)

		if sink == nil || sink.BytesWritten() == 0 {
			_ = os.Remove(outputPath)

			return fmt.Errorf("streaming failed: %w", waitErr)
		}

		fmt.Printf(
			"Stream ended early; partial audio kept at %s\n",
			outputPath,
		)

		return fmt.Errorf("streaming failed: %w", waitErr)
	}

	seconds := 0.0
	if sink != nil && sampleRate > 0 {
		bytesPerSecond := audio.BytesPerSample * streamChannels * sampleRate
		seconds = float64(sink.BytesWritten()) / float64(bytesPerSecond)
	}

	log.Info("Streamed %s (job %s)", outputPath, job.ID)
	fmt.Printf(
		"Generated: %s (job %s, %.1fs of audio, streamed)\n",
		outputPath,
		job.ID,
		seconds,
	)

	return nil
}

// drainStream copies stream fragments into a WAV sink created lazily on the
// first audio-bearing fragment. The sink is always closed, so whatever was
// written has a consistent header. On a local write failure the remaining
// fragments are still consumed, keeping the producer free to finish.
func drainStream(
	stream *runpod.Stream,
	file *os.File,
) (*audio.Writer, int, error) {
	var (
		sink       *audio.Writer
		sampleRate int
	)

	for chunk := range stream.Chunks() {
		if chunk.Err != nil || chunk.Done {
			break
		}

		if len(chunk.Audio) == 0 {
			continue
		}

		if sink == nil {
			sampleRate = chunk.SampleRate
			if sampleRate <= 0 {
				sampleRate = fallbackSampleRate
			}

			writer, writerErr := audio.NewWriter(
				file, sampleRate, streamChannels,
			)
			if writerErr != nil {
				discardRemaining(stream)

				return nil, 0, writerErr
			}

			sink = writer
		}

		writeErr := sink.Write(chunk.Audio)
		if writeErr != nil {
			_ = sink.Close()

			discardRemaining(stream)

			return sink, sampleRate, writeErr
		}
	}

	if sink != nil {
		closeErr := sink.Close()
		if closeErr != nil {
			return sink, sampleRate, closeErr
		}
	}

	return sink, sampleRate, nil
}

// discardRemaining consumes the rest of the chunk channel so the poll loop
// never blocks on a consumer that stopped writing.
func discardRemaining(stream *runpod.Stream) {
	for range stream.Chunks() {
	}
}

// processChunks synthesizes a JSON file of text chunks into numbered WAVs.
func processChunks(
	ctx context.Context,
	service *speech.Service,
	cfg *config.Config,
	log *logger.Logger,
	flags appFlags,
) error {
	chunks, loadErr := speech.LoadChunks(flags.chunks)
	if loadErr != nil {
		return loadErr
	}

	outputDir := flags.output
	if outputDir == "" {
		outputDir = cfg.Paths.OutputDir
	}

	log.Info("Processing %d chunks from: %s", len(chunks), flags.chunks)
	log.Info("Output directory: %s", outputDir)

	batchErr := service.GenerateBatch(ctx, chunks, outputDir)
	if batchErr != nil {
		log.Error("Failed to process chunks: %v", batchErr)

		return fmt.Errorf("failed to process chunks: %w", batchErr)
	}

	log.Info("Successfully processed all chunks")
	fmt.Printf("Generated audio files in: %s\n", outputDir)

	return nil
}
