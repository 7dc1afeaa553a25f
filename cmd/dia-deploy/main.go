// Command dia-deploy provisions the serverless side of the system:
// container templates, endpoints, the GPU capability catalog, and a
// starter configuration file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/pelletier/go-toml/v2"

	"github.com/serverless-tts/dia-runpod/internal/config"
	"github.com/serverless-tts/dia-runpod/internal/deploy"
)

// Subcommand names.
const (
	cmdCreateEndpoint = "create-endpoint"
	cmdUpdateEndpoint = "update-endpoint"
	cmdDeleteEndpoint = "delete-endpoint"
	cmdCreateTemplate = "create-template"
	cmdDeleteTemplate = "delete-template"
	cmdGPUs           = "gpus"
	cmdInit           = "init"
)

// Flag names.
const (
	flagName        = "name"
	flagTemplate    = "template"
	flagID          = "id"
	flagImage       = "image"
	flagDisk        = "disk"
	flagGPUs        = "gpus"
	flagMinWorkers  = "min-workers"
	flagMaxWorkers  = "max-workers"
	flagIdleTimeout = "idle-timeout"
	flagNoFlashBoot = "no-flash-boot"
	flagVolumePath  = "volume-path"
	flagVolumeGB    = "volume-gb"
	flagHFToken     = "hf-token"
	flagOutput      = "output"
	flagForce       = "force"
)

// Flag descriptions.
const (
	flagEndpointNameDesc = "Name of the endpoint"
	flagTemplateDesc     = "Template ID the endpoint runs"
	flagEndpointIDDesc   = "Endpoint ID (defaults to RUNPOD_ENDPOINT_ID)"
	flagTemplateIDDesc   = "Template ID"
	flagTemplateNameDesc = "Name of the template"
	flagImageDesc        = "Worker container image"
	flagDiskDesc         = "Container disk size in GB"
	flagGPUsDesc         = "Comma-separated GPU types (defaults to the configured list)"
	flagMinWorkersDesc   = "Minimum active workers"
	flagMaxWorkersDesc   = "Maximum active workers"
	flagIdleTimeoutDesc  = "Worker idle timeout in seconds"
	flagNoFlashBootDesc  = "Disable flash boot"
	flagVolumePathDesc   = "Mount path for a network volume (empty for none)"
	flagVolumeGBDesc     = "Volume size in GB (with --volume-path)"
	flagHFTokenDesc      = "Hugging Face token (defaults to HUGGINGFACE_TOKEN)"
	flagInitOutputDesc   = "Where to write the starter configuration"
	flagForceDesc        = "Overwrite an existing configuration file"
)

// Defaults carried over from the deployed service.
const (
	defaultEndpointName = "Dia-1.6B-Endpoint"
	defaultTemplateName = "Dia-1.6B-TTS"
	defaultConfigFile   = "project.toml"
)

const (
	logFileName     = "dia-deploy.log"
	filePermissions = 0o600
)

// Container environment keys baked into created templates. The local token
// env (HUGGINGFACE_TOKEN) and the container secret key differ; both names
// come from the deployed service.
const (
	envHFToken   = "HUGGINGFACE_TOKEN"
	secretKeyHF  = "HUGGING_FACE_TOKEN"
	envModelID   = "MODEL_ID"
	envDtype     = "COMPUTE_DTYPE"
	envDefTemp   = "DEFAULT_TEMPERATURE"
	envDefTopP   = "DEFAULT_TOP_P"
	workerPort   = "8000"
	fallbackPort = "443"
)

// estimateTextLength sizes the per-GPU throughput column in the catalog
// listing.
const estimateTextLength = 1000

const usageText = `Usage: dia-deploy <command> [flags]

Commands:
  create-endpoint   Provision a serverless endpoint from a template
  update-endpoint   Change worker counts, idle timeout, or GPU types
  delete-endpoint   Terminate a serverless endpoint
  create-template   Provision a worker container template
  delete-template   Delete a container template
  gpus              List supported GPU types and their capability
  init              Write a starter project.toml

Run "dia-deploy <command> -h" for the flags of one command.
`

// Command selection errors.
var (
	errNoCommand          = errors.New("no command given")
	errUnknownCommand     = errors.New("unknown command")
	errTemplateRequired   = errors.New("--template is required")
	errImageRequired      = errors.New("--image is required")
	errTemplateIDRequired = errors.New("--id is required")
	errEndpointIDRequired = errors.New(
		"--id is required (or set RUNPOD_ENDPOINT_ID)",
	)
	errConfigExists = errors.New(
		"configuration file already exists (use --force to overwrite)",
	)
)

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run dispatches the subcommand. The catalog listing and the config
// scaffold work offline; everything else loads the configuration and talks
// to the management plane.
func run() error {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)

		return errNoCommand
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case cmdGPUs:
		return handleGPUs(args)
	case cmdInit:
		return handleInit(args)
	}

	cfg, log, setupErr := setup()
	if setupErr != nil {
		return setupErr
	}

	defer func() {
		_ = log.Close()
	}()

	validateErr := cfg.ValidateDeploy()
	if validateErr != nil {
		return fmt.Errorf("configuration is not usable: %w", validateErr)
	}

	ctx, stop := signalContext()
	defer stop()

	client := deploy.NewClient(
		cfg.API.ManagementURL,
		cfg.API.GraphQLURL,
		cfg.APIKey,
		cfg.RequestTimeout(),
		log,
	)

	switch command {
	case cmdCreateEndpoint:
		return handleCreateEndpoint(ctx, client, cfg, args)
	case cmdUpdateEndpoint:
		return handleUpdateEndpoint(ctx, client, cfg, args)
	case cmdDeleteEndpoint:
		return handleDeleteEndpoint(ctx, client, cfg, args)
	case cmdCreateTemplate:
		return handleCreateTemplate(ctx, client, cfg, args)
	case cmdDeleteTemplate:
		return handleDeleteTemplate(ctx, client, args)
	default:
		fmt.Fprint(os.Stderr, usageText)

		return fmt.Errorf("%w: %s", errUnknownCommand, command)
	}
}

// setup loads the configuration and initializes the logger.
func setup() (*config.Config, *logger.Logger, error) {
	bootstrapLog, bootstrapErr := logger.New(
		os.TempDir(), "dia-deploy-bootstrap.log",
	)
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

	log, logErr := logger.New(cfg.Paths.BaseLogsDir, logFileName)
	if logErr != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", logErr)
	}

	return cfg, log, nil
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
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

// handleCreateEndpoint provisions an endpoint, warning first about any
// configured GPU type the model cannot run on.
func handleCreateEndpoint(
	ctx context.Context,
	client *deploy.Client,
	cfg *config.Config,
	args []string,
) error {
	flagSet := flag.NewFlagSet(cmdCreateEndpoint, flag.ContinueOnError)
	name := flagSet.String(flagName, defaultEndpointName, flagEndpointNameDesc)
	templateID := flagSet.String(flagTemplate, "", flagTemplateDesc)
	gpuList := flagSet.String(flagGPUs, "", flagGPUsDesc)
	minWorkers := flagSet.Int(
		flagMinWorkers, cfg.Deploy.MinWorkers, flagMinWorkersDesc,
	)
	maxWorkers := flagSet.Int(
		flagMaxWorkers, cfg.Deploy.MaxWorkers, flagMaxWorkersDesc,
	)
	idleTimeout := flagSet.Int(
		flagIdleTimeout, cfg.Deploy.IdleTimeoutSeconds, flagIdleTimeoutDesc,
	)
	disk := flagSet.Int(flagDisk, cfg.Deploy.ContainerDiskGB, flagDiskDesc)
	noFlashBoot := flagSet.Bool(flagNoFlashBoot, false, flagNoFlashBootDesc)

	parseErr := flagSet.Parse(args)
	if parseErr != nil {
		return fmt.Errorf("failed to parse flags: %w", parseErr)
	}

	if *templateID == "" {
		return errTemplateRequired
	}

	gpuTypes := splitGPUList(*gpuList)
	if gpuTypes == nil {
		gpuTypes = cfg.Deploy.GPUTypes
	}

	warnUnsuitableGPUs(gpuTypes)

	endpoint, createErr := client.CreateEndpoint(ctx, deploy.EndpointSpec{
		Name:               *name,
		TemplateID:         *templateID,
		GPUTypeIDs:         gpuTypes,
		WorkersMin:         *minWorkers,
		WorkersMax:         *maxWorkers,
		IdleTimeoutSeconds: *idleTimeout,
		FlashBoot:          cfg.Deploy.FlashBoot && !*noFlashBoot,
		ContainerDiskGB:    *disk,
	})
	if createErr != nil {
		return fmt.Errorf("failed to create endpoint: %w", createErr)
	}

	fmt.Printf("Endpoint ID: %s\n", endpoint.ID)
	fmt.Printf("Endpoint Name: %s\n", endpoint.Name)
	fmt.Printf("Template ID: %s\n", endpoint.TemplateID)
	fmt.Printf("Workers: %d-%d\n", endpoint.WorkersMin, endpoint.WorkersMax)
	fmt.Printf("Idle Timeout: %d seconds\n", endpoint.IdleTimeout)
	fmt.Printf("Flash Boot: %t\n", endpoint.FlashBoot)
	fmt.Printf("GPU Types: %s\n", strings.Join(endpoint.GPUTypeIDs, ", "))
	fmt.Println("\nSet RUNPOD_ENDPOINT_ID to this endpoint ID for the dia client.")

	return nil
}

// handleUpdateEndpoint applies only the flags that were set, leaving the
// other endpoint fields untouched.
func handleUpdateEndpoint(
	ctx context.Context,
	client *deploy.Client,
	cfg *config.Config,
	args []string,
) error {
	flagSet := flag.NewFlagSet(cmdUpdateEndpoint, flag.ContinueOnError)
	endpointID := flagSet.String(flagID, cfg.EndpointID, flagEndpointIDDesc)
	minWorkers := flagSet.Int(flagMinWorkers, 0, flagMinWorkersDesc)
	maxWorkers := flagSet.Int(flagMaxWorkers, 0, flagMaxWorkersDesc)
	idleTimeout := flagSet.Int(flagIdleTimeout, 0, flagIdleTimeoutDesc)
	gpuList := flagSet.String(flagGPUs, "", flagGPUsDesc)

	parseErr := flagSet.Parse(args)
	if parseErr != nil {
		return fmt.Errorf("failed to parse flags: %w", parseErr)
	}

	if *endpointID == "" {
		return errEndpointIDRequired
	}

	update := deploy.EndpointUpdate{
		MinWorkers:  nil,
		MaxWorkers:  nil,
		IdleTimeout: nil,
		GPUIDs:      splitGPUList(*gpuList),
	}

	flagSet.Visit(func(f *flag.Flag) {
		switch f.Name {
		case flagMinWorkers:
			update.MinWorkers = minWorkers
		case flagMaxWorkers:
			update.MaxWorkers = maxWorkers
		case flagIdleTimeout:
			update.IdleTimeout = idleTimeout
		}
	})

	if update.GPUIDs != nil {
		warnUnsuitableGPUs(update.GPUIDs)
	}

	status, updateErr := client.UpdateEndpoint(ctx, *endpointID, update)
	if updateErr != nil {
		return fmt.Errorf("failed to update endpoint: %w", updateErr)
	}

	fmt.Printf("Endpoint %s updated\n", status.ID)
	fmt.Printf(
		"Workers: %d-%d (%d running, %d waiting)\n",
		status.MinWorkers,
		status.MaxWorkers,
		status.WorkersRunning,
		status.WorkersWaiting,
	)
	fmt.Printf("Idle Timeout: %d seconds\n", status.IdleTimeout)
	fmt.Printf(
		"Requests: %d handled, %d errors, %.0f ms average\n",
		status.RequestsHandled,
		status.RequestsErrors,
		status.AverageResponseTime,
	)

	return nil
}

// handleDeleteEndpoint terminates an endpoint.
func handleDeleteEndpoint(
	ctx context.Context,
	client *deploy.Client,
	cfg *config.Config,
	args []string,
) error {
	flagSet := flag.NewFlagSet(cmdDeleteEndpoint, flag.ContinueOnError)
	endpointID := flagSet.String(flagID, cfg.EndpointID, flagEndpointIDDesc)

	parseErr := flagSet.Parse(args)
	if parseErr != nil {
		return fmt.Errorf("failed to parse flags: %w", parseErr)
	}

	if *endpointID == "" {
		return errEndpointIDRequired
	}

	deleteErr := client.DeleteEndpoint(ctx, *endpointID)
	if deleteErr != nil {
		return fmt.Errorf("failed to delete endpoint: %w", deleteErr)
	}

	fmt.Printf("Terminated endpoint %s\n", *endpointID)

	return nil
}

// handleCreateTemplate provisions the worker container template: model and
// sampling defaults as environment entries, the Hugging Face token as a
// masked secret, and the worker port mappings.
func handleCreateTemplate(
	ctx context.Context,
	client *deploy.Client,
	cfg *config.Config,
	args []string,
) error {
	flagSet := flag.NewFlagSet(cmdCreateTemplate, flag.ContinueOnError)
	name := flagSet.String(flagName, defaultTemplateName, flagTemplateNameDesc)
	image := flagSet.String(flagImage, "", flagImageDesc)
	disk := flagSet.Int(flagDisk, cfg.Deploy.ContainerDiskGB, flagDiskDesc)
	volumePath := flagSet.String(flagVolumePath, "", flagVolumePathDesc)
	volumeGB := flagSet.Int(flagVolumeGB, 0, flagVolumeGBDesc)
	hfToken := flagSet.String(flagHFToken, "", flagHFTokenDesc)

	parseErr := flagSet.Parse(args)
	if parseErr != nil {
		return fmt.Errorf("failed to parse flags: %w", parseErr)
	}

	if *image == "" {
		return errImageRequired
	}

	token := *hfToken
	if token == "" {
		token = os.Getenv(envHFToken)
	}

	secrets := map[string]string{}
	if token != "" {
		secrets[secretKeyHF] = token
	} else {
		fmt.Println(
			"Warning: no Hugging Face token provided; model downloads may fail.",
		)
	}

	template, createErr := client.CreateTemplate(ctx, deploy.TemplateSpec{
		Name:            *name,
		ImageName:       *image,
		ContainerDiskGB: *disk,
		Env: map[string]string{
			envModelID: cfg.Worker.ModelID,
			envDtype:   cfg.Worker.ComputeDtype,
			envDefTemp: fmt.Sprintf("%g", cfg.Generation.Temperature),
			envDefTopP: fmt.Sprintf("%g", cfg.Generation.TopP),
		},
		Secrets: secrets,
		Ports: []deploy.PortMapping{
			{Published: workerPort, Target: workerPort, Protocol: "tcp"},
			{Published: fallbackPort, Target: workerPort, Protocol: "tcp"},
		},
		VolumeMountPath: *volumePath,
		VolumeGB:        *volumeGB,
		Readme:          templateReadme(*name, cfg.Worker.ModelID),
	})
	if createErr != nil {
		return fmt.Errorf("failed to create template: %w", createErr)
	}

	fmt.Printf("Template ID: %s\n", template.ID)
	fmt.Printf("Template Name: %s\n", template.Name)
	fmt.Printf("Container Image: %s\n", template.ImageName)
	fmt.Printf("Container Disk Size: %d GB\n", template.ContainerDiskSize)

	if template.VolumeMountPath != "" {
		fmt.Printf("Volume Mount Path: %s\n", template.VolumeMountPath)
		fmt.Printf("Volume Size: %d GB\n", template.VolumeInGB)
	}

	fmt.Println("\nUse this template ID with create-endpoint.")

	return nil
}

// templateReadme is the documentation attached to a created template.
func templateReadme(name, modelID string) string {
	return fmt.Sprintf(
		"# %s\n\n"+
			"Serverless text-to-speech worker running the %s model.\n\n"+
			"## Secrets\n\n"+
			"- %s: token used to download the model weights.\n\n"+
			"## Configuration\n\n"+
			"Sampling defaults are baked into the template environment and can\n"+
			"be overridden per request through the job input.\n",
		name,
		modelID,
		secretKeyHF,
	)
}

// handleDeleteTemplate removes a container template.
func handleDeleteTemplate(
	ctx context.Context,
	client *deploy.Client,
	args []string,
) error {
	flagSet := flag.NewFlagSet(cmdDeleteTemplate, flag.ContinueOnError)
	templateID := flagSet.String(flagID, "", flagTemplateIDDesc)

	parseErr := flagSet.Parse(args)
	if parseErr != nil {
		return fmt.Errorf("failed to parse flags: %w", parseErr)
	}

	if *templateID == "" {
		return errTemplateIDRequired
	}

	deleteErr := client.DeleteTemplate(ctx, *templateID)
	if deleteErr != nil {
		return fmt.Errorf("failed to delete template: %w", deleteErr)
	}

	fmt.Printf("Deleted template %s\n", *templateID)

	return nil
}

// handleGPUs prints the capability catalog.
func handleGPUs(args []string) error {
	flagSet := flag.NewFlagSet(cmdGPUs, flag.ContinueOnError)

	parseErr := flagSet.Parse(args)
	if parseErr != nil {
		return fmt.Errorf("failed to parse flags: %w", parseErr)
	}

	fmt.Printf(
		"%-18s %7s %9s %9s %12s  %s\n",
		"GPU TYPE", "VRAM", "SPEED", "COST", "PER 1K CHARS", "FIT",
	)

	for _, gpu := range deploy.Catalog() {
		seconds := deploy.EstimateProcessingSeconds(estimateTextLength, gpu)

		fmt.Printf(
			"%-18s %4d GB %3d tok/s $%.3f/hr %11.1fs  %s\n",
			gpu.Name,
			gpu.VRAMGB,
			gpu.TokensPerSecond,
			gpu.CostPerHour,
			seconds,
			fitLabel(gpu),
		)
	}

	return nil
}

func fitLabel(gpu deploy.GPUInfo) string {
	switch {
	case gpu.Recommended():
		return "recommended"
	case gpu.Suitable():
		return "suitable"
	default:
		return "too little VRAM"
	}
}

// handleInit writes a starter configuration with the compiled-in defaults,
// ready to edit.
func handleInit(args []string) error {
	flagSet := flag.NewFlagSet(cmdInit, flag.ContinueOnError)
	output := flagSet.String(flagOutput, defaultConfigFile, flagInitOutputDesc)
	force := flagSet.Bool(flagForce, false, flagForceDesc)

	parseErr := flagSet.Parse(args)
	if parseErr != nil {
		return fmt.Errorf("failed to parse flags: %w", parseErr)
	}

	if !*force {
		_, statErr := os.Stat(*output)
		if statErr == nil {
			return fmt.Errorf("%w: %s", errConfigExists, *output)
		}
	}

	data, marshalErr := toml.Marshal(config.Default())
	if marshalErr != nil {
		return fmt.Errorf("failed to encode configuration: %w", marshalErr)
	}

	writeErr := os.WriteFile(*output, data, filePermissions)
	if writeErr != nil {
		return fmt.Errorf("failed to write %s: %w", *output, writeErr)
	}

	fmt.Printf("Wrote starter configuration to %s\n", *output)
	fmt.Println(
		"Set RUNPOD_API_KEY and RUNPOD_ENDPOINT_ID in the environment; they are never read from the file.",
	)

	return nil
}

// splitGPUList parses a comma-separated GPU type list. An empty value means
// the caller should fall back to the configured list.
func splitGPUList(value string) []string {
	if value == "" {
		return nil
	}

	parts := strings.Split(value, ",")
	gpuTypes := make([]string, 0, len(parts))

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			gpuTypes = append(gpuTypes, trimmed)
		}
	}

	return gpuTypes
}

// warnUnsuitableGPUs flags GPU types the model cannot run on before they are
// sent to the platform. Unknown types are called out but not rejected, since
// the catalog lags behind the platform's inventory.
func warnUnsuitableGPUs(gpuTypes []string) {
	for _, name := range gpuTypes {
		gpu, known := deploy.Info(name)
		if !known {
			fmt.Printf(
				"Warning: GPU type %q is not in the capability catalog\n",
				name,
			)

			continue
		}

		if !gpu.Suitable() {
			fmt.Printf(
				"Warning: %s has %d GB VRAM, below the %d GB the model needs\n",
				gpu.Name,
				gpu.VRAMGB,
				deploy.MinVRAMGB,
			)
		}
	}
}
