// Package emulator is a local stand-in for the serverless inference
// platform. It serves the same HTTP surface the hosted endpoint does,
// backed by a NATS work queue, a key-value job ledger, and an object
// store for audio, so the client stack can be exercised end to end
// without a GPU deployment.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/book-expert/logger"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/serverless-tts/dia-runpod/internal/config"
	"github.com/serverless-tts/dia-runpod/internal/core"
	"github.com/serverless-tts/dia-runpod/internal/objectstore"
	"github.com/serverless-tts/dia-runpod/internal/worker"
)

const (
	natsReadyTimeout  = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// ErrNATSNotReady reports that the embedded queue server never came up.
var ErrNATSNotReady = errors.New("embedded NATS server did not become ready")

// Emulator assembles the queue, the runners, and the HTTP surface into one
// process. When no external NATS URL is configured it embeds its own
// JetStream-enabled server.
type Emulator struct {
	cfg            *config.Config
	log            *logger.Logger
	natsServer     *natsserver.Server
	natsStoreDir   string
	natsConnection *nats.Conn
	runners        []*Runner
	httpServer     *http.Server
	listener       net.Listener
	stopRunners    context.CancelFunc
	waitGroup      sync.WaitGroup
}

// New wires the emulator together. Nothing listens until Start.
func New(
	cfg *config.Config,
	synthesizer core.Synthesizer,
	log *logger.Logger,
) (*Emulator, error) {
	emu := &Emulator{
		cfg:            cfg,
		log:            log,
		natsServer:     nil,
		natsStoreDir:   "",
		natsConnection: nil,
		runners:        nil,
		httpServer:     nil,
		listener:       nil,
		stopRunners:    nil,
		waitGroup:      sync.WaitGroup{},
	}

	jetstreamContext, setupErr := emu.connectQueue()
	if setupErr != nil {
		return nil, setupErr
	}

	buildErr := emu.buildComponents(jetstreamContext, synthesizer)
	if buildErr != nil {
		emu.closeQueue()

		return nil, buildErr
	}

	return emu, nil
}

// connectQueue connects to the configured NATS server, embedding one when
// no URL is set, and ensures the job stream exists.
func (e *Emulator) connectQueue() (nats.JetStreamContext, error) {
	natsURL := e.cfg.Emulator.NATSURL
	if natsURL == "" {
		embedErr := e.startEmbeddedNATS()
		if embedErr != nil {
			return nil, embedErr
		}

		natsURL = e.natsServer.ClientURL()
	}

	connection, connectErr := nats.Connect(natsURL)
	if connectErr != nil {
		return nil, fmt.Errorf(
			"failed to connect to NATS at %s: %w",
			natsURL,
			connectErr,
		)
	}

	e.natsConnection = connection

	jetstreamContext, jetstreamErr := connection.JetStream()
	if jetstreamErr != nil {
		return nil, fmt.Errorf(
			"failed to get JetStream context: %w",
			jetstreamErr,
		)
	}

	streamErr := e.ensureJobStream(jetstreamContext)
	if streamErr != nil {
		return nil, streamErr
	}

	return jetstreamContext, nil
}

func (e *Emulator) startEmbeddedNATS() error {
	storeDir, tempErr := os.MkdirTemp("", "dia-emulator-jetstream-")
	if tempErr != nil {
		return fmt.Errorf(
			"failed to create JetStream store directory: %w",
			tempErr,
		)
	}

	options := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  storeDir,
		NoLog:     true,
		NoSigs:    true,
	}

	embedded, serverErr := natsserver.NewServer(options)
	if serverErr != nil {
		return fmt.Errorf("failed to create embedded NATS server: %w", serverErr)
	}

	go embedded.Start()

	if !embedded.ReadyForConnections(natsReadyTimeout) {
		return ErrNATSNotReady
	}

	e.natsServer = embedded
	e.natsStoreDir = storeDir
	e.log.Info("Embedded NATS server listening at %s", embedded.ClientURL())

	return nil
}

// ensureJobStream creates the work-queue stream jobs flow through. An
// existing stream from a previous run is reused.
func (e *Emulator) ensureJobStream(jetstreamContext nats.JetStreamContext) error {
	_, addErr := jetstreamContext.AddStream(&nats.StreamConfig{
		Name:      e.cfg.Emulator.JobStream,
		Subjects:  []string{e.cfg.Emulator.JobSubject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
		Replicas:  1,
	})
	if addErr != nil && !errors.Is(addErr, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf(
			"failed to create job stream '%s': %w",
			e.cfg.Emulator.JobStream,
			addErr,
		)
	}

	return nil
}

func (e *Emulator) buildComponents(
	jetstreamContext nats.JetStreamContext,
	synthesizer core.Synthesizer,
) error {
	store, storeErr := objectstore.New(
		jetstreamContext,
		e.cfg.Emulator.AudioBucket,
	)
	if storeErr != nil {
		return fmt.Errorf("failed to create audio store: %w", storeErr)
	}

	jobs, jobsErr := objectstore.NewJobStore(
		jetstreamContext,
		e.cfg.Emulator.StateBucket,
	)
	if jobsErr != nil {
		return fmt.Errorf("failed to create job store: %w", jobsErr)
	}

	handler := worker.NewHandler(synthesizer, worker.Defaults{
		Temperature: e.cfg.Generation.Temperature,
		TopP:        e.cfg.Generation.TopP,
	}, e.log)

	runnerCount := e.cfg.Worker.MaxConcurrentJobs
	if runnerCount < 1 {
		runnerCount = 1
	}

	runnerOptions := RunnerOptions{
		Subject:      e.cfg.Emulator.JobSubject,
		ChunkSeconds: e.cfg.Emulator.ChunkSeconds,
		ExecTimeout:  e.cfg.ExecutionTimeout(),
	}

	e.runners = make([]*Runner, 0, runnerCount)
	for i := 0; i < runnerCount; i++ {
		e.runners = append(e.runners, NewRunner(
			jetstreamContext,
			jobs,
			store,
			handler,
			runnerOptions,
			e.log,
		))
	}

	server := NewServer(jobs, store, jetstreamContext, e, ServerOptions{
		EndpointID: e.cfg.EndpointID,
		APIKey:     e.cfg.APIKey,
		Subject:    e.cfg.Emulator.JobSubject,
	}, e.log)

	e.httpServer = &http.Server{
		Addr:              e.cfg.Emulator.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return nil
}

// Start binds the listen address and begins consuming jobs. It returns
// once the emulator is serving; use Shutdown to stop it.
func (e *Emulator) Start() error {
	listener, listenErr := net.Listen("tcp", e.cfg.Emulator.ListenAddr)
	if listenErr != nil {
		return fmt.Errorf(
			"failed to listen on %s: %w",
			e.cfg.Emulator.ListenAddr,
			listenErr,
		)
	}

	e.listener = listener

	runnerCtx, cancel := context.WithCancel(context.Background())
	e.stopRunners = cancel

	for _, runner := range e.runners {
		e.waitGroup.Add(1)

		go func(activeRunner *Runner) {
			defer e.waitGroup.Done()

			runErr := activeRunner.Run(runnerCtx)
			if runErr != nil {
				e.log.Error("Runner stopped: %v", runErr)
			}
		}(runner)
	}

	go func() {
		serveErr := e.httpServer.Serve(listener)
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			e.log.Error("HTTP server stopped: %v", serveErr)
		}
	}()

	e.log.Info(
		"Emulating endpoint %s at %s",
		e.cfg.EndpointID,
		e.BaseURL(),
	)

	return nil
}

// BaseURL is the address the emulator is serving on, valid after Start.
// With a ":0" listen address this reports the port the kernel picked.
func (e *Emulator) BaseURL() string {
	if e.listener == nil {
		return ""
	}

	return "http://" + e.listener.Addr().String()
}

// Counts reports worker occupancy: one slot per runner, a slot is running
// while its runner is executing a job.
func (e *Emulator) Counts() (int, int) {
	running := 0
	for _, runner := range e.runners {
		running += int(runner.Active())
	}

	idle := len(e.runners) - running
	if idle < 0 {
		idle = 0
	}

	return idle, running
}

// Shutdown stops the HTTP server, drains the runners, and tears down the
// queue, including the embedded NATS server when one was started.
func (e *Emulator) Shutdown(ctx context.Context) error {
	var shutdownErr error

	if e.httpServer != nil {
		shutdownErr = e.httpServer.Shutdown(ctx)
	}

	if e.stopRunners != nil {
		e.stopRunners()
	}

	e.waitGroup.Wait()
	e.closeQueue()

	if shutdownErr != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", shutdownErr)
	}

	return nil
}

func (e *Emulator) closeQueue() {
	if e.natsConnection != nil {
		e.natsConnection.Close()
	}

	if e.natsServer != nil {
		e.natsServer.Shutdown()
		e.natsServer.WaitForShutdown()
	}

	if e.natsStoreDir != "" {
		removeErr := os.RemoveAll(e.natsStoreDir)
		if removeErr != nil {
			e.log.Warn(
				"Failed to remove JetStream store %s: %v",
				e.natsStoreDir,
				removeErr,
			)
		}
	}
}
