// Package cachedir resolves the writable cache base for model weights and
// framework caches on serverless workers, where the mounted volume path
// varies between deployments and may be absent entirely.
package cachedir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/book-expert/logger"
	"github.com/google/uuid"
)

// Environment variable names.
const (
	envCacheDir          = "CACHE_DIR"
	envHFHome            = "HF_HOME"
	envTransformersCache = "TRANSFORMERS_CACHE"
	envTorchHome         = "TORCH_HOME"
)

// Directory layout constants.
const (
	appName        = "dia-runpod"
	dotCache       = ".cache"
	tmpDir         = "/tmp"
	weightsDirName = "hf_cache"
	runtimeDirName = "torch_cache"

	defaultDirPermissions = 0o750
	probePrefix           = ".writable-"
)

// Error format constants.
const (
	errFmtStatCandidate = "stat %s: %w"
	errFmtCreateBase    = "create %s: %w"
	errFmtNamespace     = "create cache namespace %s: %w"
)

// ErrNotADirectory is returned when a cache candidate exists but is a file.
var ErrNotADirectory = errors.New("cache candidate is not a directory")

// DefaultCandidates are the volume mount points probed in priority order.
var DefaultCandidates = []string{"/runpod-volume", "/data"}

// Config is the resolved cache layout, produced once per process and handed
// to whatever initializes the model-execution layer.
type Config struct {
	Base       string
	WeightsDir string
	RuntimeDir string
	FellBack   bool
}

// Export publishes the resolved namespaces through the environment variables
// the model runtime reads: HF_HOME and TRANSFORMERS_CACHE point at the
// weights namespace, TORCH_HOME at the framework namespace.
func (c *Config) Export() error {
	for name, value := range map[string]string{
		envHFHome:            c.WeightsDir,
		envTransformersCache: c.WeightsDir,
		envTorchHome:         c.RuntimeDir,
	} {
		setErr := os.Setenv(name, value)
		if setErr != nil {
			return fmt.Errorf("set %s: %w", name, setErr)
		}
	}

	return nil
}

// Resolve picks the first candidate that exists and proves writable, creates
// the two cache namespaces under it, and returns the layout. When every
// candidate is rejected it falls back to a local per-user path. Resolve never
// fails; a worker without a network volume still runs, it just re-downloads
// weights on cold start.
//
// A CACHE_DIR environment override is tried before the candidates and is
// created if missing, since it expresses explicit operator intent.
func Resolve(candidates []string, log *logger.Logger) *Config {
	if override := os.Getenv(envCacheDir); override != "" {
		cfg, overrideErr := tryBase(override, true)
		if overrideErr == nil {
			log.Info("Cache base resolved to %s (CACHE_DIR override)", cfg.Base)

			return cfg
		}

		log.Warn("CACHE_DIR override %s rejected: %v", override, overrideErr)
	}

	for _, base := range candidates {
		cfg, candidateErr := tryBase(base, false)
		if candidateErr != nil {
			log.Info("Cache candidate %s rejected: %v", base, candidateErr)

			continue
		}

		log.Info("Cache base resolved to %s", cfg.Base)

		return cfg
	}

	cfg := fallbackConfig(log)
	cfg.FellBack = true
	log.Warn(
		"No writable cache volume found, falling back to %s; model weights will not persist across workers",
		cfg.Base,
	)

	return cfg
}

// tryBase validates one candidate and lays out the namespaces beneath it.
func tryBase(base string, create bool) (*Config, error) {
	if create {
		mkErr := os.MkdirAll(base, defaultDirPermissions)
		if mkErr != nil {
			return nil, fmt.Errorf(errFmtCreateBase, base, mkErr)
		}
	} else {
		info, statErr := os.Stat(base)
		if statErr != nil {
			return nil, fmt.Errorf(errFmtStatCandidate, base, statErr)
		}

		if !info.IsDir() {
			return nil, fmt.Errorf("%w: %s", ErrNotADirectory, base)
		}
	}

	probeErr := probeWritable(base)
	if probeErr != nil {
		return nil, probeErr
	}

	cfg := &Config{
		Base:       base,
		WeightsDir: filepath.Join(base, weightsDirName),
		RuntimeDir: filepath.Join(base, runtimeDirName),
		FellBack:   false,
	}

	namespaceErr := createNamespaces(cfg)
	if namespaceErr != nil {
		return nil, namespaceErr
	}

	return cfg, nil
}

// probeWritable proves a directory is writable by creating and removing a
// uniquely named marker file. A bare permission-bit check lies on read-only
// volume mounts; an actual write does not.
func probeWritable(dir string) error {
	marker := filepath.Join(dir, probePrefix+uuid.NewString())

	file, createErr := os.Create(marker)
	if createErr != nil {
		return fmt.Errorf("probe %s: %w", dir, createErr)
	}

	closeErr := file.Close()

	removeErr := os.Remove(marker)
	if closeErr != nil {
		return fmt.Errorf("close probe in %s: %w", dir, closeErr)
	}

	if removeErr != nil {
		return fmt.Errorf("remove probe in %s: %w", dir, removeErr)
	}

	return nil
}

func createNamespaces(cfg *Config) error {
	for _, dir := range []string{cfg.WeightsDir, cfg.RuntimeDir} {
		mkErr := os.MkdirAll(dir, defaultDirPermissions)
		if mkErr != nil {
			return fmt.Errorf(errFmtNamespace, dir, mkErr)
		}
	}

	return nil
}

// fallbackConfig builds the local layout used when no volume is available:
// ~/.cache/dia-runpod, or a /tmp path when the home directory is unknown.
func fallbackConfig(log *logger.Logger) *Config {
	base := filepath.Join(tmpDir, appName, "cache")

	homeDir, homeErr := os.UserHomeDir()
	if homeErr == nil {
		base = filepath.Join(homeDir, dotCache, appName)
	}

	cfg := &Config{
		Base:       base,
		WeightsDir: filepath.Join(base, weightsDirName),
		RuntimeDir: filepath.Join(base, runtimeDirName),
		FellBack:   false,
	}

	namespaceErr := createNamespaces(cfg)
	if namespaceErr != nil {
		// Resolution still succeeds; the model load will report the
		// unusable path with full context.
		log.Error("Fallback cache setup failed: %v", namespaceErr)
	}

	return cfg
}
