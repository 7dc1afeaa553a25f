// Package cachedir_test tests cache base resolution and fallback behavior.
package cachedir_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/book-expert/logger"
	"github.com/serverless-tts/dia-runpod/internal/cachedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "cachedir-test.log")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = log.Close()
	})

	return log
}

func assertNamespaces(t *testing.T, cfg *cachedir.Config) {
	t.Helper()

	weightsInfo, err := os.Stat(cfg.WeightsDir)
	require.NoError(t, err)
	assert.True(t, weightsInfo.IsDir())

	runtimeInfo, err := os.Stat(cfg.RuntimeDir)
	require.NoError(t, err)
	assert.True(t, runtimeInfo.IsDir())

	assert.Equal(t, filepath.Join(cfg.Base, "hf_cache"), cfg.WeightsDir)
	assert.Equal(t, filepath.Join(cfg.Base, "torch_cache"), cfg.RuntimeDir)
}

func TestResolvePicksFirstWritableCandidate(t *testing.T) {
	t.Setenv("CACHE_DIR", "")

	missing := filepath.Join(t.TempDir(), "never-mounted")
	writable := t.TempDir()

	cfg := cachedir.Resolve([]string{missing, writable}, newTestLogger(t))

	assert.Equal(t, writable, cfg.Base)
	assert.False(t, cfg.FellBack)
	assertNamespaces(t, cfg)
}

func TestResolveSkipsFileCandidate(t *testing.T) {
	t.Setenv("CACHE_DIR", "")

	notADir := filepath.Join(t.TempDir(), "volume")
	require.NoError(t, os.WriteFile(notADir, []byte("x"), 0o600))

	writable := t.TempDir()

	cfg := cachedir.Resolve([]string{notADir, writable}, newTestLogger(t))

	assert.Equal(t, writable, cfg.Base)
	assert.False(t, cfg.FellBack)
}

func TestResolveFallsBackWhenAllCandidatesFail(t *testing.T) {
	t.Setenv("CACHE_DIR", "")

	home := t.TempDir()
	t.Setenv("HOME", home)

	gone := filepath.Join(t.TempDir(), "a")
	alsoGone := filepath.Join(t.TempDir(), "b")

	cfg := cachedir.Resolve([]string{gone, alsoGone}, newTestLogger(t))

	assert.True(t, cfg.FellBack)
	assert.Equal(t, filepath.Join(home, ".cache", "dia-runpod"), cfg.Base)
	assertNamespaces(t, cfg)
}

func TestResolveHonorsCacheDirOverride(t *testing.T) {
	override := filepath.Join(t.TempDir(), "explicit", "cache")
	t.Setenv("CACHE_DIR", override)

	cfg := cachedir.Resolve(cachedir.DefaultCandidates, newTestLogger(t))

	assert.Equal(t, override, cfg.Base)
	assert.False(t, cfg.FellBack)
	assertNamespaces(t, cfg)
}

func TestResolveLeavesNoProbeFiles(t *testing.T) {
	t.Setenv("CACHE_DIR", "")

	writable := t.TempDir()
	cfg := cachedir.Resolve([]string{writable}, newTestLogger(t))
	require.Equal(t, writable, cfg.Base)

	entries, err := os.ReadDir(writable)
	require.NoError(t, err)

	for _, entry := range entries {
		assert.True(t, entry.IsDir(), "unexpected file left behind: %s", entry.Name())
	}
}

func TestExportPublishesRuntimeEnvironment(t *testing.T) {
	t.Setenv("HF_HOME", "")
	t.Setenv("TRANSFORMERS_CACHE", "")
	t.Setenv("TORCH_HOME", "")
	t.Setenv("CACHE_DIR", "")

	base := t.TempDir()
	cfg := cachedir.Resolve([]string{base}, newTestLogger(t))

	require.NoError(t, cfg.Export())

	assert.Equal(t, cfg.WeightsDir, os.Getenv("HF_HOME"))
	assert.Equal(t, cfg.WeightsDir, os.Getenv("TRANSFORMERS_CACHE"))
	assert.Equal(t, cfg.RuntimeDir, os.Getenv("TORCH_HOME"))
}
