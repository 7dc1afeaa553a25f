package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// File and directory permissions.
const (
	filePermissions = 0o600
	dirPermissions  = 0o750
)

// Static errors.
var (
	ErrChunksPathEmpty = errors.New("chunks path cannot be empty")
	ErrOutputDirEmpty  = errors.New("output directory cannot be empty")
	ErrNoChunksFound   = errors.New("no chunks found")
)

func newNoChunksFoundError(path string) error {
	return fmt.Errorf("%w in %s", ErrNoChunksFound, path)
}

const (
	outputFileFormat            = "chunk_%04d.wav"
	errFmtChunkFailed           = "chunk %d failed: %w"
	logFmtChunkProcessingFailed = "Failed to process chunk %d: %v"
	logFmtChunkProcessed        = "Processed chunk %d/%d (%.1fs of audio)"
)

// LoadChunks reads a JSON file containing an array of text chunks. Each
// string is one utterance to synthesize.
func LoadChunks(chunksPath string) ([]string, error) {
	if chunksPath == "" {
		return nil, ErrChunksPathEmpty
	}

	data, readErr := os.ReadFile(chunksPath)
	if readErr != nil {
		return nil, fmt.Errorf("failed to read chunks file: %w", readErr)
	}

	var chunks []string

	parseErr := json.Unmarshal(data, &chunks)
	if parseErr != nil {
		return nil, fmt.Errorf("failed to parse chunks JSON: %w", parseErr)
	}

	if len(chunks) == 0 {
		return nil, newNoChunksFoundError(chunksPath)
	}

	return chunks, nil
}

// GenerateBatch synthesizes every chunk concurrently using a bounded worker
// pool and writes one sequentially numbered WAV per chunk into outputDir.
//
// Errors from individual chunks are captured and reported, but processing
// continues for the remaining chunks to maximize the amount of work
// completed.
func (s *Service) GenerateBatch(
	ctx context.Context,
	chunks []string,
	outputDir string,
) error {
	if outputDir == "" {
		return ErrOutputDirEmpty
	}

	if len(chunks) == 0 {
		return ErrNoChunksFound
	}

	dirErr := os.MkdirAll(outputDir, dirPermissions)
	if dirErr != nil {
		return fmt.Errorf("failed to create output directory: %w", dirErr)
	}

	workers := s.defaults.Workers
	if workers < 1 {
		workers = 1
	}

	var (
		waitGroup sync.WaitGroup
		mutex     sync.Mutex
		lastError error
	)

	// Worker pool to control concurrency against the endpoint.
	workerPool := make(chan struct{}, workers)

	for chunkIndex, chunk := range chunks {
		waitGroup.Add(1)

		go func(index int, text string) {
			defer waitGroup.Done()

			workerPool <- struct{}{}

			defer func() { <-workerPool }()

			outputPath := filepath.Join(
				outputDir,
				fmt.Sprintf(outputFileFormat, index+1),
			)

			duration, err := s.generateChunk(ctx, text, outputPath)
			if err != nil {
				mutex.Lock()

				lastError = fmt.Errorf(
					errFmtChunkFailed,
					index+1,
					err,
				)

				mutex.Unlock()
				s.log.Error(
					logFmtChunkProcessingFailed,
					index+1,
					err,
				)

				return
			}

			s.log.Info(
				logFmtChunkProcessed,
				index+1,
				len(chunks),
				duration,
			)
		}(chunkIndex, chunk)
	}

	waitGroup.Wait()
	close(workerPool)

	return lastError
}

// generateChunk synthesizes one chunk and writes the WAV to outputPath.
func (s *Service) generateChunk(
	ctx context.Context,
	text, outputPath string,
) (float64, error) {
	result, genErr := s.Generate(ctx, Request{Text: text})
	if genErr != nil {
		return 0, genErr
	}

	writeErr := os.WriteFile(outputPath, result.WAV, filePermissions)
	if writeErr != nil {
		return 0, fmt.Errorf("failed to write audio file: %w", writeErr)
	}

	return result.DurationSeconds, nil
}
