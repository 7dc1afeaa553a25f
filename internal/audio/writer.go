package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Header patch offsets for Writer.Close.
const (
	riffSizeOffset = 4
	dataSizeOffset = 40
)

// ErrWriterClosed indicates a write after Close.
var ErrWriterClosed = errors.New("wav writer is closed")

// Writer streams PCM16 into a WAV container without knowing the final length
// up front. The header goes out immediately with zero sizes; Close seeks back
// and patches them. Audio written so far is playable the moment Close runs,
// even if the stream ended early.
type Writer struct {
	dst     io.WriteSeeker
	written int
	closed  bool
}

// NewWriter writes the provisional header and returns a writer for the PCM
// payload.
func NewWriter(dst io.WriteSeeker, sampleRate, channels int) (*Writer, error) {
	header, headerErr := buildHeader(0, sampleRate, channels)
	if headerErr != nil {
		return nil, headerErr
	}

	_, writeErr := dst.Write(header)
	if writeErr != nil {
		return nil, fmt.Errorf("failed to write wav header: %w", writeErr)
	}

	return &Writer{
		dst:     dst,
		written: 0,
		closed:  false,
	}, nil
}

// Write appends raw PCM16 samples to the data chunk.
func (w *Writer) Write(pcm []byte) error {
	if w.closed {
		return ErrWriterClosed
	}

	if len(pcm) == 0 {
		return nil
	}

	_, writeErr := w.dst.Write(pcm)
	if writeErr != nil {
		return fmt.Errorf("failed to write pcm payload: %w", writeErr)
	}

	w.written += len(pcm)

	return nil
}

// BytesWritten reports how much PCM has been appended so far.
func (w *Writer) BytesWritten() int {
	return w.written
}

// Close patches the container sizes to match the payload actually written.
// It does not close the underlying destination.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}

	w.closed = true

	patchErr := w.patchSize(riffSizeOffset, uint32(riffSizeBase+w.written))
	if patchErr != nil {
		return patchErr
	}

	patchErr = w.patchSize(dataSizeOffset, uint32(w.written))
	if patchErr != nil {
		return patchErr
	}

	_, seekErr := w.dst.Seek(0, io.SeekEnd)
	if seekErr != nil {
		return fmt.Errorf("failed to seek past wav payload: %w", seekErr)
	}

	return nil
}

func (w *Writer) patchSize(offset int64, value uint32) error {
	_, seekErr := w.dst.Seek(offset, io.SeekStart)
	if seekErr != nil {
		return fmt.Errorf("failed to seek to size field: %w", seekErr)
	}

	var field [4]byte

	binary.LittleEndian.PutUint32(field[:], value)

	_, writeErr := w.dst.Write(field[:])
	if writeErr != nil {
		return fmt.Errorf("failed to patch size field: %w", writeErr)
	}

	return nil
}
