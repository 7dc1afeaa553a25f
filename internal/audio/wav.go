// Package audio implements the WAV container handling the service needs:
// PCM16 encode and decode, reference-audio probing, frame-aligned chunk
// splitting, and the rough sizing estimates used for capacity planning.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	wavHeaderSize = 44
	fmtChunkSize  = 16
	pcmFormat     = 1
	riffSizeBase  = 36

	// BitsPerSample is the sample width produced by the model runtime.
	BitsPerSample = 16
	// BytesPerSample is the byte width of one PCM16 sample.
	BytesPerSample = 2
)

var (
	// ErrEmptyPCM indicates an encode call without payload.
	ErrEmptyPCM = errors.New("pcm payload cannot be empty")
	// ErrBadSampleRate indicates a non-positive sample rate.
	ErrBadSampleRate = errors.New("sample rate must be positive")
	// ErrBadChannels indicates a non-positive channel count.
	ErrBadChannels = errors.New("channel count must be positive")
	// ErrNotRIFF indicates the payload is not a RIFF/WAVE container.
	ErrNotRIFF = errors.New("data is not a RIFF/WAVE container")
	// ErrTruncated indicates the container ends before its declared size.
	ErrTruncated = errors.New("wav container truncated")
	// ErrNoFormat indicates a container without a fmt chunk.
	ErrNoFormat = errors.New("wav container has no fmt chunk")
	// ErrNoData indicates a container without a data chunk.
	ErrNoData = errors.New("wav container has no data chunk")
	// ErrUnsupportedEncoding indicates a non-PCM encoding.
	ErrUnsupportedEncoding = errors.New("only pcm wav encoding is supported")
)

// Info describes a decoded WAV payload. PCM aliases the input buffer.
type Info struct {
	PCM           []byte
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// DurationSeconds reports the play time of the decoded payload.
func (i *Info) DurationSeconds() float64 {
	bytesPerFrame := i.Channels * (i.BitsPerSample / 8)
	if i.SampleRate <= 0 || bytesPerFrame <= 0 {
		return 0
	}

	return float64(len(i.PCM)) / float64(bytesPerFrame*i.SampleRate)
}

// EncodeWAV wraps raw little-endian PCM16 samples in a WAV container.
func EncodeWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, ErrEmptyPCM
	}

	header, headerErr := buildHeader(len(pcm), sampleRate, channels)
	if headerErr != nil {
		return nil, headerErr
	}

	return append(header, pcm...), nil
}

// buildHeader assembles the 44-byte RIFF/fmt/data header for a PCM16 payload
// of dataLen bytes.
func buildHeader(dataLen, sampleRate, channels int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadSampleRate, sampleRate)
	}

	if channels <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadChannels, channels)
	}

	blockAlign := channels * BytesPerSample
	byteRate := sampleRate * blockAlign

	header := make([]byte, wavHeaderSize, wavHeaderSize+dataLen)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(riffSizeBase+dataLen))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], fmtChunkSize)
	binary.LittleEndian.PutUint16(header[20:22], pcmFormat)
	binary.LittleEndian.PutUint16(header[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], BitsPerSample)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(dataLen))

	return header, nil
}

// DecodeWAV parses a WAV container, walking chunks so payloads with extra
// metadata chunks still decode. Only PCM encoding is accepted.
func DecodeWAV(data []byte) (*Info, error) {
	if len(data) < wavHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(data))
	}

	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, ErrNotRIFF
	}

	info := &Info{PCM: nil, SampleRate: 0, Channels: 0, BitsPerSample: 0}
	sawFormat := false
	offset := 12

	for offset+8 <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkLen := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8

		if chunkLen < 0 || body+chunkLen > len(data) {
			return nil, fmt.Errorf("%w: chunk %q", ErrTruncated, chunkID)
		}

		switch chunkID {
		case "fmt ":
			formatErr := parseFormatChunk(data[body:body+chunkLen], info)
			if formatErr != nil {
				return nil, formatErr
			}

			sawFormat = true
		case "data":
			info.PCM = data[body : body+chunkLen]
		}

		// Chunks are word aligned.
		if chunkLen%2 == 1 {
			chunkLen++
		}

		offset = body + chunkLen
	}

	if !sawFormat {
		return nil, ErrNoFormat
	}

	if info.PCM == nil {
		return nil, ErrNoData
	}

	return info, nil
}

func parseFormatChunk(body []byte, info *Info) error {
	if len(body) < fmtChunkSize {
		return fmt.Errorf("%w: fmt chunk %d bytes", ErrTruncated, len(body))
	}

	encoding := binary.LittleEndian.Uint16(body[0:2])
	if encoding != pcmFormat {
		return fmt.Errorf("%w: encoding %d", ErrUnsupportedEncoding, encoding)
	}

	info.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
	info.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
	info.BitsPerSample = int(binary.LittleEndian.Uint16(body[14:16]))

	return nil
}

// ChunkPCM splits a PCM payload into frame-aligned pieces of roughly
// chunkSeconds each. The final piece carries the remainder. Non-positive
// arguments collapse to a single piece.
func ChunkPCM(pcm []byte, sampleRate, channels int, chunkSeconds float64) [][]byte {
	if len(pcm) == 0 {
		return nil
	}

	frameBytes := channels * BytesPerSample
	if chunkSeconds <= 0 || sampleRate <= 0 || frameBytes <= 0 {
		return [][]byte{pcm}
	}

	chunkBytes := int(float64(sampleRate)*chunkSeconds) * frameBytes
	if chunkBytes <= 0 {
		chunkBytes = frameBytes
	}

	pieces := make([][]byte, 0, len(pcm)/chunkBytes+1)

	for start := 0; start < len(pcm); start += chunkBytes {
		end := start + chunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}

		pieces = append(pieces, pcm[start:end])
	}

	return pieces
}
