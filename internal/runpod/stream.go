package runpod

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"
)

// streamChunkBuffer sizes the chunk channel so slow consumers do not stall
// the poll loop immediately.
const streamChunkBuffer = 16

// Chunk is one in-order piece of streamed audio. Consumers range over
// Stream.Chunks until a chunk carries Done or Err; the Audio of every chunk
// concatenates into a prefix of the job's final audio.
type Chunk struct {
	Audio      []byte
	Err        error
	Seq        int
	SampleRate int
	Done       bool
}

// Stream is an in-flight streaming generation.
type Stream struct {
	chunks chan Chunk
	done   chan struct{}
	result *JobSnapshot
	err    error
}

// Chunks returns the ordered chunk channel. It closes after the terminal
// chunk (Done or Err) is delivered.
func (s *Stream) Chunks() <-chan Chunk {
	return s.chunks
}

// Wait blocks until the stream finishes and returns the last snapshot and
// the terminal verdict, with the same error taxonomy as Poller.Wait.
func (s *Stream) Wait() (*JobSnapshot, error) {
	<-s.done

	return s.result, s.err
}

// Stream launches the streaming poll loop for a submitted job. The loop
// polls at the poller's interval, feeds every fragment through the
// reassembly buffer, and emits only newly contiguous audio. Cancellation,
// retry, and budget semantics match Wait.
func (p *Poller) Stream(ctx context.Context, job *Job) *Stream {
	stream := &Stream{
		chunks: make(chan Chunk, streamChunkBuffer),
		done:   make(chan struct{}),
		result: nil,
		err:    nil,
	}

	go p.runStream(ctx, job, stream)

	return stream
}

func (p *Poller) runStream(ctx context.Context, job *Job, stream *Stream) {
	defer close(stream.done)
	defer close(stream.chunks)

	asm := NewReassembler()
	deadline := job.SubmittedAt.Add(p.budget)

	var last *JobSnapshot

	failures := 0
	seq := 0
	sampleRate := 0
	stalled := false

	emit := func(chunk Chunk) bool {
		select {
		case stream.chunks <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	finish := func(snapshot *JobSnapshot, err error) {
		if err != nil {
			dropped := asm.Discard()
			if dropped > 0 {
				p.log.Warn(
					"Dropped %d buffered fragments for job %s",
					dropped, job.ID,
				)
			}

			emit(Chunk{Err: err, Seq: seq})
		}

		stream.result = snapshot
		stream.err = err
	}

	for {
		if ctx.Err() != nil {
			finish(last, p.abandon(job))

			return
		}

		if !time.Now().Before(deadline) {
			job.Status = StatusTimedOut
			finish(last, &TimeoutError{
				JobID:  job.ID,
				Budget: p.budget,
				Remote: false,
			})

			return
		}

		snapshot, fetchErr := p.source.FetchStream(
			ctx, job.ID, asm.NextIndex()-1,
		)
		if fetchErr != nil {
			if ctx.Err() != nil {
				finish(last, p.abandon(job))

				return
			}

			failures++
			if failures > 1 {
				finish(last, fetchErr)

				return
			}

			p.log.Warn(
				"Stream poll for job %s failed, retrying once: %v",
				job.ID, fetchErr,
			)

			pauseErr := p.pause(ctx)
			if pauseErr != nil {
				finish(last, p.abandon(job))

				return
			}

			continue
		}

		failures = 0
		last = snapshot

		if snapshot.SampleRate > 0 {
			sampleRate = snapshot.SampleRate
		}

		progressed, entryErr := p.ingestEntries(
			snapshot, asm, &seq, sampleRate, emit,
		)
		if entryErr != nil {
			finish(snapshot, entryErr)

			return
		}

		p.advance(job, snapshot.Status)

		terminalErr, terminal := p.verdict(job, snapshot)
		if terminal {
			if terminalErr != nil {
				finish(snapshot, terminalErr)

				return
			}

			// COMPLETED with nothing left in flight: the emitted
			// prefix is the whole stream.
			if asm.Complete() || (!asm.FinalKnown() && asm.PendingCount() == 0) {
				emit(Chunk{Seq: seq, SampleRate: sampleRate, Done: true})
				finish(snapshot, nil)

				return
			}

			// Completed but fragments are missing; give the endpoint
			// one more pass before calling the stream broken.
			if !progressed {
				if stalled {
					finish(snapshot, &TransportError{
						Kind:    ErrMalformed,
						Op:      opStream,
						Message: "stream ended with missing fragments",
					})

					return
				}

				stalled = true
			} else {
				stalled = false
			}
		}

		pauseErr := p.pause(ctx)
		if pauseErr != nil {
			finish(last, p.abandon(job))

			return
		}
	}
}

// ingestEntries feeds one snapshot's fragments through the buffer, emitting
// whatever became contiguous. It reports whether the buffer advanced at all.
func (p *Poller) ingestEntries(
	snapshot *JobSnapshot,
	asm *Reassembler,
	seq *int,
	sampleRate int,
	emit func(Chunk) bool,
) (bool, error) {
	progressed := false

	for _, entry := range snapshot.Stream {
		payload, decodeErr := base64.StdEncoding.DecodeString(entry.Audio)
		if decodeErr != nil {
			return progressed, &TransportError{
				Kind: ErrMalformed,
				Op:   opStream,
				Message: fmt.Sprintf(
					"fragment %d: %v", entry.Index, decodeErr,
				),
			}
		}

		if entry.Final {
			asm.MarkFinal(entry.Index)
		}

		pendingBefore := asm.PendingCount()

		unlocked := asm.Add(entry.Index, payload)
		if len(unlocked) > 0 {
			if !emit(Chunk{
				Seq:        *seq,
				Audio:      unlocked,
				SampleRate: sampleRate,
			}) {
				return progressed, fmt.Errorf(
					"job %s: %w", snapshot.ID, ErrCancelled,
				)
			}

			*seq++
			progressed = true
		} else if asm.PendingCount() != pendingBefore {
			progressed = true
		}
	}

	return progressed, nil
}
