package runpod

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"
)

func entry(index int, payload []byte, final bool) StreamEntry {
	return StreamEntry{
		Index: index,
		Audio: base64.StdEncoding.EncodeToString(payload),
		Final: final,
	}
}

func streamSnap(status Status, rate int, entries ...StreamEntry) sourceReply {
	return sourceReply{
		snapshot: &JobSnapshot{
			ID:         "job-1",
			Status:     status,
			SampleRate: rate,
			Stream:     entries,
		},
		err: nil,
	}
}

// collectChunks drains a stream, returning the concatenated audio, whether
// a Done marker arrived, and the terminal chunk error if any.
func collectChunks(t *testing.T, stream *Stream) ([]byte, bool, error) {
	t.Helper()

	var audio []byte

	sawDone := false

	for chunk := range stream.Chunks() {
		if chunk.Err != nil {
			return audio, sawDone, chunk.Err
		}

		if chunk.Done {
			sawDone = true

			continue
		}

		audio = append(audio, chunk.Audio...)
	}

	return audio, sawDone, nil
}

func TestStreamDeliversOrderedAudio(t *testing.T) {
	t.Parallel()

	fragments := fragmentSet(3)
	source := &fakeSource{
		streamScript: []sourceReply{
			streamSnap(
				StatusRunning, 44100,
				entry(0, fragments[0], false),
				entry(1, fragments[1], false),
			),
			streamSnap(
				StatusCompleted, 44100,
				entry(2, fragments[2], true),
			),
		},
	}
	poller := newTestPoller(t, source, testBudget)
	job := newTestJob()

	stream := poller.Stream(context.Background(), job)

	audio, sawDone, chunkErr := collectChunks(t, stream)
	if chunkErr != nil {
		t.Fatalf("Stream reported error: %v", chunkErr)
	}

	if !sawDone {
		t.Error("Expected a Done marker")
	}

	if !bytes.Equal(audio, joined(fragments)) {
		t.Error("Streamed audio differs from the assembled fragments")
	}

	snapshot, waitErr := stream.Wait()
	if waitErr != nil {
		t.Fatalf("Wait returned error: %v", waitErr)
	}

	if snapshot.Status != StatusCompleted {
		t.Errorf("Expected COMPLETED, got %s", snapshot.Status)
	}

	if job.Status != StatusCompleted {
		t.Errorf("Expected job COMPLETED, got %s", job.Status)
	}
}

func TestStreamReordersFragmentsAcrossPolls(t *testing.T) {
	t.Parallel()

	fragments := fragmentSet(3)
	source := &fakeSource{
		streamScript: []sourceReply{
			streamSnap(StatusRunning, 44100, entry(1, fragments[1], false)),
			streamSnap(StatusRunning, 44100, entry(0, fragments[0], false)),
			streamSnap(StatusCompleted, 44100, entry(2, fragments[2], true)),
		},
	}
	poller := newTestPoller(t, source, testBudget)
	job := newTestJob()

	stream := poller.Stream(context.Background(), job)

	audio, _, chunkErr := collectChunks(t, stream)
	if chunkErr != nil {
		t.Fatalf("Stream reported error: %v", chunkErr)
	}

	if !bytes.Equal(audio, joined(fragments)) {
		t.Error("Out-of-order fragments must still assemble in order")
	}
}

func TestStreamIgnoresDuplicateBacklog(t *testing.T) {
	t.Parallel()

	fragments := fragmentSet(3)
	source := &fakeSource{
		streamScript: []sourceReply{
			streamSnap(
				StatusRunning, 44100,
				entry(0, fragments[0], false),
				entry(1, fragments[1], false),
			),
			// A poll retry can re-deliver the whole backlog.
			streamSnap(
				StatusCompleted, 44100,
				entry(0, fragments[0], false),
				entry(1, fragments[1], false),
				entry(2, fragments[2], true),
			),
		},
	}
	poller := newTestPoller(t, source, testBudget)
	job := newTestJob()

	stream := poller.Stream(context.Background(), job)

	audio, _, chunkErr := collectChunks(t, stream)
	if chunkErr != nil {
		t.Fatalf("Stream reported error: %v", chunkErr)
	}

	if !bytes.Equal(audio, joined(fragments)) {
		t.Error("Duplicate fragments must not repeat bytes")
	}
}

func TestStreamRemoteFailureKeepsDeliveredPrefix(t *testing.T) {
	t.Parallel()

	fragments := fragmentSet(3)
	source := &fakeSource{
		streamScript: []sourceReply{
			streamSnap(StatusRunning, 44100, entry(0, fragments[0], false)),
			streamSnap(StatusRunning, 44100, entry(2, fragments[2], false)),
			{snapshot: &JobSnapshot{
				ID:     "job-1",
				Status: StatusFailed,
				Error:  "worker exploded",
			}, err: nil},
		},
	}
	poller := newTestPoller(t, source, testBudget)
	job := newTestJob()

	stream := poller.Stream(context.Background(), job)

	audio, _, chunkErr := collectChunks(t, stream)

	var jobErr *JobError
	if !errors.As(chunkErr, &jobErr) {
		t.Fatalf("Expected *JobError, got %v", chunkErr)
	}

	if !bytes.Equal(audio, fragments[0]) {
		t.Error("Delivered prefix must survive the failure untouched")
	}

	_, waitErr := stream.Wait()
	if !errors.As(waitErr, &jobErr) {
		t.Errorf("Wait must report the same failure, got %v", waitErr)
	}
}

func TestStreamCallerCancel(t *testing.T) {
	t.Parallel()

	source := &fakeSource{cancelAck: true}
	poller := newTestPoller(t, source, testBudget)
	job := newTestJob()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Millisecond)
	defer cancel()

	stream := poller.Stream(ctx, job)

	_, _, _ = collectChunks(t, stream)

	_, waitErr := stream.Wait()
	if !errors.Is(waitErr, ErrCancelled) {
		t.Fatalf("Expected ErrCancelled, got %v", waitErr)
	}

	if job.Status != StatusCancelled {
		t.Errorf("Expected CANCELLED, got %s", job.Status)
	}

	_, _, cancelCalls := source.counts()
	if cancelCalls != 1 {
		t.Errorf("Expected one remote cancel, got %d", cancelCalls)
	}
}

func TestStreamEmptyCompletedFinishesClean(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		streamScript: []sourceReply{
			streamSnap(StatusCompleted, 44100),
		},
	}
	poller := newTestPoller(t, source, testBudget)
	job := newTestJob()

	stream := poller.Stream(context.Background(), job)

	audio, sawDone, chunkErr := collectChunks(t, stream)
	if chunkErr != nil {
		t.Fatalf("Stream reported error: %v", chunkErr)
	}

	if len(audio) != 0 {
		t.Error("No fragments were sent, no audio may be emitted")
	}

	if !sawDone {
		t.Error("Expected a Done marker for an empty stream")
	}
}

func TestStreamBudgetTimeout(t *testing.T) {
	t.Parallel()

	source := &fakeSource{}
	poller := newTestPoller(t, source, 25*time.Millisecond)
	job := newTestJob()

	stream := poller.Stream(context.Background(), job)

	_, _, chunkErr := collectChunks(t, stream)

	var timeoutErr *TimeoutError
	if !errors.As(chunkErr, &timeoutErr) {
		t.Fatalf("Expected *TimeoutError, got %v", chunkErr)
	}

	if job.Status != StatusTimedOut {
		t.Errorf("Expected TIMED_OUT, got %s", job.Status)
	}
}

func TestStreamRequestsOnlyMissingFragments(t *testing.T) {
	t.Parallel()

	fragments := fragmentSet(2)
	source := &fakeSource{
		streamScript: []sourceReply{
			streamSnap(StatusRunning, 44100, entry(0, fragments[0], false)),
			streamSnap(StatusCompleted, 44100, entry(1, fragments[1], true)),
		},
	}
	poller := newTestPoller(t, source, testBudget)
	job := newTestJob()

	stream := poller.Stream(context.Background(), job)
	_, _, _ = collectChunks(t, stream)
	_, _ = stream.Wait()

	source.mu.Lock()
	lastAfter := source.lastAfter
	source.mu.Unlock()

	if lastAfter != 0 {
		t.Errorf("Second poll should ask for fragments after 0, got %d", lastAfter)
	}
}
