package runpod

// Reassembler orders indexed audio fragments so every byte is emitted exactly
// once, in index order, regardless of arrival order. Fragments behind the
// cursor are duplicates and dropped; fragments ahead of it are held until the
// gap fills. The emitted stream is therefore always a prefix of the fully
// assembled audio.
type Reassembler struct {
	pending    map[int][]byte
	next       int
	finalIndex int
	emitted    int64
}

// NewReassembler creates an empty buffer with its cursor at index zero.
func NewReassembler() *Reassembler {
	return &Reassembler{
		pending:    make(map[int][]byte),
		next:       0,
		finalIndex: -1,
		emitted:    0,
	}
}

// Add accepts one fragment and returns the bytes it newly unlocked: nil when
// the fragment was a duplicate or left a gap, otherwise the contiguous run
// starting at the cursor. The payload is retained until emitted.
func (r *Reassembler) Add(index int, payload []byte) []byte {
	if index < r.next {
		return nil
	}

	if _, buffered := r.pending[index]; buffered {
		return nil
	}

	r.pending[index] = payload

	if index != r.next {
		return nil
	}

	var unlocked []byte

	for {
		fragment, ok := r.pending[r.next]
		if !ok {
			break
		}

		delete(r.pending, r.next)

		unlocked = append(unlocked, fragment...)
		r.next++
	}

	r.emitted += int64(len(unlocked))

	return unlocked
}

// MarkFinal records the stream's last index. Fragments are not required to
// arrive in order, so the final flag can show up before the middle does.
func (r *Reassembler) MarkFinal(index int) {
	if r.finalIndex < 0 || index < r.finalIndex {
		r.finalIndex = index
	}
}

// Complete reports whether every fragment up to and including the final
// index has been emitted. It is false until the final index is known.
func (r *Reassembler) Complete() bool {
	return r.finalIndex >= 0 && r.next > r.finalIndex
}

// Discard drops all buffered, not-yet-emitted fragments and reports how many
// were thrown away. Bytes already emitted are never retracted.
func (r *Reassembler) Discard() int {
	dropped := len(r.pending)
	r.pending = make(map[int][]byte)

	return dropped
}

// NextIndex is the index the cursor is waiting for.
func (r *Reassembler) NextIndex() int {
	return r.next
}

// FinalKnown reports whether the stream's last index has been seen yet.
func (r *Reassembler) FinalKnown() bool {
	return r.finalIndex >= 0
}

// EmittedBytes is the total number of bytes handed out so far.
func (r *Reassembler) EmittedBytes() int64 {
	return r.emitted
}

// PendingCount is the number of fragments buffered beyond the cursor.
func (r *Reassembler) PendingCount() int {
	return len(r.pending)
}
