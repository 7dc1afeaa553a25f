package runpod

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"
)

func fragmentSet(count int) [][]byte {
	fragments := make([][]byte, count)
	for i := range fragments {
		fragments[i] = []byte(fmt.Sprintf("<fragment-%03d>", i))
	}

	return fragments
}

func joined(fragments [][]byte) []byte {
	return bytes.Join(fragments, nil)
}

func TestReassemblerInOrderDelivery(t *testing.T) {
	t.Parallel()

	fragments := fragmentSet(4)
	asm := NewReassembler()

	var emitted []byte

	for i, fragment := range fragments {
		out := asm.Add(i, fragment)
		if !bytes.Equal(out, fragment) {
			t.Errorf("In-order add %d should emit immediately", i)
		}

		emitted = append(emitted, out...)
	}

	if !bytes.Equal(emitted, joined(fragments)) {
		t.Error("Emitted bytes differ from the assembled audio")
	}
}

func TestReassemblerPermutationsYieldIdenticalOutput(t *testing.T) {
	t.Parallel()

	fragments := fragmentSet(6)
	want := joined(fragments)

	permutations := [][]int{
		{0, 1, 2, 3, 4, 5},
		{5, 4, 3, 2, 1, 0},
		{1, 0, 3, 2, 5, 4},
		{3, 0, 5, 1, 4, 2},
	}

	rng := rand.New(rand.NewSource(1))

	for range 4 {
		shuffled := []int{0, 1, 2, 3, 4, 5}
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		permutations = append(permutations, shuffled)
	}

	for _, order := range permutations {
		asm := NewReassembler()

		var emitted []byte

		for _, index := range order {
			out := asm.Add(index, fragments[index])
			emitted = append(emitted, out...)

			if !bytes.HasPrefix(want, emitted) {
				t.Fatalf(
					"Order %v: emitted bytes stopped being a prefix",
					order,
				)
			}
		}

		if !bytes.Equal(emitted, want) {
			t.Errorf("Order %v: final output differs", order)
		}
	}
}

func TestReassemblerDiscardsDuplicates(t *testing.T) {
	t.Parallel()

	fragments := fragmentSet(3)
	asm := NewReassembler()

	if out := asm.Add(0, fragments[0]); out == nil {
		t.Fatal("First fragment should emit")
	}

	if out := asm.Add(0, fragments[0]); out != nil {
		t.Error("Duplicate of an emitted index must be discarded")
	}

	if out := asm.Add(2, fragments[2]); out != nil {
		t.Error("Out-of-order fragment must be buffered, not emitted")
	}

	if out := asm.Add(2, fragments[2]); out != nil {
		t.Error("Duplicate of a buffered index must be discarded")
	}

	out := asm.Add(1, fragments[1])
	if !bytes.Equal(out, append(append([]byte{}, fragments[1]...), fragments[2]...)) {
		t.Error("Filling the gap should flush the buffered run")
	}

	if asm.EmittedBytes() != int64(len(joined(fragments))) {
		t.Errorf(
			"Expected %d emitted bytes, got %d",
			len(joined(fragments)), asm.EmittedBytes(),
		)
	}
}

func TestReassemblerHoldsGapUntilFilled(t *testing.T) {
	t.Parallel()

	fragments := fragmentSet(3)
	asm := NewReassembler()

	if out := asm.Add(1, fragments[1]); out != nil {
		t.Error("Fragment past the cursor must wait")
	}

	if asm.PendingCount() != 1 {
		t.Errorf("Expected 1 pending fragment, got %d", asm.PendingCount())
	}

	out := asm.Add(0, fragments[0])
	want := append(append([]byte{}, fragments[0]...), fragments[1]...)

	if !bytes.Equal(out, want) {
		t.Error("Filling index 0 should flush indices 0 and 1 together")
	}

	if asm.NextIndex() != 2 {
		t.Errorf("Cursor should sit at 2, got %d", asm.NextIndex())
	}
}

func TestReassemblerFinalTracking(t *testing.T) {
	t.Parallel()

	fragments := fragmentSet(3)
	asm := NewReassembler()

	if asm.Complete() {
		t.Error("Empty buffer cannot be complete")
	}

	asm.MarkFinal(2)

	if asm.Complete() {
		t.Error("Final known but fragments missing, must not be complete")
	}

	asm.Add(0, fragments[0])
	asm.Add(1, fragments[1])
	asm.Add(2, fragments[2])

	if !asm.Complete() {
		t.Error("All fragments through the final index emitted, must be complete")
	}
}

func TestReassemblerDiscardDropsOnlyUnemitted(t *testing.T) {
	t.Parallel()

	fragments := fragmentSet(4)
	asm := NewReassembler()

	asm.Add(0, fragments[0])
	asm.Add(2, fragments[2])
	asm.Add(3, fragments[3])

	emittedBefore := asm.EmittedBytes()

	if dropped := asm.Discard(); dropped != 2 {
		t.Errorf("Expected 2 dropped fragments, got %d", dropped)
	}

	if asm.EmittedBytes() != emittedBefore {
		t.Error("Discard must not retract emitted bytes")
	}

	if asm.PendingCount() != 0 {
		t.Error("Discard must empty the buffer")
	}
}
