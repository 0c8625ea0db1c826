package ot

import (
	"encoding/json"
	"math/rand"
	"testing"
)

func TestApplyInsertRetainDelete(t *testing.T) {
	op := NewOperationSeq()
	op.Retain(1)
	op.Insert("XX")
	op.Retain(1)
	op.Delete(3)

	got, err := op.Apply("hello")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got != "hXXe" {
		t.Fatalf("got %q, want %q", got, "hXXe")
	}
	if op.BaseLen() != 5 || op.TargetLen() != 4 {
		t.Fatalf("base/target len = %d/%d, want 5/4", op.BaseLen(), op.TargetLen())
	}
}

func TestApplyBaseLenMismatch(t *testing.T) {
	op := NewOperationSeq()
	op.Retain(5)
	if _, err := op.Apply("abc"); err == nil {
		t.Fatal("expected error on base length mismatch")
	}
}

func TestIsNoop(t *testing.T) {
	if !NewOperationSeq().IsNoop() {
		t.Error("empty operation should be a no-op")
	}
	retainOnly := NewOperationSeq()
	retainOnly.Retain(3)
	if !retainOnly.IsNoop() {
		t.Error("retain-only operation should be a no-op")
	}
	withInsert := NewOperationSeq()
	withInsert.Retain(3)
	withInsert.Insert("x")
	if withInsert.IsNoop() {
		t.Error("operation with an insert should not be a no-op")
	}
}

func TestComposeMatchesSequentialApply(t *testing.T) {
	a := NewOperationSeq()
	a.Insert("hello")

	b := NewOperationSeq()
	b.Retain(2)
	b.Insert("XX")
	b.Retain(3)

	composed, err := a.Compose(b)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}

	viaCompose, err := composed.Apply("")
	if err != nil {
		t.Fatalf("apply composed: %v", err)
	}

	mid, err := a.Apply("")
	if err != nil {
		t.Fatalf("apply a: %v", err)
	}
	viaSequential, err := b.Apply(mid)
	if err != nil {
		t.Fatalf("apply b: %v", err)
	}

	if viaCompose != viaSequential {
		t.Fatalf("compose result %q != sequential apply result %q", viaCompose, viaSequential)
	}
}

func TestTransformConvergence(t *testing.T) {
	initial := "ab"

	a := NewOperationSeq()
	a.Retain(1)
	a.Insert("X")
	a.Retain(1)

	b := NewOperationSeq()
	b.Retain(2)
	b.Insert("Y")

	aPrime, bPrime, err := a.Transform(b)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}

	// compose(a, b') must equal compose(b, a') when both are applied.
	composedAB, err := a.Compose(bPrime)
	if err != nil {
		t.Fatalf("compose(a, b'): %v", err)
	}
	composedBA, err := b.Compose(aPrime)
	if err != nil {
		t.Fatalf("compose(b, a'): %v", err)
	}

	left, err := composedAB.Apply(initial)
	if err != nil {
		t.Fatalf("apply compose(a,b'): %v", err)
	}
	right, err := composedBA.Apply(initial)
	if err != nil {
		t.Fatalf("apply compose(b,a'): %v", err)
	}
	if left != right {
		t.Fatalf("OT convergence violated: %q != %q", left, right)
	}
	if left != "aXbY" {
		t.Fatalf("got %q, want %q", left, "aXbY")
	}
}

func TestTransformInsertTieBreak(t *testing.T) {
	// Both operations insert at the same position (after the full 2-char base).
	a := NewOperationSeq()
	a.Retain(2)
	a.Insert("A")

	b := NewOperationSeq()
	b.Retain(2)
	b.Insert("B")

	aPrime, bPrime, err := a.Transform(b)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}

	composed, err := a.Compose(bPrime)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	result, err := composed.Apply("ab")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	// Left operand (a)'s insert must precede b's insert.
	if result != "abAB" {
		t.Fatalf("got %q, want %q (left operand insert should precede)", result, "abAB")
	}

	composed2, err := b.Compose(aPrime)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	result2, err := composed2.Apply("ab")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result2 != result {
		t.Fatalf("compose(b, a') = %q, want %q", result2, result)
	}
}

func TestTransformIndexShiftsPastInsert(t *testing.T) {
	op := NewOperationSeq()
	op.Insert("XX")
	op.Retain(5)

	got := TransformIndex(op, 5)
	if got != 7 {
		t.Fatalf("got %d, want 7", got)
	}
}

func TestTransformIndexClampsIntoDeletion(t *testing.T) {
	op := NewOperationSeq()
	op.Retain(2)
	op.Delete(3)
	op.Retain(0)

	// Position 3 is inside the deleted range [2,5); it clamps to 2.
	if got := TransformIndex(op, 3); got != 2 {
		t.Fatalf("got %d, want 2", got)
	}
	// Position 6, past the deletion, shifts left by the deleted length.
	if got := TransformIndex(op, 6); got != 3 {
		t.Fatalf("got %d, want 3", got)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	op := NewOperationSeq()
	op.Retain(2)
	op.Insert("hi")
	op.Delete(3)

	data, err := json.Marshal(op)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `[2,"hi",-3]` {
		t.Fatalf("got %s, want canonical [2,\"hi\",-3]", data)
	}

	var decoded OperationSeq
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.BaseLen() != op.BaseLen() || decoded.TargetLen() != op.TargetLen() {
		t.Fatalf("round trip mismatch: base/target %d/%d != %d/%d",
			decoded.BaseLen(), decoded.TargetLen(), op.BaseLen(), op.TargetLen())
	}
}

func TestFromJSON(t *testing.T) {
	op, err := FromJSON(`[2,"hi",-3]`)
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	if op.BaseLen() != 5 || op.TargetLen() != 4 {
		t.Fatalf("base/target = %d/%d, want 5/4", op.BaseLen(), op.TargetLen())
	}

	if _, err := FromJSON(`not json`); err == nil {
		t.Fatal("expected error decoding malformed input")
	}
}

func TestInvert(t *testing.T) {
	op := NewOperationSeq()
	op.Retain(1)
	op.Insert("XX")
	op.Delete(3)

	original := "habc"
	applied, err := op.Apply(original)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	inverse := op.Invert(original)
	restored, err := inverse.Apply(applied)
	if err != nil {
		t.Fatalf("apply inverse: %v", err)
	}
	if restored != original {
		t.Fatalf("invert round trip: got %q, want %q", restored, original)
	}
}

func TestRandomTransformConvergence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	alphabet := []rune("abcdefgh")

	randomString := func(n int) string {
		r := make([]rune, n)
		for i := range r {
			r[i] = alphabet[rng.Intn(len(alphabet))]
		}
		return string(r)
	}

	randomOp := func(base string) *OperationSeq {
		runes := []rune(base)
		op := NewOperationSeq()
		pos := 0
		for pos < len(runes) {
			remaining := len(runes) - pos
			switch rng.Intn(3) {
			case 0:
				n := rng.Intn(remaining) + 1
				op.Retain(uint64(n))
				pos += n
			case 1:
				op.Insert(randomString(rng.Intn(3) + 1))
			default:
				n := rng.Intn(remaining) + 1
				op.Delete(uint64(n))
				pos += n
			}
		}
		if rng.Intn(2) == 0 {
			op.Insert(randomString(rng.Intn(3) + 1))
		}
		return op
	}

	for i := 0; i < 50; i++ {
		base := randomString(rng.Intn(10) + 1)
		a := randomOp(base)
		b := randomOp(base)

		aPrime, bPrime, err := a.Transform(b)
		if err != nil {
			t.Fatalf("iteration %d: transform: %v", i, err)
		}
		composedAB, err := a.Compose(bPrime)
		if err != nil {
			t.Fatalf("iteration %d: compose(a,b'): %v", i, err)
		}
		composedBA, err := b.Compose(aPrime)
		if err != nil {
			t.Fatalf("iteration %d: compose(b,a'): %v", i, err)
		}
		left, err := composedAB.Apply(base)
		if err != nil {
			t.Fatalf("iteration %d: apply left: %v", i, err)
		}
		right, err := composedBA.Apply(base)
		if err != nil {
			t.Fatalf("iteration %d: apply right: %v", i, err)
		}
		if left != right {
			t.Fatalf("iteration %d: convergence violated on base %q: %q != %q", i, base, left, right)
		}
	}
}
