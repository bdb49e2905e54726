package emit

import "testing"

// TestValidator_FreshObserveCalibrates confirms the first Observe call on a
// fresh Validator always reports InOrder and simply calibrates its running
// expectation to seq+1, regardless of the actual starting sequence number.
func TestValidator_FreshObserveCalibrates(t *testing.T) {
	v := NewValidator(ContinueWithWarning)
	if got := v.Observe(41); got != InOrder {
		t.Fatalf("first Observe = %v, want InOrder", got)
	}
	if got := v.Observe(42); got != InOrder {
		t.Fatalf("second Observe = %v, want InOrder", got)
	}
}

// TestValidator_GapDuplicateReorderCounting runs the sequence 1, 2, 4, 4, 5
// through a fresh Validator (3 dropped, 4 duplicated from a canonical
// 1,2,3,4,5) and checks the resulting Gaps/Duplicates/Reorders counters.
func TestValidator_GapDuplicateReorderCounting(t *testing.T) {
	v := NewValidator(ContinueWithWarning)

	cases := []struct {
		seq  uint64
		want Classification
	}{
		{1, InOrder},
		{2, InOrder},
		{4, Gap},       // 3 dropped
		{4, Duplicate}, // 4 re-delivered
		{5, InOrder},
	}
	for i, c := range cases {
		if got := v.Observe(c.seq); got != c.want {
			t.Fatalf("Observe(%d) [case %d] = %v, want %v", c.seq, i, got, c.want)
		}
	}
	if v.Gaps != 1 {
		t.Errorf("Gaps = %d, want 1", v.Gaps)
	}
	if v.Duplicates != 1 {
		t.Errorf("Duplicates = %d, want 1", v.Duplicates)
	}
	if v.Reorders != 0 {
		t.Errorf("Reorders = %d, want 0", v.Reorders)
	}
}

// TestValidator_Reorder covers the strictly-less-than-expected-minus-one
// branch: a sequence number arriving after one further ahead has already
// been observed.
func TestValidator_Reorder(t *testing.T) {
	v := NewValidator(ContinueWithWarning)
	v.Observe(1)
	v.Observe(5) // jumps ahead: counts as a gap of 3 (2,3,4 missing)
	if v.Gaps != 3 {
		t.Fatalf("Gaps = %d, want 3", v.Gaps)
	}
	if got := v.Observe(3); got != Reorder {
		t.Fatalf("Observe(3) after Observe(5) = %v, want Reorder", got)
	}
	if v.Reorders != 1 {
		t.Errorf("Reorders = %d, want 1", v.Reorders)
	}
}

// TestValidator_HaltPolicyStopsAcceptingProgress confirms that once Policy
// is Halt and a gap has been observed, every subsequent Observe reports Gap
// without advancing expectedNext, signaling the caller should stop feeding
// this Validator.
func TestValidator_HaltPolicyStopsAcceptingProgress(t *testing.T) {
	v := NewValidator(Halt)
	v.Observe(1)
	if got := v.Observe(3); got != Gap {
		t.Fatalf("Observe(3) = %v, want Gap", got)
	}
	if !v.Halted {
		t.Fatal("expected Halted after a gap under Halt policy")
	}
	if got := v.Observe(4); got != Gap {
		t.Fatalf("Observe after halt = %v, want Gap", got)
	}
}

// TestSequencer_StartsAtOne confirms a fresh Sequencer's first Next() call
// returns 1, not 0, matching the engine's own per-thread numbering.
func TestSequencer_StartsAtOne(t *testing.T) {
	var s Sequencer
	for i := uint64(1); i <= 3; i++ {
		if got := s.Next(); got != i {
			t.Fatalf("Next() = %d, want %d", got, i)
		}
	}
}
