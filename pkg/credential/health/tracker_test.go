package health

import (
	"testing"
)

// ============================================================
// Failure streaks
// ============================================================

func TestRecordFailureFiresAtThresholdOnly(t *testing.T) {
	tr := NewTracker(3)

	if tr.RecordFailure("c") {
		t.Fatal("first failure should not cross the threshold")
	}
	if tr.RecordFailure("c") {
		t.Fatal("second failure should not cross the threshold")
	}
	if !tr.RecordFailure("c") {
		t.Fatal("third failure must report the transition")
	}
	// Past the threshold the transition already happened; repeating it
	// would double-log.
	if tr.RecordFailure("c") {
		t.Fatal("fourth failure should not report the transition again")
	}
	if tr.Streak("c") != 4 {
		t.Fatalf("streak = %d, want 4", tr.Streak("c"))
	}
}

func TestStreaksAreIndependent(t *testing.T) {
	tr := NewTracker(2)

	tr.RecordFailure("a")
	if tr.Streak("b") != 0 {
		t.Fatal("b's streak polluted by a")
	}
	tr.RecordFailure("b")
	if !tr.RecordFailure("b") {
		t.Fatal("b should cross its own threshold")
	}
}

func TestRecordSuccessClearsStreak(t *testing.T) {
	tr := NewTracker(3)

	if tr.RecordSuccess("c") {
		t.Fatal("success with no streak should not report recovery")
	}

	tr.RecordFailure("c")
	tr.RecordFailure("c")
	if !tr.RecordSuccess("c") {
		t.Fatal("success after failures must report recovery")
	}
	if tr.Streak("c") != 0 {
		t.Fatalf("streak = %d after success, want 0", tr.Streak("c"))
	}

	// The reset streak counts from one again.
	if tr.RecordFailure("c") {
		t.Fatal("first failure after recovery should not cross the threshold")
	}
}

func TestForgetDropsState(t *testing.T) {
	tr := NewTracker(2)

	tr.RecordFailure("c")
	tr.Forget("c")
	if tr.Streak("c") != 0 {
		t.Fatalf("streak = %d after forget", tr.Streak("c"))
	}
}

func TestNonPositiveThresholdFallsBack(t *testing.T) {
	tr := NewTracker(0)
	if tr.Threshold() != DefaultFailureThreshold {
		t.Fatalf("threshold = %d, want %d", tr.Threshold(), DefaultFailureThreshold)
	}
}
