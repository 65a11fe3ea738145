package recovery

import (
	"fmt"
	"testing"
	"time"
)

func TestFailureLog_EvictsOldest(t *testing.T) {
	log := NewFailureLog(3)
	for i := range 5 {
		log.Record(FailureEvent{Operation: "op", TaskID: fmt.Sprintf("t%d", i), Attempt: i})
	}

	if log.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", log.Len())
	}
	events := log.ForOperation("op")
	if events[0].TaskID != "t2" || events[2].TaskID != "t4" {
		t.Errorf("retained = %v..%v, want t2..t4", events[0].TaskID, events[2].TaskID)
	}
	if log.Streak("op") != 5 {
		t.Errorf("Streak() = %d, want 5", log.Streak("op"))
	}

	log.Clear("op")
	if log.Streak("op") != 0 {
		t.Errorf("Streak() after Clear = %d, want 0", log.Streak("op"))
	}
	if log.Len() != 3 {
		t.Error("Clear() dropped events; it should only reset the streak")
	}
}

func TestFailureLog_Since(t *testing.T) {
	log := NewFailureLog(0)
	now := time.Now()
	log.Record(FailureEvent{Operation: "a", At: now.Add(-time.Hour)})
	log.Record(FailureEvent{Operation: "b", At: now})

	got := log.Since(now.Add(-time.Minute))
	if len(got) != 1 || got[0].Operation != "b" {
		t.Errorf("Since() = %+v, want only b", got)
	}
}
