package health

import (
	"fmt"
	"sync"
	"testing"

	"github.com/objectfs/fscache/pkg/errors"
)

func TestTracker_UnknownComponentIsHealthy(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	if state := tracker.GetState("s3://bucket"); state != StateHealthy {
		t.Errorf("GetState = %s, want healthy", state)
	}
	if tracker.Overall() != StateHealthy {
		t.Errorf("Overall = %s, want healthy", tracker.Overall())
	}
}

func TestTracker_RecordSuccess(t *testing.T) {
	tracker := NewTracker(DefaultConfig())

	tracker.RecordError("cat", fmt.Errorf("test error"))
	tracker.RecordError("cat", fmt.Errorf("test error"))
	tracker.RecordSuccess("cat")
	tracker.RecordSuccess("cat")

	c := tracker.Components()
	if len(c) != 1 || c[0].ConsecutiveErrors != 0 || c[0].State != StateHealthy {
		t.Errorf("Components = %+v", c)
	}
}

func TestTracker_Transitions(t *testing.T) {
	var mu sync.Mutex
	var changes []string
	tracker := NewTracker(Config{
		ErrorThreshold:       2,
		UnavailableThreshold: 4,
		OnStateChange: func(component string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			changes = append(changes, fmt.Sprintf("%s:%s->%s", component, from, to))
		},
	})
	unavailable := errors.New(errors.ErrCodeSourceUnavailable, "503")

	tracker.RecordError("cat", unavailable)
	if tracker.GetState("cat") != StateHealthy {
		t.Fatalf("one error: %s", tracker.GetState("cat"))
	}
	tracker.RecordError("cat", unavailable)
	if tracker.GetState("cat") != StateDegraded {
		t.Fatalf("two errors: %s", tracker.GetState("cat"))
	}
	tracker.RecordError("cat", unavailable)
	tracker.RecordError("cat", unavailable)
	if tracker.GetState("cat") != StateUnavailable {
		t.Fatalf("four errors: %s", tracker.GetState("cat"))
	}
	if tracker.CanRead("cat") || tracker.CanWrite("cat") {
		t.Error("unavailable component accepts requests")
	}

	for i := 0; i < 4; i++ {
		tracker.RecordSuccess("cat")
	}
	if tracker.GetState("cat") != StateHealthy {
		t.Fatalf("after recovery: %s", tracker.GetState("cat"))
	}

	want := []string{"cat:healthy->degraded", "cat:degraded->unavailable", "cat:unavailable->healthy"}
	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(changes) != fmt.Sprint(want) {
		t.Errorf("changes = %v, want %v", changes, want)
	}
}

func TestTracker_WriteErrorsAreReadOnly(t *testing.T) {
	tracker := NewTracker(Config{ErrorThreshold: 1})
	tracker.RecordError("put", errors.New(errors.ErrCodePermissionDenied, "access denied"))

	if tracker.GetState("put") != StateReadOnly {
		t.Fatalf("GetState = %s, want read-only", tracker.GetState("put"))
	}
	if !tracker.CanRead("put") || tracker.CanWrite("put") {
		t.Error("read-only component should allow reads only")
	}
}

func TestTracker_CallerErrorsDoNotCount(t *testing.T) {
	tracker := NewTracker(Config{ErrorThreshold: 1})

	tests := []struct {
		err    error
		counts bool
	}{
		{nil, false},
		{errors.New(errors.ErrCodeNotFound, "missing"), false},
		{errors.New(errors.ErrCodeOutOfRange, "past end"), false},
		{errors.New(errors.ErrCodeConcurrentModification, "changed"), false},
		{errors.New(errors.ErrCodeSourceUnavailable, "down"), true},
		{errors.New(errors.ErrCodeCacheCorruption, "bad copy"), true},
		{fmt.Errorf("plain"), true},
	}
	for _, tt := range tests {
		if got := Counts(tt.err); got != tt.counts {
			t.Errorf("Counts(%v) = %v, want %v", tt.err, got, tt.counts)
		}
	}

	tracker.Record("cat", errors.New(errors.ErrCodeNotFound, "missing"))
	if tracker.GetState("cat") != StateHealthy {
		t.Errorf("NOT_FOUND degraded the component")
	}
	tracker.Record("cat", errors.New(errors.ErrCodeSourceUnavailable, "down"))
	if tracker.GetState("cat") != StateDegraded {
		t.Errorf("SOURCE_UNAVAILABLE did not degrade the component")
	}
}

func TestTracker_SetStateAndOverall(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RecordSuccess("cat")
	tracker.SetState("s3://bucket", StateUnavailable, "circuit breaker is OPEN")

	if tracker.Overall() != StateUnavailable {
		t.Errorf("Overall = %s, want unavailable", tracker.Overall())
	}
	c := tracker.Components()
	if len(c) != 2 || c[0].Name != "cat" || c[1].LastError != "circuit breaker is OPEN" {
		t.Errorf("Components = %+v", c)
	}

	tracker.SetState("s3://bucket", StateHealthy, "")
	if tracker.Overall() != StateHealthy {
		t.Errorf("Overall after reset = %s", tracker.Overall())
	}
	if tracker.Components()[1].LastError != "" {
		t.Error("LastError kept after recovery")
	}
}

func TestState_MarshalText(t *testing.T) {
	b, err := StateReadOnly.MarshalText()
	if err != nil || string(b) != "read-only" {
		t.Errorf("MarshalText = %q, %v", b, err)
	}
	var st State
	if err := st.UnmarshalText([]byte("unavailable")); err != nil || st != StateUnavailable {
		t.Errorf("UnmarshalText = %s, %v", st, err)
	}
	if err := st.UnmarshalText([]byte("sleepy")); !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("UnmarshalText(sleepy) = %v", err)
	}
	if State(42).String() != "unknown" {
		t.Errorf("unknown state = %s", State(42))
	}
}
