package circuit

import (
	"context"
	stderr "errors"
	"sync"
	"testing"
	"time"

	"github.com/objectfs/fscache/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(config Config) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b := New("test", config)
	b.now = clock.Now
	return b, clock
}

var errTransport = errors.New(errors.ErrCodeSourceUnavailable, "connection reset")

func fail(context.Context) error    { return errTransport }
func succeed(context.Context) error { return nil }

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "CLOSED"},
		{StateOpen, "OPEN"},
		{StateHalfOpen, "HALF_OPEN"},
		{State(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	b := New("s3", Config{})
	if b.config.FailureThreshold != 5 || b.config.MaxRequests != 1 || b.config.Timeout != 30*time.Second {
		t.Errorf("unexpected defaults: %+v", b.config)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v", b.State())
	}
	if b.Name() != "s3" {
		t.Errorf("Name() = %q", b.Name())
	}
}

func TestDefaultIsSuccessful(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, true},
		{"canceled", context.Canceled, true},
		{"not found", errors.New(errors.ErrCodeNotFound, "x"), true},
		{"out of range", errors.New(errors.ErrCodeOutOfRange, "x"), true},
		{"unavailable", errTransport, false},
		{"plain", stderr.New("boom"), false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultIsSuccessful(tt.err); got != tt.want {
				t.Errorf("DefaultIsSuccessful(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestBreaker_StateTransitions(t *testing.T) {
	var transitions []string
	b, clock := newTestBreaker(Config{
		FailureThreshold: 3,
		Timeout:          time.Minute,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_ = b.Execute(ctx, fail)
	}
	if b.State() != StateClosed {
		t.Fatalf("opened before threshold")
	}
	_ = b.Execute(ctx, fail)
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want OPEN", b.State())
	}

	called := false
	err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrOpen) || called {
		t.Errorf("open breaker should reject without calling, err = %v", err)
	}
	if !errors.Is(err, errors.ErrSourceUnavailable) {
		t.Errorf("rejection should be SOURCE_UNAVAILABLE, got %v", err)
	}
	if b.Rejected() != 1 {
		t.Errorf("Rejected() = %d", b.Rejected())
	}

	clock.Advance(time.Minute)
	if b.State() != StateHalfOpen {
		t.Fatalf("state after timeout = %v, want HALF_OPEN", b.State())
	}
	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state after probe = %v, want CLOSED", b.State())
	}

	want := []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 1, Timeout: time.Second})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clock.Advance(time.Second)
	_ = b.Execute(ctx, fail)
	if b.State() != StateOpen {
		t.Errorf("state = %v, want OPEN", b.State())
	}
}

func TestBreaker_HalfOpenLimitsProbes(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 1, Timeout: time.Second, MaxRequests: 1})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clock.Advance(time.Second)

	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error { <-release; return nil })
	}()

	// wait for the probe to be admitted
	for b.Counts().Requests == 0 {
		time.Sleep(time.Millisecond)
	}
	if err := b.Execute(ctx, succeed); !errors.Is(err, ErrOpen) {
		t.Errorf("second probe err = %v, want ErrOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("probe err = %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want CLOSED", b.State())
	}
}

func TestBreaker_CallerErrorsDoNotTrip(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1})
	notFound := errors.New(errors.ErrCodeNotFound, "missing")

	for i := 0; i < 5; i++ {
		if err := b.Execute(context.Background(), func(context.Context) error { return notFound }); err != notFound {
			t.Fatalf("error not passed through: %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want CLOSED", b.State())
	}
	if c := b.Counts(); c.TotalSuccesses != 5 {
		t.Errorf("TotalSuccesses = %d", c.TotalSuccesses)
	}
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1})
	_ = b.Execute(context.Background(), fail)
	b.Reset()
	if b.State() != StateClosed {
		t.Errorf("state after Reset = %v", b.State())
	}
	if c := b.Counts(); c != (Counts{}) {
		t.Errorf("counts after Reset = %+v", c)
	}
}
