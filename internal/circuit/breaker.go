// Package circuit implements a circuit breaker that stops calling a backend
// after repeated transport failures and probes it again after a timeout.
package circuit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/objectfs/fscache/pkg/errors"
	"github.com/objectfs/fscache/pkg/utils"
)

// State represents the circuit breaker state
type State int32

const (
	// StateClosed lets requests pass through
	StateClosed State = iota
	// StateOpen rejects requests until the timeout elapses
	StateOpen
	// StateHalfOpen allows a limited number of probe requests
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config contains circuit breaker configuration
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// MaxRequests is the number of probes allowed while half-open
	MaxRequests uint32 `yaml:"max_requests"`

	// Timeout is how long the breaker stays open
	Timeout time.Duration `yaml:"timeout"`

	// IsSuccessful decides whether an error counts against the backend.
	// The default treats caller errors such as NOT_FOUND as successes.
	IsSuccessful func(err error) bool `yaml:"-"`

	OnStateChange func(name string, from, to State) `yaml:"-"`

	Logger *slog.Logger `yaml:"-"`
}

// Counts holds the numbers of requests and their outcomes
type Counts struct {
	Requests             uint32 `json:"requests"`
	TotalSuccesses       uint32 `json:"total_successes"`
	TotalFailures        uint32 `json:"total_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// ErrOpen is returned while the breaker rejects requests.
var ErrOpen = errors.New(errors.ErrCodeSourceUnavailable, "circuit breaker is open").WithComponent("circuit")

// Breaker implements the circuit breaker pattern
type Breaker struct {
	name   string
	config Config
	logger *slog.Logger

	mu     sync.Mutex
	counts Counts
	expiry time.Time
	now    func() time.Time

	// state mirrors the guarded state for lock-free reads by metrics
	state    *atomic.Int32
	rejected *atomic.Uint64
}

// New creates a breaker. Zero config fields take defaults: five failures,
// one probe, thirty seconds open.
func New(name string, config Config) *Breaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.MaxRequests == 0 {
		config.MaxRequests = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.IsSuccessful == nil {
		config.IsSuccessful = DefaultIsSuccessful
	}
	return &Breaker{
		name:     name,
		config:   config,
		logger:   utils.OrDefault(config.Logger).With("component", "circuit", "breaker", name),
		now:      time.Now,
		state:    atomic.NewInt32(int32(StateClosed)),
		rejected: atomic.NewUint64(0),
	}
}

// DefaultIsSuccessful counts only transport failures against the backend.
// Context cancellation is the caller's doing and never trips the breaker.
func DefaultIsSuccessful(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	switch errors.CodeOf(err) {
	case errors.ErrCodeSourceUnavailable, errors.ErrCodeInternalError, "":
		return false
	}
	return true
}

// Execute runs fn if the breaker allows it.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	b.afterRequest(err)
	return err
}

func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentStateLocked() {
	case StateOpen:
		b.rejected.Inc()
		return ErrOpen
	case StateHalfOpen:
		if b.counts.Requests >= b.config.MaxRequests {
			b.rejected.Inc()
			return ErrOpen
		}
	}
	b.counts.Requests++
	return nil
}

func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentStateLocked()
	if b.config.IsSuccessful(err) {
		b.counts.onSuccess()
		if state == StateHalfOpen {
			b.setStateLocked(StateClosed)
		}
		return
	}

	b.counts.onFailure()
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
			b.logger.Warn("opening circuit breaker", "failures", b.counts.ConsecutiveFailures, "error", err)
			b.setStateLocked(StateOpen)
		}
	case StateHalfOpen:
		b.setStateLocked(StateOpen)
	}
}

func (b *Breaker) currentStateLocked() State {
	state := State(b.state.Load())
	if state == StateOpen && !b.now().Before(b.expiry) {
		b.setStateLocked(StateHalfOpen)
		return StateHalfOpen
	}
	return state
}

func (b *Breaker) setStateLocked(to State) {
	from := State(b.state.Load())
	if from == to {
		return
	}
	b.state.Store(int32(to))
	b.counts = Counts{}
	if to == StateOpen {
		b.expiry = b.now().Add(b.config.Timeout)
	} else {
		b.expiry = time.Time{}
	}
	b.logger.Debug("circuit breaker state change", "from", from, "to", to)
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, from, to)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked()
}

// Counts returns a copy of the current counts.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Rejected returns how many requests the breaker refused.
func (b *Breaker) Rejected() uint64 { return b.rejected.Load() }

// Reset closes the breaker and clears its counts.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setStateLocked(StateClosed)
	b.counts = Counts{}
}

// Name returns the name of the breaker.
func (b *Breaker) Name() string { return b.name }
