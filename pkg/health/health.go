// Package health tracks the health of named components from the outcomes
// of their operations.
package health

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/objectfs/fscache/pkg/errors"
	"github.com/objectfs/fscache/pkg/utils"
)

// State represents the health state of a component
type State int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy State = iota

	// StateDegraded indicates the component is failing some requests
	StateDegraded

	// StateReadOnly indicates reads work but writes are being refused
	StateReadOnly

	// StateUnavailable indicates the component is not operational
	StateUnavailable
)

// String returns the string representation of a health state
func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateHealthy; st <= StateUnavailable; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return errors.Newf(errors.ErrCodeInvalidConfig, "unknown health state %q", text).WithComponent("health")
}

// ComponentHealth tracks the health of a specific component
type ComponentHealth struct {
	Name              string    `json:"name"`
	State             State     `json:"state"`
	LastStateChange   time.Time `json:"last_state_change"`
	LastCheck         time.Time `json:"last_check"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastError         string    `json:"last_error,omitempty"`
}

// Config configures health tracking behavior
type Config struct {
	// ErrorThreshold is the number of consecutive errors before marking a
	// component degraded (or read-only for write failures).
	ErrorThreshold int `yaml:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before
	// marking it unavailable.
	UnavailableThreshold int `yaml:"unavailable_threshold"`

	// OnStateChange is called after every transition, with the lock released.
	OnStateChange func(component string, from, to State) `yaml:"-"`

	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns a default tracker configuration
func DefaultConfig() Config {
	return Config{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
	}
}

// Tracker tracks the health of components and determines overall health.
// Components are registered on first use.
type Tracker struct {
	mu         sync.RWMutex
	components map[string]*ComponentHealth
	config     Config
	logger     *slog.Logger
	now        func() time.Time
}

// NewTracker creates a new health tracker
func NewTracker(config Config) *Tracker {
	def := DefaultConfig()
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = def.ErrorThreshold
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = max(def.UnavailableThreshold, config.ErrorThreshold)
	}
	return &Tracker{
		components: make(map[string]*ComponentHealth),
		config:     config,
		logger:     utils.OrDefault(config.Logger).With("component", "health"),
		now:        time.Now,
	}
}

// Counts reports whether err says something about the health of the
// component that returned it. Caller mistakes such as a missing object or
// a bad range do not.
func Counts(err error) bool {
	if err == nil {
		return false
	}
	switch errors.CodeOf(err) {
	case errors.ErrCodeNotFound, errors.ErrCodeOutOfRange, errors.ErrCodeInvalidConfig,
		errors.ErrCodeInvalidMode, errors.ErrCodeUnsupported, errors.ErrCodeHandleClosed,
		errors.ErrCodeTooLarge, errors.ErrCodeConcurrentModification:
		return false
	}
	return true
}

// isWriteError reports failures that leave reads working.
func isWriteError(err error) bool {
	switch errors.CodeOf(err) {
	case errors.ErrCodePermissionDenied, errors.ErrCodeIncompleteUpload:
		return true
	}
	return false
}

func (t *Tracker) componentLocked(name string) *ComponentHealth {
	c, ok := t.components[name]
	if !ok {
		now := t.now()
		c = &ComponentHealth{Name: name, State: StateHealthy, LastStateChange: now, LastCheck: now}
		t.components[name] = c
	}
	return c
}

// Record records the outcome of one operation of component. Errors for
// which Counts is false are treated as successes.
func (t *Tracker) Record(component string, err error) {
	if !Counts(err) {
		t.RecordSuccess(component)
		return
	}
	t.RecordError(component, err)
}

// RecordSuccess records a successful operation for a component. Each
// success forgives one earlier error; the component is healthy again once
// none remain.
func (t *Tracker) RecordSuccess(component string) {
	t.mu.Lock()
	c := t.componentLocked(component)
	c.LastCheck = t.now()
	from := c.State
	if c.ConsecutiveErrors > 0 {
		c.ConsecutiveErrors--
	}
	if c.ConsecutiveErrors == 0 && c.State != StateHealthy {
		t.transitionLocked(c, StateHealthy)
	}
	to := c.State
	t.mu.Unlock()
	t.notify(component, from, to)
}

// RecordError records an error for a component
func (t *Tracker) RecordError(component string, err error) {
	t.mu.Lock()
	c := t.componentLocked(component)
	c.LastCheck = t.now()
	c.ConsecutiveErrors++
	if err != nil {
		c.LastError = err.Error()
	}
	from := c.State
	switch {
	case c.ConsecutiveErrors >= t.config.UnavailableThreshold:
		t.transitionLocked(c, StateUnavailable)
	case c.ConsecutiveErrors >= t.config.ErrorThreshold:
		if isWriteError(err) {
			t.transitionLocked(c, StateReadOnly)
		} else {
			t.transitionLocked(c, StateDegraded)
		}
	}
	to := c.State
	t.mu.Unlock()
	t.notify(component, from, to)
}

// SetState forces the state of a component whose health is known from
// elsewhere, such as a circuit breaker.
func (t *Tracker) SetState(component string, state State, reason string) {
	t.mu.Lock()
	c := t.componentLocked(component)
	c.LastCheck = t.now()
	from := c.State
	t.transitionLocked(c, state)
	if state != StateHealthy {
		c.LastError = reason
	}
	t.mu.Unlock()
	t.notify(component, from, state)
}

func (t *Tracker) transitionLocked(c *ComponentHealth, to State) {
	if c.State == to {
		return
	}
	c.State = to
	c.LastStateChange = t.now()
	if to == StateHealthy {
		c.ConsecutiveErrors = 0
		c.LastError = ""
	}
}

func (t *Tracker) notify(component string, from, to State) {
	if from == to {
		return
	}
	t.logger.Info("health state changed", "target", component, "from", from.String(), "to", to.String())
	if t.config.OnStateChange != nil {
		t.config.OnStateChange(component, from, to)
	}
}

// GetState returns the current health state of a component. Unknown
// components are healthy.
func (t *Tracker) GetState(component string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.components[component]; ok {
		return c.State
	}
	return StateHealthy
}

// Components returns copies of every component, sorted by name.
func (t *Tracker) Components() []ComponentHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ComponentHealth, 0, len(t.components))
	for _, c := range t.components {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Overall returns the worst state of any component.
func (t *Tracker) Overall() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	overall := StateHealthy
	for _, c := range t.components {
		if c.State > overall {
			overall = c.State
		}
	}
	return overall
}

// CanRead returns true if the component can perform read operations
func (t *Tracker) CanRead(component string) bool {
	return t.GetState(component) != StateUnavailable
}

// CanWrite returns true if the component can perform write operations
func (t *Tracker) CanWrite(component string) bool {
	state := t.GetState(component)
	return state == StateHealthy || state == StateDegraded
}
