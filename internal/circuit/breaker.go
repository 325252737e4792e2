// Package circuit guards storage plugin calls with a circuit breaker so a
// failing endpoint is not hammered by every worker at once.
package circuit

import (
	"context"
	stderr "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/objectfs/objectsync/pkg/errors"
	"github.com/objectfs/objectsync/pkg/retry"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - calls pass through
	StateClosed State = iota
	// StateOpen - calls are rejected with a transient error
	StateOpen
	// StateHalfOpen - a limited number of probe calls pass through
	StateHalfOpen
)

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

// MarshalText renders the state name in JSON status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config contains circuit breaker configuration
type Config struct {
	// Maximum number of probe calls allowed while half-open
	MaxRequests uint32 `yaml:"max_requests" env:"MAX_REQUESTS"`

	// Period of the closed state after which counts are cleared
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`

	// Period of the open state after which the breaker enters half-open state
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`

	// MinRequests and FailureRatio drive the default trip decision.
	MinRequests  uint32  `yaml:"min_requests" env:"MIN_REQUESTS"`
	FailureRatio float64 `yaml:"failure_ratio" env:"FAILURE_RATIO"`

	ReadyToTrip   func(counts Counts) bool                  `yaml:"-"`
	OnStateChange func(name string, from State, to State) `yaml:"-"`

	// IsSuccessful decides whether err counts against the endpoint.
	IsSuccessful func(err error) bool `yaml:"-"`
}

// DefaultConfig returns the breaker settings used for storage plugins.
func DefaultConfig() Config {
	return Config{
		MaxRequests:  1,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  20,
		FailureRatio: 0.5,
	}
}

// Counts holds the numbers of requests and their successes/failures
type Counts struct {
	Requests             uint32    `json:"requests"`
	TotalSuccesses       uint32    `json:"total_successes"`
	TotalFailures        uint32    `json:"total_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	LastActivity         time.Time `json:"last_activity"`
}

// Breaker implements the circuit breaker pattern around one storage endpoint.
type Breaker struct {
	name   string
	config Config
	now    func() time.Time

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// New creates a breaker. Zero config fields take DefaultConfig values.
func New(name string, config Config) *Breaker {
	def := DefaultConfig()
	if config.MaxRequests == 0 {
		config.MaxRequests = def.MaxRequests
	}
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.MinRequests == 0 {
		config.MinRequests = def.MinRequests
	}
	if config.FailureRatio <= 0 {
		config.FailureRatio = def.FailureRatio
	}
	if config.ReadyToTrip == nil {
		minReq, ratio := config.MinRequests, config.FailureRatio
		config.ReadyToTrip = func(c Counts) bool {
			return c.Requests >= minReq && float64(c.TotalFailures)/float64(c.Requests) >= ratio
		}
	}
	if config.IsSuccessful == nil {
		config.IsSuccessful = IsSuccessful
	}

	b := &Breaker{
		name:   name,
		config: config,
		now:    time.Now,
		state:  StateClosed,
	}
	b.expiry = b.now().Add(config.Interval)
	return b
}

// IsSuccessful counts only transient failures against the endpoint. A
// missing object or a rejected request says nothing about its health, and
// neither does a cancelled caller.
func IsSuccessful(err error) bool {
	if err == nil {
		return true
	}
	if stderr.Is(err, context.Canceled) {
		return true
	}
	return retry.Classify(err) != retry.Transient
}

// SetClock replaces the time source.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	b.expiry = now().Add(b.config.Interval)
}

// Execute runs fn if the breaker allows it.
func (b *Breaker) Execute(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := b.beforeRequest(op); err != nil {
		return err
	}
	err := fn(ctx)
	b.afterRequest(err)
	return err
}

func (b *Breaker) beforeRequest(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState(b.now())
	switch {
	case state == StateOpen:
		return b.rejection(op, "circuit breaker is open")
	case state == StateHalfOpen && b.counts.Requests >= b.config.MaxRequests:
		return b.rejection(op, "too many requests in half-open state")
	}

	b.counts.onRequest(b.now())
	return nil
}

func (b *Breaker) rejection(op, msg string) error {
	e := errors.NewError(errors.ErrCodeCircuitOpen, msg).
		WithComponent(b.name).
		WithOperation(op).
		WithDetail("retry_after", b.expiry.Sub(b.now()).String())
	e.Retryable = true
	return e
}

func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state := b.currentState(now)

	if b.config.IsSuccessful(err) {
		b.counts.onSuccess()
		if state == StateHalfOpen {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.onFailure()
	switch state {
	case StateClosed:
		if b.config.ReadyToTrip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) State {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.counts.clear()
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state
}

func (b *Breaker) setState(state State, now time.Time) {
	prev := b.state
	if prev == state {
		return
	}

	b.state = state
	b.counts.clear()

	switch state {
	case StateClosed:
		b.expiry = now.Add(b.config.Interval)
	case StateOpen:
		b.expiry = now.Add(b.config.Timeout)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(b.now())
}

// Counts returns a copy of the current counts.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker and clears its counts.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts.clear()
	b.setState(StateClosed, b.now())
}

func (b *Breaker) Name() string {
	return b.name
}

func (c *Counts) onRequest(now time.Time) {
	c.Requests++
	c.LastActivity = now
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

func (c *Counts) clear() {
	*c = Counts{}
}

// ErrOpen matches any rejection by an open or saturated breaker.
var ErrOpen = &errors.SyncError{Code: errors.ErrCodeCircuitOpen}

// Manager hands out one breaker per storage endpoint.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

func NewManager(config Config) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		config:   config,
	}
}

// Get returns the breaker for name, creating it on first use.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	if b, ok := m.breakers[name]; ok {
		m.mu.RUnlock()
		return b
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}
	b := New(name, m.config)
	m.breakers[name] = b
	return b
}

// Register adds a breaker created elsewhere, replacing any breaker of the
// same name.
func (m *Manager) Register(b *Breaker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakers[b.name] = b
}

// Stats describes one breaker for status output.
type Stats struct {
	Name   string `json:"name"`
	State  State  `json:"state"`
	Counts Counts `json:"counts"`
}

// Stats returns the state of every breaker, sorted by name.
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.RUnlock()

	out := make([]Stats, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, Stats{Name: b.name, State: b.State(), Counts: b.Counts()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HealthCheck fails when any breaker is open.
func (m *Manager) HealthCheck() error {
	var open []string
	for _, s := range m.Stats() {
		if s.State == StateOpen {
			open = append(open, s.Name)
		}
	}
	if len(open) > 0 {
		return fmt.Errorf("circuit breakers open: %v", open)
	}
	return nil
}
