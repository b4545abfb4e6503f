// Package breaker implements per-dependency circuit breaking for the
// fetch, delivery, and auth collaborators.
package breaker

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/fetchrelay/backend/internal/errors"
)

// State represents breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
	// MaxCooldown caps the cooldown growth when probes keep failing.
	MaxCooldown time.Duration
}

// DefaultConfig matches the production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
		MaxCooldown:      10 * time.Minute,
	}
}

// Breaker guards calls to one external dependency.
//
// Closed passes calls through and counts consecutive failures. Reaching the
// threshold opens the breaker: calls fail fast with DEPENDENCY_UNAVAILABLE
// until the cooldown elapses, then exactly one caller is admitted as a probe
// (half-open). The probe's outcome closes or re-opens the breaker; every
// other caller keeps failing fast while the probe is in flight.
type Breaker struct {
	name string
	cfg  Config

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	cooldown            time.Duration
	probeInFlight       bool

	now func() time.Time
}

// New creates a breaker for the named dependency.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = DefaultConfig().MaxCooldown
	}
	// the cap must never pull the cooldown below its starting value
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = cfg.Cooldown
	}
	return &Breaker{
		name:     name,
		cfg:      cfg,
		state:    StateClosed,
		cooldown: cfg.Cooldown,
		now:      time.Now,
	}
}

// Name returns the dependency name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn through the breaker. When the breaker is open it returns
// DEPENDENCY_UNAVAILABLE without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := b.acquire()
	if err != nil {
		return err
	}

	callErr := fn(ctx)
	b.record(probe, callErr)
	return callErr
}

// acquire decides whether a call may proceed. The returned flag marks the
// call as the half-open probe.
func (b *Breaker) acquire() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil

	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false, apperrors.DependencyUnavailable(b.name)
		}
		// cooldown elapsed: this caller becomes the single probe
		b.state = StateHalfOpen
		b.probeInFlight = true
		return true, nil

	default: // StateHalfOpen
		if b.probeInFlight {
			return false, apperrors.DependencyUnavailable(b.name)
		}
		b.probeInFlight = true
		return true, nil
	}
}

// record applies a call outcome to the breaker state.
func (b *Breaker) record(probe bool, callErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probeInFlight = false
		if callErr == nil {
			b.state = StateClosed
			b.consecutiveFailures = 0
			b.cooldown = b.cfg.Cooldown
			return
		}
		// probe failed: back off harder before the next one
		b.state = StateOpen
		b.openedAt = b.now()
		b.cooldown = min(b.cooldown*2, b.cfg.MaxCooldown)
		return
	}

	if callErr == nil {
		b.consecutiveFailures = 0
		return
	}

	b.consecutiveFailures++
	if b.state == StateClosed && b.consecutiveFailures >= b.cfg.FailureThreshold {
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

// Snapshot reports breaker internals for the status surface.
type Snapshot struct {
	Dependency          string    `json:"dependency"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	CooldownSeconds     float64   `json:"cooldown_seconds"`
}

// Snapshot returns a point-in-time view of the breaker.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Dependency:          b.name,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		OpenedAt:            b.openedAt,
		CooldownSeconds:     b.cooldown.Seconds(),
	}
}

// Registry holds one breaker per dependency behind a single accessor so all
// callers share breaker state for the same dependency.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	cfg      Config
}

// NewRegistry creates a registry applying cfg to new breakers.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
	}
}

// Get returns the breaker for a dependency, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.cfg)
		r.breakers[name] = b
	}
	return b
}

// Snapshots returns the state of every registered breaker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
