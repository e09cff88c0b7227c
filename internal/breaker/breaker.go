// Package breaker implements the process-wide circuit breaker that gates live
// analyses when the analysis site is failing systematically.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagespeed-audit/internal/audit"
)

// State is the breaker position.
type State int

// Breaker states.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds thresholds for the breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failed analyses that opens
	// the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before a single trial
	// is admitted.
	RecoveryTimeout time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  300 * time.Second,
	}
}

// Snapshot is a point-in-time view of the breaker.
type Snapshot struct {
	State    string    `json:"state"`
	Failures int       `json:"failures"`
	OpenedAt time.Time `json:"opened_at,omitzero"`
}

// Breaker is safe for concurrent use. Its lock is never held while calling
// out to other components.
type Breaker struct {
	cfg      Config
	clock    audit.Clock
	logger   *zap.Logger
	onChange func(State)

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trial    bool
	// gen advances on every transition and stamps each Permit.
	gen uint64
}

// New builds a closed breaker. Zero config values fall back to defaults. The
// zero Permit never matches a window.
func New(cfg Config, clock audit.Clock, logger *zap.Logger) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		cfg:    cfg,
		clock:  clock,
		logger: logger,
		state:  StateClosed,
		gen:    1,
	}
}

// OnStateChange registers fn to be called after every transition. fn runs
// without the breaker lock held. Call before the breaker is shared.
func (b *Breaker) OnStateChange(fn func(State)) {
	b.onChange = fn
}

// Permit identifies the admission window a caller was let in under. Only
// the outcome of a permit issued in the current window moves the breaker.
type Permit struct {
	gen   uint64
	trial bool
}

// Trial reports whether the permit holds the single half-open trial.
func (p Permit) Trial() bool { return p.trial }

// Allow reports whether a live analysis may start and returns the permit the
// caller reports its outcome with. In the half-open state exactly one caller
// is admitted until it reports its outcome.
func (b *Breaker) Allow() (Permit, bool) {
	b.mu.Lock()
	prev := b.state
	b.advanceLocked()
	var permit Permit
	allowed := false
	switch b.state {
	case StateClosed:
		permit = Permit{gen: b.gen}
		allowed = true
	case StateHalfOpen:
		if !b.trial {
			b.trial = true
			permit = Permit{gen: b.gen, trial: true}
			allowed = true
		}
	}
	next := b.state
	b.mu.Unlock()

	b.notify(prev, next)
	return permit, allowed
}

// IsOpen reports whether the circuit currently rejects calls outright.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	prev := b.state
	b.advanceLocked()
	next := b.state
	b.mu.Unlock()

	b.notify(prev, next)
	return next == StateOpen
}

// RecordSuccess closes the circuit and resets the failure counter. Outcomes
// of permits from an earlier window, or of non-trial permits while
// half-open, are ignored.
func (b *Breaker) RecordSuccess(p Permit) {
	b.mu.Lock()
	prev := b.state
	if b.currentLocked(p) {
		switch b.state {
		case StateClosed:
			b.failures = 0
		case StateHalfOpen:
			b.failures = 0
			b.openedAt = time.Time{}
			b.moveLocked(StateClosed)
		case StateOpen:
		}
	}
	next := b.state
	b.mu.Unlock()

	b.notify(prev, next)
}

// RecordFailure counts one exhausted analysis. Stale permits are ignored the
// same way as in RecordSuccess.
func (b *Breaker) RecordFailure(p Permit) {
	b.mu.Lock()
	prev := b.state
	if b.currentLocked(p) {
		switch b.state {
		case StateClosed:
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				b.openLocked()
			}
		case StateHalfOpen:
			b.failures++
			b.openLocked()
		case StateOpen:
		}
	}
	next := b.state
	b.mu.Unlock()

	b.notify(prev, next)
}

// ReleaseTrial returns an admitted half-open trial without an outcome, for
// requests that ended for reasons unrelated to the analysis site. Non-trial
// permits are a no-op.
func (b *Breaker) ReleaseTrial(p Permit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.currentLocked(p) {
		b.trial = false
	}
}

// State returns the current state, applying any due open -> half-open move.
func (b *Breaker) State() State {
	b.mu.Lock()
	prev := b.state
	b.advanceLocked()
	next := b.state
	b.mu.Unlock()

	b.notify(prev, next)
	return next
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Snapshot returns a copy of the breaker state for health endpoints.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:    b.state.String(),
		Failures: b.failures,
		OpenedAt: b.openedAt,
	}
}

// advanceLocked moves open -> half-open once the recovery timeout elapsed.
// Must be called with lock held.
func (b *Breaker) advanceLocked() {
	if b.state != StateOpen {
		return
	}
	if b.clock.Now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.moveLocked(StateHalfOpen)
	}
}

// openLocked must be called with lock held.
func (b *Breaker) openLocked() {
	b.openedAt = b.clock.Now()
	b.moveLocked(StateOpen)
}

// moveLocked must be called with lock held.
func (b *Breaker) moveLocked(s State) {
	b.state = s
	b.trial = false
	b.gen++
}

// currentLocked reports whether p was issued in the current window and, while
// half-open, holds the trial. Must be called with lock held.
func (b *Breaker) currentLocked(p Permit) bool {
	if p.gen != b.gen {
		return false
	}
	if b.state == StateHalfOpen {
		return p.trial
	}
	return true
}

func (b *Breaker) notify(prev, next State) {
	if prev == next {
		return
	}
	b.logger.Info("circuit breaker transition",
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
	)
	if b.onChange != nil {
		b.onChange(next)
	}
}
