// Package pool owns the bounded set of live browser instances. Instances are
// handed to exactly one caller at a time and evicted (session terminated, slot
// freed) rather than reused once they are judged unhealthy.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/pagespeed-audit/internal/audit"
)

var (
	// ErrPoolExhausted is returned when no instance frees up before the
	// acquire timeout.
	ErrPoolExhausted = errors.New("browser pool exhausted")
	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("browser pool closed")
)

// Config controls pool sizing and housekeeping.
type Config struct {
	MaxInstances        int
	MemoryCeiling       uint64
	IdleTTL             time.Duration
	HealthCheckInterval time.Duration
	// MaxInstanceFailures evicts an instance after this many consecutive
	// failed attempts. Zero disables the cap.
	MaxInstanceFailures int
	// ProbeTimeout bounds each liveness probe made by the health check.
	ProbeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxInstances <= 0 {
		c.MaxInstances = 2
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 5 * time.Minute
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	return c
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Idle       int   `json:"idle"`
	Busy       int   `json:"busy"`
	Launching  int   `json:"launching"`
	Live       int   `json:"live"`
	Max        int   `json:"max"`
	ColdStarts int64 `json:"cold_starts"`
	WarmStarts int64 `json:"warm_starts"`
	Evictions  int64 `json:"evictions"`
}

// Observer receives a Stats snapshot after every pool transition. It is called
// without the pool lock held.
type Observer func(Stats)

// Pool is safe for concurrent use.
type Pool struct {
	cfg      Config
	launcher audit.Launcher
	ids      audit.IDGenerator
	clock    audit.Clock
	logger   *zap.Logger
	observer Observer

	mu        sync.Mutex
	instances map[string]*Instance
	launching int
	wake      chan struct{}
	closed    bool
	stats     Stats
}

// New builds an empty pool. Instances are launched lazily by Acquire.
func New(
	cfg Config,
	launcher audit.Launcher,
	ids audit.IDGenerator,
	clock audit.Clock,
	logger *zap.Logger,
) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:       cfg,
		launcher:  launcher,
		ids:       ids,
		clock:     clock,
		logger:    logger,
		instances: make(map[string]*Instance),
		wake:      make(chan struct{}),
		stats:     Stats{Max: cfg.MaxInstances},
	}
}

// SetObserver registers fn for stats updates. Call before the pool is shared.
func (p *Pool) SetObserver(fn Observer) {
	p.observer = fn
}

// Acquire returns an instance in the BUSY state. It prefers the idle instance
// with the lowest memory footprint, launches a new one while below capacity,
// and otherwise blocks until one is released, timeout elapses, or ctx ends.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Instance, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if inst := p.pickIdleLocked(); inst != nil {
			inst.state = StateBusy
			inst.LastUsed = p.clock.Now()
			p.stats.WarmStarts++
			snap := p.snapshotLocked()
			p.mu.Unlock()

			p.logger.Debug("instance acquired", zap.String("instance_id", inst.ID), zap.Bool("warm", true))
			p.emit(snap)
			return inst, nil
		}
		if p.liveLocked() < p.cfg.MaxInstances {
			p.launching++
			snap := p.snapshotLocked()
			p.mu.Unlock()
			p.emit(snap)
			return p.launch(ctx)
		}
		wait := p.wake
		p.mu.Unlock()

		select {
		case <-wait:
		case <-timer.C:
			return nil, fmt.Errorf("%w after %s", ErrPoolExhausted, timeout)
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire instance: %w", ctx.Err())
		}
	}
}

// launch starts a session for a slot already reserved by Acquire.
func (p *Pool) launch(ctx context.Context) (*Instance, error) {
	id, err := p.ids.NewID()
	if err == nil {
		var session audit.Session
		session, err = p.launcher.Launch(ctx)
		if err == nil {
			now := p.clock.Now()
			inst := &Instance{
				ID:        id,
				session:   session,
				state:     StateBusy,
				CreatedAt: now,
				LastUsed:  now,
			}
			p.mu.Lock()
			p.launching--
			if p.closed {
				p.mu.Unlock()
				p.terminate(inst)
				return nil, ErrPoolClosed
			}
			p.instances[id] = inst
			p.stats.ColdStarts++
			snap := p.snapshotLocked()
			p.mu.Unlock()

			p.logger.Info("instance launched", zap.String("instance_id", id))
			p.emit(snap)
			return inst, nil
		}
	}

	p.mu.Lock()
	p.launching--
	p.broadcastLocked()
	snap := p.snapshotLocked()
	p.mu.Unlock()
	p.emit(snap)
	return nil, fmt.Errorf("launch instance: %w", err)
}

// Release returns inst to the pool. A healthy release makes it IDLE and
// resets its failure count; an unhealthy one (or an instance the monitor
// flagged) is terminated and its slot freed.
func (p *Pool) Release(inst *Instance, healthy bool) {
	if inst == nil {
		return
	}
	p.mu.Lock()
	if inst.state == StateTerminated {
		p.mu.Unlock()
		return
	}
	if !healthy || inst.state == StateUnhealthy || p.closed {
		p.evictLocked(inst)
		snap := p.snapshotLocked()
		p.mu.Unlock()

		p.logger.Info("instance evicted", zap.String("instance_id", inst.ID))
		p.terminate(inst)
		p.emit(snap)
		return
	}
	inst.state = StateIdle
	inst.Failures = 0
	inst.LastUsed = p.clock.Now()
	p.broadcastLocked()
	snap := p.snapshotLocked()
	p.mu.Unlock()
	p.emit(snap)
}

// ReleaseFailed returns inst after a failed attempt that did not damage the
// browser. The consecutive failure count is kept, and the instance is evicted
// once it reaches MaxInstanceFailures.
func (p *Pool) ReleaseFailed(inst *Instance) {
	if inst == nil {
		return
	}
	p.mu.Lock()
	if inst.state == StateTerminated {
		p.mu.Unlock()
		return
	}
	inst.Failures++
	limit := p.cfg.MaxInstanceFailures
	evict := inst.state == StateUnhealthy || p.closed || (limit > 0 && inst.Failures >= limit)
	if evict {
		p.evictLocked(inst)
	} else {
		inst.state = StateIdle
		inst.LastUsed = p.clock.Now()
		p.broadcastLocked()
	}
	snap := p.snapshotLocked()
	p.mu.Unlock()

	if evict {
		p.logger.Info("instance evicted after failures",
			zap.String("instance_id", inst.ID),
			zap.Int("failures", inst.Failures),
		)
		p.terminate(inst)
	}
	p.emit(snap)
}

// MarkUnhealthy flags a busy instance so that its release evicts it.
func (p *Pool) MarkUnhealthy(inst *Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if inst.state == StateBusy {
		inst.state = StateUnhealthy
	}
}

// ObserveMemory records the latest memory sample for inst.
func (p *Pool) ObserveMemory(inst *Instance, bytes uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst.MemoryBytes = bytes
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// Close terminates every instance. Acquire fails afterwards; busy instances
// are terminated when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var idle []*Instance
	for _, inst := range p.instances {
		if inst.state == StateIdle {
			p.evictLocked(inst)
			idle = append(idle, inst)
		}
	}
	p.broadcastLocked()
	snap := p.snapshotLocked()
	p.mu.Unlock()

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, inst := range idle {
		eg.Go(func() error {
			if err := inst.session.Terminate(); err != nil {
				return fmt.Errorf("terminate %s: %w", inst.ID, err)
			}
			return nil
		})
	}
	err := eg.Wait()
	p.emit(snap)
	p.logger.Info("browser pool closed",
		zap.Int64("cold_starts", snap.ColdStarts),
		zap.Int64("warm_starts", snap.WarmStarts),
		zap.Int64("evictions", snap.Evictions),
	)
	return err
}

// pickIdleLocked must be called with lock held.
func (p *Pool) pickIdleLocked() *Instance {
	var best *Instance
	for _, inst := range p.instances {
		if inst.state != StateIdle {
			continue
		}
		if best == nil || inst.MemoryBytes < best.MemoryBytes ||
			(inst.MemoryBytes == best.MemoryBytes && inst.ID < best.ID) {
			best = inst
		}
	}
	return best
}

// liveLocked counts IDLE, BUSY, flagged and launching slots. Must be called
// with lock held.
func (p *Pool) liveLocked() int {
	return len(p.instances) + p.launching
}

// evictLocked must be called with lock held.
func (p *Pool) evictLocked(inst *Instance) {
	inst.state = StateTerminated
	delete(p.instances, inst.ID)
	p.stats.Evictions++
	p.broadcastLocked()
}

// broadcastLocked wakes every blocked Acquire. Must be called with lock held.
func (p *Pool) broadcastLocked() {
	close(p.wake)
	p.wake = make(chan struct{})
}

// snapshotLocked must be called with lock held.
func (p *Pool) snapshotLocked() Stats {
	s := p.stats
	s.Idle, s.Busy = 0, 0
	for _, inst := range p.instances {
		if inst.state == StateIdle {
			s.Idle++
		} else {
			s.Busy++
		}
	}
	s.Launching = p.launching
	s.Live = p.liveLocked()
	return s
}

func (p *Pool) terminate(inst *Instance) {
	if err := inst.session.Terminate(); err != nil {
		p.logger.Warn("terminate instance failed", zap.String("instance_id", inst.ID), zap.Error(err))
	}
}

func (p *Pool) emit(s Stats) {
	if p.observer != nil {
		p.observer(s)
	}
}
