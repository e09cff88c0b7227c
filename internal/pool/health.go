package pool

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Run performs periodic housekeeping until ctx is done: idle instances past
// IdleTTL are retired and the remaining idle ones are probed for memory and
// liveness. Busy instances are left to the per-request monitor.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep runs one housekeeping pass.
func (p *Pool) Sweep(ctx context.Context) {
	now := p.clock.Now()

	p.mu.Lock()
	var expired, probe []*Instance
	for _, inst := range p.instances {
		if inst.state != StateIdle {
			continue
		}
		if now.Sub(inst.LastUsed) >= p.cfg.IdleTTL {
			p.evictLocked(inst)
			expired = append(expired, inst)
			continue
		}
		// Reserved so that Acquire cannot hand it out mid-probe.
		inst.state = StateBusy
		probe = append(probe, inst)
	}
	snap := p.snapshotLocked()
	p.mu.Unlock()
	if len(expired) > 0 || len(probe) > 0 {
		p.emit(snap)
	}

	for _, inst := range expired {
		p.logger.Info("idle instance retired", zap.String("instance_id", inst.ID))
		p.terminate(inst)
	}

	for _, inst := range probe {
		p.finishProbe(inst, p.probe(ctx, inst))
	}
}

// finishProbe returns a probed instance to IDLE without refreshing LastUsed,
// or evicts it.
func (p *Pool) finishProbe(inst *Instance, healthy bool) {
	p.mu.Lock()
	if inst.state == StateTerminated {
		p.mu.Unlock()
		return
	}
	if healthy && !p.closed {
		inst.state = StateIdle
		p.broadcastLocked()
		snap := p.snapshotLocked()
		p.mu.Unlock()
		p.emit(snap)
		return
	}
	p.mu.Unlock()
	p.Release(inst, false)
}

func (p *Pool) probe(ctx context.Context, inst *Instance) bool {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	used, err := inst.session.MemoryUsage(ctx)
	if err != nil {
		p.logger.Warn("instance failed liveness probe", zap.String("instance_id", inst.ID), zap.Error(err))
		return false
	}
	p.ObserveMemory(inst, used)
	if p.cfg.MemoryCeiling > 0 && used > p.cfg.MemoryCeiling {
		p.logger.Warn("idle instance over memory ceiling",
			zap.String("instance_id", inst.ID),
			zap.Uint64("memory_bytes", used),
			zap.Uint64("ceiling_bytes", p.cfg.MemoryCeiling),
		)
		return false
	}
	return true
}
