// Package monitor samples the memory footprint of a browser session while a
// request holds it, and signals an abort when the session breaches its memory
// ceiling or stops answering.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagespeed-audit/internal/audit"
)

// Config controls the sampling loop.
type Config struct {
	Interval      time.Duration
	MemoryCeiling uint64
	// ProbeTimeout bounds one sample. A sample that errors or exceeds it
	// marks the session unresponsive.
	ProbeTimeout time.Duration
}

// DefaultConfig samples every two seconds against a 1 GiB ceiling.
func DefaultConfig() Config {
	return Config{
		Interval:      2 * time.Second,
		MemoryCeiling: 1 << 30,
		ProbeTimeout:  5 * time.Second,
	}
}

// Target is anything whose memory can be sampled.
type Target interface {
	MemoryUsage(ctx context.Context) (uint64, error)
}

// Hooks receive monitor events. Both are optional and are called from the
// sampling goroutine.
type Hooks struct {
	OnSample    func(bytes uint64)
	OnUnhealthy func(err error)
}

// Monitor starts watches. It holds no per-watch state.
type Monitor struct {
	cfg    Config
	logger *zap.Logger
}

// New returns a Monitor, filling zero config fields from DefaultConfig.
func New(cfg Config, logger *zap.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{cfg: cfg, logger: logger}
}

// Watch samples target every Interval until Stop is called or ctx ends. The
// first breach closes Aborted and ends the loop.
func (m *Monitor) Watch(ctx context.Context, target Target, hooks Hooks) *Watch {
	ctx, cancel := context.WithCancel(ctx)
	w := &Watch{
		aborted: make(chan struct{}),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go w.loop(ctx, m, target, hooks)
	return w
}

// Watch is one running sampling loop.
type Watch struct {
	aborted chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc

	mu   sync.Mutex
	err  error
	peak uint64
}

// Aborted is closed when the watched session breached a limit.
func (w *Watch) Aborted() <-chan struct{} {
	return w.aborted
}

// Err returns the breach, if any. It is a Resource error with reason
// memory-exceeded or unresponsive.
func (w *Watch) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Peak returns the highest sample seen so far.
func (w *Watch) Peak() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.peak
}

// Stop ends the loop, waits for it to exit and returns the peak sample.
func (w *Watch) Stop() uint64 {
	w.cancel()
	<-w.done
	return w.Peak()
}

func (w *Watch) loop(ctx context.Context, m *Monitor, target Target, hooks Hooks) {
	defer close(w.done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		used, err := sample(ctx, target, m.cfg.ProbeTimeout)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.logger.Warn("session unresponsive", zap.Error(err))
			w.trip(audit.Resource(audit.ReasonUnresponsive, err), hooks)
			return
		}

		w.mu.Lock()
		if used > w.peak {
			w.peak = used
		}
		w.mu.Unlock()
		if hooks.OnSample != nil {
			hooks.OnSample(used)
		}

		if m.cfg.MemoryCeiling > 0 && used > m.cfg.MemoryCeiling {
			m.logger.Warn("session over memory ceiling",
				zap.Uint64("memory_bytes", used),
				zap.Uint64("ceiling_bytes", m.cfg.MemoryCeiling),
			)
			w.trip(audit.Resource(audit.ReasonMemoryExceeded,
				fmt.Errorf("using %d bytes, ceiling %d", used, m.cfg.MemoryCeiling)), hooks)
			return
		}
	}
}

func (w *Watch) trip(err error, hooks Hooks) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
	close(w.aborted)
	if hooks.OnUnhealthy != nil {
		hooks.OnUnhealthy(err)
	}
}

var errProbeTimeout = errors.New("memory probe timed out")

func sample(ctx context.Context, target Target, timeout time.Duration) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	used, err := target.MemoryUsage(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, errProbeTimeout
		}
		return 0, fmt.Errorf("memory probe: %w", err)
	}
	return used, nil
}
