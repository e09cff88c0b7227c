// Package headless drives Chrome through chromedp. Every launched session
// owns its own browser process so that evicting one never disturbs another.
package headless

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/performance"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/pagespeed-audit/internal/audit"
)

// Config controls the browsers this launcher starts.
type Config struct {
	ExecPath      string
	Headless      bool
	NoSandbox     bool
	UserAgent     string
	WindowWidth   int
	WindowHeight  int
	LaunchTimeout time.Duration
}

// Launcher implements audit.Launcher with chromedp.
type Launcher struct {
	cfg Config
}

// NewLauncher validates cfg and returns a launcher. No browser is started
// until Launch.
func NewLauncher(cfg Config) (*Launcher, error) {
	if cfg.WindowWidth < 0 || cfg.WindowHeight < 0 {
		return nil, fmt.Errorf("window size must be >= 0")
	}
	if cfg.WindowWidth == 0 || cfg.WindowHeight == 0 {
		cfg.WindowWidth, cfg.WindowHeight = 1366, 900
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 30 * time.Second
	}
	return &Launcher{cfg: cfg}, nil
}

func (l *Launcher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(l.cfg.WindowWidth, l.cfg.WindowHeight),
	)
	if l.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if l.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	if l.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.cfg.UserAgent))
	}
	return opts
}

// Launch starts a browser, opens a tab and enables performance metrics.
func (l *Launcher) Launch(ctx context.Context) (audit.Session, error) {
	if l.cfg.ExecPath != "" {
		if _, err := exec.LookPath(l.cfg.ExecPath); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", audit.ErrEngineUnavailable, l.cfg.ExecPath, err)
		}
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions()...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	s := &session{tab: tabCtx, tabCancel: tabCancel, allocCancel: allocCancel}

	if err := s.start(ctx, l.cfg.LaunchTimeout); err != nil {
		_ = s.Terminate()
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", audit.ErrEngineUnavailable, err)
		}
		return nil, fmt.Errorf("start chrome: %w", err)
	}

	err := s.run(ctx, l.cfg.LaunchTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := performance.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable performance domain: %w", err)
		}
		if l.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(l.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	}))
	if err != nil {
		_ = s.Terminate()
		return nil, fmt.Errorf("prepare tab: %w", err)
	}
	return s, nil
}

type session struct {
	tab         context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
}

// start allocates the browser. The first Run must use the tab context itself:
// a derived context that expires would take the browser down with it.
func (s *session) start(ctx context.Context, timeout time.Duration) error {
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(s.tab) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-started:
		return err
	case <-timer.C:
		return fmt.Errorf("browser did not start within %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run executes actions on the tab under the caller's context. The tab
// context is long-lived; only a derived context is canceled here, which
// aborts the actions without closing the tab.
func (s *session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.tab)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, timeout)
		defer cancelTimeout()
	}
	stop := forwardCancel(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *session) Navigate(ctx context.Context, url string) error {
	if err := s.run(ctx, 0, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (s *session) Fill(ctx context.Context, loc audit.Locator, text string) error {
	by := queryOption(loc.By)
	err := s.run(ctx, 0,
		chromedp.Clear(loc.Query, by),
		chromedp.SendKeys(loc.Query, text, by, chromedp.NodeVisible),
	)
	if err != nil {
		return fmt.Errorf("fill %s: %w", loc.Name, err)
	}
	return nil
}

func (s *session) Click(ctx context.Context, loc audit.Locator) error {
	if err := s.run(ctx, 0, chromedp.Click(loc.Query, queryOption(loc.By), chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("click %s: %w", loc.Name, err)
	}
	return nil
}

func (s *session) WaitFor(ctx context.Context, loc audit.Locator, timeout time.Duration) (bool, error) {
	err := s.run(ctx, timeout, chromedp.WaitVisible(loc.Query, queryOption(loc.By)))
	switch {
	case err == nil:
		return true, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return false, nil
	default:
		return false, fmt.Errorf("wait for %s: %w", loc.Name, err)
	}
}

func (s *session) ReadText(ctx context.Context, loc audit.Locator) (string, error) {
	var text string
	if err := s.run(ctx, 0, chromedp.Text(loc.Query, &text, queryOption(loc.By), chromedp.NodeVisible)); err != nil {
		return "", fmt.Errorf("read %s: %w", loc.Name, err)
	}
	return text, nil
}

func (s *session) CurrentURL(ctx context.Context) (string, error) {
	var u string
	if err := s.run(ctx, 0, chromedp.Location(&u)); err != nil {
		return "", fmt.Errorf("location: %w", err)
	}
	return u, nil
}

// MemoryUsage reports the tab's JS heap size from the performance domain.
func (s *session) MemoryUsage(ctx context.Context) (uint64, error) {
	var metrics []*performance.Metric
	err := s.run(ctx, 0, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		metrics, err = performance.GetMetrics().Do(ctx)
		return err
	}))
	if err != nil {
		return 0, fmt.Errorf("performance metrics: %w", err)
	}
	return heapBytes(metrics)
}

// Terminate closes the browser and stops its process.
func (s *session) Terminate() error {
	ctx, cancel := context.WithTimeout(s.tab, 5*time.Second)
	err := chromedp.Cancel(ctx)
	cancel()
	s.tabCancel()
	s.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

var errNoHeapMetric = errors.New("JSHeapTotalSize metric missing")

func heapBytes(metrics []*performance.Metric) (uint64, error) {
	for _, m := range metrics {
		if m != nil && m.Name == "JSHeapTotalSize" {
			if m.Value < 0 {
				return 0, nil
			}
			return uint64(m.Value), nil
		}
	}
	return 0, errNoHeapMetric
}

func queryOption(kind audit.LocatorKind) chromedp.QueryOption {
	switch kind {
	case audit.ByXPath:
		return chromedp.BySearch
	case audit.ByJS:
		return chromedp.ByJSPath
	default:
		return chromedp.ByQuery
	}
}

// forwardCancel propagates parent cancellation to cancel until the returned
// stop func is called.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
