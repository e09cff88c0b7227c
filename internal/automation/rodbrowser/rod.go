// Package rodbrowser is the alternate automation backend built on go-rod. It
// suits hosts where rod's managed browser download is preferred over a system
// Chrome.
package rodbrowser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/JakeFAU/pagespeed-audit/internal/audit"
)

// Config controls the browsers this launcher starts.
type Config struct {
	BrowserPath string
	Headless    bool
	NoSandbox   bool
	UserAgent   string
	WindowSize  string
}

// Launcher implements audit.Launcher with go-rod.
type Launcher struct {
	cfg Config
}

// NewLauncher resolves the browser binary up front so a missing engine is
// reported before any work is queued.
func NewLauncher(cfg Config) (*Launcher, error) {
	if cfg.BrowserPath == "" {
		path, ok := launcher.LookPath()
		if !ok {
			return nil, fmt.Errorf("%w: no chromium binary found", audit.ErrEngineUnavailable)
		}
		cfg.BrowserPath = path
	}
	if cfg.WindowSize == "" {
		cfg.WindowSize = "1366,900"
	}
	return &Launcher{cfg: cfg}, nil
}

func (l *Launcher) newProcess() *launcher.Launcher {
	lc := launcher.New().
		Bin(l.cfg.BrowserPath).
		Headless(false).
		Set("disable-gpu").
		Set("disable-dev-shm-usage").
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-extensions").
		Set("no-first-run").
		Set("mute-audio").
		Set("window-size", l.cfg.WindowSize)
	if l.cfg.Headless {
		lc = lc.Set("headless", "new")
	}
	if l.cfg.NoSandbox {
		lc = lc.NoSandbox(true)
	}
	return lc
}

// Launch starts one browser process with a single page.
func (l *Launcher) Launch(ctx context.Context) (audit.Session, error) {
	proc := l.newProcess().Context(ctx)
	controlURL, err := proc.Launch()
	if err != nil {
		proc.Kill()
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		proc.Kill()
		return nil, fmt.Errorf("connect to browser: %w", err)
	}
	s := &session{browser: browser, proc: proc}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = s.Terminate()
		return nil, fmt.Errorf("open page: %w", err)
	}
	s.page = page

	if err := (proto.PerformanceEnable{}).Call(page); err != nil {
		_ = s.Terminate()
		return nil, fmt.Errorf("enable performance domain: %w", err)
	}
	if l.cfg.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: l.cfg.UserAgent}); err != nil {
			_ = s.Terminate()
			return nil, fmt.Errorf("set user-agent: %w", err)
		}
	}
	return s, nil
}

type session struct {
	browser *rod.Browser
	proc    *launcher.Launcher
	page    *rod.Page
}

func (s *session) Navigate(ctx context.Context, url string) error {
	p := s.page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", url, err)
	}
	return nil
}

func (s *session) Fill(ctx context.Context, loc audit.Locator, text string) error {
	el, err := find(s.page.Context(ctx), loc)
	if err != nil {
		return fmt.Errorf("fill %s: %w", loc.Name, err)
	}
	if err := el.SelectAllText(); err != nil {
		return fmt.Errorf("fill %s: select: %w", loc.Name, err)
	}
	if err := el.Input(text); err != nil {
		return fmt.Errorf("fill %s: %w", loc.Name, err)
	}
	return nil
}

func (s *session) Click(ctx context.Context, loc audit.Locator) error {
	el, err := find(s.page.Context(ctx), loc)
	if err != nil {
		return fmt.Errorf("click %s: %w", loc.Name, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click %s: %w", loc.Name, err)
	}
	return nil
}

func (s *session) WaitFor(ctx context.Context, loc audit.Locator, timeout time.Duration) (bool, error) {
	p := s.page.Context(ctx).Timeout(timeout)
	defer p.CancelTimeout()
	el, err := find(p, loc)
	if err == nil {
		err = el.WaitVisible()
	}
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
	el, err := find(s.page.Context(ctx), loc)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", loc.Name, err)
	}
	text, err := el.Text()
	if err != nil {
		return "", fmt.Errorf("read %s: %w", loc.Name, err)
	}
	return text, nil
}

func (s *session) CurrentURL(ctx context.Context) (string, error) {
	info, err := s.page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("page info: %w", err)
	}
	return info.URL, nil
}

// MemoryUsage reports the page's JS heap size from the performance domain.
func (s *session) MemoryUsage(ctx context.Context) (uint64, error) {
	res, err := proto.PerformanceGetMetrics{}.Call(s.page.Context(ctx))
	if err != nil {
		return 0, fmt.Errorf("performance metrics: %w", err)
	}
	return heapBytes(res.Metrics)
}

func (s *session) Terminate() error {
	err := s.browser.Close()
	s.proc.Kill()
	s.proc.Cleanup()
	if err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

var errNoHeapMetric = errors.New("JSHeapTotalSize metric missing")

func heapBytes(metrics []*proto.PerformanceMetric) (uint64, error) {
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

// find resolves loc on p. rod's lookups retry until p's context ends.
func find(p *rod.Page, loc audit.Locator) (*rod.Element, error) {
	switch loc.By {
	case audit.ByXPath:
		return p.ElementX(loc.Query)
	case audit.ByJS:
		return p.ElementByJS(rod.Eval(loc.Query))
	default:
		return p.Element(loc.Query)
	}
}
