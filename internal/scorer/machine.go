// Package scorer drives one browser session through the analysis site and
// extracts the mobile and desktop performance scores.
package scorer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagespeed-audit/internal/audit"
)

// State is a step of one extraction run.
type State int

// Extraction states, in order. StateFailed is reachable from any of them.
const (
	StateInit State = iota
	StateNavigated
	StateURLSubmitted
	StateAnalyzing
	StateMobileExtracted
	StateDesktopSelected
	StateDesktopExtracted
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateInit:             "INIT",
	StateNavigated:        "NAVIGATED",
	StateURLSubmitted:     "URL_SUBMITTED",
	StateAnalyzing:        "ANALYZING",
	StateMobileExtracted:  "MOBILE_EXTRACTED",
	StateDesktopSelected:  "DESKTOP_SELECTED",
	StateDesktopExtracted: "DESKTOP_EXTRACTED",
	StateDone:             "DONE",
	StateFailed:           "FAILED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Config tunes the machine.
type Config struct {
	SiteURL string
	// PollInterval is how long each strategy is waited on per polling round
	// while the analysis runs.
	PollInterval time.Duration
	// ProbeTimeout bounds the lookup of elements that should already be on
	// the page (input, submit, tabs).
	ProbeTimeout time.Duration
	// ReportThreshold: scores strictly below it get their report URL kept.
	// 0 never keeps one; a negative value selects the default.
	ReportThreshold int
	Selectors       Selectors
}

// DefaultConfig targets pagespeed.web.dev.
func DefaultConfig() Config {
	return Config{
		SiteURL:         "https://pagespeed.web.dev/",
		PollInterval:    time.Second,
		ProbeTimeout:    10 * time.Second,
		ReportThreshold: 80,
		Selectors:       DefaultSelectors(),
	}
}

// Scores is a fully validated pair of scores.
type Scores struct {
	Mobile           int
	Desktop          int
	MobileReportURL  string
	DesktopReportURL string
}

// Abort is the asynchronous stop signal from the memory monitor.
type Abort interface {
	Aborted() <-chan struct{}
	Err() error
}

// Machine is stateless between runs and safe for concurrent use.
type Machine struct {
	cfg    Config
	logger *zap.Logger
}

// New builds a Machine. Zero config fields take their defaults.
func New(cfg Config, logger *zap.Logger) *Machine {
	def := DefaultConfig()
	if cfg.SiteURL == "" {
		cfg.SiteURL = def.SiteURL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.ReportThreshold < 0 {
		cfg.ReportThreshold = def.ReportThreshold
	}
	if len(cfg.Selectors.URLInput) == 0 {
		cfg.Selectors = def.Selectors
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{cfg: cfg, logger: logger}
}

// Run performs one attempt against session within timeout. Any failure
// yields no scores: a partial result is never returned.
func (m *Machine) Run(
	ctx context.Context,
	session audit.Session,
	target string,
	timeout time.Duration,
	abort Abort,
) (Scores, error) {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r := &run{
		m:       m,
		session: session,
		target:  target,
		abort:   abort,
		parent:  parent,
		state:   StateInit,
		logger:  m.logger.With(zap.String("url", target)),
	}
	scores, err := r.execute(ctx)
	if err != nil {
		failedAt := r.state
		r.to(StateFailed)
		ae := r.classify(err).WithContext(target, failedAt.String())
		r.logger.Debug("extraction failed",
			zap.String("state", failedAt.String()),
			zap.String("reason", string(ae.Reason)),
			zap.Error(ae.Err),
		)
		return Scores{}, ae
	}
	return scores, nil
}

type run struct {
	m       *Machine
	session audit.Session
	target  string
	abort   Abort
	parent  context.Context
	state   State
	logger  *zap.Logger
}

func (r *run) execute(ctx context.Context) (Scores, error) {
	cfg := r.m.cfg
	sel := cfg.Selectors
	var out Scores

	if err := r.session.Navigate(ctx, cfg.SiteURL); err != nil {
		return out, fmt.Errorf("navigate to %s: %w", cfg.SiteURL, err)
	}
	r.to(StateNavigated)

	input, err := r.locate(ctx, sel.URLInput)
	if err != nil {
		return out, err
	}
	if err := r.session.Fill(ctx, input, r.target); err != nil {
		return out, fmt.Errorf("fill url: %w", err)
	}
	submit, err := r.locate(ctx, sel.Submit)
	if err != nil {
		return out, err
	}
	if err := r.session.Click(ctx, submit); err != nil {
		return out, fmt.Errorf("submit: %w", err)
	}
	r.to(StateURLSubmitted)

	r.to(StateAnalyzing)
	out.Mobile, err = r.readScore(ctx, sel.MobileScore)
	if err != nil {
		return out, err
	}
	if out.Mobile < cfg.ReportThreshold {
		out.MobileReportURL = r.reportURL(ctx)
	}
	r.to(StateMobileExtracted)

	if err := r.selectDesktop(ctx); err != nil {
		return out, err
	}
	r.to(StateDesktopSelected)

	out.Desktop, err = r.readScore(ctx, sel.DesktopScore)
	if err != nil {
		return out, err
	}
	if out.Desktop < cfg.ReportThreshold {
		out.DesktopReportURL = r.reportURL(ctx)
	}
	r.to(StateDesktopExtracted)

	r.to(StateDone)
	return out, nil
}

func (r *run) to(next State) {
	r.logger.Debug("state transition",
		zap.String("from", r.state.String()),
		zap.String("to", next.String()),
	)
	r.state = next
}

// selectDesktop switches to the desktop view unless it is already active.
func (r *run) selectDesktop(ctx context.Context) error {
	sel := r.m.cfg.Selectors
	_, selected, _, err := r.first(ctx, sel.DesktopSelected, r.m.cfg.PollInterval)
	if err != nil {
		return err
	}
	if selected {
		return nil
	}
	tab, err := r.locate(ctx, sel.DesktopTab)
	if err != nil {
		return err
	}
	if err := r.session.Click(ctx, tab); err != nil {
		return fmt.Errorf("select desktop: %w", err)
	}
	return nil
}

// readScore polls for a gauge until the attempt deadline, then parses it.
func (r *run) readScore(ctx context.Context, strategies []audit.Locator) (int, error) {
	loc, err := r.poll(ctx, strategies)
	if err != nil {
		return 0, err
	}
	text, err := r.session.ReadText(ctx, loc)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", loc.Name, err)
	}
	return ParseScore(text)
}

func (r *run) reportURL(ctx context.Context) string {
	u, err := r.session.CurrentURL(ctx)
	if err != nil {
		r.logger.Warn("report url unavailable", zap.Error(err))
		return ""
	}
	return u
}

// locate resolves an element expected to be present now. Each strategy gets
// one ProbeTimeout; exhausting the list is element-not-found.
func (r *run) locate(ctx context.Context, strategies []audit.Locator) (audit.Locator, error) {
	loc, ok, _, err := r.first(ctx, strategies, r.m.cfg.ProbeTimeout)
	if err != nil {
		return audit.Locator{}, err
	}
	if !ok {
		return audit.Locator{}, audit.Retryable(audit.ReasonElementNotFound,
			fmt.Errorf("no strategy located %s (%d tried)", elementName(strategies), len(strategies)))
	}
	return loc, nil
}

// poll cycles through strategies until one matches or the deadline passes.
// A round in which a strategy failed fast is followed by one PollInterval
// pause so a broken session is not queried in a tight loop.
func (r *run) poll(ctx context.Context, strategies []audit.Locator) (audit.Locator, error) {
	for {
		loc, ok, errored, err := r.first(ctx, strategies, r.m.cfg.PollInterval)
		if err != nil {
			return audit.Locator{}, err
		}
		if ok {
			return loc, nil
		}
		if ctx.Err() != nil {
			return audit.Locator{}, ctx.Err()
		}
		if errored {
			if err := r.pause(ctx, r.m.cfg.PollInterval); err != nil {
				return audit.Locator{}, err
			}
		}
	}
}

// pause waits d unless the attempt ends or the monitor aborts first.
func (r *run) pause(ctx context.Context, d time.Duration) error {
	var aborted <-chan struct{}
	if r.abort != nil {
		aborted = r.abort.Aborted()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-aborted:
		return r.aborted()
	}
}

// first tries each strategy once, checking for an abort before each.
func (r *run) first(
	ctx context.Context,
	strategies []audit.Locator,
	wait time.Duration,
) (audit.Locator, bool, bool, error) {
	errored := false
	for _, loc := range strategies {
		if err := r.aborted(); err != nil {
			return audit.Locator{}, false, errored, err
		}
		if err := ctx.Err(); err != nil {
			return audit.Locator{}, false, errored, err
		}
		found, err := r.session.WaitFor(ctx, loc, wait)
		if err != nil {
			if ctx.Err() != nil {
				return audit.Locator{}, false, errored, ctx.Err()
			}
			errored = true
			r.logger.Debug("locator strategy errored",
				zap.String("element", loc.Name),
				zap.String("query", loc.Query),
				zap.Error(err),
			)
			continue
		}
		if found {
			return loc, true, errored, nil
		}
	}
	return audit.Locator{}, false, errored, r.aborted()
}

func (r *run) aborted() error {
	if r.abort == nil {
		return nil
	}
	select {
	case <-r.abort.Aborted():
		if err := r.abort.Err(); err != nil {
			return err
		}
		return audit.Resource(audit.ReasonUnresponsive, errors.New("attempt aborted by monitor"))
	default:
		return nil
	}
}

// classify maps a raw failure into the taxonomy. An abort wins over the
// error it caused, and the attempt deadline is told apart from the caller
// giving up.
func (r *run) classify(err error) *audit.Error {
	if abortErr := r.aborted(); abortErr != nil {
		return audit.AsError(abortErr)
	}
	var ae *audit.Error
	if errors.As(err, &ae) {
		return ae
	}
	if r.parent.Err() != nil {
		return audit.AsError(r.parent.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return audit.Retryable(audit.ReasonTimeout,
			fmt.Errorf("no result by the attempt deadline: %w", err))
	}
	return audit.AsError(err)
}

func elementName(strategies []audit.Locator) string {
	if len(strategies) == 0 {
		return "element"
	}
	return strategies[0].Name
}
