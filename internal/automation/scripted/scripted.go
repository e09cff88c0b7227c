// Package scripted is a deterministic automation backend. It plays the part
// of the analysis site from an in-memory script so the orchestration core can
// run without a browser, in tests and in dry runs.
package scripted

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/pagespeed-audit/internal/audit"
)

// Fault is an injected misbehaviour for one attempt.
type Fault int

// Faults, consumed in order by successive navigations.
const (
	FaultNone Fault = iota
	// FaultHang keeps the score gauges from ever appearing.
	FaultHang
	// FaultMissingInput removes the URL input from the page.
	FaultMissingInput
	// FaultGarbageScore renders a non-numeric mobile score.
	FaultGarbageScore
	// FaultMemorySpike reports SpikeMemory after submission and hangs.
	FaultMemorySpike
	// FaultCrash fails navigation outright.
	FaultCrash
)

// Page describes how the site renders the analysis of one URL.
type Page struct {
	MobileScore        string
	DesktopScore       string
	AnalysisDelay      time.Duration
	DesktopPreselected bool
}

// Script is shared by every session launched from one Launcher.
type Script struct {
	SiteURL   string
	Pages     map[string]Page
	Default   Page
	LaunchErr error
	// Faults apply to the Nth navigation across all sessions.
	Faults []Fault
	// BrokenQueries never match, to exercise locator fallback.
	BrokenQueries []string

	BaseMemory  uint64
	SpikeMemory uint64
}

// Calls counts what the backend was asked to do.
type Calls struct {
	Launches    atomic.Int64
	Navigations atomic.Int64
	Terminates  atomic.Int64
}

// Launcher implements audit.Launcher over a Script.
type Launcher struct {
	script Script
	calls  Calls

	mu     sync.Mutex
	faults []Fault
}

// NewLauncher returns a launcher playing script.
func NewLauncher(script Script) *Launcher {
	if script.SiteURL == "" {
		script.SiteURL = "https://pagespeed.web.dev/"
	}
	return &Launcher{
		script: script,
		faults: append([]Fault(nil), script.Faults...),
	}
}

// Calls exposes the call counters.
func (l *Launcher) Calls() *Calls {
	return &l.calls
}

// Launch implements audit.Launcher.
func (l *Launcher) Launch(ctx context.Context) (audit.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.calls.Launches.Add(1)
	if l.script.LaunchErr != nil {
		return nil, l.script.LaunchErr
	}
	return &session{launcher: l}, nil
}

func (l *Launcher) nextFault() Fault {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.faults) == 0 {
		return FaultNone
	}
	f := l.faults[0]
	l.faults = l.faults[1:]
	return f
}

func (l *Launcher) broken(query string) bool {
	for _, q := range l.script.BrokenQueries {
		if q == query {
			return true
		}
	}
	return false
}

func (l *Launcher) page(target string) Page {
	if p, ok := l.script.Pages[target]; ok {
		return p
	}
	return l.script.Default
}

var (
	errNotNavigated = errors.New("scripted: page not loaded")
	errTerminated   = errors.New("scripted: session terminated")
	errNoElement    = errors.New("scripted: element not present")
)

type session struct {
	launcher *Launcher

	mu          sync.Mutex
	fault       Fault
	navigated   bool
	submitted   string
	submittedAt time.Time
	typed       string
	desktop     bool
	terminated  bool
}

func (s *session) Navigate(ctx context.Context, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.launcher.calls.Navigations.Add(1)
	fault := s.launcher.nextFault()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return errTerminated
	}
	if fault == FaultCrash {
		return fmt.Errorf("scripted: navigate %s: net::ERR_CONNECTION_RESET", target)
	}
	s.fault = fault
	s.navigated = true
	s.submitted = ""
	s.typed = ""
	s.desktop = false
	return nil
}

func (s *session) Fill(ctx context.Context, loc audit.Locator, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.presentLocked(loc, time.Now()) {
		return errNoElement
	}
	s.typed = text
	return nil
}

func (s *session) Click(ctx context.Context, loc audit.Locator) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.presentLocked(loc, time.Now()) {
		return errNoElement
	}
	switch loc.Name {
	case audit.ElementSubmit:
		s.submitted = s.typed
		s.submittedAt = time.Now()
	case audit.ElementDesktopTab:
		s.desktop = true
	}
	return nil
}

func (s *session) WaitFor(ctx context.Context, loc audit.Locator, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		if s.terminated {
			s.mu.Unlock()
			return false, errTerminated
		}
		found := s.presentLocked(loc, time.Now())
		s.mu.Unlock()
		if found {
			return true, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(min(remaining, time.Millisecond)):
		}
	}
}

func (s *session) ReadText(ctx context.Context, loc audit.Locator) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.presentLocked(loc, time.Now()) {
		return "", errNoElement
	}
	page := s.launcher.page(s.submitted)
	switch loc.Name {
	case audit.ElementMobileScore:
		if s.fault == FaultGarbageScore {
			return "N/A", nil
		}
		return page.MobileScore, nil
	case audit.ElementDesktopScore:
		return page.DesktopScore, nil
	default:
		return "", nil
	}
}

func (s *session) CurrentURL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.navigated {
		return "", errNotNavigated
	}
	site := s.launcher.script.SiteURL
	if s.submitted == "" {
		return site, nil
	}
	factor := "mobile"
	if s.desktop {
		factor = "desktop"
	}
	return fmt.Sprintf("%sreport?url=%s&form_factor=%s", site, url.QueryEscape(s.submitted), factor), nil
}

func (s *session) MemoryUsage(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return 0, errTerminated
	}
	if s.fault == FaultMemorySpike && s.submitted != "" {
		return s.launcher.script.SpikeMemory, nil
	}
	return s.launcher.script.BaseMemory, nil
}

func (s *session) Terminate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return nil
	}
	s.terminated = true
	s.launcher.calls.Terminates.Add(1)
	return nil
}

func (s *session) desktopLocked() bool {
	return s.desktop || s.launcher.page(s.submitted).DesktopPreselected
}

// presentLocked reports whether loc resolves on the current page.
func (s *session) presentLocked(loc audit.Locator, now time.Time) bool {
	if s.terminated || !s.navigated || s.launcher.broken(loc.Query) {
		return false
	}
	switch loc.Name {
	case audit.ElementURLInput:
		return s.fault != FaultMissingInput
	case audit.ElementSubmit:
		return true
	}
	if s.submitted == "" {
		return false
	}
	switch s.fault {
	case FaultHang, FaultMemorySpike:
		return false
	}
	page := s.launcher.page(s.submitted)
	if now.Sub(s.submittedAt) < page.AnalysisDelay {
		return false
	}
	switch loc.Name {
	case audit.ElementMobileScore, audit.ElementDesktopTab:
		return true
	case audit.ElementDesktopSelected:
		return s.desktopLocked()
	case audit.ElementDesktopScore:
		return s.desktopLocked()
	}
	return false
}
