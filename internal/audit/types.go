package audit

import (
	"fmt"
	"time"
)

// Device identifies the form factor a score was measured for.
type Device string

// Devices reported by the analysis site.
const (
	DeviceMobile  Device = "mobile"
	DeviceDesktop Device = "desktop"
)

// Provenance records where a Result came from.
type Provenance string

// Provenance values.
const (
	ProvenanceCache Provenance = "cache"
	ProvenanceLive  Provenance = "live"
	// ProvenanceScripted marks canned scores from the scripted engine.
	ProvenanceScripted Provenance = "scripted"
)

// Options are the knobs a caller may set on a single Analyze call.
type Options struct {
	SkipCache          bool `json:"skip_cache"`
	MaxRetries         int  `json:"max_retries"`
	BaseTimeoutSeconds int  `json:"base_timeout_seconds"`
}

// MaxBaseTimeoutSeconds bounds Options.BaseTimeoutSeconds to one day.
const MaxBaseTimeoutSeconds = 24 * 60 * 60

// Validate rejects option values no analysis can honor. Zero values select
// the configured defaults.
func (o Options) Validate() error {
	if o.MaxRetries < 0 {
		return Permanent(ReasonInvalidOptions, fmt.Errorf("max_retries %d must be >= 0", o.MaxRetries))
	}
	if o.BaseTimeoutSeconds < 0 || o.BaseTimeoutSeconds > MaxBaseTimeoutSeconds {
		return Permanent(ReasonInvalidOptions, fmt.Errorf("base_timeout_seconds %d must be within [0, %d]",
			o.BaseTimeoutSeconds, MaxBaseTimeoutSeconds))
	}
	return nil
}

// Request is a normalized analysis request handed to the retry controller.
type Request struct {
	URL        string
	Timeout    time.Duration
	MaxRetries int
	SkipCache  bool
}

// Result is the outcome of one successful analysis.
type Result struct {
	URL              string     `json:"url"`
	MobileScore      *int       `json:"mobile_score,omitempty"`
	DesktopScore     *int       `json:"desktop_score,omitempty"`
	MobileReportURL  string     `json:"mobile_report_url,omitempty"`
	DesktopReportURL string     `json:"desktop_report_url,omitempty"`
	FetchedAt        time.Time  `json:"fetched_at"`
	Provenance       Provenance `json:"provenance"`
}

// Score returns a pointer to v, for populating Result score fields.
func Score(v int) *int {
	return &v
}

// LocatorKind selects how a Locator query is interpreted by the backend.
type LocatorKind string

// Supported locator kinds.
const (
	ByCSS   LocatorKind = "css"
	ByXPath LocatorKind = "xpath"
	ByJS    LocatorKind = "js"
)

// Locator is one lookup strategy for a logical page element. Strategies for
// the same element share a Name.
type Locator struct {
	Name  string
	Query string
	By    LocatorKind
}

// Logical elements of the analysis page.
const (
	ElementURLInput        = "url-input"
	ElementSubmit          = "submit"
	ElementMobileScore     = "mobile-score"
	ElementDesktopTab      = "desktop-tab"
	ElementDesktopSelected = "desktop-selected"
	ElementDesktopScore    = "desktop-score"
)
