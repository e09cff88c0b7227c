package pool

import (
	"time"

	"github.com/JakeFAU/pagespeed-audit/internal/audit"
)

// State is the lifecycle position of a browser instance.
type State int

// Instance states.
const (
	StateIdle State = iota
	StateBusy
	StateUnhealthy
	StateTerminated
)

// String returns the uppercase state name used in logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateBusy:
		return "BUSY"
	case StateUnhealthy:
		return "UNHEALTHY"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Instance is one pooled browser. Exported fields are written only by the
// pool under its lock; callers may read them for logging.
type Instance struct {
	ID          string
	CreatedAt   time.Time
	LastUsed    time.Time
	Failures    int
	MemoryBytes uint64

	session audit.Session
	state   State
}

// Session returns the browser session driven by the holder of the instance.
func (i *Instance) Session() audit.Session {
	return i.session
}
