// Package billing computes usage charges. Provisioning costs are flat and
// charged up front by the saga; the meter only covers the runtime component
// settled at teardown.
package billing

import (
	"math"
	"time"
)

// Meter prices swarm runtime. A zero rate disables runtime billing entirely.
type Meter struct {
	RuntimePerMinute float64
}

// RuntimeCost returns the runtime charge for a swarm created at createdAt and
// destroyed at now, rounded to cents. Clock skew can make the window negative;
// that bills as zero.
func (m Meter) RuntimeCost(createdAt, now time.Time) float64 {
	if m.RuntimePerMinute <= 0 {
		return 0
	}
	minutes := now.Sub(createdAt).Minutes()
	if minutes <= 0 {
		return 0
	}
	return math.Round(minutes*m.RuntimePerMinute*100) / 100
}
