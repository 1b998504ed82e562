package congestion_cubic

import (
	"math"

	"github.com/sagernet/quic-go/monotime"
)

// Cubic evaluates the window-growth function
//
//	W(t) = C*(t-K)^3 + wMax
//
// where t is the time since the start of the current growth epoch in seconds
// and K is the offset at which the curve regains wMax. The curve is concave
// below wMax and convex above it, so the window approaches the pre-loss
// operating point quickly, plateaus around it, then probes beyond.
type Cubic struct {
	c    float64
	beta float64

	// Window size in bytes recorded at the most recent congestion event.
	wMax float64

	// Time offset K in seconds. Recomputed whenever wMax or the epoch changes.
	timeToOrigin float64

	// Start of the current growth epoch. Zero while no epoch is running
	// (slow start, or after a timeout collapsed the window).
	epochStart monotime.Time
}

// NewCubic returns a curve with the given scaling constant and backoff factor.
func NewCubic(c, beta float64) *Cubic {
	return &Cubic{c: c, beta: beta}
}

// SetWMax records the window size at a congestion event and recomputes K.
func (c *Cubic) SetWMax(wMax float64) {
	c.wMax = wMax
	c.updateTimeToOrigin()
}

// StartEpoch restarts the curve at the given time.
func (c *Cubic) StartEpoch(now monotime.Time) {
	c.epochStart = now
	c.updateTimeToOrigin()
}

// EndEpoch unsets the epoch. wMax is kept so the next epoch targets the
// pre-loss operating point.
func (c *Cubic) EndEpoch() {
	c.epochStart = 0
}

// InEpoch reports whether an epoch is currently running.
func (c *Cubic) InEpoch() bool {
	return !c.epochStart.IsZero()
}

// Target returns the window size the curve prescribes at the given time.
// The result may be far below wMax early in an epoch; callers compare it
// against the current window rather than clamping it here. Clock regressions
// are tolerated by clamping the elapsed time at zero.
func (c *Cubic) Target(now monotime.Time) float64 {
	elapsed := now.Sub(c.epochStart).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	offset := elapsed - c.timeToOrigin
	return c.c*offset*offset*offset + c.wMax
}

// WMax returns the window size recorded at the most recent congestion event.
func (c *Cubic) WMax() float64 {
	return c.wMax
}

// TimeToOrigin returns K in seconds.
func (c *Cubic) TimeToOrigin() float64 {
	return c.timeToOrigin
}

func (c *Cubic) updateTimeToOrigin() {
	if c.wMax == 0 {
		c.timeToOrigin = 0
		return
	}
	c.timeToOrigin = math.Cbrt(c.wMax * (1 - c.beta) / c.c)
}
