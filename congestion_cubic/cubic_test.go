package congestion_cubic

import (
	"math"
	"testing"
	"time"

	"github.com/sagernet/quic-go/monotime"
	"github.com/stretchr/testify/require"
)

func TestTimeToOrigin(t *testing.T) {
	cubic := NewCubic(0.5, 0.7)
	require.Zero(t, cubic.TimeToOrigin())

	cubic.SetWMax(500)
	require.InDelta(t, math.Cbrt(300), cubic.TimeToOrigin(), 1e-9)
	require.InDelta(t, 6.694, cubic.TimeToOrigin(), 1e-3)

	cubic.SetWMax(0)
	require.Zero(t, cubic.TimeToOrigin())
}

func TestTargetRegainsWMaxAtK(t *testing.T) {
	cubic := NewCubic(0.5, 0.7)
	cubic.SetWMax(500)

	epoch := monotime.Time(time.Hour)
	cubic.StartEpoch(epoch)
	require.True(t, cubic.InEpoch())

	k := time.Duration(cubic.TimeToOrigin() * float64(time.Second))
	require.InDelta(t, 500, cubic.Target(epoch.Add(k)), 1e-6)
}

func TestTargetShape(t *testing.T) {
	cubic := NewCubic(0.5, 0.7)
	cubic.SetWMax(500)

	epoch := monotime.Time(time.Hour)
	cubic.StartEpoch(epoch)

	// At the start of the epoch the curve sits at beta*wMax, the window the
	// sender was cut back to.
	require.InDelta(t, 0.7*500, cubic.Target(epoch), 1e-6)

	// Concave toward wMax, then convex beyond it.
	k := time.Duration(cubic.TimeToOrigin() * float64(time.Second))
	require.Less(t, cubic.Target(epoch.Add(k/2)), 500.0)
	require.Greater(t, cubic.Target(epoch.Add(k/2)), cubic.Target(epoch))
	require.Greater(t, cubic.Target(epoch.Add(2*k)), 500.0)
}

func TestTargetClockRegression(t *testing.T) {
	cubic := NewCubic(0.5, 0.7)
	cubic.SetWMax(500)

	epoch := monotime.Time(time.Hour)
	cubic.StartEpoch(epoch)

	// A timestamp before the epoch start is clamped to zero elapsed time.
	require.Equal(t, cubic.Target(epoch), cubic.Target(epoch.Add(-time.Second)))
}

func TestEndEpochKeepsWMax(t *testing.T) {
	cubic := NewCubic(0.5, 0.7)
	cubic.SetWMax(500)
	cubic.StartEpoch(monotime.Time(time.Hour))

	cubic.EndEpoch()
	require.False(t, cubic.InEpoch())
	require.Equal(t, 500.0, cubic.WMax())
}
