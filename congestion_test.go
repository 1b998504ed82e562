package congestion

import (
	"testing"
	"time"

	"github.com/prithvi-raj-bagoria/COL334-A4/congestion_cubic"
	"github.com/prithvi-raj-bagoria/COL334-A4/congestion_reno"
	"github.com/stretchr/testify/require"
)

func TestNewController(t *testing.T) {
	controller, err := NewController("cubic", time.Now, 1200)
	require.NoError(t, err)
	require.IsType(t, (*congestion_cubic.CubicSender)(nil), controller)
	require.Equal(t, int64(1200), int64(controller.GetCongestionWindow()))

	controller, err = NewController("reno", nil, 1200)
	require.NoError(t, err)
	require.IsType(t, (*congestion_reno.RenoSender)(nil), controller)

	_, err = NewController("vegas", nil, 1200)
	require.Error(t, err)
}
