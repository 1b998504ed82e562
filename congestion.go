package congestion

import (
	"context"
	"time"

	"github.com/prithvi-raj-bagoria/COL334-A4/congestion_cubic"
	"github.com/prithvi-raj-bagoria/COL334-A4/congestion_reno"
	"github.com/sagernet/quic-go"
	qcongestion "github.com/sagernet/quic-go/congestion"
	"github.com/sagernet/quic-go/monotime"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/logger"
	"github.com/sagernet/sing/common/ntp"
)

// Controller is a per-connection congestion-control engine. It consumes ACK,
// duplicate-ACK, timeout and fast-retransmit events from the transport and
// answers how many bytes may currently be outstanding. All event handlers for
// one connection must be serialized on that connection's event loop.
type Controller interface {
	qcongestion.CongestionControlEx

	OnAck(ackedBytes qcongestion.ByteCount, eventTime monotime.Time)
	OnDuplicateAck(eventTime monotime.Time)
	OnTimeout(eventTime monotime.Time)
	OnFastRetransmit(eventTime monotime.Time)

	SlowStartThreshold() qcongestion.ByteCount
	AckCount() uint64
	SetLogger(logger.Logger)
}

var (
	_ Controller = (*congestion_cubic.CubicSender)(nil)
	_ Controller = (*congestion_reno.RenoSender)(nil)
)

// NewController returns the congestion controller with the given name,
// "cubic" or "reno". timeFunc may be nil to use the wall clock.
func NewController(name string, timeFunc func() time.Time, maxDatagramSize qcongestion.ByteCount) (Controller, error) {
	if timeFunc == nil {
		timeFunc = time.Now
	}
	switch name {
	case "cubic":
		return congestion_cubic.NewCubicSender(
			congestion_cubic.DefaultClock{TimeFunc: timeFunc},
			maxDatagramSize,
		), nil
	case "reno":
		return congestion_reno.NewRenoSender(
			congestion_reno.DefaultClock{TimeFunc: timeFunc},
			maxDatagramSize,
		), nil
	default:
		return nil, E.New("unknown congestion controller: ", name)
	}
}

// SetCongestionControl installs the named controller on a QUIC connection.
func SetCongestionControl(ctx context.Context, connection *quic.Conn, name string) error {
	controller, err := NewController(
		name,
		ntp.TimeFuncFromContext(ctx),
		qcongestion.ByteCount(connection.Config().InitialPacketSize),
	)
	if err != nil {
		return err
	}
	connection.SetCongestionControl(controller)
	return nil
}
