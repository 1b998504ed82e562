package congestion_reno

import (
	"math"
	"time"

	"github.com/sagernet/quic-go/congestion"
	"github.com/sagernet/quic-go/monotime"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/logger"
)

const (
	// DefaultSlowStartThresholdSegments is the initial ssthresh in segments,
	// high enough that the first congestion event sets the real value.
	DefaultSlowStartThresholdSegments = 1000
	// DefaultMaxCongestionWindowSegments caps the window to bound buffering.
	DefaultMaxCongestionWindowSegments = 10000
	// The window never drops below two segments except after a timeout.
	minWindowSegments = 2

	duplicateAckThreshold = 3
)

// Clock provides the current time.
type Clock interface {
	Now() monotime.Time
}

// DefaultClock is a clock that returns the current monotonic time.
type DefaultClock struct {
	TimeFunc func() time.Time
}

// Now returns the current monotonic time.
func (c DefaultClock) Now() monotime.Time {
	if c.TimeFunc != nil {
		return monotime.Time(c.TimeFunc().UnixNano())
	}
	return monotime.Now()
}

// RenoSender implements TCP Reno congestion control: slow start, additive
// increase, halving on loss. It shares the event surface of the CUBIC sender
// so experiments can swap controllers and compare traces.
type RenoSender struct {
	clock    Clock
	logger   logger.Logger
	rttStats congestion.RTTStatsProvider

	inSlowStart bool

	congestionWindow    float64
	slowStartThreshold  float64
	minCongestionWindow float64
	maxCongestionWindow float64

	maxDatagramSize congestion.ByteCount

	duplicateAckCount int
	inLossEpisode     bool
	ackCount          uint64

	largestSentPacketNumber  congestion.PacketNumber
	largestSentAtLastCutback congestion.PacketNumber
}

var _ congestion.CongestionControlEx = (*RenoSender)(nil)

// NewRenoSender creates a Reno sender. initialMaxDatagramSize is the maximum
// segment size in bytes.
func NewRenoSender(clock Clock, initialMaxDatagramSize congestion.ByteCount) *RenoSender {
	sender, err := newRenoSender(clock, initialMaxDatagramSize)
	if err != nil {
		panic(err)
	}
	return sender
}

func newRenoSender(clock Clock, initialMaxDatagramSize congestion.ByteCount) (*RenoSender, error) {
	if initialMaxDatagramSize <= 0 {
		return nil, E.New("invalid max datagram size ", initialMaxDatagramSize)
	}
	segment := float64(initialMaxDatagramSize)
	return &RenoSender{
		clock:               clock,
		inSlowStart:         true,
		congestionWindow:    segment,
		slowStartThreshold:  DefaultSlowStartThresholdSegments * segment,
		minCongestionWindow: segment,
		maxCongestionWindow: DefaultMaxCongestionWindowSegments * segment,
		maxDatagramSize:     initialMaxDatagramSize,
	}, nil
}

// SetLogger attaches a logger for the trace lines. A nil logger disables it.
func (s *RenoSender) SetLogger(l logger.Logger) {
	s.logger = l
}

// OnAck processes an acknowledgment that advances the cumulative ACK point.
func (s *RenoSender) OnAck(ackedBytes congestion.ByteCount, eventTime monotime.Time) {
	if ackedBytes <= 0 {
		return
	}
	s.duplicateAckCount = 0
	s.inLossEpisode = false
	s.ackCount++

	if s.inSlowStart {
		s.congestionWindow += float64(ackedBytes)
		if s.congestionWindow >= s.slowStartThreshold {
			s.inSlowStart = false
			if s.logger != nil {
				s.logger.Debug("entering congestion avoidance: cwnd ", int64(s.congestionWindow),
					", ssthresh ", int64(s.slowStartThreshold))
			}
		}
	} else {
		// Additive increase: one segment per window's worth of ACKs.
		segment := float64(s.maxDatagramSize)
		s.congestionWindow += segment * segment / s.congestionWindow
	}
	s.clampCongestionWindow()
}

// OnDuplicateAck processes an acknowledgment that did not advance the
// cumulative ACK point.
func (s *RenoSender) OnDuplicateAck(eventTime monotime.Time) {
	if s.inLossEpisode {
		return
	}
	s.duplicateAckCount++
	if s.duplicateAckCount == duplicateAckThreshold {
		s.OnFastRetransmit(eventTime)
	}
}

// OnTimeout processes a retransmission timeout: the threshold moves to half
// the window and the window collapses to one segment.
func (s *RenoSender) OnTimeout(eventTime monotime.Time) {
	s.slowStartThreshold = math.Max(s.congestionWindow/2, minWindowSegments*float64(s.maxDatagramSize))
	s.congestionWindow = s.minCongestionWindow
	s.inSlowStart = true
	s.duplicateAckCount = 0
	s.inLossEpisode = false
	if s.logger != nil {
		s.logger.Debug("timeout event: cwnd ", int64(s.congestionWindow),
			", ssthresh ", int64(s.slowStartThreshold))
	}
}

// OnFastRetransmit processes a loss detected through duplicate ACKs: the
// window halves and congestion avoidance continues from there.
func (s *RenoSender) OnFastRetransmit(eventTime monotime.Time) {
	s.slowStartThreshold = math.Max(s.congestionWindow/2, minWindowSegments*float64(s.maxDatagramSize))
	s.congestionWindow = s.slowStartThreshold
	s.inSlowStart = false
	s.duplicateAckCount = 0
	s.inLossEpisode = true
	if s.logger != nil {
		s.logger.Debug("fast retransmit: cwnd ", int64(s.congestionWindow),
			", ssthresh ", int64(s.slowStartThreshold))
	}
}

func (s *RenoSender) clampCongestionWindow() {
	if !(s.congestionWindow >= s.minCongestionWindow) {
		s.congestionWindow = s.minCongestionWindow
	}
	if s.congestionWindow > s.maxCongestionWindow {
		s.congestionWindow = s.maxCongestionWindow
	}
}

// GetCongestionWindow returns the current congestion window in bytes.
func (s *RenoSender) GetCongestionWindow() congestion.ByteCount {
	return congestion.ByteCount(s.congestionWindow)
}

// SlowStartThreshold returns the current slow-start threshold in bytes.
func (s *RenoSender) SlowStartThreshold() congestion.ByteCount {
	return congestion.ByteCount(s.slowStartThreshold)
}

// AckCount returns the number of non-duplicate ACKs processed.
func (s *RenoSender) AckCount() uint64 {
	return s.ackCount
}

// SetRTTStatsProvider sets the RTT stats provider.
func (s *RenoSender) SetRTTStatsProvider(provider congestion.RTTStatsProvider) {
	s.rttStats = provider
}

// TimeUntilSend returns the time until the next packet can be sent. The
// sender does not pace.
func (s *RenoSender) TimeUntilSend(bytesInFlight congestion.ByteCount) monotime.Time {
	return 0
}

// HasPacingBudget returns whether more packets can be sent now.
func (s *RenoSender) HasPacingBudget(now monotime.Time) bool {
	return true
}

// OnPacketSent is called when a packet is sent.
func (s *RenoSender) OnPacketSent(
	sentTime monotime.Time,
	bytesInFlight congestion.ByteCount,
	packetNumber congestion.PacketNumber,
	bytes congestion.ByteCount,
	isRetransmittable bool,
) {
	s.largestSentPacketNumber = packetNumber
}

// CanSend returns whether the sender may transmit more data.
func (s *RenoSender) CanSend(bytesInFlight congestion.ByteCount) bool {
	return bytesInFlight < s.GetCongestionWindow()
}

// MaybeExitSlowStart is a no-op: the slow-start exit is decided on ACK arrival.
func (s *RenoSender) MaybeExitSlowStart() {}

// OnPacketAcked is called when a packet is newly acknowledged.
func (s *RenoSender) OnPacketAcked(
	number congestion.PacketNumber,
	ackedBytes congestion.ByteCount,
	priorInFlight congestion.ByteCount,
	eventTime monotime.Time,
) {
	s.OnAck(ackedBytes, eventTime)
}

// OnCongestionEvent is called when a packet is reported lost.
func (s *RenoSender) OnCongestionEvent(
	number congestion.PacketNumber,
	lostBytes congestion.ByteCount,
	priorInFlight congestion.ByteCount,
) {
	s.onPacketLost(number, s.clock.Now())
}

// OnCongestionEventEx is called with the acked and lost packets of an ACK frame.
func (s *RenoSender) OnCongestionEventEx(
	priorInFlight congestion.ByteCount,
	eventTime monotime.Time,
	ackedPackets []congestion.AckedPacketInfo,
	lostPackets []congestion.LostPacketInfo,
) {
	for _, p := range lostPackets {
		s.onPacketLost(p.PacketNumber, eventTime)
	}
	for _, p := range ackedPackets {
		s.OnPacketAcked(p.PacketNumber, p.BytesAcked, priorInFlight, eventTime)
	}
}

func (s *RenoSender) onPacketLost(number congestion.PacketNumber, eventTime monotime.Time) {
	if number <= s.largestSentAtLastCutback {
		return
	}
	s.largestSentAtLastCutback = s.largestSentPacketNumber
	s.OnFastRetransmit(eventTime)
}

// OnRetransmissionTimeout is called on an RTO.
func (s *RenoSender) OnRetransmissionTimeout(packetsRetransmitted bool) {
	if !packetsRetransmitted {
		return
	}
	s.OnTimeout(s.clock.Now())
}

// OnAppLimited is called when the application has no data to send. Reno
// growth is time-independent, so there is nothing to freeze.
func (s *RenoSender) OnAppLimited(bytesInFlight congestion.ByteCount) {}

// OnPacketsLost is called to notify about the least unacked packet.
func (s *RenoSender) OnPacketsLost(leastUnacked congestion.PacketNumber) {}

// InSlowStart returns whether the sender is in slow start.
func (s *RenoSender) InSlowStart() bool {
	return s.inSlowStart
}

// InRecovery returns whether the sender is between a fast-retransmit cutback
// and the next cumulative ACK.
func (s *RenoSender) InRecovery() bool {
	return s.inLossEpisode
}

// SetMaxDatagramSize sets the maximum datagram size.
func (s *RenoSender) SetMaxDatagramSize(size congestion.ByteCount) {
	if size < s.maxDatagramSize {
		panic("cannot decrease max datagram size")
	}
	s.maxDatagramSize = size
	s.minCongestionWindow = float64(size)
	s.maxCongestionWindow = DefaultMaxCongestionWindowSegments * float64(size)
	s.clampCongestionWindow()
}
