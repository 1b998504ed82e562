package congestion_cubic

import (
	"github.com/sagernet/quic-go/congestion"
	"github.com/sagernet/quic-go/monotime"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/logger"
)

const (
	// DefaultC is the cubic scaling constant.
	DefaultC = 0.5
	// DefaultBeta is the multiplicative window-reduction factor on loss.
	DefaultBeta = 0.7
	// DefaultSlowStartThresholdSegments is the initial ssthresh in segments.
	DefaultSlowStartThresholdSegments = 500
	// DefaultMaxCongestionWindowSegments caps the window to bound buffering.
	DefaultMaxCongestionWindowSegments = 10000

	// The fast-retransmit response fires on exactly the third consecutive
	// duplicate ACK.
	duplicateAckThreshold = 3

	// A state snapshot is logged every this many ACKs.
	snapshotInterval = 100
)

// Mode is the current phase of the sender.
type Mode int

const (
	// ModeSlowStart grows the window exponentially until ssthresh is reached.
	ModeSlowStart Mode = iota
	// ModeCongestionAvoidance grows the window along the cubic curve.
	ModeCongestionAvoidance
)

func (m Mode) String() string {
	switch m {
	case ModeSlowStart:
		return "SlowStart"
	case ModeCongestionAvoidance:
		return "CongestionAvoidance"
	default:
		return "Invalid"
	}
}

// Config contains the tunables of the CUBIC sender. Multiple flows may run
// side by side with different tunings; a Config is copied at construction and
// never shared.
type Config struct {
	// Cubic scaling constant. Defaults to 0.5.
	C float64
	// Multiplicative window-reduction factor on loss, in (0, 1). Defaults to 0.7.
	Beta float64
	// Initial slow-start threshold in segments. Defaults to 500.
	SlowStartThresholdSegments congestion.ByteCount
	// Largest window the sender may reach, in segments. Defaults to 10000.
	MaxCongestionWindowSegments congestion.ByteCount
}

// DefaultConfig returns the default CUBIC configuration.
func DefaultConfig() Config {
	return Config{
		C:                           DefaultC,
		Beta:                        DefaultBeta,
		SlowStartThresholdSegments:  DefaultSlowStartThresholdSegments,
		MaxCongestionWindowSegments: DefaultMaxCongestionWindowSegments,
	}
}

// CubicSender implements CUBIC congestion control. It owns the state of a
// single connection and must only be driven from that connection's event
// loop: the event handlers read-modify-write shared state without internal
// locking.
type CubicSender struct {
	clock    Clock
	logger   logger.Logger
	rttStats congestion.RTTStatsProvider

	mode  Mode
	cubic *Cubic
	beta  float64

	// Window sizes in bytes. Kept as floats so the sub-segment increments of
	// congestion avoidance accumulate instead of truncating to zero.
	congestionWindow    float64
	slowStartThreshold  float64
	minCongestionWindow float64
	maxCongestionWindow float64

	maxDatagramSize             congestion.ByteCount
	maxCongestionWindowSegments congestion.ByteCount

	// Consecutive duplicate ACK counter and the once-per-episode latch.
	// The latch stays set after a fast retransmit until a new cumulative
	// ACK arrives or a timeout collapses the window, so trailing
	// duplicates of the same episode cannot trigger a second cutback.
	duplicateAckCount int
	inLossEpisode     bool

	// Total non-duplicate ACKs processed. Telemetry only.
	ackCount uint64

	// Bookkeeping for the quic-go congestion interface: a burst of losses
	// reported packet by packet must produce a single window cutback.
	largestSentPacketNumber  congestion.PacketNumber
	largestSentAtLastCutback congestion.PacketNumber
}

var _ congestion.CongestionControlEx = (*CubicSender)(nil)

// NewCubicSender creates a CUBIC sender with the default configuration.
// initialMaxDatagramSize is the maximum segment size in bytes.
func NewCubicSender(clock Clock, initialMaxDatagramSize congestion.ByteCount) *CubicSender {
	sender, err := NewCubicSenderWithConfig(clock, initialMaxDatagramSize, DefaultConfig())
	if err != nil {
		panic(err)
	}
	return sender
}

// NewCubicSenderWithConfig creates a CUBIC sender with the given configuration.
func NewCubicSenderWithConfig(clock Clock, initialMaxDatagramSize congestion.ByteCount, config Config) (*CubicSender, error) {
	if initialMaxDatagramSize <= 0 {
		return nil, E.New("invalid max datagram size ", initialMaxDatagramSize)
	}
	if config.C <= 0 {
		return nil, E.New("invalid cubic scaling constant ", config.C)
	}
	if config.Beta <= 0 || config.Beta >= 1 {
		return nil, E.New("invalid backoff factor ", config.Beta)
	}
	if config.SlowStartThresholdSegments <= 0 {
		return nil, E.New("invalid slow start threshold ", config.SlowStartThresholdSegments)
	}
	if config.MaxCongestionWindowSegments <= 0 {
		return nil, E.New("invalid max congestion window ", config.MaxCongestionWindowSegments)
	}
	segment := float64(initialMaxDatagramSize)
	return &CubicSender{
		clock:                       clock,
		mode:                        ModeSlowStart,
		cubic:                       NewCubic(config.C, config.Beta),
		beta:                        config.Beta,
		congestionWindow:            segment,
		slowStartThreshold:          float64(config.SlowStartThresholdSegments) * segment,
		minCongestionWindow:         segment,
		maxCongestionWindow:         float64(config.MaxCongestionWindowSegments) * segment,
		maxDatagramSize:             initialMaxDatagramSize,
		maxCongestionWindowSegments: config.MaxCongestionWindowSegments,
	}, nil
}

// SetLogger attaches a logger for the trace lines and periodic snapshots.
// Logging has no behavioral effect; a nil logger disables it.
func (s *CubicSender) SetLogger(l logger.Logger) {
	s.logger = l
}

// OnAck processes an acknowledgment that advances the cumulative ACK point.
// ackedBytes must be positive; an ACK carrying no new data is a caller error
// and is rejected without touching the window.
func (s *CubicSender) OnAck(ackedBytes congestion.ByteCount, eventTime monotime.Time) {
	if ackedBytes <= 0 {
		return
	}
	s.duplicateAckCount = 0
	s.inLossEpisode = false
	s.ackCount++

	switch s.mode {
	case ModeSlowStart:
		// One segment's worth of growth per acknowledged segment, roughly
		// doubling the window every round trip.
		s.congestionWindow += float64(ackedBytes)
		if s.congestionWindow >= s.slowStartThreshold {
			s.enterCongestionAvoidance(eventTime)
		}
	case ModeCongestionAvoidance:
		// The epoch is normally armed on entry; re-arm here if it was unset
		// by an application-limited period.
		if !s.cubic.InEpoch() {
			s.cubic.StartEpoch(eventTime)
		}
		target := s.cubic.Target(eventTime)
		if target > s.congestionWindow {
			// Below the curve: close the gap proportionally to the fraction
			// of the window this ACK covers.
			s.congestionWindow += (target - s.congestionWindow) * float64(ackedBytes) / s.congestionWindow
		} else {
			// TCP-friendly region: standard additive increase, once per ACK.
			segment := float64(s.maxDatagramSize)
			s.congestionWindow += segment * segment / s.congestionWindow
		}
	}
	s.clampCongestionWindow()
	if s.logger != nil && s.ackCount%snapshotInterval == 0 {
		s.logger.Trace("cubic state: mode ", s.mode, ", cwnd ", int64(s.congestionWindow),
			", ssthresh ", int64(s.slowStartThreshold), ", wMax ", int64(s.cubic.WMax()),
			", k ", s.cubic.TimeToOrigin(), ", acks ", s.ackCount)
	}
}

// OnDuplicateAck processes an acknowledgment that did not advance the
// cumulative ACK point. Exactly the third consecutive duplicate triggers the
// fast-retransmit response, once per loss episode.
func (s *CubicSender) OnDuplicateAck(eventTime monotime.Time) {
	if s.inLossEpisode {
		return
	}
	s.duplicateAckCount++
	if s.duplicateAckCount == duplicateAckThreshold {
		s.OnFastRetransmit(eventTime)
	}
}

// OnTimeout processes a retransmission timeout. The window collapses to one
// segment and slow start restarts, but wMax is preserved so the next cubic
// climb targets the pre-loss operating point.
func (s *CubicSender) OnTimeout(eventTime monotime.Time) {
	s.cubic.SetWMax(s.congestionWindow)
	s.slowStartThreshold = Max(s.congestionWindow*s.beta, s.minCongestionWindow)
	s.congestionWindow = s.minCongestionWindow
	s.mode = ModeSlowStart
	s.cubic.EndEpoch()
	s.duplicateAckCount = 0
	s.inLossEpisode = false
	if s.logger != nil {
		s.logger.Debug("timeout event: cwnd ", int64(s.congestionWindow),
			", ssthresh ", int64(s.slowStartThreshold), ", wMax ", int64(s.cubic.WMax()))
	}
}

// OnFastRetransmit processes a loss detected through duplicate ACKs. The
// window is reduced multiplicatively and growth resumes in congestion
// avoidance from the reduced point; a sender still in slow start is promoted,
// since a congestion signal means the capacity probe is over.
func (s *CubicSender) OnFastRetransmit(eventTime monotime.Time) {
	s.cubic.SetWMax(s.congestionWindow)
	s.congestionWindow = Max(s.congestionWindow*s.beta, s.minCongestionWindow)
	s.mode = ModeCongestionAvoidance
	s.cubic.StartEpoch(eventTime)
	s.duplicateAckCount = 0
	s.inLossEpisode = true
	if s.logger != nil {
		s.logger.Debug("fast retransmit: cwnd ", int64(s.congestionWindow),
			", wMax ", int64(s.cubic.WMax()), ", k ", s.cubic.TimeToOrigin())
	}
}

func (s *CubicSender) enterCongestionAvoidance(eventTime monotime.Time) {
	s.mode = ModeCongestionAvoidance
	if s.cubic.WMax() == 0 {
		// First-ever entry: no loss has been seen yet, so the current window
		// is the best estimate of the operating point. After a loss, the
		// wMax recorded at the loss event is kept instead.
		s.cubic.SetWMax(s.congestionWindow)
	}
	s.cubic.StartEpoch(eventTime)
	if s.logger != nil {
		s.logger.Debug("exiting slow start: cwnd ", int64(s.congestionWindow),
			", ssthresh ", int64(s.slowStartThreshold), ", wMax ", int64(s.cubic.WMax()),
			", k ", s.cubic.TimeToOrigin())
	}
}

func (s *CubicSender) clampCongestionWindow() {
	// Both growth branches only ever add non-negative increments, but a
	// degenerate float must never propagate into the divisions above.
	if !(s.congestionWindow >= s.minCongestionWindow) {
		s.congestionWindow = s.minCongestionWindow
	}
	s.congestionWindow = Min(s.congestionWindow, s.maxCongestionWindow)
}

// GetCongestionWindow returns the current congestion window in bytes.
func (s *CubicSender) GetCongestionWindow() congestion.ByteCount {
	return congestion.ByteCount(s.congestionWindow)
}

// SlowStartThreshold returns the current slow-start threshold in bytes.
// Exposed for diagnostics.
func (s *CubicSender) SlowStartThreshold() congestion.ByteCount {
	return congestion.ByteCount(s.slowStartThreshold)
}

// Mode returns the current phase.
func (s *CubicSender) Mode() Mode {
	return s.mode
}

// WMax returns the window size recorded at the most recent congestion event.
func (s *CubicSender) WMax() congestion.ByteCount {
	return congestion.ByteCount(s.cubic.WMax())
}

// TimeToOrigin returns K in seconds.
func (s *CubicSender) TimeToOrigin() float64 {
	return s.cubic.TimeToOrigin()
}

// AckCount returns the number of non-duplicate ACKs processed.
func (s *CubicSender) AckCount() uint64 {
	return s.ackCount
}

// SetRTTStatsProvider sets the RTT stats provider.
func (s *CubicSender) SetRTTStatsProvider(provider congestion.RTTStatsProvider) {
	s.rttStats = provider
}

// TimeUntilSend returns the time until the next packet can be sent. The
// sender does not pace, so packets may always be sent immediately.
func (s *CubicSender) TimeUntilSend(bytesInFlight congestion.ByteCount) monotime.Time {
	return 0
}

// HasPacingBudget returns whether more packets can be sent now. Always true,
// pacing is left to the transport.
func (s *CubicSender) HasPacingBudget(now monotime.Time) bool {
	return true
}

// OnPacketSent is called when a packet is sent.
func (s *CubicSender) OnPacketSent(
	sentTime monotime.Time,
	bytesInFlight congestion.ByteCount,
	packetNumber congestion.PacketNumber,
	bytes congestion.ByteCount,
	isRetransmittable bool,
) {
	s.largestSentPacketNumber = packetNumber
}

// CanSend returns whether the sender may transmit more data: outstanding
// bytes must not exceed the congestion window.
func (s *CubicSender) CanSend(bytesInFlight congestion.ByteCount) bool {
	return bytesInFlight < s.GetCongestionWindow()
}

// MaybeExitSlowStart is a no-op: the slow-start exit is decided on ACK
// arrival against ssthresh.
func (s *CubicSender) MaybeExitSlowStart() {}

// OnPacketAcked is called when a packet is newly acknowledged.
func (s *CubicSender) OnPacketAcked(
	number congestion.PacketNumber,
	ackedBytes congestion.ByteCount,
	priorInFlight congestion.ByteCount,
	eventTime monotime.Time,
) {
	s.OnAck(ackedBytes, eventTime)
}

// OnCongestionEvent is called when a packet is reported lost.
func (s *CubicSender) OnCongestionEvent(
	number congestion.PacketNumber,
	lostBytes congestion.ByteCount,
	priorInFlight congestion.ByteCount,
) {
	s.onPacketLost(number, s.clock.Now())
}

// OnCongestionEventEx is called with the acked and lost packets of an ACK frame.
func (s *CubicSender) OnCongestionEventEx(
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

func (s *CubicSender) onPacketLost(number congestion.PacketNumber, eventTime monotime.Time) {
	// Packets sent before the last cutback belong to the same loss episode
	// and must not reduce the window again.
	if number <= s.largestSentAtLastCutback {
		return
	}
	s.largestSentAtLastCutback = s.largestSentPacketNumber
	s.OnFastRetransmit(eventTime)
}

// OnRetransmissionTimeout is called on an RTO. The window only collapses if
// packets were actually retransmitted.
func (s *CubicSender) OnRetransmissionTimeout(packetsRetransmitted bool) {
	if !packetsRetransmitted {
		return
	}
	s.OnTimeout(s.clock.Now())
}

// OnAppLimited is called when the application has no data to send. The growth
// epoch is unset so idle time does not count toward the curve; it re-arms on
// the next ACK in congestion avoidance.
func (s *CubicSender) OnAppLimited(bytesInFlight congestion.ByteCount) {
	s.cubic.EndEpoch()
}

// OnPacketsLost is called to notify about the least unacked packet. The
// sender keeps no per-packet state to discard.
func (s *CubicSender) OnPacketsLost(leastUnacked congestion.PacketNumber) {}

// InSlowStart returns whether the sender is in slow start.
func (s *CubicSender) InSlowStart() bool {
	return s.mode == ModeSlowStart
}

// InRecovery returns whether the sender is between a fast-retransmit cutback
// and the next cumulative ACK.
func (s *CubicSender) InRecovery() bool {
	return s.inLossEpisode
}

// SetMaxDatagramSize sets the maximum datagram size.
func (s *CubicSender) SetMaxDatagramSize(size congestion.ByteCount) {
	if size < s.maxDatagramSize {
		panic("cannot decrease max datagram size")
	}
	s.maxDatagramSize = size
	s.minCongestionWindow = float64(size)
	s.maxCongestionWindow = float64(s.maxCongestionWindowSegments) * float64(size)
	s.clampCongestionWindow()
}
