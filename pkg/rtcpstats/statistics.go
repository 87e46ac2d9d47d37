// Package rtcpstats maintains the per-SSRC jitter/loss/arrival state RFC
// 3550 requires, and builds the RTCP receiver/sender reports derived from
// it. The update law (sequence-cycle tracking, Q4 jitter, fraction_lost
// clamp, LSR/DLSR derivation) is hand-built against RFC 3550 §6.4 rather
// than delegated to pion/rtcp, which only encodes/decodes the wire format
// and leaves report-field derivation to the caller.
package rtcpstats

import (
	"time"

	"github.com/pion/rtcp"

	"github.com/corestream/rtsp/pkg/ntp"
	"github.com/corestream/rtsp/pkg/rtcppacket"
	"github.com/corestream/rtsp/pkg/rtppacket"
)

// MaxDropout is the largest forward sequence-number jump that is treated as
// a normal (possibly wrapping) advance, per RFC 3550 §A.1.
const MaxDropout = 3000

// Statistics is the per-SSRC receive-side record of RFC 3550 §A.
type Statistics struct {
	ClockRate uint32
	LocalSSRC uint32
	CNAME     string

	initialized   bool
	ssrc          uint32
	baseSeq       uint16
	maxSeq        uint16
	cycles        uint32
	received      uint64
	expectedPrior uint64
	receivedPrior uint64

	jitter      float64
	transitPrev int64
	lastWall    time.Time
	haveLastRTP bool
	lastRTPTS   uint32

	lastReceivedWall time.Time

	haveSR         bool
	lastSRNTPMid32 uint32
	lastSRRxTime   time.Time
}

// UpdateRTP folds one arriving RTP packet into the statistics. arrival is
// the local wall-clock time the packet was read off the transport.
func (s *Statistics) UpdateRTP(pkt *rtppacket.Packet, arrival time.Time) {
	s.lastReceivedWall = arrival

	if !s.initialized {
		s.initialized = true
		s.ssrc = pkt.SSRC
		s.baseSeq = pkt.SequenceNumber
		s.maxSeq = pkt.SequenceNumber
		s.received = 1
		s.lastWall = arrival
		s.lastRTPTS = pkt.Timestamp
		s.haveLastRTP = true
		return
	}

	udelta := pkt.SequenceNumber - s.maxSeq
	if udelta != 0 && udelta < MaxDropout {
		if pkt.SequenceNumber < s.maxSeq {
			// sequence number space wrapped
			s.cycles += 1 << 16
		}
		s.maxSeq = pkt.SequenceNumber
	}
	// else: large backward jump, or forward jump without a real wrap —
	// misordered or duplicate; received count still increases, max_seq does not.

	s.received++

	if s.ClockRate > 0 {
		elapsedTicks := arrival.Sub(s.lastWall).Seconds() * float64(s.ClockRate)
		transit := int64(elapsedTicks) - (int64(pkt.Timestamp) - int64(s.lastRTPTS))

		// transit is measured against the previous packet, so it already is
		// the transit-time difference D(i-1,i) = (Rj-Ri) - (Sj-Si) in ticks.
		d := transit
		if d < 0 {
			d = -d
		}
		// RFC 3550 §A.8 fixed-point jitter estimator: jitter is kept in a
		// Q4 (x16) accumulator; reports emit jitter>>4.
		s.jitter += float64(d) - s.jitter/16

		s.transitPrev = transit
	}

	s.lastWall = arrival
	s.lastRTPTS = pkt.Timestamp
}

// ProcessSenderReport records the arrival of a peer's SR, needed to compute
// LSR/DLSR on our next report.
func (s *Statistics) ProcessSenderReport(sr *rtcp.SenderReport, arrival time.Time) {
	s.haveSR = true
	s.lastSRNTPMid32 = uint32(sr.NTPTime >> 16)
	s.lastSRRxTime = arrival
}

// Expected returns the number of packets that should have been received so far.
func (s *Statistics) Expected() uint64 {
	return uint64(s.cycles) + uint64(s.maxSeq) - uint64(s.baseSeq) + 1
}

// IdleSince returns how long it has been since the last RTP packet arrived.
func (s *Statistics) IdleSince(now time.Time) time.Duration {
	if s.lastReceivedWall.IsZero() {
		return 0
	}
	return now.Sub(s.lastReceivedWall)
}

// Initialized reports whether at least one RTP packet has been processed.
func (s *Statistics) Initialized() bool {
	return s.initialized
}

// BuildReceptionReport builds one RTCP reception report block reflecting
// the state accumulated since the previous call, per RFC 3550 §6.4.1.
func (s *Statistics) BuildReceptionReport(now time.Time) rtcp.ReceptionReport {
	expected := s.Expected()
	expectedInterval := expected - s.expectedPrior
	receivedInterval := s.received - s.receivedPrior
	s.expectedPrior = expected
	s.receivedPrior = s.received

	var fractionLost uint8
	if expectedInterval > 0 && expectedInterval >= receivedInterval {
		lostInterval := expectedInterval - receivedInterval
		fractionLost = uint8(clamp256(256 * lostInterval / expectedInterval))
	}

	lostTotal := int64(expected) - int64(s.received)
	cumulativeLost := clampSigned24(lostTotal)

	rr := rtcp.ReceptionReport{
		SSRC:               s.ssrc,
		FractionLost:       fractionLost,
		TotalLost:          cumulativeLost,
		LastSequenceNumber: s.cycles | uint32(s.maxSeq),
		Jitter:             uint32(s.jitter) >> 4,
	}

	if s.haveSR {
		rr.LastSenderReport = s.lastSRNTPMid32
		delay := now.Sub(s.lastSRRxTime).Seconds()
		if delay < 0 {
			delay = 0
		}
		rr.Delay = uint32(delay * 65536)
	}

	return rr
}

// BuildRR builds a compound RR + SDES(CNAME) report.
func (s *Statistics) BuildRR(now time.Time) []rtcp.Packet {
	rr := &rtcp.ReceiverReport{
		SSRC:    s.LocalSSRC,
		Reports: []rtcp.ReceptionReport{s.BuildReceptionReport(now)},
	}
	return []rtcp.Packet{rr, rtcppacket.CNAME(s.LocalSSRC, s.CNAME)}
}

func clamp256(v uint64) uint64 {
	if v > 255 {
		return 255
	}
	return v
}

func clampSigned24(v int64) uint32 {
	const maxV = (1 << 23) - 1
	const minV = -(1 << 23)
	if v > maxV {
		v = maxV
	} else if v < minV {
		v = minV
	}
	return uint32(v) & 0x00FFFFFF
}

// NowNTP converts a wall-clock time into an NTP timestamp, for SR construction.
func NowNTP(t time.Time) uint64 {
	return ntp.Encode(t)
}
