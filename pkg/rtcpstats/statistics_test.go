package rtcpstats

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/require"

	"github.com/corestream/rtsp/pkg/rtppacket"
)

func TestUpdateRTPTracksReceivedCount(t *testing.T) {
	s := &Statistics{ClockRate: 90000, LocalSSRC: 0xaabbccdd, CNAME: "user@host"}
	base := time.Unix(1_600_000_000, 0)

	s.UpdateRTP(&rtppacket.Packet{SSRC: 1, SequenceNumber: 100, Timestamp: 0}, base)
	s.UpdateRTP(&rtppacket.Packet{SSRC: 1, SequenceNumber: 101, Timestamp: 3000}, base.Add(33*time.Millisecond))

	require.True(t, s.Initialized())
	require.EqualValues(t, 2, s.received)
	require.EqualValues(t, 2, s.Expected())
}

func TestUpdateRTPHandlesSequenceWrap(t *testing.T) {
	s := &Statistics{ClockRate: 90000}
	base := time.Unix(1_600_000_000, 0)

	s.UpdateRTP(&rtppacket.Packet{SequenceNumber: 65534, Timestamp: 0}, base)
	s.UpdateRTP(&rtppacket.Packet{SequenceNumber: 65535, Timestamp: 3000}, base.Add(33*time.Millisecond))
	s.UpdateRTP(&rtppacket.Packet{SequenceNumber: 0, Timestamp: 6000}, base.Add(66*time.Millisecond))
	s.UpdateRTP(&rtppacket.Packet{SequenceNumber: 1, Timestamp: 9000}, base.Add(99*time.Millisecond))

	require.EqualValues(t, 1<<16, s.cycles)
	require.EqualValues(t, 4, s.Expected())
}

func TestUpdateRTPIgnoresLargeBackwardJumpInMaxSeq(t *testing.T) {
	s := &Statistics{ClockRate: 90000}
	base := time.Unix(1_600_000_000, 0)

	s.UpdateRTP(&rtppacket.Packet{SequenceNumber: 5000, Timestamp: 0}, base)
	s.UpdateRTP(&rtppacket.Packet{SequenceNumber: 10, Timestamp: 3000}, base.Add(33*time.Millisecond))

	require.EqualValues(t, 5000, s.maxSeq)
	require.EqualValues(t, 2, s.received)
}

func TestBuildReceptionReportReflectsLoss(t *testing.T) {
	s := &Statistics{ClockRate: 90000, LocalSSRC: 42}
	base := time.Unix(1_600_000_000, 0)

	s.UpdateRTP(&rtppacket.Packet{SSRC: 7, SequenceNumber: 0, Timestamp: 0}, base)
	s.UpdateRTP(&rtppacket.Packet{SSRC: 7, SequenceNumber: 2, Timestamp: 6000}, base.Add(66*time.Millisecond))

	now := base.Add(100 * time.Millisecond)
	rr := s.BuildReceptionReport(now)

	require.EqualValues(t, 7, rr.SSRC)
	require.EqualValues(t, 2, rr.LastSequenceNumber)
	require.Greater(t, rr.FractionLost, uint8(0))
	require.EqualValues(t, 1, rr.TotalLost)
}

func TestBuildRRIncludesSDESCNAME(t *testing.T) {
	s := &Statistics{ClockRate: 8000, LocalSSRC: 99, CNAME: "streamer@host"}
	base := time.Unix(1_600_000_000, 0)
	s.UpdateRTP(&rtppacket.Packet{SSRC: 3, SequenceNumber: 1, Timestamp: 160}, base)

	packets := s.BuildRR(base.Add(20 * time.Millisecond))
	require.Len(t, packets, 2)

	_, isRR := packets[0].(*rtcp.ReceiverReport)
	require.True(t, isRR)
	sdes, isSDES := packets[1].(*rtcp.SourceDescription)
	require.True(t, isSDES)
	require.Equal(t, "streamer@host", sdes.Chunks[0].Items[0].Text)
}

func TestBuildReceptionReportJitterMatchesRFC3550FixedPointLaw(t *testing.T) {
	s := &Statistics{ClockRate: 1000, LocalSSRC: 1}
	base := time.Unix(1_600_000_000, 0)

	// Two packets with identical RTP timestamps, 50ms apart on arrival: the
	// whole 50ms of clock skew lands in transit, so after one update the
	// Q4 accumulator holds exactly that skew (in clock ticks) and the
	// emitted jitter is accumulator>>4, per RFC 3550 §6.4.1/§A.8.
	s.UpdateRTP(&rtppacket.Packet{SSRC: 9, SequenceNumber: 0, Timestamp: 0}, base)
	s.UpdateRTP(&rtppacket.Packet{SSRC: 9, SequenceNumber: 1, Timestamp: 0}, base.Add(50*time.Millisecond))

	rr := s.BuildReceptionReport(base.Add(100 * time.Millisecond))
	require.EqualValues(t, 3, rr.Jitter)
}

func TestProcessSenderReportFeedsLSRIntoNextReport(t *testing.T) {
	s := &Statistics{ClockRate: 90000, LocalSSRC: 1}
	base := time.Unix(1_600_000_000, 0)
	s.UpdateRTP(&rtppacket.Packet{SSRC: 5, SequenceNumber: 1, Timestamp: 0}, base)

	sr := &rtcp.SenderReport{SSRC: 5, NTPTime: NowNTP(base)}
	s.ProcessSenderReport(sr, base.Add(10*time.Millisecond))

	rr := s.BuildReceptionReport(base.Add(50 * time.Millisecond))
	require.NotZero(t, rr.LastSenderReport)
	require.Greater(t, rr.Delay, uint32(0))
}
