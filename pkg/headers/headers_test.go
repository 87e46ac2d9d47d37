package headers

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corestream/rtsp/pkg/base"
)

func TestReadTransportUDPUnicast(t *testing.T) {
	hv := base.HeaderValue{`RTP/AVP;unicast;client_port=3456-3457;server_port=6543-6544;mode="PLAY"`}

	tr, err := ReadTransport(hv)
	require.NoError(t, err)
	require.Equal(t, ProtocolUDP, tr.Protocol)
	require.NotNil(t, tr.Delivery)
	require.Equal(t, DeliveryUnicast, *tr.Delivery)
	require.Equal(t, &[2]int{3456, 3457}, tr.ClientPorts)
	require.Equal(t, &[2]int{6543, 6544}, tr.ServerPorts)
	require.NotNil(t, tr.Mode)
	require.Equal(t, ModePlay, *tr.Mode)
}

func TestTransportWriteRoundTrip(t *testing.T) {
	delivery := DeliveryUnicast
	mode := ModePlay
	tr := Transport{
		Protocol:       ProtocolTCP,
		Delivery:       &delivery,
		Mode:           &mode,
		InterleavedIDs: &[2]int{0, 1},
	}

	written := tr.Write()
	parsed, err := ReadTransport(written)
	require.NoError(t, err)
	require.Equal(t, ProtocolTCP, parsed.Protocol)
	require.Equal(t, &[2]int{0, 1}, parsed.InterleavedIDs)
}

func TestTransportSinglePortDefaultsSecondToPortPlusOne(t *testing.T) {
	tr, err := ReadTransport(base.HeaderValue{"RTP/AVP;unicast;client_port=5000"})
	require.NoError(t, err)
	require.Equal(t, &[2]int{5000, 5001}, tr.ClientPorts)
}

func TestReadTransportPrefersTCPAmongAlternatives(t *testing.T) {
	hv := base.HeaderValue{`RTP/AVP/TCP;unicast;interleaved=0-1,RTP/AVP;unicast;client_port=3456-3457`}

	tr, err := ReadTransport(hv)
	require.NoError(t, err)
	require.Equal(t, ProtocolTCP, tr.Protocol)
	require.Equal(t, &[2]int{0, 1}, tr.InterleavedIDs)
}

func TestReadTransportFallsBackToUDPWhenNoTCPOffered(t *testing.T) {
	hv := base.HeaderValue{`RTP/AVP;unicast;client_port=3456-3457,RTP/AVP;unicast;client_port=4000-4001`}

	tr, err := ReadTransport(hv)
	require.NoError(t, err)
	require.Equal(t, ProtocolUDP, tr.Protocol)
	require.Equal(t, &[2]int{3456, 3457}, tr.ClientPorts)
}

func TestSessionRoundTrip(t *testing.T) {
	s, err := ReadSession(base.HeaderValue{"a3eb217c;timeout=60"})
	require.NoError(t, err)
	require.Equal(t, "a3eb217c", s.ID)
	require.NotNil(t, s.Timeout)
	require.EqualValues(t, 60, *s.Timeout)

	require.Equal(t, base.HeaderValue{"a3eb217c;timeout=60"}, s.Write())
}

func TestFormatClockTimeVectors(t *testing.T) {
	require.Equal(t, "20190326T140825.123Z", FormatClockTime(1553609305.123))
	require.Equal(t, "20190326T140825Z", FormatClockTime(1553609305))
}

func TestParseClockRangeVector(t *testing.T) {
	ts, ok := ParseClockRange("clock=20180101T010203.045Z-")
	require.True(t, ok)
	require.InDelta(t, 1514768523.045, ts, 0.0005)
}

func TestRTPInfoRoundTrip(t *testing.T) {
	seq := uint16(1)
	ts := uint32(960)
	info := RTPInfo{{URL: "rtsp://host/stream/trackID=0", SequenceNumber: &seq, Timestamp: &ts}}

	hv := info.Write()
	parsed, err := ReadRTPInfo(hv)
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	require.Equal(t, "rtsp://host/stream/trackID=0", parsed[0].URL)
	require.EqualValues(t, 1, *parsed[0].SequenceNumber)
	require.EqualValues(t, 960, *parsed[0].Timestamp)
}
