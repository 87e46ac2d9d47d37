package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/require"

	"github.com/corestream/rtsp/pkg/base"
	"github.com/corestream/rtsp/pkg/rtcpstats"
	"github.com/corestream/rtsp/pkg/rtppacket"
	"github.com/corestream/rtsp/pkg/rtspconn"
)

type recordingObserver struct {
	rtp    chan *rtppacket.Packet
	rtcp   chan []rtcp.Packet
	closed chan error
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		rtp:    make(chan *rtppacket.Packet, 4),
		rtcp:   make(chan []rtcp.Packet, 4),
		closed: make(chan error, 1),
	}
}

func (r *recordingObserver) OnRTP(pkt *rtppacket.Packet)     { r.rtp <- pkt }
func (r *recordingObserver) OnRTCP(packets []rtcp.Packet)    { r.rtcp <- packets }
func (r *recordingObserver) OnClosed(err error)              { r.closed <- err }

func TestTCPTransportDeliversRTPToObserver(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	c := rtspconn.New(clientConn, rtspconn.Options{})
	defer c.Close()

	stats := &rtcpstats.Statistics{ClockRate: 90000, LocalSSRC: 1, CNAME: "x@y"}
	tr, err := NewTCP(c, 0, 1, Options{Stats: stats})
	require.NoError(t, err)
	defer tr.Close()

	obs := newRecordingObserver()
	tr.Subscribe(obs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)

	pkt := &rtppacket.Packet{PayloadType: 96, SequenceNumber: 1, Timestamp: 0, SSRC: 5, Payload: []byte{1, 2, 3}}
	buf, err := pkt.Encode()
	require.NoError(t, err)
	frame := base.InterleavedFrame{Channel: 0, Payload: buf}

	go func() {
		serverConn.Write(frame.Marshal())
	}()

	select {
	case got := <-obs.rtp:
		require.Equal(t, uint16(1), got.SequenceNumber)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for RTP")
	}

	require.True(t, tr.Running())
}

func TestSendRTCPReportOverTCP(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	c := rtspconn.New(clientConn, rtspconn.Options{})
	defer c.Close()

	stats := &rtcpstats.Statistics{ClockRate: 8000, LocalSSRC: 42, CNAME: "a@b"}
	tr, err := NewTCP(c, 4, 5, Options{Stats: stats})
	require.NoError(t, err)
	defer tr.Close()

	stats.UpdateRTP(&rtppacket.Packet{SSRC: 9, SequenceNumber: 1, Timestamp: 0}, time.Now())

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 4096)
		serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
		serverConn.Read(buf)
		close(done)
	}()

	require.NoError(t, tr.SendRTCPReport(time.Now()))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RTCP report was not written")
	}
}

func TestBuildAndValidateTransportHeaderTCP(t *testing.T) {
	req := BuildRequestTransportHeader(KindTCP, 0, 0)
	res := req
	require.NoError(t, ValidateResponseTransport(req, res))
}

func TestValidateResponseTransportRejectsProtocolMismatch(t *testing.T) {
	req := BuildRequestTransportHeader(KindTCP, 0, 0)
	res := BuildRequestTransportHeader(KindUDP, 3456, 0)
	require.Error(t, ValidateResponseTransport(req, res))
}

func TestValidateResponseTransportUDPRequiresServerPort(t *testing.T) {
	req := BuildRequestTransportHeader(KindUDP, 3456, 0)
	res := req
	require.Error(t, ValidateResponseTransport(req, res))

	res.ServerPorts = &[2]int{6543, 6544}
	require.NoError(t, ValidateResponseTransport(req, res))
}

func TestCloseIsIdempotentAndNotifiesObserver(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	c := rtspconn.New(clientConn, rtspconn.Options{})
	defer c.Close()

	tr, err := NewTCP(c, 8, 9, Options{})
	require.NoError(t, err)

	obs := newRecordingObserver()
	tr.Subscribe(obs)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	require.False(t, tr.Running())

	select {
	case <-obs.closed:
	case <-time.After(time.Second):
		t.Fatal("observer was not notified of closure")
	}
}
