package rtsp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/require"

	"github.com/corestream/rtsp/pkg/base"
	"github.com/corestream/rtsp/pkg/liberrors"
	"github.com/corestream/rtsp/pkg/rtppacket"
)

const e2eSDP = "v=0\r\n" +
	"o=- 0 0 IN IP4 127.0.0.1\r\n" +
	"s=stream\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"t=0 0\r\n" +
	"a=control:*\r\n" +
	"m=audio 0 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=control:trackID=0\r\n"

// e2eStreamer backs exactly one stream, "/stream" with one track at
// "/stream/trackID=0", and records Play/Teardown calls keyed by streamID.
type e2eStreamer struct {
	mu        sync.Mutex
	played    []string
	tornDown  []string
}

func (s *e2eStreamer) Describe(url *base.URL) (string, []byte, error) {
	if url.Path != "/stream" {
		return "", nil, liberrors.ErrStreamNotFound{Path: url.Path}
	}
	return "application/sdp", []byte(e2eSDP), nil
}

func (s *e2eStreamer) SetupStream(_ string, url *base.URL) (string, error) {
	if url.Path != "/stream/trackID=0" {
		return "", liberrors.ErrStreamNotFound{Path: url.Path}
	}
	return "track0", nil
}

func (s *e2eStreamer) Play(_, streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.played = append(s.played, streamID)
	return nil
}

func (s *e2eStreamer) Pause(_, _ string) error {
	return nil
}

func (s *e2eStreamer) Teardown(_, streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tornDown = append(s.tornDown, streamID)
	return nil
}

func (s *e2eStreamer) playCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.played)
}

func (s *e2eStreamer) tornDownCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tornDown)
}

// recordingObserver captures every RTP packet and RTCP compound packet a
// Transport delivers, so a test can assert on what the client actually saw.
type recordingObserver struct {
	mu   sync.Mutex
	rtp  []*rtppacket.Packet
	rtcp [][]rtcp.Packet
}

func (o *recordingObserver) OnRTP(pkt *rtppacket.Packet) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rtp = append(o.rtp, pkt)
}

func (o *recordingObserver) OnRTCP(packets []rtcp.Packet) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rtcp = append(o.rtcp, packets)
}

func (o *recordingObserver) OnClosed(error) {}

func (o *recordingObserver) rtpCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.rtp)
}

func (o *recordingObserver) rtcpCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.rtcp)
}

// TestClientServerRTPFlow exercises a full session between this library's
// own Client and Server over a loopback TCP-interleaved transport: OPTIONS,
// DESCRIBE, SETUP, PLAY, a handful of RTP packets and a sender report
// pushed by the server, then PAUSE/TEARDOWN, asserting the client's
// transport delivered every packet and updated its receive statistics.
func TestClientServerRTPFlow(t *testing.T) {
	streamer := &e2eStreamer{}
	srv := New(streamer, ServerConfig{Addr: "127.0.0.1:0"})
	require.NoError(t, srv.Listen(context.Background()))
	defer srv.Close()

	addr := srv.listener.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, "rtsp://"+addr+"/stream", ClientConfig{PreferTCP: true})
	require.NoError(t, err)

	_, err = c.Options(ctx)
	require.NoError(t, err)

	info, err := c.Describe(ctx)
	require.NoError(t, err)
	require.Len(t, info.Media, 1)

	require.NoError(t, c.SetupAll(ctx))
	require.Len(t, c.Media(), 1)

	obs := &recordingObserver{}
	c.Media()[0].Transport.Subscribe(obs)

	require.NoError(t, c.Play(ctx, PlayOptions{}))

	require.Eventually(t, func() bool {
		return streamer.playCount() == 1
	}, time.Second, 10*time.Millisecond)

	const streamID = "track0"

	for i := 0; i < 5; i++ {
		pkt := &rtppacket.Packet{
			PayloadType:    0,
			SequenceNumber: uint16(1000 + i),
			Timestamp:      uint32(8000 * i),
			SSRC:           0xC0FFEE,
			Payload:        []byte{0xAA, 0xBB},
		}
		srv.SendRTP(streamID, pkt)
	}

	require.Eventually(t, func() bool {
		return obs.rtpCount() == 5
	}, 2*time.Second, 10*time.Millisecond)

	stats := c.Media()[0].Stats
	require.True(t, stats.Initialized())
	require.Equal(t, uint64(5), stats.Expected())

	srv.SendRTCP(streamID, []rtcp.Packet{&rtcp.SenderReport{SSRC: 0xC0FFEE}})

	require.Eventually(t, func() bool {
		return obs.rtcpCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Pause(ctx))
	require.NoError(t, c.Teardown(ctx))

	require.Eventually(t, func() bool {
		return streamer.tornDownCount() == 1
	}, time.Second, 10*time.Millisecond)
}
