package rtsp

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corestream/rtsp/pkg/base"
	"github.com/corestream/rtsp/pkg/headers"
	"github.com/corestream/rtsp/pkg/liberrors"
	"github.com/corestream/rtsp/pkg/rtspconn"
)

const serverTestSDP = "v=0\r\n" +
	"o=- 0 0 IN IP4 127.0.0.1\r\n" +
	"s=stream\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"t=0 0\r\n" +
	"a=control:*\r\n" +
	"m=audio 0 RTP/AVP 0\r\n" +
	"a=control:trackID=0\r\n"

// fakeStreamer is a minimal Streamer backing one stream at path "/stream".
type fakeStreamer struct {
	mu        sync.Mutex
	played    []string
	paused    []string
	tornDown  []string
}

func (f *fakeStreamer) Describe(url *base.URL) (string, []byte, error) {
	if url.Path != "/stream" {
		return "", nil, liberrors.ErrStreamNotFound{Path: url.Path}
	}
	return "application/sdp", []byte(serverTestSDP), nil
}

func (f *fakeStreamer) SetupStream(_ string, url *base.URL) (string, error) {
	if url.Path != "/stream/trackID=0" {
		return "", liberrors.ErrStreamNotFound{Path: url.Path}
	}
	return "track0", nil
}

func (f *fakeStreamer) Play(_, streamID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.played = append(f.played, streamID)
	return nil
}

func (f *fakeStreamer) Pause(_, streamID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = append(f.paused, streamID)
	return nil
}

func (f *fakeStreamer) Teardown(_, streamID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tornDown = append(f.tornDown, streamID)
	return nil
}

func startTestServer(t *testing.T) (*Server, *fakeStreamer, string) {
	streamer := &fakeStreamer{}
	srv := New(streamer, ServerConfig{Addr: "127.0.0.1:0"})
	require.NoError(t, srv.Listen(context.Background()))
	t.Cleanup(func() { srv.Close() })
	return srv, streamer, srv.listener.Addr().String()
}

func dialRaw(t *testing.T, addr string) *rtspconn.Conn {
	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	return rtspconn.New(nc, rtspconn.Options{})
}

func TestServerOptionsDescribeSetupPlayTeardown(t *testing.T) {
	_, streamer, addr := startTestServer(t)

	conn := dialRaw(t, addr)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	streamURL, err := base.ParseURL("rtsp://" + addr + "/stream")
	require.NoError(t, err)

	res, err := conn.SendRequest(ctx, &base.Request{Method: base.Options, URL: streamURL})
	require.NoError(t, err)
	require.Equal(t, base.StatusOK, res.StatusCode)

	res, err = conn.SendRequest(ctx, &base.Request{Method: base.Describe, URL: streamURL})
	require.NoError(t, err)
	require.Equal(t, base.StatusOK, res.StatusCode)
	require.Equal(t, serverTestSDP, string(res.Body))

	trackURL, err := base.ParseURL("rtsp://" + addr + "/stream/trackID=0")
	require.NoError(t, err)

	reqTransport := headers.Transport{
		Protocol:       headers.ProtocolTCP,
		InterleavedIDs: &[2]int{0, 1},
	}
	res, err = conn.SendRequest(ctx, &base.Request{
		Method: base.Setup,
		URL:    trackURL,
		Header: base.Header{"Transport": reqTransport.Write()},
	})
	require.NoError(t, err)
	require.Equal(t, base.StatusOK, res.StatusCode)

	sh, err := headers.ReadSession(res.Header["Session"])
	require.NoError(t, err)
	require.NotEmpty(t, sh.ID)

	playRes, err := conn.SendRequest(ctx, &base.Request{
		Method: base.Play,
		URL:    streamURL,
		Header: base.Header{"Session": base.HeaderValue{sh.ID}},
	})
	require.NoError(t, err)
	require.Equal(t, base.StatusOK, playRes.StatusCode)

	require.Eventually(t, func() bool {
		streamer.mu.Lock()
		defer streamer.mu.Unlock()
		return len(streamer.played) == 1
	}, time.Second, 10*time.Millisecond)

	tdRes, err := conn.SendRequest(ctx, &base.Request{
		Method: base.Teardown,
		URL:    streamURL,
		Header: base.Header{"Session": base.HeaderValue{sh.ID}},
	})
	require.NoError(t, err)
	require.Equal(t, base.StatusOK, tdRes.StatusCode)

	streamer.mu.Lock()
	require.Len(t, streamer.tornDown, 1)
	streamer.mu.Unlock()
}

func TestSetupRejectsExistingSession(t *testing.T) {
	_, _, addr := startTestServer(t)

	conn := dialRaw(t, addr)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	trackURL, err := base.ParseURL("rtsp://" + addr + "/stream/trackID=0")
	require.NoError(t, err)

	reqTransport := headers.Transport{Protocol: headers.ProtocolTCP, InterleavedIDs: &[2]int{0, 1}}
	res, err := conn.SendRequest(ctx, &base.Request{
		Method: base.Setup,
		URL:    trackURL,
		Header: base.Header{"Transport": reqTransport.Write(), "Session": base.HeaderValue{"bogus"}},
	})
	require.NoError(t, err)
	require.Equal(t, base.StatusMethodNotValidInThisState, res.StatusCode)
}

func TestSetupRejectsMulticast(t *testing.T) {
	_, _, addr := startTestServer(t)

	conn := dialRaw(t, addr)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	trackURL, err := base.ParseURL("rtsp://" + addr + "/stream/trackID=0")
	require.NoError(t, err)

	multicast := headers.DeliveryMulticast
	reqTransport := headers.Transport{
		Protocol:    headers.ProtocolUDP,
		Delivery:    &multicast,
		ClientPorts: &[2]int{6000, 6001},
	}
	res, err := conn.SendRequest(ctx, &base.Request{
		Method: base.Setup,
		URL:    trackURL,
		Header: base.Header{"Transport": reqTransport.Write()},
	})
	require.NoError(t, err)
	require.Equal(t, base.StatusNotImplemented, res.StatusCode)
}

func TestDescribeUnknownStreamReturnsNotFound(t *testing.T) {
	_, _, addr := startTestServer(t)

	conn := dialRaw(t, addr)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url, err := base.ParseURL("rtsp://" + addr + "/nope")
	require.NoError(t, err)

	res, err := conn.SendRequest(ctx, &base.Request{Method: base.Describe, URL: url})
	require.NoError(t, err)
	require.Equal(t, base.StatusNotFound, res.StatusCode)
}

func TestSessionScopedRequestUnknownSessionReturns454(t *testing.T) {
	_, _, addr := startTestServer(t)

	conn := dialRaw(t, addr)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url, err := base.ParseURL("rtsp://" + addr + "/stream")
	require.NoError(t, err)

	res, err := conn.SendRequest(ctx, &base.Request{
		Method: base.Play,
		URL:    url,
		Header: base.Header{"Session": base.HeaderValue{"does-not-exist"}},
	})
	require.NoError(t, err)
	require.Equal(t, base.StatusSessionNotFound, res.StatusCode)
}
