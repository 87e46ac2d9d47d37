package rtsp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corestream/rtsp/pkg/base"
	"github.com/corestream/rtsp/pkg/headers"
	"github.com/corestream/rtsp/pkg/rtspconn"
)

const clientTestSDP = "v=0\r\n" +
	"o=- 0 0 IN IP4 127.0.0.1\r\n" +
	"s=stream\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"t=0 0\r\n" +
	"a=control:*\r\n" +
	"m=audio 0 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=control:trackID=0\r\n"

// fakeServer answers OPTIONS/DESCRIBE/SETUP/PLAY/PAUSE/TEARDOWN with the
// minimum a Client needs to walk its full state diagram over one TCP
// connection, without involving Server.
type fakeServer struct {
	listener net.Listener
	sessID   string
}

func newFakeServer(t *testing.T) (*fakeServer, string) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	fs := &fakeServer{listener: l, sessID: "abc123"}
	go fs.acceptOne(t)

	return fs, "rtsp://" + l.Addr().String() + "/stream"
}

func (fs *fakeServer) acceptOne(t *testing.T) {
	nc, err := fs.listener.Accept()
	if err != nil {
		return
	}

	var conn *rtspconn.Conn
	conn = rtspconn.New(nc, rtspconn.Options{
		OnRequest: func(req *base.Request) {
			res := fs.handle(req)
			conn.SendResponse(res)
		},
	})
	<-conn.Done()
}

func (fs *fakeServer) handle(req *base.Request) *base.Response {
	switch req.Method {
	case base.Options:
		return &base.Response{StatusCode: base.StatusOK}

	case base.Describe:
		return &base.Response{
			StatusCode: base.StatusOK,
			Header:     base.Header{"Content-Type": base.HeaderValue{"application/sdp"}},
			Body:       []byte(clientTestSDP),
		}

	case base.Setup:
		reqTransport, err := headers.ReadTransport(req.Header["Transport"])
		if err != nil {
			return &base.Response{StatusCode: base.StatusBadRequest}
		}
		timeout := uint(60)
		return &base.Response{
			StatusCode: base.StatusOK,
			Header: base.Header{
				"Transport": reqTransport.Write(),
				"Session":   headers.Session{ID: fs.sessID, Timeout: &timeout}.Write(),
			},
		}

	case base.Play, base.Pause, base.Teardown:
		return &base.Response{StatusCode: base.StatusOK}

	default:
		return &base.Response{StatusCode: base.StatusBadRequest}
	}
}

func (fs *fakeServer) Close() {
	fs.listener.Close()
}

func TestClientFullLifecycle(t *testing.T) {
	fs, url := newFakeServer(t)
	defer fs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, url, ClientConfig{PreferTCP: true})
	require.NoError(t, err)
	require.Equal(t, StateInit, c.State())

	_, err = c.Options(ctx)
	require.NoError(t, err)

	info, err := c.Describe(ctx)
	require.NoError(t, err)
	require.Equal(t, StateDescribed, c.State())
	require.Len(t, info.Media, 1)

	require.NoError(t, c.SetupAll(ctx))
	require.Equal(t, StateReady, c.State())
	require.Len(t, c.Media(), 1)
	require.NotNil(t, c.Media()[0].Transport)

	require.NoError(t, c.Play(ctx, PlayOptions{}))
	require.Equal(t, StatePlaying, c.State())

	require.NoError(t, c.Pause(ctx))
	require.Equal(t, StateReady, c.State())

	require.NoError(t, c.Teardown(ctx))
	require.Equal(t, StateClosed, c.State())

	// Idempotent.
	require.NoError(t, c.Teardown(ctx))
}

func TestDescribeRejectedOutsideInitState(t *testing.T) {
	fs, url := newFakeServer(t)
	defer fs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, url, ClientConfig{})
	require.NoError(t, err)

	_, err = c.Describe(ctx)
	require.NoError(t, err)

	_, err = c.Describe(ctx)
	require.Error(t, err)
}

func TestPlayRejectedBeforeSetup(t *testing.T) {
	fs, url := newFakeServer(t)
	defer fs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, url, ClientConfig{})
	require.NoError(t, err)

	err = c.Play(ctx, PlayOptions{})
	require.Error(t, err)
}
