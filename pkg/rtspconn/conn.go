// Package rtspconn implements one RTSP endpoint: it owns a TCP/TLS stream,
// drives a pkg/rtspparse.Parser off it in a dedicated read goroutine, and
// serializes writes so requests, responses and interleaved binary frames
// can be sent concurrently from multiple goroutines.
//
// Follows the read/write surface of bluenviron/gortsplib's pkg/conn, which
// reads Request/Response/InterleavedFrame directly off a bufio.Reader; this
// package moves that onto a background goroutine so callers never block a
// shared loop waiting on I/O, and adds request/response correlation (CSeq
// bookkeeping, one-shot 401 retry) directly rather than leaving it to a
// higher-level Client/Server type.
package rtspconn

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/corestream/rtsp/pkg/auth"
	"github.com/corestream/rtsp/pkg/base"
	"github.com/corestream/rtsp/pkg/liberrors"
	"github.com/corestream/rtsp/pkg/rtspparse"
)

// RequestHandler processes an inbound request (server role) or an
// inbound out-of-band request such as PLAY_NOTIFY (client role).
type RequestHandler func(req *base.Request)

// BinaryHandler processes one inbound interleaved frame for a channel.
type BinaryHandler func(frame *base.InterleavedFrame)

// Conn is one RTSP connection: a read goroutine feeding a rtspparse.Parser,
// plus a mutex-serialized writer.
type Conn struct {
	nc  net.Conn
	log zerolog.Logger

	writeMu sync.Mutex

	cseq uint32

	pendingMu sync.Mutex
	pending   map[uint32]chan *base.Response

	handlersMu sync.RWMutex
	handlers   map[int]BinaryHandler

	onRequest RequestHandler

	closed   atomic.Bool
	closeErr error
	done     chan struct{}
}

// Options configures a Conn.
type Options struct {
	// OnRequest is invoked for every inbound request (server role) or
	// inbound out-of-band request (client role, e.g. PLAY_NOTIFY).
	OnRequest RequestHandler
	Logger    zerolog.Logger
}

// New wraps an already-established net.Conn (TCP or TLS) and starts its
// background read loop.
func New(nc net.Conn, opts Options) *Conn {
	c := &Conn{
		nc:        nc,
		log:       opts.Logger,
		pending:   make(map[uint32]chan *base.Response),
		handlers:  make(map[int]BinaryHandler),
		onRequest: opts.OnRequest,
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer close(c.done)

	parser := rtspparse.New()
	buf := make([]byte, 4096)

	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			msgs, perr := parser.Feed(buf[:n])
			for _, msg := range msgs {
				c.dispatch(msg)
			}
			if perr != nil {
				c.fail(perr)
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				c.fail(err)
			} else {
				c.fail(liberrors.ErrConnectionClosed{})
			}
			return
		}
	}
}

func (c *Conn) dispatch(msg rtspparse.Message) {
	switch msg.Kind {
	case rtspparse.KindResponse:
		c.completeRequest(msg.Response)
	case rtspparse.KindRequest:
		if c.onRequest != nil {
			c.onRequest(msg.Request)
		}
	case rtspparse.KindFrame:
		c.handlersMu.RLock()
		h, ok := c.handlers[msg.Frame.Channel]
		c.handlersMu.RUnlock()
		if ok {
			h(msg.Frame)
		}
	}
}

func (c *Conn) completeRequest(res *base.Response) {
	cseqStr, ok := res.Header.Get("CSeq")
	if !ok {
		return
	}
	cseq, err := strconv.ParseUint(cseqStr, 10, 32)
	if err != nil {
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[uint32(cseq)]
	if ok {
		delete(c.pending, uint32(cseq))
	}
	c.pendingMu.Unlock()

	if ok {
		ch <- res
	}
}

func (c *Conn) fail(err error) {
	if c.closed.CompareAndSwap(false, true) {
		c.closeErr = err
	}

	c.pendingMu.Lock()
	for cseq, ch := range c.pending {
		close(ch)
		delete(c.pending, cseq)
	}
	c.pendingMu.Unlock()
}

// SendRequest assigns the next CSeq, writes the request and waits for its
// matching response, honoring ctx for cancellation/timeout.
func (c *Conn) SendRequest(ctx context.Context, req *base.Request) (*base.Response, error) {
	if c.closed.Load() {
		return nil, liberrors.ErrConnectionClosed{}
	}

	cseq := atomic.AddUint32(&c.cseq, 1)
	if req.Header == nil {
		req.Header = make(base.Header)
	}
	req.Header.Set("CSeq", strconv.FormatUint(uint64(cseq), 10))

	ch := make(chan *base.Response, 1)
	c.pendingMu.Lock()
	c.pending[cseq] = ch
	c.pendingMu.Unlock()

	if err := c.writeRequest(req); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, cseq)
		c.pendingMu.Unlock()
		return nil, err
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, c.closeErrOrDefault()
		}
		return res, nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, cseq)
		c.pendingMu.Unlock()
		return nil, liberrors.ErrTimeout{Msg: ctx.Err().Error()}
	case <-c.done:
		return nil, c.closeErrOrDefault()
	}
}

// SendRequestWithAuth behaves like SendRequest, but on a 401 response it
// uses client to compute an Authorization header and retries once,
// honoring the client's own retry budget.
func (c *Conn) SendRequestWithAuth(ctx context.Context, req *base.Request, client *auth.Client) (*base.Response, error) {
	res, err := c.SendRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	if res.StatusCode != base.StatusUnauthorized || client == nil {
		return res, nil
	}

	challenges, err := auth.ParseChallenges(res.Header["Www-Authenticate"])
	if err != nil {
		challenges, err = auth.ParseChallenges(res.Header["WWW-Authenticate"])
	}
	var chosen *auth.Challenge
	if err == nil && len(challenges) > 0 {
		c := auth.Best(challenges)
		chosen = &c
	}

	if err := client.OnRejected(chosen); err != nil {
		return nil, err
	}

	header, err := client.Authorize(string(req.Method), req.URL.CloneWithoutCredentials().String())
	if err != nil {
		return nil, err
	}

	retry := *req
	retry.Header = req.Header.Clone()
	retry.Header.Set("Authorization", header)

	return c.SendRequest(ctx, &retry)
}

func (c *Conn) writeRequest(req *base.Request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.nc.Write(req.Marshal())
	return err
}

// SendResponse writes a response (server role).
func (c *Conn) SendResponse(res *base.Response) error {
	if c.closed.Load() {
		return liberrors.ErrConnectionClosed{}
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.nc.Write(res.Marshal())
	return err
}

// RegisterBinaryHandler assigns a handler to an interleaved channel.
// Re-registering the same channel with the same handler is a no-op; a
// different handler replaces it. By RTSP convention the caller should use
// an even channel for RTP and the following odd channel for RTCP.
func (c *Conn) RegisterBinaryHandler(channel int, h BinaryHandler) error {
	if channel < 0 || channel > 255 {
		return fmt.Errorf("invalid interleaved channel %d", channel)
	}
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[channel] = h
	return nil
}

// UnregisterBinaryHandler removes a channel's handler, if any.
func (c *Conn) UnregisterBinaryHandler(channel int) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	delete(c.handlers, channel)
}

// SendBinary writes one interleaved frame.
func (c *Conn) SendBinary(frame *base.InterleavedFrame) error {
	if c.closed.Load() {
		return liberrors.ErrConnectionClosed{}
	}
	buf := make([]byte, frame.MarshalSize())
	frame.MarshalTo(buf)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.nc.Write(buf)
	return err
}

func (c *Conn) closeErrOrDefault() error {
	if c.closeErr != nil {
		return c.closeErr
	}
	return liberrors.ErrConnectionClosed{}
}

// Close closes the underlying connection and cancels any pending request.
// It is idempotent.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		// a read-loop failure marks the Conn closed without closing the
		// socket; close it here so Close always releases it.
		_ = c.nc.Close()
		return nil
	}
	c.closeErr = liberrors.ErrConnectionClosed{}

	c.pendingMu.Lock()
	for cseq, ch := range c.pending {
		close(ch)
		delete(c.pending, cseq)
	}
	c.pendingMu.Unlock()

	return c.nc.Close()
}

// Done returns a channel closed once the read loop has exited.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}
