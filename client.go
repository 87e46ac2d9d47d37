// Package rtsp is an asynchronous RTSP 1.0 client/server library: Client
// drives one RTSP media session against a server (OPTIONS, DESCRIBE, SETUP
// per media, PLAY, keep-alive and TEARDOWN); Server accepts connections and
// dispatches them to a pluggable Streamer.
//
// The OPTIONS/DESCRIBE/SETUP/PLAY call sequence follows bluenviron/gortsplib's
// top-level Client, adapted to drive pkg/rtspconn.Conn and
// pkg/transport.Transport instead of a *ClientConn, and to enforce the
// session state diagram through a github.com/looplab/fsm state machine
// instead of a hand-rolled switch.
package rtsp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/corestream/rtsp/pkg/auth"
	"github.com/corestream/rtsp/pkg/base"
	"github.com/corestream/rtsp/pkg/headers"
	"github.com/corestream/rtsp/pkg/liberrors"
	"github.com/corestream/rtsp/pkg/metrics"
	"github.com/corestream/rtsp/pkg/rtcpstats"
	"github.com/corestream/rtsp/pkg/rtspconn"
	"github.com/corestream/rtsp/pkg/sdpinfo"
	"github.com/corestream/rtsp/pkg/transport"
)

// Client session states.
const (
	StateInit      = "init"
	StateDescribed = "described"
	StateReady     = "ready"
	StatePlaying   = "playing"
	StateClosed    = "closed"
)

// FSM events driving the state diagram above.
const (
	eventDescribe = "describe"
	eventSetup    = "setup"
	eventPlay     = "play"
	eventPause    = "pause"
	eventTeardown = "teardown"
)

// Media is one SETUP-able media track discovered from DESCRIBE.
type Media struct {
	Info      sdpinfo.MediaInfo
	URL       *base.URL
	Transport *transport.Transport
	Stats     *rtcpstats.Statistics

	// RTPSeq/RTPTimestamp seed the sequence number and RTP timestamp of
	// this media's first packet under the PLAY just started, as reported
	// by the response's RTP-Info header (RFC 2326 §12.33). Nil if the
	// server didn't report one.
	RTPSeq       *uint16
	RTPTimestamp *uint32
}

// ClientConfig configures a Client. Zero values fall back to production
// defaults.
type ClientConfig struct {
	// ReadTimeout bounds send_request's wait for a matching response.
	ReadTimeout time.Duration
	// TransportIdleTimeout bounds how long a transport tolerates silence
	// before firing its watchdog.
	TransportIdleTimeout time.Duration
	// PreferTCP, when true, requests TCP-interleaved transport for every
	// media; otherwise UDP unicast is requested, with no fallback to TCP if
	// the server refuses it.
	PreferTCP bool
	// UDPPortBase is the first client RTP port tried for UDP transports;
	// each successive media uses the next even port.
	UDPPortBase int
	// Username/Password are offered if the server challenges with 401.
	Username string
	Password string
	// MaxAuthRetries bounds how many times a 401 challenge is retried.
	MaxAuthRetries int

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

func (c *ClientConfig) setDefaults() {
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.TransportIdleTimeout == 0 {
		c.TransportIdleTimeout = 10 * time.Second
	}
	if c.UDPPortBase == 0 {
		c.UDPPortBase = 20000
	}
	if c.MaxAuthRetries == 0 {
		c.MaxAuthRetries = 1
	}
}

// Client drives one RTSP session to one server URL.
type Client struct {
	cfg  ClientConfig
	log  zerolog.Logger
	conn *rtspconn.Conn

	baseURL     *base.URL
	contentBase *base.URL
	sessionID   string
	timeout     time.Duration

	authClient *auth.Client

	session *sdpinfo.SessionInfo
	media   []*Media

	playRange      string
	playRangeClock time.Time

	fsm *fsm.FSM

	keepAliveCancel context.CancelFunc
}

// Dial connects to url (rtsp:// or rtsps://) and returns a Client in the
// init state. The caller owns the returned net.Conn's lifetime indirectly
// through Client.Close.
func Dial(ctx context.Context, rawURL string, cfg ClientConfig) (*Client, error) {
	cfg.setDefaults()

	u, err := base.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}

	var nc net.Conn
	if u.Scheme == "rtsps" {
		var d tls.Dialer
		nc, err = d.DialContext(ctx, "tcp", u.HostPort())
	} else {
		var d net.Dialer
		nc, err = d.DialContext(ctx, "tcp", u.HostPort())
	}
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:     cfg,
		log:     cfg.Logger,
		baseURL: u,
	}
	c.conn = rtspconn.New(nc, rtspconn.Options{Logger: cfg.Logger})

	if cfg.Username != "" || cfg.Password != "" {
		c.authClient = auth.NewClient(cfg.Username, cfg.Password, auth.Challenge{}, cfg.MaxAuthRetries)
	}

	c.fsm = newClientFSM(c)

	return c, nil
}

func newClientFSM(c *Client) *fsm.FSM {
	return fsm.NewFSM(
		StateInit,
		fsm.Events{
			{Name: eventDescribe, Src: []string{StateInit}, Dst: StateDescribed},
			{Name: eventSetup, Src: []string{StateDescribed, StateReady}, Dst: StateReady},
			{Name: eventPlay, Src: []string{StateReady, StatePlaying}, Dst: StatePlaying},
			{Name: eventPause, Src: []string{StatePlaying}, Dst: StateReady},
			{Name: eventTeardown, Src: []string{StateInit, StateDescribed, StateReady, StatePlaying}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.log.Debug().Str("from", e.Src).Str("to", e.Dst).Str("event", e.Event).Msg("client state transition")
			},
		},
	)
}

// State returns the client's current session state.
func (c *Client) State() string {
	return c.fsm.Current()
}

func (c *Client) requireState(allowed ...string) error {
	cur := c.fsm.Current()
	for _, s := range allowed {
		if s == cur {
			return nil
		}
	}
	stringers := make([]fmt.Stringer, len(allowed))
	for i, s := range allowed {
		stringers[i] = stateStringer(s)
	}
	return liberrors.ErrClientInvalidState{Allowed: stringers, Current: stateStringer(cur)}
}

type stateStringer string

func (s stateStringer) String() string { return string(s) }

func (c *Client) sendRequest(ctx context.Context, req *base.Request) (*base.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ReadTimeout)
	defer cancel()

	var res *base.Response
	var err error
	if c.authClient != nil {
		res, err = c.conn.SendRequestWithAuth(ctx, req, c.authClient)
	} else {
		res, err = c.conn.SendRequest(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if res.StatusCode != base.StatusOK {
		return res, liberrors.ErrRTSP{StatusCode: int(res.StatusCode), Reason: res.StatusMessage}
	}
	return res, nil
}

// Options sends an OPTIONS request against the session's base URL.
func (c *Client) Options(ctx context.Context) (*base.Response, error) {
	return c.sendRequest(ctx, &base.Request{
		Method: base.Options,
		URL:    c.baseURL,
		Header: base.Header{},
	})
}

// Describe sends DESCRIBE, parses the returned SDP and enumerates media.
// It transitions the client from init to described.
func (c *Client) Describe(ctx context.Context) (*sdpinfo.SessionInfo, error) {
	if err := c.requireState(StateInit); err != nil {
		return nil, err
	}

	res, err := c.sendRequest(ctx, &base.Request{
		Method: base.Describe,
		URL:    c.baseURL,
		Header: base.Header{"Accept": base.HeaderValue{"application/sdp"}},
	})
	if err != nil {
		return nil, err
	}

	info, err := sdpinfo.Parse(res.Body)
	if err != nil {
		return nil, err
	}

	c.contentBase = c.baseURL
	if cb, ok := res.Header.Get("Content-Base"); ok {
		if u, err := base.ParseURL(cb); err == nil {
			c.contentBase = u
		}
	}

	c.session = info
	for i := range info.Media {
		mi := info.Media[i]
		mu, err := sdpinfo.ResolveMediaURL(c.contentBase, info.Control, mi.Control)
		if err != nil {
			return nil, err
		}
		c.media = append(c.media, &Media{Info: mi, URL: mu})
	}

	if err := c.fsm.Event(ctx, eventDescribe); err != nil {
		return nil, err
	}
	return info, nil
}

// SetupAll issues SETUP for every media track Describe discovered,
// requesting TCP-interleaved transport if cfg.PreferTCP is set, else UDP
// unicast. It transitions the client to ready.
func (c *Client) SetupAll(ctx context.Context) error {
	if err := c.requireState(StateDescribed); err != nil {
		return err
	}

	nextTCPChannel := 0
	nextUDPPort := c.cfg.UDPPortBase

	for _, m := range c.media {
		var err error
		if c.cfg.PreferTCP {
			err = c.setupTCP(ctx, m, nextTCPChannel)
			nextTCPChannel += 2
		} else {
			err = c.setupUDP(ctx, m, nextUDPPort)
			nextUDPPort += 2
		}
		if err != nil {
			return err
		}
		if err := c.fsm.Event(ctx, eventSetup); err != nil {
			return err
		}
	}

	return nil
}

func (c *Client) setupTCP(ctx context.Context, m *Media, channel int) error {
	reqHdr := transport.BuildRequestTransportHeader(transport.KindTCP, 0, channel)

	hdr := base.Header{"Transport": reqHdr.Write()}
	if c.sessionID != "" {
		hdr["Session"] = base.HeaderValue{c.sessionID}
	}

	res, err := c.sendRequest(ctx, &base.Request{Method: base.Setup, URL: m.URL, Header: hdr})
	if err != nil {
		return err
	}

	resHdr, err := headers.ReadTransport(res.Header["Transport"])
	if err != nil {
		return err
	}
	if err := transport.ValidateResponseTransport(reqHdr, *resHdr); err != nil {
		return err
	}

	if err := c.captureSession(res); err != nil {
		return err
	}

	stats := &rtcpstats.Statistics{ClockRate: m.Info.ClockRate}
	tr, err := transport.NewTCP(c.conn, resHdr.InterleavedIDs[0], resHdr.InterleavedIDs[1], transport.Options{
		Stats:       stats,
		IdleTimeout: c.cfg.TransportIdleTimeout,
		Logger:      c.log,
	})
	if err != nil {
		return err
	}

	m.Transport = tr
	m.Stats = stats
	return nil
}

func (c *Client) setupUDP(ctx context.Context, m *Media, clientRTPPort int) error {
	reqHdr := transport.BuildRequestTransportHeader(transport.KindUDP, clientRTPPort, 0)

	rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: clientRTPPort})
	if err != nil {
		return err
	}
	rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: clientRTPPort + 1})
	if err != nil {
		rtpConn.Close()
		return err
	}

	hdr := base.Header{"Transport": reqHdr.Write()}
	if c.sessionID != "" {
		hdr["Session"] = base.HeaderValue{c.sessionID}
	}

	res, err := c.sendRequest(ctx, &base.Request{Method: base.Setup, URL: m.URL, Header: hdr})
	if err != nil {
		rtpConn.Close()
		rtcpConn.Close()
		return err
	}

	resHdr, err := headers.ReadTransport(res.Header["Transport"])
	if err != nil {
		rtpConn.Close()
		rtcpConn.Close()
		return err
	}
	if err := transport.ValidateResponseTransport(reqHdr, *resHdr); err != nil {
		rtpConn.Close()
		rtcpConn.Close()
		return err
	}

	if resHdr.ServerPorts == nil {
		rtpConn.Close()
		rtcpConn.Close()
		return liberrors.ErrInvalidTransport{Msg: "server did not provide server_port"}
	}

	serverHost, _, _ := net.SplitHostPort(m.URL.HostPort())
	rtpConn, rtcpConn, err = redialUDPPair(serverHost, resHdr.ServerPorts, rtpConn, rtcpConn)
	if err != nil {
		return err
	}

	if err := c.captureSession(res); err != nil {
		return err
	}

	stats := &rtcpstats.Statistics{ClockRate: m.Info.ClockRate}
	tr := transport.NewUDP(rtpConn, rtcpConn, transport.Options{
		Stats:       stats,
		IdleTimeout: c.cfg.TransportIdleTimeout,
		Logger:      c.log,
	})

	m.Transport = tr
	m.Stats = stats
	return nil
}

// redialUDPPair closes the listening sockets used to advertise the
// client_port pair and reopens the same local ports connected to the server's echoed
// server_port pair, so later writes need no destination address.
func redialUDPPair(serverHost string, serverPorts *[2]int, rtpConn, rtcpConn *net.UDPConn) (*net.UDPConn, *net.UDPConn, error) {
	clientRTPAddr := rtpConn.LocalAddr().(*net.UDPAddr)
	clientRTCPAddr := rtcpConn.LocalAddr().(*net.UDPAddr)
	rtpConn.Close()
	rtcpConn.Close()

	rAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", serverHost, serverPorts[0]))
	if err != nil {
		return nil, nil, err
	}
	newRTP, err := net.DialUDP("udp", clientRTPAddr, rAddr)
	if err != nil {
		return nil, nil, err
	}

	rAddr, err = net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", serverHost, serverPorts[1]))
	if err != nil {
		newRTP.Close()
		return nil, nil, err
	}
	newRTCP, err := net.DialUDP("udp", clientRTCPAddr, rAddr)
	if err != nil {
		newRTP.Close()
		return nil, nil, err
	}

	return newRTP, newRTCP, nil
}

func (c *Client) captureSession(res *base.Response) error {
	sh, err := headers.ReadSession(res.Header["Session"])
	if err != nil {
		return err
	}
	c.sessionID = sh.ID
	c.timeout = 60 * time.Second
	if sh.Timeout != nil {
		c.timeout = time.Duration(*sh.Timeout) * time.Second
	}
	return nil
}

// PlayOptions configures the range sent with a PLAY request.
type PlayOptions struct {
	// NPTRange, if non-empty, is sent verbatim as "Range: npt=<NPTRange>".
	NPTRange string
	// ClockStart/ClockEnd, if ClockStart is non-zero, are sent as
	// "Range: clock=<start>-<end?>" using FormatClockTime.
	ClockStart time.Time
	ClockEnd   time.Time
}

// Play sends PLAY, optionally with a Range header, starts every media
// transport's background loops, and transitions to playing.
func (c *Client) Play(ctx context.Context, opts PlayOptions) error {
	if err := c.requireState(StateReady, StatePlaying); err != nil {
		return err
	}

	hdr := base.Header{"Session": base.HeaderValue{c.sessionID}}
	switch {
	case opts.NPTRange != "":
		hdr["Range"] = headers.WriteRangeNPT(opts.NPTRange)
	case !opts.ClockStart.IsZero():
		start := headers.FormatClockTime(float64(opts.ClockStart.Unix()))
		end := ""
		if !opts.ClockEnd.IsZero() {
			end = headers.FormatClockTime(float64(opts.ClockEnd.Unix()))
		}
		hdr["Range"] = headers.WriteRangeClock(start + "-" + end)
	}

	res, err := c.sendRequest(ctx, &base.Request{Method: base.Play, URL: c.baseURL, Header: hdr})
	if err != nil {
		return err
	}
	c.applyPlayResponse(res)

	if err := c.fsm.Event(ctx, eventPlay); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.keepAliveCancel = cancel
	for _, m := range c.media {
		m.Transport.Pause(false)
		m.Transport.Start(runCtx)
	}
	go c.keepAliveLoop(runCtx)

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.SessionOpened()
	}
	return nil
}

// applyPlayResponse captures the Range the server actually applied and
// seeds each Media's starting sequence/timestamp from RTP-Info (RFC 2326
// §12.33), so a caller can align the first packet it observes with the
// point PLAY started from.
func (c *Client) applyPlayResponse(res *base.Response) {
	if rv, ok := res.Header.Get("Range"); ok {
		if raw, err := headers.ReadRange(base.HeaderValue{rv}); err == nil {
			c.playRange = raw
			if instant, ok := headers.ParseClockRange(raw); ok {
				c.playRangeClock = time.Unix(int64(instant), 0).UTC()
			}
		}
	}

	rtpInfo, err := headers.ReadRTPInfo(res.Header["RTP-Info"])
	if err != nil {
		return
	}
	for _, entry := range rtpInfo {
		for _, m := range c.media {
			if m.URL != nil && m.URL.String() == entry.URL {
				m.RTPSeq = entry.SequenceNumber
				m.RTPTimestamp = entry.Timestamp
				break
			}
		}
	}
}

// PlayRange returns the raw Range value the server confirmed on the most
// recent Play call (e.g. "npt=0.000-"), or "" if none was reported.
func (c *Client) PlayRange() string {
	return c.playRange
}

// PlayRangeClockStart returns the absolute start instant the server
// confirmed, if the Range it returned used clock format. The zero Time is
// returned otherwise.
func (c *Client) PlayRangeClockStart() time.Time {
	return c.playRangeClock
}

// Pause sends PAUSE, pausing every media transport's idle watchdog, and
// transitions back to ready.
func (c *Client) Pause(ctx context.Context) error {
	if err := c.requireState(StatePlaying); err != nil {
		return err
	}

	hdr := base.Header{"Session": base.HeaderValue{c.sessionID}}
	if _, err := c.sendRequest(ctx, &base.Request{Method: base.Pause, URL: c.baseURL, Header: hdr}); err != nil {
		return err
	}

	if err := c.fsm.Event(ctx, eventPause); err != nil {
		return err
	}

	for _, m := range c.media {
		m.Transport.Pause(true)
	}
	return nil
}

// KeepAlive sends a single session-scoped OPTIONS request to refresh the
// session timeout; it never falls back to GET_PARAMETER. Most callers don't call this directly: Play starts a
// background loop that calls it automatically at timeout-5s.
func (c *Client) KeepAlive(ctx context.Context) error {
	hdr := base.Header{"Session": base.HeaderValue{c.sessionID}}
	_, err := c.sendRequest(ctx, &base.Request{Method: base.Options, URL: c.baseURL, Header: hdr})
	return err
}

func (c *Client) keepAliveLoop(ctx context.Context) {
	interval := c.timeout - 5*time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.KeepAlive(ctx); err != nil {
				c.log.Warn().Err(err).Msg("keep-alive failed")
			}
		}
	}
}

// Teardown sends TEARDOWN, stops every media transport and closes the
// connection. It is safe to call from any state.
func (c *Client) Teardown(ctx context.Context) error {
	cur := c.fsm.Current()
	if cur == StateClosed {
		return nil
	}

	if c.keepAliveCancel != nil {
		c.keepAliveCancel()
	}

	var reqErr error
	if c.sessionID != "" {
		hdr := base.Header{"Session": base.HeaderValue{c.sessionID}}
		_, reqErr = c.sendRequest(ctx, &base.Request{Method: base.Teardown, URL: c.baseURL, Header: hdr})
	}

	for _, m := range c.media {
		if m.Transport != nil {
			_ = m.Transport.Close()
		}
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.SessionClosed()
		}
	}

	_ = c.fsm.Event(ctx, eventTeardown)
	_ = c.conn.Close()

	return reqErr
}

// Close tears down the session without sending TEARDOWN, for abrupt
// shutdown (the connection is already known to be broken).
func (c *Client) Close() error {
	if c.keepAliveCancel != nil {
		c.keepAliveCancel()
	}
	for _, m := range c.media {
		if m.Transport != nil {
			_ = m.Transport.Close()
		}
	}
	return c.conn.Close()
}

// Media returns the media tracks discovered by Describe.
func (c *Client) Media() []*Media {
	return c.media
}
