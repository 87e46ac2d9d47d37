// Server implements the server half of this library: a TCP listener, one
// RTSP endpoint per accepted connection, and a dispatcher that maps
// OPTIONS/DESCRIBE/SETUP/TEARDOWN and per-session OPTIONS/PLAY/PAUSE/
// GET_PARAMETER requests to a pluggable Streamer.
//
// The connection/session split follows bluenviron/gortsplib's
// Server/ServerConn/ServerSession: an accept loop owning one goroutine per
// connection, SETUP building a server-side transport bound to a freshly
// allocated session, and a session timeout refreshed by session-scoped
// OPTIONS. The per-session state is driven by github.com/looplab/fsm
// instead of a hand-rolled state enum, and authentication is delegated to
// pkg/auth.Server.
package rtsp

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pion/rtcp"
	"github.com/rs/zerolog"

	"github.com/corestream/rtsp/pkg/auth"
	"github.com/corestream/rtsp/pkg/base"
	"github.com/corestream/rtsp/pkg/headers"
	"github.com/corestream/rtsp/pkg/liberrors"
	"github.com/corestream/rtsp/pkg/metrics"
	"github.com/corestream/rtsp/pkg/rtcppacket"
	"github.com/corestream/rtsp/pkg/rtcpstats"
	"github.com/corestream/rtsp/pkg/rtppacket"
	"github.com/corestream/rtsp/pkg/rtspconn"
	"github.com/corestream/rtsp/pkg/transport"
)

// Per-session states.
const (
	sessionStateReady   = "ready"
	sessionStatePlaying = "playing"
	sessionStateClosed  = "closed"
)

const (
	sessionEventPlay     = "play"
	sessionEventPause    = "pause"
	sessionEventTeardown = "teardown"
)

const sessionIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func newSessionID() (string, error) {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = sessionIDAlphabet[int(b)%len(sessionIDAlphabet)]
	}
	return string(buf), nil
}

// Streamer is the pluggable collaborator a Server dispatches media
// requests to. Implementations decide what DESCRIBE returns, what a
// SETUP'd URL maps to, and fan RTP/RTCP out to every transport subscribed
// to a stream.
type Streamer interface {
	// Describe returns the content type and SDP body for url, or
	// liberrors.ErrStreamNotFound if no such stream exists.
	Describe(url *base.URL) (contentType string, body []byte, err error)
	// SetupStream resolves url to an opaque stream id that later
	// play/pause/teardown/send_rtp/send_rtcp calls reference.
	SetupStream(sessionID string, url *base.URL) (streamID string, err error)
	// Play starts (or resumes) media flow for streamID.
	Play(sessionID, streamID string) error
	// Pause suspends media flow for streamID without discarding it.
	Pause(sessionID, streamID string) error
	// Teardown releases any resource SetupStream allocated.
	Teardown(sessionID, streamID string) error
}

// MediaSession is one SETUP'd session: a session id, one transport per
// SETUP'd media, and the streamer's stream ids backing them.
type MediaSession struct {
	ID string

	mu         sync.Mutex
	timeout    time.Duration
	lastSeen   time.Time
	fsm        *fsm.FSM
	transports map[string]*transport.Transport
}

func newMediaSession(id string, timeout time.Duration, log zerolog.Logger) *MediaSession {
	ms := &MediaSession{
		ID:         id,
		timeout:    timeout,
		lastSeen:   time.Now(),
		transports: make(map[string]*transport.Transport),
	}
	ms.fsm = fsm.NewFSM(
		sessionStateReady,
		fsm.Events{
			{Name: sessionEventPlay, Src: []string{sessionStateReady, sessionStatePlaying}, Dst: sessionStatePlaying},
			{Name: sessionEventPause, Src: []string{sessionStatePlaying}, Dst: sessionStateReady},
			{Name: sessionEventTeardown, Src: []string{sessionStateReady, sessionStatePlaying}, Dst: sessionStateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Debug().Str("session", id).Str("from", e.Src).Str("to", e.Dst).Msg("server session state transition")
			},
		},
	)
	return ms
}

func (ms *MediaSession) touch() {
	ms.mu.Lock()
	ms.lastSeen = time.Now()
	ms.mu.Unlock()
}

func (ms *MediaSession) expired() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return time.Since(ms.lastSeen) > ms.timeout
}

// ServerConfig configures a Server.
type ServerConfig struct {
	// Addr is the TCP address to listen on, e.g. ":8554".
	Addr string
	// SessionTimeout is the inactivity window after which a session is
	// reaped if no request refreshes it. Defaults to 60s.
	SessionTimeout time.Duration
	// TransportIdleTimeout bounds how long a server-side transport
	// tolerates silence before its watchdog fires.
	TransportIdleTimeout time.Duration
	// Auth, if non-nil, requires every DESCRIBE/SETUP/PLAY/TEARDOWN request
	// to carry valid credentials.
	Auth *auth.Server

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

func (c *ServerConfig) setDefaults() {
	if c.SessionTimeout == 0 {
		c.SessionTimeout = 60 * time.Second
	}
	if c.TransportIdleTimeout == 0 {
		c.TransportIdleTimeout = 10 * time.Second
	}
}

// Server accepts RTSP/TCP connections and dispatches requests to a Streamer.
type Server struct {
	cfg      ServerConfig
	log      zerolog.Logger
	streamer Streamer
	listener net.Listener

	mu       sync.Mutex
	sessions map[string]*MediaSession

	reapCancel context.CancelFunc
	cname      string
}

// New builds a Server bound to streamer. Listen must be called to start
// accepting connections.
func New(streamer Streamer, cfg ServerConfig) *Server {
	cfg.setDefaults()
	return &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		streamer: streamer,
		sessions: make(map[string]*MediaSession),
		cname:    uuid.NewString(),
	}
}

// Listen opens the TCP listener and starts the accept loop and the
// session-reaper loop. It returns once the listener is open; Accept runs
// in the background until Close is called. Canceling ctx stops the
// session reaper only; it does not close the listener.
func (s *Server) Listen(ctx context.Context) error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = l

	reapCtx, cancel := context.WithCancel(ctx)
	s.reapCancel = cancel

	go s.acceptLoop(reapCtx)
	go s.reapLoop(reapCtx)

	return nil
}

// Close stops accepting connections and tears down every active session.
func (s *Server) Close() error {
	if s.reapCancel != nil {
		s.reapCancel()
	}

	s.mu.Lock()
	sessions := make([]*MediaSession, 0, len(s.sessions))
	for _, ms := range s.sessions {
		sessions = append(sessions, ms)
	}
	s.sessions = make(map[string]*MediaSession)
	s.mu.Unlock()

	for _, ms := range sessions {
		s.teardownSession(ms)
	}

	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.log.Debug().Err(err).Msg("accept failed")
				return
			}
		}
		go s.serveConn(nc)
	}
}

func (s *Server) serveConn(nc net.Conn) {
	var conn *rtspconn.Conn
	conn = rtspconn.New(nc, rtspconn.Options{
		Logger: s.log,
		OnRequest: func(req *base.Request) {
			s.handleRequest(conn, req)
		},
	})
	<-conn.Done()
}

func (s *Server) handleRequest(conn *rtspconn.Conn, req *base.Request) {
	res := s.dispatch(conn, req)
	if cseq, ok := req.Header.Get("CSeq"); ok {
		if res.Header == nil {
			res.Header = base.Header{}
		}
		res.Header.Set("CSeq", cseq)
	}
	if err := conn.SendResponse(res); err != nil {
		s.log.Debug().Err(err).Msg("failed to write response")
	}
}

func (s *Server) dispatch(conn *rtspconn.Conn, req *base.Request) *base.Response {
	if s.cfg.Metrics != nil {
		defer func() { s.cfg.Metrics.Request(string(req.Method), "") }()
	}

	// SETUP is handled uniformly regardless of whether the request carries
	// a (disallowed) Session header: handleSetup itself rejects that case
	// with 455. Every other Session-bearing request is session-scoped.
	if req.Method == base.Setup {
		return s.handleSetup(conn, req)
	}

	if sidHdr, ok := req.Header.Get("Session"); ok {
		return s.dispatchSession(conn, req, sidHdr)
	}

	switch req.Method {
	case base.Options:
		return &base.Response{
			StatusCode: base.StatusOK,
			Header:     base.Header{"Public": base.HeaderValue{"OPTIONS, DESCRIBE, SETUP, TEARDOWN"}},
		}
	case base.Describe:
		return s.handleDescribe(req)
	default:
		return &base.Response{StatusCode: base.StatusBadRequest}
	}
}

func (s *Server) authenticate(req *base.Request) *base.Response {
	if s.cfg.Auth == nil {
		return nil
	}

	authHdr, _ := req.Header.Get("Authorization")
	altURL := req.URL.Clone()
	altURL.RemoveControlAttribute()

	if _, err := s.cfg.Auth.Validate(authHdr, string(req.Method), req.URL.CloneWithoutCredentials().String(), altURL.String()); err != nil {
		challenges, cerr := s.cfg.Auth.Challenge()
		if cerr != nil {
			return &base.Response{StatusCode: base.StatusInternalServerError}
		}
		return &base.Response{
			StatusCode: base.StatusUnauthorized,
			Header:     base.Header{"WWW-Authenticate": base.HeaderValue(challenges)},
		}
	}

	return nil
}

func (s *Server) handleDescribe(req *base.Request) *base.Response {
	if res := s.authenticate(req); res != nil {
		return res
	}

	contentType, body, err := s.streamer.Describe(req.URL)
	if err != nil {
		if _, ok := err.(liberrors.ErrStreamNotFound); ok {
			return &base.Response{StatusCode: base.StatusNotFound}
		}
		return &base.Response{StatusCode: base.StatusInternalServerError}
	}

	return &base.Response{
		StatusCode: base.StatusOK,
		Header: base.Header{
			"Content-Type": base.HeaderValue{contentType},
			"Content-Base": base.HeaderValue{req.URL.String() + "/"},
		},
		Body: body,
	}
}

func (s *Server) handleSetup(conn *rtspconn.Conn, req *base.Request) *base.Response {
	if res := s.authenticate(req); res != nil {
		return res
	}

	if _, ok := req.Header.Get("Session"); ok {
		return &base.Response{StatusCode: base.StatusMethodNotValidInThisState}
	}

	reqTransport, err := headers.ReadTransport(req.Header["Transport"])
	if err != nil {
		return &base.Response{StatusCode: base.StatusUnsupportedTransport}
	}

	if reqTransport.Delivery != nil && *reqTransport.Delivery == headers.DeliveryMulticast {
		return &base.Response{StatusCode: base.StatusNotImplemented}
	}

	sessionID, err := newSessionID()
	if err != nil {
		return &base.Response{StatusCode: base.StatusInternalServerError}
	}

	streamID, err := s.streamer.SetupStream(sessionID, req.URL)
	if err != nil {
		if _, ok := err.(liberrors.ErrStreamNotFound); ok {
			return &base.Response{StatusCode: base.StatusNotFound}
		}
		return &base.Response{StatusCode: base.StatusInternalServerError}
	}

	ms := newMediaSession(sessionID, s.cfg.SessionTimeout, s.log)

	var respTransport headers.Transport
	var tr *transport.Transport

	switch {
	case reqTransport.Protocol == headers.ProtocolTCP && reqTransport.InterleavedIDs != nil:
		chRTP, chRTCP := reqTransport.InterleavedIDs[0], reqTransport.InterleavedIDs[1]
		stats := &rtcpstats.Statistics{CNAME: s.cname}
		tr, err = transport.NewTCP(conn, chRTP, chRTCP, transport.Options{
			Stats:       stats,
			IdleTimeout: s.cfg.TransportIdleTimeout,
			Logger:      s.log,
		})
		if err != nil {
			return &base.Response{StatusCode: base.StatusInternalServerError}
		}
		respTransport = transport.BuildRequestTransportHeader(transport.KindTCP, 0, chRTP)

	case reqTransport.Protocol == headers.ProtocolUDP && reqTransport.ClientPorts != nil:
		rtpConn, rtcpConn, serverPorts, derr := dialBackUDP(req, reqTransport.ClientPorts)
		if derr != nil {
			return &base.Response{StatusCode: base.StatusUnsupportedTransport}
		}
		stats := &rtcpstats.Statistics{CNAME: s.cname}
		tr = transport.NewUDP(rtpConn, rtcpConn, transport.Options{
			Stats:       stats,
			IdleTimeout: s.cfg.TransportIdleTimeout,
			Logger:      s.log,
		})
		respTransport = headers.Transport{
			Protocol:    headers.ProtocolUDP,
			Delivery:    reqTransport.Delivery,
			ClientPorts: reqTransport.ClientPorts,
			ServerPorts: serverPorts,
		}

	default:
		return &base.Response{StatusCode: base.StatusUnsupportedTransport}
	}

	ms.transports[streamID] = tr

	s.mu.Lock()
	s.sessions[sessionID] = ms
	s.mu.Unlock()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SessionOpened()
	}

	timeout := uint(s.cfg.SessionTimeout.Seconds())
	return &base.Response{
		StatusCode: base.StatusOK,
		Header: base.Header{
			"Transport": respTransport.Write(),
			"Session":   headers.Session{ID: sessionID, Timeout: &timeout}.Write(),
		},
	}
}

// dialBackUDP opens a UDP socket pair and connects it to the client's
// advertised client_port pair, returning the server_port pair it bound.
func dialBackUDP(req *base.Request, clientPorts *[2]int) (rtpConn, rtcpConn *net.UDPConn, serverPorts *[2]int, err error) {
	host, _, err := net.SplitHostPort(req.URL.HostPort())
	if err != nil {
		host = req.URL.Hostname()
	}
	clientHost := host
	clientAddr := net.JoinHostPort(clientHost, fmt.Sprintf("%d", clientPorts[0]))
	rtcpAddr := net.JoinHostPort(clientHost, fmt.Sprintf("%d", clientPorts[1]))

	rAddr, err := net.ResolveUDPAddr("udp", clientAddr)
	if err != nil {
		return nil, nil, nil, err
	}
	rRTCPAddr, err := net.ResolveUDPAddr("udp", rtcpAddr)
	if err != nil {
		return nil, nil, nil, err
	}

	rtpConn, err = net.DialUDP("udp", nil, rAddr)
	if err != nil {
		return nil, nil, nil, err
	}
	rtcpConn, err = net.DialUDP("udp", nil, rRTCPAddr)
	if err != nil {
		rtpConn.Close()
		return nil, nil, nil, err
	}

	localRTP := rtpConn.LocalAddr().(*net.UDPAddr)
	localRTCP := rtcpConn.LocalAddr().(*net.UDPAddr)
	return rtpConn, rtcpConn, &[2]int{localRTP.Port, localRTCP.Port}, nil
}

func (s *Server) dispatchSession(conn *rtspconn.Conn, req *base.Request, sessionIDHeader string) *base.Response {
	sh, err := headers.ReadSession(base.HeaderValue{sessionIDHeader})
	if err != nil {
		return &base.Response{StatusCode: base.StatusBadRequest}
	}

	s.mu.Lock()
	ms, ok := s.sessions[sh.ID]
	s.mu.Unlock()
	if !ok {
		return &base.Response{StatusCode: base.StatusSessionNotFound}
	}

	ms.touch()

	switch req.Method {
	case base.Options:
		return &base.Response{StatusCode: base.StatusOK}

	case base.GetParameter:
		return &base.Response{StatusCode: base.StatusOK}

	case base.Play:
		if res := s.authenticate(req); res != nil {
			return res
		}
		return s.handlePlay(ms, req)

	case base.Pause:
		return s.handlePause(ms)

	case base.Teardown:
		if res := s.authenticate(req); res != nil {
			return res
		}
		s.teardownSession(ms)
		s.mu.Lock()
		delete(s.sessions, ms.ID)
		s.mu.Unlock()
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.SessionClosed()
		}
		return &base.Response{StatusCode: base.StatusOK}

	default:
		return &base.Response{StatusCode: base.StatusBadRequest}
	}
}

func (s *Server) handlePlay(ms *MediaSession, req *base.Request) *base.Response {
	if err := ms.fsm.Event(context.Background(), sessionEventPlay); err != nil {
		return &base.Response{StatusCode: base.StatusMethodNotValidInThisState}
	}

	ms.mu.Lock()
	for streamID, tr := range ms.transports {
		tr.Pause(false)
		tr.Start(context.Background())
		if err := s.streamer.Play(ms.ID, streamID); err != nil {
			s.log.Warn().Err(err).Str("stream", streamID).Msg("streamer play failed")
		}
	}
	ms.mu.Unlock()

	return &base.Response{StatusCode: base.StatusOK}
}

func (s *Server) handlePause(ms *MediaSession) *base.Response {
	if err := ms.fsm.Event(context.Background(), sessionEventPause); err != nil {
		return &base.Response{StatusCode: base.StatusMethodNotValidInThisState}
	}

	ms.mu.Lock()
	for streamID, tr := range ms.transports {
		tr.Pause(true)
		if err := s.streamer.Pause(ms.ID, streamID); err != nil {
			s.log.Warn().Err(err).Str("stream", streamID).Msg("streamer pause failed")
		}
	}
	ms.mu.Unlock()

	return &base.Response{StatusCode: base.StatusOK}
}

func (s *Server) teardownSession(ms *MediaSession) {
	_ = ms.fsm.Event(context.Background(), sessionEventTeardown)

	ms.mu.Lock()
	defer ms.mu.Unlock()
	for streamID, tr := range ms.transports {
		_ = s.streamer.Teardown(ms.ID, streamID)
		_ = tr.Close()
	}
}

func (s *Server) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SessionTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapExpired()
		}
	}
}

func (s *Server) reapExpired() {
	s.mu.Lock()
	var expired []*MediaSession
	for id, ms := range s.sessions {
		if ms.expired() {
			expired = append(expired, ms)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, ms := range expired {
		s.log.Debug().Str("session", ms.ID).Msg("reaping expired session")
		s.teardownSession(ms)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.SessionClosed()
		}
	}
}

// SendRTP pushes one RTP packet to every transport of every session
// subscribed to streamID, for use by a Streamer implementation's own RTP
// source (e.g. a media file reader or a live encoder).
func (s *Server) SendRTP(streamID string, pkt *rtppacket.Packet) {
	s.forEachTransport(streamID, func(tr *transport.Transport) {
		if err := tr.WriteRTP(pkt); err != nil {
			s.log.Debug().Err(err).Msg("failed to write RTP to subscriber")
		}
	})
}

// SendRTCP pushes a compound RTCP packet to every transport subscribed to
// streamID.
func (s *Server) SendRTCP(streamID string, packets []rtcp.Packet) {
	buf, err := rtcppacket.Encode(packets)
	if err != nil {
		s.log.Debug().Err(err).Msg("failed to encode outgoing RTCP")
		return
	}
	s.forEachTransport(streamID, func(tr *transport.Transport) {
		if err := tr.WriteRTCP(buf); err != nil {
			s.log.Debug().Err(err).Msg("failed to write RTCP to subscriber")
		}
	})
}

func (s *Server) forEachTransport(streamID string, fn func(tr *transport.Transport)) {
	s.mu.Lock()
	sessions := make([]*MediaSession, 0, len(s.sessions))
	for _, ms := range s.sessions {
		sessions = append(sessions, ms)
	}
	s.mu.Unlock()

	for _, ms := range sessions {
		ms.mu.Lock()
		tr, ok := ms.transports[streamID]
		ms.mu.Unlock()
		if ok {
			fn(tr)
		}
	}
}
