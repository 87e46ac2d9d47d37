// Package transport implements the two ways RTP/RTCP media moves over a
// RTSP session: UDP unicast pairs and TCP-interleaved framing on the RTSP
// connection itself. It also owns the periodic RTCP receiver-report loop
// and the idle-timeout watchdog that close a transport when no RTP has
// arrived for too long.
//
// The periodic report loop follows bluenviron/gortsplib's pkg/rtpreceiver
// (ticker-driven, with terminate/done channel cancellation), adapted to
// drive pkg/rtcpstats.Statistics and to run over either a UDP socket pair
// or the shared pkg/rtspconn.Conn. Outbound writes are queued through
// internal/asyncprocessor so a slow socket never stalls the caller.
package transport

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/rs/zerolog"

	"github.com/corestream/rtsp/internal/asyncprocessor"
	"github.com/corestream/rtsp/pkg/base"
	"github.com/corestream/rtsp/pkg/headers"
	"github.com/corestream/rtsp/pkg/liberrors"
	"github.com/corestream/rtsp/pkg/multibuffer"
	"github.com/corestream/rtsp/pkg/ntp"
	"github.com/corestream/rtsp/pkg/rtcppacket"
	"github.com/corestream/rtsp/pkg/rtcpstats"
	"github.com/corestream/rtsp/pkg/rtppacket"
	"github.com/corestream/rtsp/pkg/rtspconn"
)

const writeQueueSize = 64

// Kind is the lower-layer carrier of a transport.
type Kind int

// Supported transport kinds.
const (
	KindUDP Kind = iota
	KindTCP
)

// Observer receives data and lifecycle events from a Transport.
type Observer interface {
	OnRTP(pkt *rtppacket.Packet)
	OnRTCP(packets []rtcp.Packet)
	OnClosed(err error)
}

const udpReadBufferSize = 2048

// Transport carries RTP/RTCP for one media stream, over either a UDP
// socket pair or the interleaved channels of a shared RTSP connection.
type Transport struct {
	kind Kind
	log  zerolog.Logger

	stats       *rtcpstats.Statistics
	idleTimeout time.Duration
	interval    rtcpstats.IntervalConfig

	// TCP
	conn              *rtspconn.Conn
	channelRTP        int
	channelRTCP       int

	// UDP
	rtpConn  *net.UDPConn
	rtcpConn *net.UDPConn
	rtpMB    *multibuffer.MultiBuffer
	rtcpMB   *multibuffer.MultiBuffer

	observersMu sync.Mutex
	observers   []Observer

	closeOnce sync.Once
	closed    chan struct{}

	writer *asyncprocessor.Processor

	firstReportSent bool
	paused          bool
	pauseMu         sync.Mutex
}

// Options configures a Transport.
type Options struct {
	Stats       *rtcpstats.Statistics
	IdleTimeout time.Duration
	Interval    rtcpstats.IntervalConfig
	Logger      zerolog.Logger
}

// NewTCP builds a transport that sends and receives over two interleaved
// channels of an already-open RTSP connection.
func NewTCP(conn *rtspconn.Conn, channelRTP, channelRTCP int, opts Options) (*Transport, error) {
	t := newCommon(KindTCP, opts)
	t.conn = conn
	t.channelRTP = channelRTP
	t.channelRTCP = channelRTCP

	if err := conn.RegisterBinaryHandler(channelRTP, t.handleRTPFrame); err != nil {
		return nil, err
	}
	if err := conn.RegisterBinaryHandler(channelRTCP, t.handleRTCPFrame); err != nil {
		return nil, err
	}

	return t, nil
}

// NewUDP builds a transport over an already-connected UDP socket pair
// (RTP on an even port, RTCP on the following odd port).
func NewUDP(rtpConn, rtcpConn *net.UDPConn, opts Options) *Transport {
	t := newCommon(KindUDP, opts)
	t.rtpConn = rtpConn
	t.rtcpConn = rtcpConn
	t.rtpMB = multibuffer.New(8, udpReadBufferSize)
	t.rtcpMB = multibuffer.New(8, udpReadBufferSize)
	return t
}

func newCommon(kind Kind, opts Options) *Transport {
	interval := opts.Interval
	if interval.SessionBandwidth == 0 {
		interval = rtcpstats.DefaultIntervalConfig()
	}
	idle := opts.IdleTimeout
	if idle == 0 {
		idle = 10 * time.Second
	}
	t := &Transport{
		kind:        kind,
		log:         opts.Logger,
		stats:       opts.Stats,
		idleTimeout: idle,
		interval:    interval,
		closed:      make(chan struct{}),
	}

	t.writer = &asyncprocessor.Processor{
		BufferSize: writeQueueSize,
		OnError: func(_ context.Context, err error) {
			t.closeWithError(err)
		},
	}
	t.writer.Initialize()
	t.writer.Start()

	return t
}

// Kind returns whether this transport runs over UDP or TCP-interleaved.
func (t *Transport) Kind() Kind {
	return t.kind
}

// Subscribe registers an observer for inbound RTP/RTCP and closure.
func (t *Transport) Subscribe(obs Observer) {
	t.observersMu.Lock()
	defer t.observersMu.Unlock()
	t.observers = append(t.observers, obs)
}

// Unsubscribe removes a previously registered observer.
func (t *Transport) Unsubscribe(obs Observer) {
	t.observersMu.Lock()
	defer t.observersMu.Unlock()
	for i, o := range t.observers {
		if o == obs {
			t.observers = append(t.observers[:i], t.observers[i+1:]...)
			return
		}
	}
}

func (t *Transport) notifyRTP(pkt *rtppacket.Packet) {
	t.observersMu.Lock()
	obs := append([]Observer(nil), t.observers...)
	t.observersMu.Unlock()
	for _, o := range obs {
		o.OnRTP(pkt)
	}
}

func (t *Transport) notifyRTCP(packets []rtcp.Packet) {
	t.observersMu.Lock()
	obs := append([]Observer(nil), t.observers...)
	t.observersMu.Unlock()
	for _, o := range obs {
		o.OnRTCP(packets)
	}
}

func (t *Transport) notifyClosed(err error) {
	t.observersMu.Lock()
	obs := append([]Observer(nil), t.observers...)
	t.observersMu.Unlock()
	for _, o := range obs {
		o.OnClosed(err)
	}
}

func (t *Transport) handleRTPFrame(frame *base.InterleavedFrame) {
	pkt, err := rtppacket.Decode(frame.Payload)
	if err != nil {
		return
	}
	t.onRTP(pkt)
}

func (t *Transport) handleRTCPFrame(frame *base.InterleavedFrame) {
	packets, err := rtcppacket.Decode(frame.Payload)
	if err != nil {
		return
	}
	t.onRTCP(packets)
}

func (t *Transport) onRTP(pkt *rtppacket.Packet) {
	if t.stats != nil {
		t.stats.UpdateRTP(pkt, time.Now())
	}
	t.notifyRTP(pkt)
}

func (t *Transport) onRTCP(packets []rtcp.Packet) {
	now := time.Now()
	for _, p := range packets {
		if sr, ok := p.(*rtcp.SenderReport); ok && t.stats != nil {
			t.stats.ProcessSenderReport(sr, now)
		}
	}
	t.notifyRTCP(packets)
}

// Running reports whether the transport has not yet been closed.
func (t *Transport) Running() bool {
	select {
	case <-t.closed:
		return false
	default:
		return true
	}
}

// Pause suspends the idle watchdog (used while a session is in READY / not
// PLAYING) without tearing down sockets or channel registrations.
func (t *Transport) Pause(p bool) {
	t.pauseMu.Lock()
	t.paused = p
	t.pauseMu.Unlock()
}

func (t *Transport) isPaused() bool {
	t.pauseMu.Lock()
	defer t.pauseMu.Unlock()
	return t.paused
}

// Start launches the transport's background work: UDP receive loops (if
// applicable), the RTCP periodic report loop, and the idle watchdog. All
// goroutines exit when ctx is canceled or Close is called.
func (t *Transport) Start(ctx context.Context) {
	if t.kind == KindUDP {
		go t.udpReceiveLoop(ctx, t.rtpConn, t.rtpMB, t.onRTP, decodeRTP)
		go t.udpReceiveLoop(ctx, t.rtcpConn, t.rtcpMB, nil, nil)
	}
	go t.rtcpLoop(ctx)
	go t.idleWatchdog(ctx)
}

func decodeRTP(buf []byte) (*rtppacket.Packet, error) {
	return rtppacket.Decode(buf)
}

func (t *Transport) udpReceiveLoop(ctx context.Context, conn *net.UDPConn, mb *multibuffer.MultiBuffer, onRTP func(*rtppacket.Packet), decode func([]byte) (*rtppacket.Packet, error)) {
	if conn == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closed:
			return
		default:
		}

		buf := mb.Next()
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}

		if decode != nil {
			pkt, err := decode(buf[:n])
			if err != nil {
				continue
			}
			onRTP(pkt)
		} else {
			packets, err := rtcppacket.Decode(buf[:n])
			if err != nil {
				continue
			}
			t.onRTCP(packets)
		}
	}
}

// SendRTCPReport builds and sends one compound RR+SDES report right now,
// over whichever carrier this transport uses.
func (t *Transport) SendRTCPReport(now time.Time) error {
	if t.stats == nil {
		return nil
	}
	packets := t.stats.BuildRR(now)
	buf, err := rtcppacket.Encode(packets)
	if err != nil {
		return err
	}
	return t.writeRTCP(buf)
}

func (t *Transport) doWriteRTCP(buf []byte) error {
	switch t.kind {
	case KindTCP:
		frame := &base.InterleavedFrame{Channel: t.channelRTCP, Payload: buf}
		return t.conn.SendBinary(frame)
	case KindUDP:
		_, err := t.rtcpConn.Write(buf)
		return err
	}
	return fmt.Errorf("unknown transport kind")
}

// writeRTCP hands the encoded buffer to the write queue so a slow socket
// never stalls the caller (the RTCP report ticker or a Streamer's own
// sender-report loop). A write error surfaces later through the write
// queue's error callback, which closes the transport.
func (t *Transport) writeRTCP(buf []byte) error {
	if !t.writer.Push(func() error { return t.doWriteRTCP(buf) }) {
		return liberrors.ErrTimeout{Msg: "rtcp write queue full"}
	}
	return nil
}

// WriteRTCP sends one already-encoded compound RTCP packet, for callers
// that build their own reports (e.g. a server-side sender report) rather
// than relying on SendRTCPReport's stats-derived RR/SDES.
func (t *Transport) WriteRTCP(buf []byte) error {
	return t.writeRTCP(buf)
}

func (t *Transport) doWriteRTP(buf []byte) error {
	switch t.kind {
	case KindTCP:
		return t.conn.SendBinary(&base.InterleavedFrame{Channel: t.channelRTP, Payload: buf})
	case KindUDP:
		_, err := t.rtpConn.Write(buf)
		return err
	}
	return fmt.Errorf("unknown transport kind")
}

// WriteRTP queues one RTP packet for asynchronous send (used by the
// server's push path, Server.SendRTP), so a producer loop never blocks on a
// slow receiver.
func (t *Transport) WriteRTP(pkt *rtppacket.Packet) error {
	buf, err := pkt.Encode()
	if err != nil {
		return err
	}
	if !t.writer.Push(func() error { return t.doWriteRTP(buf) }) {
		return liberrors.ErrTimeout{Msg: "rtp write queue full"}
	}
	return nil
}

func (t *Transport) rtcpLoop(ctx context.Context) {
	for {
		interval := rtcpstats.ReportInterval(t.interval, t.firstReportSent, rand.Float64())
		select {
		case <-ctx.Done():
			return
		case <-t.closed:
			return
		case <-time.After(interval):
		}

		if err := t.SendRTCPReport(time.Now()); err != nil {
			t.log.Debug().Err(err).Msg("failed to send RTCP report")
		} else {
			t.firstReportSent = true
		}
	}
}

func (t *Transport) idleWatchdog(ctx context.Context) {
	ticker := time.NewTicker(t.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closed:
			return
		case <-ticker.C:
			if t.isPaused() || t.stats == nil || !t.stats.Initialized() {
				continue
			}
			if t.stats.IdleSince(time.Now()) > t.idleTimeout {
				t.closeWithError(liberrors.ErrTimeout{Msg: "transport idle watchdog expired"})
				return
			}
		}
	}
}

func (t *Transport) closeWithError(err error) {
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.kind == KindUDP {
			if t.rtpConn != nil {
				t.rtpConn.Close()
			}
			if t.rtcpConn != nil {
				t.rtcpConn.Close()
			}
		} else {
			t.conn.UnregisterBinaryHandler(t.channelRTP)
			t.conn.UnregisterBinaryHandler(t.channelRTCP)
		}
		go t.writer.Close()
		t.notifyClosed(err)
	})
}

// Close tears down the transport. It is idempotent.
func (t *Transport) Close() error {
	t.closeWithError(nil)
	return nil
}

// NowNTP exposes NTP conversion for callers building SR packets alongside
// a transport (e.g. a RECORD-side streamer).
func NowNTP(tm time.Time) uint64 {
	return ntp.Encode(tm)
}

// BuildRequestTransportHeader builds the Transport header value sent with
// a SETUP request, per the kind of transport requested.
func BuildRequestTransportHeader(kind Kind, udpClientRTPPort int, tcpChannelRTP int) headers.Transport {
	delivery := headers.DeliveryUnicast
	mode := headers.ModePlay

	if kind == KindUDP {
		return headers.Transport{
			Protocol:    headers.ProtocolUDP,
			Delivery:    &delivery,
			ClientPorts: &[2]int{udpClientRTPPort, udpClientRTPPort + 1},
			Mode:        &mode,
		}
	}
	return headers.Transport{
		Protocol:       headers.ProtocolTCP,
		Delivery:       &delivery,
		InterleavedIDs: &[2]int{tcpChannelRTP, tcpChannelRTP + 1},
		Mode:           &mode,
	}
}

// ValidateResponseTransport confirms the server's echoed Transport header
// is consistent with what was requested.
func ValidateResponseTransport(requested, response headers.Transport) error {
	if response.Protocol != requested.Protocol {
		return liberrors.ErrInvalidTransport{Msg: "server echoed a different protocol"}
	}

	if requested.Protocol == headers.ProtocolTCP {
		if response.InterleavedIDs == nil || requested.InterleavedIDs == nil ||
			*response.InterleavedIDs != *requested.InterleavedIDs {
			return liberrors.ErrInvalidTransport{Msg: "server echoed a different interleaved channel pair"}
		}
		return nil
	}

	if response.ServerPorts == nil {
		return liberrors.ErrInvalidTransport{Msg: "server did not provide server_port"}
	}

	return nil
}
