// Package rtppacket implements RTP packet decoding and encoding (RFC 3550 §5).
//
// Bit-exact marshal/unmarshal is delegated to github.com/pion/rtp. This
// package adds a payload-substitution slot for forwarders that want to
// re-emit a packet's header unchanged with a different payload.
package rtppacket

import (
	"github.com/pion/rtp"

	"github.com/corestream/rtsp/pkg/liberrors"
)

// Packet is a RTP packet. It is immutable after construction except for
// the optional payload-substitution slot used by forwarders.
type Packet struct {
	Version        uint8
	Padding        bool
	Extension      bool
	Marker         bool
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
	CSRC           []uint32

	ExtensionProfile uint16
	Extensions       map[uint8][]byte

	Payload []byte

	substituted []byte
}

// SetPayload replaces the packet's payload. Encode then emits header+CSRC
// (and extension, if any) followed by the substituted payload, without
// re-reading the original payload bytes.
func (p *Packet) SetPayload(payload []byte) {
	p.substituted = payload
}

// Decode parses a RTP packet from raw bytes.
func Decode(buf []byte) (*Packet, error) {
	if len(buf) < 12 {
		return nil, liberrors.ErrParse{Kind: liberrors.ParseErrTruncated, Msg: "RTP packet too short"}
	}

	if (buf[0] >> 6) != 2 {
		return nil, liberrors.ErrParse{Kind: liberrors.ParseErrBadVersion, Msg: "invalid RTP version"}
	}

	var pkt rtp.Packet
	err := pkt.Unmarshal(buf)
	if err != nil {
		return nil, liberrors.ErrParse{Kind: liberrors.ParseErrBadLength, Msg: err.Error()}
	}

	out := &Packet{
		Version:          pkt.Version,
		Padding:          pkt.Padding,
		Extension:        pkt.Extension,
		Marker:           pkt.Marker,
		PayloadType:      pkt.PayloadType,
		SequenceNumber:   pkt.SequenceNumber,
		Timestamp:        pkt.Timestamp,
		SSRC:             pkt.SSRC,
		CSRC:             pkt.CSRC,
		ExtensionProfile: pkt.ExtensionProfile,
		Payload:          pkt.Payload,
	}

	if pkt.Extension {
		out.Extensions = make(map[uint8][]byte)
		for _, id := range pkt.GetExtensionIDs() {
			out.Extensions[id] = pkt.GetExtension(id)
		}
	}

	return out, nil
}

func (p *Packet) toPion() *rtp.Packet {
	payload := p.Payload
	if p.substituted != nil {
		payload = p.substituted
	}

	out := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Padding:        p.Padding,
			Marker:         p.Marker,
			PayloadType:    p.PayloadType,
			SequenceNumber: p.SequenceNumber,
			Timestamp:      p.Timestamp,
			SSRC:           p.SSRC,
			CSRC:           p.CSRC,
		},
		Payload: payload,
	}

	for id, ext := range p.Extensions {
		_ = out.SetExtension(id, ext)
	}

	return out
}

// Encode serializes the packet, emitting the substituted payload if SetPayload
// was called.
func (p *Packet) Encode() ([]byte, error) {
	pkt := p.toPion()
	return pkt.Marshal()
}

// Clone returns a deep copy of the packet.
func (p *Packet) Clone() *Packet {
	p2 := *p
	p2.CSRC = append([]uint32(nil), p.CSRC...)
	p2.Payload = append([]byte(nil), p.Payload...)
	if p.Extensions != nil {
		p2.Extensions = make(map[uint8][]byte, len(p.Extensions))
		for k, v := range p.Extensions {
			p2.Extensions[k] = append([]byte(nil), v...)
		}
	}
	return &p2
}
