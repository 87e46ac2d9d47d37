// Package rtcppacket implements RTCP compound packet decoding and encoding
// (RFC 3550 §6): SR, RR, SDES and BYE sub-packets, plus any unrecognized
// packet type retained opaquely so that it round-trips unchanged.
//
// Bit-exact marshal/unmarshal of each sub-packet is delegated to
// github.com/pion/rtcp.
package rtcppacket

import (
	"github.com/pion/rtcp"

	"github.com/corestream/rtsp/pkg/liberrors"
)

// Decode parses a compound RTCP packet. Unknown packet types are preserved
// as *rtcp.RawPacket so that Encode can re-emit them unchanged.
func Decode(buf []byte) ([]rtcp.Packet, error) {
	if len(buf) < 4 {
		return nil, liberrors.ErrParse{Kind: liberrors.ParseErrTruncated, Msg: "RTCP compound packet too short"}
	}

	if (buf[0] >> 6) != 2 {
		return nil, liberrors.ErrParse{Kind: liberrors.ParseErrBadVersion, Msg: "invalid RTCP version"}
	}

	packets, err := rtcp.Unmarshal(buf)
	if err != nil {
		return nil, liberrors.ErrParse{Kind: liberrors.ParseErrBadLength, Msg: err.Error()}
	}

	if len(packets) == 0 {
		return nil, liberrors.ErrParse{Kind: liberrors.ParseErrMalformed, Msg: "empty compound packet"}
	}

	switch packets[0].(type) {
	case *rtcp.SenderReport, *rtcp.ReceiverReport:
	default:
		return nil, liberrors.ErrParse{Kind: liberrors.ParseErrMalformed, Msg: "first sub-packet is not SR or RR"}
	}

	return packets, nil
}

// Encode serializes a compound RTCP packet.
func Encode(packets []rtcp.Packet) ([]byte, error) {
	return rtcp.Marshal(packets)
}

// CNAME builds a SourceDescription packet carrying a single CNAME item, as
// RFC 3550 §6.5.1 requires on every outgoing compound report.
func CNAME(ssrc uint32, cname string) *rtcp.SourceDescription {
	return &rtcp.SourceDescription{
		Chunks: []rtcp.SourceDescriptionChunk{
			{
				Source: ssrc,
				Items: []rtcp.SourceDescriptionItem{
					{Type: rtcp.SDESCNAME, Text: cname},
				},
			},
		},
	}
}
