package base

// InterleavedFrameMagicByte is the first byte of an interleaved ($-framed) frame.
const InterleavedFrameMagicByte = 0x24

// InterleavedFrame carries binary RTP/RTCP data over the RTSP/TCP byte stream.
type InterleavedFrame struct {
	Channel int
	Payload []byte
}

// MarshalSize returns the size of the marshaled frame.
func (f InterleavedFrame) MarshalSize() int {
	return 4 + len(f.Payload)
}

// MarshalTo writes the frame into buf, which must be at least MarshalSize() long.
func (f InterleavedFrame) MarshalTo(buf []byte) int {
	buf[0] = InterleavedFrameMagicByte
	buf[1] = byte(f.Channel)
	buf[2] = byte(len(f.Payload) >> 8)
	buf[3] = byte(len(f.Payload))
	n := copy(buf[4:], f.Payload)
	return 4 + n
}

// Marshal encodes the frame.
func (f InterleavedFrame) Marshal() []byte {
	buf := make([]byte, f.MarshalSize())
	f.MarshalTo(buf)
	return buf
}
