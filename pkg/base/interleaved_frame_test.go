package base

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInterleavedFrameMarshal(t *testing.T) {
	f := InterleavedFrame{Channel: 0, Payload: []byte{0x01, 0x02, 0x03}}
	buf := f.Marshal()
	require.Equal(t, []byte{0x24, 0x00, 0x00, 0x03, 0x01, 0x02, 0x03}, buf)
}

func TestInterleavedFrameMarshalTo(t *testing.T) {
	f := InterleavedFrame{Channel: 5, Payload: []byte{0xAA}}
	buf := make([]byte, f.MarshalSize())
	n := f.MarshalTo(buf)
	require.Equal(t, 5, n)
	require.Equal(t, []byte{0x24, 0x05, 0x00, 0x01, 0xAA}, buf)
}
