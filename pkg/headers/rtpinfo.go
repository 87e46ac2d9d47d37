package headers

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/corestream/rtsp/pkg/base"
)

// RTPInfoEntry is one comma-separated entry of a RTP-Info header
// (RFC 2326 §12.33), reporting the sequence number and RTP timestamp of
// the first packet of a just-started PLAY for one stream URL.
type RTPInfoEntry struct {
	URL            string
	SequenceNumber *uint16
	Timestamp      *uint32
}

// RTPInfo is a full RTP-Info header: one entry per stream.
type RTPInfo []RTPInfoEntry

// ReadRTPInfo parses a RTP-Info header value.
func ReadRTPInfo(hv base.HeaderValue) (RTPInfo, error) {
	if len(hv) == 0 {
		return nil, fmt.Errorf("RTP-Info header not provided")
	}

	var out RTPInfo
	for _, entry := range strings.Split(hv[0], ",") {
		params := parseParams(entry)
		e := RTPInfoEntry{}

		for k, v := range params {
			switch k {
			case "url":
				e.URL = v
			case "seq":
				n, err := strconv.ParseUint(v, 10, 16)
				if err != nil {
					return nil, err
				}
				seq := uint16(n)
				e.SequenceNumber = &seq
			case "rtptime":
				n, err := strconv.ParseUint(v, 10, 32)
				if err != nil {
					return nil, err
				}
				ts := uint32(n)
				e.Timestamp = &ts
			}
		}

		if e.URL == "" {
			return nil, fmt.Errorf("RTP-Info entry missing url")
		}
		out = append(out, e)
	}

	return out, nil
}

// Write serializes a RTP-Info header.
func (h RTPInfo) Write() base.HeaderValue {
	parts := make([]string, len(h))
	for i, e := range h {
		tokens := []string{"url=" + e.URL}
		if e.SequenceNumber != nil {
			tokens = append(tokens, "seq="+strconv.FormatUint(uint64(*e.SequenceNumber), 10))
		}
		if e.Timestamp != nil {
			tokens = append(tokens, "rtptime="+strconv.FormatUint(uint64(*e.Timestamp), 10))
		}
		parts[i] = strings.Join(tokens, ";")
	}
	return base.HeaderValue{strings.Join(parts, ",")}
}
