package headers

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/corestream/rtsp/pkg/base"
)

// Session is a parsed Session header (RFC 2326 §12.37).
type Session struct {
	ID      string
	Timeout *uint
}

// ReadSession parses a Session header value.
func ReadSession(hv base.HeaderValue) (*Session, error) {
	if len(hv) == 0 {
		return nil, fmt.Errorf("Session header not provided")
	}

	parts := strings.Split(hv[0], ";")
	s := &Session{ID: strings.TrimSpace(parts[0])}
	if s.ID == "" {
		return nil, fmt.Errorf("empty session id")
	}

	for _, kv := range parts[1:] {
		params := parseParams(kv)
		if v, ok := params["timeout"]; ok {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return nil, err
			}
			t := uint(n)
			s.Timeout = &t
		}
	}

	return s, nil
}

// Write serializes a Session header.
func (s Session) Write() base.HeaderValue {
	v := s.ID
	if s.Timeout != nil {
		v += ";timeout=" + strconv.FormatUint(uint64(*s.Timeout), 10)
	}
	return base.HeaderValue{v}
}
