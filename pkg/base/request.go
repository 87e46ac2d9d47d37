package base

import (
	"strconv"
	"strings"
)

// Request is a RTSP request.
type Request struct {
	Method Method
	URL    *URL
	Header Header
	Body   []byte
}

// Marshal encodes a Request for the wire.
func (req Request) Marshal() []byte {
	var sb strings.Builder

	urStr := ""
	if req.URL != nil {
		urStr = req.URL.CloneWithoutCredentials().String()
	}

	sb.WriteString(string(req.Method))
	sb.WriteString(" ")
	sb.WriteString(urStr)
	sb.WriteString(" ")
	sb.WriteString(rtspProtocol10)
	sb.WriteString("\r\n")

	if req.Header == nil {
		req.Header = make(Header)
	}
	if len(req.Body) != 0 {
		req.Header.Set("Content-Length", strconv.Itoa(len(req.Body)))
	} else {
		req.Header.Del("Content-Length")
	}

	req.Header.writeString(&sb)

	out := []byte(sb.String())
	out = append(out, req.Body...)
	return out
}

// String implements fmt.Stringer.
func (req Request) String() string {
	return string(req.Marshal())
}
