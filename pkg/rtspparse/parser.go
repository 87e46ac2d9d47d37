// Package rtspparse implements the incremental RTSP message parser: a
// small push-based state machine (WAIT, which also parses a text header
// block once it is complete / TEXT_BODY / BINARY_HEADER / BINARY_PAYLOAD)
// that consumes arbitrarily-sized chunks of an RTSP/TCP
// byte stream and emits complete requests, responses and interleaved
// binary frames as they become available.
//
// The defining correctness property is restartability: feeding the same
// byte stream through Feed split at any set of chunk boundaries produces
// the same sequence of messages. Unlike a parser reading directly off a
// blocking bufio.Reader, this package keeps its own buffer so it can be
// driven from a non-blocking read loop (see pkg/rtspconn), which is what
// an async client/server needs.
package rtspparse

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/corestream/rtsp/pkg/base"
	"github.com/corestream/rtsp/pkg/liberrors"
)

// MessageKind tags the variant of a parsed Message.
type MessageKind int

// Message kinds.
const (
	KindRequest MessageKind = iota
	KindResponse
	KindFrame
)

// Message is one fully-parsed unit off the wire.
type Message struct {
	Kind     MessageKind
	Request  *base.Request
	Response *base.Response
	Frame    *base.InterleavedFrame
}

type state int

const (
	stateWait state = iota
	stateTextBody
	stateBinaryHeader
	stateBinaryPayload
)

// maxHeaderBlockLength bounds how much unterminated header data the parser
// will buffer before declaring the stream malformed.
const maxHeaderBlockLength = 64 * 1024

// Parser is a single-stream incremental RTSP message parser. It is not
// safe for concurrent use; callers typically own one Parser per
// connection and drive it from a single reader goroutine.
type Parser struct {
	buf []byte
	st  state

	channel    int
	payloadLen int

	headerEnd     int
	isResponse    bool
	method        base.Method
	rawURL        string
	statusCode    int
	statusMessage string
	header        base.Header
	contentLength int
}

// New returns a Parser ready to consume from the start of a stream.
func New() *Parser {
	return &Parser{}
}

// Feed appends data to the parser's internal buffer and returns every
// message that became complete as a result. It never blocks and never
// discards unconsumed bytes: a short read simply leaves the parser
// waiting for the remainder on the next call.
func (p *Parser) Feed(data []byte) ([]Message, error) {
	if len(data) > 0 {
		p.buf = append(p.buf, data...)
	}

	var out []Message
	for {
		msg, ok, err := p.step()
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, msg)
	}
}

func (p *Parser) step() (Message, bool, error) {
	switch p.st {
	case stateWait:
		return p.stepWait()
	case stateTextBody:
		return p.stepTextBody()
	case stateBinaryHeader:
		return p.stepBinaryHeader()
	case stateBinaryPayload:
		return p.stepBinaryPayload()
	}
	return Message{}, false, nil
}

func (p *Parser) stepWait() (Message, bool, error) {
	if len(p.buf) == 0 {
		return Message{}, false, nil
	}

	// Tolerate blank lines between messages (trailing CR/LF left over from
	// the previous message's terminator, or extra keep-alive newlines).
	for len(p.buf) > 0 && (p.buf[0] == '\r' || p.buf[0] == '\n') {
		p.buf = p.buf[1:]
	}
	if len(p.buf) == 0 {
		return Message{}, false, nil
	}

	if p.buf[0] == base.InterleavedFrameMagicByte {
		p.buf = p.buf[1:]
		p.st = stateBinaryHeader
		return p.step()
	}

	idx := bytes.Index(p.buf, []byte("\r\n\r\n"))
	if idx < 0 {
		if len(p.buf) > maxHeaderBlockLength {
			return Message{}, false, liberrors.ErrParse{Kind: liberrors.ParseErrMalformed, Msg: "header block exceeds maximum length"}
		}
		return Message{}, false, nil
	}

	lines := strings.Split(string(p.buf[:idx]), "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return Message{}, false, liberrors.ErrParse{Kind: liberrors.ParseErrMalformed, Msg: "empty start line"}
	}

	firstLine := lines[0]
	hdr, err := base.ParseHeader(lines[1:])
	if err != nil {
		return Message{}, false, liberrors.ErrParse{Kind: liberrors.ParseErrMalformed, Msg: err.Error()}
	}

	contentLength := 0
	if v, ok := hdr.Get("Content-Length"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 {
			return Message{}, false, liberrors.ErrParse{Kind: liberrors.ParseErrMalformed, Msg: "invalid Content-Length"}
		}
		contentLength = n
	}

	p.header = hdr
	p.contentLength = contentLength
	p.headerEnd = idx + 4

	if strings.HasPrefix(firstLine, "RTSP/") {
		parts := strings.SplitN(firstLine, " ", 3)
		if len(parts) < 2 {
			return Message{}, false, liberrors.ErrParse{Kind: liberrors.ParseErrMalformed, Msg: "malformed status line"}
		}
		code, err := strconv.Atoi(parts[1])
		if err != nil {
			return Message{}, false, liberrors.ErrParse{Kind: liberrors.ParseErrMalformed, Msg: "malformed status code"}
		}
		p.isResponse = true
		p.statusCode = code
		if len(parts) == 3 {
			p.statusMessage = parts[2]
		} else {
			p.statusMessage = ""
		}
	} else {
		parts := strings.SplitN(firstLine, " ", 3)
		if len(parts) != 3 || !strings.HasPrefix(parts[2], "RTSP/") {
			return Message{}, false, liberrors.ErrParse{Kind: liberrors.ParseErrMalformed, Msg: "malformed request line"}
		}
		p.isResponse = false
		p.method = base.Method(parts[0])
		p.rawURL = parts[1]
	}

	p.st = stateTextBody
	return p.step()
}

func (p *Parser) stepTextBody() (Message, bool, error) {
	need := p.headerEnd + p.contentLength
	if len(p.buf) < need {
		return Message{}, false, nil
	}

	body := append([]byte(nil), p.buf[p.headerEnd:need]...)
	p.buf = p.buf[need:]

	var msg Message
	if p.isResponse {
		msg = Message{
			Kind: KindResponse,
			Response: &base.Response{
				StatusCode:    base.StatusCode(p.statusCode),
				StatusMessage: p.statusMessage,
				Header:        p.header,
				Body:          body,
			},
		}
	} else {
		ur, err := base.ParseURL(p.rawURL)
		if err != nil {
			p.resetText()
			p.st = stateWait
			return Message{}, false, liberrors.ErrParse{Kind: liberrors.ParseErrMalformed, Msg: "invalid request url"}
		}
		msg = Message{
			Kind: KindRequest,
			Request: &base.Request{
				Method: p.method,
				URL:    ur,
				Header: p.header,
				Body:   body,
			},
		}
	}

	p.resetText()
	p.st = stateWait
	return msg, true, nil
}

func (p *Parser) resetText() {
	p.headerEnd = 0
	p.isResponse = false
	p.method = ""
	p.rawURL = ""
	p.statusCode = 0
	p.statusMessage = ""
	p.header = nil
	p.contentLength = 0
}

func (p *Parser) stepBinaryHeader() (Message, bool, error) {
	if len(p.buf) < 3 {
		return Message{}, false, nil
	}
	p.channel = int(p.buf[0])
	p.payloadLen = int(p.buf[1])<<8 | int(p.buf[2])
	p.buf = p.buf[3:]
	p.st = stateBinaryPayload
	return p.step()
}

func (p *Parser) stepBinaryPayload() (Message, bool, error) {
	if len(p.buf) < p.payloadLen {
		return Message{}, false, nil
	}
	payload := append([]byte(nil), p.buf[:p.payloadLen]...)
	p.buf = p.buf[p.payloadLen:]
	p.st = stateWait
	return Message{Kind: KindFrame, Frame: &base.InterleavedFrame{Channel: p.channel, Payload: payload}}, true, nil
}
