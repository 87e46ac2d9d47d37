// Package liberrors contains error types returned by the library.
package liberrors

import "fmt"

// ErrParse is returned when a RTSP, RTP or RTCP byte sequence is malformed.
type ErrParse struct {
	Kind ParseErrorKind
	Msg  string
}

// ParseErrorKind classifies a parse failure.
type ParseErrorKind int

// parse error kinds.
const (
	ParseErrTruncated ParseErrorKind = iota
	ParseErrBadVersion
	ParseErrBadLength
	ParseErrMalformed
)

// Error implements the error interface.
func (e ErrParse) Error() string {
	return fmt.Sprintf("parse error: %s", e.Msg)
}

// ErrRTSP is returned when a request receives a non-2xx, non-401 response.
type ErrRTSP struct {
	StatusCode int
	Reason     string
}

// Error implements the error interface.
func (e ErrRTSP) Error() string {
	return fmt.Sprintf("RTSP error: %d %s", e.StatusCode, e.Reason)
}

// ErrAuth is returned when authentication fails: a rejected or malformed
// credential, no usable challenge, or an exhausted retry budget.
type ErrAuth struct {
	Msg string
}

// Error implements the error interface.
func (e ErrAuth) Error() string {
	return fmt.Sprintf("authentication error: %s", e.Msg)
}

// ErrTimeout is returned when a request or a transport exceeds its deadline.
type ErrTimeout struct {
	Msg string
}

// Error implements the error interface.
func (e ErrTimeout) Error() string {
	if e.Msg == "" {
		return "timeout"
	}
	return fmt.Sprintf("timeout: %s", e.Msg)
}

// ErrConnectionClosed is returned once the peer or the caller closed the connection.
type ErrConnectionClosed struct{}

// Error implements the error interface.
func (ErrConnectionClosed) Error() string {
	return "connection closed"
}

// ErrStreamNotFound is signaled by a Streamer when the requested stream does not exist.
type ErrStreamNotFound struct {
	Path string
}

// Error implements the error interface.
func (e ErrStreamNotFound) Error() string {
	return fmt.Sprintf("stream not found: %s", e.Path)
}

// ErrInvalidTransport is returned when no common transport alternative exists.
type ErrInvalidTransport struct {
	Msg string
}

// Error implements the error interface.
func (e ErrInvalidTransport) Error() string {
	if e.Msg == "" {
		return "invalid transport"
	}
	return fmt.Sprintf("invalid transport: %s", e.Msg)
}

// ErrClientInvalidState is returned when an operation is invoked while the
// client session is not in one of the allowed states.
type ErrClientInvalidState struct {
	Allowed []fmt.Stringer
	Current fmt.Stringer
}

// Error implements the error interface.
func (e ErrClientInvalidState) Error() string {
	return fmt.Sprintf("must be in state %v, is in state %v", e.Allowed, e.Current)
}
