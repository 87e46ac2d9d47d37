// Package base contains the wire-level elements of the RTSP protocol:
// methods, status codes, headers, URLs, requests, responses and
// interleaved binary frames.
package base

const (
	rtspProtocol10 = "RTSP/1.0"

	requestMaxMethodLength   = 128
	requestMaxURLLength      = 1024
	requestMaxProtocolLength = 128

	rtspMaxContentLength = 12 * 1024 * 1024
)

// Method is the method of a RTSP request.
type Method string

// standard methods.
const (
	Announce     Method = "ANNOUNCE"
	Describe     Method = "DESCRIBE"
	GetParameter Method = "GET_PARAMETER"
	Options      Method = "OPTIONS"
	Pause        Method = "PAUSE"
	Play         Method = "PLAY"
	Record       Method = "RECORD"
	Redirect     Method = "REDIRECT"
	Setup        Method = "SETUP"
	SetParameter Method = "SET_PARAMETER"
	Teardown     Method = "TEARDOWN"
)

// StatusCode is the status code of a RTSP response.
type StatusCode int

// standard status codes used by this library.
const (
	StatusContinue                      StatusCode = 100
	StatusOK                            StatusCode = 200
	StatusBadRequest                    StatusCode = 400
	StatusUnauthorized                  StatusCode = 401
	StatusForbidden                     StatusCode = 403
	StatusNotFound                      StatusCode = 404
	StatusMethodNotAllowed              StatusCode = 405
	StatusRequestTimeout                StatusCode = 408
	StatusSessionNotFound               StatusCode = 454
	StatusMethodNotValidInThisState     StatusCode = 455
	StatusInvalidRange                  StatusCode = 457
	StatusUnsupportedTransport          StatusCode = 461
	StatusInternalServerError           StatusCode = 500
	StatusNotImplemented                StatusCode = 501
	StatusRTSPVersionNotSupported       StatusCode = 505
)

// StatusMessages contains the default reason phrase for each status code
// this library emits.
var StatusMessages = map[StatusCode]string{
	StatusContinue:                  "Continue",
	StatusOK:                        "OK",
	StatusBadRequest:                "Bad Request",
	StatusUnauthorized:              "Unauthorized",
	StatusForbidden:                 "Forbidden",
	StatusNotFound:                  "Not Found",
	StatusMethodNotAllowed:          "Method Not Allowed",
	StatusRequestTimeout:            "Request Timeout",
	StatusSessionNotFound:           "Session Not Found",
	StatusMethodNotValidInThisState: "Method Not Valid In This State",
	StatusInvalidRange:              "Invalid Range",
	StatusUnsupportedTransport:      "Unsupported Transport",
	StatusInternalServerError:       "Internal Server Error",
	StatusNotImplemented:            "Not Implemented",
	StatusRTSPVersionNotSupported:   "RTSP Version Not Supported",
}
