// Package sdpinfo is a thin adapter over github.com/pion/sdp/v3, exposing
// only what this library's SETUP/DESCRIBE path needs: per-media payload
// type, clock rate, fmtp options, and the control-attribute URL resolution
// defined in RFC 2326 §C.1.1. It intentionally does not attempt to model
// codec-specific SDP semantics.
//
// The control-attribute resolution follows bluenviron/gortsplib's
// pkg/description.Media.URL: absolute rtsp(s):// control overrides the
// content base (keeping its host/credentials), relative control is
// appended to the base, and an empty/"*" control means "use the base
// unchanged".
package sdpinfo

import (
	"fmt"
	"strconv"
	"strings"

	psdp "github.com/pion/sdp/v3"

	"github.com/corestream/rtsp/pkg/base"
)

// MediaInfo is the subset of one SDP media description this library acts on.
type MediaInfo struct {
	Type        string
	PayloadType uint8
	ClockRate   uint32
	EncodingName string
	FMTP        map[string]string
	Control     string
}

// SessionInfo is the subset of a full SDP this library acts on.
type SessionInfo struct {
	Control string
	Media   []MediaInfo
}

// Parse decodes a raw SDP body into a SessionInfo.
func Parse(body []byte) (*SessionInfo, error) {
	var sd psdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("invalid SDP: %w", err)
	}

	info := &SessionInfo{Control: attributeValue(sd.Attributes, "control")}

	for _, md := range sd.MediaDescriptions {
		mi := MediaInfo{
			Type:    md.MediaName.Media,
			Control: attributeValue(md.Attributes, "control"),
			FMTP:    make(map[string]string),
		}

		if len(md.MediaName.Formats) > 0 {
			n, err := strconv.ParseUint(md.MediaName.Formats[0], 10, 8)
			if err == nil {
				mi.PayloadType = uint8(n)
			}
		}

		if rtpmap := attributeValue(md.Attributes, "rtpmap"); rtpmap != "" {
			parseRTPMap(rtpmap, &mi)
		}

		if fmtp := attributeValue(md.Attributes, "fmtp"); fmtp != "" {
			parseFMTP(fmtp, mi.FMTP)
		}

		info.Media = append(info.Media, mi)
	}

	return info, nil
}

func attributeValue(attrs []psdp.Attribute, key string) string {
	for _, a := range attrs {
		if a.Key == key {
			return a.Value
		}
	}
	return ""
}

// parseRTPMap parses "<payload type> <encoding name>/<clock rate>[/<channels>]".
func parseRTPMap(v string, mi *MediaInfo) {
	fields := strings.SplitN(v, " ", 2)
	if len(fields) != 2 {
		return
	}
	parts := strings.Split(fields[1], "/")
	if len(parts) >= 1 {
		mi.EncodingName = parts[0]
	}
	if len(parts) >= 2 {
		if rate, err := strconv.ParseUint(parts[1], 10, 32); err == nil {
			mi.ClockRate = uint32(rate)
		}
	}
}

// parseFMTP parses "<payload type> key=value;key=value...".
func parseFMTP(v string, out map[string]string) {
	fields := strings.SplitN(v, " ", 2)
	if len(fields) != 2 {
		return
	}
	for _, kv := range strings.Split(fields[1], ";") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			out[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		} else {
			out[parts[0]] = ""
		}
	}
}

// ResolveMediaURL computes the absolute SETUP URL for one media, per
// RFC 2326 §C.1.1: an absolute rtsp(s):// control attribute overrides
// contentBase (keeping contentBase's host and credentials); a relative
// control attribute is appended to contentBase; an empty or "*" control
// attribute means "use contentBase unchanged".
func ResolveMediaURL(contentBase *base.URL, sessionControl, mediaControl string) (*base.URL, error) {
	if contentBase == nil {
		return nil, fmt.Errorf("content base URL not provided")
	}

	control := mediaControl
	if control == "" {
		control = sessionControl
	}
	if control == "" || control == "*" {
		return contentBase, nil
	}

	if strings.HasPrefix(control, "rtsp://") || strings.HasPrefix(control, "rtsps://") {
		ur, err := base.ParseURL(control)
		if err != nil {
			return nil, err
		}
		ur.Host = contentBase.Host
		ur.User = contentBase.User
		return ur, nil
	}

	joined := contentBase.String()
	if control[0] != '?' && control[0] != '/' && !strings.HasSuffix(joined, "/") {
		joined += "/"
	}
	return base.ParseURL(joined + control)
}
