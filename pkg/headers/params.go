// Package headers implements parsing and serialization for the structured
// RTSP headers this library needs: Transport, Session, Range, RTP-Info and
// the WWW-Authenticate/Authorization pair (the latter delegated to pkg/auth).
//
// Follows the shape of bluenviron/gortsplib's pkg/headers, adapted to this
// module's pkg/base.HeaderValue and rewritten with a semicolon/quote-aware
// parameter splitter that correctly handles a mix of bare flags
// ("unicast") and key=value pairs ("client_port=3456-3457") in one header.
package headers

import "strings"

// splitParams splits a header value on sep, respecting double-quoted
// substrings, and returns an ordered list of tokens.
func splitParams(s string, sep byte) []string {
	var out []string
	inQuotes := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuotes = !inQuotes
		case sep:
			if !inQuotes {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

// parseParams splits a semicolon-separated parameter list into a key/value
// map. Bare flags (no "=") map to the empty string.
func parseParams(s string) map[string]string {
	out := make(map[string]string)
	for _, tok := range splitParams(s, ';') {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if i := strings.IndexByte(tok, '='); i >= 0 {
			k := strings.TrimSpace(tok[:i])
			v := strings.Trim(strings.TrimSpace(tok[i+1:]), `"`)
			out[k] = v
		} else {
			out[tok] = ""
		}
	}
	return out
}
