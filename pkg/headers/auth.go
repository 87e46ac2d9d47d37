package headers

import (
	"github.com/corestream/rtsp/pkg/auth"
	"github.com/corestream/rtsp/pkg/base"
)

// ReadWWWAuthenticate parses every WWW-Authenticate header value offered by
// a server into authentication challenges.
func ReadWWWAuthenticate(hv base.HeaderValue) ([]auth.Challenge, error) {
	return auth.ParseChallenges([]string(hv))
}

// WriteWWWAuthenticate serializes a set of WWW-Authenticate header values.
func WriteWWWAuthenticate(values []string) base.HeaderValue {
	return base.HeaderValue(values)
}

// ReadAuthorization returns the raw Authorization header value, left for
// pkg/auth.Server.Validate to parse directly (it needs the scheme prefix
// intact to distinguish Basic from Digest).
func ReadAuthorization(hv base.HeaderValue) (string, bool) {
	if len(hv) == 0 {
		return "", false
	}
	return hv[0], true
}

// WriteAuthorization builds an Authorization header value.
func WriteAuthorization(value string) base.HeaderValue {
	return base.HeaderValue{value}
}

// WriteAuthenticationInfo builds an Authentication-Info header value.
func WriteAuthenticationInfo(value string) base.HeaderValue {
	return base.HeaderValue{value}
}
