package base

import (
	"fmt"
	"net/url"
	"regexp"
)

// URL is a RTSP URL, an HTTP-style URL restricted to the rtsp(s)(t)(u) schemes.
type URL struct {
	url.URL
}

// ParseURL parses a RTSP URL.
func ParseURL(s string) (*URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "rtsp", "rtsps", "rtspt", "rtspu":
	default:
		return nil, fmt.Errorf("invalid scheme: %s", u.Scheme)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("host not provided")
	}

	return &URL{URL: *u}, nil
}

// Clone returns a deep copy of the URL.
func (u *URL) Clone() *URL {
	u2 := *u
	if u.User != nil {
		user := *u.User
		u2.User = &user
	}
	return &u2
}

// CloneWithoutCredentials returns a copy of the URL with user info stripped,
// suitable for writing on the wire.
func (u *URL) CloneWithoutCredentials() *URL {
	u2 := u.Clone()
	u2.User = nil
	return u2
}

// DefaultPort returns the default port for the URL's scheme.
func (u *URL) DefaultPort() string {
	if u.Scheme == "rtsps" {
		return "322"
	}
	return "554"
}

// HostPort returns host and port, filling in the scheme default port if absent.
func (u *URL) HostPort() string {
	if u.Port() != "" {
		return u.URL.Host
	}
	return u.Hostname() + ":" + u.DefaultPort()
}

var reControlAttribute = regexp.MustCompile(`^(.+)/trackID=[0-9]+$`)

// RemoveControlAttribute strips a trailing "/trackID=N" control attribute
// from the path, used to retry Digest URL matching against VLC, which
// strips the attribute before computing its own digest response.
func (u *URL) RemoveControlAttribute() {
	if m := reControlAttribute.FindStringSubmatch(u.String()); m != nil {
		u2, err := url.Parse(m[1])
		if err == nil {
			u.URL = *u2
		}
	}
}
