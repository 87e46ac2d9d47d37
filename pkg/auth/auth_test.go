package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientDigestRFC2069Vector(t *testing.T) {
	challenge := Challenge{
		Scheme: SchemeDigest,
		Realm:  "AXIS_ACCC8E000AA9",
		Nonce:  "0024e47aY398109708de9ccd8056c58a068a59540a99d3",
	}
	client := NewClient("root", "admin123", challenge, 1)

	header, err := client.Authorize("DESCRIBE", "rtsp://cam/axis-media/media.amp")
	require.NoError(t, err)
	require.Contains(t, header, `response="7daaf0f4e40fdff42cff28260f37914d"`)
}

func TestClientBasicVector(t *testing.T) {
	client := NewClient("root", "admin123", Challenge{Scheme: SchemeBasic}, 1)

	header, err := client.Authorize("DESCRIBE", "rtsp://cam/axis-media/media.amp")
	require.NoError(t, err)
	require.Equal(t, "Basic cm9vdDphZG1pbjEyMw==", header)
}

func TestServerDigestRoundTripWithQOP(t *testing.T) {
	srv := NewServer("testrealm", AlgorithmMD5, 0, func(u string) (string, bool) {
		if u == "alice" {
			return "secret", true
		}
		return "", false
	})

	challenges, err := srv.Challenge()
	require.NoError(t, err)

	parsed, err := ParseChallenges(challenges)
	require.NoError(t, err)
	c := Best(parsed)
	require.Equal(t, SchemeDigest, c.Scheme)
	require.Equal(t, "auth", c.QOP)

	client := NewClient("alice", "secret", c, 3)
	header, err := client.Authorize("SETUP", "rtsp://host/stream/trackID=0")
	require.NoError(t, err)

	_, err = srv.Validate(header, "SETUP", "rtsp://host/stream/trackID=0", "")
	require.NoError(t, err)
}

func TestServerRejectsWrongPassword(t *testing.T) {
	srv := NewServer("testrealm", AlgorithmMD5, 0, func(u string) (string, bool) { return "wrong", true })
	challenges, err := srv.Challenge()
	require.NoError(t, err)
	c := Best(mustParse(t, challenges))

	client := NewClient("alice", "secret", c, 1)
	header, err := client.Authorize("DESCRIBE", "rtsp://host/stream")
	require.NoError(t, err)

	_, err = srv.Validate(header, "DESCRIBE", "rtsp://host/stream", "")
	require.Error(t, err)
}

func TestServerNonceRotatesAfterMaxReuse(t *testing.T) {
	srv := NewServer("testrealm", AlgorithmMD5, 2, func(u string) (string, bool) { return "secret", true })
	challenges, err := srv.Challenge()
	require.NoError(t, err)
	c := Best(mustParse(t, challenges))
	client := NewClient("alice", "secret", c, 5)

	h1, err := client.Authorize("DESCRIBE", "rtsp://host/s")
	require.NoError(t, err)
	info, err := srv.Validate(h1, "DESCRIBE", "rtsp://host/s", "")
	require.NoError(t, err)
	require.Empty(t, info)

	h2, err := client.Authorize("DESCRIBE", "rtsp://host/s")
	require.NoError(t, err)
	info, err = srv.Validate(h2, "DESCRIBE", "rtsp://host/s", "")
	require.NoError(t, err)
	require.Contains(t, info, "nextnonce=")

	client.OnAuthenticationInfo(info)
	h3, err := client.Authorize("DESCRIBE", "rtsp://host/s")
	require.NoError(t, err)
	_, err = srv.Validate(h3, "DESCRIBE", "rtsp://host/s", "")
	require.NoError(t, err)
}

func TestClientRetryBudgetExhausted(t *testing.T) {
	client := NewClient("alice", "secret", Challenge{Scheme: SchemeBasic}, 1)
	require.NoError(t, client.OnRejected(nil))
	require.Error(t, client.OnRejected(nil))
}

func mustParse(t *testing.T, values []string) []Challenge {
	t.Helper()
	c, err := ParseChallenges(values)
	require.NoError(t, err)
	return c
}
