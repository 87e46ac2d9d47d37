package rtcpstats

import "time"

// IntervalConfig parameterizes the RFC 3550 §6.3.1 reporting-interval
// calculation. The RFC ties T to the number of session members and a
// nominal RTCP bandwidth share; this package fixes a nominal bandwidth
// default and lets callers override it.
type IntervalConfig struct {
	// SessionBandwidth is the nominal session bandwidth, in bytes/sec.
	SessionBandwidth float64
	// Fraction is the portion of SessionBandwidth allotted to RTCP traffic.
	Fraction float64
	// AvgPacketSize is the average compound RTCP packet size, in bytes.
	AvgPacketSize float64
	// NumMembers is the estimated number of session members (senders +
	// receivers); RFC 3550 uses this to divide the available bandwidth.
	NumMembers int
}

// DefaultIntervalConfig returns the nominal parameters used when a caller
// has not measured its own traffic yet.
func DefaultIntervalConfig() IntervalConfig {
	return IntervalConfig{
		SessionBandwidth: 64000,
		Fraction:         0.05,
		AvgPacketSize:    200,
		NumMembers:       2,
	}
}

// ReportInterval computes the next RTCP reporting interval per RFC 3550
// §6.3.1: T = max(Tmin, avg_rtcp_size*num_members/rtcp_bandwidth), dithered
// uniformly across [0.5T, 1.5T]. Tmin is 2.5s once the first report has
// been sent, and half that before. rnd must be a value drawn uniformly
// from [0, 1); callers supply it so the computation stays deterministic
// and testable.
func ReportInterval(cfg IntervalConfig, firstReportSent bool, rnd float64) time.Duration {
	const tminAfterFirst = 2.5
	tmin := tminAfterFirst
	if !firstReportSent {
		tmin = tminAfterFirst / 2
	}

	rtcpBandwidth := cfg.SessionBandwidth * cfg.Fraction
	if rtcpBandwidth <= 0 {
		rtcpBandwidth = 1
	}
	numMembers := cfg.NumMembers
	if numMembers < 1 {
		numMembers = 1
	}

	t := float64(numMembers) * cfg.AvgPacketSize / rtcpBandwidth
	if t < tmin {
		t = tmin
	}

	dithered := 0.5*t + t*rnd
	return time.Duration(dithered * float64(time.Second))
}
