package headers

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/corestream/rtsp/pkg/base"
)

// ReadRange extracts the raw value of a Range header (e.g. "npt=0.000-" or
// "clock=20180101T010203.045Z-"), without further interpretation.
func ReadRange(hv base.HeaderValue) (string, error) {
	if len(hv) == 0 {
		return "", fmt.Errorf("Range header not provided")
	}
	return strings.TrimSpace(hv[0]), nil
}

// WriteRangeNPT builds a "Range: npt=..." header value.
func WriteRangeNPT(v string) base.HeaderValue {
	return base.HeaderValue{"npt=" + v}
}

// WriteRangeClock builds a "Range: clock=..." header value.
func WriteRangeClock(v string) base.HeaderValue {
	return base.HeaderValue{"clock=" + v}
}

const clockLayout = "20060102T150405"

// FormatClockTime renders an epoch time as a RTSP clock-format instant:
// "YYYYMMDDThhmmss[.fff]Z", with the fractional part's trailing zeros
// stripped and the decimal point elided entirely on a whole second.
func FormatClockTime(epochSeconds float64) string {
	whole := math.Floor(epochSeconds)
	frac := epochSeconds - whole

	t := time.Unix(int64(whole), 0).UTC()
	out := t.Format(clockLayout)

	millis := int64(math.Round(frac * 1000))
	if millis > 0 {
		fracStr := fmt.Sprintf("%03d", millis)
		fracStr = strings.TrimRight(fracStr, "0")
		out += "." + fracStr
	}

	return out + "Z"
}

// ParseClockTime parses one "YYYYMMDDThhmmss[.fff]Z" instant into epoch
// seconds (with fractional precision preserved).
func ParseClockTime(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "Z")

	datePart := s
	var fracSeconds float64
	if i := strings.IndexByte(s, '.'); i >= 0 {
		datePart = s[:i]
		fracStr := s[i+1:]
		n, err := strconv.ParseFloat("0."+fracStr, 64)
		if err != nil {
			return 0, false
		}
		fracSeconds = n
	}

	t, err := time.Parse(clockLayout, datePart)
	if err != nil {
		return 0, false
	}

	return float64(t.Unix()) + fracSeconds, true
}

// ParseClockRange tolerantly extracts the first instant of a
// "Range: clock=<instant>-[<instant>]" header value and converts it to
// epoch seconds. It returns false if the header does not carry a clock
// range.
func ParseClockRange(value string) (float64, bool) {
	value = strings.TrimSpace(value)
	const prefix = "clock="
	idx := strings.Index(value, prefix)
	if idx < 0 {
		return 0, false
	}
	rest := strings.TrimSpace(value[idx+len(prefix):])

	end := strings.IndexByte(rest, '-')
	var instant string
	if end >= 0 {
		instant = rest[:end]
	} else {
		instant = rest
	}
	instant = strings.TrimSpace(instant)

	return ParseClockTime(instant)
}
