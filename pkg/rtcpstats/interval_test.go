package rtcpstats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReportIntervalUsesHalfTminBeforeFirstReport(t *testing.T) {
	cfg := DefaultIntervalConfig()
	d := ReportInterval(cfg, false, 0)
	require.Equal(t, 625*time.Millisecond, d)
}

func TestReportIntervalUsesFullTminAfterFirstReport(t *testing.T) {
	cfg := DefaultIntervalConfig()
	d := ReportInterval(cfg, true, 0)
	require.Equal(t, 1250*time.Millisecond, d)
}

func TestReportIntervalDithersAcrossRange(t *testing.T) {
	cfg := DefaultIntervalConfig()
	low := ReportInterval(cfg, true, 0)
	high := ReportInterval(cfg, true, 0.999999)
	require.True(t, high > low)
	require.InDelta(t, 1.25, low.Seconds(), 0.01)
	require.InDelta(t, 3.75, high.Seconds(), 0.01)
}
