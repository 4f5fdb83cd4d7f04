package monitor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gust/internal/errutil"
	"gust/internal/loop"
)

func sample(status int, latency time.Duration) *Sample {
	return &Sample{
		Latency: latency,
		Result: &loop.Result{
			Tag:        loop.TagResponse,
			StatusCode: status,
			Method:     "GET",
			Path:       "/",
		},
	}
}

func TestNewRejectsUnknownStat(t *testing.T) {
	_, err := New([]StatSpec{{Name: "no-such-stat"}})
	require.Error(t, err)
	assert.True(t, errutil.IsConfig(err))
}

func TestUpdateSwapsWindowKeepsCumulative(t *testing.T) {
	m, err := New([]StatSpec{{Name: "latency"}, {Name: "result-codes"}})
	require.NoError(t, err)

	m.record(sample(200, 10*time.Millisecond))
	m.record(sample(200, 20*time.Millisecond))
	m.record(sample(500, 30*time.Millisecond))

	snap := m.Update()
	lat := snap.Interval["latency"].(LatencySummary)
	assert.Equal(t, int64(3), lat.Count)
	codes := snap.Interval["result-codes"].(CodesSummary)
	assert.Equal(t, int64(2), codes[200])
	assert.Equal(t, int64(1), codes[500])

	// Second update with no samples: the window is empty, the
	// cumulative side is unchanged.
	snap2 := m.Update()
	assert.Equal(t, int64(0), snap2.Interval["latency"].(LatencySummary).Count)
	assert.Equal(t, int64(3), snap2.Cumulative["latency"].(LatencySummary).Count)
	assert.Equal(t, snap.Cumulative["result-codes"], snap2.Cumulative["result-codes"])
}

func TestLatencyPercentiles(t *testing.T) {
	m, err := New([]StatSpec{{Name: "latency", Percentiles: []float64{50, 99}}})
	require.NoError(t, err)

	for i := 1; i <= 100; i++ {
		m.record(sample(200, time.Duration(i)*time.Millisecond))
	}
	snap := m.Update()
	lat := snap.Cumulative["latency"].(LatencySummary)
	assert.InDelta(t, 50, lat.Percentiles[50], 2)
	assert.InDelta(t, 99, lat.Percentiles[99], 2)
	assert.InDelta(t, 1, lat.Min, 0.1)
	assert.InDelta(t, 100, lat.Max, 1)
}

func TestUniquesExactThenEstimated(t *testing.T) {
	m, err := New([]StatSpec{{Name: "uniques"}})
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		s := sample(200, time.Millisecond)
		s.Result.BodyHash = uint64(i % 10)
		m.record(s)
	}
	snap := m.Update()
	uq := snap.Cumulative["uniques"].(UniquesSummary)
	assert.Equal(t, uint64(10), uq.Count)
	assert.False(t, uq.Estimated)

	// Push past the exact limit and make sure the estimate stays sane.
	for i := 0; i < 3*uniquesExactLimit; i++ {
		s := sample(200, time.Millisecond)
		s.Result.BodyHash = uint64(1000 + i)
		m.record(s)
	}
	uq = m.Update().Cumulative["uniques"].(UniquesSummary)
	assert.True(t, uq.Estimated)
	expected := float64(3*uniquesExactLimit + 10)
	assert.InDelta(t, expected, float64(uq.Count), expected*0.05)
}

func TestPeakConcurrency(t *testing.T) {
	m, err := New([]StatSpec{{Name: "concurrency"}})
	require.NoError(t, err)

	m.peak.observe(2)
	m.peak.observe(5)
	m.peak.observe(3)

	snap := m.Update()
	assert.Equal(t, int64(5), snap.Interval["concurrency"].(PeakSummary).Peak)

	// The window resets; the cumulative peak survives.
	m.peak.observe(1)
	snap = m.Update()
	assert.Equal(t, int64(1), snap.Interval["concurrency"].(PeakSummary).Peak)
	assert.Equal(t, int64(5), snap.Cumulative["concurrency"].(PeakSummary).Peak)
}

func TestHTTPErrorsLogsFailures(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "http-errors.log")
	m, err := New([]StatSpec{{Name: "http-errors", SuccessCodes: []int{200}, Log: logPath}})
	require.NoError(t, err)

	m.record(sample(200, time.Millisecond))
	m.record(sample(503, time.Millisecond))
	to := &Sample{Latency: time.Millisecond, Result: &loop.Result{
		Tag: loop.TagTimeout, Method: "GET", Path: "/slow", Err: fmt.Errorf("deadline exceeded"),
	}}
	m.record(to)

	snap := m.Update()
	assert.Equal(t, int64(2), snap.Interval["http-errors"].(ErrorsSummary).Count)
	require.NoError(t, m.Close())

	f, err := os.Open(logPath)
	require.NoError(t, err)
	defer f.Close()

	var lines []errorLine
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var l errorLine
		require.NoError(t, json.Unmarshal(sc.Bytes(), &l))
		lines = append(lines, l)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, 503, lines[0].Status)
	assert.Equal(t, "timeout", lines[1].Tag)
}

func TestRequestBytes(t *testing.T) {
	m, err := New([]StatSpec{{Name: "request-bytes"}})
	require.NoError(t, err)

	s := sample(200, time.Millisecond)
	s.Result.BodyBytes = 10
	s.Result.RespBytes = 100
	m.record(s)
	m.record(s)

	snap := m.Update()
	assert.Equal(t, BytesSummary{Request: 20, Response: 200}, snap.Interval["request-bytes"])
	assert.Equal(t, BytesSummary{Request: 20, Response: 200}, snap.Cumulative["request-bytes"])
}

func TestTotalsClassifySuccess(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)

	m.record(sample(200, time.Millisecond))
	m.record(sample(301, time.Millisecond))
	m.record(sample(404, time.Millisecond))
	m.record(&Sample{Latency: time.Millisecond, Result: &loop.Result{Tag: loop.TagConnectError}})

	c := m.Totals()
	assert.Equal(t, uint64(4), c.Requests)
	assert.Equal(t, uint64(2), c.Success)
	assert.Equal(t, uint64(2), c.Fail)
	assert.InDelta(t, 50.0, c.ErrorRate(), 0.01)
}
