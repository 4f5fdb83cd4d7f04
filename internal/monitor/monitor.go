// Package monitor turns iteration events into named statistics. Each
// statistic keeps a windowed aggregator (reset on every update) and a
// cumulative one (monotonic for the lifetime of the monitor).
package monitor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"gust/internal/errutil"
	"gust/internal/loop"
	"gust/internal/stats"
)

// StatSpec names one enabled statistic plus its options.
type StatSpec struct {
	Name string `json:"name" yaml:"name"`

	// Percentiles configures the latency statistic. Defaults to
	// 50, 95, 99.
	Percentiles []float64 `json:"percentiles,omitempty" yaml:"percentiles,omitempty"`

	// SuccessCodes configures http-errors: status codes not listed are
	// logged. Empty means 2xx and 3xx are success.
	SuccessCodes []int `json:"successCodes,omitempty" yaml:"successCodes,omitempty"`

	// Log is the http-errors output path. Empty disables the file.
	Log string `json:"log,omitempty" yaml:"log,omitempty"`
}

// DefaultStats is the statistic set used when a spec names none.
func DefaultStats() []StatSpec {
	return []StatSpec{{Name: "latency"}, {Name: "result-codes"}}
}

// Sample is one completed iteration as seen by the statistics.
type Sample struct {
	User    int
	Seq     int64
	Start   time.Time
	Latency time.Duration
	Result  *loop.Result
}

// Success reports whether the sample counts as a successful exchange.
func (s *Sample) Success() bool {
	return s.Result != nil && s.Result.Tag == loop.TagResponse &&
		s.Result.StatusCode >= 200 && s.Result.StatusCode < 400
}

// Snapshot maps statistic name to its interval and cumulative
// summaries, produced by Update.
type Snapshot struct {
	Interval   map[string]any
	Cumulative map[string]any
}

// Monitor aggregates samples from every loop it watches.
type Monitor struct {
	mu    sync.Mutex
	order []statistic
	peak  *peakStat

	totals   stats.Counters
	inflight int64
}

// New builds a monitor with the given statistics. An unknown statistic
// name is a ConfigError.
func New(specs []StatSpec) (*Monitor, error) {
	if len(specs) == 0 {
		specs = DefaultStats()
	}
	m := &Monitor{}
	for _, spec := range specs {
		st, err := newStatistic(spec)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.order = append(m.order, st)
		if p, ok := st.(*peakStat); ok {
			m.peak = p
		}
	}
	return m, nil
}

func newStatistic(spec StatSpec) (statistic, error) {
	switch spec.Name {
	case "latency":
		return newLatencyStat(spec.Percentiles), nil
	case "result-codes":
		return newResultCodesStat(), nil
	case "uniques":
		return newUniquesStat(), nil
	case "concurrency":
		return newPeakStat(), nil
	case "http-errors":
		return newHTTPErrorsStat(spec.SuccessCodes, spec.Log)
	case "request-bytes":
		return newBytesStat(), nil
	case "rps":
		return newRateStat(time.Now()), nil
	}
	return nil, errutil.Configf("unknown statistic %q", spec.Name)
}

// Watch subscribes the monitor to a loop's iteration events.
func (m *Monitor) Watch(l *loop.MultiLoop) {
	l.Events.On(loop.EventStartIteration, func(any) {
		n := atomic.AddInt64(&m.inflight, 1)
		if m.peak != nil {
			m.peak.observe(n)
		}
	})
	l.Events.On(loop.EventEndIteration, func(p any) {
		atomic.AddInt64(&m.inflight, -1)
		ev := p.(loop.EndIteration)
		if ev.Result == nil {
			// Idle iteration, nothing to record.
			return
		}
		s := &Sample{
			User:    ev.User,
			Seq:     ev.Seq,
			Start:   ev.Start,
			Latency: ev.End.Sub(ev.Start),
			Result:  ev.Result,
		}
		m.record(s)
	})
}

func (m *Monitor) record(s *Sample) {
	m.totals.AddRequest(s.Success(), s.Result.RespBytes)
	m.mu.Lock()
	sts := m.order
	m.mu.Unlock()
	for _, st := range sts {
		st.record(s)
	}
}

// Update atomically swaps every windowed aggregator out and returns the
// interval snapshot next to the cumulative one. Cumulative aggregators
// are untouched: calling Update twice with no intervening samples leaves
// them identical.
func (m *Monitor) Update() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{
		Interval:   make(map[string]any, len(m.order)),
		Cumulative: make(map[string]any, len(m.order)),
	}
	for _, st := range m.order {
		snap.Interval[st.name()] = st.swap()
		snap.Cumulative[st.name()] = st.cumulative()
	}
	return snap
}

// Totals returns the overall counters for quick display.
func (m *Monitor) Totals() stats.Counters { return m.totals.Load() }

// Inflight returns the current number of in-flight iterations.
func (m *Monitor) Inflight() int64 { return atomic.LoadInt64(&m.inflight) }

// Close releases statistic resources such as the http-errors log file.
func (m *Monitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs *multierror.Error
	for _, st := range m.order {
		if c, ok := st.(interface{ close() error }); ok {
			errs = multierror.Append(errs, c.close())
		}
	}
	return errs.ErrorOrNil()
}
