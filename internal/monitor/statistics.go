package monitor

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/axiomhq/hyperloglog"
	"github.com/paulbellamy/ratecounter"
	"github.com/pkg/errors"

	"gust/internal/loop"
	"gust/internal/stats"
)

// statistic is one named aggregator pair. record feeds both the window
// and the cumulative side; swap resets the window and returns its
// summary.
type statistic interface {
	name() string
	record(s *Sample)
	swap() any
	cumulative() any
}

// --- latency ---

// LatencySummary is the latency statistic summary; values are
// milliseconds.
type LatencySummary struct {
	Count       int64               `json:"count"`
	Min         float64             `json:"min"`
	Max         float64             `json:"max"`
	Mean        float64             `json:"mean"`
	Percentiles map[float64]float64 `json:"percentiles"`
}

type latencyStat struct {
	mu          sync.Mutex
	window      *stats.SafeHistogram
	cum         *stats.SafeHistogram
	percentiles []float64
}

func newLatencyStat(percentiles []float64) *latencyStat {
	if len(percentiles) == 0 {
		percentiles = []float64{50, 95, 99}
	}
	return &latencyStat{
		window:      stats.NewSafeHistogram(),
		cum:         stats.NewSafeHistogram(),
		percentiles: percentiles,
	}
}

func (l *latencyStat) name() string { return "latency" }

func (l *latencyStat) record(s *Sample) {
	us := s.Latency.Microseconds()
	if us < 1 {
		us = 1
	}
	l.mu.Lock()
	w := l.window
	l.mu.Unlock()
	w.RecordValue(us)
	l.cum.RecordValue(us)
}

func (l *latencyStat) summarize(h *stats.SafeHistogram) LatencySummary {
	out := LatencySummary{
		Count:       h.TotalCount(),
		Min:         float64(h.Min()) / 1000.0,
		Max:         float64(h.Max()) / 1000.0,
		Mean:        h.Mean() / 1000.0,
		Percentiles: make(map[float64]float64, len(l.percentiles)),
	}
	for _, p := range l.percentiles {
		out.Percentiles[p] = float64(h.ValueAtQuantile(p)) / 1000.0
	}
	return out
}

func (l *latencyStat) swap() any {
	l.mu.Lock()
	old := l.window
	l.window = stats.NewSafeHistogram()
	l.mu.Unlock()
	return l.summarize(old)
}

func (l *latencyStat) cumulative() any { return l.summarize(l.cum) }

// --- result-codes ---

// CodesSummary maps HTTP status code to count. Code zero collects
// timeouts and connect errors.
type CodesSummary map[int]int64

type resultCodesStat struct {
	mu     sync.Mutex
	window CodesSummary
	cum    CodesSummary
}

func newResultCodesStat() *resultCodesStat {
	return &resultCodesStat{window: CodesSummary{}, cum: CodesSummary{}}
}

func (r *resultCodesStat) name() string { return "result-codes" }

func (r *resultCodesStat) record(s *Sample) {
	r.mu.Lock()
	r.window[s.Result.StatusCode]++
	r.cum[s.Result.StatusCode]++
	r.mu.Unlock()
}

func copyCodes(m CodesSummary) CodesSummary {
	out := make(CodesSummary, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (r *resultCodesStat) swap() any {
	r.mu.Lock()
	old := r.window
	r.window = CodesSummary{}
	r.mu.Unlock()
	return old
}

func (r *resultCodesStat) cumulative() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyCodes(r.cum)
}

// --- uniques ---

// uniquesExactLimit is the fingerprint count beyond which a set
// degrades to a probabilistic estimator.
const uniquesExactLimit = 1024

// UniquesSummary reports the distinct (method, path, body) cardinality.
type UniquesSummary struct {
	Count     uint64 `json:"count"`
	Estimated bool   `json:"estimated"`
}

// uniqSet counts exactly up to uniquesExactLimit, then migrates to a
// hyperloglog sketch.
type uniqSet struct {
	exact  map[uint64]struct{}
	sketch *hyperloglog.Sketch
}

func newUniqSet() *uniqSet {
	return &uniqSet{exact: make(map[uint64]struct{})}
}

func (u *uniqSet) add(fp uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], fp)
	if u.sketch != nil {
		u.sketch.Insert(buf[:])
		return
	}
	u.exact[fp] = struct{}{}
	if len(u.exact) > uniquesExactLimit {
		u.sketch = hyperloglog.New14()
		for k := range u.exact {
			binary.LittleEndian.PutUint64(buf[:], k)
			u.sketch.Insert(buf[:])
		}
		u.exact = nil
	}
}

func (u *uniqSet) summary() UniquesSummary {
	if u.sketch != nil {
		return UniquesSummary{Count: u.sketch.Estimate(), Estimated: true}
	}
	return UniquesSummary{Count: uint64(len(u.exact))}
}

type uniquesStat struct {
	mu     sync.Mutex
	window *uniqSet
	cum    *uniqSet
}

func newUniquesStat() *uniquesStat {
	return &uniquesStat{window: newUniqSet(), cum: newUniqSet()}
}

func (u *uniquesStat) name() string { return "uniques" }

func (u *uniquesStat) record(s *Sample) {
	u.mu.Lock()
	u.window.add(s.Result.BodyHash)
	u.cum.add(s.Result.BodyHash)
	u.mu.Unlock()
}

func (u *uniquesStat) swap() any {
	u.mu.Lock()
	old := u.window
	u.window = newUniqSet()
	u.mu.Unlock()
	return old.summary()
}

func (u *uniquesStat) cumulative() any {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.cum.summary()
}

// --- concurrency peak ---

// PeakSummary is the highest observed in-flight iteration count.
type PeakSummary struct {
	Peak int64 `json:"peak"`
}

type peakStat struct {
	mu     sync.Mutex
	window int64
	cum    int64
}

func newPeakStat() *peakStat { return &peakStat{} }

func (p *peakStat) name() string { return "concurrency" }

func (p *peakStat) observe(v int64) {
	p.mu.Lock()
	if v > p.window {
		p.window = v
	}
	if v > p.cum {
		p.cum = v
	}
	p.mu.Unlock()
}

func (p *peakStat) record(*Sample) {}

func (p *peakStat) swap() any {
	p.mu.Lock()
	old := p.window
	p.window = 0
	p.mu.Unlock()
	return PeakSummary{Peak: old}
}

func (p *peakStat) cumulative() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PeakSummary{Peak: p.cum}
}

// --- http-errors ---

// ErrorsSummary counts iterations whose status fell outside the
// configured success codes.
type ErrorsSummary struct {
	Count int64 `json:"count"`
}

type errorLine struct {
	Time   time.Time `json:"time"`
	User   int       `json:"user"`
	Method string    `json:"method"`
	Path   string    `json:"path"`
	Status int       `json:"status"`
	Tag    string    `json:"tag"`
	Error  string    `json:"error,omitempty"`
}

type httpErrorsStat struct {
	success map[int]bool
	file    *os.File
	enc     *json.Encoder

	mu     sync.Mutex
	window int64
	cum    int64
}

func newHTTPErrorsStat(successCodes []int, logPath string) (*httpErrorsStat, error) {
	st := &httpErrorsStat{}
	if len(successCodes) > 0 {
		st.success = make(map[int]bool, len(successCodes))
		for _, c := range successCodes {
			st.success[c] = true
		}
	}
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, errors.Wrapf(err, "open http-errors log %q", logPath)
		}
		st.file = f
		st.enc = json.NewEncoder(f)
	}
	return st, nil
}

func (h *httpErrorsStat) name() string { return "http-errors" }

func (h *httpErrorsStat) isSuccess(r *loop.Result) bool {
	if r.Tag != loop.TagResponse {
		return false
	}
	if h.success != nil {
		return h.success[r.StatusCode]
	}
	return r.StatusCode >= 200 && r.StatusCode < 400
}

func (h *httpErrorsStat) record(s *Sample) {
	if h.isSuccess(s.Result) {
		return
	}
	h.mu.Lock()
	h.window++
	h.cum++
	if h.enc != nil {
		line := errorLine{
			Time:   s.Start,
			User:   s.User,
			Method: s.Result.Method,
			Path:   s.Result.Path,
			Status: s.Result.StatusCode,
			Tag:    s.Result.Tag.String(),
		}
		if s.Result.Err != nil {
			line.Error = s.Result.Err.Error()
		}
		h.enc.Encode(&line)
	}
	h.mu.Unlock()
}

func (h *httpErrorsStat) swap() any {
	h.mu.Lock()
	old := h.window
	h.window = 0
	h.mu.Unlock()
	return ErrorsSummary{Count: old}
}

func (h *httpErrorsStat) cumulative() any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return ErrorsSummary{Count: h.cum}
}

func (h *httpErrorsStat) close() error {
	if h.file == nil {
		return nil
	}
	return h.file.Close()
}

// --- request-bytes ---

// BytesSummary totals the bytes moved by the watched loops.
type BytesSummary struct {
	Request  int64 `json:"request"`
	Response int64 `json:"response"`
}

type bytesStat struct {
	mu     sync.Mutex
	window BytesSummary
	cum    BytesSummary
}

func newBytesStat() *bytesStat { return &bytesStat{} }

func (b *bytesStat) name() string { return "request-bytes" }

func (b *bytesStat) record(s *Sample) {
	b.mu.Lock()
	b.window.Request += s.Result.BodyBytes
	b.window.Response += s.Result.RespBytes
	b.cum.Request += s.Result.BodyBytes
	b.cum.Response += s.Result.RespBytes
	b.mu.Unlock()
}

func (b *bytesStat) swap() any {
	b.mu.Lock()
	old := b.window
	b.window = BytesSummary{}
	b.mu.Unlock()
	return old
}

func (b *bytesStat) cumulative() any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cum
}

// --- rps ---

// RateSummary is the observed completion rate.
type RateSummary struct {
	PerSecond float64 `json:"perSecond"`
}

type rateStat struct {
	counter *ratecounter.RateCounter
	start   time.Time

	mu    sync.Mutex
	total int64
}

func newRateStat(start time.Time) *rateStat {
	return &rateStat{
		counter: ratecounter.NewRateCounter(time.Second),
		start:   start,
	}
}

func (r *rateStat) name() string { return "rps" }

func (r *rateStat) record(*Sample) {
	r.counter.Incr(1)
	r.mu.Lock()
	r.total++
	r.mu.Unlock()
}

func (r *rateStat) swap() any {
	return RateSummary{PerSecond: float64(r.counter.Rate())}
}

func (r *rateStat) cumulative() any {
	r.mu.Lock()
	total := r.total
	r.mu.Unlock()
	elapsed := time.Since(r.start).Seconds()
	if elapsed <= 0 {
		return RateSummary{}
	}
	return RateSummary{PerSecond: float64(total) / elapsed}
}
