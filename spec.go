// Package gust is a distributed HTTP load generator. A TestSpec
// describes the traffic to drive; Run turns one or more specs into a
// running LoadTest that shapes virtual-user count and request rate over
// time and aggregates statistics as it goes.
package gust

import (
	"crypto/tls"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"gust/internal/errutil"
	"gust/internal/loop"
	"gust/internal/monitor"
	"gust/internal/profile"
	"gust/internal/request"
)

// StatSpec names an enabled statistic plus its options.
type StatSpec = monitor.StatSpec

// TestSpec describes one load test. The zero value runs the default
// test: GET http://localhost:8080/ with 10 users for 120 seconds,
// collecting latency and result-codes.
type TestSpec struct {
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Target endpoint.
	Host string `json:"host,omitempty" yaml:"host,omitempty"`
	Port int    `json:"port,omitempty" yaml:"port,omitempty"`

	// Request source: method/path/body. The path and body may use
	// template functions ({{uuid}}, {{randomInt 0 100}}, ...) to vary
	// per iteration.
	Method      string            `json:"method,omitempty" yaml:"method,omitempty"`
	Path        string            `json:"path,omitempty" yaml:"path,omitempty"`
	RequestData string            `json:"requestData,omitempty" yaml:"requestData,omitempty"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// TimeoutMs bounds each request; zero means no per-request timeout.
	TimeoutMs int `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`

	// Concurrency source. UserProfile, a sequence of (seconds, users)
	// points, wins over NumUsers when both are set.
	NumUsers    int          `json:"numUsers,omitempty" yaml:"numUsers,omitempty"`
	UserProfile [][2]float64 `json:"userProfile,omitempty" yaml:"userProfile,omitempty"`

	// Rate source. LoadProfile, a sequence of (seconds, rps) points,
	// wins over TargetRPS when both are set. A zero or infinite
	// TargetRPS means unpaced.
	TargetRPS   float64      `json:"targetRps,omitempty" yaml:"targetRps,omitempty"`
	LoadProfile [][2]float64 `json:"loadProfile,omitempty" yaml:"loadProfile,omitempty"`

	// Bounds. NumRequests zero means unlimited; TimeLimit zero means
	// the 120 s default, negative means unbounded. Delay postpones the
	// first iteration.
	NumRequests int64   `json:"numRequests,omitempty" yaml:"numRequests,omitempty"`
	TimeLimit   float64 `json:"timeLimit,omitempty" yaml:"timeLimit,omitempty"`
	Delay       float64 `json:"delay,omitempty" yaml:"delay,omitempty"`

	Stats []StatSpec `json:"stats,omitempty" yaml:"stats,omitempty"`

	// Programmatic sources, not serializable. RequestLoop wins over
	// RequestGenerator, which wins over method/path/body.
	RequestLoop         loop.IterationFunc            `json:"-" yaml:"-"`
	RequestGenerator    request.Generator             `json:"-" yaml:"-"`
	ConnectionGenerator func() (*http.Client, error)  `json:"-" yaml:"-"`
}

const (
	defaultHost      = "localhost"
	defaultPort      = 8080
	defaultNumUsers  = 10
	defaultTimeLimit = 120
)

func (s TestSpec) withDefaults(index int) TestSpec {
	if s.Name == "" {
		s.Name = fmt.Sprintf("test-%d", index)
	}
	if s.Host == "" {
		s.Host = defaultHost
	}
	if s.Port == 0 {
		s.Port = defaultPort
	}
	if s.Method == "" {
		s.Method = http.MethodGet
	}
	if s.Path == "" {
		s.Path = "/"
	}
	if s.NumUsers == 0 && len(s.UserProfile) == 0 {
		s.NumUsers = defaultNumUsers
	}
	if s.TimeLimit == 0 {
		s.TimeLimit = defaultTimeLimit
	}
	if len(s.Stats) == 0 {
		s.Stats = monitor.DefaultStats()
	}
	return s
}

func toPoints(pairs [][2]float64) []profile.Point {
	pts := make([]profile.Point, len(pairs))
	for i, p := range pairs {
		pts[i] = profile.Point{T: p[0], V: p[1]}
	}
	return pts
}

// concurrencyProfile resolves the concurrency source; the profile wins
// over the scalar.
func (s TestSpec) concurrencyProfile() (*profile.Profile, error) {
	if len(s.UserProfile) > 0 {
		p, err := profile.New(toPoints(s.UserProfile))
		if err != nil {
			return nil, errutil.Configf("test %q: userProfile: %v", s.Name, err)
		}
		return p, nil
	}
	return profile.Constant(float64(s.NumUsers)), nil
}

// rateProfile resolves the rate source; nil means unpaced.
func (s TestSpec) rateProfile() (*profile.Profile, error) {
	if len(s.LoadProfile) > 0 {
		p, err := profile.New(toPoints(s.LoadProfile))
		if err != nil {
			return nil, errutil.Configf("test %q: loadProfile: %v", s.Name, err)
		}
		return p, nil
	}
	if s.TargetRPS > 0 && !math.IsInf(s.TargetRPS, 1) {
		return profile.Constant(s.TargetRPS), nil
	}
	return nil, nil
}

// iterationFunc resolves the request source into a schedulable
// iteration function.
func (s TestSpec) iterationFunc() (loop.IterationFunc, error) {
	if s.RequestLoop != nil {
		return s.RequestLoop, nil
	}
	gen := s.RequestGenerator
	if gen == nil {
		var err error
		gen, err = s.defaultGenerator()
		if err != nil {
			return nil, err
		}
	}
	return request.NewLoop(gen), nil
}

// defaultGenerator builds requests from method/path/body, rendering
// templates per iteration when present.
func (s TestSpec) defaultGenerator() (request.Generator, error) {
	base := fmt.Sprintf("http://%s:%d", s.Host, s.Port)
	timeout := time.Duration(s.TimeoutMs) * time.Millisecond

	header := make(http.Header, len(s.Headers))
	for k, v := range s.Headers {
		header.Set(k, v)
	}

	templated := strings.Contains(s.Path, "{{") || strings.Contains(s.RequestData, "{{")
	if !templated {
		body := []byte(s.RequestData)
		if len(body) == 0 {
			body = nil
		}
		url := base + s.Path
		return func(*http.Client) *request.Request {
			return &request.Request{
				Method:  s.Method,
				URL:     url,
				Header:  header,
				Body:    body,
				Timeout: timeout,
			}
		}, nil
	}

	engine := request.NewTemplateEngine()
	pathTpl, err := engine.Parse(s.Name+":path", s.Path)
	if err != nil {
		return nil, errutil.Configf("test %q: path template: %v", s.Name, err)
	}
	bodyTpl, err := engine.Parse(s.Name+":body", s.RequestData)
	if err != nil {
		return nil, errutil.Configf("test %q: body template: %v", s.Name, err)
	}

	return func(*http.Client) *request.Request {
		data := request.TemplateData{UUID: uuid.New().String()}
		path, err := engine.Execute(pathTpl, data)
		if err != nil {
			path = s.Path
		}
		body, err := engine.Execute(bodyTpl, data)
		if err != nil {
			body = s.RequestData
		}
		var b []byte
		if body != "" {
			b = []byte(body)
		}
		return &request.Request{
			Method:  s.Method,
			URL:     base + path,
			Header:  header,
			Body:    b,
			Timeout: timeout,
		}
	}, nil
}

// newClient is the per-user HTTP client factory: a tuned transport so
// thousands of users can keep connections alive.
func (s TestSpec) newClient() (*http.Client, error) {
	if s.ConnectionGenerator != nil {
		return s.ConnectionGenerator()
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = 2000
	t.MaxConnsPerHost = 2000
	t.MaxIdleConnsPerHost = 2000
	t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	return &http.Client{Transport: t}, nil
}

// build assembles the loop and monitor for this spec.
func (s TestSpec) build(index int) (TestSpec, *loop.MultiLoop, *monitor.Monitor, error) {
	s = s.withDefaults(index)

	conc, err := s.concurrencyProfile()
	if err != nil {
		return s, nil, nil, err
	}
	rate, err := s.rateProfile()
	if err != nil {
		return s, nil, nil, err
	}
	fun, err := s.iterationFunc()
	if err != nil {
		return s, nil, nil, err
	}

	var duration time.Duration
	if s.TimeLimit > 0 {
		duration = time.Duration(s.TimeLimit * float64(time.Second))
	}
	var numTimes int64
	if s.NumRequests > 0 {
		numTimes = s.NumRequests
	}

	l, err := loop.New(loop.Options{
		Name:          s.Name,
		Fun:           fun,
		Concurrency:   conc,
		Rate:          rate,
		Duration:      duration,
		NumberOfTimes: numTimes,
		Delay:         time.Duration(s.Delay * float64(time.Second)),
		ArgGenerator: func() (any, error) {
			return s.newClient()
		},
	})
	if err != nil {
		return s, nil, nil, err
	}

	mon, err := monitor.New(s.Stats)
	if err != nil {
		return s, nil, nil, err
	}
	mon.Watch(l)
	return s, l, mon, nil
}
