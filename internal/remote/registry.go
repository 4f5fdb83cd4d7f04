package remote

import (
	"encoding/json"
	"sync"

	log "github.com/sirupsen/logrus"

	"gust"
	"gust/internal/errutil"
)

// Registry is the closed set of method implementations a slave node may
// install. The master selects from it by name; transmitted code is
// never executed.
type Registry map[string]MethodFunc

// DefaultRegistry returns the built-in slave methods: echo, ping,
// state, runTest and stopTests. The test-running methods share one
// runner, so tests started over the wire can be stopped over the wire.
func DefaultRegistry() Registry {
	r := &testRunner{}
	return Registry{
		"echo":      echoMethod,
		"ping":      pingMethod,
		"state":     stateMethod,
		"runTest":   r.runTest,
		"stopTests": r.stopTests,
	}
}

func echoMethod(_ *Context, args []any) (any, error) {
	switch len(args) {
	case 0:
		return nil, nil
	case 1:
		return args[0], nil
	}
	return args, nil
}

func pingMethod(_ *Context, _ []any) (any, error) {
	return "pong", nil
}

func stateMethod(ctx *Context, _ []any) (any, error) {
	return ctx.State(), nil
}

// testRunner executes load tests installed over the control plane.
type testRunner struct {
	mu    sync.Mutex
	tests []*gust.LoadTest
}

// runTest starts the TestSpec passed as the call argument and tracks it
// until it ends.
func (r *testRunner) runTest(ctx *Context, args []any) (any, error) {
	if len(args) == 0 {
		return nil, errutil.Configf("runTest requires a test spec argument")
	}
	raw, err := json.Marshal(args[len(args)-1])
	if err != nil {
		return nil, errutil.Configf("runTest: unreadable spec: %v", err)
	}
	var spec gust.TestSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, errutil.Configf("runTest: invalid spec: %v", err)
	}

	lt, err := gust.Run(spec)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.tests = append(r.tests, lt)
	r.mu.Unlock()
	lt.Events.On(gust.EventEnd, func(any) { r.remove(lt) })

	ctx.SetState("running")
	log.WithField("test", spec.Name).Info("remote test started")
	return map[string]any{"name": spec.Name, "status": "running"}, nil
}

// stopTests stops everything runTest started.
func (r *testRunner) stopTests(ctx *Context, _ []any) (any, error) {
	r.mu.Lock()
	tests := make([]*gust.LoadTest, len(r.tests))
	copy(tests, r.tests)
	r.mu.Unlock()

	for _, lt := range tests {
		lt.Stop()
	}
	ctx.SetState("stopped")
	return len(tests), nil
}

func (r *testRunner) remove(lt *gust.LoadTest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.tests {
		if t == lt {
			r.tests = append(r.tests[:i], r.tests[i+1:]...)
			return
		}
	}
}
