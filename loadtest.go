package gust

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"gust/internal/errutil"
	"gust/internal/event"
	"gust/internal/httpd"
	"gust/internal/loop"
	"gust/internal/monitor"
)

// LoadTest event names.
const (
	EventStart  = "start"
	EventUpdate = "update"
	EventEnd    = "end"
)

// DefaultUpdateInterval is the periodic statistics interval.
const DefaultUpdateInterval = 2 * time.Second

// Update is the update event payload: one snapshot per test, keyed by
// test name, each carrying interval and cumulative summaries.
type Update map[string]monitor.Snapshot

// Test is one (spec, loop, monitor) tuple of a LoadTest.
type Test struct {
	Spec    TestSpec
	Loop    *loop.MultiLoop
	Monitor *monitor.Monitor
}

// LoadTest composes one or more running tests, delivers periodic update
// events and detects global completion.
type LoadTest struct {
	Events *event.Emitter

	tests   []*Test
	updater *event.PeriodicUpdater

	mu         sync.Mutex
	remaining  int
	ended      bool
	server     *httpd.Server
	ownsServer bool

	done chan struct{}
}

// Run starts a load test for each spec and returns the coordinator. The
// start event is always delivered asynchronously, so callers can
// subscribe after Run returns.
func Run(specs ...TestSpec) (*LoadTest, error) {
	if len(specs) == 0 {
		return nil, errutil.Configf("no test specs given")
	}

	lt := &LoadTest{
		Events: event.NewEmitter(),
		done:   make(chan struct{}),
	}
	for i, spec := range specs {
		full, l, mon, err := spec.build(i)
		if err != nil {
			for _, t := range lt.tests {
				t.Monitor.Close()
			}
			return nil, err
		}
		lt.tests = append(lt.tests, &Test{Spec: full, Loop: l, Monitor: mon})
	}

	lt.remaining = len(lt.tests)
	lt.updater = event.NewPeriodicUpdater(DefaultUpdateInterval, lt.emitUpdate)

	for _, t := range lt.tests {
		t.Loop.Events.On(loop.EventEnd, func(any) { lt.childEnded() })
	}
	for _, t := range lt.tests {
		log.WithField("test", t.Spec.Name).Info("starting load test")
		t.Loop.Start()
	}
	lt.updater.Start()

	// Deliver start strictly after Run returns, so callers can
	// subscribe to it on the handle they get back.
	time.AfterFunc(10*time.Millisecond, func() { lt.Events.Emit(EventStart, lt) })
	return lt, nil
}

// Tests returns the composed (spec, loop, monitor) tuples.
func (lt *LoadTest) Tests() []*Test { return lt.tests }

// Done is closed after the end event has been emitted.
func (lt *LoadTest) Done() <-chan struct{} { return lt.done }

// SetUpdateInterval changes the update event period.
func (lt *LoadTest) SetUpdateInterval(d time.Duration) {
	lt.updater.SetInterval(d)
}

// UseServer attaches the collaborating HTTP server. An owned server is
// stopped when the load test ends.
func (lt *LoadTest) UseServer(s *httpd.Server, owned bool) {
	lt.mu.Lock()
	lt.server = s
	lt.ownsServer = owned
	lt.mu.Unlock()
}

// Stop cascades to every child loop. Idempotent; the end event fires
// once all loops have drained.
func (lt *LoadTest) Stop() {
	for _, t := range lt.tests {
		t.Loop.Stop()
	}
}

// Snapshot produces an update payload on demand, outside the periodic
// cycle. Windowed aggregators are swapped exactly as on a tick.
func (lt *LoadTest) Snapshot() Update {
	upd := make(Update, len(lt.tests))
	for _, t := range lt.tests {
		upd[t.Spec.Name] = t.Monitor.Update()
	}
	return upd
}

func (lt *LoadTest) emitUpdate() {
	lt.Events.Emit(EventUpdate, lt.Snapshot())
}

func (lt *LoadTest) childEnded() {
	lt.mu.Lock()
	lt.remaining--
	finished := lt.remaining == 0 && !lt.ended
	if finished {
		lt.ended = true
	}
	lt.mu.Unlock()
	if finished {
		lt.finish()
	}
}

func (lt *LoadTest) finish() {
	lt.updater.Stop()
	// One final update so the tail of the run is not lost.
	lt.emitUpdate()
	lt.Events.Emit(EventEnd, lt)

	for _, t := range lt.tests {
		if err := t.Monitor.Close(); err != nil {
			log.WithField("test", t.Spec.Name).WithError(err).Warn("monitor close failed")
		}
	}

	lt.mu.Lock()
	server, owned := lt.server, lt.ownsServer
	lt.mu.Unlock()
	if server != nil && owned {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Stop(ctx); err != nil {
			log.WithError(err).Warn("embedded server shutdown failed")
		}
	}

	close(lt.done)
	log.Info("load test complete")
}
