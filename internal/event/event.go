// Package event provides the two building blocks every long-lived
// component composes: a named-event dispatcher and a periodic updater.
package event

import (
	"sync"
	"time"
)

// Handler receives an event payload.
type Handler func(payload any)

// Emitter dispatches named events to subscribers. Handlers registered
// for a name are invoked in registration order, in the goroutine that
// calls Emit.
type Emitter struct {
	mu       sync.Mutex
	handlers map[string][]Handler
}

// NewEmitter returns an empty Emitter.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[string][]Handler)}
}

// On subscribes fn to events named name.
func (e *Emitter) On(name string, fn Handler) {
	e.mu.Lock()
	e.handlers[name] = append(e.handlers[name], fn)
	e.mu.Unlock()
}

// Emit delivers payload to every subscriber of name. The handler list is
// copied under the lock and invoked outside it, so handlers may
// subscribe or emit without deadlocking.
func (e *Emitter) Emit(name string, payload any) {
	e.mu.Lock()
	hs := make([]Handler, len(e.handlers[name]))
	copy(hs, e.handlers[name])
	e.mu.Unlock()
	for _, h := range hs {
		h(payload)
	}
}

// PeriodicUpdater invokes a callback on a fixed interval. The interval
// can be changed while running; Stop is idempotent.
type PeriodicUpdater struct {
	mu       sync.Mutex
	interval time.Duration
	fn       func()
	stop     chan struct{}
}

// NewPeriodicUpdater builds an updater that will call fn every interval
// once started.
func NewPeriodicUpdater(interval time.Duration, fn func()) *PeriodicUpdater {
	return &PeriodicUpdater{interval: interval, fn: fn}
}

// Start begins ticking. Starting a running updater is a no-op.
func (u *PeriodicUpdater) Start() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.stop != nil {
		return
	}
	u.stop = make(chan struct{})
	go u.run(u.stop)
}

func (u *PeriodicUpdater) run(stop chan struct{}) {
	for {
		u.mu.Lock()
		d := u.interval
		u.mu.Unlock()

		timer := time.NewTimer(d)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
			u.fn()
		}
	}
}

// SetInterval changes the tick interval, restarting any pending wait so
// the new period applies immediately.
func (u *PeriodicUpdater) SetInterval(d time.Duration) {
	u.mu.Lock()
	u.interval = d
	if u.stop != nil {
		close(u.stop)
		u.stop = make(chan struct{})
		go u.run(u.stop)
	}
	u.mu.Unlock()
}

// Stop halts ticking. Safe to call more than once.
func (u *PeriodicUpdater) Stop() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.stop == nil {
		return
	}
	close(u.stop)
	u.stop = nil
}
