// Package loop implements the MultiLoop scheduler: a pool of virtual
// users running an iteration function, with concurrency shaped by a
// piecewise-linear profile and starts admitted by a pacer.
package loop

import (
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"gust/internal/errutil"
	"gust/internal/event"
	"gust/internal/pacer"
	"gust/internal/profile"
)

// MinTick is the floor for the scheduling tick. Concurrency converges to
// the profile within one tick.
const MinTick = 50 * time.Millisecond

// FinishFunc reports the result of one iteration. It must be called
// exactly once per iteration; later calls are ignored. It may be called
// synchronously from the iteration function or from another goroutine.
type FinishFunc func(*Result)

// IterationFunc is the unit of work a virtual user runs in a loop.
type IterationFunc func(finish FinishFunc, arg any)

// Options configures a MultiLoop.
type Options struct {
	Name string

	// Fun is the iteration function every virtual user runs. Required.
	Fun IterationFunc

	// ArgGenerator produces the per-user argument (typically an HTTP
	// client) when a user is created. A failure is retried on later
	// ticks with backoff; it never aborts the loop.
	ArgGenerator func() (any, error)

	// Concurrency is the target virtual-user count over elapsed time.
	// Required; use profile.Constant for a fixed count.
	Concurrency *profile.Profile

	// Limiter admits iteration starts. Nil means unlimited unless Rate
	// is set.
	Limiter pacer.Limiter

	// Rate, when set and Limiter is nil, builds the pacer when the loop
	// enters running, so the rate schedule is anchored at the loop's
	// own epoch (after any delay).
	Rate *profile.Profile

	// Duration bounds the running phase; zero means unbounded.
	Duration time.Duration

	// NumberOfTimes caps total iterations; zero means unbounded.
	NumberOfTimes int64

	// Delay postpones the transition to running after Start.
	Delay time.Duration

	// Tick is the scheduling interval, floored at MinTick.
	Tick time.Duration
}

// MultiLoop owns a pool of virtual users and drives them through the
// idle -> delayed -> running -> stopping -> ended lifecycle.
type MultiLoop struct {
	Events *event.Emitter

	opts Options

	mu         sync.Mutex
	state      State
	users      []*VirtualUser
	running    int // users not yet marked stopping
	nextID     int
	startCount int64
	refunds    int64
	epoch      time.Time
	delayTimer *time.Timer
	tickStop   chan struct{}
	done       chan struct{}
	argWait    time.Time
	argBackoff time.Duration
}

// New validates opts and builds a MultiLoop in the idle state.
func New(opts Options) (*MultiLoop, error) {
	if opts.Fun == nil {
		return nil, errutil.Configf("loop %q: iteration function is required", opts.Name)
	}
	if opts.Concurrency == nil {
		return nil, errutil.Configf("loop %q: concurrency profile is required", opts.Name)
	}
	if opts.Limiter == nil && opts.Rate == nil {
		opts.Limiter = pacer.Unlimited()
	}
	if opts.ArgGenerator == nil {
		opts.ArgGenerator = func() (any, error) { return nil, nil }
	}
	if opts.Tick < MinTick {
		opts.Tick = MinTick
	}
	return &MultiLoop{
		Events: event.NewEmitter(),
		opts:   opts,
		done:   make(chan struct{}),
	}, nil
}

// Name returns the configured loop name.
func (l *MultiLoop) Name() string { return l.opts.Name }

// State returns the current lifecycle state.
func (l *MultiLoop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Done is closed when the loop reaches the ended state.
func (l *MultiLoop) Done() <-chan struct{} { return l.done }

// Starts returns the number of iteration starts admitted so far.
func (l *MultiLoop) Starts() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.startCount - l.refunds
}

// ActiveUsers returns the number of users not marked stopping.
func (l *MultiLoop) ActiveUsers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Start moves the loop out of idle. With a configured delay the loop
// sits in delayed until the delay elapses. Fires the start event.
func (l *MultiLoop) Start() {
	l.mu.Lock()
	if l.state != Idle {
		l.mu.Unlock()
		return
	}
	if l.opts.Delay > 0 {
		l.state = Delayed
		l.delayTimer = time.AfterFunc(l.opts.Delay, l.beginAfterDelay)
	} else {
		l.beginLocked()
	}
	l.mu.Unlock()
	l.Events.Emit(EventStart, l)
}

func (l *MultiLoop) beginAfterDelay() {
	l.mu.Lock()
	if l.state == Delayed {
		l.beginLocked()
	}
	l.mu.Unlock()
}

// beginLocked transitions to running and launches the scheduler.
// Caller holds l.mu.
func (l *MultiLoop) beginLocked() {
	l.state = Running
	l.epoch = time.Now()
	if l.opts.Limiter == nil {
		l.opts.Limiter = pacer.FromProfile(l.opts.Rate, l.epoch)
	}
	l.tickStop = make(chan struct{})
	go l.schedule(l.tickStop)
}

// Stop is idempotent. From running it drains: users finish their
// in-flight iteration and exit; the end event fires when the last one
// has returned.
func (l *MultiLoop) Stop() {
	l.mu.Lock()
	switch l.state {
	case Stopping, Ended:
		l.mu.Unlock()
		return
	case Idle, Delayed:
		if l.delayTimer != nil {
			l.delayTimer.Stop()
		}
		l.endLocked()
		l.mu.Unlock()
		l.Events.Emit(EventEnd, l)
		return
	}
	ended := l.beginStopLocked()
	l.mu.Unlock()
	if ended {
		l.Events.Emit(EventEnd, l)
	}
}

// beginStopLocked marks the loop stopping and every user with it.
// Returns true when the loop ended immediately (no users to drain).
// Caller holds l.mu and must emit the end event if true.
func (l *MultiLoop) beginStopLocked() bool {
	l.state = Stopping
	for _, u := range l.users {
		if !u.stopping {
			u.stopping = true
			close(u.stop)
			l.running--
		}
	}
	if len(l.users) == 0 {
		l.endLocked()
		return true
	}
	return false
}

// endLocked finalizes the loop and releases its timers. Caller holds
// l.mu; the state must not already be ended.
func (l *MultiLoop) endLocked() {
	l.state = Ended
	if l.tickStop != nil {
		close(l.tickStop)
		l.tickStop = nil
	}
	if l.delayTimer != nil {
		l.delayTimer.Stop()
		l.delayTimer = nil
	}
	close(l.done)
}

// schedule reconciles the user pool against the concurrency profile on
// every tick until the loop leaves the running state.
func (l *MultiLoop) schedule(stop chan struct{}) {
	ticker := time.NewTicker(l.opts.Tick)
	defer ticker.Stop()
	if !l.reconcile() {
		return
	}
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !l.reconcile() {
				return
			}
		}
	}
}

// reconcile adjusts the pool toward round(C(elapsed)) and enforces the
// duration bound. Returns false once the loop is no longer running.
func (l *MultiLoop) reconcile() bool {
	now := time.Now()
	l.mu.Lock()
	if l.state != Running {
		l.mu.Unlock()
		return false
	}
	elapsed := now.Sub(l.epoch)
	if l.opts.Duration > 0 && elapsed >= l.opts.Duration {
		ended := l.beginStopLocked()
		l.mu.Unlock()
		if ended {
			l.Events.Emit(EventEnd, l)
		}
		return false
	}

	target := int(math.Round(l.opts.Concurrency.At(elapsed.Seconds())))
	if target < 0 {
		target = 0
	}

	var added []int
	if target > l.running {
		if l.argWait.IsZero() || now.After(l.argWait) {
			added = l.growLocked(target, now)
		}
	} else if target < l.running {
		l.shrinkLocked(l.running - target)
	}
	l.mu.Unlock()

	if len(added) > 0 {
		l.Events.Emit(EventAdd, added)
	}
	return true
}

// growLocked creates users until the running count reaches target.
// Caller holds l.mu.
func (l *MultiLoop) growLocked(target int, now time.Time) []int {
	var added []int
	for l.running < target {
		arg, err := l.opts.ArgGenerator()
		if err != nil {
			if l.argBackoff <= 0 {
				l.argBackoff = l.opts.Tick
			} else {
				l.argBackoff *= 2
			}
			if l.argBackoff > time.Second {
				l.argBackoff = time.Second
			}
			l.argWait = now.Add(l.argBackoff)
			log.WithField("loop", l.opts.Name).WithError(err).
				Warn("user argument generator failed, retrying")
			break
		}
		l.argBackoff = 0
		l.argWait = time.Time{}

		u := &VirtualUser{ID: l.nextID, arg: arg, stop: make(chan struct{})}
		l.nextID++
		l.users = append(l.users, u)
		l.running++
		added = append(added, u.ID)
		go l.runUser(u)
	}
	if len(added) > 0 {
		log.WithFields(log.Fields{"loop": l.opts.Name, "users": l.running}).
			Debug("added virtual users")
	}
	return added
}

// shrinkLocked marks excess users stopping, oldest first. A stopping
// user exits after its current iteration returns. Caller holds l.mu.
func (l *MultiLoop) shrinkLocked(excess int) {
	for _, u := range l.users {
		if excess == 0 {
			return
		}
		if !u.stopping {
			u.stopping = true
			close(u.stop)
			l.running--
			excess--
		}
	}
}

// reserveStart assigns the next global start number and its pacer
// deadline. A failed reservation means the user must exit; quota or
// duration exhaustion flips the whole loop to stopping.
func (l *MultiLoop) reserveStart(u *VirtualUser) (seq int64, wait time.Duration, ok bool) {
	l.mu.Lock()
	if l.state != Running || u.stopping {
		l.mu.Unlock()
		return 0, 0, false
	}
	n := l.startCount - l.refunds
	if l.opts.NumberOfTimes > 0 && n >= l.opts.NumberOfTimes {
		l.beginStopLocked()
		l.mu.Unlock()
		return 0, 0, false
	}
	now := time.Now()
	deadline, dok := l.opts.Limiter.NextStartDeadline(n, now)
	if !dok {
		l.beginStopLocked()
		l.mu.Unlock()
		return 0, 0, false
	}
	if l.opts.Duration > 0 && deadline.Sub(l.epoch) > l.opts.Duration {
		l.beginStopLocked()
		l.mu.Unlock()
		return 0, 0, false
	}
	seq = l.startCount
	l.startCount++
	l.mu.Unlock()
	return seq, deadline.Sub(now), true
}

// refund releases a reserved start that was abandoned before running,
// so the iteration quota is not silently consumed.
func (l *MultiLoop) refund() {
	l.mu.Lock()
	l.refunds++
	l.mu.Unlock()
}

// runUser is the virtual-user goroutine: wait for the next admitted
// start, run one iteration, repeat until told to exit.
func (l *MultiLoop) runUser(u *VirtualUser) {
	defer l.userExit(u)
	for {
		seq, wait, ok := l.reserveStart(u)
		if !ok {
			return
		}
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-u.stop:
				timer.Stop()
				l.refund()
				return
			}
		}
		start := time.Now()
		l.Events.Emit(EventStartIteration, StartIteration{User: u.ID, Seq: seq, Time: start})
		res := l.runIteration(u)
		l.Events.Emit(EventEndIteration, EndIteration{
			User: u.ID, Seq: seq, Start: start, End: time.Now(), Result: res,
		})
	}
}

// runIteration invokes the iteration function and waits for its finish
// callback. The result channel has capacity one so a synchronous finish
// never blocks; the once guard enforces the exactly-once contract.
func (l *MultiLoop) runIteration(u *VirtualUser) *Result {
	ch := make(chan *Result, 1)
	var once sync.Once
	finish := func(r *Result) {
		once.Do(func() { ch <- r })
	}
	l.opts.Fun(finish, u.arg)
	return <-ch
}

// userExit removes the user from the pool and ends the loop once a
// stopping pool has fully drained.
func (l *MultiLoop) userExit(u *VirtualUser) {
	l.mu.Lock()
	for i, v := range l.users {
		if v == u {
			l.users = append(l.users[:i], l.users[i+1:]...)
			break
		}
	}
	if !u.stopping {
		// Exit without an explicit stop mark; keep the running count
		// consistent.
		l.running--
	}
	ended := false
	if l.state == Stopping && len(l.users) == 0 {
		l.endLocked()
		ended = true
	}
	l.mu.Unlock()

	// The user owns its argument; release pooled connections with it.
	if c, ok := u.arg.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}

	l.Events.Emit(EventRemove, u.ID)
	if ended {
		l.Events.Emit(EventEnd, l)
	}
}
