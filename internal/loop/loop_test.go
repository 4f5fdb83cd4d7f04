package loop

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gust/internal/errutil"
	"gust/internal/pacer"
	"gust/internal/profile"
)

func okIteration(delay time.Duration) IterationFunc {
	return func(finish FinishFunc, _ any) {
		if delay > 0 {
			time.Sleep(delay)
		}
		finish(&Result{Tag: TagResponse, StatusCode: 200})
	}
}

func waitEnded(t *testing.T, l *MultiLoop, timeout time.Duration) {
	t.Helper()
	select {
	case <-l.Done():
	case <-time.After(timeout):
		t.Fatalf("loop did not end within %s (state %s)", timeout, l.State())
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{Concurrency: profile.Constant(1)})
	require.Error(t, err)
	assert.True(t, errutil.IsConfig(err))

	_, err = New(Options{Fun: okIteration(0)})
	require.Error(t, err)
	assert.True(t, errutil.IsConfig(err))
}

func TestNumberOfTimesCapIsExact(t *testing.T) {
	var ends int64
	l, err := New(Options{
		Name:          "cap",
		Fun:           okIteration(time.Millisecond),
		Concurrency:   profile.Constant(4),
		NumberOfTimes: 20,
		Duration:      time.Minute,
	})
	require.NoError(t, err)
	l.Events.On(EventEndIteration, func(any) { atomic.AddInt64(&ends, 1) })

	start := time.Now()
	l.Start()
	waitEnded(t, l, 5*time.Second)

	assert.Equal(t, int64(20), atomic.LoadInt64(&ends))
	assert.Equal(t, int64(20), l.Starts())
	assert.Less(t, time.Since(start), 3*time.Second, "end should follow the 20th iteration promptly")
	assert.Equal(t, Ended, l.State())
}

func TestConcurrencyConvergesToConstant(t *testing.T) {
	l, err := New(Options{
		Name:        "converge",
		Fun:         okIteration(5 * time.Millisecond),
		Concurrency: profile.Constant(5),
		Duration:    2 * time.Second,
	})
	require.NoError(t, err)
	l.Start()
	defer l.Stop()

	time.Sleep(3 * MinTick)
	assert.Equal(t, 5, l.ActiveUsers())
}

func TestShrinkStopsOldestFirst(t *testing.T) {
	removed := make(chan int, 16)
	p, err := profile.New([]profile.Point{{T: 0, V: 4}, {T: 0.2, V: 4}, {T: 0.25, V: 1}})
	require.NoError(t, err)

	l, err := New(Options{
		Name:        "shrink",
		Fun:         okIteration(time.Millisecond),
		Concurrency: p,
		Duration:    2 * time.Second,
	})
	require.NoError(t, err)
	l.Events.On(EventRemove, func(p any) { removed <- p.(int) })

	l.Start()
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, 1, l.ActiveUsers())

	// The three surplus users are marked oldest first: ids 0, 1, 2.
	got := map[int]bool{}
	for i := 0; i < 3; i++ {
		select {
		case id := <-removed:
			got[id] = true
		case <-time.After(time.Second):
			t.Fatal("missing remove event")
		}
	}
	assert.Equal(t, map[int]bool{0: true, 1: true, 2: true}, got)
	l.Stop()
}

func TestDelayPostponesIterations(t *testing.T) {
	var started int64
	l, err := New(Options{
		Name:        "delayed",
		Fun:         okIteration(0),
		Concurrency: profile.Constant(2),
		Delay:       300 * time.Millisecond,
		Duration:    time.Second,
	})
	require.NoError(t, err)
	l.Events.On(EventStartIteration, func(any) { atomic.AddInt64(&started, 1) })

	l.Start()
	assert.Equal(t, Delayed, l.State())
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt64(&started), "no iterations before the delay elapses")

	time.Sleep(300 * time.Millisecond)
	assert.Positive(t, atomic.LoadInt64(&started))
	l.Stop()
	waitEnded(t, l, 2*time.Second)
}

func TestStopIsIdempotentAndDrains(t *testing.T) {
	var ends int64
	release := make(chan struct{})
	l, err := New(Options{
		Name: "stop",
		Fun: func(finish FinishFunc, _ any) {
			<-release
			finish(&Result{Tag: TagResponse, StatusCode: 200})
		},
		Concurrency: profile.Constant(3),
	})
	require.NoError(t, err)
	l.Events.On(EventEnd, func(any) { atomic.AddInt64(&ends, 1) })

	l.Start()
	time.Sleep(2 * MinTick)

	l.Stop()
	l.Stop()
	assert.Equal(t, Stopping, l.State(), "in-flight iterations are not preempted")

	close(release)
	waitEnded(t, l, 2*time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), atomic.LoadInt64(&ends), "end fires once")
}

func TestStopFromIdleEndsImmediately(t *testing.T) {
	l, err := New(Options{
		Fun:         okIteration(0),
		Concurrency: profile.Constant(1),
	})
	require.NoError(t, err)
	l.Stop()
	waitEnded(t, l, time.Second)
}

func TestIterationsSequentialPerUser(t *testing.T) {
	var mu sync.Mutex
	inflight := map[int]int{}
	bad := false

	l, err := New(Options{
		Name:        "sequential",
		Fun:         okIteration(2 * time.Millisecond),
		Concurrency: profile.Constant(4),
		Duration:    500 * time.Millisecond,
	})
	require.NoError(t, err)
	l.Events.On(EventStartIteration, func(p any) {
		ev := p.(StartIteration)
		mu.Lock()
		inflight[ev.User]++
		if inflight[ev.User] > 1 {
			bad = true
		}
		mu.Unlock()
	})
	l.Events.On(EventEndIteration, func(p any) {
		ev := p.(EndIteration)
		mu.Lock()
		inflight[ev.User]--
		mu.Unlock()
	})

	l.Start()
	waitEnded(t, l, 3*time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, bad, "a user must never have two in-flight iterations")
}

func TestPacedStartsRoughlyMatchRate(t *testing.T) {
	var ends int64
	epoch := time.Now()
	l, err := New(Options{
		Name:        "paced",
		Fun:         okIteration(0),
		Concurrency: profile.Constant(5),
		Limiter:     pacer.Constant(50, epoch),
		Duration:    time.Second,
	})
	require.NoError(t, err)
	l.Events.On(EventEndIteration, func(any) { atomic.AddInt64(&ends, 1) })

	l.Start()
	waitEnded(t, l, 5*time.Second)

	got := atomic.LoadInt64(&ends)
	assert.InDelta(t, 50, float64(got), 10, "constant 50 rps over one second")
}

func TestFinishMayBeAsynchronous(t *testing.T) {
	var ends int64
	l, err := New(Options{
		Name: "async",
		Fun: func(finish FinishFunc, _ any) {
			go func() {
				time.Sleep(time.Millisecond)
				finish(&Result{Tag: TagResponse, StatusCode: 204})
			}()
		},
		Concurrency:   profile.Constant(2),
		NumberOfTimes: 10,
	})
	require.NoError(t, err)
	l.Events.On(EventEndIteration, func(p any) {
		ev := p.(EndIteration)
		if ev.Result != nil && ev.Result.StatusCode == 204 {
			atomic.AddInt64(&ends, 1)
		}
	})

	l.Start()
	waitEnded(t, l, 3*time.Second)
	assert.Equal(t, int64(10), atomic.LoadInt64(&ends))
}

func TestArgGeneratorFailureIsRetried(t *testing.T) {
	var calls int64
	l, err := New(Options{
		Name: "argretry",
		Fun:  okIteration(time.Millisecond),
		ArgGenerator: func() (any, error) {
			if atomic.AddInt64(&calls, 1) <= 2 {
				return nil, assert.AnError
			}
			return nil, nil
		},
		Concurrency: profile.Constant(2),
		Duration:    2 * time.Second,
	})
	require.NoError(t, err)

	l.Start()
	defer l.Stop()

	deadline := time.Now().Add(1500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if l.ActiveUsers() == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("pool never recovered from generator failures (users=%d)", l.ActiveUsers())
}
