package event

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEmitterOrderAndPayload(t *testing.T) {
	e := NewEmitter()
	var got []int
	e.On("tick", func(p any) { got = append(got, p.(int)*10) })
	e.On("tick", func(p any) { got = append(got, p.(int)*100) })
	e.On("other", func(p any) { got = append(got, -1) })

	e.Emit("tick", 1)
	e.Emit("tick", 2)

	assert.Equal(t, []int{10, 100, 20, 200}, got)
}

func TestEmitterHandlerMaySubscribe(t *testing.T) {
	e := NewEmitter()
	fired := 0
	e.On("a", func(any) {
		e.On("b", func(any) { fired++ })
	})
	e.Emit("a", nil)
	e.Emit("b", nil)
	assert.Equal(t, 1, fired)
}

func TestPeriodicUpdater(t *testing.T) {
	var n int64
	u := NewPeriodicUpdater(5*time.Millisecond, func() { atomic.AddInt64(&n, 1) })
	u.Start()
	time.Sleep(60 * time.Millisecond)
	u.Stop()
	u.Stop() // idempotent

	time.Sleep(10 * time.Millisecond) // settle any in-flight tick
	ticks := atomic.LoadInt64(&n)
	assert.Greater(t, ticks, int64(3))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, ticks, atomic.LoadInt64(&n), "ticks after Stop")
}

func TestSetIntervalAppliesImmediately(t *testing.T) {
	var n int64
	u := NewPeriodicUpdater(time.Hour, func() { atomic.AddInt64(&n, 1) })
	u.Start()
	defer u.Stop()

	u.SetInterval(5 * time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Positive(t, atomic.LoadInt64(&n), "shortened interval must not wait out the old one")
}
