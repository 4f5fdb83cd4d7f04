// Package stats holds the low-level aggregation primitives the monitor
// builds its named statistics from.
package stats

import (
	"sync/atomic"
)

// Counters holds real-time aggregated totals across all loops a monitor
// watches. All fields are updated atomically.
type Counters struct {
	Requests uint64
	Success  uint64
	Fail     uint64
	Bytes    uint64
}

// AddRequest records one completed iteration.
func (c *Counters) AddRequest(success bool, bytes int64) {
	atomic.AddUint64(&c.Requests, 1)
	if success {
		atomic.AddUint64(&c.Success, 1)
	} else {
		atomic.AddUint64(&c.Fail, 1)
	}
	if bytes > 0 {
		atomic.AddUint64(&c.Bytes, uint64(bytes))
	}
}

// Load returns a consistent-enough copy for display.
func (c *Counters) Load() Counters {
	return Counters{
		Requests: atomic.LoadUint64(&c.Requests),
		Success:  atomic.LoadUint64(&c.Success),
		Fail:     atomic.LoadUint64(&c.Fail),
		Bytes:    atomic.LoadUint64(&c.Bytes),
	}
}

// ErrorRate returns the failure percentage.
func (c *Counters) ErrorRate() float64 {
	reqs := atomic.LoadUint64(&c.Requests)
	if reqs == 0 {
		return 0
	}
	fails := atomic.LoadUint64(&c.Fail)
	return (float64(fails) / float64(reqs)) * 100
}
