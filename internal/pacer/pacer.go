// Package pacer turns a rate profile into start deadlines. It is the
// single serialization point for start numbering: the scheduler reserves
// a start index and asks the pacer when that start may go.
package pacer

import (
	"math"
	"sync"
	"time"

	"gust/internal/profile"
)

// Limiter admits iteration starts. NextStartDeadline returns the instant
// at which start number n+1 should occur, given n starts so far. The
// returned deadline is never before now and is monotonically
// non-decreasing across calls. ok is false when no further start will
// ever be scheduled.
type Limiter interface {
	NextStartDeadline(nStartsSoFar int64, now time.Time) (deadline time.Time, ok bool)
}

type unlimited struct{}

func (unlimited) NextStartDeadline(_ int64, now time.Time) (time.Time, bool) {
	return now, true
}

// Unlimited returns a limiter that never paces.
func Unlimited() Limiter { return unlimited{} }

type profileLimiter struct {
	prof  *profile.Profile
	epoch time.Time

	mu   sync.Mutex
	last time.Time
}

// FromProfile builds a limiter that schedules start n+1 at the time
// where the integral of the rate profile reaches n+1, measured from
// epoch.
func FromProfile(p *profile.Profile, epoch time.Time) Limiter {
	return &profileLimiter{prof: p, epoch: epoch}
}

// Constant builds a fixed-rate limiter. A non-positive or infinite rps
// means no pacing at all.
func Constant(rps float64, epoch time.Time) Limiter {
	if rps <= 0 || math.IsInf(rps, 1) {
		return Unlimited()
	}
	return FromProfile(profile.Constant(rps), epoch)
}

func (l *profileLimiter) NextStartDeadline(n int64, now time.Time) (time.Time, bool) {
	t := l.prof.TimeForCount(float64(n) + 1)
	if math.IsInf(t, 1) {
		return time.Time{}, false
	}
	deadline := l.epoch.Add(time.Duration(t * float64(time.Second)))
	if deadline.Before(now) {
		deadline = now
	}

	l.mu.Lock()
	if deadline.Before(l.last) {
		deadline = l.last
	} else {
		l.last = deadline
	}
	l.mu.Unlock()
	return deadline, true
}
