// Package profile evaluates piecewise-linear schedules of time. A
// profile maps elapsed seconds to a scalar (virtual-user count or
// requests per second) and can be integrated to place paced start
// deadlines.
package profile

import (
	"math"

	"gust/internal/errutil"
)

// Point is one knot of a profile: value V at elapsed time T seconds.
type Point struct {
	T float64
	V float64
}

// Profile is an immutable piecewise-linear function of elapsed time.
// Queries before the first point or after the last clamp to the nearest
// endpoint value.
type Profile struct {
	points []Point
	// areas[i] is the integral from t=0 up to points[i].T, counting the
	// constant lead-in segment before the first point.
	areas []float64
}

// New validates points and builds a Profile. The point times must be
// non-negative and strictly increasing; values must be non-negative.
func New(points []Point) (*Profile, error) {
	if len(points) == 0 {
		return nil, errutil.Configf("empty profile")
	}
	for i, p := range points {
		if p.T < 0 {
			return nil, errutil.Configf("profile time %g must be non-negative", p.T)
		}
		if p.V < 0 {
			return nil, errutil.Configf("profile value %g at t=%g must be non-negative", p.V, p.T)
		}
		if i > 0 && points[i-1].T >= p.T {
			return nil, errutil.Configf("profile times must be strictly increasing (%g then %g)", points[i-1].T, p.T)
		}
	}
	pts := make([]Point, len(points))
	copy(pts, points)

	areas := make([]float64, len(pts))
	areas[0] = pts[0].T * pts[0].V
	for i := 1; i < len(pts); i++ {
		dt := pts[i].T - pts[i-1].T
		areas[i] = areas[i-1] + dt*(pts[i].V+pts[i-1].V)/2
	}
	return &Profile{points: pts, areas: areas}, nil
}

// Constant builds the one-point profile holding v forever.
func Constant(v float64) *Profile {
	p, err := New([]Point{{T: 0, V: v}})
	if err != nil {
		// Only reachable with a negative v; treat as zero.
		p, _ = New([]Point{{T: 0, V: 0}})
	}
	return p
}

// At evaluates the profile at elapsed time t, clamping out-of-range
// queries to the nearest endpoint and interpolating between knots.
func (p *Profile) At(t float64) float64 {
	pts := p.points
	if t <= pts[0].T {
		return pts[0].V
	}
	last := pts[len(pts)-1]
	if t >= last.T {
		return last.V
	}
	for i := 1; i < len(pts); i++ {
		if t <= pts[i].T {
			a, b := pts[i-1], pts[i]
			frac := (t - a.T) / (b.T - a.T)
			return a.V + (b.V-a.V)*frac
		}
	}
	return last.V
}

// Integral returns the area under the profile from t=0 to t. The curve
// is extended by the clamped endpoint values on both sides.
func (p *Profile) Integral(t float64) float64 {
	if t <= 0 {
		return 0
	}
	pts := p.points
	if t <= pts[0].T {
		return t * pts[0].V
	}
	last := len(pts) - 1
	if t >= pts[last].T {
		return p.areas[last] + (t-pts[last].T)*pts[last].V
	}
	for i := 1; i < len(pts); i++ {
		if t <= pts[i].T {
			a, b := pts[i-1], pts[i]
			dt := t - a.T
			vt := a.V + (b.V-a.V)*(dt/(b.T-a.T))
			return p.areas[i-1] + dt*(a.V+vt)/2
		}
	}
	return p.areas[last]
}

// TimeForCount returns the earliest elapsed time t at which
// Integral(t) reaches n. It returns +Inf when the tail rate is zero and
// the remaining area can never accumulate to n.
func (p *Profile) TimeForCount(n float64) float64 {
	if n <= 0 {
		return 0
	}
	pts := p.points
	// Constant lead-in before the first knot.
	if n <= p.areas[0] {
		return n / pts[0].V
	}
	for i := 1; i < len(pts); i++ {
		if n > p.areas[i] {
			continue
		}
		a, b := pts[i-1], pts[i]
		need := n - p.areas[i-1]
		return a.T + segmentTime(a.V, b.V, b.T-a.T, need)
	}
	// Constant tail after the last knot.
	last := pts[len(pts)-1]
	if last.V <= 0 {
		return math.Inf(1)
	}
	return last.T + (n-p.areas[len(pts)-1])/last.V
}

// segmentTime solves va*dt + slope*dt^2/2 = area for dt on a linear
// segment of length width going from va to vb.
func segmentTime(va, vb, width, area float64) float64 {
	slope := (vb - va) / width
	if math.Abs(slope) < 1e-12 {
		if va <= 0 {
			return width
		}
		return area / va
	}
	disc := va*va + 2*slope*area
	if disc < 0 {
		disc = 0
	}
	return (-va + math.Sqrt(disc)) / slope
}
