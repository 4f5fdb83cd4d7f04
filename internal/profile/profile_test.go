package profile

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gust/internal/errutil"
)

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	assert.True(t, errutil.IsConfig(err))

	_, err = New([]Point{{T: 2, V: 1}, {T: 1, V: 1}})
	assert.True(t, errutil.IsConfig(err))

	_, err = New([]Point{{T: 1, V: 1}, {T: 1, V: 2}})
	assert.True(t, errutil.IsConfig(err))

	_, err = New([]Point{{T: 0, V: -1}})
	assert.True(t, errutil.IsConfig(err))
}

func TestAtInterpolatesAndClamps(t *testing.T) {
	p, err := New([]Point{{T: 0, V: 4}, {T: 10, V: 8}})
	require.NoError(t, err)

	assert.Equal(t, 4.0, p.At(-5))
	assert.Equal(t, 4.0, p.At(0))
	assert.Equal(t, 6.0, p.At(5)) // midpoint of (a+b)/2
	assert.Equal(t, 8.0, p.At(10))
	assert.Equal(t, 8.0, p.At(100))
}

func TestAtMultiSegment(t *testing.T) {
	p, err := New([]Point{{T: 0, V: 0}, {T: 2, V: 10}, {T: 4, V: 0}})
	require.NoError(t, err)

	assert.Equal(t, 5.0, p.At(1))
	assert.Equal(t, 10.0, p.At(2))
	assert.Equal(t, 5.0, p.At(3))
	assert.Equal(t, 0.0, p.At(4))
}

func TestConstant(t *testing.T) {
	p := Constant(50)
	assert.Equal(t, 50.0, p.At(0))
	assert.Equal(t, 50.0, p.At(1234))
	assert.InDelta(t, 100.0, p.Integral(2), 1e-9)
}

func TestIntegral(t *testing.T) {
	// Ramp 0 -> 10 over two seconds, then constant 10.
	p, err := New([]Point{{T: 0, V: 0}, {T: 2, V: 10}})
	require.NoError(t, err)

	assert.InDelta(t, 0.0, p.Integral(0), 1e-9)
	assert.InDelta(t, 2.5, p.Integral(1), 1e-9)   // 1*5/2
	assert.InDelta(t, 10.0, p.Integral(2), 1e-9)  // triangle
	assert.InDelta(t, 30.0, p.Integral(4), 1e-9)  // + 2s at 10
}

func TestIntegralLeadIn(t *testing.T) {
	// First knot at t=2 extends its value back to t=0.
	p, err := New([]Point{{T: 2, V: 4}, {T: 4, V: 4}})
	require.NoError(t, err)
	assert.InDelta(t, 4.0, p.Integral(1), 1e-9)
	assert.InDelta(t, 16.0, p.Integral(4), 1e-9)
}

func TestTimeForCountConstantRate(t *testing.T) {
	p := Constant(50)
	for n := 1; n <= 100; n++ {
		got := p.TimeForCount(float64(n))
		assert.InDelta(t, float64(n)/50.0, got, 1e-9)
	}
}

func TestTimeForCountRamp(t *testing.T) {
	// 0 -> 10 rps over 2s: integral(t) = 2.5*t^2/... = 10*t^2/4.
	p, err := New([]Point{{T: 0, V: 0}, {T: 2, V: 10}})
	require.NoError(t, err)

	// Integral(t) = 2.5 t^2 on [0,2]; count 2.5 reached at t=1.
	assert.InDelta(t, 1.0, p.TimeForCount(2.5), 1e-9)
	// Past the ramp the tail is constant 10 rps.
	assert.InDelta(t, 3.0, p.TimeForCount(20), 1e-9)
}

func TestTimeForCountInverseOfIntegral(t *testing.T) {
	p, err := New([]Point{{T: 0, V: 5}, {T: 3, V: 20}, {T: 6, V: 2}})
	require.NoError(t, err)
	for _, n := range []float64{0.5, 1, 7, 13, 40, 55.5} {
		tt := p.TimeForCount(n)
		assert.InDelta(t, n, p.Integral(tt), 1e-6, "n=%g", n)
	}
}

func TestTimeForCountExhausted(t *testing.T) {
	// Rate drops to zero and stays there: only 15 starts ever fit.
	p, err := New([]Point{{T: 0, V: 10}, {T: 1, V: 10}, {T: 2, V: 0}})
	require.NoError(t, err)

	assert.False(t, math.IsInf(p.TimeForCount(14), 1))
	assert.True(t, math.IsInf(p.TimeForCount(16), 1))
}
