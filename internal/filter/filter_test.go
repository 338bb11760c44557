package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/loctrack/internal/location"
)

func sample(lat, lon float64, ts int64) location.Sample {
	return location.Sample{Latitude: lat, Longitude: lon, Timestamp: ts}
}

func TestFirstSampleSignificant(t *testing.T) {
	for _, st := range []Strategy{StrategyDistance, StrategyInterval} {
		f := New(&Config{Strategy: st})
		accept, sig := f.Evaluate(sample(10, 10, 1000))
		assert.True(t, accept)
		assert.True(t, sig, "strategy %s", st)
	}
}

func TestDistanceBoundaryInclusive(t *testing.T) {
	f := New(&Config{Strategy: StrategyDistance})
	var d float64
	f.distance = func(a, b location.Sample) float64 { return d }
	f.Evaluate(sample(0, 0, 1))

	d = 100
	_, sig := f.Evaluate(sample(0, 0, 2))
	assert.True(t, sig, "exactly threshold is significant")

	d = 99.999
	_, sig = f.Evaluate(sample(0, 0, 3))
	assert.False(t, sig)

	d = 250
	_, sig = f.Evaluate(sample(0, 0, 4))
	assert.True(t, sig)
}

func TestLastAcceptedUpdatedOnInsignificant(t *testing.T) {
	f := New(&Config{})
	f.Evaluate(sample(1.0, 1.0, 1))
	s2 := sample(1.0, 1.00005, 2)
	_, sig := f.Evaluate(s2)
	require.False(t, sig)
	last, ok := f.Last()
	require.True(t, ok)
	assert.Equal(t, s2, last)
}

func TestScenarioDistances(t *testing.T) {
	f := New(&Config{Threshold: 100})
	var got []bool
	for _, s := range []location.Sample{
		sample(1.0, 1.0, 1),
		sample(1.0, 1.0009, 2),
		sample(1.0, 1.00005, 3),
	} {
		accept, sig := f.Evaluate(s)
		require.True(t, accept)
		got = append(got, sig)
	}
	assert.Equal(t, []bool{true, true, false}, got)
}

func TestCreepingMovementNeverSignificant(t *testing.T) {
	// Each step is ~55m from the previous one, so significance is never
	// reached even though the total drift passes the threshold.
	f := New(&Config{})
	f.Evaluate(sample(0, 0, 1))
	for i := 1; i <= 5; i++ {
		_, sig := f.Evaluate(sample(0, float64(i)*0.0005, int64(i+1)))
		assert.False(t, sig, "step %d", i)
	}
}

func TestIntervalStrategy(t *testing.T) {
	f := New(&Config{Strategy: StrategyInterval, Interval: time.Second})
	_, sig := f.Evaluate(sample(0, 0, 1000))
	assert.True(t, sig)
	_, sig = f.Evaluate(sample(5, 5, 1500))
	assert.False(t, sig, "far away but too early")
	_, sig = f.Evaluate(sample(5, 5, 2000))
	assert.True(t, sig, "one interval after the last significant")
	_, sig = f.Evaluate(sample(5, 5, 2999))
	assert.False(t, sig)
}

func TestReset(t *testing.T) {
	f := New(&Config{})
	f.Evaluate(sample(1, 1, 1))
	f.Reset()
	_, ok := f.Last()
	assert.False(t, ok)
	_, sig := f.Evaluate(sample(1, 1, 2))
	assert.True(t, sig)
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("interval")
	require.NoError(t, err)
	assert.Equal(t, StrategyInterval, s)
	_, err = ParseStrategy("random")
	assert.Error(t, err)
}
