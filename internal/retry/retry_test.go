package retry

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayDoublesAndCaps(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond}

	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2))
	assert.Equal(t, 500*time.Millisecond, p.Delay(3))
	assert.Equal(t, 500*time.Millisecond, p.Delay(10))
}

func TestDelayJitterStaysBounded(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: true}
	for i := 0; i < 50; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}
}

func TestStartStopsOnSuccess(t *testing.T) {
	var calls atomic.Int32
	p := Policy{MaxAttempts: 10, BaseDelay: 2 * time.Millisecond, MaxDelay: 5 * time.Millisecond}

	timer := p.Start(func() bool {
		return calls.Add(1) >= 3
	}, nil)
	defer timer.Stop()

	require.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}

func TestExhaustedFiresOnce(t *testing.T) {
	var calls, exhausted atomic.Int32
	p := Policy{MaxAttempts: 3, BaseDelay: 2 * time.Millisecond, MaxDelay: 5 * time.Millisecond}

	timer := p.Start(
		func() bool { calls.Add(1); return false },
		func() { exhausted.Add(1) },
	)
	defer timer.Stop()

	require.Eventually(t, func() bool { return exhausted.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int32(1), exhausted.Load())
}

func TestStopPreventsFurtherAttempts(t *testing.T) {
	var calls atomic.Int32
	p := Policy{BaseDelay: 20 * time.Millisecond}

	timer := p.Start(func() bool { calls.Add(1); return false }, nil)
	timer.Stop()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}
