package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atrund/atrund/scanner"
)

type fixedSampler struct {
	v   float64
	err error
}

func (f fixedSampler) Load1() (float64, error) { return f.v, f.err }

func TestNiceValues(t *testing.T) {
	require.Equal(t, 4, Nice('b'))
	require.Equal(t, 6, Nice('c'))
	require.Equal(t, 4, Nice('B')) // uppercase normalizes the same as its lowercase
}

func TestConsiderRunsWhenLoadBelowThreshold(t *testing.T) {
	sc := New(1.0, time.Minute, nil)
	sc.Sampler = fixedSampler{v: 0.2}
	now := time.Now()
	res := scanner.Result{HasBatch: true}
	d := sc.Consider(now, res, now.Add(time.Minute))
	require.True(t, d.Run)
}

func TestConsiderDefersWhenLoadTooHigh(t *testing.T) {
	sc := New(1.0, time.Minute, nil)
	sc.Sampler = fixedSampler{v: 2.5}
	now := time.Now()
	res := scanner.Result{HasBatch: true}
	d := sc.Consider(now, res, now.Add(time.Minute))
	require.False(t, d.Run)
	require.Equal(t, "load-too-high", d.Reason)
	require.True(t, d.NextWake.After(now))
}

func TestConsiderThrottlesSecondCandidateWithinInterval(t *testing.T) {
	sc := New(10.0, time.Minute, nil)
	sc.Sampler = fixedSampler{v: 0.1}
	now := time.Now()
	res := scanner.Result{HasBatch: true}

	d1 := sc.Consider(now, res, now.Add(time.Hour))
	require.True(t, d1.Run)

	d2 := sc.Consider(now.Add(time.Second), res, now.Add(time.Hour))
	require.False(t, d2.Run)
	require.Equal(t, "throttled", d2.Reason)
}

func TestConsiderAllowsBatchAfterThrottleElapses(t *testing.T) {
	sc := New(10.0, time.Minute, nil)
	sc.Sampler = fixedSampler{v: 0.1}
	now := time.Now()
	res := scanner.Result{HasBatch: true}

	d1 := sc.Consider(now, res, now.Add(time.Hour))
	require.True(t, d1.Run)

	d2 := sc.Consider(now.Add(2*time.Minute), res, now.Add(time.Hour))
	require.True(t, d2.Run)
}

func TestConsiderNoCandidateLeavesNextWakeUntouched(t *testing.T) {
	sc := New(1.0, time.Minute, nil)
	now := time.Now()
	nw := now.Add(5 * time.Minute)
	d := sc.Consider(now, scanner.Result{HasBatch: false}, nw)
	require.Equal(t, nw, d.NextWake)
}

func TestConsiderSampleErrorDefers(t *testing.T) {
	sc := New(1.0, time.Minute, nil)
	sc.Sampler = fixedSampler{err: errors.New("boom")}
	now := time.Now()
	d := sc.Consider(now, scanner.Result{HasBatch: true}, now.Add(time.Hour))
	require.False(t, d.Run)
	require.Equal(t, "load-sample-error", d.Reason)
}
