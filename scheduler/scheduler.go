// Package scheduler implements the batch-job gating policy layered on top
// of a scan: at most one batch job per scan, throttled by a minimum
// inter-job interval and admitted only when the sampled load average is
// below a configured threshold.
package scheduler

import (
	"time"

	"github.com/shirou/gopsutil/load"

	"github.com/crewjam/rfc5424"

	"github.com/atrund/atrund/log"
	"github.com/atrund/atrund/scanner"
)

// LoadSampler abstracts the 1-minute load-average sample so tests can
// supply a deterministic value without touching the real host.
type LoadSampler interface {
	Load1() (float64, error)
}

// gopsutilSampler is the production LoadSampler, backed by
// github.com/shirou/gopsutil/load.
type gopsutilSampler struct{}

func (gopsutilSampler) Load1() (float64, error) {
	avg, err := load.Avg()
	if err != nil {
		return 0, err
	}
	return avg.Load1, nil
}

// Elevator brackets the load-average sample in a privilege-elevation
// scope, for platforms where sampling requires real privilege. A nil
// Elevator runs fn directly.
type Elevator interface {
	WithElevated(fn func() error) error
}

// Scheduler tracks the batch throttle across scans and decides, given a
// scan's result, whether to run its batch candidate.
type Scheduler struct {
	LoadAvg       float64       // admission threshold; sample must be below this
	BatchInterval time.Duration // minimum gap between batch runs
	Sampler       LoadSampler
	Elevate       Elevator
	Log           *log.Logger

	nextBatch time.Time
	started   bool
}

// New builds a Scheduler with the production load sampler.
func New(loadAvg float64, batchInterval time.Duration, lg *log.Logger) *Scheduler {
	return &Scheduler{
		LoadAvg:       loadAvg,
		BatchInterval: batchInterval,
		Sampler:       gopsutilSampler{},
		Log:           lg,
	}
}

// Decision is the outcome of considering a scan's batch candidate.
type Decision struct {
	Run       bool
	NextWake  time.Time // only meaningful when Run is false
	Reason    string
	LoadAvg   float64
	Threshold float64
}

// Consider decides whether to run res's batch candidate (if any) during
// this scan, updating the internal throttle state. now must be the same
// "now" the scan used. currentNextWake is the scan's own next_wake value;
// Consider may shorten it (spec.md section 4.3).
func (sc *Scheduler) Consider(now time.Time, res scanner.Result, currentNextWake time.Time) Decision {
	if !sc.started {
		sc.nextBatch = now
		sc.started = true
	}

	if !res.HasBatch {
		return Decision{NextWake: currentNextWake}
	}

	if now.Before(sc.nextBatch) {
		nw := currentNextWake
		if sc.nextBatch.Before(nw) {
			nw = sc.nextBatch
		}
		return Decision{Reason: "throttled", NextWake: nw}
	}

	sc.nextBatch = sc.nextBatch.Add(sc.BatchInterval)

	sampled, err := sc.sample()
	if err != nil {
		sc.logf(log.WARN, "failed to sample load average, deferring batch job", log.KVErr(err))
		nw := currentNextWake
		if sc.nextBatch.Before(nw) {
			nw = sc.nextBatch
		}
		return Decision{Reason: "load-sample-error", NextWake: nw}
	}

	if sampled >= sc.LoadAvg {
		sc.logf(log.INFO, "batch candidate deferred: load too high",
			log.KV("load1", sampled), log.KV("threshold", sc.LoadAvg))
		nw := currentNextWake
		if sc.nextBatch.Before(nw) {
			nw = sc.nextBatch
		}
		return Decision{Reason: "load-too-high", LoadAvg: sampled, Threshold: sc.LoadAvg, NextWake: nw}
	}

	return Decision{Run: true, LoadAvg: sampled, Threshold: sc.LoadAvg}
}

// Nice computes the nice adjustment for a batch queue letter, per
// spec.md section 4.3: (tolower(queue) - 'a' + 1) * 2.
func Nice(queue byte) int {
	q := queue
	if q >= 'A' && q <= 'Z' {
		q += 'a' - 'A'
	}
	return (int(q-'a') + 1) * 2
}

func (sc *Scheduler) sample() (float64, error) {
	if sc.Elevate != nil {
		var v float64
		err := sc.Elevate.WithElevated(func() error {
			var ierr error
			v, ierr = sc.Sampler.Load1()
			return ierr
		})
		return v, err
	}
	return sc.Sampler.Load1()
}

func (sc *Scheduler) logf(lvl log.Level, msg string, sds ...rfc5424.SDParam) {
	if sc.Log == nil {
		return
	}
	switch lvl {
	case log.DEBUG:
		sc.Log.Debug(msg, sds...)
	case log.WARN:
		sc.Log.Warn(msg, sds...)
	case log.ERROR:
		sc.Log.Error(msg, sds...)
	case log.CRITICAL:
		sc.Log.Critical(msg, sds...)
	default:
		sc.Log.Info(msg, sds...)
	}
}
