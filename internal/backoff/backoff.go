// Package backoff maps how long a run has been polled to how long to wait
// before polling it again.
//
// Most runs either finish within minutes or run for a long time, and the
// status source rate-limits per hour, so the schedule is tight early and
// sparse later.
package backoff

import (
	"fmt"
	"time"
)

// Step applies Every while elapsed time is below Until.
type Step struct {
	Until time.Duration
	Every time.Duration
}

// Policy is a stepwise schedule. The zero value is not usable; start from Default.
type Policy struct {
	Steps []Step
	// Final applies once elapsed time passes the last step.
	Final time.Duration
	// Settled applies when every sub-task is done but the run is not yet,
	// which the status source reports with a short lag.
	Settled time.Duration
	// LowRateRemaining is the watermark under which intervals are widened
	// by LowRateFactor, capped at Ceiling.
	LowRateRemaining int
	LowRateFactor    float64
	Ceiling          time.Duration
}

// Input is what the poller knows when choosing the next interval.
type Input struct {
	Elapsed         time.Duration
	SubtasksSettled bool
	// RateRemaining is the status source's remaining quota; negative means unknown.
	RateRemaining int
}

func Default() Policy {
	return Policy{
		Steps: []Step{
			{Until: time.Minute, Every: 5 * time.Second},
			{Until: 5 * time.Minute, Every: 10 * time.Second},
			{Until: 15 * time.Minute, Every: 20 * time.Second},
			{Until: 30 * time.Minute, Every: 30 * time.Second},
		},
		Final:            time.Minute,
		Settled:          2 * time.Second,
		LowRateRemaining: 100,
		LowRateFactor:    2,
		Ceiling:          2 * time.Minute,
	}
}

// Next returns the wait before the next poll.
func (p Policy) Next(in Input) time.Duration {
	if in.SubtasksSettled && p.Settled > 0 {
		return p.Settled
	}
	d := p.Final
	for _, s := range p.Steps {
		if in.Elapsed < s.Until {
			d = s.Every
			break
		}
	}
	if in.RateRemaining >= 0 && in.RateRemaining < p.LowRateRemaining && p.LowRateFactor > 1 {
		widened := time.Duration(float64(d) * p.LowRateFactor)
		d = max(d, min(widened, p.Ceiling))
	}
	return d
}

// Validate checks the schedule never shrinks as time passes.
func (p Policy) Validate() error {
	var prevUntil, prevEvery time.Duration
	for i, s := range p.Steps {
		if s.Every <= 0 {
			return fmt.Errorf("step %d: interval must be positive", i)
		}
		if s.Until <= prevUntil {
			return fmt.Errorf("step %d: thresholds must increase", i)
		}
		if s.Every < prevEvery {
			return fmt.Errorf("step %d: interval must not decrease", i)
		}
		prevUntil, prevEvery = s.Until, s.Every
	}
	if p.Final <= 0 || p.Final < prevEvery {
		return fmt.Errorf("final interval must be positive and not below the last step")
	}
	if p.Settled < 0 {
		return fmt.Errorf("settled interval must not be negative")
	}
	if p.LowRateFactor > 1 && p.Ceiling < p.Final {
		return fmt.Errorf("ceiling must not be below the final interval")
	}
	return nil
}
