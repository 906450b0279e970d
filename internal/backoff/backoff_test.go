package backoff

import (
	"testing"
	"time"
)

func TestNextDefaultSchedule(t *testing.T) {
	t.Parallel()

	p := Default()
	cases := []struct {
		elapsed time.Duration
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{59 * time.Second, 5 * time.Second},
		{time.Minute, 10 * time.Second},
		{4 * time.Minute, 10 * time.Second},
		{10 * time.Minute, 20 * time.Second},
		{29 * time.Minute, 30 * time.Second},
		{30 * time.Minute, time.Minute},
		{3 * time.Hour, time.Minute},
	}
	for _, tc := range cases {
		got := p.Next(Input{Elapsed: tc.elapsed, RateRemaining: -1})
		if got != tc.want {
			t.Fatalf("Next(%s) = %s, want %s", tc.elapsed, got, tc.want)
		}
	}
}

func TestNextIsNonDecreasing(t *testing.T) {
	t.Parallel()

	p := Default()
	for _, remaining := range []int{-1, 5000, 10} {
		prev := time.Duration(0)
		for e := time.Duration(0); e <= 2*time.Hour; e += 7 * time.Second {
			got := p.Next(Input{Elapsed: e, RateRemaining: remaining})
			if got < prev {
				t.Fatalf("remaining=%d: Next(%s) = %s < previous %s", remaining, e, got, prev)
			}
			prev = got
		}
	}
}

func TestNextSettledOverridesSchedule(t *testing.T) {
	t.Parallel()

	p := Default()
	got := p.Next(Input{Elapsed: 40 * time.Minute, SubtasksSettled: true, RateRemaining: 1})
	if got != 2*time.Second {
		t.Fatalf("Next(settled) = %s, want 2s", got)
	}
}

func TestNextLowRateWidensUpToCeiling(t *testing.T) {
	t.Parallel()

	p := Default()
	if got := p.Next(Input{Elapsed: 0, RateRemaining: 50}); got != 10*time.Second {
		t.Fatalf("Next(low, early) = %s, want 10s", got)
	}
	if got := p.Next(Input{Elapsed: time.Hour, RateRemaining: 50}); got != 2*time.Minute {
		t.Fatalf("Next(low, late) = %s, want 2m", got)
	}
	p.Ceiling = 90 * time.Second
	if got := p.Next(Input{Elapsed: time.Hour, RateRemaining: 50}); got != 90*time.Second {
		t.Fatalf("Next(low, capped) = %s, want 90s", got)
	}
	if got := p.Next(Input{Elapsed: time.Hour, RateRemaining: 500}); got != time.Minute {
		t.Fatalf("Next(healthy) = %s, want 1m", got)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	bad := Default()
	bad.Steps[2].Every = time.Second
	if bad.Validate() == nil {
		t.Fatal("Validate(shrinking step) = nil, want error")
	}
	bad = Default()
	bad.Final = time.Second
	if bad.Validate() == nil {
		t.Fatal("Validate(final below last step) = nil, want error")
	}
}
