package sink

import (
	"testing"
	"time"
)

func TestBackoffDelayProgression(t *testing.T) {
	// jitter 0.5 lands exactly on the base delay.
	mid := func() float64 { return 0.5 }

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, 1600 * time.Millisecond},
		{6, 3200 * time.Millisecond},
		{7, 5 * time.Second},
		{20, 5 * time.Second},
	}
	for _, tc := range cases {
		got := backoffDelay(tc.attempt, 100*time.Millisecond, 5*time.Second, mid)
		if got != tc.want {
			t.Errorf("attempt %d: delay = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestBackoffDelayJitterBounds(t *testing.T) {
	base := 400 * time.Millisecond

	low := backoffDelay(3, 100*time.Millisecond, 5*time.Second, func() float64 { return 0 })
	if want := time.Duration(float64(base) * 0.8); low != want {
		t.Errorf("low jitter delay = %v, want %v", low, want)
	}

	high := backoffDelay(3, 100*time.Millisecond, 5*time.Second, func() float64 { return 0.999 })
	if max := time.Duration(float64(base) * 1.2); high >= max {
		t.Errorf("high jitter delay = %v, want < %v", high, max)
	}
	if high <= base {
		t.Errorf("high jitter delay = %v, want > %v", high, base)
	}
}
