package backoff

import (
	"fmt"
	"testing"
	"time"
)

func TestExponentialDelay(t *testing.T) {
	p := Params{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-3, 100 * time.Millisecond},
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{500, time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			if got := (Exponential{}).Delay(tt.attempt, p); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestExponentialJitterStaysWithinCap(t *testing.T) {
	p := Params{Initial: 100 * time.Millisecond, Max: 150 * time.Millisecond, Multiplier: 2, Jitter: 1}
	for i := 0; i < 200; i++ {
		got := (Exponential{}).Delay(0, p)
		if got < 100*time.Millisecond || got > 150*time.Millisecond {
			t.Fatalf("Delay(0) = %v, want within [100ms, 150ms]", got)
		}
	}
}

func TestDecorrelatedDelayBounds(t *testing.T) {
	p := Params{Initial: 100 * time.Millisecond, Max: 2 * time.Second}
	tests := []struct {
		attempt  int
		min, max time.Duration
	}{
		{0, 100 * time.Millisecond, 100 * time.Millisecond},
		{1, 100 * time.Millisecond, 300 * time.Millisecond},
		{2, 100 * time.Millisecond, 900 * time.Millisecond},
		{8, 100 * time.Millisecond, 2 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			for i := 0; i < 100; i++ {
				got := (Decorrelated{}).Delay(tt.attempt, p)
				if got < tt.min || got > tt.max {
					t.Fatalf("Delay(%d) = %v, want within [%v, %v]", tt.attempt, got, tt.min, tt.max)
				}
			}
		})
	}
}

func TestLinearDelay(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		p       Params
		want    time.Duration
	}{
		{"first", 1, Params{Initial: time.Second}, time.Second},
		{"below one", 0, Params{Initial: time.Second}, time.Second},
		{"grows by step", 7, Params{Initial: time.Second}, 7 * time.Second},
		{"fiftieth", 50, Params{Initial: time.Second}, 50 * time.Second},
		{"capped", 7, Params{Initial: time.Second, Max: 5 * time.Second}, 5 * time.Second},
		{"zero step", 3, Params{}, 0},
		{"saturates", 1 << 40, Params{Initial: time.Hour}, maxDuration},
		{"saturates to cap", 1 << 40, Params{Initial: time.Hour, Max: time.Minute}, time.Minute},
		{"multiplier ignored", 3, Params{Initial: time.Second, Multiplier: 10}, 3 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := (Linear{}).Delay(tt.attempt, tt.p); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestLinearJitterOnlyLengthens(t *testing.T) {
	p := Params{Initial: time.Second, Jitter: 0.5}
	for i := 0; i < 100; i++ {
		got := (Linear{}).Delay(2, p)
		if got < 2*time.Second || got > 3*time.Second {
			t.Fatalf("Delay(2) = %v, want within [2s, 3s]", got)
		}
	}
}

func TestAddJitter(t *testing.T) {
	if got := addJitter(time.Second, 2*time.Second, 0); got != time.Second {
		t.Errorf("no jitter changed the delay: %v", got)
	}
	if got := addJitter(time.Second, time.Second, 1); got != time.Second {
		t.Errorf("jitter passed the limit: %v", got)
	}
	for i := 0; i < 100; i++ {
		if got := addJitter(time.Second, time.Hour, 5); got < time.Second || got > 2*time.Second {
			t.Fatalf("jitter above 1 must clamp, got %v", got)
		}
	}
}
