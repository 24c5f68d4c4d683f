package worker

import (
	"testing"
	"time"
)

func TestRestartDelay_Floor(t *testing.T) {
	// 9 + 0^2.5 = 9s and 9 + 1 = 10s both sit at the 10s floor.
	for _, n := range []int{0, 1} {
		if got := restartDelay(n); got != 10*time.Second {
			t.Errorf("restartDelay(%d) = %v, want 10s", n, got)
		}
	}
}

func TestRestartDelay_Growth(t *testing.T) {
	// 9 + 5^2.5 ≈ 64.9s.
	got := restartDelay(5)
	if got < 64*time.Second || got > 65*time.Second {
		t.Errorf("restartDelay(5) = %v, want ~64.9s", got)
	}
	if restartDelay(6) <= got {
		t.Error("restartDelay must grow with the error count")
	}
}

func TestRestartDelay_Ceiling(t *testing.T) {
	for _, n := range []int{14, 100, fatalErrorThreshold} {
		if got := restartDelay(n); got > maxRestartDelay {
			t.Errorf("restartDelay(%d) = %v, above 600s ceiling", n, got)
		}
	}
	if got := restartDelay(1000); got != maxRestartDelay {
		t.Errorf("restartDelay(1000) = %v, want 600s", got)
	}
}

func TestJitteredRestartDelay_WithinFivePercent(t *testing.T) {
	base := restartDelay(5)
	lo := time.Duration(float64(base) * 0.95)
	hi := time.Duration(float64(base) * 1.05)
	for i := 0; i < 100; i++ {
		got := jitteredRestartDelay(5)
		if got < lo || got > hi {
			t.Fatalf("jitteredRestartDelay(5) = %v, outside [%v, %v]", got, lo, hi)
		}
	}
}
