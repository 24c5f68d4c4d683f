package worker

import (
	"math"
	"math/rand"
	"time"
)

// fatalErrorThreshold is the number of consecutive restarts after which a
// component gives up and escalates through OnFatalError.
const fatalErrorThreshold = 150

const (
	minRestartDelay = 10 * time.Second
	maxRestartDelay = 600 * time.Second
)

// restartDelay converts a consecutive-error count into a back-off delay:
// 9 + n^2.5 seconds, clamped to [10s, 600s]. Pure so it can be tested
// without timers; callers add jitter with jitteredRestartDelay.
func restartDelay(consecutiveErrors int) time.Duration {
	sec := 9 + math.Pow(float64(consecutiveErrors), 2.5)
	d := time.Duration(sec * float64(time.Second))
	if d < minRestartDelay {
		return minRestartDelay
	}
	if d > maxRestartDelay {
		return maxRestartDelay
	}
	return d
}

// jitteredRestartDelay perturbs the delay by ±5% so restarting components
// across a fleet do not stampede the database in lockstep.
func jitteredRestartDelay(consecutiveErrors int) time.Duration {
	base := restartDelay(consecutiveErrors)
	jitter := (rand.Float64() - 0.5) * 0.1 * float64(base)
	return base + time.Duration(jitter)
}
