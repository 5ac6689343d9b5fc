package verifyworld

import (
	"math"
	"time"

	"github.com/skywalker-88/wardengate/pkg/config"
)

// evalResult is the outcome of applying spec.md §4.6's five PASS
// criteria to a VirtualPlayer at a point in time.
type evalResult struct {
	pass   bool
	reason string
}

// evaluate applies spec.md §4.6's five criteria in order, returning
// the first failing reason, or pass=true if all hold.
func evaluate(vp *VirtualPlayer, cfg config.Verification, now time.Time) evalResult {
	if vp.movements < cfg.MinMovements {
		return evalResult{false, "insufficient movements"}
	}
	if vp.totalDistance < cfg.MinDistance {
		return evalResult{false, "insufficient distance"}
	}
	if now.Sub(vp.EntryAt) < cfg.MinElapsed {
		return evalResult{false, "elapsed below minimum"}
	}
	if directionChanges(vp.axisSigns) < cfg.MinDirectionChanges {
		return evalResult{false, "insufficient movement complexity"}
	}
	if !naturalTiming(vp.timestamps, cfg.TimingStdDevEpsilon) {
		return evalResult{false, "non-natural timing"}
	}
	return evalResult{true, "pass"}
}

// directionChanges counts how many times the dominant-axis sign
// sequence changes value, penalizing single-axis scripted spam
// (spec.md §4.6 criterion 4, resolved per DESIGN.md Open Question (c)).
func directionChanges(signs []int) int {
	changes := 0
	for i := 1; i < len(signs); i++ {
		if signs[i] != signs[i-1] {
			changes++
		}
	}
	return changes
}

// naturalTiming reports whether the sample of inter-movement intervals
// has a standard deviation above epsilon times its mean, rejecting a
// near-constant scripted tick (spec.md §4.6 criterion 5).
func naturalTiming(timestamps []time.Time, epsilon float64) bool {
	if len(timestamps) < 3 {
		return false
	}
	intervals := make([]float64, 0, len(timestamps)-1)
	for i := 1; i < len(timestamps); i++ {
		intervals = append(intervals, timestamps[i].Sub(timestamps[i-1]).Seconds())
	}

	var sum float64
	for _, v := range intervals {
		sum += v
	}
	mean := sum / float64(len(intervals))

	var variance float64
	for _, v := range intervals {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(intervals))
	stddev := math.Sqrt(variance)

	return stddev > epsilon*mean
}
