package verifyworld

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skywalker-88/wardengate/pkg/config"
)

func baseVerificationCfg() config.Verification {
	return config.Verification{
		MinMovements:        3,
		MinDistance:         2.0,
		MinElapsed:          3 * time.Second,
		MinDirectionChanges: 2,
		TimingStdDevEpsilon: 0.01,
	}
}

func TestDirectionChanges(t *testing.T) {
	require.Equal(t, 0, directionChanges([]int{1, 1, 1}))
	require.Equal(t, 1, directionChanges([]int{1, 1, -1}))
	require.Equal(t, 3, directionChanges([]int{1, -1, 1, -1}))
	require.Equal(t, 0, directionChanges(nil))
}

func TestNaturalTiming_RequiresThreeSamples(t *testing.T) {
	now := time.Unix(0, 0)
	require.False(t, naturalTiming([]time.Time{now, now.Add(time.Second)}, 0.01))
}

func TestNaturalTiming_RejectsConstantTick(t *testing.T) {
	now := time.Unix(0, 0)
	ts := []time.Time{now, now.Add(200 * time.Millisecond), now.Add(400 * time.Millisecond), now.Add(600 * time.Millisecond)}
	require.False(t, naturalTiming(ts, 0.01), "perfectly constant spacing must fail the natural-timing check")
}

func TestNaturalTiming_AcceptsJitteredTick(t *testing.T) {
	now := time.Unix(0, 0)
	ts := []time.Time{
		now,
		now.Add(180 * time.Millisecond),
		now.Add(410 * time.Millisecond),
		now.Add(560 * time.Millisecond),
	}
	require.True(t, naturalTiming(ts, 0.01))
}

func TestEvaluate_FirstFailingCriterionWins(t *testing.T) {
	cfg := baseVerificationCfg()
	vp := &VirtualPlayer{EntryAt: time.Unix(0, 0)}
	result := evaluate(vp, cfg, time.Unix(0, 0))
	require.False(t, result.pass)
	require.Equal(t, "insufficient movements", result.reason)
}

func TestEvaluate_PassesWhenAllCriteriaMet(t *testing.T) {
	cfg := baseVerificationCfg()
	now := time.Unix(10, 0)
	vp := &VirtualPlayer{
		EntryAt:       now.Add(-4 * time.Second),
		movements:     4,
		totalDistance: 5.0,
		axisSigns:     []int{1, -1, 1},
		timestamps: []time.Time{
			now.Add(-900 * time.Millisecond),
			now.Add(-650 * time.Millisecond),
			now.Add(-300 * time.Millisecond),
			now,
		},
	}
	result := evaluate(vp, cfg, now)
	require.True(t, result.pass)
}

func TestEvaluate_BoundaryMovementsExactMinPasses(t *testing.T) {
	cfg := baseVerificationCfg()
	now := time.Unix(10, 0)
	vp := &VirtualPlayer{
		EntryAt:       now.Add(-4 * time.Second),
		movements:     cfg.MinMovements,
		totalDistance: cfg.MinDistance,
		axisSigns:     []int{1, -1, 1},
		timestamps: []time.Time{
			now.Add(-900 * time.Millisecond),
			now.Add(-650 * time.Millisecond),
			now.Add(-300 * time.Millisecond),
			now,
		},
	}
	result := evaluate(vp, cfg, now)
	require.True(t, result.pass)
}

func TestEvaluate_OneBelowMinMovementsFails(t *testing.T) {
	cfg := baseVerificationCfg()
	now := time.Unix(10, 0)
	vp := &VirtualPlayer{
		EntryAt:       now.Add(-4 * time.Second),
		movements:     cfg.MinMovements - 1,
		totalDistance: cfg.MinDistance,
	}
	result := evaluate(vp, cfg, now)
	require.False(t, result.pass)
}
