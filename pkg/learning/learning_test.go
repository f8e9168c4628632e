package learning

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/conductor/pkg/graph"
)

func TestComputeStats_EmptyRing(t *testing.T) {
	tr := NewTracker(Config{})
	stats := tr.ComputeStats("agent1", graph.KindCode, time.Now())
	assert.Equal(t, 0, stats.TotalOutcomes)
}

func TestComputeStats_BasicAggregates(t *testing.T) {
	tr := NewTracker(Config{})
	now := time.Now()
	tr.Record("agent1", graph.KindCode, Outcome{Success: true, DurationMs: 100, At: now})
	tr.Record("agent1", graph.KindCode, Outcome{Success: false, DurationMs: 200, At: now})
	tr.Record("agent1", graph.KindCode, Outcome{Success: true, DurationMs: 300, At: now})

	stats := tr.ComputeStats("agent1", graph.KindCode, now)
	assert.Equal(t, 3, stats.TotalOutcomes)
	assert.InDelta(t, 2.0/3.0, stats.SuccessRate, 0.01)
	assert.InDelta(t, 200, stats.AvgDurationMs, 0.01)
}

func TestComputeStats_P95DurationIndex(t *testing.T) {
	tr := NewTracker(Config{})
	now := time.Now()
	for i := 1; i <= 20; i++ {
		tr.Record("agent1", graph.KindCode, Outcome{Success: true, DurationMs: int64(i * 10), At: now})
	}
	stats := tr.ComputeStats("agent1", graph.KindCode, now)
	assert.Equal(t, int64(200), stats.P95DurationMs)
}

func TestComputeStats_RetrySuccessRate(t *testing.T) {
	tr := NewTracker(Config{})
	now := time.Now()
	tr.Record("agent1", graph.KindCode, Outcome{Success: true, RetryCount: 1, At: now})
	tr.Record("agent1", graph.KindCode, Outcome{Success: false, RetryCount: 1, At: now})
	tr.Record("agent1", graph.KindCode, Outcome{Success: true, RetryCount: 0, At: now})

	stats := tr.ComputeStats("agent1", graph.KindCode, now)
	assert.InDelta(t, 0.5, stats.RetrySuccessRate, 0.01)
}

func TestComputeStats_TopErrorPattern(t *testing.T) {
	tr := NewTracker(Config{})
	now := time.Now()
	tr.Record("agent1", graph.KindCode, Outcome{Success: false, ErrorPattern: "TIMEOUT", At: now})
	tr.Record("agent1", graph.KindCode, Outcome{Success: false, ErrorPattern: "TIMEOUT", At: now})
	tr.Record("agent1", graph.KindCode, Outcome{Success: false, ErrorPattern: "CRASH", At: now})

	stats := tr.ComputeStats("agent1", graph.KindCode, now)
	assert.Equal(t, "TIMEOUT", stats.TopErrorPattern)
}

// P13: aging failures while keeping successes recent must not decrease
// the decay-weighted success rate.
func TestComputeStats_DecayMonotonicity(t *testing.T) {
	tr := NewTracker(Config{HalfLife: time.Hour})
	now := time.Now()

	tr.Record("agent1", graph.KindCode, Outcome{Success: true, At: now})
	tr.Record("agent1", graph.KindCode, Outcome{Success: false, At: now.Add(-time.Hour)})
	rateNear := tr.ComputeStats("agent1", graph.KindCode, now).SuccessRate

	tr2 := NewTracker(Config{HalfLife: time.Hour})
	tr2.Record("agent1", graph.KindCode, Outcome{Success: true, At: now})
	tr2.Record("agent1", graph.KindCode, Outcome{Success: false, At: now.Add(-6 * time.Hour)})
	rateFar := tr2.ComputeStats("agent1", graph.KindCode, now).SuccessRate

	assert.GreaterOrEqual(t, rateFar, rateNear)
}

func TestRecommend_InsufficientData_ReturnsNil(t *testing.T) {
	tr := NewTracker(Config{})
	eng := NewAdaptationEngine(tr, AdaptationConfig{MinOutcomes: 10})
	now := time.Now()
	tr.Record("agent1", graph.KindCode, Outcome{Success: true, At: now})
	recs := eng.Recommend("agent1", graph.KindCode, now)
	assert.Nil(t, recs)
}

func TestRecommend_RetryTune_WhenLowRetrySuccess(t *testing.T) {
	tr := NewTracker(Config{})
	eng := NewAdaptationEngine(tr, AdaptationConfig{MinOutcomes: 3, RetrySuccessThreshold: 0.5})
	now := time.Now()
	for i := 0; i < 3; i++ {
		tr.Record("agent1", graph.KindCode, Outcome{Success: false, RetryCount: 1, At: now})
	}
	recs := eng.Recommend("agent1", graph.KindCode, now)
	require.NotEmpty(t, recs)
	found := false
	for _, r := range recs {
		if r.Type == RecommendationRetryTune {
			found = true
			assert.Equal(t, 0, r.Detail["suggestedRetryLimit"])
		}
	}
	assert.True(t, found)
}

func TestGetSuggestedRetryLimit_Tiers(t *testing.T) {
	tr := NewTracker(Config{})
	eng := NewAdaptationEngine(tr, AdaptationConfig{MinOutcomes: 2})
	now := time.Now()

	_, ok := eng.GetSuggestedRetryLimit("agent1", graph.KindCode, now)
	assert.False(t, ok)

	tr.Record("agent1", graph.KindCode, Outcome{Success: true, RetryCount: 1, At: now})
	tr.Record("agent1", graph.KindCode, Outcome{Success: true, RetryCount: 1, At: now})
	limit, ok := eng.GetSuggestedRetryLimit("agent1", graph.KindCode, now)
	require.True(t, ok)
	assert.Equal(t, 3, limit)
}
