// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package learning

import (
	"math"
	"time"

	"github.com/kadirpekel/conductor/pkg/graph"
)

// RecommendationType names the kind of adaptation suggested.
type RecommendationType string

const (
	RecommendationRetryTune     RecommendationType = "RETRY_TUNE"
	RecommendationBidCalibrate  RecommendationType = "BID_CALIBRATE"
	RecommendationFailureAlert RecommendationType = "FAILURE_ALERT"
	RecommendationTaskAffinity RecommendationType = "TASK_AFFINITY"
)

// Recommendation is one adaptation suggestion for an (agent, kind) pair.
type Recommendation struct {
	Type    RecommendationType
	Agent   string
	Kind    graph.Kind
	Detail  map[string]any
}

// AdaptationConfig parameterizes the AdaptationEngine.
type AdaptationConfig struct {
	MinOutcomes           int
	RetrySuccessThreshold float64
	AlertThreshold        int
	TaskAffinityThreshold float64
}

// SetDefaults fills zero-valued fields.
func (c *AdaptationConfig) SetDefaults() {
	if c.MinOutcomes == 0 {
		c.MinOutcomes = 10
	}
	if c.RetrySuccessThreshold == 0 {
		c.RetrySuccessThreshold = 0.3
	}
	if c.AlertThreshold == 0 {
		c.AlertThreshold = 5
	}
	if c.TaskAffinityThreshold == 0 {
		c.TaskAffinityThreshold = 0.8
	}
}

// AdaptationEngine turns OutcomeTracker stats into actionable
// recommendations.
type AdaptationEngine struct {
	tracker *Tracker
	cfg     AdaptationConfig
}

// NewAdaptationEngine creates an AdaptationEngine over the given tracker.
func NewAdaptationEngine(tracker *Tracker, cfg AdaptationConfig) *AdaptationEngine {
	cfg.SetDefaults()
	return &AdaptationEngine{tracker: tracker, cfg: cfg}
}

// Recommend emits recommendations for a single (agent, kind) pair, or
// nil if there isn't enough data yet.
func (e *AdaptationEngine) Recommend(agent string, kind graph.Kind, now time.Time) []Recommendation {
	stats := e.tracker.ComputeStats(agent, kind, now)
	if stats.TotalOutcomes < e.cfg.MinOutcomes {
		return nil
	}

	var recs []Recommendation

	if stats.RetrySuccessRate < e.cfg.RetrySuccessThreshold {
		recs = append(recs, Recommendation{
			Type: RecommendationRetryTune, Agent: agent, Kind: kind,
			Detail: map[string]any{"suggestedRetryLimit": 0},
		})
	}

	recs = append(recs, Recommendation{
		Type: RecommendationBidCalibrate, Agent: agent, Kind: kind,
		Detail: map[string]any{
			"calibratedCapability": int(math.Round(stats.SuccessRate * 100)),
			"p95DurationMs":        stats.P95DurationMs,
		},
	})

	topErrorCount := topErrorCountFor(e.tracker, agent, kind, now, stats.TopErrorPattern)
	if topErrorCount >= e.cfg.AlertThreshold {
		recs = append(recs, Recommendation{
			Type: RecommendationFailureAlert, Agent: agent, Kind: kind,
			Detail: map[string]any{"errorPattern": stats.TopErrorPattern, "count": topErrorCount},
		})
	}

	if stats.SuccessRate > e.cfg.TaskAffinityThreshold {
		recs = append(recs, Recommendation{
			Type: RecommendationTaskAffinity, Agent: agent, Kind: kind,
			Detail: map[string]any{"successRate": stats.SuccessRate},
		})
	}

	return recs
}

func topErrorCountFor(t *Tracker, agent string, kind graph.Kind, now time.Time, pattern string) int {
	if pattern == "" {
		return 0
	}
	outcomes := t.ringFor(agent, kind).snapshot()
	count := 0
	for _, o := range outcomes {
		if !o.Success && o.ErrorPattern == pattern {
			count++
		}
	}
	return count
}

// GetSuggestedRetryLimit returns a suggested per-kind retry budget from
// the pair's retry-success rate: 0 if low, 3 if high (>0.8), 1
// otherwise. Returns (0, false) when there isn't enough data.
func (e *AdaptationEngine) GetSuggestedRetryLimit(agent string, kind graph.Kind, now time.Time) (int, bool) {
	stats := e.tracker.ComputeStats(agent, kind, now)
	if stats.TotalOutcomes < e.cfg.MinOutcomes {
		return 0, false
	}
	switch {
	case stats.RetrySuccessRate < e.cfg.RetrySuccessThreshold:
		return 0, true
	case stats.RetrySuccessRate > 0.8:
		return 3, true
	default:
		return 1, true
	}
}
