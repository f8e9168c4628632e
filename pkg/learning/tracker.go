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

// Package learning implements the OutcomeTracker and AdaptationEngine:
// decay-weighted per-(agent,taskKind) outcome statistics feeding bid
// calibration, retry-limit tuning, and failure alerting.
package learning

import (
	"math"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/kadirpekel/conductor/pkg/graph"
)

// Outcome is one recorded task completion for an (agent, taskKind) pair.
type Outcome struct {
	Success    bool
	DurationMs int64
	RetryCount int
	ErrorPattern string
	At         time.Time
}

// Stats is the decay-weighted aggregate for an (agent, taskKind) pair.
type Stats struct {
	TotalOutcomes    int
	SuccessRate      float64
	AvgDurationMs    float64
	P95DurationMs    int64
	AvgRetryCount    float64
	RetrySuccessRate float64
	TopErrorPattern  string
}

type pairKey struct {
	agent string
	kind  graph.Kind
}

// Config configures an OutcomeTracker.
type Config struct {
	MaxOutcomesPerPair int
	HalfLife           time.Duration
}

// SetDefaults fills zero-valued fields.
func (c *Config) SetDefaults() {
	if c.MaxOutcomesPerPair == 0 {
		c.MaxOutcomesPerPair = 200
	}
	if c.HalfLife == 0 {
		c.HalfLife = 24 * time.Hour
	}
}

// Tracker records outcomes in a bounded per-pair ring and computes
// decay-weighted statistics on demand.
type Tracker struct {
	cfg Config

	mu    sync.Mutex
	rings *lru.Cache // pairKey -> *ring
}

type ring struct {
	mu      sync.Mutex
	buf     []Outcome
	maxSize int
}

func newRing(maxSize int) *ring {
	return &ring{maxSize: maxSize}
}

func (r *ring) append(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, o)
	if len(r.buf) > r.maxSize {
		r.buf = r.buf[len(r.buf)-r.maxSize:]
	}
}

func (r *ring) snapshot() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Outcome, len(r.buf))
	copy(out, r.buf)
	return out
}

// NewTracker creates a Tracker. Pair cardinality is bounded by an LRU
// cache of rings (default 10,000 distinct agent/kind pairs) so the
// tracker never grows unbounded under a churning agent population.
func NewTracker(cfg Config) *Tracker {
	cfg.SetDefaults()
	cache, _ := lru.New(10_000)
	return &Tracker{cfg: cfg, rings: cache}
}

func (t *Tracker) ringFor(agent string, kind graph.Kind) *ring {
	key := pairKey{agent, kind}
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.rings.Get(key); ok {
		return v.(*ring)
	}
	r := newRing(t.cfg.MaxOutcomesPerPair)
	t.rings.Add(key, r)
	return r
}

// Record appends an outcome to the (agent, taskKind) pair's ring.
func (t *Tracker) Record(agent string, kind graph.Kind, outcome Outcome) {
	t.ringFor(agent, kind).append(outcome)
}

// ComputeStats aggregates the pair's ring with exponential time-decay
// weighting. Returns TotalOutcomes == 0 when nothing has been recorded.
func (t *Tracker) ComputeStats(agent string, kind graph.Kind, now time.Time) Stats {
	outcomes := t.ringFor(agent, kind).snapshot()
	if len(outcomes) == 0 {
		return Stats{}
	}

	halfLifeMs := float64(t.cfg.HalfLife.Milliseconds())
	var weightedSuccessSum, weightSum float64
	var durations []int64
	var retrySum int
	retriedCount := 0
	retriedSuccesses := 0
	errorCounts := make(map[string]int)

	for _, o := range outcomes {
		ageMs := float64(now.Sub(o.At).Milliseconds())
		if ageMs < 0 {
			ageMs = 0
		}
		weight := math.Pow(0.5, ageMs/halfLifeMs)
		weightSum += weight
		if o.Success {
			weightedSuccessSum += weight
		}

		durations = append(durations, o.DurationMs)
		retrySum += o.RetryCount

		if o.RetryCount > 0 {
			retriedCount++
			if o.Success {
				retriedSuccesses++
			}
		}
		if !o.Success && o.ErrorPattern != "" {
			errorCounts[o.ErrorPattern]++
		}
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	p95Idx := int(math.Floor(0.95 * float64(len(durations))))
	if p95Idx >= len(durations) {
		p95Idx = len(durations) - 1
	}

	var sumDurations int64
	for _, d := range durations {
		sumDurations += d
	}

	successRate := 0.0
	if weightSum > 0 {
		successRate = weightedSuccessSum / weightSum
	}

	retrySuccessRate := 0.0
	if retriedCount > 0 {
		retrySuccessRate = float64(retriedSuccesses) / float64(retriedCount)
	}

	topError := ""
	topCount := 0
	// deterministic iteration over sorted keys for tie-break stability
	keys := make([]string, 0, len(errorCounts))
	for k := range errorCounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if errorCounts[k] > topCount {
			topCount = errorCounts[k]
			topError = k
		}
	}

	return Stats{
		TotalOutcomes:    len(outcomes),
		SuccessRate:      successRate,
		AvgDurationMs:    float64(sumDurations) / float64(len(durations)),
		P95DurationMs:    durations[p95Idx],
		AvgRetryCount:    float64(retrySum) / float64(len(outcomes)),
		RetrySuccessRate: retrySuccessRate,
		TopErrorPattern:  topError,
	}
}
