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

// Package retry implements per-task-kind retry budgets with exponential
// backoff and jitter, plus a graph-wide circuit breaker that halts
// dispatch after a run of consecutive failures.
package retry

import (
	"math/rand"
	"sync"
	"time"

	"github.com/kadirpekel/conductor/pkg/graph"
)

// KindPolicy configures retry behavior for one task kind.
type KindPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Config configures the RetryPolicy. PLAN defaults to zero retries per
// spec.md; idempotent kinds may be configured to retry.
type Config struct {
	Kinds                  map[graph.Kind]KindPolicy
	CircuitBreakerThreshold int
}

// SetDefaults fills in a conservative default policy set if none was
// provided: PLAN and DEPLOY get zero retries (side-effecting, not safe
// to blindly repeat); everything else gets up to 2 retries with a
// 500ms/10s exponential backoff window.
func (c *Config) SetDefaults() {
	if c.Kinds == nil {
		c.Kinds = make(map[graph.Kind]KindPolicy)
	}
	def := KindPolicy{MaxRetries: 2, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}
	for _, k := range []graph.Kind{
		graph.KindPlan, graph.KindCode, graph.KindAudit, graph.KindTest,
		graph.KindReview, graph.KindDeploy, graph.KindResearch, graph.KindDesign,
		graph.KindInfraProvision, graph.KindShell,
	} {
		if _, ok := c.Kinds[k]; ok {
			continue
		}
		switch k {
		case graph.KindPlan, graph.KindDeploy:
			c.Kinds[k] = KindPolicy{MaxRetries: 0, BaseDelay: def.BaseDelay, MaxDelay: def.MaxDelay}
		default:
			c.Kinds[k] = def
		}
	}
	if c.CircuitBreakerThreshold <= 0 {
		c.CircuitBreakerThreshold = 5
	}
}

// Policy tracks per-kind retry budgets and the graph-wide circuit
// breaker state. It is safe for concurrent use.
type Policy struct {
	mu             sync.Mutex
	cfg            Config
	consecutiveFailures int
	circuitOpen    bool
	rng            *rand.Rand
}

// New creates a Policy from the given config, applying defaults for any
// unset fields.
func New(cfg Config) *Policy {
	cfg.SetDefaults()
	return &Policy{cfg: cfg, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// MaxRetries returns the configured retry budget for a task kind.
func (p *Policy) MaxRetries(kind graph.Kind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.Kinds[kind].MaxRetries
}

// ShouldRetry reports whether a task that has already been attempted
// retryCount times (0-indexed, i.e. retryCount is the number of prior
// retries) is eligible for one more attempt, and whether the circuit
// breaker is currently open.
func (p *Policy) ShouldRetry(kind graph.Kind, retryCount int) (retry bool, circuitOpen bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.circuitOpen {
		return false, true
	}
	return retryCount < p.cfg.Kinds[kind].MaxRetries, false
}

// Backoff computes the exponential backoff delay for the given attempt
// number (0-indexed), with decorrelated jitter: min(base*2^attempt, max)
// scaled by a random factor in [0.5, 1.0].
func (p *Policy) Backoff(kind graph.Kind, attempt int) time.Duration {
	p.mu.Lock()
	kp := p.cfg.Kinds[kind]
	p.mu.Unlock()

	base := kp.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	max := kp.MaxDelay
	if max <= 0 {
		max = 10 * time.Second
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}

	p.mu.Lock()
	jitter := 0.5 + p.rng.Float64()*0.5
	p.mu.Unlock()

	return time.Duration(float64(delay) * jitter)
}

// RecordSuccess resets the circuit breaker's consecutive-failure
// counter. Open question resolved (DESIGN.md): the breaker uses an
// explicit window-based reset — any COMPLETED task clears the streak,
// it does not require a fixed time window to elapse.
func (p *Policy) RecordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveFailures = 0
}

// RecordFailure increments the consecutive-failure streak and opens the
// circuit breaker once the configured threshold is reached. Returns
// true if this call caused the breaker to open.
func (p *Policy) RecordFailure() (opened bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.circuitOpen {
		return false
	}
	p.consecutiveFailures++
	if p.consecutiveFailures >= p.cfg.CircuitBreakerThreshold {
		p.circuitOpen = true
		return true
	}
	return false
}

// CircuitOpen reports whether the breaker has tripped.
func (p *Policy) CircuitOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.circuitOpen
}

// ConsecutiveFailures returns the current streak length, for
// diagnostics/tests.
func (p *Policy) ConsecutiveFailures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consecutiveFailures
}

// BuildFeedback constructs the reserved retry-feedback payload fragment
// from a prior failed result and the next attempt number.
func BuildFeedback(prior *graph.Result, nextAttempt int) map[string]any {
	lastErr := ""
	if prior != nil {
		lastErr = prior.Stderr
	}
	return map[string]any{
		graph.ReservedRetryKey: graph.RetryFeedback{
			Attempt:   nextAttempt,
			LastError: lastErr,
		},
	}
}
