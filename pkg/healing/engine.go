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

package healing

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/kadirpekel/conductor/pkg/graph"
)

// Action is one rung of the healing ladder.
type Action string

const (
	ActionRestart         Action = "RESTART"
	ActionReroute         Action = "REROUTE"
	ActionScaleDown       Action = "SCALE_DOWN"
	ActionRetryWithBackoff Action = "RETRY_WITH_BACKOFF"
	ActionSkipDependency  Action = "SKIP_DEPENDENCY"
	ActionEscalate        Action = "ESCALATE"
)

// DefaultLadders maps each failure category to its ordered, non-escalate
// action ladder. ESCALATE always follows ladder exhaustion and is never
// itself invoked through the executor.
func DefaultLadders() map[Category][]Action {
	return map[Category][]Action{
		CategoryOOM:               {ActionScaleDown, ActionRetryWithBackoff},
		CategoryTimeout:           {ActionRetryWithBackoff, ActionReroute},
		CategoryDependencyFailure: {ActionSkipDependency, ActionRetryWithBackoff},
		CategoryCrash:             {ActionRestart, ActionReroute},
		CategoryPermissionDenied:  {ActionReroute},
		CategoryNetworkError:      {ActionRetryWithBackoff, ActionReroute},
		CategoryUnknown:           {ActionRetryWithBackoff},
	}
}

// EscalationLevel grades an escalation's severity.
type EscalationLevel string

const (
	LevelWarn  EscalationLevel = "WARN"
	LevelAlert EscalationLevel = "ALERT"
	LevelBlock EscalationLevel = "BLOCK"
)

// HealingRecord is one attempted (and possibly successful) heal.
type HealingRecord struct {
	TaskID         string
	Agent          string
	TaskKind       graph.Kind
	Category       Category
	AttemptedAction Action
	Success        bool
	At             time.Time
}

// EscalationEvent is emitted when healing gives up on a task.
type EscalationEvent struct {
	TaskID    string
	TaskKind  graph.Kind
	Category  Category
	Level     EscalationLevel
	Reason    string
	At        time.Time
}

// Executor performs one healing action against a task. It returns true
// if the action resolved the failure.
type Executor func(taskID string, action Action, classification Classification) bool

// Outcome is the result of one Heal call.
type Outcome struct {
	Healed          bool
	SuccessfulAction Action
	Attempts        int
}

// Config configures a HealingEngine.
type Config struct {
	Ladders          map[Category][]Action
	CriticalKinds    map[graph.Kind]struct{}
	MinConfidence    float64
	MaxHealingAttempts int
	Logger           hclog.Logger
}

// SetDefaults fills zero-valued fields with spec.md §7 defaults.
func (c *Config) SetDefaults() {
	if c.Ladders == nil {
		c.Ladders = DefaultLadders()
	}
	if c.CriticalKinds == nil {
		c.CriticalKinds = map[graph.Kind]struct{}{graph.KindPlan: {}, graph.KindDeploy: {}}
	}
	if c.MinConfidence == 0 {
		c.MinConfidence = 0.5
	}
	if c.MaxHealingAttempts == 0 {
		c.MaxHealingAttempts = 3
	}
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
}

// Engine runs the action ladder per failure and tracks records/escalations.
type Engine struct {
	cfg Config

	mu               sync.Mutex
	records          []HealingRecord
	escalations      []EscalationEvent
	priorAttempts    map[string]int // taskID -> total prior healing attempts
}

// NewEngine creates a HealingEngine.
func NewEngine(cfg Config) *Engine {
	cfg.SetDefaults()
	return &Engine{cfg: cfg, priorAttempts: make(map[string]int)}
}

// Heal attempts to recover taskID from a classified failure, walking
// the category's action ladder via executor. Escalates immediately
// under the conditions in spec.md §4.7.
func (e *Engine) Heal(taskID, agent string, taskKind graph.Kind, classification Classification, executor Executor) Outcome {
	e.mu.Lock()
	priorAttempts := e.priorAttempts[taskID]
	e.mu.Unlock()

	if _, critical := e.cfg.CriticalKinds[taskKind]; critical {
		e.escalate(taskID, taskKind, classification, LevelBlock, "critical task kind")
		return Outcome{Healed: false}
	}
	if classification.Confidence < e.cfg.MinConfidence {
		e.escalate(taskID, taskKind, classification, LevelAlert, "classification confidence below threshold")
		return Outcome{Healed: false}
	}
	if priorAttempts >= e.cfg.MaxHealingAttempts {
		e.escalate(taskID, taskKind, classification, LevelBlock, "exceeded max healing attempts")
		return Outcome{Healed: false}
	}

	ladder := e.cfg.Ladders[classification.Category]
	attempts := 0
	for _, action := range ladder {
		attempts++
		priorAttempts++

		success := executor(taskID, action, classification)
		e.recordAttempt(taskID, agent, taskKind, classification.Category, action, success)

		if success {
			e.mu.Lock()
			e.priorAttempts[taskID] = priorAttempts
			e.mu.Unlock()
			return Outcome{Healed: true, SuccessfulAction: action, Attempts: attempts}
		}
	}

	e.mu.Lock()
	e.priorAttempts[taskID] = priorAttempts
	e.mu.Unlock()

	e.escalate(taskID, taskKind, classification, LevelWarn, "all healing actions exhausted")
	return Outcome{Healed: false, Attempts: attempts}
}

func (e *Engine) recordAttempt(taskID, agent string, taskKind graph.Kind, category Category, action Action, success bool) {
	rec := HealingRecord{
		TaskID: taskID, Agent: agent, TaskKind: taskKind, Category: category,
		AttemptedAction: action, Success: success, At: time.Now(),
	}
	e.mu.Lock()
	e.records = append(e.records, rec)
	e.mu.Unlock()
	e.cfg.Logger.Info("healing attempt", "task", taskID, "action", action, "category", category, "success", success)
}

func (e *Engine) escalate(taskID string, taskKind graph.Kind, classification Classification, level EscalationLevel, reason string) {
	ev := EscalationEvent{TaskID: taskID, TaskKind: taskKind, Category: classification.Category, Level: level, Reason: reason, At: time.Now()}
	e.mu.Lock()
	e.escalations = append(e.escalations, ev)
	e.mu.Unlock()
	e.cfg.Logger.Warn("healing escalation", "task", taskID, "level", level, "reason", reason)
}

// Records returns a copy of all recorded healing attempts.
func (e *Engine) Records() []HealingRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]HealingRecord, len(e.records))
	copy(out, e.records)
	return out
}

// Escalations returns a copy of all escalation events.
func (e *Engine) Escalations() []EscalationEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]EscalationEvent, len(e.escalations))
	copy(out, e.escalations)
	return out
}

// SuccessRate computes the fraction of healing attempts that succeeded
// across all recorded history.
func (e *Engine) SuccessRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.records) == 0 {
		return 0
	}
	successes := 0
	for _, r := range e.records {
		if r.Success {
			successes++
		}
	}
	return float64(successes) / float64(len(e.records))
}
