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

// Package graph provides the task graph data model for the DAG scheduler:
// the Task state machine, the Graph container, and structural validation
// (missing-dependency and cycle detection via Kahn's algorithm).
package graph

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the nature of work a Task performs.
type Kind string

const (
	KindPlan            Kind = "PLAN"
	KindCode             Kind = "CODE"
	KindAudit            Kind = "AUDIT"
	KindTest             Kind = "TEST"
	KindReview           Kind = "REVIEW"
	KindDeploy           Kind = "DEPLOY"
	KindResearch         Kind = "RESEARCH"
	KindDesign           Kind = "DESIGN"
	KindInfraProvision   Kind = "INFRA_PROVISION"
	KindShell            Kind = "SHELL"
)

// Status represents a Task's position in the state machine:
//
//	PENDING -> READY -> RUNNING -> (COMPLETED | RETRYING -> RUNNING* | FAILED | SKIPPED)
//
// COMPLETED, FAILED and SKIPPED are terminal: once reached they never change.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusReady     Status = "READY"
	StatusRunning   Status = "RUNNING"
	StatusRetrying  Status = "RETRYING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusSkipped   Status = "SKIPPED"
)

// IsTerminal reports whether a status never transitions further.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// IsFailedOrSkipped reports whether a dependency in this status should
// cause transitive skipping of its dependents.
func (s Status) IsFailedOrSkipped() bool {
	return s == StatusFailed || s == StatusSkipped
}

// Result captures the outcome of a single task execution attempt.
type Result struct {
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"durationMs"`
}

// Success reports whether the attempt succeeded (exit code zero).
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0
}

// ReservedRetryKey is the payload key under which RetryPolicy injects the
// prior attempt's failure summary and attempt counter on a retried task.
// Agents MAY consult it; schedulers MUST NOT depend on its contents, per
// the retry-feedback contract.
const ReservedRetryKey = "_retry"

// ReservedParentContextKey is the payload key under which a spawned
// child's parent context (parent id and truncated parent stdout) is
// injected.
const ReservedParentContextKey = "_parentContext"

// ReservedReactiveContextKey marks payload on reactively-spawned
// RESEARCH/PLAN nodes with the rejection reason that triggered them.
const ReservedReactiveContextKey = "_reactiveContext"

// RetryFeedback is the shape stored under ReservedRetryKey.
type RetryFeedback struct {
	Attempt   int    `json:"attempt"`
	LastError string `json:"lastError"`
}

// ParentContext is the shape stored under ReservedParentContextKey.
type ParentContext struct {
	ParentID          string `json:"parentId"`
	TruncatedStdout    string `json:"truncatedParentStdout"`
}

// Task is a single node in the execution graph.
type Task struct {
	mu sync.RWMutex

	id           string
	kind         Kind
	agentHint    string
	dependencies map[string]struct{}
	payload      map[string]any
	status       Status
	result       *Result
	retryCount   int
	depth        int
	parentID     string
	hasParent    bool
	createdAt    time.Time
	updatedAt    time.Time
}

// NewTask creates a root task (depth 0, no parent) with the given id.
func NewTask(id string, kind Kind, agentHint string, dependencies []string, payload map[string]any) *Task {
	if id == "" {
		id = uuid.New().String()
	}
	deps := make(map[string]struct{}, len(dependencies))
	for _, d := range dependencies {
		deps[d] = struct{}{}
	}
	if payload == nil {
		payload = make(map[string]any)
	}
	now := time.Now()
	return &Task{
		id:           id,
		kind:         kind,
		agentHint:    agentHint,
		dependencies: deps,
		payload:      payload,
		status:       StatusPending,
		depth:        0,
		createdAt:    now,
		updatedAt:    now,
	}
}

// NewChildTask creates a task spawned by a parent at depth parent.Depth()+1.
func NewChildTask(id string, kind Kind, agentHint string, dependencies []string, payload map[string]any, parent *Task) *Task {
	t := NewTask(id, kind, agentHint, dependencies, payload)
	t.depth = parent.Depth() + 1
	t.parentID = parent.ID()
	t.hasParent = true
	return t
}

// RestoreTask reconstructs a task with an explicit depth and parent id,
// bypassing parent-relative derivation. Used by checkpoint restore,
// where the parent task object may not exist in the same reconstruction
// pass but its id and the child's depth were already recorded.
func RestoreTask(id string, kind Kind, agentHint string, dependencies []string, payload map[string]any, depth int, parentID string, hasParent bool) *Task {
	t := NewTask(id, kind, agentHint, dependencies, payload)
	t.depth = depth
	t.parentID = parentID
	t.hasParent = hasParent
	return t
}

func (t *Task) ID() string     { return t.id }
func (t *Task) Kind() Kind     { return t.kind }
func (t *Task) AgentHint() string {
	return t.agentHint
}
func (t *Task) Depth() int { return t.depth }

// ParentID returns the parent task id and whether this task has one.
func (t *Task) ParentID() (string, bool) { return t.parentID, t.hasParent }

// Dependencies returns a copy of the dependency id set.
func (t *Task) Dependencies() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.dependencies))
	for d := range t.dependencies {
		out = append(out, d)
	}
	return out
}

// Payload returns a shallow copy of the payload map.
func (t *Task) Payload() map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]any, len(t.payload))
	for k, v := range t.payload {
		out[k] = v
	}
	return out
}

// MergePayload sets additional keys on the payload (used for retry
// feedback and parent-context injection). It never removes existing keys.
func (t *Task) MergePayload(extra map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range extra {
		t.payload[k] = v
	}
	t.updatedAt = time.Now()
}

// Status returns the current status.
func (t *Task) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Result returns a copy of the last recorded result, if any.
func (t *Task) Result() *Result {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.result == nil {
		return nil
	}
	r := *t.result
	return &r
}

// RetryCount returns the number of retry attempts made so far.
func (t *Task) RetryCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.retryCount
}

// SetStatus transitions the task to a new status. It is a no-op (and
// returns false) if the current status is already terminal, enforcing
// that terminal statuses never mutate (P1).
func (t *Task) SetStatus(s Status) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.IsTerminal() {
		return false
	}
	t.status = s
	t.updatedAt = time.Now()
	return true
}

// Complete marks the task COMPLETED with the given result.
func (t *Task) Complete(result *Result) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.IsTerminal() {
		return false
	}
	t.status = StatusCompleted
	t.result = result
	t.updatedAt = time.Now()
	return true
}

// Fail marks the task FAILED with the given result.
func (t *Task) Fail(result *Result) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.IsTerminal() {
		return false
	}
	t.status = StatusFailed
	t.result = result
	t.updatedAt = time.Now()
	return true
}

// Skip marks the task SKIPPED.
func (t *Task) Skip() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.IsTerminal() {
		return false
	}
	t.status = StatusSkipped
	t.updatedAt = time.Now()
	return true
}

// BeginRetry increments the retry counter and moves the task to RETRYING.
func (t *Task) BeginRetry() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retryCount++
	t.status = StatusRetrying
	t.updatedAt = time.Now()
}

// Resume transitions a RETRYING task back to RUNNING for a fresh attempt.
func (t *Task) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusRetrying {
		t.status = StatusRunning
		t.updatedAt = time.Now()
	}
}

// Requeue resets a non-terminal task back to PENDING, clearing its
// result. Used by checkpoint restore for tasks that were not terminal
// when the snapshot was taken.
func (t *Task) Requeue() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.IsTerminal() {
		return
	}
	t.status = StatusPending
	t.result = nil
	t.updatedAt = time.Now()
}

// Clone returns a deep-enough copy of the task for snapshotting.
func (t *Task) Clone() *Task {
	t.mu.RLock()
	defer t.mu.RUnlock()
	deps := make(map[string]struct{}, len(t.dependencies))
	for d := range t.dependencies {
		deps[d] = struct{}{}
	}
	payload := make(map[string]any, len(t.payload))
	for k, v := range t.payload {
		payload[k] = v
	}
	var result *Result
	if t.result != nil {
		r := *t.result
		result = &r
	}
	return &Task{
		id:           t.id,
		kind:         t.kind,
		agentHint:    t.agentHint,
		dependencies: deps,
		payload:      payload,
		status:       t.status,
		result:       result,
		retryCount:   t.retryCount,
		depth:        t.depth,
		parentID:     t.parentID,
		hasParent:    t.hasParent,
		createdAt:    t.createdAt,
		updatedAt:    t.updatedAt,
	}
}
