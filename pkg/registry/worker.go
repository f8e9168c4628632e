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

package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/kadirpekel/conductor/pkg/graph"
)

// WorkerStatus is a worker's lifecycle state.
type WorkerStatus string

const (
	WorkerIdle     WorkerStatus = "IDLE"
	WorkerBusy     WorkerStatus = "BUSY"
	WorkerDraining WorkerStatus = "DRAINING"
	WorkerDead     WorkerStatus = "DEAD"
)

// WorkerNode is a registered worker agent.
type WorkerNode struct {
	mu             sync.RWMutex
	id             string
	capabilities   map[graph.Kind]struct{}
	maxConcurrency int
	activeTasks    int
	status         WorkerStatus
	lastHeartbeat  time.Time
	registeredAt   time.Time
	metadata       map[string]any
}

func newWorkerNode(id string, capabilities []graph.Kind, maxConcurrency int) *WorkerNode {
	caps := make(map[graph.Kind]struct{}, len(capabilities))
	for _, c := range capabilities {
		caps[c] = struct{}{}
	}
	now := time.Now()
	return &WorkerNode{
		id:             id,
		capabilities:   caps,
		maxConcurrency: maxConcurrency,
		status:         WorkerIdle,
		lastHeartbeat:  now,
		registeredAt:   now,
		metadata:       make(map[string]any),
	}
}

func (w *WorkerNode) ID() string { return w.id }

// Capable reports whether the worker declares the given capability.
func (w *WorkerNode) Capable(kind graph.Kind) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.capabilities[kind]
	return ok
}

func (w *WorkerNode) MaxConcurrency() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.maxConcurrency
}

func (w *WorkerNode) ActiveTasks() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.activeTasks
}

func (w *WorkerNode) Status() WorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

func (w *WorkerNode) LastHeartbeat() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastHeartbeat
}

func (w *WorkerNode) RegisteredAt() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.registeredAt
}

// SetMetadata attaches arbitrary metadata to the worker.
func (w *WorkerNode) SetMetadata(key string, value any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.metadata[key] = value
}

// Metadata returns a copy of the worker's metadata.
func (w *WorkerNode) Metadata() map[string]any {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[string]any, len(w.metadata))
	for k, v := range w.metadata {
		out[k] = v
	}
	return out
}

// Registry manages the distributed worker pool: lifecycle, heartbeats,
// and the capability index. It is built on the generic BaseRegistry
// keyed by worker id.
type Registry struct {
	*BaseRegistry[*WorkerNode]

	mu                      sync.Mutex
	heartbeatInterval       time.Duration
	missedHeartbeatThreshold int
}

// Config configures heartbeat liveness checking.
type Config struct {
	HeartbeatInterval        time.Duration
	MissedHeartbeatsThreshold int
}

// NewRegistry creates a worker registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.MissedHeartbeatsThreshold <= 0 {
		cfg.MissedHeartbeatsThreshold = 3
	}
	return &Registry{
		BaseRegistry:             NewBaseRegistry[*WorkerNode](),
		heartbeatInterval:        cfg.HeartbeatInterval,
		missedHeartbeatThreshold: cfg.MissedHeartbeatsThreshold,
	}
}

// Register enrolls a new worker. maxConcurrency must be >= 1.
func (r *Registry) Register(id string, capabilities []graph.Kind, maxConcurrency int) (*WorkerNode, error) {
	if maxConcurrency < 1 {
		return nil, fmt.Errorf("worker %q: maxConcurrency must be >= 1", id)
	}
	node := newWorkerNode(id, capabilities, maxConcurrency)
	if err := r.BaseRegistry.Register(id, node); err != nil {
		return nil, err
	}
	return node, nil
}

// Deregister removes a worker from the pool entirely.
func (r *Registry) Deregister(id string) error {
	return r.BaseRegistry.Remove(id)
}

// Heartbeat records a liveness signal from a worker, reviving it from
// DEAD to IDLE if necessary.
func (r *Registry) Heartbeat(id string) error {
	w, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("worker %q not found", id)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastHeartbeat = time.Now()
	if w.status == WorkerDead {
		w.status = WorkerIdle
	}
	return nil
}

// Drain marks a worker DRAINING: it stops receiving new dispatch but
// continues to run in-flight tasks. Once fully drained (activeTasks
// reaches zero) it returns to IDLE automatically via TaskCompleted.
func (r *Registry) Drain(id string) error {
	w, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("worker %q not found", id)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = WorkerDraining
	return nil
}

// TaskStarted increments a worker's active-task count and moves IDLE ->
// BUSY on the first concurrent task.
func (r *Registry) TaskStarted(id string) error {
	w, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("worker %q not found", id)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.activeTasks++
	if w.status == WorkerIdle {
		w.status = WorkerBusy
	}
	return nil
}

// TaskCompleted decrements a worker's active-task count, returning it
// to IDLE (from BUSY or DRAINING) once activeTasks reaches zero.
func (r *Registry) TaskCompleted(id string) error {
	w, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("worker %q not found", id)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activeTasks > 0 {
		w.activeTasks--
	}
	if w.activeTasks == 0 && w.status != WorkerDead {
		w.status = WorkerIdle
	}
	return nil
}

// CheckHeartbeats scans all workers and marks any whose heartbeat age
// exceeds interval*threshold as DEAD, returning the ids newly marked.
func (r *Registry) CheckHeartbeats() []string {
	now := time.Now()
	deadline := r.heartbeatInterval * time.Duration(r.missedHeartbeatThreshold)

	var newlyDead []string
	for _, w := range r.List() {
		w.mu.Lock()
		if w.status != WorkerDead && now.Sub(w.lastHeartbeat) > deadline {
			w.status = WorkerDead
			newlyDead = append(newlyDead, w.id)
		}
		w.mu.Unlock()
	}
	return newlyDead
}

// GetAvailableWorkers returns workers that are alive, not draining, and
// have spare capacity.
func (r *Registry) GetAvailableWorkers() []*WorkerNode {
	var out []*WorkerNode
	for _, w := range r.List() {
		w.mu.RLock()
		ok := w.status != WorkerDead && w.status != WorkerDraining && w.activeTasks < w.maxConcurrency
		w.mu.RUnlock()
		if ok {
			out = append(out, w)
		}
	}
	return out
}

// GetCapableWorkers returns alive workers (any status but DEAD) that
// declare the given capability.
func (r *Registry) GetCapableWorkers(kind graph.Kind) []*WorkerNode {
	var out []*WorkerNode
	for _, w := range r.List() {
		if w.Status() == WorkerDead {
			continue
		}
		if w.Capable(kind) {
			out = append(out, w)
		}
	}
	return out
}
