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

package balancer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/conductor/pkg/graph"
	"github.com/kadirpekel/conductor/pkg/registry"
)

// Executor runs a task on a specific worker. Implementations are
// host-plugged agent executors.
type Executor interface {
	Execute(ctx context.Context, workerID string, task *graph.Task) (graph.Result, error)
}

// FailoverEvent records a worker substitution during dispatch.
type FailoverEvent struct {
	TaskID        string
	FromWorkerID  string
	Reason        string
	AttemptNumber int
	At            time.Time
}

// DispatchOutcome is the result of a (possibly multi-attempt) dispatch.
type DispatchOutcome struct {
	TaskID           string
	WorkerID         string
	Result           graph.Result
	Failover         bool
	FailoverAttempts int
}

// Config configures a DistributedDispatcher.
type Config struct {
	DefaultDispatchTimeout time.Duration
	MaxFailoverAttempts    int
	Logger                 *slog.Logger
}

// DistributedDispatcher resolves a live worker for a task, races the
// executor call against a timeout, and fails over to another capable
// worker on error or timeout.
type DistributedDispatcher struct {
	registry *registry.Registry
	balancer *LoadBalancer
	executor Executor
	cfg      Config

	mu          sync.Mutex
	failoverLog []FailoverEvent
}

// NewDistributedDispatcher wires a registry, balancer, and executor
// together with failover policy.
func NewDistributedDispatcher(reg *registry.Registry, lb *LoadBalancer, exec Executor, cfg Config) *DistributedDispatcher {
	if cfg.DefaultDispatchTimeout <= 0 {
		cfg.DefaultDispatchTimeout = 30 * time.Second
	}
	if cfg.MaxFailoverAttempts <= 0 {
		cfg.MaxFailoverAttempts = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &DistributedDispatcher{registry: reg, balancer: lb, executor: exec, cfg: cfg}
}

// Dispatch resolves a candidate worker, runs the executor, and fails
// over up to cfg.MaxFailoverAttempts times on error or timeout.
func (d *DistributedDispatcher) Dispatch(ctx context.Context, task *graph.Task) (*DispatchOutcome, error) {
	excluded := make(map[string]struct{})

	for attempt := 0; ; attempt++ {
		candidates := d.candidatesExcluding(task.Kind(), excluded)
		worker := d.balancer.Select(candidates, task.Kind())
		if worker == nil {
			return nil, fmt.Errorf("no available worker capable of %s", task.Kind())
		}

		if err := d.registry.TaskStarted(worker.ID()); err != nil {
			return nil, err
		}

		result, reason, err := d.runWithTimeout(ctx, worker.ID(), task)
		if err == nil {
			_ = d.registry.TaskCompleted(worker.ID())
			return &DispatchOutcome{
				TaskID:           task.ID(),
				WorkerID:         worker.ID(),
				Result:           result,
				Failover:         attempt > 0,
				FailoverAttempts: attempt,
			}, nil
		}

		_ = d.registry.TaskCompleted(worker.ID())
		excluded[worker.ID()] = struct{}{}
		d.recordFailover(task.ID(), worker.ID(), reason, attempt+1)

		if attempt >= d.cfg.MaxFailoverAttempts {
			return nil, fmt.Errorf("dispatch failed after %d failover attempts: %w", attempt+1, err)
		}
	}
}

func (d *DistributedDispatcher) candidatesExcluding(kind graph.Kind, excluded map[string]struct{}) []*registry.WorkerNode {
	capable := d.registry.GetCapableWorkers(kind)
	available := make(map[string]struct{})
	for _, w := range d.registry.GetAvailableWorkers() {
		available[w.ID()] = struct{}{}
	}

	var out []*registry.WorkerNode
	for _, w := range capable {
		if _, skip := excluded[w.ID()]; skip {
			continue
		}
		if _, ok := available[w.ID()]; !ok {
			continue
		}
		out = append(out, w)
	}
	return out
}

func (d *DistributedDispatcher) runWithTimeout(ctx context.Context, workerID string, task *graph.Task) (graph.Result, string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.DefaultDispatchTimeout)
	defer cancel()

	type outcome struct {
		result graph.Result
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := d.executor.Execute(ctx, workerID, task)
		ch <- outcome{res, err}
	}()

	select {
	case <-ctx.Done():
		d.cfg.Logger.Warn("dispatch timed out", "task", task.ID(), "worker", workerID)
		return graph.Result{}, "DISPATCH_TIMEOUT", ctx.Err()
	case o := <-ch:
		if o.err != nil {
			return graph.Result{}, "WORKER_CRASH", o.err
		}
		return o.result, "", nil
	}
}

func (d *DistributedDispatcher) recordFailover(taskID, fromWorkerID, reason string, attempt int) {
	ev := FailoverEvent{TaskID: taskID, FromWorkerID: fromWorkerID, Reason: reason, AttemptNumber: attempt, At: time.Now()}
	d.mu.Lock()
	d.failoverLog = append(d.failoverLog, ev)
	d.mu.Unlock()
	d.cfg.Logger.Info("dispatch failover", "task", taskID, "from", fromWorkerID, "reason", reason, "attempt", attempt)
}

// FailoverLog returns a copy of recorded failover events.
func (d *DistributedDispatcher) FailoverLog() []FailoverEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]FailoverEvent, len(d.failoverLog))
	copy(out, d.failoverLog)
	return out
}
