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

package main

import (
	"context"
	"os/exec"
	"time"

	"github.com/kadirpekel/conductor/pkg/balancer"
	"github.com/kadirpekel/conductor/pkg/graph"
)

// ShellExecutor is the built-in Dispatcher: a task whose payload carries
// a "_command" string is run through "sh -c"; any other task kind is
// treated as a no-op success, standing in for a host-plugged agent
// executor the conductor itself does not implement.
type ShellExecutor struct {
	// Timeout bounds each command. Zero means no per-task deadline
	// beyond the parent context's.
	Timeout time.Duration
}

// Dispatch runs t's "_command" payload entry, if present, and reports
// its exit code/stdout/stderr as a graph.Result.
func (s ShellExecutor) Dispatch(ctx context.Context, t *graph.Task) (graph.Result, error) {
	command, ok := t.Payload()["_command"].(string)
	if !ok || command == "" {
		return graph.Result{ExitCode: 0, Stdout: "no-op: " + string(t.Kind())}, nil
	}

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	stdout, err := cmd.Output()
	duration := time.Since(start).Milliseconds()

	result := graph.Result{Stdout: string(stdout), DurationMs: duration}
	if err == nil {
		result.ExitCode = 0
		return result, nil
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		result.Stderr = string(exitErr.Stderr)
		return result, nil
	}
	result.ExitCode = 1
	result.Stderr = err.Error()
	return result, nil
}

// shellBalancerExecutor adapts ShellExecutor to balancer.Executor. The
// worker id is unused: the shell command runs locally regardless of
// which worker the balancer selected, since this CLI has no remote
// agent transport -- worker selection here governs concurrency/failover
// accounting, not where the command actually executes.
type shellBalancerExecutor struct {
	inner ShellExecutor
}

func (s shellBalancerExecutor) Execute(ctx context.Context, workerID string, t *graph.Task) (graph.Result, error) {
	return s.inner.Dispatch(ctx, t)
}

// distributedDispatcherAdapter adapts *balancer.DistributedDispatcher to
// engine.Dispatcher, discarding the worker-selection/failover metadata
// the scheduler doesn't consume -- engine.handleOutcome already turns a
// non-nil error into a synthetic failed graph.Result.
type distributedDispatcherAdapter struct {
	inner *balancer.DistributedDispatcher
}

func (d distributedDispatcherAdapter) Dispatch(ctx context.Context, t *graph.Task) (graph.Result, error) {
	out, err := d.inner.Dispatch(ctx, t)
	if err != nil {
		return graph.Result{}, err
	}
	return out.Result, nil
}
