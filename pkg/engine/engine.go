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

// Package engine implements the DAGEngine scheduling loop and the
// MutationController that guards dynamic graph mutation. It is the
// integration glue: every other component (RetryPolicy, SecurityGate,
// DriftGate, QualityGate, HealingEngine, MessageBus, CheckpointManager,
// OutcomeTracker) is wired together here, in the teacher's
// "ExecutionContext owns everything, components observe" idiom.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/conductor/pkg/bus"
	"github.com/kadirpekel/conductor/pkg/checkpoint"
	"github.com/kadirpekel/conductor/pkg/config"
	"github.com/kadirpekel/conductor/pkg/drift"
	"github.com/kadirpekel/conductor/pkg/graph"
	"github.com/kadirpekel/conductor/pkg/healing"
	"github.com/kadirpekel/conductor/pkg/learning"
	"github.com/kadirpekel/conductor/pkg/quality"
	"github.com/kadirpekel/conductor/pkg/retry"
	"github.com/kadirpekel/conductor/pkg/security"
	"github.com/kadirpekel/conductor/pkg/telemetry"
)

// otelTracer is the package-level OpenTelemetry tracer used to wrap each
// gated dispatch attempt in a span. With no TracerProvider configured by
// the host, otel's global default is a no-op provider, so this carries
// no cost or required setup -- a host wanting real spans only needs to
// call otel.SetTracerProvider before running the engine.
var otelTracer = otel.Tracer("github.com/kadirpekel/conductor/pkg/engine")

// Dispatcher is the host-plugged external collaborator that actually
// runs a task (an agent executor). Errors are treated as exit code 1
// with the error text as stderr, per spec.md §4.1.
type Dispatcher interface {
	Dispatch(ctx context.Context, task *graph.Task) (graph.Result, error)
}

// OutMessage is a bus publish requested by a dispatch, stamped with
// _sourceTaskId before being published.
type OutMessage struct {
	Topic      string
	SenderRole string
	Payload    map[string]any
}

// MutatingResult is what a MutatingDispatcher returns: the task result
// plus any spawn requests and bus messages the dispatch produced.
type MutatingResult struct {
	Result        graph.Result
	SpawnRequests []SpawnRequest
	Messages      []OutMessage
}

// MutatingDispatcher is a Dispatcher that may additionally request
// child tasks and bus messages alongside its result.
type MutatingDispatcher interface {
	Dispatch(ctx context.Context, task *graph.Task) (MutatingResult, error)
}

// adaptDispatcher lifts a plain Dispatcher into a MutatingDispatcher
// that never spawns or publishes.
type adaptDispatcher struct{ d Dispatcher }

func (a adaptDispatcher) Dispatch(ctx context.Context, task *graph.Task) (MutatingResult, error) {
	res, err := a.d.Dispatch(ctx, task)
	return MutatingResult{Result: res}, err
}

// Tracer is invoked at tick boundaries. No-op by default; hosts may
// inject one to bridge into OpenTelemetry spans.
type Tracer interface {
	OnTick(tick int, running int, ready int)
}

type noopTracer struct{}

func (noopTracer) OnTick(int, int, int) {}

// ExecutionResult summarizes one Execute/ExecuteMutating run.
type ExecutionResult struct {
	TotalTasks     int
	Completed      int
	Failed         int
	Skipped        int
	Retries        int
	DurationMs     int64
	CircuitBroken  bool
	TimedOut       bool
	ExecutionOrder []string
	Spawned        []string
}

// Engine is the DAGEngine: a single-threaded cooperative scheduler
// over asynchronously dispatched tasks.
type Engine struct {
	cfg config.EngineConfig

	retryPolicy *retry.Policy
	mutation    *MutationController

	security        *security.Gate
	drift           *drift.Gate
	quality         *quality.Gate
	healing         *healing.Engine
	healingDetector *healing.Detector

	bus         *bus.Bus
	checkpoints *checkpoint.Manager
	tracker     *learning.Tracker

	// RoleOf resolves a task's agent hint to its RBAC role. Defaults to
	// the identity function (agent hint used directly as role).
	RoleOf func(agentHint string) string

	tracer    Tracer
	telemetry telemetry.Emitter
	logger    *slog.Logger
}

// Option configures optional Engine collaborators.
type Option func(*Engine)

func WithSecurityGate(g *security.Gate) Option   { return func(e *Engine) { e.security = g } }
func WithDriftGate(g *drift.Gate) Option         { return func(e *Engine) { e.drift = g } }
func WithQualityGate(g *quality.Gate) Option     { return func(e *Engine) { e.quality = g } }
func WithHealingEngine(h *healing.Engine) Option { return func(e *Engine) { e.healing = h } }
func WithHealingDetector(d *healing.Detector) Option {
	return func(e *Engine) { e.healingDetector = d }
}
func WithBus(b *bus.Bus) Option                  { return func(e *Engine) { e.bus = b } }
func WithTelemetry(t telemetry.Emitter) Option   { return func(e *Engine) { e.telemetry = t } }
func WithCheckpoints(m *checkpoint.Manager) Option {
	return func(e *Engine) { e.checkpoints = m }
}
func WithTracker(t *learning.Tracker) Option { return func(e *Engine) { e.tracker = t } }
func WithTracer(t Tracer) Option             { return func(e *Engine) { e.tracer = t } }
func WithLogger(l *slog.Logger) Option       { return func(e *Engine) { e.logger = l } }
func WithRoleResolver(f func(string) string) Option {
	return func(e *Engine) { e.RoleOf = f }
}

// New builds an Engine. retryPolicy and mutation are required; the
// gate/bus/checkpoint/tracker collaborators are optional and skipped
// when nil.
func New(cfg config.EngineConfig, retryPolicy *retry.Policy, mutation *MutationController, opts ...Option) *Engine {
	cfg.SetDefaults()
	e := &Engine{
		cfg:         cfg,
		retryPolicy: retryPolicy,
		mutation:    mutation,
		tracer:      noopTracer{},
		telemetry:   telemetry.NoopEmitter{},
		logger:      slog.Default(),
		RoleOf:      func(agentHint string) string { return agentHint },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.healing != nil && e.healingDetector == nil {
		e.healingDetector = healing.NewDetector(nil)
	}
	return e
}

// Execute runs the scheduling loop to completion using a plain
// (non-mutating) Dispatcher.
func (e *Engine) Execute(ctx context.Context, g *graph.Graph, d Dispatcher) (*ExecutionResult, error) {
	return e.ExecuteMutating(ctx, g, adaptDispatcher{d})
}

// dispatchOutcome is what a per-task goroutine reports back over the
// results channel.
type dispatchOutcome struct {
	taskID string
	result MutatingResult
	err    error
}

// run holds the mutable state of a single ExecuteMutating call. Its
// methods are only ever invoked from the single goroutine driving the
// scheduling loop, except dispatchOnce which is launched as its own
// goroutine per in-flight attempt.
type run struct {
	e *Engine
	g *graph.Graph

	mu             sync.Mutex
	running        map[string]struct{}
	executionOrder []string
	spawned        []string
	retries        int

	results chan dispatchOutcome
	// wg collects in-flight dispatch/retry-backoff goroutines. An
	// errgroup.Group rather than a sync.WaitGroup, mirroring
	// workflowagent.runParallel's fan-out idiom -- goroutines here
	// always return nil (outcomes are reported over r.results, not the
	// error return), so it never cancels a sibling on a task failure;
	// it buys the same Wait() drain a WaitGroup would with one fewer
	// type to hand-roll.
	wg errgroup.Group
}

// ExecuteMutating runs the scheduling loop to completion. g must pass
// graph.Validate() (spec P6: a cyclic or structurally invalid graph is
// never executed, not even partially).
func (e *Engine) ExecuteMutating(ctx context.Context, g *graph.Graph, dispatcher MutatingDispatcher) (*ExecutionResult, error) {
	if g == nil {
		return nil, fmt.Errorf("engine: nil graph")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("engine: nil dispatcher")
	}
	if verr := g.Validate(); verr != nil && verr.HasErrors() {
		return nil, fmt.Errorf("engine: %w", verr)
	}

	r := &run{
		e:       e,
		g:       g,
		running: make(map[string]struct{}),
		results: make(chan dispatchOutcome, 16),
	}

	start := time.Now()
	var circuitBroken, timedOut bool

	ticker := time.NewTicker(e.cfg.TickInterval())
	defer ticker.Stop()

	tick := 0
	for {
		g.RefreshReadiness()
		ready := g.ReadyTasks()

		r.mu.Lock()
		availableSlots := e.cfg.MaxConcurrency - len(r.running)
		r.mu.Unlock()
		for i := 0; i < len(ready) && availableSlots > 0; i++ {
			r.dispatch(ctx, dispatcher, ready[i])
			availableSlots--
		}

		e.tracer.OnTick(tick, len(r.running), len(ready))
		tick++

		if g.AllTerminal() {
			break
		}
		if time.Since(start) >= e.cfg.MaxExecutionTime() {
			timedOut = true
			break
		}
		if e.retryPolicy.CircuitOpen() {
			circuitBroken = true
			e.telemetry.Emit(ctx, telemetry.Event{Kind: telemetry.KindCircuitTrip, Outcome: "open"})
			break
		}

		select {
		case out := <-r.results:
			r.complete(out)
			r.handleOutcome(ctx, dispatcher, out)
		case <-ticker.C:
		case <-ctx.Done():
			timedOut = true
		}
		if ctx.Err() != nil {
			timedOut = true
		}
		if timedOut {
			break
		}
	}

	if timedOut {
		e.finalizeTimedOut(g)
	}
	if circuitBroken {
		e.finalizeCircuitBroken(g)
	}

	// Graceful drain: let every in-flight attempt finish and apply its
	// outcome (retries spawned during drain still get a chance to run
	// since dispatch keeps re-queuing into r.results until terminal or
	// exhausted).
	go func() {
		_ = r.wg.Wait()
		close(r.results)
	}()
	for out := range r.results {
		r.complete(out)
		r.handleOutcome(ctx, dispatcher, out)
	}

	counts := g.Count()
	return &ExecutionResult{
		TotalTasks:     counts.Total,
		Completed:      counts.Completed,
		Failed:         counts.Failed,
		Skipped:        counts.Skipped,
		Retries:        r.retries,
		DurationMs:     time.Since(start).Milliseconds(),
		CircuitBroken:  circuitBroken,
		TimedOut:       timedOut,
		ExecutionOrder: r.executionOrder,
		Spawned:        r.spawned,
	}, nil
}

// dispatch marks t RUNNING and launches its gated dispatch attempt in
// its own goroutine, reporting back over r.results.
func (r *run) dispatch(ctx context.Context, dispatcher MutatingDispatcher, t *graph.Task) {
	t.SetStatus(graph.StatusRunning)
	r.mu.Lock()
	r.running[t.ID()] = struct{}{}
	r.mu.Unlock()

	r.wg.Go(func() error {
		res, err := r.e.runGated(ctx, dispatcher, t)
		r.results <- dispatchOutcome{taskID: t.ID(), result: res, err: err}
		return nil
	})
}

func (r *run) complete(out dispatchOutcome) {
	r.mu.Lock()
	delete(r.running, out.taskID)
	r.mu.Unlock()
}

// runGated pushes a task through the pre-dispatch gate chain (Security
// -> Drift -> Quality-for-deploys) before handing it to the dispatcher.
// A gate denial short-circuits to a synthetic failed result; the
// dispatcher is never invoked.
func (e *Engine) runGated(ctx context.Context, dispatcher MutatingDispatcher, t *graph.Task) (MutatingResult, error) {
	ctx, span := otelTracer.Start(ctx, "conductor.dispatch",
		trace.WithAttributes(
			attribute.String("task.id", t.ID()),
			attribute.String("task.kind", string(t.Kind())),
		))
	defer span.End()
	start := time.Now()

	role := e.RoleOf(t.AgentHint())
	payload := t.Payload()

	denied := func(gate, reason string) (MutatingResult, error) {
		span.SetAttributes(attribute.String("gate.denied_by", gate))
		e.telemetry.Emit(ctx, telemetry.Event{
			Kind: telemetry.KindGateDenied, TaskID: t.ID(), TaskKind: string(t.Kind()),
			AgentRole: role, Outcome: "denied", Reason: gate + ":" + reason,
		})
		return MutatingResult{Result: graph.Result{ExitCode: 1, Stderr: strings.ToUpper(gate) + "_GATE: " + reason}}, nil
	}

	if e.security != nil {
		command, _ := payload["_command"].(string)
		verdict := e.security.Validate(t.AgentHint(), role, t.Kind(), payload, command)
		if !verdict.Allowed {
			return denied("security", verdict.Reason)
		}
	}

	if e.drift != nil {
		if featureID, ok := payload["_featureId"].(string); ok && featureID != "" {
			verdict := e.drift.CheckTaskGate(featureID, t.Kind())
			if !verdict.Allowed {
				return denied("drift", verdict.Reason)
			}
		}
	}

	if e.quality != nil && t.Kind() == graph.KindDeploy {
		verdict := e.quality.CheckDeployGate()
		if !verdict.Allowed {
			return denied("quality", verdict.Reason)
		}
	}

	res, err := dispatcher.Dispatch(ctx, t)
	outcome := "success"
	if err != nil || !res.Result.Success() {
		outcome = "failure"
	}
	e.telemetry.Emit(ctx, telemetry.Event{
		Kind: telemetry.KindDispatch, TaskID: t.ID(), TaskKind: string(t.Kind()),
		AgentRole: role, Outcome: outcome, DurationMs: float64(time.Since(start).Milliseconds()),
	})
	return res, err
}

// handleOutcome applies the per-task execution steps of spec.md §4.1:
// success -> COMPLETED, execution order, retry-success notification,
// message publish, spawn-request validation; failure -> consult
// HealingEngine/RetryPolicy, retry-or-fail, cascade skip. A retry is
// re-dispatched from its own goroutine rather than blocking the
// scheduling loop during backoff.
func (r *run) handleOutcome(ctx context.Context, dispatcher MutatingDispatcher, out dispatchOutcome) {
	e := r.e
	t, ok := r.g.Get(out.taskID)
	if !ok {
		return
	}

	result := out.result.Result
	if out.err != nil {
		result = graph.Result{ExitCode: 1, Stderr: out.err.Error()}
	}

	if result.Success() {
		t.Complete(&result)
		r.mu.Lock()
		r.executionOrder = append(r.executionOrder, t.ID())
		r.mu.Unlock()
		e.retryPolicy.RecordSuccess()

		if e.tracker != nil {
			e.tracker.Record(t.AgentHint(), t.Kind(), learning.Outcome{
				Success: true, DurationMs: result.DurationMs, RetryCount: t.RetryCount(), At: time.Now(),
			})
		}

		if e.bus != nil {
			for _, m := range out.result.Messages {
				stamped := make(map[string]any, len(m.Payload)+1)
				for k, v := range m.Payload {
					stamped[k] = v
				}
				stamped["_sourceTaskId"] = t.ID()
				e.bus.Publish(m.Topic, t.ID(), m.SenderRole, stamped)
			}
		}

		for _, req := range out.result.SpawnRequests {
			if req.AgentRole == "" {
				req.AgentRole = e.RoleOf(req.AgentHint)
			}
			child, reason := e.mutation.Accept(r.g, t, req)
			if reason == RejectionNone {
				r.mu.Lock()
				r.spawned = append(r.spawned, child.ID())
				r.mu.Unlock()
				e.telemetry.Emit(ctx, telemetry.Event{Kind: telemetry.KindMutation, TaskID: req.ID, Outcome: "accepted"})
			} else {
				e.logger.Warn("spawn request rejected", "parent", t.ID(), "request", req.ID, "reason", string(reason))
				e.telemetry.Emit(ctx, telemetry.Event{Kind: telemetry.KindMutation, TaskID: req.ID, Outcome: "rejected", Reason: string(reason)})
			}
		}

		if e.checkpoints != nil && e.checkpoints.NotifyTaskCompleted() {
			if _, err := e.checkpoints.Save(r.g, r.executionOrder, r.retries, len(r.spawned), nil, nil, 0, "auto"); err != nil {
				e.logger.Error("auto checkpoint failed", "error", err)
				e.telemetry.Emit(ctx, telemetry.Event{Kind: telemetry.KindCheckpoint, Outcome: "failure"})
			} else {
				e.telemetry.Emit(ctx, telemetry.Event{Kind: telemetry.KindCheckpoint, Outcome: "success"})
			}
		}
		return
	}

	if e.healing != nil {
		classification := e.healingDetector.Classify(result, result.DurationMs)
		outcome := e.healing.Heal(t.ID(), t.AgentHint(), t.Kind(), classification, func(string, healing.Action, healing.Classification) bool {
			return false
		})
		healOutcome := "unhealed"
		if outcome.Healed {
			healOutcome = string(outcome.SuccessfulAction)
		}
		e.telemetry.Emit(ctx, telemetry.Event{
			Kind: telemetry.KindHeal, TaskID: t.ID(), TaskKind: string(t.Kind()),
			Outcome: healOutcome, Reason: string(classification.Category),
		})
	}

	shouldRetry, _ := e.retryPolicy.ShouldRetry(t.Kind(), t.RetryCount())
	if shouldRetry {
		feedback := retry.BuildFeedback(&result, t.RetryCount()+1)
		t.MergePayload(feedback)
		t.BeginRetry()
		r.mu.Lock()
		r.retries++
		r.mu.Unlock()
		e.telemetry.Emit(ctx, telemetry.Event{
			Kind: telemetry.KindRetry, TaskID: t.ID(), TaskKind: string(t.Kind()),
			Outcome: "retrying", Attempt: t.RetryCount() + 1,
		})

		backoff := e.retryPolicy.Backoff(t.Kind(), t.RetryCount())
		r.mu.Lock()
		r.running[t.ID()] = struct{}{}
		r.mu.Unlock()
		r.wg.Go(func() error {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			t.Resume()
			res, err := e.runGated(ctx, dispatcher, t)
			r.results <- dispatchOutcome{taskID: t.ID(), result: res, err: err}
			return nil
		})
		return
	}

	e.retryPolicy.RecordFailure()
	t.Fail(&result)

	if e.tracker != nil {
		e.tracker.Record(t.AgentHint(), t.Kind(), learning.Outcome{
			Success: false, DurationMs: result.DurationMs, RetryCount: t.RetryCount(),
			ErrorPattern: result.Stderr, At: time.Now(),
		})
	}

	if e.mutation != nil && ReactiveCandidate(t) {
		role := e.RoleOf(t.AgentHint())
		reason := result.Stderr
		children, err := e.mutation.SpawnReactiveChildren(r.g, t, t.AgentHint(), role, reason)
		if err != nil {
			e.logger.Warn("reactive mutation failed", "task", t.ID(), "error", err)
		} else {
			r.mu.Lock()
			for _, c := range children {
				r.spawned = append(r.spawned, c.ID())
			}
			r.mu.Unlock()
		}
	}
}

// finalizeTimedOut marks every non-terminal task FAILED with a
// synthetic timeout result (exit code 124, the shell convention for a
// timed-out command).
func (e *Engine) finalizeTimedOut(g *graph.Graph) {
	for _, t := range g.Tasks() {
		if !t.Status().IsTerminal() {
			t.Fail(&graph.Result{ExitCode: 124, Stderr: "execution time ceiling exceeded"})
		}
	}
}

// finalizeCircuitBroken marks every non-terminal task SKIPPED once the
// breaker opens, per spec.md §4.1.
func (e *Engine) finalizeCircuitBroken(g *graph.Graph) {
	for _, t := range g.Tasks() {
		if !t.Status().IsTerminal() {
			t.Skip()
		}
	}
}
