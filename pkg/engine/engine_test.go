package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/conductor/pkg/config"
	"github.com/kadirpekel/conductor/pkg/graph"
	"github.com/kadirpekel/conductor/pkg/retry"
)

// scriptedDispatcher returns results from a per-task queue; a queue
// exhausted early repeats its last entry.
type scriptedDispatcher struct {
	mu     sync.Mutex
	script map[string][]graph.Result
	calls  map[string]int
}

func newScriptedDispatcher(script map[string][]graph.Result) *scriptedDispatcher {
	return &scriptedDispatcher{script: script, calls: make(map[string]int)}
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, t *graph.Task) (graph.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	results := d.script[t.ID()]
	idx := d.calls[t.ID()]
	d.calls[t.ID()]++
	if idx >= len(results) {
		idx = len(results) - 1
	}
	if idx < 0 {
		return graph.Result{ExitCode: 0}, nil
	}
	return results[idx], nil
}

func (d *scriptedDispatcher) callCount(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[id]
}

func newTestEngine(t *testing.T, retryCfg retry.Config) (*Engine, *retry.Policy) {
	retryCfg.SetDefaults()
	policy := retry.New(retryCfg)
	mc := NewMutationController(config.MutationPolicy{MaxDepth: 3, MaxGraphSize: 50}, newTestGate(t))
	eng := New(config.EngineConfig{TickIntervalMs: 5, MaxConcurrency: 4, MaxExecutionTimeMs: 5000}, policy, mc)
	return eng, policy
}

// Scenario: a->{b,c}->d, all succeed. Expect all COMPLETED and a valid
// topological execution order.
func TestExecute_AllTasksSucceed(t *testing.T) {
	g := graph.NewGraph()
	g.Add(graph.NewTask("a", graph.KindPlan, "ag", nil, nil))
	g.Add(graph.NewTask("b", graph.KindCode, "ag", []string{"a"}, nil))
	g.Add(graph.NewTask("c", graph.KindTest, "ag", []string{"a"}, nil))
	g.Add(graph.NewTask("d", graph.KindDeploy, "ag", []string{"b", "c"}, nil))

	eng, _ := newTestEngine(t, retry.Config{})
	d := newScriptedDispatcher(map[string][]graph.Result{
		"a": {{ExitCode: 0}}, "b": {{ExitCode: 0}}, "c": {{ExitCode: 0}}, "d": {{ExitCode: 0}},
	})

	res, err := eng.Execute(context.Background(), g, d)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Completed)
	assert.Equal(t, 0, res.Failed)
	assert.False(t, res.CircuitBroken)
	assert.False(t, res.TimedOut)
	require.Len(t, res.ExecutionOrder, 4)
	assert.Equal(t, "a", res.ExecutionOrder[0])
	assert.Equal(t, "d", res.ExecutionOrder[3])
}

// Scenario: b fails once then succeeds on retry.
func TestExecute_RetryThenSucceed(t *testing.T) {
	g := graph.NewGraph()
	g.Add(graph.NewTask("a", graph.KindPlan, "ag", nil, nil))
	g.Add(graph.NewTask("b", graph.KindCode, "ag", []string{"a"}, nil))

	eng, _ := newTestEngine(t, retry.Config{
		Kinds: map[graph.Kind]retry.KindPolicy{
			graph.KindCode: {MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		},
	})
	d := newScriptedDispatcher(map[string][]graph.Result{
		"a": {{ExitCode: 0}},
		"b": {{ExitCode: 1, Stderr: "flaky"}, {ExitCode: 0}},
	})

	res, err := eng.Execute(context.Background(), g, d)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Completed)
	assert.Equal(t, 1, res.Retries)
	assert.Equal(t, 2, d.callCount("b"))

	bTask, _ := g.Get("b")
	feedback, ok := bTask.Payload()[graph.ReservedRetryKey].(graph.RetryFeedback)
	require.True(t, ok)
	assert.Equal(t, "flaky", feedback.LastError)
}

// Scenario: b permanently fails (no retries for its kind), cascading
// SKIPPED to its dependent c.
func TestExecute_PermanentFailureCascadesSkip(t *testing.T) {
	g := graph.NewGraph()
	g.Add(graph.NewTask("a", graph.KindPlan, "ag", nil, nil))
	g.Add(graph.NewTask("b", graph.KindDeploy, "ag", []string{"a"}, nil)) // DEPLOY defaults to 0 retries
	g.Add(graph.NewTask("c", graph.KindTest, "ag", []string{"b"}, nil))

	eng, _ := newTestEngine(t, retry.Config{})
	d := newScriptedDispatcher(map[string][]graph.Result{
		"a": {{ExitCode: 0}},
		"b": {{ExitCode: 1, Stderr: "bad deploy"}},
	})

	res, err := eng.Execute(context.Background(), g, d)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed) // a
	assert.Equal(t, 1, res.Failed)    // b
	assert.Equal(t, 1, res.Skipped)   // c

	cTask, _ := g.Get("c")
	assert.Equal(t, graph.StatusSkipped, cTask.Status())
}

// Scenario: repeated failures across the graph open the circuit
// breaker; non-terminal tasks are SKIPPED and circuitBroken is true.
func TestExecute_CircuitBreakerOpens(t *testing.T) {
	g := graph.NewGraph()
	for _, id := range []string{"a", "b", "c", "d"} {
		g.Add(graph.NewTask(id, graph.KindDeploy, "ag", nil, nil))
	}

	eng, _ := newTestEngine(t, retry.Config{CircuitBreakerThreshold: 2})
	d := newScriptedDispatcher(map[string][]graph.Result{
		"a": {{ExitCode: 1}}, "b": {{ExitCode: 1}}, "c": {{ExitCode: 1}}, "d": {{ExitCode: 1}},
	})

	res, err := eng.Execute(context.Background(), g, d)
	require.NoError(t, err)
	assert.True(t, res.CircuitBroken)
	assert.Equal(t, 4, res.TotalTasks)
	assert.Equal(t, res.TotalTasks, res.Failed+res.Skipped)
}

// Scenario: execution time ceiling hit marks non-terminal tasks FAILED
// with a synthetic exit-124 timeout result.
func TestExecute_MaxExecutionTimeMarksTimeoutFailure(t *testing.T) {
	g := graph.NewGraph()
	g.Add(graph.NewTask("slow", graph.KindCode, "ag", nil, nil))

	retryCfg := retry.Config{}
	retryCfg.SetDefaults()
	policy := retry.New(retryCfg)
	mc := NewMutationController(config.MutationPolicy{MaxDepth: 3, MaxGraphSize: 50}, newTestGate(t))
	eng := New(config.EngineConfig{TickIntervalMs: 5, MaxConcurrency: 4, MaxExecutionTimeMs: 20}, policy, mc)

	blocking := blockingDispatcher{release: make(chan struct{})}
	go func() {
		time.Sleep(40 * time.Millisecond)
		close(blocking.release)
	}()

	res, err := eng.Execute(context.Background(), g, blocking)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)

	task, _ := g.Get("slow")
	assert.Equal(t, graph.StatusFailed, task.Status())
	assert.Equal(t, 124, task.Result().ExitCode)
}

type blockingDispatcher struct{ release chan struct{} }

func (b blockingDispatcher) Dispatch(ctx context.Context, t *graph.Task) (graph.Result, error) {
	<-b.release
	return graph.Result{ExitCode: 0}, nil
}

// Scenario: a successful dispatch requests a child task; the child is
// validated by the MutationController and injected into the graph.
type spawningDispatcher struct{}

func (spawningDispatcher) Dispatch(ctx context.Context, t *graph.Task) (MutatingResult, error) {
	if t.ID() == "root" {
		return MutatingResult{
			Result: graph.Result{ExitCode: 0},
			SpawnRequests: []SpawnRequest{
				{ID: "spawned-child", Kind: graph.KindCode, AgentHint: "ag", AgentRole: "ag"},
			},
		}, nil
	}
	return MutatingResult{Result: graph.Result{ExitCode: 0}}, nil
}

func TestExecuteMutating_AcceptedSpawnIsInjected(t *testing.T) {
	g := graph.NewGraph()
	g.Add(graph.NewTask("root", graph.KindPlan, "ag", nil, nil))

	eng, _ := newTestEngine(t, retry.Config{})
	res, err := eng.ExecuteMutating(context.Background(), g, spawningDispatcher{})
	require.NoError(t, err)
	assert.Contains(t, res.Spawned, "spawned-child")

	child, ok := g.Get("spawned-child")
	require.True(t, ok)
	assert.Equal(t, graph.StatusCompleted, child.Status())
}

// Scenario: a failed AUDIT task triggers reactive mutation, spawning a
// RESEARCH task followed by a dependent PLAN task.
func TestExecuteMutating_ReactiveMutationOnAuditFailure(t *testing.T) {
	g := graph.NewGraph()
	g.Add(graph.NewTask("audit", graph.KindAudit, "ag", nil, nil))

	eng, _ := newTestEngine(t, retry.Config{
		Kinds: map[graph.Kind]retry.KindPolicy{graph.KindAudit: {MaxRetries: 0}},
	})
	d := scriptedMutatingDispatcher{results: map[string]graph.Result{
		"audit": {ExitCode: 1, Stderr: "audit failed"},
	}}

	res, err := eng.ExecuteMutating(context.Background(), g, d)
	require.NoError(t, err)

	var researchSpawned, planSpawned bool
	for _, id := range res.Spawned {
		if id == "audit-reactive-research" {
			researchSpawned = true
		}
		if id == "audit-reactive-plan" {
			planSpawned = true
		}
	}
	assert.True(t, researchSpawned)
	assert.True(t, planSpawned)
}

type scriptedMutatingDispatcher struct {
	results map[string]graph.Result
}

func (d scriptedMutatingDispatcher) Dispatch(ctx context.Context, t *graph.Task) (MutatingResult, error) {
	if res, ok := d.results[t.ID()]; ok {
		return MutatingResult{Result: res}, nil
	}
	return MutatingResult{Result: graph.Result{ExitCode: 0}}, nil
}
