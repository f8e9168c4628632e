package balancer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/conductor/pkg/graph"
	"github.com/kadirpekel/conductor/pkg/registry"
)

func newTestRegistry(t *testing.T, ids ...string) *registry.Registry {
	t.Helper()
	r := registry.NewRegistry(registry.Config{})
	for _, id := range ids {
		_, err := r.Register(id, []graph.Kind{graph.KindCode}, 1)
		require.NoError(t, err)
	}
	return r
}

func TestSelect_RoundRobin(t *testing.T) {
	r := newTestRegistry(t, "w1", "w2")
	lb := New(RoundRobin)
	candidates := r.GetAvailableWorkers()
	// sort deterministically by id for the test
	if candidates[0].ID() != "w1" {
		candidates[0], candidates[1] = candidates[1], candidates[0]
	}
	first := lb.Select(candidates, graph.KindCode)
	second := lb.Select(candidates, graph.KindCode)
	assert.NotEqual(t, first.ID(), second.ID())
}

func TestSelect_LeastLoaded(t *testing.T) {
	r := newTestRegistry(t, "w1", "w2")
	_, _ = r.Register("w3", []graph.Kind{graph.KindCode}, 5)
	w1, _ := r.Get("w1")
	require.NoError(t, r.TaskStarted("w1"))
	_ = w1

	lb := New(LeastLoaded)
	chosen := lb.Select(r.GetAvailableWorkers(), graph.KindCode)
	assert.NotEqual(t, "w1", chosen.ID())
}

func TestSelect_CapabilityMatch_FiltersByKind(t *testing.T) {
	r := registry.NewRegistry(registry.Config{})
	_, _ = r.Register("coder", []graph.Kind{graph.KindCode}, 1)
	_, _ = r.Register("auditor", []graph.Kind{graph.KindAudit}, 1)

	lb := New(CapabilityMatch)
	chosen := lb.Select(r.GetAvailableWorkers(), graph.KindAudit)
	require.NotNil(t, chosen)
	assert.Equal(t, "auditor", chosen.ID())
}

func TestSelect_NoCandidates_ReturnsNil(t *testing.T) {
	lb := New(LeastLoaded)
	assert.Nil(t, lb.Select(nil, graph.KindCode))
}

type scriptedExecutor struct {
	fail map[string]error
}

func (e *scriptedExecutor) Execute(ctx context.Context, workerID string, task *graph.Task) (graph.Result, error) {
	if err, ok := e.fail[workerID]; ok {
		return graph.Result{}, err
	}
	return graph.Result{ExitCode: 0}, nil
}

func TestDispatch_FailsOverToSecondWorker(t *testing.T) {
	r := newTestRegistry(t, "w1", "w2")
	lb := New(LeastLoaded)
	exec := &scriptedExecutor{fail: map[string]error{"w1": errors.New("worker crashed")}}
	d := NewDistributedDispatcher(r, lb, exec, Config{MaxFailoverAttempts: 2})

	task := graph.NewTask("t1", graph.KindCode, "", nil, nil)
	outcome, err := d.Dispatch(context.Background(), task)
	require.NoError(t, err)
	assert.True(t, outcome.Failover)
	assert.Equal(t, 1, outcome.FailoverAttempts)

	log := d.FailoverLog()
	require.Len(t, log, 1)
	assert.Equal(t, "w1", log[0].FromWorkerID)
}

func TestDispatch_NoCapableWorker_ReturnsError(t *testing.T) {
	r := registry.NewRegistry(registry.Config{})
	lb := New(LeastLoaded)
	exec := &scriptedExecutor{}
	d := NewDistributedDispatcher(r, lb, exec, Config{})

	task := graph.NewTask("t1", graph.KindCode, "", nil, nil)
	_, err := d.Dispatch(context.Background(), task)
	assert.Error(t, err)
}

func TestDispatch_TimesOut_Failover(t *testing.T) {
	r := newTestRegistry(t, "slow", "fast")
	lb := New(LeastLoaded)
	exec := &slowThenFastExecutor{slowWorker: "slow", delay: 50 * time.Millisecond}
	d := NewDistributedDispatcher(r, lb, exec, Config{DefaultDispatchTimeout: 5 * time.Millisecond, MaxFailoverAttempts: 2})

	task := graph.NewTask("t1", graph.KindCode, "", nil, nil)
	outcome, err := d.Dispatch(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, "fast", outcome.WorkerID)
}

type slowThenFastExecutor struct {
	slowWorker string
	delay      time.Duration
}

func (e *slowThenFastExecutor) Execute(ctx context.Context, workerID string, task *graph.Task) (graph.Result, error) {
	if workerID == e.slowWorker {
		select {
		case <-time.After(e.delay):
			return graph.Result{ExitCode: 0}, nil
		case <-ctx.Done():
			return graph.Result{}, ctx.Err()
		}
	}
	return graph.Result{ExitCode: 0}, nil
}
