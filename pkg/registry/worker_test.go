package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/conductor/pkg/graph"
)

func TestRegister_RejectsZeroConcurrency(t *testing.T) {
	r := NewRegistry(Config{})
	_, err := r.Register("w1", []graph.Kind{graph.KindCode}, 0)
	assert.Error(t, err)
}

func TestHeartbeat_RevivesDeadWorker(t *testing.T) {
	r := NewRegistry(Config{HeartbeatInterval: time.Millisecond, MissedHeartbeatsThreshold: 1})
	w, err := r.Register("w1", []graph.Kind{graph.KindCode}, 1)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	dead := r.CheckHeartbeats()
	assert.Equal(t, []string{"w1"}, dead)
	assert.Equal(t, WorkerDead, w.Status())

	require.NoError(t, r.Heartbeat("w1"))
	assert.Equal(t, WorkerIdle, w.Status())
}

func TestTaskLifecycle_BusyThenIdle(t *testing.T) {
	r := NewRegistry(Config{})
	w, _ := r.Register("w1", []graph.Kind{graph.KindCode}, 2)

	require.NoError(t, r.TaskStarted("w1"))
	assert.Equal(t, WorkerBusy, w.Status())
	assert.Equal(t, 1, w.ActiveTasks())

	require.NoError(t, r.TaskStarted("w1"))
	require.NoError(t, r.TaskCompleted("w1"))
	assert.Equal(t, WorkerBusy, w.Status())
	assert.Equal(t, 1, w.ActiveTasks())

	require.NoError(t, r.TaskCompleted("w1"))
	assert.Equal(t, WorkerIdle, w.Status())
	assert.Equal(t, 0, w.ActiveTasks())
}

func TestDrain_ReturnsToIdleOnceEmpty(t *testing.T) {
	r := NewRegistry(Config{})
	w, _ := r.Register("w1", []graph.Kind{graph.KindCode}, 1)
	require.NoError(t, r.TaskStarted("w1"))
	require.NoError(t, r.Drain("w1"))
	assert.Equal(t, WorkerDraining, w.Status())

	require.NoError(t, r.TaskCompleted("w1"))
	assert.Equal(t, WorkerIdle, w.Status())
}

func TestGetAvailableWorkers_ExcludesFullAndDraining(t *testing.T) {
	r := NewRegistry(Config{})
	_, _ = r.Register("full", []graph.Kind{graph.KindCode}, 1)
	_, _ = r.Register("draining", []graph.Kind{graph.KindCode}, 1)
	_, _ = r.Register("free", []graph.Kind{graph.KindCode}, 1)

	require.NoError(t, r.TaskStarted("full"))
	require.NoError(t, r.Drain("draining"))

	avail := r.GetAvailableWorkers()
	var ids []string
	for _, w := range avail {
		ids = append(ids, w.ID())
	}
	assert.ElementsMatch(t, []string{"free"}, ids)
}

func TestGetCapableWorkers_FiltersByKindAndLiveness(t *testing.T) {
	r := NewRegistry(Config{HeartbeatInterval: time.Millisecond, MissedHeartbeatsThreshold: 1})
	_, _ = r.Register("coder", []graph.Kind{graph.KindCode}, 1)
	_, _ = r.Register("auditor", []graph.Kind{graph.KindAudit}, 1)

	time.Sleep(5 * time.Millisecond)
	r.CheckHeartbeats()

	capable := r.GetCapableWorkers(graph.KindCode)
	assert.Empty(t, capable)
}
