package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/conductor/pkg/bus"
	"github.com/kadirpekel/conductor/pkg/graph"
	"github.com/kadirpekel/conductor/pkg/learning"
)

func buildFourTaskGraph() *graph.Graph {
	g := graph.NewGraph()
	a := graph.NewTask("a", graph.KindCode, "agent1", nil, nil)
	b := graph.NewTask("b", graph.KindTest, "agent1", []string{"a"}, nil)
	c := graph.NewTask("c", graph.KindReview, "agent1", []string{"a"}, nil)
	d := graph.NewTask("d", graph.KindDeploy, "agent1", []string{"b", "c"}, nil)
	g.Add(a)
	g.Add(b)
	g.Add(c)
	g.Add(d)
	return g
}

func TestSave_ProducesStableHashForUnchangedSnapshot(t *testing.T) {
	g := buildFourTaskGraph()
	ta, _ := g.Get("a")
	ta.Complete(&graph.Result{ExitCode: 0})

	m := NewManager(Config{})
	ckpt1, err := m.Save(g, []string{"a"}, 0, 0, nil, nil, 100, "")
	require.NoError(t, err)

	hash2, _, err := hashSnapshot(ckpt1.Snapshot)
	require.NoError(t, err)
	assert.Equal(t, ckpt1.Hash, hash2)
}

// P8: checkpoint round-trip. Loading a pristine checkpoint succeeds;
// flipping a byte before verification yields INTEGRITY_VIOLATION.
func TestLoad_PristineSucceeds_TamperedFails(t *testing.T) {
	g := buildFourTaskGraph()
	ta, _ := g.Get("a")
	ta.Complete(&graph.Result{ExitCode: 0})

	m := NewManager(Config{})
	ckpt, err := m.Save(g, []string{"a"}, 3, 1, []learning.Outcome{{Success: true}}, []bus.Message{{Topic: "task.complete"}}, 500, "")
	require.NoError(t, err)

	res := m.Load(ckpt.Snapshot.ID)
	assert.True(t, res.Success)
	assert.Empty(t, res.ErrorCode)

	m.TamperSnapshot(ckpt.Snapshot.ID, func(s *Snapshot) {
		s.TotalRetries = 999
	})
	res2 := m.Load(ckpt.Snapshot.ID)
	assert.False(t, res2.Success)
	assert.Equal(t, RestoreErrorIntegrity, res2.ErrorCode)
	assert.Contains(t, res2.Error, "INTEGRITY_VIOLATION")
}

func TestLoad_MissingID_NotFound(t *testing.T) {
	m := NewManager(Config{})
	res := m.Load("does-not-exist")
	assert.False(t, res.Success)
	assert.Equal(t, RestoreErrorNotFound, res.ErrorCode)
}

func TestLoad_PreservesTerminalRequeuesRest(t *testing.T) {
	g := buildFourTaskGraph()
	ta, _ := g.Get("a")
	ta.Complete(&graph.Result{ExitCode: 0})
	tb, _ := g.Get("b")
	tb.Complete(&graph.Result{ExitCode: 0})
	// c and d remain PENDING/READY at snapshot time.
	g.RefreshReadiness()

	m := NewManager(Config{})
	ckpt, err := m.Save(g, []string{"a", "b"}, 0, 0, nil, nil, 0, "")
	require.NoError(t, err)

	res := m.Load(ckpt.Snapshot.ID)
	require.True(t, res.Success)
	assert.ElementsMatch(t, []string{"a", "b"}, res.Preserved)
	assert.ElementsMatch(t, []string{"c", "d"}, res.Requeued)

	rc, ok := res.Graph.Get("c")
	require.True(t, ok)
	assert.Equal(t, graph.StatusPending, rc.Status())
	assert.Nil(t, rc.Result())
}

func TestSave_PrunesOldestBeyondMax(t *testing.T) {
	g := buildFourTaskGraph()
	var pruned []string
	m := NewManager(Config{MaxCheckpoints: 2, OnPruned: func(id string) { pruned = append(pruned, id) }})

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		ckpt, err := m.Save(g, nil, 0, 0, nil, nil, 0, "")
		require.NoError(t, err)
		ids = append(ids, ckpt.Snapshot.ID)
	}

	assert.Equal(t, 2, m.Count())
	assert.Equal(t, []string{ids[0]}, pruned)
	_, ok := m.Get(ids[0])
	assert.False(t, ok)
}

func TestNotifyTaskCompleted_FiresAtInterval(t *testing.T) {
	m := NewManager(Config{AutoCheckpointInterval: 3})
	assert.False(t, m.NotifyTaskCompleted())
	assert.False(t, m.NotifyTaskCompleted())
	assert.True(t, m.NotifyTaskCompleted())
	assert.False(t, m.NotifyTaskCompleted())
}

func TestReplay_EmitsDispatchCompleteSpawnMessageOutcomeInOrder(t *testing.T) {
	g := graph.NewGraph()
	parent := graph.NewTask("p", graph.KindPlan, "agent1", nil, nil)
	g.Add(parent)
	parent.Complete(&graph.Result{ExitCode: 0})
	child := graph.NewChildTask("child", graph.KindCode, "agent1", nil, nil, parent)
	g.Add(child)
	child.Fail(&graph.Result{ExitCode: 1})

	m := NewManager(Config{})
	ckpt, err := m.Save(g, []string{"p", "child"},
		0, 1,
		[]learning.Outcome{{Success: false}},
		[]bus.Message{{Topic: "task.fail"}},
		0, "")
	require.NoError(t, err)

	events := Replay(ckpt.Snapshot)
	require.NotEmpty(t, events)

	for i, e := range events {
		assert.Equal(t, i, e.Index)
	}

	var types []EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []EventType{
		EventDispatch, EventComplete, EventSpawn,
		EventDispatch, EventFail,
		EventMessage, EventOutcome,
	}, types)
}

func TestReplay_EmptySnapshotYieldsNoEvents(t *testing.T) {
	events := Replay(Snapshot{})
	assert.Empty(t, events)
}
