package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_MissingDependency(t *testing.T) {
	g := NewGraph()
	g.Add(NewTask("a", KindCode, "coder", []string{"ghost"}, nil))

	err := g.Validate()
	require.NotNil(t, err)
	assert.Contains(t, err.MissingDependencies, "a")
}

func TestValidate_Cycle(t *testing.T) {
	g := NewGraph()
	g.Add(NewTask("a", KindCode, "coder", []string{"c"}, nil))
	g.Add(NewTask("b", KindCode, "coder", []string{"a"}, nil))
	g.Add(NewTask("c", KindCode, "coder", []string{"b"}, nil))

	err := g.Validate()
	require.NotNil(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, err.Cycle)
}

func TestValidate_LinearChainOK(t *testing.T) {
	g := NewGraph()
	g.Add(NewTask("plan", KindPlan, "planner", nil, nil))
	g.Add(NewTask("code", KindCode, "coder", []string{"plan"}, nil))
	g.Add(NewTask("audit", KindAudit, "auditor", []string{"code"}, nil))

	assert.Nil(t, g.Validate())
}

func TestRefreshReadiness_PromotesAndSkips(t *testing.T) {
	g := NewGraph()
	root := NewTask("root", KindPlan, "planner", nil, nil)
	child1 := NewTask("child1", KindCode, "coder", []string{"root"}, nil)
	child2 := NewTask("child2", KindCode, "coder", []string{"root"}, nil)
	grandchild := NewTask("grandchild", KindTest, "tester", []string{"child1"}, nil)
	g.Add(root)
	g.Add(child1)
	g.Add(child2)
	g.Add(grandchild)

	changed := g.RefreshReadiness()
	assert.Contains(t, changed, "root")
	rt, _ := g.Get("root")
	assert.Equal(t, StatusReady, rt.Status())

	root.Fail(&Result{ExitCode: 1})
	g.RefreshReadiness()

	c1, _ := g.Get("child1")
	c2, _ := g.Get("child2")
	gc, _ := g.Get("grandchild")
	assert.Equal(t, StatusSkipped, c1.Status())
	assert.Equal(t, StatusSkipped, c2.Status())
	assert.Equal(t, StatusSkipped, gc.Status())
}

func TestTask_TerminalNeverMutates(t *testing.T) {
	tk := NewTask("t", KindCode, "coder", nil, nil)
	require.True(t, tk.Complete(&Result{ExitCode: 0}))
	assert.False(t, tk.Fail(&Result{ExitCode: 1}))
	assert.Equal(t, StatusCompleted, tk.Status())
}

func TestDetectCycle_OnCopy(t *testing.T) {
	g := NewGraph()
	g.Add(NewTask("a", KindCode, "coder", nil, nil))
	g.Add(NewTask("b", KindCode, "coder", []string{"a"}, nil))

	cp := g.CopyForMutationCheck()
	assert.Empty(t, cp.DetectCycle())
}
