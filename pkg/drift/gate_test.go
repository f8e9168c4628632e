package drift

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/conductor/pkg/graph"
)

func TestUpdateSpec_NoOpOnUnchangedContent(t *testing.T) {
	g := New(Config{})
	e1 := g.UpdateSpec("feat1", "spec.md", "hello")
	require.NotNil(t, e1)
	e2 := g.UpdateSpec("feat1", "spec.md", "hello")
	assert.Nil(t, e2)
}

func TestCheckDrift_BothAbsent_None(t *testing.T) {
	g := New(Config{})
	assert.Equal(t, DriftNone, g.CheckDrift("unknown"))
}

func TestCheckDrift_MissingPlan(t *testing.T) {
	g := New(Config{})
	g.UpdateSpec("feat1", "spec.md", "v1")
	assert.Equal(t, DriftMissingPlan, g.CheckDrift("feat1"))
}

func TestCheckDrift_SpecAhead_NeverAligned(t *testing.T) {
	g := New(Config{})
	g.UpdateSpec("feat1", "spec.md", "v1")
	g.UpdatePlan("feat1", "plan.md", "p1")
	g.UpdateSpec("feat1", "spec.md", "v2")
	assert.Equal(t, DriftSpecAhead, g.CheckDrift("feat1"))
}

func TestCheckDrift_AlignedThenSpecChanges(t *testing.T) {
	g := New(Config{})
	g.UpdateSpec("feat1", "spec.md", "v1")
	g.UpdatePlan("feat1", "plan.md", "p1")
	g.MarkAligned("feat1")
	assert.Equal(t, DriftNone, g.CheckDrift("feat1"))

	g.UpdateSpec("feat1", "spec.md", "v2")
	assert.Equal(t, DriftSpecAhead, g.CheckDrift("feat1"))
}

func TestCheckDrift_BothBumpedSinceAligned_None(t *testing.T) {
	g := New(Config{})
	g.UpdateSpec("feat1", "spec.md", "v1")
	g.UpdatePlan("feat1", "plan.md", "p1")
	g.MarkAligned("feat1")

	g.UpdateSpec("feat1", "spec.md", "v2")
	g.UpdatePlan("feat1", "plan.md", "p2")
	assert.Equal(t, DriftNone, g.CheckDrift("feat1"))
}

func TestCheckTaskGate_MissingPlanBlocksCode(t *testing.T) {
	g := New(Config{})
	g.UpdateSpec("feat1", "spec.md", "v1")
	verdict := g.CheckTaskGate("feat1", graph.KindCode)
	assert.False(t, verdict.Allowed)
	assert.Equal(t, "run plan first", verdict.Reason)
}

func TestCheckTaskGate_MissingPlanAllowsPlanKind(t *testing.T) {
	g := New(Config{})
	g.UpdateSpec("feat1", "spec.md", "v1")
	verdict := g.CheckTaskGate("feat1", graph.KindPlan)
	assert.True(t, verdict.Allowed)
}

func TestCheckTaskGate_SpecAheadBlocksDeploy(t *testing.T) {
	g := New(Config{})
	g.UpdateSpec("feat1", "spec.md", "v1")
	g.UpdatePlan("feat1", "plan.md", "p1")
	g.MarkAligned("feat1")
	g.UpdateSpec("feat1", "spec.md", "v2")

	verdict := g.CheckTaskGate("feat1", graph.KindDeploy)
	assert.False(t, verdict.Allowed)
}

func TestCheckTaskGate_DisabledAlwaysAllows(t *testing.T) {
	g := New(Config{BlockingDisabled: true})
	g.UpdateSpec("feat1", "spec.md", "v1")
	verdict := g.CheckTaskGate("feat1", graph.KindDeploy)
	assert.True(t, verdict.Allowed)
}
