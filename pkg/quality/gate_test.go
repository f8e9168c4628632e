package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyze_CleanGraph_Green(t *testing.T) {
	g := New(Thresholds{})
	report := g.Analyze(map[string][]string{
		"a.go": {"b.go"},
		"b.go": {"c.go"},
		"c.go": {},
	}, map[string]Metrics{
		"a.go": {LOC: 50, Complexity: 3, DependencyCount: 1},
	})
	assert.Equal(t, Green, report.TrafficLight)
	assert.False(t, report.Blocked)
	assert.Empty(t, report.Cycles)
}

func TestAnalyze_DetectsCycle(t *testing.T) {
	g := New(Thresholds{})
	report := g.Analyze(map[string][]string{
		"a.go": {"b.go"},
		"b.go": {"c.go"},
		"c.go": {"a.go"},
	}, nil)
	require.Len(t, report.Cycles, 1)
	assert.Contains(t, report.Cycles[0].Path, "a.go")
}

func TestAnalyze_GodComponent(t *testing.T) {
	thresholds := Thresholds{DependencyLimit: 2}
	g := New(thresholds)
	report := g.Analyze(map[string][]string{
		"hub.go": {"a.go", "b.go", "c.go", "d.go", "e.go"},
	}, nil)
	require.Len(t, report.GodComponents, 1)
	assert.Equal(t, "hub.go", report.GodComponents[0].File)
}

func TestAnalyze_PerFileExcess(t *testing.T) {
	thresholds := Thresholds{LOCLimit: 100, PerUnitWeight: 1}
	g := New(thresholds)
	report := g.Analyze(nil, map[string]Metrics{
		"big.go": {LOC: 150},
	})
	require.Len(t, report.Excesses, 1)
	assert.Equal(t, float64(50), report.Excesses[0].Penalty)
}

func TestAnalyze_RedBlocksDeploy(t *testing.T) {
	thresholds := Thresholds{GreenMax: 1, AmberMax: 2, CycleWeight: 10}
	g := New(thresholds)
	g.Analyze(map[string][]string{
		"a.go": {"b.go"},
		"b.go": {"a.go"},
	}, nil)

	verdict := g.CheckDeployGate()
	assert.False(t, verdict.Allowed)
	assert.Equal(t, Red, verdict.TrafficLight)
}

func TestCheckDeployGate_NoReportFailsOpen(t *testing.T) {
	g := New(Thresholds{})
	verdict := g.CheckDeployGate()
	assert.True(t, verdict.Allowed)
	assert.Equal(t, "NO_REPORT_FAIL_OPEN", verdict.Reason)
}

func TestCheckDeployGate_AmberAllowsWithWarning(t *testing.T) {
	thresholds := Thresholds{GreenMax: 1, AmberMax: 10, GodWeight: 5, DependencyLimit: 1}
	g := New(thresholds)
	g.Analyze(map[string][]string{
		"hub.go": {"a.go", "b.go", "c.go"},
	}, nil)
	verdict := g.CheckDeployGate()
	assert.True(t, verdict.Allowed)
	assert.Equal(t, "AMBER_WARNING", verdict.Reason)
}
