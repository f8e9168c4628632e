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

// Package quality implements the ATDI (Architectural Technical Debt
// Index) QualityGate: it scores a file dependency graph and per-file
// metrics into a GREEN/AMBER/RED traffic light and gates deploys.
package quality

import (
	"sort"
	"sync"
)

// Metrics are per-file size/complexity measurements.
type Metrics struct {
	LOC             int
	Complexity      int
	DependencyCount int
}

// Thresholds parameterizes scoring.
type Thresholds struct {
	GreenMax        float64
	AmberMax        float64
	LOCLimit        int
	ComplexityLimit int
	DependencyLimit int
	CycleWeight     float64
	GodWeight       float64
	PerUnitWeight   float64
}

// SetDefaults fills zero-valued fields with spec.md §7 defaults.
func (t *Thresholds) SetDefaults() {
	if t.GreenMax == 0 {
		t.GreenMax = 5
	}
	if t.AmberMax == 0 {
		t.AmberMax = 15
	}
	if t.LOCLimit == 0 {
		t.LOCLimit = 300
	}
	if t.ComplexityLimit == 0 {
		t.ComplexityLimit = 15
	}
	if t.DependencyLimit == 0 {
		t.DependencyLimit = 10
	}
	if t.CycleWeight == 0 {
		t.CycleWeight = 2
	}
	if t.GodWeight == 0 {
		t.GodWeight = 5
	}
	if t.PerUnitWeight == 0 {
		t.PerUnitWeight = 0.1
	}
}

// TrafficLight is a deploy-gate classification.
type TrafficLight string

const (
	Green TrafficLight = "GREEN"
	Amber TrafficLight = "AMBER"
	Red   TrafficLight = "RED"
)

// CycleSmell records one detected import cycle.
type CycleSmell struct {
	Path    []string
	Penalty float64
}

// GodComponentSmell records one over-connected file.
type GodComponentSmell struct {
	File    string
	Edges   int
	Penalty float64
}

// ExcessSmell records one per-file metric above threshold.
type ExcessSmell struct {
	File      string
	Metric    string
	Value     int
	Threshold int
	Penalty   float64
}

// Report is the aggregated ATDI scoring result.
type Report struct {
	Cycles         []CycleSmell
	GodComponents  []GodComponentSmell
	Excesses       []ExcessSmell
	Score          float64
	TrafficLight   TrafficLight
	Blocked        bool
}

// Gate runs ATDI scoring against a file import graph and caches the
// latest report for checkDeployGate.
type Gate struct {
	mu         sync.Mutex
	thresholds Thresholds
	lastReport *Report
}

// New creates a Gate, applying threshold defaults where unset.
func New(thresholds Thresholds) *Gate {
	thresholds.SetDefaults()
	return &Gate{thresholds: thresholds}
}

// Analyze scores the graph (file -> imported files) and per-file
// metrics, stores, and returns the Report.
func (g *Gate) Analyze(imports map[string][]string, metrics map[string]Metrics) *Report {
	t := g.thresholds
	report := &Report{}

	for _, cycle := range detectCycles(imports) {
		penalty := t.CycleWeight * float64(len(cycle))
		report.Cycles = append(report.Cycles, CycleSmell{Path: cycle, Penalty: penalty})
		report.Score += penalty
	}

	inDegree := make(map[string]int)
	for _, deps := range imports {
		for _, d := range deps {
			inDegree[d]++
		}
	}

	files := sortedKeys(imports, metrics)
	for _, file := range files {
		outEdges := len(imports[file])
		edges := outEdges + inDegree[file]
		if edges > 2*t.DependencyLimit {
			report.GodComponents = append(report.GodComponents, GodComponentSmell{File: file, Edges: edges, Penalty: t.GodWeight})
			report.Score += t.GodWeight
		}

		m, ok := metrics[file]
		if !ok {
			continue
		}
		if m.LOC > t.LOCLimit {
			p := float64(m.LOC-t.LOCLimit) * t.PerUnitWeight
			report.Excesses = append(report.Excesses, ExcessSmell{File: file, Metric: "LOC", Value: m.LOC, Threshold: t.LOCLimit, Penalty: p})
			report.Score += p
		}
		if m.Complexity > t.ComplexityLimit {
			p := float64(m.Complexity-t.ComplexityLimit) * t.PerUnitWeight
			report.Excesses = append(report.Excesses, ExcessSmell{File: file, Metric: "COMPLEXITY", Value: m.Complexity, Threshold: t.ComplexityLimit, Penalty: p})
			report.Score += p
		}
		if m.DependencyCount > t.DependencyLimit {
			p := float64(m.DependencyCount-t.DependencyLimit) * t.PerUnitWeight
			report.Excesses = append(report.Excesses, ExcessSmell{File: file, Metric: "DEPENDENCY_COUNT", Value: m.DependencyCount, Threshold: t.DependencyLimit, Penalty: p})
			report.Score += p
		}
	}

	switch {
	case report.Score < t.GreenMax:
		report.TrafficLight = Green
	case report.Score < t.AmberMax:
		report.TrafficLight = Amber
	default:
		report.TrafficLight = Red
	}
	report.Blocked = report.TrafficLight == Red

	g.mu.Lock()
	g.lastReport = report
	g.mu.Unlock()

	return report
}

func sortedKeys(imports map[string][]string, metrics map[string]Metrics) []string {
	seen := make(map[string]struct{}, len(imports)+len(metrics))
	for k := range imports {
		seen[k] = struct{}{}
	}
	for k := range metrics {
		seen[k] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DeployVerdict is the result of checkDeployGate.
type DeployVerdict struct {
	Allowed      bool
	Reason       string
	TrafficLight TrafficLight
	Score        float64
}

// CheckDeployGate evaluates the most recent report: GREEN allows, AMBER
// allows with a warning reason, RED blocks. Absent a report, it
// fail-opens (allows).
func (g *Gate) CheckDeployGate() DeployVerdict {
	g.mu.Lock()
	report := g.lastReport
	g.mu.Unlock()

	if report == nil {
		return DeployVerdict{Allowed: true, Reason: "NO_REPORT_FAIL_OPEN"}
	}

	switch report.TrafficLight {
	case Green:
		return DeployVerdict{Allowed: true, TrafficLight: Green, Score: report.Score}
	case Amber:
		return DeployVerdict{Allowed: true, Reason: "AMBER_WARNING", TrafficLight: Amber, Score: report.Score}
	default:
		return DeployVerdict{Allowed: false, Reason: "RED_BLOCKED", TrafficLight: Red, Score: report.Score}
	}
}

// detectCycles runs iterative DFS with an explicit frame stack and path
// array over the import graph, yielding one cycle per back-edge found
// (avoiding recursion-depth limits on large graphs).
func detectCycles(imports map[string][]string) [][]string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(imports))
	var cycles [][]string

	nodes := make([]string, 0, len(imports))
	for n := range imports {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	type frame struct {
		node    string
		nextIdx int
	}

	for _, start := range nodes {
		if color[start] != white {
			continue
		}
		var stack []frame
		var path []string
		stack = append(stack, frame{node: start})
		path = append(path, start)
		color[start] = gray

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := imports[top.node]
			advanced := false
			for top.nextIdx < len(deps) {
				next := deps[top.nextIdx]
				top.nextIdx++
				switch color[next] {
				case white:
					color[next] = gray
					stack = append(stack, frame{node: next})
					path = append(path, next)
					advanced = true
				case gray:
					idx := indexOf(path, next)
					if idx >= 0 {
						cyclePath := append([]string{}, path[idx:]...)
						cycles = append(cycles, cyclePath)
					}
				case black:
					// already fully explored, no cycle via this edge
				}
				if advanced {
					break
				}
			}
			if advanced {
				continue
			}
			color[top.node] = black
			stack = stack[:len(stack)-1]
			path = path[:len(path)-1]
		}
	}

	return cycles
}

func indexOf(path []string, node string) int {
	for i, n := range path {
		if n == node {
			return i
		}
	}
	return -1
}

func (t TrafficLight) String() string { return string(t) }
