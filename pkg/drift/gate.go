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

// Package drift implements the DriftGate: it tracks parallel spec and
// plan document version series per feature and gates dispatch of
// CODE/TEST/DEPLOY tasks when the two have fallen out of sync.
package drift

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/kadirpekel/conductor/pkg/graph"
)

// Entry is one version in a spec or plan series.
type Entry struct {
	Path        string
	ContentHash string
	Version     int
	UpdatedAt   time.Time
	SizeBytes   int
}

// DriftStatus classifies how far spec and plan have diverged.
type DriftStatus string

const (
	DriftNone        DriftStatus = "NONE"
	DriftMissingSpec DriftStatus = "MISSING_SPEC"
	DriftMissingPlan DriftStatus = "MISSING_PLAN"
	DriftSpecAhead   DriftStatus = "SPEC_AHEAD"
	DriftPlanAhead   DriftStatus = "PLAN_AHEAD"
)

type alignment struct {
	specVersion int
	planVersion int
}

type featureState struct {
	specSeries []Entry
	planSeries []Entry
	aligned    *alignment
}

// Gate tracks spec/plan version series keyed by featureId.
type Gate struct {
	mu                sync.Mutex
	features          map[string]*featureState
	blockingDisabled  bool
}

// Config configures a Gate.
type Config struct {
	// BlockingDisabled, if true, makes checkTaskGate always allow.
	BlockingDisabled bool
}

// New creates an empty Gate.
func New(cfg Config) *Gate {
	return &Gate{features: make(map[string]*featureState), blockingDisabled: cfg.BlockingDisabled}
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func (g *Gate) state(featureID string) *featureState {
	s, ok := g.features[featureID]
	if !ok {
		s = &featureState{}
		g.features[featureID] = s
	}
	return s
}

// UpdateSpec appends a new spec version iff content's hash differs from
// the last entry's. Returns the new Entry, or nil if it was a no-op.
func (g *Gate) UpdateSpec(featureID, path, content string) *Entry {
	return g.update(featureID, path, content, true)
}

// UpdatePlan appends a new plan version iff content's hash differs from
// the last entry's. Returns the new Entry, or nil if it was a no-op.
func (g *Gate) UpdatePlan(featureID, path, content string) *Entry {
	return g.update(featureID, path, content, false)
}

func (g *Gate) update(featureID, path, content string, isSpec bool) *Entry {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.state(featureID)
	series := &s.specSeries
	if !isSpec {
		series = &s.planSeries
	}

	hash := hashContent(content)
	if len(*series) > 0 && (*series)[len(*series)-1].ContentHash == hash {
		return nil
	}

	entry := Entry{
		Path:        path,
		ContentHash: hash,
		Version:     len(*series) + 1,
		UpdatedAt:   time.Now(),
		SizeBytes:   len(content),
	}
	*series = append(*series, entry)
	return &entry
}

// MarkAligned snapshots the current latest spec/plan versions as "in
// sync" for this feature.
func (g *Gate) MarkAligned(featureID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.state(featureID)
	s.aligned = &alignment{specVersion: len(s.specSeries), planVersion: len(s.planSeries)}
}

// CheckDrift classifies the current divergence for a feature.
func (g *Gate) CheckDrift(featureID string) DriftStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.features[featureID]
	if !ok {
		return DriftNone
	}

	specVersion := len(s.specSeries)
	planVersion := len(s.planSeries)

	if specVersion == 0 && planVersion == 0 {
		return DriftNone
	}
	if specVersion == 0 {
		return DriftMissingSpec
	}
	if planVersion == 0 {
		return DriftMissingPlan
	}

	if s.aligned == nil {
		switch {
		case specVersion > planVersion:
			return DriftSpecAhead
		case planVersion > specVersion:
			return DriftPlanAhead
		default:
			return DriftNone
		}
	}

	specChanged := specVersion > s.aligned.specVersion
	planChanged := planVersion > s.aligned.planVersion

	switch {
	case !specChanged && !planChanged:
		return DriftNone
	case specChanged && planChanged:
		return DriftNone
	case specChanged:
		return DriftSpecAhead
	default:
		return DriftPlanAhead
	}
}

// TaskGateVerdict is the result of checkTaskGate.
type TaskGateVerdict struct {
	Allowed bool
	Reason  string
	Status  DriftStatus
}

var codeTestDeployKinds = map[graph.Kind]struct{}{
	graph.KindCode:   {},
	graph.KindTest:   {},
	graph.KindDeploy: {},
}

var codeDeployKinds = map[graph.Kind]struct{}{
	graph.KindCode:   {},
	graph.KindDeploy: {},
}

// CheckTaskGate evaluates whether a task of the given kind may proceed
// for featureID, given the current drift status.
func (g *Gate) CheckTaskGate(featureID string, kind graph.Kind) TaskGateVerdict {
	if g.blockingDisabled {
		return TaskGateVerdict{Allowed: true}
	}

	status := g.CheckDrift(featureID)
	if status == DriftNone {
		return TaskGateVerdict{Allowed: true, Status: status}
	}

	if status == DriftMissingPlan {
		if _, ok := codeTestDeployKinds[kind]; ok {
			return TaskGateVerdict{Allowed: false, Reason: "run plan first", Status: status}
		}
	}

	if status == DriftSpecAhead {
		if _, ok := codeDeployKinds[kind]; ok {
			return TaskGateVerdict{Allowed: false, Reason: "spec has changed since the plan was last aligned", Status: status}
		}
	}

	return TaskGateVerdict{Allowed: true, Status: status}
}
