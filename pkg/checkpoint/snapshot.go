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

// Package checkpoint implements hash-verified execution snapshots and
// event replay for the DAG scheduler: CheckpointManager saves and
// restores a Graph mid-execution, and ExecutionReplay reconstructs a
// chronological event sequence from a saved snapshot.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/kadirpekel/conductor/pkg/bus"
	"github.com/kadirpekel/conductor/pkg/graph"
	"github.com/kadirpekel/conductor/pkg/learning"
)

// snapshotVersion is the schema version stamped on every Snapshot.
const snapshotVersion = 1

// TaskSnapshot is the serialised form of a single graph.Task.
type TaskSnapshot struct {
	ID           string         `json:"id"`
	Kind         string         `json:"kind"`
	Agent        string         `json:"agent,omitempty"`
	Dependencies []string       `json:"dependencies"`
	Payload      map[string]any `json:"payload,omitempty"`
	Status       string         `json:"status"`
	Result       *graph.Result  `json:"result,omitempty"`
	RetryCount   int            `json:"retryCount"`
	Depth        int            `json:"depth"`
	ParentID     string         `json:"parentId,omitempty"`
}

// GraphSnapshot is the serialised task-by-task graph, in deterministic
// insertion order.
type GraphSnapshot struct {
	Tasks []TaskSnapshot `json:"tasks"`
}

// Snapshot is the full execution state captured at save time.
type Snapshot struct {
	ID             string           `json:"id"`
	Version        int              `json:"version"`
	Graph          GraphSnapshot    `json:"graph"`
	ExecutionOrder []string         `json:"executionOrder"`
	TotalRetries   int              `json:"totalRetries"`
	TotalSpawned   int              `json:"totalSpawned"`
	Outcomes       []learning.Outcome `json:"outcomes"`
	Messages       []bus.Message    `json:"messages"`
	CreatedAt      int64            `json:"createdAt"`
	ElapsedMs      int64            `json:"elapsedMs"`
	Label          string           `json:"label,omitempty"`
}

// Checkpoint pairs a Snapshot with its integrity hash and size.
type Checkpoint struct {
	Snapshot  Snapshot `json:"snapshot"`
	Hash      string   `json:"hash"`
	SizeBytes int      `json:"sizeBytes"`
}

// buildGraphSnapshot serialises a graph's tasks in insertion order.
func buildGraphSnapshot(g *graph.Graph) GraphSnapshot {
	tasks := g.Tasks()
	out := make([]TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		parentID, hasParent := t.ParentID()
		if !hasParent {
			parentID = ""
		}
		out = append(out, TaskSnapshot{
			ID:           t.ID(),
			Kind:         string(t.Kind()),
			Agent:        t.AgentHint(),
			Dependencies: t.Dependencies(),
			Payload:      t.Payload(),
			Status:       string(t.Status()),
			Result:       t.Result(),
			RetryCount:   t.RetryCount(),
			Depth:        t.Depth(),
			ParentID:     parentID,
		})
	}
	return GraphSnapshot{Tasks: out}
}

// canonicalize serialises v to a stable JSON byte form. encoding/json
// already sorts map[string]any keys and emits struct fields in
// declaration order, so plain Marshal is deterministic here; it is
// wrapped under one name so every hash/size computation in this package
// goes through the identical path.
func canonicalize(v any) ([]byte, error) {
	return json.Marshal(v)
}

// hashSnapshot computes hex(SHA-256(canonicalize(snapshot))).
func hashSnapshot(s Snapshot) (string, []byte, error) {
	data, err := canonicalize(s)
	if err != nil {
		return "", nil, fmt.Errorf("checkpoint: serialize snapshot: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), data, nil
}

// rebuildGraph reconstructs a *graph.Graph from a GraphSnapshot,
// preserving COMPLETED/FAILED/SKIPPED tasks and requeuing everything
// else to PENDING with its result cleared. Returns the ids requeued and
// preserved, each in snapshot order.
func rebuildGraph(gs GraphSnapshot) (g *graph.Graph, requeued []string, preserved []string) {
	g = graph.NewGraph()

	for _, ts := range gs.Tasks {
		t := graph.RestoreTask(ts.ID, graph.Kind(ts.Kind), ts.Agent, ts.Dependencies, ts.Payload, ts.Depth, ts.ParentID, ts.ParentID != "")
		g.Add(t)

		switch graph.Status(ts.Status) {
		case graph.StatusCompleted:
			if ts.Result != nil {
				t.Complete(ts.Result)
			} else {
				t.Complete(&graph.Result{})
			}
			preserved = append(preserved, ts.ID)
		case graph.StatusFailed:
			if ts.Result != nil {
				t.Fail(ts.Result)
			} else {
				t.Fail(&graph.Result{})
			}
			preserved = append(preserved, ts.ID)
		case graph.StatusSkipped:
			t.Skip()
			preserved = append(preserved, ts.ID)
		default:
			// PENDING, READY, RUNNING, RETRYING all requeue to PENDING.
			t.Requeue()
			requeued = append(requeued, ts.ID)
		}
	}

	return g, requeued, preserved
}
