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

package checkpoint

import (
	"fmt"
	"sync"
	"time"

	"github.com/kadirpekel/conductor/pkg/bus"
	"github.com/kadirpekel/conductor/pkg/graph"
	"github.com/kadirpekel/conductor/pkg/learning"
)

// RestoreErrorCode names why Load could not produce a usable restore.
type RestoreErrorCode string

const (
	RestoreErrorNone        RestoreErrorCode = ""
	RestoreErrorNotFound    RestoreErrorCode = "CHECKPOINT_NOT_FOUND"
	RestoreErrorIntegrity   RestoreErrorCode = "INTEGRITY_VIOLATION"
)

// RestoreResult is the outcome of Load.
type RestoreResult struct {
	Success       bool
	ErrorCode     RestoreErrorCode
	Error         string
	Graph         *graph.Graph
	Requeued      []string
	Preserved     []string
	ExpectedHash  string
	ActualHash    string
}

// Config configures CheckpointManager behavior.
type Config struct {
	// MaxCheckpoints bounds retained checkpoint count; the oldest is
	// pruned once this is exceeded. Default: 20.
	MaxCheckpoints int
	// AutoCheckpointInterval is the completion count between automatic
	// checkpoints. Default: 5.
	AutoCheckpointInterval int
	// VerifyOnLoad re-hashes the stored snapshot before restoring.
	// Default: true.
	VerifyOnLoad *bool
	// OnPruned is invoked (if non-nil) with the id of a pruned
	// checkpoint, synchronously, right after pruning.
	OnPruned func(id string)
	// OnIntegrityViolation is invoked (if non-nil) when Load detects a
	// hash mismatch, before RestoreResult is returned.
	OnIntegrityViolation func(id, expected, actual string)
}

// SetDefaults fills zero-valued fields with their defaults.
func (c *Config) SetDefaults() {
	if c.MaxCheckpoints <= 0 {
		c.MaxCheckpoints = 20
	}
	if c.AutoCheckpointInterval <= 0 {
		c.AutoCheckpointInterval = 5
	}
	if c.VerifyOnLoad == nil {
		v := true
		c.VerifyOnLoad = &v
	}
}

// shouldVerify reports whether Load should re-hash before restoring.
func (c *Config) shouldVerify() bool {
	return c.VerifyOnLoad == nil || *c.VerifyOnLoad
}

// Manager saves and restores execution snapshots under monotonically
// ordered ids. Checkpoints are immutable once saved; pruning removes
// the whole record.
type Manager struct {
	mu            sync.Mutex
	cfg           Config
	checkpoints   map[string]*Checkpoint
	order         []string // oldest-first save order
	nextSeq       int
	sinceLastAuto int
}

// NewManager creates a Manager, applying Config defaults.
func NewManager(cfg Config) *Manager {
	cfg.SetDefaults()
	return &Manager{
		cfg:         cfg,
		checkpoints: make(map[string]*Checkpoint),
	}
}

// Save builds a snapshot from the given execution state, hashes it,
// stores it under a new monotonically ordered id, and prunes the
// oldest checkpoint if the retained count now exceeds MaxCheckpoints.
func (m *Manager) Save(g *graph.Graph, executionOrder []string, totalRetries, totalSpawned int, outcomes []learning.Outcome, messages []bus.Message, elapsedMs int64, label string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := fmt.Sprintf("ckpt-%06d", m.nextSeq)
	m.nextSeq++

	snap := Snapshot{
		ID:             id,
		Version:        snapshotVersion,
		Graph:          buildGraphSnapshot(g),
		ExecutionOrder: append([]string(nil), executionOrder...),
		TotalRetries:   totalRetries,
		TotalSpawned:   totalSpawned,
		Outcomes:       append([]learning.Outcome(nil), outcomes...),
		Messages:       append([]bus.Message(nil), messages...),
		CreatedAt:      time.Now().UnixMilli(),
		ElapsedMs:      elapsedMs,
		Label:          label,
	}

	hash, data, err := hashSnapshot(snap)
	if err != nil {
		return nil, err
	}

	ckpt := &Checkpoint{Snapshot: snap, Hash: hash, SizeBytes: len(data)}
	m.checkpoints[id] = ckpt
	m.order = append(m.order, id)

	if len(m.order) > m.cfg.MaxCheckpoints {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.checkpoints, oldest)
		if m.cfg.OnPruned != nil {
			m.cfg.OnPruned(oldest)
		}
	}

	return ckpt, nil
}

// Load retrieves and restores a checkpoint by id. On success, Graph
// holds a freshly reconstructed graph with COMPLETED/FAILED/SKIPPED
// tasks preserved and all other tasks requeued to PENDING.
func (m *Manager) Load(id string) *RestoreResult {
	m.mu.Lock()
	ckpt, ok := m.checkpoints[id]
	m.mu.Unlock()

	if !ok {
		return &RestoreResult{Success: false, ErrorCode: RestoreErrorNotFound, Error: fmt.Sprintf("checkpoint %q not found", id)}
	}

	if m.cfg.shouldVerify() {
		actualHash, _, err := hashSnapshot(ckpt.Snapshot)
		if err != nil {
			return &RestoreResult{Success: false, ErrorCode: RestoreErrorIntegrity, Error: err.Error()}
		}
		if actualHash != ckpt.Hash {
			if m.cfg.OnIntegrityViolation != nil {
				m.cfg.OnIntegrityViolation(id, ckpt.Hash, actualHash)
			}
			return &RestoreResult{
				Success:      false,
				ErrorCode:    RestoreErrorIntegrity,
				Error:        fmt.Sprintf("INTEGRITY_VIOLATION: expected hash %s, got %s", ckpt.Hash, actualHash),
				ExpectedHash: ckpt.Hash,
				ActualHash:   actualHash,
			}
		}
	}

	g, requeued, preserved := rebuildGraph(ckpt.Snapshot.Graph)
	return &RestoreResult{
		Success:   true,
		Graph:     g,
		Requeued:  requeued,
		Preserved: preserved,
	}
}

// Get returns the raw checkpoint record without restoring a graph, or
// false if the id is unknown.
func (m *Manager) Get(id string) (Checkpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ckpt, ok := m.checkpoints[id]
	if !ok {
		return Checkpoint{}, false
	}
	return *ckpt, true
}

// Count returns the number of retained checkpoints.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.checkpoints)
}

// NotifyTaskCompleted increments the internal completion counter and
// reports whether an automatic checkpoint is due.
func (m *Manager) NotifyTaskCompleted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinceLastAuto++
	if m.sinceLastAuto >= m.cfg.AutoCheckpointInterval {
		m.sinceLastAuto = 0
		return true
	}
	return false
}

// TamperSnapshot mutates a stored checkpoint's snapshot in place
// without updating its hash, for integrity-violation testing and
// fault-injection scenarios. Not part of normal operation.
func (m *Manager) TamperSnapshot(id string, mutate func(*Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ckpt, ok := m.checkpoints[id]; ok {
		mutate(&ckpt.Snapshot)
	}
}
