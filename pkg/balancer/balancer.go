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

// Package balancer selects a worker from a candidate set and drives
// failover across the distributed worker pool.
package balancer

import (
	"sync"

	"github.com/kadirpekel/conductor/pkg/graph"
	"github.com/kadirpekel/conductor/pkg/registry"
)

// Strategy names a candidate-selection algorithm.
type Strategy string

const (
	RoundRobin      Strategy = "ROUND_ROBIN"
	LeastLoaded     Strategy = "LEAST_LOADED"
	CapabilityMatch Strategy = "CAPABILITY_MATCH"
)

// LoadBalancer picks a worker out of a candidate slice.
type LoadBalancer struct {
	mu       sync.Mutex
	strategy Strategy
	rrIndex  int
}

// New creates a LoadBalancer using the given strategy. Unrecognized
// strategies fall back to LEAST_LOADED.
func New(strategy Strategy) *LoadBalancer {
	switch strategy {
	case RoundRobin, LeastLoaded, CapabilityMatch:
	default:
		strategy = LeastLoaded
	}
	return &LoadBalancer{strategy: strategy}
}

// Select returns the chosen worker from candidates, or nil if none
// qualify. taskKind is only consulted under CAPABILITY_MATCH.
func (b *LoadBalancer) Select(candidates []*registry.WorkerNode, taskKind graph.Kind) *registry.WorkerNode {
	if len(candidates) == 0 {
		return nil
	}

	switch b.strategy {
	case RoundRobin:
		b.mu.Lock()
		idx := b.rrIndex % len(candidates)
		b.rrIndex++
		b.mu.Unlock()
		return candidates[idx]
	case CapabilityMatch:
		var matched []*registry.WorkerNode
		for _, w := range candidates {
			if w.Capable(taskKind) {
				matched = append(matched, w)
			}
		}
		if len(matched) == 0 {
			return nil
		}
		return leastLoaded(matched)
	default: // LEAST_LOADED
		return leastLoaded(candidates)
	}
}

// leastLoaded returns the candidate with the smallest ActiveTasks,
// ties broken by the earliest position in the (registration-ordered)
// candidates slice.
func leastLoaded(candidates []*registry.WorkerNode) *registry.WorkerNode {
	best := candidates[0]
	for _, w := range candidates[1:] {
		if w.ActiveTasks() < best.ActiveTasks() {
			best = w
		}
	}
	return best
}
