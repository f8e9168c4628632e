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

package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/conductor/pkg/graph"
	"github.com/kadirpekel/conductor/pkg/registry"
)

type workerSpec struct {
	ID             string       `yaml:"id"`
	Capabilities   []graph.Kind `yaml:"capabilities"`
	MaxConcurrency int          `yaml:"maxConcurrency"`
}

type workerPoolSpec struct {
	Workers []workerSpec `yaml:"workers"`
}

// loadRegistry reads a worker-pool definition file and registers every
// declared worker, heartbeating each in immediately so it's eligible
// for dispatch from the first tick.
func loadRegistry(path string) (*registry.Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading worker pool %q: %w", path, err)
	}
	var spec workerPoolSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("parsing worker pool %q: %w", path, err)
	}

	reg := registry.NewRegistry(registry.Config{})
	for _, w := range spec.Workers {
		if _, err := reg.Register(w.ID, w.Capabilities, w.MaxConcurrency); err != nil {
			return nil, fmt.Errorf("registering worker %q: %w", w.ID, err)
		}
		if err := reg.Heartbeat(w.ID); err != nil {
			return nil, fmt.Errorf("heartbeating worker %q: %w", w.ID, err)
		}
	}
	return reg, nil
}
