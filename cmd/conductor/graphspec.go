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
)

// taskSpec is one task entry in a graph definition file.
type taskSpec struct {
	ID           string         `yaml:"id"`
	Kind         graph.Kind     `yaml:"kind"`
	Agent        string         `yaml:"agent"`
	Dependencies []string       `yaml:"dependencies"`
	Payload      map[string]any `yaml:"payload"`
}

// graphSpec is the on-disk representation of a task graph, built by
// hand or generated by a planning agent upstream of the conductor.
type graphSpec struct {
	Tasks []taskSpec `yaml:"tasks"`
}

// loadGraphSpec reads and YAML-decodes a graph definition file.
func loadGraphSpec(path string) (*graphSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading graph %q: %w", path, err)
	}
	var spec graphSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("parsing graph %q: %w", path, err)
	}
	return &spec, nil
}

// buildGraph converts a graphSpec into a graph.Graph. Tasks are added in
// file order; dependency/cycle validity is left to graph.Validate.
func buildGraph(spec *graphSpec) *graph.Graph {
	g := graph.NewGraph()
	for _, ts := range spec.Tasks {
		g.Add(graph.NewTask(ts.ID, ts.Kind, ts.Agent, ts.Dependencies, ts.Payload))
	}
	return g
}

// loadGraph loads and builds a graph.Graph directly from a file path.
func loadGraph(path string) (*graph.Graph, error) {
	spec, err := loadGraphSpec(path)
	if err != nil {
		return nil, err
	}
	return buildGraph(spec), nil
}
