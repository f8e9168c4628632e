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

// Package config loads and defaults the per-component configuration
// structs that wire a DAGEngine together: scheduling knobs, the
// dynamic-mutation policy, and the gate/registry/healing/learning
// sub-configs each owning package already defines SetDefaults for.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/conductor/pkg/checkpoint"
	"github.com/kadirpekel/conductor/pkg/drift"
	"github.com/kadirpekel/conductor/pkg/healing"
	"github.com/kadirpekel/conductor/pkg/learning"
	"github.com/kadirpekel/conductor/pkg/quality"
	"github.com/kadirpekel/conductor/pkg/registry"
	"github.com/kadirpekel/conductor/pkg/retry"
	"github.com/kadirpekel/conductor/pkg/security"
)

// EngineConfig parameterizes the DAGEngine's tick loop.
type EngineConfig struct {
	TickIntervalMs     int64 `yaml:"tickIntervalMs"`
	MaxConcurrency     int   `yaml:"maxConcurrency"`
	MaxExecutionTimeMs int64 `yaml:"maxExecutionTimeMs"`
	// AutoHeal enables HealingEngine consultation before RetryPolicy
	// gives up on a failed dispatch.
	AutoHeal bool `yaml:"autoHeal"`
	// ReactiveMutation enables the AUDIT/REVIEW-failure RESEARCH->PLAN
	// synthesis described by spec.md §4.1.
	ReactiveMutation bool `yaml:"reactiveMutation"`
}

// SetDefaults fills zero-valued fields with spec.md §7 defaults.
func (c *EngineConfig) SetDefaults() {
	if c.TickIntervalMs <= 0 {
		c.TickIntervalMs = 100
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 8
	}
	if c.MaxExecutionTimeMs <= 0 {
		c.MaxExecutionTimeMs = 10 * 60 * 1000
	}
}

// TickInterval is EngineConfig.TickIntervalMs as a time.Duration.
func (c EngineConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

// MaxExecutionTime is EngineConfig.MaxExecutionTimeMs as a time.Duration.
func (c EngineConfig) MaxExecutionTime() time.Duration {
	return time.Duration(c.MaxExecutionTimeMs) * time.Millisecond
}

// MutationPolicy bounds dynamic graph mutation (spec.md §4.1 SpawnRequest
// acceptance rules).
type MutationPolicy struct {
	MaxDepth     int  `yaml:"maxDepth"`
	MaxGraphSize int  `yaml:"maxGraphSize"`
	EnforceRBAC  bool `yaml:"enforceRBAC"`
}

// SetDefaults fills zero-valued fields with spec.md §7 defaults.
func (p *MutationPolicy) SetDefaults() {
	if p.MaxDepth <= 0 {
		p.MaxDepth = 3
	}
	if p.MaxGraphSize <= 0 {
		p.MaxGraphSize = 50
	}
}

// Config aggregates every sub-component's configuration. Each embedded
// config keeps its own SetDefaults; Config.SetDefaults just fans out to
// them plus its own engine-level and policy-level fields.
type Config struct {
	Engine    EngineConfig      `yaml:"engine"`
	Mutation  MutationPolicy    `yaml:"mutation"`
	Retry     retry.Config      `yaml:"retry"`
	Heartbeat registry.Config   `yaml:"heartbeat"`
	ATDI      quality.Thresholds `yaml:"atdi"`
	Healing   healing.Config    `yaml:"healing"`
	Learning  learning.Config   `yaml:"learning"`
	Adapt     learning.AdaptationConfig `yaml:"adaptation"`
	Security  security.Config   `yaml:"security"`
	Drift     drift.Config      `yaml:"drift"`
	Checkpoint checkpoint.Config `yaml:"checkpoint"`
}

// SetDefaults fans out to every embedded config's own SetDefaults.
func (c *Config) SetDefaults() {
	c.Engine.SetDefaults()
	c.Mutation.SetDefaults()
	c.Retry.SetDefaults()
	c.ATDI.SetDefaults()
	c.Healing.SetDefaults()
	c.Learning.SetDefaults()
	c.Adapt.SetDefaults()
	c.Checkpoint.SetDefaults()
}

// Load reads a YAML config file from path, applying SetDefaults to any
// field the file leaves zero-valued.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	cfg.SetDefaults()
	return &cfg, nil
}

// DecodePayload decodes an opaque task/workflow payload map into a typed
// struct (mapstructure tags), used where a component expects structure
// inside Task.Payload rather than treating it as fully dynamic.
func DecodePayload(payload map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return fmt.Errorf("building payload decoder: %w", err)
	}
	if err := dec.Decode(payload); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	return nil
}
