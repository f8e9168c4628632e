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
	"log/slog"

	"github.com/kadirpekel/conductor/pkg/bus"
	"github.com/kadirpekel/conductor/pkg/checkpoint"
	"github.com/kadirpekel/conductor/pkg/config"
	"github.com/kadirpekel/conductor/pkg/drift"
	"github.com/kadirpekel/conductor/pkg/engine"
	"github.com/kadirpekel/conductor/pkg/healing"
	"github.com/kadirpekel/conductor/pkg/learning"
	"github.com/kadirpekel/conductor/pkg/quality"
	"github.com/kadirpekel/conductor/pkg/retry"
	"github.com/kadirpekel/conductor/pkg/security"
	"github.com/kadirpekel/conductor/pkg/telemetry"
)

// wired bundles the assembled engine together with the learning
// collaborators RunCmd consults after execution for adaptation advice.
type wired struct {
	engine     *engine.Engine
	tracker    *learning.Tracker
	adaptation *learning.AdaptationEngine
}

// buildEngine assembles a fully-wired DAGEngine from a loaded Config,
// constructing every gate/registry/learning collaborator the engine
// accepts as an Option. A nil metrics emitter falls back to
// telemetry.NoopEmitter via engine.New's own default.
func buildEngine(cfg *config.Config, logger *slog.Logger, metrics telemetry.Emitter) (*wired, error) {
	securityGate, err := security.New(cfg.Security)
	if err != nil {
		return nil, fmt.Errorf("building security gate: %w", err)
	}

	driftGate := drift.New(cfg.Drift)
	qualityGate := quality.New(cfg.ATDI)
	healingEngine := healing.NewEngine(cfg.Healing)
	healingDetector := healing.NewDetector(nil)
	retryPolicy := retry.New(cfg.Retry)

	tracker := learning.NewTracker(cfg.Learning)
	adaptation := learning.NewAdaptationEngine(tracker, cfg.Adapt)

	messageBus := bus.New(bus.Options{Logger: logger})
	checkpoints := checkpoint.NewManager(cfg.Checkpoint)

	mutation := engine.NewMutationController(cfg.Mutation, securityGate)

	opts := []engine.Option{
		engine.WithSecurityGate(securityGate),
		engine.WithDriftGate(driftGate),
		engine.WithQualityGate(qualityGate),
		engine.WithHealingEngine(healingEngine),
		engine.WithHealingDetector(healingDetector),
		engine.WithBus(messageBus),
		engine.WithCheckpoints(checkpoints),
		engine.WithTracker(tracker),
		engine.WithLogger(logger),
	}
	if metrics != nil {
		opts = append(opts, engine.WithTelemetry(metrics))
	}

	return &wired{
		engine:     engine.New(cfg.Engine, retryPolicy, mutation, opts...),
		tracker:    tracker,
		adaptation: adaptation,
	}, nil
}
