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

// Package telemetry defines the black-box event sink every gated
// component (DAGEngine, RetryPolicy, HealingEngine, CheckpointManager)
// emits into, and a concrete Prometheus-backed adapter. The sink
// contract itself is transport-agnostic: a host may plug in any other
// TelemetryEmitter (a log sink, a message bus topic) without the
// emitting components knowing the difference.
package telemetry

import "context"

// Kind identifies the category of event being emitted.
type Kind string

const (
	KindDispatch    Kind = "dispatch"
	KindRetry       Kind = "retry"
	KindCircuitTrip Kind = "circuit_trip"
	KindHeal        Kind = "heal"
	KindGateDenied  Kind = "gate_denied"
	KindCheckpoint  Kind = "checkpoint"
	KindMutation    Kind = "mutation"
)

// Event is one observation emitted by an engine component. Fields are
// deliberately flat and string/float-valued so any adapter (Prometheus
// labels, structured log attributes) can consume them without a type
// switch.
type Event struct {
	Kind       Kind
	TaskID     string
	TaskKind   string
	AgentRole  string
	Outcome    string // e.g. "success", "failure", "denied"
	Reason     string // gate-denial reason, rejection tag, healing action
	DurationMs float64
	Attempt    int
}

// Emitter is the black-box sink every gated component emits into.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// NoopEmitter discards every event. Used as the default collaborator so
// components never need a nil check before emitting.
type NoopEmitter struct{}

func (NoopEmitter) Emit(context.Context, Event) {}
