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
	"github.com/kadirpekel/conductor/pkg/bus"
	"github.com/kadirpekel/conductor/pkg/learning"
)

// EventType names a replayed event kind.
type EventType string

const (
	EventDispatch EventType = "DISPATCH"
	EventComplete EventType = "COMPLETE"
	EventFail     EventType = "FAIL"
	EventSpawn    EventType = "SPAWN"
	EventMessage  EventType = "MESSAGE"
	EventOutcome  EventType = "OUTCOME"
)

// Event is one chronologically indexed step of a replay.
type Event struct {
	Index    int
	Type     EventType
	TaskID   string
	ParentID string
	Task     *TaskSnapshot
	Message  *bus.Message
	Outcome  *learning.Outcome
}

// Replay reconstructs the chronological event sequence implied by a
// snapshot: for each id in executionOrder, a DISPATCH event, then
// COMPLETE or FAIL (from the task's terminal status and result), then
// a SPAWN event for each of its children (tasks recording it as
// parent, in snapshot order); followed by one MESSAGE event per bus
// message and one OUTCOME event per learning outcome. Indices are
// strictly sequential from 0.
func Replay(snap Snapshot) []Event {
	byID := make(map[string]TaskSnapshot, len(snap.Graph.Tasks))
	for _, t := range snap.Graph.Tasks {
		byID[t.ID] = t
	}

	childrenOf := make(map[string][]TaskSnapshot)
	for _, t := range snap.Graph.Tasks {
		if t.ParentID != "" {
			childrenOf[t.ParentID] = append(childrenOf[t.ParentID], t)
		}
	}

	var events []Event
	idx := 0
	emit := func(e Event) {
		e.Index = idx
		events = append(events, e)
		idx++
	}

	for _, id := range snap.ExecutionOrder {
		ts, ok := byID[id]
		if !ok {
			continue
		}
		tsCopy := ts
		emit(Event{Type: EventDispatch, TaskID: id, Task: &tsCopy})

		switch ts.Status {
		case "COMPLETED":
			emit(Event{Type: EventComplete, TaskID: id, Task: &tsCopy})
		case "FAILED":
			emit(Event{Type: EventFail, TaskID: id, Task: &tsCopy})
		}

		for _, child := range childrenOf[id] {
			childCopy := child
			emit(Event{Type: EventSpawn, TaskID: child.ID, ParentID: id, Task: &childCopy})
		}
	}

	for i := range snap.Messages {
		m := snap.Messages[i]
		emit(Event{Type: EventMessage, Message: &m})
	}

	for i := range snap.Outcomes {
		o := snap.Outcomes[i]
		emit(Event{Type: EventOutcome, Outcome: &o})
	}

	return events
}
