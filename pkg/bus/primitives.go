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

package bus

import "sync"

// AgentMailbox wraps the bus with a per-agent inbox: send publishes to
// the agent's topic, on() installs a handler, inbox/read expose
// buffered messages the agent hasn't consumed yet.
type AgentMailbox struct {
	mu      sync.Mutex
	agentID string
	role    string
	bus     *Bus
	inbox   []Message
	unsub   Unsubscribe
}

// NewAgentMailbox creates a mailbox bound to agent.<agentID> on the bus.
func NewAgentMailbox(b *Bus, agentID, role string) *AgentMailbox {
	m := &AgentMailbox{agentID: agentID, role: role, bus: b}
	m.unsub = b.Subscribe("agent."+agentID, agentID, role, func(msg Message) {
		m.mu.Lock()
		m.inbox = append(m.inbox, msg)
		m.mu.Unlock()
	})
	return m
}

// Send publishes a message targeted at another agent's mailbox topic.
func (m *AgentMailbox) Send(toAgentID string, payload map[string]any) PublishResult {
	return m.bus.Publish("agent."+toAgentID, m.agentID, m.role, payload, WithTarget(toAgentID))
}

// On installs an additional raw handler on the bus for a topic pattern,
// independent of this mailbox's inbox.
func (m *AgentMailbox) On(topic string, handler Handler) Unsubscribe {
	return m.bus.Subscribe(topic, m.agentID, m.role, handler)
}

// Inbox returns a copy of buffered, unread messages.
func (m *AgentMailbox) Inbox() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.inbox))
	copy(out, m.inbox)
	return out
}

// Read drains and returns the buffered inbox.
func (m *AgentMailbox) Read() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.inbox
	m.inbox = nil
	return out
}

// Dispose unsubscribes the mailbox from the bus.
func (m *AgentMailbox) Dispose() {
	if m.unsub != nil {
		m.unsub()
	}
}

// Barrier resolves once N distinct participants have arrived.
type Barrier struct {
	mu       sync.Mutex
	need     int
	arrived  map[string]struct{}
	waiters  []chan struct{}
	resolved bool
}

// NewBarrier creates a barrier that resolves after `need` distinct
// participants call Arrive.
func NewBarrier(need int) *Barrier {
	return &Barrier{need: need, arrived: make(map[string]struct{})}
}

// Arrive records a participant's arrival. Returns true if this call
// caused the barrier to resolve.
func (b *Barrier) Arrive(participantID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.resolved {
		return false
	}
	b.arrived[participantID] = struct{}{}
	if len(b.arrived) < b.need {
		return false
	}
	b.resolved = true
	for _, w := range b.waiters {
		close(w)
	}
	b.waiters = nil
	return true
}

// Wait returns a channel that is closed once the barrier resolves (or
// is already closed if it has already resolved).
func (b *Barrier) Wait() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan struct{})
	if b.resolved {
		close(ch)
		return ch
	}
	b.waiters = append(b.waiters, ch)
	return ch
}

// Resolved reports whether the barrier has been satisfied.
func (b *Barrier) Resolved() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolved
}

// SignalFlag is a one-shot rising-edge coordination primitive.
type SignalFlag struct {
	mu      sync.Mutex
	raised  bool
	waiters []chan struct{}
}

// NewSignalFlag creates an unraised flag.
func NewSignalFlag() *SignalFlag {
	return &SignalFlag{}
}

// Raise sets the flag, releasing all current and future waiters.
// Raising an already-raised flag is a no-op.
func (f *SignalFlag) Raise() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.raised {
		return
	}
	f.raised = true
	for _, w := range f.waiters {
		close(w)
	}
	f.waiters = nil
}

// IsRaised reports the current state.
func (f *SignalFlag) IsRaised() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.raised
}

// Wait returns a channel closed when the flag is (or becomes) raised.
func (f *SignalFlag) Wait() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	if f.raised {
		close(ch)
		return ch
	}
	f.waiters = append(f.waiters, ch)
	return ch
}
