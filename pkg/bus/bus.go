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

// Package bus implements an in-process, topic-routed publish/subscribe
// message bus connecting agents, with topic RBAC, TTL-bounded history,
// and a bounded global log. Delivery within a single publish call is
// synchronous and single-threaded; subscriber panics/errors never
// prevent delivery to later subscribers.
package bus

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message is an envelope published to a topic.
type Message struct {
	ID        string         `json:"id"`
	Topic     string         `json:"topic"`
	Sender    string         `json:"sender"`
	SenderRole string        `json:"senderRole"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
	TTLMs     int64          `json:"ttlMs"`
	Target    string         `json:"target,omitempty"`
}

// Expired reports whether the message's TTL has elapsed as of now.
func (m Message) Expired(now time.Time) bool {
	if m.TTLMs <= 0 {
		return false
	}
	return now.Sub(m.Timestamp) > time.Duration(m.TTLMs)*time.Millisecond
}

// PublishReason explains why a publish call failed.
type PublishReason string

const (
	ReasonNone             PublishReason = ""
	ReasonMessageTooLarge  PublishReason = "MESSAGE_TOO_LARGE"
	ReasonRBACDenied       PublishReason = "RBAC_DENIED"
	ReasonChannelFull      PublishReason = "CHANNEL_FULL"
)

// PublishResult is returned by Publish.
type PublishResult struct {
	Success   bool
	MessageID string
	Reason    PublishReason
}

// Handler processes a delivered message. A handler that panics is
// recovered and logged; it never interrupts delivery to other
// subscribers.
type Handler func(Message)

type subscription struct {
	topic        string
	subscriberID string
	role         string
	handler      Handler
}

// Options configures bus behavior.
type Options struct {
	MaxMessageSize   int            // serialized payload byte cap; 0 = default 8KiB
	MaxTotalMessages int            // global FIFO log cap; 0 = default 10_000
	MaxPerChannel    int            // per-topic depth cap; 0 = unlimited
	RBAC             map[string]string // topic-prefix -> required role; unknown prefixes deny if RBAC non-nil
	Logger           *slog.Logger
}

// Bus is the in-process pub/sub message bus.
type Bus struct {
	mu            sync.Mutex
	opts          Options
	subscriptions []subscription
	log           []Message
	perChannel    map[string]int
	logger        *slog.Logger
}

// New creates a Bus with the given options, applying defaults.
func New(opts Options) *Bus {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 8 * 1024
	}
	if opts.MaxTotalMessages <= 0 {
		opts.MaxTotalMessages = 10_000
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{opts: opts, perChannel: make(map[string]int), logger: logger}
}

func topicPrefix(topic string) string {
	if i := strings.Index(topic, "."); i >= 0 {
		return topic[:i] + ".*"
	}
	return topic
}

func (b *Bus) checkRBAC(topic, role string) bool {
	if b.opts.RBAC == nil {
		return true
	}
	required, ok := b.opts.RBAC[topicPrefix(topic)]
	if !ok {
		return false
	}
	return required == "" || required == role
}

// Publish delivers a message to all matching subscribers synchronously,
// in subscriber-registration order, and appends it to the bounded log.
func (b *Bus) Publish(topic, sender, senderRole string, payload map[string]any, opts ...func(*Message)) PublishResult {
	msg := Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Sender:    sender,
		SenderRole: senderRole,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	for _, o := range opts {
		o(&msg)
	}

	if !b.checkRBAC(topic, senderRole) {
		return PublishResult{Reason: ReasonRBACDenied}
	}

	if raw, err := json.Marshal(payload); err == nil && len(raw) > b.opts.MaxMessageSize {
		return PublishResult{Reason: ReasonMessageTooLarge}
	}

	b.mu.Lock()
	if b.opts.MaxPerChannel > 0 && b.perChannel[topic] >= b.opts.MaxPerChannel {
		b.mu.Unlock()
		return PublishResult{Reason: ReasonChannelFull}
	}
	b.perChannel[topic]++
	b.log = append(b.log, msg)
	if len(b.log) > b.opts.MaxTotalMessages {
		b.log = b.log[len(b.log)-b.opts.MaxTotalMessages:]
	}
	subs := make([]subscription, len(b.subscriptions))
	copy(subs, b.subscriptions)
	b.mu.Unlock()

	for _, sub := range subs {
		if !matches(sub.topic, topic) {
			continue
		}
		if !b.checkRBAC(topic, sub.role) {
			continue
		}
		if msg.Target != "" && msg.Target != sub.subscriberID {
			continue
		}
		b.deliverSafely(sub, msg)
	}

	return PublishResult{Success: true, MessageID: msg.ID}
}

func (b *Bus) deliverSafely(sub subscription, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("message bus subscriber panicked", "subscriber", sub.subscriberID, "topic", msg.Topic, "recovered", r)
		}
	}()
	sub.handler(msg)
}

// matches reports whether subscriberTopic (possibly a trailing-"*"
// wildcard) matches a published topic.
func matches(subscriberTopic, published string) bool {
	if subscriberTopic == published {
		return true
	}
	if strings.HasSuffix(subscriberTopic, "*") {
		prefix := strings.TrimSuffix(subscriberTopic, "*")
		return strings.HasPrefix(published, prefix)
	}
	return false
}

// Unsubscribe removes a previously registered subscription.
type Unsubscribe func()

// Subscribe registers a handler for a topic (which may end in "*" as a
// wildcard). Returns an Unsubscribe function.
func (b *Bus) Subscribe(topic, subscriberID, role string, handler Handler) Unsubscribe {
	sub := subscription{topic: topic, subscriberID: subscriberID, role: role, handler: handler}
	b.mu.Lock()
	b.subscriptions = append(b.subscriptions, sub)
	idx := len(b.subscriptions) - 1
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.subscriptions) && sameSubscription(b.subscriptions[idx], sub) {
			b.subscriptions = append(b.subscriptions[:idx], b.subscriptions[idx+1:]...)
			return
		}
		for i, s := range b.subscriptions {
			if sameSubscription(s, sub) {
				b.subscriptions = append(b.subscriptions[:i], b.subscriptions[i+1:]...)
				return
			}
		}
	}
}

func sameSubscription(a, b subscription) bool {
	return a.topic == b.topic && a.subscriberID == b.subscriberID && a.role == b.role
}

// SubscriberCount returns the number of currently registered
// subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscriptions)
}

// GetMessages returns a read-only snapshot of non-expired messages in
// the bounded log.
func (b *Bus) GetMessages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	out := make([]Message, 0, len(b.log))
	for _, m := range b.log {
		if !m.Expired(now) {
			out = append(out, m)
		}
	}
	return out
}

// PurgeExpired evicts expired messages from the log, returning the
// number evicted.
func (b *Bus) PurgeExpired() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	kept := b.log[:0:0]
	for _, m := range b.log {
		if !m.Expired(now) {
			kept = append(kept, m)
		}
	}
	evicted := len(b.log) - len(kept)
	b.log = kept
	return evicted
}

// Reset clears all subscriptions and the message log.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions = nil
	b.log = nil
	b.perChannel = make(map[string]int)
}

// WithTTL sets the TTL in milliseconds on a message being published.
func WithTTL(ttlMs int64) func(*Message) {
	return func(m *Message) { m.TTLMs = ttlMs }
}

// WithTarget restricts delivery to a single subscriber id.
func WithTarget(subscriberID string) func(*Message) {
	return func(m *Message) { m.Target = subscriberID }
}

// Default event topics (spec.md §6).
const (
	TopicTaskDispatch      = "task.dispatch"
	TopicTaskComplete      = "task.complete"
	TopicTaskFail          = "task.fail"
	TopicTaskRetry         = "task.retry"
	TopicAgentSignal       = "agent.signal"
	TopicAgentBroadcast    = "agent.broadcast"
	TopicNegotiationPropose = "negotiation.propose"
	TopicNegotiationVote   = "negotiation.vote"
	TopicNegotiationResult = "negotiation.result"
	TopicAuctionCreated    = "auction.created"
	TopicAuctionBid        = "auction.bid"
	TopicAuctionResult     = "auction.result"
	TopicHealingAttempt    = "healing.attempt"
	TopicHealingSuccess    = "healing.success"
	TopicHealingEscalation = "healing.escalation"
	TopicCheckpointSaved   = "checkpoint.saved"
	TopicSystemBoot        = "system.boot"
	TopicSystemShutdown    = "system.shutdown"
)
