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

package negotiation

import (
	"sync"
	"time"

	"github.com/kadirpekel/conductor/pkg/bus"
)

// RolePriority orders roles for auction tiebreaks, lowest index wins.
// Roles absent from this list are treated as lower priority than any
// listed role.
var RolePriority = []string{"architect", "strategist", "builder", "auditor", "reviewer"}

func rolePriorityIndex(role string) int {
	for i, r := range RolePriority {
		if r == role {
			return i
		}
	}
	return len(RolePriority)
}

// Bid is one bidder's offer for a task.
type Bid struct {
	BidderID          string
	Role              string
	Capability        float64 // [0,100]
	Load               float64 // [0,100]
	EstimatedDuration int64   // > 0
}

// Auction runs a single task's bidding round.
type Auction struct {
	mu               sync.Mutex
	TaskID           string
	biddingWindow    time.Duration
	createdAt        time.Time
	closed           bool
	bids             map[string]Bid
	bus              *bus.Bus
	senderID         string
}

// NewAuction creates an open Auction for a task.
func NewAuction(taskID string, biddingWindow time.Duration, b *bus.Bus, senderID string) *Auction {
	a := &Auction{
		TaskID:        taskID,
		biddingWindow: biddingWindow,
		createdAt:     time.Now(),
		bids:          make(map[string]Bid),
		bus:           b,
		senderID:      senderID,
	}
	if b != nil {
		b.Publish(bus.TopicAuctionCreated, senderID, "scheduler", map[string]any{"taskId": taskID})
	}
	return a
}

// BidError names why PlaceBid rejected a bid.
type BidError string

const (
	BidErrNone          BidError = ""
	BidErrClosed        BidError = "AUCTION_CLOSED"
	BidErrDuplicate     BidError = "DUPLICATE_BIDDER"
	BidErrOutOfRange    BidError = "FIELD_OUT_OF_RANGE"
)

// PlaceBid validates and records a bid.
func (a *Auction) PlaceBid(b Bid) BidError {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return BidErrClosed
	}
	if _, dup := a.bids[b.BidderID]; dup {
		return BidErrDuplicate
	}
	if b.Capability < 0 || b.Capability > 100 || b.Load < 0 || b.Load > 100 || b.EstimatedDuration <= 0 {
		return BidErrOutOfRange
	}

	a.bids[b.BidderID] = b
	if a.bus != nil {
		a.bus.Publish(bus.TopicAuctionBid, b.BidderID, b.Role, map[string]any{"taskId": a.TaskID, "capability": b.Capability, "load": b.Load})
	}
	return BidErrNone
}

// AuctionResult is the winning bid and its score.
type AuctionResult struct {
	WinnerID string
	Score    float64
}

// Close ends bidding and selects the winner by score, ties broken by
// role priority. Returns nil on an empty auction or if already closed.
func (a *Auction) Close() *AuctionResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || len(a.bids) == 0 {
		return nil
	}
	a.closed = true

	maxDuration := int64(0)
	minDuration := int64(-1)
	for _, b := range a.bids {
		if b.EstimatedDuration > maxDuration {
			maxDuration = b.EstimatedDuration
		}
		if minDuration == -1 || b.EstimatedDuration < minDuration {
			minDuration = b.EstimatedDuration
		}
	}
	allEqual := maxDuration == minDuration

	var best *Bid
	bestScore := -1.0

	ids := sortedBidKeys(a.bids)
	for _, id := range ids {
		b := a.bids[id]
		speed := 0.0
		if !allEqual && maxDuration > 0 {
			speed = 100 * float64(maxDuration-b.EstimatedDuration) / float64(maxDuration)
		}
		score := 0.4*b.Capability + 0.3*(100-b.Load) + 0.3*speed

		if best == nil || score > bestScore {
			bb := b
			best = &bb
			bestScore = score
		} else if score == bestScore {
			if rolePriorityIndex(b.Role) < rolePriorityIndex(best.Role) {
				bb := b
				best = &bb
			}
		}
	}

	if a.bus != nil {
		a.bus.Publish(bus.TopicAuctionResult, a.senderID, "scheduler", map[string]any{"taskId": a.TaskID, "winner": best.BidderID, "score": bestScore})
	}

	return &AuctionResult{WinnerID: best.BidderID, Score: bestScore}
}

func sortedBidKeys(bids map[string]Bid) []string {
	out := make([]string, 0, len(bids))
	for k := range bids {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
