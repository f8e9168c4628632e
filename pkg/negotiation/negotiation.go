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

// Package negotiation implements multi-agent consensus (the
// NegotiationEngine, proposals and votes under four strategies) and
// competitive task allocation (TaskAuction).
package negotiation

import (
	"sync"
	"time"

	"github.com/kadirpekel/conductor/pkg/bus"
)

// Strategy is a consensus-resolution algorithm.
type Strategy string

const (
	Majority  Strategy = "MAJORITY"
	Unanimous Strategy = "UNANIMOUS"
	Weighted  Strategy = "WEIGHTED"
	Veto      Strategy = "VETO"
)

// ProposalStatus is a proposal's lifecycle state.
type ProposalStatus string

const (
	ProposalOpen     ProposalStatus = "OPEN"
	ProposalResolved ProposalStatus = "RESOLVED"
	ProposalRejected ProposalStatus = "REJECTED"
	ProposalExpired  ProposalStatus = "EXPIRED"
	ProposalVetoed   ProposalStatus = "VETOED"
)

const (
	choiceAbstain = "ABSTAIN"
	choiceVeto    = "VETO"
)

// VetoRoles is the set of roles permitted to cast a VETO vote.
var VetoRoles = map[string]struct{}{"guardian": {}, "strategist": {}}

// Vote is one agent's cast vote. Immutable once recorded.
type Vote struct {
	VoterID string
	Role    string
	Choice  string
	At      time.Time
}

// Proposal is a single negotiation round.
type Proposal struct {
	ID        string
	Options   []string
	Eligible  map[string]struct{} // empty/nil means all voters allowed
	Quorum    int
	Timeout   time.Duration
	Strategy  Strategy
	Weights   map[string]int // role -> weight, for WEIGHTED
	Status    ProposalStatus
	CreatedAt time.Time

	votes map[string]Vote
}

// Resolution is the outcome of a resolved, rejected, vetoed, or expired
// proposal.
type Resolution struct {
	Status  ProposalStatus
	Winner  string
	VetoerID string
	Tally   map[string]int
}

// Engine runs proposals through their vote lifecycle.
type Engine struct {
	mu        sync.Mutex
	proposals map[string]*Proposal
	bus       *bus.Bus
	senderID  string
}

// NewEngine creates a NegotiationEngine, optionally wired to a bus for
// negotiation.* event emission.
func NewEngine(b *bus.Bus, senderID string) *Engine {
	return &Engine{proposals: make(map[string]*Proposal), bus: b, senderID: senderID}
}

// Open registers a new OPEN proposal.
func (e *Engine) Open(p *Proposal) {
	p.Status = ProposalOpen
	p.votes = make(map[string]Vote)
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	e.mu.Lock()
	e.proposals[p.ID] = p
	e.mu.Unlock()

	if e.bus != nil {
		e.bus.Publish(bus.TopicNegotiationPropose, e.senderID, "scheduler", map[string]any{"proposalId": p.ID, "options": p.Options})
	}
}

// VoteError names why RecordVote rejected a vote.
type VoteError string

const (
	VoteErrNone            VoteError = ""
	VoteErrProposalNotOpen VoteError = "PROPOSAL_NOT_OPEN"
	VoteErrProposalExpired VoteError = "PROPOSAL_EXPIRED"
	VoteErrIneligible      VoteError = "VOTER_INELIGIBLE"
	VoteErrDuplicate       VoteError = "DUPLICATE_VOTE"
	VoteErrVetoNotAllowed  VoteError = "VETO_NOT_ALLOWED"
	VoteErrInvalidChoice   VoteError = "INVALID_CHOICE"
)

// RecordVote validates and records a vote, auto-resolving the proposal
// if quorum is reached. Returns the resulting Resolution if the
// proposal resolved as a result of this vote, else nil.
func (e *Engine) RecordVote(proposalID string, v Vote) (VoteError, *Resolution) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.proposals[proposalID]
	if !ok {
		return VoteErrProposalNotOpen, nil
	}
	if p.Status == ProposalExpired {
		return VoteErrProposalExpired, nil
	}
	if p.Status != ProposalOpen {
		return VoteErrProposalNotOpen, nil
	}

	if v.At.IsZero() {
		v.At = time.Now()
	}

	// A vote arriving after the deadline but before CheckTimeout has run
	// is rejected as expired rather than silently accepted, per spec.md:303.
	if p.Timeout > 0 && v.At.Sub(p.CreatedAt) >= p.Timeout {
		res := &Resolution{Status: ProposalExpired, Tally: tally(p.votes)}
		p.Status = ProposalExpired
		e.emitResult(p, res)
		return VoteErrProposalExpired, nil
	}

	if len(p.Eligible) > 0 {
		if _, eligible := p.Eligible[v.VoterID]; !eligible {
			return VoteErrIneligible, nil
		}
	}

	if _, already := p.votes[v.VoterID]; already {
		return VoteErrDuplicate, nil
	}

	if v.Choice == choiceVeto {
		if _, allowed := VetoRoles[v.Role]; !allowed {
			return VoteErrVetoNotAllowed, nil
		}
	} else if v.Choice != choiceAbstain {
		if !contains(p.Options, v.Choice) {
			return VoteErrInvalidChoice, nil
		}
	}

	p.votes[v.VoterID] = v

	if e.bus != nil {
		e.bus.Publish(bus.TopicNegotiationVote, v.VoterID, v.Role, map[string]any{"proposalId": p.ID, "choice": v.Choice})
	}

	if v.Choice == choiceVeto {
		res := &Resolution{Status: ProposalVetoed, VetoerID: v.VoterID, Tally: tally(p.votes)}
		p.Status = ProposalVetoed
		e.emitResult(p, res)
		return VoteErrNone, res
	}

	nonAbstain := countNonAbstain(p.votes)
	if p.Quorum > 0 && nonAbstain >= p.Quorum {
		res := resolve(p)
		p.Status = res.Status
		e.emitResult(p, res)
		return VoteErrNone, res
	}

	return VoteErrNone, nil
}

// CheckTimeout marks an OPEN proposal EXPIRED if its timeout has
// elapsed, returning the resulting tally.
func (e *Engine) CheckTimeout(proposalID string, now time.Time) *Resolution {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.proposals[proposalID]
	if !ok || p.Status != ProposalOpen {
		return nil
	}
	if p.Timeout <= 0 || now.Sub(p.CreatedAt) < p.Timeout {
		return nil
	}

	res := &Resolution{Status: ProposalExpired, Tally: tally(p.votes)}
	p.Status = ProposalExpired
	e.emitResult(p, res)
	return res
}

func (e *Engine) emitResult(p *Proposal, res *Resolution) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.TopicNegotiationResult, e.senderID, "scheduler", map[string]any{
		"proposalId": p.ID, "status": string(res.Status), "winner": res.Winner,
	})
}

func resolve(p *Proposal) *Resolution {
	t := tally(p.votes)

	switch p.Strategy {
	case Unanimous:
		if len(t) == 1 {
			for opt := range t {
				return &Resolution{Status: ProposalResolved, Winner: opt, Tally: t}
			}
		}
		return &Resolution{Status: ProposalRejected, Tally: t}

	case Weighted:
		weighted := make(map[string]int)
		for _, v := range p.votes {
			if v.Choice == choiceAbstain || v.Choice == choiceVeto {
				continue
			}
			weight := 1
			if w, ok := p.Weights[v.Role]; ok {
				weight = w
			}
			weighted[v.Choice] += weight
		}
		winner, tie := strictMax(weighted)
		if tie {
			return &Resolution{Status: ProposalRejected, Tally: t}
		}
		return &Resolution{Status: ProposalResolved, Winner: winner, Tally: t}

	case Veto:
		// VETO votes are handled inline in RecordVote; absent a veto,
		// fall back to MAJORITY.
		return resolveMajority(t)

	default: // MAJORITY
		return resolveMajority(t)
	}
}

func resolveMajority(t map[string]int) *Resolution {
	total := 0
	for _, c := range t {
		total += c
	}
	winner, tie := strictMax(t)
	if tie || t[winner]*2 <= total {
		return &Resolution{Status: ProposalRejected, Tally: t}
	}
	return &Resolution{Status: ProposalResolved, Winner: winner, Tally: t}
}

func tally(votes map[string]Vote) map[string]int {
	t := make(map[string]int)
	for _, v := range votes {
		if v.Choice == choiceAbstain {
			continue
		}
		t[v.Choice]++
	}
	return t
}

func countNonAbstain(votes map[string]Vote) int {
	n := 0
	for _, v := range votes {
		if v.Choice != choiceAbstain {
			n++
		}
	}
	return n
}

func strictMax(counts map[string]int) (string, bool) {
	if len(counts) == 0 {
		return "", true
	}
	best := ""
	bestCount := -1
	tie := false
	keys := sortedKeys(counts)
	for _, k := range keys {
		c := counts[k]
		if c > bestCount {
			bestCount = c
			best = k
			tie = false
		} else if c == bestCount {
			tie = true
		}
	}
	return best, tie
}

func sortedKeys(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

func contains(options []string, choice string) bool {
	for _, o := range options {
		if o == choice {
			return true
		}
	}
	return false
}
