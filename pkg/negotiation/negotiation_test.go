package negotiation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProposal(id string, strategy Strategy) *Proposal {
	return &Proposal{
		ID:       id,
		Options:  []string{"A", "B"},
		Strategy: strategy,
		Quorum:   0,
	}
}

func TestRecordVote_DuplicateRejected(t *testing.T) {
	e := NewEngine(nil, "sched")
	p := newProposal("p1", Majority)
	e.Open(p)

	errCode, _ := e.RecordVote("p1", Vote{VoterID: "v1", Role: "builder", Choice: "A"})
	assert.Equal(t, VoteErrNone, errCode)
	errCode, _ = e.RecordVote("p1", Vote{VoterID: "v1", Role: "builder", Choice: "B"})
	assert.Equal(t, VoteErrDuplicate, errCode)
}

func TestRecordVote_VetoRestrictedToRoles(t *testing.T) {
	e := NewEngine(nil, "sched")
	p := newProposal("p1", Veto)
	e.Open(p)
	errCode, res := e.RecordVote("p1", Vote{VoterID: "v1", Role: "builder", Choice: choiceVeto})
	assert.Equal(t, VoteErrVetoNotAllowed, errCode)
	assert.Nil(t, res)

	errCode, res = e.RecordVote("p1", Vote{VoterID: "v2", Role: "guardian", Choice: choiceVeto})
	assert.Equal(t, VoteErrNone, errCode)
	require.NotNil(t, res)
	assert.Equal(t, ProposalVetoed, res.Status)
	assert.Equal(t, "v2", res.VetoerID)
}

func TestRecordVote_InvalidChoiceRejected(t *testing.T) {
	e := NewEngine(nil, "sched")
	p := newProposal("p1", Majority)
	e.Open(p)
	errCode, _ := e.RecordVote("p1", Vote{VoterID: "v1", Role: "builder", Choice: "Z"})
	assert.Equal(t, VoteErrInvalidChoice, errCode)
}

func TestRecordVote_IneligibleVoterRejected(t *testing.T) {
	e := NewEngine(nil, "sched")
	p := newProposal("p1", Majority)
	p.Eligible = map[string]struct{}{"v1": {}}
	e.Open(p)
	errCode, _ := e.RecordVote("p1", Vote{VoterID: "v2", Role: "builder", Choice: "A"})
	assert.Equal(t, VoteErrIneligible, errCode)
}

// P9: a voter appears at most once; invalid votes never mutate the tally.
func TestVoteImmutability(t *testing.T) {
	e := NewEngine(nil, "sched")
	p := newProposal("p1", Majority)
	e.Open(p)
	e.RecordVote("p1", Vote{VoterID: "v1", Role: "builder", Choice: "A"})
	e.RecordVote("p1", Vote{VoterID: "v1", Role: "builder", Choice: "B"})
	e.RecordVote("p1", Vote{VoterID: "v2", Role: "builder", Choice: "Z"})

	e.mu.Lock()
	stored := e.proposals["p1"]
	count := len(stored.votes)
	choice := stored.votes["v1"].Choice
	e.mu.Unlock()

	assert.Equal(t, 1, count)
	assert.Equal(t, "A", choice)
}

func TestResolve_MajorityNeedsStrictMajority(t *testing.T) {
	e := NewEngine(nil, "sched")
	p := newProposal("p1", Majority)
	p.Quorum = 2
	e.Open(p)
	e.RecordVote("p1", Vote{VoterID: "v1", Role: "builder", Choice: "A"})
	_, res := e.RecordVote("p1", Vote{VoterID: "v2", Role: "builder", Choice: "B"})
	require.NotNil(t, res)
	assert.Equal(t, ProposalRejected, res.Status)
}

func TestResolve_Unanimous(t *testing.T) {
	e := NewEngine(nil, "sched")
	p := newProposal("p1", Unanimous)
	p.Quorum = 2
	e.Open(p)
	e.RecordVote("p1", Vote{VoterID: "v1", Role: "builder", Choice: "A"})
	_, res := e.RecordVote("p1", Vote{VoterID: "v2", Role: "builder", Choice: "A"})
	require.NotNil(t, res)
	assert.Equal(t, ProposalResolved, res.Status)
	assert.Equal(t, "A", res.Winner)
}

func TestResolve_Weighted(t *testing.T) {
	e := NewEngine(nil, "sched")
	p := newProposal("p1", Weighted)
	p.Weights = map[string]int{"architect": 3, "builder": 1}
	p.Quorum = 2
	e.Open(p)
	e.RecordVote("p1", Vote{VoterID: "v1", Role: "architect", Choice: "A"})
	_, res := e.RecordVote("p1", Vote{VoterID: "v2", Role: "builder", Choice: "B"})
	require.NotNil(t, res)
	assert.Equal(t, "A", res.Winner)
}

func TestCheckTimeout_ExpiresPastDeadline(t *testing.T) {
	e := NewEngine(nil, "sched")
	p := newProposal("p1", Majority)
	p.Timeout = time.Millisecond
	p.CreatedAt = time.Now().Add(-time.Hour)
	e.Open(p)
	p.CreatedAt = time.Now().Add(-time.Hour) // Open() resets CreatedAt if zero only

	res := e.CheckTimeout("p1", time.Now())
	require.NotNil(t, res)
	assert.Equal(t, ProposalExpired, res.Status)
}

func TestPlaceBid_RejectsDuplicateAndOutOfRange(t *testing.T) {
	a := NewAuction("t1", time.Second, nil, "sched")
	assert.Equal(t, BidErrNone, a.PlaceBid(Bid{BidderID: "b1", Role: "builder", Capability: 80, Load: 20, EstimatedDuration: 100}))
	assert.Equal(t, BidErrDuplicate, a.PlaceBid(Bid{BidderID: "b1", Role: "builder", Capability: 80, Load: 20, EstimatedDuration: 100}))
	assert.Equal(t, BidErrOutOfRange, a.PlaceBid(Bid{BidderID: "b2", Role: "builder", Capability: 150, Load: 20, EstimatedDuration: 100}))
}

// P10: the closing bid's score is >= every other bid's score.
func TestClose_AuctionMonotonicity(t *testing.T) {
	a := NewAuction("t1", time.Second, nil, "sched")
	a.PlaceBid(Bid{BidderID: "slow", Role: "builder", Capability: 50, Load: 50, EstimatedDuration: 1000})
	a.PlaceBid(Bid{BidderID: "fast", Role: "builder", Capability: 90, Load: 10, EstimatedDuration: 10})
	a.PlaceBid(Bid{BidderID: "mid", Role: "builder", Capability: 70, Load: 30, EstimatedDuration: 500})

	result := a.Close()
	require.NotNil(t, result)
	assert.Equal(t, "fast", result.WinnerID)
}

func TestClose_EmptyAuctionReturnsNil(t *testing.T) {
	a := NewAuction("t1", time.Second, nil, "sched")
	assert.Nil(t, a.Close())
}

func TestClose_AlreadyClosedReturnsNil(t *testing.T) {
	a := NewAuction("t1", time.Second, nil, "sched")
	a.PlaceBid(Bid{BidderID: "b1", Role: "builder", Capability: 80, Load: 20, EstimatedDuration: 100})
	a.Close()
	assert.Nil(t, a.Close())
}

func TestClose_TieBrokenByRolePriority(t *testing.T) {
	a := NewAuction("t1", time.Second, nil, "sched")
	a.PlaceBid(Bid{BidderID: "builder-bidder", Role: "builder", Capability: 50, Load: 50, EstimatedDuration: 100})
	a.PlaceBid(Bid{BidderID: "architect-bidder", Role: "architect", Capability: 50, Load: 50, EstimatedDuration: 100})

	result := a.Close()
	require.NotNil(t, result)
	assert.Equal(t, "architect-bidder", result.WinnerID)
}
