package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type alwaysValid struct{}

func (alwaysValid) Verify(validatorDID string, round *Round, v Vote) bool { return true }
func (alwaysValid) Validate(value []byte, metadata map[string]string) bool { return true }

func newEngine(cfg Config) *Engine {
	return New(cfg, alwaysValid{}, alwaysValid{}, nil, nil, nil)
}

func TestConsensusThreshold(t *testing.T) {
	e := newEngine(Config{SelectionStrategy: ReputationBased, CommitteeSize: 4, ConsensusThreshold: 0.75, ConsensusTimeout: time.Minute})
	e.SetCandidates([]Candidate{{DID: "a", Reputation: 1}, {DID: "b", Reputation: 1}, {DID: "c", Reputation: 1}, {DID: "d", Reputation: 1}})
	e.RotateCommittee()

	r, err := e.StartRound("r1", []byte("value"), nil, "origin")
	require.NoError(t, err)

	require.NoError(t, e.CastVote(Vote{RoundID: r.ID, ValidatorDID: "a", Approve: true}))
	require.NoError(t, e.CastVote(Vote{RoundID: r.ID, ValidatorDID: "b", Approve: true}))
	got, _ := e.GetRound(r.ID)
	require.Equal(t, Collecting, got.Status)

	require.NoError(t, e.CastVote(Vote{RoundID: r.ID, ValidatorDID: "c", Approve: true}))
	got, _ = e.GetRound(r.ID)
	require.Equal(t, Reached, got.Status)
}

func TestVoteRejectedFromNonCommitteeMember(t *testing.T) {
	e := newEngine(Config{SelectionStrategy: ReputationBased, CommitteeSize: 2, ConsensusThreshold: 0.5, ConsensusTimeout: time.Minute})
	e.SetCandidates([]Candidate{{DID: "a", Reputation: 1}, {DID: "b", Reputation: 1}})
	e.RotateCommittee()
	r, err := e.StartRound("r1", []byte("v"), nil, "origin")
	require.NoError(t, err)

	err = e.CastVote(Vote{RoundID: r.ID, ValidatorDID: "outsider", Approve: true})
	require.Error(t, err)
}

func TestDuplicateVoteRejected(t *testing.T) {
	e := newEngine(Config{SelectionStrategy: ReputationBased, CommitteeSize: 2, ConsensusThreshold: 0.9, ConsensusTimeout: time.Minute})
	e.SetCandidates([]Candidate{{DID: "a", Reputation: 1}, {DID: "b", Reputation: 1}})
	e.RotateCommittee()
	r, err := e.StartRound("r1", []byte("v"), nil, "origin")
	require.NoError(t, err)

	require.NoError(t, e.CastVote(Vote{RoundID: r.ID, ValidatorDID: "a", Approve: true}))
	err = e.CastVote(Vote{RoundID: r.ID, ValidatorDID: "a", Approve: true})
	require.Error(t, err)
}

func TestFederationAwareCap(t *testing.T) {
	e := newEngine(Config{SelectionStrategy: ReputationBased, CommitteeSize: 4, ConsensusThreshold: 0.5, ConsensusTimeout: time.Minute, FederationAware: true})
	e.SetCandidates([]Candidate{
		{DID: "a1", Reputation: 1, FederationID: "f1"},
		{DID: "a2", Reputation: 0.9, FederationID: "f1"},
		{DID: "a3", Reputation: 0.8, FederationID: "f1"},
		{DID: "b1", Reputation: 0.7, FederationID: "f2"},
	})
	committee := e.RotateCommittee()

	counts := map[string]int{}
	for _, c := range committee {
		counts[c.FederationID]++
	}
	require.LessOrEqual(t, counts["f1"], 2)
}

func TestRoundTimesOut(t *testing.T) {
	e := newEngine(Config{SelectionStrategy: ReputationBased, CommitteeSize: 2, ConsensusThreshold: 0.99, ConsensusTimeout: -time.Second})
	e.SetCandidates([]Candidate{{DID: "a", Reputation: 1}, {DID: "b", Reputation: 1}})
	e.RotateCommittee()
	r, err := e.StartRound("r1", []byte("v"), nil, "origin")
	require.NoError(t, err)

	e.CheckTimeout(r.ID)
	got, _ := e.GetRound(r.ID)
	require.Equal(t, TimedOut, got.Status)
}

func TestReputationBasedSelectionTakesTop(t *testing.T) {
	e := newEngine(Config{SelectionStrategy: ReputationBased, CommitteeSize: 2, MinReputation: 0.5, ConsensusThreshold: 0.5, ConsensusTimeout: time.Minute})
	e.SetCandidates([]Candidate{
		{DID: "low", Reputation: 0.55},
		{DID: "top", Reputation: 0.95},
		{DID: "mid", Reputation: 0.7},
		{DID: "filtered", Reputation: 0.4},
	})
	committee := e.RotateCommittee()

	require.Len(t, committee, 2)
	require.Equal(t, "top", committee[0].DID)
	require.Equal(t, "mid", committee[1].DID)
}

func TestHybridSelectionMixesTopAndRandom(t *testing.T) {
	e := newEngine(Config{SelectionStrategy: Hybrid, CommitteeSize: 4, ConsensusThreshold: 0.5, ConsensusTimeout: time.Minute})
	e.SetCandidates([]Candidate{
		{DID: "a", Reputation: 0.9}, {DID: "b", Reputation: 0.8},
		{DID: "c", Reputation: 0.7}, {DID: "d", Reputation: 0.6},
		{DID: "e", Reputation: 0.5},
	})
	committee := e.RotateCommittee()
	require.Len(t, committee, 4)

	seen := map[string]bool{}
	for _, c := range committee {
		require.False(t, seen[c.DID], "no validator selected twice")
		seen[c.DID] = true
	}
	require.True(t, seen["a"], "top half by reputation is always seated")
	require.True(t, seen["b"])
}

type rejectingValidator struct{}

func (rejectingValidator) Validate(value []byte, metadata map[string]string) bool { return false }

func TestInvalidProposalDiscardsRound(t *testing.T) {
	e := New(Config{SelectionStrategy: ReputationBased, CommitteeSize: 2, ConsensusThreshold: 0.5, ConsensusTimeout: time.Minute}, alwaysValid{}, rejectingValidator{}, nil, nil, nil)
	e.SetCandidates([]Candidate{{DID: "a", Reputation: 1}})
	e.RotateCommittee()

	_, err := e.StartRound("r1", []byte("bad"), nil, "origin")
	require.Error(t, err)
	_, ok := e.GetRound("r1")
	require.False(t, ok, "an invalid proposal never opens a round")
}
