package governance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/icn-network/icn-node/internal/storage"
)

type fakeReputation struct {
	scores map[string]float64
	events []string
}

func newFakeReputation() *fakeReputation { return &fakeReputation{scores: make(map[string]float64)} }

func (f *fakeReputation) TrustScoreOf(did string) (float64, error) {
	if s, ok := f.scores[did]; ok {
		return s, nil
	}
	return 1, nil
}

func (f *fakeReputation) RecordGovernanceQuality(did string, score float64, claims string) error {
	f.events = append(f.events, claims)
	return nil
}

type fakeExecutor struct{ executed []string }

func (f *fakeExecutor) Execute(p *Proposal) error {
	f.executed = append(f.executed, p.ID)
	return nil
}

type fixedEligible struct{ weight float64 }

func (f fixedEligible) EligibleWeight(federationID string, weighted bool) (float64, error) {
	return f.weight, nil
}

func TestGovernanceHappyPath(t *testing.T) {
	rep := newFakeReputation()
	rep.scores["A"] = 0.8
	rep.scores["B"] = 0.6
	rep.scores["C"] = 0.4
	exec := &fakeExecutor{}
	m := New(storage.NewMemoryStore(), Config{UseWeightedVoting: true, QuorumPercentage: 0.51, ApprovalPercentage: 0.51, DefaultVotingPeriod: time.Hour}, rep, exec, fixedEligible{weight: 1.8}, nil)

	p, err := m.CreateProposal("fed1", PolicyChange, "t", "d", "creator", time.Hour, 0.51, 0.51, "{}")
	require.NoError(t, err)

	require.NoError(t, m.Vote(p.ID, "A", true, "", nil))
	require.NoError(t, m.Vote(p.ID, "B", true, "", nil))
	require.NoError(t, m.Vote(p.ID, "C", false, "", nil))

	forceVotingEnded(t, m, p.ID)
	require.NoError(t, m.ProcessPendingProposals())

	final, err := m.GetProposal(p.ID)
	require.NoError(t, err)
	require.Equal(t, Executed, final.Status)
	require.Contains(t, exec.executed, p.ID)
}

func TestAtMostOneVote(t *testing.T) {
	m := New(storage.NewMemoryStore(), Config{DefaultVotingPeriod: time.Hour}, nil, nil, nil, nil)
	p, err := m.CreateProposal("fed1", PolicyChange, "t", "d", "creator", time.Hour, 0.1, 0.5, "{}")
	require.NoError(t, err)

	require.NoError(t, m.Vote(p.ID, "voter1", true, "", nil))
	err = m.Vote(p.ID, "voter1", true, "", nil)
	require.Error(t, err)
}

func TestProposalStateMachineTerminal(t *testing.T) {
	m := New(storage.NewMemoryStore(), Config{DefaultVotingPeriod: time.Hour}, nil, nil, fixedEligible{weight: 0}, nil)
	p, err := m.CreateProposal("fed1", PolicyChange, "t", "d", "creator", time.Hour, 0.1, 0.5, "{}")
	require.NoError(t, err)

	forceVotingEnded(t, m, p.ID)
	require.NoError(t, m.ProcessPendingProposals())
	final, err := m.GetProposal(p.ID)
	require.NoError(t, err)
	require.True(t, IsTerminal(final.Status))

	err = m.Vote(p.ID, "voter1", true, "", nil)
	require.Error(t, err)
}

func TestCrossFederationCoordination(t *testing.T) {
	store := storage.NewMemoryStore()
	exec := &fakeExecutor{}
	pm := New(store, Config{DefaultVotingPeriod: time.Hour}, nil, exec, fixedEligible{weight: 1}, nil)
	p, err := pm.CreateProposal("fed1", PolicyChange, "t", "d", "creator", time.Hour, 0.1, 0.1, "{}")
	require.NoError(t, err)
	require.NoError(t, pm.Vote(p.ID, "voter1", true, "", nil))
	forceVotingEnded(t, pm, p.ID)
	require.NoError(t, pm.ProcessPendingProposals())

	approved, err := pm.GetProposal(p.ID)
	require.NoError(t, err)
	require.Equal(t, Executed, approved.Status)

	cm := NewCoordinationManager(store, pm, nil)
	c, err := cm.CreateCoordination([]string{p.ID}, 2, time.Hour)
	require.NoError(t, err)

	require.NoError(t, cm.Join(c.ID, "fed1", "repA", nil))
	mid, err := cm.GetCoordination(c.ID)
	require.NoError(t, err)
	require.Equal(t, CoordActive, mid.Status)

	require.NoError(t, cm.Join(c.ID, "fed2", "repB", nil))
	reached, err := cm.GetCoordination(c.ID)
	require.NoError(t, err)
	require.Equal(t, CoordConsensusReached, reached.Status)

	require.NoError(t, cm.ImplementConsensus(c.ID))
	done, err := cm.GetCoordination(c.ID)
	require.NoError(t, err)
	require.Equal(t, CoordImplemented, done.Status)
}

func TestCoordinationExpires(t *testing.T) {
	store := storage.NewMemoryStore()
	pm := New(store, Config{DefaultVotingPeriod: time.Hour}, nil, nil, nil, nil)
	cm := NewCoordinationManager(store, pm, nil)

	c, err := cm.CreateCoordination(nil, 2, -time.Second)
	require.NoError(t, err)

	require.NoError(t, cm.Join(c.ID, "fed1", "repA", nil))
	got, err := cm.GetCoordination(c.ID)
	require.NoError(t, err)
	require.Equal(t, CoordExpired, got.Status)

	err = cm.ImplementConsensus(c.ID)
	require.Error(t, err)
}

func TestCancelProposalOnlyByProposerOrAdmin(t *testing.T) {
	m := New(storage.NewMemoryStore(), Config{DefaultVotingPeriod: time.Hour}, nil, nil, nil, nil)
	p, err := m.CreateProposal("fed1", PolicyChange, "t", "d", "creator", time.Hour, 0.1, 0.5, "{}")
	require.NoError(t, err)

	err = m.CancelProposal(p.ID, "stranger", false)
	require.Error(t, err)

	require.NoError(t, m.CancelProposal(p.ID, "stranger", true))
	got, err := m.GetProposal(p.ID)
	require.NoError(t, err)
	require.Equal(t, Cancelled, got.Status)

	err = m.CancelProposal(p.ID, "creator", false)
	require.Error(t, err, "terminal proposals are not cancellable")
}

func TestCreateProposalDefaultsQuorumAndApproval(t *testing.T) {
	m := New(storage.NewMemoryStore(), Config{QuorumPercentage: 0.51, ApprovalPercentage: 0.67, DefaultVotingPeriod: time.Hour}, nil, nil, nil, nil)
	p, err := m.CreateProposal("fed1", PolicyChange, "t", "d", "creator", 0, 0, 0, "{}")
	require.NoError(t, err)
	require.InDelta(t, 0.51, p.QuorumPercent, 1e-9)
	require.InDelta(t, 0.67, p.ApprovalPercent, 1e-9)
}
