package governance

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/icn-network/icn-node/internal/storage"
)

// forceVotingEnded rewinds a proposal's voting deadline so close-time
// behavior can be exercised without waiting out a real window.
func forceVotingEnded(t *testing.T, m *Manager, id string) {
	t.Helper()
	p, err := m.GetProposal(id)
	require.NoError(t, err)
	p.VotingEndsAt = time.Now().UTC().Add(-time.Second)
	require.NoError(t, storage.PutJSON(m.store, proposalKey(id), p))
}

func drainEvents(m *Manager) []Event {
	var out []Event
	for {
		select {
		case ev := <-m.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventKinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestEventStreamHappyPath(t *testing.T) {
	exec := &fakeExecutor{}
	m := New(storage.NewMemoryStore(), Config{DefaultVotingPeriod: time.Hour}, nil, exec, fixedEligible{weight: 1}, nil)

	p, err := m.CreateProposal("fed1", PolicyChange, "t", "d", "creator", time.Hour, 0.1, 0.1, "{}")
	require.NoError(t, err)
	require.NoError(t, m.Vote(p.ID, "voter1", true, "", nil))
	forceVotingEnded(t, m, p.ID)
	require.NoError(t, m.ProcessPendingProposals())

	kinds := eventKinds(drainEvents(m))
	require.Equal(t, []EventKind{EventProposalCreated, EventVoteCast, EventProposalClosed, EventExecuted}, kinds)
}

type failingExecutor struct{}

func (failingExecutor) Execute(p *Proposal) error { return errors.New("executor exploded") }

func TestEventStreamCarriesExecutorFailure(t *testing.T) {
	m := New(storage.NewMemoryStore(), Config{DefaultVotingPeriod: time.Hour}, nil, failingExecutor{}, fixedEligible{weight: 1}, nil)

	p, err := m.CreateProposal("fed1", PolicyChange, "t", "d", "creator", time.Hour, 0.1, 0.1, "{}")
	require.NoError(t, err)
	require.NoError(t, m.Vote(p.ID, "voter1", true, "", nil))
	forceVotingEnded(t, m, p.ID)
	require.NoError(t, m.ProcessPendingProposals())

	events := drainEvents(m)
	last := events[len(events)-1]
	require.Equal(t, EventExecutionFailed, last.Kind)
	require.Contains(t, last.Error, "executor exploded")

	final, err := m.GetProposal(p.ID)
	require.NoError(t, err)
	require.Equal(t, Failed, final.Status)
}

func TestImportVotePreservesWeight(t *testing.T) {
	m := New(storage.NewMemoryStore(), Config{DefaultVotingPeriod: time.Hour}, nil, nil, nil, nil)
	p, err := m.CreateProposal("fed1", PolicyChange, "t", "d", "creator", time.Hour, 0.1, 0.5, "{}")
	require.NoError(t, err)

	v := &Vote{ProposalID: p.ID, VoterDID: "remote-voter", Approve: true, Weight: 0.7, Timestamp: time.Now().UTC()}
	require.NoError(t, m.ImportVote(v))

	got, err := m.GetProposal(p.ID)
	require.NoError(t, err)
	require.InDelta(t, 0.7, got.VotesYesWeight, 1e-9)

	err = m.ImportVote(v)
	require.Error(t, err, "duplicate import rejected")
}

func TestImportProposalRefusesTerminalOverwrite(t *testing.T) {
	m := New(storage.NewMemoryStore(), Config{DefaultVotingPeriod: time.Hour}, nil, nil, fixedEligible{weight: 0}, nil)
	p, err := m.CreateProposal("fed1", PolicyChange, "t", "d", "creator", time.Hour, 0.1, 0.5, "{}")
	require.NoError(t, err)
	forceVotingEnded(t, m, p.ID)
	require.NoError(t, m.ProcessPendingProposals())

	remote := *p
	remote.Status = Open
	err = m.ImportProposal(&remote)
	require.Error(t, err)

	fresh := &Proposal{ID: "prop-remote", FederationID: "fed2", Status: Open, VotingEndsAt: time.Now().Add(time.Hour)}
	require.NoError(t, m.ImportProposal(fresh))
	got, err := m.GetProposal("prop-remote")
	require.NoError(t, err)
	require.Equal(t, "fed2", got.FederationID)
}
