package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/icn-network/icn-node/internal/consensus"
	"github.com/icn-network/icn-node/internal/governance"
	"github.com/icn-network/icn-node/internal/identity"
	"github.com/icn-network/icn-node/internal/nodeconfig"
	"github.com/icn-network/icn-node/internal/reputation"
	"github.com/icn-network/icn-node/internal/storage"
)

func newTestNode(t *testing.T, mutate func(*nodeconfig.Config)) *Node {
	t.Helper()
	cfg := nodeconfig.Default()
	cfg.Governance.DefaultVotingPeriodSecs = 3600
	if mutate != nil {
		mutate(&cfg)
	}
	n, err := New(&cfg, storage.NewMemoryStore(), Options{})
	require.NoError(t, err)
	return n
}

// TestGovernanceHappyPathWiredThroughNode runs a weighted vote end to
// end through the composed Node rather than a fake Reputation — voters
// earn their weight from real attestations created via the
// identity/reputation subsystems, and governance's eligible-voter pool
// is backed by the Roster.
func TestGovernanceHappyPathWiredThroughNode(t *testing.T) {
	n := newTestNode(t, func(c *nodeconfig.Config) {
		c.Governance.UseWeightedVoting = true
		c.Governance.MinProposalReputation = 0
		c.Governance.MinVotingReputation = 0
	})

	a, _, err := n.Identity.Create(identity.CreateOptions{Federation: "fed1"})
	require.NoError(t, err)
	b, _, err := n.Identity.Create(identity.CreateOptions{Federation: "fed1"})
	require.NoError(t, err)
	c, _, err := n.Identity.Create(identity.CreateOptions{Federation: "fed1"})
	require.NoError(t, err)
	creator, _, err := n.Identity.Create(identity.CreateOptions{Federation: "fed1"})
	require.NoError(t, err)

	for _, did := range []string{a, b, c, creator} {
		_, err := n.Roster.Join("fed1", did, did, 0)
		require.NoError(t, err)
	}

	// Seed each voter with one high-quorum attestation so their trust
	// scores are well-defined and distinct.
	for did, score := range map[string]float64{a: 0.8, b: 0.6, c: 0.4} {
		att, err := n.Reputation.Create(n.systemDID, did, reputation.GeneralTrust, score, "seed", nil, 1, nil)
		require.NoError(t, err)
		require.True(t, att.HasReachedQuorum())
	}

	p, err := n.Governance.CreateProposal("fed1", governance.PolicyChange, "t", "d", creator, 150*time.Millisecond, 0.1, 0.51, "{}")
	require.NoError(t, err)

	require.NoError(t, n.Governance.Vote(p.ID, a, true, "", nil))
	require.NoError(t, n.Governance.Vote(p.ID, b, true, "", nil))
	require.NoError(t, n.Governance.Vote(p.ID, c, false, "", nil))

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, n.Governance.ProcessPendingProposals())

	final, err := n.Governance.GetProposal(p.ID)
	require.NoError(t, err)
	require.Equal(t, governance.Executed, final.Status)
}

// TestConsensusVoteSignatureVerifiedThroughIdentity checks that a
// round's Verifier capability, wired to the real identity service,
// accepts a validator's genuine signature.
func TestConsensusVoteSignatureVerifiedThroughIdentity(t *testing.T) {
	n := newTestNode(t, nil)

	validator, _, err := n.Identity.Create(identity.CreateOptions{Federation: "fed1"})
	require.NoError(t, err)

	n.Consensus.SetCandidates([]consensus.Candidate{{DID: validator, Reputation: 1, FederationID: "fed1"}})
	n.Consensus.RotateCommittee()

	r, err := n.Consensus.StartRound("r1", []byte("value"), map[string]string{"type": "transaction"}, "origin")
	require.NoError(t, err)

	v := consensus.Vote{RoundID: r.ID, ValidatorDID: validator, Approve: true}
	sig, err := n.Identity.Sign(validator, voteBytes(v))
	require.NoError(t, err)
	v.Signature = sig

	require.NoError(t, n.Consensus.CastVote(v))

	got, ok := n.Consensus.GetRound(r.ID)
	require.True(t, ok)
	require.Equal(t, consensus.Reached, got.Status)
}

// TestConsensusVoteRejectedOnBadSignature confirms the verifier rejects
// a forged signature rather than trusting the claimed validator DID.
func TestConsensusVoteRejectedOnBadSignature(t *testing.T) {
	n := newTestNode(t, nil)
	validator, _, err := n.Identity.Create(identity.CreateOptions{Federation: "fed1"})
	require.NoError(t, err)

	n.Consensus.SetCandidates([]consensus.Candidate{{DID: validator, Reputation: 1}})
	n.Consensus.RotateCommittee()
	r, err := n.Consensus.StartRound("r1", []byte("v"), nil, "origin")
	require.NoError(t, err)

	err = n.Consensus.CastVote(consensus.Vote{RoundID: r.ID, ValidatorDID: validator, Approve: true, Signature: []byte("forged")})
	require.Error(t, err)
}

func TestTrustScoreFeedsGovernanceAuthorization(t *testing.T) {
	n := newTestNode(t, func(c *nodeconfig.Config) {
		c.Governance.MinProposalReputation = 0.5
	})

	low, _, err := n.Identity.Create(identity.CreateOptions{Federation: "fed1"})
	require.NoError(t, err)

	_, err = n.Governance.CreateProposal("fed1", governance.PolicyChange, "t", "d", low, time.Hour, 0.1, 0.5, "{}")
	require.Error(t, err)
}
