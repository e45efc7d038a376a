package node

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/icn-network/icn-node/internal/governance"
	"github.com/icn-network/icn-node/internal/identity"
	"github.com/icn-network/icn-node/internal/ledger"
	"github.com/icn-network/icn-node/internal/network"
)

// TestLedgerTransferAppliedFromWire drives a signed ledger.transaction
// envelope through the message queue into the ledger, the way a peer's
// gossip would arrive.
func TestLedgerTransferAppliedFromWire(t *testing.T) {
	n := newTestNode(t, nil)

	from, _, err := n.Identity.Create(identity.CreateOptions{Federation: "fed1"})
	require.NoError(t, err)
	to, _, err := n.Identity.Create(identity.CreateOptions{Federation: "fed1"})
	require.NoError(t, err)

	_, err = n.Ledger.OpenAccount(from, "coop1", 100)
	require.NoError(t, err)
	_, err = n.Ledger.OpenAccount(to, "coop1", 100)
	require.NoError(t, err)

	tx := ledger.Transaction{ID: "tx1", FromDID: from, ToDID: to, Amount: 25, Timestamp: time.Now().UTC(), Cooperative: "coop1"}
	sig, err := n.Identity.Sign(from, tx.SigningBytes())
	require.NoError(t, err)
	tx.Signature = sig

	payload, err := json.Marshal(tx)
	require.NoError(t, err)
	n.Queue.Enqueue(network.NetworkMessage{MessageType: network.LedgerTransaction, Payload: payload}, "peer1")
	n.Queue.Dispatch()

	sender, err := n.Ledger.GetAccount(from)
	require.NoError(t, err)
	require.EqualValues(t, -25, sender.Balance)

	receiver, err := n.Ledger.GetAccount(to)
	require.NoError(t, err)
	require.EqualValues(t, 25, receiver.Balance)

	info, ok := n.Peers.Get("peer1")
	require.True(t, ok)
	require.Greater(t, info.Reputation, 0.0, "clean verified message rewards the peer")
}

// TestInvalidMessagesBanPeer checks that repeated malformed messages
// drive the sender's reputation past the ban threshold.
func TestInvalidMessagesBanPeer(t *testing.T) {
	n := newTestNode(t, nil) // default ban threshold -10, invalid delta -5

	for i := 0; i < 3; i++ {
		n.Queue.Enqueue(network.NetworkMessage{MessageType: network.LedgerTransaction, Payload: []byte("not json")}, "rogue")
		n.Queue.Dispatch()
	}
	require.True(t, n.Peers.IsBanned("rogue"))
	require.False(t, n.Peers.IsBanned("peer-in-good-standing"))
}

// TestCreditLimitAdjustExecutes confirms an Approved CreditLimitAdjust
// proposal's changes land in the ledger through the default executor.
func TestCreditLimitAdjustExecutes(t *testing.T) {
	n := newTestNode(t, nil)

	member, _, err := n.Identity.Create(identity.CreateOptions{Federation: "fed1"})
	require.NoError(t, err)
	_, err = n.Ledger.OpenAccount(member, "coop1", 100)
	require.NoError(t, err)

	changes, err := json.Marshal(CreditLimitChange{DID: member, CreditLimit: 500})
	require.NoError(t, err)

	p, err := n.Governance.CreateProposal("fed1", governance.CreditLimitAdjust, "raise limit", "", member, 150*time.Millisecond, 0.1, 0.5, string(changes))
	require.NoError(t, err)
	require.NoError(t, n.Governance.Vote(p.ID, member, true, "", nil))

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, n.Governance.ProcessPendingProposals())

	final, err := n.Governance.GetProposal(p.ID)
	require.NoError(t, err)
	require.Equal(t, governance.Executed, final.Status)

	acct, err := n.Ledger.GetAccount(member)
	require.NoError(t, err)
	require.EqualValues(t, 500, acct.CreditLimit)
}

// TestMemberAddExecutes confirms an Approved MemberAdd proposal's changes
// land in the federation roster.
func TestMemberAddExecutes(t *testing.T) {
	n := newTestNode(t, nil)

	proposer, _, err := n.Identity.Create(identity.CreateOptions{Federation: "fed1"})
	require.NoError(t, err)

	changes, err := json.Marshal(MemberChange{CooperativeID: "coop9", NodeID: "did:icn:fed1:coop9", CreditLimit: 200})
	require.NoError(t, err)

	p, err := n.Governance.CreateProposal("fed1", governance.MemberAdd, "admit coop9", "", proposer, 150*time.Millisecond, 0.1, 0.5, string(changes))
	require.NoError(t, err)
	require.NoError(t, n.Governance.Vote(p.ID, proposer, true, "", nil))

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, n.Governance.ProcessPendingProposals())

	members, err := n.Roster.Members("fed1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, "coop9", members[0].CooperativeID)
	require.Equal(t, MemberActive, members[0].Status)
}
