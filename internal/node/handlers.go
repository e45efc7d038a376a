package node

import (
	"encoding/json"

	"github.com/icn-network/icn-node/internal/governance"
	"github.com/icn-network/icn-node/internal/icnerr"
	"github.com/icn-network/icn-node/internal/identity"
	"github.com/icn-network/icn-node/internal/ledger"
	"github.com/icn-network/icn-node/internal/network"
)

// registerMessageHandlers wires the processor's drained messages into the
// subsystems they address. Peers earn a reputation reward for messages
// that apply cleanly and a penalty for ones that fail to decode or
// verify; the penalty lands before the error propagates.
func (n *Node) registerMessageHandlers() {
	n.Queue.RegisterHandler(network.IdentityAnnouncement, func(msg network.InboundMessage) {
		var doc identity.DidDocument
		if err := json.Unmarshal(msg.Message.Payload, &doc); err != nil {
			n.Peers.RecordInvalidMessage(msg.PeerID)
			return
		}
		if err := n.Identity.CacheDocument(&doc); err != nil {
			n.Peers.RecordMessageOutcome(msg.PeerID, false)
			return
		}
		n.Peers.RecordMessageOutcome(msg.PeerID, true)
	})

	n.Queue.RegisterHandler(network.LedgerTransaction, func(msg network.InboundMessage) {
		var tx ledger.Transaction
		if err := json.Unmarshal(msg.Message.Payload, &tx); err != nil {
			n.Peers.RecordInvalidMessage(msg.PeerID)
			return
		}
		switch err := n.Ledger.Transfer(&tx); {
		case err == nil:
			n.Peers.RecordVerifiedMessage(msg.PeerID)
		case icnerr.OfKind(err, icnerr.Validation):
			n.Peers.RecordInvalidMessage(msg.PeerID)
		default:
			n.Peers.RecordMessageOutcome(msg.PeerID, false)
		}
	})

	n.Queue.RegisterHandler(network.GovernanceProposal, func(msg network.InboundMessage) {
		var p governance.Proposal
		if err := json.Unmarshal(msg.Message.Payload, &p); err != nil || p.ID == "" {
			n.Peers.RecordInvalidMessage(msg.PeerID)
			return
		}
		n.Peers.RecordMessageOutcome(msg.PeerID, n.Governance.ImportProposal(&p) == nil)
	})

	n.Queue.RegisterHandler(network.GovernanceVote, func(msg network.InboundMessage) {
		var v governance.Vote
		if err := json.Unmarshal(msg.Message.Payload, &v); err != nil || v.ProposalID == "" {
			n.Peers.RecordInvalidMessage(msg.PeerID)
			return
		}
		n.Peers.RecordMessageOutcome(msg.PeerID, n.Governance.ImportVote(&v) == nil)
	})
}
