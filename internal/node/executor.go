package node

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/icn-network/icn-node/internal/governance"
	"github.com/icn-network/icn-node/internal/icnerr"
	"github.com/icn-network/icn-node/internal/ledger"
)

// MemberChange is the typed changes payload carried by MemberAdd and
// MemberRemove proposals.
type MemberChange struct {
	CooperativeID string  `json:"cooperative_id"`
	NodeID        string  `json:"node_id"`
	CreditLimit   float64 `json:"credit_limit,omitempty"`
}

// CreditLimitChange is the typed changes payload carried by
// CreditLimitAdjust proposals.
type CreditLimitChange struct {
	DID         string `json:"did"`
	CreditLimit int64  `json:"credit_limit"`
}

// federationExecutor is the default governance.Executor: it applies the
// proposal types whose effects live inside this node — membership and
// credit limits — and treats the rest as applied, since their executors
// are external collaborators. Supply Options.Executor to
// override.
type federationExecutor struct {
	roster *Roster
	ledger *ledger.Manager
	log    *zap.SugaredLogger
}

func (e *federationExecutor) Execute(p *governance.Proposal) error {
	switch p.Type {
	case governance.MemberAdd:
		var c MemberChange
		if err := json.Unmarshal([]byte(p.Changes), &c); err != nil {
			return icnerr.Wrap(icnerr.Validation, "decode member change", err)
		}
		_, err := e.roster.Join(p.FederationID, c.CooperativeID, c.NodeID, c.CreditLimit)
		return err
	case governance.MemberRemove:
		var c MemberChange
		if err := json.Unmarshal([]byte(p.Changes), &c); err != nil {
			return icnerr.Wrap(icnerr.Validation, "decode member change", err)
		}
		return e.roster.SetStatus(p.FederationID, c.CooperativeID, MemberExpelled)
	case governance.CreditLimitAdjust:
		var c CreditLimitChange
		if err := json.Unmarshal([]byte(p.Changes), &c); err != nil {
			return icnerr.Wrap(icnerr.Validation, "decode credit limit change", err)
		}
		return e.ledger.SetCreditLimit(c.DID, c.CreditLimit)
	default:
		e.log.Infow("proposal type has no built-in executor, treated as applied", "id", p.ID, "type", p.Type)
		return nil
	}
}
