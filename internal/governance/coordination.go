package governance

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/icn-network/icn-node/internal/icnerr"
	"github.com/icn-network/icn-node/internal/storage"
)

// CoordinationStatus is a cross-federation coordination's lifecycle state.
type CoordinationStatus string

const (
	CoordDraft           CoordinationStatus = "Draft"
	CoordActive          CoordinationStatus = "Active"
	CoordConsensusReached CoordinationStatus = "ConsensusReached"
	CoordImplemented     CoordinationStatus = "Implemented"
	CoordFailed          CoordinationStatus = "Failed"
	CoordExpired         CoordinationStatus = "Expired"
)

// FederationSignature is one federation's endorsement of a coordination,
// carrying its representative's signature over the agreed proposal set.
// Consensus counts distinct federations, not members: further signatures
// from a federation that already signed are kept but do not add to the count.
type FederationSignature struct {
	FederationID      string    `json:"federation_id"`
	RepresentativeDID string    `json:"representative_did"`
	Signature         []byte    `json:"signature"`
	SignedAt          time.Time `json:"signed_at"`
}

// CrossFederationCoordination bundles a set of proposals that require
// multi-federation consensus before being applied locally.
type CrossFederationCoordination struct {
	ID                  string                 `json:"id"`
	ProposalIDs         []string               `json:"proposal_ids"`
	RequiredFederations int                    `json:"required_federations"`
	Signatures          []FederationSignature  `json:"signatures"`
	Status              CoordinationStatus     `json:"status"`
	CreatedAt           time.Time              `json:"created_at"`
	ExpiresAt           time.Time              `json:"expires_at"`
	ImplementedAt       *time.Time             `json:"implemented_at,omitempty"`
}

func (c *CrossFederationCoordination) distinctFederationCount() int {
	seen := map[string]struct{}{}
	for _, s := range c.Signatures {
		seen[s.FederationID] = struct{}{}
	}
	return len(seen)
}

// CoordinationManager owns the process-wide coordination table.
type CoordinationManager struct {
	mu       sync.Mutex
	store    storage.Store
	proposal *Manager
	log      *zap.SugaredLogger
}

func NewCoordinationManager(store storage.Store, proposal *Manager, logger *zap.Logger) *CoordinationManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CoordinationManager{store: store, proposal: proposal, log: logger.Sugar()}
}

func coordKey(id string) []byte { return []byte("governance:coordination:" + id) }

// CreateCoordination opens a new coordination bundling proposalIDs,
// requiring signatures from requiredFederations distinct federations.
func (cm *CoordinationManager) CreateCoordination(proposalIDs []string, requiredFederations int, ttl time.Duration) (*CrossFederationCoordination, error) {
	now := time.Now().UTC()
	c := &CrossFederationCoordination{
		ID:                  uuid.New().String(),
		ProposalIDs:         proposalIDs,
		RequiredFederations: requiredFederations,
		Status:              CoordActive,
		CreatedAt:           now,
		ExpiresAt:           now.Add(ttl),
	}
	if err := storage.PutJSON(cm.store, coordKey(c.ID), c); err != nil {
		return nil, err
	}
	cm.log.Infow("coordination created", "id", c.ID, "proposals", len(proposalIDs))
	return c, nil
}

// Join adds a federation's signature to a coordination. When enough
// distinct federations have signed, the coordination transitions to
// ConsensusReached.
func (cm *CoordinationManager) Join(coordinationID, federationID, representativeDID string, signature []byte) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	var c CrossFederationCoordination
	if err := storage.GetJSON(cm.store, coordKey(coordinationID), &c); err != nil {
		return icnerr.New(icnerr.NotFound, "coordination not found")
	}
	if c.Status != CoordActive && c.Status != CoordDraft {
		return icnerr.New(icnerr.Conflict, "coordination not open for signatures")
	}
	now := time.Now().UTC()
	if now.After(c.ExpiresAt) {
		c.Status = CoordExpired
		return storage.PutJSON(cm.store, coordKey(c.ID), &c)
	}

	c.Signatures = append(c.Signatures, FederationSignature{FederationID: federationID, RepresentativeDID: representativeDID, Signature: signature, SignedAt: now})
	if c.distinctFederationCount() >= c.RequiredFederations {
		c.Status = CoordConsensusReached
	}
	return storage.PutJSON(cm.store, coordKey(c.ID), &c)
}

// ImplementConsensus applies each agreed proposal locally once
// ConsensusReached, marking the coordination Implemented.
func (cm *CoordinationManager) ImplementConsensus(coordinationID string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	var c CrossFederationCoordination
	if err := storage.GetJSON(cm.store, coordKey(coordinationID), &c); err != nil {
		return icnerr.New(icnerr.NotFound, "coordination not found")
	}
	if c.Status != CoordConsensusReached {
		return icnerr.New(icnerr.Consensus, "coordination has not reached consensus")
	}

	for _, pid := range c.ProposalIDs {
		p, err := cm.proposal.GetProposal(pid)
		if err != nil {
			c.Status = CoordFailed
			_ = storage.PutJSON(cm.store, coordKey(c.ID), &c)
			return err
		}
		if p.Status == Approved {
			if err := cm.proposal.ExecuteProposal(pid); err != nil {
				c.Status = CoordFailed
				_ = storage.PutJSON(cm.store, coordKey(c.ID), &c)
				return err
			}
		}
	}

	now := time.Now().UTC()
	c.Status = CoordImplemented
	c.ImplementedAt = &now
	return storage.PutJSON(cm.store, coordKey(c.ID), &c)
}

func (cm *CoordinationManager) GetCoordination(id string) (*CrossFederationCoordination, error) {
	var c CrossFederationCoordination
	if err := storage.GetJSON(cm.store, coordKey(id), &c); err != nil {
		return nil, icnerr.New(icnerr.NotFound, "coordination not found")
	}
	return &c, nil
}
