package node

import (
	"sync"
	"time"

	"github.com/icn-network/icn-node/internal/governance"
	"github.com/icn-network/icn-node/internal/storage"
)

// MemberStatus is a FederationMember's standing within its cooperative.
type MemberStatus string

const (
	MemberActive    MemberStatus = "Active"
	MemberSuspended MemberStatus = "Suspended"
	MemberExpelled  MemberStatus = "Expelled"
)

// FederationMember records one cooperative's standing in a federation.
// The member's NodeID doubles as its governance DID.
// Membership backs the quorum/committee math governance and consensus
// need; the member's economic balance lives in its ledger.MemberAccount.
type FederationMember struct {
	CooperativeID string       `json:"cooperative_id"`
	NodeID        string       `json:"node_id"`
	FederationID  string       `json:"federation_id"`
	JoinedAt      time.Time    `json:"joined_at"`
	Status        MemberStatus `json:"status"`
	CreditLimit   float64      `json:"credit_limit"`
}

// Roster is the process-wide federation membership table, owned by the
// Node and independently locked.
type Roster struct {
	mu    sync.RWMutex
	store storage.Store
}

func newRoster(store storage.Store) *Roster {
	return &Roster{store: store}
}

func memberKey(federationID, cooperativeID string) []byte {
	return []byte("node:member:" + federationID + ":" + cooperativeID)
}

// Join adds or updates a cooperative's membership record.
func (r *Roster) Join(federationID, cooperativeID, nodeID string, creditLimit float64) (*FederationMember, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := &FederationMember{
		CooperativeID: cooperativeID,
		NodeID:        nodeID,
		FederationID:  federationID,
		JoinedAt:      time.Now().UTC(),
		Status:        MemberActive,
		CreditLimit:   creditLimit,
	}
	if err := storage.PutJSON(r.store, memberKey(federationID, cooperativeID), m); err != nil {
		return nil, err
	}
	return m, nil
}

// SetStatus transitions a member's standing (e.g. on a MemberRemove
// proposal's execution).
func (r *Roster) SetStatus(federationID, cooperativeID string, status MemberStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var m FederationMember
	key := memberKey(federationID, cooperativeID)
	if err := storage.GetJSON(r.store, key, &m); err != nil {
		return err
	}
	m.Status = status
	return storage.PutJSON(r.store, key, &m)
}

// Members lists every member of a federation, regardless of status.
func (r *Roster) Members(federationID string) ([]*FederationMember, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys, err := r.store.List([]byte("node:member:" + federationID + ":"))
	if err != nil {
		return nil, err
	}
	out := make([]*FederationMember, 0, len(keys))
	for _, k := range keys {
		var m FederationMember
		if err := storage.GetJSON(r.store, k, &m); err == nil {
			out = append(out, &m)
		}
	}
	return out, nil
}

// eligibleVoters adapts the Roster into governance.EligibleVoters: the
// eligible pool is every Active member of the federation, weighted by
// trust score when weighted voting is active, else counted as 1 each.
type eligibleVoters struct {
	roster     *Roster
	reputation trustScorer
}

type trustScorer interface {
	TrustScoreOf(did string) (float64, error)
}

var _ governance.EligibleVoters = (*eligibleVoters)(nil)

func (e *eligibleVoters) EligibleWeight(federationID string, weighted bool) (float64, error) {
	members, err := e.roster.Members(federationID)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, m := range members {
		if m.Status != MemberActive {
			continue
		}
		if !weighted {
			total++
			continue
		}
		score, err := e.reputation.TrustScoreOf(m.NodeID)
		if err != nil {
			return 0, err
		}
		total += score
	}
	return total, nil
}
