// Package governance implements the proposal lifecycle, weighted and
// simple voting, deliberation, and execution. Proposals, votes, and
// deliberations persist as JSON records keyed by id; closing a proposal
// computes quorum and approval against the federation's eligible voter
// pool and hands Approved proposals to the executor.
package governance

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/icn-network/icn-node/internal/icnerr"
	"github.com/icn-network/icn-node/internal/metrics"
	"github.com/icn-network/icn-node/internal/storage"
)

// ProposalType enumerates the kinds of changes a proposal may carry.
type ProposalType string

const (
	PolicyChange       ProposalType = "PolicyChange"
	MemberAdd          ProposalType = "MemberAdd"
	MemberRemove       ProposalType = "MemberRemove"
	CreditLimitAdjust  ProposalType = "CreditLimitAdjust"
	FeeAdjust          ProposalType = "FeeAdjust"
	DisputeResolution  ProposalType = "DisputeResolution"
	ConfigChange       ProposalType = "ConfigChange"
)

// Status is a proposal's lifecycle state.
type Status string

const (
	Draft     Status = "Draft"
	Open      Status = "Open"
	Approved  Status = "Approved"
	Rejected  Status = "Rejected"
	Executed  Status = "Executed"
	Cancelled Status = "Cancelled"
	Expired   Status = "Expired"
	Failed    Status = "Failed"
)

var terminalStatus = map[Status]bool{
	Rejected: true, Executed: true, Cancelled: true, Expired: true, Failed: true,
}

// Proposal is a federation governance item.
type Proposal struct {
	ID              string       `json:"id"`
	FederationID    string       `json:"federation_id"`
	Type            ProposalType `json:"type"`
	Title           string       `json:"title"`
	Description     string       `json:"description"`
	CreatorDID      string       `json:"creator_did"`
	CreatedAt       time.Time    `json:"created_at"`
	VotingEndsAt    time.Time    `json:"voting_ends_at"`
	QuorumPercent   float64      `json:"quorum_percent"`
	ApprovalPercent float64      `json:"approval_percent"`
	VotesYesWeight  float64      `json:"votes_yes_weight"`
	VotesNoWeight   float64      `json:"votes_no_weight"`
	Status          Status       `json:"status"`
	Changes         string       `json:"changes"`
}

// Vote records one voter's ballot on a proposal.
type Vote struct {
	ProposalID string    `json:"proposal_id"`
	VoterDID   string    `json:"voter_did"`
	Approve    bool      `json:"approve"`
	Comment    string    `json:"comment,omitempty"`
	Weight     float64   `json:"weight"`
	Timestamp  time.Time `json:"timestamp"`
	Signature  []byte    `json:"signature"`
	Revoked    bool      `json:"revoked"`
}

// Deliberation is a threaded comment on a proposal.
type Deliberation struct {
	ID         string    `json:"id"`
	ProposalID string    `json:"proposal_id"`
	MemberDID  string    `json:"member_did"`
	Comment    string    `json:"comment"`
	References []string  `json:"references"`
	Timestamp  time.Time `json:"timestamp"`
	Signature  []byte    `json:"signature"`
}

// Config tunes a federation's governance behavior.
type Config struct {
	UseWeightedVoting    bool
	QuorumPercentage     float64
	ApprovalPercentage   float64
	MinProposalReputation float64
	MinVotingReputation  float64
	DefaultVotingPeriod  time.Duration
}

// Reputation is the subset of the reputation subsystem governance needs:
// trust scores for weighting/eligibility checks, and attestation
// feedback for governance participation.
type Reputation interface {
	TrustScoreOf(did string) (float64, error)
	RecordGovernanceQuality(did string, score float64, claims string) error
}

// Executor applies a proposal's typed changes. Concrete implementations
// live outside the core.
type Executor interface {
	Execute(p *Proposal) error
}

// EligibleVoters reports the eligible voter pool and its total weight
// for a federation at close time, used to compute quorum.
type EligibleVoters interface {
	EligibleWeight(federationID string, weighted bool) (float64, error)
}

// eventBufferSize bounds the governance event stream; consumers that
// fall further behind lose the oldest entries.
const eventBufferSize = 256

// Manager owns the process-wide proposals/votes/deliberations tables.
type Manager struct {
	mu         sync.Mutex
	store      storage.Store
	config     Config
	reputation Reputation
	executor   Executor
	eligible   EligibleVoters
	events     chan Event
	metrics    *metrics.Registry
	log        *zap.SugaredLogger
}

// SetMetrics attaches the node's metric collectors.
func (m *Manager) SetMetrics(reg *metrics.Registry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = reg
}

func New(store storage.Store, cfg Config, rep Reputation, exec Executor, eligible EligibleVoters, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, config: cfg, reputation: rep, executor: exec, eligible: eligible, events: make(chan Event, eventBufferSize), log: logger.Sugar()}
}

func proposalKey(id string) []byte      { return []byte("governance:proposal:" + id) }
func voteKey(propID, voter string) []byte { return []byte(fmt.Sprintf("governance:vote:%s:%s", propID, voter)) }
func delibKey(propID, id string) []byte { return []byte(fmt.Sprintf("governance:delib:%s:%s", propID, id)) }

// proposalID formats `prop-<timestamp_secs>` within the federation
// namespace.
func proposalID(at time.Time) string { return fmt.Sprintf("prop-%d", at.Unix()) }

// CreateProposal opens a new proposal, subject to the creator's minimum
// proposal reputation.
func (m *Manager) CreateProposal(federationID string, typ ProposalType, title, description, creatorDID string, votingPeriod time.Duration, quorumPercent, approvalPercent float64, changes string) (*Proposal, error) {
	if m.reputation != nil {
		score, err := m.reputation.TrustScoreOf(creatorDID)
		if err != nil {
			return nil, err
		}
		if score < m.config.MinProposalReputation {
			return nil, icnerr.New(icnerr.Authorization, "insufficient reputation to create proposal")
		}
	}
	if votingPeriod <= 0 {
		votingPeriod = m.config.DefaultVotingPeriod
	}
	if quorumPercent <= 0 {
		quorumPercent = m.config.QuorumPercentage
	}
	if approvalPercent <= 0 {
		approvalPercent = m.config.ApprovalPercentage
	}
	now := time.Now().UTC()
	p := &Proposal{
		ID:              proposalID(now),
		FederationID:    federationID,
		Type:            typ,
		Title:           title,
		Description:     description,
		CreatorDID:      creatorDID,
		CreatedAt:       now,
		VotingEndsAt:    now.Add(votingPeriod),
		QuorumPercent:   quorumPercent,
		ApprovalPercent: approvalPercent,
		Status:          Open,
		Changes:         changes,
	}
	if err := storage.PutJSON(m.store, proposalKey(p.ID), p); err != nil {
		return nil, err
	}
	m.log.Infow("proposal created", "id", p.ID, "federation", federationID)
	if m.metrics != nil {
		m.metrics.ProposalsActive.Inc()
	}
	m.emit(EventProposalCreated, p.ID, Open, "")
	if m.reputation != nil {
		_ = m.reputation.RecordGovernanceQuality(creatorDID, 0.3, "created proposal "+p.ID)
	}
	return p, nil
}

func (m *Manager) GetProposal(id string) (*Proposal, error) {
	var p Proposal
	if err := storage.GetJSON(m.store, proposalKey(id), &p); err != nil {
		return nil, icnerr.New(icnerr.NotFound, "proposal not found")
	}
	return &p, nil
}

func (m *Manager) ListProposals() ([]*Proposal, error) {
	keys, err := m.store.List([]byte("governance:proposal:"))
	if err != nil {
		return nil, err
	}
	var out []*Proposal
	for _, k := range keys {
		var p Proposal
		if err := storage.GetJSON(m.store, k, &p); err == nil {
			out = append(out, &p)
		}
	}
	return out, nil
}

// Vote casts a ballot on a proposal. Weight is the voter's current trust
// score when weighted voting is active, else 1.
func (m *Manager) Vote(proposalID, voterDID string, approve bool, comment string, signature []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.GetProposal(proposalID)
	if err != nil {
		return err
	}
	if p.Status != Open || time.Now().UTC().After(p.VotingEndsAt) {
		return icnerr.New(icnerr.Conflict, "proposal not open for voting")
	}

	vk := voteKey(proposalID, voterDID)
	if existing, _ := m.store.Exists(vk); existing {
		var v Vote
		if err := storage.GetJSON(m.store, vk, &v); err == nil && !v.Revoked {
			return icnerr.New(icnerr.Conflict, "voter has already cast a non-revoked vote")
		}
	}

	weight := 1.0
	if m.config.UseWeightedVoting && m.reputation != nil {
		score, err := m.reputation.TrustScoreOf(voterDID)
		if err != nil {
			return err
		}
		if score < m.config.MinVotingReputation {
			return icnerr.New(icnerr.Authorization, "insufficient reputation to vote")
		}
		weight = score
	} else if m.reputation != nil {
		score, err := m.reputation.TrustScoreOf(voterDID)
		if err != nil {
			return err
		}
		if score < m.config.MinVotingReputation {
			return icnerr.New(icnerr.Authorization, "insufficient reputation to vote")
		}
	}

	v := &Vote{ProposalID: proposalID, VoterDID: voterDID, Approve: approve, Comment: comment, Weight: weight, Timestamp: time.Now().UTC(), Signature: signature}
	if err := storage.PutJSON(m.store, vk, v); err != nil {
		return err
	}

	if approve {
		p.VotesYesWeight += weight
	} else {
		p.VotesNoWeight += weight
	}
	if err := storage.PutJSON(m.store, proposalKey(p.ID), p); err != nil {
		return err
	}
	m.emit(EventVoteCast, p.ID, p.Status, "")
	if m.reputation != nil {
		_ = m.reputation.RecordGovernanceQuality(voterDID, 0.2, "voted on "+proposalID)
	}
	return nil
}

func (m *Manager) GetVotes(proposalID string) ([]*Vote, error) {
	keys, err := m.store.List([]byte(fmt.Sprintf("governance:vote:%s:", proposalID)))
	if err != nil {
		return nil, err
	}
	var out []*Vote
	for _, k := range keys {
		var v Vote
		if err := storage.GetJSON(m.store, k, &v); err == nil {
			out = append(out, &v)
		}
	}
	return out, nil
}

// AddDeliberation records a threaded comment. Accepted only while Open.
func (m *Manager) AddDeliberation(proposalID, memberDID, comment string, references []string, signature []byte) (*Deliberation, error) {
	p, err := m.GetProposal(proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != Open || time.Now().UTC().After(p.VotingEndsAt) {
		return nil, icnerr.New(icnerr.Conflict, "proposal not open for deliberation")
	}
	d := &Deliberation{ID: uuid.New().String(), ProposalID: proposalID, MemberDID: memberDID, Comment: comment, References: references, Timestamp: time.Now().UTC(), Signature: signature}
	if err := storage.PutJSON(m.store, delibKey(proposalID, d.ID), d); err != nil {
		return nil, err
	}
	if m.reputation != nil {
		_ = m.reputation.RecordGovernanceQuality(memberDID, 0.2, "deliberated on "+proposalID)
	}
	return d, nil
}

func (m *Manager) GetDeliberations(proposalID string) ([]*Deliberation, error) {
	keys, err := m.store.List([]byte(fmt.Sprintf("governance:delib:%s:", proposalID)))
	if err != nil {
		return nil, err
	}
	var out []*Deliberation
	for _, k := range keys {
		var d Deliberation
		if err := storage.GetJSON(m.store, k, &d); err == nil {
			out = append(out, &d)
		}
	}
	return out, nil
}

// CancelProposal is permitted only for the proposer or an admin, only
// while Draft or Open.
func (m *Manager) CancelProposal(proposalID, callerDID string, isAdmin bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.GetProposal(proposalID)
	if err != nil {
		return err
	}
	if p.Status != Draft && p.Status != Open {
		return icnerr.New(icnerr.Conflict, "proposal not cancellable in its current state")
	}
	if p.CreatorDID != callerDID && !isAdmin {
		return icnerr.New(icnerr.Authorization, "only the proposer or an admin may cancel")
	}
	p.Status = Cancelled
	if err := storage.PutJSON(m.store, proposalKey(p.ID), p); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.ProposalsActive.Dec()
	}
	m.emit(EventCancelled, p.ID, Cancelled, "")
	return nil
}

// ProcessPendingProposals closes every Open proposal whose voting window
// has elapsed, computing quorum/approval and transitioning it, then
// executes Approved proposals.
func (m *Manager) ProcessPendingProposals() error {
	m.mu.Lock()
	proposals, err := m.ListProposals()
	m.mu.Unlock()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, p := range proposals {
		if p.Status != Open || now.Before(p.VotingEndsAt) {
			continue
		}
		if err := m.closeProposal(p); err != nil {
			m.log.Errorw("close proposal failed", "id", p.ID, "err", err)
		}
	}
	return nil
}

func (m *Manager) closeProposal(p *Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	eligibleWeight := 0.0
	if m.eligible != nil {
		w, err := m.eligible.EligibleWeight(p.FederationID, m.config.UseWeightedVoting)
		if err != nil {
			return err
		}
		eligibleWeight = w
	}

	totalCast := p.VotesYesWeight + p.VotesNoWeight
	quorumReached := eligibleWeight > 0 && totalCast/eligibleWeight >= p.QuorumPercent
	if eligibleWeight == 0 {
		quorumReached = totalCast > 0
	}

	if !quorumReached {
		p.Status = Expired
		return m.finishClose(p)
	}

	approvalRatio := 0.0
	if totalCast > 0 {
		approvalRatio = p.VotesYesWeight / totalCast
	}

	approved := approvalRatio >= p.ApprovalPercent
	if m.config.UseWeightedVoting && p.VotesYesWeight == p.VotesNoWeight {
		approved = false // ties in weighted voting resolve as Rejected
	}

	if approved {
		p.Status = Approved
	} else {
		p.Status = Rejected
	}
	if err := m.finishClose(p); err != nil {
		return err
	}
	if p.Status == Approved {
		return m.executeApproved(p)
	}
	return nil
}

func (m *Manager) finishClose(p *Proposal) error {
	if err := storage.PutJSON(m.store, proposalKey(p.ID), p); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.ProposalsActive.Dec()
	}
	m.emit(EventProposalClosed, p.ID, p.Status, "")
	if m.reputation != nil {
		boost := 0.3
		if p.Status == Rejected || p.Status == Expired {
			boost = 0.2
		}
		_ = m.reputation.RecordGovernanceQuality(p.CreatorDID, boost, "proposal "+p.ID+" closed "+string(p.Status))
	}
	return nil
}

// ExecuteProposal runs the executor over an Approved proposal's changes.
func (m *Manager) ExecuteProposal(proposalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.GetProposal(proposalID)
	if err != nil {
		return err
	}
	if p.Status != Approved {
		return icnerr.New(icnerr.Conflict, "only Approved proposals may be executed")
	}
	return m.executeApproved(p)
}

func (m *Manager) executeApproved(p *Proposal) error {
	if m.executor == nil {
		return icnerr.New(icnerr.Internal, "no executor configured")
	}
	if err := m.executor.Execute(p); err != nil {
		p.Status = Failed
		_ = storage.PutJSON(m.store, proposalKey(p.ID), p)
		m.log.Errorw("executor failed", "id", p.ID, "err", err)
		m.emit(EventExecutionFailed, p.ID, Failed, err.Error())
		return icnerr.Wrap(icnerr.Internal, "executor failed", err)
	}
	p.Status = Executed
	if err := storage.PutJSON(m.store, proposalKey(p.ID), p); err != nil {
		return err
	}
	m.emit(EventExecuted, p.ID, Executed, "")
	return nil
}

// ImportProposal stores a proposal received from another node. A local
// proposal already in a terminal state is never overwritten.
func (m *Manager) ImportProposal(p *Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var existing Proposal
	if err := storage.GetJSON(m.store, proposalKey(p.ID), &existing); err == nil {
		if terminalStatus[existing.Status] {
			return icnerr.New(icnerr.Conflict, "proposal already in a terminal state")
		}
	}
	return storage.PutJSON(m.store, proposalKey(p.ID), p)
}

// ImportVote records a vote received from another node, preserving its
// original weight and signature. Admissibility matches Vote: the
// proposal must be Open inside its voting window, and at most one
// non-revoked vote per voter stands.
func (m *Manager) ImportVote(v *Vote) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.GetProposal(v.ProposalID)
	if err != nil {
		return err
	}
	if p.Status != Open || time.Now().UTC().After(p.VotingEndsAt) {
		return icnerr.New(icnerr.Conflict, "proposal not open for voting")
	}

	vk := voteKey(v.ProposalID, v.VoterDID)
	if existing, _ := m.store.Exists(vk); existing {
		var cur Vote
		if err := storage.GetJSON(m.store, vk, &cur); err == nil && !cur.Revoked {
			return icnerr.New(icnerr.Conflict, "voter has already cast a non-revoked vote")
		}
	}

	if err := storage.PutJSON(m.store, vk, v); err != nil {
		return err
	}
	if v.Approve {
		p.VotesYesWeight += v.Weight
	} else {
		p.VotesNoWeight += v.Weight
	}
	if err := storage.PutJSON(m.store, proposalKey(p.ID), p); err != nil {
		return err
	}
	m.emit(EventVoteCast, p.ID, p.Status, "")
	return nil
}

// IsTerminal reports whether status is a terminal state.
func IsTerminal(s Status) bool { return terminalStatus[s] }
