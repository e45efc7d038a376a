// Package consensus implements Proof-of-Cooperation:
// reputation-weighted committee selection, round lifecycle, and vote
// collection. The engine runs a ticker-driven loop over mutex-guarded
// round state; signature verification, value validation, reputation
// feedback, and broadcasting are capability interfaces supplied by the
// caller.
package consensus

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/icn-network/icn-node/internal/icnerr"
	"github.com/icn-network/icn-node/internal/metrics"
)

// SelectionStrategy chooses how each rotation picks the validator committee.
type SelectionStrategy string

const (
	ReputationBased SelectionStrategy = "ReputationBased"
	Random          SelectionStrategy = "Random"
	Democratic      SelectionStrategy = "Democratic"
	Hybrid          SelectionStrategy = "Hybrid"
)

// Config tunes a federation's consensus behavior.
type Config struct {
	SelectionStrategy  SelectionStrategy
	CommitteeSize      int
	RotationInterval   time.Duration
	MinReputation      float64
	ConsensusThreshold float64
	ConsensusTimeout   time.Duration
	FederationAware    bool
}

// Candidate is a validator eligible for committee selection.
type Candidate struct {
	DID          string
	Reputation   float64
	FederationID string
}

// RoundStatus is a consensus round's lifecycle state.
type RoundStatus string

const (
	Preparing RoundStatus = "Preparing"
	Collecting RoundStatus = "Collecting"
	Reached   RoundStatus = "Reached"
	Failed    RoundStatus = "Failed"
	TimedOut  RoundStatus = "TimedOut"
)

// Vote is a validator's signed ballot in a round.
type Vote struct {
	RoundID      string
	ValidatorDID string
	Approve      bool
	Justification string
	Signature    []byte
}

// Round carries the full state of one consensus round.
type Round struct {
	ID             string
	ProposedValue  []byte
	Metadata       map[string]string
	Origin         string
	Validators     []Candidate
	Votes          map[string]Vote
	Status         RoundStatus
	StartTime      time.Time
	EndTime        *time.Time
	ApprovingDIDs  []string
}

func (r *Round) validatorSet() map[string]bool {
	set := make(map[string]bool, len(r.Validators))
	for _, v := range r.Validators {
		set[v.DID] = true
	}
	return set
}

// Verifier checks a validator's signature over a round vote. Concrete
// implementations live outside the core.
type Verifier interface {
	Verify(validatorDID string, round *Round, v Vote) bool
}

// ValueValidator validates a proposed round value before voting begins.
type ValueValidator interface {
	Validate(value []byte, metadata map[string]string) bool
}

// ReputationFeedback delivers Consensus-context reputation deltas.
type ReputationFeedback interface {
	OnConsensusReached(validatorDID string)
}

// Broadcaster publishes round-lifecycle network messages.
type Broadcaster interface {
	BroadcastProposal(r *Round)
	BroadcastConsensusReached(r *Round)
}

// Engine runs Proof-of-Cooperation rounds over a rotating committee.
type Engine struct {
	mu         sync.Mutex
	cfg        Config
	candidates []Candidate
	committee  []Candidate
	rounds     map[string]*Round
	verifier   Verifier
	validator  ValueValidator
	feedback   ReputationFeedback
	broadcast  Broadcaster
	metrics    *metrics.Registry
	log        *zap.SugaredLogger
}

func New(cfg Config, verifier Verifier, validator ValueValidator, feedback ReputationFeedback, broadcast Broadcaster, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, rounds: make(map[string]*Round), verifier: verifier, validator: validator, feedback: feedback, broadcast: broadcast, log: logger.Sugar()}
}

// SetMetrics attaches the node's metric collectors.
func (e *Engine) SetMetrics(m *metrics.Registry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics = m
}

// SetCandidates replaces the pool of eligible validators considered on
// the next rotation.
func (e *Engine) SetCandidates(candidates []Candidate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.candidates = candidates
}

// RotateCommittee re-selects the committee per the configured strategy.
// Call on each rotation tick.
func (e *Engine) RotateCommittee() []Candidate {
	e.mu.Lock()
	defer e.mu.Unlock()

	var eligible []Candidate
	for _, c := range e.candidates {
		if c.Reputation >= e.cfg.MinReputation {
			eligible = append(eligible, c)
		}
	}

	var selected []Candidate
	switch e.cfg.SelectionStrategy {
	case ReputationBased:
		selected = topByReputation(eligible, e.cfg.CommitteeSize)
	case Random:
		selected = randomPick(eligible, e.cfg.CommitteeSize)
	case Democratic:
		// Governance output is supplied externally via SetCandidates;
		// the committee is simply the currently eligible set, capped.
		selected = cap0(eligible, e.cfg.CommitteeSize)
	case Hybrid:
		half := e.cfg.CommitteeSize / 2
		top := topByReputation(eligible, half)
		taken := make(map[string]bool, len(top))
		for _, c := range top {
			taken[c.DID] = true
		}
		var rest []Candidate
		for _, c := range eligible {
			if !taken[c.DID] {
				rest = append(rest, c)
			}
		}
		fill := randomPick(rest, e.cfg.CommitteeSize-len(top))
		selected = append(top, fill...)
	default:
		selected = cap0(eligible, e.cfg.CommitteeSize)
	}

	if e.cfg.FederationAware {
		selected = enforceFederationCap(selected, e.cfg.CommitteeSize)
	}

	e.committee = selected
	return selected
}

func cap0(c []Candidate, n int) []Candidate {
	if n > len(c) {
		n = len(c)
	}
	return append([]Candidate(nil), c[:n]...)
}

func topByReputation(c []Candidate, n int) []Candidate {
	sorted := append([]Candidate(nil), c...)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j].Reputation > sorted[i].Reputation {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}
	return cap0(sorted, n)
}

func randomPick(c []Candidate, n int) []Candidate {
	if n > len(c) {
		n = len(c)
	}
	if n <= 0 {
		return nil
	}
	shuffled := append([]Candidate(nil), c...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:n]
}

// enforceFederationCap keeps at most ceil(committeeSize/2) seats per
// federation, dropping each federation's surplus seats from the end of the
// selection order.
func enforceFederationCap(selected []Candidate, committeeSize int) []Candidate {
	capPerFed := int(math.Ceil(float64(committeeSize) / 2))
	counts := map[string]int{}
	var out []Candidate
	// selected is already reputation-ordered for ReputationBased/Hybrid;
	// for Random it is arbitrary, which is fine — the cap is enforced
	// regardless of order.
	for _, c := range selected {
		if counts[c.FederationID] >= capPerFed {
			continue
		}
		counts[c.FederationID]++
		out = append(out, c)
	}
	return out
}

// StartRound opens a new round with the current committee as its
// validator snapshot and broadcasts the proposal.
func (e *Engine) StartRound(id string, value []byte, metadata map[string]string, origin string) (*Round, error) {
	if e.validator != nil && !e.validator.Validate(value, metadata) {
		return nil, icnerr.New(icnerr.Validation, "proposed value failed validation")
	}

	e.mu.Lock()
	r := &Round{
		ID:            id,
		ProposedValue: value,
		Metadata:      metadata,
		Origin:        origin,
		Validators:    append([]Candidate(nil), e.committee...),
		Votes:         make(map[string]Vote),
		Status:        Collecting,
		StartTime:     time.Now().UTC(),
	}
	e.rounds[id] = r
	e.mu.Unlock()

	if e.broadcast != nil {
		e.broadcast.BroadcastProposal(r)
	}
	return r, nil
}

// CastVote records a validator's vote if admissible: validator is in the
// round's snapshot, the signature verifies, and no prior non-revoked
// vote exists from that validator for the round. Votes apply in arrival
// order, de-duplicated by (round_id, validator_did).
func (e *Engine) CastVote(v Vote) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.rounds[v.RoundID]
	if !ok {
		return icnerr.New(icnerr.NotFound, "round not found")
	}
	if r.Status != Collecting {
		return icnerr.New(icnerr.Conflict, "round is not collecting votes")
	}
	if !r.validatorSet()[v.ValidatorDID] {
		return icnerr.New(icnerr.Authorization, "validator not in round's committee snapshot")
	}
	if _, exists := r.Votes[v.ValidatorDID]; exists {
		return icnerr.New(icnerr.Conflict, "validator has already voted in this round")
	}
	if e.verifier != nil && !e.verifier.Verify(v.ValidatorDID, r, v) {
		return icnerr.New(icnerr.Validation, "invalid vote signature")
	}

	r.Votes[v.ValidatorDID] = v
	e.evaluateRound(r)
	return nil
}

// evaluateRound must be called with e.mu held.
func (e *Engine) evaluateRound(r *Round) {
	approvals := 0
	var approving []string
	for _, v := range r.Votes {
		if v.Approve {
			approvals++
			approving = append(approving, v.ValidatorDID)
		}
	}
	needed := int(math.Ceil(float64(len(r.Validators)) * e.cfg.ConsensusThreshold))
	if approvals >= needed {
		now := time.Now().UTC()
		r.Status = Reached
		r.EndTime = &now
		r.ApprovingDIDs = approving
		if e.metrics != nil {
			e.metrics.ConsensusRounds.WithLabelValues("reached").Inc()
			e.metrics.ConsensusLatency.Observe(now.Sub(r.StartTime).Seconds())
		}
		if e.broadcast != nil {
			e.broadcast.BroadcastConsensusReached(r)
		}
		if e.feedback != nil {
			for _, did := range approving {
				e.feedback.OnConsensusReached(did)
			}
		}
	}
}

// CheckTimeout transitions a still-Collecting round to TimedOut once
// consensus_timeout has elapsed without reaching the threshold.
func (e *Engine) CheckTimeout(roundID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rounds[roundID]
	if !ok || r.Status != Collecting {
		return
	}
	if time.Now().UTC().After(r.StartTime.Add(e.cfg.ConsensusTimeout)) {
		now := time.Now().UTC()
		r.Status = TimedOut
		r.EndTime = &now
		if e.metrics != nil {
			e.metrics.ConsensusRounds.WithLabelValues("timed_out").Inc()
		}
	}
}

func (e *Engine) GetRound(id string) (*Round, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rounds[id]
	return r, ok
}

// Run performs the committee rotation and the round-timeout checks on each
// RotationInterval tick until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.RotationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RotateCommittee()
			e.mu.Lock()
			ids := make([]string, 0, len(e.rounds))
			for id := range e.rounds {
				ids = append(ids, id)
			}
			e.mu.Unlock()
			for _, id := range ids {
				e.CheckTimeout(id)
			}
		}
	}
}
