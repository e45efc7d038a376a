// Package node is the top-level composition root: it owns one instance of
// every subsystem table (storage, identity, reputation, governance,
// consensus, networking, distributed storage) and wires them together in
// dependency order — storage, crypto, identity, reputation, governance,
// consensus, networking — so that none of them is a free-floating
// package singleton.
package node

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/icn-network/icn-node/internal/consensus"
	"github.com/icn-network/icn-node/internal/dstorage"
	"github.com/icn-network/icn-node/internal/governance"
	"github.com/icn-network/icn-node/internal/icnerr"
	"github.com/icn-network/icn-node/internal/identity"
	"github.com/icn-network/icn-node/internal/ledger"
	"github.com/icn-network/icn-node/internal/metrics"
	"github.com/icn-network/icn-node/internal/network"
	"github.com/icn-network/icn-node/internal/nodeconfig"
	"github.com/icn-network/icn-node/internal/reputation"
	"github.com/icn-network/icn-node/internal/storage"
)

// systemDIDFederation is the DID federation segment used for the node's
// own service identity — the issuer of consensus/governance reputation
// feedback attestations. It is a node-local bookkeeping identity, never
// a subject of trust scoring itself.
const systemDIDFederation = "system"

// Node composes every core subsystem behind one struct.
type Node struct {
	Config *nodeconfig.Config

	Store   storage.Store
	Metrics *metrics.Registry

	Identity     *identity.Service
	Reputation   *reputation.Manager
	Roster       *Roster
	Ledger       *ledger.Manager
	Governance   *governance.Manager
	Coordination *governance.CoordinationManager
	Consensus    *consensus.Engine
	Peers        *network.Registry
	Queue        *network.Processor
	Host         *network.Host
	DStorage     *dstorage.Manager
	Quota        *dstorage.QuotaManager
	Scheduler    *dstorage.Scheduler

	systemDID string

	zlog *zap.Logger
	llog *logrus.Logger

	cancel context.CancelFunc
}

// Options customizes the capability-set implementations the core
// consumes: executors, validators, and
// federation clients all live outside the core and are injected here.
// Any left nil fall back to a permissive or logging-only default so a
// bare node still starts.
type Options struct {
	Executor            governance.Executor
	TransactionValidator TransactionValidator
	ProposalValidator    ProposalValidator
	IdentityFederation   identity.FederationClient
	ConsensusBroadcaster consensus.Broadcaster
	Logger               *zap.Logger
	NetworkLogger         *logrus.Logger
}

// TransactionValidator validates a proposed consensus value tagged
// metadata["type"] == "transaction".
type TransactionValidator interface {
	ValidateTransaction(value []byte) bool
}

// ProposalValidator validates a proposed consensus value tagged
// metadata["type"] == "proposal".
type ProposalValidator interface {
	ValidateProposal(value []byte) bool
}

type permissiveValidators struct{}

func (permissiveValidators) ValidateTransaction(_ []byte) bool { return true }
func (permissiveValidators) ValidateProposal(_ []byte) bool    { return true }

// New constructs a Node over cfg, initializing subsystems in dependency
// order: storage, crypto (stateless, used on demand), identity,
// reputation, governance, consensus, networking.
func New(cfg *nodeconfig.Config, store storage.Store, opts Options) (*Node, error) {
	if cfg == nil {
		d := nodeconfig.Default()
		cfg = &d
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	zlog := opts.Logger
	if zlog == nil {
		var err error
		zlog, err = zap.NewProduction()
		if err != nil {
			zlog = zap.NewNop()
		}
	}
	llog := opts.NetworkLogger
	if llog == nil {
		llog = logrus.New()
	}

	n := &Node{
		Config:  cfg,
		Store:   store,
		Metrics: metrics.NewRegistry(),
		zlog:    zlog,
		llog:    llog,
	}

	// identity (depends only on storage + crypto, both already ready)
	n.Identity = identity.New(store, opts.IdentityFederation, zlog)

	// the node's own service identity, used to sign reputation-feedback
	// attestations (consensus rewards, governance-quality boosts)
	did, _, err := n.Identity.Create(identity.CreateOptions{Federation: systemDIDFederation})
	if err != nil {
		return nil, icnerr.Wrap(icnerr.Internal, "create system did", err)
	}
	n.systemDID = did

	// reputation (signer is the identity service: Sign(did, msg) matches)
	n.Reputation = reputation.New(store, n.Identity, zlog)
	n.Reputation.SetMetrics(n.Metrics)

	n.Roster = newRoster(store)

	repAdapter := &reputationAdapter{rep: n.Reputation, systemDID: n.systemDID}

	// mutual-credit ledger: transfers verified through identity, economic
	// activity fed back into reputation
	n.Ledger = ledger.New(store, &transferVerifier{identity: n.Identity}, repAdapter, zlog)

	// governance
	exec := opts.Executor
	if exec == nil {
		exec = &federationExecutor{roster: n.Roster, ledger: n.Ledger, log: zlog.Sugar()}
	}
	govCfg := governance.Config{
		UseWeightedVoting:     cfg.Governance.UseWeightedVoting,
		QuorumPercentage:      cfg.Governance.QuorumPercentage,
		ApprovalPercentage:    cfg.Governance.ApprovalPercentage,
		MinProposalReputation: cfg.Governance.MinProposalReputation,
		MinVotingReputation:   cfg.Governance.MinVotingReputation,
		DefaultVotingPeriod:   time.Duration(cfg.Governance.DefaultVotingPeriodSecs) * time.Second,
	}
	eligible := &eligibleVoters{roster: n.Roster, reputation: repAdapter}
	n.Governance = governance.New(store, govCfg, repAdapter, exec, eligible, zlog)
	n.Governance.SetMetrics(n.Metrics)
	n.Coordination = governance.NewCoordinationManager(store, n.Governance, zlog)

	// consensus
	txValidator := opts.TransactionValidator
	if txValidator == nil {
		txValidator = permissiveValidators{}
	}
	propValidator := opts.ProposalValidator
	if propValidator == nil {
		propValidator = permissiveValidators{}
	}
	consensusCfg := consensus.Config{
		SelectionStrategy:  consensus.SelectionStrategy(cfg.Consensus.SelectionStrategy),
		CommitteeSize:      cfg.Consensus.CommitteeSize,
		RotationInterval:   time.Duration(cfg.Consensus.RotationIntervalSecs) * time.Second,
		MinReputation:      cfg.Consensus.MinReputation,
		ConsensusThreshold: cfg.Consensus.ConsensusThreshold,
		ConsensusTimeout:   time.Duration(cfg.Consensus.ConsensusTimeoutSecs) * time.Second,
		FederationAware:    cfg.Consensus.FederationAware,
	}
	n.Consensus = consensus.New(
		consensusCfg,
		&consensusVerifier{identity: n.Identity},
		&dispatchValidator{tx: txValidator, prop: propValidator},
		repAdapter,
		opts.ConsensusBroadcaster,
		zlog,
	)
	n.Consensus.SetMetrics(n.Metrics)

	// networking
	n.Peers = network.NewRegistry(cfg.Network.BanThreshold, llog)
	n.Peers.SetMetrics(n.Metrics)
	n.Queue = network.NewProcessor(network.QueueConfig{
		Mode:                    network.PriorityMode(cfg.Network.PriorityMode),
		MaxQueueSize:            cfg.Network.MaxQueueSize,
		DropLowPriorityWhenFull: cfg.Network.DropLowPriorityWhenFull,
	}, n.Peers, llog)
	n.Queue.SetMetrics(n.Metrics)

	// distributed storage
	n.Quota = dstorage.NewQuotaManager()
	n.DStorage = dstorage.New(store, n.Quota, cfg.Node.Federation, zlog)
	n.DStorage.SetMetrics(n.Metrics)
	n.Scheduler = dstorage.NewScheduler(n.Quota, zlog)

	n.registerMessageHandlers()

	return n, nil
}

// Start launches every subsystem's background loop (committee rotation,
// quota scheduler draining, queue dispatch) as tasks cancelled through
// ctx. It does not start a libp2p host — call StartNetworking separately
// once a listen address is configured.
func (n *Node) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	go n.Consensus.Run(ctx)
	go n.Scheduler.Run(ctx, time.Second)
	go n.dispatchLoop(ctx)
	go n.decayLoop(ctx)
}

func (n *Node) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.Queue.Dispatch()
		}
	}
}

func (n *Node) decayLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.Peers.DecayAll(n.Config.Network.DecayRate)
		}
	}
}

// StartNetworking brings up the libp2p host and mDNS discovery over the
// node's configured listen address, and pumps every gossip topic's
// inbound messages into the priority queue (drained by the dispatch
// loop Start launched).
func (n *Node) StartNetworking(ctx context.Context) error {
	host, err := network.NewHost(ctx, n.Config.Node.ListenAddr, n.Peers, n.llog)
	if err != nil {
		return icnerr.Wrap(icnerr.Transport, "start network host", err)
	}
	if err := host.StartDiscovery(n.Config.Node.DiscoveryTag); err != nil {
		return icnerr.Wrap(icnerr.Transport, "start mdns discovery", err)
	}
	if err := host.Receive(ctx, n.Queue); err != nil {
		return icnerr.Wrap(icnerr.Transport, "subscribe to gossip topics", err)
	}
	n.Host = host
	return nil
}

// Close releases every subsystem's held resources and cancels background
// loops started by Start.
func (n *Node) Close() error {
	if n.cancel != nil {
		n.cancel()
	}
	if err := n.Store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

// dispatchValidator routes a consensus value to the transaction or
// proposal validator by metadata["type"].
type dispatchValidator struct {
	tx   TransactionValidator
	prop ProposalValidator
}

func (d *dispatchValidator) Validate(value []byte, metadata map[string]string) bool {
	switch metadata["type"] {
	case "transaction":
		return d.tx.ValidateTransaction(value)
	case "proposal":
		return d.prop.ValidateProposal(value)
	default:
		return true
	}
}

// consensusVerifier checks a round vote's signature under the
// validator's DID authentication method.
type consensusVerifier struct {
	identity *identity.Service
}

func voteBytes(v consensus.Vote) []byte {
	return []byte(fmt.Sprintf("%s|%s|%t|%s", v.RoundID, v.ValidatorDID, v.Approve, v.Justification))
}

func (c *consensusVerifier) Verify(validatorDID string, _ *consensus.Round, v consensus.Vote) bool {
	res := c.identity.Resolve(validatorDID)
	if res.Document == nil || len(res.Document.Authentication) == 0 {
		return false
	}
	ok, err := c.identity.VerifySignature(validatorDID, res.Document.Authentication[0], voteBytes(v), v.Signature)
	return err == nil && ok
}

// transferVerifier checks a ledger transfer's signature under the
// sender's DID authentication method.
type transferVerifier struct {
	identity *identity.Service
}

func (t *transferVerifier) VerifyTransferSignature(fromDID string, msg, sig []byte) bool {
	res := t.identity.Resolve(fromDID)
	if res.Document == nil || len(res.Document.Authentication) == 0 {
		return false
	}
	ok, err := t.identity.VerifySignature(fromDID, res.Document.Authentication[0], msg, sig)
	return err == nil && ok
}

// reputationAdapter bridges the reputation subsystem into the interfaces
// governance, consensus, and the ledger expect, issuing feedback
// attestations signed by the node's own system DID.
type reputationAdapter struct {
	rep       *reputation.Manager
	systemDID string
}

var _ governance.Reputation = (*reputationAdapter)(nil)
var _ consensus.ReputationFeedback = (*reputationAdapter)(nil)
var _ ledger.Feedback = (*reputationAdapter)(nil)

func (a *reputationAdapter) TrustScoreOf(did string) (float64, error) {
	score, err := a.rep.CalculateTrustScore(did)
	if err != nil {
		return 0, err
	}
	return score.Overall, nil
}

func (a *reputationAdapter) RecordGovernanceQuality(did string, score float64, claims string) error {
	_, err := a.rep.Create(a.systemDID, did, reputation.GovernanceQuality, clamp01(score), claims, nil, 1, nil)
	return err
}

func (a *reputationAdapter) RecordTransactionTrust(did string, score float64, claims string) error {
	_, err := a.rep.Create(a.systemDID, did, reputation.TransactionTrust, clamp01(score), claims, nil, 1, nil)
	return err
}

func (a *reputationAdapter) OnConsensusReached(validatorDID string) {
	_, _ = a.rep.Create(a.systemDID, validatorDID, reputation.GeneralTrust, 0.6, "consensus round reached", nil, 1, nil)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
