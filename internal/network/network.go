// Package network implements the P2P messaging core: peer registry,
// topic routing, a reputation-prioritized message queue with
// backpressure, and peer lifecycle/banning. The transport is a libp2p
// host with gossipsub topics and mDNS discovery.
package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	libp2pnet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/icn-network/icn-node/internal/metrics"
)

// Topic is one of the four canonical gossip topics.
type Topic string

const (
	TopicIdentity     Topic = "icn/identity"
	TopicTransactions Topic = "icn/transactions"
	TopicLedgerState  Topic = "icn/ledger-state"
	TopicGovernance   Topic = "icn/governance"
)

// MessageType tags a NetworkMessage's payload shape.
type MessageType string

const (
	IdentityAnnouncement  MessageType = "identity.announcement"
	LedgerTransaction     MessageType = "ledger.transaction"
	LedgerState           MessageType = "ledger.state"
	GovernanceProposal    MessageType = "governance.proposal"
	GovernanceVote        MessageType = "governance.vote"
	GovernanceExecution   MessageType = "governance.execution"
	GovernanceSyncRequest MessageType = "governance.sync_request"
	GovernanceSyncResponse MessageType = "governance.sync_response"
	Custom                MessageType = "custom"
)

// NetworkMessage is the self-describing JSON envelope every message is
// carried in.
type NetworkMessage struct {
	MessageType MessageType     `json:"message_type"`
	Payload     []byte          `json:"payload"`
	CustomType  string          `json:"custom_type,omitempty"`
}

// PeerInfo is the peer registry's per-peer record.
type PeerInfo struct {
	PeerID      string
	Addresses   []string
	Protocols   []string
	Connected   bool
	LastSeen    time.Time
	Reputation  float64
}

// Registry is the process-wide peer table, updated on connection
// lifecycle events. It is owned by the top-level node and independently
// locked, never a free-floating singleton.
type Registry struct {
	mu      sync.RWMutex
	peers   map[string]*PeerInfo
	banned  map[string]bool
	banThreshold float64
	metrics *metrics.Registry
	log     *logrus.Logger
}

func NewRegistry(banThreshold float64, log *logrus.Logger) *Registry {
	if log == nil {
		log = logrus.New()
	}
	return &Registry{peers: make(map[string]*PeerInfo), banned: make(map[string]bool), banThreshold: banThreshold, log: log}
}

// SetMetrics attaches the node's metric collectors.
func (r *Registry) SetMetrics(m *metrics.Registry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// OnConnected updates the registry for a newly connected peer.
func (r *Registry) OnConnected(peerID string, addrs, protocols []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peerID]
	if !ok {
		p = &PeerInfo{PeerID: peerID}
		r.peers[peerID] = p
	}
	wasConnected := p.Connected
	p.Addresses = addrs
	p.Protocols = protocols
	p.Connected = true
	p.LastSeen = time.Now().UTC()
	if !wasConnected && r.metrics != nil {
		r.metrics.PeersConnected.Inc()
	}
	r.log.WithField("peer", peerID).Info("peer connected")
	r.adjustLocked(peerID, connectionEstablishedDelta)
}

// OnDisconnected marks a peer as no longer connected.
func (r *Registry) OnDisconnected(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[peerID]; ok && p.Connected {
		p.Connected = false
		if r.metrics != nil {
			r.metrics.PeersConnected.Dec()
		}
	}
	r.log.WithField("peer", peerID).Info("peer disconnected")
	r.adjustLocked(peerID, connectionLostDelta)
}

// Get returns a copy of a peer's info, if known.
func (r *Registry) Get(peerID string) (*PeerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[peerID]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// IsBanned reports whether a peer is banned: explicitly listed, or its
// reputation has fallen to or below banThreshold.
func (r *Registry) IsBanned(peerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.banned[peerID] {
		return true
	}
	p, ok := r.peers[peerID]
	return ok && p.Reputation <= r.banThreshold
}

// Ban explicitly adds a peer to the banned set.
func (r *Registry) Ban(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.banned[peerID] && r.metrics != nil {
		r.metrics.PeersBanned.Inc()
	}
	r.banned[peerID] = true
}

// Host wraps a libp2p node with gossip topics and mDNS discovery.
type Host struct {
	host        host.Host
	pubsub      *pubsub.PubSub
	topics      map[Topic]*pubsub.Topic
	registry    *Registry
	dialLimiter *rate.Limiter
	log         *logrus.Logger
}

// NewHost constructs a libp2p host with gossipsub and joins the four
// canonical topics.
func NewHost(ctx context.Context, listenAddr string, registry *Registry, log *logrus.Logger) (*Host, error) {
	if log == nil {
		log = logrus.New()
	}
	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddr))
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}
	n := &Host{
		host:     h,
		pubsub:   ps,
		topics:   make(map[Topic]*pubsub.Topic),
		registry: registry,
		// mDNS can surface a burst of peers at once; pace outbound dials
		// so a crowded LAN doesn't exhaust the connection manager.
		dialLimiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
		log:         log,
	}
	for _, t := range []Topic{TopicIdentity, TopicTransactions, TopicLedgerState, TopicGovernance} {
		topic, err := ps.Join(string(t))
		if err != nil {
			return nil, fmt.Errorf("join topic %s: %w", t, err)
		}
		n.topics[t] = topic
	}

	// the registry learns about every connection the transport opens or
	// drops, whether we dialed or were dialed
	if registry != nil {
		h.Network().Notify(&libp2pnet.NotifyBundle{
			ConnectedF: func(_ libp2pnet.Network, c libp2pnet.Conn) {
				registry.OnConnected(c.RemotePeer().String(), []string{c.RemoteMultiaddr().String()}, nil)
			},
			DisconnectedF: func(_ libp2pnet.Network, c libp2pnet.Conn) {
				registry.OnDisconnected(c.RemotePeer().String())
			},
		})
	}
	return n, nil
}

// Receive subscribes to every joined topic and pumps decoded inbound
// messages into proc until ctx is cancelled. Messages this host
// published are skipped; payloads that fail to decode penalize the
// sender's reputation before being dropped.
func (n *Host) Receive(ctx context.Context, proc *Processor) error {
	for t, topic := range n.topics {
		sub, err := topic.Subscribe()
		if err != nil {
			return fmt.Errorf("subscribe to topic %s: %w", t, err)
		}
		go n.readLoop(ctx, sub, proc)
	}
	return nil
}

func (n *Host) readLoop(ctx context.Context, sub *pubsub.Subscription, proc *Processor) {
	defer sub.Cancel()
	self := n.host.ID()
	for {
		m, err := sub.Next(ctx)
		if err != nil {
			return // ctx cancelled or subscription closed
		}
		if m.ReceivedFrom == self {
			continue
		}
		peerID := m.ReceivedFrom.String()
		msg, err := decodeMessage(m.Data)
		if err != nil {
			if n.registry != nil {
				n.registry.RecordInvalidMessage(peerID)
			}
			n.log.WithError(err).WithField("peer", peerID).Debug("dropping undecodable message")
			continue
		}
		proc.Enqueue(msg, peerID)
	}
}

// HandlePeerFound implements mdns.Notifee: dial any peer discovered via
// local-network multicast DNS, unless it is banned.
func (n *Host) HandlePeerFound(pi peer.AddrInfo) {
	if n.registry != nil && n.registry.IsBanned(pi.ID.String()) {
		n.log.WithField("peer", pi.ID.String()).Debug("skipping dial to banned peer")
		return
	}
	if !n.dialLimiter.Allow() {
		n.log.WithField("peer", pi.ID.String()).Debug("dial rate limit reached, skipping discovered peer")
		return
	}
	if err := n.host.Connect(context.Background(), pi); err != nil {
		n.log.WithError(err).WithField("peer", pi.ID.String()).Warn("failed to dial discovered peer")
	}
}

// StartDiscovery begins mDNS peer discovery under the given service tag.
func (n *Host) StartDiscovery(serviceTag string) error {
	svc := mdns.NewMdnsService(n.host, serviceTag, n)
	return svc.Start()
}

// Publish broadcasts a message on a topic.
func (n *Host) Publish(ctx context.Context, t Topic, msg NetworkMessage) error {
	topic, ok := n.topics[t]
	if !ok {
		return fmt.Errorf("not subscribed to topic %s", t)
	}
	raw, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	return topic.Publish(ctx, raw)
}

func (n *Host) ID() string { return n.host.ID().String() }

// AddrInfo returns the host's dialable address record.
func (n *Host) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{ID: n.host.ID(), Addrs: n.host.Addrs()}
}
