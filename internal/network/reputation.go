package network

import "time"

// Reputation deltas emitted on peer lifecycle events.
const (
	messageSuccessDelta        = 1.0
	messageFailureDelta        = -1.0
	invalidMessageDelta        = -5.0
	verifiedMessageDelta       = 2.0
	discoveryHelpDelta         = 1.0
	connectionEstablishedDelta = 1.0
	connectionLostDelta        = -0.5
	pingGoodDelta              = 1.0
	pingBadDelta               = -1.0

	defaultDecayRate = 0.5

	pingGoodThreshold = 100 * time.Millisecond
	pingBadThreshold  = time.Second
)

// adjustLocked applies a reputation delta to a peer. Caller must hold r.mu.
func (r *Registry) adjustLocked(peerID string, delta float64) {
	p, ok := r.peers[peerID]
	if !ok {
		p = &PeerInfo{PeerID: peerID}
		r.peers[peerID] = p
	}
	p.Reputation += delta
}

// RecordMessageOutcome adjusts reputation on a message success/failure.
func (r *Registry) RecordMessageOutcome(peerID string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if success {
		r.adjustLocked(peerID, messageSuccessDelta)
	} else {
		r.adjustLocked(peerID, messageFailureDelta)
	}
}

// RecordInvalidMessage applies a larger negative delta for malformed or
// unparseable messages.
func (r *Registry) RecordInvalidMessage(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adjustLocked(peerID, invalidMessageDelta)
}

// RecordVerifiedMessage rewards a peer whose message passed signature
// verification.
func (r *Registry) RecordVerifiedMessage(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adjustLocked(peerID, verifiedMessageDelta)
}

// RecordDiscoveryHelp rewards a peer that helped discover another peer.
func (r *Registry) RecordDiscoveryHelp(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adjustLocked(peerID, discoveryHelpDelta)
}

// RecordPingLatency ties reputation to measured round-trip time:
// positive under 100ms, negative over 1s, neutral in between.
func (r *Registry) RecordPingLatency(peerID string, rtt time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case rtt < pingGoodThreshold:
		r.adjustLocked(peerID, pingGoodDelta)
	case rtt > pingBadThreshold:
		r.adjustLocked(peerID, pingBadDelta)
	}
}

// DecayAll decays every peer's reputation toward zero by decayRate. Call
// once per hour.
func (r *Registry) DecayAll(decayRate float64) {
	if decayRate <= 0 {
		decayRate = defaultDecayRate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.peers {
		if p.Reputation > 0 {
			p.Reputation -= decayRate
			if p.Reputation < 0 {
				p.Reputation = 0
			}
		} else if p.Reputation < 0 {
			p.Reputation += decayRate
			if p.Reputation > 0 {
				p.Reputation = 0
			}
		}
	}
}
