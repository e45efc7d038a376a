package network

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestHostsExchangeGossip drives the full inbound pipeline over real
// loopback hosts: dialing updates the remote registry through the
// transport's connection notifications, and a published envelope lands
// in the receiver's priority queue.
func TestHostsExchangeGossip(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test: real libp2p hosts")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	regA := NewRegistry(-100, nil)
	regB := NewRegistry(-100, nil)

	a, err := NewHost(ctx, "/ip4/127.0.0.1/tcp/0", regA, nil)
	require.NoError(t, err)
	b, err := NewHost(ctx, "/ip4/127.0.0.1/tcp/0", regB, nil)
	require.NoError(t, err)

	procB := NewProcessor(QueueConfig{Mode: FIFO, MaxQueueSize: 100}, regB, nil)
	require.NoError(t, b.Receive(ctx, procB))

	a.HandlePeerFound(b.AddrInfo())

	require.Eventually(t, func() bool {
		info, ok := regB.Get(a.ID())
		return ok && info.Connected
	}, 5*time.Second, 50*time.Millisecond, "registry observes the inbound connection")

	// gossipsub needs a moment to graft the mesh before publishes route,
	// so publish until the receiver sees one
	require.Eventually(t, func() bool {
		_ = a.Publish(ctx, TopicGovernance, NetworkMessage{MessageType: GovernanceProposal, Payload: []byte(`{}`)})
		msg, ok := procB.Drain()
		return ok && msg.Message.MessageType == GovernanceProposal && msg.PeerID == a.ID()
	}, 10*time.Second, 200*time.Millisecond)
}
