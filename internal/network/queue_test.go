package network

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueuePriorityOrdering(t *testing.T) {
	reg := NewRegistry(-100, nil)
	reg.OnConnected("low", nil, nil)
	reg.OnConnected("high", nil, nil)
	reg.RecordVerifiedMessage("high")
	reg.RecordVerifiedMessage("high")

	q := NewProcessor(QueueConfig{Mode: PriorityReputation, MaxQueueSize: 10}, reg, nil)
	q.Enqueue(NetworkMessage{MessageType: Custom}, "low")
	q.Enqueue(NetworkMessage{MessageType: Custom}, "high")

	first, ok := q.Drain()
	require.True(t, ok)
	require.Equal(t, "high", first.PeerID)

	second, ok := q.Drain()
	require.True(t, ok)
	require.Equal(t, "low", second.PeerID)
}

func TestBackpressureDropsLowPriority(t *testing.T) {
	reg := NewRegistry(-100, nil)
	reg.OnConnected("peer", nil, nil)
	for i := 0; i < 20; i++ {
		reg.RecordMessageOutcome("peer", false)
	}

	p := NewProcessor(QueueConfig{Mode: PriorityReputation, MaxQueueSize: 1, DropLowPriorityWhenFull: true}, reg, nil)
	p.Enqueue(NetworkMessage{MessageType: Custom}, "peer")
	p.Enqueue(NetworkMessage{MessageType: Custom}, "peer")

	require.Equal(t, int64(1), p.DroppedCount())
}

func TestPeerBanning(t *testing.T) {
	reg := NewRegistry(-5, nil)
	reg.OnConnected("bad", nil, nil)
	for i := 0; i < 10; i++ {
		reg.RecordInvalidMessage("bad")
	}
	require.True(t, reg.IsBanned("bad"))
}

func TestReputationDecay(t *testing.T) {
	reg := NewRegistry(-100, nil)
	reg.OnConnected("peer", nil, nil)
	reg.RecordVerifiedMessage("peer")
	reg.RecordVerifiedMessage("peer")
	before, _ := reg.Get("peer")
	reg.DecayAll(0.5)
	after, _ := reg.Get("peer")
	require.Less(t, after.Reputation, before.Reputation)
}

func TestTypeAndReputationPriority(t *testing.T) {
	reg := NewRegistry(-100, nil)
	reg.OnConnected("trusted", nil, nil)
	for i := 0; i < 10; i++ {
		reg.RecordVerifiedMessage("trusted")
	}

	q := NewProcessor(QueueConfig{Mode: TypeAndReputation, MaxQueueSize: 10}, reg, nil)
	q.Enqueue(NetworkMessage{MessageType: IdentityAnnouncement}, "trusted") // 10 + 20
	q.Enqueue(NetworkMessage{MessageType: GovernanceProposal}, "unknown")   // 50 - 10

	first, ok := q.Drain()
	require.True(t, ok)
	require.Equal(t, GovernanceProposal, first.Message.MessageType)
}

func TestEqualPriorityPreservesFIFO(t *testing.T) {
	q := NewProcessor(QueueConfig{Mode: FIFO, MaxQueueSize: 10}, nil, nil)
	q.Enqueue(NetworkMessage{MessageType: Custom, CustomType: "first"}, "p")
	q.Enqueue(NetworkMessage{MessageType: Custom, CustomType: "second"}, "p")

	a, _ := q.Drain()
	b, _ := q.Drain()
	require.Equal(t, "first", a.Message.CustomType)
	require.Equal(t, "second", b.Message.CustomType)
}

func TestDispatchFansOutToHandlers(t *testing.T) {
	q := NewProcessor(QueueConfig{Mode: FIFO, MaxQueueSize: 10}, nil, nil)
	var got []string
	q.RegisterHandler(Custom, func(msg InboundMessage) {
		got = append(got, msg.Message.CustomType)
	})
	q.Enqueue(NetworkMessage{MessageType: Custom, CustomType: "x"}, "p")
	q.Enqueue(NetworkMessage{MessageType: LedgerState}, "p") // no handler registered
	q.Dispatch()
	require.Equal(t, []string{"x"}, got)
	require.Equal(t, 0, q.Len())
}
