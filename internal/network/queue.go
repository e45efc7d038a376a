package network

import (
	"container/heap"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/icn-network/icn-node/internal/metrics"
)

// PriorityMode selects how InboundMessage priority is computed.
type PriorityMode string

const (
	FIFO               PriorityMode = "FIFO"
	PriorityReputation PriorityMode = "ReputationBased"
	TypeAndReputation  PriorityMode = "TypeAndReputation"
	PriorityCustom     PriorityMode = "Custom"
)

// typeBasePriority assigns a base priority per message type for the
// TypeAndReputation mode. Governance and ledger-state messages are
// prioritized over lower-stakes traffic.
var typeBasePriority = map[MessageType]float64{
	GovernanceProposal: 50,
	GovernanceVote:     40,
	LedgerState:        30,
	LedgerTransaction:  20,
	IdentityAnnouncement: 10,
	Custom:             0,
}

const highReputationThreshold = 10.0

func reputationBand(priority float64) string {
	switch {
	case priority < 0:
		return "negative"
	case priority >= highReputationThreshold:
		return "high"
	default:
		return "neutral"
	}
}

// CustomPriorityFunc computes priority for PriorityCustom mode.
type CustomPriorityFunc func(msg NetworkMessage, peerReputation float64) float64

// QueueConfig tunes the message processor.
type QueueConfig struct {
	Mode                    PriorityMode
	MaxQueueSize            int
	DropLowPriorityWhenFull bool
	CustomPriority          CustomPriorityFunc
}

// InboundMessage pairs a message with its sender and computed priority.
type InboundMessage struct {
	Message  NetworkMessage
	PeerID   string
	Priority float64
	seq      int64
}

// Handler processes a drained message.
type Handler func(InboundMessage)

type pqItem struct {
	msg   InboundMessage
	index int
}

type priorityHeap []*pqItem

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	return h[i].msg.seq < h[j].msg.seq // FIFO among equal priority
}
func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *priorityHeap) Push(x any) {
	item := x.(*pqItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item.msg
}

// Processor is the max-priority message queue and its registered
// handlers. MaxQueueSize is a soft limit: when the queue is full,
// negative-priority messages may be dropped and all others are still
// enqueued.
type Processor struct {
	mu       sync.Mutex
	cfg      QueueConfig
	heap     priorityHeap
	handlers map[MessageType][]Handler
	registry *Registry
	seq      int64

	droppedCount      int64
	backpressureCount int64

	metrics *metrics.Registry
	log     *logrus.Logger
}

func NewProcessor(cfg QueueConfig, registry *Registry, log *logrus.Logger) *Processor {
	if log == nil {
		log = logrus.New()
	}
	return &Processor{cfg: cfg, handlers: make(map[MessageType][]Handler), registry: registry, log: log}
}

// SetMetrics attaches the node's metric collectors; nil leaves the
// processor counting only its internal counters.
func (p *Processor) SetMetrics(m *metrics.Registry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = m
}

// RegisterHandler adds a handler invoked for every drained message of
// the given type.
func (p *Processor) RegisterHandler(t MessageType, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[t] = append(p.handlers[t], h)
}

func (p *Processor) priorityFor(msg NetworkMessage, peerID string) float64 {
	rep := 0.0
	if p.registry != nil {
		if info, ok := p.registry.Get(peerID); ok {
			rep = info.Reputation
		}
	}
	switch p.cfg.Mode {
	case PriorityReputation:
		return rep
	case TypeAndReputation:
		base := typeBasePriority[msg.MessageType]
		switch {
		case rep >= highReputationThreshold:
			base += 20
		case rep <= 0:
			base -= 10
		}
		return base
	case PriorityCustom:
		if p.cfg.CustomPriority != nil {
			return p.cfg.CustomPriority(msg, rep)
		}
		return 0
	default:
		return 0
	}
}

// Enqueue computes a message's priority and applies backpressure when the
// queue is full.
func (p *Processor) Enqueue(msg NetworkMessage, peerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	priority := p.priorityFor(msg, peerID)

	if len(p.heap) >= p.cfg.MaxQueueSize {
		if p.cfg.DropLowPriorityWhenFull && priority < 0 {
			p.droppedCount++
			if p.metrics != nil {
				p.metrics.MessagesDropped.WithLabelValues("low_priority_queue_full").Inc()
			}
			p.log.WithField("peer", peerID).Debug("dropping low-priority message: queue full")
			return
		}
		p.backpressureCount++
		if p.metrics != nil {
			p.metrics.BackpressureEvent.WithLabelValues(reputationBand(priority)).Inc()
		}
		p.log.Warn("backpressure: enqueuing past configured max queue size")
	}

	p.seq++
	heap.Push(&p.heap, &pqItem{msg: InboundMessage{Message: msg, PeerID: peerID, Priority: priority, seq: p.seq}})
}

// Drain pops the single highest-priority message, or false if empty.
func (p *Processor) Drain() (InboundMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.heap) == 0 {
		return InboundMessage{}, false
	}
	item := heap.Pop(&p.heap).(InboundMessage)
	return item, true
}

// Dispatch drains the queue until empty, calling registered handlers for
// each message's type.
func (p *Processor) Dispatch() {
	for {
		msg, ok := p.Drain()
		if !ok {
			return
		}
		p.mu.Lock()
		handlers := append([]Handler(nil), p.handlers[msg.Message.MessageType]...)
		p.mu.Unlock()
		for _, h := range handlers {
			h(msg)
		}
	}
}

func (p *Processor) DroppedCount() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.droppedCount
}

func (p *Processor) BackpressureCount() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backpressureCount
}

func (p *Processor) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.heap)
}
