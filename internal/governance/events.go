package governance

import "time"

// EventKind tags an entry on the governance event stream.
type EventKind string

const (
	EventProposalCreated EventKind = "proposal.created"
	EventVoteCast        EventKind = "vote.cast"
	EventProposalClosed  EventKind = "proposal.closed"
	EventExecuted        EventKind = "proposal.executed"
	EventExecutionFailed EventKind = "proposal.execution_failed"
	EventCancelled       EventKind = "proposal.cancelled"
)

// Event is one observable governance state change. Executor failures
// surface here with their error message so external consumers (RPC,
// cross-node sync) see them without polling proposal state.
type Event struct {
	Kind       EventKind `json:"kind"`
	ProposalID string    `json:"proposal_id"`
	Status     Status    `json:"status,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Events returns the manager's event stream. The stream is buffered;
// when no consumer keeps up, the oldest events are dropped rather than
// blocking governance progress.
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) emit(kind EventKind, proposalID string, status Status, errMsg string) {
	ev := Event{Kind: kind, ProposalID: proposalID, Status: status, Error: errMsg, At: time.Now().UTC()}
	select {
	case m.events <- ev:
	default:
		select {
		case <-m.events: // shed the oldest
		default:
		}
		select {
		case m.events <- ev:
		default:
		}
	}
}
