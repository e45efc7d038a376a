package dstorage

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/icn-network/icn-node/internal/icnerr"
)

// pendingOp is one queued storage operation awaiting quota headroom.
type pendingOp struct {
	entityID  string
	sizeBytes int
	callback  func(bool)
}

// Scheduler is the priority-ordered work queue keyed by an entity's quota
// priority. Operations whose quota
// check is immediately Allowed run inline; others wait for their rate or
// bandwidth window to reset.
type Scheduler struct {
	mu      sync.Mutex
	quota   *QuotaManager
	pending map[uint8][]pendingOp
	log     *zap.SugaredLogger
}

// NewScheduler constructs a Scheduler over quota.
func NewScheduler(quota *QuotaManager, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{quota: quota, pending: make(map[uint8][]pendingOp), log: logger.Sugar()}
}

// CanExecuteImmediately reports whether entityID's quota currently allows
// a sizeBytes operation without queuing.
func (s *Scheduler) CanExecuteImmediately(entityID string, sizeBytes int) bool {
	r := s.quota.Check(entityID, sizeBytes)
	return !r.Denied && r.RetryAfterSecs == 0
}

// ExecuteImmediately runs callback inline and records usage if the quota
// check passes, else returns the QuotaViolation/Throttled error.
func (s *Scheduler) ExecuteImmediately(entityID string, sizeBytes int, callback func()) error {
	r := s.quota.Check(entityID, sizeBytes)
	if r.Denied {
		return icnerr.New(icnerr.QuotaViolation, r.Reason)
	}
	if r.RetryAfterSecs > 0 {
		return icnerr.Throttled(r.Reason, r.RetryAfterSecs)
	}
	s.quota.RecordUsage(entityID, sizeBytes, false)
	callback()
	return nil
}

// Schedule queues a sizeBytes operation for entityID at its quota's
// priority; callback is invoked with true once the operation is allowed
// to run, or false if denied outright.
func (s *Scheduler) Schedule(entityID string, sizeBytes int, callback func(bool)) error {
	q, ok := s.quota.GetQuota(entityID)
	if !ok {
		return icnerr.New(icnerr.NotFound, "no quota configured for entity")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[q.Priority] = append(s.pending[q.Priority], pendingOp{entityID: entityID, sizeBytes: sizeBytes, callback: callback})
	return nil
}

// Process drains pending operations, highest priority first, running any
// whose quota check now passes and leaving throttled ones queued.
func (s *Scheduler) Process() {
	s.mu.Lock()
	defer s.mu.Unlock()

	priorities := make([]uint8, 0, len(s.pending))
	for p := range s.pending {
		priorities = append(priorities, p)
	}
	sort.Slice(priorities, func(i, j int) bool { return priorities[i] > priorities[j] })

	for _, p := range priorities {
		ops := s.pending[p]
		remaining := ops[:0]
		for _, op := range ops {
			result := s.quota.Check(op.entityID, op.sizeBytes)
			switch {
			case result.Denied:
				op.callback(false)
			case result.RetryAfterSecs > 0:
				remaining = append(remaining, op)
			default:
				s.quota.RecordUsage(op.entityID, op.sizeBytes, false)
				op.callback(true)
			}
		}
		if len(remaining) == 0 {
			delete(s.pending, p)
		} else {
			s.pending[p] = remaining
		}
	}
}

// PendingCount reports the number of queued operations per priority level.
func (s *Scheduler) PendingCount() map[uint8]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint8]int, len(s.pending))
	for p, ops := range s.pending {
		out[p] = len(ops)
	}
	return out
}

// Run periodically drains the pending queue until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Process()
		}
	}
}
