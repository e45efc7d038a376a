package dstorage

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// QuotaEntityType distinguishes federation- and user-scoped quotas.
type QuotaEntityType string

const (
	QuotaFederation QuotaEntityType = "Federation"
	QuotaUser       QuotaEntityType = "User"
)

// Quota is a per-entity resource budget enforced by QuotaManager.
type Quota struct {
	EntityID           string
	EntityType         QuotaEntityType
	MaxStorageBytes    int64
	MaxKeys            int64
	MaxOpsPerMinute    int
	MaxBandwidthPerDay int64
	Priority           uint8
	Active             bool
}

// Usage is an entity's current consumption against its Quota. Windows
// reset on wall-clock minute/day boundaries.
type Usage struct {
	StorageBytesUsed int64
	KeysUsed         int64
	OpsThisMinute    int
	BandwidthToday   int64
	MinuteStart      time.Time
	DayStart         time.Time
}

// CheckResult is the outcome of a Check call. Denied means the operation
// must not proceed; RetryAfterSecs > 0 (with Denied false) means
// Throttled — the caller may retry after that many seconds.
type CheckResult struct {
	Denied         bool
	RetryAfterSecs int64
	Reason         string
}

// QuotaManager tracks per-entity storage/key/rate/bandwidth budgets.
// Check evaluates violations in a fixed order — inactive, rate,
// bandwidth, storage, keys — so callers always see a deterministic
// first failure.
type QuotaManager struct {
	mu     sync.Mutex
	quotas map[string]Quota
	usage  map[string]*Usage
}

// NewQuotaManager returns an empty QuotaManager; entities have no quota
// (and so are denied) until SetQuota is called for them.
func NewQuotaManager() *QuotaManager {
	return &QuotaManager{quotas: make(map[string]Quota), usage: make(map[string]*Usage)}
}

// SetQuota creates or replaces an entity's quota.
func (qm *QuotaManager) SetQuota(q Quota) {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	qm.quotas[q.EntityID] = q
	if _, ok := qm.usage[q.EntityID]; !ok {
		now := time.Now().UTC()
		qm.usage[q.EntityID] = &Usage{MinuteStart: now, DayStart: dayStart(now)}
	}
}

// GetQuota returns an entity's quota, if one has been set.
func (qm *QuotaManager) GetQuota(entityID string) (Quota, bool) {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	q, ok := qm.quotas[entityID]
	return q, ok
}

// DeleteQuota removes an entity's quota and usage tracking.
func (qm *QuotaManager) DeleteQuota(entityID string) {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	delete(qm.quotas, entityID)
	delete(qm.usage, entityID)
}

// Usage returns a snapshot of an entity's current usage counters.
func (qm *QuotaManager) Usage(entityID string) (Usage, bool) {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	u, ok := qm.usage[entityID]
	if !ok {
		return Usage{}, false
	}
	return *u, true
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// rollWindowsLocked resets the per-minute and per-day counters that have
// crossed their wall-clock boundary. Caller must hold qm.mu.
func (qm *QuotaManager) rollWindowsLocked(u *Usage, now time.Time) {
	if now.Sub(u.MinuteStart) >= time.Minute {
		u.MinuteStart = now
		u.OpsThisMinute = 0
	}
	ds := dayStart(now)
	if !ds.Equal(u.DayStart) {
		u.DayStart = ds
		u.BandwidthToday = 0
	}
}

func (qm *QuotaManager) usageLocked(entityID string, now time.Time) *Usage {
	u, ok := qm.usage[entityID]
	if !ok {
		u = &Usage{MinuteStart: now, DayStart: dayStart(now)}
		qm.usage[entityID] = u
	}
	qm.rollWindowsLocked(u, now)
	return u
}

// Check evaluates a sizeBytes-sized operation against entityID's quota,
// in the fixed violation order: inactive -> rate -> bandwidth ->
// storage -> keys. Key-limit checking assumes a new key is being
// written, as it is for a Put.
func (qm *QuotaManager) Check(entityID string, sizeBytes int) CheckResult {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	q, ok := qm.quotas[entityID]
	if !ok {
		return CheckResult{Denied: true, Reason: "quota not found"}
	}
	if !q.Active {
		return CheckResult{Denied: true, Reason: "quota is inactive"}
	}

	now := time.Now().UTC()
	u := qm.usageLocked(entityID, now)

	if u.OpsThisMinute >= q.MaxOpsPerMinute {
		retry := int64(60 - now.Sub(u.MinuteStart).Seconds())
		if retry < 0 {
			retry = 0
		}
		return CheckResult{RetryAfterSecs: retry, Reason: "operation rate limit exceeded"}
	}

	if u.BandwidthToday+int64(sizeBytes) > q.MaxBandwidthPerDay {
		midnight := u.DayStart.Add(24 * time.Hour)
		retry := int64(midnight.Sub(now).Seconds())
		if retry < 0 {
			retry = 0
		}
		return CheckResult{RetryAfterSecs: retry, Reason: "bandwidth limit exceeded"}
	}

	if u.StorageBytesUsed+int64(sizeBytes) > q.MaxStorageBytes {
		return CheckResult{Denied: true, Reason: fmt.Sprintf(
			"storage limit exceeded (%s of %s used)", formatSize(u.StorageBytesUsed), formatSize(q.MaxStorageBytes))}
	}

	if u.KeysUsed+1 > q.MaxKeys {
		return CheckResult{Denied: true, Reason: "key count limit exceeded"}
	}

	return CheckResult{}
}

// RecordUsage updates an entity's usage counters after an allowed
// operation. isUpdate distinguishes overwriting an existing key (no
// key-count delta) from writing a new one.
func (qm *QuotaManager) RecordUsage(entityID string, sizeBytes int, isUpdate bool) {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	now := time.Now().UTC()
	u := qm.usageLocked(entityID, now)
	u.StorageBytesUsed += int64(sizeBytes)
	if !isUpdate {
		u.KeysUsed++
	}
	u.OpsThisMinute++
	u.BandwidthToday += int64(sizeBytes)
}

// RecordDelete rolls back usage after a key's deletion. Counters never go
// below zero.
func (qm *QuotaManager) RecordDelete(entityID string, sizeBytes int) {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	u, ok := qm.usage[entityID]
	if !ok {
		return
	}
	now := time.Now().UTC()
	qm.rollWindowsLocked(u, now)
	u.StorageBytesUsed -= int64(sizeBytes)
	if u.StorageBytesUsed < 0 {
		u.StorageBytesUsed = 0
	}
	u.KeysUsed--
	if u.KeysUsed < 0 {
		u.KeysUsed = 0
	}
	u.OpsThisMinute++
}

// Priorities returns entity IDs with active quotas ordered by descending
// priority, the order OperationScheduler drains pending operations in.
func (qm *QuotaManager) Priorities() []string {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	type ep struct {
		id       string
		priority uint8
	}
	var eps []ep
	for id, q := range qm.quotas {
		if q.Active {
			eps = append(eps, ep{id, q.Priority})
		}
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].priority > eps[j].priority })
	out := make([]string, len(eps))
	for i, e := range eps {
		out[i] = e.id
	}
	return out
}

// formatSize renders bytes in human-readable KB/MB/GB/TB form for
// violation messages.
func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
		tb = gb * 1024
	)
	switch {
	case bytes < kb:
		return fmt.Sprintf("%d B", bytes)
	case bytes < mb:
		return fmt.Sprintf("%.2f KB", float64(bytes)/kb)
	case bytes < gb:
		return fmt.Sprintf("%.2f MB", float64(bytes)/mb)
	case bytes < tb:
		return fmt.Sprintf("%.2f GB", float64(bytes)/gb)
	default:
		return fmt.Sprintf("%.2f TB", float64(bytes)/tb)
	}
}
