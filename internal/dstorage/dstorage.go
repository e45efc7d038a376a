// Package dstorage implements federation-scoped distributed storage:
// access policy, encryption envelopes, version history, quota
// enforcement, and a priority operation scheduler. Reads resolve
// cache-first, then through the DHT locator, then from the object's
// storage peers.
package dstorage

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/icn-network/icn-node/internal/icncrypto"
	"github.com/icn-network/icn-node/internal/icnerr"
	"github.com/icn-network/icn-node/internal/metrics"
	"github.com/icn-network/icn-node/internal/storage"
)

// Policy is the access-control and durability contract attached to a
// stored object.
type Policy struct {
	ReadFederations  []string      `json:"read_federations"`
	WriteFederations []string      `json:"write_federations"`
	AdminFederations []string      `json:"admin_federations"`
	EncryptionRequired bool        `json:"encryption_required"`
	RedundancyFactor int           `json:"redundancy_factor"`
	Expiration       *time.Time    `json:"expiration,omitempty"`
	VersioningEnabled bool         `json:"versioning_enabled"`
	MaxVersions      int           `json:"max_versions"`
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// EncryptionMetadata describes how a stored blob was sealed.
type EncryptionMetadata struct {
	KeyID     string             `json:"key_id"`
	IV        []byte             `json:"iv"`
	Algorithm icncrypto.Algorithm `json:"algorithm"`
	Version   int                `json:"version"`
}

// VersionInfo describes one retained version of a key.
type VersionInfo struct {
	VersionID   string    `json:"version_id"`
	CreatedAt   time.Time `json:"created_at"`
	Size        int       `json:"size"`
	ContentHash icncrypto.Hash `json:"content_hash"`
	StorageKey  string    `json:"storage_key"`
	CreatedBy   string    `json:"created_by"`
	Comment     string    `json:"comment,omitempty"`
}

// DataLocation is the canonical record of where and how a key's bytes
// are stored.
type DataLocation struct {
	Key                string              `json:"key"`
	StoragePeers       []string            `json:"storage_peers"`
	Policy             Policy              `json:"policy"`
	ContentHash        icncrypto.Hash      `json:"content_hash"`
	SizeBytes          int                 `json:"size_bytes"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
	EncryptionMetadata *EncryptionMetadata `json:"encryption_metadata,omitempty"`
	Versions           []VersionInfo       `json:"version_info,omitempty"`
	IsVersioned        bool                `json:"is_versioned"`
	CurrentVersionID   string              `json:"current_version_id,omitempty"`
}

// PeerCandidate is a storage peer considered during redundancy placement.
type PeerCandidate struct {
	ID           string
	FederationID string
	LatencyMs    float64
	UptimeHours  float64
}

// Locator publishes and resolves DataLocation records through the
// federation DHT. Concrete
// implementations live in the network layer.
type Locator interface {
	PublishLocation(loc *DataLocation) error
	LookupLocation(key string) (*DataLocation, error)
}

// PeerFetcher retrieves a blob from a remote storage peer when no local
// replica exists.
type PeerFetcher interface {
	FetchBlob(peerID, storageKey string) ([]byte, error)
}

// Manager implements the put/get path over federation-scoped policy,
// encryption, versioning, and quota enforcement.
type Manager struct {
	mu            sync.Mutex
	store         storage.Store
	quota         *QuotaManager
	keysByFedSet  map[string]string // federation-set fingerprint -> key id
	keys          map[string][]byte // key id -> raw AEAD key
	currentFed    string
	locator       Locator
	fetcher       PeerFetcher
	metrics       *metrics.Registry
	log           *zap.SugaredLogger
}

// SetLocator attaches the DHT location index. nil keeps location
// resolution local-only.
func (m *Manager) SetLocator(l Locator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locator = l
}

// SetPeerFetcher attaches the remote-blob fetch path used when the local
// replica is missing.
func (m *Manager) SetPeerFetcher(f PeerFetcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetcher = f
}

func New(store storage.Store, quota *QuotaManager, currentFederation string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:        store,
		quota:        quota,
		keysByFedSet: make(map[string]string),
		keys:         make(map[string][]byte),
		currentFed:   currentFederation,
		log:          logger.Sugar(),
	}
}

// SetMetrics attaches the node's metric collectors.
func (m *Manager) SetMetrics(reg *metrics.Registry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = reg
}

func locationKey(key string) []byte   { return []byte("dstorage:location:" + key) }
func blobKey(storageKey string) []byte { return []byte("dstorage:blob:" + storageKey) }

func fedSetFingerprint(policy Policy) string {
	all := append([]string(nil), policy.ReadFederations...)
	all = append(all, policy.WriteFederations...)
	all = append(all, policy.AdminFederations...)
	sort.Strings(all)
	return fmt.Sprintf("%v", all)
}

// encryptionKeyFor returns the key already bound to policy's federation
// set if one exists, minting and registering a new one only for a
// federation set never seen before. Reuse keeps every object shared
// with the same federations decryptable under one key id.
func (m *Manager) encryptionKeyFor(policy Policy) (string, []byte, error) {
	fp := fedSetFingerprint(policy)
	if id, ok := m.keysByFedSet[fp]; ok {
		return id, m.keys[id], nil
	}
	key, err := icncrypto.RandomBytes(32)
	if err != nil {
		return "", nil, err
	}
	id := uuid.New().String()
	m.keysByFedSet[fp] = id
	m.keys[id] = key
	return id, key, nil
}

// selectPeers picks redundancyFactor peers minimizing
// latency_ms + federation_bias - uptime/10, preferring peers in the
// current federation.
func selectPeers(candidates []PeerCandidate, redundancyFactor int, currentFederation string) []string {
	scored := append([]PeerCandidate(nil), candidates...)
	score := func(c PeerCandidate) float64 {
		bias := 10.0
		if c.FederationID == currentFederation {
			bias = 0
		}
		return c.LatencyMs + bias - c.UptimeHours/10
	}
	sort.Slice(scored, func(i, j int) bool { return score(scored[i]) < score(scored[j]) })
	if redundancyFactor > len(scored) {
		redundancyFactor = len(scored)
	}
	out := make([]string, 0, redundancyFactor)
	for _, c := range scored[:redundancyFactor] {
		out = append(out, c.ID)
	}
	return out
}

// Put stores data under key per policy: quota check, write authorization,
// peer selection, optional encryption, optional versioning, a local
// cache write, and DHT publication through the locator when one is
// attached.
func (m *Manager) Put(entity, key string, data []byte, policy Policy, candidates []PeerCandidate, createdBy string) (*DataLocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.quota != nil {
		result := m.quota.Check(entity, len(data))
		if result.Denied {
			if m.metrics != nil {
				m.metrics.QuotaViolations.WithLabelValues(result.Reason).Inc()
			}
			return nil, icnerr.New(icnerr.QuotaViolation, result.Reason)
		}
		if result.RetryAfterSecs > 0 {
			if m.metrics != nil {
				m.metrics.QuotaViolations.WithLabelValues(result.Reason).Inc()
			}
			return nil, icnerr.Throttled(result.Reason, result.RetryAfterSecs)
		}
	}

	if !contains(policy.WriteFederations, m.currentFed) {
		return nil, icnerr.New(icnerr.Authorization, "current federation is not in policy.write_federations")
	}

	peers := selectPeers(candidates, policy.RedundancyFactor, m.currentFed)

	storedBytes := data
	var encMeta *EncryptionMetadata
	if policy.EncryptionRequired {
		keyID, rawKey, err := m.encryptionKeyFor(policy)
		if err != nil {
			return nil, err
		}
		env, err := icncrypto.Encrypt(icncrypto.AESGCM256, rawKey, data, []byte(key))
		if err != nil {
			return nil, err
		}
		storedBytes = env.Ciphertext
		encMeta = &EncryptionMetadata{KeyID: keyID, IV: env.Nonce, Algorithm: env.Algorithm, Version: 1}
	}

	var existing DataLocation
	hasExisting := storage.GetJSON(m.store, locationKey(key), &existing) == nil

	loc := existing
	if !hasExisting {
		loc = DataLocation{Key: key, CreatedAt: time.Now().UTC(), Policy: policy}
	}
	loc.StoragePeers = peers
	loc.Policy = policy
	loc.ContentHash = icncrypto.HashBytes(data)
	loc.SizeBytes = len(data)
	loc.UpdatedAt = time.Now().UTC()
	loc.EncryptionMetadata = encMeta

	storageKey := key
	if policy.VersioningEnabled {
		loc.IsVersioned = true
		versionID := uuid.New().String()
		storageKey = key + "@" + versionID
		loc.Versions = append(loc.Versions, VersionInfo{
			VersionID: versionID, CreatedAt: time.Now().UTC(), Size: len(data),
			ContentHash: loc.ContentHash, StorageKey: storageKey, CreatedBy: createdBy,
		})
		if len(loc.Versions) > policy.MaxVersions {
			evicted := loc.Versions[0]
			loc.Versions = loc.Versions[1:]
			_ = m.store.Delete(blobKey(evicted.StorageKey))
		}
		loc.CurrentVersionID = versionID
	}

	if err := m.store.Put(blobKey(storageKey), storedBytes); err != nil {
		return nil, icnerr.Wrap(icnerr.Storage, "write blob", err)
	}
	if err := storage.PutJSON(m.store, locationKey(key), &loc); err != nil {
		return nil, err
	}
	if m.quota != nil {
		m.quota.RecordUsage(entity, len(data), hasExisting)
	}
	if m.locator != nil {
		if err := m.locator.PublishLocation(&loc); err != nil {
			m.log.Warnw("dht publish failed, location is local-only", "key", key, "err", err)
		}
	}
	m.log.Infow("object stored", "key", key, "size", len(data), "versioned", policy.VersioningEnabled)
	return &loc, nil
}

// Get authorizes against policy.read_federations and returns the current
// (or version-scoped) plaintext bytes. The location record is resolved
// cache-first, then through the DHT; a missing local blob falls back to
// fetching from the location's storage peers.
func (m *Manager) Get(key string, versionID string) ([]byte, error) {
	var loc DataLocation
	if err := storage.GetJSON(m.store, locationKey(key), &loc); err != nil {
		remote, lerr := m.lookupRemote(key)
		if lerr != nil {
			return nil, lerr
		}
		loc = *remote
	}
	if !contains(loc.Policy.ReadFederations, m.currentFed) {
		return nil, icnerr.New(icnerr.Authorization, "current federation is not in policy.read_federations")
	}

	storageKey := key
	if loc.IsVersioned {
		if versionID == "" {
			versionID = loc.CurrentVersionID
		}
		storageKey = key + "@" + versionID
	}

	raw, err := m.store.Get(blobKey(storageKey))
	if err != nil {
		raw, err = m.fetchFromPeers(&loc, storageKey)
		if err != nil {
			return nil, err
		}
	}

	if loc.EncryptionMetadata != nil {
		key, ok := m.keys[loc.EncryptionMetadata.KeyID]
		if !ok {
			return nil, icnerr.New(icnerr.Crypto, "federation lacks key access")
		}
		env := &icncrypto.Envelope{Algorithm: loc.EncryptionMetadata.Algorithm, Nonce: loc.EncryptionMetadata.IV, Ciphertext: raw}
		return icncrypto.Decrypt(env, key, []byte(loc.Key))
	}
	return raw, nil
}

// lookupRemote resolves a location record through the DHT and caches it
// locally for subsequent gets.
func (m *Manager) lookupRemote(key string) (*DataLocation, error) {
	if m.locator == nil {
		return nil, icnerr.New(icnerr.NotFound, "key not found")
	}
	loc, err := m.locator.LookupLocation(key)
	if err != nil || loc == nil {
		return nil, icnerr.New(icnerr.NotFound, "key not found")
	}
	_ = storage.PutJSON(m.store, locationKey(key), loc)
	return loc, nil
}

// fetchFromPeers tries each of the location's storage peers in order
// until one returns the blob, caching it locally on success.
func (m *Manager) fetchFromPeers(loc *DataLocation, storageKey string) ([]byte, error) {
	if m.fetcher == nil {
		return nil, icnerr.New(icnerr.NotFound, "version not found")
	}
	for _, peerID := range loc.StoragePeers {
		raw, err := m.fetcher.FetchBlob(peerID, storageKey)
		if err != nil {
			m.log.Debugw("peer fetch failed", "peer", peerID, "key", loc.Key, "err", err)
			continue
		}
		_ = m.store.Put(blobKey(storageKey), raw)
		return raw, nil
	}
	return nil, icnerr.New(icnerr.Transport, "no storage peer could serve the blob")
}

// requireAdmin authorizes the operations that alter an object's
// existence or history; objects are owned by their policy's admin set.
func (m *Manager) requireAdmin(loc *DataLocation) error {
	if !contains(loc.Policy.AdminFederations, m.currentFed) {
		return icnerr.New(icnerr.Authorization, "current federation is not in policy.admin_federations")
	}
	return nil
}

// Delete removes key's location record, its blob(s), and rolls back
// entity's quota usage by the location's recorded size. Usage counters
// never go below zero.
func (m *Manager) Delete(entity, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var loc DataLocation
	if err := storage.GetJSON(m.store, locationKey(key), &loc); err != nil {
		return icnerr.New(icnerr.NotFound, "key not found")
	}
	if err := m.requireAdmin(&loc); err != nil {
		return err
	}
	for _, v := range loc.Versions {
		_ = m.store.Delete(blobKey(v.StorageKey))
	}
	if !loc.IsVersioned {
		_ = m.store.Delete(blobKey(key))
	}
	if err := m.store.Delete(locationKey(key)); err != nil {
		return err
	}
	if m.quota != nil {
		m.quota.RecordDelete(entity, loc.SizeBytes)
	}
	return nil
}

// ListVersions returns a key's retained versions, oldest first.
func (m *Manager) ListVersions(key string) ([]VersionInfo, error) {
	var loc DataLocation
	if err := storage.GetJSON(m.store, locationKey(key), &loc); err != nil {
		return nil, icnerr.New(icnerr.NotFound, "key not found")
	}
	return loc.Versions, nil
}

// RevertToVersion makes versionID the current version without altering
// history.
func (m *Manager) RevertToVersion(key, versionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var loc DataLocation
	if err := storage.GetJSON(m.store, locationKey(key), &loc); err != nil {
		return icnerr.New(icnerr.NotFound, "key not found")
	}
	if err := m.requireAdmin(&loc); err != nil {
		return err
	}
	found := false
	for _, v := range loc.Versions {
		if v.VersionID == versionID {
			found = true
			break
		}
	}
	if !found {
		return icnerr.New(icnerr.NotFound, "version not found")
	}
	loc.CurrentVersionID = versionID
	return storage.PutJSON(m.store, locationKey(key), &loc)
}

// EnableVersioning turns on versioning for an existing key.
func (m *Manager) EnableVersioning(key string, maxVersions int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var loc DataLocation
	if err := storage.GetJSON(m.store, locationKey(key), &loc); err != nil {
		return icnerr.New(icnerr.NotFound, "key not found")
	}
	if err := m.requireAdmin(&loc); err != nil {
		return err
	}
	loc.Policy.VersioningEnabled = true
	loc.Policy.MaxVersions = maxVersions
	return storage.PutJSON(m.store, locationKey(key), &loc)
}
