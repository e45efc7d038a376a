// Package reputation implements multi-party signed attestations, the
// indirect trust graph, Sybil indicators, and trust-score composition.
// Attestations persist as JSON records in the shared key-value store;
// every derived score is recomputed from them on demand.
package reputation

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/icn-network/icn-node/internal/icncrypto"
	"github.com/icn-network/icn-node/internal/icnerr"
	"github.com/icn-network/icn-node/internal/metrics"
	"github.com/icn-network/icn-node/internal/storage"
)

// AttestationType enumerates the kinds of claims an attestation can carry.
type AttestationType string

const (
	CooperativeVerification AttestationType = "CooperativeVerification"
	MemberVerification      AttestationType = "MemberVerification"
	TransactionTrust        AttestationType = "TransactionTrust"
	GovernanceQuality       AttestationType = "GovernanceQuality"
	ResourceReliability     AttestationType = "ResourceReliability"
	GeneralTrust            AttestationType = "GeneralTrust"
)

// Signature is one party's endorsement of an attestation.
type Signature struct {
	SignerDID string    `json:"signer_did"`
	Bytes     []byte    `json:"bytes"`
	Timestamp time.Time `json:"timestamp"`
	Revoked   bool      `json:"revoked"`
}

// Attestation is a multi-party signed statement about a subject DID.
type Attestation struct {
	ID              string          `json:"id"`
	IssuerDID       string          `json:"issuer_did"`
	SubjectDID      string          `json:"subject_did"`
	Type            AttestationType `json:"type"`
	Score           float64         `json:"score"`
	Claims          string          `json:"claims"`
	Evidence        []string        `json:"evidence"`
	Signatures      []Signature     `json:"signatures"`
	QuorumThreshold int             `json:"quorum_threshold"`
	CreatedAt       time.Time       `json:"created_at"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	Revoked         bool            `json:"revoked"`
}

func (a *Attestation) nonRevokedSignatureCount() int {
	n := 0
	for _, s := range a.Signatures {
		if !s.Revoked {
			n++
		}
	}
	return n
}

func (a *Attestation) isExpired(now time.Time) bool {
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

// HasReachedQuorum reports whether enough non-revoked signatures exist.
func (a *Attestation) HasReachedQuorum() bool {
	return a.nonRevokedSignatureCount() >= a.QuorumThreshold
}

// IsValid reports whether the attestation is unexpired, non-revoked, and
// quorum-reached.
func (a *Attestation) IsValid(now time.Time) bool {
	return !a.Revoked && !a.isExpired(now) && a.HasReachedQuorum()
}

type signer interface {
	Sign(did string, msg []byte) ([]byte, error)
}

// Manager owns the process-wide attestation table, held by the
// top-level node rather than as package state.
type Manager struct {
	mu      sync.RWMutex
	store   storage.Store
	signer  signer
	metrics *metrics.Registry
	log     *zap.SugaredLogger
}

// SetMetrics attaches the node's metric collectors.
func (m *Manager) SetMetrics(reg *metrics.Registry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = reg
}

// New constructs an attestation Manager. signer is used to produce the
// issuer's first signature at creation time (typically the identity
// Service).
func New(store storage.Store, signer signer, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, signer: signer, log: logger.Sugar()}
}

func attestationKey(id string) []byte { return []byte("reputation:attestation:" + id) }

// attestationID formats `att:<issuer>:<subject>:<timestamp_secs>`.
func attestationID(issuer, subject string, at time.Time) string {
	return fmt.Sprintf("att:%s:%s:%d", issuer, subject, at.Unix())
}

// unsignedBytes is what each signature is computed over.
func unsignedBytes(a *Attestation) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%f|%s", a.IssuerDID, a.SubjectDID, a.Type, a.Score, a.Claims))
}

// Create signs a new attestation with the issuer's key and persists it
// with one signature.
func (m *Manager) Create(issuerDID, subjectDID string, typ AttestationType, score float64, claims string, evidence []string, quorumThreshold int, expirationDays *int) (*Attestation, error) {
	if score < 0 || score > 1 {
		return nil, icnerr.New(icnerr.Validation, "score out of range [0,1]")
	}
	now := time.Now().UTC()
	a := &Attestation{
		ID:              attestationID(issuerDID, subjectDID, now),
		IssuerDID:       issuerDID,
		SubjectDID:      subjectDID,
		Type:            typ,
		Score:           score,
		Claims:          claims,
		Evidence:        evidence,
		QuorumThreshold: quorumThreshold,
		CreatedAt:       now,
	}
	if expirationDays != nil {
		exp := now.AddDate(0, 0, *expirationDays)
		a.ExpiresAt = &exp
	}

	sigBytes, err := m.signer.Sign(issuerDID, unsignedBytes(a))
	if err != nil {
		return nil, err
	}
	a.Signatures = append(a.Signatures, Signature{SignerDID: issuerDID, Bytes: sigBytes, Timestamp: now})

	if err := storage.PutJSON(m.store, attestationKey(a.ID), a); err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.AttestationsTotal.Inc()
	}
	m.log.Infow("attestation created", "id", a.ID, "issuer", issuerDID, "subject", subjectDID)
	return a, nil
}

// Sign appends a co-signature to an existing, non-revoked, unexpired
// attestation.
func (m *Manager) Sign(attestationID string, signerDID string, sigBytes []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var a Attestation
	if err := storage.GetJSON(m.store, attestationKey(attestationID), &a); err != nil {
		return icnerr.New(icnerr.NotFound, "attestation not found")
	}
	if a.Revoked {
		return icnerr.New(icnerr.Authorization, "attestation revoked")
	}
	if a.isExpired(time.Now().UTC()) {
		return icnerr.New(icnerr.Expired, "attestation expired")
	}
	a.Signatures = append(a.Signatures, Signature{SignerDID: signerDID, Bytes: sigBytes, Timestamp: time.Now().UTC()})
	return storage.PutJSON(m.store, attestationKey(attestationID), &a)
}

// Revoke marks an attestation revoked. Only callable by the issuer.
func (m *Manager) Revoke(attestationID, callerDID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var a Attestation
	if err := storage.GetJSON(m.store, attestationKey(attestationID), &a); err != nil {
		return icnerr.New(icnerr.NotFound, "attestation not found")
	}
	if a.IssuerDID != callerDID {
		return icnerr.New(icnerr.Authorization, "only the issuer may revoke")
	}
	a.Revoked = true
	return storage.PutJSON(m.store, attestationKey(attestationID), &a)
}

// GetForSubject scans the attestation keyspace, skipping revoked entries.
func (m *Manager) GetForSubject(subjectDID string) ([]*Attestation, error) {
	keys, err := m.store.List([]byte("reputation:attestation:"))
	if err != nil {
		return nil, err
	}
	var out []*Attestation
	for _, k := range keys {
		var a Attestation
		if err := storage.GetJSON(m.store, k, &a); err != nil {
			continue
		}
		if a.Revoked || a.SubjectDID != subjectDID {
			continue
		}
		cp := a
		out = append(out, &cp)
	}
	return out, nil
}

// SignWithKeypair is a convenience adapter for callers holding a raw
// keypair rather than an identity.Service (used by tests and by peers
// co-signing an attestation they didn't create).
func SignWithKeypair(kp *icncrypto.KeyPair, a *Attestation) []byte {
	return kp.Sign(unsignedBytes(a))
}
