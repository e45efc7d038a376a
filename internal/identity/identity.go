// Package identity implements federated decentralized identifiers:
// DID creation/resolution/update/deactivation, verification methods,
// credentials, and authentication challenges. The Service wraps a
// namespaced storage backend under a mutex; remote federations are
// reached through a FederationClient.
package identity

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/icn-network/icn-node/internal/icncrypto"
	"github.com/icn-network/icn-node/internal/icnerr"
	"github.com/icn-network/icn-node/internal/storage"
)

const defaultFederation = "local"

// VerificationMethod binds a key to a DID document.
type VerificationMethod struct {
	ID                 string `json:"id"`
	Controller         string `json:"controller"`
	Type               string `json:"type"`
	PublicKeyMaterial  []byte `json:"public_key_material"`
}

// DidDocument is the resolvable record for a DID.
type DidDocument struct {
	ID                 string                `json:"id"`
	VerificationMethods []VerificationMethod `json:"verification_methods"`
	Authentication     []string              `json:"authentication"`
	AssertionMethod    []string              `json:"assertion_method"`
	KeyAgreement       []string              `json:"key_agreement"`
	Services           []string              `json:"services"`
}

// Credential is an immutable signed claim issued by one DID about another.
type Credential struct {
	ID         string          `json:"id"`
	IssuerDID  string          `json:"issuer_did"`
	SubjectDID string          `json:"subject_did"`
	Claims     json.RawMessage `json:"claims"`
	Signature  []byte          `json:"signature"`
	IssuedAt   time.Time       `json:"issued_at"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty"`
}

// unsignedBytes returns the bytes a Credential's signature is computed over.
func (c *Credential) unsignedBytes() []byte {
	cp := *c
	cp.Signature = nil
	raw, _ := json.Marshal(cp)
	return raw
}

// ResolutionResult is returned by Resolve, mirroring a DID-resolution
// response envelope: the document when found, plus error metadata.
type ResolutionResult struct {
	Document         *DidDocument `json:"document,omitempty"`
	DocumentMetadata map[string]any `json:"document_metadata,omitempty"`
	ResolutionError  string       `json:"resolution_error,omitempty"`
}

// AuthChallenge is a time-bounded authentication nonce for a DID.
type AuthChallenge struct {
	DID       string    `json:"did"`
	MethodID  string    `json:"method_id"`
	Nonce     []byte    `json:"nonce"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AuthResponse answers an AuthChallenge.
type AuthResponse struct {
	DID       string `json:"did"`
	MethodID  string `json:"method_id"`
	Nonce     []byte `json:"nonce"`
	Signature []byte `json:"signature"`
}

// FederationClient resolves DIDs owned by other federations. Concrete
// implementations live outside this package.
type FederationClient interface {
	ResolveRemote(did string) (*DidDocument, error)
	PushRemote(doc *DidDocument) error
	NotifyDeactivation(did string) error
}

// CreateOptions parameterizes DID creation.
type CreateOptions struct {
	Federation string
	Register   bool
}

type keyStore interface {
	Put(controller string, kp *icncrypto.KeyPair)
	Get(controller string) (*icncrypto.KeyPair, bool)
}

type memKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*icncrypto.KeyPair
}

func newMemKeyStore() *memKeyStore { return &memKeyStore{keys: make(map[string]*icncrypto.KeyPair)} }

func (m *memKeyStore) Put(controller string, kp *icncrypto.KeyPair) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[controller] = kp
}

func (m *memKeyStore) Get(controller string) (*icncrypto.KeyPair, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kp, ok := m.keys[controller]
	return kp, ok
}

// Service is the node-local identity subsystem. One Service is owned by
// the top-level node structure; it is never a free-floating
// package singleton.
type Service struct {
	mu         sync.RWMutex
	store      storage.Store
	federation FederationClient
	keys       keyStore
	challenges map[string]*AuthChallenge
	log        *zap.SugaredLogger
}

// New constructs an identity Service over the given storage backend. The
// FederationClient may be nil; remote resolution then always misses.
func New(store storage.Store, fc FederationClient, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:      store,
		federation: fc,
		keys:       newMemKeyStore(),
		challenges: make(map[string]*AuthChallenge),
		log:        logger.Sugar(),
	}
}

func didKey(did string) []byte { return []byte("identity:did:" + did) }

// FederationOf extracts the federation segment from a DID. For
// did:icn:<fed>:<id> it is the third segment; for did:icn:<id> it is
// "local".
func FederationOf(did string) string {
	parts := strings.Split(did, ":")
	if len(parts) >= 4 && parts[0] == "did" && parts[1] == "icn" {
		return parts[2]
	}
	return defaultFederation
}

func buildDID(federation, id string) string {
	if federation == "" || federation == defaultFederation {
		return fmt.Sprintf("did:icn:%s", id)
	}
	return fmt.Sprintf("did:icn:%s:%s", federation, id)
}

// Create generates a keypair, assembles a DID document, optionally
// registers it with the federation, and stores it locally.
func (s *Service) Create(opts CreateOptions) (string, *DidDocument, error) {
	kp, err := icncrypto.GenerateKeyPair()
	if err != nil {
		return "", nil, err
	}
	id := uuid.New().String()
	did := buildDID(opts.Federation, id)
	methodID := did + "#key-1"

	doc := &DidDocument{
		ID: did,
		VerificationMethods: []VerificationMethod{{
			ID:                methodID,
			Controller:        did,
			Type:              "Ed25519VerificationKey2020",
			PublicKeyMaterial: kp.Public,
		}},
		Authentication:  []string{methodID},
		AssertionMethod: []string{methodID},
	}

	s.keys.Put(did, kp)

	if opts.Register && s.federation != nil {
		if err := s.federation.PushRemote(doc); err != nil {
			return "", nil, icnerr.Wrap(icnerr.Transport, "register did with federation", err)
		}
	}

	if err := storage.PutJSON(s.store, didKey(did), doc); err != nil {
		return "", nil, err
	}
	s.log.Infow("did created", "did", did)
	return did, doc, nil
}

// Resolve looks the DID up locally first; on miss it extracts the
// federation prefix and queries the federation client.
func (s *Service) Resolve(did string) ResolutionResult {
	var doc DidDocument
	if err := storage.GetJSON(s.store, didKey(did), &doc); err == nil {
		return ResolutionResult{Document: &doc}
	}

	if s.federation == nil {
		return ResolutionResult{ResolutionError: icnerr.NotFound.String()}
	}
	remote, err := s.federation.ResolveRemote(did)
	if err != nil || remote == nil {
		return ResolutionResult{ResolutionError: icnerr.NotFound.String()}
	}
	return ResolutionResult{Document: remote, DocumentMetadata: map[string]any{"source": "federation"}}
}

// CacheDocument stores a document announced by another node so later
// resolutions hit locally. The document is cached as-is; it carries its
// controller's keys, which every verification path re-checks.
func (s *Service) CacheDocument(doc *DidDocument) error {
	if doc == nil || doc.ID == "" {
		return icnerr.New(icnerr.Validation, "document has no id")
	}
	return storage.PutJSON(s.store, didKey(doc.ID), doc)
}

// Update replaces a DID's document. Only the document's own controller
// key may perform this; callers authenticate via VerifySignature before
// calling Update.
func (s *Service) Update(did string, doc *DidDocument) error {
	if doc.ID != did {
		return icnerr.New(icnerr.Validation, "document id does not match requested did")
	}
	if s.federation != nil {
		if err := s.federation.PushRemote(doc); err != nil {
			return icnerr.Wrap(icnerr.Transport, "push updated did", err)
		}
	}
	if err := storage.PutJSON(s.store, didKey(did), doc); err != nil {
		return err
	}
	s.log.Infow("did updated", "did", did)
	return nil
}

// Deactivate notifies the federation then removes the local copy.
func (s *Service) Deactivate(did string) error {
	if s.federation != nil {
		if err := s.federation.NotifyDeactivation(did); err != nil {
			return icnerr.Wrap(icnerr.Transport, "notify deactivation", err)
		}
	}
	if err := s.store.Delete(didKey(did)); err != nil {
		return err
	}
	s.log.Infow("did deactivated", "did", did)
	return nil
}

// CreateAuthenticationChallenge issues a random nonce bound to a DID's
// verification method, expiring after ttl.
func (s *Service) CreateAuthenticationChallenge(did, methodID string, ttl time.Duration) (*AuthChallenge, error) {
	res := s.Resolve(did)
	if res.Document == nil {
		return nil, icnerr.New(icnerr.NotFound, "did not found")
	}
	if methodID == "" {
		if len(res.Document.Authentication) == 0 {
			return nil, icnerr.New(icnerr.Validation, "document has no authentication methods")
		}
		methodID = res.Document.Authentication[0]
	}
	nonce, err := icncrypto.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	ch := &AuthChallenge{DID: did, MethodID: methodID, Nonce: nonce, ExpiresAt: time.Now().UTC().Add(ttl)}

	s.mu.Lock()
	s.challenges[did+":"+methodID] = ch
	s.mu.Unlock()
	return ch, nil
}

// VerifyAuthentication checks expiry then the signature over the nonce
// under the document's verification method.
func (s *Service) VerifyAuthentication(resp *AuthResponse) (bool, error) {
	s.mu.RLock()
	ch, ok := s.challenges[resp.DID+":"+resp.MethodID]
	s.mu.RUnlock()
	if !ok {
		return false, icnerr.New(icnerr.NotFound, "no outstanding challenge")
	}
	if time.Now().UTC().After(ch.ExpiresAt) {
		return false, icnerr.New(icnerr.Expired, "authentication challenge expired")
	}
	if !icncrypto.ConstantTimeEqual(ch.Nonce, resp.Nonce) {
		return false, icnerr.New(icnerr.Validation, "nonce mismatch")
	}

	res := s.Resolve(resp.DID)
	if res.Document == nil {
		return false, icnerr.New(icnerr.NotFound, "did not found")
	}
	pub, err := methodPublicKey(res.Document, resp.MethodID)
	if err != nil {
		return false, err
	}
	ok = icncrypto.Verify(pub, resp.Nonce, resp.Signature)

	s.mu.Lock()
	delete(s.challenges, resp.DID+":"+resp.MethodID)
	s.mu.Unlock()
	return ok, nil
}

func methodPublicKey(doc *DidDocument, methodID string) ([]byte, error) {
	for _, vm := range doc.VerificationMethods {
		if vm.ID == methodID {
			return vm.PublicKeyMaterial, nil
		}
	}
	return nil, icnerr.New(icnerr.NotFound, "verification method not found")
}

// Sign signs msg using the local keypair associated with did.
func (s *Service) Sign(did string, msg []byte) ([]byte, error) {
	kp, ok := s.keys.Get(did)
	if !ok {
		return nil, icnerr.New(icnerr.NotFound, "no local key for did")
	}
	return kp.Sign(msg), nil
}

// VerifySignature resolves did's document and checks sig over msg under
// methodID's public key.
func (s *Service) VerifySignature(did, methodID string, msg, sig []byte) (bool, error) {
	res := s.Resolve(did)
	if res.Document == nil {
		return false, icnerr.New(icnerr.NotFound, "did not found")
	}
	pub, err := methodPublicKey(res.Document, methodID)
	if err != nil {
		return false, err
	}
	return icncrypto.Verify(pub, msg, sig), nil
}

// IssueCredential signs claims as issuerDID about subjectDID.
func (s *Service) IssueCredential(issuerDID, subjectDID string, claims json.RawMessage, expiresAt *time.Time) (*Credential, error) {
	cred := &Credential{
		ID:         uuid.New().String(),
		IssuerDID:  issuerDID,
		SubjectDID: subjectDID,
		Claims:     claims,
		IssuedAt:   time.Now().UTC(),
		ExpiresAt:  expiresAt,
	}
	sig, err := s.Sign(issuerDID, cred.unsignedBytes())
	if err != nil {
		return nil, err
	}
	cred.Signature = sig
	return cred, nil
}

// VerifyCredential resolves the issuer's DID and checks the signature
// over the unsigned serialization.
func (s *Service) VerifyCredential(cred *Credential) (bool, error) {
	if cred.ExpiresAt != nil && time.Now().UTC().After(*cred.ExpiresAt) {
		return false, icnerr.New(icnerr.Expired, "credential expired")
	}
	res := s.Resolve(cred.IssuerDID)
	if res.Document == nil || len(res.Document.AssertionMethod) == 0 {
		return false, icnerr.New(icnerr.NotFound, "issuer did not found")
	}
	pub, err := methodPublicKey(res.Document, res.Document.AssertionMethod[0])
	if err != nil {
		return false, err
	}
	return icncrypto.Verify(pub, cred.unsignedBytes(), cred.Signature), nil
}
