// Package ledger implements the mutual-credit accounts federation
// economies settle through: signed transfers between member accounts,
// bounded below by each account's credit limit. Transfers serialize
// under one lock so the credit bound is checked and applied atomically.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/icn-network/icn-node/internal/icnerr"
	"github.com/icn-network/icn-node/internal/storage"
)

// MemberAccount is one member's standing balance within a cooperative.
// Invariant: Balance >= -CreditLimit at all times.
type MemberAccount struct {
	DID             string    `json:"did"`
	Cooperative     string    `json:"cooperative"`
	Balance         int64     `json:"balance"`
	CreditLimit     int64     `json:"credit_limit"`
	LastUpdated     time.Time `json:"last_updated"`
	Transactions    []string  `json:"transactions"`
	ReputationScore *float64  `json:"reputation_score,omitempty"`
}

// Transaction is a signed transfer of mutual credit between two members.
type Transaction struct {
	ID          string    `json:"id"`
	FromDID     string    `json:"from_did"`
	ToDID       string    `json:"to_did"`
	Amount      int64     `json:"amount"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description,omitempty"`
	Signature   []byte    `json:"signature"`
	Cooperative string    `json:"cooperative"`
}

// SigningBytes returns the bytes a Transaction's signature is computed
// over: everything except the signature itself.
func (t *Transaction) SigningBytes() []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%d|%d|%s|%s",
		t.ID, t.FromDID, t.ToDID, t.Amount, t.Timestamp.Unix(), t.Description, t.Cooperative))
}

// SignatureVerifier checks a transfer's signature under the sender's DID.
// Concrete implementations resolve through the identity subsystem.
type SignatureVerifier interface {
	VerifyTransferSignature(fromDID string, msg, sig []byte) bool
}

// Feedback receives the attestation side effects of economic activity;
// completed transfers feed back into the sender's trust standing.
type Feedback interface {
	RecordTransactionTrust(did string, score float64, claims string) error
}

// Manager owns the process-wide account table. Transfers serialize under
// one lock so the credit bound is checked and applied atomically.
type Manager struct {
	mu       sync.Mutex
	store    storage.Store
	verifier SignatureVerifier
	feedback Feedback
	log      *zap.SugaredLogger
}

// New constructs a ledger Manager. verifier and feedback may be nil;
// transfers are then accepted unsigned and produce no attestations
// (tests and bootstrap only).
func New(store storage.Store, verifier SignatureVerifier, feedback Feedback, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, verifier: verifier, feedback: feedback, log: logger.Sugar()}
}

func accountKey(did string) []byte { return []byte("ledger:account:" + did) }
func txKey(id string) []byte       { return []byte("ledger:tx:" + id) }

// OpenAccount creates a zero-balance account for did with the given
// credit limit. Fails Conflict if the account already exists.
func (m *Manager) OpenAccount(did, cooperative string, creditLimit int64) (*MemberAccount, error) {
	if creditLimit < 0 {
		return nil, icnerr.New(icnerr.Validation, "credit limit must be non-negative")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if exists, _ := m.store.Exists(accountKey(did)); exists {
		return nil, icnerr.New(icnerr.Conflict, "account already exists")
	}
	acct := &MemberAccount{
		DID:         did,
		Cooperative: cooperative,
		CreditLimit: creditLimit,
		LastUpdated: time.Now().UTC(),
	}
	if err := storage.PutJSON(m.store, accountKey(did), acct); err != nil {
		return nil, err
	}
	m.log.Infow("account opened", "did", did, "cooperative", cooperative, "credit_limit", creditLimit)
	return acct, nil
}

// GetAccount returns did's account.
func (m *Manager) GetAccount(did string) (*MemberAccount, error) {
	var acct MemberAccount
	if err := storage.GetJSON(m.store, accountKey(did), &acct); err != nil {
		return nil, icnerr.New(icnerr.NotFound, "account not found")
	}
	return &acct, nil
}

// SetCreditLimit adjusts an account's credit limit — the execution target
// of a CreditLimitAdjust proposal. The new limit must still admit the
// current balance.
func (m *Manager) SetCreditLimit(did string, creditLimit int64) error {
	if creditLimit < 0 {
		return icnerr.New(icnerr.Validation, "credit limit must be non-negative")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var acct MemberAccount
	if err := storage.GetJSON(m.store, accountKey(did), &acct); err != nil {
		return icnerr.New(icnerr.NotFound, "account not found")
	}
	if acct.Balance < -creditLimit {
		return icnerr.New(icnerr.Conflict, "current balance exceeds the new credit limit")
	}
	acct.CreditLimit = creditLimit
	acct.LastUpdated = time.Now().UTC()
	return storage.PutJSON(m.store, accountKey(did), &acct)
}

// Transfer applies tx: validates the amount and signature, checks the
// sender's credit bound after the debit, and persists both accounts plus
// the transaction record under one lock.
func (m *Manager) Transfer(tx *Transaction) error {
	if tx.Amount <= 0 {
		return icnerr.New(icnerr.Validation, "amount must be positive")
	}
	if tx.FromDID == tx.ToDID {
		return icnerr.New(icnerr.Validation, "sender and receiver must differ")
	}
	if m.verifier != nil && !m.verifier.VerifyTransferSignature(tx.FromDID, tx.SigningBytes(), tx.Signature) {
		return icnerr.New(icnerr.Validation, "invalid transaction signature")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if exists, _ := m.store.Exists(txKey(tx.ID)); exists {
		return icnerr.New(icnerr.Conflict, "transaction already applied")
	}

	var from, to MemberAccount
	if err := storage.GetJSON(m.store, accountKey(tx.FromDID), &from); err != nil {
		return icnerr.New(icnerr.NotFound, "sender account not found")
	}
	if err := storage.GetJSON(m.store, accountKey(tx.ToDID), &to); err != nil {
		return icnerr.New(icnerr.NotFound, "receiver account not found")
	}

	if from.Balance-tx.Amount < -from.CreditLimit {
		return icnerr.New(icnerr.Authorization, "transfer would exceed the sender's credit limit")
	}

	now := time.Now().UTC()
	from.Balance -= tx.Amount
	from.LastUpdated = now
	from.Transactions = append(from.Transactions, tx.ID)
	to.Balance += tx.Amount
	to.LastUpdated = now
	to.Transactions = append(to.Transactions, tx.ID)

	if err := storage.PutJSON(m.store, txKey(tx.ID), tx); err != nil {
		return err
	}
	if err := storage.PutJSON(m.store, accountKey(tx.FromDID), &from); err != nil {
		return err
	}
	if err := storage.PutJSON(m.store, accountKey(tx.ToDID), &to); err != nil {
		return err
	}
	m.log.Infow("transfer applied", "tx", tx.ID, "from", tx.FromDID, "to", tx.ToDID, "amount", tx.Amount)

	if m.feedback != nil {
		_ = m.feedback.RecordTransactionTrust(tx.FromDID, 0.4, "completed transaction "+tx.ID)
	}
	return nil
}

// GetTransaction returns a previously applied transaction by id.
func (m *Manager) GetTransaction(id string) (*Transaction, error) {
	var tx Transaction
	if err := storage.GetJSON(m.store, txKey(id), &tx); err != nil {
		return nil, icnerr.New(icnerr.NotFound, "transaction not found")
	}
	return &tx, nil
}

// Transactions returns an account's applied transactions, oldest first.
func (m *Manager) Transactions(did string) ([]*Transaction, error) {
	acct, err := m.GetAccount(did)
	if err != nil {
		return nil, err
	}
	out := make([]*Transaction, 0, len(acct.Transactions))
	for _, id := range acct.Transactions {
		var tx Transaction
		if err := storage.GetJSON(m.store, txKey(id), &tx); err == nil {
			out = append(out, &tx)
		}
	}
	return out, nil
}
