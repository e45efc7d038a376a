package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/icn-network/icn-node/internal/icncrypto"
	"github.com/icn-network/icn-node/internal/icnerr"
	"github.com/icn-network/icn-node/internal/storage"
)

type keyVerifier struct {
	keys map[string]*icncrypto.KeyPair
}

func newKeyVerifier() *keyVerifier { return &keyVerifier{keys: make(map[string]*icncrypto.KeyPair)} }

func (v *keyVerifier) keyFor(did string) *icncrypto.KeyPair {
	kp, ok := v.keys[did]
	if !ok {
		kp, _ = icncrypto.GenerateKeyPair()
		v.keys[did] = kp
	}
	return kp
}

func (v *keyVerifier) VerifyTransferSignature(fromDID string, msg, sig []byte) bool {
	kp, ok := v.keys[fromDID]
	return ok && icncrypto.Verify(kp.Public, msg, sig)
}

func signedTx(t *testing.T, v *keyVerifier, id, from, to string, amount int64) *Transaction {
	t.Helper()
	tx := &Transaction{ID: id, FromDID: from, ToDID: to, Amount: amount, Timestamp: time.Now().UTC(), Cooperative: "coop1"}
	tx.Signature = v.keyFor(from).Sign(tx.SigningBytes())
	return tx
}

func TestTransferMovesBalance(t *testing.T) {
	v := newKeyVerifier()
	m := New(storage.NewMemoryStore(), v, nil, nil)

	_, err := m.OpenAccount("alice", "coop1", 100)
	require.NoError(t, err)
	_, err = m.OpenAccount("bob", "coop1", 100)
	require.NoError(t, err)

	require.NoError(t, m.Transfer(signedTx(t, v, "tx1", "alice", "bob", 30)))

	alice, err := m.GetAccount("alice")
	require.NoError(t, err)
	require.EqualValues(t, -30, alice.Balance)

	bob, err := m.GetAccount("bob")
	require.NoError(t, err)
	require.EqualValues(t, 30, bob.Balance)
	require.Equal(t, []string{"tx1"}, bob.Transactions)
}

func TestTransferRespectsCreditLimit(t *testing.T) {
	v := newKeyVerifier()
	m := New(storage.NewMemoryStore(), v, nil, nil)

	_, err := m.OpenAccount("alice", "coop1", 50)
	require.NoError(t, err)
	_, err = m.OpenAccount("bob", "coop1", 50)
	require.NoError(t, err)

	err = m.Transfer(signedTx(t, v, "tx1", "alice", "bob", 51))
	require.True(t, icnerr.OfKind(err, icnerr.Authorization))

	alice, _ := m.GetAccount("alice")
	require.EqualValues(t, 0, alice.Balance, "failed transfer leaves balances untouched")

	require.NoError(t, m.Transfer(signedTx(t, v, "tx2", "alice", "bob", 50)))
	alice, _ = m.GetAccount("alice")
	require.EqualValues(t, -50, alice.Balance)
	require.GreaterOrEqual(t, alice.Balance, -alice.CreditLimit)
}

func TestTransferRejectsBadSignature(t *testing.T) {
	v := newKeyVerifier()
	m := New(storage.NewMemoryStore(), v, nil, nil)
	_, _ = m.OpenAccount("alice", "coop1", 100)
	_, _ = m.OpenAccount("bob", "coop1", 100)

	tx := signedTx(t, v, "tx1", "alice", "bob", 10)
	tx.Amount = 99 // tamper after signing
	err := m.Transfer(tx)
	require.True(t, icnerr.OfKind(err, icnerr.Validation))
}

func TestTransferRejectsNonPositiveAmount(t *testing.T) {
	m := New(storage.NewMemoryStore(), nil, nil, nil)
	_, _ = m.OpenAccount("alice", "coop1", 100)
	_, _ = m.OpenAccount("bob", "coop1", 100)

	err := m.Transfer(&Transaction{ID: "tx1", FromDID: "alice", ToDID: "bob", Amount: 0})
	require.True(t, icnerr.OfKind(err, icnerr.Validation))
}

func TestDuplicateTransactionRejected(t *testing.T) {
	v := newKeyVerifier()
	m := New(storage.NewMemoryStore(), v, nil, nil)
	_, _ = m.OpenAccount("alice", "coop1", 100)
	_, _ = m.OpenAccount("bob", "coop1", 100)

	tx := signedTx(t, v, "tx1", "alice", "bob", 10)
	require.NoError(t, m.Transfer(tx))
	err := m.Transfer(tx)
	require.True(t, icnerr.OfKind(err, icnerr.Conflict))

	alice, _ := m.GetAccount("alice")
	require.EqualValues(t, -10, alice.Balance, "replay does not double-debit")
}

func TestSetCreditLimitRejectsBelowBalance(t *testing.T) {
	v := newKeyVerifier()
	m := New(storage.NewMemoryStore(), v, nil, nil)
	_, _ = m.OpenAccount("alice", "coop1", 100)
	_, _ = m.OpenAccount("bob", "coop1", 100)
	require.NoError(t, m.Transfer(signedTx(t, v, "tx1", "alice", "bob", 60)))

	err := m.SetCreditLimit("alice", 30)
	require.True(t, icnerr.OfKind(err, icnerr.Conflict))

	require.NoError(t, m.SetCreditLimit("alice", 80))
}

type captureFeedback struct{ claims []string }

func (c *captureFeedback) RecordTransactionTrust(did string, score float64, claims string) error {
	c.claims = append(c.claims, claims)
	return nil
}

func TestTransferEmitsFeedback(t *testing.T) {
	v := newKeyVerifier()
	fb := &captureFeedback{}
	m := New(storage.NewMemoryStore(), v, fb, nil)
	_, _ = m.OpenAccount("alice", "coop1", 100)
	_, _ = m.OpenAccount("bob", "coop1", 100)

	require.NoError(t, m.Transfer(signedTx(t, v, "tx1", "alice", "bob", 10)))
	require.Len(t, fb.claims, 1)
	require.Contains(t, fb.claims[0], "tx1")
}
