// Package icncrypto wraps the primitives the rest of the node signs,
// hashes, and encrypts with: Ed25519 signatures, SHA-256
// content hashes, and AEAD (AES-GCM-256 or ChaCha20-Poly1305) payload
// encryption.
package icncrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/icn-network/icn-node/internal/icnerr"
)

// Hash is a 32-byte content-addressed digest.
type Hash [32]byte

func (h Hash) String() string { return fmt.Sprintf("%x", h[:]) }

// HashBytes returns the SHA-256 digest of data.
func HashBytes(data []byte) Hash {
	return sha256.Sum256(data)
}

// KeyPair is an Ed25519 signing identity.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair produces a fresh Ed25519 keypair from the system CSPRNG.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, icnerr.Wrap(icnerr.Crypto, "generate keypair", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// Sign signs msg with the keypair's private key.
func (k *KeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.Private, msg)
}

// Verify reports whether sig is a valid signature over msg under pub.
// Never returns true for tampered msg or sig.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, icnerr.Wrap(icnerr.Crypto, "read random bytes", err)
	}
	return b, nil
}

// ConstantTimeEqual compares two byte slices in constant time.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Algorithm names the AEAD cipher used to protect a ciphertext.
type Algorithm string

const (
	AESGCM256        Algorithm = "aes-gcm-256"
	ChaCha20Poly1305 Algorithm = "chacha20-poly1305"
)

// Envelope is an encrypted payload plus everything needed to decrypt it
// given the right key. It never carries key material.
type Envelope struct {
	Algorithm  Algorithm
	Nonce      []byte
	Ciphertext []byte
}

func newAEAD(alg Algorithm, key []byte) (cipher.AEAD, error) {
	switch alg {
	case AESGCM256:
		if len(key) != 32 {
			return nil, icnerr.New(icnerr.Crypto, "AES-GCM-256 requires a 32-byte key")
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, icnerr.Wrap(icnerr.Crypto, "init AES cipher", err)
		}
		return cipher.NewGCM(block)
	case ChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, icnerr.New(icnerr.Crypto, fmt.Sprintf("unsupported algorithm %q", alg))
	}
}

// Encrypt seals plaintext under key with a freshly generated nonce. Each
// call produces a unique nonce; the returned ciphertext carries its own
// authentication tag.
func Encrypt(alg Algorithm, key, plaintext, additionalData []byte) (*Envelope, error) {
	aead, err := newAEAD(alg, key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, icnerr.Wrap(icnerr.Crypto, "generate nonce", err)
	}
	ct := aead.Seal(nil, nonce, plaintext, additionalData)
	return &Envelope{Algorithm: alg, Nonce: nonce, Ciphertext: ct}, nil
}

// Decrypt opens an envelope. It returns a Crypto-kind error distinguishing
// a malformed/short ciphertext from a tag-verification (wrong key or
// corrupt data) failure where that distinction is derivable.
func Decrypt(env *Envelope, key, additionalData []byte) ([]byte, error) {
	aead, err := newAEAD(env.Algorithm, key)
	if err != nil {
		return nil, err
	}
	if len(env.Nonce) != aead.NonceSize() {
		return nil, icnerr.New(icnerr.Crypto, "corrupt ciphertext: invalid nonce length")
	}
	pt, err := aead.Open(nil, env.Nonce, env.Ciphertext, additionalData)
	if err != nil {
		return nil, icnerr.Wrap(icnerr.Crypto, "decrypt: wrong key or corrupt ciphertext", err)
	}
	return pt, nil
}
