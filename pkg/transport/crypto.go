package transport

import (
	"crypto/rand"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// MessageEncryption is the optional per-connection confidentiality and
// integrity layer spec §4.8 treats as an external collaborator: "any
// algorithm offering AEAD semantics over a pre-shared or negotiated
// key may be substituted." X25519KeyPair below supplies the concrete
// key agreement this peer ships with.
type MessageEncryption interface {
	// SetKey installs the 32-byte shared secret (or pre-shared key)
	// this connection will encrypt and decrypt with.
	SetKey(key []byte) error
	// Encrypt seals plaintext, returning nonce||ciphertext||tag.
	Encrypt(plaintext []byte) ([]byte, error)
	// Decrypt opens a nonce||ciphertext||tag frame produced by Encrypt.
	Decrypt(sealed []byte) ([]byte, error)
	// Destroy wipes key material from memory. Safe to call more than
	// once.
	Destroy()
}

// ChaCha20Poly1305Encryption is the default MessageEncryption
// implementation: an AEAD cipher keyed by a 32-byte secret locked in
// guarded memory for the lifetime of the connection, grounded on
// katzenpost's memguard.LockedBuffer key-material pattern
// (core/ratchet.go's savedKeys handling) generalized from the Noise
// ratchet's per-message key derivation to a single per-connection AEAD
// key.
type ChaCha20Poly1305Encryption struct {
	key *memguard.LockedBuffer
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
		Overhead() int
	}
}

// NewChaCha20Poly1305Encryption returns an encryptor with no key
// installed; SetKey must be called before Encrypt/Decrypt.
func NewChaCha20Poly1305Encryption() *ChaCha20Poly1305Encryption {
	return &ChaCha20Poly1305Encryption{}
}

func (e *ChaCha20Poly1305Encryption) SetKey(key []byte) error {
	if len(key) != chacha20poly1305.KeySize {
		return fmt.Errorf("transport: encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	e.Destroy()
	e.key = memguard.NewBufferFromBytes(append([]byte(nil), key...))
	aead, err := chacha20poly1305.New(e.key.Bytes())
	if err != nil {
		return fmt.Errorf("transport: initialize AEAD: %w", err)
	}
	e.aead = aead
	return nil
}

func (e *ChaCha20Poly1305Encryption) Encrypt(plaintext []byte) ([]byte, error) {
	if e.aead == nil {
		return nil, ErrEncryptionFailure
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("transport: generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, plaintext, nil)
	return sealed, nil
}

func (e *ChaCha20Poly1305Encryption) Decrypt(sealed []byte) ([]byte, error) {
	if e.aead == nil {
		return nil, ErrEncryptionFailure
	}
	n := e.aead.NonceSize()
	if len(sealed) < n {
		return nil, ErrEncryptionFailure
	}
	nonce, ciphertext := sealed[:n], sealed[n:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrEncryptionFailure
	}
	return plaintext, nil
}

func (e *ChaCha20Poly1305Encryption) Destroy() {
	if e.key != nil {
		e.key.Destroy()
		e.key = nil
	}
	e.aead = nil
}

// X25519KeyPair is one side of the Diffie-Hellman exchange spec
// §4.8 specifies as an external collaborator producing a shared
// secret from each side's key pair; X25519 substitutes for the
// reference implementation's classic (finite-field) DH since only the
// shared-secret contract, not the specific primitive, is in scope.
type X25519KeyPair struct {
	private *memguard.LockedBuffer
	Public  [32]byte
}

// GenerateX25519KeyPair creates a fresh ephemeral key pair for one
// handshake.
func GenerateX25519KeyPair() (*X25519KeyPair, error) {
	priv := make([]byte, 32)
	if _, err := rand.Read(priv); err != nil {
		return nil, fmt.Errorf("transport: generate private scalar: %w", err)
	}
	kp := &X25519KeyPair{private: memguard.NewBufferFromBytes(priv)}
	pub, err := curve25519.X25519(kp.private.Bytes(), curve25519.Basepoint)
	if err != nil {
		kp.private.Destroy()
		return nil, fmt.Errorf("transport: derive public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret computes the 32-byte shared secret from this key pair's
// private scalar and the remote party's public key, suitable for
// direct use as a ChaCha20Poly1305Encryption key.
func (kp *X25519KeyPair) SharedSecret(remotePublic [32]byte) ([]byte, error) {
	secret, err := curve25519.X25519(kp.private.Bytes(), remotePublic[:])
	if err != nil {
		return nil, fmt.Errorf("transport: compute shared secret: %w", err)
	}
	return secret, nil
}

// Destroy wipes the private scalar.
func (kp *X25519KeyPair) Destroy() {
	if kp.private != nil {
		kp.private.Destroy()
		kp.private = nil
	}
}
