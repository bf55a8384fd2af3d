// Ed25519 signing for the resolver provider key: the long-term identity
// that signs each short-term certificate a client verifies before trusting
// an encryption key.

package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

const (
	// Ed25519PublicKeySize is the size of Ed25519 public keys in bytes.
	Ed25519PublicKeySize = 32

	// Ed25519PrivateKeySize is the size of Ed25519 private keys in bytes.
	// Note: ed25519.PrivateKey is 64 bytes (seed + public key), but we store
	// only the 32-byte seed and derive the full key when needed.
	Ed25519PrivateKeySize = 64

	// Ed25519SeedSize is the size of an Ed25519 seed (private key seed) in bytes.
	Ed25519SeedSize = 32

	// Ed25519SignatureSize is the size of Ed25519 signatures in bytes.
	Ed25519SignatureSize = 64
)

// SigningKeypair holds the provider's Ed25519 keypair. Its public half is
// published out of band (e.g. in an sdns:// stamp); its private half signs
// every certificate minted by the rotation manager.
type SigningKeypair struct {
	PublicKey  [Ed25519PublicKeySize]byte
	PrivateKey [Ed25519PrivateKeySize]byte
}

// GenerateSigningKeypair generates a new provider Ed25519 keypair.
func GenerateSigningKeypair() (*SigningKeypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}

	kp := &SigningKeypair{}
	copy(kp.PublicKey[:], pub)
	copy(kp.PrivateKey[:], priv)

	return kp, nil
}

// SigningKeypairFromSeed reconstructs the provider keypair from its stored
// 32-byte seed, as persisted by internal/state.
func SigningKeypairFromSeed(seed [Ed25519SeedSize]byte) *SigningKeypair {
	priv := ed25519.NewKeyFromSeed(seed[:])
	pub := priv.Public().(ed25519.PublicKey)

	kp := &SigningKeypair{}
	copy(kp.PublicKey[:], pub)
	copy(kp.PrivateKey[:], priv)

	return kp
}

// PublicKeyFromPrivate derives the Ed25519 public key from a private key.
func PublicKeyFromPrivate(privateKey [Ed25519PrivateKeySize]byte) [Ed25519PublicKeySize]byte {
	priv := ed25519.PrivateKey(privateKey[:])
	pub := priv.Public().(ed25519.PublicKey)

	var pubKey [Ed25519PublicKeySize]byte
	copy(pubKey[:], pub)
	return pubKey
}

// Sign signs the certificate's signed fields with the provider private key.
func Sign(privateKey [Ed25519PrivateKeySize]byte, message []byte) [Ed25519SignatureSize]byte {
	priv := ed25519.PrivateKey(privateKey[:])
	sig := ed25519.Sign(priv, message)

	var signature [Ed25519SignatureSize]byte
	copy(signature[:], sig)
	return signature
}

// Verify checks a certificate signature against the provider public key.
func Verify(publicKey [Ed25519PublicKeySize]byte, message []byte, signature [Ed25519SignatureSize]byte) bool {
	pub := ed25519.PublicKey(publicKey[:])
	return ed25519.Verify(pub, message, signature[:])
}

// IsZeroSignature reports whether a signature is all zeros (unsigned).
func IsZeroSignature(signature [Ed25519SignatureSize]byte) bool {
	for _, b := range signature {
		if b != 0 {
			return false
		}
	}
	return true
}

// ZeroSigningKey zeroes out a signing private key array.
func ZeroSigningKey(k *[Ed25519PrivateKeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}
