// Package crypto provides the DNSCrypt v2 cryptographic primitives:
// X25519 key agreement and the two AEAD constructions DNSCrypt resolvers
// may advertise, XSalsa20-Poly1305 and XChaCha20-Poly1305.
package crypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

const (
	// KeySize is the size of X25519 keys in bytes.
	KeySize = 32

	// NonceSize is the size of a full DNSCrypt nonce (client half || server half).
	NonceSize = 24

	// TagSize is the size of the Poly1305 authentication tag in bytes.
	TagSize = 16
)

// GenerateKeypair generates a new X25519 keypair, used for the resolver's
// short-term encryption key pair bound into a certificate.
func GenerateKeypair() (privateKey, publicKey [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, privateKey[:]); err != nil {
		return privateKey, publicKey, fmt.Errorf("generate private key: %w", err)
	}

	// Clamp the private key per the X25519 spec.
	privateKey[0] &= 248
	privateKey[31] &= 127
	privateKey[31] |= 64

	curve25519.ScalarBaseMult(&publicKey, &privateKey)

	return privateKey, publicKey, nil
}

// ComputeSharedKey performs X25519 Diffie-Hellman between a local private
// key and a remote public key. The result is suitable for direct use as
// the key of either AEAD construction below; both bake their own
// HSalsa20/HChaCha20 sub-key derivation in on every Seal/Open call.
func ComputeSharedKey(privateKey, remotePublicKey [KeySize]byte) ([KeySize]byte, error) {
	var sharedKey [KeySize]byte

	var zeroKey [KeySize]byte
	if remotePublicKey == zeroKey {
		return sharedKey, fmt.Errorf("invalid remote public key: zero key")
	}

	curve25519.ScalarMult(&sharedKey, &privateKey, &remotePublicKey)

	if sharedKey == zeroKey {
		return sharedKey, fmt.Errorf("invalid ECDH result: low-order point")
	}

	return sharedKey, nil
}

// ZeroBytes zeroes a byte slice to prevent key material from lingering in
// memory after use.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroKey zeroes a fixed-size key array.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}

// RandomBytes fills b with cryptographically secure random bytes.
func RandomBytes(b []byte) error {
	_, err := io.ReadFull(rand.Reader, b)
	return err
}
