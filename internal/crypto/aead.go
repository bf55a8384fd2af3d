// Package crypto: AEAD selection for DNSCrypt query/response encryption.
package crypto

import (
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/secretbox"
)

// Cipher identifies one of the two AEAD constructions a DNSCrypt
// certificate may advertise. The numeric value is not the wire es-version;
// see EsVersion.
type Cipher uint8

const (
	// CipherXSalsa20Poly1305 is the mandatory-to-implement DNSCrypt v2
	// construction ("X25519-XSalsa20Poly1305", es-version 0x0001).
	CipherXSalsa20Poly1305 Cipher = iota
	// CipherXChaCha20Poly1305 is the optional modern construction
	// ("X25519-XChaCha20Poly1305", es-version 0x0002).
	CipherXChaCha20Poly1305
)

// EsVersion returns the 2-byte big-endian version field a certificate
// embeds to announce this cipher.
func (c Cipher) EsVersion() uint16 {
	switch c {
	case CipherXChaCha20Poly1305:
		return 0x0002
	default:
		return 0x0001
	}
}

// CipherFromEsVersion maps a certificate's es-version field back to a
// Cipher. Returns false for unsupported versions.
func CipherFromEsVersion(esVersion uint16) (Cipher, bool) {
	switch esVersion {
	case 0x0001:
		return CipherXSalsa20Poly1305, true
	case 0x0002:
		return CipherXChaCha20Poly1305, true
	default:
		return 0, false
	}
}

// String implements fmt.Stringer.
func (c Cipher) String() string {
	switch c {
	case CipherXChaCha20Poly1305:
		return "xchacha20poly1305"
	default:
		return "xsalsa20poly1305"
	}
}

// Seal encrypts plaintext under sharedKey with the given cipher and
// 24-byte nonce, appending a 16-byte authentication tag. AD is not used
// by DNSCrypt v2.
func Seal(cipher Cipher, sharedKey [KeySize]byte, nonce [NonceSize]byte, plaintext []byte) ([]byte, error) {
	switch cipher {
	case CipherXChaCha20Poly1305:
		aead, err := chacha20poly1305.NewX(sharedKey[:])
		if err != nil {
			return nil, fmt.Errorf("create xchacha20poly1305: %w", err)
		}
		return aead.Seal(nil, nonce[:], plaintext, nil), nil
	default:
		return secretbox.Seal(nil, plaintext, &nonce, &sharedKey), nil
	}
}

// Open decrypts and verifies ciphertext produced by Seal. Returns an
// error if authentication fails.
func Open(cipher Cipher, sharedKey [KeySize]byte, nonce [NonceSize]byte, ciphertext []byte) ([]byte, error) {
	switch cipher {
	case CipherXChaCha20Poly1305:
		aead, err := chacha20poly1305.NewX(sharedKey[:])
		if err != nil {
			return nil, fmt.Errorf("create xchacha20poly1305: %w", err)
		}
		return aead.Open(nil, nonce[:], ciphertext, nil)
	default:
		plaintext, ok := secretbox.Open(nil, ciphertext, &nonce, &sharedKey)
		if !ok {
			return nil, fmt.Errorf("secretbox authentication failed")
		}
		return plaintext, nil
	}
}
