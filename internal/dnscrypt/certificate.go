package dnscrypt

import (
	"encoding/binary"
	"fmt"

	"github.com/dnscryptd/dnscryptd/internal/crypto"
)

const (
	// certMagicSize is the size of the leading "DNSC" cert magic.
	certMagicSize = 4

	// signedFieldsSize is resolver_pk(32) + client_magic(8) + serial(4) +
	// ts_start(4) + ts_end(4).
	signedFieldsSize = 32 + 8 + 4 + 4 + 4

	// certSize is the full wire size of a marshaled certificate:
	// magic(4) + es_version(2) + protocol_minor(2) + signature(64) +
	// signed fields(52).
	certSize = certMagicSize + 2 + 2 + crypto.Ed25519SignatureSize + signedFieldsSize
)

var certMagic = [certMagicSize]byte{'D', 'N', 'S', 'C'}

// Certificate is a signed DNSCrypt certificate binding a short-term
// encryption keypair to the provider's long-term Ed25519 identity for a
// validity window.
type Certificate struct {
	EsVersion            uint16
	ProtocolMinorVersion uint16
	Signature            [crypto.Ed25519SignatureSize]byte
	ResolverPK           [crypto.KeySize]byte
	ClientMagic          [ClientMagicSize]byte
	Serial               uint32
	TSStart              uint32
	TSEnd                uint32
}

// SignedFields returns the byte span the provider key signs: resolver_pk,
// client_magic, serial, ts_start, ts_end in that order.
func (c *Certificate) SignedFields() []byte {
	buf := make([]byte, signedFieldsSize)
	off := 0
	off += copy(buf[off:], c.ResolverPK[:])
	off += copy(buf[off:], c.ClientMagic[:])
	binary.BigEndian.PutUint32(buf[off:], c.Serial)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], c.TSStart)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], c.TSEnd)
	return buf
}

// Sign computes and stores the certificate's signature under the
// provider's private key.
func (c *Certificate) Sign(provider *crypto.SigningKeypair) {
	c.Signature = crypto.Sign(provider.PrivateKey, c.SignedFields())
}

// Verify checks the certificate's signature against a provider public key.
func (c *Certificate) Verify(providerPublicKey [crypto.Ed25519PublicKeySize]byte) bool {
	return crypto.Verify(providerPublicKey, c.SignedFields(), c.Signature)
}

// Valid reports whether now (unix seconds) falls within [ts_start, ts_end).
func (c *Certificate) Valid(now uint32) bool {
	return c.TSStart < c.TSEnd && now >= c.TSStart && now < c.TSEnd
}

// Marshal serializes the certificate to its wire format: magic,
// es_version, protocol_minor, signature, then the signed fields.
func (c *Certificate) Marshal() []byte {
	buf := make([]byte, certSize)
	off := 0
	off += copy(buf[off:], certMagic[:])
	binary.BigEndian.PutUint16(buf[off:], c.EsVersion)
	off += 2
	binary.BigEndian.PutUint16(buf[off:], c.ProtocolMinorVersion)
	off += 2
	off += copy(buf[off:], c.Signature[:])
	copy(buf[off:], c.SignedFields())
	return buf
}

// ParseCertificate decodes a wire-format certificate, validating its magic
// and length but not its signature; callers must call Verify separately.
func ParseCertificate(b []byte) (*Certificate, error) {
	if len(b) != certSize {
		return nil, fmt.Errorf("dnscrypt: certificate has wrong size %d, want %d", len(b), certSize)
	}
	if [4]byte(b[:4]) != certMagic {
		return nil, fmt.Errorf("dnscrypt: bad certificate magic")
	}

	c := &Certificate{}
	off := certMagicSize
	c.EsVersion = binary.BigEndian.Uint16(b[off:])
	off += 2
	c.ProtocolMinorVersion = binary.BigEndian.Uint16(b[off:])
	off += 2
	copy(c.Signature[:], b[off:off+crypto.Ed25519SignatureSize])
	off += crypto.Ed25519SignatureSize

	copy(c.ResolverPK[:], b[off:off+crypto.KeySize])
	off += crypto.KeySize
	copy(c.ClientMagic[:], b[off:off+ClientMagicSize])
	off += ClientMagicSize
	c.Serial = binary.BigEndian.Uint32(b[off:])
	off += 4
	c.TSStart = binary.BigEndian.Uint32(b[off:])
	off += 4
	c.TSEnd = binary.BigEndian.Uint32(b[off:])

	return c, nil
}
