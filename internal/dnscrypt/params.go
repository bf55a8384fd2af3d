package dnscrypt

import (
	"fmt"

	"github.com/dnscryptd/dnscryptd/internal/crypto"
)

const (
	// ClientMagicSize is the size of the client_magic field that
	// identifies which certificate/keypair a query was encrypted under.
	ClientMagicSize = 8

	// ResolverMagicSize is the size of the resolver_magic field framing
	// every response.
	ResolverMagicSize = 8
)

// ResolverMagic is the fixed 8-byte string "r6fnvWj8" every DNSCrypt
// response starts with.
var ResolverMagic = [ResolverMagicSize]byte{0x72, 0x36, 0x66, 0x6e, 0x76, 0x57, 0x6a, 0x38}

// EncryptionParams is one active short-term encryption keypair, paired
// with the signed certificate advertising it. The rotation manager holds
// an ordered slice of these behind an atomic pointer; serve_certificates
// and Decrypt both search the full active set, newest first, so a client
// that cached an older certificate keeps working through the overlap
// window.
type EncryptionParams struct {
	Cipher      crypto.Cipher
	Serial      uint32
	TSStart     uint32
	TSEnd       uint32
	PublicKey   [crypto.KeySize]byte
	PrivateKey  [crypto.KeySize]byte
	ClientMagic [ClientMagicSize]byte
	Certificate Certificate
}

// NewEncryptionParams generates a fresh ephemeral X25519 keypair, derives
// its client_magic (the first 8 bytes of the public key — enough entropy
// to disambiguate concurrently active certificates without a registry),
// and signs a certificate for it under the provider keypair.
func NewEncryptionParams(cipher crypto.Cipher, serial, tsStart, tsEnd uint32, provider *crypto.SigningKeypair) (*EncryptionParams, error) {
	priv, pub, err := crypto.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("dnscrypt: generate encryption keypair: %w", err)
	}

	var clientMagic [ClientMagicSize]byte
	copy(clientMagic[:], pub[:ClientMagicSize])

	cert := Certificate{
		EsVersion:   cipher.EsVersion(),
		ResolverPK:  pub,
		ClientMagic: clientMagic,
		Serial:      serial,
		TSStart:     tsStart,
		TSEnd:       tsEnd,
	}
	cert.Sign(provider)

	return &EncryptionParams{
		Cipher:      cipher,
		Serial:      serial,
		TSStart:     tsStart,
		TSEnd:       tsEnd,
		PublicKey:   pub,
		PrivateKey:  priv,
		ClientMagic: clientMagic,
		Certificate: cert,
	}, nil
}

// Active reports whether now (unix seconds) falls within this params
// entry's validity window.
func (p *EncryptionParams) Active(now uint32) bool {
	return p.Certificate.Valid(now)
}
