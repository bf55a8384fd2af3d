package dnscrypt

import (
	"errors"
	"fmt"

	"github.com/dnscryptd/dnscryptd/internal/crypto"
	"github.com/dnscryptd/dnscryptd/internal/dnsmsg"
)

const (
	nonceHalfSize    = 12
	paddingBlockSize = 64

	minEncryptedQuerySize = ClientMagicSize + crypto.KeySize + nonceHalfSize + crypto.TagSize + dnsmsg.HeaderSize
)

var (
	// ErrMessageTooShort is returned for an encrypted query shorter than
	// the fixed header every DNSCrypt query carries.
	ErrMessageTooShort = errors.New("dnscrypt: encrypted message too short")

	// ErrUnknownClientMagic is returned when no active EncryptionParams
	// entry's client_magic matches the query.
	ErrUnknownClientMagic = errors.New("dnscrypt: unknown client magic")

	// ErrDecryptionFailed covers AEAD authentication failure.
	ErrDecryptionFailed = errors.New("dnscrypt: decryption failed")

	// ErrInvalidPadding is returned when the decrypted plaintext's
	// trailing padding doesn't start with 0x80.
	ErrInvalidPadding = errors.New("dnscrypt: invalid padding")

	// ErrTooLarge is returned when the minimum possible framed, padded
	// ciphertext already exceeds the caller's maxSize.
	ErrTooLarge = errors.New("dnscrypt: response exceeds max size")
)

// DecryptedQuery is the result of successfully decrypting a client query:
// everything Encrypt needs to answer it, plus the plaintext DNS query.
type DecryptedQuery struct {
	Cipher      crypto.Cipher
	SharedKey   [crypto.KeySize]byte
	ClientNonce [nonceHalfSize]byte
	ClientPK    [crypto.KeySize]byte
	Plaintext   []byte
}

// Decrypt locates the EncryptionParams entry matching encryptedQuery's
// client_magic, computes the shared key via X25519, and returns the
// padding-stripped plaintext DNS query. paramsSet must be non-empty; the
// caller (internal/query) is expected to have already checked that.
func Decrypt(encryptedQuery []byte, paramsSet []*EncryptionParams) (*DecryptedQuery, error) {
	if len(encryptedQuery) < minEncryptedQuerySize {
		return nil, ErrMessageTooShort
	}

	var clientMagic [ClientMagicSize]byte
	copy(clientMagic[:], encryptedQuery[:ClientMagicSize])

	var params *EncryptionParams
	for _, p := range paramsSet {
		if p.ClientMagic == clientMagic {
			params = p
			break
		}
	}
	if params == nil {
		return nil, ErrUnknownClientMagic
	}

	off := ClientMagicSize
	var clientPK [crypto.KeySize]byte
	copy(clientPK[:], encryptedQuery[off:off+crypto.KeySize])
	off += crypto.KeySize

	var clientNonce [nonceHalfSize]byte
	copy(clientNonce[:], encryptedQuery[off:off+nonceHalfSize])
	off += nonceHalfSize

	sharedKey, err := crypto.ComputeSharedKey(params.PrivateKey, clientPK)
	if err != nil {
		return nil, fmt.Errorf("dnscrypt: compute shared key: %w", err)
	}

	var nonce [crypto.NonceSize]byte
	copy(nonce[:nonceHalfSize], clientNonce[:])

	plaintext, err := crypto.Open(params.Cipher, sharedKey, nonce, encryptedQuery[off:])
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	unpadded, err := stripPadding(plaintext)
	if err != nil {
		return nil, err
	}

	return &DecryptedQuery{
		Cipher:      params.Cipher,
		SharedKey:   sharedKey,
		ClientNonce: clientNonce,
		ClientPK:    clientPK,
		Plaintext:   unpadded,
	}, nil
}

// Encrypt pads plaintext, generates a fresh server_nonce, seals it under
// sharedKey and the full client||server nonce, and frames it with the
// resolver_magic every response starts with. maxSize bounds the total
// framed response (e.g. the UDP query's own size, 4096 over TCP, or the DNS
// message's advertised EDNS buffer size). Callers should already have
// truncated plaintext to fit; if the minimum possible padded, framed result
// still exceeds maxSize, Encrypt fails with ErrTooLarge rather than
// shipping an oversized response.
func Encrypt(cipher crypto.Cipher, sharedKey [crypto.KeySize]byte, clientNonce [nonceHalfSize]byte, plaintext []byte, maxSize int) ([]byte, error) {
	var serverNonce [nonceHalfSize]byte
	if err := crypto.RandomBytes(serverNonce[:]); err != nil {
		return nil, fmt.Errorf("dnscrypt: generate server nonce: %w", err)
	}

	frameOverhead := ResolverMagicSize + nonceHalfSize*2 + crypto.TagSize
	limit := maxSize - frameOverhead
	padded, err := addPadding(plaintext, limit)
	if err != nil {
		return nil, err
	}

	var nonce [crypto.NonceSize]byte
	copy(nonce[:nonceHalfSize], clientNonce[:])
	copy(nonce[nonceHalfSize:], serverNonce[:])

	ciphertext, err := crypto.Seal(cipher, sharedKey, nonce, padded)
	if err != nil {
		return nil, fmt.Errorf("dnscrypt: seal response: %w", err)
	}

	out := make([]byte, 0, frameOverhead+len(ciphertext))
	out = append(out, ResolverMagic[:]...)
	out = append(out, clientNonce[:]...)
	out = append(out, serverNonce[:]...)
	out = append(out, ciphertext...)
	return out, nil
}

// addPadding appends 0x80 then zero bytes until the result is a multiple of
// paddingBlockSize. If even this minimum padded length exceeds limit, the
// plaintext cannot be framed within the caller's maxSize at all and
// ErrTooLarge is returned rather than silently shipping an oversized or
// under-padded response.
func addPadding(plaintext []byte, limit int) ([]byte, error) {
	unpaddedLen := len(plaintext) + 1
	paddedLen := ((unpaddedLen + paddingBlockSize - 1) / paddingBlockSize) * paddingBlockSize
	if limit <= 0 || paddedLen > limit {
		return nil, ErrTooLarge
	}

	out := make([]byte, paddedLen)
	copy(out, plaintext)
	out[len(plaintext)] = 0x80
	return out, nil
}

// stripPadding walks back over trailing zero bytes to find the 0x80
// padding marker and returns everything before it.
func stripPadding(padded []byte) ([]byte, error) {
	i := len(padded) - 1
	for i >= 0 && padded[i] == 0x00 {
		i--
	}
	if i < 0 || padded[i] != 0x80 {
		return nil, ErrInvalidPadding
	}
	return padded[:i], nil
}
