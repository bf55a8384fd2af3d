// Package state persists the provider identity and the active set of
// encryption params across restarts, so a restart resumes the current
// rotation window instead of starting a fresh one and invalidating every
// certificate a client has cached.
package state

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/dnscryptd/dnscryptd/internal/crypto"
	"github.com/dnscryptd/dnscryptd/internal/dnscrypt"
)

// PersistedParams round-trips one EncryptionParams entry, including its
// validity window, so a resumed rotation manager doesn't need to mint a
// new certificate on every restart.
type PersistedParams struct {
	Cipher     uint16 `yaml:"cipher"` // es_version
	Serial     uint32 `yaml:"serial"`
	TSStart    uint32 `yaml:"ts_start"`
	TSEnd      uint32 `yaml:"ts_end"`
	PublicKey  []byte `yaml:"public_key"`
	PrivateKey []byte `yaml:"private_key"`
}

// State is the full on-disk document: the provider's long-term Ed25519
// seed and every params entry that was active at last save.
type State struct {
	ProviderSeed []byte            `yaml:"provider_seed"`
	Params       []PersistedParams `yaml:"params"`
}

// Load reads and unmarshals the state document at path.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("state: read %s: %w", path, err)
	}

	var s State
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("state: parse %s: %w", path, err)
	}
	if len(s.ProviderSeed) != crypto.Ed25519SeedSize {
		return nil, fmt.Errorf("state: provider_seed must be %d bytes, got %d", crypto.Ed25519SeedSize, len(s.ProviderSeed))
	}
	return &s, nil
}

// Save writes the state document atomically: marshal to path+".tmp",
// fsync, then rename over path. The target is never edited in place, so a
// crash mid-write leaves the previous state file intact.
func Save(path string, s *State) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("state: marshal: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("state: create directory for %s: %w", path, err)
	}

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("state: open %s: %w", tmpPath, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("state: write %s: %w", tmpPath, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("state: sync %s: %w", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("state: close %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("state: rename %s to %s: %w", tmpPath, path, err)
	}
	return nil
}

// ToEncryptionParams reconstructs the live dnscrypt.EncryptionParams from
// a persisted entry, re-deriving and re-signing its certificate under the
// current provider keypair.
func (p *PersistedParams) ToEncryptionParams(provider *crypto.SigningKeypair) (*dnscrypt.EncryptionParams, error) {
	cipher, ok := crypto.CipherFromEsVersion(p.Cipher)
	if !ok {
		return nil, fmt.Errorf("state: unsupported cipher es_version %#x", p.Cipher)
	}
	if len(p.PublicKey) != crypto.KeySize || len(p.PrivateKey) != crypto.KeySize {
		return nil, fmt.Errorf("state: malformed params keypair for serial %d", p.Serial)
	}

	params := &dnscrypt.EncryptionParams{
		Cipher:  cipher,
		Serial:  p.Serial,
		TSStart: p.TSStart,
		TSEnd:   p.TSEnd,
	}
	copy(params.PublicKey[:], p.PublicKey)
	copy(params.PrivateKey[:], p.PrivateKey)
	copy(params.ClientMagic[:], params.PublicKey[:dnscrypt.ClientMagicSize])

	params.Certificate = dnscrypt.Certificate{
		EsVersion:   cipher.EsVersion(),
		ResolverPK:  params.PublicKey,
		ClientMagic: params.ClientMagic,
		Serial:      params.Serial,
		TSStart:     params.TSStart,
		TSEnd:       params.TSEnd,
	}
	params.Certificate.Sign(provider)

	return params, nil
}

// FromEncryptionParams captures a live EncryptionParams for persistence.
func FromEncryptionParams(p *dnscrypt.EncryptionParams) PersistedParams {
	return PersistedParams{
		Cipher:     p.Cipher.EsVersion(),
		Serial:     p.Serial,
		TSStart:    p.TSStart,
		TSEnd:      p.TSEnd,
		PublicKey:  append([]byte(nil), p.PublicKey[:]...),
		PrivateKey: append([]byte(nil), p.PrivateKey[:]...),
	}
}
