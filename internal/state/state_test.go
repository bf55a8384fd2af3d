package state

import (
	"path/filepath"
	"testing"

	"github.com/dnscryptd/dnscryptd/internal/crypto"
	"github.com/dnscryptd/dnscryptd/internal/dnscrypt"
)

func testProvider(t *testing.T) *crypto.SigningKeypair {
	t.Helper()
	kp, err := crypto.GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("GenerateSigningKeypair() error = %v", err)
	}
	return kp
}

func TestSaveLoadRoundTrip(t *testing.T) {
	provider := testProvider(t)
	params, err := dnscrypt.NewEncryptionParams(crypto.CipherXSalsa20Poly1305, 1, 100, 200, provider)
	if err != nil {
		t.Fatalf("NewEncryptionParams() error = %v", err)
	}

	var seed [crypto.Ed25519SeedSize]byte
	copy(seed[:], provider.PrivateKey[:crypto.Ed25519SeedSize])

	s := &State{
		ProviderSeed: seed[:],
		Params:       []PersistedParams{FromEncryptionParams(params)},
	}

	path := filepath.Join(t.TempDir(), "state.yaml")
	if err := Save(path, s); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(loaded.Params) != 1 {
		t.Fatalf("loaded %d params, want 1", len(loaded.Params))
	}
	if loaded.Params[0].Serial != params.Serial {
		t.Errorf("Serial = %d, want %d", loaded.Params[0].Serial, params.Serial)
	}

	restored, err := loaded.Params[0].ToEncryptionParams(provider)
	if err != nil {
		t.Fatalf("ToEncryptionParams() error = %v", err)
	}
	if restored.PublicKey != params.PublicKey {
		t.Error("restored public key doesn't match original")
	}
	if !restored.Certificate.Verify(provider.PublicKey) {
		t.Error("restored certificate does not verify under the provider key")
	}
}

func TestSave_AtomicReplace(t *testing.T) {
	provider := testProvider(t)
	var seed [crypto.Ed25519SeedSize]byte
	copy(seed[:], provider.PrivateKey[:crypto.Ed25519SeedSize])

	path := filepath.Join(t.TempDir(), "state.yaml")

	s1 := &State{ProviderSeed: seed[:]}
	if err := Save(path, s1); err != nil {
		t.Fatalf("first Save() error = %v", err)
	}

	params, _ := dnscrypt.NewEncryptionParams(crypto.CipherXChaCha20Poly1305, 7, 0, 10, provider)
	s2 := &State{ProviderSeed: seed[:], Params: []PersistedParams{FromEncryptionParams(params)}}
	if err := Save(path, s2); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded.Params) != 1 || loaded.Params[0].Serial != 7 {
		t.Errorf("Load() after replace = %+v, want serial 7", loaded.Params)
	}
}

func TestLoad_RejectsBadSeedSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	s := &State{ProviderSeed: []byte{1, 2, 3}}
	if err := Save(path, s); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() should reject a malformed provider_seed")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() should fail for a missing file")
	}
}
