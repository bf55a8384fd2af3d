package certmgr

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dnscryptd/dnscryptd/internal/crypto"
)

func testProvider(t *testing.T) *crypto.SigningKeypair {
	t.Helper()
	kp, err := crypto.GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("GenerateSigningKeypair: %v", err)
	}
	return kp
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Provider:     testProvider(t),
		StateFile:    filepath.Join(t.TempDir(), "state.yaml"),
		Ciphers:      []crypto.Cipher{crypto.CipherXSalsa20Poly1305, crypto.CipherXChaCha20Poly1305},
		CertLifetime: time.Hour,
		CertOverlap:  10 * time.Minute,
	}
}

func TestStart_MintsInitialCertificates(t *testing.T) {
	m := New(testConfig(t), nil)

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	active := m.Active()
	if len(active) != 2 {
		t.Fatalf("len(Active()) = %d, want 2", len(active))
	}
	seen := map[crypto.Cipher]bool{}
	for _, p := range active {
		seen[p.Cipher] = true
		if !p.Active(uint32(time.Now().Unix())) {
			t.Errorf("minted params for %s not active", p.Cipher)
		}
	}
	if !seen[crypto.CipherXSalsa20Poly1305] || !seen[crypto.CipherXChaCha20Poly1305] {
		t.Errorf("expected one params entry per configured cipher, got %v", seen)
	}
}

func TestStart_PersistsAndReloads(t *testing.T) {
	cfg := testConfig(t)

	m1 := New(cfg, nil)
	if err := m1.Start(); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	first := m1.Active()
	m1.Stop()

	m2 := New(cfg, nil)
	if err := m2.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	defer m2.Stop()
	second := m2.Active()

	if len(first) != len(second) {
		t.Fatalf("reloaded active set length = %d, want %d", len(second), len(first))
	}
	for i := range first {
		if first[i].Serial != second[i].Serial {
			t.Errorf("entry %d: serial changed across reload: %d != %d", i, first[i].Serial, second[i].Serial)
		}
		if first[i].PublicKey != second[i].PublicKey {
			t.Errorf("entry %d: public key changed across reload", i)
		}
	}
}

func TestLoadOrInit_RejectsMismatchedProvider(t *testing.T) {
	cfg := testConfig(t)

	m1 := New(cfg, nil)
	if err := m1.Start(); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	m1.Stop()

	cfg2 := cfg
	cfg2.Provider = testProvider(t)
	m2 := New(cfg2, nil)
	if err := m2.Start(); err == nil {
		t.Fatal("expected error starting with a different provider key against existing state, got nil")
	}
}

func TestRotate_DropsExpiredEntries(t *testing.T) {
	cfg := testConfig(t)
	cfg.CertLifetime = 0
	cfg.CertOverlap = 0

	m := New(cfg, nil)
	if err := m.rotate(true); err != nil {
		t.Fatalf("initial rotate: %v", err)
	}
	initial := m.Active()
	if len(initial) != 2 {
		t.Fatalf("initial active len = %d, want 2", len(initial))
	}

	time.Sleep(1100 * time.Millisecond)

	if err := m.rotate(false); err != nil {
		t.Fatalf("second rotate: %v", err)
	}
	after := m.Active()
	if len(after) != 2 {
		t.Fatalf("after rotate with expired lifetime, active len = %d, want 2 (old entries dropped)", len(after))
	}
	for _, p := range after {
		for _, old := range initial {
			if p.Serial == old.Serial {
				t.Errorf("expired serial %d still present after rotation", p.Serial)
			}
		}
	}
}

func TestRotate_KeepsOverlappingEntries(t *testing.T) {
	cfg := testConfig(t)
	cfg.CertLifetime = time.Hour
	cfg.CertOverlap = time.Hour

	m := New(cfg, nil)
	if err := m.rotate(true); err != nil {
		t.Fatalf("initial rotate: %v", err)
	}
	initialSerials := map[uint32]bool{}
	for _, p := range m.Active() {
		initialSerials[p.Serial] = true
	}

	if err := m.rotate(false); err != nil {
		t.Fatalf("second rotate: %v", err)
	}

	after := m.Active()
	if len(after) != 4 {
		t.Fatalf("after rotate with long overlap, active len = %d, want 4 (2 fresh + 2 still valid)", len(after))
	}
	found := 0
	for _, p := range after {
		if initialSerials[p.Serial] {
			found++
		}
	}
	if found != 2 {
		t.Errorf("expected 2 entries carried over from before rotation, found %d", found)
	}
}

func TestStop_AfterStart(t *testing.T) {
	m := New(testConfig(t), nil)
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m.Stop()
}
