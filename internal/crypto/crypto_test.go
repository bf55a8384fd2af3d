package crypto

import (
	"bytes"
	"testing"
)

func TestGenerateKeypair(t *testing.T) {
	priv1, pub1, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error = %v", err)
	}

	var zeroKey [KeySize]byte
	if priv1 == zeroKey {
		t.Error("private key is zero")
	}
	if pub1 == zeroKey {
		t.Error("public key is zero")
	}

	priv2, pub2, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() second call error = %v", err)
	}

	if priv1 == priv2 {
		t.Error("two generated private keys are identical")
	}
	if pub1 == pub2 {
		t.Error("two generated public keys are identical")
	}
}

func TestComputeSharedKey(t *testing.T) {
	privA, pubA, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() A error = %v", err)
	}

	privB, pubB, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() B error = %v", err)
	}

	secretA, err := ComputeSharedKey(privA, pubB)
	if err != nil {
		t.Fatalf("ComputeSharedKey(A, pubB) error = %v", err)
	}

	secretB, err := ComputeSharedKey(privB, pubA)
	if err != nil {
		t.Fatalf("ComputeSharedKey(B, pubA) error = %v", err)
	}

	if secretA != secretB {
		t.Error("shared secrets do not match")
	}

	var zeroKey [KeySize]byte
	if secretA == zeroKey {
		t.Error("shared secret is zero")
	}
}

func TestComputeSharedKey_ZeroRemoteKey(t *testing.T) {
	priv, _, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error = %v", err)
	}

	var zeroKey [KeySize]byte
	_, err = ComputeSharedKey(priv, zeroKey)
	if err == nil {
		t.Error("ComputeSharedKey with zero remote public key should fail")
	}
}

func TestZeroBytes(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	ZeroBytes(data)

	for i, b := range data {
		if b != 0 {
			t.Errorf("byte %d = %d, want 0", i, b)
		}
	}
}

func TestZeroKey(t *testing.T) {
	key := [KeySize]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16,
		17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32}
	ZeroKey(&key)

	var zeroKey [KeySize]byte
	if key != zeroKey {
		t.Error("key was not zeroed")
	}
}

func TestRandomBytes(t *testing.T) {
	var a, b [32]byte
	if err := RandomBytes(a[:]); err != nil {
		t.Fatalf("RandomBytes() error = %v", err)
	}
	if err := RandomBytes(b[:]); err != nil {
		t.Fatalf("RandomBytes() error = %v", err)
	}
	if a == b {
		t.Error("two random fills are identical")
	}
}

func TestSealOpen_XSalsa20Poly1305(t *testing.T) {
	privA, pubA, _ := GenerateKeypair()
	privB, pubB, _ := GenerateKeypair()

	secretA, err := ComputeSharedKey(privA, pubB)
	if err != nil {
		t.Fatalf("ComputeSharedKey A error = %v", err)
	}
	secretB, err := ComputeSharedKey(privB, pubA)
	if err != nil {
		t.Fatalf("ComputeSharedKey B error = %v", err)
	}
	if secretA != secretB {
		t.Fatal("shared secrets do not match")
	}

	var nonce [NonceSize]byte
	if err := RandomBytes(nonce[:]); err != nil {
		t.Fatalf("RandomBytes error = %v", err)
	}

	plaintext := []byte("hello dnscrypt")
	ciphertext, err := Seal(CipherXSalsa20Poly1305, secretA, nonce, plaintext)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if len(ciphertext) != len(plaintext)+TagSize {
		t.Errorf("ciphertext length = %d, want %d", len(ciphertext), len(plaintext)+TagSize)
	}

	decrypted, err := Open(CipherXSalsa20Poly1305, secretB, nonce, ciphertext)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("decrypted = %q, want %q", decrypted, plaintext)
	}
}

func TestSealOpen_XChaCha20Poly1305(t *testing.T) {
	privA, pubA, _ := GenerateKeypair()
	privB, pubB, _ := GenerateKeypair()

	secretA, _ := ComputeSharedKey(privA, pubB)
	secretB, _ := ComputeSharedKey(privB, pubA)

	var nonce [NonceSize]byte
	if err := RandomBytes(nonce[:]); err != nil {
		t.Fatalf("RandomBytes error = %v", err)
	}

	plaintext := []byte("hello dnscrypt over xchacha20")
	ciphertext, err := Seal(CipherXChaCha20Poly1305, secretA, nonce, plaintext)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	decrypted, err := Open(CipherXChaCha20Poly1305, secretB, nonce, ciphertext)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("decrypted = %q, want %q", decrypted, plaintext)
	}
}

func TestOpen_Tampered(t *testing.T) {
	privA, pubA, _ := GenerateKeypair()
	privB, pubB, _ := GenerateKeypair()

	secretA, _ := ComputeSharedKey(privA, pubB)
	secretB, _ := ComputeSharedKey(privB, pubA)

	var nonce [NonceSize]byte
	_ = RandomBytes(nonce[:])

	ciphertext, _ := Seal(CipherXSalsa20Poly1305, secretA, nonce, []byte("secret message"))
	ciphertext[0] ^= 0xFF

	if _, err := Open(CipherXSalsa20Poly1305, secretB, nonce, ciphertext); err == nil {
		t.Error("Open with tampered ciphertext should fail")
	}
}

func TestOpen_WrongCipher(t *testing.T) {
	privA, pubA, _ := GenerateKeypair()
	privB, pubB, _ := GenerateKeypair()

	secretA, _ := ComputeSharedKey(privA, pubB)
	secretB, _ := ComputeSharedKey(privB, pubA)

	var nonce [NonceSize]byte
	_ = RandomBytes(nonce[:])

	ciphertext, _ := Seal(CipherXSalsa20Poly1305, secretA, nonce, []byte("secret message"))

	if _, err := Open(CipherXChaCha20Poly1305, secretB, nonce, ciphertext); err == nil {
		t.Error("Open with mismatched cipher should fail")
	}
}

func TestCipherEsVersion(t *testing.T) {
	if CipherXSalsa20Poly1305.EsVersion() != 0x0001 {
		t.Errorf("CipherXSalsa20Poly1305.EsVersion() = %#x, want 0x0001", CipherXSalsa20Poly1305.EsVersion())
	}
	if CipherXChaCha20Poly1305.EsVersion() != 0x0002 {
		t.Errorf("CipherXChaCha20Poly1305.EsVersion() = %#x, want 0x0002", CipherXChaCha20Poly1305.EsVersion())
	}
}

func TestCipherFromEsVersion(t *testing.T) {
	cases := []struct {
		version uint16
		want    Cipher
		ok      bool
	}{
		{0x0001, CipherXSalsa20Poly1305, true},
		{0x0002, CipherXChaCha20Poly1305, true},
		{0x0003, 0, false},
		{0x0000, 0, false},
	}

	for _, c := range cases {
		got, ok := CipherFromEsVersion(c.version)
		if ok != c.ok {
			t.Errorf("CipherFromEsVersion(%#x) ok = %v, want %v", c.version, ok, c.ok)
			continue
		}
		if ok && got != c.want {
			t.Errorf("CipherFromEsVersion(%#x) = %v, want %v", c.version, got, c.want)
		}
	}
}

func BenchmarkSeal(b *testing.B) {
	priv, pub, _ := GenerateKeypair()
	secret, _ := ComputeSharedKey(priv, pub)

	var nonce [NonceSize]byte
	_ = RandomBytes(nonce[:])

	plaintext := make([]byte, 512)

	b.ResetTimer()
	b.SetBytes(int64(len(plaintext)))

	for i := 0; i < b.N; i++ {
		_, _ = Seal(CipherXSalsa20Poly1305, secret, nonce, plaintext)
	}
}

func BenchmarkOpen(b *testing.B) {
	priv, pub, _ := GenerateKeypair()
	secret, _ := ComputeSharedKey(priv, pub)

	var nonce [NonceSize]byte
	_ = RandomBytes(nonce[:])

	plaintext := make([]byte, 512)
	ciphertext, _ := Seal(CipherXSalsa20Poly1305, secret, nonce, plaintext)

	b.ResetTimer()
	b.SetBytes(int64(len(plaintext)))

	for i := 0; i < b.N; i++ {
		_, _ = Open(CipherXSalsa20Poly1305, secret, nonce, ciphertext)
	}
}
