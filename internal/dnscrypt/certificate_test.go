package dnscrypt

import (
	"testing"

	"github.com/dnscryptd/dnscryptd/internal/crypto"
)

func testProvider(t *testing.T) *crypto.SigningKeypair {
	t.Helper()
	kp, err := crypto.GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("GenerateSigningKeypair() error = %v", err)
	}
	return kp
}

func TestCertificateSignAndVerify(t *testing.T) {
	provider := testProvider(t)

	_, pub, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error = %v", err)
	}

	cert := &Certificate{
		EsVersion:  crypto.CipherXSalsa20Poly1305.EsVersion(),
		ResolverPK: pub,
		Serial:     1,
		TSStart:    1000,
		TSEnd:      2000,
	}
	copy(cert.ClientMagic[:], pub[:ClientMagicSize])
	cert.Sign(provider)

	if !cert.Verify(provider.PublicKey) {
		t.Error("Verify() failed for a correctly signed certificate")
	}

	otherProvider := testProvider(t)
	if cert.Verify(otherProvider.PublicKey) {
		t.Error("Verify() succeeded against the wrong provider key")
	}
}

func TestCertificateMarshalParseRoundTrip(t *testing.T) {
	provider := testProvider(t)
	_, pub, _ := crypto.GenerateKeypair()

	cert := &Certificate{
		EsVersion:            crypto.CipherXChaCha20Poly1305.EsVersion(),
		ProtocolMinorVersion: 0,
		ResolverPK:           pub,
		Serial:               42,
		TSStart:              1700000000,
		TSEnd:                1700086400,
	}
	copy(cert.ClientMagic[:], pub[:ClientMagicSize])
	cert.Sign(provider)

	wire := cert.Marshal()
	parsed, err := ParseCertificate(wire)
	if err != nil {
		t.Fatalf("ParseCertificate() error = %v", err)
	}

	if *parsed != *cert {
		t.Errorf("round trip mismatch:\n got  %+v\n want %+v", parsed, cert)
	}
	if !parsed.Verify(provider.PublicKey) {
		t.Error("parsed certificate failed to verify")
	}
}

func TestParseCertificate_BadMagic(t *testing.T) {
	wire := make([]byte, certSize)
	copy(wire, []byte("XXXX"))
	if _, err := ParseCertificate(wire); err == nil {
		t.Error("ParseCertificate() with bad magic should fail")
	}
}

func TestParseCertificate_WrongSize(t *testing.T) {
	if _, err := ParseCertificate(make([]byte, certSize-1)); err == nil {
		t.Error("ParseCertificate() with short buffer should fail")
	}
	if _, err := ParseCertificate(make([]byte, certSize+1)); err == nil {
		t.Error("ParseCertificate() with long buffer should fail")
	}
}

func TestCertificateValid(t *testing.T) {
	cert := &Certificate{TSStart: 1000, TSEnd: 2000}

	if cert.Valid(999) {
		t.Error("Valid() true before ts_start")
	}
	if !cert.Valid(1000) {
		t.Error("Valid() false at ts_start")
	}
	if !cert.Valid(1999) {
		t.Error("Valid() false just before ts_end")
	}
	if cert.Valid(2000) {
		t.Error("Valid() true at ts_end (window is half-open)")
	}
}

func TestCertificateValid_DegenerateWindow(t *testing.T) {
	cert := &Certificate{TSStart: 2000, TSEnd: 1000}
	if cert.Valid(1500) {
		t.Error("Valid() should always be false when ts_start >= ts_end")
	}
}
