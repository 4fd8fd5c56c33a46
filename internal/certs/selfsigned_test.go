package certs

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	t.Parallel()
	cert, err := Generate(24*time.Hour, "tuner.local", "192.168.1.20")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(cert.TLSCert.Certificate) == 0 {
		t.Fatal("no certificate data")
	}

	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}
	if validity := x509Cert.NotAfter.Sub(x509Cert.NotBefore); validity != 24*time.Hour {
		t.Errorf("validity = %v, want 24h", validity)
	}
	if cert.Fingerprint != sha256.Sum256(cert.TLSCert.Certificate[0]) {
		t.Error("fingerprint mismatch")
	}
	if cert.FingerprintBase64() == "" {
		t.Error("FingerprintBase64 returned empty string")
	}
	if !slices.Contains(x509Cert.DNSNames, "localhost") || !slices.Contains(x509Cert.DNSNames, "tuner.local") {
		t.Errorf("DNS names = %v", x509Cert.DNSNames)
	}
	if len(x509Cert.IPAddresses) != 3 {
		t.Errorf("IP addresses = %v, want loopbacks plus one", x509Cert.IPAddresses)
	}
	if cfg := cert.TLSConfig(); len(cfg.Certificates) != 1 || cfg.MinVersion != tls.VersionTLS13 {
		t.Errorf("TLS config = %+v", cfg)
	}
}

func TestGenerateDefaultValidity(t *testing.T) {
	t.Parallel()
	cert, err := Generate(0)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}
	if validity := x509Cert.NotAfter.Sub(x509Cert.NotBefore); validity != DefaultValidity {
		t.Errorf("validity = %v, want %v", validity, DefaultValidity)
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()
	gen, err := Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(gen.TLSCert.PrivateKey.(*ecdsa.PrivateKey))
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: gen.TLSCert.Certificate[0]}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(certFile, keyFile)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Fingerprint != gen.Fingerprint {
		t.Error("loaded fingerprint differs from the generated one")
	}
	if !loaded.NotAfter.Equal(gen.NotAfter.Truncate(time.Second)) {
		t.Errorf("NotAfter = %v, want %v", loaded.NotAfter, gen.NotAfter)
	}
}

func TestLoadMissing(t *testing.T) {
	t.Parallel()
	if _, err := Load("/nonexistent/cert.pem", "/nonexistent/key.pem"); err == nil {
		t.Error("expected error for missing files")
	}
}
