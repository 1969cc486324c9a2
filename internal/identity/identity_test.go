package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func testLog() *logrus.Entry {
	return logrus.NewEntry(logrus.New())
}

func TestFingerprintDeterminism(t *testing.T) {
	der := []byte("not a real certificate, just deterministic bytes")
	if Fingerprint(der) != Fingerprint(der) {
		t.Fatal("fingerprint is not deterministic")
	}
}

func TestEnsureCertificateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, testLog())
	if err := store.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	ident, err := store.EnsureCertificate("Test Device", "linux", "1.0")
	if err != nil {
		t.Fatalf("ensure certificate: %v", err)
	}

	certPEM, err := os.ReadFile(filepath.Join(dir, certFileName))
	if err != nil {
		t.Fatalf("read cert: %v", err)
	}

	fp, err := FingerprintOfPEM(certPEM)
	if err != nil {
		t.Fatalf("fingerprint of pem: %v", err)
	}
	if fp != ident.Fingerprint {
		t.Fatalf("fingerprint mismatch: %s != %s", fp, ident.Fingerprint)
	}
}

func TestEnsureCertificateReloadsExisting(t *testing.T) {
	dir := t.TempDir()

	store1 := New(dir, testLog())
	_ = store1.Initialize()
	ident1, err := store1.EnsureCertificate("A", "linux", "1.0")
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}

	store2 := New(dir, testLog())
	_ = store2.Initialize()
	ident2, err := store2.EnsureCertificate("A", "linux", "1.0")
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}

	if ident1.Fingerprint != ident2.Fingerprint {
		t.Fatal("reloading an existing certificate produced a different fingerprint")
	}
}

func TestTrustStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()

	store1 := New(dir, testLog())
	_ = store1.Initialize()
	if err := store1.AddTrusted("device-1", "fp-1", "Alice's Laptop"); err != nil {
		t.Fatalf("add trusted: %v", err)
	}
	if err := store1.AddTrusted("device-2", "fp-2", "Bob's Phone"); err != nil {
		t.Fatalf("add trusted: %v", err)
	}

	store2 := New(dir, testLog())
	if err := store2.Initialize(); err != nil {
		t.Fatalf("reload initialize: %v", err)
	}

	if !store2.IsTrusted("device-1", "fp-1") {
		t.Fatal("device-1 should be trusted after reload")
	}
	if store2.IsTrusted("device-1", "wrong-fp") {
		t.Fatal("fingerprint mismatch should not be trusted")
	}

	list := store2.ListTrusted()
	if len(list) != 2 {
		t.Fatalf("expected 2 trusted peers, got %d", len(list))
	}

	if err := store2.RemoveTrusted("device-1"); err != nil {
		t.Fatalf("remove trusted: %v", err)
	}
	if store2.IsTrusted("device-1", "fp-1") {
		t.Fatal("device-1 should no longer be trusted")
	}
}

func TestFreshTrustStoreIsEmpty(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, testLog())
	if err := store.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if len(store.ListTrusted()) != 0 {
		t.Fatal("fresh install should have no trusted peers")
	}
}

func TestCorruptTrustStoreIsTreatedAsEmptyAndNotOverwritten(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, trustFileName)
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	store := New(dir, testLog())
	if err := store.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if len(store.ListTrusted()) != 0 {
		t.Fatal("corrupt trust store should load as empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "not json" {
		t.Fatal("corrupt trust store should not be overwritten until next successful save")
	}
}
