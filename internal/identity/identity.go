// Package identity implements the WarpDeck Identity Store: self-signed
// device certificate lifecycle, certificate-fingerprint-as-identity (TOFU),
// and a persistent JSON trust store.
package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	certFileName  = "cert.pem"
	keyFileName   = "key.pem"
	trustFileName = "trust_store.json"

	certOrganization  = "WarpDeck"
	certCommonName    = "WarpDeck Device"
	certValidityYears = 1
	rsaKeyBits        = 2048
)

// TrustedPeer is one entry of the persistent trust store.
type TrustedPeer struct {
	DeviceID    string `json:"device_id"`
	Fingerprint string `json:"fingerprint"`
	Name        string `json:"name"`
}

// DeviceIdentity is the local node's identity: a random ID generated
// fresh each time EnsureCertificate runs (not persisted), a mutable
// display name, a platform tag, the protocol version, and the key
// material backing it.
type DeviceIdentity struct {
	ID              string
	Name            string
	Platform        string
	ProtocolVersion string
	Fingerprint     string

	certPath string
	keyPath  string
	tlsCert  tls.Certificate
}

// Store owns certificate/key material and the trusted-peer map. It is the
// exclusive owner of both per spec's ownership model; all access goes
// through its exported operations.
type Store struct {
	mu sync.RWMutex

	configDir string
	log       *logrus.Entry

	identity *DeviceIdentity
	trusted  map[string]TrustedPeer // device_id -> entry
}

// New constructs a Store bound to configDir. Call Initialize before use.
func New(configDir string, log *logrus.Entry) *Store {
	return &Store{
		configDir: configDir,
		log:       log,
		trusted:   make(map[string]TrustedPeer),
	}
}

// Initialize creates the config directory if absent and loads the trust
// store if present. A missing or unparseable trust store is treated as
// empty but is not overwritten until the next successful save.
func (s *Store) Initialize() error {
	if err := os.MkdirAll(s.configDir, 0o700); err != nil {
		return fmt.Errorf("identity: create config dir: %w", err)
	}
	s.loadTrustStore()
	return nil
}

func (s *Store) loadTrustStore() {
	path := filepath.Join(s.configDir, trustFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.WithError(err).Warn("trust store unreadable, starting empty")
		}
		return
	}
	var entries []TrustedPeer
	if err := json.Unmarshal(data, &entries); err != nil {
		s.log.WithError(err).Warn("trust store unparseable, starting empty")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.trusted[e.DeviceID] = e
	}
}

// EnsureCertificate loads an existing certificate/key pair from the config
// directory, or generates a fresh self-signed one if absent. Either way it
// populates identity's certificate fields and fingerprint.
func (s *Store) EnsureCertificate(name, platform, protocolVersion string) (*DeviceIdentity, error) {
	certPath := filepath.Join(s.configDir, certFileName)
	keyPath := filepath.Join(s.configDir, keyFileName)

	var tlsCert tls.Certificate
	if certExists(certPath) && certExists(keyPath) {
		loaded, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("identity: load certificate: %w", err)
		}
		tlsCert = loaded
	} else {
		generated, err := generateCertificate(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("identity: generate certificate: %w", err)
		}
		tlsCert = generated
	}

	leaf := tlsCert.Leaf
	if leaf == nil {
		parsed, err := x509.ParseCertificate(tlsCert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("identity: parse certificate: %w", err)
		}
		leaf = parsed
	}

	fp := Fingerprint(leaf.Raw)

	ident := &DeviceIdentity{
		ID:              uuid.NewString(),
		Name:            name,
		Platform:        platform,
		ProtocolVersion: protocolVersion,
		Fingerprint:     fp,
		certPath:        certPath,
		keyPath:         keyPath,
		tlsCert:         tlsCert,
	}

	s.mu.Lock()
	s.identity = ident
	s.mu.Unlock()

	return ident, nil
}

func certExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func generateCertificate(certPath, keyPath string) (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{certOrganization},
			CommonName:   certCommonName,
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(certValidityYears, 0, 0),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	if err := writeFileAtomic(certPath, certPEM, 0o600); err != nil {
		return tls.Certificate{}, err
	}
	if err := writeFileAtomic(keyPath, keyPEM, 0o600); err != nil {
		return tls.Certificate{}, err
	}

	return tls.LoadX509KeyPair(certPath, keyPath)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Fingerprint computes the lowercase hex SHA-256 of a certificate's DER
// encoding. Bit-identical across every node: this is what is advertised in
// mDNS TXT records and stored in the trust store.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// FingerprintOfPEM parses a PEM-encoded certificate and returns its
// fingerprint, used to verify a peer certificate presented at handshake.
func FingerprintOfPEM(certPEM []byte) (string, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return "", fmt.Errorf("identity: invalid PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("identity: parse certificate: %w", err)
	}
	return Fingerprint(cert.Raw), nil
}

// TLSCertificate returns the loaded tls.Certificate for use in a
// tls.Config's Certificates slice.
func (s *Store) TLSCertificate() tls.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity.tlsCert
}

// Identity returns the current identity snapshot.
func (s *Store) Identity() DeviceIdentity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.identity
}

// SetName updates the mutable device name at runtime.
func (s *Store) SetName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity.Name = name
}

// IsTrusted reports whether device_id has a stored entry whose fingerprint
// exactly matches the one supplied.
func (s *Store) IsTrusted(deviceID, fingerprint string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.trusted[deviceID]
	return ok && entry.Fingerprint == fingerprint
}

// AddTrusted adds or replaces a trust-store entry and persists immediately.
func (s *Store) AddTrusted(deviceID, fingerprint, name string) error {
	s.mu.Lock()
	s.trusted[deviceID] = TrustedPeer{DeviceID: deviceID, Fingerprint: fingerprint, Name: name}
	s.mu.Unlock()
	return s.save()
}

// RemoveTrusted removes a trust-store entry by device_id and persists
// immediately.
func (s *Store) RemoveTrusted(deviceID string) error {
	s.mu.Lock()
	delete(s.trusted, deviceID)
	s.mu.Unlock()
	return s.save()
}

// ListTrusted returns a defensive copy of every trust-store entry.
func (s *Store) ListTrusted() []TrustedPeer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TrustedPeer, 0, len(s.trusted))
	for _, e := range s.trusted {
		out = append(out, e)
	}
	return out
}

func (s *Store) save() error {
	s.mu.RLock()
	entries := make([]TrustedPeer, 0, len(s.trusted))
	for _, e := range s.trusted {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: marshal trust store: %w", err)
	}
	path := filepath.Join(s.configDir, trustFileName)
	if err := writeFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("identity: write trust store: %w", err)
	}
	return nil
}
