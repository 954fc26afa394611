// Package tofu implements the client's trust-on-first-use certificate
// pinning (spec §6): on first connect to a hostname, the server's
// certificate fingerprint is stored; on subsequent connects, any change is
// rejected. Grounded on client/internal/config's atomic-JSON-save idiom.
package tofu

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
)

// ErrFingerprintMismatch is returned by Verify when a hostname's pinned
// fingerprint does not match the certificate presented this time (spec §6:
// "reject any change and refuse to proceed").
var ErrFingerprintMismatch = errors.New("tofu: certificate fingerprint changed since first connect")

// Store is a JSON map of hostname → base64(SHA-256 fingerprint) (spec §6/§7).
type Store struct {
	mu   sync.Mutex
	path string
	pins map[string]string
}

// Path returns the default pin-store location.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "vmesh", "tofu.json"), nil
}

// Load reads the pin store from path. A missing file yields an empty store.
func Load(path string) (*Store, error) {
	s := &Store{path: path, pins: make(map[string]string)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &s.pins); err != nil {
		return nil, err
	}
	return s, nil
}

// Save persists the pin store to disk. A save failure is one of spec §8's
// never-fatal categories — callers should log and continue, not abort the
// connection over it.
func (s *Store) Save() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.pins, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

// Fingerprint computes the SHA-256 fingerprint of a DER-encoded certificate.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Verify checks cert against the pin for hostname. If no pin exists yet, it
// is recorded (pin-on-first-connect) and nil is returned. If a pin exists
// and matches, nil is returned. If a pin exists and differs,
// ErrFingerprintMismatch is returned and nothing is changed.
func (s *Store) Verify(hostname string, cert *x509.Certificate) error {
	fp := Fingerprint(cert)

	s.mu.Lock()
	existing, ok := s.pins[hostname]
	if !ok {
		s.pins[hostname] = fp
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}
	if existing != fp {
		return ErrFingerprintMismatch
	}
	return nil
}

// Forget removes a hostname's pin, e.g. after the user confirms a known
// certificate rotation.
func (s *Store) Forget(hostname string) {
	s.mu.Lock()
	delete(s.pins, hostname)
	s.mu.Unlock()
}
