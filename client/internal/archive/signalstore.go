package archive

import (
	"os"
	"path/filepath"
)

// SaveSignalStore encrypts raw identity/session bytes (produced by the e2e
// package's own serialization) under the "VSIG" magic (spec §6).
func SaveSignalStore(path, password string, plaintext []byte) error {
	blob, err := Seal(MagicSignalStore, password, plaintext)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, blob, 0o600)
}

// LoadSignalStore decrypts a previously-saved "VSIG" blob. Returns
// os.ErrNotExist (wrapped) when the file is absent.
func LoadSignalStore(path, password string) ([]byte, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Open(MagicSignalStore, password, blob)
}
