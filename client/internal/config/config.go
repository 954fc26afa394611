// Package config manages persistent user preferences for the client.
// Settings are stored as JSON at os.UserConfigDir()/bken/config.json.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds all persistent user preferences.
type Config struct {
	Theme          string        `json:"theme"`
	Username       string        `json:"username"`
	InputDeviceID  int           `json:"input_device_id"`
	OutputDeviceID int           `json:"output_device_id"`
	Volume         float64       `json:"volume"`
	NoiseEnabled   bool          `json:"noise_enabled"`
	NoiseLevel     int           `json:"noise_level"`
	AECEnabled     bool          `json:"aec_enabled"`
	AGCEnabled     bool          `json:"agc_enabled"`
	PTTEnabled     bool          `json:"ptt_enabled"`
	PTTKey         string        `json:"ptt_key"`
	Servers        []ServerEntry `json:"servers"`

	// IdentityKeyPath / ArchivePath / TOFUPinPath override the default
	// per-user-config-dir locations for the E2E identity/session store, the
	// chat archive, and the TLS certificate pin store (spec §6/§7). Empty
	// means "use the default path under os.UserConfigDir()".
	IdentityKeyPath string `json:"identity_key_path"`
	ArchivePath     string `json:"archive_path"`
	TOFUPinPath     string `json:"tofu_pin_path"`
}

// ServerEntry is a saved server shown in the server browser.
type ServerEntry struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Theme:          "dark",
		Volume:         1.0,
		NoiseLevel:     80,
		InputDeviceID:  -1,
		OutputDeviceID: -1,
		NoiseEnabled:   true,
		AECEnabled:     true,
		AGCEnabled:     true,
		PTTEnabled:     false,
		PTTKey:         "Backquote",
		Servers: []ServerEntry{
			{Name: "Local Dev", Addr: "localhost:4433"},
		},
	}
}

// configDirName is the subdirectory under os.UserConfigDir() holding all
// client state (config, identity store, chat archive, TOFU pins).
const configDirName = "bken"

// Path returns the absolute path to the config file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configDirName, "config.json"), nil
}

// IdentityKeyPathOrDefault returns the configured or default path to the
// encrypted E2E identity/session store (spec §6, "VSIG" blob).
func (c Config) IdentityKeyPathOrDefault() (string, error) {
	if c.IdentityKeyPath != "" {
		return c.IdentityKeyPath, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configDirName, "identity.vsig"), nil
}

// ArchivePathOrDefault returns the configured or default path to the
// encrypted chat archive (spec §3/§6, "VOIP" blob).
func (c Config) ArchivePathOrDefault() (string, error) {
	if c.ArchivePath != "" {
		return c.ArchivePath, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configDirName, "chat.archive"), nil
}

// TOFUPinPathOrDefault returns the configured or default path to the
// certificate pin store (spec §6).
func (c Config) TOFUPinPathOrDefault() (string, error) {
	if c.TOFUPinPath != "" {
		return c.TOFUPinPath, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configDirName, "tofu.json"), nil
}

// Load reads the config file and returns it. If the file is missing or
// unreadable, the default config is returned, never an error.
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	return cfg
}

// Save persists cfg to disk atomically: write to a temp file in the same
// directory, then rename over the destination, so a crash mid-write never
// leaves a truncated config behind.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "config-*.json.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
