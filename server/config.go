package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// ServerConfig is the static, file-loaded server configuration (spec §6).
// It is read once at startup; everything mutable at runtime lives in
// RuntimeSettings instead.
type ServerConfig struct {
	Host     string `toml:"host"`
	TCPPort  int    `toml:"tcp_port"`
	UDPPort  int    `toml:"udp_port"`
	MaxUsers int    `toml:"max_users"`
	CertPath string `toml:"cert_path"`
	KeyPath  string `toml:"key_path"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:     "0.0.0.0",
		TCPPort:  8443,
		UDPPort:  8443,
		MaxUsers: DefaultMaxUsers,
	}
}

// LoadServerConfig reads a TOML config file, falling back to defaults for any
// field the file omits and for the file not existing at all.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := defaultServerConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("[config] decode %s: %w", path, err)
	}
	return cfg, nil
}

// RuntimeSettings holds the mutable knobs an operator may change without a
// restart (spec §6). Persisted as JSON so it can be hand-edited.
type RuntimeSettings struct {
	EmptyChannelTimeoutSecs int `json:"empty_channel_timeout_secs"`
	MaxChannels             int `json:"max_channels"`
	MaxChannelNameLen       int `json:"max_channel_name_len"`
}

func defaultRuntimeSettings() RuntimeSettings {
	return RuntimeSettings{
		EmptyChannelTimeoutSecs: int(DefaultEmptyChannelTimeout / time.Second),
		MaxChannels:             DefaultMaxChannels,
		MaxChannelNameLen:       DefaultMaxChannelNameLen,
	}
}

// LoadRuntimeSettings reads a JSON settings file, falling back to defaults
// when it does not exist.
func LoadRuntimeSettings(path string) (RuntimeSettings, error) {
	s := defaultRuntimeSettings()
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("[config] read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("[config] parse %s: %w", path, err)
	}
	return s, nil
}

func (s RuntimeSettings) EmptyChannelTimeout() time.Duration {
	return time.Duration(s.EmptyChannelTimeoutSecs) * time.Second
}
