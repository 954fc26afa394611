package main

import (
	"encoding/json"
	"fmt"
	"os"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, configPath, settingsPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("vmesh server %s\n", Version)
		return true
	case "status":
		return cliStatus(configPath, settingsPath)
	case "settings":
		return cliSettings(args[1:], settingsPath)
	default:
		return false
	}
}

func cliStatus(configPath, settingsPath string) bool {
	cfg, err := LoadServerConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	settings, err := LoadRuntimeSettings(settingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading settings: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Listen: %s:%d (tcp) / %d (udp)\n", cfg.Host, cfg.TCPPort, cfg.UDPPort)
	fmt.Printf("Max users: %d\n", cfg.MaxUsers)
	fmt.Printf("Max channels: %d\n", settings.MaxChannels)
	fmt.Printf("Empty channel timeout: %ds\n", settings.EmptyChannelTimeoutSecs)
	return true
}

func cliSettings(args []string, settingsPath string) bool {
	settings, err := LoadRuntimeSettings(settingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading settings: %v\n", err)
		os.Exit(1)
	}

	if len(args) == 0 || args[0] == "show" {
		out, _ := json.MarshalIndent(settings, "", "  ")
		fmt.Println(string(out))
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: server settings [show]\n")
	os.Exit(1)
	return true
}
