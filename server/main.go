package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"
)

// Version is the current server version. Set at build time via -ldflags.
var Version = "0.1.0-dev"

// udpPort is advertised to clients in the Authenticated reply (spec §4.7).
// Set once at startup from the resolved server config.
var udpPort uint16

func main() {
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:], "vmesh.toml", "settings.json") {
			return
		}
	}

	configPath := flag.String("config", "vmesh.toml", "TOML server config path")
	settingsPath := flag.String("settings", "settings.json", "JSON runtime settings path")
	apiAddr := flag.String("api-addr", ":8081", "metrics/health API listen address (empty to disable)")
	idleTimeout := flag.Duration("idle-timeout", 30*time.Second, "control stream idle timeout")
	certValidity := flag.Duration("cert-validity", 24*time.Hour, "self-signed TLS certificate validity")
	flag.Parse()

	cfg, err := LoadServerConfig(*configPath)
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	settings, err := LoadRuntimeSettings(*settingsPath)
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	udpPort = uint16(cfg.UDPPort)

	tlsConfig, fingerprint, err := generateTLSConfig(*certValidity, cfg.Host)
	if err != nil {
		log.Fatalf("[server] %v", err)
	}
	log.Printf("[server] TLS certificate fingerprint: %s", fingerprint)

	room := NewRoom(cfg.MaxUsers, settings.MaxChannels, settings.MaxChannelNameLen, settings.EmptyChannelTimeout())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[server] shutting down...")
		cancel()
	}()

	go RunMetrics(ctx, room, 5*time.Second)

	go func() {
		if err := RunDatagramRouter(ctx, room, cfg.Host, cfg.UDPPort); err != nil {
			log.Printf("[datagram] %v", err)
		}
	}()

	if *apiAddr != "" {
		api := NewAPIServer(room)
		go api.Run(ctx, *apiAddr)
		log.Printf("[api] listening on %s", *apiAddr)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.TCPPort)
	srv := NewServer(addr, tlsConfig, room, *idleTimeout)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("[server] %v", err)
	}
}
