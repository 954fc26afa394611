package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"vmesh/client/internal/archive"
	"vmesh/client/internal/config"
	"vmesh/client/internal/e2e"
	"vmesh/client/internal/tofu"
	"vmesh/client/internal/wire"
)

// preKeyBatchSize is how many one-time pre-keys a fresh identity generates at
// first run (spec §4.6); they are uploaded after each connect, and the server
// hands them out one per PreKeyBundle request until exhausted.
const preKeyBatchSize = 20

func setDefaultEnv(key, value string) {
	if os.Getenv(key) == "" {
		_ = os.Setenv(key, value)
	}
}

// configureLinuxDesktopEnv works around WebKitGTK/Wayland compositor quirks
// the teacher's Wails shell hit on some distros. A headless client has no
// WebView, but the terminal it runs from may still be a Wayland session
// spawning a GPU-accelerated terminal emulator, so the same knobs apply.
func configureLinuxDesktopEnv() {
	if runtime.GOOS != "linux" {
		return
	}
	if os.Getenv("WAYLAND_DISPLAY") == "" {
		return
	}
	setDefaultEnv("WEBKIT_DISABLE_COMPOSITING_MODE", "1")
	setDefaultEnv("WEBKIT_DISABLE_DMABUF_RENDERER", "1")
	if os.Getenv("DISPLAY") != "" {
		setDefaultEnv("GDK_BACKEND", "x11")
	}
}

// parseStartupAddr scans args for a vmesh:// URL and returns the host:port.
// Returns "" if no vmesh:// argument is found or if the addr portion is
// empty. Lets a vmesh:// link handed to the binary by a browser or desktop
// launcher pre-fill -server.
func parseStartupAddr(args []string) string {
	const scheme = "vmesh://"
	for _, arg := range args {
		if strings.HasPrefix(arg, scheme) {
			addr := strings.TrimPrefix(arg, scheme)
			addr = strings.TrimRight(addr, "/")
			return addr
		}
	}
	return ""
}

// cliFlags mirrors the server's flag.Parse + TOML-override idiom
// (server/cli.go), trimmed to what a headless client needs: CLI flags
// override the saved JSON config (spec §7).
type cliFlags struct {
	server      string
	username    string
	channel     string
	password    string
	testUser    bool
	archivePass string
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.server, "server", "", "server address (host:port, or vmesh://host:port)")
	flag.StringVar(&f.username, "username", "", "username to authenticate with")
	flag.StringVar(&f.channel, "channel", "", "channel name (accepted but not joined; use /join <channel-id>)")
	flag.StringVar(&f.password, "password", "", "channel password, if required")
	flag.BoolVar(&f.testUser, "testuser", false, "run as a synthetic audio-streaming bot instead of an interactive session")
	flag.StringVar(&f.archivePass, "archive-password", "", "passphrase protecting the local chat archive and identity store")
	flag.Parse()
	return f
}

// session bundles the pieces main wires together: transport, audio engine,
// E2E orchestrator, persistence. Grounded on the teacher's top-level
// composition in main.go/app.go, rebuilt headless.
type session struct {
	cfg     config.Config
	tp      *Transport
	ae      *AudioEngine
	nc      *NoiseCanceller
	orch    *e2e.Orchestrator
	arc     *archive.Archive
	tofu    *tofu.Store
	selfID  wire.UserId
	myName  string
	chanID  wire.ChannelId
	created bool // true if this client created the current channel

	// trustsServer tracks whether the current channel uses server-issued
	// media keys (true) or peer-distributed-only (false); spec §10.
	trustsServer bool
	mediaKey     []byte
}

func main() {
	configureLinuxDesktopEnv()

	flags := parseFlags()
	cfg := config.Load()
	if flags.username != "" {
		cfg.Username = flags.username
	}
	if flags.username == "" {
		flags.username = cfg.Username
	}

	if addr := parseStartupAddr(os.Args[1:]); addr != "" && flags.server == "" {
		flags.server = addr
	}
	if flags.server == "" && len(cfg.Servers) > 0 {
		flags.server = cfg.Servers[0].Addr
	}

	addr, err := normalizeServerAddr(flags.server)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	if flags.testUser {
		runTestUser(addr, flags.username)
		return
	}

	runSession(addr, flags, cfg)
}

func runTestUser(addr, username string) {
	if username == "" {
		username = fmt.Sprintf("bot-%d", time.Now().UnixNano()%100000)
	}
	tu := newTestUser()
	if err := tu.start(addr, username); err != nil {
		log.Fatalf("[main] test user start: %v", err)
	}
	defer tu.stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}

func runSession(addr string, flags cliFlags, cfg config.Config) {
	s := &session{cfg: cfg, myName: flags.username}

	identityPath, err := cfg.IdentityKeyPathOrDefault()
	if err != nil {
		log.Fatalf("[main] identity path: %v", err)
	}
	preKeys, err := loadOrCreatePreKeyStore(identityPath, flags.archivePass)
	if err != nil {
		log.Fatalf("[main] identity store: %v", err)
	}

	tofuPath, err := cfg.TOFUPinPathOrDefault()
	if err != nil {
		log.Fatalf("[main] tofu path: %v", err)
	}
	pins, err := tofu.Load(tofuPath)
	if err != nil {
		log.Fatalf("[main] load tofu pins: %v", err)
	}
	s.tofu = pins

	archivePath, err := cfg.ArchivePathOrDefault()
	if err != nil {
		log.Fatalf("[main] archive path: %v", err)
	}
	arc, err := archive.OpenArchive(archivePath, flags.archivePass)
	if err != nil {
		log.Fatalf("[main] open chat archive: %v", err)
	}
	s.arc = arc
	arc.StartFlushLoop()
	defer arc.StopFlushLoop()

	s.tp = NewTransport()
	s.tp.SetTOFUStore(pins)

	s.orch = e2e.NewOrchestrator(0, preKeys.Identity, preKeys, s.tp)
	s.tp.SetOrchestrator(s.orch)

	s.ae = NewAudioEngine()
	if cfg.NoiseEnabled {
		s.nc = NewNoiseCanceller()
		s.nc.SetEnabled(true)
		s.nc.SetLevel(float32(cfg.NoiseLevel) / 100.0)
		s.ae.SetNoiseCanceller(s.nc)
	}
	s.ae.UserVolumeFunc = func(uint16) float64 { return 1.0 }

	s.wireCallbacks()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bundle := preKeys.Bundle()
	auth := &wire.Authenticate{
		Username:        flags.username,
		AppVersion:      "vmesh-client",
		ProtocolVersion: wire.ProtocolVersion,
		IdentityKey:     append([]byte(nil), preKeys.Identity.Public[:]...),
		PreKeyBundle:    &bundle,
	}

	if err := s.tp.Connect(ctx, addr, auth); err != nil {
		log.Fatalf("[main] connect: %v", err)
	}
	defer s.tp.Disconnect()

	if err := s.tp.UploadPreKeys(preKeys.UploadBatch()); err != nil {
		log.Printf("[main] upload pre-keys: %v", err)
	}

	if err := s.ae.Start(); err != nil {
		log.Printf("[main] audio engine unavailable, running voice-muted: %v", err)
	} else {
		defer s.ae.Stop()
		s.tp.StartReceiving(ctx, s.ae.PlaybackIn)
		go s.captureLoop(ctx)
		go s.adaptLoop(ctx)
	}

	go s.pruneLoop(ctx)

	if flags.channel != "" {
		var pw *string
		if flags.password != "" {
			pw = &flags.password
		}
		// No join is sent for -channel: JoinChannel takes a channel id, and
		// this client keeps no directory to resolve a name to an id.
		// Channels are joined by id with "/join".
		_ = pw
	}

	log.Printf("[main] connected to %s as %s", addr, flags.username)
	go s.inputLoop(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}
}

// captureLoop forwards encoded Opus frames from the audio engine to the
// transport, same shape as the teacher's app.go glue code (dropped along
// with the rest of the Wails binding surface).
func (s *session) captureLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-s.ae.CaptureOut:
			if !ok {
				return
			}
			if err := s.tp.SendAudio(frame); err != nil {
				log.Printf("[main] send audio: %v", err)
			}
		}
	}
}

// adaptLoop samples connection-quality metrics every 5 s and retunes the
// Opus encoder bitrate and jitter buffer depth accordingly (spec's
// adaptive-bitrate / adaptive-jitter-depth requirement, `internal/adapt`).
func (s *session) adaptLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := s.tp.GetMetrics()
			s.ae.AdaptToMetrics(m.PacketLoss, m.RTTMs, m.JitterMs)
		}
	}
}

// pruneLoop periodically expires stale pending-message queue entries in the
// E2E orchestrator (spec §4.6).
func (s *session) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.orch.PruneExpired(now)
		}
	}
}

// inputLoop is a minimal line-oriented console UI: "/create NAME [--private]
// [PASSWORD]", "/join ID [PASSWORD]", "/msg TEXT", "/dm USER-ID TEXT", "/quit". A bare CLI client has no windowing toolkit (spec
// Non-goal: native GUI shell), so this is the entire local interface.
func (s *session) inputLoop(ctx context.Context) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.handleCommand(line)
	}
}

func (s *session) handleCommand(line string) {
	fields := strings.SplitN(line, " ", 2)
	cmd := fields[0]
	var rest string
	if len(fields) > 1 {
		rest = fields[1]
	}

	switch cmd {
	case "/create":
		if rest == "" {
			log.Printf("[main] usage: /create <name> [--private] [password]")
			return
		}
		s.handleCreate(rest)
	case "/join":
		var pw *string
		if rest == "" {
			log.Printf("[main] usage: /join <channel-id> [password]")
			return
		}
		parts := strings.SplitN(rest, " ", 2)
		id, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			log.Printf("[main] invalid channel id: %v", err)
			return
		}
		if len(parts) > 1 {
			pw = &parts[1]
		}
		if err := s.tp.JoinChannel(wire.ChannelId(id), pw); err != nil {
			log.Printf("[main] join: %v", err)
		}
	case "/msg":
		if err := s.tp.SendChannelChat(rest); err != nil {
			log.Printf("[main] chat: %v", err)
		}
	case "/dm":
		parts := strings.SplitN(rest, " ", 2)
		if len(parts) != 2 {
			log.Printf("[main] usage: /dm <user-id> <text>")
			return
		}
		id, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			log.Printf("[main] invalid user id: %v", err)
			return
		}
		s.orch.SendDirect(wire.UserId(id), []byte(parts[1]))
	case "/quit":
		os.Exit(0)
	default:
		log.Printf("[main] unknown command: %s", cmd)
	}
}

// handleCreate implements "/create NAME [--private] [PASSWORD]". "--private"
// opts the channel out of server-issued media keys (spec §10): this client
// generates the media key itself and hands it to every joiner over its
// pairwise E2E session instead of trusting the server with it.
func (s *session) handleCreate(rest string) {
	fields := strings.Fields(rest)
	name := fields[0]
	trustServer := true
	rem := fields[1:]
	if len(rem) > 0 && rem[0] == "--private" {
		trustServer = false
		rem = rem[1:]
	}
	var pw *string
	if len(rem) > 0 {
		p := strings.Join(rem, " ")
		pw = &p
	}

	if !trustServer {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			log.Printf("[main] generate media key: %v", err)
			return
		}
		s.mediaKey = key
		s.trustsServer = false
	}

	if err := s.tp.CreateChannel(name, pw, trustServer); err != nil {
		log.Printf("[main] create: %v", err)
		return
	}
	s.created = true
}

// wireCallbacks connects Transport's network events to the session's local
// state: chat archiving, media-key installation, peer-distributed media-key
// fan-out for channels that opted out of server-issued keys (spec §10).
func (s *session) wireCallbacks() {
	s.tp.SetOnAuthenticated(func(a *wire.Authenticated) {
		s.selfID = a.UserID
		log.Printf("[main] authenticated as user %d (session %d)", a.UserID, a.SessionID)
	})
	s.tp.SetOnAuthError(func(reason string) {
		log.Printf("[main] auth error: %s", reason)
	})
	s.tp.SetOnDisconnected(func(reason string) {
		log.Printf("[main] disconnected: %s", reason)
	})
	s.tp.SetOnMovedToChannel(func(id wire.ChannelId) {
		s.chanID = id
		log.Printf("[main] moved to channel %d", id)
	})
	s.tp.SetOnChannelChat(func(channelID wire.ChannelId, userID wire.UserId, username, content string, ts uint64) {
		log.Printf("[channel %d] %s: %s", channelID, username, content)
	})
	s.tp.SetOnDirectChat(func(userID wire.UserId, username, content string, ts uint64) {
		log.Printf("[dm from %s] %s", username, content)
	})
	s.tp.SetOnChannelPlaintext(func(channelID wire.ChannelId, userID wire.UserId, plaintext []byte) {
		s.arc.AppendChannel(channelID, archive.Entry{
			SenderID: userID, Content: string(plaintext), TimestampMillis: uint64(time.Now().UnixMilli()),
		})
	})
	s.tp.SetOnDirectPlaintext(func(userID wire.UserId, plaintext []byte) {
		s.arc.AppendPeer(userID, archive.Entry{
			SenderID: userID, Content: string(plaintext), TimestampMillis: uint64(time.Now().UnixMilli()),
		})
	})
	s.tp.SetOnMediaKey(func(channelID wire.ChannelId, keyID uint16, key []byte) {
		s.trustsServer = true
		s.mediaKey = key
	})
	s.tp.SetOnUserJoined(func(u wire.UserInfo) {
		log.Printf("[main] user %s (%d) joined channel %d", u.Username, u.UserID, u.ChannelID)
		// Peer-distributed media key path (spec §10): if this client created
		// the current channel with trust_server_with_media_key=false, it must
		// hand the locally-generated key to every new joiner itself.
		if s.created && !s.trustsServer && s.mediaKey != nil && u.ChannelID == s.chanID {
			s.orch.SendDirect(u.UserID, s.mediaKey)
		}
	})
	s.tp.SetOnKicked(func(channelID wire.ChannelId, reason string) {
		log.Printf("[main] kicked from channel %d: %s", channelID, reason)
	})
}

// loadOrCreatePreKeyStore opens the encrypted identity/pre-key store,
// generating a fresh X25519 identity and one-time pre-key batch on first run
// (spec §4.6).
func loadOrCreatePreKeyStore(path, password string) (*e2e.PreKeyStore, error) {
	store, err := e2e.LoadStore(path, password)
	if err == nil {
		return store, nil
	}
	if !os.IsNotExist(err) {
		log.Printf("[main] identity store unreadable, generating a new one: %v", err)
	}

	store, err = e2e.NewPreKeyStore(newRegistrationID(), 1, preKeyBatchSize)
	if err != nil {
		return nil, err
	}
	if err := e2e.SaveStore(path, password, store); err != nil {
		return nil, err
	}
	return store, nil
}

// newRegistrationID returns a random client registration id (spec §4.6,
// analogous to Signal's per-device registration id).
func newRegistrationID() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(b[:])
}
