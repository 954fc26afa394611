package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"

	"vmesh/client/internal/e2e"
	"vmesh/client/internal/tofu"
	"vmesh/client/internal/video"
	"vmesh/client/internal/wire"
)

// mutedSet is a concurrent set of local-scope (truncated) sender IDs.
type mutedSet struct{ m sync.Map }

func (ms *mutedSet) Add(id uint16)    { ms.m.Store(id, struct{}{}) }
func (ms *mutedSet) Remove(id uint16) { ms.m.Delete(id) }
func (ms *mutedSet) Has(id uint16) bool {
	_, ok := ms.m.Load(id)
	return ok
}
func (ms *mutedSet) Clear() {
	ms.m.Range(func(k, _ any) bool { ms.m.Delete(k); return true })
}
func (ms *mutedSet) Slice() []uint16 {
	var out []uint16
	ms.m.Range(func(k, _ any) bool { out = append(out, k.(uint16)); return true })
	return out
}

// Metrics holds connection quality metrics, unchanged in shape from the
// teacher's dashboard format (spec carries no wire format for these — they
// are purely local instrumentation).
type Metrics struct {
	RTTMs           float64 `json:"rtt_ms"`
	PacketLoss      float64 `json:"packet_loss"`
	JitterMs        float64 `json:"jitter_ms"`
	BitrateKbps     float64 `json:"bitrate_kbps"`
	QualityLevel    string  `json:"quality_level"`
	PlaybackDropped uint64  `json:"playback_dropped"`
}

// qualityLevel classifies connection quality from metrics.
func qualityLevel(loss, rttMs, jitterMs, dropRate float64) string {
	if loss >= 0.10 || rttMs >= 300 || jitterMs >= 50 || dropRate >= 5 {
		return "poor"
	}
	if loss >= 0.02 || rttMs >= 100 || jitterMs >= 20 || dropRate >= 1 {
		return "moderate"
	}
	return "good"
}

// Transport owns the WebTransport session to the server: the binary
// control-message stream (spec §4.2) and the unreliable voice/video
// datagram plane (spec §4.3/§4.5). It implements e2e.Sender and
// video.Sender/video.KeyframeRequester so the E2E orchestrator and the
// screen-share pipelines can drive the wire directly.
type Transport struct {
	mu      sync.Mutex
	session *webtransport.Session
	cancel  context.CancelFunc

	myID      wire.UserId
	sessionID uint32
	udpToken  uint64
	channelID wire.ChannelId

	ctrlMu sync.Mutex
	ctrl   *webtransport.Stream

	// cryptoMu guards voiceKeyID/mediaCipher, the current channel's media key.
	// A client is a member of at most one voice channel at a time (spec
	// §4.1), so one cipher slot is sufficient.
	cryptoMu  sync.Mutex
	voiceKeyID uint16
	mediaCipher *wire.MediaCipher

	seq atomic.Uint32

	smoothedRTT  atomic.Uint64
	lastPingTs   atomic.Int64
	lastPongTime atomic.Int64
	bytesSent    atomic.Uint64

	lostPackets     atomic.Uint64
	expectedPackets atomic.Uint64
	smoothedJitter  atomic.Uint64
	playbackDropped atomic.Uint64

	muted mutedSet

	recvCancel context.CancelFunc

	disconnectReason string

	metricsMu       sync.Mutex
	lastMetricsTime time.Time

	serverAddr string

	// tofuStore pins the server's certificate fingerprint (spec §6). May be
	// nil, in which case certificate verification is skipped entirely
	// (self-signed dev servers).
	tofuStore *tofu.Store

	orchestrator *e2e.Orchestrator

	videoSendMu sync.Mutex
	videoSend   *video.SendPipeline

	videoRecvMu sync.Mutex
	videoRecv   map[wire.UserId]*video.ReceivePipeline

	cbMu                   sync.RWMutex
	onUserList             func(wire.ChannelId, []wire.UserInfo)
	onChannelUsers         func(wire.ChannelId, []wire.UserInfo)
	onUserJoined           func(wire.UserInfo)
	onUserLeft             func(wire.UserId, wire.ChannelId)
	onAudioReceived        func(uint16)
	onDisconnected         func(reason string)
	onChannelChat          func(wire.ChannelId, wire.UserId, string, string, uint64)
	onDirectChat           func(wire.UserId, string, string, uint64)
	onDirectPlaintext      func(wire.UserId, []byte)
	onChannelPlaintext     func(wire.ChannelId, wire.UserId, []byte)
	onAuthenticated        func(*wire.Authenticated)
	onAuthError            func(string)
	onKicked               func(wire.ChannelId, string)
	onChannelList          func([]wire.ChannelInfo)
	onMovedToChannel       func(wire.ChannelId)
	onMediaKey             func(wire.ChannelId, uint16, []byte)
	onScreenShareStarted   func(wire.UserId, uint16)
	onScreenShareStopped   func(wire.UserId)
	onViewerCountChanged   func(wire.UserId, uint32)
}

// NewTransport creates a ready-to-use Transport.
func NewTransport() *Transport {
	return &Transport{
		lastMetricsTime: time.Now(),
		videoRecv:       make(map[wire.UserId]*video.ReceivePipeline),
	}
}

// SetTOFUStore installs the pin store used to verify the server's
// certificate on Connect. Must be called before Connect.
func (t *Transport) SetTOFUStore(s *tofu.Store) { t.tofuStore = s }

// SetOrchestrator wires the E2E session orchestrator. Must be called before
// Connect so incoming encrypted messages can be routed to it.
func (t *Transport) SetOrchestrator(o *e2e.Orchestrator) { t.orchestrator = o }

// SetVideoSendPipeline installs the screen-share capture/encode pipeline
// whose fragments SendVideoPacket forwards to the wire.
func (t *Transport) SetVideoSendPipeline(p *video.SendPipeline) {
	t.videoSendMu.Lock()
	t.videoSend = p
	t.videoSendMu.Unlock()
}

// AddVideoReceivePipeline registers a per-sharer receive pipeline so
// incoming video datagrams from that sharer are routed to it.
func (t *Transport) AddVideoReceivePipeline(sharerID wire.UserId, p *video.ReceivePipeline) {
	t.videoRecvMu.Lock()
	t.videoRecv[sharerID] = p
	t.videoRecvMu.Unlock()
}

// RemoveVideoReceivePipeline unregisters a sharer's receive pipeline.
func (t *Transport) RemoveVideoReceivePipeline(sharerID wire.UserId) {
	t.videoRecvMu.Lock()
	delete(t.videoRecv, sharerID)
	t.videoRecvMu.Unlock()
}

// --- Callback setters ---

func (t *Transport) SetOnUserList(fn func(wire.ChannelId, []wire.UserInfo)) {
	t.cbMu.Lock()
	t.onUserList = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnChannelUsers(fn func(wire.ChannelId, []wire.UserInfo)) {
	t.cbMu.Lock()
	t.onChannelUsers = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnUserJoined(fn func(wire.UserInfo)) {
	t.cbMu.Lock()
	t.onUserJoined = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnUserLeft(fn func(wire.UserId, wire.ChannelId)) {
	t.cbMu.Lock()
	t.onUserLeft = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnAudioReceived(fn func(uint16)) {
	t.cbMu.Lock()
	t.onAudioReceived = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnDisconnected(fn func(reason string)) {
	t.cbMu.Lock()
	t.onDisconnected = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnChannelChat(fn func(wire.ChannelId, wire.UserId, string, string, uint64)) {
	t.cbMu.Lock()
	t.onChannelChat = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnDirectChat(fn func(wire.UserId, string, string, uint64)) {
	t.cbMu.Lock()
	t.onDirectChat = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnDirectPlaintext(fn func(wire.UserId, []byte)) {
	t.cbMu.Lock()
	t.onDirectPlaintext = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnChannelPlaintext(fn func(wire.ChannelId, wire.UserId, []byte)) {
	t.cbMu.Lock()
	t.onChannelPlaintext = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnAuthenticated(fn func(*wire.Authenticated)) {
	t.cbMu.Lock()
	t.onAuthenticated = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnAuthError(fn func(string)) {
	t.cbMu.Lock()
	t.onAuthError = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnKicked(fn func(wire.ChannelId, string)) {
	t.cbMu.Lock()
	t.onKicked = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnChannelList(fn func([]wire.ChannelInfo)) {
	t.cbMu.Lock()
	t.onChannelList = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnMovedToChannel(fn func(wire.ChannelId)) {
	t.cbMu.Lock()
	t.onMovedToChannel = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnMediaKey(fn func(wire.ChannelId, uint16, []byte)) {
	t.cbMu.Lock()
	t.onMediaKey = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnScreenShareStarted(fn func(wire.UserId, uint16)) {
	t.cbMu.Lock()
	t.onScreenShareStarted = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnScreenShareStopped(fn func(wire.UserId)) {
	t.cbMu.Lock()
	t.onScreenShareStopped = fn
	t.cbMu.Unlock()
}
func (t *Transport) SetOnViewerCountChanged(fn func(wire.UserId, uint32)) {
	t.cbMu.Lock()
	t.onViewerCountChanged = fn
	t.cbMu.Unlock()
}

// --- Per-user local muting (truncated sender id; see voiceSenderID) ---

func (t *Transport) MuteUser(id uint16)         { t.muted.Add(id) }
func (t *Transport) UnmuteUser(id uint16)       { t.muted.Remove(id) }
func (t *Transport) IsUserMuted(id uint16) bool { return t.muted.Has(id) }
func (t *Transport) MutedUsers() []uint16       { return t.muted.Slice() }

// --- Control-plane requests ---

func (t *Transport) JoinChannel(id wire.ChannelId, password *string) error {
	return t.writeCtrl(&wire.JoinChannel{ChannelID: id, Password: password})
}
func (t *Transport) CreateChannel(name string, password *string, trustServer bool) error {
	return t.writeCtrl(&wire.CreateChannel{Name: name, Password: password, TrustServerWithMediaKey: trustServer})
}
func (t *Transport) KickUser(channelID wire.ChannelId, userID wire.UserId) error {
	return t.writeCtrl(&wire.KickUser{ChannelID: channelID, UserID: userID})
}
func (t *Transport) SetMuted(muted bool) error   { return t.writeCtrl(&wire.SetMuted{Muted: muted}) }
func (t *Transport) SetDeafened(d bool) error     { return t.writeCtrl(&wire.SetDeafened{Deafened: d}) }
func (t *Transport) RequestChannelList() error    { return t.writeCtrl(&wire.RequestChannelList{}) }
func (t *Transport) RequestChannelUsers(id wire.ChannelId) error {
	return t.writeCtrl(&wire.RequestChannelUsers{ChannelID: id})
}

func (t *Transport) SendChannelChat(content string) error {
	if err := validateChat(content); err != nil {
		return err
	}
	return t.writeCtrl(&wire.SendChannelMessage{Content: content})
}

func (t *Transport) SendDirectChat(target wire.UserId, content string) error {
	if err := validateChat(content); err != nil {
		return err
	}
	return t.writeCtrl(&wire.SendDirectMessage{TargetUserID: target, Content: content})
}

func validateChat(message string) error {
	if message == "" {
		return fmt.Errorf("message must not be empty")
	}
	if len(message) > 500 {
		return fmt.Errorf("message must not exceed 500 characters")
	}
	return nil
}

func (t *Transport) StartScreenShare(source string, resolution uint16) error {
	return t.writeCtrl(&wire.StartScreenShare{Source: source, Resolution: resolution})
}
func (t *Transport) StopScreenShare() error { return t.writeCtrl(&wire.StopScreenShare{}) }
func (t *Transport) WatchScreenShare(sharer wire.UserId) error {
	return t.writeCtrl(&wire.WatchScreenShare{SharerUserID: sharer})
}
func (t *Transport) StopWatchingScreenShare() error {
	return t.writeCtrl(&wire.StopWatchingScreenShare{})
}

// RequestKeyframe implements video.KeyframeRequester.
func (t *Transport) RequestKeyframe(sharerUserID wire.UserId) {
	t.writeCtrlBestEffort(&wire.RequestKeyframe{SharerUserID: sharerUserID})
}

// --- e2e.Sender ---

func (t *Transport) SendRequestPreKeyBundle(target wire.UserId) {
	t.writeCtrlBestEffort(&wire.RequestPreKeyBundle{TargetUserID: target})
}
func (t *Transport) SendEncryptedDirectMessage(target wire.UserId, ciphertext []byte, msgType uint8) {
	t.writeCtrlBestEffort(&wire.SendEncryptedDirectMessage{TargetUserID: target, Ciphertext: ciphertext, MessageType: msgType})
}
func (t *Transport) SendEncryptedChannelMessage(ciphertext []byte) {
	t.writeCtrlBestEffort(&wire.SendEncryptedChannelMessage{Ciphertext: ciphertext})
}
func (t *Transport) SendDistributeSenderKey(channelID wire.ChannelId, target wire.UserId, distMsg []byte, msgType uint8) {
	t.writeCtrlBestEffort(&wire.DistributeSenderKey{ChannelID: channelID, TargetUserID: target, DistributionMessage: distMsg, MessageType: msgType})
}
func (t *Transport) UploadPreKeys(keys []wire.OneTimePreKey) error {
	return t.writeCtrl(&wire.UploadPreKeys{PreKeys: keys})
}
func (t *Transport) DistributeMediaKey(channelID wire.ChannelId, target wire.UserId, encryptedKey []byte) error {
	return t.writeCtrl(&wire.DistributeMediaKey{ChannelID: channelID, TargetUserID: target, EncryptedMediaKey: encryptedKey})
}

// --- video.Sender ---

// SendVideoPacket stamps session auth fields and fires a fragment as an
// unreliable datagram.
func (t *Transport) SendVideoPacket(p *wire.VideoPacket) {
	t.mu.Lock()
	sess := t.session
	t.mu.Unlock()
	if sess == nil {
		return
	}
	data := p.Marshal()
	t.bytesSent.Add(uint64(len(data)))
	if err := sess.SendDatagram(data); err != nil {
		log.Printf("[transport] send video datagram: %v", err)
	}
}

// connectTimeout bounds the initial WebTransport dial.
const connectTimeout = 10 * time.Second

// authTimeout is not applied by Connect: Connect returns once Authenticate
// is written, and Authenticated/AuthError arrive via the control reader.
const authTimeout = 5 * time.Second

// Connect dials the server over WebTransport/QUIC, verifies its certificate
// against the TOFU pin store (spec §6), authenticates (optionally carrying
// an E2E identity key and pre-key bundle), and starts the control-stream
// reader and ping loop.
func (t *Transport) Connect(ctx context.Context, addr string, auth *wire.Authenticate) error {
	t.muted.Clear()
	t.mu.Lock()
	t.disconnectReason = ""
	t.serverAddr = addr
	t.mu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(ctx, connectTimeout)
	defer dialCancel()

	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	tlsConf := &tls.Config{InsecureSkipVerify: true} //nolint:gosec — verified manually via TOFU below
	if t.tofuStore != nil {
		host := addr
		tlsConf.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("tofu: no certificate presented")
			}
			cert, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return err
			}
			if err := t.tofuStore.Verify(host, cert); err != nil {
				return err
			}
			if err := t.tofuStore.Save(); err != nil {
				// Save failure is never-fatal (spec §8): the pin is held in
				// memory for this session even if it couldn't be persisted.
				log.Printf("[transport] tofu: save pin store: %v", err)
			}
			return nil
		}
	}

	d := webtransport.Dialer{
		TLSClientConfig: tlsConf,
		QUICConfig: &quic.Config{
			EnableDatagrams:                  true,
			EnableStreamResetPartialDelivery: true,
		},
	}

	_, sess, err := d.Dial(dialCtx, "https://"+addr, http.Header{})
	if err != nil {
		cancel()
		return err
	}

	t.mu.Lock()
	t.session = sess
	t.mu.Unlock()

	stream, err := sess.OpenStream()
	if err != nil {
		cancel()
		sess.CloseWithError(0, "failed to open control stream")
		return err
	}
	t.ctrlMu.Lock()
	t.ctrl = stream
	t.ctrlMu.Unlock()

	t.smoothedRTT.Store(0)
	t.smoothedJitter.Store(0)
	t.bytesSent.Store(0)
	t.lostPackets.Store(0)
	t.expectedPackets.Store(0)
	t.lastPongTime.Store(time.Now().UnixNano())
	t.metricsMu.Lock()
	t.lastMetricsTime = time.Now()
	t.metricsMu.Unlock()

	if auth.ProtocolVersion == 0 {
		auth.ProtocolVersion = wire.ProtocolVersion
	}
	if err := t.writeCtrl(auth); err != nil {
		cancel()
		sess.CloseWithError(0, "failed to authenticate")
		return fmt.Errorf("send authenticate: %w", err)
	}

	go t.readControl(ctx, stream)
	go t.pingLoop(ctx)

	return nil
}

// Disconnect closes the WebTransport session.
func (t *Transport) Disconnect() {
	t.ctrlMu.Lock()
	if t.ctrl != nil {
		t.ctrl.Close() //nolint:errcheck // best-effort close for fast server-side teardown
		t.ctrl = nil
	}
	t.ctrlMu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.recvCancel != nil {
		t.recvCancel()
		t.recvCancel = nil
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.session != nil {
		t.session.CloseWithError(0, "disconnect")
		t.session = nil
	}
	t.myID = 0
}

// MyID returns the local client's server-assigned user ID (0 before auth ack).
func (t *Transport) MyID() wire.UserId {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.myID
}

// writeCtrl serialises and frames a control message write.
func (t *Transport) writeCtrl(msg wire.ClientMessage) error {
	t.ctrlMu.Lock()
	defer t.ctrlMu.Unlock()
	if t.ctrl == nil {
		return fmt.Errorf("control stream not connected")
	}
	_, err := t.ctrl.Write(wire.Encode(msg.Marshal()))
	return err
}

// writeCtrlBestEffort sends a control message without returning errors.
func (t *Transport) writeCtrlBestEffort(msg wire.ClientMessage) {
	if err := t.writeCtrl(msg); err != nil {
		log.Printf("[transport] best-effort write: %v", err)
	}
}

// setMediaCipher installs the current channel's media key (spec §4.5),
// either server-issued (MediaKey) or peer-distributed (MediaKeyDistribution
// decrypted by the orchestrator).
func (t *Transport) setMediaCipher(keyID uint16, key []byte) {
	cipher, err := wire.NewMediaCipher(key)
	if err != nil {
		log.Printf("[transport] install media key: %v", err)
		return
	}
	t.cryptoMu.Lock()
	t.voiceKeyID = keyID
	t.mediaCipher = cipher
	t.cryptoMu.Unlock()
}

func (t *Transport) currentCipher() (*wire.MediaCipher, uint16) {
	t.cryptoMu.Lock()
	defer t.cryptoMu.Unlock()
	return t.mediaCipher, t.voiceKeyID
}

// SendAudio sends an encoded Opus frame as an unreliable datagram, encrypted
// under the current channel's media key if one has been installed.
func (t *Transport) SendAudio(opusData []byte) error {
	t.mu.Lock()
	sess := t.session
	sessionID := t.sessionID
	token := t.udpToken
	channelID := t.channelID
	t.mu.Unlock()
	if sess == nil {
		return nil
	}

	seq := t.seq.Add(1)
	cipher, keyID := t.currentCipher()

	pkt := &wire.VoicePacket{
		Type:      PacketTypeForVoice(cipher != nil),
		SessionID: sessionID,
		Token:     token,
		Sequence:  seq,
		KeyID:     keyID,
		Payload:   opusData,
	}
	if cipher != nil {
		aad := wire.BuildAAD(channelID, pkt.Type)
		ct, err := cipher.Seal(sessionID, seq, 0, aad, opusData)
		if err != nil {
			return err
		}
		pkt.Payload = ct
	}

	data := pkt.Marshal()
	t.bytesSent.Add(uint64(len(data)))
	return sess.SendDatagram(data)
}

// PacketTypeForVoice selects the plaintext or encrypted voice packet type.
func PacketTypeForVoice(encrypted bool) uint8 {
	if encrypted {
		return wire.PacketEncVoice
	}
	return wire.PacketVoice
}

// TaggedAudio is a voice frame tagged with a local (truncated) sender ID and
// sequence number, fed into the audio engine's per-sender jitter buffer.
type TaggedAudio struct {
	SenderID uint16
	Seq      uint16
	OpusData []byte
}

// voiceSenderID derives the jitter buffer's compact per-sender key from a
// voice packet's SessionID. The server assigns SessionID and UserID from the
// same counter at authentication time, so truncating to 16 bits is safe for
// any realistically sized server (spec leaves exact session-id width
// unspecified; this mirrors the teacher's original 16-bit wire format).
func voiceSenderID(sessionID uint32) uint16 { return uint16(sessionID) }

// StartReceiving pumps incoming voice and video datagrams. Voice frames are
// decrypted (if a media key is installed) and delivered to playbackCh; video
// fragments are routed to the matching per-sharer ReceivePipeline.
func (t *Transport) StartReceiving(ctx context.Context, playbackCh chan<- TaggedAudio) {
	t.mu.Lock()
	if t.recvCancel != nil {
		t.recvCancel()
	}
	sess := t.session
	t.mu.Unlock()
	if sess == nil {
		return
	}

	rctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.recvCancel = cancel
	t.mu.Unlock()

	go func() {
		defer cancel()
		speakTimers := make(map[uint16]time.Time)
		lastSeq := make(map[uint16]uint32)
		hasSeq := make(map[uint16]bool)
		lastSeen := make(map[uint16]time.Time)
		lastArrival := make(map[uint16]time.Time)
		var pruneCounter int

		const expectedGapMs = 20.0
		const jitterAlpha = 1.0 / 16.0

		for {
			data, err := sess.ReceiveDatagram(rctx)
			if err != nil {
				return
			}

			if len(data) == 0 {
				continue
			}

			switch data[0] {
			case wire.PacketVoice, wire.PacketEncVoice, wire.PacketPing, wire.PacketPong, wire.PacketEndOfTransmission:
				pkt, err := wire.ParseVoicePacket(data)
				if err != nil {
					continue
				}
				senderID := voiceSenderID(pkt.SessionID)
				if t.muted.Has(senderID) {
					continue
				}

				opusData := pkt.Payload
				if pkt.Type == wire.PacketEncVoice {
					cipher, _ := t.currentCipher()
					if cipher == nil {
						continue
					}
					t.mu.Lock()
					channelID := t.channelID
					t.mu.Unlock()
					aad := wire.BuildAAD(channelID, pkt.Type)
					plain, err := cipher.Open(pkt.SessionID, pkt.Sequence, 0, aad, opusData)
					if err != nil {
						continue
					}
					opusData = plain
				}

				now := time.Now()
				lastSeen[senderID] = now
				seq := uint16(pkt.Sequence)

				forwardProgress := false
				if prev, has := lastSeq[senderID]; has && hasSeq[senderID] {
					diff := pkt.Sequence - prev
					if diff > 0 && diff < 1000 {
						forwardProgress = true
						lastSeq[senderID] = pkt.Sequence
						t.expectedPackets.Add(uint64(diff))
						if diff > 1 {
							t.lostPackets.Add(uint64(diff - 1))
						}
					}
				} else {
					forwardProgress = true
					lastSeq[senderID] = pkt.Sequence
					hasSeq[senderID] = true
				}

				if forwardProgress {
					if prev, ok := lastArrival[senderID]; ok {
						gapMs := float64(now.Sub(prev).Microseconds()) / 1000.0
						if gapMs < 100.0 {
							d := gapMs - expectedGapMs
							if d < 0 {
								d = -d
							}
							old := math.Float64frombits(t.smoothedJitter.Load())
							next := old + jitterAlpha*(d-old)
							t.smoothedJitter.Store(math.Float64bits(next))
						}
					}
					lastArrival[senderID] = now
				}

				t.cbMu.RLock()
				onAudio := t.onAudioReceived
				t.cbMu.RUnlock()
				if onAudio != nil {
					if last, ok := speakTimers[senderID]; !ok || now.Sub(last) > 80*time.Millisecond {
						speakTimers[senderID] = now
						onAudio(senderID)
					}
				}

				pruneCounter++
				if pruneCounter >= 500 {
					pruneCounter = 0
					for id, seen := range lastSeen {
						if now.Sub(seen) > 30*time.Second {
							delete(lastSeen, id)
							delete(lastSeq, id)
							delete(hasSeq, id)
							delete(speakTimers, id)
							delete(lastArrival, id)
						}
					}
				}

				select {
				case playbackCh <- TaggedAudio{SenderID: senderID, Seq: seq, OpusData: opusData}:
				default:
					t.playbackDropped.Add(1)
				}

			case wire.PacketDelta, wire.PacketKey, wire.PacketScreenAudio,
				wire.PacketEncDelta, wire.PacketEncKey, wire.PacketEncScreenAudio:
				pkt, err := wire.ParseVideoPacket(data)
				if err != nil {
					continue
				}
				t.videoRecvMu.Lock()
				recv := t.videoRecv[wire.UserId(pkt.SessionID)]
				t.videoRecvMu.Unlock()
				if recv == nil {
					continue
				}
				t.mu.Lock()
				channelID := t.channelID
				t.mu.Unlock()
				recv.PushPacket(pkt, channelID)
			}
		}
	}()
}

// GetMetrics returns current connection quality metrics and resets interval counters.
func (t *Transport) GetMetrics() Metrics {
	now := time.Now()

	t.metricsMu.Lock()
	elapsed := now.Sub(t.lastMetricsTime).Seconds()
	if elapsed <= 0 {
		elapsed = 2
	}
	t.lastMetricsTime = now
	t.metricsMu.Unlock()

	bytes := t.bytesSent.Swap(0)
	bitrate := float64(bytes*8) / elapsed / 1000

	lost := t.lostPackets.Swap(0)
	expected := t.expectedPackets.Swap(0)
	var loss float64
	if expected > 0 {
		loss = float64(lost) / float64(expected)
		if loss > 1 {
			loss = 1
		}
	}

	rtt := math.Float64frombits(t.smoothedRTT.Load())
	jitterMs := math.Float64frombits(t.smoothedJitter.Load())
	playbackDrops := t.playbackDropped.Swap(0)

	return Metrics{
		RTTMs:           rtt,
		PacketLoss:      loss,
		JitterMs:        jitterMs,
		BitrateKbps:     bitrate,
		PlaybackDropped: playbackDrops,
		QualityLevel:    qualityLevel(loss, rtt, jitterMs, 0),
	}
}

// pongTimeout is the maximum time allowed between pongs before the
// connection is considered dead.
const pongTimeout = 6 * time.Second

// pingLoop sends a ping every 2 s for RTT measurement and enforces a pong deadline.
func (t *Transport) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ts := uint64(time.Now().UnixMilli())
			t.lastPingTs.Store(int64(ts))
			t.writeCtrlBestEffort(&wire.Ping{Timestamp: ts})

			lastPong := t.lastPongTime.Load()
			if lastPong > 0 && time.Since(time.Unix(0, lastPong)) > pongTimeout {
				log.Printf("[transport] pong timeout — server unreachable, disconnecting")
				t.mu.Lock()
				t.disconnectReason = "Server unreachable (ping timeout)"
				t.mu.Unlock()
				t.Disconnect()
				return
			}
		}
	}
}

// readControl reads framed binary control messages from the server,
// decodes them through the wire catalog, and dispatches to callbacks / the
// E2E orchestrator / the video receive pipelines.
func (t *Transport) readControl(ctx context.Context, stream *webtransport.Stream) {
	var fr wire.FrameReader
	buf := make([]byte, 16*1024)

	for {
		n, err := stream.Read(buf)
		if n > 0 {
			fr.Feed(buf[:n])
			for {
				payload, ok, ferr := fr.Next()
				if ferr != nil {
					log.Printf("[transport] control stream framing error: %v", ferr)
					goto disconnected
				}
				if !ok {
					break
				}
				t.dispatchControl(payload)
			}
		}
		if err != nil {
			break
		}
	}

disconnected:
	t.mu.Lock()
	reason := t.disconnectReason
	t.disconnectReason = ""
	t.mu.Unlock()
	if reason == "" {
		reason = "Connection closed by server"
	}

	t.cbMu.RLock()
	onDisconnected := t.onDisconnected
	t.cbMu.RUnlock()
	if onDisconnected != nil {
		onDisconnected(reason)
	}
}

func (t *Transport) dispatchControl(payload []byte) {
	msg, err := wire.DecodeServerMessage(payload)
	if err != nil {
		log.Printf("[transport] invalid control message: %v", err)
		return
	}

	t.cbMu.RLock()
	onUserList := t.onUserList
	onChannelUsers := t.onChannelUsers
	onUserJoined := t.onUserJoined
	onUserLeft := t.onUserLeft
	onChannelChat := t.onChannelChat
	onDirectChat := t.onDirectChat
	onAuthenticated := t.onAuthenticated
	onAuthError := t.onAuthError
	onKicked := t.onKicked
	onChannelList := t.onChannelList
	onMovedToChannel := t.onMovedToChannel
	onMediaKey := t.onMediaKey
	onScreenShareStarted := t.onScreenShareStarted
	onScreenShareStopped := t.onScreenShareStopped
	onViewerCountChanged := t.onViewerCountChanged
	onDirectPlaintext := t.onDirectPlaintext
	onChannelPlaintext := t.onChannelPlaintext
	t.cbMu.RUnlock()

	switch m := msg.(type) {
	case *wire.Authenticated:
		t.mu.Lock()
		t.myID = m.UserID
		t.sessionID = m.SessionID
		t.udpToken = m.UDPToken
		t.mu.Unlock()
		if onAuthenticated != nil {
			onAuthenticated(m)
		}
	case *wire.AuthError:
		if onAuthError != nil {
			onAuthError(m.Reason)
		}
	case *wire.ChannelList:
		if onChannelList != nil {
			onChannelList(m.Channels)
		}
	case *wire.UserJoined:
		if onUserJoined != nil {
			onUserJoined(m.User)
		}
	case *wire.UserLeft:
		if t.orchestrator != nil {
			t.orchestrator.OnUserLeft(m.UserID)
		}
		if onUserLeft != nil {
			onUserLeft(m.UserID, m.ChannelID)
		}
	case *wire.UserList:
		if t.orchestrator != nil {
			t.orchestrator.OnMemberList(m.Users)
		}
		if onUserList != nil {
			onUserList(m.ChannelID, m.Users)
		}
	case *wire.ChannelUsers:
		if t.orchestrator != nil {
			t.orchestrator.OnMemberList(m.Users)
		}
		if onChannelUsers != nil {
			onChannelUsers(m.ChannelID, m.Users)
		}
	case *wire.Pong:
		t.lastPongTime.Store(time.Now().UnixNano())
		sent := t.lastPingTs.Load()
		if sent != 0 {
			sample := float64(int64(m.Timestamp) - sent)
			old := math.Float64frombits(t.smoothedRTT.Load())
			var next float64
			if old == 0 {
				next = sample
			} else {
				next = 0.125*sample + 0.875*old
			}
			t.smoothedRTT.Store(math.Float64bits(next))
		}
	case *wire.MovedToChannel:
		t.mu.Lock()
		t.channelID = m.ChannelID
		t.mu.Unlock()
		if t.orchestrator != nil {
			t.orchestrator.OnChannelJoined(m.ChannelID)
		}
		if onMovedToChannel != nil {
			onMovedToChannel(m.ChannelID)
		}
	case *wire.Kicked:
		if onKicked != nil {
			onKicked(m.ChannelID, m.Reason)
		}
	case *wire.ChannelChatMessage:
		if onChannelChat != nil {
			onChannelChat(m.ChannelID, m.UserID, m.Username, m.Content, m.Timestamp)
		}
	case *wire.DirectChatMessage:
		if onDirectChat != nil {
			onDirectChat(m.UserID, m.Username, m.Content, m.Timestamp)
		}
	case *wire.PreKeyBundleResponse:
		if t.orchestrator != nil {
			t.orchestrator.OnPreKeyBundleResponse(m)
		}
	case *wire.EncryptedDirectMessage:
		if t.orchestrator == nil {
			return
		}
		plaintext, err := t.orchestrator.OnEncryptedDirectMessage(m)
		if err != nil {
			log.Printf("[transport] decrypt direct message from %d: %v", m.FromUserID, err)
			return
		}
		if onDirectPlaintext != nil {
			onDirectPlaintext(m.FromUserID, plaintext)
		}
	case *wire.EncryptedChannelMessage:
		if t.orchestrator == nil {
			return
		}
		plaintext, err := t.orchestrator.OnEncryptedChannelMessage(m)
		if err != nil {
			if err != e2e.ErrQueued {
				log.Printf("[transport] decrypt channel message from %d: %v", m.FromUserID, err)
			}
			return
		}
		if onChannelPlaintext != nil {
			onChannelPlaintext(m.ChannelID, m.FromUserID, plaintext)
		}
	case *wire.SenderKeyDistribution:
		if t.orchestrator != nil {
			if err := t.orchestrator.OnSenderKeyDistribution(m); err != nil {
				log.Printf("[transport] import sender key from %d: %v", m.FromUserID, err)
			}
		}
	case *wire.MediaKeyDistribution:
		if t.orchestrator == nil {
			return
		}
		// The peer-distributed media key arrives wrapped in the pairwise
		// ratchet, same as a direct message ciphertext (spec §4.5/§4.6).
		key, err := t.orchestrator.OnEncryptedDirectMessage(&wire.EncryptedDirectMessage{
			FromUserID: m.FromUserID, Ciphertext: m.EncryptedMediaKey, MessageType: e2e.MessageTypeSubsequent,
		})
		if err != nil {
			log.Printf("[transport] decrypt media key from %d: %v", m.FromUserID, err)
			return
		}
		t.setMediaCipher(0, key)
	case *wire.MediaKey:
		t.setMediaCipher(m.KeyID, m.Key)
		if onMediaKey != nil {
			onMediaKey(m.ChannelID, m.KeyID, m.Key)
		}
	case *wire.ScreenShareStarted:
		if onScreenShareStarted != nil {
			onScreenShareStarted(m.SharerUserID, m.Resolution)
		}
	case *wire.ScreenShareStopped:
		if onScreenShareStopped != nil {
			onScreenShareStopped(m.SharerUserID)
		}
	case *wire.ViewerCountChanged:
		if onViewerCountChanged != nil {
			onViewerCountChanged(m.SharerUserID, m.ViewerCount)
		}
	case *wire.KeyframeRequested:
		t.videoSendMu.Lock()
		send := t.videoSend
		t.videoSendMu.Unlock()
		if send != nil {
			send.RequestKeyframe()
		}
	}
}
