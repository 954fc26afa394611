package main

import (
	"sync"
	"sync/atomic"
	"time"

	"vmesh/server/wire"
)

// tokenBucket is the server's rate-limiting primitive (spec §3/§9). No
// rate-limiting library appears anywhere in the retrieved corpus, so this
// stays a plain struct, lazily refilled on each attempt.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	max        float64
	refillRate float64 // tokens per second
	last       time.Time
}

func newTokenBucket(max, refillRate float64) *tokenBucket {
	return &tokenBucket{tokens: max, max: max, refillRate: refillRate, last: time.Now()}
}

// Allow refills the bucket for elapsed time and consumes one token if available.
func (b *tokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(b.last).Seconds()
	b.last = now
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.max {
		b.tokens = b.max
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Session is the server-held state for one authenticated connection (spec §3).
type Session struct {
	UserID    wire.UserId
	SessionID uint32
	Username  string

	channelID atomic.Int64 // current channel id; protected for concurrent reads

	Muted    atomic.Bool
	Deafened atomic.Bool

	// ctrl is the outbound reliable-channel writer; nil until the control
	// stream is attached.
	ctrlMu sync.Mutex
	ctrl   ctrlWriter

	// Datagram authentication.
	Token      uint64
	addrMu     sync.Mutex
	learnedKey string // net.Addr.String() of the learned datagram source

	health sendHealth

	// datagram is the UDP transport used for voice/video fan-out, set once
	// the router learns this session's source address.
	datagram DatagramSender

	// Rate limiters (spec §3).
	chatLimiter        *tokenBucket
	channelCreateLimiter *tokenBucket
	prekeyUploadLimiter  *tokenBucket

	// Screen sharing.
	sharing    atomic.Bool
	watchingMu sync.Mutex
	watching   wire.UserId // 0 = not watching anyone
	hasWatch   bool

	// Identity/pre-key material, recorded at authentication time and on
	// UploadPreKeys (spec §4.6).
	idMu            sync.Mutex
	IdentityKey     []byte
	SignedPreKeyID  uint32
	SignedPreKey    []byte
	SignedPreKeySig []byte
	RegistrationID  uint32
	DeviceID        uint32
	oneTimePreKeys  []wire.OneTimePreKey // bounded to maxOneTimePreKeys

	cancel func()
}

// ctrlWriter is the minimal interface needed to deliver a framed server
// message; satisfied by a webtransport.Stream and by test doubles.
type ctrlWriter interface {
	Write([]byte) (int, error)
}

// DatagramSender is the minimal interface needed to send a datagram on a
// session's transport. Using an interface lets tests inject a mock.
type DatagramSender interface {
	SendDatagram([]byte) error
}

func newSession(userID wire.UserId, sessionID uint32, username string, token uint64) *Session {
	return &Session{
		UserID:               userID,
		SessionID:            sessionID,
		Username:             username,
		Token:                token,
		chatLimiter:          newTokenBucket(5, 5),
		channelCreateLimiter: newTokenBucket(1, 0.2),
		prekeyUploadLimiter:  newTokenBucket(1, 0.2),
		DeviceID:             1,
	}
}

func (s *Session) ChannelID() wire.ChannelId    { return wire.ChannelId(s.channelID.Load()) }
func (s *Session) SetChannelID(id wire.ChannelId) { s.channelID.Store(int64(id)) }

// SendMessage frames and writes a server→client message on the control stream.
func (s *Session) SendMessage(m wire.ServerMessage) {
	frame := wire.Encode(m.Marshal())
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()
	if s.ctrl != nil {
		s.ctrl.Write(frame) //nolint:errcheck // best-effort; read loop will observe the disconnect
	}
}

// LearnAddress pins the UDP source address for this session once, returning
// false if a different address was already learned (spec §4.8 treats the
// first validated source as authoritative).
func (s *Session) LearnAddress(addrKey string) bool {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	if s.learnedKey == "" {
		s.learnedKey = addrKey
		return true
	}
	return s.learnedKey == addrKey
}

func (s *Session) LearnedAddress() string {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.learnedKey
}

func (s *Session) SetWatching(sharer wire.UserId) {
	s.watchingMu.Lock()
	defer s.watchingMu.Unlock()
	s.watching = sharer
	s.hasWatch = true
}

func (s *Session) ClearWatching() {
	s.watchingMu.Lock()
	defer s.watchingMu.Unlock()
	s.watching = 0
	s.hasWatch = false
}

func (s *Session) Watching() (wire.UserId, bool) {
	s.watchingMu.Lock()
	defer s.watchingMu.Unlock()
	return s.watching, s.hasWatch
}

// maxOneTimePreKeys bounds the pre-key pool held per session (spec §3).
const maxOneTimePreKeys = 100

// AddOneTimePreKeys appends pre-keys, dropping the oldest once the cap is exceeded.
func (s *Session) AddOneTimePreKeys(keys []wire.OneTimePreKey) {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	s.oneTimePreKeys = append(s.oneTimePreKeys, keys...)
	if len(s.oneTimePreKeys) > maxOneTimePreKeys {
		s.oneTimePreKeys = s.oneTimePreKeys[len(s.oneTimePreKeys)-maxOneTimePreKeys:]
	}
}

// TakeOneTimePreKey pops one pre-key for a bundle request (spec §4.6), or
// reports false if the pool is empty (bundles without one-time keys are
// still valid, just weaker).
func (s *Session) TakeOneTimePreKey() (wire.OneTimePreKey, bool) {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	if len(s.oneTimePreKeys) == 0 {
		return wire.OneTimePreKey{}, false
	}
	k := s.oneTimePreKeys[0]
	s.oneTimePreKeys = s.oneTimePreKeys[1:]
	return k, true
}

func (s *Session) Bundle() wire.PreKeyBundle {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	b := wire.PreKeyBundle{
		IdentityKey:     s.IdentityKey,
		SignedPreKeyID:  s.SignedPreKeyID,
		SignedPreKey:    s.SignedPreKey,
		SignedPreKeySig: s.SignedPreKeySig,
		RegistrationID:  s.RegistrationID,
		DeviceID:        s.DeviceID,
	}
	return b
}
