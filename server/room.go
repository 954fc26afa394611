package main

import (
	"crypto/rand"
	"errors"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"vmesh/server/wire"
)

// Server-wide caps (spec §4.7). Zero-valued config falls back to these.
const (
	DefaultMaxUsers             = 64
	DefaultMaxChannels          = 50
	DefaultMaxChannelNameLen    = 32
	DefaultEmptyChannelTimeout  = 300 * time.Second
	AuthTimeout                 = 5 * time.Second
	controlYieldEvery           = 20
)

var (
	ErrServerFull       = errors.New("room: server is full")
	ErrUsernameTaken     = errors.New("room: username already in use")
	ErrInvalidUsername   = errors.New("room: invalid username")
	ErrChannelExists     = errors.New("room: channel name already in use")
	ErrChannelCapReached = errors.New("room: channel cap reached")
	ErrChannelNotFound   = errors.New("room: channel not found")
	ErrWrongPassword     = errors.New("room: wrong password")
	ErrChannelFull       = errors.New("room: channel is full")
	ErrNotCreator        = errors.New("room: requester is not the channel creator")
	ErrSelfKick          = errors.New("room: cannot kick self")
)

// Room holds every channel and connected session and implements the
// server session engine of spec §4.7. Locking discipline mirrors the
// teacher's Room: one RWMutex guards the channel/session maps; per-session
// and per-channel scalars use their own small locks or atomics so that a
// read-heavy operation like Broadcast never blocks on a slow peer.
type Room struct {
	mu       sync.RWMutex
	sessions map[wire.UserId]*Session
	channels map[wire.ChannelId]*Channel

	nextUserID    atomic.Uint32
	nextChannelID atomic.Uint32

	maxUsers            int
	maxChannels         int
	maxChannelNameLen   int
	emptyChannelTimeout time.Duration

	totalDatagrams atomic.Uint64
	totalBytes     atomic.Uint64
	skipped        atomic.Uint64
}

func NewRoom(maxUsers, maxChannels, maxChannelNameLen int, emptyChannelTimeout time.Duration) *Room {
	r := &Room{
		sessions:            make(map[wire.UserId]*Session),
		channels:            make(map[wire.ChannelId]*Channel),
		maxUsers:            maxUsers,
		maxChannels:         maxChannels,
		maxChannelNameLen:   maxChannelNameLen,
		emptyChannelTimeout: emptyChannelTimeout,
	}
	if r.maxUsers <= 0 {
		r.maxUsers = DefaultMaxUsers
	}
	if r.maxChannels <= 0 {
		r.maxChannels = DefaultMaxChannels
	}
	if r.maxChannelNameLen <= 0 {
		r.maxChannelNameLen = DefaultMaxChannelNameLen
	}
	if r.emptyChannelTimeout <= 0 {
		r.emptyChannelTimeout = DefaultEmptyChannelTimeout
	}
	r.channels[LobbyChannelID] = newChannel(LobbyChannelID, "Lobby", 0, true)
	return r
}

// validateUsername enforces 1-32 non-control characters and uniqueness
// (spec §4.7).
func validateUsername(name string, taken func(string) bool) (string, error) {
	if len(name) == 0 || len(name) > 32 {
		return "", ErrInvalidUsername
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", ErrInvalidUsername
		}
	}
	if taken(name) {
		return "", ErrUsernameTaken
	}
	return name, nil
}

func randomToken() uint64 {
	var b [8]byte
	rand.Read(b[:])
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}

// Authenticate allocates a session for a successfully-authenticated
// connection (spec §4.7). Returns ErrServerFull / ErrUsernameTaken /
// ErrInvalidUsername on rejection.
func (r *Room) Authenticate(username string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.maxUsers {
		return nil, ErrServerFull
	}
	name, err := validateUsername(username, func(n string) bool {
		for _, s := range r.sessions {
			if strings.EqualFold(s.Username, n) {
				return true
			}
		}
		return false
	})
	if err != nil {
		return nil, err
	}

	userID := wire.UserId(r.nextUserID.Add(1))
	sess := newSession(userID, userID, name, randomToken())
	r.sessions[userID] = sess
	r.channels[LobbyChannelID].AddMember(userID)
	sess.SetChannelID(LobbyChannelID)
	return sess, nil
}

// RemoveSession tears down a session on disconnect, leaving its channel and
// clearing any active share/watch state. Returns the session's last channel
// so the caller can broadcast UserLeft.
func (r *Room) RemoveSession(id wire.UserId) (lastChannel wire.ChannelId, ok bool) {
	r.mu.Lock()
	sess, exists := r.sessions[id]
	if !exists {
		r.mu.Unlock()
		return 0, false
	}
	delete(r.sessions, id)
	ch := r.channels[sess.ChannelID()]
	r.mu.Unlock()

	lastChannel = sess.ChannelID()
	if ch != nil {
		empty := ch.RemoveMember(id)
		if empty && ch.ID != LobbyChannelID {
			r.scheduleAutoDelete(ch)
		}
	}
	return lastChannel, true
}

func (r *Room) Session(id wire.UserId) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

func (r *Room) Channel(id wire.ChannelId) *Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channels[id]
}

func (r *Room) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Room) Channels() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Channel, 0, len(r.channels))
	for _, c := range r.channels {
		out = append(out, c)
	}
	return out
}

func (r *Room) ChannelInfos() []wire.ChannelInfo {
	chs := r.Channels()
	out := make([]wire.ChannelInfo, 0, len(chs))
	for _, c := range chs {
		out = append(out, c.Info())
	}
	return out
}

// CreateChannel enforces the per-server cap, a 1..N name-length bound, and
// name uniqueness (spec §4.7).
func (r *Room) CreateChannel(name string, creator wire.UserId, password *string, trustsServer bool) (*Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(name) == 0 || len(name) > r.maxChannelNameLen {
		return nil, ErrInvalidUsername
	}
	userCreated := 0
	for _, c := range r.channels {
		if c.ID != LobbyChannelID {
			userCreated++
		}
		if strings.EqualFold(c.Name, name) {
			return nil, ErrChannelExists
		}
	}
	if userCreated >= r.maxChannels {
		return nil, ErrChannelCapReached
	}

	id := wire.ChannelId(r.nextChannelID.Add(1))
	ch := newChannel(id, name, creator, trustsServer)
	if password != nil && *password != "" {
		ch.SetPassword([]byte(*password))
	}
	if trustsServer {
		key := make([]byte, 32)
		rand.Read(key)
		ch.SetMediaKey(key, 1)
	}
	r.channels[id] = ch
	return ch, nil
}

// DeleteChannel removes a channel (used by auto-delete and, in principle,
// administrative deletion). The lobby can never be deleted.
func (r *Room) DeleteChannel(id wire.ChannelId) bool {
	if id == LobbyChannelID {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[id]; !ok {
		return false
	}
	delete(r.channels, id)
	return true
}

// scheduleAutoDelete arms a timer that deletes an emptied channel after the
// configured timeout, unless cancelled by a rejoin first (spec §4.7).
func (r *Room) scheduleAutoDelete(ch *Channel) {
	t := time.AfterFunc(r.emptyChannelTimeout, func() {
		if ch.MemberCount() > 0 {
			return // someone rejoined before the timer was cancelled
		}
		if r.DeleteChannel(ch.ID) {
			log.Printf("[room] auto-deleted empty channel %d %q", ch.ID, ch.Name)
			r.broadcastAll(&wire.ChannelDeleted{ChannelID: ch.ID})
		}
	})
	ch.SetAutoDeleteTimer(t)
}

// JoinChannel moves a session from its current channel into target,
// validating password (invited users bypass it). Channel membership is not
// capped.
func (r *Room) JoinChannel(sess *Session, target wire.ChannelId, password *string) error {
	ch := r.Channel(target)
	if ch == nil {
		return ErrChannelNotFound
	}
	invited := ch.IsInvited(sess.UserID)
	if !invited && !ch.CheckPassword(passwordBytes(password)) {
		return ErrWrongPassword
	}

	prev := r.Channel(sess.ChannelID())
	if prev != nil && prev.ID != target {
		empty := prev.RemoveMember(sess.UserID)
		if empty && prev.ID != LobbyChannelID {
			r.scheduleAutoDelete(prev)
		}
	}

	ch.CancelAutoDelete()
	ch.AddMember(sess.UserID)
	sess.SetChannelID(target)
	return nil
}

func passwordBytes(p *string) []byte {
	if p == nil {
		return nil
	}
	return []byte(*p)
}

// broadcastAll sends a server message to every connected session.
func (r *Room) broadcastAll(m wire.ServerMessage) {
	for _, s := range r.Sessions() {
		s.SendMessage(m)
	}
}

// broadcastAllExcept sends to every session except excludeID (0 = exclude none).
func (r *Room) broadcastAllExcept(m wire.ServerMessage, exclude wire.UserId) {
	for _, s := range r.Sessions() {
		if s.UserID == exclude {
			continue
		}
		s.SendMessage(m)
	}
}

// broadcastChannel sends a server message to every member of a channel,
// optionally excluding one user id (0 = exclude none).
func (r *Room) broadcastChannel(ch *Channel, m wire.ServerMessage, exclude wire.UserId) {
	for _, id := range ch.Members() {
		if id == exclude {
			continue
		}
		if s := r.Session(id); s != nil {
			s.SendMessage(m)
		}
	}
}

// broadcastTarget is a snapshot of a session's datagram transport for
// fan-out, captured under the read lock so the lock can be released before
// any blocking send (teacher's targetPool pattern).
type broadcastTarget struct {
	id      wire.UserId
	sender  DatagramSender
	health  *sendHealth
}

var targetPool = sync.Pool{
	New: func() any {
		s := make([]broadcastTarget, 0, 8)
		return &s
	},
}

// FanOutVoice sends a voice datagram to every other member of the sender's
// channel (spec §4.8).
func (r *Room) FanOutVoice(senderID wire.UserId, data []byte) {
	r.totalDatagrams.Add(1)
	r.totalBytes.Add(uint64(len(data)))

	sess := r.Session(senderID)
	if sess == nil {
		return
	}
	chID := sess.ChannelID()
	if chID == LobbyChannelID {
		return
	}
	ch := r.Channel(chID)
	if ch == nil {
		return
	}

	sp := targetPool.Get().(*[]broadcastTarget)
	targets := (*sp)[:0]
	for _, id := range ch.Members() {
		if id == senderID {
			continue
		}
		s := r.Session(id)
		if s == nil || s.datagram == nil {
			continue
		}
		targets = append(targets, broadcastTarget{id: id, sender: s.datagram, health: &s.health})
	}

	for _, t := range targets {
		if t.health.shouldSkip() {
			r.skipped.Add(1)
			continue
		}
		if err := t.sender.SendDatagram(data); err != nil {
			t.health.recordFailure()
		} else {
			t.health.recordSuccess()
		}
	}

	*sp = targets
	targetPool.Put(sp)
}

// FanOutVideo sends a video/screen-audio datagram only to the sharer's
// viewer set (spec §4.8).
func (r *Room) FanOutVideo(senderID wire.UserId, data []byte) {
	r.totalDatagrams.Add(1)
	r.totalBytes.Add(uint64(len(data)))

	sess := r.Session(senderID)
	if sess == nil {
		return
	}
	ch := r.Channel(sess.ChannelID())
	if ch == nil {
		return
	}
	for _, id := range ch.ViewersOf(senderID) {
		s := r.Session(id)
		if s == nil || s.datagram == nil {
			continue
		}
		if err := s.datagram.SendDatagram(data); err != nil {
			s.health.recordFailure()
		} else {
			s.health.recordSuccess()
		}
	}
}

// Stats returns accumulated datagram counters since the last call and resets them.
func (r *Room) Stats() (datagrams, bytes, skipped uint64, sessions int) {
	datagrams = r.totalDatagrams.Swap(0)
	bytes = r.totalBytes.Swap(0)
	skipped = r.skipped.Swap(0)
	sessions = len(r.Sessions())
	return
}
