package main

import (
	"sync"
	"time"

	"vmesh/server/wire"
)

// LobbyChannelID is the permanent channel with no voice and no media key
// (spec §3 invariant b).
const LobbyChannelID wire.ChannelId = 0

// maxInvitesPerChannel bounds a channel's invited-user set (spec §3).
const maxInvitesPerChannel = 50

// screenShare tracks one active sharer within a channel.
type screenShare struct {
	sharerID   wire.UserId
	viewers    map[wire.UserId]bool
	widthPx    uint32
	heightPx   uint32
}

// Channel is the server-held state for one channel (spec §3). Field access
// is guarded by the owning Room's channel-map lock for membership/invite/
// share-table mutations; per-entry scalars use their own small locks.
type Channel struct {
	ID           wire.ChannelId
	Name         string
	CreatorID    wire.UserId
	TrustsServer bool // false => media key is peer-distributed, not server-issued

	mu         sync.Mutex
	password   []byte // zeroized on clear; nil = no password
	members    map[wire.UserId]bool
	invited    map[wire.UserId]bool
	shares     map[wire.UserId]*screenShare

	mediaKey   []byte // 32 bytes; nil for lobby or peer-distributed channels
	mediaKeyID uint16

	autoDeleteTimer *time.Timer
}

func newChannel(id wire.ChannelId, name string, creator wire.UserId, trustsServer bool) *Channel {
	return &Channel{
		ID:           id,
		Name:         name,
		CreatorID:    creator,
		TrustsServer: trustsServer,
		members:      make(map[wire.UserId]bool),
		invited:      make(map[wire.UserId]bool),
		shares:       make(map[wire.UserId]*screenShare),
	}
}

func (c *Channel) SetPassword(pw []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.password = pw
}

// CheckPassword reports whether pw unlocks the channel. A channel with no
// password always accepts.
func (c *Channel) CheckPassword(pw []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.password) == 0 {
		return true
	}
	if len(pw) != len(c.password) {
		return false
	}
	var diff byte
	for i := range pw {
		diff |= pw[i] ^ c.password[i]
	}
	return diff == 0
}

func (c *Channel) HasPassword() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.password) > 0
}

func (c *Channel) AddMember(id wire.UserId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members[id] = true
	delete(c.invited, id) // consumed on join
}

// RemoveMember removes id and reports whether the channel is now empty.
func (c *Channel) RemoveMember(id wire.UserId) (empty bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.members, id)
	for sharer, sh := range c.shares {
		delete(sh.viewers, id)
		if sharer == id {
			delete(c.shares, sharer)
		}
	}
	return len(c.members) == 0
}

func (c *Channel) MemberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.members)
}

func (c *Channel) Members() []wire.UserId {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.UserId, 0, len(c.members))
	for id := range c.members {
		out = append(out, id)
	}
	return out
}

func (c *Channel) IsMember(id wire.UserId) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.members[id]
}

// Invite adds id to the invited set, bounded at maxInvitesPerChannel.
func (c *Channel) Invite(id wire.UserId) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.invited[id] {
		return true
	}
	if len(c.invited) >= maxInvitesPerChannel {
		return false
	}
	c.invited[id] = true
	return true
}

func (c *Channel) IsInvited(id wire.UserId) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invited[id]
}

func (c *Channel) RevokeInvite(id wire.UserId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.invited, id)
}

// SetMediaKey installs a freshly generated (or rotated) server-issued media key.
func (c *Channel) SetMediaKey(key []byte, keyID uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mediaKey = key
	c.mediaKeyID = keyID
}

func (c *Channel) MediaKey() (key []byte, keyID uint16, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mediaKey == nil {
		return nil, 0, false
	}
	return c.mediaKey, c.mediaKeyID, true
}

// StartShare registers a new sharer; it refuses if the sharer already has an
// active share in this channel.
func (c *Channel) StartShare(sharer wire.UserId, width, height uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.shares[sharer]; exists {
		return false
	}
	c.shares[sharer] = &screenShare{sharerID: sharer, viewers: make(map[wire.UserId]bool), widthPx: width, heightPx: height}
	return true
}

func (c *Channel) StopShare(sharer wire.UserId) (viewers []wire.UserId, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sh, exists := c.shares[sharer]
	if !exists {
		return nil, false
	}
	for v := range sh.viewers {
		viewers = append(viewers, v)
	}
	delete(c.shares, sharer)
	return viewers, true
}

func (c *Channel) HasShare(sharer wire.UserId) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.shares[sharer]
	return ok
}

// Watch adds viewer to sharer's viewer set, removing them from any other
// active share in the channel first (spec §4.7: watching auto-stops any
// previous watch). Returns the new viewer count and whether this is the
// first viewer (triggers a keyframe request).
func (c *Channel) Watch(sharer, viewer wire.UserId) (count int, first bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sh, exists := c.shares[sharer]
	if !exists {
		return 0, false, false
	}
	for other, osh := range c.shares {
		if other != sharer {
			delete(osh.viewers, viewer)
		}
	}
	first = len(sh.viewers) == 0
	sh.viewers[viewer] = true
	return len(sh.viewers), first, true
}

func (c *Channel) StopWatching(viewer wire.UserId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sh := range c.shares {
		delete(sh.viewers, viewer)
	}
}

func (c *Channel) ViewersOf(sharer wire.UserId) []wire.UserId {
	c.mu.Lock()
	defer c.mu.Unlock()
	sh, ok := c.shares[sharer]
	if !ok {
		return nil
	}
	out := make([]wire.UserId, 0, len(sh.viewers))
	for v := range sh.viewers {
		out = append(out, v)
	}
	return out
}

func (c *Channel) ViewerCount(sharer wire.UserId) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	sh, ok := c.shares[sharer]
	if !ok {
		return 0
	}
	return len(sh.viewers)
}

func (c *Channel) SetAutoDeleteTimer(t *time.Timer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoDeleteTimer = t
}

// CancelAutoDelete stops any pending auto-delete timer (called on rejoin).
func (c *Channel) CancelAutoDelete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.autoDeleteTimer != nil {
		c.autoDeleteTimer.Stop()
		c.autoDeleteTimer = nil
	}
}

func (c *Channel) Info() wire.ChannelInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wire.ChannelInfo{
		ChannelID:    c.ID,
		Name:         c.Name,
		HasPassword:  len(c.password) > 0,
		UserCount:    uint32(len(c.members)),
		CreatorID:    c.CreatorID,
		TrustsServer: c.TrustsServer,
	}
}
