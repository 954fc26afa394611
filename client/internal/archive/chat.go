package archive

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"vmesh/client/internal/wire"
)

// flushInterval is the background flush cadence (spec §3: "dirty flag
// drives a background flush every 5 seconds").
const flushInterval = 5 * time.Second

// Entry is one archived chat message (spec §3).
type Entry struct {
	SenderID        wire.UserId `json:"sender_id"`
	SenderUsername  string      `json:"sender_username"`
	Content         string      `json:"content"`
	TimestampMillis uint64      `json:"timestamp_millis"`
}

type chatFile struct {
	Channels map[wire.ChannelId][]Entry `json:"channels"`
	Peers    map[wire.UserId][]Entry    `json:"peers"`
}

// Archive is the client's chat archive: two mappings (channel-id → entries,
// peer-id → entries) persisted as a single encrypted blob (spec §3/§6).
type Archive struct {
	mu       sync.Mutex
	channels map[wire.ChannelId][]Entry
	peers    map[wire.UserId][]Entry
	dirty    atomic.Bool

	path     string
	password string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// OpenArchive loads an archive from path, decrypting with password. A
// missing file yields a fresh, empty archive rather than an error.
func OpenArchive(path, password string) (*Archive, error) {
	a := &Archive{
		channels: make(map[wire.ChannelId][]Entry),
		peers:    make(map[wire.UserId][]Entry),
		path:     path,
		password: password,
		stopCh:   make(chan struct{}),
	}

	blob, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return a, nil
		}
		return nil, err
	}

	plaintext, err := Open(MagicChatArchive, password, blob)
	if err != nil {
		return nil, err
	}
	var f chatFile
	if err := json.Unmarshal(plaintext, &f); err != nil {
		return nil, err
	}
	if f.Channels != nil {
		a.channels = f.Channels
	}
	if f.Peers != nil {
		a.peers = f.Peers
	}
	return a, nil
}

// AppendChannel records a channel chat entry and marks the archive dirty.
func (a *Archive) AppendChannel(channelID wire.ChannelId, e Entry) {
	a.mu.Lock()
	a.channels[channelID] = append(a.channels[channelID], e)
	a.mu.Unlock()
	a.dirty.Store(true)
}

// AppendPeer records a direct-message entry and marks the archive dirty.
func (a *Archive) AppendPeer(peerID wire.UserId, e Entry) {
	a.mu.Lock()
	a.peers[peerID] = append(a.peers[peerID], e)
	a.mu.Unlock()
	a.dirty.Store(true)
}

// Channel returns a copy of the archived entries for a channel.
func (a *Archive) Channel(channelID wire.ChannelId) []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Entry(nil), a.channels[channelID]...)
}

// Peer returns a copy of the archived entries for a direct-message peer.
func (a *Archive) Peer(peerID wire.UserId) []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Entry(nil), a.peers[peerID]...)
}

// StartFlushLoop launches the 5-second background flush goroutine.
func (a *Archive) StartFlushLoop() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-a.stopCh:
				a.Flush() //nolint:errcheck // best-effort final flush
				return
			case <-ticker.C:
				if err := a.Flush(); err != nil {
					log.Printf("[archive] flush: %v", err)
				}
			}
		}
	}()
}

// StopFlushLoop stops the background flush goroutine after one final flush.
func (a *Archive) StopFlushLoop() {
	close(a.stopCh)
	a.wg.Wait()
}

// Flush writes the archive to disk if dirty. Idempotent when clean.
func (a *Archive) Flush() error {
	if !a.dirty.CompareAndSwap(true, false) {
		return nil
	}

	a.mu.Lock()
	f := chatFile{Channels: a.channels, Peers: a.peers}
	a.mu.Unlock()

	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	blob, err := Seal(MagicChatArchive, a.password, data)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(a.path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(a.path, blob, 0o600)
}
