package e2e

import (
	"errors"
	"log"
	"sync"
	"time"

	"vmesh/client/internal/wire"
)

// Sender is the subset of transport behaviour the orchestrator drives. It is
// an interface (mirroring the teacher's paStream/opusEncoder testing pattern
// in audio.go) so orchestration logic can be exercised without a live
// WebTransport session.
type Sender interface {
	SendRequestPreKeyBundle(target wire.UserId)
	SendEncryptedDirectMessage(target wire.UserId, ciphertext []byte, msgType uint8)
	SendEncryptedChannelMessage(ciphertext []byte)
	SendDistributeSenderKey(channelID wire.ChannelId, target wire.UserId, distMsg []byte, msgType uint8)
}

// ErrQueued is returned by OnEncryptedChannelMessage when the ciphertext was
// buffered pending the sender's key rather than decrypted immediately. It is
// not a failure.
var ErrQueued = errors.New("e2e: message queued pending session/sender-key establishment")

// Orchestrator implements the client-side E2E session lifecycle of spec
// §4.6: requesting pre-key bundles for unknown channel members, bootstrapping
// pairwise sessions, distributing and reciprocating sender keys, and
// buffering messages for up to PendingQueueTTL while those prerequisites are
// outstanding.
type Orchestrator struct {
	mu sync.Mutex

	selfID   wire.UserId
	identity *IdentityKeyPair
	preKeys  *PreKeyStore
	sender   Sender

	sessions       map[wire.UserId]*Session
	bundleRequested map[wire.UserId]bool
	pendingDirect  map[wire.UserId][]pendingDirect

	currentChannel wire.ChannelId
	mySenderKey    map[wire.ChannelId]*SenderKeyState
	distributedTo  map[wire.ChannelId]map[wire.UserId]bool
	senderKeys     map[wire.ChannelId]map[wire.UserId]*SenderKeyState
	pendingChannel map[wire.ChannelId]map[wire.UserId][]pendingChannelCiphertext
}

// NewOrchestrator returns an orchestrator for the given local identity.
func NewOrchestrator(selfID wire.UserId, identity *IdentityKeyPair, preKeys *PreKeyStore, sender Sender) *Orchestrator {
	return &Orchestrator{
		selfID:          selfID,
		identity:        identity,
		preKeys:         preKeys,
		sender:          sender,
		sessions:        make(map[wire.UserId]*Session),
		bundleRequested: make(map[wire.UserId]bool),
		pendingDirect:   make(map[wire.UserId][]pendingDirect),
		mySenderKey:     make(map[wire.ChannelId]*SenderKeyState),
		distributedTo:   make(map[wire.ChannelId]map[wire.UserId]bool),
		senderKeys:      make(map[wire.ChannelId]map[wire.UserId]*SenderKeyState),
		pendingChannel:  make(map[wire.ChannelId]map[wire.UserId][]pendingChannelCiphertext),
	}
}

// OnMemberList is called whenever the client learns the full member roster
// of a channel (UserList/ChannelUsers). Any member without an established or
// in-flight session has its pre-key bundle requested (spec §4.6).
func (o *Orchestrator) OnMemberList(users []wire.UserInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, u := range users {
		if u.UserID == o.selfID {
			continue
		}
		if o.sessions[u.UserID] != nil || o.bundleRequested[u.UserID] {
			continue
		}
		o.bundleRequested[u.UserID] = true
		o.sender.SendRequestPreKeyBundle(u.UserID)
	}
}

// SendDirect encrypts plaintext for target. If no session exists yet, the
// message is queued and a pre-key bundle request is issued (if not already
// outstanding); the caller should not also call SendEncryptedDirectMessage in
// that case.
func (o *Orchestrator) SendDirect(target wire.UserId, plaintext []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if sess := o.sessions[target]; sess != nil {
		ct, err := sess.Encrypt(plaintext)
		if err != nil {
			log.Printf("[e2e] encrypt direct to %d: %v", target, err)
			return
		}
		o.sender.SendEncryptedDirectMessage(target, ct, MessageTypeSubsequent)
		return
	}

	o.pendingDirect[target] = append(o.pendingDirect[target], pendingDirect{plaintext: plaintext, queuedAt: time.Now()})
	if !o.bundleRequested[target] {
		o.bundleRequested[target] = true
		o.sender.SendRequestPreKeyBundle(target)
	}
}

// OnPreKeyBundleResponse establishes a pairwise session from a bundle
// response, flushes any messages queued for that peer, and distributes the
// current channel's sender key to them (spec §4.6).
func (o *Orchestrator) OnPreKeyBundleResponse(resp *wire.PreKeyBundleResponse) {
	o.mu.Lock()
	queued := o.pendingDirect[resp.UserID]
	delete(o.pendingDirect, resp.UserID)
	delete(o.bundleRequested, resp.UserID)
	channel := o.currentChannel
	o.mu.Unlock()

	var first []byte
	var rest [][]byte
	if len(queued) > 0 {
		first = queued[0].plaintext
		for _, m := range queued[1:] {
			rest = append(rest, m.plaintext)
		}
	}

	sess, bootstrapMsg, err := InitiateSession(o.identity, resp.Bundle, first)
	if err != nil {
		log.Printf("[e2e] initiate session with %d: %v", resp.UserID, err)
		return
	}

	o.mu.Lock()
	o.sessions[resp.UserID] = sess
	o.mu.Unlock()

	o.sender.SendEncryptedDirectMessage(resp.UserID, bootstrapMsg, MessageTypeBootstrap)
	for _, plaintext := range rest {
		ct, err := sess.Encrypt(plaintext)
		if err != nil {
			log.Printf("[e2e] encrypt queued message to %d: %v", resp.UserID, err)
			continue
		}
		o.sender.SendEncryptedDirectMessage(resp.UserID, ct, MessageTypeSubsequent)
	}

	o.distributeSenderKeyTo(channel, resp.UserID, sess)
}

// OnEncryptedDirectMessage decrypts an inbound direct message, establishing
// the responder side of the session on a bootstrap message.
func (o *Orchestrator) OnEncryptedDirectMessage(msg *wire.EncryptedDirectMessage) ([]byte, error) {
	if msg.MessageType == MessageTypeBootstrap {
		sess, plaintext, err := AcceptSession(o.identity, o.preKeys, msg.Ciphertext)
		if err != nil {
			return nil, err
		}
		o.mu.Lock()
		o.sessions[msg.FromUserID] = sess
		channel := o.currentChannel
		o.mu.Unlock()
		o.distributeSenderKeyTo(channel, msg.FromUserID, sess)
		return plaintext, nil
	}

	o.mu.Lock()
	sess := o.sessions[msg.FromUserID]
	o.mu.Unlock()
	if sess == nil {
		return nil, ErrNoSession
	}
	return sess.Decrypt(msg.Ciphertext)
}

// OnChannelJoined resets per-channel sender-key bookkeeping for the new
// channel (spec §4.6: a channel change starts a fresh sender-key chain).
func (o *Orchestrator) OnChannelJoined(channelID wire.ChannelId) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.currentChannel = channelID
	delete(o.mySenderKey, channelID)
	delete(o.distributedTo, channelID)
}

// EncryptChannelMessage lazily creates this client's sender key for the
// current channel and seals a chat message with it.
func (o *Orchestrator) EncryptChannelMessage(plaintext []byte) ([]byte, error) {
	o.mu.Lock()
	channel := o.currentChannel
	sk := o.mySenderKey[channel]
	o.mu.Unlock()

	if sk == nil {
		var err error
		sk, err = NewSenderKey()
		if err != nil {
			return nil, err
		}
		o.mu.Lock()
		o.mySenderKey[channel] = sk
		o.mu.Unlock()
	}
	return sk.Encrypt(plaintext)
}

// distributeSenderKeyTo sends this client's current-channel sender key to a
// peer over their freshly (or already) established pairwise session, if it
// has not already been sent.
func (o *Orchestrator) distributeSenderKeyTo(channel wire.ChannelId, target wire.UserId, sess *Session) {
	o.mu.Lock()
	if o.distributedTo[channel] == nil {
		o.distributedTo[channel] = make(map[wire.UserId]bool)
	}
	if o.distributedTo[channel][target] {
		o.mu.Unlock()
		return
	}
	sk := o.mySenderKey[channel]
	o.mu.Unlock()

	if sk == nil {
		var err error
		sk, err = NewSenderKey()
		if err != nil {
			log.Printf("[e2e] create sender key for channel %d: %v", channel, err)
			return
		}
		o.mu.Lock()
		o.mySenderKey[channel] = sk
		o.mu.Unlock()
	}

	dist := sk.DistributionMessage()
	ct, err := sess.Encrypt(dist)
	if err != nil {
		log.Printf("[e2e] encrypt sender key distribution to %d: %v", target, err)
		return
	}
	o.sender.SendDistributeSenderKey(channel, target, ct, MessageTypeSubsequent)

	o.mu.Lock()
	o.distributedTo[channel][target] = true
	o.mu.Unlock()
}

// OnSenderKeyDistribution imports a peer's sender key for a channel,
// reciprocates our own if we have not yet sent it to them, and drains any
// channel ciphertexts queued for that sender (spec §4.6).
func (o *Orchestrator) OnSenderKeyDistribution(msg *wire.SenderKeyDistribution) error {
	o.mu.Lock()
	sess := o.sessions[msg.FromUserID]
	o.mu.Unlock()
	if sess == nil {
		return ErrNoSession
	}

	dist, err := sess.Decrypt(msg.DistributionMessage)
	if err != nil {
		return err
	}
	sk, err := ImportSenderKey(dist)
	if err != nil {
		return err
	}

	o.mu.Lock()
	if o.senderKeys[msg.ChannelID] == nil {
		o.senderKeys[msg.ChannelID] = make(map[wire.UserId]*SenderKeyState)
	}
	o.senderKeys[msg.ChannelID][msg.FromUserID] = sk
	queued := o.pendingChannel[msg.ChannelID][msg.FromUserID]
	if o.pendingChannel[msg.ChannelID] != nil {
		delete(o.pendingChannel[msg.ChannelID], msg.FromUserID)
	}
	o.mu.Unlock()

	o.distributeSenderKeyTo(msg.ChannelID, msg.FromUserID, sess)

	for _, p := range queued {
		if _, err := sk.Decrypt(p.ciphertext); err != nil {
			log.Printf("[e2e] drain queued channel message from %d: %v", msg.FromUserID, err)
		}
	}
	return nil
}

// OnEncryptedChannelMessage decrypts a channel chat ciphertext with the
// sender's imported sender key. If no sender key has arrived yet, the
// ciphertext is queued for up to PendingQueueTTL and ErrQueued is returned.
func (o *Orchestrator) OnEncryptedChannelMessage(msg *wire.EncryptedChannelMessage) ([]byte, error) {
	o.mu.Lock()
	sk := o.senderKeys[msg.ChannelID][msg.FromUserID]
	o.mu.Unlock()

	if sk == nil {
		o.mu.Lock()
		if o.pendingChannel[msg.ChannelID] == nil {
			o.pendingChannel[msg.ChannelID] = make(map[wire.UserId][]pendingChannelCiphertext)
		}
		o.pendingChannel[msg.ChannelID][msg.FromUserID] = append(
			o.pendingChannel[msg.ChannelID][msg.FromUserID],
			pendingChannelCiphertext{ciphertext: msg.Ciphertext, queuedAt: time.Now()},
		)
		o.mu.Unlock()
		return nil, ErrQueued
	}
	return sk.Decrypt(msg.Ciphertext)
}

// OnUserLeft clears all per-peer E2E state for a user who left the server,
// per spec §4.6.
func (o *Orchestrator) OnUserLeft(userID wire.UserId) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.sessions, userID)
	delete(o.bundleRequested, userID)
	delete(o.pendingDirect, userID)
	for _, m := range o.distributedTo {
		delete(m, userID)
	}
	for _, m := range o.senderKeys {
		delete(m, userID)
	}
	for _, m := range o.pendingChannel {
		delete(m, userID)
	}
}

// PruneExpired drops any pending direct or channel messages older than
// PendingQueueTTL (spec §4.6: pending queues drain/expire at 60 s). Call
// periodically from a ticker.
func (o *Orchestrator) PruneExpired(now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for id, msgs := range o.pendingDirect {
		kept := msgs[:0]
		for _, m := range msgs {
			if now.Sub(m.queuedAt) < PendingQueueTTL {
				kept = append(kept, m)
			}
		}
		if len(kept) == 0 {
			delete(o.pendingDirect, id)
		} else {
			o.pendingDirect[id] = kept
		}
	}

	for ch, bySender := range o.pendingChannel {
		for id, msgs := range bySender {
			kept := msgs[:0]
			for _, m := range msgs {
				if now.Sub(m.queuedAt) < PendingQueueTTL {
					kept = append(kept, m)
				}
			}
			if len(kept) == 0 {
				delete(bySender, id)
			} else {
				bySender[id] = kept
			}
		}
		if len(bySender) == 0 {
			delete(o.pendingChannel, ch)
		}
	}
}
