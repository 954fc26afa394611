package main

import (
	"log"
	"time"

	"vmesh/server/wire"
)

// dispatch routes one decoded client message to its handler (spec §4.7).
// Handlers are intentionally small; cross-cutting concerns (rate limits,
// creator checks) are inlined rather than factored into middleware since
// each message type enforces a different subset of them.
func dispatch(room *Room, sess *Session, msg wire.ClientMessage) {
	switch m := msg.(type) {
	case *wire.Ping:
		sess.SendMessage(&wire.Pong{Timestamp: m.Timestamp})

	case *wire.RequestChannelList:
		sess.SendMessage(&wire.ChannelList{Channels: room.ChannelInfos()})

	case *wire.SetMuted:
		sess.Muted.Store(m.Muted)
		room.broadcastAll(&wire.UserMuted{UserID: sess.UserID, Muted: m.Muted})

	case *wire.SetDeafened:
		sess.Deafened.Store(m.Deafened)
		room.broadcastAll(&wire.UserDeafened{UserID: sess.UserID, Deafened: m.Deafened})

	case *wire.JoinChannel:
		handleJoinChannel(room, sess, m)

	case *wire.CreateChannel:
		handleCreateChannel(room, sess, m)

	case *wire.SetChannelPassword:
		handleSetChannelPassword(room, sess, m)

	case *wire.KickUser:
		handleKickUser(room, sess, m)

	case *wire.RequestChannelUsers:
		ch := room.Channel(m.ChannelID)
		if ch == nil {
			sess.SendMessage(&wire.ChannelError{Reason: "channel not found"})
			return
		}
		sess.SendMessage(&wire.ChannelUsers{ChannelID: ch.ID, Users: userInfos(room, ch)})

	case *wire.SendInvite:
		handleSendInvite(room, sess, m)

	case *wire.AcceptInvite:
		ch := room.Channel(m.ChannelID)
		if ch == nil || !ch.IsInvited(sess.UserID) {
			sess.SendMessage(&wire.ChannelError{Reason: "no pending invite"})
			return
		}
		room.broadcastChannel(ch, &wire.InviteAccepted{ChannelID: m.ChannelID, UserID: sess.UserID}, 0)

	case *wire.DeclineInvite:
		if ch := room.Channel(m.ChannelID); ch != nil {
			ch.RevokeInvite(sess.UserID)
			room.broadcastChannel(ch, &wire.InviteDeclined{ChannelID: m.ChannelID, UserID: sess.UserID}, 0)
		}

	case *wire.SendChannelMessage:
		handleSendChannelMessage(room, sess, m)

	case *wire.SendDirectMessage:
		handleSendDirectMessage(room, sess, m)

	case *wire.StartScreenShare:
		handleStartScreenShare(room, sess, m)

	case *wire.StopScreenShare:
		handleStopScreenShare(room, sess)

	case *wire.WatchScreenShare:
		handleWatchScreenShare(room, sess, m)

	case *wire.StopWatchingScreenShare:
		handleStopWatchingScreenShare(room, sess)

	case *wire.RequestKeyframe:
		if target := room.Session(m.SharerUserID); target != nil {
			target.SendMessage(&wire.KeyframeRequested{RequestedBy: sess.UserID})
		}

	case *wire.RequestPreKeyBundle:
		handleRequestPreKeyBundle(room, sess, m)

	case *wire.UploadPreKeys:
		if !sess.prekeyUploadLimiter.Allow() {
			sess.SendMessage(&wire.ChannelError{Reason: "rate limited"})
			return
		}
		sess.AddOneTimePreKeys(m.PreKeys)

	case *wire.SendEncryptedDirectMessage:
		if target := room.Session(m.TargetUserID); target != nil {
			target.SendMessage(&wire.EncryptedDirectMessage{
				FromUserID: sess.UserID, Ciphertext: m.Ciphertext, MessageType: m.MessageType,
			})
		}

	case *wire.SendEncryptedChannelMessage:
		if ch := room.Channel(sess.ChannelID()); ch != nil {
			room.broadcastChannel(ch, &wire.EncryptedChannelMessage{
				ChannelID: ch.ID, FromUserID: sess.UserID, Ciphertext: m.Ciphertext,
			}, sess.UserID)
		}

	case *wire.DistributeSenderKey:
		if target := room.Session(m.TargetUserID); target != nil {
			target.SendMessage(&wire.SenderKeyDistribution{
				ChannelID: m.ChannelID, FromUserID: sess.UserID,
				DistributionMessage: m.DistributionMessage, MessageType: m.MessageType,
			})
		}

	case *wire.DistributeMediaKey:
		if target := room.Session(m.TargetUserID); target != nil {
			target.SendMessage(&wire.MediaKeyDistribution{
				ChannelID: m.ChannelID, FromUserID: sess.UserID, EncryptedMediaKey: m.EncryptedMediaKey,
			})
		}

	case *wire.Disconnect:
		sess.cancel()

	default:
		log.Printf("[session %d] unhandled message %T", sess.UserID, m)
	}
}

func userInfos(room *Room, ch *Channel) []wire.UserInfo {
	members := ch.Members()
	out := make([]wire.UserInfo, 0, len(members))
	for _, id := range members {
		s := room.Session(id)
		if s == nil {
			continue
		}
		out = append(out, wire.UserInfo{
			UserID: s.UserID, Username: s.Username, ChannelID: s.ChannelID(),
			Muted: s.Muted.Load(), Deafened: s.Deafened.Load(),
		})
	}
	return out
}

func handleJoinChannel(room *Room, sess *Session, m *wire.JoinChannel) {
	prevID := sess.ChannelID()
	if err := room.JoinChannel(sess, m.ChannelID, m.Password); err != nil {
		sess.SendMessage(&wire.ChannelError{Reason: err.Error()})
		return
	}
	ch := room.Channel(m.ChannelID)
	sess.SendMessage(&wire.MovedToChannel{ChannelID: m.ChannelID})
	sess.SendMessage(&wire.ChannelUsers{ChannelID: ch.ID, Users: userInfos(room, ch)})
	if key, keyID, ok := ch.MediaKey(); ok {
		sess.SendMessage(&wire.MediaKey{ChannelID: ch.ID, KeyID: keyID, Key: key})
	}
	room.broadcastAll(&wire.UserJoined{User: wire.UserInfo{
		UserID: sess.UserID, Username: sess.Username, ChannelID: ch.ID,
		Muted: sess.Muted.Load(), Deafened: sess.Deafened.Load(),
	}})
	if prevID != ch.ID {
		if prev := room.Channel(prevID); prev != nil {
			room.broadcastChannel(prev, &wire.ChannelUpdated{Channel: prev.Info()}, 0)
		}
	}
	room.broadcastChannel(ch, &wire.ChannelUpdated{Channel: ch.Info()}, 0)
}

func handleCreateChannel(room *Room, sess *Session, m *wire.CreateChannel) {
	if !sess.channelCreateLimiter.Allow() {
		sess.SendMessage(&wire.ChannelError{Reason: "rate limited"})
		return
	}
	ch, err := room.CreateChannel(m.Name, sess.UserID, m.Password, m.TrustServerWithMediaKey)
	if err != nil {
		sess.SendMessage(&wire.ChannelError{Reason: err.Error()})
		return
	}
	room.broadcastAll(&wire.ChannelCreated{Channel: ch.Info()})
}

func handleSetChannelPassword(room *Room, sess *Session, m *wire.SetChannelPassword) {
	ch := room.Channel(m.ChannelID)
	if ch == nil {
		sess.SendMessage(&wire.ChannelError{Reason: "channel not found"})
		return
	}
	if ch.CreatorID != sess.UserID {
		sess.SendMessage(&wire.ChannelError{Reason: ErrNotCreator.Error()})
		return
	}
	ch.SetPassword(passwordBytes(m.Password))
	room.broadcastAll(&wire.ChannelUpdated{Channel: ch.Info()})
}

func handleKickUser(room *Room, sess *Session, m *wire.KickUser) {
	if m.UserID == sess.UserID {
		sess.SendMessage(&wire.ChannelError{Reason: ErrSelfKick.Error()})
		return
	}
	ch := room.Channel(m.ChannelID)
	if ch == nil {
		sess.SendMessage(&wire.ChannelError{Reason: "channel not found"})
		return
	}
	if ch.CreatorID != sess.UserID {
		sess.SendMessage(&wire.ChannelError{Reason: ErrNotCreator.Error()})
		return
	}
	target := room.Session(m.UserID)
	if target == nil || !ch.IsMember(m.UserID) {
		sess.SendMessage(&wire.ChannelError{Reason: "user not in channel"})
		return
	}
	target.SendMessage(&wire.Kicked{ChannelID: ch.ID, Reason: "kicked by channel creator"})
	if err := room.JoinChannel(target, LobbyChannelID, nil); err != nil {
		log.Printf("[room] kick relocate to lobby failed for user %d: %v", target.UserID, err)
		return
	}
	target.SendMessage(&wire.MovedToChannel{ChannelID: LobbyChannelID})
	room.broadcastAll(&wire.ChannelUpdated{Channel: ch.Info()})
}

func handleSendInvite(room *Room, sess *Session, m *wire.SendInvite) {
	ch := room.Channel(m.ChannelID)
	if ch == nil {
		sess.SendMessage(&wire.ChannelError{Reason: "channel not found"})
		return
	}
	if ch.CreatorID != sess.UserID {
		sess.SendMessage(&wire.ChannelError{Reason: ErrNotCreator.Error()})
		return
	}
	if !ch.Invite(m.TargetUserID) {
		sess.SendMessage(&wire.ChannelError{Reason: "invite list full"})
		return
	}
	if target := room.Session(m.TargetUserID); target != nil {
		target.SendMessage(&wire.InviteReceived{ChannelID: ch.ID, ChannelName: ch.Name, InvitedBy: sess.Username})
	}
}

func handleSendChannelMessage(room *Room, sess *Session, m *wire.SendChannelMessage) {
	if !sess.chatLimiter.Allow() {
		sess.SendMessage(&wire.ChannelError{Reason: "rate limited"})
		return
	}
	ch := room.Channel(sess.ChannelID())
	if ch == nil {
		return
	}
	room.broadcastChannel(ch, &wire.ChannelChatMessage{
		ChannelID: ch.ID, UserID: sess.UserID, Username: sess.Username,
		Content: m.Content, Timestamp: uint64(time.Now().Unix()),
	}, 0)
}

func handleSendDirectMessage(room *Room, sess *Session, m *wire.SendDirectMessage) {
	if !sess.chatLimiter.Allow() {
		sess.SendMessage(&wire.ChannelError{Reason: "rate limited"})
		return
	}
	ts := uint64(time.Now().Unix())
	target := room.Session(m.TargetUserID)
	if target != nil {
		target.SendMessage(&wire.DirectChatMessage{UserID: sess.UserID, Username: sess.Username, Content: m.Content, Timestamp: ts})
	}
	sess.SendMessage(&wire.DirectChatMessage{UserID: sess.UserID, Username: sess.Username, Content: m.Content, Timestamp: ts})
}

func handleStartScreenShare(room *Room, sess *Session, m *wire.StartScreenShare) {
	ch := room.Channel(sess.ChannelID())
	if ch == nil || ch.ID == LobbyChannelID {
		sess.SendMessage(&wire.ChannelError{Reason: "cannot share in the lobby"})
		return
	}
	if !ch.StartShare(sess.UserID, uint32(m.Resolution), uint32(m.Resolution)) {
		sess.SendMessage(&wire.ChannelError{Reason: "already sharing"})
		return
	}
	sess.sharing.Store(true)
	room.broadcastChannel(ch, &wire.ScreenShareStarted{SharerUserID: sess.UserID, Resolution: m.Resolution}, sess.UserID)
}

func handleStopScreenShare(room *Room, sess *Session) {
	ch := room.Channel(sess.ChannelID())
	if ch == nil {
		return
	}
	viewers, ok := ch.StopShare(sess.UserID)
	if !ok {
		return
	}
	sess.sharing.Store(false)
	for _, vid := range viewers {
		if v := room.Session(vid); v != nil {
			v.ClearWatching()
			v.SendMessage(&wire.StoppedWatchingScreenShare{Reason: "sharer stopped"})
		}
	}
	room.broadcastChannel(ch, &wire.ScreenShareStopped{SharerUserID: sess.UserID}, sess.UserID)
}

func handleWatchScreenShare(room *Room, sess *Session, m *wire.WatchScreenShare) {
	ch := room.Channel(sess.ChannelID())
	if ch == nil {
		return
	}
	if prev, ok := sess.Watching(); ok && prev != m.SharerUserID {
		ch.StopWatching(sess.UserID)
	}
	count, first, ok := ch.Watch(m.SharerUserID, sess.UserID)
	if !ok {
		sess.SendMessage(&wire.ChannelError{Reason: "no active share"})
		return
	}
	sess.SetWatching(m.SharerUserID)
	sess.SendMessage(&wire.WatchingScreenShare{SharerUserID: m.SharerUserID})
	if sharer := room.Session(m.SharerUserID); sharer != nil {
		sharer.SendMessage(&wire.ViewerCountChanged{SharerUserID: m.SharerUserID, ViewerCount: uint32(count)})
		if first {
			sharer.SendMessage(&wire.KeyframeRequested{RequestedBy: sess.UserID})
		}
	}
}

func handleStopWatchingScreenShare(room *Room, sess *Session) {
	sharerID, ok := sess.Watching()
	if !ok {
		return
	}
	ch := room.Channel(sess.ChannelID())
	if ch == nil {
		return
	}
	ch.StopWatching(sess.UserID)
	sess.ClearWatching()
	if sharer := room.Session(sharerID); sharer != nil {
		sharer.SendMessage(&wire.ViewerCountChanged{SharerUserID: sharerID, ViewerCount: uint32(ch.ViewerCount(sharerID))})
	}
}

func handleRequestPreKeyBundle(room *Room, sess *Session, m *wire.RequestPreKeyBundle) {
	target := room.Session(m.TargetUserID)
	if target == nil {
		sess.SendMessage(&wire.ChannelError{Reason: "user not found"})
		return
	}
	bundle := target.Bundle()
	if otk, ok := target.TakeOneTimePreKey(); ok {
		bundle.OneTimePreKeyID = otk.ID
		bundle.OneTimePreKey = otk.PublicKey
	}
	sess.SendMessage(&wire.PreKeyBundleResponse{UserID: target.UserID, Bundle: bundle})
}
