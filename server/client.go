package main

import (
	"context"
	"io"
	"log"
	"sync/atomic"
	"time"

	"github.com/quic-go/webtransport-go"

	"vmesh/server/wire"
)

// sendHealth tracks per-session datagram send success and implements a
// lightweight circuit breaker so the server stops wasting effort on
// unreachable peers (teacher's client.go pattern, kept verbatim).
type sendHealth struct {
	failures atomic.Uint32
	skips    atomic.Uint32
}

func (h *sendHealth) shouldSkip() bool {
	if h.failures.Load() < circuitBreakerThreshold {
		return false
	}
	s := h.skips.Add(1)
	return s%circuitBreakerProbeInterval != 0
}

func (h *sendHealth) recordFailure() uint32 {
	return h.failures.Add(1)
}

func (h *sendHealth) recordSuccess() bool {
	wasTripped := h.failures.Swap(0) >= circuitBreakerThreshold
	if wasTripped {
		h.skips.Store(0)
	}
	return wasTripped
}

// sessionStream adapts a webtransport.Stream to the ctrlWriter interface.
type sessionStream struct{ s *webtransport.Stream }

func (w *sessionStream) Write(b []byte) (int, error) { return w.s.Write(b) }

// handleSession manages one WebTransport connection from authentication to
// disconnect (spec §4.7).
func handleSession(ctx context.Context, sess *webtransport.Session, room *Room) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := sess.AcceptStream(ctx)
	if err != nil {
		log.Printf("[session] accept stream error: %v", err)
		return
	}
	defer stream.Close()

	var reader wire.FrameReader
	authCh := make(chan wire.ClientMessage, 1)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := stream.Read(buf)
			if n > 0 {
				reader.Feed(buf[:n])
				if payload, ok, ferr := reader.Next(); ferr == nil && ok {
					if m, derr := wire.DecodeClientMessage(payload); derr == nil {
						authCh <- m
						return
					}
				}
			}
			if err != nil {
				close(authCh)
				return
			}
		}
	}()

	var auth *wire.Authenticate
	select {
	case m, ok := <-authCh:
		if !ok {
			return
		}
		a, ok := m.(*wire.Authenticate)
		if !ok {
			return
		}
		auth = a
	case <-time.After(AuthTimeout):
		log.Printf("[session] authentication timed out")
		return
	}

	if auth.ProtocolVersion != wire.ProtocolVersion {
		writeMessage(stream, &wire.AuthError{Reason: "protocol version mismatch"})
		return
	}

	sess2, err := room.Authenticate(auth.Username)
	if err != nil {
		writeMessage(stream, &wire.AuthError{Reason: err.Error()})
		return
	}
	sess2.cancel = cancel
	sess2.ctrl = &sessionStream{stream}
	if auth.IdentityKey != nil {
		sess2.idMu.Lock()
		sess2.IdentityKey = auth.IdentityKey
		sess2.idMu.Unlock()
	}
	if auth.PreKeyBundle != nil {
		sess2.idMu.Lock()
		sess2.SignedPreKeyID = auth.PreKeyBundle.SignedPreKeyID
		sess2.SignedPreKey = auth.PreKeyBundle.SignedPreKey
		sess2.SignedPreKeySig = auth.PreKeyBundle.SignedPreKeySig
		sess2.RegistrationID = auth.PreKeyBundle.RegistrationID
		sess2.idMu.Unlock()
	}

	sess2.SendMessage(&wire.Authenticated{
		UserID:    sess2.UserID,
		SessionID: sess2.SessionID,
		UDPPort:   udpPort,
		UDPToken:  sess2.Token,
	})
	sess2.SendMessage(&wire.ChannelList{Channels: room.ChannelInfos()})
	room.broadcastAllExcept(&wire.UserJoined{User: wire.UserInfo{
		UserID: sess2.UserID, Username: sess2.Username, ChannelID: sess2.ChannelID(),
	}}, sess2.UserID)

	defer func() {
		lastCh, ok := room.RemoveSession(sess2.UserID)
		if ok {
			room.broadcastAllExcept(&wire.UserLeft{UserID: sess2.UserID, ChannelID: lastCh}, sess2.UserID)
		}
	}()

	log.Printf("[session] user %d (%s) authenticated", sess2.UserID, sess2.Username)

	count := 0
	readBuf := make([]byte, 4096)
	for {
		payload, ok, ferr := reader.Next()
		if ferr != nil {
			log.Printf("[session %d] frame error: %v", sess2.UserID, ferr)
			return
		}
		if !ok {
			n, err := stream.Read(readBuf)
			if n > 0 {
				reader.Feed(readBuf[:n])
			}
			if err != nil {
				if err != io.EOF {
					log.Printf("[session %d] read error: %v", sess2.UserID, err)
				}
				return
			}
			continue
		}
		msg, derr := wire.DecodeClientMessage(payload)
		if derr != nil {
			log.Printf("[session %d] decode error: %v", sess2.UserID, derr)
			continue
		}
		dispatch(room, sess2, msg)

		count++
		if count%controlYieldEvery == 0 {
			time.Sleep(0) // cooperative yield (spec §4.7: every 20 messages)
		}
	}
}

func writeMessage(w io.Writer, m wire.ServerMessage) {
	frame := wire.Encode(m.Marshal())
	w.Write(frame) //nolint:errcheck // best-effort; caller returns immediately after
}
