package main

import (
	"context"
	"encoding/binary"
	"log"
	"net"
)

// Voice/video packet type bytes (spec §3 "Voice packet" / "Video packet").
const (
	pktVoice       = 0x01
	pktEOT         = 0x02
	pktPing        = 0x03
	pktPong        = 0x04
	pktEncVoice    = 0x05
	pktDelta       = 0x10
	pktKey         = 0x11
	pktScreenAudio = 0x12
	pktEncDelta    = 0x13
	pktEncKey      = 0x14
	pktEncScreenAudio = 0x15
)

// datagramHeaderLen is the common prefix shared by every packet type: 1-byte
// type, 4-byte session id, 8-byte token (spec §3).
const datagramHeaderLen = 13

const udpSocketBuffer = 2 << 20 // 2 MiB, spec §4.8

// udpSender adapts a shared *net.UDPConn plus one learned remote address to
// the per-session DatagramSender interface.
type udpSender struct {
	conn *net.UDPConn
	addr *net.UDPAddr
}

func (u *udpSender) SendDatagram(b []byte) error {
	_, err := u.conn.WriteToUDP(b, u.addr)
	return err
}

// RunDatagramRouter owns the single UDP socket for voice/video (spec §4.8).
// It learns each session's source address on first validated datagram and
// dispatches by the type byte until ctx is cancelled.
func RunDatagramRouter(ctx context.Context, room *Room, host string, port int) error {
	addr := &net.UDPAddr{IP: net.ParseIP(host), Port: port}
	if addr.IP == nil {
		addr.IP = net.IPv4zero
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	_ = conn.SetReadBuffer(udpSocketBuffer)
	_ = conn.SetWriteBuffer(udpSocketBuffer)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	log.Printf("[datagram] listening on %s", conn.LocalAddr())

	buf := make([]byte, 1280) // spec §4.3 total datagram budget
	for {
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.Printf("[datagram] read error: %v", err)
				continue
			}
		}
		handleDatagram(room, conn, raddr, append([]byte(nil), buf[:n]...))
	}
}

func handleDatagram(room *Room, conn *net.UDPConn, raddr *net.UDPAddr, pkt []byte) {
	if len(pkt) < datagramHeaderLen {
		return
	}
	typ := pkt[0]
	sessionID := binary.BigEndian.Uint32(pkt[1:5])
	token := binary.BigEndian.Uint64(pkt[5:13])

	sess := room.Session(sessionID)
	if sess == nil || sess.Token != token {
		return
	}
	if !sess.LearnAddress(raddr.String()) {
		return // address mismatch after first learn; drop (possible spoof)
	}
	if sess.datagram == nil {
		sess.datagram = &udpSender{conn: conn, addr: raddr}
	}
	if sess.ChannelID() == LobbyChannelID {
		return
	}

	switch typ {
	case pktVoice, pktEOT, pktEncVoice:
		room.FanOutVoice(sessionID, pkt)
	case pktPing:
		pkt[0] = pktPong
		_, _ = conn.WriteToUDP(pkt, raddr)
	case pktPong:
		// no-op: the server never solicits a PONG from a client
	case pktDelta, pktKey, pktScreenAudio, pktEncDelta, pktEncKey, pktEncScreenAudio:
		room.FanOutVideo(sessionID, pkt)
	}
}
