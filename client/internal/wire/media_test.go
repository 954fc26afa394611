package wire

import (
	"bytes"
	"testing"
)

func TestVoicePacketRoundTrip(t *testing.T) {
	cases := []*VoicePacket{
		{Type: PacketVoice, SessionID: 1, Token: 2, Sequence: 3, Payload: []byte("opus")},
		{Type: PacketEndOfTransmission, SessionID: 1, Token: 2, Sequence: 3},
		{Type: PacketPing, SessionID: 1, Token: 2, Sequence: 3},
		{Type: PacketPong, SessionID: 1, Token: 2, Sequence: 3},
		{Type: PacketEncVoice, SessionID: 1, Token: 2, Sequence: 3, KeyID: 7, Payload: []byte("ciphertext")},
	}
	for _, p := range cases {
		wire := p.Marshal()
		got, err := ParseVoicePacket(wire)
		if err != nil {
			t.Fatalf("parse type %#x: %v", p.Type, err)
		}
		if got.Type != p.Type || got.SessionID != p.SessionID || got.Token != p.Token ||
			got.Sequence != p.Sequence || got.KeyID != p.KeyID || !bytes.Equal(got.Payload, p.Payload) {
			t.Fatalf("round-trip mismatch for type %#x: got %#v", p.Type, got)
		}
	}
}

func TestVoicePacketTruncatedHeaderRejected(t *testing.T) {
	full := (&VoicePacket{Type: PacketVoice, SessionID: 1, Token: 2, Sequence: 3}).Marshal()
	_, err := ParseVoicePacket(full[:len(full)-1])
	if err != ErrPacketTooShort {
		t.Fatalf("expected ErrPacketTooShort, got %v", err)
	}
}

func TestVoicePacketUnknownTypeRejected(t *testing.T) {
	buf := make([]byte, voiceHeaderLen)
	buf[0] = 0x7F
	_, err := ParseVoicePacket(buf)
	if err != ErrUnknownPacketType {
		t.Fatalf("expected ErrUnknownPacketType, got %v", err)
	}
}

// TestLiteralEncryptedVoiceExample reproduces spec §8 scenario 1 exactly:
// session 42, sequence 100, key id 0, 160-byte payload.
func TestLiteralEncryptedVoiceExample(t *testing.T) {
	payload := make([]byte, 160)
	for i := range payload {
		payload[i] = byte(i)
	}
	p := &VoicePacket{
		Type:      PacketEncVoice,
		SessionID: 42,
		Token:     0,
		Sequence:  100,
		KeyID:     0,
		Payload:   payload, // stand-in for the 176-byte ciphertext; header layout is what's under test
	}
	wire := p.Marshal()
	if len(wire) != 19+len(payload) {
		t.Fatalf("expected %d bytes, got %d", 19+len(payload), len(wire))
	}
	if wire[0] != 0x05 {
		t.Fatalf("expected type byte 0x05, got %#x", wire[0])
	}
	if wire[1] != 0 || wire[2] != 0 || wire[3] != 0 || wire[4] != 0x2A {
		t.Fatalf("expected session id 42 big-endian, got % x", wire[1:5])
	}
	if wire[13] != 0 || wire[14] != 0 || wire[15] != 0 || wire[16] != 0x64 {
		t.Fatalf("expected sequence 100 big-endian, got % x", wire[13:17])
	}
	if wire[17] != 0 || wire[18] != 0 {
		t.Fatalf("expected key id 0, got % x", wire[17:19])
	}
}

func TestFragmentationLiteralExample(t *testing.T) {
	data := make([]byte, 3400)
	for i := range data {
		data[i] = byte(i)
	}
	frags, err := Fragment(1, data, 1239, true, true)
	if err != nil {
		t.Fatalf("fragment: %v", err)
	}
	if len(frags) != 3 {
		t.Fatalf("expected 3 fragments, got %d", len(frags))
	}
	wantSizes := []int{1239, 1239, 922}
	for i, f := range frags {
		if len(f.Payload) != wantSizes[i] {
			t.Fatalf("fragment %d: expected %d bytes, got %d", i, wantSizes[i], len(f.Payload))
		}
		if f.Type != PacketEncKey {
			t.Fatalf("fragment %d: expected type EncKey, got %#x", i, f.Type)
		}
		if f.FragmentCount != 3 || int(f.FragmentIndex) != i {
			t.Fatalf("fragment %d: bad index/count %d/%d", i, f.FragmentIndex, f.FragmentCount)
		}
	}

	// Feeding in any permutation reconstructs the frame.
	order := []int{2, 0, 1}
	asm := NewFrameAssembler()
	var out []byte
	var completed, dropped bool
	for _, idx := range order {
		out, _, completed, dropped = asm.Push(frags[idx])
	}
	if !completed || dropped {
		t.Fatalf("expected completed frame with no drop, completed=%v dropped=%v", completed, dropped)
	}
	if !bytes.Equal(out, data) {
		t.Fatalf("reconstructed frame mismatch")
	}
}

func TestFrameAssemblerDropsUntilKeyframe(t *testing.T) {
	asm := NewFrameAssembler()
	delta := &VideoPacket{Type: PacketDelta, FrameID: 1, FragmentIndex: 0, FragmentCount: 1, Payload: []byte("x")}
	_, _, completed, _ := asm.Push(delta)
	if completed {
		t.Fatalf("expected delta frame to be dropped before any keyframe")
	}
}

func TestFrameAssemblerPartialEvictionMarksDropped(t *testing.T) {
	asm := NewFrameAssembler()
	key := &VideoPacket{Type: PacketKey, FrameID: 1, FragmentIndex: 0, FragmentCount: 1, Payload: []byte("k")}
	asm.Push(key)

	// Frame 2 arrives with only one of two fragments, then frame 3 arrives,
	// which should evict the incomplete frame 2 and mark it dropped.
	f2a := &VideoPacket{Type: PacketDelta, FrameID: 2, FragmentIndex: 0, FragmentCount: 2, Payload: []byte("a")}
	_, _, completed, dropped := asm.Push(f2a)
	if completed || dropped {
		t.Fatalf("frame 2 should still be in progress")
	}

	f3 := &VideoPacket{Type: PacketDelta, FrameID: 3, FragmentIndex: 0, FragmentCount: 1, Payload: []byte("c")}
	_, _, _, dropped = asm.Push(f3)
	if !dropped {
		t.Fatalf("expected frame_dropped on eviction of incomplete frame 2")
	}
}

func TestFrameAssemblerGapMarksDropped(t *testing.T) {
	asm := NewFrameAssembler()
	key := &VideoPacket{Type: PacketKey, FrameID: 1, FragmentIndex: 0, FragmentCount: 1, Payload: []byte("k")}
	asm.Push(key)

	// Skip straight to frame 3: a gap between completed frames 1 and 3.
	f3 := &VideoPacket{Type: PacketDelta, FrameID: 3, FragmentIndex: 0, FragmentCount: 1, Payload: []byte("c")}
	_, _, completed, dropped := asm.Push(f3)
	if !completed {
		t.Fatalf("expected frame 3 to complete")
	}
	if !dropped {
		t.Fatalf("expected frame_dropped on frame id gap")
	}
}
