package main

import (
	"testing"

	"vmesh/client/internal/wire"
)

func TestMutedSet(t *testing.T) {
	var ms mutedSet
	if ms.Has(1) {
		t.Fatal("fresh set should not contain anything")
	}
	ms.Add(1)
	ms.Add(2)
	if !ms.Has(1) || !ms.Has(2) {
		t.Fatal("expected 1 and 2 to be muted")
	}
	ms.Remove(1)
	if ms.Has(1) {
		t.Fatal("expected 1 to be unmuted after Remove")
	}
	slice := ms.Slice()
	if len(slice) != 1 || slice[0] != 2 {
		t.Fatalf("expected Slice() == [2], got %v", slice)
	}
	ms.Clear()
	if ms.Has(2) || len(ms.Slice()) != 0 {
		t.Fatal("expected Clear() to remove everything")
	}
}

func TestQualityLevel(t *testing.T) {
	cases := []struct {
		loss, rttMs, jitterMs, dropRate float64
		want                            string
	}{
		{0, 20, 2, 0, "good"},
		{0.03, 50, 5, 0, "moderate"},
		{0, 150, 5, 0, "moderate"},
		{0.15, 20, 2, 0, "poor"},
		{0, 400, 2, 0, "poor"},
		{0, 20, 80, 0, "poor"},
		{0, 20, 2, 10, "poor"},
	}
	for _, c := range cases {
		got := qualityLevel(c.loss, c.rttMs, c.jitterMs, c.dropRate)
		if got != c.want {
			t.Errorf("qualityLevel(%v,%v,%v,%v) = %q, want %q", c.loss, c.rttMs, c.jitterMs, c.dropRate, got, c.want)
		}
	}
}

func TestPacketTypeForVoice(t *testing.T) {
	if got := PacketTypeForVoice(false); got != wire.PacketVoice {
		t.Errorf("unencrypted: got %v, want PacketVoice", got)
	}
	if got := PacketTypeForVoice(true); got != wire.PacketEncVoice {
		t.Errorf("encrypted: got %v, want PacketEncVoice", got)
	}
}

func TestVoiceSenderIDTruncates(t *testing.T) {
	if got := voiceSenderID(42); got != 42 {
		t.Errorf("voiceSenderID(42) = %d, want 42", got)
	}
	// 0x10001 truncates to 1 in the low 16 bits.
	if got := voiceSenderID(0x10001); got != 1 {
		t.Errorf("voiceSenderID(0x10001) = %d, want 1", got)
	}
}

func TestValidateChat(t *testing.T) {
	if err := validateChat(""); err == nil {
		t.Error("expected error for empty message")
	}
	big := make([]byte, 501)
	for i := range big {
		big[i] = 'a'
	}
	if err := validateChat(string(big)); err == nil {
		t.Error("expected error for over-length message")
	}
	if err := validateChat("hello"); err != nil {
		t.Errorf("unexpected error for valid message: %v", err)
	}
}

func TestNewTransportDefaults(t *testing.T) {
	tp := NewTransport()
	if tp.IsUserMuted(1) {
		t.Error("new transport should have no muted users")
	}
	if len(tp.MutedUsers()) != 0 {
		t.Error("new transport should report no muted users")
	}
}
