package wire

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	msg := (&Ping{Timestamp: 123456}).Marshal()
	encoded := Encode(msg)

	payload, consumed, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if consumed != len(encoded) {
		t.Fatalf("expected to consume %d bytes, got %d", len(encoded), consumed)
	}
	if !bytes.Equal(payload, msg) {
		t.Fatalf("round-trip mismatch")
	}

	decoded, err := DecodeClientMessage(payload)
	if err != nil {
		t.Fatalf("decode client message: %v", err)
	}
	ping, ok := decoded.(*Ping)
	if !ok || ping.Timestamp != 123456 {
		t.Fatalf("expected Ping{123456}, got %#v", decoded)
	}
}

func TestReaderInterleavedFrames(t *testing.T) {
	f1 := Encode((&Ping{Timestamp: 1}).Marshal())
	f2 := Encode((&Disconnect{}).Marshal())

	var r FrameReader
	// Feed f1 in two partial chunks, then all of f2.
	r.Feed(f1[:2])
	if _, ok, err := r.Next(); ok || err != nil {
		t.Fatalf("expected no frame yet, got ok=%v err=%v", ok, err)
	}
	r.Feed(f1[2:])
	r.Feed(f2)

	p1, ok, err := r.Next()
	if err != nil || !ok {
		t.Fatalf("expected first frame, err=%v ok=%v", err, ok)
	}
	m1, err := DecodeClientMessage(p1)
	if err != nil {
		t.Fatalf("decode m1: %v", err)
	}
	if _, ok := m1.(*Ping); !ok {
		t.Fatalf("expected Ping, got %#v", m1)
	}

	p2, ok, err := r.Next()
	if err != nil || !ok {
		t.Fatalf("expected second frame, err=%v ok=%v", err, ok)
	}
	m2, err := DecodeClientMessage(p2)
	if err != nil {
		t.Fatalf("decode m2: %v", err)
	}
	if _, ok := m2.(*Disconnect); !ok {
		t.Fatalf("expected Disconnect, got %#v", m2)
	}

	if _, ok, err := r.Next(); ok || err != nil {
		t.Fatalf("expected residue empty, got ok=%v err=%v", ok, err)
	}
}

func TestOversizeFrameRejected(t *testing.T) {
	buf := make([]byte, 4)
	// length field = 65537, well beyond MaxFrameLen.
	buf[0], buf[1], buf[2], buf[3] = 0x00, 0x01, 0x00, 0x01
	_, consumed, err := Decode(buf)
	if err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if consumed != 0 {
		t.Fatalf("expected 0 bytes consumed on rejection, got %d", consumed)
	}
}
