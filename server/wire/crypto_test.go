package wire

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestCryptoEnvelopeRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	rand.Read(key)
	c, err := NewMediaCipher(key)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	aad := BuildAAD(7, PacketEncVoice)
	plaintext := []byte("hello voice data")

	ct, err := c.Seal(42, 100, 0, aad, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	pt, err := c.Open(42, 100, 0, aad, ct)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("round-trip mismatch")
	}
}

// TestLiteralCryptoExample reproduces spec §8 scenario 1's nonce/AAD bytes.
func TestLiteralCryptoExample(t *testing.T) {
	nonce := BuildNonce(42, 100, 0)
	want := []byte{0, 0, 0, 42, 0, 0, 0, 100, 0, 0, 0, 0}
	if !bytes.Equal(nonce[:], want) {
		t.Fatalf("nonce mismatch: got % x want % x", nonce, want)
	}
	aad := BuildAAD(7, PacketEncVoice)
	wantAAD := []byte{0, 0, 0, 7, 0x05}
	if !bytes.Equal(aad, wantAAD) {
		t.Fatalf("aad mismatch: got % x want % x", aad, wantAAD)
	}
}

func TestCryptoEnvelopeTamperDetection(t *testing.T) {
	key1 := make([]byte, 32)
	key2 := make([]byte, 32)
	rand.Read(key1)
	rand.Read(key2)
	c1, _ := NewMediaCipher(key1)
	c2, _ := NewMediaCipher(key2)
	aad := BuildAAD(1, PacketEncVoice)
	ct, _ := c1.Seal(1, 1, 0, aad, []byte("secret"))

	t.Run("wrong key", func(t *testing.T) {
		if _, err := c2.Open(1, 1, 0, aad, ct); err != ErrAuthFailed {
			t.Fatalf("expected ErrAuthFailed, got %v", err)
		}
	})
	t.Run("bit flip", func(t *testing.T) {
		tampered := append([]byte(nil), ct...)
		tampered[0] ^= 0x01
		if _, err := c1.Open(1, 1, 0, aad, tampered); err != ErrAuthFailed {
			t.Fatalf("expected ErrAuthFailed, got %v", err)
		}
	})
	t.Run("wrong nonce component", func(t *testing.T) {
		if _, err := c1.Open(1, 2, 0, aad, ct); err != ErrAuthFailed {
			t.Fatalf("expected ErrAuthFailed, got %v", err)
		}
	})
	t.Run("wrong aad", func(t *testing.T) {
		if _, err := c1.Open(1, 1, 0, BuildAAD(2, PacketEncVoice), ct); err != ErrAuthFailed {
			t.Fatalf("expected ErrAuthFailed, got %v", err)
		}
	})
}

func TestCryptoEnvelopeSequenceExhaustion(t *testing.T) {
	key := make([]byte, 32)
	rand.Read(key)
	c, _ := NewMediaCipher(key)
	_, err := c.Seal(1, MaxSequenceBeforeRotation, 0, nil, []byte("x"))
	if err != ErrSequenceExhausted {
		t.Fatalf("expected ErrSequenceExhausted, got %v", err)
	}
}
