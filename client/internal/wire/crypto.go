package wire

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
)

// MaxSequenceBeforeRotation is the hard rotation threshold (spec §4.5,
// invariant e): 2^32 - 1000. At roughly 50 packets/s (20ms voice frames)
// this is reached after about 2.7 years under one key.
const MaxSequenceBeforeRotation uint32 = ^uint32(0) - 999

// ErrSequenceExhausted is returned by Seal when primary has reached the
// rotation threshold; the caller must rotate the media key.
var ErrSequenceExhausted = errors.New("wire: sequence exceeds rotation threshold, rotate media key")

// ErrAuthFailed is returned by Open on any AEAD authentication failure.
var ErrAuthFailed = errors.New("wire: AEAD authentication failed")

// MediaCipher wraps AES-256-GCM under the nonce/AAD construction of spec
// §4.5. One instance is created per media key.
type MediaCipher struct {
	aead cipher.AEAD
}

// NewMediaCipher builds a cipher from a 32-byte AES-256 key.
func NewMediaCipher(key []byte) (*MediaCipher, error) {
	if len(key) != 32 {
		return nil, errors.New("wire: media key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &MediaCipher{aead: aead}, nil
}

// BuildNonce constructs the 12-byte AEAD nonce: session_id(4) ||
// primary_counter(4) || secondary(4). For voice, primary is the sequence
// number and secondary is 0. For video, primary is the frame id and
// secondary is the fragment index.
func BuildNonce(sessionID, primary, secondary uint32) [12]byte {
	var n [12]byte
	binary.BigEndian.PutUint32(n[0:4], sessionID)
	binary.BigEndian.PutUint32(n[4:8], primary)
	binary.BigEndian.PutUint32(n[8:12], secondary)
	return n
}

// BuildAAD constructs the 5-byte associated data: channel_id(4) ||
// packet_type_byte(1).
func BuildAAD(channelID uint32, packetType uint8) []byte {
	aad := make([]byte, 5)
	binary.BigEndian.PutUint32(aad[0:4], channelID)
	aad[4] = packetType
	return aad
}

// Seal encrypts plaintext, appending the GCM tag. It refuses when primary
// has reached the rotation threshold.
func (c *MediaCipher) Seal(sessionID, primary, secondary uint32, aad, plaintext []byte) ([]byte, error) {
	if primary >= MaxSequenceBeforeRotation {
		return nil, ErrSequenceExhausted
	}
	nonce := BuildNonce(sessionID, primary, secondary)
	return c.aead.Seal(nil, nonce[:], plaintext, aad), nil
}

// Open decrypts ciphertext (with appended tag). Authentication failure is
// reported as ErrAuthFailed; callers treat this as a silent packet drop for
// media (spec §7).
func (c *MediaCipher) Open(sessionID, primary, secondary uint32, aad, ciphertext []byte) ([]byte, error) {
	nonce := BuildNonce(sessionID, primary, secondary)
	out, err := c.aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return out, nil
}
