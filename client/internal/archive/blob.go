// Package archive implements the encrypted blob format spec §6 uses for
// both the chat archive ("VOIP" magic) and the signal-store ("VSIG" magic):
// a 53-byte header (4-byte magic, 1-byte version, 32-byte salt, 12-byte
// nonce, BE32 payload length) followed by AES-256-GCM ciphertext keyed via
// PBKDF2-HMAC-SHA256.
package archive

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/pbkdf2"
)

const (
	headerLen = 53
	saltLen   = 32
	nonceLen  = 12
	version   = 1

	// pbkdf2Iterations matches spec §6 exactly.
	pbkdf2Iterations = 600_000
	keyLen           = 32
)

// MagicChatArchive tags the chat-archive blob.
var MagicChatArchive = [4]byte{'V', 'O', 'I', 'P'}

// MagicSignalStore tags the signal-store (E2E identity/session) blob.
var MagicSignalStore = [4]byte{'V', 'S', 'I', 'G'}

var (
	ErrBadMagic    = errors.New("archive: unrecognized magic")
	ErrBadVersion  = errors.New("archive: unsupported version")
	ErrShortHeader = errors.New("archive: file shorter than header")
	ErrTruncated   = errors.New("archive: payload shorter than declared length")
)

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, keyLen, sha256New)
}

// Seal encrypts plaintext under password, producing a complete blob with the
// given magic.
func Seal(magic [4]byte, password string, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	key := deriveKey(password, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	aad := append(append([]byte{}, magic[:]...), version)
	ciphertext := aead.Seal(nil, nonce, plaintext, aad)

	out := make([]byte, headerLen+len(ciphertext))
	copy(out[0:4], magic[:])
	out[4] = version
	copy(out[5:5+saltLen], salt)
	copy(out[5+saltLen:5+saltLen+nonceLen], nonce)
	binary.BigEndian.PutUint32(out[49:53], uint32(len(ciphertext)))
	copy(out[headerLen:], ciphertext)
	return out, nil
}

// Open decrypts a blob previously produced by Seal. A wrong password or
// corrupted ciphertext returns an AEAD authentication error (spec §8.5: wrong
// password must fail, not silently return garbage).
func Open(wantMagic [4]byte, password string, blob []byte) ([]byte, error) {
	if len(blob) < headerLen {
		return nil, ErrShortHeader
	}
	var magic [4]byte
	copy(magic[:], blob[0:4])
	if magic != wantMagic {
		return nil, ErrBadMagic
	}
	if blob[4] != version {
		return nil, ErrBadVersion
	}
	salt := blob[5 : 5+saltLen]
	nonce := blob[5+saltLen : 5+saltLen+nonceLen]
	payloadLen := binary.BigEndian.Uint32(blob[49:53])
	if len(blob) < headerLen+int(payloadLen) {
		return nil, ErrTruncated
	}
	ciphertext := blob[headerLen : headerLen+int(payloadLen)]

	key := deriveKey(password, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	aad := append(append([]byte{}, magic[:]...), version)
	return aead.Open(nil, nonce, ciphertext, aad)
}
