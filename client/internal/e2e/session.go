package e2e

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"vmesh/client/internal/wire"
)

// Message types carried on SendEncryptedDirectMessage/EncryptedDirectMessage
// (spec §4.6): 1 marks the X3DH bootstrap that establishes the session, 2 is
// every subsequent ratcheted message.
const (
	MessageTypeBootstrap  uint8 = 1
	MessageTypeSubsequent uint8 = 2
)

var (
	// ErrNoSession is returned when Encrypt/Decrypt is called before a
	// pairwise session has been established.
	ErrNoSession = errors.New("e2e: no established session")
	// ErrUnknownOneTimeKey is returned when a bootstrap message names a
	// one-time pre-key id we no longer hold (already consumed, or never ours).
	ErrUnknownOneTimeKey = errors.New("e2e: bootstrap references unknown one-time pre-key")
)

// Session is a pairwise ratcheted E2E session (spec §4.6). The symmetric
// ratchet (HKDF-chained sending/receiving chain keys) is a deliberate
// simplification of the full Double Ratchet: the corpus carries no DH-ratchet
// reference implementation, so each session sticks to one root secret
// derived once via X3DH and ratchets chain keys forward per message rather
// than re-keying via a fresh DH step every round trip. See DESIGN.md.
type Session struct {
	mu sync.Mutex

	sendChainKey [32]byte
	recvChainKey [32]byte
	sendCounter  uint32
	recvCounter  uint32
	established  bool

	// bootstrap carries the fields the initiator must attach to its first
	// message so the responder can derive the same root secret.
	bootstrap *bootstrapHeader
}

type bootstrapHeader struct {
	initiatorIdentity [32]byte
	initiatorEphemeral [32]byte
	oneTimePreKeyID   uint32
	usedOneTimePreKey bool
}

const sessionInfo = "vmesh-e2e-session-v1"

// kdfRootSecret derives the initial chain keys from the X3DH shared secret.
func kdfRootSecret(secret []byte) (sendChain, recvChain [32]byte, err error) {
	r := hkdf.New(sha256New, secret, nil, []byte(sessionInfo))
	if _, err = io.ReadFull(r, sendChain[:]); err != nil {
		return
	}
	if _, err = io.ReadFull(r, recvChain[:]); err != nil {
		return
	}
	return
}

// InitiateSession starts a pairwise session as the initiator, performing an
// X3DH handshake against the peer's PreKeyBundle (spec §4.6). It returns the
// session (with symmetric roles already assigned: the initiator's send chain
// is the responder's recv chain) and the bootstrap message to attach to the
// first SendEncryptedDirectMessage.
func InitiateSession(myIdentity *IdentityKeyPair, bundle wire.PreKeyBundle, plaintext []byte) (*Session, []byte, error) {
	theirIdentity, err := to32(bundle.IdentityKey)
	if err != nil {
		return nil, nil, err
	}
	theirSignedPreKey, err := to32(bundle.SignedPreKey)
	if err != nil {
		return nil, nil, err
	}

	ephPriv, ephPub, err := generateX25519()
	if err != nil {
		return nil, nil, err
	}

	dh1, err := dh(myIdentity.Private, theirSignedPreKey)
	if err != nil {
		return nil, nil, err
	}
	dh2, err := dh(ephPriv, theirIdentity)
	if err != nil {
		return nil, nil, err
	}
	dh3, err := dh(ephPriv, theirSignedPreKey)
	if err != nil {
		return nil, nil, err
	}

	secret := append(append(append([]byte{}, dh1[:]...), dh2[:]...), dh3[:]...)

	usedOTK := len(bundle.OneTimePreKey) == 32
	if usedOTK {
		theirOTK, err := to32(bundle.OneTimePreKey)
		if err != nil {
			return nil, nil, err
		}
		dh4, err := dh(ephPriv, theirOTK)
		if err != nil {
			return nil, nil, err
		}
		secret = append(secret, dh4[:]...)
	}

	sendChain, recvChain, err := kdfRootSecret(secret)
	if err != nil {
		return nil, nil, err
	}

	sess := &Session{
		sendChainKey: sendChain,
		recvChainKey: recvChain,
		established:  true,
		bootstrap: &bootstrapHeader{
			initiatorIdentity:  myIdentity.Public,
			initiatorEphemeral: ephPub,
			oneTimePreKeyID:    bundle.OneTimePreKeyID,
			usedOneTimePreKey:  usedOTK,
		},
	}

	ciphertext, err := sess.Encrypt(plaintext)
	if err != nil {
		return nil, nil, err
	}
	return sess, encodeBootstrap(sess.bootstrap, ciphertext), nil
}

// AcceptSession completes the responder side of an X3DH handshake from a
// bootstrap message (spec §4.6).
func AcceptSession(myIdentity *IdentityKeyPair, myPreKeys *PreKeyStore, payload []byte) (*Session, []byte, error) {
	hdr, ciphertext, err := decodeBootstrap(payload)
	if err != nil {
		return nil, nil, err
	}

	dh1, err := dh(myPreKeys.SignedPreKeyPrivate(), hdr.initiatorIdentity)
	if err != nil {
		return nil, nil, err
	}
	dh2, err := dh(myIdentity.Private, hdr.initiatorEphemeral)
	if err != nil {
		return nil, nil, err
	}
	dh3, err := dh(myPreKeys.SignedPreKeyPrivate(), hdr.initiatorEphemeral)
	if err != nil {
		return nil, nil, err
	}

	secret := append(append(append([]byte{}, dh1[:]...), dh2[:]...), dh3[:]...)

	if hdr.usedOneTimePreKey {
		otkPriv, ok := myPreKeys.ConsumeOneTimePrivate(hdr.oneTimePreKeyID)
		if !ok {
			return nil, nil, ErrUnknownOneTimeKey
		}
		dh4, err := dh(otkPriv, hdr.initiatorEphemeral)
		if err != nil {
			return nil, nil, err
		}
		secret = append(secret, dh4[:]...)
	}

	// Roles are swapped relative to the initiator: what the initiator calls
	// its send chain is this side's recv chain, and vice versa.
	initiatorSend, initiatorRecv, err := kdfRootSecret(secret)
	if err != nil {
		return nil, nil, err
	}

	sess := &Session{
		sendChainKey: initiatorRecv,
		recvChainKey: initiatorSend,
		established:  true,
	}

	plaintext, err := sess.Decrypt(ciphertext)
	if err != nil {
		return nil, nil, err
	}
	return sess, plaintext, nil
}

// encodeBootstrap serializes the X3DH handshake header followed by the
// ratcheted ciphertext of the first message.
func encodeBootstrap(h *bootstrapHeader, ciphertext []byte) []byte {
	out := make([]byte, 0, 32+32+1+4+len(ciphertext))
	out = append(out, h.initiatorIdentity[:]...)
	out = append(out, h.initiatorEphemeral[:]...)
	if h.usedOneTimePreKey {
		out = append(out, 1)
		var idBuf [4]byte
		binary.BigEndian.PutUint32(idBuf[:], h.oneTimePreKeyID)
		out = append(out, idBuf[:]...)
	} else {
		out = append(out, 0)
	}
	return append(out, ciphertext...)
}

func decodeBootstrap(payload []byte) (*bootstrapHeader, []byte, error) {
	if len(payload) < 65 {
		return nil, nil, errors.New("e2e: bootstrap message too short")
	}
	h := &bootstrapHeader{}
	copy(h.initiatorIdentity[:], payload[0:32])
	copy(h.initiatorEphemeral[:], payload[32:64])
	off := 64
	if payload[off] == 1 {
		off++
		if len(payload) < off+4 {
			return nil, nil, errors.New("e2e: bootstrap message truncated")
		}
		h.usedOneTimePreKey = true
		h.oneTimePreKeyID = binary.BigEndian.Uint32(payload[off : off+4])
		off += 4
	} else {
		off++
	}
	return h, payload[off:], nil
}

// ratchetStep derives a fresh 32-byte message key and advances chain forward
// one step via HKDF, the same "symmetric-key ratchet" construction used by
// sender keys (senderkey.go).
func ratchetStep(chain *[32]byte) ([32]byte, error) {
	r := hkdf.New(sha256New, chain[:], nil, []byte("vmesh-e2e-step"))
	var msgKey, nextChain [32]byte
	if _, err := io.ReadFull(r, msgKey[:]); err != nil {
		return msgKey, err
	}
	if _, err := io.ReadFull(r, nextChain[:]); err != nil {
		return msgKey, err
	}
	*chain = nextChain
	return msgKey, nil
}

func aeadFromKey(key [32]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt ratchets the send chain forward and seals plaintext. The message
// key's counter is prefixed so Decrypt can detect reordering/replays.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.established {
		return nil, ErrNoSession
	}
	msgKey, err := ratchetStep(&s.sendChainKey)
	if err != nil {
		return nil, err
	}
	aead, err := aeadFromKey(msgKey)
	if err != nil {
		return nil, err
	}
	counter := s.sendCounter
	s.sendCounter++

	nonce := make([]byte, aead.NonceSize())
	binary.BigEndian.PutUint32(nonce, counter)

	out := make([]byte, 4, 4+len(plaintext)+aead.Overhead())
	binary.BigEndian.PutUint32(out, counter)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt ratchets the recv chain forward to match the embedded counter and
// opens the ciphertext. Keys of skipped counters are discarded, so a message
// that arrives after a later one has been decrypted is rejected.
func (s *Session) Decrypt(ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.established {
		return nil, ErrNoSession
	}
	if len(ciphertext) < 4 {
		return nil, errors.New("e2e: ciphertext too short")
	}
	counter := binary.BigEndian.Uint32(ciphertext[:4])
	body := ciphertext[4:]

	for s.recvCounter <= counter {
		msgKey, err := ratchetStep(&s.recvChainKey)
		if err != nil {
			return nil, err
		}
		if s.recvCounter == counter {
			aead, err := aeadFromKey(msgKey)
			if err != nil {
				return nil, err
			}
			nonce := make([]byte, aead.NonceSize())
			binary.BigEndian.PutUint32(nonce, counter)
			s.recvCounter++
			return aead.Open(nil, nonce, body, nil)
		}
		s.recvCounter++
	}
	return nil, errors.New("e2e: message counter already consumed")
}
