package e2e

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
)

// SenderKeyState is one participant's chain key for a channel's group chat
// (spec §4.6, GLOSSARY "sender key"). Every member who has joined a channel
// distributes their own sender key pairwise (via DistributeSenderKey, itself
// wrapped in an E2E Session) to every other member once a session exists;
// messages are then broadcast once, encrypted under the sender's own chain,
// and each recipient decrypts with the matching SenderKeyState.
type SenderKeyState struct {
	mu        sync.Mutex
	chainKey  [32]byte
	iteration uint32
}

// NewSenderKey generates a random chain key to start a fresh sender-key
// chain, used whenever a client begins publishing to a new channel.
func NewSenderKey() (*SenderKeyState, error) {
	var chain [32]byte
	if _, err := rand.Read(chain[:]); err != nil {
		return nil, err
	}
	return &SenderKeyState{chainKey: chain}, nil
}

// DistributionMessage returns the wire bytes to send via
// DistributeSenderKey/SenderKeyDistribution: the current chain key and
// iteration, so a late joiner can catch up from the point of distribution.
func (s *SenderKeyState) DistributionMessage() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, 4+32)
	binary.BigEndian.PutUint32(out[:4], s.iteration)
	copy(out[4:], s.chainKey[:])
	return out
}

// ImportSenderKey parses a DistributeSenderKey/SenderKeyDistribution payload
// into a SenderKeyState usable to decrypt that sender's future messages.
func ImportSenderKey(payload []byte) (*SenderKeyState, error) {
	if len(payload) != 4+32 {
		return nil, errors.New("e2e: malformed sender key distribution message")
	}
	s := &SenderKeyState{iteration: binary.BigEndian.Uint32(payload[:4])}
	copy(s.chainKey[:], payload[4:])
	return s, nil
}

// Encrypt ratchets the chain forward and seals a channel chat message.
func (s *SenderKeyState) Encrypt(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgKey, err := ratchetStep(&s.chainKey)
	if err != nil {
		return nil, err
	}
	aead, err := aeadFromKey(msgKey)
	if err != nil {
		return nil, err
	}
	iter := s.iteration
	s.iteration++
	nonce := make([]byte, aead.NonceSize())
	binary.BigEndian.PutUint32(nonce, iter)

	out := make([]byte, 4, 4+len(plaintext)+aead.Overhead())
	binary.BigEndian.PutUint32(out, iter)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt advances the chain to the embedded iteration and opens the
// ciphertext. Messages must arrive in order; a channel chat message that
// references an already-consumed iteration is rejected as a replay.
func (s *SenderKeyState) Decrypt(ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(ciphertext) < 4 {
		return nil, errors.New("e2e: sender-key ciphertext too short")
	}
	iter := binary.BigEndian.Uint32(ciphertext[:4])
	body := ciphertext[4:]

	for s.iteration <= iter {
		msgKey, err := ratchetStep(&s.chainKey)
		if err != nil {
			return nil, err
		}
		if s.iteration == iter {
			aead, err := aeadFromKey(msgKey)
			if err != nil {
				return nil, err
			}
			nonce := make([]byte, aead.NonceSize())
			binary.BigEndian.PutUint32(nonce, iter)
			s.iteration++
			return aead.Open(nil, nonce, body, nil)
		}
		s.iteration++
	}
	return nil, errors.New("e2e: sender-key iteration already consumed")
}
