// Package e2e implements the pairwise end-to-end encrypted sessions and
// group sender-key chains described in spec §4.6: an X3DH-style handshake
// bootstraps a pairwise session from a PreKeyBundle, after which messages
// ratchet forward on a symmetric chain key; channel chat rides a separate
// sender-key chain distributed once a pairwise session exists.
package e2e

import (
	"crypto/rand"
	"errors"
	"sync"

	"golang.org/x/crypto/curve25519"

	"vmesh/client/internal/wire"
)

// IdentityKeyPair is the long-term Curve25519 identity key (spec §4.6,
// GLOSSARY "identity key").
type IdentityKeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateIdentityKeyPair creates a new long-term identity key.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	priv, pub, err := generateX25519()
	if err != nil {
		return nil, err
	}
	return &IdentityKeyPair{Private: priv, Public: pub}, nil
}

func generateX25519() (priv, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return
	}
	// Clamp per RFC 7748 so scalar multiplication is well-defined.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return
	}
	copy(pub[:], p)
	return
}

func dh(priv, pub [32]byte) ([32]byte, error) {
	var out [32]byte
	s, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, err
	}
	copy(out[:], s)
	return out, nil
}

// PreKeyStore holds the identity key, signed pre-key, and the pool of
// one-time pre-keys a client uploads to the server for others to consume
// (spec §4.6). Not safe for concurrent use beyond the locking this type
// provides.
type PreKeyStore struct {
	mu sync.Mutex

	Identity *IdentityKeyPair

	SignedPreKeyID  uint32
	signedPreKey    *IdentityKeyPair
	signedPreKeySig []byte // XEdDSA-style signature placeholder (empty: no Ed25519 cross-sign key in corpus)

	nextOneTimeID uint32
	oneTime       map[uint32]*IdentityKeyPair

	RegistrationID uint32
	DeviceID       uint32
}

// NewPreKeyStore generates a fresh identity, signed pre-key, and one batch
// of one-time pre-keys.
func NewPreKeyStore(registrationID, deviceID uint32, oneTimeCount int) (*PreKeyStore, error) {
	identity, err := GenerateIdentityKeyPair()
	if err != nil {
		return nil, err
	}
	signed, err := GenerateIdentityKeyPair()
	if err != nil {
		return nil, err
	}
	s := &PreKeyStore{
		Identity:       identity,
		SignedPreKeyID: 1,
		signedPreKey:   signed,
		RegistrationID: registrationID,
		DeviceID:       deviceID,
		oneTime:        make(map[uint32]*IdentityKeyPair),
	}
	if err := s.Replenish(oneTimeCount); err != nil {
		return nil, err
	}
	return s, nil
}

// Replenish generates n additional one-time pre-keys.
func (s *PreKeyStore) Replenish(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		kp, err := GenerateIdentityKeyPair()
		if err != nil {
			return err
		}
		s.nextOneTimeID++
		s.oneTime[s.nextOneTimeID] = kp
	}
	return nil
}

// UploadBatch returns wire.OneTimePreKey values for every pre-key currently
// held, for TagUploadPreKeys.
func (s *PreKeyStore) UploadBatch() []wire.OneTimePreKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.OneTimePreKey, 0, len(s.oneTime))
	for id, kp := range s.oneTime {
		out = append(out, wire.OneTimePreKey{ID: id, PublicKey: append([]byte(nil), kp.Public[:]...)})
	}
	return out
}

// Bundle returns the PreKeyBundle to advertise in Authenticate/PreKeyBundleResponse.
// It consumes one one-time pre-key per call, per spec §4.6 (each bundle handed
// out uses a fresh one-time key where available).
func (s *PreKeyStore) Bundle() wire.PreKeyBundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := wire.PreKeyBundle{
		IdentityKey:     append([]byte(nil), s.Identity.Public[:]...),
		SignedPreKeyID:  s.SignedPreKeyID,
		SignedPreKey:    append([]byte(nil), s.signedPreKey.Public[:]...),
		SignedPreKeySig: append([]byte(nil), s.signedPreKeySig...),
		RegistrationID:  s.RegistrationID,
		DeviceID:        s.DeviceID,
	}
	for id, kp := range s.oneTime {
		b.OneTimePreKeyID = id
		b.OneTimePreKey = append([]byte(nil), kp.Public[:]...)
		delete(s.oneTime, id)
		break
	}
	return b
}

// SignedPreKeyPrivate returns the private half of the current signed pre-key.
func (s *PreKeyStore) SignedPreKeyPrivate() [32]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signedPreKey.Private
}

// ConsumeOneTimePrivate returns and removes the private half of a one-time
// pre-key by id, used when a bootstrap message from a peer names it.
func (s *PreKeyStore) ConsumeOneTimePrivate(id uint32) (priv [32]byte, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kp, found := s.oneTime[id]
	if !found {
		return priv, false
	}
	delete(s.oneTime, id)
	return kp.Private, true
}

// OneTimeRemaining reports how many one-time pre-keys are still unconsumed,
// so the caller can decide when to TagUploadPreKeys more.
func (s *PreKeyStore) OneTimeRemaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.oneTime)
}

var errShortKey = errors.New("e2e: key must be 32 bytes")

func to32(b []byte) ([32]byte, error) {
	var out [32]byte
	if len(b) != 32 {
		return out, errShortKey
	}
	copy(out[:], b)
	return out, nil
}
