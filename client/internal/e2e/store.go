package e2e

import (
	"encoding/base64"
	"encoding/json"

	"vmesh/client/internal/archive"
)

// identityFile is the JSON shape of a PreKeyStore sealed into the encrypted
// identity store (spec §6, "VSIG" blob), persisted the way
// client/internal/config saves preferences: a single document rewritten
// wholesale on every change, but encrypted at rest since it holds private
// key material.
type identityFile struct {
	IdentityPrivate string `json:"identity_private"`
	IdentityPublic  string `json:"identity_public"`

	SignedPreKeyID      uint32 `json:"signed_prekey_id"`
	SignedPreKeyPrivate string `json:"signed_prekey_private"`
	SignedPreKeyPublic  string `json:"signed_prekey_public"`

	RegistrationID uint32 `json:"registration_id"`
	DeviceID       uint32 `json:"device_id"`

	OneTime []oneTimeEntry `json:"one_time_prekeys"`
	NextID  uint32         `json:"next_one_time_id"`
}

type oneTimeEntry struct {
	ID      uint32 `json:"id"`
	Private string `json:"private"`
	Public  string `json:"public"`
}

// SaveStore encrypts and persists a PreKeyStore to path under password,
// using the same sealed-blob format as the chat archive (spec §6).
func SaveStore(path, password string, s *PreKeyStore) error {
	data, err := marshalStore(s)
	if err != nil {
		return err
	}
	return archive.SaveSignalStore(path, password, data)
}

// LoadStore decrypts a previously persisted PreKeyStore. The caller should
// fall back to NewPreKeyStore when this returns an error (no prior identity,
// wrong password, or a corrupt file).
func LoadStore(path, password string) (*PreKeyStore, error) {
	data, err := archive.LoadSignalStore(path, password)
	if err != nil {
		return nil, err
	}
	return unmarshalStore(data)
}

func marshalStore(s *PreKeyStore) ([]byte, error) {
	s.mu.Lock()
	f := identityFile{
		IdentityPrivate:     enc(s.Identity.Private[:]),
		IdentityPublic:      enc(s.Identity.Public[:]),
		SignedPreKeyID:      s.SignedPreKeyID,
		SignedPreKeyPrivate: enc(s.signedPreKey.Private[:]),
		SignedPreKeyPublic:  enc(s.signedPreKey.Public[:]),
		RegistrationID:      s.RegistrationID,
		DeviceID:            s.DeviceID,
		NextID:              s.nextOneTimeID,
	}
	for id, kp := range s.oneTime {
		f.OneTime = append(f.OneTime, oneTimeEntry{ID: id, Private: enc(kp.Private[:]), Public: enc(kp.Public[:])})
	}
	s.mu.Unlock()

	return json.MarshalIndent(f, "", "  ")
}

func unmarshalStore(data []byte) (*PreKeyStore, error) {
	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}

	s := &PreKeyStore{
		RegistrationID: f.RegistrationID,
		DeviceID:       f.DeviceID,
		SignedPreKeyID: f.SignedPreKeyID,
		nextOneTimeID:  f.NextID,
		oneTime:        make(map[uint32]*IdentityKeyPair),
	}
	idPriv, err := dec32(f.IdentityPrivate)
	if err != nil {
		return nil, err
	}
	idPub, err := dec32(f.IdentityPublic)
	if err != nil {
		return nil, err
	}
	s.Identity = &IdentityKeyPair{Private: idPriv, Public: idPub}

	spPriv, err := dec32(f.SignedPreKeyPrivate)
	if err != nil {
		return nil, err
	}
	spPub, err := dec32(f.SignedPreKeyPublic)
	if err != nil {
		return nil, err
	}
	s.signedPreKey = &IdentityKeyPair{Private: spPriv, Public: spPub}

	for _, e := range f.OneTime {
		priv, err := dec32(e.Private)
		if err != nil {
			continue
		}
		pub, err := dec32(e.Public)
		if err != nil {
			continue
		}
		s.oneTime[e.ID] = &IdentityKeyPair{Private: priv, Public: pub}
	}
	return s, nil
}

func enc(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func dec32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return out, err
	}
	return to32(b)
}
