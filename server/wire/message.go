package wire

// ProtocolVersion is the current negotiated control-plane version (spec §4.2).
const ProtocolVersion uint32 = 3

// Client→server tags.
const (
	TagAuthenticate uint8 = iota + 1
	TagJoinChannel
	TagCreateChannel
	TagDisconnect
	TagSetMuted
	TagSetDeafened
	TagRequestChannelList
	TagPing
	TagSetChannelPassword
	TagKickUser
	TagRequestChannelUsers
	TagSendInvite
	TagAcceptInvite
	TagDeclineInvite
	TagSendChannelMessage
	TagSendDirectMessage
	TagStartScreenShare
	TagStopScreenShare
	TagWatchScreenShare
	TagStopWatchingScreenShare
	TagRequestKeyframe
	TagRequestPreKeyBundle
	TagUploadPreKeys
	TagSendEncryptedDirectMessage
	TagSendEncryptedChannelMessage
	TagDistributeSenderKey
	TagDistributeMediaKey
)

// Server→client tags. Kept in a disjoint numeric space from client→server
// tags so a stray decode on the wrong side fails fast instead of aliasing.
const (
	TagAuthenticated uint8 = iota + 128
	TagAuthError
	TagChannelList
	TagUserJoined
	TagUserLeft
	TagUserList
	TagUserMuted
	TagUserDeafened
	TagPong
	TagServerShutdown
	TagMovedToChannel
	TagChannelCreated
	TagChannelDeleted
	TagChannelError
	TagChannelUpdated
	TagKicked
	TagChannelUsers
	TagInviteReceived
	TagInviteAccepted
	TagInviteDeclined
	TagChannelChatMessage
	TagDirectChatMessage
	TagPreKeyBundleResponse
	TagEncryptedDirectMessage
	TagEncryptedChannelMessage
	TagSenderKeyDistribution
	TagMediaKeyDistribution
	TagMediaKey
	TagViewerCountChanged
	TagWatchingScreenShare
	TagStoppedWatchingScreenShare
	TagKeyframeRequested
	TagScreenShareStarted
	TagScreenShareStopped
)

type ChannelId = uint32
type UserId = uint32

// OneTimePreKey is a single unused pre-key uploaded for others to consume.
type OneTimePreKey struct {
	ID        uint32
	PublicKey []byte // 32-byte Curve25519 point
}

// PreKeyBundle is the small public-key package sufficient to bootstrap a
// pairwise ratcheted session (spec §4.6, GLOSSARY).
type PreKeyBundle struct {
	IdentityKey       []byte // 32 bytes
	SignedPreKeyID    uint32
	SignedPreKey      []byte // 32 bytes
	SignedPreKeySig   []byte // 64-byte Ed25519/XEdDSA signature
	OneTimePreKeyID   uint32
	OneTimePreKey     []byte // 32 bytes, optional (len 0 = absent)
	RegistrationID    uint32
	DeviceID          uint32
}

func (p *PreKeyBundle) write(w *Writer) {
	w.Bytes(p.IdentityKey)
	w.U32(p.SignedPreKeyID)
	w.Bytes(p.SignedPreKey)
	w.Bytes(p.SignedPreKeySig)
	w.U32(p.OneTimePreKeyID)
	w.Bytes(p.OneTimePreKey)
	w.U32(p.RegistrationID)
	w.U32(p.DeviceID)
}

func readPreKeyBundle(r *Reader) (PreKeyBundle, error) {
	var p PreKeyBundle
	var err error
	if p.IdentityKey, err = r.Bytes(); err != nil {
		return p, err
	}
	if p.SignedPreKeyID, err = r.U32(); err != nil {
		return p, err
	}
	if p.SignedPreKey, err = r.Bytes(); err != nil {
		return p, err
	}
	if p.SignedPreKeySig, err = r.Bytes(); err != nil {
		return p, err
	}
	if p.OneTimePreKeyID, err = r.U32(); err != nil {
		return p, err
	}
	if p.OneTimePreKey, err = r.Bytes(); err != nil {
		return p, err
	}
	if p.RegistrationID, err = r.U32(); err != nil {
		return p, err
	}
	if p.DeviceID, err = r.U32(); err != nil {
		return p, err
	}
	return p, nil
}

// UserInfo describes a connected user as sent in rosters.
type UserInfo struct {
	UserID    UserId
	Username  string
	ChannelID ChannelId
	Muted     bool
	Deafened  bool
}

func (u *UserInfo) write(w *Writer) {
	w.U32(u.UserID)
	w.Str(u.Username)
	w.U32(u.ChannelID)
	w.Bool(u.Muted)
	w.Bool(u.Deafened)
}

func readUserInfo(r *Reader) (UserInfo, error) {
	var u UserInfo
	var err error
	if u.UserID, err = r.U32(); err != nil {
		return u, err
	}
	if u.Username, err = r.Str(); err != nil {
		return u, err
	}
	if u.ChannelID, err = r.U32(); err != nil {
		return u, err
	}
	if u.Muted, err = r.Bool(); err != nil {
		return u, err
	}
	if u.Deafened, err = r.Bool(); err != nil {
		return u, err
	}
	return u, nil
}

func writeUserInfos(w *Writer, us []UserInfo) {
	w.U32(uint32(len(us)))
	for i := range us {
		us[i].write(w)
	}
}

func readUserInfos(r *Reader) ([]UserInfo, error) {
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	out := make([]UserInfo, n)
	for i := range out {
		if out[i], err = readUserInfo(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ChannelInfo describes a channel as sent in channel lists.
type ChannelInfo struct {
	ChannelID      ChannelId
	Name           string
	HasPassword    bool
	UserCount      uint32
	CreatorID      UserId
	TrustsServer   bool // false = peer-distributed media key channel
}

func (c *ChannelInfo) write(w *Writer) {
	w.U32(c.ChannelID)
	w.Str(c.Name)
	w.Bool(c.HasPassword)
	w.U32(c.UserCount)
	w.U32(c.CreatorID)
	w.Bool(c.TrustsServer)
}

func readChannelInfo(r *Reader) (ChannelInfo, error) {
	var c ChannelInfo
	var err error
	if c.ChannelID, err = r.U32(); err != nil {
		return c, err
	}
	if c.Name, err = r.Str(); err != nil {
		return c, err
	}
	if c.HasPassword, err = r.Bool(); err != nil {
		return c, err
	}
	if c.UserCount, err = r.U32(); err != nil {
		return c, err
	}
	if c.CreatorID, err = r.U32(); err != nil {
		return c, err
	}
	if c.TrustsServer, err = r.Bool(); err != nil {
		return c, err
	}
	return c, nil
}

func writeChannelInfos(w *Writer, cs []ChannelInfo) {
	w.U32(uint32(len(cs)))
	for i := range cs {
		cs[i].write(w)
	}
}

func readChannelInfos(r *Reader) ([]ChannelInfo, error) {
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	out := make([]ChannelInfo, n)
	for i := range out {
		if out[i], err = readChannelInfo(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}
