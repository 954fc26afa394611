package wire

// ServerMessage is implemented by every server→client control variant.
type ServerMessage interface {
	Marshal() []byte
}

type Authenticated struct {
	UserID    UserId
	SessionID uint32
	UDPPort   uint16
	UDPToken  uint64
}

func (m *Authenticated) Marshal() []byte {
	w := NewWriter(TagAuthenticated)
	w.U32(m.UserID)
	w.U32(m.SessionID)
	w.U16(m.UDPPort)
	w.U64(m.UDPToken)
	return w.Bytes_()
}

type AuthError struct{ Reason string }

func (m *AuthError) Marshal() []byte {
	w := NewWriter(TagAuthError)
	w.Str(m.Reason)
	return w.Bytes_()
}

type ChannelList struct{ Channels []ChannelInfo }

func (m *ChannelList) Marshal() []byte {
	w := NewWriter(TagChannelList)
	writeChannelInfos(w, m.Channels)
	return w.Bytes_()
}

type UserJoined struct{ User UserInfo }

func (m *UserJoined) Marshal() []byte {
	w := NewWriter(TagUserJoined)
	m.User.write(w)
	return w.Bytes_()
}

type UserLeft struct {
	UserID    UserId
	ChannelID ChannelId
}

func (m *UserLeft) Marshal() []byte {
	w := NewWriter(TagUserLeft)
	w.U32(m.UserID)
	w.U32(m.ChannelID)
	return w.Bytes_()
}

type UserList struct {
	ChannelID ChannelId
	Users     []UserInfo
}

func (m *UserList) Marshal() []byte {
	w := NewWriter(TagUserList)
	w.U32(m.ChannelID)
	writeUserInfos(w, m.Users)
	return w.Bytes_()
}

type UserMuted struct {
	UserID UserId
	Muted  bool
}

func (m *UserMuted) Marshal() []byte {
	w := NewWriter(TagUserMuted)
	w.U32(m.UserID)
	w.Bool(m.Muted)
	return w.Bytes_()
}

type UserDeafened struct {
	UserID   UserId
	Deafened bool
}

func (m *UserDeafened) Marshal() []byte {
	w := NewWriter(TagUserDeafened)
	w.U32(m.UserID)
	w.Bool(m.Deafened)
	return w.Bytes_()
}

type Pong struct{ Timestamp uint64 }

func (m *Pong) Marshal() []byte {
	w := NewWriter(TagPong)
	w.U64(m.Timestamp)
	return w.Bytes_()
}

type ServerShutdown struct{ Reason string }

func (m *ServerShutdown) Marshal() []byte {
	w := NewWriter(TagServerShutdown)
	w.Str(m.Reason)
	return w.Bytes_()
}

type MovedToChannel struct{ ChannelID ChannelId }

func (m *MovedToChannel) Marshal() []byte {
	w := NewWriter(TagMovedToChannel)
	w.U32(m.ChannelID)
	return w.Bytes_()
}

type ChannelCreated struct{ Channel ChannelInfo }

func (m *ChannelCreated) Marshal() []byte {
	w := NewWriter(TagChannelCreated)
	m.Channel.write(w)
	return w.Bytes_()
}

type ChannelDeleted struct{ ChannelID ChannelId }

func (m *ChannelDeleted) Marshal() []byte {
	w := NewWriter(TagChannelDeleted)
	w.U32(m.ChannelID)
	return w.Bytes_()
}

type ChannelError struct{ Reason string }

func (m *ChannelError) Marshal() []byte {
	w := NewWriter(TagChannelError)
	w.Str(m.Reason)
	return w.Bytes_()
}

type ChannelUpdated struct{ Channel ChannelInfo }

func (m *ChannelUpdated) Marshal() []byte {
	w := NewWriter(TagChannelUpdated)
	m.Channel.write(w)
	return w.Bytes_()
}

type Kicked struct {
	ChannelID ChannelId
	Reason    string
}

func (m *Kicked) Marshal() []byte {
	w := NewWriter(TagKicked)
	w.U32(m.ChannelID)
	w.Str(m.Reason)
	return w.Bytes_()
}

type ChannelUsers struct {
	ChannelID ChannelId
	Users     []UserInfo
}

func (m *ChannelUsers) Marshal() []byte {
	w := NewWriter(TagChannelUsers)
	w.U32(m.ChannelID)
	writeUserInfos(w, m.Users)
	return w.Bytes_()
}

type InviteReceived struct {
	ChannelID   ChannelId
	ChannelName string
	InvitedBy   string
}

func (m *InviteReceived) Marshal() []byte {
	w := NewWriter(TagInviteReceived)
	w.U32(m.ChannelID)
	w.Str(m.ChannelName)
	w.Str(m.InvitedBy)
	return w.Bytes_()
}

type InviteAccepted struct {
	ChannelID ChannelId
	UserID    UserId
}

func (m *InviteAccepted) Marshal() []byte {
	w := NewWriter(TagInviteAccepted)
	w.U32(m.ChannelID)
	w.U32(m.UserID)
	return w.Bytes_()
}

type InviteDeclined struct {
	ChannelID ChannelId
	UserID    UserId
}

func (m *InviteDeclined) Marshal() []byte {
	w := NewWriter(TagInviteDeclined)
	w.U32(m.ChannelID)
	w.U32(m.UserID)
	return w.Bytes_()
}

type ChannelChatMessage struct {
	ChannelID ChannelId
	UserID    UserId
	Username  string
	Content   string
	Timestamp uint64
}

func (m *ChannelChatMessage) Marshal() []byte {
	w := NewWriter(TagChannelChatMessage)
	w.U32(m.ChannelID)
	w.U32(m.UserID)
	w.Str(m.Username)
	w.Str(m.Content)
	w.U64(m.Timestamp)
	return w.Bytes_()
}

type DirectChatMessage struct {
	UserID    UserId
	Username  string
	Content   string
	Timestamp uint64
}

func (m *DirectChatMessage) Marshal() []byte {
	w := NewWriter(TagDirectChatMessage)
	w.U32(m.UserID)
	w.Str(m.Username)
	w.Str(m.Content)
	w.U64(m.Timestamp)
	return w.Bytes_()
}

type PreKeyBundleResponse struct {
	UserID UserId
	Bundle PreKeyBundle
}

func (m *PreKeyBundleResponse) Marshal() []byte {
	w := NewWriter(TagPreKeyBundleResponse)
	w.U32(m.UserID)
	m.Bundle.write(w)
	return w.Bytes_()
}

type EncryptedDirectMessage struct {
	FromUserID  UserId
	Ciphertext  []byte
	MessageType uint8
}

func (m *EncryptedDirectMessage) Marshal() []byte {
	w := NewWriter(TagEncryptedDirectMessage)
	w.U32(m.FromUserID)
	w.Bytes(m.Ciphertext)
	w.U8(m.MessageType)
	return w.Bytes_()
}

type EncryptedChannelMessage struct {
	ChannelID  ChannelId
	FromUserID UserId
	Ciphertext []byte
}

func (m *EncryptedChannelMessage) Marshal() []byte {
	w := NewWriter(TagEncryptedChannelMessage)
	w.U32(m.ChannelID)
	w.U32(m.FromUserID)
	w.Bytes(m.Ciphertext)
	return w.Bytes_()
}

type SenderKeyDistribution struct {
	ChannelID           ChannelId
	FromUserID          UserId
	DistributionMessage []byte
	MessageType         uint8
}

func (m *SenderKeyDistribution) Marshal() []byte {
	w := NewWriter(TagSenderKeyDistribution)
	w.U32(m.ChannelID)
	w.U32(m.FromUserID)
	w.Bytes(m.DistributionMessage)
	w.U8(m.MessageType)
	return w.Bytes_()
}

type MediaKeyDistribution struct {
	ChannelID         ChannelId
	FromUserID        UserId
	EncryptedMediaKey []byte
}

func (m *MediaKeyDistribution) Marshal() []byte {
	w := NewWriter(TagMediaKeyDistribution)
	w.U32(m.ChannelID)
	w.U32(m.FromUserID)
	w.Bytes(m.EncryptedMediaKey)
	return w.Bytes_()
}

// MediaKey is the server-issued per-channel voice/video key (spec §4.5).
type MediaKey struct {
	ChannelID ChannelId
	KeyID     uint16
	Key       []byte // 32 bytes
}

func (m *MediaKey) Marshal() []byte {
	w := NewWriter(TagMediaKey)
	w.U32(m.ChannelID)
	w.U16(m.KeyID)
	w.Bytes(m.Key)
	return w.Bytes_()
}

type ViewerCountChanged struct {
	SharerUserID UserId
	ViewerCount  uint32
}

func (m *ViewerCountChanged) Marshal() []byte {
	w := NewWriter(TagViewerCountChanged)
	w.U32(m.SharerUserID)
	w.U32(m.ViewerCount)
	return w.Bytes_()
}

type WatchingScreenShare struct{ SharerUserID UserId }

func (m *WatchingScreenShare) Marshal() []byte {
	w := NewWriter(TagWatchingScreenShare)
	w.U32(m.SharerUserID)
	return w.Bytes_()
}

type StoppedWatchingScreenShare struct{ Reason string }

func (m *StoppedWatchingScreenShare) Marshal() []byte {
	w := NewWriter(TagStoppedWatchingScreenShare)
	w.Str(m.Reason)
	return w.Bytes_()
}

type KeyframeRequested struct{ RequestedBy UserId }

func (m *KeyframeRequested) Marshal() []byte {
	w := NewWriter(TagKeyframeRequested)
	w.U32(m.RequestedBy)
	return w.Bytes_()
}

type ScreenShareStarted struct {
	SharerUserID UserId
	Resolution   uint16
}

func (m *ScreenShareStarted) Marshal() []byte {
	w := NewWriter(TagScreenShareStarted)
	w.U32(m.SharerUserID)
	w.U16(m.Resolution)
	return w.Bytes_()
}

type ScreenShareStopped struct{ SharerUserID UserId }

func (m *ScreenShareStopped) Marshal() []byte {
	w := NewWriter(TagScreenShareStopped)
	w.U32(m.SharerUserID)
	return w.Bytes_()
}

// DecodeServerMessage parses a frame payload (tag + body) into the concrete
// ServerMessage variant it names.
func DecodeServerMessage(frame []byte) (ServerMessage, error) {
	if len(frame) < 1 {
		return nil, ErrShortBuffer
	}
	tag := frame[0]
	r := NewReader(frame[1:])
	switch tag {
	case TagAuthenticated:
		var m Authenticated
		var err error
		if m.UserID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.SessionID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.UDPPort, err = r.U16(); err != nil {
			return nil, err
		}
		if m.UDPToken, err = r.U64(); err != nil {
			return nil, err
		}
		return &m, nil
	case TagAuthError:
		v, err := r.Str()
		if err != nil {
			return nil, err
		}
		return &AuthError{Reason: v}, nil
	case TagChannelList:
		chs, err := readChannelInfos(r)
		if err != nil {
			return nil, err
		}
		return &ChannelList{Channels: chs}, nil
	case TagUserJoined:
		u, err := readUserInfo(r)
		if err != nil {
			return nil, err
		}
		return &UserJoined{User: u}, nil
	case TagUserLeft:
		var m UserLeft
		var err error
		if m.UserID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.ChannelID, err = r.U32(); err != nil {
			return nil, err
		}
		return &m, nil
	case TagUserList:
		var m UserList
		var err error
		if m.ChannelID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.Users, err = readUserInfos(r); err != nil {
			return nil, err
		}
		return &m, nil
	case TagUserMuted:
		var m UserMuted
		var err error
		if m.UserID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.Muted, err = r.Bool(); err != nil {
			return nil, err
		}
		return &m, nil
	case TagUserDeafened:
		var m UserDeafened
		var err error
		if m.UserID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.Deafened, err = r.Bool(); err != nil {
			return nil, err
		}
		return &m, nil
	case TagPong:
		v, err := r.U64()
		if err != nil {
			return nil, err
		}
		return &Pong{Timestamp: v}, nil
	case TagServerShutdown:
		v, err := r.Str()
		if err != nil {
			return nil, err
		}
		return &ServerShutdown{Reason: v}, nil
	case TagMovedToChannel:
		v, err := r.U32()
		if err != nil {
			return nil, err
		}
		return &MovedToChannel{ChannelID: v}, nil
	case TagChannelCreated:
		c, err := readChannelInfo(r)
		if err != nil {
			return nil, err
		}
		return &ChannelCreated{Channel: c}, nil
	case TagChannelDeleted:
		v, err := r.U32()
		if err != nil {
			return nil, err
		}
		return &ChannelDeleted{ChannelID: v}, nil
	case TagChannelError:
		v, err := r.Str()
		if err != nil {
			return nil, err
		}
		return &ChannelError{Reason: v}, nil
	case TagChannelUpdated:
		c, err := readChannelInfo(r)
		if err != nil {
			return nil, err
		}
		return &ChannelUpdated{Channel: c}, nil
	case TagKicked:
		var m Kicked
		var err error
		if m.ChannelID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.Reason, err = r.Str(); err != nil {
			return nil, err
		}
		return &m, nil
	case TagChannelUsers:
		var m ChannelUsers
		var err error
		if m.ChannelID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.Users, err = readUserInfos(r); err != nil {
			return nil, err
		}
		return &m, nil
	case TagInviteReceived:
		var m InviteReceived
		var err error
		if m.ChannelID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.ChannelName, err = r.Str(); err != nil {
			return nil, err
		}
		if m.InvitedBy, err = r.Str(); err != nil {
			return nil, err
		}
		return &m, nil
	case TagInviteAccepted:
		var m InviteAccepted
		var err error
		if m.ChannelID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.UserID, err = r.U32(); err != nil {
			return nil, err
		}
		return &m, nil
	case TagInviteDeclined:
		var m InviteDeclined
		var err error
		if m.ChannelID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.UserID, err = r.U32(); err != nil {
			return nil, err
		}
		return &m, nil
	case TagChannelChatMessage:
		var m ChannelChatMessage
		var err error
		if m.ChannelID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.UserID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.Username, err = r.Str(); err != nil {
			return nil, err
		}
		if m.Content, err = r.Str(); err != nil {
			return nil, err
		}
		if m.Timestamp, err = r.U64(); err != nil {
			return nil, err
		}
		return &m, nil
	case TagDirectChatMessage:
		var m DirectChatMessage
		var err error
		if m.UserID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.Username, err = r.Str(); err != nil {
			return nil, err
		}
		if m.Content, err = r.Str(); err != nil {
			return nil, err
		}
		if m.Timestamp, err = r.U64(); err != nil {
			return nil, err
		}
		return &m, nil
	case TagPreKeyBundleResponse:
		var m PreKeyBundleResponse
		var err error
		if m.UserID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.Bundle, err = readPreKeyBundle(r); err != nil {
			return nil, err
		}
		return &m, nil
	case TagEncryptedDirectMessage:
		var m EncryptedDirectMessage
		var err error
		if m.FromUserID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.Ciphertext, err = r.Bytes(); err != nil {
			return nil, err
		}
		if m.MessageType, err = r.U8(); err != nil {
			return nil, err
		}
		return &m, nil
	case TagEncryptedChannelMessage:
		var m EncryptedChannelMessage
		var err error
		if m.ChannelID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.FromUserID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.Ciphertext, err = r.Bytes(); err != nil {
			return nil, err
		}
		return &m, nil
	case TagSenderKeyDistribution:
		var m SenderKeyDistribution
		var err error
		if m.ChannelID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.FromUserID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.DistributionMessage, err = r.Bytes(); err != nil {
			return nil, err
		}
		if m.MessageType, err = r.U8(); err != nil {
			return nil, err
		}
		return &m, nil
	case TagMediaKeyDistribution:
		var m MediaKeyDistribution
		var err error
		if m.ChannelID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.FromUserID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.EncryptedMediaKey, err = r.Bytes(); err != nil {
			return nil, err
		}
		return &m, nil
	case TagMediaKey:
		var m MediaKey
		var err error
		if m.ChannelID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.KeyID, err = r.U16(); err != nil {
			return nil, err
		}
		if m.Key, err = r.Bytes(); err != nil {
			return nil, err
		}
		return &m, nil
	case TagViewerCountChanged:
		var m ViewerCountChanged
		var err error
		if m.SharerUserID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.ViewerCount, err = r.U32(); err != nil {
			return nil, err
		}
		return &m, nil
	case TagWatchingScreenShare:
		v, err := r.U32()
		if err != nil {
			return nil, err
		}
		return &WatchingScreenShare{SharerUserID: v}, nil
	case TagStoppedWatchingScreenShare:
		v, err := r.Str()
		if err != nil {
			return nil, err
		}
		return &StoppedWatchingScreenShare{Reason: v}, nil
	case TagKeyframeRequested:
		v, err := r.U32()
		if err != nil {
			return nil, err
		}
		return &KeyframeRequested{RequestedBy: v}, nil
	case TagScreenShareStarted:
		var m ScreenShareStarted
		var err error
		if m.SharerUserID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.Resolution, err = r.U16(); err != nil {
			return nil, err
		}
		return &m, nil
	case TagScreenShareStopped:
		v, err := r.U32()
		if err != nil {
			return nil, err
		}
		return &ScreenShareStopped{SharerUserID: v}, nil
	default:
		return nil, ErrUnknownTag
	}
}
