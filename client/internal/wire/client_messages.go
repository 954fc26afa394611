package wire

// ClientMessage is implemented by every client→server control variant.
type ClientMessage interface {
	Marshal() []byte
}

type Authenticate struct {
	Username        string
	ProtocolVersion uint32
	AppVersion      string
	IdentityKey     []byte // 32 bytes, optional
	PreKeyBundle    *PreKeyBundle
}

func (m *Authenticate) Marshal() []byte {
	w := NewWriter(TagAuthenticate)
	w.Str(m.Username)
	w.U32(m.ProtocolVersion)
	w.Str(m.AppVersion)
	w.OptBytes(m.IdentityKey)
	w.Bool(m.PreKeyBundle != nil)
	if m.PreKeyBundle != nil {
		m.PreKeyBundle.write(w)
	}
	return w.Bytes_()
}

type JoinChannel struct {
	ChannelID ChannelId
	Password  *string
}

func (m *JoinChannel) Marshal() []byte {
	w := NewWriter(TagJoinChannel)
	w.U32(m.ChannelID)
	w.OptStr(m.Password)
	return w.Bytes_()
}

type CreateChannel struct {
	Name                  string
	Password              *string
	TrustServerWithMediaKey bool
}

func (m *CreateChannel) Marshal() []byte {
	w := NewWriter(TagCreateChannel)
	w.Str(m.Name)
	w.OptStr(m.Password)
	w.Bool(m.TrustServerWithMediaKey)
	return w.Bytes_()
}

type Disconnect struct{}

func (m *Disconnect) Marshal() []byte { return NewWriter(TagDisconnect).Bytes_() }

type SetMuted struct{ Muted bool }

func (m *SetMuted) Marshal() []byte {
	w := NewWriter(TagSetMuted)
	w.Bool(m.Muted)
	return w.Bytes_()
}

type SetDeafened struct{ Deafened bool }

func (m *SetDeafened) Marshal() []byte {
	w := NewWriter(TagSetDeafened)
	w.Bool(m.Deafened)
	return w.Bytes_()
}

type RequestChannelList struct{}

func (m *RequestChannelList) Marshal() []byte { return NewWriter(TagRequestChannelList).Bytes_() }

type Ping struct{ Timestamp uint64 }

func (m *Ping) Marshal() []byte {
	w := NewWriter(TagPing)
	w.U64(m.Timestamp)
	return w.Bytes_()
}

type SetChannelPassword struct {
	ChannelID ChannelId
	Password  *string
}

func (m *SetChannelPassword) Marshal() []byte {
	w := NewWriter(TagSetChannelPassword)
	w.U32(m.ChannelID)
	w.OptStr(m.Password)
	return w.Bytes_()
}

type KickUser struct {
	ChannelID ChannelId
	UserID    UserId
}

func (m *KickUser) Marshal() []byte {
	w := NewWriter(TagKickUser)
	w.U32(m.ChannelID)
	w.U32(m.UserID)
	return w.Bytes_()
}

type RequestChannelUsers struct{ ChannelID ChannelId }

func (m *RequestChannelUsers) Marshal() []byte {
	w := NewWriter(TagRequestChannelUsers)
	w.U32(m.ChannelID)
	return w.Bytes_()
}

type SendInvite struct {
	ChannelID    ChannelId
	TargetUserID UserId
}

func (m *SendInvite) Marshal() []byte {
	w := NewWriter(TagSendInvite)
	w.U32(m.ChannelID)
	w.U32(m.TargetUserID)
	return w.Bytes_()
}

type AcceptInvite struct{ ChannelID ChannelId }

func (m *AcceptInvite) Marshal() []byte {
	w := NewWriter(TagAcceptInvite)
	w.U32(m.ChannelID)
	return w.Bytes_()
}

type DeclineInvite struct{ ChannelID ChannelId }

func (m *DeclineInvite) Marshal() []byte {
	w := NewWriter(TagDeclineInvite)
	w.U32(m.ChannelID)
	return w.Bytes_()
}

type SendChannelMessage struct{ Content string }

func (m *SendChannelMessage) Marshal() []byte {
	w := NewWriter(TagSendChannelMessage)
	w.Str(m.Content)
	return w.Bytes_()
}

type SendDirectMessage struct {
	TargetUserID UserId
	Content      string
}

func (m *SendDirectMessage) Marshal() []byte {
	w := NewWriter(TagSendDirectMessage)
	w.U32(m.TargetUserID)
	w.Str(m.Content)
	return w.Bytes_()
}

type StartScreenShare struct {
	Source     string
	Resolution uint16
}

func (m *StartScreenShare) Marshal() []byte {
	w := NewWriter(TagStartScreenShare)
	w.Str(m.Source)
	w.U16(m.Resolution)
	return w.Bytes_()
}

type StopScreenShare struct{}

func (m *StopScreenShare) Marshal() []byte { return NewWriter(TagStopScreenShare).Bytes_() }

type WatchScreenShare struct{ SharerUserID UserId }

func (m *WatchScreenShare) Marshal() []byte {
	w := NewWriter(TagWatchScreenShare)
	w.U32(m.SharerUserID)
	return w.Bytes_()
}

type StopWatchingScreenShare struct{}

func (m *StopWatchingScreenShare) Marshal() []byte {
	return NewWriter(TagStopWatchingScreenShare).Bytes_()
}

type RequestKeyframe struct{ SharerUserID UserId }

func (m *RequestKeyframe) Marshal() []byte {
	w := NewWriter(TagRequestKeyframe)
	w.U32(m.SharerUserID)
	return w.Bytes_()
}

type RequestPreKeyBundle struct{ TargetUserID UserId }

func (m *RequestPreKeyBundle) Marshal() []byte {
	w := NewWriter(TagRequestPreKeyBundle)
	w.U32(m.TargetUserID)
	return w.Bytes_()
}

type UploadPreKeys struct{ PreKeys []OneTimePreKey }

func (m *UploadPreKeys) Marshal() []byte {
	w := NewWriter(TagUploadPreKeys)
	w.U32(uint32(len(m.PreKeys)))
	for _, pk := range m.PreKeys {
		w.U32(pk.ID)
		w.Bytes(pk.PublicKey)
	}
	return w.Bytes_()
}

// SendEncryptedDirectMessage carries pairwise ratchet ciphertext. MessageType
// is 1 for a bootstrap PreKeySignalMessage, 2 for a subsequent SignalMessage.
type SendEncryptedDirectMessage struct {
	TargetUserID UserId
	Ciphertext   []byte
	MessageType  uint8
}

func (m *SendEncryptedDirectMessage) Marshal() []byte {
	w := NewWriter(TagSendEncryptedDirectMessage)
	w.U32(m.TargetUserID)
	w.Bytes(m.Ciphertext)
	w.U8(m.MessageType)
	return w.Bytes_()
}

type SendEncryptedChannelMessage struct{ Ciphertext []byte }

func (m *SendEncryptedChannelMessage) Marshal() []byte {
	w := NewWriter(TagSendEncryptedChannelMessage)
	w.Bytes(m.Ciphertext)
	return w.Bytes_()
}

type DistributeSenderKey struct {
	ChannelID            ChannelId
	TargetUserID         UserId
	DistributionMessage  []byte
	MessageType          uint8
}

func (m *DistributeSenderKey) Marshal() []byte {
	w := NewWriter(TagDistributeSenderKey)
	w.U32(m.ChannelID)
	w.U32(m.TargetUserID)
	w.Bytes(m.DistributionMessage)
	w.U8(m.MessageType)
	return w.Bytes_()
}

type DistributeMediaKey struct {
	ChannelID          ChannelId
	TargetUserID       UserId
	EncryptedMediaKey  []byte
}

func (m *DistributeMediaKey) Marshal() []byte {
	w := NewWriter(TagDistributeMediaKey)
	w.U32(m.ChannelID)
	w.U32(m.TargetUserID)
	w.Bytes(m.EncryptedMediaKey)
	return w.Bytes_()
}

// DecodeClientMessage parses a frame payload (tag + body) into the concrete
// ClientMessage variant it names.
func DecodeClientMessage(frame []byte) (ClientMessage, error) {
	if len(frame) < 1 {
		return nil, ErrShortBuffer
	}
	tag := frame[0]
	r := NewReader(frame[1:])
	switch tag {
	case TagAuthenticate:
		var m Authenticate
		var err error
		if m.Username, err = r.Str(); err != nil {
			return nil, err
		}
		if m.ProtocolVersion, err = r.U32(); err != nil {
			return nil, err
		}
		if m.AppVersion, err = r.Str(); err != nil {
			return nil, err
		}
		if m.IdentityKey, err = r.OptBytes(); err != nil {
			return nil, err
		}
		hasBundle, err := r.Bool()
		if err != nil {
			return nil, err
		}
		if hasBundle {
			pb, err := readPreKeyBundle(r)
			if err != nil {
				return nil, err
			}
			m.PreKeyBundle = &pb
		}
		return &m, nil
	case TagJoinChannel:
		var m JoinChannel
		var err error
		if m.ChannelID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.Password, err = r.OptStr(); err != nil {
			return nil, err
		}
		return &m, nil
	case TagCreateChannel:
		var m CreateChannel
		var err error
		if m.Name, err = r.Str(); err != nil {
			return nil, err
		}
		if m.Password, err = r.OptStr(); err != nil {
			return nil, err
		}
		if m.TrustServerWithMediaKey, err = r.Bool(); err != nil {
			return nil, err
		}
		return &m, nil
	case TagDisconnect:
		return &Disconnect{}, nil
	case TagSetMuted:
		v, err := r.Bool()
		if err != nil {
			return nil, err
		}
		return &SetMuted{Muted: v}, nil
	case TagSetDeafened:
		v, err := r.Bool()
		if err != nil {
			return nil, err
		}
		return &SetDeafened{Deafened: v}, nil
	case TagRequestChannelList:
		return &RequestChannelList{}, nil
	case TagPing:
		v, err := r.U64()
		if err != nil {
			return nil, err
		}
		return &Ping{Timestamp: v}, nil
	case TagSetChannelPassword:
		var m SetChannelPassword
		var err error
		if m.ChannelID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.Password, err = r.OptStr(); err != nil {
			return nil, err
		}
		return &m, nil
	case TagKickUser:
		var m KickUser
		var err error
		if m.ChannelID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.UserID, err = r.U32(); err != nil {
			return nil, err
		}
		return &m, nil
	case TagRequestChannelUsers:
		v, err := r.U32()
		if err != nil {
			return nil, err
		}
		return &RequestChannelUsers{ChannelID: v}, nil
	case TagSendInvite:
		var m SendInvite
		var err error
		if m.ChannelID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.TargetUserID, err = r.U32(); err != nil {
			return nil, err
		}
		return &m, nil
	case TagAcceptInvite:
		v, err := r.U32()
		if err != nil {
			return nil, err
		}
		return &AcceptInvite{ChannelID: v}, nil
	case TagDeclineInvite:
		v, err := r.U32()
		if err != nil {
			return nil, err
		}
		return &DeclineInvite{ChannelID: v}, nil
	case TagSendChannelMessage:
		v, err := r.Str()
		if err != nil {
			return nil, err
		}
		return &SendChannelMessage{Content: v}, nil
	case TagSendDirectMessage:
		var m SendDirectMessage
		var err error
		if m.TargetUserID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.Content, err = r.Str(); err != nil {
			return nil, err
		}
		return &m, nil
	case TagStartScreenShare:
		var m StartScreenShare
		var err error
		if m.Source, err = r.Str(); err != nil {
			return nil, err
		}
		if m.Resolution, err = r.U16(); err != nil {
			return nil, err
		}
		return &m, nil
	case TagStopScreenShare:
		return &StopScreenShare{}, nil
	case TagWatchScreenShare:
		v, err := r.U32()
		if err != nil {
			return nil, err
		}
		return &WatchScreenShare{SharerUserID: v}, nil
	case TagStopWatchingScreenShare:
		return &StopWatchingScreenShare{}, nil
	case TagRequestKeyframe:
		v, err := r.U32()
		if err != nil {
			return nil, err
		}
		return &RequestKeyframe{SharerUserID: v}, nil
	case TagRequestPreKeyBundle:
		v, err := r.U32()
		if err != nil {
			return nil, err
		}
		return &RequestPreKeyBundle{TargetUserID: v}, nil
	case TagUploadPreKeys:
		n, err := r.U32()
		if err != nil {
			return nil, err
		}
		pks := make([]OneTimePreKey, n)
		for i := range pks {
			if pks[i].ID, err = r.U32(); err != nil {
				return nil, err
			}
			if pks[i].PublicKey, err = r.Bytes(); err != nil {
				return nil, err
			}
		}
		return &UploadPreKeys{PreKeys: pks}, nil
	case TagSendEncryptedDirectMessage:
		var m SendEncryptedDirectMessage
		var err error
		if m.TargetUserID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.Ciphertext, err = r.Bytes(); err != nil {
			return nil, err
		}
		if m.MessageType, err = r.U8(); err != nil {
			return nil, err
		}
		return &m, nil
	case TagSendEncryptedChannelMessage:
		v, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		return &SendEncryptedChannelMessage{Ciphertext: v}, nil
	case TagDistributeSenderKey:
		var m DistributeSenderKey
		var err error
		if m.ChannelID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.TargetUserID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.DistributionMessage, err = r.Bytes(); err != nil {
			return nil, err
		}
		if m.MessageType, err = r.U8(); err != nil {
			return nil, err
		}
		return &m, nil
	case TagDistributeMediaKey:
		var m DistributeMediaKey
		var err error
		if m.ChannelID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.TargetUserID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.EncryptedMediaKey, err = r.Bytes(); err != nil {
			return nil, err
		}
		return &m, nil
	default:
		return nil, ErrUnknownTag
	}
}
