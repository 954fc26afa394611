package wire

import (
	"encoding/binary"
	"errors"
)

// Voice packet types (spec §4.3).
const (
	PacketVoice              uint8 = 0x01
	PacketEndOfTransmission  uint8 = 0x02
	PacketPing               uint8 = 0x03
	PacketPong               uint8 = 0x04
	PacketEncVoice           uint8 = 0x05
)

// Video packet types (spec §4.3).
const (
	PacketDelta           uint8 = 0x10
	PacketKey             uint8 = 0x11
	PacketScreenAudio     uint8 = 0x12
	PacketEncDelta        uint8 = 0x13
	PacketEncKey          uint8 = 0x14
	PacketEncScreenAudio  uint8 = 0x15
)

// DatagramBudget is the maximum total datagram size, chosen to be VPN-safe
// and avoid IPv6 minimum-MTU fragmentation (spec §4.3).
const DatagramBudget = 1280

// GCMTagSize is the AES-256-GCM authentication tag length appended to every
// encrypted media payload.
const GCMTagSize = 16

const (
	voiceHeaderLen    = 17
	voiceHeaderLenEnc = 19
	videoHeaderLen    = 23
	videoHeaderLenEnc = 25
)

var ErrPacketTooShort = errors.New("wire: packet shorter than header")
var ErrUnknownPacketType = errors.New("wire: unknown datagram packet type")

func isEncryptedVoice(t uint8) bool { return t == PacketEncVoice }
func isEncryptedVideo(t uint8) bool {
	return t == PacketEncDelta || t == PacketEncKey || t == PacketEncScreenAudio
}

// VoicePacket is the on-wire layout of a voice/control datagram.
type VoicePacket struct {
	Type      uint8
	SessionID uint32
	Token     uint64
	Sequence  uint32
	KeyID     uint16 // only meaningful when Type == PacketEncVoice
	Payload   []byte
}

// Marshal encodes the packet to wire bytes.
func (p *VoicePacket) Marshal() []byte {
	hdr := voiceHeaderLen
	if isEncryptedVoice(p.Type) {
		hdr = voiceHeaderLenEnc
	}
	out := make([]byte, hdr+len(p.Payload))
	out[0] = p.Type
	binary.BigEndian.PutUint32(out[1:5], p.SessionID)
	binary.BigEndian.PutUint64(out[5:13], p.Token)
	binary.BigEndian.PutUint32(out[13:17], p.Sequence)
	if isEncryptedVoice(p.Type) {
		binary.BigEndian.PutUint16(out[17:19], p.KeyID)
	}
	copy(out[hdr:], p.Payload)
	return out
}

// ParseVoicePacket decodes a voice/control datagram. An unknown type byte or
// a buffer shorter than the declared header is rejected.
func ParseVoicePacket(data []byte) (*VoicePacket, error) {
	if len(data) < 1 {
		return nil, ErrPacketTooShort
	}
	t := data[0]
	switch t {
	case PacketVoice, PacketEndOfTransmission, PacketPing, PacketPong, PacketEncVoice:
	default:
		return nil, ErrUnknownPacketType
	}
	hdr := voiceHeaderLen
	if isEncryptedVoice(t) {
		hdr = voiceHeaderLenEnc
	}
	if len(data) < hdr {
		return nil, ErrPacketTooShort
	}
	p := &VoicePacket{
		Type:      t,
		SessionID: binary.BigEndian.Uint32(data[1:5]),
		Token:     binary.BigEndian.Uint64(data[5:13]),
		Sequence:  binary.BigEndian.Uint32(data[13:17]),
	}
	if isEncryptedVoice(t) {
		p.KeyID = binary.BigEndian.Uint16(data[17:19])
	}
	p.Payload = append([]byte(nil), data[hdr:]...)
	return p, nil
}

// VideoPacket is the on-wire layout of a video/screen-audio fragment.
type VideoPacket struct {
	Type            uint8
	SessionID       uint32
	Token           uint64
	FrameID         uint32
	FragmentIndex   uint8
	FragmentCount   uint8
	TimestampMillis uint32
	KeyID           uint16 // only meaningful for encrypted types
	Payload         []byte
}

func (p *VideoPacket) Marshal() []byte {
	hdr := videoHeaderLen
	if isEncryptedVideo(p.Type) {
		hdr = videoHeaderLenEnc
	}
	out := make([]byte, hdr+len(p.Payload))
	out[0] = p.Type
	binary.BigEndian.PutUint32(out[1:5], p.SessionID)
	binary.BigEndian.PutUint64(out[5:13], p.Token)
	binary.BigEndian.PutUint32(out[13:17], p.FrameID)
	out[17] = p.FragmentIndex
	out[18] = p.FragmentCount
	binary.BigEndian.PutUint32(out[19:23], p.TimestampMillis)
	if isEncryptedVideo(p.Type) {
		binary.BigEndian.PutUint16(out[23:25], p.KeyID)
	}
	copy(out[hdr:], p.Payload)
	return out
}

func ParseVideoPacket(data []byte) (*VideoPacket, error) {
	if len(data) < 1 {
		return nil, ErrPacketTooShort
	}
	t := data[0]
	switch t {
	case PacketDelta, PacketKey, PacketScreenAudio, PacketEncDelta, PacketEncKey, PacketEncScreenAudio:
	default:
		return nil, ErrUnknownPacketType
	}
	hdr := videoHeaderLen
	if isEncryptedVideo(t) {
		hdr = videoHeaderLenEnc
	}
	if len(data) < hdr {
		return nil, ErrPacketTooShort
	}
	p := &VideoPacket{
		Type:            t,
		SessionID:       binary.BigEndian.Uint32(data[1:5]),
		Token:           binary.BigEndian.Uint64(data[5:13]),
		FrameID:         binary.BigEndian.Uint32(data[13:17]),
		FragmentIndex:   data[17],
		FragmentCount:   data[18],
		TimestampMillis: binary.BigEndian.Uint32(data[19:23]),
	}
	if isEncryptedVideo(t) {
		p.KeyID = binary.BigEndian.Uint16(data[23:25])
	}
	p.Payload = append([]byte(nil), data[hdr:]...)
	return p, nil
}

// Fragment splits an encoded access unit into at most 255 fragments of at
// most budget bytes each (spec §4.3). isKeyframe selects whether the
// keyframe packet type is stamped on every resulting fragment.
func Fragment(frameID uint32, data []byte, budget int, isKeyframe, encrypted bool) ([]*VideoPacket, error) {
	if budget <= 0 {
		return nil, errors.New("wire: non-positive fragment budget")
	}
	n := (len(data) + budget - 1) / budget
	if n == 0 {
		n = 1
	}
	if n > 255 {
		return nil, errors.New("wire: frame requires more than 255 fragments")
	}
	var typ uint8
	switch {
	case isKeyframe && encrypted:
		typ = PacketEncKey
	case isKeyframe:
		typ = PacketKey
	case encrypted:
		typ = PacketEncDelta
	default:
		typ = PacketDelta
	}
	out := make([]*VideoPacket, 0, n)
	for i := 0; i < n; i++ {
		start := i * budget
		end := start + budget
		if end > len(data) {
			end = len(data)
		}
		out = append(out, &VideoPacket{
			Type:          typ,
			FrameID:       frameID,
			FragmentIndex: uint8(i),
			FragmentCount: uint8(n),
			Payload:       data[start:end],
		})
	}
	return out, nil
}

// FrameAssembler reassembles video fragments into complete access units
// (spec §4.3). Not safe for concurrent use.
type FrameAssembler struct {
	haveKeyframe bool
	curFrameID   uint32
	curHasFrame  bool
	curIsKey     bool
	fragments    [][]byte
	fragSeen     []bool
	fragCount    int
	fragTotal    int
	lastComplete uint32
	haveLast     bool
}

// NewFrameAssembler returns an assembler that drops delta frames until the
// first keyframe is observed, per spec §4.3.
func NewFrameAssembler() *FrameAssembler {
	return &FrameAssembler{}
}

// Push feeds one video fragment into the assembler. It returns a completed
// frame (bytes, isKeyframe) when the fragment completes the in-progress
// frame, and frameDropped=true when a gap or eviction was detected.
func (a *FrameAssembler) Push(p *VideoPacket) (frame []byte, isKeyframe bool, completed bool, frameDropped bool) {
	isKey := p.Type == PacketKey || p.Type == PacketEncKey

	if !a.haveKeyframe && !isKey {
		return nil, false, false, false // silently drop initial delta frames
	}

	if a.curHasFrame && p.FrameID != a.curFrameID {
		if p.FrameID > a.curFrameID {
			// A fragment for a newer frame evicts the in-progress one.
			if a.fragCount < a.fragTotal {
				frameDropped = true
			}
			a.resetInProgress()
		} else {
			// Fragment for an older frame id: discard.
			return nil, false, false, false
		}
	}

	if !a.curHasFrame {
		a.curFrameID = p.FrameID
		a.curHasFrame = true
		a.curIsKey = isKey
		a.fragTotal = int(p.FragmentCount)
		if a.fragTotal == 0 {
			a.fragTotal = 1
		}
		a.fragments = make([][]byte, a.fragTotal)
		a.fragSeen = make([]bool, a.fragTotal)
		a.fragCount = 0
	}

	idx := int(p.FragmentIndex)
	if idx < len(a.fragSeen) && !a.fragSeen[idx] {
		a.fragSeen[idx] = true
		a.fragments[idx] = p.Payload
		a.fragCount++
	}

	if a.fragCount < a.fragTotal {
		return nil, false, false, frameDropped
	}

	// Frame complete.
	total := 0
	for _, f := range a.fragments {
		total += len(f)
	}
	out := make([]byte, 0, total)
	for _, f := range a.fragments {
		out = append(out, f...)
	}

	if !a.haveKeyframe && isKey {
		a.haveKeyframe = true
	}

	if a.haveLast && p.FrameID != a.lastComplete+1 && p.FrameID > a.lastComplete {
		frameDropped = true
	}
	a.lastComplete = p.FrameID
	a.haveLast = true

	completedIsKey := a.curIsKey
	a.resetInProgress()

	return out, completedIsKey, true, frameDropped
}

func (a *FrameAssembler) resetInProgress() {
	a.curHasFrame = false
	a.fragments = nil
	a.fragSeen = nil
	a.fragCount = 0
	a.fragTotal = 0
}
