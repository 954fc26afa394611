package video

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"vmesh/client/internal/wire"
)

// mailboxBuf is 1: a single-slot "latest wins" mailbox between the capture
// and encode threads (spec §4.9). Publishing drops the previous frame
// instead of blocking the capture side.
const mailboxBuf = 1

// sendQueueCapacity mirrors the server's capacity-64 outbound queue
// convention (spec §6) for the client's datagram send queue.
const sendQueueCapacity = 64

// Sender is the subset of transport behaviour the send pipeline drives.
type Sender interface {
	SendVideoPacket(p *wire.VideoPacket)
}

// SendPipeline runs the two-thread capture→encode→fragment→encrypt→send
// chain described in spec §4.9.
type SendPipeline struct {
	source  FrameSource
	encoder videoEncoder
	cipher  *wire.MediaCipher
	sender  Sender

	sessionID atomic.Uint32
	token     atomic.Uint64
	channelID atomic.Uint32
	keyID     atomic.Uint32 // stored as uint32; truncated to uint16 on use

	mailbox chan TaggedFrame

	keyframeRequested atomic.Bool
	frameID            atomic.Uint32
	framesSinceKey      atomic.Uint32

	stopCh chan struct{}
	wg     sync.WaitGroup

	// outboundDepth approximates queue occupancy for the backpressure rule
	// (spec §4.9): block on keyframe when full, drop whole delta frames.
	outboundDepth atomic.Int32
}

// NewSendPipeline wires a capture source, an H.265 encoder, and an AEAD
// cipher for the channel's current media key into a running pipeline.
func NewSendPipeline(source FrameSource, encoder videoEncoder, cipher *wire.MediaCipher, sender Sender) *SendPipeline {
	return &SendPipeline{
		source:  source,
		encoder: encoder,
		cipher:  cipher,
		sender:  sender,
		mailbox: make(chan TaggedFrame, mailboxBuf),
		stopCh:  make(chan struct{}),
	}
}

// SetSessionParams updates the datagram-authentication fields stamped on
// every outbound packet.
func (p *SendPipeline) SetSessionParams(sessionID uint32, token uint64, channelID uint32, keyID uint16) {
	p.sessionID.Store(sessionID)
	p.token.Store(token)
	p.channelID.Store(channelID)
	p.keyID.Store(uint32(keyID))
}

// RequestKeyframe asks the encoder to emit an IDR on its next frame,
// regardless of cadence (spec §4.9: "or whenever a keyframe request flag is
// observed").
func (p *SendPipeline) RequestKeyframe() {
	p.keyframeRequested.Store(true)
}

// Start launches the capture and encode goroutines.
func (p *SendPipeline) Start() {
	p.wg.Add(2)
	go p.captureLoop()
	go p.encodeLoop()
}

// Stop halts both goroutines and releases the capture source.
func (p *SendPipeline) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	p.source.Close()
	p.encoder.Close()
}

func (p *SendPipeline) captureLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}
		pixels, w, h, err := p.source.CaptureFrame()
		if err != nil {
			log.Printf("[video] capture: %v", err)
			return
		}
		frame := TaggedFrame{Pixels: pixels, Width: w, Height: h, CapturedAt: time.Now()}
		select {
		case p.mailbox <- frame:
		default:
			// Mailbox full: drop the previous frame, keep only the latest.
			select {
			case <-p.mailbox:
			default:
			}
			p.mailbox <- frame
		}
	}
}

func (p *SendPipeline) encodeLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case frame := <-p.mailbox:
			p.encodeAndSend(frame)
		}
	}
}

func (p *SendPipeline) encodeAndSend(frame TaggedFrame) {
	yuv := ConvertToYUV420(frame.Pixels, frame.Width, frame.Height, frame.Width*4, true)

	forceKey := p.keyframeRequested.Swap(false)
	if p.framesSinceKey.Load() >= TargetFPS {
		forceKey = true
	}

	accessUnit, isKeyframe, err := p.encoder.Encode(yuv, frame.Width, frame.Height, forceKey)
	if err != nil {
		log.Printf("[video] encode: %v", err)
		return
	}
	if isKeyframe {
		p.framesSinceKey.Store(0)
	} else {
		p.framesSinceKey.Add(1)
	}

	frameID := p.frameID.Add(1)
	encrypted := p.cipher != nil
	fragments, err := wire.Fragment(frameID, accessUnit, FragmentBudget, isKeyframe, encrypted)
	if err != nil {
		log.Printf("[video] fragment: %v", err)
		return
	}

	// Backpressure (spec §4.9): block for a keyframe's fragments if the
	// queue can't hold them all; for a delta frame, drop the whole frame and
	// self-request a keyframe instead of sending partial fragments.
	if int(p.outboundDepth.Load())+len(fragments) > sendQueueCapacity {
		if !isKeyframe {
			p.keyframeRequested.Store(true)
			return
		}
		for int(p.outboundDepth.Load())+len(fragments) > sendQueueCapacity {
			time.Sleep(time.Millisecond)
		}
	}

	sessionID := p.sessionID.Load()
	token := p.token.Load()
	channelID := p.channelID.Load()
	keyID := uint16(p.keyID.Load())
	now := uint32(time.Now().UnixMilli())

	for _, frag := range fragments {
		frag.SessionID = sessionID
		frag.Token = token
		frag.TimestampMillis = now
		frag.KeyID = keyID

		if encrypted {
			aad := wire.BuildAAD(channelID, frag.Type)
			ciphertext, err := p.cipher.Seal(sessionID, frameID, uint32(frag.FragmentIndex), aad, frag.Payload)
			if err != nil {
				log.Printf("[video] seal fragment: %v", err)
				continue
			}
			frag.Payload = ciphertext
		}

		p.outboundDepth.Add(1)
		p.sender.SendVideoPacket(frag)
		p.outboundDepth.Add(-1)
	}
}
