package video

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"vmesh/client/internal/wire"
)

// decodeQueueCapacity bounds the channel feeding the blocking decode thread
// (spec §4.10: "pushed into a bounded channel... dropping if full, to never
// stall the datagram receiver").
const decodeQueueCapacity = 8

// keyframeRequestInterval rate-limits self-requested keyframes to at most
// one per second (spec §4.10).
const keyframeRequestInterval = time.Second

type decodedFrame struct {
	accessUnit []byte
	isKeyframe bool
}

// KeyframeRequester is the subset of transport behaviour the receive
// pipeline drives to ask a sharer for a fresh keyframe.
type KeyframeRequester interface {
	RequestKeyframe(sharerUserID wire.UserId)
}

// ReceivePipeline implements the client's receive/decode/render-suppression
// half of spec §4.10 for one sharer's stream.
type ReceivePipeline struct {
	sharerID wire.UserId
	assembler *wire.FrameAssembler
	decoder   videoDecoder
	cipher    *wire.MediaCipher
	requester KeyframeRequester

	decodeCh chan decodedFrame

	mu            sync.Mutex
	suppressed    bool
	lastKeyReqAt  time.Time

	// Render, when set, receives the latest successfully decoded, non-
	// suppressed frame. Called from the decode goroutine.
	Render func(rgba []byte, width, height int)

	stopCh chan struct{}
	wg     sync.WaitGroup

	droppedFrames atomic.Uint64
}

// NewReceivePipeline constructs a pipeline for one sharer's stream.
func NewReceivePipeline(sharerID wire.UserId, decoder videoDecoder, cipher *wire.MediaCipher, requester KeyframeRequester) *ReceivePipeline {
	return &ReceivePipeline{
		sharerID:  sharerID,
		assembler: wire.NewFrameAssembler(),
		decoder:   decoder,
		cipher:    cipher,
		requester: requester,
		decodeCh:  make(chan decodedFrame, decodeQueueCapacity),
		stopCh:    make(chan struct{}),
		// Start suppressed: nothing has been rendered until the first
		// keyframe decodes successfully.
		suppressed: true,
	}
}

// Start launches the decode goroutine.
func (p *ReceivePipeline) Start() {
	p.wg.Add(1)
	go p.decodeLoop()
}

// Stop halts the decode goroutine.
func (p *ReceivePipeline) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// PushPacket feeds one received (and, if encrypted, still-sealed) video
// datagram into the assembler. Call from the datagram receive goroutine.
func (p *ReceivePipeline) PushPacket(pkt *wire.VideoPacket, channelID uint32) {
	payload := pkt.Payload
	if p.cipher != nil && isEncryptedType(pkt.Type) {
		aad := wire.BuildAAD(channelID, pkt.Type)
		plain, err := p.cipher.Open(pkt.SessionID, pkt.FrameID, uint32(pkt.FragmentIndex), aad, payload)
		if err != nil {
			log.Printf("[video] open fragment from %d: %v", p.sharerID, err)
			return
		}
		payload = plain
	}

	decryptedPkt := *pkt
	decryptedPkt.Payload = payload
	frame, isKeyframe, completed, dropped := p.assembler.Push(&decryptedPkt)

	if dropped {
		p.enterSuppression()
	}
	if !completed {
		return
	}

	select {
	case p.decodeCh <- decodedFrame{accessUnit: frame, isKeyframe: isKeyframe}:
	default:
		p.droppedFrames.Add(1)
	}
}

func isEncryptedType(t uint8) bool {
	return t == wire.PacketEncDelta || t == wire.PacketEncKey || t == wire.PacketEncScreenAudio
}

func (p *ReceivePipeline) decodeLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case df := <-p.decodeCh:
			p.decodeOne(df)
		}
	}
}

func (p *ReceivePipeline) decodeOne(df decodedFrame) {
	// Always decode, even while suppressed, to keep the H.265 reference
	// chain consistent (spec §4.10).
	rgba, w, h, err := p.decoder.Decode(df.accessUnit, df.isKeyframe)
	if err != nil {
		log.Printf("[video] decode from %d: %v", p.sharerID, err)
		p.enterSuppression()
		return
	}

	p.mu.Lock()
	if df.isKeyframe {
		p.suppressed = false
	}
	suppressed := p.suppressed
	p.mu.Unlock()

	if suppressed {
		p.requestKeyframeRateLimited()
		return
	}
	if p.Render != nil {
		p.Render(rgba, w, h)
	}
}

func (p *ReceivePipeline) enterSuppression() {
	p.mu.Lock()
	p.suppressed = true
	p.mu.Unlock()
	p.requestKeyframeRateLimited()
}

func (p *ReceivePipeline) requestKeyframeRateLimited() {
	p.mu.Lock()
	now := time.Now()
	if now.Sub(p.lastKeyReqAt) < keyframeRequestInterval {
		p.mu.Unlock()
		return
	}
	p.lastKeyReqAt = now
	p.mu.Unlock()

	if p.requester != nil {
		p.requester.RequestKeyframe(p.sharerID)
	}
}
