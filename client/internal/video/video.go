// Package video implements the client's screen-share capture/encode and
// receive/decode pipelines (spec §4.9/§4.10). The OS-specific frame grabber
// and the H.265 codec are both out of scope (spec.md §1 Non-goals): this
// package consumes them as injected interfaces, mirroring the teacher's
// paStream/opusEncoder indirection in client/audio.go.
package video

import (
	"time"

	"vmesh/client/internal/wire"
)

// TargetFPS is the capture/encode cadence used to compute the keyframe
// interval (spec §4.9: "once per target-fps worth of frames").
const TargetFPS = 30

// FrameSource is the injected OS-specific screen grabber. Real
// implementations poll a platform capture API; nothing in this repository
// provides one (spec.md §1 Non-goals).
type FrameSource interface {
	// CaptureFrame blocks until the next frame is available, returning its
	// pixel buffer (BGRA or RGBA, caller-documented), width, and height.
	CaptureFrame() (pixels []byte, width, height int, err error)
	Close() error
}

// videoEncoder abstracts H.265 encoding for testing (mirrors audio.go's
// opusEncoder).
type videoEncoder interface {
	// Encode converts one color-converted YUV 4:2:0 frame to an H.265 access
	// unit. forceKeyframe requests an IDR regardless of cadence.
	Encode(yuv []byte, width, height int, forceKeyframe bool) (accessUnit []byte, isKeyframe bool, err error)
	Close() error
}

// videoDecoder abstracts H.265 decoding for testing.
type videoDecoder interface {
	// Decode parses one access unit, returning displayable RGBA pixels.
	// Decoding always runs (even while render-suppressed) to keep the
	// reference chain consistent (spec §4.10).
	Decode(accessUnit []byte, isKeyframe bool) (rgba []byte, width, height int, err error)
}

// FragmentBudget is the per-fragment payload budget, leaving room for the
// 25-byte encrypted video header and the GCM tag within wire.DatagramBudget.
const FragmentBudget = wire.DatagramBudget - 25 - wire.GCMTagSize

// TaggedFrame is one captured and pixel-converted frame ready for encoding.
type TaggedFrame struct {
	Pixels       []byte
	Width        int
	Height       int
	CapturedAt   time.Time
}
