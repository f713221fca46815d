// Package rimage holds raw sensor frames and the float images derived from them.
package rimage

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// StreamKind identifies which sensor stream a frame came from.
type StreamKind int

const (
	// StreamDepth frames carry little-endian uint16 depth samples in raw sensor units.
	StreamDepth StreamKind = iota
	// StreamColor frames carry packed 8-bit RGB.
	StreamColor
)

func (k StreamKind) String() string {
	switch k {
	case StreamDepth:
		return "depth"
	case StreamColor:
		return "color"
	default:
		return fmt.Sprintf("StreamKind(%d)", int(k))
	}
}

// BytesPerPixel returns the payload size of a single pixel for the stream.
func (k StreamKind) BytesPerPixel() int {
	if k == StreamColor {
		return 3
	}
	return 2
}

// ErrInvalidFrame is returned for frames whose geometry does not describe their payload.
var ErrInvalidFrame = errors.New("invalid frame")

// Frame is a single raw image from one stream. A Frame is owned by whoever holds it; share it
// across goroutines only through Clone.
type Frame struct {
	Kind      StreamKind
	Index     int
	Width     int
	Height    int
	Stride    int
	Timestamp time.Duration
	Data      []byte
}

// Validate checks that the frame is non-empty and that Data covers Height rows of Stride bytes.
func (f *Frame) Validate() error {
	if f == nil {
		return errors.Wrap(ErrInvalidFrame, "nil frame")
	}
	if f.Width <= 0 || f.Height <= 0 {
		return errors.Wrapf(ErrInvalidFrame, "%s frame %d has size %dx%d", f.Kind, f.Index, f.Width, f.Height)
	}
	if f.Stride < f.Width*f.Kind.BytesPerPixel() {
		return errors.Wrapf(ErrInvalidFrame, "%s frame %d stride %d too small for width %d", f.Kind, f.Index, f.Stride, f.Width)
	}
	if need := f.Stride*(f.Height-1) + f.Width*f.Kind.BytesPerPixel(); len(f.Data) < need {
		return errors.Wrapf(ErrInvalidFrame, "%s frame %d has %d bytes, need %d", f.Kind, f.Index, len(f.Data), need)
	}
	return nil
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	out := *f
	out.Data = make([]byte, len(f.Data))
	copy(out.Data, f.Data)
	return &out
}

// DepthAt returns the raw depth sample at (x, y). The frame must be a depth frame.
func (f *Frame) DepthAt(x, y int) uint16 {
	off := y*f.Stride + 2*x
	return uint16(f.Data[off]) | uint16(f.Data[off+1])<<8
}

// RGBAt returns the color sample at (x, y). The frame must be a color frame.
func (f *Frame) RGBAt(x, y int) (uint8, uint8, uint8) {
	off := y*f.Stride + 3*x
	return f.Data[off], f.Data[off+1], f.Data[off+2]
}

// FramePair is a depth frame and a color frame captured at the same index.
type FramePair struct {
	Depth *Frame
	Color *Frame
}

// Index returns the shared frame index of the pair.
func (p FramePair) Index() int {
	return p.Depth.Index
}
