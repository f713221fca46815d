// Package sensor defines how RGBD frame producers hand frames to the pipeline, and the
// process-wide sensor runtime that producers share.
package sensor

import (
	"context"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/regardrgbd/rgbdscan/rimage"
	"github.com/regardrgbd/rgbdscan/rimage/transform"
)

// FrameHandler receives frames pushed by a FrameSource. data is only valid for the duration of
// the call; implementations copy what they keep.
type FrameHandler interface {
	OnFrame(kind rimage.StreamKind, index, width, height, stride int, data []byte, timestamp time.Duration) error
}

// FrameHandlerFunc adapts a function to a FrameHandler.
type FrameHandlerFunc func(kind rimage.StreamKind, index, width, height, stride int, data []byte, timestamp time.Duration) error

// OnFrame calls f.
func (f FrameHandlerFunc) OnFrame(
	kind rimage.StreamKind,
	index, width, height, stride int,
	data []byte,
	timestamp time.Duration,
) error {
	return f(kind, index, width, height, stride, data, timestamp)
}

// A FrameSource produces depth and color frames on its own goroutines once started. Depth and
// color frames of the same capture share an index; indices increase per stream.
type FrameSource interface {
	Start(ctx context.Context, handler FrameHandler) error
	Stop() error
	Intrinsics() *transform.PinholeCameraIntrinsics
	// DepthScale converts raw depth samples to meters: meters = raw / DepthScale.
	DepthScale() float64
}

// ErrNotInitialized is returned by Shutdown when the runtime holds no references.
var ErrNotInitialized = errors.New("sensor runtime is not initialized")

var runtime struct {
	mu     sync.Mutex
	refs   int
	logger golog.Logger
}

// Init acquires a reference to the process-wide sensor runtime, bringing it up on the first
// reference. Every successful Init must be paired with a Shutdown.
func Init(logger golog.Logger) {
	runtime.mu.Lock()
	defer runtime.mu.Unlock()
	if runtime.refs == 0 {
		runtime.logger = logger
		logger.Debug("sensor runtime started")
	}
	runtime.refs++
}

// Shutdown releases a reference taken by Init and tears the runtime down with the last one.
func Shutdown() error {
	runtime.mu.Lock()
	defer runtime.mu.Unlock()
	if runtime.refs == 0 {
		return ErrNotInitialized
	}
	runtime.refs--
	if runtime.refs == 0 {
		runtime.logger.Debug("sensor runtime stopped")
		runtime.logger = nil
	}
	return nil
}

// RefCount returns the number of outstanding Init references.
func RefCount() int {
	runtime.mu.Lock()
	defer runtime.mu.Unlock()
	return runtime.refs
}
