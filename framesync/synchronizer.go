// Package framesync pairs depth and color frames that arrive independently from two sensor
// streams.
//
// Each stream owns a single slot that always holds its most recent frame. Producers never block:
// a new frame replaces whatever the slot held, so a slow consumer silently skips indices. The
// consumer waits until both slots carry the same index, newer than the last one it consumed.
package framesync

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/regardrgbd/rgbdscan/rimage"
)

var (
	// ErrPairingTimeout is returned when the two streams do not align within the configured
	// pairing timeout. It is not fatal; callers may simply wait again.
	ErrPairingTimeout = errors.New("timed out waiting for a matching depth/color pair")
	// ErrClosed is returned by waits on a closed synchronizer.
	ErrClosed = errors.New("frame synchronizer is closed")
)

// Options configure a Synchronizer.
type Options struct {
	// PairingTimeout bounds a single WaitForNextPair call. Zero waits forever.
	PairingTimeout time.Duration
	// Clock is the time source for the pairing timeout. Defaults to the wall clock.
	Clock clock.Clock
}

// Stats are running counters for a Synchronizer.
type Stats struct {
	DepthSubmitted   int64
	ColorSubmitted   int64
	DepthOverwritten int64
	ColorOverwritten int64
	PairsDelivered   int64
}

// Synchronizer holds the latest frame of each stream and hands out matched pairs.
// Any number of producers may submit concurrently; WaitForNextPair supports a single consumer.
type Synchronizer struct {
	mu            sync.Mutex
	depth         *rimage.Frame
	color         *rimage.Frame
	lastDelivered int

	// signal has capacity one; a pending notification already covers any later submission.
	signal    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	timeout time.Duration
	clk     clock.Clock
	logger  golog.Logger

	depthSubmitted   atomic.Int64
	colorSubmitted   atomic.Int64
	depthOverwritten atomic.Int64
	colorOverwritten atomic.Int64
	pairsDelivered   atomic.Int64
}

// NewSynchronizer returns an empty synchronizer.
func NewSynchronizer(opts Options, logger golog.Logger) *Synchronizer {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Synchronizer{
		lastDelivered: -1,
		signal:        make(chan struct{}, 1),
		closed:        make(chan struct{}),
		timeout:       opts.PairingTimeout,
		clk:           clk,
		logger:        logger,
	}
}

// SubmitDepth stores a copy of frame in the depth slot, replacing any frame not yet paired.
func (s *Synchronizer) SubmitDepth(frame *rimage.Frame) error {
	return s.submit(rimage.StreamDepth, frame)
}

// SubmitColor stores a copy of frame in the color slot, replacing any frame not yet paired.
func (s *Synchronizer) SubmitColor(frame *rimage.Frame) error {
	return s.submit(rimage.StreamColor, frame)
}

// Submit routes frame to the slot matching its Kind.
func (s *Synchronizer) Submit(frame *rimage.Frame) error {
	if frame == nil {
		return errors.Wrap(rimage.ErrInvalidFrame, "nil frame")
	}
	return s.submit(frame.Kind, frame)
}

// OnFrame accepts a frame pushed by a sensor driver. The payload is copied before OnFrame returns,
// so the driver may reuse data immediately.
func (s *Synchronizer) OnFrame(
	kind rimage.StreamKind,
	index, width, height, stride int,
	data []byte,
	timestamp time.Duration,
) error {
	return s.submit(kind, &rimage.Frame{
		Kind: kind, Index: index, Width: width, Height: height, Stride: stride, Timestamp: timestamp, Data: data,
	})
}

func (s *Synchronizer) submit(kind rimage.StreamKind, frame *rimage.Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	if frame.Kind != kind {
		return errors.Wrapf(rimage.ErrInvalidFrame, "%s frame submitted to the %s slot", frame.Kind, kind)
	}
	owned := frame.Clone()

	s.mu.Lock()
	var prev *rimage.Frame
	if kind == rimage.StreamDepth {
		prev, s.depth = s.depth, owned
		s.depthSubmitted.Inc()
	} else {
		prev, s.color = s.color, owned
		s.colorSubmitted.Inc()
	}
	if prev != nil && prev.Index > s.lastDelivered && prev.Index != owned.Index {
		if kind == rimage.StreamDepth {
			s.depthOverwritten.Inc()
		} else {
			s.colorOverwritten.Inc()
		}
	}
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return nil
}

// WaitForNextPair blocks until both slots hold frames with the same index greater than
// lastConsumedIndex and returns copies of them. The slots are left untouched. It returns
// ctx.Err() on cancellation and ErrPairingTimeout when a pairing timeout is configured and
// expires. Once Close has been called it returns ErrClosed, even if a pair is ready.
func (s *Synchronizer) WaitForNextPair(ctx context.Context, lastConsumedIndex int) (rimage.FramePair, error) {
	var timeoutC <-chan time.Time
	if s.timeout > 0 {
		timer := s.clk.Timer(s.timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}
	for {
		select {
		case <-s.closed:
			return rimage.FramePair{}, ErrClosed
		default:
		}
		if pair, ok := s.tryPair(lastConsumedIndex); ok {
			return pair, nil
		}
		select {
		case <-ctx.Done():
			return rimage.FramePair{}, ctx.Err()
		case <-s.closed:
			return rimage.FramePair{}, ErrClosed
		case <-timeoutC:
			s.logger.Debugw("pairing timed out", "last_consumed", lastConsumedIndex, "timeout", s.timeout)
			return rimage.FramePair{}, ErrPairingTimeout
		case <-s.signal:
		}
	}
}

func (s *Synchronizer) tryPair(lastConsumedIndex int) (rimage.FramePair, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.depth == nil || s.color == nil {
		return rimage.FramePair{}, false
	}
	if s.depth.Index != s.color.Index || s.depth.Index <= lastConsumedIndex {
		return rimage.FramePair{}, false
	}
	if s.depth.Index > s.lastDelivered {
		s.lastDelivered = s.depth.Index
	}
	s.pairsDelivered.Inc()
	return rimage.FramePair{Depth: s.depth.Clone(), Color: s.color.Clone()}, true
}

// Stats returns a snapshot of the running counters.
func (s *Synchronizer) Stats() Stats {
	return Stats{
		DepthSubmitted:   s.depthSubmitted.Load(),
		ColorSubmitted:   s.colorSubmitted.Load(),
		DepthOverwritten: s.depthOverwritten.Load(),
		ColorOverwritten: s.colorOverwritten.Load(),
		PairsDelivered:   s.pairsDelivered.Load(),
	}
}

// Close wakes any waiter with ErrClosed. Submissions after Close are still accepted but never
// delivered.
func (s *Synchronizer) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}
