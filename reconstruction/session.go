package reconstruction

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/regardrgbd/rgbdscan/framesync"
	"github.com/regardrgbd/rgbdscan/sensor"
	"github.com/regardrgbd/rgbdscan/vision/odometry"
)

// Session wires a frame source through a synchronizer into a fusion worker.
type Session struct {
	ID uuid.UUID

	cfg          Config
	source       sensor.FrameSource
	synchronizer *framesync.Synchronizer
	estimator    odometry.Estimator
	worker       *Worker
	logger       golog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewSession builds a session around source. Unset intrinsics and depth scale are taken from the
// source; intrinsics given in cfg must describe the same image size as the source's.
func NewSession(cfg Config, source sensor.FrameSource, logger golog.Logger) (*Session, error) {
	if cfg.Intrinsics == nil {
		cfg.Intrinsics = source.Intrinsics()
	} else if srcIntrinsics := source.Intrinsics(); srcIntrinsics != nil {
		if err := cfg.Intrinsics.CheckImageSize(srcIntrinsics.Width, srcIntrinsics.Height); err != nil {
			return nil, errors.Wrap(err, "configured intrinsics do not fit the frame source")
		}
	}
	if cfg.DepthScale == 0 {
		cfg.DepthScale = source.DepthScale()
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id := uuid.New()
	logger = logger.With("session", id.String())
	synchronizer := framesync.NewSynchronizer(framesync.Options{PairingTimeout: cfg.PairingTimeout()}, logger)
	estimator := odometry.NewRGBDOdometry(logger)
	worker, err := NewWorker(cfg, synchronizer, estimator, NewPublisher(), logger)
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:           id,
		cfg:          cfg,
		source:       source,
		synchronizer: synchronizer,
		estimator:    estimator,
		worker:       worker,
		logger:       logger,
	}, nil
}

// Config returns the effective configuration.
func (s *Session) Config() Config {
	return s.cfg
}

// Worker returns the fusion worker.
func (s *Session) Worker() *Worker {
	return s.worker
}

// Synchronizer returns the frame synchronizer the source feeds.
func (s *Session) Synchronizer() *framesync.Synchronizer {
	return s.synchronizer
}

// Start acquires the sensor runtime, starts fusion and then the source.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("session already started")
	}
	sensor.Init(s.logger)
	if err := s.worker.Start(ctx); err != nil {
		return multierr.Combine(err, sensor.Shutdown())
	}
	if err := s.source.Start(ctx, s.synchronizer); err != nil {
		s.synchronizer.Close()
		return multierr.Combine(err, s.worker.Stop(), sensor.Shutdown())
	}
	s.started = true
	s.logger.Infow("session started", "intrinsics", s.cfg.Intrinsics, "depth_scale", s.cfg.DepthScale)
	return nil
}

// Stop halts the source and the fusion loop and releases the sensor runtime. It is safe to call
// more than once. The returned error includes the one that aborted fusion, if any.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped {
		return nil
	}
	s.stopped = true
	err := s.source.Stop()
	s.synchronizer.Close()
	err = multierr.Combine(err, s.worker.Stop(), sensor.Shutdown())
	stats := s.synchronizer.Stats()
	s.logger.Infow("session stopped",
		"processed", s.worker.ProcessedCount(),
		"integrated", s.worker.IntegratedCount(),
		"failed", s.worker.FailedCount(),
		"depth_dropped", stats.DepthOverwritten,
		"color_dropped", stats.ColorOverwritten,
	)
	return err
}

// LatestSnapshot returns a deep copy of the latest fused frame snapshot, or nil.
func (s *Session) LatestSnapshot() *Snapshot {
	return s.worker.LatestSnapshot()
}

// Updates signals, coalesced, that a new snapshot is available.
func (s *Session) Updates() <-chan struct{} {
	return s.worker.Publisher().Updates()
}

// Subscribe registers obs for updates of kind and returns its unsubscribe function.
func (s *Session) Subscribe(kind UpdateKind, obs Observer) func() {
	return s.worker.Publisher().Subscribe(kind, obs)
}

// WaitForFrame blocks until the worker has processed a frame index at or beyond index, or the
// fusion loop has stopped.
func (s *Session) WaitForFrame(ctx context.Context, index int) error {
	progressed := make(chan struct{}, 1)
	wake := ObserverFunc(func(Update) {
		select {
		case progressed <- struct{}{}:
		default:
		}
	})
	for _, kind := range []UpdateKind{UpdateSnapshot, UpdateFrameFailed, UpdateStopped} {
		unsubscribe := s.Subscribe(kind, wake)
		defer unsubscribe()
	}
	for {
		if s.worker.lastProcessed() >= index {
			return nil
		}
		if s.worker.State() == StateStopped {
			if err := s.worker.Err(); err != nil {
				return err
			}
			return errors.Errorf("fusion stopped before frame %d", index)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-progressed:
		}
	}
}

// Finalize stops the session and runs the offline refinement over its history.
func (s *Session) Finalize(ctx context.Context) (*FinalizeResult, error) {
	if err := s.Stop(); err != nil {
		return nil, errors.Wrap(err, "session ended with an error")
	}
	return Finalize(ctx, s.cfg, s.worker.History(), s.worker.Volume(), s.estimator, s.logger)
}
