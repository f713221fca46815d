// Package reconstruction runs the online fusion loop of a scanning session and the offline
// refinement that turns its history into meshes.
package reconstruction

import (
	"context"
	"fmt"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/atomic"

	"github.com/regardrgbd/rgbdscan/framesync"
	"github.com/regardrgbd/rgbdscan/pointcloud"
	"github.com/regardrgbd/rgbdscan/posegraph"
	"github.com/regardrgbd/rgbdscan/rimage"
	"github.com/regardrgbd/rgbdscan/spatialmath"
	"github.com/regardrgbd/rgbdscan/tsdf"
	"github.com/regardrgbd/rgbdscan/utils"
	"github.com/regardrgbd/rgbdscan/vision/odometry"
)

var (
	// ErrIntegrationPrecondition is returned for frame pairs whose geometry cannot be fused. It
	// aborts the fusion loop.
	ErrIntegrationPrecondition = errors.New("frame pair violates integration preconditions")
	// ErrNonMonotonicFrame is returned by ProcessPair for an index not greater than the last one
	// processed.
	ErrNonMonotonicFrame = errors.New("frame index is not increasing")
)

// HistoryEntry is one processed frame; Index is its dense position in the history.
type HistoryEntry = posegraph.Entry

// RelativeEdge links a history entry to the last successful entry before it.
type RelativeEdge = posegraph.Edge

// State is the lifecycle state of a Worker.
type State int32

const (
	// StateIdle workers have not been started since creation or the last Reset.
	StateIdle State = iota
	// StateRunning workers are consuming frame pairs.
	StateRunning
	// StateTerminating workers are waiting for the fusion loop to return.
	StateTerminating
	// StateStopped workers have exited their loop, see Err for why.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// PairSource hands out synchronized frame pairs.
type PairSource interface {
	WaitForNextPair(ctx context.Context, lastConsumedIndex int) (rimage.FramePair, error)
}

// Worker fuses frame pairs into the online volume and records the trajectory history.
type Worker struct {
	cfg       Config
	pairs     PairSource
	estimator odometry.Estimator
	publisher *Publisher
	logger    golog.Logger

	// mu guards the fusion state below; ProcessPair holds it for a whole frame.
	mu        sync.Mutex
	volume    *tsdf.Volume
	history   []HistoryEntry
	lastIndex int
	lastGood  int

	lifecycle sync.Mutex
	state     atomic.Int32
	workers   utils.StoppableWorkers
	done      chan struct{}
	err       atomic.Error

	processed  atomic.Int64
	integrated atomic.Int64
	failed     atomic.Int64
}

// NewWorker returns an idle worker. cfg must already carry its defaults.
func NewWorker(
	cfg Config,
	pairs PairSource,
	estimator odometry.Estimator,
	publisher *Publisher,
	logger golog.Logger,
) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	vol, err := tsdf.NewVolume(cfg.OnlineVolume(), logger)
	if err != nil {
		return nil, err
	}
	if publisher == nil {
		publisher = NewPublisher()
	}
	return &Worker{
		cfg:       cfg,
		pairs:     pairs,
		estimator: estimator,
		publisher: publisher,
		logger:    logger,
		volume:    vol,
		lastIndex: -1,
		lastGood:  -1,
	}, nil
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Err returns the error that aborted the fusion loop, if any.
func (w *Worker) Err() error {
	return w.err.Load()
}

// Start launches the fusion loop. Only idle workers can be started.
func (w *Worker) Start(ctx context.Context) error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	if !w.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return errors.Errorf("cannot start a worker that is %s", w.State())
	}
	done := make(chan struct{})
	w.done = done
	w.workers = utils.NewStoppableWorkersWithContext(ctx, func(ctx context.Context) {
		w.run(ctx, done)
	})
	w.logger.Debug("fusion loop started")
	return nil
}

// Done is closed when the fusion loop exits. It is nil before Start.
func (w *Worker) Done() <-chan struct{} {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	return w.done
}

// Stop ends the fusion loop and waits for it. It returns the error that aborted the loop, if any.
func (w *Worker) Stop() error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	if w.workers == nil {
		return w.Err()
	}
	w.state.CompareAndSwap(int32(StateRunning), int32(StateTerminating))
	w.workers.Stop()
	w.state.Store(int32(StateStopped))
	return w.Err()
}

// Reset stops the worker if needed, clears the volume and history, and returns it to Idle.
func (w *Worker) Reset() {
	//nolint:errcheck
	w.Stop()
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	w.mu.Lock()
	w.volume.Reset()
	w.history = nil
	w.lastIndex = -1
	w.lastGood = -1
	w.mu.Unlock()
	w.processed.Store(0)
	w.integrated.Store(0)
	w.failed.Store(0)
	w.err.Store(nil)
	w.publisher.Clear()
	w.workers = nil
	w.done = nil
	w.state.Store(int32(StateIdle))
	w.logger.Debug("worker reset")
}

func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer func() {
		w.state.Store(int32(StateStopped))
		close(done)
		w.publisher.Notify(Update{Kind: UpdateStopped, Index: w.lastProcessed(), Err: w.Err()})
	}()
	for {
		pair, err := w.pairs.WaitForNextPair(ctx, w.lastProcessed())
		if err != nil {
			switch {
			case errors.Is(err, framesync.ErrPairingTimeout):
				w.logger.Debugw("no pair within timeout", "last_index", w.lastProcessed())
				continue
			case ctx.Err() != nil, errors.Is(err, framesync.ErrClosed):
				return
			default:
				w.abort(err)
				return
			}
		}
		if err := w.ProcessPair(ctx, pair); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.abort(err)
			return
		}
	}
}

func (w *Worker) abort(err error) {
	w.err.Store(err)
	w.logger.Errorw("fusion loop aborted", "error", err)
}

func (w *Worker) lastProcessed() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastIndex
}

func (w *Worker) checkGeometry(pair rimage.FramePair) error {
	if pair.Depth == nil || pair.Color == nil {
		return errors.Wrap(ErrIntegrationPrecondition, "frame pair is missing a stream")
	}
	if err := pair.Depth.Validate(); err != nil {
		return errors.Wrap(ErrIntegrationPrecondition, err.Error())
	}
	if err := pair.Color.Validate(); err != nil {
		return errors.Wrap(ErrIntegrationPrecondition, err.Error())
	}
	if pair.Depth.Width != pair.Color.Width || pair.Depth.Height != pair.Color.Height {
		return errors.Wrapf(ErrIntegrationPrecondition, "depth %dx%d and color %dx%d differ",
			pair.Depth.Width, pair.Depth.Height, pair.Color.Width, pair.Color.Height)
	}
	if err := w.cfg.Intrinsics.CheckImageSize(pair.Depth.Width, pair.Depth.Height); err != nil {
		return errors.Wrap(ErrIntegrationPrecondition, err.Error())
	}
	return nil
}

// ProcessPair fuses one frame pair. The first frame anchors the world at the identity pose. Later
// frames are aligned against the last successful frame; when odometry fails the frame is recorded
// as failed at the previous pose and not fused. Pairs must arrive with increasing indices.
func (w *Worker) ProcessPair(ctx context.Context, pair rimage.FramePair) error {
	if err := w.checkGeometry(pair); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if pair.Index() <= w.lastIndex {
		return errors.Wrapf(ErrNonMonotonicFrame, "got %d after %d", pair.Index(), w.lastIndex)
	}
	img, err := rimage.NewRGBDImage(pair, w.cfg.DepthScale, w.cfg.MaxDepth)
	if err != nil {
		return errors.Wrap(ErrIntegrationPrecondition, err.Error())
	}
	pos := len(w.history)

	if w.lastGood < 0 {
		extrinsic := spatialmath.NewZeroPose()
		if err := w.integrate(ctx, img, extrinsic); err != nil {
			return err
		}
		w.record(HistoryEntry{
			Index: pos, Image: img, Extrinsic: extrinsic, Relative: posegraph.IdentityEdge(pos, pos), Success: true,
		}, pair.Index())
		w.publishSnapshot(img, extrinsic)
		return nil
	}

	prev := w.history[w.lastGood]
	res, err := w.estimator.Estimate(ctx, prev.Image, img, w.cfg.Intrinsics, spatialmath.NewZeroPose(), w.cfg.OdometryOption())
	if err != nil {
		return errors.Wrapf(err, "odometry for frame %d", pair.Index())
	}
	if !res.Success {
		w.failed.Inc()
		w.record(HistoryEntry{
			Index: pos, Image: img, Extrinsic: prev.Extrinsic, Relative: posegraph.IdentityEdge(w.lastGood, pos),
		}, pair.Index())
		w.logger.Infow("odometry failed, frame not fused", "index", pair.Index(), "reason", res.Reason)
		w.publisher.Notify(Update{Kind: UpdateFrameFailed, Index: pair.Index()})
		return nil
	}

	extrinsic := spatialmath.Compose(res.Transform, prev.Extrinsic).Orthonormalize()
	if err := w.integrate(ctx, img, extrinsic); err != nil {
		return err
	}
	w.record(HistoryEntry{
		Index:     pos,
		Image:     img,
		Extrinsic: extrinsic,
		Relative: RelativeEdge{
			Source:      w.lastGood,
			Target:      pos,
			Transform:   res.Transform,
			Information: res.Information,
		},
		Success: true,
	}, pair.Index())
	w.publishSnapshot(img, extrinsic)
	return nil
}

// record appends e and marks frameIndex as processed. Callers hold mu.
func (w *Worker) record(e HistoryEntry, frameIndex int) {
	w.history = append(w.history, e)
	if e.Success {
		w.lastGood = e.Index
	}
	w.lastIndex = frameIndex
	w.processed.Inc()
}

// integrate fuses img unless ctx is already done. Once started, the frame is fused whole so the
// volume only ever holds frames that make it into the history.
func (w *Worker) integrate(ctx context.Context, img *rimage.RGBDImage, extrinsic spatialmath.Pose) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := w.volume.Integrate(context.WithoutCancel(ctx), img, w.cfg.Intrinsics, extrinsic); err != nil {
		if errors.Is(err, tsdf.ErrImageMismatch) {
			return errors.Wrap(ErrIntegrationPrecondition, err.Error())
		}
		return err
	}
	w.integrated.Inc()
	return nil
}

// publishSnapshot builds and publishes the snapshot of a fused frame.
func (w *Worker) publishSnapshot(img *rimage.RGBDImage, extrinsic spatialmath.Pose) {
	cloud, err := w.cfg.Intrinsics.RGBDToPointCloud(img, spatialmath.PoseInverse(extrinsic), 1)
	if err != nil {
		w.logger.Warnw("cannot build snapshot cloud", "index", img.Index, "error", err)
		return
	}
	w.publisher.Publish(&Snapshot{
		Index:      img.Index,
		Extrinsic:  extrinsic,
		Cloud:      pointcloud.VoxelGridDownsample(cloud, w.cfg.SnapshotVoxelSize),
		Processed:  w.processed.Load(),
		Integrated: w.integrated.Load(),
		Failed:     w.failed.Load(),
	})
}

// LatestSnapshot returns a deep copy of the most recently published snapshot, or nil.
func (w *Worker) LatestSnapshot() *Snapshot {
	return w.publisher.Latest()
}

// Publisher returns the publisher snapshots and updates go through.
func (w *Worker) Publisher() *Publisher {
	return w.publisher
}

// History returns a deep copy of the recorded history.
func (w *Worker) History() []HistoryEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return lo.Map(w.history, func(e HistoryEntry, _ int) HistoryEntry {
		e.Image = e.Image.Clone()
		return e
	})
}

// Volume returns a copy of the online volume.
func (w *Worker) Volume() *tsdf.Volume {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.volume.Clone()
}

// ProcessedCount returns the number of pairs accepted by ProcessPair.
func (w *Worker) ProcessedCount() int64 {
	return w.processed.Load()
}

// IntegratedCount returns the number of frames fused into the online volume.
func (w *Worker) IntegratedCount() int64 {
	return w.integrated.Load()
}

// FailedCount returns the number of frames whose odometry failed.
func (w *Worker) FailedCount() int64 {
	return w.failed.Load()
}

// SuccessfulIndices returns the history positions of successful entries.
func SuccessfulIndices(history []HistoryEntry) []int {
	return lo.FilterMap(history, func(e HistoryEntry, _ int) (int, bool) {
		return e.Index, e.Success
	})
}
