// Package fake implements a FrameSource that ray casts a synthetic textured room along a known
// trajectory, so reconstructions can be checked against ground truth.
package fake

import (
	"context"
	"encoding/binary"
	"image"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	goutils "go.viam.com/utils"

	"github.com/regardrgbd/rgbdscan/rimage"
	"github.com/regardrgbd/rgbdscan/rimage/transform"
	"github.com/regardrgbd/rgbdscan/sensor"
	"github.com/regardrgbd/rgbdscan/spatialmath"
	"github.com/regardrgbd/rgbdscan/utils"
)

// Config are the attributes of the fake camera.
type Config struct {
	Intrinsics *transform.PinholeCameraIntrinsics `json:"intrinsic_parameters,omitempty"`
	DepthScale float64                            `json:"depth_scale,omitempty"`
	// NumFrames stops both streams after that many frames; zero streams until stopped.
	NumFrames int `json:"num_frames,omitempty"`
	// FrameRate paces the streams in frames per second; zero pushes frames back to back.
	FrameRate float64 `json:"frame_rate,omitempty"`
	// DropColorEvery skips every n-th color frame to simulate a lossy stream.
	DropColorEvery int `json:"drop_color_every,omitempty"`
	// Step is the camera translation per frame in meters.
	Step float64 `json:"step_m,omitempty"`
	// Yaw is the camera rotation per frame in radians.
	Yaw float64 `json:"yaw_rad,omitempty"`
}

// Validate checks that the config attributes are valid for a fake camera.
func (conf *Config) Validate() error {
	if conf.Intrinsics != nil {
		if err := conf.Intrinsics.CheckValid(); err != nil {
			return err
		}
	}
	if conf.DepthScale < 0 {
		return errors.Errorf("depth scale must be positive, got %v", conf.DepthScale)
	}
	if conf.NumFrames <= 0 && conf.FrameRate <= 0 {
		return errors.New("an unpaced fake camera needs a frame count")
	}
	if conf.DropColorEvery == 1 {
		return errors.New("dropping every color frame leaves nothing to pair")
	}
	return nil
}

func (conf *Config) withDefaults() Config {
	out := *conf
	if out.Intrinsics == nil {
		out.Intrinsics = &transform.PinholeCameraIntrinsics{Width: 160, Height: 120, Fx: 135.7, Fy: 136.1, Ppx: 79.7, Ppy: 60}
	}
	if out.DepthScale == 0 {
		out.DepthScale = 1000
	}
	if out.Step == 0 {
		out.Step = 0.01
	}
	if out.Yaw == 0 {
		out.Yaw = 0.005
	}
	return out
}

// Camera is the fake FrameSource.
type Camera struct {
	cfg    Config
	scene  *Scene
	clk    clock.Clock
	logger golog.Logger

	mu      sync.Mutex
	workers utils.StoppableWorkers
	done    chan struct{}

	cacheMu    sync.Mutex
	cacheIndex int
	cachePair  rimage.FramePair

	depthSent atomic.Int64
	colorSent atomic.Int64
}

var _ sensor.FrameSource = (*Camera)(nil)

// NewCamera returns a fake camera. A nil clk uses the wall clock.
func NewCamera(conf Config, clk clock.Clock, logger golog.Logger) (*Camera, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Camera{cfg: conf.withDefaults(), scene: DefaultScene(), clk: clk, logger: logger, cacheIndex: -1}, nil
}

// Intrinsics returns the camera model frames are rendered with.
func (c *Camera) Intrinsics() *transform.PinholeCameraIntrinsics {
	return c.cfg.Intrinsics
}

// DepthScale returns raw depth units per meter.
func (c *Camera) DepthScale() float64 {
	return c.cfg.DepthScale
}

// Scene returns the filmed scene.
func (c *Camera) Scene() *Scene {
	return c.scene
}

// CameraToWorld returns the ground-truth pose of frame k.
func (c *Camera) CameraToWorld(k int) spatialmath.Pose {
	kf := float64(k)
	return spatialmath.NewPoseFromAxisAngle(r3.Vector{Y: 1}, c.cfg.Yaw*kf, r3.Vector{X: c.cfg.Step * kf, Z: 0.5 * c.cfg.Step * kf})
}

// Extrinsic returns the ground-truth world-to-camera pose of frame k.
func (c *Camera) Extrinsic(k int) spatialmath.Pose {
	return spatialmath.PoseInverse(c.CameraToWorld(k))
}

// Render ray casts frame k.
func (c *Camera) Render(k int) rimage.FramePair {
	in := c.cfg.Intrinsics
	w, h := in.Width, in.Height
	ts := c.timestamp(k)
	depth := &rimage.Frame{Kind: rimage.StreamDepth, Index: k, Width: w, Height: h, Stride: 2 * w, Timestamp: ts, Data: make([]byte, 2*w*h)}
	col := &rimage.Frame{Kind: rimage.StreamColor, Index: k, Width: w, Height: h, Stride: 3 * w, Timestamp: ts, Data: make([]byte, 3*w*h)}
	pose := c.CameraToWorld(k)
	origin := pose.Point()

	utils.ParallelForEachRow(image.Point{w, h}, func(y int) {
		for x := 0; x < w; x++ {
			dx, dy, _ := in.PixelToPoint(float64(x), float64(y), 1)
			dir := pose.Rotate(r3.Vector{X: dx, Y: dy, Z: 1})
			t, p, ok := c.scene.Cast(origin, dir)
			if !ok {
				continue
			}
			// dir has unit camera-frame z, so t is the depth along the optical axis
			if raw := math.Round(t * c.cfg.DepthScale); raw < math.MaxUint16 {
				binary.LittleEndian.PutUint16(depth.Data[y*depth.Stride+2*x:], uint16(raw))
			}
			rgb := c.scene.ColorAt(p)
			off := y*col.Stride + 3*x
			col.Data[off], col.Data[off+1], col.Data[off+2] = rgb.R, rgb.G, rgb.B
		}
	})
	return rimage.FramePair{Depth: depth, Color: col}
}

func (c *Camera) timestamp(k int) time.Duration {
	if c.cfg.FrameRate > 0 {
		return time.Duration(float64(k) / c.cfg.FrameRate * float64(time.Second))
	}
	return time.Duration(k) * time.Millisecond
}

// renderCached renders frame k once for both streams.
func (c *Camera) renderCached(k int) rimage.FramePair {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if c.cacheIndex != k {
		c.cachePair = c.Render(k)
		c.cacheIndex = k
	}
	return c.cachePair
}

// Start launches the depth and color producers. Frames are pushed to handler until NumFrames
// is reached, ctx is done, or Stop is called.
func (c *Camera) Start(ctx context.Context, handler sensor.FrameHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.workers != nil {
		return errors.New("fake camera already started")
	}
	c.done = make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	produce := func(kind rimage.StreamKind) func(context.Context) {
		return func(ctx context.Context) {
			defer wg.Done()
			c.produce(ctx, kind, handler)
		}
	}
	c.workers = utils.NewStoppableWorkersWithContext(ctx, produce(rimage.StreamDepth), produce(rimage.StreamColor))
	done := c.done
	goutils.PanicCapturingGo(func() {
		wg.Wait()
		close(done)
	})
	return nil
}

func (c *Camera) produce(ctx context.Context, kind rimage.StreamKind, handler sensor.FrameHandler) {
	var ticker *clock.Ticker
	if c.cfg.FrameRate > 0 {
		ticker = c.clk.Ticker(time.Duration(float64(time.Second) / c.cfg.FrameRate))
		defer ticker.Stop()
	}
	for k := 0; c.cfg.NumFrames <= 0 || k < c.cfg.NumFrames; k++ {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return
		}
		if kind == rimage.StreamColor && c.dropsColor(k) {
			continue
		}
		pair := c.renderCached(k)
		frame := pair.Depth
		sent := &c.depthSent
		if kind == rimage.StreamColor {
			frame, sent = pair.Color, &c.colorSent
		}
		if err := handler.OnFrame(kind, frame.Index, frame.Width, frame.Height, frame.Stride, frame.Data, frame.Timestamp); err != nil {
			c.logger.Warnw("frame handler rejected frame", "stream", kind, "index", k, "error", err)
			continue
		}
		sent.Inc()
	}
}

func (c *Camera) dropsColor(k int) bool {
	n := c.cfg.DropColorEvery
	return n > 0 && k%n == n-1
}

// LastIndex returns the last index both streams emit, or -1 for an unbounded stream.
func (c *Camera) LastIndex() int {
	if c.cfg.NumFrames <= 0 {
		return -1
	}
	k := c.cfg.NumFrames - 1
	for k >= 0 && c.dropsColor(k) {
		k--
	}
	return k
}

// Done is closed once both streams have pushed their last frame or been stopped. It is nil
// before Start.
func (c *Camera) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Sent returns how many depth and color frames the handler accepted.
func (c *Camera) Sent() (int64, int64) {
	return c.depthSent.Load(), c.colorSent.Load()
}

// Stop halts both streams and waits for them to return.
func (c *Camera) Stop() error {
	c.mu.Lock()
	workers := c.workers
	c.mu.Unlock()
	if workers == nil {
		return errors.New("fake camera not started")
	}
	workers.Stop()
	return nil
}
