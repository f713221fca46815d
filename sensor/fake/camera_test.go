package fake

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/regardrgbd/rgbdscan/rimage"
	"github.com/regardrgbd/rgbdscan/sensor"
	"github.com/regardrgbd/rgbdscan/spatialmath"
)

func TestConfigValidate(t *testing.T) {
	test.That(t, (&Config{NumFrames: 3}).Validate(), test.ShouldBeNil)
	test.That(t, (&Config{FrameRate: 30}).Validate(), test.ShouldBeNil)
	test.That(t, (&Config{}).Validate(), test.ShouldNotBeNil)
	test.That(t, (&Config{NumFrames: 3, DepthScale: -1}).Validate(), test.ShouldNotBeNil)
	test.That(t, (&Config{NumFrames: 3, DropColorEvery: 1}).Validate(), test.ShouldNotBeNil)

	_, err := NewCamera(Config{}, nil, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSceneCast(t *testing.T) {
	s := DefaultScene()
	tt, p, ok := s.Cast(r3.Vector{}, r3.Vector{Z: 1})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, tt, test.ShouldAlmostEqual, s.BackWallZ)
	test.That(t, p.Z, test.ShouldAlmostEqual, s.BackWallZ)

	toSphere := s.SphereCenter.Normalize()
	tt, _, ok = s.Cast(r3.Vector{}, toSphere)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, tt, test.ShouldAlmostEqual, s.SphereCenter.Norm()-s.SphereRadius, 1e-9)

	_, _, ok = s.Cast(r3.Vector{}, r3.Vector{X: 1})
	test.That(t, ok, test.ShouldBeFalse)
}

func TestRender(t *testing.T) {
	cam, err := NewCamera(Config{NumFrames: 1}, nil, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	pair := cam.Render(0)
	test.That(t, pair.Depth.Validate(), test.ShouldBeNil)
	test.That(t, pair.Color.Validate(), test.ShouldBeNil)
	test.That(t, pair.Depth.Width, test.ShouldEqual, cam.Intrinsics().Width)

	// the optical axis sees the back wall
	test.That(t, pair.Depth.DepthAt(80, 60), test.ShouldEqual, uint16(2500))
	// the pixel under the sphere center sees its near side
	test.That(t, float64(pair.Depth.DepthAt(97, 86)), test.ShouldAlmostEqual, 1250, 15)

	img, err := rimage.NewRGBDImage(pair, cam.DepthScale(), 4)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.Depth.ValidCount(), test.ShouldEqual, img.Width()*img.Height())
}

func TestGroundTruth(t *testing.T) {
	cam, err := NewCamera(Config{NumFrames: 1}, nil, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostEqual(cam.CameraToWorld(0), spatialmath.NewZeroPose(), 1e-12, 1e-12), test.ShouldBeTrue)
	for _, k := range []int{1, 7, 20} {
		roundTrip := spatialmath.Compose(cam.CameraToWorld(k), cam.Extrinsic(k))
		test.That(t, spatialmath.PoseAlmostEqual(roundTrip, spatialmath.NewZeroPose(), 1e-9, 1e-9), test.ShouldBeTrue)
	}
	test.That(t, cam.CameraToWorld(10).Point().X, test.ShouldAlmostEqual, 0.1)
}

type collector struct {
	mu     sync.Mutex
	frames map[rimage.StreamKind][]int
}

func (c *collector) handler() sensor.FrameHandler {
	c.frames = map[rimage.StreamKind][]int{}
	return sensor.FrameHandlerFunc(func(kind rimage.StreamKind, index, width, height, stride int, data []byte, ts time.Duration) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.frames[kind] = append(c.frames[kind], index)
		return nil
	})
}

func (c *collector) indices(kind rimage.StreamKind) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.frames[kind]...)
}

func TestStreamsWithDrops(t *testing.T) {
	cam, err := NewCamera(Config{NumFrames: 5, DropColorEvery: 2}, nil, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cam.Stop(), test.ShouldNotBeNil)

	var c collector
	test.That(t, cam.Start(context.Background(), c.handler()), test.ShouldBeNil)
	test.That(t, cam.Start(context.Background(), c.handler()), test.ShouldNotBeNil)
	<-cam.Done()
	test.That(t, cam.Stop(), test.ShouldBeNil)

	test.That(t, c.indices(rimage.StreamDepth), test.ShouldResemble, []int{0, 1, 2, 3, 4})
	test.That(t, c.indices(rimage.StreamColor), test.ShouldResemble, []int{0, 2, 4})
	depthSent, colorSent := cam.Sent()
	test.That(t, depthSent, test.ShouldEqual, int64(5))
	test.That(t, colorSent, test.ShouldEqual, int64(3))
	test.That(t, cam.LastIndex(), test.ShouldEqual, 4)
}

func TestLastIndex(t *testing.T) {
	for _, tc := range []struct {
		conf Config
		want int
	}{
		{Config{NumFrames: 6}, 5},
		{Config{NumFrames: 6, DropColorEvery: 3}, 4},
		{Config{NumFrames: 6, DropColorEvery: 2}, 4},
		{Config{FrameRate: 30}, -1},
	} {
		cam, err := NewCamera(tc.conf, nil, golog.NewTestLogger(t))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cam.LastIndex(), test.ShouldEqual, tc.want)
	}
}

func TestRejectedFramesAreNotCounted(t *testing.T) {
	cam, err := NewCamera(Config{NumFrames: 2}, nil, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	reject := sensor.FrameHandlerFunc(func(kind rimage.StreamKind, index, width, height, stride int, data []byte, ts time.Duration) error {
		return errors.New("full")
	})
	test.That(t, cam.Start(context.Background(), reject), test.ShouldBeNil)
	<-cam.Done()
	depthSent, colorSent := cam.Sent()
	test.That(t, depthSent, test.ShouldEqual, int64(0))
	test.That(t, colorSent, test.ShouldEqual, int64(0))
}

func TestPacedStreamStops(t *testing.T) {
	mock := clock.NewMock()
	cam, err := NewCamera(Config{FrameRate: 10}, mock, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	var c collector
	test.That(t, cam.Start(context.Background(), c.handler()), test.ShouldBeNil)
	for len(c.indices(rimage.StreamDepth)) < 3 {
		mock.Add(100 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}
	test.That(t, cam.Stop(), test.ShouldBeNil)
	<-cam.Done()
	got := c.indices(rimage.StreamDepth)
	test.That(t, got[:3], test.ShouldResemble, []int{0, 1, 2})
}
