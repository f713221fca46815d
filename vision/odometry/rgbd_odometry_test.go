package odometry

import (
	"context"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/regardrgbd/rgbdscan/rimage"
	"github.com/regardrgbd/rgbdscan/rimage/transform"
	"github.com/regardrgbd/rgbdscan/spatialmath"
)

var testIntrinsics = &transform.PinholeCameraIntrinsics{Width: 80, Height: 60, Fx: 70, Fy: 70, Ppx: 39.5, Ppy: 29.5}

func texture(x, y float64) float32 {
	return float32(0.5 + 0.2*math.Sin(2*math.Pi*x/0.4) + 0.2*math.Cos(2*math.Pi*y/0.4))
}

// renderPlane images the textured plane z = 1 from a camera at center looking down +z.
func renderPlane(index int, center r3.Vector) *rimage.RGBDImage {
	w, h := testIntrinsics.Width, testIntrinsics.Height
	depth := rimage.NewEmptyDepthMap(w, h)
	intensity := rimage.NewFloatImage(w, h)
	col := image.NewNRGBA(image.Rect(0, 0, w, h))
	z := 1 - center.Z
	for v := 0; v < h; v++ {
		for u := 0; u < w; u++ {
			x, y, _ := testIntrinsics.PixelToPoint(float64(u), float64(v), z)
			i := texture(center.X+x, center.Y+y)
			depth.Set(u, v, float32(z))
			intensity.Set(u, v, i)
			g := uint8(i * 255)
			col.SetNRGBA(u, v, color.NRGBA{R: g, G: g, B: g, A: 255})
		}
	}
	return &rimage.RGBDImage{Index: index, Depth: depth, Color: col, Intensity: intensity}
}

func TestOptionValidate(t *testing.T) {
	test.That(t, DefaultOption().Validate(), test.ShouldBeNil)

	opt := DefaultOption()
	opt.IterationsPerLevel = nil
	test.That(t, opt.Validate(), test.ShouldNotBeNil)

	opt = DefaultOption()
	opt.IterationsPerLevel = []int{10, 0}
	test.That(t, opt.Validate().Error(), test.ShouldContainSubstring, "level 1")

	opt = DefaultOption()
	opt.MaxDepthDiff = 0
	test.That(t, opt.Validate(), test.ShouldNotBeNil)

	opt = DefaultOption()
	opt.PhotometricWeight = 1.5
	test.That(t, opt.Validate(), test.ShouldNotBeNil)
}

func TestEstimateIdenticalFrames(t *testing.T) {
	logger := golog.NewTestLogger(t)
	img := renderPlane(0, r3.Vector{})
	res, err := NewRGBDOdometry(logger).Estimate(
		context.Background(), img, img.Clone(), testIntrinsics, spatialmath.NewZeroPose(), DefaultOption())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Success, test.ShouldBeTrue)
	test.That(t, spatialmath.PoseAlmostEqual(res.Transform, spatialmath.NewZeroPose(), 1e-6, 1e-6), test.ShouldBeTrue)
	test.That(t, res.Correspondences, test.ShouldBeGreaterThan, 0)
	test.That(t, res.Information.IsZero(), test.ShouldBeFalse)
}

func TestEstimateForwardMotion(t *testing.T) {
	logger := golog.NewTestLogger(t)
	source := renderPlane(0, r3.Vector{})
	target := renderPlane(1, r3.Vector{Z: 0.02})
	res, err := NewRGBDOdometry(logger).Estimate(
		context.Background(), source, target, testIntrinsics, spatialmath.NewZeroPose(), DefaultOption())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Success, test.ShouldBeTrue)
	test.That(t, res.Transform.Point().Z, test.ShouldAlmostEqual, -0.02, 2e-3)
}

func TestEstimateLateralMotion(t *testing.T) {
	logger := golog.NewTestLogger(t)
	source := renderPlane(0, r3.Vector{})
	target := renderPlane(1, r3.Vector{X: 0.01})
	res, err := NewRGBDOdometry(logger).Estimate(
		context.Background(), source, target, testIntrinsics, spatialmath.NewZeroPose(), DefaultOption())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Success, test.ShouldBeTrue)
	test.That(t, res.Transform.Point().X, test.ShouldAlmostEqual, -0.01, 3e-3)
	test.That(t, res.Transform.Point().Z, test.ShouldAlmostEqual, 0, 2e-3)
}

func TestEstimateFailures(t *testing.T) {
	logger := golog.NewTestLogger(t)
	odo := NewRGBDOdometry(logger)
	source := renderPlane(0, r3.Vector{})

	t.Run("no depth in target", func(t *testing.T) {
		target := renderPlane(1, r3.Vector{})
		target.Depth = rimage.NewEmptyDepthMap(testIntrinsics.Width, testIntrinsics.Height)
		res, err := odo.Estimate(context.Background(), source, target, testIntrinsics, spatialmath.NewZeroPose(), DefaultOption())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, res.Success, test.ShouldBeFalse)
		test.That(t, res.Reason, test.ShouldNotBeEmpty)
		test.That(t, spatialmath.PoseAlmostEqual(res.Transform, spatialmath.NewZeroPose(), 1e-9, 1e-9), test.ShouldBeTrue)
	})

	t.Run("size mismatch", func(t *testing.T) {
		small := *testIntrinsics
		small.Width = 40
		_, err := odo.Estimate(context.Background(), source, source, &small, spatialmath.NewZeroPose(), DefaultOption())
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "don't match")
	})

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := odo.Estimate(ctx, source, source, testIntrinsics, spatialmath.NewZeroPose(), DefaultOption())
		test.That(t, err, test.ShouldBeError, context.Canceled)
	})
}

func TestComputeInformation(t *testing.T) {
	img := renderPlane(0, r3.Vector{})
	info, count := ComputeInformation(img, img, testIntrinsics, spatialmath.NewZeroPose(), 0.1)
	test.That(t, count, test.ShouldEqual, testIntrinsics.Width*testIntrinsics.Height)
	// translation block accumulates one identity per correspondence
	test.That(t, info[3][3], test.ShouldAlmostEqual, float64(count))
	test.That(t, info[5][5], test.ShouldAlmostEqual, float64(count))
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			test.That(t, info[i][j], test.ShouldAlmostEqual, info[j][i])
		}
	}
}
