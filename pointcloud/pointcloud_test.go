package pointcloud

import (
	"bytes"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func makeTestCloud(t *testing.T) PointCloud {
	t.Helper()
	pc := New()
	test.That(t, pc.Set(r3.Vector{X: 0.5, Y: -1, Z: 2}, NewColoredData(color.NRGBA{R: 10, G: 20, B: 30, A: 255})), test.ShouldBeNil)
	test.That(t, pc.Set(r3.Vector{X: 1.25, Y: 0, Z: 3}, NewColoredData(color.NRGBA{R: 200, G: 100, B: 0, A: 255})), test.ShouldBeNil)
	return pc
}

func TestBasicCloud(t *testing.T) {
	pc := makeTestCloud(t)
	test.That(t, pc.Size(), test.ShouldEqual, 2)
	meta := pc.MetaData()
	test.That(t, meta.HasColor, test.ShouldBeTrue)
	test.That(t, meta.MinX, test.ShouldEqual, 0.5)
	test.That(t, meta.MaxZ, test.ShouldEqual, 3.0)

	err := pc.Set(r3.Vector{X: math.NaN()}, nil)
	test.That(t, err, test.ShouldNotBeNil)

	count := 0
	pc.Iterate(2, 1, func(p r3.Vector, d Data) bool {
		count++
		test.That(t, p.X, test.ShouldEqual, 1.25)
		return true
	})
	test.That(t, count, test.ShouldEqual, 1)
}

func TestPCDRoundTrip(t *testing.T) {
	pc := makeTestCloud(t)
	for _, typ := range []PCDType{PCDAscii, PCDBinary} {
		var buf bytes.Buffer
		test.That(t, ToPCD(pc, &buf, typ), test.ShouldBeNil)
		got, err := ReadPCD(&buf)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got.Size(), test.ShouldEqual, 2)
		var pts []r3.Vector
		var reds []uint8
		got.Iterate(0, 0, func(p r3.Vector, d Data) bool {
			pts = append(pts, p)
			r, _, _ := d.RGB255()
			reds = append(reds, r)
			return true
		})
		test.That(t, pts[1].X, test.ShouldAlmostEqual, 1.25, 1e-6)
		test.That(t, pts[0].Y, test.ShouldAlmostEqual, -1, 1e-6)
		test.That(t, reds, test.ShouldResemble, []uint8{10, 200})
	}

	_, err := ReadPCD(bytes.NewBufferString("VERSION .6\n"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestWriteToPCDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.pcd")
	test.That(t, WriteToPCDFile(makeTestCloud(t), path, PCDBinary), test.ShouldBeNil)
	f, err := os.Open(path)
	test.That(t, err, test.ShouldBeNil)
	defer f.Close()
	got, err := ReadPCD(f)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Size(), test.ShouldEqual, 2)
}

func TestVoxelGridDownsample(t *testing.T) {
	pc := New()
	test.That(t, pc.Set(r3.Vector{X: 0.01, Y: 0.01, Z: 0.01}, NewColoredData(color.NRGBA{R: 100, A: 255})), test.ShouldBeNil)
	test.That(t, pc.Set(r3.Vector{X: 0.03, Y: 0.03, Z: 0.03}, NewColoredData(color.NRGBA{R: 200, A: 255})), test.ShouldBeNil)
	test.That(t, pc.Set(r3.Vector{X: 1, Y: 1, Z: 1}, NewBasicData()), test.ShouldBeNil)

	out := VoxelGridDownsample(pc, 0.1)
	test.That(t, out.Size(), test.ShouldEqual, 2)
	first := true
	out.Iterate(0, 0, func(p r3.Vector, d Data) bool {
		if first {
			test.That(t, p.X, test.ShouldAlmostEqual, 0.02, 1e-9)
			r, _, _ := d.RGB255()
			test.That(t, r, test.ShouldEqual, uint8(150))
			first = false
		} else {
			test.That(t, d.HasColor(), test.ShouldBeFalse)
		}
		return true
	})
}
