package pointcloud

import (
	"image/color"
	"math"
	"sort"

	"github.com/golang/geo/r3"
)

type voxelKey struct {
	x, y, z int64
}

type voxelAccum struct {
	sum        r3.Vector
	r, g, b    float64
	n, colored int
}

// VoxelGridDownsample replaces all points falling in the same cube of edge size with their
// centroid and mean color. The output order is sorted by voxel coordinate.
func VoxelGridDownsample(cloud PointCloud, size float64) PointCloud {
	if size <= 0 {
		return CloneToBasic(cloud)
	}
	cells := map[voxelKey]*voxelAccum{}
	cloud.Iterate(0, 0, func(p r3.Vector, d Data) bool {
		k := voxelKey{
			int64(math.Floor(p.X / size)),
			int64(math.Floor(p.Y / size)),
			int64(math.Floor(p.Z / size)),
		}
		acc, ok := cells[k]
		if !ok {
			acc = &voxelAccum{}
			cells[k] = acc
		}
		acc.sum = acc.sum.Add(p)
		acc.n++
		if d != nil && d.HasColor() {
			r, g, b := d.RGB255()
			acc.r += float64(r)
			acc.g += float64(g)
			acc.b += float64(b)
			acc.colored++
		}
		return true
	})

	keys := make([]voxelKey, 0, len(cells))
	for k := range cells {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.x != b.x {
			return a.x < b.x
		}
		if a.y != b.y {
			return a.y < b.y
		}
		return a.z < b.z
	})

	out := NewWithPrealloc(len(keys))
	for _, k := range keys {
		acc := cells[k]
		var d Data = NewBasicData()
		if acc.colored > 0 {
			n := float64(acc.colored)
			d = NewColoredData(color.NRGBA{
				R: uint8(math.Round(acc.r / n)),
				G: uint8(math.Round(acc.g / n)),
				B: uint8(math.Round(acc.b / n)),
				A: 255,
			})
		}
		//nolint:errcheck
		out.Set(acc.sum.Mul(1/float64(acc.n)), d)
	}
	return out
}

func isFinite(p r3.Vector) bool {
	for _, v := range []float64{p.X, p.Y, p.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
