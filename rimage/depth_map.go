package rimage

import (
	"image"
	"math"

	"github.com/pkg/errors"
)

// InvalidDepth marks a depth sample with no usable measurement.
const InvalidDepth float32 = 0

// IsValidDepth reports whether d is a usable metric depth.
func IsValidDepth(d float32) bool {
	return d > 0 && !math.IsInf(float64(d), 0)
}

// DepthMap is a row-major grid of depths in meters.
type DepthMap struct {
	width  int
	height int
	data   []float32
}

// NewEmptyDepthMap returns a depth map with every sample invalid.
func NewEmptyDepthMap(width, height int) *DepthMap {
	return &DepthMap{width: width, height: height, data: make([]float32, width*height)}
}

// Width returns the horizontal size in pixels.
func (dm *DepthMap) Width() int {
	return dm.width
}

// Height returns the vertical size in pixels.
func (dm *DepthMap) Height() int {
	return dm.height
}

// Bounds returns the rectangle covered by the map.
func (dm *DepthMap) Bounds() image.Rectangle {
	return image.Rect(0, 0, dm.width, dm.height)
}

// Contains reports whether (x, y) lies inside the map.
func (dm *DepthMap) Contains(x, y int) bool {
	return x >= 0 && y >= 0 && x < dm.width && y < dm.height
}

// GetDepth returns the depth in meters at (x, y).
func (dm *DepthMap) GetDepth(x, y int) float32 {
	return dm.data[y*dm.width+x]
}

// Set stores depth d in meters at (x, y).
func (dm *DepthMap) Set(x, y int, d float32) {
	dm.data[y*dm.width+x] = d
}

// Clone returns a deep copy.
func (dm *DepthMap) Clone() *DepthMap {
	out := &DepthMap{width: dm.width, height: dm.height, data: make([]float32, len(dm.data))}
	copy(out.data, dm.data)
	return out
}

// ValidCount returns the number of valid samples.
func (dm *DepthMap) ValidCount() int {
	n := 0
	for _, d := range dm.data {
		if IsValidDepth(d) {
			n++
		}
	}
	return n
}

// MinMax returns the smallest and largest valid depth, or zeros when nothing is valid.
func (dm *DepthMap) MinMax() (float32, float32) {
	lo, hi := float32(math.MaxFloat32), float32(0)
	for _, d := range dm.data {
		if !IsValidDepth(d) {
			continue
		}
		if d < lo {
			lo = d
		}
		if d > hi {
			hi = d
		}
	}
	if hi == 0 {
		return 0, 0
	}
	return lo, hi
}

// ConvertDepth turns a raw depth frame into meters. Each sample is divided by scale; samples that
// are zero, non-finite or beyond maxDepth become InvalidDepth. A maxDepth of zero disables the
// upper cutoff.
func ConvertDepth(f *Frame, scale, maxDepth float64) (*DepthMap, error) {
	if f.Kind != StreamDepth {
		return nil, errors.Errorf("expected a depth frame but got %s", f.Kind)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if scale <= 0 {
		return nil, errors.Errorf("depth scale must be positive, got %v", scale)
	}
	dm := NewEmptyDepthMap(f.Width, f.Height)
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			raw := f.DepthAt(x, y)
			if raw == 0 {
				continue
			}
			d := float64(raw) / scale
			if math.IsNaN(d) || math.IsInf(d, 0) || (maxDepth > 0 && d > maxDepth) {
				continue
			}
			dm.Set(x, y, float32(d))
		}
	}
	return dm, nil
}

// Downsample halves the resolution, averaging the valid samples of each 2x2 block. A block
// whose valid samples disagree by more than maxDiff meters is left invalid.
func (dm *DepthMap) Downsample(maxDiff float32) *DepthMap {
	w, h := dm.width/2, dm.height/2
	out := NewEmptyDepthMap(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum float32
			var n int
			lo, hi := float32(math.MaxFloat32), float32(0)
			for dy := 0; dy < 2; dy++ {
				for dx := 0; dx < 2; dx++ {
					d := dm.GetDepth(2*x+dx, 2*y+dy)
					if !IsValidDepth(d) {
						continue
					}
					sum += d
					n++
					lo = float32(math.Min(float64(lo), float64(d)))
					hi = float32(math.Max(float64(hi), float64(d)))
				}
			}
			if n == 0 || (maxDiff > 0 && hi-lo > maxDiff) {
				continue
			}
			out.Set(x, y, sum/float32(n))
		}
	}
	return out
}
