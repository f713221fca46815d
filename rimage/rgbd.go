package rimage

import (
	"image"
	"image/color"

	"github.com/pkg/errors"
)

// RGBDImage is a registered metric depth map with its color image and derived intensity.
type RGBDImage struct {
	Index     int
	Depth     *DepthMap
	Color     *image.NRGBA
	Intensity *FloatImage
}

// ConvertColor copies an RGB8 frame into an NRGBA image.
func ConvertColor(f *Frame) (*image.NRGBA, error) {
	if f.Kind != StreamColor {
		return nil, errors.Errorf("expected a color frame but got %s", f.Kind)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	img := image.NewNRGBA(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			r, g, b := f.RGBAt(x, y)
			img.SetNRGBA(x, y, color.NRGBA{R: r, G: g, B: b, A: 255})
		}
	}
	return img, nil
}

// NewRGBDImage converts a frame pair. Depth and color must share the same dimensions.
func NewRGBDImage(pair FramePair, depthScale, maxDepth float64) (*RGBDImage, error) {
	if pair.Depth == nil || pair.Color == nil {
		return nil, errors.New("frame pair is missing a stream")
	}
	if pair.Depth.Index != pair.Color.Index {
		return nil, errors.Errorf("frame pair indices differ: depth %d color %d", pair.Depth.Index, pair.Color.Index)
	}
	if pair.Depth.Width != pair.Color.Width || pair.Depth.Height != pair.Color.Height {
		return nil, errors.Errorf("depth and color dimensions don't match Depth(%d,%d) != Color(%d,%d)",
			pair.Depth.Width, pair.Depth.Height, pair.Color.Width, pair.Color.Height)
	}
	depth, err := ConvertDepth(pair.Depth, depthScale, maxDepth)
	if err != nil {
		return nil, err
	}
	col, err := ConvertColor(pair.Color)
	if err != nil {
		return nil, err
	}
	return &RGBDImage{Index: pair.Depth.Index, Depth: depth, Color: col, Intensity: IntensityFromNRGBA(col)}, nil
}

// Width returns the image width.
func (img *RGBDImage) Width() int {
	return img.Depth.Width()
}

// Height returns the image height.
func (img *RGBDImage) Height() int {
	return img.Depth.Height()
}

// Clone returns a deep copy.
func (img *RGBDImage) Clone() *RGBDImage {
	col := image.NewNRGBA(img.Color.Rect)
	copy(col.Pix, img.Color.Pix)
	return &RGBDImage{Index: img.Index, Depth: img.Depth.Clone(), Color: col, Intensity: img.Intensity.Clone()}
}
