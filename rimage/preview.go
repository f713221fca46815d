package rimage

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
)

// DepthPreview colorizes a depth map for display: near samples are red, far samples blue and
// invalid samples black. Depths outside [hardMin, hardMax] are clamped; when both are zero the
// map's own valid range is used.
func DepthPreview(dm *DepthMap, hardMin, hardMax float32) *image.NRGBA {
	lo, hi := hardMin, hardMax
	if lo == 0 && hi == 0 {
		lo, hi = dm.MinMax()
	}
	span := hi - lo
	if span <= 0 {
		span = 1
	}
	out := image.NewNRGBA(dm.Bounds())
	for y := 0; y < dm.Height(); y++ {
		for x := 0; x < dm.Width(); x++ {
			d := dm.GetDepth(x, y)
			if !IsValidDepth(d) {
				out.SetNRGBA(x, y, color.NRGBA{A: 255})
				continue
			}
			t := float64((d - lo) / span)
			if t < 0 {
				t = 0
			} else if t > 1 {
				t = 1
			}
			r, g, b := colorful.Hsv(240*t, 1, 1).Clamped().RGB255()
			out.SetNRGBA(x, y, color.NRGBA{R: r, G: g, B: b, A: 255})
		}
	}
	return out
}

// SaveDepthPreview writes a colorized depth preview, scaled to width pixels wide when width is
// positive. The format is chosen from the file extension.
func SaveDepthPreview(dm *DepthMap, path string, width int) error {
	var img image.Image = DepthPreview(dm, 0, 0)
	if width > 0 && width != dm.Width() {
		img = imaging.Resize(img, width, 0, imaging.NearestNeighbor)
	}
	if err := imaging.Save(img, path); err != nil {
		return errors.Wrapf(err, "cannot save depth preview to %q", path)
	}
	return nil
}
