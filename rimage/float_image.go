package rimage

import (
	"image"
	"image/color"
)

// FloatImage is a single-channel row-major image of float32 values. It carries intensity images
// and their gradients.
type FloatImage struct {
	width  int
	height int
	data   []float32
}

// NewFloatImage returns a zero-filled image.
func NewFloatImage(width, height int) *FloatImage {
	return &FloatImage{width: width, height: height, data: make([]float32, width*height)}
}

// Width returns the horizontal size in pixels.
func (fi *FloatImage) Width() int {
	return fi.width
}

// Height returns the vertical size in pixels.
func (fi *FloatImage) Height() int {
	return fi.height
}

// Get returns the value at (x, y).
func (fi *FloatImage) Get(x, y int) float32 {
	return fi.data[y*fi.width+x]
}

// Set stores v at (x, y).
func (fi *FloatImage) Set(x, y int, v float32) {
	fi.data[y*fi.width+x] = v
}

// Clone returns a deep copy.
func (fi *FloatImage) Clone() *FloatImage {
	out := NewFloatImage(fi.width, fi.height)
	copy(out.data, fi.data)
	return out
}

// Bilinear samples the image at a sub-pixel location. ok is false when the 2x2 neighbourhood
// is not fully inside the image.
func (fi *FloatImage) Bilinear(u, v float64) (float32, bool) {
	x0, y0 := int(u), int(v)
	if u < 0 || v < 0 || x0+1 >= fi.width || y0+1 >= fi.height {
		return 0, false
	}
	ax, ay := float32(u-float64(x0)), float32(v-float64(y0))
	top := fi.Get(x0, y0)*(1-ax) + fi.Get(x0+1, y0)*ax
	bottom := fi.Get(x0, y0+1)*(1-ax) + fi.Get(x0+1, y0+1)*ax
	return top*(1-ay) + bottom*ay, true
}

// IntensityFromNRGBA converts color to luminance in [0, 1] using ITU-R 601 weights.
func IntensityFromNRGBA(img *image.NRGBA) *FloatImage {
	b := img.Bounds()
	out := NewFloatImage(b.Dx(), b.Dy())
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := img.NRGBAAt(b.Min.X+x, b.Min.Y+y)
			out.Set(x, y, (0.299*float32(c.R)+0.587*float32(c.G)+0.114*float32(c.B))/255)
		}
	}
	return out
}

// ToGray renders values in [0, 1] as an 8-bit grey image.
func (fi *FloatImage) ToGray() *image.Gray {
	out := image.NewGray(image.Rect(0, 0, fi.width, fi.height))
	for y := 0; y < fi.height; y++ {
		for x := 0; x < fi.width; x++ {
			v := fi.Get(x, y)
			if v < 0 {
				v = 0
			} else if v > 1 {
				v = 1
			}
			out.SetGray(x, y, color.Gray{Y: uint8(v*255 + 0.5)})
		}
	}
	return out
}
