package rimage

var (
	sobelX    = [3][3]float32{{-1, 0, 1}, {-2, 0, 2}, {-1, 0, 1}}
	sobelY    = [3][3]float32{{-1, -2, -1}, {0, 0, 0}, {1, 2, 1}}
	gaussian3 = [3][3]float32{{1, 2, 1}, {2, 4, 2}, {1, 2, 1}}
)

// convolve3 applies a 3x3 kernel with clamped borders and scales the result.
func (fi *FloatImage) convolve3(kernel [3][3]float32, scale float32) *FloatImage {
	out := NewFloatImage(fi.width, fi.height)
	for y := 0; y < fi.height; y++ {
		for x := 0; x < fi.width; x++ {
			var acc float32
			for ky := -1; ky <= 1; ky++ {
				yy := clampIndex(y+ky, fi.height)
				for kx := -1; kx <= 1; kx++ {
					xx := clampIndex(x+kx, fi.width)
					acc += kernel[ky+1][kx+1] * fi.Get(xx, yy)
				}
			}
			out.Set(x, y, acc*scale)
		}
	}
	return out
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// SobelGradients returns the horizontal and vertical derivative images, normalized so a unit
// per-pixel ramp yields a gradient of one.
func (fi *FloatImage) SobelGradients() (*FloatImage, *FloatImage) {
	return fi.convolve3(sobelX, 1.0/8), fi.convolve3(sobelY, 1.0/8)
}

// Downsample blurs with a 3x3 Gaussian and keeps every other pixel.
func (fi *FloatImage) Downsample() *FloatImage {
	blurred := fi.convolve3(gaussian3, 1.0/16)
	w, h := fi.width/2, fi.height/2
	out := NewFloatImage(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.Set(x, y, blurred.Get(2*x, 2*y))
		}
	}
	return out
}
