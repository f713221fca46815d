// Package transform holds the camera models used to move between pixels and 3D points.
package transform

import (
	"encoding/json"
	"fmt"
	"image/color"
	"io"
	"os"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"gonum.org/v1/gonum/mat"

	"github.com/regardrgbd/rgbdscan/pointcloud"
	"github.com/regardrgbd/rgbdscan/rimage"
	"github.com/regardrgbd/rgbdscan/spatialmath"
)

// ErrNoIntrinsics is when a camera does not have intrinsics parameters or other parameters.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// NewNoIntrinsicsError is used when the intrinsics are not defined.
func NewNoIntrinsicsError(msg string) error {
	return errors.Wrap(ErrNoIntrinsics, msg)
}

// PinholeCameraIntrinsics holds the parameters necessary to do a perspective projection of a 3D scene to the 2D plane.
type PinholeCameraIntrinsics struct {
	Width  int     `json:"width_px"`
	Height int     `json:"height_px"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Ppx    float64 `json:"ppx"`
	Ppy    float64 `json:"ppy"`
}

// NewCalibratedVGAIntrinsics returns the factory calibration of the structured-light sensor the
// pipeline was tuned on, at 640x480.
func NewCalibratedVGAIntrinsics() *PinholeCameraIntrinsics {
	return &PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 542.7693, Fy: 544.396, Ppx: 318.79, Ppy: 239.99}
}

// NewPrimeSenseDefaultIntrinsics returns the nominal PrimeSense 640x480 model.
func NewPrimeSenseDefaultIntrinsics() *PinholeCameraIntrinsics {
	return &PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 525, Fy: 525, Ppx: 319.5, Ppy: 239.5}
}

// Camera models known to IntrinsicsPreset.
const (
	CalibratedVGAModel = "calibrated_vga"
	PrimeSenseModel    = "primesense"
)

// IntrinsicsPreset returns the named camera model. An empty name selects the calibrated VGA model.
func IntrinsicsPreset(name string) (*PinholeCameraIntrinsics, error) {
	switch name {
	case "", CalibratedVGAModel:
		return NewCalibratedVGAIntrinsics(), nil
	case PrimeSenseModel:
		return NewPrimeSenseDefaultIntrinsics(), nil
	default:
		return nil, NewNoIntrinsicsError(fmt.Sprintf("unknown camera model %q", name))
	}
}

// CheckValid checks if the fields for PinholeCameraIntrinsics have valid inputs.
func (params *PinholeCameraIntrinsics) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("Intrinsics do not exist")
	}
	if params.Width <= 0 || params.Height <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid size (%#v, %#v)", params.Width, params.Height))
	}
	if params.Fx <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fx = %#v", params.Fx))
	}
	if params.Fy <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fy = %#v", params.Fy))
	}
	if params.Ppx < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal X point Ppx = %#v", params.Ppx))
	}
	if params.Ppy < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal Y point Ppy = %#v", params.Ppy))
	}
	return nil
}

// NewPinholeCameraIntrinsicsFromJSONFile takes in a file path to a JSON and turns it into PinholeCameraIntrinsics.
func NewPinholeCameraIntrinsicsFromJSONFile(jsonPath string) (*PinholeCameraIntrinsics, error) {
	//nolint:gosec
	jsonFile, err := os.Open(jsonPath)
	if err != nil {
		return nil, errors.Wrap(err, "error opening JSON file")
	}
	defer goutils.UncheckedErrorFunc(jsonFile.Close)
	byteValue, err := io.ReadAll(jsonFile)
	if err != nil {
		return nil, errors.Wrap(err, "error reading JSON data")
	}
	intrinsics := &PinholeCameraIntrinsics{}
	if err := json.Unmarshal(byteValue, intrinsics); err != nil {
		return nil, errors.Wrap(err, "error parsing JSON string")
	}
	return intrinsics, intrinsics.CheckValid()
}

// CheckImageSize returns an error when an image of the given size was not produced by this camera.
func (params *PinholeCameraIntrinsics) CheckImageSize(width, height int) error {
	if params.Width != width || params.Height != height {
		return errors.Errorf("img dimension and intrinsics don't match Image(%d,%d) != Intrinsics(%d,%d)",
			width, height, params.Width, params.Height)
	}
	return nil
}

// PixelToPoint transforms a pixel with depth to a 3D point in the camera frame.
func (params *PinholeCameraIntrinsics) PixelToPoint(x, y, z float64) (float64, float64, float64) {
	xOverZ := (x - params.Ppx) / params.Fx
	yOverZ := (y - params.Ppy) / params.Fy
	return xOverZ * z, yOverZ * z, z
}

// PointToPixel projects a 3D point in the camera frame onto the image plane without rounding.
// Points at or behind the camera project to (-1, -1) so bounds checks reject them.
func (params *PinholeCameraIntrinsics) PointToPixel(x, y, z float64) (float64, float64) {
	if z <= 0 {
		return -1.0, -1.0
	}
	return (x/z)*params.Fx + params.Ppx, (y/z)*params.Fy + params.Ppy
}

// ProjectionJacobian returns the derivatives of the projected pixel (u, v) of camera-frame point p
// with respect to a left-multiplied twist perturbation (rx, ry, rz, tx, ty, tz) of the pose that
// produced p.
func (params *PinholeCameraIntrinsics) ProjectionJacobian(p r3.Vector) ([6]float64, [6]float64) {
	invZ := 1 / p.Z
	du := [3]float64{params.Fx * invZ, 0, -params.Fx * p.X * invZ * invZ}
	dv := [3]float64{0, params.Fy * invZ, -params.Fy * p.Y * invZ * invZ}
	// dp/dξ = [-[p]x | I]
	g := [3][6]float64{
		{0, p.Z, -p.Y, 1, 0, 0},
		{-p.Z, 0, p.X, 0, 1, 0},
		{p.Y, -p.X, 0, 0, 0, 1},
	}
	var ju, jv [6]float64
	for k := 0; k < 6; k++ {
		ju[k] = du[0]*g[0][k] + du[1]*g[1][k] + du[2]*g[2][k]
		jv[k] = dv[0]*g[0][k] + dv[1]*g[1][k] + dv[2]*g[2][k]
	}
	return ju, jv
}

// Downscale returns the intrinsics for an image subsampled by 2^level, matching pyramids built by
// keeping every other pixel.
func (params *PinholeCameraIntrinsics) Downscale(level int) *PinholeCameraIntrinsics {
	out := *params
	for i := 0; i < level; i++ {
		out.Width /= 2
		out.Height /= 2
		out.Fx /= 2
		out.Fy /= 2
		out.Ppx /= 2
		out.Ppy /= 2
	}
	return &out
}

// GetCameraMatrix creates a new camera matrix and returns it.
// Camera matrix:
// [[fx 0 ppx],
//
//	[0 fy ppy],
//	[0 0  1]]
func (params *PinholeCameraIntrinsics) GetCameraMatrix() *mat.Dense {
	cameraMatrix := mat.NewDense(3, 3, nil)
	cameraMatrix.Set(0, 0, params.Fx)
	cameraMatrix.Set(1, 1, params.Fy)
	cameraMatrix.Set(0, 2, params.Ppx)
	cameraMatrix.Set(1, 2, params.Ppy)
	cameraMatrix.Set(2, 2, 1)
	return cameraMatrix
}

// RGBDToPointCloud back-projects every stride-th valid pixel of img and maps it through
// cameraToWorld. Pass spatialmath.NewZeroPose() to stay in the camera frame.
func (params *PinholeCameraIntrinsics) RGBDToPointCloud(
	img *rimage.RGBDImage,
	cameraToWorld spatialmath.Pose,
	stride int,
) (pointcloud.PointCloud, error) {
	if err := params.CheckImageSize(img.Width(), img.Height()); err != nil {
		return nil, err
	}
	if stride < 1 {
		stride = 1
	}
	pc := pointcloud.NewWithPrealloc(img.Depth.ValidCount() / (stride * stride))
	for y := 0; y < img.Height(); y += stride {
		for x := 0; x < img.Width(); x += stride {
			d := img.Depth.GetDepth(x, y)
			if !rimage.IsValidDepth(d) {
				continue
			}
			px, py, pz := params.PixelToPoint(float64(x), float64(y), float64(d))
			c := img.Color.NRGBAAt(x, y)
			world := cameraToWorld.Transform(r3.Vector{X: px, Y: py, Z: pz})
			if err := pc.Set(world, pointcloud.NewColoredData(color.NRGBA{R: c.R, G: c.G, B: c.B, A: 255})); err != nil {
				return nil, err
			}
		}
	}
	return pc, nil
}
