package mesh

import (
	"context"
	"image/color"
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/regardrgbd/rgbdscan/rimage"
	"github.com/regardrgbd/rgbdscan/rimage/transform"
	"github.com/regardrgbd/rgbdscan/spatialmath"
	"github.com/regardrgbd/rgbdscan/utils"
)

// ColorMapOption configures ColorMapOptimize.
type ColorMapOption struct {
	// MaxIterations of rigid camera refinement; zero only averages colors.
	MaxIterations int `json:"color_map_iterations"`
	// DepthThreshold is how far, in meters, a vertex may sit from the observed depth and still
	// count as visible in a frame.
	DepthThreshold float64 `json:"depth_threshold_m"`
	// ImageBoundaryMargin excludes projections this many pixels from the image edge.
	ImageBoundaryMargin int `json:"image_boundary_margin_px"`
	// Damping is added to the diagonal of each camera's normal equations.
	Damping float64 `json:"damping"`
}

// DefaultColorMapOption returns the settings used by finalize.
func DefaultColorMapOption() ColorMapOption {
	return ColorMapOption{
		MaxIterations:       10,
		DepthThreshold:      0.03,
		ImageBoundaryMargin: 10,
		Damping:             1e-6,
	}
}

type colorView struct {
	img        *rimage.RGBDImage
	dx, dy     *rimage.FloatImage
	extrinsic  spatialmath.Pose
	visible    []int
	visWeights []float64
}

func (cv *colorView) project(in *transform.PinholeCameraIntrinsics, v r3.Vector) (r3.Vector, float64, float64) {
	p := cv.extrinsic.Transform(v)
	u, w := in.PointToPixel(p.X, p.Y, p.Z)
	return p, u, w
}

// ColorMapOptimize colors m from the given frames. Each vertex is projected into every frame it
// is visible in, judged by the depth map at the initial poses, and its color is the
// view-angle-weighted average of its observations. With MaxIterations > 0 the camera poses are
// first refined rigidly to maximize photometric consistency between frames. It returns the
// colored mesh and the refined world-to-camera poses; m and extrinsics are not modified.
func ColorMapOptimize(
	ctx context.Context,
	m *Mesh,
	images []*rimage.RGBDImage,
	extrinsics []spatialmath.Pose,
	intrinsics *transform.PinholeCameraIntrinsics,
	opt ColorMapOption,
	logger golog.Logger,
) (*Mesh, []spatialmath.Pose, error) {
	if len(images) != len(extrinsics) {
		return nil, nil, errors.Errorf("got %d images but %d poses", len(images), len(extrinsics))
	}
	if err := intrinsics.CheckValid(); err != nil {
		return nil, nil, err
	}
	out := m.Clone()
	if !out.HasNormals() {
		out.ComputeVertexNormals()
	}

	views := make([]*colorView, len(images))
	for k, img := range images {
		if err := intrinsics.CheckImageSize(img.Width(), img.Height()); err != nil {
			return nil, nil, errors.Wrapf(err, "frame %d", k)
		}
		dx, dy := img.Intensity.SobelGradients()
		views[k] = &colorView{img: img, dx: dx, dy: dy, extrinsic: extrinsics[k]}
	}
	for _, cv := range views {
		computeVisibility(cv, out, intrinsics, opt)
	}

	for iter := 0; iter < opt.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		proxy, seen := proxyIntensity(views, out, intrinsics)
		var total float64
		costs := make([]float64, len(views))
		err := utils.GroupWorkParallel(ctx, len(views), func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			return func(memberNum, workNum int) {
				costs[workNum] = refineView(views[workNum], out, proxy, seen, intrinsics, opt.Damping)
			}, nil
		})
		if err != nil {
			return nil, nil, err
		}
		for _, c := range costs {
			total += c
		}
		logger.Debugw("color map iteration", "iteration", iter, "photometric_error", total)
	}

	assignColors(views, out, intrinsics)
	poses := make([]spatialmath.Pose, len(views))
	for k, cv := range views {
		poses[k] = cv.extrinsic
	}
	return out, poses, nil
}

func computeVisibility(cv *colorView, m *Mesh, in *transform.PinholeCameraIntrinsics, opt ColorMapOption) {
	margin := float64(opt.ImageBoundaryMargin)
	w, h := float64(cv.img.Width()), float64(cv.img.Height())
	for i, v := range m.Vertices {
		p, u, vv := cv.project(in, v)
		if p.Z <= 0 || u < margin || vv < margin || u >= w-1-margin || vv >= h-1-margin {
			continue
		}
		d := cv.img.Depth.GetDepth(int(math.Round(u)), int(math.Round(vv)))
		if !rimage.IsValidDepth(d) || math.Abs(float64(d)-p.Z) > opt.DepthThreshold {
			continue
		}
		weight := 1.0
		if m.HasNormals() {
			n := cv.extrinsic.Rotate(m.Normals[i])
			weight = math.Max(math.Abs(n.Dot(p.Normalize())), 0.05)
		}
		cv.visible = append(cv.visible, i)
		cv.visWeights = append(cv.visWeights, weight)
	}
}

// proxyIntensity averages each vertex's intensity over the frames it is visible in.
func proxyIntensity(views []*colorView, m *Mesh, in *transform.PinholeCameraIntrinsics) ([]float64, []bool) {
	sum := make([]float64, len(m.Vertices))
	wsum := make([]float64, len(m.Vertices))
	for _, cv := range views {
		for j, i := range cv.visible {
			_, u, v := cv.project(in, m.Vertices[i])
			val, ok := cv.img.Intensity.Bilinear(u, v)
			if !ok {
				continue
			}
			sum[i] += cv.visWeights[j] * float64(val)
			wsum[i] += cv.visWeights[j]
		}
	}
	seen := make([]bool, len(m.Vertices))
	for i := range sum {
		if wsum[i] > 0 {
			sum[i] /= wsum[i]
			seen[i] = true
		}
	}
	return sum, seen
}

// refineView takes one damped Gauss-Newton step on the pose of a single view and returns the
// photometric error before the step.
func refineView(cv *colorView, m *Mesh, proxy []float64, seen []bool, in *transform.PinholeCameraIntrinsics, damping float64) float64 {
	var jtj [6][6]float64
	var jtr [6]float64
	var cost float64
	n := 0
	for _, i := range cv.visible {
		if !seen[i] {
			continue
		}
		p, u, v := cv.project(in, m.Vertices[i])
		if p.Z <= 0 {
			continue
		}
		val, ok := cv.img.Intensity.Bilinear(u, v)
		gx, okX := cv.dx.Bilinear(u, v)
		gy, okY := cv.dy.Bilinear(u, v)
		if !ok || !okX || !okY {
			continue
		}
		r := float64(val) - proxy[i]
		ju, jv := in.ProjectionJacobian(p)
		var j [6]float64
		for k := 0; k < 6; k++ {
			j[k] = float64(gx)*ju[k] + float64(gy)*jv[k]
		}
		for a := 0; a < 6; a++ {
			for b := 0; b < 6; b++ {
				jtj[a][b] += j[a] * j[b]
			}
			jtr[a] += j[a] * r
		}
		cost += r * r
		n++
	}
	if n < 6 {
		return cost
	}
	data := make([]float64, 36)
	for a := 0; a < 6; a++ {
		for b := 0; b < 6; b++ {
			data[a*6+b] = jtj[a][b]
		}
		data[a*6+a] += damping * (1 + jtj[a][a])
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(mat.NewSymDense(6, data)); !ok {
		return cost
	}
	rhs := mat.NewVecDense(6, []float64{-jtr[0], -jtr[1], -jtr[2], -jtr[3], -jtr[4], -jtr[5]})
	var delta mat.VecDense
	if err := chol.SolveVecTo(&delta, rhs); err != nil {
		return cost
	}
	var xi spatialmath.Twist
	for k := 0; k < 6; k++ {
		xi[k] = delta.AtVec(k)
	}
	next := spatialmath.Compose(spatialmath.ExpSE3(xi), cv.extrinsic).Orthonormalize()
	if next.IsFinite() {
		cv.extrinsic = next
	}
	return cost
}

func assignColors(views []*colorView, m *Mesh, in *transform.PinholeCameraIntrinsics) {
	sums := make([][3]float64, len(m.Vertices))
	wsum := make([]float64, len(m.Vertices))
	for _, cv := range views {
		for j, i := range cv.visible {
			_, u, v := cv.project(in, m.Vertices[i])
			x, y := int(math.Round(u)), int(math.Round(v))
			if !inFrame(cv.img, x, y) {
				continue
			}
			c := cv.img.Color.NRGBAAt(x, y)
			w := cv.visWeights[j]
			sums[i][0] += w * float64(c.R)
			sums[i][1] += w * float64(c.G)
			sums[i][2] += w * float64(c.B)
			wsum[i] += w
		}
	}
	if !m.HasColors() {
		m.Colors = make([]color.NRGBA, len(m.Vertices))
		for i := range m.Colors {
			m.Colors[i] = color.NRGBA{R: 128, G: 128, B: 128, A: 255}
		}
	}
	for i := range m.Vertices {
		if wsum[i] == 0 {
			continue
		}
		m.Colors[i] = color.NRGBA{
			R: utils.ClampUint8(sums[i][0] / wsum[i]),
			G: utils.ClampUint8(sums[i][1] / wsum[i]),
			B: utils.ClampUint8(sums[i][2] / wsum[i]),
			A: 255,
		}
	}
}

func inFrame(img *rimage.RGBDImage, x, y int) bool {
	return x >= 0 && y >= 0 && x < img.Width() && y < img.Height()
}
