// Package odometry estimates the rigid motion between consecutive RGBD frames.
package odometry

import (
	"context"
	"image"
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"gonum.org/v1/gonum/mat"

	"github.com/regardrgbd/rgbdscan/rimage"
	"github.com/regardrgbd/rgbdscan/rimage/transform"
	"github.com/regardrgbd/rgbdscan/spatialmath"
	"github.com/regardrgbd/rgbdscan/utils"
)

// Option tunes a single odometry estimate.
type Option struct {
	// IterationsPerLevel is the Gauss-Newton budget per pyramid level, coarsest level first.
	IterationsPerLevel []int `json:"iterations_per_level"`
	// MaxDepthDiff is the largest depth disagreement, in meters, for two pixels to correspond.
	MaxDepthDiff float64 `json:"max_depth_diff_m"`
	// PhotometricWeight balances intensity residuals against depth residuals, in [0, 1].
	PhotometricWeight float64 `json:"photometric_weight"`
	// MinCorrespondenceRatio is the fraction of valid source pixels that must find a
	// correspondence at the finest level for the estimate to count as a success.
	MinCorrespondenceRatio float64 `json:"min_correspondence_ratio"`
	// MaxTranslation rejects estimates that move the camera further than this, in meters.
	MaxTranslation float64 `json:"max_translation_m"`
}

// DefaultOption returns the settings used between consecutive frames.
func DefaultOption() Option {
	return Option{
		IterationsPerLevel:     []int{20, 10, 5},
		MaxDepthDiff:           0.2,
		PhotometricWeight:      0.05,
		MinCorrespondenceRatio: 0.1,
		MaxTranslation:         0.5,
	}
}

// Validate checks that the option can drive an estimate.
func (o Option) Validate() error {
	if len(o.IterationsPerLevel) == 0 {
		return errors.New("odometry needs at least one pyramid level")
	}
	for i, n := range o.IterationsPerLevel {
		if n <= 0 {
			return errors.Errorf("pyramid level %d has non-positive iteration count %d", i, n)
		}
	}
	if o.MaxDepthDiff <= 0 {
		return errors.Errorf("max depth difference must be positive, got %v", o.MaxDepthDiff)
	}
	if o.PhotometricWeight < 0 || o.PhotometricWeight > 1 {
		return errors.Errorf("photometric weight must be in [0, 1], got %v", o.PhotometricWeight)
	}
	return nil
}

// Result is the outcome of an odometry estimate. A Result with Success false is a normal
// outcome, not an error: the frames simply could not be aligned.
type Result struct {
	Success bool
	// Transform maps points in the source camera frame into the target camera frame.
	Transform       spatialmath.Pose
	Information     spatialmath.Information
	Correspondences int
	Iterations      int
	Reason          string
}

// Estimator computes the relative motion between two RGBD images.
type Estimator interface {
	Estimate(
		ctx context.Context,
		source, target *rimage.RGBDImage,
		intrinsics *transform.PinholeCameraIntrinsics,
		initial spatialmath.Pose,
		opt Option,
	) (*Result, error)
}

// RGBDOdometry aligns frames with a coarse-to-fine Gauss-Newton solver over a photometric
// (intensity) and a geometric (depth) residual.
type RGBDOdometry struct {
	logger golog.Logger
}

// NewRGBDOdometry returns an Estimator.
func NewRGBDOdometry(logger golog.Logger) *RGBDOdometry {
	return &RGBDOdometry{logger: logger}
}

type pyramidLevel struct {
	intrinsics *transform.PinholeCameraIntrinsics
	depth      *rimage.DepthMap
	intensity  *rimage.FloatImage
	dIdx, dIdy *rimage.FloatImage
	dDdx, dDdy *rimage.FloatImage
	depthGradOK []bool
}

func buildPyramid(img *rimage.RGBDImage, intrinsics *transform.PinholeCameraIntrinsics, levels int, maxDiff float64) []*pyramidLevel {
	pyr := make([]*pyramidLevel, levels)
	depth, intensity := img.Depth, img.Intensity
	for l := 0; l < levels; l++ {
		if l > 0 {
			depth = depth.Downsample(float32(maxDiff))
			intensity = intensity.Downsample()
		}
		level := &pyramidLevel{intrinsics: intrinsics.Downscale(l), depth: depth, intensity: intensity}
		level.dIdx, level.dIdy = intensity.SobelGradients()
		level.computeDepthGradients()
		pyr[l] = level
	}
	return pyr
}

func (pl *pyramidLevel) computeDepthGradients() {
	w, h := pl.depth.Width(), pl.depth.Height()
	asFloat := rimage.NewFloatImage(w, h)
	pl.depthGradOK = make([]bool, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			asFloat.Set(x, y, pl.depth.GetDepth(x, y))
		}
	}
	pl.dDdx, pl.dDdy = asFloat.SobelGradients()
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			ok := true
			for dy := -1; dy <= 1 && ok; dy++ {
				for dx := -1; dx <= 1; dx++ {
					if !rimage.IsValidDepth(pl.depth.GetDepth(x+dx, y+dy)) {
						ok = false
						break
					}
				}
			}
			pl.depthGradOK[y*w+x] = ok
		}
	}
}

// normalEquations holds JᵀJ and Jᵀr accumulated over a set of correspondences.
type normalEquations struct {
	jtj   [6][6]float64
	jtr   [6]float64
	cost  float64
	count int
}

func (ne *normalEquations) add(j [6]float64, r float64) {
	for a := 0; a < 6; a++ {
		if j[a] == 0 {
			continue
		}
		for b := a; b < 6; b++ {
			ne.jtj[a][b] += j[a] * j[b]
		}
		ne.jtr[a] += j[a] * r
	}
	ne.cost += r * r
}

func (ne *normalEquations) merge(o *normalEquations) {
	for a := 0; a < 6; a++ {
		for b := a; b < 6; b++ {
			ne.jtj[a][b] += o.jtj[a][b]
		}
		ne.jtr[a] += o.jtr[a]
	}
	ne.cost += o.cost
	ne.count += o.count
}

// solve returns the twist minimizing the linearized cost, or false if the system is singular.
func (ne *normalEquations) solve() (spatialmath.Twist, bool) {
	data := make([]float64, 36)
	for a := 0; a < 6; a++ {
		for b := a; b < 6; b++ {
			data[a*6+b] = ne.jtj[a][b]
			data[b*6+a] = ne.jtj[a][b]
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(mat.NewSymDense(6, data)); !ok {
		return spatialmath.Twist{}, false
	}
	rhs := mat.NewVecDense(6, nil)
	for a := 0; a < 6; a++ {
		rhs.SetVec(a, -ne.jtr[a])
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, rhs); err != nil {
		return spatialmath.Twist{}, false
	}
	var xi spatialmath.Twist
	for a := 0; a < 6; a++ {
		xi[a] = x.AtVec(a)
	}
	return xi, true
}

// accumulate builds the normal equations for the current estimate at one pyramid level. Rows
// are processed in parallel into per-row partial sums that are then reduced in row order, so the
// result does not depend on scheduling.
func accumulate(src, tgt *pyramidLevel, tf spatialmath.Pose, maxDiff, wPhoto float64) *normalEquations {
	w, h := src.depth.Width(), src.depth.Height()
	in := src.intrinsics
	sqrtPhoto := math.Sqrt(wPhoto)
	sqrtGeo := math.Sqrt(1 - wPhoto)
	rows := make([]normalEquations, h)

	utils.ParallelForEachRow(image.Point{w, h}, func(y int) {
		ne := &rows[y]
		for x := 0; x < w; x++ {
			ds := src.depth.GetDepth(x, y)
			if !rimage.IsValidDepth(ds) {
				continue
			}
			px, py, pz := in.PixelToPoint(float64(x), float64(y), float64(ds))
			p := tf.Transform(r3.Vector{X: px, Y: py, Z: pz})
			if p.Z <= 0 {
				continue
			}
			uf, vf := in.PointToPixel(p.X, p.Y, p.Z)
			u, v := int(math.Round(uf)), int(math.Round(vf))
			if u < 1 || v < 1 || u >= w-1 || v >= h-1 {
				continue
			}
			dt := tgt.depth.GetDepth(u, v)
			if !rimage.IsValidDepth(dt) || math.Abs(float64(dt)-p.Z) > maxDiff {
				continue
			}
			if !tgt.depthGradOK[v*w+u] {
				continue
			}
			ju, jv := in.ProjectionJacobian(p)

			iu, iv := float64(tgt.dIdx.Get(u, v)), float64(tgt.dIdy.Get(u, v))
			var jPhoto [6]float64
			for k := 0; k < 6; k++ {
				jPhoto[k] = sqrtPhoto * (iu*ju[k] + iv*jv[k])
			}
			rPhoto := sqrtPhoto * float64(tgt.intensity.Get(u, v)-src.intensity.Get(x, y))
			ne.add(jPhoto, rPhoto)

			du, dv := float64(tgt.dDdx.Get(u, v)), float64(tgt.dDdy.Get(u, v))
			// d(z)/dξ is the third row of dp/dξ
			dz := [6]float64{p.Y, -p.X, 0, 0, 0, 1}
			var jGeo [6]float64
			for k := 0; k < 6; k++ {
				jGeo[k] = sqrtGeo * (du*ju[k] + dv*jv[k] - dz[k])
			}
			rGeo := sqrtGeo * (float64(dt) - p.Z)
			ne.add(jGeo, rGeo)
			ne.count++
		}
	})

	total := &normalEquations{}
	for y := range rows {
		total.merge(&rows[y])
	}
	return total
}

// Estimate aligns source to target starting from initial. The returned transform maps source
// camera points into the target camera frame.
func (o *RGBDOdometry) Estimate(
	ctx context.Context,
	source, target *rimage.RGBDImage,
	intrinsics *transform.PinholeCameraIntrinsics,
	initial spatialmath.Pose,
	opt Option,
) (*Result, error) {
	ctx, span := trace.StartSpan(ctx, "odometry::Estimate")
	defer span.End()
	if err := opt.Validate(); err != nil {
		return nil, err
	}
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	for _, img := range []*rimage.RGBDImage{source, target} {
		if err := intrinsics.CheckImageSize(img.Width(), img.Height()); err != nil {
			return nil, err
		}
	}

	levels := len(opt.IterationsPerLevel)
	srcPyr := buildPyramid(source, intrinsics, levels, opt.MaxDepthDiff)
	tgtPyr := buildPyramid(target, intrinsics, levels, opt.MaxDepthDiff)

	tf := initial
	iterations := 0
	var last *normalEquations
	for i, iters := range opt.IterationsPerLevel {
		l := levels - 1 - i
		for it := 0; it < iters; it++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			ne := accumulate(srcPyr[l], tgtPyr[l], tf, opt.MaxDepthDiff, opt.PhotometricWeight)
			last = ne
			iterations++
			if ne.count < 6 {
				return o.failure(iterations, ne.count, "too few correspondences at pyramid level"), nil
			}
			delta, ok := ne.solve()
			if !ok {
				return o.failure(iterations, ne.count, "singular normal equations"), nil
			}
			tf = spatialmath.Compose(spatialmath.ExpSE3(delta), tf).Orthonormalize()
			if delta.Norm() < 1e-6 {
				break
			}
		}
	}
	if !tf.IsFinite() {
		return o.failure(iterations, 0, "non-finite transform"), nil
	}
	if opt.MaxTranslation > 0 && tf.Point().Norm() > opt.MaxTranslation {
		return o.failure(iterations, last.count, "translation exceeds limit"), nil
	}

	info, count := ComputeInformation(source, target, intrinsics, tf, opt.MaxDepthDiff)
	valid := source.Depth.ValidCount()
	if valid == 0 || float64(count) < opt.MinCorrespondenceRatio*float64(valid) {
		return o.failure(iterations, count, "insufficient overlap"), nil
	}
	o.logger.Debugw("odometry converged", "source", source.Index, "target", target.Index,
		"iterations", iterations, "correspondences", count, "pose", tf)
	return &Result{Success: true, Transform: tf, Information: info, Correspondences: count, Iterations: iterations}, nil
}

func (o *RGBDOdometry) failure(iterations, correspondences int, reason string) *Result {
	o.logger.Debugw("odometry failed", "reason", reason, "iterations", iterations, "correspondences", correspondences)
	return &Result{
		Transform:       spatialmath.NewZeroPose(),
		Information:     spatialmath.NewIdentityInformation(),
		Correspondences: correspondences,
		Iterations:      iterations,
		Reason:          reason,
	}
}

// ComputeInformation returns the 6x6 information matrix of the alignment of source to target under
// tf, summing GᵀG over the transformed source points that find a depth correspondence within
// maxDiff. It also returns the correspondence count.
func ComputeInformation(
	source, target *rimage.RGBDImage,
	intrinsics *transform.PinholeCameraIntrinsics,
	tf spatialmath.Pose,
	maxDiff float64,
) (spatialmath.Information, int) {
	var info spatialmath.Information
	count := 0
	w, h := source.Width(), source.Height()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			ds := source.Depth.GetDepth(x, y)
			if !rimage.IsValidDepth(ds) {
				continue
			}
			px, py, pz := intrinsics.PixelToPoint(float64(x), float64(y), float64(ds))
			p := tf.Transform(r3.Vector{X: px, Y: py, Z: pz})
			if p.Z <= 0 {
				continue
			}
			uf, vf := intrinsics.PointToPixel(p.X, p.Y, p.Z)
			u, v := int(math.Round(uf)), int(math.Round(vf))
			if u < 0 || v < 0 || u >= w || v >= h {
				continue
			}
			dt := target.Depth.GetDepth(u, v)
			if !rimage.IsValidDepth(dt) || math.Abs(float64(dt)-p.Z) > maxDiff {
				continue
			}
			info.AddPointCorrespondence(p)
			count++
		}
	}
	return info, count
}
