package posegraph

import (
	"context"
	"image"
	"image/color"
	"math"
	"sync"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/regardrgbd/rgbdscan/rimage"
	"github.com/regardrgbd/rgbdscan/rimage/transform"
	"github.com/regardrgbd/rgbdscan/spatialmath"
	"github.com/regardrgbd/rgbdscan/tsdf"
	"github.com/regardrgbd/rgbdscan/vision/odometry"
)

func truthCameraToWorld(k int) spatialmath.Pose {
	return spatialmath.NewPoseFromAxisAngle(r3.Vector{Y: 1}, 0.05*float64(k), r3.Vector{X: 0.1 * float64(k), Z: 0.02 * float64(k)})
}

func scaledInformation(s float64) spatialmath.Information {
	return spatialmath.NewIdentityInformation().Scale(s)
}

func truthEdge(i, j int, info float64, uncertain bool) Edge {
	return Edge{
		Source:      i,
		Target:      j,
		Transform:   spatialmath.PoseBetween(truthCameraToWorld(j), truthCameraToWorld(i)),
		Information: scaledInformation(info),
		Uncertain:   uncertain,
	}
}

// chainEntries builds n entries on the ground-truth trajectory. Failed entries carry the previous
// pose and an identity edge, like the online worker produces.
func chainEntries(n int, failed map[int]bool) []Entry {
	entries := make([]Entry, 0, n)
	lastGood := 0
	for k := 0; k < n; k++ {
		e := Entry{Index: k, Success: !failed[k]}
		switch {
		case k == 0:
			e.Extrinsic = spatialmath.PoseInverse(truthCameraToWorld(0))
			e.Relative = IdentityEdge(0, 0)
		case failed[k]:
			e.Extrinsic = entries[k-1].Extrinsic
			e.Relative = IdentityEdge(k-1, k)
		default:
			e.Extrinsic = spatialmath.PoseInverse(truthCameraToWorld(k))
			e.Relative = truthEdge(lastGood, k, 1000, false)
			lastGood = k
		}
		entries = append(entries, e)
	}
	return entries
}

func TestLoopClosureCandidates(t *testing.T) {
	all := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}
	candidates := LoopClosureCandidates(all, 3, 9)
	test.That(t, candidates, test.ShouldResemble, []Candidate{
		{0, 3}, {0, 6}, {0, 9}, {3, 6}, {3, 9}, {6, 9},
	})
	// 10 and 11 are not keyframes
	for _, c := range candidates {
		test.That(t, c.Source, test.ShouldBeLessThan, 10)
		test.That(t, c.Target, test.ShouldBeLessThan, 10)
	}
	test.That(t, LoopClosureCandidates(all, 3, 3), test.ShouldResemble, []Candidate{
		{0, 3}, {3, 6}, {6, 9},
	})
	test.That(t, LoopClosureCandidates(append(all, 12), 3, 9), test.ShouldResemble, []Candidate{
		{0, 3}, {0, 6}, {0, 9}, {3, 6}, {3, 9}, {3, 12}, {6, 9}, {6, 12}, {9, 12},
	})
	// failed frames never take part
	test.That(t, LoopClosureCandidates([]int{0, 1, 2, 3, 4, 5, 7, 8, 9}, 3, 9), test.ShouldResemble, []Candidate{
		{0, 3}, {0, 9}, {3, 9},
	})
	// adjacent frames are already linked by odometry
	test.That(t, LoopClosureCandidates([]int{0, 1, 2, 3, 4}, 1, 2), test.ShouldResemble, []Candidate{
		{0, 2}, {1, 3}, {2, 4},
	})
	test.That(t, LoopClosureCandidates([]int{0, 1, 2}, 3, 9), test.ShouldBeEmpty)
	test.That(t, LoopClosureCandidates(all, 0, 9), test.ShouldBeEmpty)
}

func TestNewGraph(t *testing.T) {
	t.Run("all successful", func(t *testing.T) {
		entries := chainEntries(6, nil)
		g, err := NewGraph(entries)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, len(g.Nodes), test.ShouldEqual, 6)
		test.That(t, g.SequentialEdgeCount(), test.ShouldEqual, 5)
		test.That(t, g.LoopClosureCount(), test.ShouldEqual, 0)
		test.That(t, g.Nodes[0].Fixed, test.ShouldBeTrue)
		test.That(t, g.Nodes[1].Fixed, test.ShouldBeFalse)
		for i, e := range g.Extrinsics() {
			test.That(t, spatialmath.PoseAlmostEqual(e, entries[i].Extrinsic, 1e-9, 1e-9), test.ShouldBeTrue)
		}
	})

	t.Run("failed entry", func(t *testing.T) {
		entries := chainEntries(6, map[int]bool{2: true})
		g, err := NewGraph(entries)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, len(g.Nodes), test.ShouldEqual, 6)
		test.That(t, g.SequentialEdgeCount(), test.ShouldEqual, 4)
		test.That(t, g.Nodes[2].Fixed, test.ShouldBeTrue)
		for _, e := range g.Edges {
			test.That(t, e.Source, test.ShouldNotEqual, 2)
			test.That(t, e.Target, test.ShouldNotEqual, 2)
		}
		test.That(t, g.Edges[1].Source, test.ShouldEqual, 1)
		test.That(t, g.Edges[1].Target, test.ShouldEqual, 3)
	})

	t.Run("single frame", func(t *testing.T) {
		g, err := NewGraph(chainEntries(1, nil))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, len(g.Nodes), test.ShouldEqual, 1)
		test.That(t, g.Edges, test.ShouldBeEmpty)
	})

	t.Run("sparse indices", func(t *testing.T) {
		entries := chainEntries(3, nil)
		entries[2].Index = 5
		_, err := NewGraph(entries)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "dense")
	})
}

func perturbed(g *Graph) *Graph {
	out := g.Clone()
	for i := 1; i < len(out.Nodes); i++ {
		drift := spatialmath.NewPoseFromAxisAngle(r3.Vector{Z: 1}, 0.002*float64(i), r3.Vector{X: 0.005 * float64(i), Y: -0.003})
		out.Nodes[i].Pose = spatialmath.Compose(drift, out.Nodes[i].Pose)
	}
	return out
}

func TestOptimizeRecoversTrajectory(t *testing.T) {
	logger := golog.NewTestLogger(t)
	g, err := NewGraph(chainEntries(5, nil))
	test.That(t, err, test.ShouldBeNil)
	g.Edges = append(g.Edges, truthEdge(0, 3, 1000, true))
	start := perturbed(g)

	opt, report, err := Optimize(context.Background(), start, DefaultOption(), logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.Pruned, test.ShouldEqual, 0)
	test.That(t, report.LoopClosures, test.ShouldEqual, 1)
	test.That(t, report.FinalCost, test.ShouldBeLessThan, report.InitialCost)
	test.That(t, report.ResidualMax, test.ShouldBeLessThan, 1e-3)
	for k, n := range opt.Nodes {
		test.That(t, spatialmath.PoseAlmostEqual(n.Pose, truthCameraToWorld(k), 1e-4, 1e-4), test.ShouldBeTrue)
	}
	// the input graph is untouched
	test.That(t, start.Nodes[2].Pose.Mat4(), test.ShouldResemble, perturbed(g).Nodes[2].Pose.Mat4())
}

func TestOptimizePrunesOutlierLoopClosure(t *testing.T) {
	logger := golog.NewTestLogger(t)
	g, err := NewGraph(chainEntries(4, nil))
	test.That(t, err, test.ShouldBeNil)
	bogus := truthEdge(0, 3, 1000, true)
	bogus.Transform = spatialmath.Compose(spatialmath.NewPoseFromPoint(r3.Vector{X: 3}), bogus.Transform)
	g.Edges = append(g.Edges, bogus)

	opt, report, err := Optimize(context.Background(), g, DefaultOption(), logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.Pruned, test.ShouldEqual, 1)
	test.That(t, opt.LoopClosureCount(), test.ShouldEqual, 0)
	test.That(t, g.LoopClosureCount(), test.ShouldEqual, 1)
	for k, n := range opt.Nodes {
		test.That(t, spatialmath.PoseAlmostEqual(n.Pose, truthCameraToWorld(k), 1e-3, 1e-3), test.ShouldBeTrue)
	}
}

func TestOptimizeDeterministic(t *testing.T) {
	logger := golog.NewTestLogger(t)
	g, err := NewGraph(chainEntries(7, map[int]bool{4: true}))
	test.That(t, err, test.ShouldBeNil)
	g.Edges = append(g.Edges, truthEdge(0, 3, 500, true), truthEdge(3, 6, 500, true))
	start := perturbed(g)

	a, _, err := Optimize(context.Background(), start, DefaultOption(), logger)
	test.That(t, err, test.ShouldBeNil)
	b, _, err := Optimize(context.Background(), start, DefaultOption(), logger)
	test.That(t, err, test.ShouldBeNil)
	for i := range a.Nodes {
		test.That(t, a.Nodes[i].Pose.Mat4(), test.ShouldResemble, b.Nodes[i].Pose.Mat4())
	}
	// fixed nodes do not move
	test.That(t, a.Nodes[0].Pose.Mat4(), test.ShouldResemble, start.Nodes[0].Pose.Mat4())
	test.That(t, a.Nodes[4].Pose.Mat4(), test.ShouldResemble, start.Nodes[4].Pose.Mat4())
}

func TestOptimizeSingleNode(t *testing.T) {
	g, err := NewGraph(chainEntries(1, nil))
	test.That(t, err, test.ShouldBeNil)
	opt, report, err := Optimize(context.Background(), g, DefaultOption(), golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(opt.Nodes), test.ShouldEqual, 1)
	test.That(t, report.Iterations, test.ShouldEqual, 0)
}

func TestOptimizeDivergence(t *testing.T) {
	g, err := NewGraph(chainEntries(4, nil))
	test.That(t, err, test.ShouldBeNil)
	bad := truthEdge(0, 2, 1000, true)
	bad.Transform = spatialmath.NewPoseFromPoint(r3.Vector{X: math.NaN()})
	g.Edges = append(g.Edges, bad)

	_, _, err = Optimize(context.Background(), g, DefaultOption(), golog.NewTestLogger(t))
	test.That(t, errors.Is(err, ErrOptimizationDivergence), test.ShouldBeTrue)
}

func TestOptimizeCanceled(t *testing.T) {
	g, err := NewGraph(chainEntries(4, nil))
	test.That(t, err, test.ShouldBeNil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = Optimize(ctx, perturbed(g), DefaultOption(), golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeError, context.Canceled)
}

type scriptedEstimator struct {
	mu       sync.Mutex
	calls    []Candidate
	fail     map[Candidate]bool
	errorsOn map[Candidate]bool
}

func (s *scriptedEstimator) Estimate(
	ctx context.Context,
	source, target *rimage.RGBDImage,
	intrinsics *transform.PinholeCameraIntrinsics,
	initial spatialmath.Pose,
	opt odometry.Option,
) (*odometry.Result, error) {
	c := Candidate{Source: source.Index, Target: target.Index}
	s.mu.Lock()
	s.calls = append(s.calls, c)
	s.mu.Unlock()
	if s.errorsOn[c] {
		return nil, errors.New("estimator exploded")
	}
	if s.fail[c] {
		return &odometry.Result{Transform: spatialmath.NewZeroPose()}, nil
	}
	return &odometry.Result{Success: true, Transform: initial, Information: scaledInformation(10)}, nil
}

func entriesWithImages(n int) []Entry {
	entries := chainEntries(n, map[int]bool{7: true})
	for i := range entries {
		entries[i].Image = &rimage.RGBDImage{Index: i}
	}
	return entries
}

func TestAddLoopClosures(t *testing.T) {
	logger := golog.NewTestLogger(t)
	entries := entriesWithImages(10)
	g, err := NewGraph(entries)
	test.That(t, err, test.ShouldBeNil)
	opt := LoopClosureOption{KeyframeInterval: 3, MaxDistance: 9, Odometry: odometry.DefaultOption(), Parallelism: 4}

	t.Run("appends successes in candidate order", func(t *testing.T) {
		est := &scriptedEstimator{fail: map[Candidate]bool{{0, 6}: true}}
		out, err := AddLoopClosures(context.Background(), g, entries, est, nil, opt, logger)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, len(est.calls), test.ShouldEqual, 6)
		test.That(t, g.LoopClosureCount(), test.ShouldEqual, 0)
		test.That(t, out.LoopClosureCount(), test.ShouldEqual, 5)
		var got []Candidate
		for _, e := range out.Edges {
			if e.Uncertain {
				got = append(got, Candidate{e.Source, e.Target})
			}
		}
		test.That(t, got, test.ShouldResemble, []Candidate{{0, 3}, {0, 9}, {3, 6}, {3, 9}, {6, 9}})
		// seeded from current poses, so the edge agrees with the trajectory
		for _, e := range out.Edges {
			r := residual(e, out.Nodes[e.Source].Pose, out.Nodes[e.Target].Pose)
			test.That(t, r.Norm(), test.ShouldBeLessThan, 1e-9)
		}
	})

	t.Run("estimator error", func(t *testing.T) {
		est := &scriptedEstimator{errorsOn: map[Candidate]bool{{3, 9}: true}}
		_, err := AddLoopClosures(context.Background(), g, entries, est, nil, opt, logger)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "exploded")
	})

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := AddLoopClosures(ctx, g, entries, &scriptedEstimator{}, nil, opt, logger)
		test.That(t, err, test.ShouldBeError, context.Canceled)
	})
}

func planeImage(index int) *rimage.RGBDImage {
	const w, h = 32, 24
	depth := rimage.NewEmptyDepthMap(w, h)
	col := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			depth.Set(x, y, 1)
			col.SetNRGBA(x, y, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	return &rimage.RGBDImage{Index: index, Depth: depth, Color: col, Intensity: rimage.IntensityFromNRGBA(col)}
}

func TestReintegrate(t *testing.T) {
	logger := golog.NewTestLogger(t)
	intrinsics := &transform.PinholeCameraIntrinsics{Width: 32, Height: 24, Fx: 30, Fy: 30, Ppx: 15.5, Ppy: 11.5}
	entries := chainEntries(4, map[int]bool{2: true})
	for i := range entries {
		entries[i].Image = planeImage(i)
	}
	g, err := NewGraph(entries)
	test.That(t, err, test.ShouldBeNil)

	opts := tsdf.Options{VoxelSize: 0.02, SDFTrunc: 0.06}
	vol, err := Reintegrate(context.Background(), g, entries, intrinsics, opts, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, vol.IntegratedCount(), test.ShouldEqual, 3)
	test.That(t, vol.Options(), test.ShouldResemble, opts)

	again, err := Reintegrate(context.Background(), g, entries, intrinsics, opts, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, again.Digest(), test.ShouldEqual, vol.Digest())

	_, err = Reintegrate(context.Background(), g, entries[:2], intrinsics, opts, logger)
	test.That(t, err, test.ShouldNotBeNil)
}
