package posegraph

import (
	"context"
	"math"

	"github.com/edaniels/golog"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"

	"github.com/regardrgbd/rgbdscan/spatialmath"
	"github.com/regardrgbd/rgbdscan/utils"
)

// ErrOptimizationDivergence is returned when optimization produces non-finite poses or fails to
// converge. Callers should fall back to the unoptimized trajectory.
var ErrOptimizationDivergence = errors.New("pose graph optimization diverged")

// Option configures Optimize.
type Option struct {
	MaxIterations int `json:"max_iterations"`
	// PreferenceLoopClosure scales the line process threshold; larger values trust loop closures more.
	PreferenceLoopClosure float64 `json:"preference_loop_closure"`
	// EdgePruneThreshold removes loop closures whose line process weight falls below it.
	EdgePruneThreshold      float64 `json:"edge_prune_threshold"`
	MinIncrement            float64 `json:"min_increment"`
	MinRelativeCostDecrease float64 `json:"min_relative_cost_decrease"`
}

// DefaultOption returns the optimizer settings used by finalize.
func DefaultOption() Option {
	return Option{
		MaxIterations:           100,
		PreferenceLoopClosure:   1.0,
		EdgePruneThreshold:      0.25,
		MinIncrement:            1e-8,
		MinRelativeCostDecrease: 1e-6,
	}
}

// Report summarizes an optimization.
type Report struct {
	Nodes        int
	Edges        int
	LoopClosures int
	Pruned       int
	Iterations   int
	InitialCost  float64
	FinalCost    float64
	// Residual statistics over the Mahalanobis distance of every remaining edge.
	ResidualMean   float64
	ResidualMedian float64
	ResidualMax    float64
}

const (
	jacobianStep = 1e-6
	maxLambda    = 1e12
)

type problem struct {
	graph *Graph
	varOf []int
	nVars int
	mu    float64
}

func newProblem(g *Graph, preference float64) *problem {
	p := &problem{graph: g, varOf: make([]int, len(g.Nodes))}
	for i, n := range g.Nodes {
		if n.Fixed {
			p.varOf[i] = -1
			continue
		}
		p.varOf[i] = p.nVars
		p.nVars++
	}
	var sum float64
	for _, e := range g.Edges {
		sum += e.Information[5][5]
	}
	if len(g.Edges) > 0 {
		p.mu = preference * sum / float64(len(g.Edges))
	}
	return p
}

// lineProcess returns the weight of an uncertain edge with squared Mahalanobis error s.
func (p *problem) lineProcess(s float64) float64 {
	if p.mu <= 0 {
		return 0
	}
	l := p.mu / (p.mu + s)
	return l * l
}

// edgeCost returns the squared Mahalanobis error, the IRLS weight, and the robust cost.
func (p *problem) edgeCost(e Edge, poses []spatialmath.Pose) (float64, float64, float64) {
	s := e.Information.Mahalanobis(residual(e, poses[e.Source], poses[e.Target]))
	if !e.Uncertain {
		return s, 1, s
	}
	if p.mu <= 0 {
		return s, 0, 0
	}
	return s, p.lineProcess(s), p.mu * s / (p.mu + s)
}

func (p *problem) cost(poses []spatialmath.Pose) float64 {
	var total float64
	for _, e := range p.graph.Edges {
		_, _, c := p.edgeCost(e, poses)
		total += c
	}
	return total
}

func numericalJacobian(f func(spatialmath.Pose) spatialmath.Twist, at spatialmath.Pose) [6][6]float64 {
	var jac [6][6]float64
	for k := 0; k < 6; k++ {
		var d spatialmath.Twist
		d[k] = jacobianStep
		plus := f(spatialmath.Compose(spatialmath.ExpSE3(d), at))
		d[k] = -jacobianStep
		minus := f(spatialmath.Compose(spatialmath.ExpSE3(d), at))
		for r := 0; r < 6; r++ {
			jac[r][k] = (plus[r] - minus[r]) / (2 * jacobianStep)
		}
	}
	return jac
}

// jtlj returns aᵀ Λ b scaled by w.
func jtlj(a [6][6]float64, info spatialmath.Information, b [6][6]float64, w float64) [6][6]float64 {
	var lb [6][6]float64
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			for k := 0; k < 6; k++ {
				lb[i][j] += info[i][k] * b[k][j]
			}
		}
	}
	var out [6][6]float64
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			for k := 0; k < 6; k++ {
				out[i][j] += a[k][i] * lb[k][j]
			}
			out[i][j] *= w
		}
	}
	return out
}

func (p *problem) addBlock(h *mat.SymDense, va, vb int, block [6][6]float64) {
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			r, c := va*6+i, vb*6+j
			if va == vb && c < r {
				continue
			}
			h.SetSym(r, c, h.At(r, c)+block[i][j])
		}
	}
}

// linearize builds the Gauss-Newton system H Δ = -b around poses.
func (p *problem) linearize(poses []spatialmath.Pose) (*mat.SymDense, *mat.VecDense) {
	n := 6 * p.nVars
	h := mat.NewSymDense(n, nil)
	b := mat.NewVecDense(n, nil)
	for _, e := range p.graph.Edges {
		vs, vt := p.varOf[e.Source], p.varOf[e.Target]
		if vs < 0 && vt < 0 {
			continue
		}
		_, w, _ := p.edgeCost(e, poses)
		if w == 0 {
			continue
		}
		src, tgt := poses[e.Source], poses[e.Target]
		r := residual(e, src, tgt)
		var lr [6]float64
		for i := 0; i < 6; i++ {
			for k := 0; k < 6; k++ {
				lr[i] += e.Information[i][k] * r[k]
			}
		}
		var js, jt [6][6]float64
		if vs >= 0 {
			js = numericalJacobian(func(s spatialmath.Pose) spatialmath.Twist { return residual(e, s, tgt) }, src)
			p.addBlock(h, vs, vs, jtlj(js, e.Information, js, w))
			for i := 0; i < 6; i++ {
				for k := 0; k < 6; k++ {
					b.SetVec(vs*6+i, b.AtVec(vs*6+i)+w*js[k][i]*lr[k])
				}
			}
		}
		if vt >= 0 {
			jt = numericalJacobian(func(t spatialmath.Pose) spatialmath.Twist { return residual(e, src, t) }, tgt)
			p.addBlock(h, vt, vt, jtlj(jt, e.Information, jt, w))
			for i := 0; i < 6; i++ {
				for k := 0; k < 6; k++ {
					b.SetVec(vt*6+i, b.AtVec(vt*6+i)+w*jt[k][i]*lr[k])
				}
			}
		}
		if vs >= 0 && vt >= 0 {
			if vs < vt {
				p.addBlock(h, vs, vt, jtlj(js, e.Information, jt, w))
			} else {
				p.addBlock(h, vt, vs, jtlj(jt, e.Information, js, w))
			}
		}
	}
	return h, b
}

func solveDamped(h *mat.SymDense, b *mat.VecDense, lambda float64) (*mat.VecDense, bool) {
	n := h.SymmetricDim()
	damped := mat.NewSymDense(n, nil)
	damped.CopySym(h)
	for i := 0; i < n; i++ {
		damped.SetSym(i, i, damped.At(i, i)+lambda)
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(damped); !ok {
		return nil, false
	}
	neg := mat.NewVecDense(n, nil)
	neg.ScaleVec(-1, b)
	var delta mat.VecDense
	if err := chol.SolveVecTo(&delta, neg); err != nil {
		return nil, false
	}
	return &delta, true
}

func (p *problem) apply(poses []spatialmath.Pose, delta *mat.VecDense) []spatialmath.Pose {
	out := make([]spatialmath.Pose, len(poses))
	copy(out, poses)
	for i, v := range p.varOf {
		if v < 0 {
			continue
		}
		var xi spatialmath.Twist
		for k := 0; k < 6; k++ {
			xi[k] = delta.AtVec(v*6 + k)
		}
		out[i] = spatialmath.Compose(spatialmath.ExpSE3(xi), poses[i]).Orthonormalize()
	}
	return out
}

// levenbergMarquardt minimizes the robust cost starting from poses. It returns the refined poses
// and the number of iterations run.
func (p *problem) levenbergMarquardt(
	ctx context.Context,
	poses []spatialmath.Pose,
	opt Option,
) ([]spatialmath.Pose, int, error) {
	current := p.cost(poses)
	if !utils.IsFinite(current) {
		return nil, 0, errors.Wrap(ErrOptimizationDivergence, "initial cost is not finite")
	}
	if p.nVars == 0 {
		return poses, 0, nil
	}

	lambda := -1.0
	for iter := 1; iter <= opt.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, iter, err
		}
		h, b := p.linearize(poses)
		if lambda < 0 {
			maxDiag := 0.0
			for i := 0; i < h.SymmetricDim(); i++ {
				maxDiag = math.Max(maxDiag, h.At(i, i))
			}
			lambda = 1e-5 * maxDiag
			if lambda == 0 {
				lambda = 1e-5
			}
		}
		if mat.Norm(b, math.Inf(1)) < 1e-12 {
			return poses, iter, nil
		}

		accepted := false
		for !accepted {
			if lambda > maxLambda {
				// no descent direction left; poses sit at a local minimum
				return poses, iter, nil
			}
			delta, ok := solveDamped(h, b, lambda)
			if !ok {
				lambda *= 10
				continue
			}
			if mat.Norm(delta, 2) < opt.MinIncrement {
				return poses, iter, nil
			}
			candidate := p.apply(poses, delta)
			next := p.cost(candidate)
			if !utils.IsFinite(next) || next >= current {
				lambda *= 10
				continue
			}
			accepted = true
			decrease := current - next
			poses, current = candidate, next
			lambda = math.Max(lambda/3, 1e-12)
			if decrease < opt.MinRelativeCostDecrease*(current+decrease) {
				return poses, iter, nil
			}
		}
	}
	return nil, opt.MaxIterations, errors.Wrapf(ErrOptimizationDivergence, "not converged after %d iterations", opt.MaxIterations)
}

// Optimize refines the node poses of g. Node 0 and failed nodes stay fixed. Loop closures are
// weighted by a line process; those whose weight falls below EdgePruneThreshold after a first
// pass are removed and the graph is optimized again. g is not modified.
func Optimize(ctx context.Context, g *Graph, opt Option, logger golog.Logger) (*Graph, *Report, error) {
	report := &Report{Nodes: len(g.Nodes)}
	poses := make([]spatialmath.Pose, len(g.Nodes))
	for i, n := range g.Nodes {
		poses[i] = n.Pose
	}

	first := newProblem(g, opt.PreferenceLoopClosure)
	report.InitialCost = first.cost(poses)
	refined, iters, err := first.levenbergMarquardt(ctx, poses, opt)
	report.Iterations += iters
	if err != nil {
		return nil, report, err
	}

	pruned := g.Clone()
	pruned.Edges = pruned.Edges[:0]
	for _, e := range g.Edges {
		if e.Uncertain {
			s, _, _ := first.edgeCost(e, refined)
			if first.lineProcess(s) < opt.EdgePruneThreshold {
				logger.Debugw("pruning loop closure", "source", e.Source, "target", e.Target, "error", s)
				report.Pruned++
				continue
			}
		}
		pruned.Edges = append(pruned.Edges, e)
	}

	second := newProblem(pruned, opt.PreferenceLoopClosure)
	refined, iters, err = second.levenbergMarquardt(ctx, refined, opt)
	report.Iterations += iters
	if err != nil {
		return nil, report, err
	}
	for i := range refined {
		if !refined[i].IsFinite() {
			return nil, report, errors.Wrapf(ErrOptimizationDivergence, "node %d is not finite", i)
		}
		pruned.Nodes[i].Pose = refined[i]
	}

	report.Edges = len(pruned.Edges)
	report.LoopClosures = pruned.LoopClosureCount()
	report.FinalCost = second.cost(refined)
	if err := report.fillResiduals(pruned, refined); err != nil {
		logger.Debugw("could not summarize residuals", "error", err)
	}
	logger.Infow("pose graph optimized",
		"nodes", report.Nodes, "edges", report.Edges, "loop_closures", report.LoopClosures,
		"pruned", report.Pruned, "iterations", report.Iterations,
		"initial_cost", report.InitialCost, "final_cost", report.FinalCost)
	return pruned, report, nil
}

func (r *Report) fillResiduals(g *Graph, poses []spatialmath.Pose) error {
	if len(g.Edges) == 0 {
		return nil
	}
	dists := make([]float64, 0, len(g.Edges))
	for _, e := range g.Edges {
		s := e.Information.Mahalanobis(residual(e, poses[e.Source], poses[e.Target]))
		dists = append(dists, math.Sqrt(math.Max(s, 0)))
	}
	var errs error
	var err error
	r.ResidualMean, err = stats.Mean(dists)
	errs = multierr.Combine(errs, err)
	r.ResidualMedian, err = stats.Median(dists)
	errs = multierr.Combine(errs, err)
	r.ResidualMax, err = stats.Max(dists)
	return multierr.Combine(errs, err)
}
