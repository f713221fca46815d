package posegraph

import (
	"context"

	"github.com/edaniels/golog"
	"golang.org/x/sync/errgroup"

	"github.com/regardrgbd/rgbdscan/rimage/transform"
	"github.com/regardrgbd/rgbdscan/spatialmath"
	"github.com/regardrgbd/rgbdscan/utils"
	"github.com/regardrgbd/rgbdscan/vision/odometry"
)

// Candidate is a keyframe pair considered for loop closure.
type Candidate struct {
	Source int
	Target int
}

// LoopClosureCandidates returns, in ascending (Source, Target) order, every pair i < j of the given
// successful indices where both are multiples of keyframeInterval, j-i <= maxDistance, and j != i+1.
func LoopClosureCandidates(successful []int, keyframeInterval, maxDistance int) []Candidate {
	if keyframeInterval <= 0 {
		return nil
	}
	keyframes := make([]int, 0, len(successful)/keyframeInterval+1)
	for _, idx := range successful {
		if idx%keyframeInterval == 0 {
			keyframes = append(keyframes, idx)
		}
	}
	var out []Candidate
	for a, i := range keyframes {
		for _, j := range keyframes[a+1:] {
			if j-i > maxDistance {
				break
			}
			if j <= i || j == i+1 {
				continue
			}
			out = append(out, Candidate{Source: i, Target: j})
		}
	}
	return out
}

// LoopClosureOption configures loop closure evaluation.
type LoopClosureOption struct {
	KeyframeInterval int
	MaxDistance      int
	Odometry         odometry.Option
	// Parallelism bounds concurrent evaluations; zero means utils.ParallelFactor.
	Parallelism int
}

// AddLoopClosures evaluates every candidate of the successful entries with the estimator,
// seeded from the current node poses, and returns a new graph with an uncertain edge for each
// success. Edges are appended in candidate order regardless of evaluation order. Cancellation is
// checked between evaluations.
func AddLoopClosures(
	ctx context.Context,
	g *Graph,
	entries []Entry,
	estimator odometry.Estimator,
	intrinsics *transform.PinholeCameraIntrinsics,
	opt LoopClosureOption,
	logger golog.Logger,
) (*Graph, error) {
	var successful []int
	for _, e := range entries {
		if e.Success {
			successful = append(successful, e.Index)
		}
	}
	candidates := LoopClosureCandidates(successful, opt.KeyframeInterval, opt.MaxDistance)
	results := make([]*Edge, len(candidates))

	limit := opt.Parallelism
	if limit <= 0 {
		limit = utils.ParallelFactor
	}
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(limit)
	for slot, c := range candidates {
		slot, c := slot, c
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			src, tgt := entries[c.Source], entries[c.Target]
			initial := spatialmath.PoseBetween(g.Nodes[c.Target].Pose, g.Nodes[c.Source].Pose)
			res, err := estimator.Estimate(egCtx, src.Image, tgt.Image, intrinsics, initial, opt.Odometry)
			if err != nil {
				return err
			}
			if !res.Success {
				logger.Debugw("loop closure rejected", "source", c.Source, "target", c.Target, "reason", res.Reason)
				return nil
			}
			results[slot] = &Edge{
				Source:      c.Source,
				Target:      c.Target,
				Transform:   res.Transform,
				Information: res.Information,
				Uncertain:   true,
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := g.Clone()
	for _, e := range results {
		if e != nil {
			out.Edges = append(out.Edges, *e)
		}
	}
	logger.Infow("loop closure evaluated", "candidates", len(candidates), "accepted", out.LoopClosureCount()-g.LoopClosureCount())
	return out, nil
}
