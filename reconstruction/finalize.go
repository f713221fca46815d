package reconstruction

import (
	"context"
	"os"
	"path/filepath"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.opencensus.io/trace"

	"github.com/regardrgbd/rgbdscan/mesh"
	"github.com/regardrgbd/rgbdscan/posegraph"
	"github.com/regardrgbd/rgbdscan/rimage"
	"github.com/regardrgbd/rgbdscan/spatialmath"
	"github.com/regardrgbd/rgbdscan/tsdf"
	"github.com/regardrgbd/rgbdscan/utils"
	"github.com/regardrgbd/rgbdscan/vision/odometry"
)

// Names of the meshes written by Finalize, in the order they are produced.
const (
	OnlineMeshFile    = "mesh_online.ply"
	OptimizedMeshFile = "mesh_opt.ply"
	ColorMeshFile     = "mesh_color_opt.ply"
)

// FinalizeResult collects what Finalize produced. When optimization diverges only OnlineMesh and
// the first file are set and Fallback is true.
type FinalizeResult struct {
	OnlineMesh    *mesh.Mesh
	OptimizedMesh *mesh.Mesh
	ColorMesh     *mesh.Mesh
	Graph         *posegraph.Graph
	Report        *posegraph.Report
	// Extrinsics are the refined world-to-camera poses of every history entry.
	Extrinsics []spatialmath.Pose
	Files      []string
	Fallback   bool
}

// Finalize refines a recorded session offline: it writes the online mesh, optimizes the pose
// graph with loop closures, rebuilds a finer volume at the refined poses, then simplifies,
// subdivides and color maps the result, writing a mesh after each stage. It runs on the calling
// goroutine and honors ctx between stages and loop closure evaluations.
func Finalize(
	ctx context.Context,
	cfg Config,
	history []HistoryEntry,
	online *tsdf.Volume,
	estimator odometry.Estimator,
	logger golog.Logger,
) (*FinalizeResult, error) {
	ctx, span := trace.StartSpan(ctx, "reconstruction::Finalize")
	defer span.End()

	if len(history) == 0 {
		return nil, errors.New("nothing to finalize: history is empty")
	}
	cfg = cfg.WithDefaults()
	if err := os.MkdirAll(cfg.OutputDir, 0o750); err != nil {
		return nil, errors.Wrapf(mesh.ErrExport, "cannot create output directory: %v", err)
	}
	res := &FinalizeResult{}
	write := func(name string, m *mesh.Mesh) error {
		path := filepath.Join(cfg.OutputDir, name)
		if err := mesh.WritePLYFile(path, m); err != nil {
			return err
		}
		res.Files = append(res.Files, path)
		logger.Infow("wrote mesh", "path", path, "vertices", m.NumVertices(), "triangles", m.NumTriangles())
		return nil
	}

	_, extractSpan := trace.StartSpan(ctx, "reconstruction::Finalize::extractOnline")
	res.OnlineMesh = online.ExtractMesh()
	extractSpan.End()
	if err := write(OnlineMeshFile, res.OnlineMesh); err != nil {
		return nil, err
	}

	g, report, err := optimizeHistory(ctx, cfg, history, estimator, logger)
	if err != nil {
		if errors.Is(err, posegraph.ErrOptimizationDivergence) {
			res.Fallback = true
			logger.Warnw("pose graph optimization diverged, keeping the online mesh", "error", err)
			return res, err
		}
		return nil, err
	}
	res.Graph, res.Report = g, report
	res.Extrinsics = g.Extrinsics()

	optimized, err := rebuild(ctx, cfg, g, history, logger)
	if err != nil {
		return nil, err
	}
	res.OptimizedMesh = optimized

	// the optimized mesh is only read from here on, so it is written while color mapping runs
	var colored *mesh.Mesh
	err = utils.RunInParallel(ctx, []utils.SimpleFunc{
		func(context.Context) error {
			return write(OptimizedMeshFile, optimized)
		},
		func(ctx context.Context) error {
			var err error
			colored, err = colorMap(ctx, cfg, optimized, history, res.Extrinsics, logger)
			return err
		},
	})
	if err != nil {
		return nil, err
	}
	res.ColorMesh = colored
	if err := write(ColorMeshFile, colored); err != nil {
		return nil, err
	}
	return res, nil
}

func optimizeHistory(
	ctx context.Context,
	cfg Config,
	history []HistoryEntry,
	estimator odometry.Estimator,
	logger golog.Logger,
) (*posegraph.Graph, *posegraph.Report, error) {
	ctx, span := trace.StartSpan(ctx, "reconstruction::Finalize::optimize")
	defer span.End()

	g, err := posegraph.NewGraph(history)
	if err != nil {
		return nil, nil, err
	}
	g, err = posegraph.AddLoopClosures(ctx, g, history, estimator, cfg.Intrinsics, posegraph.LoopClosureOption{
		KeyframeInterval: cfg.KeyframeInterval,
		MaxDistance:      cfg.MaxLoopDistance,
		Odometry:         cfg.LoopOdometryOption(),
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return posegraph.Optimize(ctx, g, cfg.OptimizerOption(), logger)
}

func rebuild(
	ctx context.Context,
	cfg Config,
	g *posegraph.Graph,
	history []HistoryEntry,
	logger golog.Logger,
) (*mesh.Mesh, error) {
	ctx, span := trace.StartSpan(ctx, "reconstruction::Finalize::rebuild")
	defer span.End()

	vol, err := posegraph.Reintegrate(ctx, g, history, cfg.Intrinsics, cfg.OfflineVolume(), logger)
	if err != nil {
		return nil, err
	}
	m := vol.ExtractMesh()
	if m.NumTriangles() < 2 {
		return m, nil
	}
	simplified := mesh.Simplify(m, mesh.DefaultSimplifyTarget(m))
	logger.Debugw("simplified mesh", "from", m.NumTriangles(), "to", simplified.NumTriangles())
	return simplified, nil
}

func colorMap(
	ctx context.Context,
	cfg Config,
	m *mesh.Mesh,
	history []HistoryEntry,
	extrinsics []spatialmath.Pose,
	logger golog.Logger,
) (*mesh.Mesh, error) {
	ctx, span := trace.StartSpan(ctx, "reconstruction::Finalize::colorMap")
	defer span.End()

	if m.IsEmpty() {
		return m.Clone(), nil
	}
	dense := mesh.SubdivideLoop(m, *cfg.SubdivideIterations)
	good := lo.Filter(history, func(e HistoryEntry, _ int) bool { return e.Success })
	images := lo.Map(good, func(e HistoryEntry, _ int) *rimage.RGBDImage { return e.Image })
	poses := lo.Map(good, func(e HistoryEntry, _ int) spatialmath.Pose { return extrinsics[e.Index] })
	colored, _, err := mesh.ColorMapOptimize(ctx, dense, images, poses, cfg.Intrinsics, cfg.ColorMapOption(), logger)
	if err != nil {
		return nil, err
	}
	return colored, nil
}
