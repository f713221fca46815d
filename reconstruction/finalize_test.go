package reconstruction

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/regardrgbd/rgbdscan/mesh"
	"github.com/regardrgbd/rgbdscan/posegraph"
	"github.com/regardrgbd/rgbdscan/sensor/fake"
	"github.com/regardrgbd/rgbdscan/spatialmath"
	"github.com/regardrgbd/rgbdscan/tsdf"
)

func recordHistory(t *testing.T, cam *fake.Camera, frames int) ([]HistoryEntry, *tsdf.Volume) {
	t.Helper()
	w := newTestWorker(t, cam, &truthEstimator{cam: cam}, nil)
	for k := 0; k < frames; k++ {
		test.That(t, w.ProcessPair(context.Background(), cam.Render(k)), test.ShouldBeNil)
	}
	return w.History(), w.Volume()
}

func TestFinalize(t *testing.T) {
	cam := testCamera(t, 7)
	history, online := recordHistory(t, cam, 7)
	cfg := testConfig(t, cam)
	est := &truthEstimator{cam: cam}

	res, err := Finalize(context.Background(), cfg, history, online, est, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Fallback, test.ShouldBeFalse)
	test.That(t, res.Files, test.ShouldResemble, []string{
		filepath.Join(cfg.OutputDir, OnlineMeshFile),
		filepath.Join(cfg.OutputDir, OptimizedMeshFile),
		filepath.Join(cfg.OutputDir, ColorMeshFile),
	})

	test.That(t, res.Graph.Nodes, test.ShouldHaveLength, 7)
	test.That(t, res.Graph.SequentialEdgeCount(), test.ShouldEqual, 6)
	// keyframes 0, 3 and 6
	test.That(t, res.Graph.LoopClosureCount(), test.ShouldEqual, 3)
	test.That(t, res.Report.Pruned, test.ShouldEqual, 0)
	for k, e := range res.Extrinsics {
		test.That(t, spatialmath.PoseAlmostEqual(e, cam.Extrinsic(k), 1e-6, 1e-6), test.ShouldBeTrue)
	}

	test.That(t, res.OnlineMesh.NumTriangles(), test.ShouldBeGreaterThan, 0)
	test.That(t, res.OptimizedMesh.NumTriangles(), test.ShouldBeGreaterThan, 0)
	test.That(t, res.ColorMesh.NumTriangles(), test.ShouldEqual, 4*res.OptimizedMesh.NumTriangles())
	test.That(t, res.ColorMesh.HasColors(), test.ShouldBeTrue)

	for _, path := range res.Files {
		m, err := mesh.ReadPLYFile(path)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, m.NumTriangles(), test.ShouldBeGreaterThan, 0)
	}
	onDisk, err := mesh.ReadPLYFile(res.Files[1])
	test.That(t, err, test.ShouldBeNil)
	test.That(t, onDisk.NumTriangles(), test.ShouldEqual, res.OptimizedMesh.NumTriangles())
	test.That(t, onDisk.NumVertices(), test.ShouldEqual, res.OptimizedMesh.NumVertices())
}

func TestFinalizeDeterministic(t *testing.T) {
	cam := testCamera(t, 4)
	history, online := recordHistory(t, cam, 4)
	est := &truthEstimator{cam: cam}

	first, err := Finalize(context.Background(), testConfig(t, cam), history, online, est, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	second, err := Finalize(context.Background(), testConfig(t, cam), history, online, est, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	test.That(t, second.Graph.Nodes, test.ShouldHaveLength, len(first.Graph.Nodes))
	test.That(t, second.Graph.Edges, test.ShouldHaveLength, len(first.Graph.Edges))
	for i := range first.Graph.Edges {
		test.That(t, second.Graph.Edges[i].Source, test.ShouldEqual, first.Graph.Edges[i].Source)
		test.That(t, second.Graph.Edges[i].Target, test.ShouldEqual, first.Graph.Edges[i].Target)
	}
	for i := range first.Extrinsics {
		test.That(t, spatialmath.PoseAlmostEqual(first.Extrinsics[i], second.Extrinsics[i], 1e-9, 1e-9), test.ShouldBeTrue)
	}
	test.That(t, second.OptimizedMesh.NumTriangles(), test.ShouldEqual, first.OptimizedMesh.NumTriangles())
	test.That(t, second.ColorMesh.Colors, test.ShouldResemble, first.ColorMesh.Colors)
}

func TestFinalizeSingleFrame(t *testing.T) {
	cam := testCamera(t, 1)
	history, online := recordHistory(t, cam, 1)
	res, err := Finalize(context.Background(), testConfig(t, cam), history, online, &truthEstimator{cam: cam}, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Graph.Nodes, test.ShouldHaveLength, 1)
	test.That(t, res.Graph.Edges, test.ShouldBeEmpty)
	test.That(t, res.Report.Iterations, test.ShouldEqual, 0)
	test.That(t, res.OptimizedMesh.NumTriangles(), test.ShouldBeGreaterThan, 0)
	test.That(t, res.Files, test.ShouldHaveLength, 3)
}

func TestFinalizeDivergenceKeepsOnlineMesh(t *testing.T) {
	cam := testCamera(t, 4)
	history, online := recordHistory(t, cam, 4)
	cfg := testConfig(t, cam)

	res, err := Finalize(context.Background(), cfg, history, online, &truthEstimator{cam: cam, nanLoops: true}, golog.NewTestLogger(t))
	test.That(t, errors.Is(err, posegraph.ErrOptimizationDivergence), test.ShouldBeTrue)
	test.That(t, res, test.ShouldNotBeNil)
	test.That(t, res.Fallback, test.ShouldBeTrue)
	test.That(t, res.OnlineMesh.NumTriangles(), test.ShouldBeGreaterThan, 0)
	test.That(t, res.Files, test.ShouldResemble, []string{filepath.Join(cfg.OutputDir, OnlineMeshFile)})
	_, err = os.Stat(filepath.Join(cfg.OutputDir, OptimizedMeshFile))
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
}

func TestFinalizeErrors(t *testing.T) {
	cam := testCamera(t, 4)
	logger := golog.NewTestLogger(t)
	est := &truthEstimator{cam: cam}
	history, online := recordHistory(t, cam, 4)

	_, err := Finalize(context.Background(), testConfig(t, cam), nil, online, est, logger)
	test.That(t, err, test.ShouldNotBeNil)

	cfg := testConfig(t, cam)
	blocker := filepath.Join(cfg.OutputDir, "file")
	test.That(t, os.WriteFile(blocker, []byte("x"), 0o600), test.ShouldBeNil)
	cfg.OutputDir = blocker
	_, err = Finalize(context.Background(), cfg, history, online, est, logger)
	test.That(t, errors.Is(err, mesh.ErrExport), test.ShouldBeTrue)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Finalize(ctx, testConfig(t, cam), history, online, est, logger)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
}
