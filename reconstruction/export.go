package reconstruction

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/regardrgbd/rgbdscan/pointcloud"
	"github.com/regardrgbd/rgbdscan/rimage"
	"github.com/regardrgbd/rgbdscan/spatialmath"
)

// ErrNoSnapshot is returned when exporting before any frame has been fused.
var ErrNoSnapshot = errors.New("no snapshot has been published yet")

// ExportSnapshot writes the latest snapshot cloud as a binary PCD file.
func (s *Session) ExportSnapshot(path string) error {
	snap := s.LatestSnapshot()
	if snap == nil {
		return ErrNoSnapshot
	}
	return pointcloud.WriteToPCDFile(snap.Cloud, path, pointcloud.PCDBinary)
}

// ExportDepthPreview writes a colorized preview of the depth of the most recent history entry,
// width pixels wide when width is positive.
func (s *Session) ExportDepthPreview(path string, width int) error {
	s.worker.mu.Lock()
	var depth *rimage.DepthMap
	if n := len(s.worker.history); n > 0 {
		depth = s.worker.history[n-1].Image.Depth.Clone()
	}
	s.worker.mu.Unlock()
	if depth == nil {
		return ErrNoSnapshot
	}
	return rimage.SaveDepthPreview(depth, path, width)
}

// ExportTrajectory plots the camera path fused online and, when res carries them, the refined
// poses of finalize.
func (s *Session) ExportTrajectory(path string, res *FinalizeResult) error {
	history := s.worker.History()
	if len(history) == 0 {
		return ErrNoSnapshot
	}
	trajectories := map[string][]spatialmath.Pose{
		"online": lo.Map(history, func(e HistoryEntry, _ int) spatialmath.Pose { return e.Extrinsic }),
	}
	if res != nil && len(res.Extrinsics) > 0 {
		trajectories["optimized"] = res.Extrinsics
	}
	return WriteTrajectoryPlot(path, trajectories)
}

// WriteTrajectoryPlot draws a top-down view, x against z, of the camera centers of each named
// sequence of world-to-camera poses. The image format follows the extension of path.
func WriteTrajectoryPlot(path string, trajectories map[string][]spatialmath.Pose) error {
	names := make([]string, 0, len(trajectories))
	for name := range trajectories {
		names = append(names, name)
	}
	sort.Strings(names)

	p := plot.New()
	p.Title.Text = "camera trajectory"
	p.X.Label.Text = "x (m)"
	p.Y.Label.Text = "z (m)"
	for i, name := range names {
		poses := trajectories[name]
		if len(poses) == 0 {
			continue
		}
		xys := make(plotter.XYs, len(poses))
		for k, extrinsic := range poses {
			c := spatialmath.PoseInverse(extrinsic).Point()
			xys[k].X, xys[k].Y = c.X, c.Z
		}
		line, points, err := plotter.NewLinePoints(xys)
		if err != nil {
			return errors.Wrapf(err, "cannot plot %s trajectory", name)
		}
		line.Color = plotutil.Color(i)
		points.Color = plotutil.Color(i)
		points.Shape = plotutil.Shape(i)
		p.Add(line, points)
		p.Legend.Add(name, line, points)
	}
	if err := p.Save(5*vg.Inch, 5*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "cannot save trajectory plot to %q", path)
	}
	return nil
}
