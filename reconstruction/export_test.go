package reconstruction

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/regardrgbd/rgbdscan/spatialmath"
)

func TestWriteTrajectoryPlot(t *testing.T) {
	cam := testCamera(t, 1)
	var online, shifted []spatialmath.Pose
	for k := 0; k < 5; k++ {
		online = append(online, cam.Extrinsic(k))
		shifted = append(shifted, spatialmath.Compose(cam.Extrinsic(k), spatialmath.NewPoseFromPoint(r3.Vector{X: 0.01})))
	}
	dir := t.TempDir()
	for _, name := range []string{"trajectory.png", "trajectory.svg"} {
		path := filepath.Join(dir, name)
		test.That(t, WriteTrajectoryPlot(path, map[string][]spatialmath.Pose{"online": online, "optimized": shifted}), test.ShouldBeNil)
		info, err := os.Stat(path)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, info.Size(), test.ShouldBeGreaterThan, 0)
	}

	bad := []spatialmath.Pose{spatialmath.NewPoseFromPoint(r3.Vector{X: math.Inf(1)})}
	err := WriteTrajectoryPlot(filepath.Join(dir, "bad.png"), map[string][]spatialmath.Pose{"online": bad})
	test.That(t, err, test.ShouldNotBeNil)
}
