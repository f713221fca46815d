package reconstruction

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.viam.com/test"

	"github.com/regardrgbd/rgbdscan/rimage/transform"
)

func TestConfigDefaults(t *testing.T) {
	def := DefaultConfig()
	test.That(t, def.Validate(), test.ShouldBeNil)
	test.That(t, Config{}.WithDefaults(), test.ShouldResemble, def)
	test.That(t, *def.Intrinsics, test.ShouldResemble, *transform.NewCalibratedVGAIntrinsics())
	test.That(t, def.OnlineVoxelSize, test.ShouldAlmostEqual, 4.0/512)
	test.That(t, def.OfflineVoxelSize, test.ShouldAlmostEqual, 2.0/512)
	test.That(t, def.OdometryOption().MaxDepthDiff, test.ShouldEqual, 0.2)
	test.That(t, def.LoopOdometryOption().MaxDepthDiff, test.ShouldEqual, 0.1)
	test.That(t, def.LoopOdometryOption().IterationsPerLevel, test.ShouldResemble, []int{20, 10, 5})
	test.That(t, def.ColorMapOption().MaxIterations, test.ShouldEqual, 10)
	test.That(t, def.PairingTimeout(), test.ShouldEqual, time.Duration(0))
}

func TestConfigFromAttributes(t *testing.T) {
	conf, err := ConfigFromAttributes(map[string]interface{}{
		"intrinsic_parameters": map[string]interface{}{
			"width_px": 320, "height_px": 240, "fx": 270.0, "fy": 271.0, "ppx": 160.0, "ppy": 120.0,
		},
		"depth_scale":          5000,
		"keyframe_interval":    5,
		"iterations_per_level": []interface{}{10, 5},
		"pairing_timeout_ms":   250,
		"subdivide_iterations": 0,
		"output_dir":           "out",
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, conf.Intrinsics.Width, test.ShouldEqual, 320)
	test.That(t, conf.Intrinsics.Fy, test.ShouldEqual, 271.0)
	test.That(t, conf.DepthScale, test.ShouldEqual, 5000.0)
	test.That(t, conf.KeyframeInterval, test.ShouldEqual, 5)
	test.That(t, conf.MaxLoopDistance, test.ShouldEqual, 9)
	test.That(t, conf.IterationsPerLevel, test.ShouldResemble, []int{10, 5})
	test.That(t, conf.PairingTimeout(), test.ShouldEqual, 250*time.Millisecond)
	test.That(t, *conf.SubdivideIterations, test.ShouldEqual, 0)
	test.That(t, *conf.ColorMapIterations, test.ShouldEqual, 10)
	test.That(t, conf.OutputDir, test.ShouldEqual, "out")

	_, err = ConfigFromAttributes(map[string]interface{}{"voxel_size": 0.1})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "voxel_size")

	for _, bad := range []map[string]interface{}{
		{"keyframe_interval": -1},
		{"edge_prune_threshold": 2.0},
		{"iterations_per_level": []interface{}{10, 0}},
		{"intrinsic_parameters": map[string]interface{}{"width_px": 0}},
		{"depth_scale": "deep"},
	} {
		_, err := ConfigFromAttributes(bad)
		test.That(t, err, test.ShouldNotBeNil)
	}
}

func TestReadConfigFile(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "scan.yaml")
	test.That(t, os.WriteFile(yamlPath, []byte("max_depth_m: 3.5\nmax_loop_distance: 12\n"), 0o600), test.ShouldBeNil)
	conf, err := ReadConfigFile(yamlPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, conf.MaxDepth, test.ShouldEqual, 3.5)
	test.That(t, conf.MaxLoopDistance, test.ShouldEqual, 12)

	jsonPath := filepath.Join(dir, "scan.json")
	test.That(t, os.WriteFile(jsonPath, []byte(`{"loop_max_depth_diff_m": 0.05}`), 0o600), test.ShouldBeNil)
	conf, err = ReadConfigFile(jsonPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, conf.LoopMaxDepthDiff, test.ShouldEqual, 0.05)

	_, err = ReadConfigFile(filepath.Join(dir, "missing.yaml"))
	test.That(t, err, test.ShouldNotBeNil)
	broken := filepath.Join(dir, "broken.yaml")
	test.That(t, os.WriteFile(broken, []byte("max_depth_m: [1, 2"), 0o600), test.ShouldBeNil)
	_, err = ReadConfigFile(broken)
	test.That(t, err, test.ShouldNotBeNil)
}
