package reconstruction

import (
	"os"
	"sort"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/regardrgbd/rgbdscan/mesh"
	"github.com/regardrgbd/rgbdscan/posegraph"
	"github.com/regardrgbd/rgbdscan/rimage/transform"
	"github.com/regardrgbd/rgbdscan/tsdf"
	"github.com/regardrgbd/rgbdscan/vision/odometry"
)

// Config holds every tunable of a scanning session. Zero values take the defaults listed in
// DefaultConfig.
type Config struct {
	Intrinsics *transform.PinholeCameraIntrinsics `json:"intrinsic_parameters,omitempty"`
	DepthScale float64                            `json:"depth_scale,omitempty"`
	MaxDepth   float64                            `json:"max_depth_m,omitempty"`

	OnlineVoxelSize  float64 `json:"online_voxel_size_m,omitempty"`
	OnlineSDFTrunc   float64 `json:"online_sdf_trunc_m,omitempty"`
	OfflineVoxelSize float64 `json:"offline_voxel_size_m,omitempty"`
	OfflineSDFTrunc  float64 `json:"offline_sdf_trunc_m,omitempty"`

	KeyframeInterval     int     `json:"keyframe_interval,omitempty"`
	MaxLoopDistance      int     `json:"max_loop_distance,omitempty"`
	OdometryMaxDepthDiff float64 `json:"odometry_max_depth_diff_m,omitempty"`
	LoopMaxDepthDiff     float64 `json:"loop_max_depth_diff_m,omitempty"`
	IterationsPerLevel   []int   `json:"iterations_per_level,omitempty"`

	PairingTimeoutMs int `json:"pairing_timeout_ms,omitempty"`

	PreferenceLoopClosure float64 `json:"preference_loop_closure,omitempty"`
	EdgePruneThreshold    float64 `json:"edge_prune_threshold,omitempty"`

	// SubdivideIterations and ColorMapIterations accept an explicit zero to skip the stage.
	SubdivideIterations *int `json:"subdivide_iterations,omitempty"`
	ColorMapIterations  *int `json:"color_map_iterations,omitempty"`

	// SnapshotVoxelSize downsamples the published preview cloud; zero keeps every pixel.
	SnapshotVoxelSize float64 `json:"snapshot_voxel_size_m,omitempty"`

	OutputDir string `json:"output_dir,omitempty"`
}

func intPtr(v int) *int {
	return &v
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Intrinsics:            transform.NewCalibratedVGAIntrinsics(),
		DepthScale:            1000,
		MaxDepth:              4,
		OnlineVoxelSize:       4.0 / 512,
		OnlineSDFTrunc:        0.04,
		OfflineVoxelSize:      2.0 / 512,
		OfflineSDFTrunc:       0.04,
		KeyframeInterval:      3,
		MaxLoopDistance:       9,
		OdometryMaxDepthDiff:  0.2,
		LoopMaxDepthDiff:      0.1,
		IterationsPerLevel:    []int{20, 10, 5},
		PreferenceLoopClosure: 1.0,
		EdgePruneThreshold:    0.25,
		SubdivideIterations:   intPtr(1),
		ColorMapIterations:    intPtr(10),
		SnapshotVoxelSize:     0.01,
		OutputDir:             ".",
	}
}

// WithDefaults returns a copy of c with every unset field filled from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	out := c
	if out.Intrinsics == nil {
		out.Intrinsics = def.Intrinsics
	}
	setFloat := func(v *float64, d float64) {
		if *v == 0 {
			*v = d
		}
	}
	setFloat(&out.DepthScale, def.DepthScale)
	setFloat(&out.MaxDepth, def.MaxDepth)
	setFloat(&out.OnlineVoxelSize, def.OnlineVoxelSize)
	setFloat(&out.OnlineSDFTrunc, def.OnlineSDFTrunc)
	setFloat(&out.OfflineVoxelSize, def.OfflineVoxelSize)
	setFloat(&out.OfflineSDFTrunc, def.OfflineSDFTrunc)
	setFloat(&out.OdometryMaxDepthDiff, def.OdometryMaxDepthDiff)
	setFloat(&out.LoopMaxDepthDiff, def.LoopMaxDepthDiff)
	setFloat(&out.PreferenceLoopClosure, def.PreferenceLoopClosure)
	setFloat(&out.EdgePruneThreshold, def.EdgePruneThreshold)
	setFloat(&out.SnapshotVoxelSize, def.SnapshotVoxelSize)
	if out.KeyframeInterval == 0 {
		out.KeyframeInterval = def.KeyframeInterval
	}
	if out.MaxLoopDistance == 0 {
		out.MaxLoopDistance = def.MaxLoopDistance
	}
	if len(out.IterationsPerLevel) == 0 {
		out.IterationsPerLevel = def.IterationsPerLevel
	}
	if out.SubdivideIterations == nil {
		out.SubdivideIterations = def.SubdivideIterations
	}
	if out.ColorMapIterations == nil {
		out.ColorMapIterations = def.ColorMapIterations
	}
	if out.OutputDir == "" {
		out.OutputDir = def.OutputDir
	}
	return out
}

// Validate checks a config after defaults have been applied.
func (c *Config) Validate() error {
	if err := c.Intrinsics.CheckValid(); err != nil {
		return errors.Wrap(err, "intrinsic_parameters")
	}
	if c.DepthScale <= 0 {
		return errors.Errorf("depth_scale must be positive, got %v", c.DepthScale)
	}
	if c.MaxDepth <= 0 {
		return errors.Errorf("max_depth_m must be positive, got %v", c.MaxDepth)
	}
	if err := c.OnlineVolume().Validate(); err != nil {
		return errors.Wrap(err, "online volume")
	}
	if err := c.OfflineVolume().Validate(); err != nil {
		return errors.Wrap(err, "offline volume")
	}
	if c.KeyframeInterval < 1 {
		return errors.Errorf("keyframe_interval must be at least 1, got %d", c.KeyframeInterval)
	}
	if c.MaxLoopDistance < 1 {
		return errors.Errorf("max_loop_distance must be at least 1, got %d", c.MaxLoopDistance)
	}
	if err := c.OdometryOption().Validate(); err != nil {
		return errors.Wrap(err, "odometry")
	}
	if err := c.LoopOdometryOption().Validate(); err != nil {
		return errors.Wrap(err, "loop closure odometry")
	}
	if c.PairingTimeoutMs < 0 {
		return errors.Errorf("pairing_timeout_ms cannot be negative, got %d", c.PairingTimeoutMs)
	}
	if c.PreferenceLoopClosure < 0 {
		return errors.Errorf("preference_loop_closure cannot be negative, got %v", c.PreferenceLoopClosure)
	}
	if c.EdgePruneThreshold < 0 || c.EdgePruneThreshold > 1 {
		return errors.Errorf("edge_prune_threshold must be in [0, 1], got %v", c.EdgePruneThreshold)
	}
	if c.SubdivideIterations != nil && *c.SubdivideIterations < 0 {
		return errors.Errorf("subdivide_iterations cannot be negative, got %d", *c.SubdivideIterations)
	}
	if c.ColorMapIterations != nil && *c.ColorMapIterations < 0 {
		return errors.Errorf("color_map_iterations cannot be negative, got %d", *c.ColorMapIterations)
	}
	if c.SnapshotVoxelSize < 0 {
		return errors.Errorf("snapshot_voxel_size_m cannot be negative, got %v", c.SnapshotVoxelSize)
	}
	return nil
}

// OnlineVolume sizes the volume fused while scanning.
func (c *Config) OnlineVolume() tsdf.Options {
	return tsdf.Options{VoxelSize: c.OnlineVoxelSize, SDFTrunc: c.OnlineSDFTrunc}
}

// OfflineVolume sizes the volume rebuilt at finalize.
func (c *Config) OfflineVolume() tsdf.Options {
	return tsdf.Options{VoxelSize: c.OfflineVoxelSize, SDFTrunc: c.OfflineSDFTrunc}
}

// OdometryOption is used between consecutive frames.
func (c *Config) OdometryOption() odometry.Option {
	opt := odometry.DefaultOption()
	opt.IterationsPerLevel = c.IterationsPerLevel
	opt.MaxDepthDiff = c.OdometryMaxDepthDiff
	return opt
}

// LoopOdometryOption is used between loop closure keyframes.
func (c *Config) LoopOdometryOption() odometry.Option {
	opt := c.OdometryOption()
	opt.MaxDepthDiff = c.LoopMaxDepthDiff
	return opt
}

// OptimizerOption configures the global pose graph optimization.
func (c *Config) OptimizerOption() posegraph.Option {
	opt := posegraph.DefaultOption()
	opt.PreferenceLoopClosure = c.PreferenceLoopClosure
	opt.EdgePruneThreshold = c.EdgePruneThreshold
	return opt
}

// ColorMapOption configures color map optimization.
func (c *Config) ColorMapOption() mesh.ColorMapOption {
	opt := mesh.DefaultColorMapOption()
	if c.ColorMapIterations != nil {
		opt.MaxIterations = *c.ColorMapIterations
	}
	return opt
}

// PairingTimeout returns the synchronizer pairing timeout.
func (c *Config) PairingTimeout() time.Duration {
	return time.Duration(c.PairingTimeoutMs) * time.Millisecond
}

// ConfigFromAttributes decodes an attribute map keyed by the JSON names of Config. Unknown keys
// are rejected. Defaults are applied and the result is validated.
func ConfigFromAttributes(attributes map[string]interface{}) (*Config, error) {
	var conf Config
	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "json", Result: &conf, Metadata: &md})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(attributes); err != nil {
		return nil, errors.Wrap(err, "cannot decode configuration")
	}
	if len(md.Unused) > 0 {
		sort.Strings(md.Unused)
		return nil, errors.Errorf("unknown configuration keys %v", md.Unused)
	}
	conf = conf.WithDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

// ReadAttributesFile loads a YAML or JSON configuration file into an attribute map without
// decoding it.
func ReadAttributesFile(path string) (map[string]interface{}, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "cannot read configuration")
	}
	attributes := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &attributes); err != nil {
		return nil, errors.Wrapf(err, "cannot parse configuration %q", path)
	}
	return attributes, nil
}

// ReadConfigFile loads a YAML or JSON configuration file.
func ReadConfigFile(path string) (*Config, error) {
	attributes, err := ReadAttributesFile(path)
	if err != nil {
		return nil, err
	}
	return ConfigFromAttributes(attributes)
}
