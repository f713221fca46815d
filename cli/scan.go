package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/edaniels/golog"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"

	"github.com/regardrgbd/rgbdscan/internal/tracefile"
	"github.com/regardrgbd/rgbdscan/reconstruction"
	"github.com/regardrgbd/rgbdscan/rimage"
	"github.com/regardrgbd/rgbdscan/sensor"
	"github.com/regardrgbd/rgbdscan/sensor/fake"
	"github.com/regardrgbd/rgbdscan/sensor/replay"
	"github.com/regardrgbd/rgbdscan/utils"
)

// finiteSource is a frame source that reports when it has emitted its last frame.
type finiteSource interface {
	sensor.FrameSource
	Done() <-chan struct{}
}

// newSource builds the source selected by the scan flags and the last index it will pair, or -1
// when it streams until stopped.
func newSource(c *cli.Context, logger golog.Logger) (finiteSource, int, error) {
	switch name := c.String(flagSource); name {
	case sourceFake:
		cam, err := fake.NewCamera(fake.Config{
			NumFrames:      c.Int(flagFrames),
			FrameRate:      c.Float64(flagFrameRate),
			DropColorEvery: c.Int(flagDropColorEvery),
		}, nil, logger)
		if err != nil {
			return nil, 0, err
		}
		return cam, cam.LastIndex(), nil
	case sourceReplay:
		src, err := replay.NewSource(replay.Config{
			Dir:         c.String(flagDir),
			FrameRate:   c.Float64(flagFrameRate),
			CameraModel: c.String(flagCameraModel),
		}, nil, logger)
		if err != nil {
			return nil, 0, err
		}
		return src, src.Len() - 1, nil
	default:
		return nil, 0, errors.Errorf("unknown source %q", name)
	}
}

// scanConfig reads the configuration file, if any. Intrinsics and depth scale the file leaves
// unset are left for the session to take from the source.
func scanConfig(path string) (reconstruction.Config, error) {
	if path == "" {
		return reconstruction.Config{}, nil
	}
	attributes, err := reconstruction.ReadAttributesFile(path)
	if err != nil {
		return reconstruction.Config{}, err
	}
	cfg, err := reconstruction.ConfigFromAttributes(attributes)
	if err != nil {
		return reconstruction.Config{}, err
	}
	if _, ok := attributes["intrinsic_parameters"]; !ok {
		cfg.Intrinsics = nil
	}
	if _, ok := attributes["depth_scale"]; !ok {
		cfg.DepthScale = 0
	}
	return *cfg, nil
}

// artifactPath places a relative path under outputDir, refusing paths that leave it, and creates
// the parent directory. Absolute paths are used as given.
func artifactPath(outputDir, path string) (string, error) {
	if !filepath.IsAbs(path) {
		joined, err := utils.SafeJoinDir(outputDir, path)
		if err != nil {
			return "", err
		}
		path = joined
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", errors.Wrapf(err, "cannot create directory for %q", path)
	}
	return path, nil
}

// startTracing samples every span into path until the returned function is called.
func startTracing(path string) func() error {
	exporter := tracefile.NewExporter(filepath.Dir(path), filepath.Base(path))
	trace.RegisterExporter(exporter)
	trace.ApplyConfig(trace.Config{DefaultSampler: trace.AlwaysSample()})
	return func() error {
		trace.UnregisterExporter(exporter)
		return multierr.Combine(exporter.Err(), exporter.Close())
	}
}

// ScanAction runs a full scanning session: fusion while the source streams, then finalize.
func ScanAction(c *cli.Context, logger golog.Logger) (err error) {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()
	if path := c.String(flagTraceFile); path != "" {
		stopTracing := startTracing(path)
		defer func() {
			err = multierr.Combine(err, stopTracing())
		}()
	}

	cfg, err := scanConfig(c.String(flagConfig))
	if err != nil {
		return err
	}
	if out := c.String(flagOutput); out != "" {
		cfg.OutputDir = out
	}
	outputDir := cfg.WithDefaults().OutputDir
	var snapshotPath, trajectoryPath string
	if path := c.String(flagSnapshot); path != "" {
		if snapshotPath, err = artifactPath(outputDir, path); err != nil {
			return err
		}
	}
	if path := c.String(flagTrajectory); path != "" {
		if trajectoryPath, err = artifactPath(outputDir, path); err != nil {
			return err
		}
	}
	source, last, err := newSource(c, logger)
	if err != nil {
		return err
	}
	session, err := reconstruction.NewSession(cfg, source, logger)
	if err != nil {
		return err
	}
	if err := session.Start(ctx); err != nil {
		return err
	}

	select {
	case <-source.Done():
		if last >= 0 {
			if err := session.WaitForFrame(ctx, last); err != nil && !errors.Is(err, context.Canceled) {
				return multierr.Combine(err, session.Stop())
			}
		}
	case <-ctx.Done():
	}

	if snapshotPath != "" {
		if err := session.ExportSnapshot(snapshotPath); err != nil {
			return multierr.Combine(err, session.Stop())
		}
		fmt.Fprintf(c.App.Writer, "wrote %s\n", snapshotPath)
	}

	// finalize even after an interrupt so the frames fused so far are not lost
	res, err := session.Finalize(context.WithoutCancel(ctx))
	if res != nil {
		for _, f := range res.Files {
			fmt.Fprintf(c.App.Writer, "wrote %s\n", f)
		}
		if res.Fallback {
			color.New(color.FgYellow).Fprintln(c.App.Writer, "pose graph optimization failed; kept the online mesh only")
		}
	}
	if trajectoryPath != "" && res != nil {
		if err := session.ExportTrajectory(trajectoryPath, res); err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "wrote %s\n", trajectoryPath)
	}
	return err
}

// RecordAction records the fake source into a sequence directory replay can read.
func RecordAction(c *cli.Context, logger golog.Logger) error {
	cam, err := fake.NewCamera(fake.Config{
		NumFrames:      c.Int(flagFrames),
		DropColorEvery: c.Int(flagDropColorEvery),
	}, nil, logger)
	if err != nil {
		return err
	}
	dir := c.String(flagOutput)
	rec, err := replay.NewRecorder(dir, cam.Intrinsics())
	if err != nil {
		return err
	}
	if err := cam.Start(c.Context, rec); err != nil {
		return err
	}
	<-cam.Done()
	if err := cam.Stop(); err != nil {
		return err
	}
	depthSent, colorSent := cam.Sent()
	fmt.Fprintf(c.App.Writer, "recorded %d depth and %d color frames to %s\n", depthSent, colorSent, dir)
	return nil
}

// PreviewAction writes a colorized preview of one recorded depth frame.
func PreviewAction(c *cli.Context, logger golog.Logger) error {
	src, err := replay.NewSource(replay.Config{Dir: c.String(flagDir), CameraModel: c.String(flagCameraModel)}, nil, logger)
	if err != nil {
		return err
	}
	f, err := src.DepthFrame(c.Int(flagIndex))
	if err != nil {
		return err
	}
	dm, err := rimage.ConvertDepth(f, src.DepthScale(), 0)
	if err != nil {
		return err
	}
	out := c.String(flagOutput)
	if err := rimage.SaveDepthPreview(dm, out, c.Int(flagWidth)); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "wrote %s\n", out)
	return nil
}
