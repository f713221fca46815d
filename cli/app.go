// Package cli implements the rgbdscan command line.
package cli

import (
	"io"

	"github.com/edaniels/golog"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/regardrgbd/rgbdscan/rimage/transform"
)

const (
	// Flags.
	flagDebug          = "debug"
	flagQuiet          = "quiet"
	flagConfig         = "config"
	flagOutput         = "output"
	flagSource         = "source"
	flagDir            = "dir"
	flagCameraModel    = "camera-model"
	flagFrames         = "frames"
	flagFrameRate      = "frame-rate"
	flagDropColorEvery = "drop-color-every"
	flagSnapshot       = "snapshot"
	flagTrajectory     = "trajectory"
	flagTraceFile      = "trace-file"
	flagIndex          = "index"
	flagWidth          = "width"

	sourceFake   = "fake"
	sourceReplay = "replay"

	cameraModels = "one of " + transform.CalibratedVGAModel + " (default) or " + transform.PrimeSenseModel
)

// NewApp returns the rgbdscan application. Command output goes to out.
func NewApp(out io.Writer) *cli.App {
	var logger golog.Logger
	withLogger := func(action func(*cli.Context, golog.Logger) error) cli.ActionFunc {
		return func(c *cli.Context) error {
			return action(c, logger)
		}
	}

	return &cli.App{
		Name:            "rgbdscan",
		Usage:           "reconstruct colored meshes from RGBD sequences",
		HideHelpCommand: true,
		Writer:          out,
		ErrWriter:       out,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
			&cli.BoolFlag{
				Name:    flagQuiet,
				Aliases: []string{"q"},
				Usage:   "disable logging",
			},
		},
		Before: func(c *cli.Context) error {
			switch {
			case c.Bool(flagDebug):
				logger = golog.NewDebugLogger("rgbdscan")
			case c.Bool(flagQuiet):
				logger = zap.NewNop().Sugar()
			default:
				logger = golog.NewDevelopmentLogger("rgbdscan")
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "scan",
				Usage: "fuse a sequence and write the online, optimized and color mapped meshes",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  flagSource,
						Value: sourceFake,
						Usage: "frame source, one of " + sourceFake + " or " + sourceReplay,
					},
					&cli.StringFlag{
						Name:  flagDir,
						Usage: "recorded sequence `DIRECTORY` for the replay source",
					},
					&cli.StringFlag{
						Name:  flagCameraModel,
						Usage: "intrinsics preset for sequences without intrinsics.json, " + cameraModels,
					},
					&cli.IntFlag{
						Name:  flagFrames,
						Value: 30,
						Usage: "number of frames the fake source produces",
					},
					&cli.Float64Flag{
						Name:  flagFrameRate,
						Usage: "frames per second; zero streams as fast as possible",
					},
					&cli.IntFlag{
						Name:  flagDropColorEvery,
						Usage: "drop every n-th color frame of the fake source",
					},
					&cli.StringFlag{
						Name:    flagConfig,
						Aliases: []string{"c"},
						Usage:   "load reconstruction configuration from `FILE`",
					},
					&cli.StringFlag{
						Name:    flagOutput,
						Aliases: []string{"o"},
						Usage:   "write meshes to `DIRECTORY`",
					},
					&cli.StringFlag{
						Name:  flagSnapshot,
						Usage: "also write the last fused frame as a PCD `FILE`; relative paths are under the output directory",
					},
					&cli.StringFlag{
						Name:  flagTrajectory,
						Usage: "also plot the online and optimized camera paths to an image `FILE`; relative paths are under the output directory",
					},
					&cli.StringFlag{
						Name:  flagTraceFile,
						Usage: "record trace spans as JSON lines in `FILE`",
					},
				},
				Action: withLogger(ScanAction),
			},
			{
				Name:  "record",
				Usage: "record the fake source into a sequence directory",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     flagOutput,
						Aliases:  []string{"o"},
						Required: true,
						Usage:    "sequence `DIRECTORY`",
					},
					&cli.IntFlag{
						Name:  flagFrames,
						Value: 30,
						Usage: "number of frames to record",
					},
					&cli.IntFlag{
						Name:  flagDropColorEvery,
						Usage: "drop every n-th color frame",
					},
				},
				Action: withLogger(RecordAction),
			},
			{
				Name:  "preview",
				Usage: "write a colorized preview of one recorded depth frame",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     flagDir,
						Required: true,
						Usage:    "recorded sequence `DIRECTORY`",
					},
					&cli.StringFlag{
						Name:  flagCameraModel,
						Usage: "intrinsics preset for sequences without intrinsics.json, " + cameraModels,
					},
					&cli.IntFlag{
						Name:  flagIndex,
						Usage: "frame index",
					},
					&cli.IntFlag{
						Name:  flagWidth,
						Usage: "resize the preview to this width in pixels",
					},
					&cli.StringFlag{
						Name:     flagOutput,
						Aliases:  []string{"o"},
						Required: true,
						Usage:    "image `FILE`",
					},
				},
				Action: withLogger(PreviewAction),
			},
		},
	}
}
