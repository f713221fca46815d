// Package replay streams a recorded RGBD sequence from disk and records live sequences in the
// same layout.
//
// A sequence directory holds depth/NNNNNN.png (16-bit grayscale, raw sensor units),
// color/NNNNNN.png (8-bit RGB) and an optional intrinsics.json. Frames are indexed by their
// position in the sorted depth listing.
package replay

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/regardrgbd/rgbdscan/rimage"
	"github.com/regardrgbd/rgbdscan/rimage/transform"
	"github.com/regardrgbd/rgbdscan/sensor"
	"github.com/regardrgbd/rgbdscan/utils"
)

const (
	depthDir       = "depth"
	colorDir       = "color"
	intrinsicsFile = "intrinsics.json"
)

// Config are the attributes of a replay source.
type Config struct {
	Dir        string  `json:"dir"`
	DepthScale float64 `json:"depth_scale,omitempty"`
	// FrameRate paces playback in frames per second; zero replays as fast as possible.
	FrameRate float64 `json:"frame_rate,omitempty"`
	// CameraModel names the intrinsics preset used when the directory has no intrinsics.json.
	CameraModel string `json:"camera_model,omitempty"`
}

// Validate checks that the config attributes are valid for a replay source.
func (conf *Config) Validate() error {
	if conf.Dir == "" {
		return errors.New("replay source needs a directory")
	}
	if conf.DepthScale < 0 || conf.FrameRate < 0 {
		return errors.New("depth scale and frame rate cannot be negative")
	}
	return nil
}

// Source replays a recorded sequence.
type Source struct {
	cfg        Config
	depthFiles []string
	colorFiles []string
	intrinsics *transform.PinholeCameraIntrinsics
	clk        clock.Clock
	logger     golog.Logger

	mu      sync.Mutex
	workers utils.StoppableWorkers
	done    chan struct{}
}

var _ sensor.FrameSource = (*Source)(nil)

func listPNG(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.png"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// NewSource indexes a sequence directory. Without intrinsics.json the camera model named in conf
// is assumed, the calibrated VGA model by default, which must then match the recorded image size.
// A nil clk uses the wall clock.
func NewSource(conf Config, clk clock.Clock, logger golog.Logger) (*Source, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if conf.DepthScale == 0 {
		conf.DepthScale = 1000
	}
	if clk == nil {
		clk = clock.New()
	}
	depthFiles, err := listPNG(filepath.Join(conf.Dir, depthDir))
	if err != nil {
		return nil, err
	}
	if len(depthFiles) == 0 {
		return nil, errors.Errorf("no depth frames under %q", filepath.Join(conf.Dir, depthDir))
	}
	colorFiles := make([]string, 0, len(depthFiles))
	for _, f := range depthFiles {
		cf := filepath.Join(conf.Dir, colorDir, filepath.Base(f))
		if _, err := os.Stat(cf); err != nil {
			return nil, errors.Wrapf(err, "depth frame %q has no color frame", filepath.Base(f))
		}
		colorFiles = append(colorFiles, cf)
	}

	intrinsics, err := transform.IntrinsicsPreset(conf.CameraModel)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(conf.Dir, intrinsicsFile)); err == nil {
		intrinsics, err = transform.NewPinholeCameraIntrinsicsFromJSONFile(filepath.Join(conf.Dir, intrinsicsFile))
		if err != nil {
			return nil, err
		}
	}
	first, err := loadDepth(depthFiles[0], 0)
	if err != nil {
		return nil, err
	}
	if err := intrinsics.CheckImageSize(first.Width, first.Height); err != nil {
		return nil, err
	}
	logger.Infow("indexed recorded sequence", "dir", conf.Dir, "frames", len(depthFiles))
	return &Source{
		cfg:        conf,
		depthFiles: depthFiles,
		colorFiles: colorFiles,
		intrinsics: intrinsics,
		clk:        clk,
		logger:     logger,
	}, nil
}

// Len returns the number of recorded frames.
func (s *Source) Len() int {
	return len(s.depthFiles)
}

// Intrinsics returns the recorded camera model.
func (s *Source) Intrinsics() *transform.PinholeCameraIntrinsics {
	return s.intrinsics
}

// DepthScale returns raw depth units per meter.
func (s *Source) DepthScale() float64 {
	return s.cfg.DepthScale
}

// DepthFrame loads the recorded depth frame at index.
func (s *Source) DepthFrame(index int) (*rimage.Frame, error) {
	if index < 0 || index >= len(s.depthFiles) {
		return nil, errors.Errorf("frame %d out of range [0, %d)", index, len(s.depthFiles))
	}
	return loadDepth(s.depthFiles[index], index)
}

func loadDepth(path string, index int) (*rimage.Frame, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read depth frame %q", path)
	}
	gray, ok := img.(*image.Gray16)
	if !ok {
		return nil, errors.Wrapf(utils.NewUnexpectedTypeError(gray, img), "depth frame %q", path)
	}
	b := gray.Bounds()
	f := &rimage.Frame{Kind: rimage.StreamDepth, Index: index, Width: b.Dx(), Height: b.Dy(), Stride: 2 * b.Dx()}
	f.Data = make([]byte, f.Stride*f.Height)
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			binary.LittleEndian.PutUint16(f.Data[y*f.Stride+2*x:], gray.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
		}
	}
	return f, nil
}

func loadColor(path string, index int) (*rimage.Frame, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read color frame %q", path)
	}
	nrgba := imaging.Clone(img)
	w, h := nrgba.Rect.Dx(), nrgba.Rect.Dy()
	f := &rimage.Frame{Kind: rimage.StreamColor, Index: index, Width: w, Height: h, Stride: 3 * w, Data: make([]byte, 3*w*h)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := nrgba.NRGBAAt(x, y)
			off := y*f.Stride + 3*x
			f.Data[off], f.Data[off+1], f.Data[off+2] = c.R, c.G, c.B
		}
	}
	return f, nil
}

// Start replays every recorded frame to handler, depth and color on separate goroutines.
func (s *Source) Start(ctx context.Context, handler sensor.FrameHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workers != nil {
		return errors.New("replay source already started")
	}
	s.done = make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	play := func(kind rimage.StreamKind, files []string, load func(string, int) (*rimage.Frame, error)) func(context.Context) {
		return func(ctx context.Context) {
			defer wg.Done()
			s.play(ctx, kind, files, load, handler)
		}
	}
	s.workers = utils.NewStoppableWorkersWithContext(ctx,
		play(rimage.StreamDepth, s.depthFiles, loadDepth),
		play(rimage.StreamColor, s.colorFiles, loadColor),
	)
	done := s.done
	goutils.PanicCapturingGo(func() {
		wg.Wait()
		close(done)
	})
	return nil
}

func (s *Source) play(
	ctx context.Context,
	kind rimage.StreamKind,
	files []string,
	load func(string, int) (*rimage.Frame, error),
	handler sensor.FrameHandler,
) {
	var period time.Duration
	var ticker *clock.Ticker
	if s.cfg.FrameRate > 0 {
		period = time.Duration(float64(time.Second) / s.cfg.FrameRate)
		ticker = s.clk.Ticker(period)
		defer ticker.Stop()
	}
	for i, path := range files {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return
		}
		f, err := load(path, i)
		if err != nil {
			s.logger.Warnw("skipping unreadable frame", "stream", kind, "index", i, "error", err)
			continue
		}
		f.Timestamp = time.Duration(i) * period
		if err := handler.OnFrame(kind, f.Index, f.Width, f.Height, f.Stride, f.Data, f.Timestamp); err != nil {
			s.logger.Warnw("frame handler rejected frame", "stream", kind, "index", i, "error", err)
		}
	}
}

// Done is closed once both streams have been replayed or stopped. It is nil before Start.
func (s *Source) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Stop halts playback and waits for both streams to return.
func (s *Source) Stop() error {
	s.mu.Lock()
	workers := s.workers
	s.mu.Unlock()
	if workers == nil {
		return errors.New("replay source not started")
	}
	workers.Stop()
	return nil
}

// Recorder is a FrameHandler that writes every frame it receives into a sequence directory.
type Recorder struct {
	dir string
}

// NewRecorder creates the sequence layout under dir and stores intrinsics when given.
func NewRecorder(dir string, intrinsics *transform.PinholeCameraIntrinsics) (*Recorder, error) {
	for _, sub := range []string{depthDir, colorDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o750); err != nil {
			return nil, errors.Wrapf(err, "cannot create %q", filepath.Join(dir, sub))
		}
	}
	if intrinsics != nil {
		err := utils.WriteFileAtomic(filepath.Join(dir, intrinsicsFile), func(w io.Writer) error {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(intrinsics)
		})
		if err != nil {
			return nil, err
		}
	}
	return &Recorder{dir: dir}, nil
}

// OnFrame encodes the frame as PNG under its stream directory.
func (r *Recorder) OnFrame(
	kind rimage.StreamKind,
	index, width, height, stride int,
	data []byte,
	timestamp time.Duration,
) error {
	f := &rimage.Frame{Kind: kind, Index: index, Width: width, Height: height, Stride: stride, Timestamp: timestamp, Data: data}
	if err := f.Validate(); err != nil {
		return err
	}
	var img image.Image
	sub := depthDir
	if kind == rimage.StreamDepth {
		gray := image.NewGray16(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				gray.SetGray16(x, y, color.Gray16{Y: f.DepthAt(x, y)})
			}
		}
		img = gray
	} else {
		sub = colorDir
		nrgba := image.NewNRGBA(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				r, g, b := f.RGBAt(x, y)
				nrgba.SetNRGBA(x, y, color.NRGBA{R: r, G: g, B: b, A: 255})
			}
		}
		img = nrgba
	}
	path := filepath.Join(r.dir, sub, fmt.Sprintf("%06d.png", index))
	return utils.WriteFileAtomic(path, func(w io.Writer) error {
		return imaging.Encode(w, img, imaging.PNG)
	})
}
