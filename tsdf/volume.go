// Package tsdf implements a sparse, block-hashed truncated signed distance volume with color.
//
// Space is divided into blocks of BlockResolution³ voxels that are allocated on demand around
// observed surfaces. Voxel samples sit on the lattice points i*VoxelSize. A Volume is not safe for
// concurrent mutation; the fusion loop owns it exclusively.
package tsdf

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"math"
	"sort"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/regardrgbd/rgbdscan/rimage"
	"github.com/regardrgbd/rgbdscan/rimage/transform"
	"github.com/regardrgbd/rgbdscan/spatialmath"
	"github.com/regardrgbd/rgbdscan/utils"
)

// BlockResolution is the number of voxels along each edge of a block.
const BlockResolution = 8

const blockVoxels = BlockResolution * BlockResolution * BlockResolution

// Options size a Volume.
type Options struct {
	VoxelSize float64
	SDFTrunc  float64
}

// Validate checks the options describe a usable volume.
func (o Options) Validate() error {
	if o.VoxelSize <= 0 {
		return errors.Errorf("voxel size must be positive, got %v", o.VoxelSize)
	}
	if o.SDFTrunc <= 0 {
		return errors.Errorf("sdf truncation must be positive, got %v", o.SDFTrunc)
	}
	return nil
}

// ErrImageMismatch is returned when an image does not match the intrinsics it is integrated with.
var ErrImageMismatch = errors.New("image does not match camera intrinsics")

type voxel struct {
	tsdf    float32
	weight  float32
	r, g, b float32
}

type blockKey struct {
	x, y, z int
}

func (k blockKey) less(o blockKey) bool {
	if k.x != o.x {
		return k.x < o.x
	}
	if k.y != o.y {
		return k.y < o.y
	}
	return k.z < o.z
}

type block struct {
	voxels [blockVoxels]voxel
}

func localIndex(x, y, z int) int {
	return (z*BlockResolution+y)*BlockResolution + x
}

// Volume accumulates depth frames into a weighted TSDF.
type Volume struct {
	opts       Options
	blocks     map[blockKey]*block
	integrated int
	logger     golog.Logger
}

// NewVolume returns an empty volume.
func NewVolume(opts Options, logger golog.Logger) (*Volume, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Volume{opts: opts, blocks: map[blockKey]*block{}, logger: logger}, nil
}

// Options returns the sizing the volume was built with.
func (v *Volume) Options() Options {
	return v.opts
}

// IntegratedCount returns the number of frames integrated since creation or the last Reset.
func (v *Volume) IntegratedCount() int {
	return v.integrated
}

// BlockCount returns the number of allocated blocks.
func (v *Volume) BlockCount() int {
	return len(v.blocks)
}

// Reset drops all accumulated state.
func (v *Volume) Reset() {
	v.blocks = map[blockKey]*block{}
	v.integrated = 0
}

// Clone returns a deep copy.
func (v *Volume) Clone() *Volume {
	out := &Volume{opts: v.opts, blocks: make(map[blockKey]*block, len(v.blocks)), integrated: v.integrated, logger: v.logger}
	for k, b := range v.blocks {
		cp := *b
		out.blocks[k] = &cp
	}
	return out
}

func (v *Volume) blockEdge() float64 {
	return v.opts.VoxelSize * BlockResolution
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func (v *Volume) blockKeyForPoint(p r3.Vector) blockKey {
	e := v.blockEdge()
	return blockKey{int(math.Floor(p.X / e)), int(math.Floor(p.Y / e)), int(math.Floor(p.Z / e))}
}

// voxelAt returns the voxel at global lattice coordinates, or nil when its block is not allocated.
func (v *Volume) voxelAt(gx, gy, gz int) *voxel {
	k := blockKey{floorDiv(gx, BlockResolution), floorDiv(gy, BlockResolution), floorDiv(gz, BlockResolution)}
	b, ok := v.blocks[k]
	if !ok {
		return nil
	}
	return &b.voxels[localIndex(gx-k.x*BlockResolution, gy-k.y*BlockResolution, gz-k.z*BlockResolution)]
}

func (v *Volume) sortedKeys() []blockKey {
	keys := make([]blockKey, 0, len(v.blocks))
	for k := range v.blocks {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
	return keys
}

// Integrate fuses img observed from worldToCamera into the volume. Blocks within the truncation
// band of every valid depth sample are allocated first; the allocated blocks touched are then
// updated in parallel, each by exactly one goroutine. ctx is checked once before the volume is
// modified; an integration that has started always runs to completion.
func (v *Volume) Integrate(
	ctx context.Context,
	img *rimage.RGBDImage,
	intrinsics *transform.PinholeCameraIntrinsics,
	worldToCamera spatialmath.Pose,
) error {
	if err := intrinsics.CheckValid(); err != nil {
		return err
	}
	if err := intrinsics.CheckImageSize(img.Width(), img.Height()); err != nil {
		return errors.Wrap(ErrImageMismatch, err.Error())
	}
	if b := img.Color.Bounds(); b.Dx() != img.Width() || b.Dy() != img.Height() {
		return errors.Wrap(ErrImageMismatch, utils.NewSizeMismatchError("color", img.Width(), img.Height(), b.Dx(), b.Dy()).Error())
	}
	if !worldToCamera.IsFinite() {
		return errors.New("cannot integrate with a non-finite pose")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cameraToWorld := spatialmath.PoseInverse(worldToCamera)
	touched := v.allocateAround(img, intrinsics, cameraToWorld)
	keys := make([]blockKey, 0, len(touched))
	for k := range touched {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	// a frame is fused whole or not at all; cancellation is only honored before the first write
	err := utils.GroupWorkParallel(context.WithoutCancel(ctx), len(keys), func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
		return func(memberNum, workNum int) {
			k := keys[workNum]
			v.integrateBlock(k, v.blocks[k], img, intrinsics, worldToCamera)
		}, nil
	})
	if err != nil {
		return err
	}
	v.integrated++
	v.logger.Debugw("integrated frame", "index", img.Index, "blocks_touched", len(keys), "blocks_total", len(v.blocks))
	return nil
}

func (v *Volume) allocateAround(
	img *rimage.RGBDImage,
	intrinsics *transform.PinholeCameraIntrinsics,
	cameraToWorld spatialmath.Pose,
) map[blockKey]struct{} {
	touched := map[blockKey]struct{}{}
	trunc := v.opts.SDFTrunc
	steps := int(math.Ceil(2*trunc/(0.5*v.blockEdge()))) + 1
	for y := 0; y < img.Height(); y++ {
		for x := 0; x < img.Width(); x++ {
			d := float64(img.Depth.GetDepth(x, y))
			if !rimage.IsValidDepth(float32(d)) {
				continue
			}
			rx, ry, _ := intrinsics.PixelToPoint(float64(x), float64(y), 1)
			for s := 0; s < steps; s++ {
				z := d - trunc + 2*trunc*float64(s)/float64(steps-1)
				if z <= 0 {
					continue
				}
				world := cameraToWorld.Transform(r3.Vector{X: rx * z, Y: ry * z, Z: z})
				touched[v.blockKeyForPoint(world)] = struct{}{}
			}
		}
	}
	for k := range touched {
		if _, ok := v.blocks[k]; !ok {
			v.blocks[k] = &block{}
		}
	}
	return touched
}

func (v *Volume) integrateBlock(
	k blockKey,
	b *block,
	img *rimage.RGBDImage,
	intrinsics *transform.PinholeCameraIntrinsics,
	worldToCamera spatialmath.Pose,
) {
	vs := v.opts.VoxelSize
	trunc := v.opts.SDFTrunc
	w, h := img.Width(), img.Height()
	for lz := 0; lz < BlockResolution; lz++ {
		for ly := 0; ly < BlockResolution; ly++ {
			for lx := 0; lx < BlockResolution; lx++ {
				world := r3.Vector{
					X: float64(k.x*BlockResolution+lx) * vs,
					Y: float64(k.y*BlockResolution+ly) * vs,
					Z: float64(k.z*BlockResolution+lz) * vs,
				}
				cam := worldToCamera.Transform(world)
				if cam.Z <= 0 {
					continue
				}
				u, vv := intrinsics.PointToPixel(cam.X, cam.Y, cam.Z)
				px, py := int(math.Round(u)), int(math.Round(vv))
				if px < 0 || py < 0 || px >= w || py >= h {
					continue
				}
				d := img.Depth.GetDepth(px, py)
				if !rimage.IsValidDepth(d) {
					continue
				}
				sdf := float64(d) - cam.Z
				if sdf <= -trunc {
					continue
				}
				tsdf := math.Min(1, sdf/trunc)
				c := img.Color.NRGBAAt(px, py)
				vox := &b.voxels[localIndex(lx, ly, lz)]
				nw := vox.weight + 1
				vox.tsdf = (vox.tsdf*vox.weight + float32(tsdf)) / nw
				vox.r = (vox.r*vox.weight + float32(c.R)) / nw
				vox.g = (vox.g*vox.weight + float32(c.G)) / nw
				vox.b = (vox.b*vox.weight + float32(c.B)) / nw
				vox.weight = nw
			}
		}
	}
}

// ObservedVoxelCount returns the number of voxels with non-zero weight.
func (v *Volume) ObservedVoxelCount() int {
	n := 0
	for _, b := range v.blocks {
		for i := range b.voxels {
			if b.voxels[i].weight > 0 {
				n++
			}
		}
	}
	return n
}

// Digest returns a fingerprint of the accumulated voxel state. Two volumes built from the same
// frames at the same poses in the same order have equal digests.
func (v *Volume) Digest() uint64 {
	h := fnv.New64a()
	buf := make([]byte, 24)
	for _, k := range v.sortedKeys() {
		b := v.blocks[k]
		binary.LittleEndian.PutUint32(buf[0:], uint32(int32(k.x)))
		binary.LittleEndian.PutUint32(buf[4:], uint32(int32(k.y)))
		binary.LittleEndian.PutUint32(buf[8:], uint32(int32(k.z)))
		//nolint:errcheck
		h.Write(buf[:12])
		for i := range b.voxels {
			vox := &b.voxels[i]
			if vox.weight == 0 {
				continue
			}
			binary.LittleEndian.PutUint32(buf[0:], uint32(i))
			binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(vox.tsdf))
			binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(vox.weight))
			binary.LittleEndian.PutUint32(buf[12:], math.Float32bits(vox.r))
			binary.LittleEndian.PutUint32(buf[16:], math.Float32bits(vox.g))
			binary.LittleEndian.PutUint32(buf[20:], math.Float32bits(vox.b))
			//nolint:errcheck
			h.Write(buf)
		}
	}
	return h.Sum64()
}
