package posegraph

import (
	"context"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/regardrgbd/rgbdscan/rimage/transform"
	"github.com/regardrgbd/rgbdscan/tsdf"
)

// Reintegrate fuses every successful entry into a fresh volume at its refined extrinsic, in
// increasing index order.
func Reintegrate(
	ctx context.Context,
	g *Graph,
	entries []Entry,
	intrinsics *transform.PinholeCameraIntrinsics,
	opts tsdf.Options,
	logger golog.Logger,
) (*tsdf.Volume, error) {
	if len(entries) != len(g.Nodes) {
		return nil, errors.Errorf("graph has %d nodes but history has %d entries", len(g.Nodes), len(entries))
	}
	vol, err := tsdf.NewVolume(opts, logger)
	if err != nil {
		return nil, err
	}
	extrinsics := g.Extrinsics()
	for i, e := range entries {
		if !e.Success {
			continue
		}
		if err := vol.Integrate(ctx, e.Image, intrinsics, extrinsics[i]); err != nil {
			return nil, errors.Wrapf(err, "reintegrating frame %d", e.Index)
		}
	}
	logger.Infow("reintegrated trajectory", "frames", vol.IntegratedCount(), "blocks", vol.BlockCount())
	return vol, nil
}
