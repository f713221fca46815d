// Package pointcloud defines a point cloud and provides an implementation for one.
//
// Clouds here are used as lightweight previews of the fused scene: the most recent frame
// back-projected into world space, exportable as PCD.
package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
)

// MetaData is data about what's stored in the point cloud.
type MetaData struct {
	HasColor bool

	MinX, MaxX float64
	MinY, MaxY float64
	MinZ, MaxZ float64
}

// NewMetaData returns meta data with empty bounds.
func NewMetaData() MetaData {
	return MetaData{
		MinX: math.Inf(1),
		MinY: math.Inf(1),
		MinZ: math.Inf(1),
		MaxX: math.Inf(-1),
		MaxY: math.Inf(-1),
		MaxZ: math.Inf(-1),
	}
}

// Merge grows the bounds to include p and records whether d has color.
func (meta *MetaData) Merge(p r3.Vector, d Data) {
	if d != nil && d.HasColor() {
		meta.HasColor = true
	}
	meta.MinX = math.Min(meta.MinX, p.X)
	meta.MinY = math.Min(meta.MinY, p.Y)
	meta.MinZ = math.Min(meta.MinZ, p.Z)
	meta.MaxX = math.Max(meta.MaxX, p.X)
	meta.MaxY = math.Max(meta.MaxY, p.Y)
	meta.MaxZ = math.Max(meta.MaxZ, p.Z)
}

// PointCloud is a general purpose container of points.
type PointCloud interface {
	// Size returns the number of points in the cloud.
	Size() int

	// MetaData returns meta data.
	MetaData() MetaData

	// Set adds the given point to the cloud.
	Set(p r3.Vector, d Data) error

	// Iterate calls fn for every point in insertion order. If fn returns false, iteration
	// stops. numBatches lets you divide up the work; 0 means don't divide, and myBatch selects
	// which batch to visit when numBatches > 0.
	Iterate(numBatches, myBatch int, fn func(p r3.Vector, d Data) bool)
}

// CloneToBasic copies any cloud into a new basic cloud.
func CloneToBasic(cloud PointCloud) PointCloud {
	out := NewWithPrealloc(cloud.Size())
	cloud.Iterate(0, 0, func(p r3.Vector, d Data) bool {
		//nolint:errcheck
		out.Set(p, d)
		return true
	})
	return out
}
