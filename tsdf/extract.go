package tsdf

import (
	"image/color"

	"github.com/golang/geo/r3"

	"github.com/regardrgbd/rgbdscan/mesh"
	"github.com/regardrgbd/rgbdscan/utils"
)

type cellKey [3]int

// cubeEdges lists corner pairs of a unit cell; corner i sits at offset (i&1, i>>1&1, i>>2&1).
var cubeEdges = [12][2]int{
	{0, 1}, {2, 3}, {4, 5}, {6, 7},
	{0, 2}, {1, 3}, {4, 6}, {5, 7},
	{0, 4}, {1, 5}, {2, 6}, {3, 7},
}

// ExtractMesh returns the zero level set of the observed voxels as a triangle mesh using surface
// nets: one vertex per lattice cell straddling the surface, one quad per lattice edge crossing it.
// Vertex colors are interpolated from the voxel colors and normals are area weighted. Output is
// deterministic for a given volume state.
func (v *Volume) ExtractMesh() *mesh.Mesh {
	out := &mesh.Mesh{}
	cells := map[cellKey]int{}
	keys := v.sortedKeys()

	forEachVoxel := func(fn func(g cellKey, vox *voxel)) {
		for _, k := range keys {
			b := v.blocks[k]
			for lz := 0; lz < BlockResolution; lz++ {
				for ly := 0; ly < BlockResolution; ly++ {
					for lx := 0; lx < BlockResolution; lx++ {
						vox := &b.voxels[localIndex(lx, ly, lz)]
						if vox.weight == 0 {
							continue
						}
						fn(cellKey{k.x*BlockResolution + lx, k.y*BlockResolution + ly, k.z*BlockResolution + lz}, vox)
					}
				}
			}
		}
	}

	forEachVoxel(func(g cellKey, _ *voxel) {
		if p, c, ok := v.cellVertex(g); ok {
			cells[g] = len(out.Vertices)
			out.Vertices = append(out.Vertices, p)
			out.Colors = append(out.Colors, c)
		}
	})

	forEachVoxel(func(g cellKey, vox *voxel) {
		for a := 0; a < 3; a++ {
			b, c := (a+1)%3, (a+2)%3
			next := g
			next[a]++
			other := v.voxelAt(next[0], next[1], next[2])
			if other == nil || other.weight == 0 {
				continue
			}
			lowerInside := vox.tsdf < 0
			if lowerInside == (other.tsdf < 0) {
				continue
			}
			var quad [4]int
			complete := true
			for i, off := range [4][2]int{{-1, -1}, {0, -1}, {0, 0}, {-1, 0}} {
				cell := g
				cell[b] += off[0]
				cell[c] += off[1]
				idx, ok := cells[cell]
				if !ok {
					complete = false
					break
				}
				quad[i] = idx
			}
			if !complete {
				continue
			}
			if lowerInside {
				out.Triangles = append(out.Triangles, [3]int{quad[0], quad[1], quad[2]}, [3]int{quad[0], quad[2], quad[3]})
			} else {
				out.Triangles = append(out.Triangles, [3]int{quad[0], quad[2], quad[1]}, [3]int{quad[0], quad[3], quad[2]})
			}
		}
	})

	out.RemoveUnreferencedVertices()
	out.ComputeVertexNormals()
	v.logger.Debugw("extracted mesh", "vertices", out.NumVertices(), "triangles", out.NumTriangles())
	return out
}

// cellVertex places the vertex of the cell whose minimum corner is g at the mean of the zero
// crossings on its edges. ok is false if any corner is unobserved or no edge crosses zero.
func (v *Volume) cellVertex(g cellKey) (r3.Vector, color.NRGBA, bool) {
	var corners [8]*voxel
	inside := 0
	for i := 0; i < 8; i++ {
		vox := v.voxelAt(g[0]+i&1, g[1]+(i>>1)&1, g[2]+(i>>2)&1)
		if vox == nil || vox.weight == 0 {
			return r3.Vector{}, color.NRGBA{}, false
		}
		corners[i] = vox
		if vox.tsdf < 0 {
			inside++
		}
	}
	if inside == 0 || inside == 8 {
		return r3.Vector{}, color.NRGBA{}, false
	}

	var sum r3.Vector
	var r, gr, b float64
	n := 0
	for _, e := range cubeEdges {
		ca, cb := corners[e[0]], corners[e[1]]
		if (ca.tsdf < 0) == (cb.tsdf < 0) {
			continue
		}
		t := float64(ca.tsdf / (ca.tsdf - cb.tsdf))
		pa := cornerOffset(e[0])
		pb := cornerOffset(e[1])
		sum = sum.Add(pa.Add(pb.Sub(pa).Mul(t)))
		r += float64(ca.r) + t*float64(cb.r-ca.r)
		gr += float64(ca.g) + t*float64(cb.g-ca.g)
		b += float64(ca.b) + t*float64(cb.b-ca.b)
		n++
	}
	inv := 1 / float64(n)
	local := sum.Mul(inv)
	vs := v.opts.VoxelSize
	p := r3.Vector{
		X: (float64(g[0]) + local.X) * vs,
		Y: (float64(g[1]) + local.Y) * vs,
		Z: (float64(g[2]) + local.Z) * vs,
	}
	c := color.NRGBA{R: utils.ClampUint8(r * inv), G: utils.ClampUint8(gr * inv), B: utils.ClampUint8(b * inv), A: 255}
	return p, c, true
}

func cornerOffset(i int) r3.Vector {
	return r3.Vector{X: float64(i & 1), Y: float64((i >> 1) & 1), Z: float64((i >> 2) & 1)}
}
