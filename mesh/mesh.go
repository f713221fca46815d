// Package mesh holds triangle meshes produced by fusion and the offline post-processing applied
// to them: quadric simplification, Loop subdivision, color map optimization and PLY I/O.
package mesh

import (
	"image/color"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/regardrgbd/rgbdscan/spatialmath"
)

// Mesh is an indexed triangle mesh with optional per-vertex normals and colors. When present,
// Normals and Colors are parallel to Vertices.
type Mesh struct {
	Vertices  []r3.Vector
	Normals   []r3.Vector
	Colors    []color.NRGBA
	Triangles [][3]int
}

// NumVertices returns the vertex count.
func (m *Mesh) NumVertices() int {
	return len(m.Vertices)
}

// NumTriangles returns the triangle count.
func (m *Mesh) NumTriangles() int {
	return len(m.Triangles)
}

// IsEmpty reports whether the mesh has no triangles.
func (m *Mesh) IsEmpty() bool {
	return len(m.Triangles) == 0
}

// HasColors reports whether every vertex carries a color.
func (m *Mesh) HasColors() bool {
	return len(m.Vertices) > 0 && len(m.Colors) == len(m.Vertices)
}

// HasNormals reports whether every vertex carries a normal.
func (m *Mesh) HasNormals() bool {
	return len(m.Vertices) > 0 && len(m.Normals) == len(m.Vertices)
}

// Clone returns a deep copy.
func (m *Mesh) Clone() *Mesh {
	out := &Mesh{
		Vertices:  append([]r3.Vector(nil), m.Vertices...),
		Triangles: append([][3]int(nil), m.Triangles...),
	}
	if m.Normals != nil {
		out.Normals = append([]r3.Vector(nil), m.Normals...)
	}
	if m.Colors != nil {
		out.Colors = append([]color.NRGBA(nil), m.Colors...)
	}
	return out
}

// Validate checks that attribute arrays line up and every triangle references existing,
// distinct vertices.
func (m *Mesh) Validate() error {
	n := len(m.Vertices)
	if m.Normals != nil && len(m.Normals) != n {
		return errors.Errorf("mesh has %d normals for %d vertices", len(m.Normals), n)
	}
	if m.Colors != nil && len(m.Colors) != n {
		return errors.Errorf("mesh has %d colors for %d vertices", len(m.Colors), n)
	}
	for i, tri := range m.Triangles {
		for _, v := range tri {
			if v < 0 || v >= n {
				return errors.Errorf("triangle %d references vertex %d of %d", i, v, n)
			}
		}
		if tri[0] == tri[1] || tri[1] == tri[2] || tri[0] == tri[2] {
			return errors.Errorf("triangle %d is degenerate: %v", i, tri)
		}
	}
	return nil
}

// Transform applies pose to every vertex and rotates the normals.
func (m *Mesh) Transform(pose spatialmath.Pose) {
	for i, v := range m.Vertices {
		m.Vertices[i] = pose.Transform(v)
	}
	for i, n := range m.Normals {
		m.Normals[i] = pose.Rotate(n)
	}
}

// TriangleNormal returns the unnormalized normal of triangle t; its length is twice the area.
func (m *Mesh) TriangleNormal(t int) r3.Vector {
	tri := m.Triangles[t]
	a, b, c := m.Vertices[tri[0]], m.Vertices[tri[1]], m.Vertices[tri[2]]
	return b.Sub(a).Cross(c.Sub(a))
}

// SurfaceArea returns the total triangle area.
func (m *Mesh) SurfaceArea() float64 {
	area := 0.0
	for t := range m.Triangles {
		area += m.TriangleNormal(t).Norm() / 2
	}
	return area
}

// ComputeVertexNormals sets each vertex normal to the normalized, area-weighted sum of the
// normals of the triangles around it.
func (m *Mesh) ComputeVertexNormals() {
	normals := make([]r3.Vector, len(m.Vertices))
	for t, tri := range m.Triangles {
		n := m.TriangleNormal(t)
		for _, v := range tri {
			normals[v] = normals[v].Add(n)
		}
	}
	for i, n := range normals {
		if l := n.Norm(); l > 0 {
			normals[i] = n.Mul(1 / l)
		}
	}
	m.Normals = normals
}

// RemoveUnreferencedVertices drops vertices no triangle uses and reindexes the triangles.
func (m *Mesh) RemoveUnreferencedVertices() {
	remap := make([]int, len(m.Vertices))
	for i := range remap {
		remap[i] = -1
	}
	next := 0
	for _, tri := range m.Triangles {
		for _, v := range tri {
			if remap[v] < 0 {
				remap[v] = 0
			}
		}
	}
	for i := range remap {
		if remap[i] == 0 {
			remap[i] = next
			next++
		}
	}
	if next == len(m.Vertices) {
		return
	}
	verts := make([]r3.Vector, next)
	var normals []r3.Vector
	var colors []color.NRGBA
	if m.HasNormals() {
		normals = make([]r3.Vector, next)
	}
	if m.HasColors() {
		colors = make([]color.NRGBA, next)
	}
	for old, nw := range remap {
		if nw < 0 {
			continue
		}
		verts[nw] = m.Vertices[old]
		if normals != nil {
			normals[nw] = m.Normals[old]
		}
		if colors != nil {
			colors[nw] = m.Colors[old]
		}
	}
	for i, tri := range m.Triangles {
		m.Triangles[i] = [3]int{remap[tri[0]], remap[tri[1]], remap[tri[2]]}
	}
	m.Vertices, m.Normals, m.Colors = verts, normals, colors
}

// BoundingBox returns the min and max corners of the vertices.
func (m *Mesh) BoundingBox() (r3.Vector, r3.Vector) {
	lo := r3.Vector{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)}
	hi := r3.Vector{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)}
	for _, v := range m.Vertices {
		lo = r3.Vector{X: math.Min(lo.X, v.X), Y: math.Min(lo.Y, v.Y), Z: math.Min(lo.Z, v.Z)}
		hi = r3.Vector{X: math.Max(hi.X, v.X), Y: math.Max(hi.Y, v.Y), Z: math.Max(hi.Z, v.Z)}
	}
	return lo, hi
}
