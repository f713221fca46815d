package mesh

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestSubdivideSingleTriangle(t *testing.T) {
	m := &Mesh{
		Vertices:  []r3.Vector{{}, {X: 1}, {Y: 1}},
		Triangles: [][3]int{{0, 1, 2}},
	}
	out := SubdivideLoop(m, 1)
	test.That(t, out.NumTriangles(), test.ShouldEqual, 4)
	test.That(t, out.NumVertices(), test.ShouldEqual, 6)
	test.That(t, out.Validate(), test.ShouldBeNil)

	// border vertices follow the 3/4, 1/8, 1/8 rule
	test.That(t, out.Vertices[0].X, test.ShouldAlmostEqual, 0.125)
	test.That(t, out.Vertices[0].Y, test.ShouldAlmostEqual, 0.125)
	// border edges split at their midpoint
	test.That(t, out.Vertices[3], test.ShouldResemble, r3.Vector{X: 0.5})
	test.That(t, m.NumTriangles(), test.ShouldEqual, 1)
}

func TestSubdivideGrid(t *testing.T) {
	m := gridMesh(5, 0.1)
	m.ComputeVertexNormals()
	out := SubdivideLoop(m, 2)
	test.That(t, out.NumTriangles(), test.ShouldEqual, 16*m.NumTriangles())
	test.That(t, out.Validate(), test.ShouldBeNil)
	test.That(t, out.HasColors(), test.ShouldBeTrue)
	test.That(t, out.HasNormals(), test.ShouldBeTrue)
	for i, v := range out.Vertices {
		test.That(t, v.Z, test.ShouldAlmostEqual, 0)
		test.That(t, out.Normals[i].Z, test.ShouldAlmostEqual, 1)
		test.That(t, out.Colors[i].B, test.ShouldEqual, uint8(50))
	}
	test.That(t, out.SurfaceArea(), test.ShouldBeLessThanOrEqualTo, m.SurfaceArea()+1e-9)
}

func TestSubdivideClosedMesh(t *testing.T) {
	m := tetrahedron()
	out := SubdivideLoop(m, 1)
	// V + E vertices, 4F faces
	test.That(t, out.NumVertices(), test.ShouldEqual, 10)
	test.That(t, out.NumTriangles(), test.ShouldEqual, 16)
	for _, v := range out.Vertices {
		test.That(t, v.Norm(), test.ShouldBeLessThan, m.Vertices[0].Norm())
	}
	// interior rule with valence three: 1 - 3*(3/16) of the vertex plus 3/16 of each neighbor
	test.That(t, out.Vertices[0].X, test.ShouldAlmostEqual, 7.0/16-3.0/16)

	test.That(t, SubdivideLoop(m, 0).Vertices, test.ShouldResemble, m.Vertices)
}
