package mesh

import (
	"testing"

	"go.viam.com/test"
)

func TestSimplifyGrid(t *testing.T) {
	m := gridMesh(10, 0.1)
	target := DefaultSimplifyTarget(m)
	test.That(t, target, test.ShouldEqual, 81)

	out := Simplify(m, target)
	test.That(t, out.NumTriangles(), test.ShouldBeGreaterThan, 0)
	test.That(t, out.NumTriangles(), test.ShouldBeLessThanOrEqualTo, target)
	test.That(t, out.Validate(), test.ShouldBeNil)
	test.That(t, out.HasColors(), test.ShouldBeTrue)
	test.That(t, out.NumVertices(), test.ShouldBeLessThan, m.NumVertices())
	for _, v := range out.Vertices {
		test.That(t, v.Z, test.ShouldAlmostEqual, 0, 1e-9)
	}
	// the input is untouched
	test.That(t, m.NumTriangles(), test.ShouldEqual, 162)
	test.That(t, m.Validate(), test.ShouldBeNil)
}

func TestSimplifyKeepsNormals(t *testing.T) {
	m := gridMesh(6, 0.1)
	m.ComputeVertexNormals()
	out := Simplify(m, 10)
	test.That(t, out.NumTriangles(), test.ShouldBeLessThanOrEqualTo, 10)
	test.That(t, out.HasNormals(), test.ShouldBeTrue)
}

func TestSimplifyNeverEmpty(t *testing.T) {
	quad := gridMesh(2, 1)
	test.That(t, quad.NumTriangles(), test.ShouldEqual, 2)

	for _, target := range []int{1, 0, -3} {
		out := Simplify(quad, target)
		test.That(t, out.NumTriangles(), test.ShouldEqual, 1)
		test.That(t, out.Validate(), test.ShouldBeNil)
	}

	tetra := tetrahedron()
	out := Simplify(tetra, DefaultSimplifyTarget(tetra))
	test.That(t, out.NumTriangles(), test.ShouldBeGreaterThan, 0)
	test.That(t, out.NumTriangles(), test.ShouldBeLessThanOrEqualTo, 2)
	test.That(t, out.Validate(), test.ShouldBeNil)
}

func TestSimplifyNoOp(t *testing.T) {
	m := gridMesh(4, 1)
	out := Simplify(m, 100)
	test.That(t, out.NumTriangles(), test.ShouldEqual, m.NumTriangles())
	test.That(t, out.Vertices, test.ShouldResemble, m.Vertices)

	empty := Simplify(&Mesh{}, 10)
	test.That(t, empty.IsEmpty(), test.ShouldBeTrue)
}

func TestSimplifyDeterministic(t *testing.T) {
	m := gridMesh(8, 0.05)
	a := Simplify(m, 30)
	b := Simplify(m, 30)
	test.That(t, a.Triangles, test.ShouldResemble, b.Triangles)
	test.That(t, a.Vertices, test.ShouldResemble, b.Vertices)
}
