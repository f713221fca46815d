package mesh

import (
	"container/heap"
	"image/color"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"

	"github.com/regardrgbd/rgbdscan/utils"
)

// quadric is a symmetric 4x4 error quadric stored as its upper triangle:
// a² ab ac ad b² bc bd c² cd d².
type quadric [10]float64

func planeQuadric(n r3.Vector, d, weight float64) quadric {
	return quadric{
		weight * n.X * n.X, weight * n.X * n.Y, weight * n.X * n.Z, weight * n.X * d,
		weight * n.Y * n.Y, weight * n.Y * n.Z, weight * n.Y * d,
		weight * n.Z * n.Z, weight * n.Z * d,
		weight * d * d,
	}
}

func (q quadric) add(o quadric) quadric {
	for i := range q {
		q[i] += o[i]
	}
	return q
}

func (q quadric) eval(v r3.Vector) float64 {
	x, y, z := v.X, v.Y, v.Z
	return q[0]*x*x + 2*q[1]*x*y + 2*q[2]*x*z + 2*q[3]*x +
		q[4]*y*y + 2*q[5]*y*z + 2*q[6]*y +
		q[7]*z*z + 2*q[8]*z +
		q[9]
}

// minimizer returns the point minimizing the quadric, if the system is well conditioned.
func (q quadric) minimizer() (r3.Vector, bool) {
	a := mgl64.Mat3{
		q[0], q[1], q[2],
		q[1], q[4], q[5],
		q[2], q[5], q[7],
	}
	scale := math.Abs(q[0]) + math.Abs(q[4]) + math.Abs(q[7])
	if scale == 0 || math.Abs(a.Det()) < 1e-9*scale*scale*scale {
		return r3.Vector{}, false
	}
	p := a.Inv().Mul3x1(mgl64.Vec3{-q[3], -q[6], -q[8]})
	return r3.Vector{X: p[0], Y: p[1], Z: p[2]}, true
}

type collapse struct {
	u, v       int
	cost       float64
	target     r3.Vector
	verU, verV int
}

type collapseHeap []collapse

func (h collapseHeap) Len() int { return len(h) }

func (h collapseHeap) Less(i, j int) bool {
	if h[i].cost != h[j].cost {
		return h[i].cost < h[j].cost
	}
	if h[i].u != h[j].u {
		return h[i].u < h[j].u
	}
	return h[i].v < h[j].v
}

func (h collapseHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *collapseHeap) Push(x interface{}) { *h = append(*h, x.(collapse)) }

func (h *collapseHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

const (
	boundaryWeight = 1e3
	flipPenalty    = 1e6
)

type simplifier struct {
	pos       []r3.Vector
	colors    [][3]float64
	quadrics  []quadric
	faces     [][3]int
	faceAlive []bool
	vertFaces [][]int
	vertAlive []bool
	version   []int
	alive     int
	strict    bool
	queue     collapseHeap
}

func newSimplifier(m *Mesh) *simplifier {
	s := &simplifier{
		pos:       append([]r3.Vector(nil), m.Vertices...),
		quadrics:  make([]quadric, len(m.Vertices)),
		faces:     append([][3]int(nil), m.Triangles...),
		faceAlive: make([]bool, len(m.Triangles)),
		vertFaces: make([][]int, len(m.Vertices)),
		vertAlive: make([]bool, len(m.Vertices)),
		version:   make([]int, len(m.Vertices)),
		alive:     len(m.Triangles),
	}
	if m.HasColors() {
		s.colors = make([][3]float64, len(m.Vertices))
		for i, c := range m.Colors {
			s.colors[i] = [3]float64{float64(c.R), float64(c.G), float64(c.B)}
		}
	}
	edgeFaces := map[[2]int]int{}
	for f, tri := range s.faces {
		s.faceAlive[f] = true
		n := m.TriangleNormal(f)
		area := n.Norm() / 2
		if area > 0 {
			n = n.Mul(1 / n.Norm())
		}
		q := planeQuadric(n, -n.Dot(s.pos[tri[0]]), area)
		for k, v := range tri {
			s.vertFaces[v] = append(s.vertFaces[v], f)
			s.vertAlive[v] = true
			s.quadrics[v] = s.quadrics[v].add(q)
			edgeFaces[edgeKey(v, tri[(k+1)%3])]++
		}
	}
	// constrain open borders with planes perpendicular to their face
	for f, tri := range s.faces {
		n := m.TriangleNormal(f)
		if n.Norm() == 0 {
			continue
		}
		n = n.Mul(1 / n.Norm())
		for k := 0; k < 3; k++ {
			a, b := tri[k], tri[(k+1)%3]
			if edgeFaces[edgeKey(a, b)] != 1 {
				continue
			}
			edge := s.pos[b].Sub(s.pos[a])
			perp := edge.Cross(n)
			if perp.Norm() == 0 {
				continue
			}
			perp = perp.Mul(1 / perp.Norm())
			q := planeQuadric(perp, -perp.Dot(s.pos[a]), boundaryWeight*edge.Norm2())
			s.quadrics[a] = s.quadrics[a].add(q)
			s.quadrics[b] = s.quadrics[b].add(q)
		}
	}
	return s
}

func edgeKey(a, b int) [2]int {
	if a > b {
		a, b = b, a
	}
	return [2]int{a, b}
}

func (s *simplifier) neighbors(v int) []int {
	seen := map[int]bool{}
	var out []int
	for _, f := range s.vertFaces[v] {
		if !s.faceAlive[f] {
			continue
		}
		for _, w := range s.faces[f] {
			if w != v && !seen[w] {
				seen[w] = true
				out = append(out, w)
			}
		}
	}
	return out
}

func (s *simplifier) sharedFaces(u, v int) []int {
	var out []int
	for _, f := range s.vertFaces[u] {
		if !s.faceAlive[f] {
			continue
		}
		tri := s.faces[f]
		if tri[0] == v || tri[1] == v || tri[2] == v {
			out = append(out, f)
		}
	}
	return out
}

// flips counts the faces around u and v that would turn over if both moved to p.
func (s *simplifier) flips(u, v int, p r3.Vector) int {
	count := 0
	for _, vert := range []int{u, v} {
		for _, f := range s.vertFaces[vert] {
			if !s.faceAlive[f] {
				continue
			}
			tri := s.faces[f]
			if (tri[0] == u || tri[1] == u || tri[2] == u) && (tri[0] == v || tri[1] == v || tri[2] == v) {
				continue
			}
			before := s.faceNormal(tri, -1, r3.Vector{})
			after := s.faceNormal(tri, vert, p)
			if before.Dot(after) <= 0 {
				count++
			}
		}
	}
	return count
}

func (s *simplifier) faceNormal(tri [3]int, moved int, p r3.Vector) r3.Vector {
	var pts [3]r3.Vector
	for k, v := range tri {
		pts[k] = s.pos[v]
		if v == moved {
			pts[k] = p
		}
	}
	return pts[1].Sub(pts[0]).Cross(pts[2].Sub(pts[0]))
}

func (s *simplifier) push(u, v int) {
	if u > v {
		u, v = v, u
	}
	q := s.quadrics[u].add(s.quadrics[v])
	mid := s.pos[u].Add(s.pos[v]).Mul(0.5)
	target, ok := q.minimizer()
	if !ok || target.Sub(mid).Norm() > 2*s.pos[u].Sub(s.pos[v]).Norm() {
		target = mid
		best := q.eval(mid)
		for _, c := range []r3.Vector{s.pos[u], s.pos[v]} {
			if e := q.eval(c); e < best {
				best, target = e, c
			}
		}
	}
	cost := math.Max(q.eval(target), 0)
	if s.strict {
		cost += flipPenalty * float64(s.flips(u, v, target))
	}
	heap.Push(&s.queue, collapse{u: u, v: v, cost: cost, target: target, verU: s.version[u], verV: s.version[v]})
}

func (s *simplifier) seed() {
	s.queue = s.queue[:0]
	seen := map[[2]int]bool{}
	for f, tri := range s.faces {
		if !s.faceAlive[f] {
			continue
		}
		for k := 0; k < 3; k++ {
			key := edgeKey(tri[k], tri[(k+1)%3])
			if seen[key] {
				continue
			}
			seen[key] = true
			s.push(key[0], key[1])
		}
	}
}

// linkOK checks that collapsing u-v keeps the surface manifold: the only vertices adjacent to both
// are the apexes of their shared faces.
func (s *simplifier) linkOK(u, v int, shared int) bool {
	nu := s.neighbors(u)
	nv := map[int]bool{}
	for _, w := range s.neighbors(v) {
		nv[w] = true
	}
	common := 0
	for _, w := range nu {
		if nv[w] {
			common++
		}
	}
	return common <= shared
}

func (s *simplifier) apply(c collapse) {
	u, v := c.u, c.v
	s.pos[u] = c.target
	s.quadrics[u] = s.quadrics[u].add(s.quadrics[v])
	if s.colors != nil {
		for k := 0; k < 3; k++ {
			s.colors[u][k] = (s.colors[u][k] + s.colors[v][k]) / 2
		}
	}
	for _, f := range s.vertFaces[v] {
		if !s.faceAlive[f] {
			continue
		}
		tri := &s.faces[f]
		if tri[0] == u || tri[1] == u || tri[2] == u {
			s.faceAlive[f] = false
			s.alive--
			continue
		}
		for k := range tri {
			if tri[k] == v {
				tri[k] = u
			}
		}
		s.vertFaces[u] = append(s.vertFaces[u], f)
	}
	s.vertAlive[v] = false
	s.vertFaces[v] = nil
	s.version[u]++
	s.version[v]++
	ring := s.neighbors(u)
	for _, w := range ring {
		s.version[w]++
	}
	// every edge touching the ring may have changed cost
	for _, w := range ring {
		for _, x := range s.neighbors(w) {
			s.push(w, x)
		}
	}
}

func (s *simplifier) run(target int) {
	s.seed()
	for s.alive > target && s.queue.Len() > 0 {
		c := heap.Pop(&s.queue).(collapse)
		if !s.vertAlive[c.u] || !s.vertAlive[c.v] || c.verU != s.version[c.u] || c.verV != s.version[c.v] {
			continue
		}
		shared := s.sharedFaces(c.u, c.v)
		if len(shared) == 0 || s.alive-len(shared) < 1 {
			continue
		}
		if s.strict && (c.cost >= flipPenalty || !s.linkOK(c.u, c.v, len(shared))) {
			continue
		}
		s.apply(c)
	}
}

func (s *simplifier) mesh(withNormals bool) *Mesh {
	out := &Mesh{Vertices: s.pos}
	if s.colors != nil {
		out.Colors = make([]color.NRGBA, len(s.pos))
		for i, c := range s.colors {
			out.Colors[i] = color.NRGBA{
				R: utils.ClampUint8(c[0]), G: utils.ClampUint8(c[1]), B: utils.ClampUint8(c[2]), A: 255,
			}
		}
	}
	for f, tri := range s.faces {
		if s.faceAlive[f] {
			out.Triangles = append(out.Triangles, tri)
		}
	}
	out.RemoveUnreferencedVertices()
	if withNormals {
		out.ComputeVertexNormals()
	}
	return out
}

// DefaultSimplifyTarget returns half the triangle count, the target used by finalize.
func DefaultSimplifyTarget(m *Mesh) int {
	return m.NumTriangles() / 2
}

// Simplify reduces m to at most target triangles by quadric error edge collapse, preserving open
// borders and, where possible, orientation and manifoldness. The result is never empty when m has
// triangles. m is not modified.
func Simplify(m *Mesh, target int) *Mesh {
	if target < 1 {
		target = 1
	}
	if m.NumTriangles() <= target {
		return m.Clone()
	}
	s := newSimplifier(m)
	s.strict = true
	s.run(target)
	if s.alive > target {
		// strict collapses ran out; finish without the manifold and flip checks
		s.strict = false
		s.run(target)
	}
	return s.mesh(m.HasNormals())
}
