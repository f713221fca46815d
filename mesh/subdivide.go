package mesh

import (
	"image/color"
	"sort"

	"github.com/golang/geo/r3"

	"github.com/regardrgbd/rgbdscan/utils"
)

type weightedSum struct {
	p r3.Vector
	c [3]float64
}

func (w *weightedSum) add(m *Mesh, v int, weight float64) {
	w.p = w.p.Add(m.Vertices[v].Mul(weight))
	if m.HasColors() {
		c := m.Colors[v]
		w.c[0] += weight * float64(c.R)
		w.c[1] += weight * float64(c.G)
		w.c[2] += weight * float64(c.B)
	}
}

func (w *weightedSum) color() color.NRGBA {
	return color.NRGBA{R: utils.ClampUint8(w.c[0]), G: utils.ClampUint8(w.c[1]), B: utils.ClampUint8(w.c[2]), A: 255}
}

// loopOnce performs one round of Loop subdivision.
func loopOnce(m *Mesh) *Mesh {
	// opposite apexes of each edge
	apexes := map[[2]int][]int{}
	neighbors := make([]map[int]bool, len(m.Vertices))
	for i := range neighbors {
		neighbors[i] = map[int]bool{}
	}
	for _, tri := range m.Triangles {
		for k := 0; k < 3; k++ {
			a, b, c := tri[k], tri[(k+1)%3], tri[(k+2)%3]
			key := edgeKey(a, b)
			apexes[key] = append(apexes[key], c)
			neighbors[a][b] = true
			neighbors[b][a] = true
		}
	}

	out := &Mesh{Vertices: make([]r3.Vector, len(m.Vertices))}
	hasColors := m.HasColors()
	if hasColors {
		out.Colors = make([]color.NRGBA, len(m.Vertices))
	}

	// reposition original vertices
	for v := range m.Vertices {
		ring := make([]int, 0, len(neighbors[v]))
		for w := range neighbors[v] {
			ring = append(ring, w)
		}
		sort.Ints(ring)
		var border []int
		for _, w := range ring {
			if len(apexes[edgeKey(v, w)]) == 1 {
				border = append(border, w)
			}
		}
		var sum weightedSum
		switch {
		case len(ring) == 0:
			sum.add(m, v, 1)
		case len(border) >= 2:
			sum.add(m, v, 0.75)
			sum.add(m, border[0], 0.125)
			sum.add(m, border[1], 0.125)
		case len(border) == 1:
			sum.add(m, v, 1)
		default:
			n := float64(len(ring))
			beta := 3.0 / (8 * n)
			if len(ring) == 3 {
				beta = 3.0 / 16
			}
			sum.add(m, v, 1-n*beta)
			for _, w := range ring {
				sum.add(m, w, beta)
			}
		}
		out.Vertices[v] = sum.p
		if hasColors {
			out.Colors[v] = sum.color()
		}
	}

	// one new vertex per edge, created in triangle order
	edgeVertex := map[[2]int]int{}
	midpoint := func(a, b int) int {
		key := edgeKey(a, b)
		if idx, ok := edgeVertex[key]; ok {
			return idx
		}
		var sum weightedSum
		if ap := apexes[key]; len(ap) == 2 {
			sum.add(m, a, 0.375)
			sum.add(m, b, 0.375)
			sum.add(m, ap[0], 0.125)
			sum.add(m, ap[1], 0.125)
		} else {
			sum.add(m, a, 0.5)
			sum.add(m, b, 0.5)
		}
		idx := len(out.Vertices)
		out.Vertices = append(out.Vertices, sum.p)
		if hasColors {
			out.Colors = append(out.Colors, sum.color())
		}
		edgeVertex[key] = idx
		return idx
	}

	out.Triangles = make([][3]int, 0, 4*len(m.Triangles))
	for _, tri := range m.Triangles {
		a, b, c := tri[0], tri[1], tri[2]
		ab, bc, ca := midpoint(a, b), midpoint(b, c), midpoint(c, a)
		out.Triangles = append(out.Triangles,
			[3]int{a, ab, ca},
			[3]int{ab, b, bc},
			[3]int{ca, bc, c},
			[3]int{ab, bc, ca},
		)
	}
	return out
}

// SubdivideLoop applies the given number of Loop subdivision rounds. Each round splits every
// triangle into four; open borders follow the boundary rules. m is not modified.
func SubdivideLoop(m *Mesh, iterations int) *Mesh {
	out := m.Clone()
	for i := 0; i < iterations; i++ {
		out = loopOnce(out)
	}
	if m.HasNormals() && iterations > 0 {
		out.ComputeVertexNormals()
	}
	return out
}
