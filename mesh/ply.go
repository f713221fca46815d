package mesh

import (
	"bufio"
	"fmt"
	"image/color"
	"io"
	"os"
	"strconv"

	"github.com/chenzhekl/goply"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/regardrgbd/rgbdscan/utils"
)

// ErrExport is returned when a mesh could not be written.
var ErrExport = errors.New("mesh export failed")

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 32)
}

// WritePLY writes m as an ASCII PLY file with positions, and normals and colors when present.
func WritePLY(out io.Writer, m *Mesh) error {
	if err := m.Validate(); err != nil {
		return errors.Wrap(ErrExport, err.Error())
	}
	w := bufio.NewWriter(out)
	hasNormals, hasColors := m.HasNormals(), m.HasColors()

	fmt.Fprintf(w, "ply\nformat ascii 1.0\ncomment generated by rgbdscan\n")
	fmt.Fprintf(w, "element vertex %d\n", len(m.Vertices))
	fmt.Fprintf(w, "property float x\nproperty float y\nproperty float z\n")
	if hasNormals {
		fmt.Fprintf(w, "property float nx\nproperty float ny\nproperty float nz\n")
	}
	if hasColors {
		fmt.Fprintf(w, "property uchar red\nproperty uchar green\nproperty uchar blue\n")
	}
	fmt.Fprintf(w, "element face %d\n", len(m.Triangles))
	fmt.Fprintf(w, "property list uchar int vertex_indices\nend_header\n")

	for i, v := range m.Vertices {
		fmt.Fprintf(w, "%s %s %s", formatFloat(v.X), formatFloat(v.Y), formatFloat(v.Z))
		if hasNormals {
			n := m.Normals[i]
			fmt.Fprintf(w, " %s %s %s", formatFloat(n.X), formatFloat(n.Y), formatFloat(n.Z))
		}
		if hasColors {
			c := m.Colors[i]
			fmt.Fprintf(w, " %d %d %d", c.R, c.G, c.B)
		}
		fmt.Fprintln(w)
	}
	for _, t := range m.Triangles {
		fmt.Fprintf(w, "3 %d %d %d\n", t[0], t[1], t[2])
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(ErrExport, err.Error())
	}
	return nil
}

// WritePLYFile writes m to path. The file is written under a temporary name and renamed into
// place, so a failed export never leaves a partial file behind.
func WritePLYFile(path string, m *Mesh) error {
	err := utils.WriteFileAtomic(path, func(w io.Writer) error {
		return WritePLY(w, m)
	})
	if err != nil {
		if errors.Is(err, ErrExport) {
			return err
		}
		return errors.Wrapf(ErrExport, "writing %q: %v", path, err)
	}
	return nil
}

func plyFloat(elem goply.PlyElement, name string) (float64, bool) {
	switch v := elem[name].(type) {
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

func plyIndex(v interface{}) (int, bool) {
	switch i := v.(type) {
	case int32:
		return int(i), true
	case uint32:
		return int(i), true
	case int16:
		return int(i), true
	case uint16:
		return int(i), true
	case int8:
		return int(i), true
	case uint8:
		return int(i), true
	default:
		return 0, false
	}
}

// ReadPLY parses an ASCII PLY mesh. Polygons with more than three vertices are fanned into
// triangles.
func ReadPLY(r io.Reader) (m *Mesh, err error) {
	defer func() {
		if thePanic := recover(); thePanic != nil {
			m = nil
			err = errors.Errorf("malformed ply: %v", thePanic)
		}
	}()
	ply := goply.New(r)
	m = &Mesh{}

	vertices := ply.Elements("vertex")
	if len(vertices) > 0 {
		_, hasNormals := vertices[0]["nx"]
		_, hasColors := vertices[0]["red"]
		for i, v := range vertices {
			x, okX := plyFloat(v, "x")
			y, okY := plyFloat(v, "y")
			z, okZ := plyFloat(v, "z")
			if !okX || !okY || !okZ {
				return nil, errors.Errorf("vertex %d is missing a float coordinate", i)
			}
			m.Vertices = append(m.Vertices, r3.Vector{X: x, Y: y, Z: z})
			if hasNormals {
				nx, _ := plyFloat(v, "nx")
				ny, _ := plyFloat(v, "ny")
				nz, _ := plyFloat(v, "nz")
				m.Normals = append(m.Normals, r3.Vector{X: nx, Y: ny, Z: nz})
			}
			if hasColors {
				red, _ := v["red"].(uint8)
				green, _ := v["green"].(uint8)
				blue, _ := v["blue"].(uint8)
				m.Colors = append(m.Colors, color.NRGBA{R: red, G: green, B: blue, A: 255})
			}
		}
	}

	for i, f := range ply.Elements("face") {
		raw, ok := f["vertex_indices"].([]interface{})
		if !ok {
			raw, ok = f["vertex_index"].([]interface{})
		}
		if !ok || len(raw) < 3 {
			return nil, errors.Errorf("face %d has no usable vertex list", i)
		}
		idx := make([]int, len(raw))
		for k, v := range raw {
			if idx[k], ok = plyIndex(v); !ok {
				return nil, errors.Errorf("face %d has a non-integer vertex index", i)
			}
		}
		for k := 1; k+1 < len(idx); k++ {
			m.Triangles = append(m.Triangles, [3]int{idx[0], idx[k], idx[k+1]})
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// ReadPLYFile reads a mesh from path.
func ReadPLYFile(path string) (*Mesh, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	return ReadPLY(f)
}
