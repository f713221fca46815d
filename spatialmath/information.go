package spatialmath

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Information is a symmetric 6x6 information matrix over twist coordinates ordered
// (rx, ry, rz, tx, ty, tz).
type Information [6][6]float64

// NewIdentityInformation returns the identity information matrix.
func NewIdentityInformation() Information {
	var info Information
	for i := 0; i < 6; i++ {
		info[i][i] = 1
	}
	return info
}

// AddPointCorrespondence accumulates GᵀG for the point p, where G = [-[p]x | I] is the
// derivative of a transformed point with respect to the twist.
func (info *Information) AddPointCorrespondence(p r3.Vector) {
	g := [3][6]float64{
		{0, p.Z, -p.Y, 1, 0, 0},
		{-p.Z, 0, p.X, 0, 1, 0},
		{p.Y, -p.X, 0, 0, 0, 1},
	}
	for r := 0; r < 3; r++ {
		for i := 0; i < 6; i++ {
			if g[r][i] == 0 {
				continue
			}
			for j := 0; j < 6; j++ {
				info[i][j] += g[r][i] * g[r][j]
			}
		}
	}
}

// Scale returns the matrix multiplied by s.
func (info Information) Scale(s float64) Information {
	var out Information
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			out[i][j] = info[i][j] * s
		}
	}
	return out
}

// SymDense copies the matrix into a gonum symmetric matrix.
func (info Information) SymDense() *mat.SymDense {
	data := make([]float64, 36)
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			data[i*6+j] = info[i][j]
		}
	}
	return mat.NewSymDense(6, data)
}

// Mahalanobis returns eᵀ Λ e.
func (info Information) Mahalanobis(e Twist) float64 {
	s := 0.0
	for i := 0; i < 6; i++ {
		row := 0.0
		for j := 0; j < 6; j++ {
			row += info[i][j] * e[j]
		}
		s += e[i] * row
	}
	return s
}

// IsZero reports whether every entry is zero.
func (info Information) IsZero() bool {
	return info == Information{}
}
