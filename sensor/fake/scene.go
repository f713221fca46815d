package fake

import (
	"image/color"
	"math"

	"github.com/golang/geo/r3"
	"github.com/lucasb-eyer/go-colorful"
)

// Scene is a small room: a back wall, a floor, a left wall and a sphere, all procedurally
// textured. World axes follow the camera convention at the start pose: x right, y down, z forward.
type Scene struct {
	BackWallZ    float64
	FloorY       float64
	LeftWallX    float64
	SphereCenter r3.Vector
	SphereRadius float64
}

// DefaultScene returns the room the fake camera films.
func DefaultScene() *Scene {
	return &Scene{
		BackWallZ:    2.5,
		FloorY:       0.8,
		LeftWallX:    -1.5,
		SphereCenter: r3.Vector{X: 0.2, Y: 0.3, Z: 1.6},
		SphereRadius: 0.35,
	}
}

const minHit = 1e-6

func planeHit(originCoord, dirCoord, plane float64) (float64, bool) {
	if math.Abs(dirCoord) < 1e-12 {
		return 0, false
	}
	t := (plane - originCoord) / dirCoord
	return t, t > minHit
}

// Cast returns the ray parameter and point of the nearest surface hit along origin + t*dir.
func (s *Scene) Cast(origin, dir r3.Vector) (float64, r3.Vector, bool) {
	best := math.Inf(1)
	consider := func(t float64, ok bool) {
		if ok && t < best {
			best = t
		}
	}
	consider(planeHit(origin.Z, dir.Z, s.BackWallZ))
	consider(planeHit(origin.Y, dir.Y, s.FloorY))
	consider(planeHit(origin.X, dir.X, s.LeftWallX))

	// |o + t d - c|² = r²
	oc := origin.Sub(s.SphereCenter)
	a := dir.Norm2()
	b := 2 * oc.Dot(dir)
	c := oc.Norm2() - s.SphereRadius*s.SphereRadius
	if disc := b*b - 4*a*c; disc >= 0 {
		sq := math.Sqrt(disc)
		for _, t := range []float64{(-b - sq) / (2 * a), (-b + sq) / (2 * a)} {
			if t > minHit {
				consider(t, true)
				break
			}
		}
	}
	if math.IsInf(best, 1) {
		return 0, r3.Vector{}, false
	}
	return best, origin.Add(dir.Mul(best)), true
}

// ColorAt returns the procedural texture at a world point.
func (s *Scene) ColorAt(p r3.Vector) color.NRGBA {
	hue := math.Mod(200+90*math.Sin(4*p.X)*math.Cos(3*p.Y)+60*math.Sin(5*p.Z)+360, 360)
	val := 0.55 + 0.3*math.Sin(9*p.X+6*p.Y)*math.Cos(7*p.Z+3*p.X)
	r, g, b := colorful.Hsv(hue, 0.6, val).Clamped().RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: 255}
}
