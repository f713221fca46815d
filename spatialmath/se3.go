package spatialmath

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
)

// Twist is an se(3) tangent vector ordered rotation first: (wx, wy, wz, vx, vy, vz).
type Twist [6]float64

// Omega returns the rotational part.
func (t Twist) Omega() r3.Vector {
	return r3.Vector{X: t[0], Y: t[1], Z: t[2]}
}

// V returns the translational part.
func (t Twist) V() r3.Vector {
	return r3.Vector{X: t[3], Y: t[4], Z: t[5]}
}

// Norm is the Euclidean norm of all six components.
func (t Twist) Norm() float64 {
	s := 0.0
	for _, v := range t {
		s += v * v
	}
	return math.Sqrt(s)
}

const smallAngle = 1e-10

// Skew returns the cross-product matrix of v.
func Skew(v r3.Vector) mgl64.Mat3 {
	return mgl64.Mat3{
		0, v.Z, -v.Y,
		-v.Z, 0, v.X,
		v.Y, -v.X, 0,
	}
}

// ExpSE3 maps a twist to a rigid transform.
func ExpSE3(xi Twist) Pose {
	w := xi.Omega()
	v := mgl64.Vec3{xi[3], xi[4], xi[5]}
	theta2 := w.Norm2()
	theta := math.Sqrt(theta2)
	wx := Skew(w)
	wx2 := wx.Mul3(wx)

	var a, b, c float64
	if theta < smallAngle {
		a, b, c = 1, 0.5, 1.0/6
	} else {
		a = math.Sin(theta) / theta
		b = (1 - math.Cos(theta)) / theta2
		c = (theta - math.Sin(theta)) / (theta2 * theta)
	}
	rot := mgl64.Ident3().Add(wx.Mul(a)).Add(wx2.Mul(b))
	jac := mgl64.Ident3().Add(wx.Mul(b)).Add(wx2.Mul(c))
	t := jac.Mul3x1(v)
	return NewPose(rot, r3.Vector{X: t[0], Y: t[1], Z: t[2]})
}

// LogSE3 maps a rigid transform to its twist. The rotation angle is taken from a unit quaternion
// so the result stays well defined near pi.
func LogSE3(p Pose) Twist {
	q := mgl64.Mat4ToQuat(p.Mat4()).Normalize()
	if q.W < 0 {
		q.W, q.V = -q.W, q.V.Mul(-1)
	}
	vn := q.V.Len()
	var w r3.Vector
	theta := 2 * math.Atan2(vn, q.W)
	if vn < smallAngle {
		w = r3.Vector{X: 2 * q.V[0], Y: 2 * q.V[1], Z: 2 * q.V[2]}
	} else {
		s := theta / vn
		w = r3.Vector{X: s * q.V[0], Y: s * q.V[1], Z: s * q.V[2]}
	}

	wx := Skew(w)
	wx2 := wx.Mul3(wx)
	var coef float64
	if theta < 1e-6 {
		coef = 1.0 / 12
	} else {
		coef = (1 - theta*math.Sin(theta)/(2*(1-math.Cos(theta)))) / (theta * theta)
	}
	jacInv := mgl64.Ident3().Sub(wx.Mul(0.5)).Add(wx2.Mul(coef))
	t := p.Point()
	v := jacInv.Mul3x1(mgl64.Vec3{t.X, t.Y, t.Z})
	return Twist{w.X, w.Y, w.Z, v[0], v[1], v[2]}
}
