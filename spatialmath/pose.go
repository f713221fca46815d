// Package spatialmath defines the rigid-body math used by odometry, pose graphs and fusion.
package spatialmath

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
)

// Pose is a rigid transform stored as a homogeneous 4x4 matrix. The zero value is not a valid
// pose; use NewZeroPose for identity.
type Pose struct {
	m mgl64.Mat4
}

// NewZeroPose returns the identity transform.
func NewZeroPose() Pose {
	return Pose{m: mgl64.Ident4()}
}

// NewPoseFromMat4 wraps an existing homogeneous matrix. The caller is responsible for the
// rotation block being orthonormal.
func NewPoseFromMat4(m mgl64.Mat4) Pose {
	return Pose{m: m}
}

// NewPose builds a pose from a rotation and a translation.
func NewPose(rot mgl64.Mat3, t r3.Vector) Pose {
	m := rot.Mat4()
	m.Set(0, 3, t.X)
	m.Set(1, 3, t.Y)
	m.Set(2, 3, t.Z)
	return Pose{m: m}
}

// NewPoseFromPoint returns a pure translation.
func NewPoseFromPoint(t r3.Vector) Pose {
	return NewPose(mgl64.Ident3(), t)
}

// NewPoseFromAxisAngle returns a rotation of angle radians about axis followed by translation t.
func NewPoseFromAxisAngle(axis r3.Vector, angle float64, t r3.Vector) Pose {
	rot := mgl64.HomogRotate3D(angle, mgl64.Vec3{axis.X, axis.Y, axis.Z}.Normalize()).Mat3()
	return NewPose(rot, t)
}

// Mat4 returns the homogeneous matrix.
func (p Pose) Mat4() mgl64.Mat4 {
	return p.m
}

// Rotation returns the 3x3 rotation block.
func (p Pose) Rotation() mgl64.Mat3 {
	return p.m.Mat3()
}

// Point returns the translation part.
func (p Pose) Point() r3.Vector {
	return r3.Vector{X: p.m.At(0, 3), Y: p.m.At(1, 3), Z: p.m.At(2, 3)}
}

// At returns the matrix entry at row, col.
func (p Pose) At(row, col int) float64 {
	return p.m.At(row, col)
}

// Compose returns a*b, i.e. b applied first and then a.
func Compose(a, b Pose) Pose {
	return Pose{m: a.m.Mul4(b.m)}
}

// PoseInverse returns the inverse rigid transform using the transpose of the rotation.
func PoseInverse(p Pose) Pose {
	rt := p.Rotation().Transpose()
	t := rt.Mul3x1(mgl64.Vec3{p.m.At(0, 3), p.m.At(1, 3), p.m.At(2, 3)})
	return NewPose(rt, r3.Vector{X: -t[0], Y: -t[1], Z: -t[2]})
}

// PoseBetween returns the transform that takes a to b, inverse(a)*b.
func PoseBetween(a, b Pose) Pose {
	return Compose(PoseInverse(a), b)
}

// Transform applies the pose to a point.
func (p Pose) Transform(pt r3.Vector) r3.Vector {
	m := p.m
	return r3.Vector{
		X: m[0]*pt.X + m[4]*pt.Y + m[8]*pt.Z + m[12],
		Y: m[1]*pt.X + m[5]*pt.Y + m[9]*pt.Z + m[13],
		Z: m[2]*pt.X + m[6]*pt.Y + m[10]*pt.Z + m[14],
	}
}

// Rotate applies only the rotation part to a direction.
func (p Pose) Rotate(dir r3.Vector) r3.Vector {
	m := p.m
	return r3.Vector{
		X: m[0]*dir.X + m[4]*dir.Y + m[8]*dir.Z,
		Y: m[1]*dir.X + m[5]*dir.Y + m[9]*dir.Z,
		Z: m[2]*dir.X + m[6]*dir.Y + m[10]*dir.Z,
	}
}

// IsFinite reports whether every entry of the pose is a finite number.
func (p Pose) IsFinite() bool {
	for _, v := range p.m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Orthonormalize removes accumulated numerical drift from the rotation block by round-tripping
// it through a unit quaternion.
func (p Pose) Orthonormalize() Pose {
	q := mgl64.Mat4ToQuat(p.m).Normalize()
	return NewPose(q.Mat4().Mat3(), p.Point())
}

// PoseAlmostEqual reports whether the rotation blocks differ by at most rotEps per entry and the
// translations by at most transEps per axis.
func PoseAlmostEqual(a, b Pose, rotEps, transEps float64) bool {
	if !a.Rotation().ApproxEqualThreshold(b.Rotation(), rotEps) {
		return false
	}
	d := a.Point().Sub(b.Point())
	return math.Abs(d.X) <= transEps && math.Abs(d.Y) <= transEps && math.Abs(d.Z) <= transEps
}

func (p Pose) String() string {
	t := p.Point()
	tw := LogSE3(p)
	return fmt.Sprintf("pose{rot: [%.4f %.4f %.4f] trans: [%.4f %.4f %.4f]}", tw[0], tw[1], tw[2], t.X, t.Y, t.Z)
}
