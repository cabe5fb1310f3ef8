package spatialmath

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a rigid transform from camera coordinates to world coordinates.
type Pose struct {
	Rotation    RotationMatrix
	Translation r3.Vector
}

// NewZeroPose returns the identity pose.
func NewZeroPose() Pose {
	return Pose{Rotation: NewIdentityRotation()}
}

// NewPose returns a pose from a rotation and a translation.
func NewPose(rot RotationMatrix, t r3.Vector) Pose {
	return Pose{Rotation: rot, Translation: t}
}

// NewPoseFromQuaternion returns a pose from a quaternion and a translation.
func NewPoseFromQuaternion(q quat.Number, t r3.Vector) Pose {
	return Pose{Rotation: QuatToRotationMatrix(q), Translation: t}
}

// Compose returns a∘b, the pose that applies b first and then a.
func Compose(a, b Pose) Pose {
	return Pose{
		Rotation:    a.Rotation.Mul(b.Rotation),
		Translation: a.Rotation.Apply(b.Translation).Add(a.Translation),
	}
}

// PoseBetween returns the pose d such that Compose(a, d) == b.
func PoseBetween(a, b Pose) Pose {
	return Compose(a.Inverse(), b)
}

// Inverse returns the world-to-camera transform of a camera-to-world pose, and vice versa.
func (p Pose) Inverse() Pose {
	rt := p.Rotation.Transpose()
	return Pose{Rotation: rt, Translation: rt.Apply(p.Translation).Mul(-1)}
}

// Transform maps a point through the pose.
func (p Pose) Transform(v r3.Vector) r3.Vector {
	return p.Rotation.Apply(v).Add(p.Translation)
}

// TransformNormal rotates a direction without translating it.
func (p Pose) TransformNormal(n r3.Vector) r3.Vector {
	return p.Rotation.Apply(n)
}

// Orthonormalize returns the pose with its rotation projected back onto SO(3).
func (p Pose) Orthonormalize() Pose {
	return Pose{Rotation: p.Rotation.Orthonormalize(), Translation: p.Translation}
}

// Quaternion returns the orientation of the pose.
func (p Pose) Quaternion() quat.Number {
	return p.Rotation.Quaternion()
}

// Flat returns the 12 values of the pose: the row-major rotation followed by the translation.
func (p Pose) Flat() [12]float64 {
	var out [12]float64
	copy(out[:9], p.Rotation[:])
	out[9], out[10], out[11] = p.Translation.X, p.Translation.Y, p.Translation.Z
	return out
}

// PoseFromFlat is the inverse of Pose.Flat. The rotation is checked for orthonormality.
func PoseFromFlat(vals [12]float64) (Pose, error) {
	var rot RotationMatrix
	copy(rot[:], vals[:9])
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Pose{}, fmt.Errorf("pose contains non-finite value %v", v)
		}
	}
	if !rot.IsOrthonormal(1e-4) {
		return Pose{}, fmt.Errorf("pose rotation %v is not orthonormal", rot)
	}
	return Pose{Rotation: rot.Orthonormalize(), Translation: r3.Vector{X: vals[9], Y: vals[10], Z: vals[11]}}, nil
}

// TranslationDistance returns the euclidean distance between the positions of two poses.
func TranslationDistance(a, b Pose) float64 {
	return a.Translation.Distance(b.Translation)
}

// GeodesicAngle returns the angle in radians of the rotation taking a's orientation to b's.
func GeodesicAngle(a, b Pose) float64 {
	return a.Rotation.Transpose().Mul(b.Rotation).Angle()
}

// PoseAlmostEqual reports whether two poses agree within a translation epsilon in meters and a
// rotation epsilon in radians.
func PoseAlmostEqual(a, b Pose, translationEps, rotationEps float64) bool {
	return TranslationDistance(a, b) <= translationEps && GeodesicAngle(a, b) <= rotationEps
}

func (p Pose) String() string {
	q := p.Quaternion()
	return fmt.Sprintf("{t: [%.4f %.4f %.4f] q: [%.4f %.4f %.4f %.4f]}",
		p.Translation.X, p.Translation.Y, p.Translation.Z, q.Real, q.Imag, q.Jmag, q.Kmag)
}
