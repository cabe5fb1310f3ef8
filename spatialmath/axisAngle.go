package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
)

// R4AA represents an R4 axis angle: a unit axis (RX, RY, RZ) and a rotation Theta about it.
type R4AA struct {
	Theta float64 `json:"th"`
	RX    float64 `json:"x"`
	RY    float64 `json:"y"`
	RZ    float64 `json:"z"`
}

// NewR4AA creates an axis angle with no rotation.
func NewR4AA() *R4AA {
	return &R4AA{Theta: 0, RX: 0, RY: 0, RZ: 1}
}

// NewR4AAFromR3 builds an axis angle from a rotation vector whose length is the angle.
func NewR4AAFromR3(v r3.Vector) *R4AA {
	theta := v.Norm()
	if theta == 0 {
		return NewR4AA()
	}
	return &R4AA{Theta: theta, RX: v.X / theta, RY: v.Y / theta, RZ: v.Z / theta}
}

// ToR3 converts an R4 angle axis to a rotation vector.
func (r4 *R4AA) ToR3() r3.Vector {
	return r3.Vector{X: r4.RX, Y: r4.RY, Z: r4.RZ}.Mul(r4.Theta)
}

// Normalize scales the axis to unit length.
func (r4 *R4AA) Normalize() {
	norm := math.Sqrt(r4.RX*r4.RX + r4.RY*r4.RY + r4.RZ*r4.RZ)
	if norm == 0 {
		r4.RX, r4.RY, r4.RZ = 0, 0, 1
		return
	}
	r4.RX /= norm
	r4.RY /= norm
	r4.RZ /= norm
}

// RotationMatrix returns the orientation in rotation matrix representation (Rodrigues formula).
func (r4 *R4AA) RotationMatrix() RotationMatrix {
	axis := r3.Vector{X: r4.RX, Y: r4.RY, Z: r4.RZ}
	if axis.Norm() == 0 || r4.Theta == 0 {
		return NewIdentityRotation()
	}
	k := skew(axis.Normalize())
	k2 := k.Mul(k)
	return NewIdentityRotation().add(k.scale(math.Sin(r4.Theta))).add(k2.scale(1 - math.Cos(r4.Theta)))
}

// AxisAngles extracts the axis angle of a rotation matrix.
func (rm RotationMatrix) AxisAngles() *R4AA {
	return NewR4AAFromR3(rotationLog(rm))
}
