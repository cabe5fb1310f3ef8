// Package spatialmath defines the rigid-body math used by tracking, fusion and optimization.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// RotationMatrix is a 3x3 rotation stored in row-major order.
type RotationMatrix [9]float64

// NewIdentityRotation returns the rotation that does nothing.
func NewIdentityRotation() RotationMatrix {
	return RotationMatrix{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// At returns the element at row, col.
func (rm RotationMatrix) At(row, col int) float64 {
	return rm[row*3+col]
}

// Row returns the row as a vector.
func (rm RotationMatrix) Row(row int) r3.Vector {
	return r3.Vector{X: rm[row*3], Y: rm[row*3+1], Z: rm[row*3+2]}
}

// Col returns the column as a vector.
func (rm RotationMatrix) Col(col int) r3.Vector {
	return r3.Vector{X: rm[col], Y: rm[3+col], Z: rm[6+col]}
}

// Apply rotates v.
func (rm RotationMatrix) Apply(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: rm[0]*v.X + rm[1]*v.Y + rm[2]*v.Z,
		Y: rm[3]*v.X + rm[4]*v.Y + rm[5]*v.Z,
		Z: rm[6]*v.X + rm[7]*v.Y + rm[8]*v.Z,
	}
}

// Mul returns rm * other.
func (rm RotationMatrix) Mul(other RotationMatrix) RotationMatrix {
	var out RotationMatrix
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i*3+j] = rm[i*3]*other[j] + rm[i*3+1]*other[3+j] + rm[i*3+2]*other[6+j]
		}
	}
	return out
}

// Transpose returns the transpose, which is also the inverse of a proper rotation.
func (rm RotationMatrix) Transpose() RotationMatrix {
	return RotationMatrix{rm[0], rm[3], rm[6], rm[1], rm[4], rm[7], rm[2], rm[5], rm[8]}
}

// Det returns the determinant.
func (rm RotationMatrix) Det() float64 {
	return rm[0]*(rm[4]*rm[8]-rm[5]*rm[7]) -
		rm[1]*(rm[3]*rm[8]-rm[5]*rm[6]) +
		rm[2]*(rm[3]*rm[7]-rm[4]*rm[6])
}

// Trace returns the sum of the diagonal.
func (rm RotationMatrix) Trace() float64 {
	return rm[0] + rm[4] + rm[8]
}

// Angle returns the rotation angle in radians, in [0, pi].
func (rm RotationMatrix) Angle() float64 {
	c := (rm.Trace() - 1) / 2
	return math.Acos(math.Max(-1, math.Min(1, c)))
}

// IsOrthonormal reports whether RᵀR is identity and det(R) is 1 within tol.
func (rm RotationMatrix) IsOrthonormal(tol float64) bool {
	rtr := rm.Transpose().Mul(rm)
	id := NewIdentityRotation()
	for i := range rtr {
		if math.Abs(rtr[i]-id[i]) > tol {
			return false
		}
	}
	return math.Abs(rm.Det()-1) <= tol
}

// Orthonormalize returns the closest proper rotation in the Frobenius sense, computed with an SVD.
func (rm RotationMatrix) Orthonormalize() RotationMatrix {
	m := mat.NewDense(3, 3, rm[:])
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDFull); !ok {
		return NewIdentityRotation()
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	var r mat.Dense
	r.Mul(&u, v.T())
	if mat.Det(&r) < 0 {
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		r.Mul(&u, v.T())
	}
	var out RotationMatrix
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i*3+j] = r.At(i, j)
		}
	}
	return out
}

// Quaternion returns the rotation as a unit quaternion with non-negative real part.
func (rm RotationMatrix) Quaternion() quat.Number {
	var q quat.Number
	tr := rm.Trace()
	switch {
	case tr > 0:
		s := math.Sqrt(tr+1) * 2
		q = quat.Number{Real: s / 4, Imag: (rm[7] - rm[5]) / s, Jmag: (rm[2] - rm[6]) / s, Kmag: (rm[3] - rm[1]) / s}
	case rm[0] > rm[4] && rm[0] > rm[8]:
		s := math.Sqrt(1+rm[0]-rm[4]-rm[8]) * 2
		q = quat.Number{Real: (rm[7] - rm[5]) / s, Imag: s / 4, Jmag: (rm[1] + rm[3]) / s, Kmag: (rm[2] + rm[6]) / s}
	case rm[4] > rm[8]:
		s := math.Sqrt(1+rm[4]-rm[0]-rm[8]) * 2
		q = quat.Number{Real: (rm[2] - rm[6]) / s, Imag: (rm[1] + rm[3]) / s, Jmag: s / 4, Kmag: (rm[5] + rm[7]) / s}
	default:
		s := math.Sqrt(1+rm[8]-rm[0]-rm[4]) * 2
		q = quat.Number{Real: (rm[3] - rm[1]) / s, Imag: (rm[2] + rm[6]) / s, Jmag: (rm[5] + rm[7]) / s, Kmag: s / 4}
	}
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return quat.Scale(1/quat.Abs(q), q)
}

// QuatToRotationMatrix converts a quaternion, which need not be normalized, to a rotation matrix.
func QuatToRotationMatrix(q quat.Number) RotationMatrix {
	q = quat.Scale(1/quat.Abs(q), q)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return RotationMatrix{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	}
}

// skew returns the cross-product matrix of v.
func skew(v r3.Vector) RotationMatrix {
	return RotationMatrix{0, -v.Z, v.Y, v.Z, 0, -v.X, -v.Y, v.X, 0}
}

func (rm RotationMatrix) add(other RotationMatrix) RotationMatrix {
	for i := range rm {
		rm[i] += other[i]
	}
	return rm
}

func (rm RotationMatrix) scale(s float64) RotationMatrix {
	for i := range rm {
		rm[i] *= s
	}
	return rm
}
