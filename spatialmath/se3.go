package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
)

// Twist is a 6-vector in se(3): translational part first, rotational part second.
type Twist [6]float64

// Linear returns the translational part.
func (xi Twist) Linear() r3.Vector {
	return r3.Vector{X: xi[0], Y: xi[1], Z: xi[2]}
}

// Angular returns the rotational part.
func (xi Twist) Angular() r3.Vector {
	return r3.Vector{X: xi[3], Y: xi[4], Z: xi[5]}
}

// Norm returns the euclidean norm of all six components.
func (xi Twist) Norm() float64 {
	var s float64
	for _, v := range xi {
		s += v * v
	}
	return math.Sqrt(s)
}

const smallAngle = 1e-10

// ExpSE3 maps a twist to the rigid transform it generates.
func ExpSE3(xi Twist) Pose {
	w := xi.Angular()
	theta := w.Norm()
	wx := skew(w)
	wx2 := wx.Mul(wx)
	var rot, v RotationMatrix
	if theta < smallAngle {
		rot = NewIdentityRotation().add(wx)
		v = NewIdentityRotation().add(wx.scale(0.5))
	} else {
		a := math.Sin(theta) / theta
		b := (1 - math.Cos(theta)) / (theta * theta)
		c := (theta - math.Sin(theta)) / (theta * theta * theta)
		rot = NewIdentityRotation().add(wx.scale(a)).add(wx2.scale(b))
		v = NewIdentityRotation().add(wx.scale(b)).add(wx2.scale(c))
	}
	return Pose{Rotation: rot, Translation: v.Apply(xi.Linear())}
}

// LogSE3 is the inverse of ExpSE3 for rotations below pi.
func LogSE3(p Pose) Twist {
	w := rotationLog(p.Rotation)
	theta := w.Norm()
	wx := skew(w)
	vinv := NewIdentityRotation().add(wx.scale(-0.5))
	if theta >= smallAngle {
		a := math.Sin(theta) / theta
		b := (1 - math.Cos(theta)) / (theta * theta)
		vinv = vinv.add(wx.Mul(wx).scale((1 - a/(2*b)) / (theta * theta)))
	}
	t := vinv.Apply(p.Translation)
	return Twist{t.X, t.Y, t.Z, w.X, w.Y, w.Z}
}

// rotationLog returns the rotation vector of rm.
func rotationLog(rm RotationMatrix) r3.Vector {
	theta := rm.Angle()
	vee := r3.Vector{X: rm[7] - rm[5], Y: rm[2] - rm[6], Z: rm[3] - rm[1]}
	if theta < 1e-8 {
		return vee.Mul(0.5)
	}
	if math.Pi-theta < 1e-6 {
		// axis from the largest diagonal element of (R + I) / 2
		best := 0
		for i := 1; i < 3; i++ {
			if rm.At(i, i) > rm.At(best, best) {
				best = i
			}
		}
		col := rm.Col(best)
		switch best {
		case 0:
			col.X++
		case 1:
			col.Y++
		default:
			col.Z++
		}
		return col.Normalize().Mul(theta)
	}
	return vee.Mul(theta / (2 * math.Sin(theta)))
}
