package spatialmath

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrSingular is returned when a linear system has no unique solution.
var ErrSingular = errors.New("linear system is singular")

// SolveSPD solves a x = b for a symmetric positive definite n×n matrix a given in row-major order.
func SolveSPD(a, b []float64) ([]float64, error) {
	n := len(b)
	if len(a) != n*n {
		return nil, errors.Errorf("matrix has %d elements, want %d", len(a), n*n)
	}
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, 0.5*(a[i*n+j]+a[j*n+i]))
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(sym); !ok {
		return nil, ErrSingular
	}
	if cond := chol.Cond(); cond > 1e14 {
		return nil, errors.Wrapf(ErrSingular, "condition number %g", cond)
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, mat.NewVecDense(n, append([]float64(nil), b...))); err != nil {
		return nil, errors.Wrap(ErrSingular, err.Error())
	}
	return x.RawVector().Data, nil
}

// AlignPoints returns the rigid transform T minimizing Σ|T(src[i]) - dst[i]|², computed with the
// Kabsch method.
func AlignPoints(src, dst []r3.Vector) (Pose, error) {
	if len(src) != len(dst) {
		return Pose{}, errors.Errorf("point sets differ in size: %d vs %d", len(src), len(dst))
	}
	if len(src) < 3 {
		return Pose{}, errors.Wrapf(ErrSingular, "need at least 3 correspondences, have %d", len(src))
	}
	var cs, cd r3.Vector
	for i := range src {
		cs = cs.Add(src[i])
		cd = cd.Add(dst[i])
	}
	inv := 1 / float64(len(src))
	cs = cs.Mul(inv)
	cd = cd.Mul(inv)

	h := mat.NewDense(3, 3, nil)
	for i := range src {
		s := src[i].Sub(cs)
		d := dst[i].Sub(cd)
		sv := [3]float64{s.X, s.Y, s.Z}
		dv := [3]float64{d.X, d.Y, d.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+sv[r]*dv[c])
			}
		}
	}
	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return Pose{}, ErrSingular
	}
	vals := svd.Values(nil)
	if vals[1] < 1e-12 {
		return Pose{}, errors.Wrap(ErrSingular, "correspondences are collinear")
	}
	var u, v, r mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	r.Mul(&v, u.T())
	if mat.Det(&r) < 0 {
		for i := 0; i < 3; i++ {
			v.Set(i, 2, -v.At(i, 2))
		}
		r.Mul(&v, u.T())
	}
	var rot RotationMatrix
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot[i*3+j] = r.At(i, j)
		}
	}
	return Pose{Rotation: rot, Translation: cd.Sub(rot.Apply(cs))}, nil
}
