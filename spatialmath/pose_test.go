package spatialmath

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func randomPose(rnd *rand.Rand, maxAngle, maxTrans float64) Pose {
	return ExpSE3(Twist{
		(rnd.Float64()*2 - 1) * maxTrans, (rnd.Float64()*2 - 1) * maxTrans, (rnd.Float64()*2 - 1) * maxTrans,
		(rnd.Float64()*2 - 1) * maxAngle, (rnd.Float64()*2 - 1) * maxAngle, (rnd.Float64()*2 - 1) * maxAngle,
	})
}

func TestComposeInverse(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		p := randomPose(rnd, 1, 2)
		id := Compose(p, p.Inverse())
		test.That(t, PoseAlmostEqual(id, NewZeroPose(), 1e-9, 1e-7), test.ShouldBeTrue)

		v := r3.Vector{X: 0.3, Y: -1, Z: 2}
		back := p.Inverse().Transform(p.Transform(v))
		test.That(t, back.Distance(v), test.ShouldBeLessThan, 1e-9)
	}
}

func TestComposeOrder(t *testing.T) {
	a := NewPose(NewIdentityRotation(), r3.Vector{X: 1})
	b := NewPose((&R4AA{Theta: math.Pi / 2, RZ: 1}).RotationMatrix(), r3.Vector{})
	// b rotates first, then a translates
	p := Compose(a, b).Transform(r3.Vector{X: 1})
	test.That(t, p.X, test.ShouldAlmostEqual, 1)
	test.That(t, p.Y, test.ShouldAlmostEqual, 1)
	test.That(t, PoseAlmostEqual(Compose(a, PoseBetween(a, b)), b, 1e-12, 1e-9), test.ShouldBeTrue)
}

func TestExpLogRoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(2))
	for i := 0; i < 50; i++ {
		xi := Twist{
			rnd.Float64() - 0.5, rnd.Float64() - 0.5, rnd.Float64() - 0.5,
			rnd.Float64() - 0.5, rnd.Float64() - 0.5, rnd.Float64() - 0.5,
		}
		p := ExpSE3(xi)
		test.That(t, p.Rotation.IsOrthonormal(1e-9), test.ShouldBeTrue)
		back := LogSE3(p)
		for k := range xi {
			test.That(t, back[k], test.ShouldAlmostEqual, xi[k], 1e-9)
		}
	}
	zero := ExpSE3(Twist{})
	test.That(t, PoseAlmostEqual(zero, NewZeroPose(), 0, 0), test.ShouldBeTrue)
}

func TestOrthonormalize(t *testing.T) {
	rot := (&R4AA{Theta: 0.7, RX: 1, RY: 1, RZ: 0}).RotationMatrix()
	test.That(t, rot.IsOrthonormal(1e-12), test.ShouldBeTrue)
	noisy := rot
	noisy[0] += 1e-3
	noisy[4] -= 2e-3
	noisy[7] += 1e-3
	test.That(t, noisy.IsOrthonormal(1e-6), test.ShouldBeFalse)
	fixed := noisy.Orthonormalize()
	test.That(t, fixed.IsOrthonormal(1e-12), test.ShouldBeTrue)
	test.That(t, fixed.Det(), test.ShouldAlmostEqual, 1)
	test.That(t, GeodesicAngle(NewPose(fixed, r3.Vector{}), NewPose(rot, r3.Vector{})), test.ShouldBeLessThan, 5e-3)

	// a reflection is turned into a proper rotation
	reflect := RotationMatrix{1, 0, 0, 0, 1, 0, 0, 0, -1}
	test.That(t, reflect.Orthonormalize().Det(), test.ShouldAlmostEqual, 1)
}

func TestQuaternionRoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(3))
	for i := 0; i < 20; i++ {
		p := randomPose(rnd, 3, 0)
		q := p.Quaternion()
		test.That(t, q.Real, test.ShouldBeGreaterThanOrEqualTo, 0)
		rot := QuatToRotationMatrix(q)
		test.That(t, GeodesicAngle(NewPose(rot, r3.Vector{}), p), test.ShouldBeLessThan, 1e-7)
	}
}

func TestFlatRoundTrip(t *testing.T) {
	p := randomPose(rand.New(rand.NewSource(4)), 1, 1)
	back, err := PoseFromFlat(p.Flat())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, PoseAlmostEqual(p, back, 1e-12, 1e-7), test.ShouldBeTrue)

	bad := p.Flat()
	bad[0] = 5
	_, err = PoseFromFlat(bad)
	test.That(t, err, test.ShouldNotBeNil)
	bad[0] = math.NaN()
	_, err = PoseFromFlat(bad)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestAxisAngle(t *testing.T) {
	aa := &R4AA{Theta: 1.2, RX: 0, RY: 3, RZ: 4}
	aa.Normalize()
	back := aa.RotationMatrix().AxisAngles()
	test.That(t, back.Theta, test.ShouldAlmostEqual, 1.2)
	test.That(t, back.RY, test.ShouldAlmostEqual, 0.6)
	test.That(t, back.RZ, test.ShouldAlmostEqual, 0.8)

	half := (&R4AA{Theta: math.Pi, RX: 1}).RotationMatrix().AxisAngles()
	test.That(t, half.Theta, test.ShouldAlmostEqual, math.Pi)
	test.That(t, math.Abs(half.RX), test.ShouldAlmostEqual, 1)
}
