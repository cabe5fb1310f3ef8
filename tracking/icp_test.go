package tracking

import (
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/icpslam/frame"
	"go.viam.com/icpslam/logging"
	"go.viam.com/icpslam/spatialmath"
	"go.viam.com/icpslam/testutils"
)

func TestAlignLevelScoresReturnedPose(t *testing.T) {
	logger := logging.NewTestLogger(t)
	b, err := frame.NewBuilder(frame.DefaultConfig(), testutils.SmallIntrinsics(), nil, logger)
	test.That(t, err, test.ShouldBeNil)
	tr, err := NewTracker(DefaultConfig(), logger)
	test.That(t, err, test.ShouldBeNil)
	scene := testutils.NewRoomCorner()

	build := func(pose spatialmath.Pose) *frame.Frame {
		img, dm := scene.Render(testutils.SmallIntrinsics(), pose, testutils.DefaultDepthScale)
		f, err := b.Build(img, dm, time.Now())
		test.That(t, err, test.ShouldBeNil)
		return f
	}
	f0 := build(spatialmath.NewZeroPose())
	defer f0.Release()
	f0.SetPose(spatialmath.NewZeroPose())
	ref := frameReference(f0, f0.NumLevels())

	moved := spatialmath.NewPose(spatialmath.NewZeroPose().Rotation, r3.Vector{X: 0.01, Y: -0.005})
	f1 := build(moved)
	defer f1.Release()

	for _, iterations := range []int{1, 2, 5} {
		res := tr.alignLevel(&f1.Levels[0], &ref.levels[0], spatialmath.NewZeroPose(), iterations)
		test.That(t, res.ok, test.ShouldBeTrue)
		test.That(t, res.iterations, test.ShouldBeLessThanOrEqualTo, iterations)
		test.That(t, res.rms, test.ShouldEqual, rms(tr.associate(&f1.Levels[0], &ref.levels[0], res.pose)))
	}
}
