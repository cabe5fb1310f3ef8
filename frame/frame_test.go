package frame_test

import (
	"image"
	"math"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/icpslam/frame"
	"go.viam.com/icpslam/logging"
	"go.viam.com/icpslam/rimage"
	"go.viam.com/icpslam/spatialmath"
	"go.viam.com/icpslam/testutils"
	"go.viam.com/icpslam/vision/keypoints"
)

func newBuilder(t *testing.T, withFeatures bool) *frame.Builder {
	t.Helper()
	var ext keypoints.Extractor
	if withFeatures {
		var err error
		ext, err = keypoints.NewExtractor(keypoints.DefaultExtractorConfig())
		test.That(t, err, test.ShouldBeNil)
	}
	b, err := frame.NewBuilder(frame.DefaultConfig(), testutils.SmallIntrinsics(), ext, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return b
}

func renderCorner() (*image.RGBA, *rimage.DepthMap) {
	return testutils.NewRoomCorner().Render(testutils.SmallIntrinsics(), spatialmath.NewZeroPose(), testutils.DefaultDepthScale)
}

func TestBuildLevels(t *testing.T) {
	b := newBuilder(t, false)
	img, dm := renderCorner()
	f, err := b.Build(img, dm, time.Now())
	test.That(t, err, test.ShouldBeNil)
	defer f.Release()

	test.That(t, f.NumLevels(), test.ShouldEqual, 3)
	test.That(t, f.Tracked(), test.ShouldBeFalse)
	test.That(t, f.Thumbnail.Bounds().Dx(), test.ShouldEqual, 80)
	test.That(t, f.Thumbnail.Bounds().Dy(), test.ShouldEqual, 60)
	for i, lvl := range f.Levels {
		test.That(t, lvl.Depth.Width(), test.ShouldEqual, 160>>i)
		test.That(t, lvl.Depth.Height(), test.ShouldEqual, 120>>i)
		test.That(t, lvl.Vertices.ValidCount(), test.ShouldBeGreaterThan, 0)
		test.That(t, lvl.Normals.ValidCount(), test.ShouldBeGreaterThan, 0)
	}
	// the back wall faces the camera
	n := f.Finest().Normals.At(100, 30)
	test.That(t, n.Z, test.ShouldAlmostEqual, -1, 1e-3)
}

func TestVertexReprojection(t *testing.T) {
	b := newBuilder(t, false)
	img, dm := renderCorner()
	f, err := b.Build(img, dm, time.Now())
	test.That(t, err, test.ShouldBeNil)
	defer f.Release()

	for _, lvl := range f.Levels {
		checked := 0
		for y := 0; y < lvl.Depth.Height(); y++ {
			for x := 0; x < lvl.Depth.Width(); x++ {
				if !lvl.Vertices.Valid(x, y) {
					continue
				}
				v := lvl.Vertices.At(x, y)
				px, py, ok := lvl.Intrinsics.ProjectToIndex(v)
				test.That(t, ok, test.ShouldBeTrue)
				test.That(t, px, test.ShouldEqual, x)
				test.That(t, py, test.ShouldEqual, y)
				test.That(t, v.Z, test.ShouldAlmostEqual, float64(lvl.Depth.At(x, y)), 1e-6)
				checked++
			}
		}
		test.That(t, checked, test.ShouldBeGreaterThan, 0)
	}
}

func TestBuildDepthConversion(t *testing.T) {
	b := newBuilder(t, false)
	img, _ := renderCorner()
	dm := rimage.NewEmptyDepthMap(160, 120)
	for y := 0; y < 120; y++ {
		for x := 0; x < 160; x++ {
			dm.Set(x, y, 10000)
		}
	}
	// out of range readings become invalid
	dm.Set(3, 4, 100)
	dm.Set(5, 6, 40000)
	f, err := b.Build(img, dm, time.Now())
	test.That(t, err, test.ShouldBeNil)
	defer f.Release()

	depth := f.Finest().Depth
	test.That(t, depth.At(0, 0), test.ShouldAlmostEqual, 2.0, 1e-6)
	test.That(t, math.IsNaN(float64(depth.At(3, 4))), test.ShouldBeTrue)
	test.That(t, math.IsNaN(float64(depth.At(5, 6))), test.ShouldBeTrue)
	test.That(t, f.Finest().Vertices.Valid(3, 4), test.ShouldBeFalse)
	test.That(t, depth.ValidCount(), test.ShouldEqual, 160*120-2)
}

func TestBuildInvalidInput(t *testing.T) {
	b := newBuilder(t, false)
	img, dm := renderCorner()

	t.Run("all invalid depth", func(t *testing.T) {
		_, err := b.Build(img, rimage.NewEmptyDepthMap(160, 120), time.Now())
		test.That(t, errors.Is(err, frame.ErrInvalidInput), test.ShouldBeTrue)
	})
	t.Run("dimension mismatch", func(t *testing.T) {
		_, err := b.Build(img, rimage.NewEmptyDepthMap(80, 60), time.Now())
		test.That(t, errors.Is(err, frame.ErrInvalidInput), test.ShouldBeTrue)
		test.That(t, err.Error(), test.ShouldContainSubstring, "80x60")

		_, err = b.Build(image.NewRGBA(image.Rect(0, 0, 10, 10)), dm, time.Now())
		test.That(t, errors.Is(err, frame.ErrInvalidInput), test.ShouldBeTrue)
	})
	t.Run("missing image", func(t *testing.T) {
		_, err := b.Build(nil, dm, time.Now())
		test.That(t, errors.Is(err, frame.ErrInvalidInput), test.ShouldBeTrue)
		_, err = b.Build(img, nil, time.Now())
		test.That(t, errors.Is(err, frame.ErrInvalidInput), test.ShouldBeTrue)
	})
}

func TestNewBuilderValidation(t *testing.T) {
	cfg := frame.DefaultConfig()
	cfg.NumLevels = 6
	_, err := frame.NewBuilder(cfg, testutils.SmallIntrinsics(), nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "too many")

	cfg = frame.DefaultConfig()
	cfg.DepthScale = 0
	_, err = frame.NewBuilder(cfg, testutils.SmallIntrinsics(), nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)

	intr := testutils.SmallIntrinsics()
	intr.Fx = 0
	_, err = frame.NewBuilder(frame.DefaultConfig(), intr, nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestReleaseAndPose(t *testing.T) {
	b := newBuilder(t, false)
	img, dm := renderCorner()
	f1, err := b.Build(img, dm, time.Now())
	test.That(t, err, test.ShouldBeNil)

	pose := spatialmath.ExpSE3(spatialmath.Twist{0.1, 0, 0, 0, 0.05, 0})
	f1.SetPose(pose)
	test.That(t, f1.Tracked(), test.ShouldBeTrue)
	test.That(t, spatialmath.PoseAlmostEqual(spatialmath.Compose(f1.Pose(), f1.InversePose()),
		spatialmath.NewZeroPose(), 1e-9, 1e-9), test.ShouldBeTrue)

	f1.Release()
	test.That(t, f1.Released(), test.ShouldBeTrue)
	test.That(t, f1.Levels, test.ShouldBeNil)
	f1.Release()

	f2, err := b.Build(img, dm, time.Now())
	test.That(t, err, test.ShouldBeNil)
	defer f2.Release()
	test.That(t, f2.ID, test.ShouldBeGreaterThan, f1.ID)
	test.That(t, f2.Finest().Depth.ValidCount(), test.ShouldEqual, 160*120)
}

func TestKeyPointPositions(t *testing.T) {
	b := newBuilder(t, true)
	img, dm := renderCorner()
	f, err := b.Build(img, dm, time.Now())
	test.That(t, err, test.ShouldBeNil)
	defer f.Release()

	test.That(t, len(f.KeyPoints), test.ShouldBeGreaterThan, 0)
	test.That(t, len(f.Descriptors), test.ShouldEqual, len(f.KeyPoints))
	test.That(t, len(f.KeyPointPositions), test.ShouldEqual, len(f.KeyPoints))
	for i, kp := range f.KeyPoints {
		test.That(t, rimage.ValidVertex(f.KeyPointPositions[i]), test.ShouldBeTrue)
		test.That(t, f.KeyPointPositions[i], test.ShouldResemble, f.Finest().Vertices.At(kp.X, kp.Y))
	}
}

func TestThumbnailDistance(t *testing.T) {
	b := newBuilder(t, false)
	img, dm := renderCorner()
	f1, err := b.Build(img, dm, time.Now())
	test.That(t, err, test.ShouldBeNil)
	defer f1.Release()

	moved := spatialmath.NewPose(spatialmath.NewIdentityRotation(), spatialmath.Twist{0.3}.Linear())
	img2, dm2 := testutils.NewRoomCorner().Render(testutils.SmallIntrinsics(), moved, testutils.DefaultDepthScale)
	f2, err := b.Build(img2, dm2, time.Now())
	test.That(t, err, test.ShouldBeNil)
	defer f2.Release()

	test.That(t, frame.ThumbnailDistance(f1.Thumbnail, f1.Thumbnail), test.ShouldEqual, 0)
	test.That(t, frame.ThumbnailDistance(f1.Thumbnail, f2.Thumbnail), test.ShouldBeGreaterThan, 0)
	test.That(t, math.IsInf(frame.ThumbnailDistance(f1.Thumbnail, nil), 1), test.ShouldBeTrue)
}
