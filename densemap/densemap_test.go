package densemap

import (
	"image"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/icpslam/frame"
	"go.viam.com/icpslam/logging"
	"go.viam.com/icpslam/pointcloud"
	"go.viam.com/icpslam/rimage"
	"go.viam.com/icpslam/spatialmath"
	"go.viam.com/icpslam/testutils"
	"go.viam.com/icpslam/vision/keypoints"
)

func newTestBuilder(t *testing.T) *frame.Builder {
	t.Helper()
	b, err := frame.NewBuilder(frame.DefaultConfig(), testutils.SmallIntrinsics(), nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return b
}

func trackedFrame(t *testing.T, b *frame.Builder, scene *testutils.Scene, pose spatialmath.Pose) *frame.Frame {
	t.Helper()
	img, dm := scene.Render(testutils.SmallIntrinsics(), pose, testutils.DefaultDepthScale)
	f, err := b.Build(img, dm, time.Now())
	test.That(t, err, test.ShouldBeNil)
	f.SetPose(pose)
	return f
}

func newTestMap(t *testing.T, cfg Config) *Map {
	t.Helper()
	m, err := New(cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return m
}

func TestFuseUntracked(t *testing.T) {
	m := newTestMap(t, DefaultConfig())
	b := newTestBuilder(t)
	img, dm := testutils.NewRoomCorner().Render(testutils.SmallIntrinsics(), spatialmath.NewZeroPose(), testutils.DefaultDepthScale)
	f, err := b.Build(img, dm, time.Now())
	test.That(t, err, test.ShouldBeNil)
	defer f.Release()

	_, err = m.Fuse(f)
	test.That(t, errors.Is(err, ErrUntrackedFrame), test.ShouldBeTrue)
	test.That(t, m.Size(), test.ShouldEqual, 0)
}

func TestFuseIdempotent(t *testing.T) {
	m := newTestMap(t, DefaultConfig())
	b := newTestBuilder(t)
	f := trackedFrame(t, b, testutils.NewRoomCorner(), spatialmath.NewZeroPose())
	defer f.Release()

	res, err := m.Fuse(f)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Merged, test.ShouldEqual, 0)
	test.That(t, res.Inserted, test.ShouldBeGreaterThan, 3500)
	test.That(t, m.Size(), test.ShouldEqual, res.Inserted)
	first := m.Size()

	res, err = m.Fuse(f)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Inserted, test.ShouldBeLessThanOrEqualTo, first/100)
	test.That(t, res.Merged, test.ShouldBeGreaterThan, first*9/10)
	test.That(t, m.Size(), test.ShouldBeLessThanOrEqualTo, first+first/100)

	// merging identical observations leaves the surface where it was
	for _, p := range m.Primitives()[:100] {
		test.That(t, p.Normal.Norm(), test.ShouldAlmostEqual, 1, 1e-9)
		test.That(t, p.LastSeen, test.ShouldEqual, f.ID)
	}
}

func TestFuseSequenceStabilizes(t *testing.T) {
	m := newTestMap(t, DefaultConfig())
	b := newTestBuilder(t)
	scene := testutils.NewRoomCorner()
	poses := testutils.SlowTrajectory(10)

	var inserted []int
	for _, pose := range poses {
		f := trackedFrame(t, b, scene, pose)
		res, err := m.Fuse(f)
		test.That(t, err, test.ShouldBeNil)
		inserted = append(inserted, res.Inserted)
		f.Release()
	}
	for _, n := range inserted[3:] {
		test.That(t, n, test.ShouldBeLessThan, inserted[0]/10)
	}
	test.That(t, m.Size(), test.ShouldBeLessThan, inserted[0]*3/2)

	// every primitive still lies on one of the planes
	for _, p := range m.Primitives() {
		onPlane := math.Abs(p.Position.Z-2.5) < 0.01 ||
			math.Abs(p.Position.Y-0.8) < 0.01 ||
			math.Abs(p.Position.X+1.0) < 0.01
		test.That(t, onPlane, test.ShouldBeTrue)
	}
}

func TestFuseSkipsCreases(t *testing.T) {
	m := newTestMap(t, DefaultConfig())
	b := newTestBuilder(t)
	pose := testutils.SlowTrajectory(10)[5]
	f := trackedFrame(t, b, testutils.NewRoomCorner(), pose)
	defer f.Release()

	lvl := &f.Levels[m.cfg.FusionLevel]
	candidates := 0
	for y := 0; y < lvl.Intrinsics.Height; y++ {
		for x := 0; x < lvl.Intrinsics.Width; x++ {
			if lvl.Vertices.Valid(x, y) && lvl.Normals.Valid(x, y) {
				candidates++
			}
		}
	}
	res, err := m.Fuse(f)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Inserted, test.ShouldBeGreaterThan, candidates/2)
	test.That(t, res.Inserted, test.ShouldBeLessThan, candidates)

	for _, p := range m.Primitives() {
		onPlane := math.Abs(p.Position.Z-2.5) < 0.005 ||
			math.Abs(p.Position.Y-0.8) < 0.005 ||
			math.Abs(p.Position.X+1.0) < 0.005
		test.That(t, onPlane, test.ShouldBeTrue)
	}
}

func TestPlanarAround(t *testing.T) {
	// a 90 degree fold along x = 2
	vm := rimage.NewVertexMap(5, 3)
	for y := 0; y < 3; y++ {
		for x := 0; x < 5; x++ {
			v := r3.Vector{X: 0.05 * float64(x), Y: 0.05 * float64(y), Z: 1}
			if x > 2 {
				v = r3.Vector{X: 0.1, Y: 0.05 * float64(y), Z: 1 - 0.05*float64(x-2)}
			}
			vm.Set(x, y, v)
		}
	}
	facing := r3.Vector{Z: -1}
	test.That(t, planarAround(vm, 1, 1, vm.At(1, 1), facing, 0.004), test.ShouldBeTrue)
	test.That(t, planarAround(vm, 0, 0, vm.At(0, 0), facing, 0.004), test.ShouldBeTrue)
	test.That(t, planarAround(vm, 2, 1, vm.At(2, 1), facing, 0.004), test.ShouldBeFalse)
	// the right face is flat with a normal along x
	test.That(t, planarAround(vm, 4, 1, vm.At(4, 1), r3.Vector{X: -1}, 0.004), test.ShouldBeTrue)

	// invalid neighbours are ignored
	vm.Set(3, 1, rimage.InvalidVertex())
	vm.Set(3, 0, rimage.InvalidVertex())
	vm.Set(3, 2, rimage.InvalidVertex())
	test.That(t, planarAround(vm, 2, 1, vm.At(2, 1), facing, 0.004), test.ShouldBeTrue)
}

func TestFuseAtCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capacity = 1000
	logger, logs := logging.NewObservedTestLogger(t)
	m, err := New(cfg, logger)
	test.That(t, err, test.ShouldBeNil)
	b := newTestBuilder(t)
	f := trackedFrame(t, b, testutils.NewRoomCorner(), spatialmath.NewZeroPose())
	defer f.Release()

	res, err := m.Fuse(f)
	test.That(t, errors.Is(err, ErrCapacityExceeded), test.ShouldBeTrue)
	test.That(t, res.Inserted, test.ShouldEqual, 1000)
	test.That(t, res.Rejected, test.ShouldBeGreaterThan, 0)
	test.That(t, m.Stats().Degraded(), test.ShouldBeTrue)
	test.That(t, logs.FilterMessageSnippet("map is full").Len(), test.ShouldEqual, 1)

	res, err = m.Fuse(f)
	test.That(t, errors.Is(err, ErrCapacityExceeded), test.ShouldBeTrue)
	test.That(t, res.Inserted, test.ShouldEqual, 0)
	test.That(t, res.Merged, test.ShouldBeGreaterThan, 900)
	test.That(t, m.Size(), test.ShouldEqual, 1000)
	test.That(t, m.Stats().Rejected, test.ShouldBeGreaterThan, uint64(res.Rejected))
	test.That(t, logs.FilterMessageSnippet("map is full").Len(), test.ShouldEqual, 1)
}

func TestAllocationFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capacity = math.MaxInt64 / 2
	_, err := New(cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
	var allocErr *AllocationError
	test.That(t, errors.As(err, &allocErr), test.ShouldBeTrue)
	test.That(t, allocErr.Component, test.ShouldEqual, "primitive arena")
	test.That(t, allocErr.Size, test.ShouldEqual, cfg.Capacity)
}

func TestPredict(t *testing.T) {
	m := newTestMap(t, DefaultConfig())
	b := newTestBuilder(t)
	f := trackedFrame(t, b, testutils.NewRoomCorner(), spatialmath.NewZeroPose())
	defer f.Release()
	_, err := m.Fuse(f)
	test.That(t, err, test.ShouldBeNil)

	lvl := f.Levels[1]
	pred := m.Predict(spatialmath.NewZeroPose(), lvl.Intrinsics)
	test.That(t, pred.Valid, test.ShouldBeGreaterThanOrEqualTo, m.Size())
	test.That(t, pred.Epoch, test.ShouldEqual, m.Epoch())
	test.That(t, pred.IndexAt(-1, 0), test.ShouldEqual, -1)

	x, y := 60, 10
	test.That(t, pred.IndexAt(x, y), test.ShouldBeGreaterThanOrEqualTo, 0)
	test.That(t, pred.Vertices.At(x, y).Distance(lvl.Vertices.At(x, y)), test.ShouldBeLessThan, 1e-9)

	// at full resolution the footprints fill the gaps between primitives
	fine := m.Predict(spatialmath.NewZeroPose(), f.Levels[0].Intrinsics)
	test.That(t, fine.Valid, test.ShouldBeGreaterThan, 3*m.Size())

	// looking away from the surface sees nothing
	away := spatialmath.NewPose((&spatialmath.R4AA{Theta: math.Pi, RY: 1}).RotationMatrix(), r3.Vector{})
	test.That(t, m.Predict(away, lvl.Intrinsics).Valid, test.ShouldEqual, 0)
}

func TestExtractMesh(t *testing.T) {
	m := newTestMap(t, DefaultConfig())
	test.That(t, m.ExtractMesh().TriangleCount(), test.ShouldEqual, 0)

	b := newTestBuilder(t)
	f := trackedFrame(t, b, testutils.NewBackWall(), spatialmath.NewZeroPose())
	defer f.Release()
	_, err := m.Fuse(f)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.Dirty(), test.ShouldBeTrue)

	mesh := m.ExtractMesh()
	test.That(t, m.Dirty(), test.ShouldBeFalse)
	test.That(t, mesh.TriangleCount(), test.ShouldEqual, m.Size())
	test.That(t, len(mesh.Normals), test.ShouldEqual, 3*mesh.TriangleCount())
	test.That(t, len(mesh.Colors), test.ShouldEqual, 3*mesh.TriangleCount())
	for _, v := range mesh.Vertices {
		test.That(t, v.Z, test.ShouldAlmostEqual, 2.5, 1e-6)
	}

	again := m.ExtractMesh()
	test.That(t, again.Generation, test.ShouldEqual, mesh.Generation)

	_, err = m.Fuse(f)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.ExtractMesh().Generation, test.ShouldEqual, mesh.Generation+1)
}

func testKeyframe(pose spatialmath.Pose, covisible []int) Keyframe {
	thumb := image.NewGray(image.Rect(0, 0, 8, 6))
	for i := range thumb.Pix {
		thumb.Pix[i] = uint8(i * 5)
	}
	return Keyframe{
		FrameID:           7,
		Timestamp:         time.Unix(1700000000, 12345),
		Pose:              pose,
		Descriptors:       []keypoints.Descriptor{{1, 2, 3, 4}, {5, 6, 7, 8}},
		KeyPointPositions: []r3.Vector{{X: 1, Y: 2, Z: 3}, {X: 4, Y: 5, Z: 6}},
		Samples:           []Sample{{Position: r3.Vector{Z: 2}, Normal: r3.Vector{Z: -1}}},
		Covisible:         covisible,
		Thumbnail:         thumb,
	}
}

func TestKeyframeStore(t *testing.T) {
	m := newTestMap(t, DefaultConfig())
	_, ok := m.LastKeyframe()
	test.That(t, ok, test.ShouldBeFalse)

	p1 := spatialmath.ExpSE3(spatialmath.Twist{0.1, 0, 0, 0, 0.02, 0})
	test.That(t, m.InsertKeyframe(testKeyframe(spatialmath.NewZeroPose(), nil)), test.ShouldEqual, 0)
	test.That(t, m.InsertKeyframe(testKeyframe(p1, []int{0})), test.ShouldEqual, 1)
	test.That(t, m.KeyframeCount(), test.ShouldEqual, 2)

	last, ok := m.LastKeyframe()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, last.ID, test.ShouldEqual, 1)
	test.That(t, last.TrackedPose, test.ShouldResemble, p1)

	window, epoch := m.KeyframeWindow(1)
	test.That(t, len(window), test.ShouldEqual, 1)
	test.That(t, window[0].ID, test.ShouldEqual, 1)
	all, _ := m.KeyframeWindow(0)
	test.That(t, len(all), test.ShouldEqual, 2)

	p2 := spatialmath.ExpSE3(spatialmath.Twist{0.2, 0, 0, 0, 0, 0})
	err := m.UpdateKeyframePoses(epoch, map[int]spatialmath.Pose{1: p2, 5: p2})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, m.KeyframePoses()[1], test.ShouldResemble, p1)

	test.That(t, m.UpdateKeyframePoses(epoch, map[int]spatialmath.Pose{1: p2}), test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostEqual(m.KeyframePoses()[1], p2, 1e-9, 1e-9), test.ShouldBeTrue)
	kfs := m.Keyframes()
	test.That(t, kfs[1].TrackedPose, test.ShouldResemble, p1)

	test.That(t, m.Reset(), test.ShouldBeNil)
	test.That(t, m.KeyframeCount(), test.ShouldEqual, 0)
	err = m.UpdateKeyframePoses(epoch, map[int]spatialmath.Pose{})
	test.That(t, errors.Is(err, ErrStaleEpoch), test.ShouldBeTrue)
}

func TestResetBusy(t *testing.T) {
	m := newTestMap(t, DefaultConfig())
	b := newTestBuilder(t)
	f := trackedFrame(t, b, testutils.NewBackWall(), spatialmath.NewZeroPose())
	defer f.Release()
	_, err := m.Fuse(f)
	test.That(t, err, test.ShouldBeNil)
	epoch := m.Epoch()

	done := m.beginWork()
	test.That(t, m.Reset(), test.ShouldEqual, ErrBusy)
	test.That(t, m.Size(), test.ShouldBeGreaterThan, 0)
	done()

	test.That(t, m.Reset(), test.ShouldBeNil)
	test.That(t, m.Size(), test.ShouldEqual, 0)
	test.That(t, m.Epoch(), test.ShouldEqual, epoch+1)
}

func TestSaveLoad(t *testing.T) {
	m := newTestMap(t, DefaultConfig())
	b := newTestBuilder(t)
	f := trackedFrame(t, b, testutils.NewRoomCorner(), spatialmath.NewZeroPose())
	defer f.Release()
	_, err := m.Fuse(f)
	test.That(t, err, test.ShouldBeNil)
	p1 := spatialmath.ExpSE3(spatialmath.Twist{0.1, -0.05, 0.02, 0.01, 0.02, -0.03})
	m.InsertKeyframe(testKeyframe(spatialmath.NewZeroPose(), nil))
	m.InsertKeyframe(testKeyframe(p1, []int{0}))
	kf := testKeyframe(p1, []int{0, 1})
	kf.Thumbnail = nil
	kf.Descriptors = nil
	m.InsertKeyframe(kf)

	path := filepath.Join(t.TempDir(), "map.icpm")
	test.That(t, m.Save(path), test.ShouldBeNil)

	loaded := newTestMap(t, DefaultConfig())
	test.That(t, loaded.Load(path), test.ShouldBeNil)
	test.That(t, loaded.Size(), test.ShouldEqual, m.Size())
	test.That(t, loaded.KeyframeCount(), test.ShouldEqual, 3)
	test.That(t, loaded.Epoch(), test.ShouldEqual, 2)
	test.That(t, loaded.Dirty(), test.ShouldBeTrue)

	want, got := m.Primitives(), loaded.Primitives()
	for i := range want {
		test.That(t, got[i].Position.Distance(want[i].Position), test.ShouldBeLessThan, 1e-5)
		test.That(t, got[i].Normal.Distance(want[i].Normal), test.ShouldBeLessThan, 1e-5)
		test.That(t, got[i].Color, test.ShouldResemble, want[i].Color)
	}
	wantKfs, gotKfs := m.Keyframes(), loaded.Keyframes()
	for i := range wantKfs {
		w, g := wantKfs[i], gotKfs[i]
		test.That(t, g.ID, test.ShouldEqual, w.ID)
		test.That(t, g.FrameID, test.ShouldEqual, w.FrameID)
		test.That(t, g.Timestamp.Equal(w.Timestamp), test.ShouldBeTrue)
		test.That(t, spatialmath.PoseAlmostEqual(g.Pose, w.Pose, 1e-9, 1e-9), test.ShouldBeTrue)
		test.That(t, spatialmath.PoseAlmostEqual(g.TrackedPose, w.TrackedPose, 1e-9, 1e-9), test.ShouldBeTrue)
		test.That(t, g.Descriptors, test.ShouldResemble, w.Descriptors)
		test.That(t, g.KeyPointPositions, test.ShouldResemble, w.KeyPointPositions)
		test.That(t, g.Samples, test.ShouldResemble, w.Samples)
		test.That(t, g.Covisible, test.ShouldResemble, w.Covisible)
		test.That(t, g.Thumbnail, test.ShouldResemble, w.Thumbnail)
	}
}

func TestLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	m := newTestMap(t, DefaultConfig())
	b := newTestBuilder(t)
	f := trackedFrame(t, b, testutils.NewBackWall(), spatialmath.NewZeroPose())
	defer f.Release()
	_, err := m.Fuse(f)
	test.That(t, err, test.ShouldBeNil)
	m.InsertKeyframe(testKeyframe(spatialmath.NewZeroPose(), nil))
	size := m.Size()

	good := filepath.Join(dir, "good.icpm")
	test.That(t, m.Save(good), test.ShouldBeNil)

	notGzip := filepath.Join(dir, "plain.icpm")
	test.That(t, os.WriteFile(notGzip, []byte("ICPM not compressed"), 0o600), test.ShouldBeNil)
	err = m.Load(notGzip)
	test.That(t, errors.Is(err, ErrCorruptMap), test.ShouldBeTrue)

	// a map too big for the arena
	smallCfg := DefaultConfig()
	smallCfg.Capacity = 10
	small := newTestMap(t, smallCfg)
	err = small.Load(good)
	test.That(t, errors.Is(err, ErrCorruptMap), test.ShouldBeTrue)
	test.That(t, small.Size(), test.ShouldEqual, 0)

	// structural damage inside the compressed stream
	for name, mutate := range map[string]func(m *Map){
		"covisible": func(m *Map) { m.keyframes[0].Covisible = []int{3} },
		"pose":      func(m *Map) { m.keyframes[0].Pose.Rotation[0] = 5 },
		"primitive": func(m *Map) { m.prims[0].Position.Y = math.Inf(1) },
	} {
		t.Run(name, func(t *testing.T) {
			damaged := newTestMap(t, DefaultConfig())
			test.That(t, damaged.Load(good), test.ShouldBeNil)
			mutate(damaged)
			path := filepath.Join(dir, name+".icpm")
			test.That(t, damaged.Save(path), test.ShouldBeNil)

			err := m.Load(path)
			test.That(t, errors.Is(err, ErrCorruptMap), test.ShouldBeTrue)
			test.That(t, m.Size(), test.ShouldEqual, size)
			test.That(t, m.KeyframeCount(), test.ShouldEqual, 1)
		})
	}
}

func TestSaveMesh(t *testing.T) {
	dir := t.TempDir()
	m := newTestMap(t, DefaultConfig())
	b := newTestBuilder(t)
	f := trackedFrame(t, b, testutils.NewBackWall(), spatialmath.NewZeroPose())
	defer f.Release()
	_, err := m.Fuse(f)
	test.That(t, err, test.ShouldBeNil)

	ply := filepath.Join(dir, "mesh.ply")
	test.That(t, m.SaveMesh(ply), test.ShouldBeNil)
	data, err := os.ReadFile(ply)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data[:4]), test.ShouldEqual, "ply\n")

	pcd := filepath.Join(dir, "mesh.pcd")
	test.That(t, m.SaveMesh(pcd), test.ShouldBeNil)
	pc, err := pointcloud.NewFromFile(pcd, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pc.Size(), test.ShouldEqual, m.Size())
	test.That(t, pc.MetaData().HasNormal, test.ShouldBeTrue)
}
