package optimizer_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/icpslam/densemap"
	"go.viam.com/icpslam/frame"
	"go.viam.com/icpslam/keyframe"
	"go.viam.com/icpslam/logging"
	"go.viam.com/icpslam/optimizer"
	"go.viam.com/icpslam/spatialmath"
	itestutils "go.viam.com/icpslam/testutils"
)

// newStore fuses frames of the slow trajectory at their true poses and keeps every one as a keyframe.
func newStore(t *testing.T, n int) (*densemap.Map, []spatialmath.Pose) {
	t.Helper()
	logger := logging.NewTestLogger(t)
	b, err := frame.NewBuilder(frame.DefaultConfig(), itestutils.SmallIntrinsics(), nil, logger)
	test.That(t, err, test.ShouldBeNil)
	mapCfg := densemap.DefaultConfig()
	mapCfg.Capacity = 200000
	m, err := densemap.New(mapCfg, logger)
	test.That(t, err, test.ShouldBeNil)
	kfCfg := keyframe.DefaultConfig()
	kfCfg.MinTranslation = 0.005
	sel, err := keyframe.NewSelector(kfCfg, logger)
	test.That(t, err, test.ShouldBeNil)

	scene := itestutils.NewRoomCorner()
	poses := itestutils.SlowTrajectory(n)
	for _, pose := range poses {
		img, dm := scene.Render(itestutils.SmallIntrinsics(), pose, itestutils.DefaultDepthScale)
		f, err := b.Build(img, dm, time.Now())
		test.That(t, err, test.ShouldBeNil)
		f.SetPose(pose)
		_, err = m.Fuse(f)
		test.That(t, err, test.ShouldBeNil)
		admitted, err := sel.Consider(f, m)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, admitted, test.ShouldBeTrue)
		f.Release()
	}
	return m, poses
}

func newOptimizer(t *testing.T, opts ...optimizer.Option) *optimizer.Optimizer {
	t.Helper()
	return newOptimizerWithConfig(t, optimizer.DefaultConfig(), opts...)
}

func newOptimizerWithConfig(t *testing.T, cfg optimizer.Config, opts ...optimizer.Option) *optimizer.Optimizer {
	t.Helper()
	o, err := optimizer.NewOptimizer(cfg, itestutils.SmallIntrinsics().Scaled(1),
		logging.NewTestLogger(t), opts...)
	test.That(t, err, test.ShouldBeNil)
	return o
}

// perturb moves every keyframe but the first away from its true pose.
func perturb(t *testing.T, m *densemap.Map) {
	t.Helper()
	kfs, epoch := m.KeyframeWindow(0)
	update := map[int]spatialmath.Pose{}
	for i, kf := range kfs[1:] {
		sign := float64(1 - 2*(i%2))
		noise := spatialmath.ExpSE3(spatialmath.Twist{0.008 * sign, -0.005, 0.006 * sign, 0.004, -0.006 * sign, 0.003})
		update[kf.ID] = spatialmath.Compose(noise, kf.Pose)
	}
	test.That(t, m.UpdateKeyframePoses(epoch, update), test.ShouldBeNil)
}

func meanError(m *densemap.Map, truth []spatialmath.Pose) float64 {
	var sum float64
	kfs := m.Keyframes()
	for i, kf := range kfs {
		sum += spatialmath.TranslationDistance(kf.Pose, truth[i])
	}
	return sum / float64(len(kfs))
}

func TestLocalBANonRegression(t *testing.T) {
	m, truth := newStore(t, 5)
	perturb(t, m)
	before := meanError(m, truth)
	first := m.Keyframes()[0].Pose

	o := newOptimizer(t)
	report, err := o.LocalBA(context.Background(), m)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.Keyframes, test.ShouldEqual, 5)
	test.That(t, report.Accepted, test.ShouldBeGreaterThan, 0)
	test.That(t, report.FinalCost, test.ShouldBeLessThanOrEqualTo, report.InitialCost)
	test.That(t, meanError(m, truth), test.ShouldBeLessThan, before)
	test.That(t, m.Keyframes()[0].Pose, test.ShouldResemble, first)

	// a second pass starts where the first ended and cannot make things worse
	again, err := o.LocalBA(context.Background(), m)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, again.InitialCost, test.ShouldBeLessThanOrEqualTo, report.InitialCost)
	test.That(t, again.FinalCost, test.ShouldBeLessThanOrEqualTo, again.InitialCost)
}

func TestLocalBAWindow(t *testing.T) {
	m, _ := newStore(t, 9)
	perturb(t, m)
	before := m.KeyframePoses()

	o := newOptimizer(t)
	report, err := o.LocalBA(context.Background(), m)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.Keyframes, test.ShouldEqual, 7)
	after := m.KeyframePoses()
	// keyframes 0 and 1 are outside the window and 2 anchors it
	for i := 0; i < 3; i++ {
		test.That(t, after[i], test.ShouldResemble, before[i])
	}
	test.That(t, after[8], test.ShouldNotResemble, before[8])
}

func TestGlobalBA(t *testing.T) {
	m, truth := newStore(t, 9)
	perturb(t, m)
	before := meanError(m, truth)

	o := newOptimizer(t)
	report, err := o.GlobalBA(context.Background(), m)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.Global, test.ShouldBeTrue)
	test.That(t, report.Keyframes, test.ShouldEqual, 9)
	test.That(t, report.FinalCost, test.ShouldBeLessThanOrEqualTo, report.InitialCost)
	test.That(t, meanError(m, truth), test.ShouldBeLessThan, before)
}

func TestInterrupted(t *testing.T) {
	m, _ := newStore(t, 4)
	perturb(t, m)
	before := m.KeyframePoses()
	o := newOptimizer(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.LocalBA(ctx, m)
	test.That(t, errors.Is(err, optimizer.ErrInterrupted), test.ShouldBeTrue)
	test.That(t, m.KeyframePoses(), test.ShouldResemble, before)

	o.Pause()
	test.That(t, o.Paused(), test.ShouldBeTrue)
	_, err = o.GlobalBA(context.Background(), m)
	test.That(t, errors.Is(err, optimizer.ErrInterrupted), test.ShouldBeTrue)
	test.That(t, m.KeyframePoses(), test.ShouldResemble, before)

	o.Resume()
	_, err = o.GlobalBA(context.Background(), m)
	test.That(t, err, test.ShouldBeNil)
}

// resettingStore resets the map between reading the window and writing back.
type resettingStore struct {
	*densemap.Map
}

func (s resettingStore) UpdateKeyframePoses(epoch uint64, poses map[int]spatialmath.Pose) error {
	if err := s.Map.Reset(); err != nil {
		return err
	}
	return s.Map.UpdateKeyframePoses(epoch, poses)
}

func TestStaleWriteBack(t *testing.T) {
	m, _ := newStore(t, 4)
	perturb(t, m)
	o := newOptimizer(t)
	_, err := o.LocalBA(context.Background(), resettingStore{m})
	test.That(t, errors.Is(err, densemap.ErrStaleEpoch), test.ShouldBeTrue)
	test.That(t, m.KeyframeCount(), test.ShouldEqual, 0)
}

func TestRun(t *testing.T) {
	m, _ := newStore(t, 4)
	perturb(t, m)
	mock := clock.NewMock()
	cfg := optimizer.DefaultConfig()
	cfg.GlobalInterval = 0
	o := newOptimizerWithConfig(t, cfg, optimizer.WithClock(mock))
	interval := cfg.LocalInterval

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.Run(ctx, m)
	}()
	defer func() {
		cancel()
		<-done
	}()

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		mock.Add(interval)
		test.That(tb, o.Passes(), test.ShouldBeGreaterThanOrEqualTo, 1)
	})
	// nothing new, so the loop idles
	passes := o.Passes()
	mock.Add(interval)
	mock.Add(interval)
	test.That(t, o.Passes(), test.ShouldEqual, passes)

	o.RequestGlobal()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		mock.Add(interval)
		test.That(tb, o.Passes(), test.ShouldBeGreaterThan, passes)
	})
	test.That(t, o.Stalled(), test.ShouldBeFalse)
}

func TestConfigValidate(t *testing.T) {
	cfg := optimizer.DefaultConfig()
	test.That(t, cfg.Validate("opt"), test.ShouldBeNil)
	cfg.WindowSize = 1
	test.That(t, cfg.Validate("opt"), test.ShouldNotBeNil)
	cfg = optimizer.DefaultConfig()
	cfg.LocalInterval = 0
	test.That(t, cfg.Validate("opt"), test.ShouldNotBeNil)
	cfg = optimizer.DefaultConfig()
	cfg.GlobalInterval = 0
	test.That(t, cfg.Validate("opt"), test.ShouldBeNil)
}
