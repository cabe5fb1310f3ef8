package optimizer

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/icpslam/densemap"
	"go.viam.com/icpslam/logging"
	"go.viam.com/icpslam/spatialmath"
	itestutils "go.viam.com/icpslam/testutils"
)

func TestStall(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	cfg := DefaultConfig()
	cfg.StallThreshold = 3
	o, err := NewOptimizer(cfg, itestutils.SmallIntrinsics(), logger)
	test.That(t, err, test.ShouldBeNil)

	diverged := errors.Wrap(ErrDivergence, "test")
	o.record(diverged, false)
	o.record(diverged, true)
	test.That(t, o.Stalled(), test.ShouldBeFalse)

	// abandoned passes neither count as failures nor clear them
	o.record(ErrInterrupted, false)
	o.record(errors.Wrap(densemap.ErrStaleEpoch, "test"), false)
	test.That(t, o.Stalled(), test.ShouldBeFalse)

	o.record(diverged, false)
	test.That(t, o.Stalled(), test.ShouldBeTrue)
	o.record(diverged, false)
	test.That(t, logs.FilterMessage("bundle adjustment stalled").Len(), test.ShouldEqual, 1)

	o.record(nil, false)
	test.That(t, o.Stalled(), test.ShouldBeFalse)
	test.That(t, o.Passes(), test.ShouldEqual, 1)
	test.That(t, logs.FilterMessage("bundle adjustment recovered").Len(), test.ShouldEqual, 1)
}

func TestDivergenceGuard(t *testing.T) {
	logger := logging.NewTestLogger(t)
	o, err := NewOptimizer(DefaultConfig(), itestutils.SmallIntrinsics(), logger)
	test.That(t, err, test.ShouldBeNil)

	// a problem already at its minimum is not reported as diverged
	prob := &problem{cfg: &o.cfg, poses: itestutils.SlowTrajectory(3)}
	for i := 1; i < len(prob.poses); i++ {
		prob.priors = append(prob.priors, priorTerm{from: i - 1, to: i, measured: spatialmath.PoseBetween(prob.poses[i-1], prob.poses[i])})
	}
	var report Report
	poses, err := o.solve(context.Background(), prob, &report)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.InitialCost, test.ShouldAlmostEqual, 0)
	test.That(t, report.FinalCost, test.ShouldBeLessThanOrEqualTo, report.InitialCost)
	test.That(t, poses, test.ShouldHaveLength, 3)
}

func TestPauseDuringPassStartup(t *testing.T) {
	o, err := NewOptimizer(DefaultConfig(), itestutils.SmallIntrinsics(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	// a pause landing before the pass registered its cancel func
	o.Pause()
	_, _, err = o.beginPass(context.Background())
	test.That(t, errors.Is(err, ErrInterrupted), test.ShouldBeTrue)
	o.mu.Lock()
	test.That(t, o.cancelPass, test.ShouldBeNil)
	o.mu.Unlock()

	// a pause landing after it cancels the pass
	o.Resume()
	ctx, end, err := o.beginPass(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ctx.Err(), test.ShouldBeNil)
	o.Pause()
	test.That(t, ctx.Err(), test.ShouldNotBeNil)
	end()
}
