package optimizer

import (
	"context"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/icpslam/densemap"
	"go.viam.com/icpslam/rimage/transform"
	"go.viam.com/icpslam/spatialmath"
	"go.viam.com/icpslam/utils"
)

var (
	// ErrDivergence is returned when no step of a pass lowered the error and the best attempt raised
	// it beyond the divergence guard. Poses are left unchanged.
	ErrDivergence = errors.New("bundle adjustment diverged")
	// ErrInterrupted is returned when a pass is abandoned before writing back.
	ErrInterrupted = errors.New("bundle adjustment interrupted")
)

// numericStep is the twist step of the numeric prior Jacobians.
const numericStep = 1e-7

// Store is the keyframe store bundle adjustment reads from and writes back to.
type Store interface {
	KeyframeCount() int
	KeyframeWindow(n int) ([]densemap.Keyframe, uint64)
	UpdateKeyframePoses(epoch uint64, poses map[int]spatialmath.Pose) error
	Predict(pose spatialmath.Pose, intr transform.PinholeCameraIntrinsics) *densemap.Prediction
}

// Report summarizes one bundle adjustment pass.
type Report struct {
	Global     bool
	Keyframes  int
	Iterations int
	// Accepted counts the iterations whose step lowered the error.
	Accepted    int
	InitialCost float64
	FinalCost   float64
}

// pointTerm is a keyframe sample paired with the model surface it should lie on.
type pointTerm struct {
	pose   int
	sample r3.Vector
	target r3.Vector
	normal r3.Vector
}

// priorTerm ties two consecutive keyframes to the relative pose the tracker measured.
type priorTerm struct {
	from, to int
	measured spatialmath.Pose
}

type problem struct {
	cfg    *Config
	poses  []spatialmath.Pose
	fixed  int
	points []pointTerm
	priors []priorTerm
}

// LocalBA refines the newest WindowSize keyframes. The oldest keyframe of the window is fixed.
func (o *Optimizer) LocalBA(ctx context.Context, store Store) (Report, error) {
	return o.adjust(ctx, store, o.cfg.WindowSize, false)
}

// GlobalBA refines every keyframe but the first.
func (o *Optimizer) GlobalBA(ctx context.Context, store Store) (Report, error) {
	return o.adjust(ctx, store, 0, true)
}

func (o *Optimizer) adjust(ctx context.Context, store Store, window int, global bool) (Report, error) {
	o.passMu.Lock()
	defer o.passMu.Unlock()
	ctx, end, err := o.beginPass(ctx)
	if err != nil {
		return Report{Global: global}, err
	}
	defer end()

	kfs, epoch := store.KeyframeWindow(window)
	report := Report{Global: global, Keyframes: len(kfs)}
	if len(kfs) < 2 {
		return report, nil
	}
	prob := o.build(store, kfs)
	poses, err := o.solve(ctx, prob, &report)
	if err != nil {
		return report, err
	}
	if report.Accepted == 0 {
		return report, nil
	}
	if ctx.Err() != nil {
		return report, ErrInterrupted
	}

	update := make(map[int]spatialmath.Pose, len(kfs)-1)
	for i := range kfs {
		if i != prob.fixed {
			update[kfs[i].ID] = poses[i]
		}
	}
	if err := store.UpdateKeyframePoses(epoch, update); err != nil {
		return report, err
	}
	o.logger.Debugw("bundle adjustment", "global", global, "keyframes", len(kfs), "iterations", report.Iterations,
		"initial_cost", report.InitialCost, "final_cost", report.FinalCost)
	return report, nil
}

// build pairs every keyframe sample with the model predicted at the keyframe's pose. The pairs are
// kept for the whole pass.
func (o *Optimizer) build(store Store, kfs []densemap.Keyframe) *problem {
	prob := &problem{cfg: &o.cfg, poses: make([]spatialmath.Pose, len(kfs))}
	cosGate := math.Cos(utils.DegToRad(o.cfg.MaxNormalAngleDegs))
	for i := range kfs {
		kf := &kfs[i]
		prob.poses[i] = kf.Pose
		if i > 0 {
			prob.priors = append(prob.priors, priorTerm{
				from:     i - 1,
				to:       i,
				measured: spatialmath.PoseBetween(kfs[i-1].TrackedPose, kf.TrackedPose),
			})
		}
		if len(kf.Samples) == 0 {
			continue
		}
		pred := store.Predict(kf.Pose, o.intrinsics)
		for _, s := range kf.Samples {
			x, y, ok := o.intrinsics.ProjectToIndex(s.Position)
			if !ok || pred.IndexAt(x, y) < 0 {
				continue
			}
			q := pred.Vertices.At(x, y)
			nq := pred.Normals.At(x, y)
			if kf.Pose.TransformNormal(s.Normal).Dot(nq) < cosGate {
				continue
			}
			if kf.Pose.Transform(s.Position).Distance(q) > o.cfg.MaxCorrespondenceDistance {
				continue
			}
			prob.points = append(prob.points, pointTerm{pose: i, sample: s.Position, target: q, normal: nq})
		}
	}
	return prob
}

// solve runs Levenberg-Marquardt and returns the refined poses. A step that raises the cost is
// discarded and the damping raised; a singular system skips the iteration.
func (o *Optimizer) solve(ctx context.Context, prob *problem, report *Report) ([]spatialmath.Pose, error) {
	poses := append([]spatialmath.Pose(nil), prob.poses...)
	cost := prob.cost(poses)
	report.InitialCost, report.FinalCost = cost, cost
	lambda := o.cfg.InitialLambda
	bestRejected := math.Inf(1)

	for it := 0; it < o.cfg.MaxIterations; it++ {
		if ctx.Err() != nil {
			return nil, ErrInterrupted
		}
		report.Iterations++
		h, g := prob.normalEquations(poses)
		n := len(g)
		for i := 0; i < n; i++ {
			h[i*n+i] += lambda * math.Max(h[i*n+i], 1e-9)
		}
		neg := make([]float64, n)
		for i := range g {
			neg[i] = -g[i]
		}
		step, err := spatialmath.SolveSPD(h, neg)
		if err != nil {
			o.logger.Debugw("skipping singular iteration", "iteration", it, "error", err)
			lambda *= 10
			continue
		}
		candidate := prob.apply(poses, step)
		next := prob.cost(candidate)
		if next < cost {
			improvement := cost - next
			poses, cost = candidate, next
			report.Accepted++
			lambda = math.Max(lambda/10, 1e-12)
			if improvement <= 1e-12*math.Max(cost, 1) {
				break
			}
			continue
		}
		bestRejected = math.Min(bestRejected, next)
		lambda *= 10
	}
	report.FinalCost = cost
	if report.Accepted == 0 && bestRejected > report.InitialCost*(1+o.cfg.DivergenceGuard)+1e-12 {
		return nil, errors.Wrapf(ErrDivergence, "best step raised the cost from %g to %g", report.InitialCost, bestRejected)
	}
	return poses, nil
}

// freeIndex maps a pose to its block in the state vector, or -1 for the fixed pose.
func (p *problem) freeIndex(pose int) int {
	switch {
	case pose == p.fixed:
		return -1
	case pose > p.fixed:
		return pose - 1
	default:
		return pose
	}
}

func (p *problem) apply(poses []spatialmath.Pose, step []float64) []spatialmath.Pose {
	out := make([]spatialmath.Pose, len(poses))
	for i := range poses {
		k := p.freeIndex(i)
		if k < 0 {
			out[i] = poses[i]
			continue
		}
		var xi spatialmath.Twist
		copy(xi[:], step[6*k:6*k+6])
		out[i] = spatialmath.Compose(spatialmath.ExpSE3(xi), poses[i]).Orthonormalize()
	}
	return out
}

func (p *problem) pointResidual(t *pointTerm, pose spatialmath.Pose) float64 {
	return t.normal.Dot(pose.Transform(t.sample).Sub(t.target)) / p.cfg.PointSigma
}

func (p *problem) priorResidual(t *priorTerm, from, to spatialmath.Pose) [6]float64 {
	current := spatialmath.PoseBetween(from, to)
	e := spatialmath.LogSE3(spatialmath.PoseBetween(t.measured, current))
	rotSigma := utils.DegToRad(p.cfg.PriorRotationSigmaDegs)
	var out [6]float64
	for i := 0; i < 3; i++ {
		out[i] = e[i] / p.cfg.PriorTranslationSigma
		out[i+3] = e[i+3] / rotSigma
	}
	return out
}

// cost is the total squared weighted error.
func (p *problem) cost(poses []spatialmath.Pose) float64 {
	var total float64
	for i := range p.points {
		r := p.pointResidual(&p.points[i], poses[p.points[i].pose])
		total += r * r
	}
	for i := range p.priors {
		t := &p.priors[i]
		for _, r := range p.priorResidual(t, poses[t.from], poses[t.to]) {
			total += r * r
		}
	}
	return total
}

// normalEquations returns JᵀJ and Jᵀr over the free poses. Point Jacobians are analytic, prior
// Jacobians numeric.
func (p *problem) normalEquations(poses []spatialmath.Pose) ([]float64, []float64) {
	n := 6 * (len(poses) - 1)
	h := make([]float64, n*n)
	g := make([]float64, n)
	addBlock := func(k int, j [6]float64, r float64) {
		for a := 0; a < 6; a++ {
			g[6*k+a] += j[a] * r
			for b := 0; b < 6; b++ {
				h[(6*k+a)*n+6*k+b] += j[a] * j[b]
			}
		}
	}

	for i := range p.points {
		t := &p.points[i]
		k := p.freeIndex(t.pose)
		if k < 0 {
			continue
		}
		world := poses[t.pose].Transform(t.sample)
		c := world.Cross(t.normal)
		s := 1 / p.cfg.PointSigma
		j := [6]float64{t.normal.X * s, t.normal.Y * s, t.normal.Z * s, c.X * s, c.Y * s, c.Z * s}
		addBlock(k, j, p.pointResidual(t, poses[t.pose]))
	}

	for i := range p.priors {
		t := &p.priors[i]
		r0 := p.priorResidual(t, poses[t.from], poses[t.to])
		var jac [2][6][6]float64 // [pose][residual][param]
		blocks := [2]int{p.freeIndex(t.from), p.freeIndex(t.to)}
		for side, k := range blocks {
			if k < 0 {
				continue
			}
			for a := 0; a < 6; a++ {
				var xi spatialmath.Twist
				xi[a] = numericStep
				from, to := poses[t.from], poses[t.to]
				if side == 0 {
					from = spatialmath.Compose(spatialmath.ExpSE3(xi), from)
				} else {
					to = spatialmath.Compose(spatialmath.ExpSE3(xi), to)
				}
				r1 := p.priorResidual(t, from, to)
				for row := 0; row < 6; row++ {
					jac[side][row][a] = (r1[row] - r0[row]) / numericStep
				}
			}
		}
		for sa, ka := range blocks {
			if ka < 0 {
				continue
			}
			for row := 0; row < 6; row++ {
				for a := 0; a < 6; a++ {
					g[6*ka+a] += jac[sa][row][a] * r0[row]
				}
			}
			for sb, kb := range blocks {
				if kb < 0 {
					continue
				}
				for a := 0; a < 6; a++ {
					for b := 0; b < 6; b++ {
						var v float64
						for row := 0; row < 6; row++ {
							v += jac[sa][row][a] * jac[sb][row][b]
						}
						h[(6*ka+a)*n+6*kb+b] += v
					}
				}
			}
		}
	}
	return h, g
}
