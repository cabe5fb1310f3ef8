package tracking

import (
	"math"

	"github.com/montanaflynn/stats"

	"go.viam.com/icpslam/densemap"
	"go.viam.com/icpslam/frame"
	"go.viam.com/icpslam/rimage"
	"go.viam.com/icpslam/rimage/transform"
	"go.viam.com/icpslam/spatialmath"
	"go.viam.com/icpslam/utils"
)

// minHuberThreshold keeps the robust threshold away from zero on noiseless data.
const minHuberThreshold = 1e-4

// referenceLevel is one level of the surface a frame is aligned to, seen from Pose.
type referenceLevel struct {
	intrinsics transform.PinholeCameraIntrinsics
	pose       spatialmath.Pose
	inverse    spatialmath.Pose
	// world coordinates
	vertices *rimage.VertexMap
	normals  *rimage.VertexMap
}

type reference struct {
	kind   ReferenceKind
	levels []referenceLevel
}

func predictionReference(preds []*densemap.Prediction) *reference {
	ref := &reference{kind: ReferenceModel, levels: make([]referenceLevel, len(preds))}
	for i, p := range preds {
		ref.levels[i] = referenceLevel{
			intrinsics: p.Intrinsics,
			pose:       p.Pose,
			inverse:    p.Pose.Inverse(),
			vertices:   p.Vertices,
			normals:    p.Normals,
		}
	}
	return ref
}

// frameReference copies the surface of a tracked frame into world coordinates so it outlives the
// frame's buffers.
func frameReference(f *frame.Frame, levels int) *reference {
	pose := f.Pose()
	ref := &reference{kind: ReferenceFrame, levels: make([]referenceLevel, levels)}
	for i := 0; i < levels; i++ {
		lvl := &f.Levels[i]
		w, h := lvl.Intrinsics.Width, lvl.Intrinsics.Height
		vertices := rimage.NewVertexMap(w, h)
		normals := rimage.NewVertexMap(w, h)
		utils.ParallelForEachRow(h, func(y int) {
			for x := 0; x < w; x++ {
				if !lvl.Vertices.Valid(x, y) || !lvl.Normals.Valid(x, y) {
					continue
				}
				vertices.Set(x, y, pose.Transform(lvl.Vertices.At(x, y)))
				normals.Set(x, y, pose.TransformNormal(lvl.Normals.At(x, y)))
			}
		})
		ref.levels[i] = referenceLevel{
			intrinsics: lvl.Intrinsics,
			pose:       pose,
			inverse:    pose.Inverse(),
			vertices:   vertices,
			normals:    normals,
		}
	}
	return ref
}

type correspondence struct {
	jacobian [6]float64
	residual float64
}

type alignment struct {
	pose       spatialmath.Pose
	rms        float64
	inliers    float64
	iterations int
	ok         bool
}

// align runs coarse-to-fine point-to-plane ICP of f against ref starting from initial. A coarse
// level that fails leaves the estimate as it was; the finest level decides the outcome.
func (t *Tracker) align(f *frame.Frame, ref *reference, initial spatialmath.Pose) alignment {
	pose := initial
	var out alignment
	for level := len(ref.levels) - 1; level >= 0; level-- {
		res := t.alignLevel(&f.Levels[level], &ref.levels[level], pose, t.cfg.Iterations[level])
		out.iterations += res.iterations
		if res.ok {
			pose = res.pose
		}
		if level == 0 {
			out.pose = pose
			out.rms = res.rms
			out.inliers = res.inliers
			out.ok = res.ok && res.rms <= t.cfg.MaxRMS
		}
		t.logger.Debugw("aligned level", "frame", f.ID, "level", level, "ok", res.ok,
			"rms", res.rms, "inliers", res.inliers, "iterations", res.iterations)
	}
	return out
}

func (t *Tracker) alignLevel(cur *frame.Level, ref *referenceLevel, initial spatialmath.Pose, iterations int) alignment {
	out := alignment{pose: initial}
	valid := 0
	for y := 0; y < cur.Intrinsics.Height; y++ {
		for x := 0; x < cur.Intrinsics.Width; x++ {
			if cur.Vertices.Valid(x, y) && cur.Normals.Valid(x, y) {
				valid++
			}
		}
	}
	if valid == 0 {
		return out
	}

	for it := 0; it < iterations; it++ {
		out.iterations++
		corr, ok := t.score(&out, cur, ref, valid)
		if !ok || out.rms < t.cfg.ConvergenceRMS {
			return out
		}
		xi, err := t.solve(corr)
		if err != nil {
			// degenerate geometry; keep what this level has so far
			t.logger.Debugw("skipping rest of level", "error", err)
			return out
		}
		out.pose = spatialmath.Compose(spatialmath.ExpSE3(xi), out.pose).Orthonormalize()
		if xi.Norm() < t.cfg.UpdateEpsilon {
			break
		}
	}
	// the last update moved the pose after it was scored
	t.score(&out, cur, ref, valid)
	return out
}

// score associates cur at out.pose and records the inlier fraction and residual of that pose. It
// reports whether there were enough inliers.
func (t *Tracker) score(out *alignment, cur *frame.Level, ref *referenceLevel, valid int) ([]correspondence, bool) {
	corr := t.associate(cur, ref, out.pose)
	out.inliers = float64(len(corr)) / float64(valid)
	out.ok = len(corr) >= 6 && out.inliers >= t.cfg.MinInlierFraction
	if out.ok {
		out.rms = rms(corr)
	}
	return corr, out.ok
}

// associate pairs every valid pixel of cur, placed in the world by pose, with the reference
// pixel it projects to.
func (t *Tracker) associate(cur *frame.Level, ref *referenceLevel, pose spatialmath.Pose) []correspondence {
	cosGate := math.Cos(utils.DegToRad(t.cfg.MaxNormalAngleDegs))
	maxDist := t.cfg.MaxCorrespondenceDistance
	h := cur.Intrinsics.Height
	rows := make([][]correspondence, h)
	utils.ParallelForEachRow(h, func(y int) {
		var row []correspondence
		for x := 0; x < cur.Intrinsics.Width; x++ {
			if !cur.Vertices.Valid(x, y) || !cur.Normals.Valid(x, y) {
				continue
			}
			p := pose.Transform(cur.Vertices.At(x, y))
			u, v, ok := ref.intrinsics.ProjectToIndex(ref.inverse.Transform(p))
			if !ok || !ref.vertices.Valid(u, v) || !ref.normals.Valid(u, v) {
				continue
			}
			q := ref.vertices.At(u, v)
			nq := ref.normals.At(u, v)
			if pose.TransformNormal(cur.Normals.At(x, y)).Dot(nq) < cosGate {
				continue
			}
			d := p.Sub(q)
			if d.Norm() > maxDist {
				continue
			}
			c := p.Cross(nq)
			row = append(row, correspondence{
				jacobian: [6]float64{nq.X, nq.Y, nq.Z, c.X, c.Y, c.Z},
				residual: nq.Dot(d),
			})
		}
		rows[y] = row
	})
	var out []correspondence
	for _, row := range rows {
		out = append(out, row...)
	}
	return out
}

// solve returns the Huber weighted Gauss-Newton step for the correspondences.
func (t *Tracker) solve(corr []correspondence) (spatialmath.Twist, error) {
	threshold := t.huberThreshold(corr)
	a := make([]float64, 36)
	b := make([]float64, 6)
	for i := range corr {
		c := &corr[i]
		w := 1.0
		if r := math.Abs(c.residual); r > threshold {
			w = threshold / r
		}
		for j := 0; j < 6; j++ {
			b[j] -= w * c.jacobian[j] * c.residual
			for k := j; k < 6; k++ {
				a[j*6+k] += w * c.jacobian[j] * c.jacobian[k]
			}
		}
	}
	for j := 0; j < 6; j++ {
		for k := 0; k < j; k++ {
			a[j*6+k] = a[k*6+j]
		}
	}
	x, err := spatialmath.SolveSPD(a, b)
	if err != nil {
		return spatialmath.Twist{}, err
	}
	var xi spatialmath.Twist
	copy(xi[:], x)
	return xi, nil
}

// huberThreshold is HuberK times the residual scale estimated from the median absolute
// deviation.
func (t *Tracker) huberThreshold(corr []correspondence) float64 {
	residuals := make([]float64, len(corr))
	for i := range corr {
		residuals[i] = corr[i].residual
	}
	scale := robustScale(residuals)
	return math.Max(t.cfg.HuberK*scale, minHuberThreshold)
}

// robustScale estimates the standard deviation of residuals from their median absolute deviation.
func robustScale(residuals []float64) float64 {
	median, err := stats.Median(residuals)
	if err != nil {
		return 0
	}
	dev := make([]float64, len(residuals))
	for i, r := range residuals {
		dev[i] = math.Abs(r - median)
	}
	mad, err := stats.Median(dev)
	if err != nil {
		return 0
	}
	return 1.4826 * mad
}

func rms(corr []correspondence) float64 {
	var sum float64
	for i := range corr {
		sum += corr[i].residual * corr[i].residual
	}
	return math.Sqrt(sum / float64(len(corr)))
}
