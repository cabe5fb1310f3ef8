package densemap

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/icpslam/frame"
	"go.viam.com/icpslam/rimage"
	"go.viam.com/icpslam/utils"
)

// FuseResult counts what happened to the observations of one frame.
type FuseResult struct {
	Merged   int
	Inserted int
	// Rejected observations matched nothing and found the arena full.
	Rejected int
}

type observation struct {
	// target is the primitive to merge into, or -1 for an insertion.
	target int32
	prim   Primitive
}

// Fuse merges the observations of a tracked frame into the model. Each valid pixel of the fusion
// level merges into the best matching predicted primitive nearby, or becomes a new primitive.
// When the arena is full new primitives are dropped, merges still apply, and the result comes back
// together with an error wrapping ErrCapacityExceeded.
func (m *Map) Fuse(f *frame.Frame) (FuseResult, error) {
	if f == nil || !f.Tracked() {
		return FuseResult{}, ErrUntrackedFrame
	}
	done := m.beginWork()
	defer done()

	level := m.cfg.FusionLevel
	if level >= f.NumLevels() {
		level = f.NumLevels() - 1
	}
	lvl := &f.Levels[level]
	pose := f.Pose()
	pred := m.Predict(pose, lvl.Intrinsics)
	staged := m.stage(f, level, pred)

	var res FuseResult
	m.mu.Lock()
	if m.epoch.Load() != pred.Epoch {
		m.mu.Unlock()
		return res, errors.Wrap(ErrStaleEpoch, "map was reset during fusion")
	}
	for _, row := range staged {
		for i := range row {
			obs := &row[i]
			if obs.target >= 0 {
				m.merge(&m.prims[obs.target], &obs.prim)
				res.Merged++
				continue
			}
			if len(m.prims) >= m.cfg.Capacity {
				res.Rejected++
				continue
			}
			m.prims = append(m.prims, obs.prim)
			res.Inserted++
		}
	}
	size := len(m.prims)
	m.mu.Unlock()

	if res.Merged+res.Inserted > 0 {
		m.dirty.Store(true)
	}
	m.logger.Debugw("fused frame", "frame", f.ID, "merged", res.Merged, "inserted", res.Inserted, "size", size)
	if res.Rejected > 0 {
		if m.rejected.Add(uint64(res.Rejected)) == uint64(res.Rejected) {
			m.logger.Warnw("map is full, new surface is no longer inserted", "capacity", m.cfg.Capacity)
		}
		return res, errors.Wrapf(ErrCapacityExceeded, "%d observations dropped", res.Rejected)
	}
	return res, nil
}

// stage associates every pixel with the prediction without holding the write lock. Rows are
// staged in parallel and applied in order, so fusion is deterministic.
func (m *Map) stage(f *frame.Frame, level int, pred *Prediction) [][]observation {
	lvl := &f.Levels[level]
	intr := lvl.Intrinsics
	pose := f.Pose()
	cosMerge := math.Cos(utils.DegToRad(m.cfg.MergeAngleDegs))
	maxGamma := math.Hypot(intr.Ppx, intr.Ppy)
	sigma2 := 2 * utils.Square(m.cfg.ConfidenceSigma)

	staged := make([][]observation, intr.Height)
	utils.ParallelForEachRow(intr.Height, func(y int) {
		row := make([]observation, 0, intr.Width)
		for x := 0; x < intr.Width; x++ {
			if !lvl.Vertices.Valid(x, y) || !lvl.Normals.Valid(x, y) {
				continue
			}
			v := lvl.Vertices.At(x, y)
			n := lvl.Normals.At(x, y)
			if !planarAround(lvl.Vertices, x, y, v, n, m.cfg.PlanarityTolerance) {
				continue
			}
			cosView := math.Abs(n.Dot(v.Normalize()))
			radius := math.Sqrt2 * v.Z / (intr.Fx * math.Max(cosView, 0.3))
			radius = math.Min(radius, m.cfg.MaxRadius)
			gamma := math.Hypot(float64(x)-intr.Ppx, float64(y)-intr.Ppy) / maxGamma

			obs := observation{
				target: -1,
				prim: Primitive{
					Position:   pose.Transform(v),
					Normal:     pose.TransformNormal(n),
					Color:      colorAt(f, x<<level, y<<level),
					Confidence: math.Exp(-utils.Square(gamma) / sigma2),
					Radius:     radius,
					LastSeen:   f.ID,
				},
			}
			obs.target = m.bestMatch(pred, x, y, &obs.prim, cosMerge)
			row = append(row, obs)
		}
		staged[y] = row
	})
	return staged
}

// planarAround reports whether every valid 8-neighbour of (x, y) lies within tol of the plane
// through v with normal n. Pixels on a crease or a depth edge fail, as do pixels whose normal was
// taken across one.
func planarAround(vertices *rimage.VertexMap, x, y int, v, n r3.Vector, tol float64) bool {
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			nx, ny := x+dx, y+dy
			if (dx == 0 && dy == 0) || !vertices.Contains(nx, ny) || !vertices.Valid(nx, ny) {
				continue
			}
			if math.Abs(n.Dot(vertices.At(nx, ny).Sub(v))) > tol {
				return false
			}
		}
	}
	return true
}

// bestMatch returns the predicted primitive in the search window closest to obs, or -1. A
// candidate must lie within MergeDistance of obs along its normal, within its own radius across
// it, and have a normal within MergeAngleDegs.
func (m *Map) bestMatch(pred *Prediction, x, y int, obs *Primitive, cosMerge float64) int32 {
	best := int32(-1)
	bestScore := math.Inf(1)
	r := m.cfg.SearchRadius
	for wy := y - r; wy <= y+r; wy++ {
		for wx := x - r; wx <= x+r; wx++ {
			idx := pred.IndexAt(wx, wy)
			if idx < 0 {
				continue
			}
			q := pred.Vertices.At(wx, wy)
			nq := pred.Normals.At(wx, wy)
			if nq.Dot(obs.Normal) < cosMerge {
				continue
			}
			d := obs.Position.Sub(q)
			along := math.Abs(nq.Dot(d))
			if along > m.cfg.MergeDistance {
				continue
			}
			across := d.Sub(nq.Mul(nq.Dot(d))).Norm()
			if across > math.Max(pred.Radii[wy*pred.Intrinsics.Width+wx], obs.Radius) {
				continue
			}
			if score := along + across; score < bestScore {
				best, bestScore = idx, score
			}
		}
	}
	return best
}

// colorAt samples the level-0 color of a frame.
func colorAt(f *frame.Frame, x, y int) [3]uint8 {
	if f.Color == nil {
		return [3]uint8{}
	}
	c := f.Color.RGBAAt(f.Color.Rect.Min.X+x, f.Color.Rect.Min.Y+y)
	return [3]uint8{c.R, c.G, c.B}
}

// merge folds obs into p as a confidence weighted running average.
func (m *Map) merge(p, obs *Primitive) {
	c, w := p.Confidence, obs.Confidence
	t := c + w
	p.Position = p.Position.Mul(c / t).Add(obs.Position.Mul(w / t))
	if n := p.Normal.Mul(c).Add(obs.Normal.Mul(w)); n.Norm() > 0 {
		p.Normal = n.Normalize()
	}
	for i := range p.Color {
		p.Color[i] = uint8(math.Round((c*float64(p.Color[i]) + w*float64(obs.Color[i])) / t))
	}
	p.Confidence = math.Min(t, m.cfg.MaxConfidence)
	p.Radius = math.Min(p.Radius, obs.Radius)
	p.LastSeen = obs.LastSeen
}
