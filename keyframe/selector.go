// Package keyframe decides which tracked frames are kept as keyframes.
package keyframe

import (
	"math"
	"sync"

	"github.com/pkg/errors"

	"go.viam.com/icpslam/densemap"
	"go.viam.com/icpslam/frame"
	"go.viam.com/icpslam/logging"
	"go.viam.com/icpslam/rimage/transform"
	"go.viam.com/icpslam/spatialmath"
	"go.viam.com/icpslam/utils"
)

// Store is where admitted keyframes go. Keyframes are only ever appended.
type Store interface {
	Keyframes() []densemap.Keyframe
	InsertKeyframe(kf densemap.Keyframe) int
}

// Reason says why a frame was or was not admitted.
type Reason int

// The admission rules, checked in this order.
const (
	ReasonNone Reason = iota
	ReasonFirst
	ReasonMotion
	ReasonCovisibility
	ReasonInterval
)

func (r Reason) String() string {
	switch r {
	case ReasonFirst:
		return "first"
	case ReasonMotion:
		return "motion"
	case ReasonCovisibility:
		return "covisibility"
	case ReasonInterval:
		return "interval"
	case ReasonNone:
		return "none"
	default:
		return "unknown"
	}
}

// Selector applies the admission policy to tracked frames. The first frame is always admitted.
// After that a frame is admitted when, checked in order, it moved more than MinTranslation or
// MinRotationDegs from its nearest keyframe, it shares less than MinCovisibility of its view with
// that keyframe, or MaxInterval frames passed since the last admission.
type Selector struct {
	cfg    Config
	logger logging.Logger

	mu         sync.Mutex
	sinceLast  int
	lastReason Reason
}

// NewSelector returns a selector with the given policy.
func NewSelector(cfg Config, logger logging.Logger) (*Selector, error) {
	if err := cfg.Validate("keyframe"); err != nil {
		return nil, err
	}
	return &Selector{cfg: cfg, logger: logger}, nil
}

// Consider admits f into store if the policy says so and reports whether it did.
func (s *Selector) Consider(f *frame.Frame, store Store) (bool, error) {
	if f == nil || !f.Tracked() {
		return false, densemap.ErrUntrackedFrame
	}
	if f.Released() {
		return false, errors.Errorf("frame %d was released before keyframe selection", f.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	level := s.cfg.SampleLevel
	if level >= f.NumLevels() {
		level = f.NumLevels() - 1
	}
	intr := f.Levels[level].Intrinsics
	samples := s.samples(f, level)
	pose := f.Pose()

	existing := store.Keyframes()
	s.sinceLast++
	reason := s.decide(pose, samples, existing, intr)
	s.lastReason = reason
	if reason == ReasonNone {
		return false, nil
	}

	kf := densemap.Keyframe{
		FrameID:           f.ID,
		Timestamp:         f.Timestamp,
		Pose:              pose,
		Descriptors:       f.Descriptors,
		KeyPointPositions: f.KeyPointPositions,
		Samples:           samples,
		Covisible:         s.covisible(pose, samples, existing, intr),
		Thumbnail:         f.Thumbnail,
	}
	id := store.InsertKeyframe(kf)
	s.sinceLast = 0
	s.logger.Debugw("keyframe admitted", "id", id, "frame", f.ID, "reason", reason.String())
	return true, nil
}

// LastReason returns the outcome of the most recent Consider.
func (s *Selector) LastReason() Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReason
}

// Reset forgets the admission history. Call it when the store is reset.
func (s *Selector) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinceLast = 0
	s.lastReason = ReasonNone
}

func (s *Selector) decide(
	pose spatialmath.Pose,
	samples []densemap.Sample,
	existing []densemap.Keyframe,
	intr transform.PinholeCameraIntrinsics,
) Reason {
	if len(existing) == 0 {
		return ReasonFirst
	}
	nearest := Nearest(pose, existing)
	kf := &existing[nearest]
	if spatialmath.TranslationDistance(pose, kf.Pose) > s.cfg.MinTranslation ||
		spatialmath.GeodesicAngle(pose, kf.Pose) > utils.DegToRad(s.cfg.MinRotationDegs) {
		return ReasonMotion
	}
	if Covisibility(pose, samples, kf.Pose, intr) < s.cfg.MinCovisibility {
		return ReasonCovisibility
	}
	if s.cfg.MaxInterval > 0 && s.sinceLast >= s.cfg.MaxInterval {
		return ReasonInterval
	}
	return ReasonNone
}

func (s *Selector) covisible(
	pose spatialmath.Pose,
	samples []densemap.Sample,
	existing []densemap.Keyframe,
	intr transform.PinholeCameraIntrinsics,
) []int {
	var ids []int
	for i := range existing {
		if Covisibility(pose, samples, existing[i].Pose, intr) >= s.cfg.LinkCovisibility {
			ids = append(ids, existing[i].ID)
		}
	}
	return ids
}

// samples picks camera-space surface points with valid normals on a regular grid.
func (s *Selector) samples(f *frame.Frame, level int) []densemap.Sample {
	lvl := &f.Levels[level]
	stride := s.cfg.SampleStride
	var out []densemap.Sample
	for y := stride / 2; y < lvl.Intrinsics.Height; y += stride {
		for x := stride / 2; x < lvl.Intrinsics.Width; x += stride {
			if !lvl.Vertices.Valid(x, y) || !lvl.Normals.Valid(x, y) {
				continue
			}
			out = append(out, densemap.Sample{Position: lvl.Vertices.At(x, y), Normal: lvl.Normals.At(x, y)})
		}
	}
	return out
}

// Nearest returns the index of the keyframe closest to pose, by translation and then by rotation.
// Ties go to the older keyframe.
func Nearest(pose spatialmath.Pose, keyframes []densemap.Keyframe) int {
	best := -1
	bestDist, bestAngle := math.Inf(1), math.Inf(1)
	for i := range keyframes {
		d := spatialmath.TranslationDistance(pose, keyframes[i].Pose)
		a := spatialmath.GeodesicAngle(pose, keyframes[i].Pose)
		if d < bestDist || (d == bestDist && a < bestAngle) {
			best, bestDist, bestAngle = i, d, a
		}
	}
	return best
}

// Covisibility returns the fraction of samples, taken by a camera at pose, that are in front of a
// camera at other and project inside its image.
func Covisibility(
	pose spatialmath.Pose,
	samples []densemap.Sample,
	other spatialmath.Pose,
	intr transform.PinholeCameraIntrinsics,
) float64 {
	if len(samples) == 0 {
		return 0
	}
	rel := spatialmath.Compose(other.Inverse(), pose)
	seen := 0
	for _, smp := range samples {
		if _, _, ok := intr.ProjectToIndex(rel.Transform(smp.Position)); ok {
			seen++
		}
	}
	return float64(seen) / float64(len(samples))
}
