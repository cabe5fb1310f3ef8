// Package tracking estimates the camera pose of each frame by aligning it with the dense model.
package tracking

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/icpslam/densemap"
	"go.viam.com/icpslam/frame"
	"go.viam.com/icpslam/logging"
	"go.viam.com/icpslam/rimage/transform"
	"go.viam.com/icpslam/spatialmath"
	"go.viam.com/icpslam/utils"
)

// ErrTrackingLost is returned for a frame that could not be aligned or relocalized.
var ErrTrackingLost = errors.New("tracking lost")

// depth range of the rendered depth ramp, in meters
const (
	renderMinDepth = 0.1
	renderMaxDepth = 5.0
)

// Model is the read-only view of the map the tracker aligns against.
type Model interface {
	Predict(pose spatialmath.Pose, intr transform.PinholeCameraIntrinsics) *densemap.Prediction
	Keyframes() []densemap.Keyframe
}

// State is the tracking state.
type State int32

// The tracking states. Lost persists until a relocalization succeeds or the tracker is reset.
const (
	Uninitialized State = iota
	Tracking
	Lost
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Tracking:
		return "tracking"
	case Lost:
		return "lost"
	default:
		return "unknown"
	}
}

// ReferenceKind says what a frame was aligned against.
type ReferenceKind int

// The references a frame can be aligned against.
const (
	ReferenceNone ReferenceKind = iota
	// ReferencePrior means the frame initialized tracking and took the prior pose.
	ReferencePrior
	ReferenceModel
	ReferenceFrame
	// ReferenceKeyframe means the frame was recovered from keyframe descriptors.
	ReferenceKeyframe
)

func (k ReferenceKind) String() string {
	switch k {
	case ReferencePrior:
		return "prior"
	case ReferenceModel:
		return "model"
	case ReferenceFrame:
		return "frame"
	case ReferenceKeyframe:
		return "keyframe"
	case ReferenceNone:
		return "none"
	default:
		return "unknown"
	}
}

// Result describes the outcome of tracking one frame.
type Result struct {
	State     State
	Pose      spatialmath.Pose
	Reference ReferenceKind
	// RMS is the point-to-plane RMS, in meters, of the finest level.
	RMS            float64
	InlierFraction float64
	Iterations     int
}

// Tracker runs the tracking state machine. Track is called from one goroutine; the readouts are
// safe from any.
type Tracker struct {
	cfg    Config
	logger logging.Logger

	mu       sync.Mutex
	pose     spatialmath.Pose
	prior    spatialmath.Pose
	previous *reference
	rng      *rand.Rand

	state         atomic.Int32
	needImages    atomic.Bool
	graphMatching atomic.Bool
	renderings    utils.Mailbox[Rendering]
}

// NewTracker returns an uninitialized tracker.
func NewTracker(cfg Config, logger logging.Logger) (*Tracker, error) {
	if err := cfg.Validate("tracking"); err != nil {
		return nil, err
	}
	t := &Tracker{
		cfg:    cfg,
		logger: logger,
		pose:   spatialmath.NewZeroPose(),
		prior:  spatialmath.NewZeroPose(),
		rng:    rand.New(rand.NewSource(cfg.Relocalization.Seed)), //nolint:gosec
	}
	t.needImages.Store(cfg.NeedImages)
	t.graphMatching.Store(cfg.GraphMatching)
	return t, nil
}

// State returns the tracking state.
func (t *Tracker) State() State {
	return State(t.state.Load())
}

// Pose returns the pose of the last tracked frame.
func (t *Tracker) Pose() spatialmath.Pose {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pose
}

// SetPrior sets the pose the first frame after initialization or reset takes.
func (t *Tracker) SetPrior(pose spatialmath.Pose) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prior = pose.Orthonormalize()
}

// Reset returns the tracker to Uninitialized.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pose = t.prior
	t.previous = nil
	t.state.Store(int32(Uninitialized))
	t.renderings.Reset()
	t.logger.Info("tracker reset")
}

// SetNeedImages turns publishing of renderings on or off.
func (t *Tracker) SetNeedImages(need bool) {
	t.needImages.Store(need)
}

// SetGraphMatching turns the descriptor fallback of a failing alignment on or off.
func (t *Tracker) SetGraphMatching(enabled bool) {
	t.graphMatching.Store(enabled)
}

// TryTakeRendering returns the newest rendering published after generation lastSeen without
// waiting.
func (t *Tracker) TryTakeRendering(lastSeen uint64) (Rendering, uint64, bool) {
	return t.renderings.TryTake(lastSeen)
}

// RenderingUpdated reports whether a rendering is waiting to be taken.
func (t *Tracker) RenderingUpdated() bool {
	return t.renderings.Updated()
}

// Track estimates the pose of f against model and writes it on the frame. A frame that cannot
// be tracked is left without a pose and ErrTrackingLost is returned along with the result.
func (t *Tracker) Track(f *frame.Frame, model Model) (Result, error) {
	if f == nil || f.Released() || f.NumLevels() == 0 {
		return Result{State: t.State()}, errors.Wrap(frame.ErrInvalidInput, "cannot track a released frame")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	levels := f.NumLevels()
	if len(t.cfg.Iterations) < levels {
		levels = len(t.cfg.Iterations)
	}

	var (
		res Result
		aln alignment
		ok  bool
	)
	switch t.State() {
	case Uninitialized:
		aln, ok = alignment{pose: t.prior, ok: true}, true
		res.Reference = ReferencePrior
	case Tracking:
		ref := t.modelReference(model, f, t.pose)
		if ref == nil {
			ref = t.previous
		}
		if ref != nil && len(ref.levels) >= levels {
			ref.levels = ref.levels[:levels]
			aln = t.align(f, ref, t.pose)
			ok = aln.ok
			res.Reference = ref.kind
		}
		if !ok && t.graphMatching.Load() {
			if aln, ok = t.relocalize(f, model); ok {
				res.Reference = ReferenceKeyframe
			}
		}
	case Lost:
		if aln, ok = t.relocalize(f, model); ok {
			res.Reference = ReferenceKeyframe
		}
	}

	res.RMS, res.InlierFraction, res.Iterations = aln.rms, aln.inliers, aln.iterations
	if !ok {
		if t.State() != Lost {
			t.logger.Warnw("tracking lost", "frame", f.ID, "rms", aln.rms, "inliers", aln.inliers)
		}
		t.state.Store(int32(Lost))
		res.State = Lost
		res.Pose = t.pose
		return res, errors.Wrapf(ErrTrackingLost, "frame %d", f.ID)
	}

	if t.State() == Lost {
		t.logger.Infow("relocalized", "frame", f.ID, "pose", aln.pose.String())
	}
	t.state.Store(int32(Tracking))
	t.pose = aln.pose.Orthonormalize()
	f.SetPose(t.pose)
	t.previous = frameReference(f, levels)
	res.State = Tracking
	res.Pose = t.pose

	if t.needImages.Load() {
		var pred *densemap.Prediction
		if model != nil {
			pred = model.Predict(t.pose, f.Finest().Intrinsics)
		}
		t.renderings.Publish(render(f, pred, renderMinDepth, renderMaxDepth))
	}
	return res, nil
}

// modelReference renders the model at pose for every level of f, or returns nil when the finest
// prediction is too sparse to align against.
func (t *Tracker) modelReference(model Model, f *frame.Frame, pose spatialmath.Pose) *reference {
	if model == nil {
		return nil
	}
	levels := f.NumLevels()
	if len(t.cfg.Iterations) < levels {
		levels = len(t.cfg.Iterations)
	}
	preds := make([]*densemap.Prediction, levels)
	for i := 0; i < levels; i++ {
		preds[i] = model.Predict(pose, f.Levels[i].Intrinsics)
		if i == 0 && preds[0].Valid < t.cfg.MinReferencePixels {
			return nil
		}
	}
	return predictionReference(preds)
}
