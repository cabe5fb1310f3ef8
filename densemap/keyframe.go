package densemap

import (
	"image"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/icpslam/spatialmath"
	"go.viam.com/icpslam/vision/keypoints"
)

// Sample is a camera-space surface point of a keyframe used to align it during bundle adjustment.
type Sample struct {
	Position r3.Vector
	Normal   r3.Vector
}

// Keyframe is a persistent snapshot of a tracked frame. Slices are shared and never modified after
// insertion; only Pose is refined.
type Keyframe struct {
	ID        int
	FrameID   uint64
	Timestamp time.Time
	// Pose is the current camera-to-world estimate, refined by the optimizer.
	Pose spatialmath.Pose
	// TrackedPose is the pose the tracker gave the frame. It never changes.
	TrackedPose spatialmath.Pose

	Descriptors       []keypoints.Descriptor
	KeyPointPositions []r3.Vector
	Samples           []Sample
	// Covisible lists the IDs of keyframes that overlapped this one when it was admitted.
	Covisible []int
	Thumbnail *image.Gray
}

// Keyframes returns every keyframe, oldest first.
func (m *Map) Keyframes() []Keyframe {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Keyframe, len(m.keyframes))
	copy(out, m.keyframes)
	return out
}

// KeyframeCount returns the number of keyframes.
func (m *Map) KeyframeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keyframes)
}

// LastKeyframe returns the newest keyframe.
func (m *Map) LastKeyframe() (Keyframe, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.keyframes) == 0 {
		return Keyframe{}, false
	}
	return m.keyframes[len(m.keyframes)-1], true
}

// KeyframeWindow returns the newest n keyframes (all of them when n <= 0) with the epoch they
// were read at. Pose updates computed from the window must present that epoch.
func (m *Map) KeyframeWindow(n int) ([]Keyframe, uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	from := 0
	if n > 0 && len(m.keyframes) > n {
		from = len(m.keyframes) - n
	}
	out := make([]Keyframe, len(m.keyframes)-from)
	copy(out, m.keyframes[from:])
	return out, m.epoch.Load()
}

// KeyframePoses returns the current pose of every keyframe, oldest first.
func (m *Map) KeyframePoses() []spatialmath.Pose {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Map(m.keyframes, func(kf Keyframe, _ int) spatialmath.Pose {
		return kf.Pose
	})
}

// InsertKeyframe appends a keyframe and returns its ID. The pose given is both its current and
// its tracked pose.
func (m *Map) InsertKeyframe(kf Keyframe) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	kf.ID = len(m.keyframes)
	kf.TrackedPose = kf.Pose
	m.keyframes = append(m.keyframes, kf)
	m.logger.Debugw("keyframe inserted", "id", kf.ID, "frame", kf.FrameID, "covisible", kf.Covisible)
	return kf.ID
}

// UpdateKeyframePoses writes refined poses back. Either every pose is applied or none: unknown IDs
// or an epoch from before a reset or load reject the whole update.
func (m *Map) UpdateKeyframePoses(epoch uint64, poses map[int]spatialmath.Pose) error {
	done := m.beginWork()
	defer done()
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch.Load() {
		return errors.Wrapf(ErrStaleEpoch, "update for epoch %d, map is at %d", epoch, m.epoch.Load())
	}
	for id := range poses {
		if id < 0 || id >= len(m.keyframes) {
			return errors.Errorf("no keyframe with id %d", id)
		}
	}
	for id, pose := range poses {
		m.keyframes[id].Pose = pose.Orthonormalize()
	}
	return nil
}
