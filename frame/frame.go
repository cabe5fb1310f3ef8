// Package frame builds the multi-resolution representation of one RGB-D capture.
package frame

import (
	"image"
	"math"
	"time"

	"github.com/golang/geo/r3"
	"go.uber.org/atomic"

	"go.viam.com/icpslam/rimage"
	"go.viam.com/icpslam/rimage/transform"
	"go.viam.com/icpslam/spatialmath"
	"go.viam.com/icpslam/vision/keypoints"
)

// Level is one resolution of the pyramid. Level 0 is the sensor resolution.
type Level struct {
	Intrinsics transform.PinholeCameraIntrinsics
	// Depth is in meters; NaN where the sensor gave no usable reading.
	Depth *rimage.FloatMap
	// Gray is the luma in [0, 255].
	Gray  *rimage.FloatMap
	GradX *rimage.FloatMap
	GradY *rimage.FloatMap
	// Vertices and Normals are in camera coordinates.
	Vertices *rimage.VertexMap
	Normals  *rimage.VertexMap
}

// Frame is an immutable pyramid plus sparse features. Only its pose is written after Build, and
// only by the tracker.
type Frame struct {
	ID        uint64
	Timestamp time.Time
	Color     *image.RGBA
	Levels    []Level

	KeyPoints   keypoints.KeyPoints
	Descriptors []keypoints.Descriptor
	// KeyPointPositions are the camera-space positions of KeyPoints.
	KeyPointPositions []r3.Vector
	Thumbnail         *image.Gray

	pose    spatialmath.Pose
	inverse spatialmath.Pose
	tracked bool

	buffers  *levelBuffers
	builder  *Builder
	released atomic.Bool
}

// Pose returns the camera-to-world pose. It is the identity until SetPose is called.
func (f *Frame) Pose() spatialmath.Pose {
	return f.pose
}

// InversePose returns the world-to-camera pose.
func (f *Frame) InversePose() spatialmath.Pose {
	return f.inverse
}

// SetPose finalizes the camera-to-world pose of the frame.
func (f *Frame) SetPose(p spatialmath.Pose) {
	f.pose = p
	f.inverse = p.Inverse()
	f.tracked = true
}

// Tracked reports whether the tracker gave the frame a pose.
func (f *Frame) Tracked() bool {
	return f.tracked
}

// NumLevels returns the number of pyramid levels.
func (f *Frame) NumLevels() int {
	return len(f.Levels)
}

// Finest returns level 0.
func (f *Frame) Finest() *Level {
	return &f.Levels[0]
}

// Release hands the level buffers back for reuse. The frame must not be read afterwards.
// Calling Release more than once is a no-op.
func (f *Frame) Release() {
	if f == nil || !f.released.CompareAndSwap(false, true) {
		return
	}
	if f.builder != nil && f.buffers != nil {
		f.builder.pool.Put(f.buffers)
	}
	f.buffers = nil
	f.Levels = nil
}

// Released reports whether Release was called.
func (f *Frame) Released() bool {
	return f.released.Load()
}

// ThumbnailDistance returns the mean squared difference of two thumbnails after removing their
// mean intensity, or +Inf when they are not comparable.
func ThumbnailDistance(a, b *image.Gray) float64 {
	if a == nil || b == nil || a.Bounds().Size() != b.Bounds().Size() {
		return math.Inf(1)
	}
	n := float64(len(a.Pix))
	if n == 0 {
		return math.Inf(1)
	}
	var meanA, meanB float64
	for i := range a.Pix {
		meanA += float64(a.Pix[i])
		meanB += float64(b.Pix[i])
	}
	meanA /= n
	meanB /= n
	var ssd float64
	for i := range a.Pix {
		d := (float64(a.Pix[i]) - meanA) - (float64(b.Pix[i]) - meanB)
		ssd += d * d
	}
	return ssd / n
}
