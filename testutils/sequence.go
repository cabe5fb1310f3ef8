package testutils

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/icpslam/rimage"
	"go.viam.com/icpslam/rimage/transform"
	"go.viam.com/icpslam/spatialmath"
	"go.viam.com/icpslam/utils"
)

// DefaultDepthScale matches the TUM RGB-D convention of 5000 units per meter.
const DefaultDepthScale = 5000

// Sequence replays renderings of a scene along a known trajectory.
type Sequence struct {
	Scene      *Scene
	Intrinsics transform.PinholeCameraIntrinsics
	Poses      []spatialmath.Pose
	DepthScale float64
	Start      time.Time
	Period     time.Duration

	next int
}

// NewSequence returns a 30 Hz sequence of the scene seen from each pose.
func NewSequence(scene *Scene, intr transform.PinholeCameraIntrinsics, poses []spatialmath.Pose) *Sequence {
	return &Sequence{
		Scene:      scene,
		Intrinsics: intr,
		Poses:      poses,
		DepthScale: DefaultDepthScale,
		Start:      time.Unix(1700000000, 0),
		Period:     time.Second / 30,
	}
}

// Next renders the next capture, or returns io.EOF after the last pose.
func (s *Sequence) Next(ctx context.Context) (*rimage.ImageWithDepth, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.Poses) {
		return nil, io.EOF
	}
	i := s.next
	s.next++
	img, dm := s.Scene.Render(s.Intrinsics, s.Poses[i], s.DepthScale)
	return &rimage.ImageWithDepth{
		Color:     img,
		Depth:     dm,
		Timestamp: s.Start.Add(time.Duration(i) * s.Period),
	}, nil
}

// Len returns the number of captures in the sequence.
func (s *Sequence) Len() int {
	return len(s.Poses)
}

// GroundTruth returns the camera-to-world pose of the i-th capture.
func (s *Sequence) GroundTruth(i int) spatialmath.Pose {
	return s.Poses[i]
}

// Rewind restarts the sequence.
func (s *Sequence) Rewind() {
	s.next = 0
}

// SlowTrajectory returns n poses starting at the identity, each translating 1 cm sideways,
// 0.5 cm forward and yawing 0.3 degrees from the previous one.
func SlowTrajectory(n int) []spatialmath.Pose {
	poses := make([]spatialmath.Pose, n)
	for i := range poses {
		k := float64(i)
		rot := &spatialmath.R4AA{Theta: utils.DegToRad(0.3 * k), RY: 1}
		poses[i] = spatialmath.NewPose(rot.RotationMatrix(), r3.Vector{X: 0.01 * k, Z: 0.005 * k})
	}
	return poses
}

// StaticTrajectory returns n identity poses.
func StaticTrajectory(n int) []spatialmath.Pose {
	poses := make([]spatialmath.Pose, n)
	for i := range poses {
		poses[i] = spatialmath.NewZeroPose()
	}
	return poses
}

// TempPath returns a path for name inside a directory removed when the test ends.
func TempPath(tb testing.TB, name string) string {
	tb.Helper()
	dir := tb.TempDir()
	test.That(tb, dir, test.ShouldNotBeEmpty)
	return dir + "/" + name
}
