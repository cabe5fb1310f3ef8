package tracking

import (
	"image"
	"image/color"
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/icpslam/densemap"
	"go.viam.com/icpslam/frame"
	"go.viam.com/icpslam/rimage"
	"go.viam.com/icpslam/spatialmath"
)

// Rendering is the model as seen from a tracked pose, for display.
type Rendering struct {
	FrameID uint64
	Pose    spatialmath.Pose
	// Shaded is the surface lit from the camera.
	Shaded *image.Gray
	// Depth is the surface depth on a color ramp.
	Depth *image.RGBA
	// Color is the fused surface color.
	Color *image.RGBA
}

// render draws pred, or the frame itself when the model has nothing to show yet.
func render(f *frame.Frame, pred *densemap.Prediction, minDepth, maxDepth float64) Rendering {
	lvl := f.Finest()
	intr := lvl.Intrinsics
	out := Rendering{
		FrameID: f.ID,
		Pose:    f.Pose(),
		Shaded:  image.NewGray(image.Rect(0, 0, intr.Width, intr.Height)),
	}
	depth := rimage.NewFloatMap(intr.Width, intr.Height)
	depth.Fill(float32(math.NaN()))

	vertices, normals := lvl.Vertices, lvl.Normals
	toCamera := spatialmath.NewZeroPose()
	if pred != nil && pred.Valid > 0 {
		vertices, normals = pred.Vertices, pred.Normals
		toCamera = pred.Pose.Inverse()
		out.Color = pred.Colors
	} else {
		out.Color = f.Color
	}

	for y := 0; y < intr.Height; y++ {
		for x := 0; x < intr.Width; x++ {
			if !vertices.Valid(x, y) || !normals.Valid(x, y) {
				continue
			}
			v := toCamera.Transform(vertices.At(x, y))
			n := toCamera.TransformNormal(normals.At(x, y))
			depth.Set(x, y, float32(v.Z))
			out.Shaded.SetGray(x, y, color.Gray{Y: shade(v, n)})
		}
	}
	out.Depth = rimage.ColorizeDepth(depth, minDepth, maxDepth)
	return out
}

// shade is the Lambertian intensity of a surface lit by a light at the camera center.
func shade(v, n r3.Vector) uint8 {
	l := -n.Dot(v.Normalize())
	if l <= 0 {
		return 0
	}
	return uint8(math.Round(255 * math.Min(l, 1)))
}
