// Package transform holds the camera model used to move between pixels and 3-D points.
package transform

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/icpslam/rimage"
)

// ErrNoIntrinsics is when a camera does not have intrinsics parameters or other parameters.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// NewNoIntrinsicsError is used when the intriniscs are not defined.
func NewNoIntrinsicsError(msg string) error {
	return errors.Wrap(ErrNoIntrinsics, msg)
}

// PinholeCameraIntrinsics holds the parameters necessary to do a perspective projection of a 3D scene to the 2D plane.
// Images are assumed to be undistorted upstream.
type PinholeCameraIntrinsics struct {
	Width  int     `json:"width_px"`
	Height int     `json:"height_px"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Ppx    float64 `json:"ppx"`
	Ppy    float64 `json:"ppy"`
}

// CheckValid checks if the fields for PinholeCameraIntrinsics have valid inputs.
func (params *PinholeCameraIntrinsics) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("Intrinsics do not exist")
	}
	if params.Width <= 0 || params.Height <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid size (%#v, %#v)", params.Width, params.Height))
	}
	if params.Fx <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fx = %#v", params.Fx))
	}
	if params.Fy <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fy = %#v", params.Fy))
	}
	if params.Ppx < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal X point Ppx = %#v", params.Ppx))
	}
	if params.Ppy < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal Y point Ppy = %#v", params.Ppy))
	}
	return nil
}

// NewPinholeCameraIntrinsicsFromJSONFile takes in a file path to a JSON and turns it into PinholeCameraIntrinsics.
func NewPinholeCameraIntrinsicsFromJSONFile(jsonPath string) (*PinholeCameraIntrinsics, error) {
	//nolint:gosec
	jsonFile, err := os.Open(jsonPath)
	if err != nil {
		return nil, errors.Wrap(err, "error opening JSON file")
	}
	defer utils.UncheckedErrorFunc(jsonFile.Close)
	byteValue, err := io.ReadAll(jsonFile)
	if err != nil {
		return nil, errors.Wrap(err, "error reading JSON data")
	}
	intrinsics := &PinholeCameraIntrinsics{}
	if err := json.Unmarshal(byteValue, intrinsics); err != nil {
		return nil, errors.Wrap(err, "error parsing JSON string")
	}
	return intrinsics, intrinsics.CheckValid()
}

// Scaled returns the intrinsics of pyramid level `level`, where every level halves the resolution.
// Level pixel (x, y) samples the finer level at (2x, 2y), so every parameter halves.
func (params PinholeCameraIntrinsics) Scaled(level int) PinholeCameraIntrinsics {
	out := params
	for i := 0; i < level; i++ {
		out.Width /= 2
		out.Height /= 2
		out.Fx /= 2
		out.Fy /= 2
		out.Ppx /= 2
		out.Ppy /= 2
	}
	return out
}

// Pyramid returns the intrinsics of each of `levels` pyramid levels, finest first.
func (params PinholeCameraIntrinsics) Pyramid(levels int) []PinholeCameraIntrinsics {
	out := make([]PinholeCameraIntrinsics, levels)
	for i := range out {
		out[i] = params.Scaled(i)
	}
	return out
}

// PixelToPoint transforms a pixel with depth to a 3D point in the camera frame.
func (params *PinholeCameraIntrinsics) PixelToPoint(x, y, z float64) (float64, float64, float64) {
	if params == nil {
		return 0, 0, 0
	}
	xOverZ := (x - params.Ppx) / params.Fx
	yOverZ := (y - params.Ppy) / params.Fy
	return xOverZ * z, yOverZ * z, z
}

// ImagePointTo3DPoint back-projects pixel (x, y) at depth z.
func (params *PinholeCameraIntrinsics) ImagePointTo3DPoint(x, y int, z float64) r3.Vector {
	px, py, pz := params.PixelToPoint(float64(x), float64(y), z)
	return r3.Vector{X: px, Y: py, Z: pz}
}

// PointToPixel projects a 3D point to continuous pixel coordinates in an image plane.
// Points at or behind the camera return negative coordinates so bounds checks filter them out.
func (params *PinholeCameraIntrinsics) PointToPixel(x, y, z float64) (float64, float64) {
	if z > 0 {
		return (x/z)*params.Fx + params.Ppx, (y/z)*params.Fy + params.Ppy
	}
	return -1.0, -1.0
}

// ProjectToIndex projects p and returns the integer pixel it lands on, or false when it is
// behind the camera or outside the image.
func (params *PinholeCameraIntrinsics) ProjectToIndex(p r3.Vector) (int, int, bool) {
	if !(p.Z > 0) {
		return 0, 0, false
	}
	fx, fy := params.PointToPixel(p.X, p.Y, p.Z)
	x, y := int(math.Round(fx)), int(math.Round(fy))
	if x < 0 || y < 0 || x >= params.Width || y >= params.Height {
		return 0, 0, false
	}
	return x, y, true
}

// BackProject builds the camera-space vertex map of a metric depth map. Invalid depth stays
// invalid.
func (params *PinholeCameraIntrinsics) BackProject(depth *rimage.FloatMap) (*rimage.VertexMap, error) {
	if depth.Width() != params.Width || depth.Height() != params.Height {
		return nil, errors.Errorf("depth dimension and intrinsics don't match Depth(%d,%d) != Intrinsics(%d,%d)",
			depth.Width(), depth.Height(), params.Width, params.Height)
	}
	out := rimage.NewVertexMap(params.Width, params.Height)
	params.BackProjectInto(depth, out)
	return out, nil
}

// BackProjectInto is BackProject writing into an existing map of the right size.
func (params *PinholeCameraIntrinsics) BackProjectInto(depth *rimage.FloatMap, out *rimage.VertexMap) {
	for y := 0; y < params.Height; y++ {
		for x := 0; x < params.Width; x++ {
			z := depth.At(x, y)
			if !rimage.ValidFloat(z) {
				out.Set(x, y, rimage.InvalidVertex())
				continue
			}
			out.Set(x, y, params.ImagePointTo3DPoint(x, y, float64(z)))
		}
	}
}

// GetCameraMatrix creates a new camera matrix and returns it.
// Camera matrix:
// [[fx 0 ppx],
//
//	[0 fy ppy],
//	[0 0  1]]
func (params *PinholeCameraIntrinsics) GetCameraMatrix() *mat.Dense {
	if params == nil {
		return nil
	}
	cameraMatrix := mat.NewDense(3, 3, nil)
	cameraMatrix.Set(0, 0, params.Fx)
	cameraMatrix.Set(1, 1, params.Fy)
	cameraMatrix.Set(0, 2, params.Ppx)
	cameraMatrix.Set(1, 2, params.Ppy)
	cameraMatrix.Set(2, 2, 1)
	return cameraMatrix
}
