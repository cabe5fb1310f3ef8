// Package testutils renders synthetic RGB-D captures of a known static scene for tests.
package testutils

import (
	"image"
	"image/color"
	"math"

	"github.com/golang/geo/r3"
	"golang.org/x/image/colornames"

	"go.viam.com/icpslam/rimage"
	"go.viam.com/icpslam/rimage/transform"
	"go.viam.com/icpslam/spatialmath"
	"go.viam.com/icpslam/utils"
)

// Plane is an infinite textured plane n·X = Offset in world coordinates. The texture is a grid
// of square dots on a uniform background; each dot's color is picked from Dots by its cell.
type Plane struct {
	Normal r3.Vector
	Offset float64
	// U and V span the plane and lay out the texture grid.
	U, V r3.Vector
	// Cell is the grid spacing in meters. Dots are half a cell wide.
	Cell       float64
	Background color.RGBA
	Dots       []color.RGBA
}

func (p *Plane) colorAt(x r3.Vector) color.RGBA {
	u, fu := math.Modf(x.Dot(p.U) / p.Cell)
	v, fv := math.Modf(x.Dot(p.V) / p.Cell)
	if fu < 0 {
		u, fu = u-1, fu+1
	}
	if fv < 0 {
		v, fv = v-1, fv+1
	}
	if len(p.Dots) == 0 || fu < 0.25 || fu >= 0.75 || fv < 0.25 || fv >= 0.75 {
		return p.Background
	}
	h := uint64(int64(u)*73856093) ^ uint64(int64(v)*19349663)
	return p.Dots[h%uint64(len(p.Dots))]
}

// Scene is a set of planes seen from inside a convex room, so the first hit along a ray is always
// the visible surface.
type Scene struct {
	Planes []Plane
}

// NewRoomCorner returns a back wall, a floor and a left wall meeting at a corner. Three orthogonal
// planes constrain all six degrees of freedom of a camera looking down +z from near the origin.
func NewRoomCorner() *Scene {
	return &Scene{Planes: []Plane{
		{
			Normal: r3.Vector{Z: 1}, Offset: 2.5,
			U: r3.Vector{X: 1}, V: r3.Vector{Y: 1}, Cell: 0.25,
			Background: colornames.Navy,
			Dots:       []color.RGBA{colornames.Khaki, colornames.Orange, colornames.White, colornames.Lightpink},
		},
		{
			Normal: r3.Vector{Y: 1}, Offset: 0.8,
			U: r3.Vector{X: 1}, V: r3.Vector{Z: 1}, Cell: 0.25,
			Background: colornames.White,
			Dots:       []color.RGBA{colornames.Darkgreen, colornames.Black, colornames.Darkred},
		},
		{
			Normal: r3.Vector{X: 1}, Offset: -1.0,
			U: r3.Vector{Y: 1}, V: r3.Vector{Z: 1}, Cell: 0.25,
			Background: colornames.Maroon,
			Dots:       []color.RGBA{colornames.Lightblue, colornames.Yellow, colornames.Lightgreen},
		},
	}}
}

// NewBackWall returns only the back wall of the room corner.
func NewBackWall() *Scene {
	return &Scene{Planes: NewRoomCorner().Planes[:1]}
}

// Intersect returns the distance along dir to the first plane hit from origin, and that plane.
func (s *Scene) Intersect(origin, dir r3.Vector) (float64, *Plane) {
	best := math.Inf(1)
	var hit *Plane
	for i := range s.Planes {
		p := &s.Planes[i]
		denom := p.Normal.Dot(dir)
		if math.Abs(denom) < 1e-12 {
			continue
		}
		t := (p.Offset - p.Normal.Dot(origin)) / denom
		if t > 1e-9 && t < best {
			best = t
			hit = p
		}
	}
	return best, hit
}

// Render ray casts the scene from a camera-to-world pose. Depth is quantized to sensor units of
// 1/depthScale meters; pixels whose depth does not fit are left at zero.
func (s *Scene) Render(
	intr transform.PinholeCameraIntrinsics,
	pose spatialmath.Pose,
	depthScale float64,
) (*image.RGBA, *rimage.DepthMap) {
	img := image.NewRGBA(image.Rect(0, 0, intr.Width, intr.Height))
	dm := rimage.NewEmptyDepthMap(intr.Width, intr.Height)
	utils.ParallelForEachRow(intr.Height, func(y int) {
		for x := 0; x < intr.Width; x++ {
			// camera ray with unit z, so distance along it is the depth
			ray := r3.Vector{X: (float64(x) - intr.Ppx) / intr.Fx, Y: (float64(y) - intr.Ppy) / intr.Fy, Z: 1}
			t, plane := s.Intersect(pose.Translation, pose.Rotation.Apply(ray))
			if plane == nil {
				continue
			}
			raw := math.Round(t * depthScale)
			if raw < 1 || raw > float64(rimage.MaxDepth) {
				continue
			}
			dm.Set(x, y, rimage.Depth(raw))
			world := pose.Transform(ray.Mul(t))
			img.SetRGBA(x, y, plane.colorAt(world))
		}
	})
	return img, dm
}

// SmallIntrinsics is a 160x120 camera that keeps tests fast.
func SmallIntrinsics() transform.PinholeCameraIntrinsics {
	return transform.PinholeCameraIntrinsics{
		Width:  160,
		Height: 120,
		Fx:     130,
		Fy:     130,
		Ppx:    79.5,
		Ppy:    59.5,
	}
}
