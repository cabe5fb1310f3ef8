package densemap

import (
	"image"
	"image/color"
	"math"

	"go.viam.com/icpslam/rimage"
	"go.viam.com/icpslam/rimage/transform"
	"go.viam.com/icpslam/spatialmath"
)

// Prediction is the model rendered from a camera pose: per pixel, the nearest front-facing
// primitive. Vertices and normals are in world coordinates.
type Prediction struct {
	Intrinsics transform.PinholeCameraIntrinsics
	Pose       spatialmath.Pose
	Vertices   *rimage.VertexMap
	Normals    *rimage.VertexMap
	Colors     *image.RGBA
	// Index holds the primitive index drawn at each pixel, or -1.
	Index []int32
	// Radii holds the radius of the primitive drawn at each pixel.
	Radii []float64
	Valid int
	// Epoch is the map epoch the prediction was rendered at.
	Epoch uint64
}

// IndexAt returns the primitive drawn at (x, y), or -1.
func (p *Prediction) IndexAt(x, y int) int32 {
	if x < 0 || y < 0 || x >= p.Intrinsics.Width || y >= p.Intrinsics.Height {
		return -1
	}
	return p.Index[y*p.Intrinsics.Width+x]
}

// Predict renders the model seen from a camera-to-world pose through the given intrinsics.
// Every primitive lands on the pixel its center projects to; primitives then fill the empty pixels
// of their footprint, so the center hits always win.
func (m *Map) Predict(pose spatialmath.Pose, intr transform.PinholeCameraIntrinsics) *Prediction {
	w, h := intr.Width, intr.Height
	pred := &Prediction{
		Intrinsics: intr,
		Pose:       pose,
		Vertices:   rimage.NewVertexMap(w, h),
		Normals:    rimage.NewVertexMap(w, h),
		Colors:     image.NewRGBA(image.Rect(0, 0, w, h)),
		Index:      make([]int32, w*h),
		Radii:      make([]float64, w*h),
	}
	zbuf := make([]float64, w*h)
	for i := range zbuf {
		zbuf[i] = math.Inf(1)
		pred.Index[i] = -1
	}

	inv := pose.Inverse()
	m.mu.RLock()
	defer m.mu.RUnlock()
	pred.Epoch = m.epoch.Load()

	type splat struct {
		idx    int32
		x, y   int
		z      float64
		radius int
	}
	splats := make([]splat, 0, len(m.prims))
	for i := range m.prims {
		prim := &m.prims[i]
		pc := inv.Transform(prim.Position)
		if pc.Z <= 0 {
			continue
		}
		// back-facing
		if inv.TransformNormal(prim.Normal).Dot(pc) >= 0 {
			continue
		}
		x, y, ok := intr.ProjectToIndex(pc)
		if !ok {
			continue
		}
		k := y*w + x
		if pc.Z < zbuf[k] {
			zbuf[k] = pc.Z
			pred.Index[k] = int32(i)
		}
		r := int(math.Round(prim.Radius * intr.Fx / pc.Z / math.Sqrt2))
		if r > 0 {
			splats = append(splats, splat{idx: int32(i), x: x, y: y, z: pc.Z, radius: r})
		}
	}
	centers := make([]bool, w*h)
	for k, idx := range pred.Index {
		centers[k] = idx >= 0
	}
	for _, s := range splats {
		r := s.radius
		if r > 2 {
			r = 2
		}
		for y := s.y - r; y <= s.y+r; y++ {
			for x := s.x - r; x <= s.x+r; x++ {
				if x < 0 || y < 0 || x >= w || y >= h {
					continue
				}
				k := y*w + x
				if centers[k] || s.z >= zbuf[k] {
					continue
				}
				zbuf[k] = s.z
				pred.Index[k] = s.idx
			}
		}
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := pred.Index[y*w+x]
			if idx < 0 {
				continue
			}
			prim := &m.prims[idx]
			pred.Vertices.Set(x, y, prim.Position)
			pred.Normals.Set(x, y, prim.Normal)
			pred.Radii[y*w+x] = prim.Radius
			pred.Colors.SetRGBA(x, y, color.RGBA{R: prim.Color[0], G: prim.Color[1], B: prim.Color[2], A: 255})
			pred.Valid++
		}
	}
	return pred
}
