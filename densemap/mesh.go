package densemap

import (
	"image/color"
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/icpslam/pointcloud"
)

// Mesh is a renderable snapshot of the model: one triangle splat per primitive. A Mesh is never
// modified after it is published, so its buffers and triangle count always agree.
type Mesh struct {
	pointcloud.TriangleMesh
	// Generation increases with every extraction that saw new fusion.
	Generation uint64
}

// ExtractMesh returns the current mesh, rebuilding it first if primitives changed since the last
// extraction.
func (m *Map) ExtractMesh() Mesh {
	m.meshMu.Lock()
	defer m.meshMu.Unlock()
	if !m.dirty.CompareAndSwap(true, false) {
		return m.mesh
	}

	m.mu.RLock()
	n := len(m.prims)
	mesh := Mesh{
		TriangleMesh: pointcloud.TriangleMesh{
			Vertices: make([]r3.Vector, 0, 3*n),
			Normals:  make([]r3.Vector, 0, 3*n),
			Colors:   make([]color.NRGBA, 0, 3*n),
		},
		Generation: m.mesh.Generation + 1,
	}
	for i := range m.prims {
		appendSplat(&mesh.TriangleMesh, &m.prims[i])
	}
	m.mu.RUnlock()

	m.mesh = mesh
	m.logger.Debugw("extracted mesh", "triangles", mesh.TriangleCount(), "generation", mesh.Generation)
	return mesh
}

// appendSplat adds an equilateral triangle inscribed in the primitive's disc.
func appendSplat(mesh *pointcloud.TriangleMesh, p *Primitive) {
	u := tangent(p.Normal)
	v := p.Normal.Cross(u)
	c := color.NRGBA{R: p.Color[0], G: p.Color[1], B: p.Color[2], A: 255}
	for k := 0; k < 3; k++ {
		a := 2 * math.Pi * float64(k) / 3
		offset := u.Mul(math.Cos(a) * p.Radius).Add(v.Mul(math.Sin(a) * p.Radius))
		mesh.Vertices = append(mesh.Vertices, p.Position.Add(offset))
		mesh.Normals = append(mesh.Normals, p.Normal)
		mesh.Colors = append(mesh.Colors, c)
	}
}

// tangent returns a unit vector perpendicular to n.
func tangent(n r3.Vector) r3.Vector {
	axis := r3.Vector{X: 1}
	if math.Abs(n.X) > 0.9 {
		axis = r3.Vector{Y: 1}
	}
	return n.Cross(axis).Normalize()
}
