package rimage

import (
	"math"

	"github.com/golang/geo/r3"
)

// InvalidVertex returns the sentinel stored for pixels without a vertex or normal.
func InvalidVertex() r3.Vector {
	return r3.Vector{X: math.NaN(), Y: math.NaN(), Z: math.NaN()}
}

// ValidVertex reports whether v is not the invalid sentinel.
func ValidVertex(v r3.Vector) bool {
	return !math.IsNaN(v.X) && !math.IsNaN(v.Y) && !math.IsNaN(v.Z)
}

// VertexMap is a per-pixel grid of 3-D vectors, used for both vertex and normal maps.
type VertexMap struct {
	width  int
	height int
	data   []r3.Vector
}

// NewVertexMap returns a map with every entry invalid.
func NewVertexMap(width, height int) *VertexMap {
	vm := &VertexMap{width: width, height: height, data: make([]r3.Vector, width*height)}
	vm.Clear()
	return vm
}

// Width returns the width.
func (vm *VertexMap) Width() int {
	return vm.width
}

// Height returns the height.
func (vm *VertexMap) Height() int {
	return vm.height
}

// Contains reports whether (x, y) lies inside the map.
func (vm *VertexMap) Contains(x, y int) bool {
	return x >= 0 && y >= 0 && x < vm.width && y < vm.height
}

// At returns the vector at (x, y).
func (vm *VertexMap) At(x, y int) r3.Vector {
	return vm.data[y*vm.width+x]
}

// Set sets the vector at (x, y).
func (vm *VertexMap) Set(x, y int, v r3.Vector) {
	vm.data[y*vm.width+x] = v
}

// Valid reports whether (x, y) holds a vector.
func (vm *VertexMap) Valid(x, y int) bool {
	return ValidVertex(vm.data[y*vm.width+x])
}

// Clear invalidates every entry.
func (vm *VertexMap) Clear() {
	inv := InvalidVertex()
	for i := range vm.data {
		vm.data[i] = inv
	}
}

// Data exposes the row-major backing slice.
func (vm *VertexMap) Data() []r3.Vector {
	return vm.data
}

// ValidCount returns the number of valid entries.
func (vm *VertexMap) ValidCount() int {
	n := 0
	for _, v := range vm.data {
		if ValidVertex(v) {
			n++
		}
	}
	return n
}

// ComputeNormals fills normals from the vertex map by crossing forward differences. Each normal
// points toward the camera origin. A pixel without valid right and lower neighbours gets no
// normal, as does one whose neighbours are further than maxEdge away (0 disables the check).
func ComputeNormals(vertices, normals *VertexMap, maxEdge float64) {
	inv := InvalidVertex()
	for y := 0; y < vertices.height; y++ {
		for x := 0; x < vertices.width; x++ {
			if x+1 >= vertices.width || y+1 >= vertices.height {
				normals.Set(x, y, inv)
				continue
			}
			v := vertices.At(x, y)
			vx := vertices.At(x+1, y)
			vy := vertices.At(x, y+1)
			if !ValidVertex(v) || !ValidVertex(vx) || !ValidVertex(vy) {
				normals.Set(x, y, inv)
				continue
			}
			dx, dy := vx.Sub(v), vy.Sub(v)
			if maxEdge > 0 && (dx.Norm() > maxEdge || dy.Norm() > maxEdge) {
				normals.Set(x, y, inv)
				continue
			}
			n := dx.Cross(dy)
			norm := n.Norm()
			if norm == 0 {
				normals.Set(x, y, inv)
				continue
			}
			n = n.Mul(1 / norm)
			if n.Dot(v) > 0 {
				n = n.Mul(-1)
			}
			normals.Set(x, y, n)
		}
	}
}
