// Package pointcloud defines a point cloud of surface samples and the file formats the map is
// exported to.
package pointcloud

import (
	"image/color"
	"math"

	"github.com/golang/geo/r3"
)

// Point is one surface sample. Positions are in meters.
type Point struct {
	Position r3.Vector
	Normal   r3.Vector
	Color    color.NRGBA
}

// MetaData is data about what's stored in the point cloud.
type MetaData struct {
	HasColor  bool
	HasNormal bool

	MinX, MaxX float64
	MinY, MaxY float64
	MinZ, MaxZ float64
}

// NewMetaData returns the metadata of an empty cloud.
func NewMetaData() MetaData {
	return MetaData{
		MinX: math.MaxFloat64,
		MinY: math.MaxFloat64,
		MinZ: math.MaxFloat64,
		MaxX: -math.MaxFloat64,
		MaxY: -math.MaxFloat64,
		MaxZ: -math.MaxFloat64,
	}
}

// Merge updates the bounds to include p.
func (meta *MetaData) Merge(p r3.Vector) {
	meta.MinX = math.Min(meta.MinX, p.X)
	meta.MaxX = math.Max(meta.MaxX, p.X)
	meta.MinY = math.Min(meta.MinY, p.Y)
	meta.MaxY = math.Max(meta.MaxY, p.Y)
	meta.MinZ = math.Min(meta.MinZ, p.Z)
	meta.MaxZ = math.Max(meta.MaxZ, p.Z)
}

// PointCloud is a general purpose container of points.
type PointCloud interface {
	// Size returns the number of points in the cloud.
	Size() int

	// MetaData returns meta data
	MetaData() MetaData

	// Append adds a point to the cloud.
	Append(p Point)

	// Iterate calls fn for every point in insertion order until fn returns false.
	Iterate(fn func(p Point) bool)
}

type basicPointCloud struct {
	points []Point
	meta   MetaData
}

// New returns an empty PointCloud whose points carry the given attributes.
func New(hasColor, hasNormal bool) PointCloud {
	return NewWithPrealloc(0, hasColor, hasNormal)
}

// NewWithPrealloc returns an empty PointCloud with room for size points.
func NewWithPrealloc(size int, hasColor, hasNormal bool) PointCloud {
	meta := NewMetaData()
	meta.HasColor = hasColor
	meta.HasNormal = hasNormal
	return &basicPointCloud{points: make([]Point, 0, size), meta: meta}
}

func (cloud *basicPointCloud) Size() int {
	return len(cloud.points)
}

func (cloud *basicPointCloud) MetaData() MetaData {
	return cloud.meta
}

func (cloud *basicPointCloud) Append(p Point) {
	cloud.points = append(cloud.points, p)
	cloud.meta.Merge(p.Position)
}

func (cloud *basicPointCloud) Iterate(fn func(p Point) bool) {
	for _, p := range cloud.points {
		if !fn(p) {
			return
		}
	}
}

// CloudCentroid returns the mean position of the cloud.
func CloudCentroid(pc PointCloud) r3.Vector {
	var sum r3.Vector
	pc.Iterate(func(p Point) bool {
		sum = sum.Add(p.Position)
		return true
	})
	if pc.Size() == 0 {
		return sum
	}
	return sum.Mul(1 / float64(pc.Size()))
}
