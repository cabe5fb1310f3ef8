package rimage

import (
	"image"
	"math"
)

var nan32 = float32(math.NaN())

// ValidFloat reports whether v holds a measurement. Missing values are NaN.
func ValidFloat(v float32) bool {
	return v == v
}

// FloatMap is a dense grid of float32 values where NaN marks a missing value.
type FloatMap struct {
	width  int
	height int
	data   []float32
}

// NewFloatMap returns a width×height map with every value invalid.
func NewFloatMap(width, height int) *FloatMap {
	fm := &FloatMap{width: width, height: height, data: make([]float32, width*height)}
	fm.Fill(nan32)
	return fm
}

// Width returns the width.
func (fm *FloatMap) Width() int {
	return fm.width
}

// Height returns the height.
func (fm *FloatMap) Height() int {
	return fm.height
}

// Bounds returns the rectangle covered by the map.
func (fm *FloatMap) Bounds() image.Rectangle {
	return image.Rect(0, 0, fm.width, fm.height)
}

// Contains reports whether (x, y) lies inside the map.
func (fm *FloatMap) Contains(x, y int) bool {
	return x >= 0 && y >= 0 && x < fm.width && y < fm.height
}

// At returns the value at (x, y).
func (fm *FloatMap) At(x, y int) float32 {
	return fm.data[y*fm.width+x]
}

// AtClamped returns the value at (x, y) with coordinates clamped into the map.
func (fm *FloatMap) AtClamped(x, y int) float32 {
	if x < 0 {
		x = 0
	} else if x >= fm.width {
		x = fm.width - 1
	}
	if y < 0 {
		y = 0
	} else if y >= fm.height {
		y = fm.height - 1
	}
	return fm.data[y*fm.width+x]
}

// Set sets the value at (x, y).
func (fm *FloatMap) Set(x, y int, v float32) {
	fm.data[y*fm.width+x] = v
}

// Invalidate marks (x, y) as missing.
func (fm *FloatMap) Invalidate(x, y int) {
	fm.data[y*fm.width+x] = nan32
}

// Fill sets every value to v.
func (fm *FloatMap) Fill(v float32) {
	for i := range fm.data {
		fm.data[i] = v
	}
}

// Data exposes the row-major backing slice.
func (fm *FloatMap) Data() []float32 {
	return fm.data
}

// ValidCount returns the number of non-NaN values.
func (fm *FloatMap) ValidCount() int {
	n := 0
	for _, v := range fm.data {
		if ValidFloat(v) {
			n++
		}
	}
	return n
}

// MinMax returns the smallest and largest valid values, or NaN for both if there are none.
func (fm *FloatMap) MinMax() (float32, float32) {
	lo, hi := nan32, nan32
	for _, v := range fm.data {
		if !ValidFloat(v) {
			continue
		}
		if !ValidFloat(lo) || v < lo {
			lo = v
		}
		if !ValidFloat(hi) || v > hi {
			hi = v
		}
	}
	return lo, hi
}

// Clone returns a deep copy.
func (fm *FloatMap) Clone() *FloatMap {
	out := &FloatMap{width: fm.width, height: fm.height, data: make([]float32, len(fm.data))}
	copy(out.data, fm.data)
	return out
}
