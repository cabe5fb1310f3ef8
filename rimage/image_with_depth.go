package rimage

import (
	"image"
	"time"
)

// ImageWithDepth is one registered color and depth capture.
type ImageWithDepth struct {
	Color     image.Image
	Depth     *DepthMap
	Timestamp time.Time
}

// Bounds returns the bounds of the color image.
func (i *ImageWithDepth) Bounds() image.Rectangle {
	if i.Color == nil {
		return image.Rectangle{}
	}
	return i.Color.Bounds()
}
