package rimage

import (
	"image"
	"image/color"

	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/draw"
)

// GrayFromImage returns the luma of img in [0, 255] as a float map.
func GrayFromImage(img image.Image) *FloatMap {
	b := img.Bounds()
	out := NewFloatMap(b.Dx(), b.Dy())
	GrayFromImageInto(img, out)
	return out
}

// GrayFromImageInto is GrayFromImage writing into an existing map of the image's size.
func GrayFromImageInto(img image.Image, out *FloatMap) {
	b := img.Bounds()
	if rgba, ok := img.(*image.RGBA); ok {
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				c := rgba.RGBAAt(b.Min.X+x, b.Min.Y+y)
				out.Set(x, y, luma(c.R, c.G, c.B))
			}
		}
		return
	}
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.RGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
			out.Set(x, y, luma(c.R, c.G, c.B))
		}
	}
}

func luma(r, g, b uint8) float32 {
	return 0.299*float32(r) + 0.587*float32(g) + 0.114*float32(b)
}

// ToRGBA returns img as an *image.RGBA anchored at the origin, copying only when needed.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// GrayImage quantizes a float map in [0, 255] to an 8-bit gray image; invalid pixels become black.
func GrayImage(fm *FloatMap) *image.Gray {
	out := image.NewGray(fm.Bounds())
	for y := 0; y < fm.Height(); y++ {
		for x := 0; x < fm.Width(); x++ {
			v := fm.At(x, y)
			if !ValidFloat(v) {
				continue
			}
			if v < 0 {
				v = 0
			} else if v > 255 {
				v = 255
			}
			out.SetGray(x, y, color.Gray{Y: uint8(v + 0.5)})
		}
	}
	return out
}

// ColorizeDepth maps depths in [minDepth, maxDepth] meters onto a blue (far) to red (near) hue ramp.
// Invalid pixels are black.
func ColorizeDepth(depth *FloatMap, minDepth, maxDepth float64) *image.RGBA {
	out := image.NewRGBA(depth.Bounds())
	span := maxDepth - minDepth
	if span <= 0 {
		span = 1
	}
	for y := 0; y < depth.Height(); y++ {
		for x := 0; x < depth.Width(); x++ {
			z := depth.At(x, y)
			if !ValidFloat(z) {
				out.SetRGBA(x, y, color.RGBA{A: 255})
				continue
			}
			t := (float64(z) - minDepth) / span
			if t < 0 {
				t = 0
			} else if t > 1 {
				t = 1
			}
			r, g, b := colorful.Hsv(240*t, 1, 1).Clamped().RGB255()
			out.SetRGBA(x, y, color.RGBA{R: r, G: g, B: b, A: 255})
		}
	}
	return out
}
