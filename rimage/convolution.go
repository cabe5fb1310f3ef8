package rimage

import (
	"image"
	"math"

	"go.viam.com/icpslam/utils"
)

// Kernel is a convolution filter stored row by row.
type Kernel struct {
	Content [][]float64
	Width   int
	Height  int
	// Factor multiplies every output value.
	Factor float64
}

// Size returns the kernel dimensions.
func (k *Kernel) Size() image.Point {
	return image.Point{k.Width, k.Height}
}

// At returns the weight at column x, row y.
func (k *Kernel) At(x, y int) float64 {
	return k.Content[y][x]
}

// GetSobelX returns the Kernel corresponding to the Sobel kernel in the x direction, normalized so
// that a unit ramp has unit gradient.
func GetSobelX() Kernel {
	return Kernel{[][]float64{
		{-1, 0, 1},
		{-2, 0, 2},
		{-1, 0, 1},
	},
		3,
		3,
		1.0 / 8,
	}
}

// GetSobelY returns the Kernel corresponding to the Sobel kernel in the y direction, normalized so
// that a unit ramp has unit gradient.
func GetSobelY() Kernel {
	return Kernel{[][]float64{
		{-1, -2, -1},
		{0, 0, 0},
		{1, 2, 1},
	},
		3,
		3,
		1.0 / 8,
	}
}

// GetGaussian5 returns a normalized 5x5 binomial approximation of a Gaussian.
func GetGaussian5() Kernel {
	row := []float64{1, 4, 6, 4, 1}
	content := make([][]float64, 5)
	for y := range content {
		content[y] = make([]float64, 5)
		for x := range content[y] {
			content[y][x] = row[x] * row[y]
		}
	}
	return Kernel{content, 5, 5, 1.0 / 256}
}

// ConvolveFloatMap applies the kernel to every pixel, replicating the border. A NaN anywhere in
// the window makes the output NaN.
func ConvolveFloatMap(src *FloatMap, kernel *Kernel) *FloatMap {
	out := NewFloatMap(src.Width(), src.Height())
	ConvolveFloatMapInto(src, kernel, out)
	return out
}

// ConvolveFloatMapInto is ConvolveFloatMap writing into an existing map of the same size.
func ConvolveFloatMapInto(src *FloatMap, kernel *Kernel, out *FloatMap) {
	ax, ay := kernel.Width/2, kernel.Height/2
	utils.ParallelForEachRow(src.Height(), func(y int) {
		for x := 0; x < src.Width(); x++ {
			var sum float64
			for ky := 0; ky < kernel.Height; ky++ {
				for kx := 0; kx < kernel.Width; kx++ {
					w := kernel.At(kx, ky)
					if w == 0 {
						continue
					}
					sum += w * float64(src.AtClamped(x+kx-ax, y+ky-ay))
				}
			}
			if math.IsNaN(sum) {
				out.Invalidate(x, y)
				continue
			}
			out.Set(x, y, float32(sum*kernel.Factor))
		}
	})
}
