package rimage

import (
	"math"

	"go.viam.com/icpslam/utils"
)

// HalfSampleDepth produces the next coarser depth level. Output pixel (x, y) is centred on input
// pixel (2x, 2y) and averages the 5x5 Gaussian window around it, using only valid samples within
// 3·sigma of the centre depth. An invalid centre gives an invalid output.
func HalfSampleDepth(src *FloatMap, sigma float64) *FloatMap {
	out := NewFloatMap(src.Width()/2, src.Height()/2)
	HalfSampleDepthInto(src, out, sigma)
	return out
}

// HalfSampleDepthInto is HalfSampleDepth writing into an existing map of half the size.
func HalfSampleDepthInto(src, out *FloatMap, sigma float64) {
	kernel := GetGaussian5()
	gate := 3 * sigma
	utils.ParallelForEachRow(out.Height(), func(y int) {
		for x := 0; x < out.Width(); x++ {
			cx, cy := 2*x, 2*y
			center := src.At(cx, cy)
			if !ValidFloat(center) {
				out.Invalidate(x, y)
				continue
			}
			var sum, weight float64
			for ky := 0; ky < 5; ky++ {
				for kx := 0; kx < 5; kx++ {
					sx, sy := cx+kx-2, cy+ky-2
					if !src.Contains(sx, sy) {
						continue
					}
					v := src.At(sx, sy)
					if !ValidFloat(v) || math.Abs(float64(v-center)) > gate {
						continue
					}
					w := kernel.At(kx, ky)
					sum += w * float64(v)
					weight += w
				}
			}
			out.Set(x, y, float32(sum/weight))
		}
	})
}

// HalfSampleGray produces the next coarser gray level with a 5x5 Gaussian window, replicating the
// border.
func HalfSampleGray(src *FloatMap) *FloatMap {
	out := NewFloatMap(src.Width()/2, src.Height()/2)
	HalfSampleGrayInto(src, out)
	return out
}

// HalfSampleGrayInto is HalfSampleGray writing into an existing map of half the size.
func HalfSampleGrayInto(src, out *FloatMap) {
	kernel := GetGaussian5()
	utils.ParallelForEachRow(out.Height(), func(y int) {
		for x := 0; x < out.Width(); x++ {
			var sum float64
			for ky := 0; ky < 5; ky++ {
				for kx := 0; kx < 5; kx++ {
					sum += kernel.At(kx, ky) * float64(src.AtClamped(2*x+kx-2, 2*y+ky-2))
				}
			}
			out.Set(x, y, float32(sum*kernel.Factor))
		}
	})
}
