package keypoints

import (
	"image"
	"math/rand"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/icpslam/rimage"
)

// SamplePairs are N pairs of points used to create the BRIEF Descriptors of a patch.
type SamplePairs struct {
	P0 []image.Point
	P1 []image.Point
	N  int
}

// BRIEFConfig stores the parameters.
type BRIEFConfig struct {
	N         int   `json:"n"` // number of samples taken, a multiple of 64
	PatchSize int   `json:"patch_size"`
	Seed      int64 `json:"seed"`
}

// Validate ensures all parts of the BRIEFConfig are valid.
func (config *BRIEFConfig) Validate(path string) error {
	if config.N <= 0 || config.N%64 != 0 {
		return utils.NewConfigValidationError(path, errors.New("n must be a positive multiple of 64"))
	}
	if config.PatchSize < 5 {
		return utils.NewConfigValidationError(path, errors.New("patch_size must be >= 5"))
	}
	return nil
}

// GenerateSamplePairs draws n uniform point pairs inside a patch. The same seed always gives the
// same pairs, so descriptors stay comparable across runs and saved maps.
func GenerateSamplePairs(n, patchSize int, seed int64) *SamplePairs {
	//nolint:gosec
	rnd := rand.New(rand.NewSource(seed))
	half := patchSize / 2
	sample := func() int {
		return rnd.Intn(2*half+1) - half
	}
	p0 := make([]image.Point, 0, n)
	p1 := make([]image.Point, 0, n)
	for i := 0; i < n; i++ {
		p0 = append(p0, image.Point{X: sample(), Y: sample()})
		p1 = append(p1, image.Point{X: sample(), Y: sample()})
	}
	return &SamplePairs{P0: p0, P1: p1, N: n}
}

// ComputeBRIEFDescriptors computes BRIEF descriptors on image img at keypoints kps. Samples
// outside the image read the nearest border pixel.
func ComputeBRIEFDescriptors(img *rimage.FloatMap, sp *SamplePairs, kps KeyPoints) []Descriptor {
	kernel := rimage.GetGaussian5()
	blurred := rimage.ConvolveFloatMap(img, &kernel)

	descs := make([]Descriptor, len(kps))
	for k, kp := range kps {
		// Divide by 64 since we store a descriptor as a uint64 array.
		descriptor := make(Descriptor, sp.N/64)
		for i := 0; i < sp.N; i++ {
			p0Val := blurred.AtClamped(kp.X+sp.P0[i].X, kp.Y+sp.P0[i].Y)
			p1Val := blurred.AtClamped(kp.X+sp.P1[i].X, kp.Y+sp.P1[i].Y)
			if p0Val > p1Val {
				// This flips the bit at i%64 to 1.
				descriptor[i/64] |= 1 << (i % 64)
			}
		}
		descs[k] = descriptor
	}
	return descs
}
