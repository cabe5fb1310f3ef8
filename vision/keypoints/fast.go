package keypoints

import (
	"image"
	"sort"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/icpslam/rimage"
)

// FASTConfig holds the parameters of the FAST corner detector.
type FASTConfig struct {
	// NMatchesCircle is the number of contiguous circle pixels that must all be brighter or darker.
	NMatchesCircle int `json:"n_matches"`
	// NMSWinSize is the side of the non-maximum suppression window.
	NMSWinSize int `json:"nms_win_size"`
	// Threshold is the intensity difference, in gray levels, a circle pixel must exceed.
	Threshold float64 `json:"threshold"`
}

// Validate ensures all parts of the FASTConfig are valid.
func (config *FASTConfig) Validate(path string) error {
	if config.NMatchesCircle < 1 || config.NMatchesCircle > len(CircleIdx) {
		return utils.NewConfigValidationError(path, errors.Errorf("n_matches must be in [1, %d]", len(CircleIdx)))
	}
	if config.NMSWinSize < 1 {
		return utils.NewConfigValidationError(path, errors.New("nms_win_size must be >= 1"))
	}
	if config.Threshold <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "threshold")
	}
	return nil
}

// FASTKeypoints holds detected corners and their scores.
type FASTKeypoints struct {
	Points KeyPoints
	Scores []float64
}

// CircleIdx is the Bresenham circle of radius 3 around a candidate, clockwise from the top.
var CircleIdx = []image.Point{
	{0, -3}, {1, -3}, {2, -2}, {3, -1},
	{3, 0}, {3, 1}, {2, 2}, {1, 3},
	{0, 3}, {-1, 3}, {-2, 2}, {-3, 1},
	{-3, 0}, {-3, -1}, {-2, -2}, {-1, -3},
}

// CrossIdx is the four compass points of the circle, used as a fast rejection test.
var CrossIdx = []image.Point{{0, -3}, {3, 0}, {0, 3}, {-3, 0}}

// GetPointValuesInNeighborhood returns the values of img at the given offsets around p.
func GetPointValuesInNeighborhood(img *rimage.FloatMap, p image.Point, neighborhood []image.Point) []float64 {
	vals := make([]float64, len(neighborhood))
	for i, off := range neighborhood {
		vals[i] = float64(img.AtClamped(p.X+off.X, p.Y+off.Y))
	}
	return vals
}

// isValidSliceVals reports whether s, read circularly, contains n contiguous non-zero values.
func isValidSliceVals(s []float64, n int) bool {
	count := 0
	for i := 0; i < 2*len(s); i++ {
		if s[i%len(s)] != 0 {
			count++
			if count >= n {
				return true
			}
		} else {
			count = 0
		}
	}
	return false
}

// sumPositiveValues sums the strictly positive entries of s.
func sumPositiveValues(s []float64) float64 {
	var sum float64
	for _, v := range s {
		if v > 0 {
			sum += v
		}
	}
	return sum
}

// cornerScore returns a positive score when p is a FAST corner, else 0.
func cornerScore(img *rimage.FloatMap, p image.Point, cfg *FASTConfig) float64 {
	center := float64(img.At(p.X, p.Y))
	cross := GetPointValuesInNeighborhood(img, p, CrossIdx)
	brighterCross, darkerCross := 0, 0
	for _, v := range cross {
		if v > center+cfg.Threshold {
			brighterCross++
		} else if v < center-cfg.Threshold {
			darkerCross++
		}
	}
	// a contiguous arc of n pixels covers at least n/4 compass points
	need := cfg.NMatchesCircle / 4
	if brighterCross < need && darkerCross < need {
		return 0
	}

	vals := GetPointValuesInNeighborhood(img, p, CircleIdx)
	brighter := make([]float64, len(vals))
	darker := make([]float64, len(vals))
	for i, v := range vals {
		if d := v - center - cfg.Threshold; d > 0 {
			brighter[i] = d
		}
		if d := center - cfg.Threshold - v; d > 0 {
			darker[i] = d
		}
	}
	var score float64
	if isValidSliceVals(brighter, cfg.NMatchesCircle) {
		score = sumPositiveValues(brighter)
	}
	if isValidSliceVals(darker, cfg.NMatchesCircle) {
		if s := sumPositiveValues(darker); s > score {
			score = s
		}
	}
	return score
}

// ComputeFAST detects FAST corners at least margin pixels from the border and keeps only those
// that are maximal within the suppression window.
func ComputeFAST(img *rimage.FloatMap, cfg *FASTConfig, margin int) *FASTKeypoints {
	if margin < 3 {
		margin = 3
	}
	w, h := img.Width(), img.Height()
	scores := make([]float64, w*h)
	for y := margin; y < h-margin; y++ {
		for x := margin; x < w-margin; x++ {
			scores[y*w+x] = cornerScore(img, image.Point{x, y}, cfg)
		}
	}

	half := cfg.NMSWinSize / 2
	out := &FASTKeypoints{}
	for y := margin; y < h-margin; y++ {
		for x := margin; x < w-margin; x++ {
			s := scores[y*w+x]
			if s == 0 {
				continue
			}
			maximal := true
			for dy := -half; dy <= half && maximal; dy++ {
				for dx := -half; dx <= half; dx++ {
					nx, ny := x+dx, y+dy
					if (dx == 0 && dy == 0) || nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					ns := scores[ny*w+nx]
					// ties go to the first pixel in raster order
					if ns > s || (ns == s && (ny < y || (ny == y && nx < x))) {
						maximal = false
						break
					}
				}
			}
			if maximal {
				out.Points = append(out.Points, image.Point{x, y})
				out.Scores = append(out.Scores, s)
			}
		}
	}
	return out
}

// Strongest returns the n highest-scoring keypoints in descending score order. n <= 0 keeps all.
func (kps *FASTKeypoints) Strongest(n int) *FASTKeypoints {
	if n <= 0 || n >= len(kps.Points) {
		n = len(kps.Points)
	}
	idx := make([]int, len(kps.Scores))
	for i := range idx {
		idx[i] = i
	}
	// stable, so equal scores keep raster order
	sort.SliceStable(idx, func(a, b int) bool {
		return kps.Scores[idx[a]] > kps.Scores[idx[b]]
	})
	out := &FASTKeypoints{Points: make(KeyPoints, n), Scores: make([]float64, n)}
	for i := 0; i < n; i++ {
		out.Points[i] = kps.Points[idx[i]]
		out.Scores[i] = kps.Scores[idx[i]]
	}
	return out
}
