package keypoints

import (
	"math"
	"math/bits"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// MatchingConfig contains the parameters for matching descriptors.
type MatchingConfig struct {
	DoCrossCheck bool `json:"do_cross_check"`
	// MaxDist rejects pairs at or above this Hamming distance. 0 disables the check.
	MaxDist int `json:"max_dist"`
}

// DescriptorMatch contains the index of a match in the first and second set of descriptors.
type DescriptorMatch struct {
	Idx1     int
	Idx2     int
	Distance int
}

// HammingDistance returns the number of differing bits of two descriptors of the same length.
func HammingDistance(d1, d2 Descriptor) (int, error) {
	if len(d1) != len(d2) {
		return 0, errors.Errorf("descriptors must have same length, got %d and %d", len(d1), len(d2))
	}
	dist := 0
	for i := range d1 {
		dist += bits.OnesCount64(d1[i] ^ d2[i])
	}
	return dist, nil
}

// DescriptorsHammingDistance computes the pairwise distances between two sets of descriptors.
func DescriptorsHammingDistance(desc1, desc2 []Descriptor) ([][]int, error) {
	distances := make([][]int, len(desc1))
	for i := range desc1 {
		distances[i] = make([]int, len(desc2))
		for j := range desc2 {
			d, err := HammingDistance(desc1[i], desc2[j])
			if err != nil {
				return nil, err
			}
			distances[i][j] = d
		}
	}
	return distances, nil
}

func argMinPerRow(distances [][]int) []int {
	out := make([]int, len(distances))
	for i, row := range distances {
		best, bestIdx := math.MaxInt, -1
		for j, d := range row {
			if d < best {
				best, bestIdx = d, j
			}
		}
		out[i] = bestIdx
	}
	return out
}

func argMinPerCol(distances [][]int, cols int) []int {
	best := make([]int, cols)
	out := make([]int, cols)
	for j := range best {
		best[j] = math.MaxInt
		out[j] = -1
	}
	for i, row := range distances {
		for j, d := range row {
			if d < best[j] {
				best[j], out[j] = d, i
			}
		}
	}
	return out
}

// MatchDescriptors matches every descriptor of desc1 to its nearest neighbour in desc2 and
// returns the surviving matches sorted by increasing distance. Empty inputs give no matches.
func MatchDescriptors(desc1, desc2 []Descriptor, cfg *MatchingConfig) ([]DescriptorMatch, error) {
	if len(desc1) == 0 || len(desc2) == 0 {
		return nil, nil
	}
	distances, err := DescriptorsHammingDistance(desc1, desc2)
	if err != nil {
		return nil, err
	}
	best2 := argMinPerRow(distances)
	var best1 []int
	if cfg.DoCrossCheck {
		best1 = argMinPerCol(distances, len(desc2))
	}

	matches := make([]DescriptorMatch, 0, len(desc1))
	for i, j := range best2 {
		if j < 0 {
			continue
		}
		if cfg.DoCrossCheck && best1[j] != i {
			continue
		}
		if cfg.MaxDist > 0 && distances[i][j] >= cfg.MaxDist {
			continue
		}
		matches = append(matches, DescriptorMatch{Idx1: i, Idx2: j, Distance: distances[i][j]})
	}

	dists := make([]float64, len(matches))
	for i, m := range matches {
		// the index breaks ties so the order is deterministic
		dists[i] = float64(m.Distance) + float64(i)/float64(len(matches)+1)
	}
	sortedIndices := make([]int, len(dists))
	floats.Argsort(dists, sortedIndices)
	sorted := make([]DescriptorMatch, len(matches))
	for i, idx := range sortedIndices {
		sorted[i] = matches[idx]
	}
	return sorted, nil
}
