// Package keypoints contains sparse image features used to relocalize a lost camera. For now:
// - FAST keypoints
// - BRIEF binary descriptors
// - Hamming matching.
package keypoints

import (
	"image"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/icpslam/rimage"
)

// KeyPoints is a slice of image.Point that contains several kps.
type KeyPoints []image.Point

// Descriptor is a binary descriptor packed into 64-bit words.
type Descriptor []uint64

// Extractor finds keypoints in a gray image and describes them.
type Extractor interface {
	Extract(gray *rimage.FloatMap) (KeyPoints, []Descriptor, error)
}

// ExtractorConfig configures the default FAST + BRIEF extractor.
type ExtractorConfig struct {
	FAST  FASTConfig  `json:"fast"`
	BRIEF BRIEFConfig `json:"brief"`
	// MaxKeypoints keeps the strongest corners only. 0 keeps every corner.
	MaxKeypoints int `json:"max_keypoints"`
}

// DefaultExtractorConfig returns a configuration suited to VGA RGB-D frames.
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{
		FAST: FASTConfig{
			NMatchesCircle: 9,
			NMSWinSize:     7,
			Threshold:      20,
		},
		BRIEF: BRIEFConfig{
			N:         256,
			PatchSize: 31,
			Seed:      1,
		},
		MaxKeypoints: 500,
	}
}

// Validate ensures all parts of the ExtractorConfig are valid.
func (config *ExtractorConfig) Validate(path string) error {
	if err := config.FAST.Validate(path + ".fast"); err != nil {
		return err
	}
	if err := config.BRIEF.Validate(path + ".brief"); err != nil {
		return err
	}
	if config.MaxKeypoints < 0 {
		return utils.NewConfigValidationError(path, errors.New("max_keypoints cannot be negative"))
	}
	return nil
}

type fastBRIEF struct {
	cfg   ExtractorConfig
	pairs *SamplePairs
}

// NewExtractor returns the FAST + BRIEF extractor.
func NewExtractor(cfg ExtractorConfig) (Extractor, error) {
	if err := cfg.Validate("keypoints"); err != nil {
		return nil, err
	}
	return &fastBRIEF{
		cfg:   cfg,
		pairs: GenerateSamplePairs(cfg.BRIEF.N, cfg.BRIEF.PatchSize, cfg.BRIEF.Seed),
	}, nil
}

func (fb *fastBRIEF) Extract(gray *rimage.FloatMap) (KeyPoints, []Descriptor, error) {
	if gray == nil {
		return nil, nil, errors.New("cannot extract keypoints from nil image")
	}
	// keep corners far enough from the border for a full descriptor patch
	margin := fb.cfg.BRIEF.PatchSize/2 + 1
	kps := ComputeFAST(gray, &fb.cfg.FAST, margin)
	kps = kps.Strongest(fb.cfg.MaxKeypoints)
	descs := ComputeBRIEFDescriptors(gray, fb.pairs, kps.Points)
	return kps.Points, descs, nil
}
