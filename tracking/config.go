package tracking

import (
	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// Config holds the alignment and relocalization parameters.
type Config struct {
	// Iterations is the iteration budget of each pyramid level, finest level first.
	Iterations []int `json:"iterations"`
	// MaxCorrespondenceDistance and MaxNormalAngleDegs gate point pairs before they enter the solve.
	MaxCorrespondenceDistance float64 `json:"max_correspondence_distance_m"`
	MaxNormalAngleDegs        float64 `json:"max_normal_angle_degs"`
	// HuberK scales the robust residual scale into the Huber threshold.
	HuberK float64 `json:"huber_k"`
	// UpdateEpsilon ends a level once the twist of an update is this small.
	UpdateEpsilon float64 `json:"update_epsilon"`
	// ConvergenceRMS ends a level once the point-to-plane RMS is this small.
	ConvergenceRMS float64 `json:"convergence_rms_m"`
	// MinInlierFraction is the fraction of valid pixels that must find a correspondence.
	MinInlierFraction float64 `json:"min_inlier_fraction"`
	// MaxRMS is the largest finest-level RMS accepted as tracked.
	MaxRMS float64 `json:"max_rms_m"`
	// MinReferencePixels is the size below which the model prediction is not trusted and the
	// previous frame is tracked against instead.
	MinReferencePixels int `json:"min_reference_pixels"`

	Relocalization RelocalizationConfig `json:"relocalization"`

	// GraphMatching tries a descriptor hypothesis before declaring a tracked camera lost.
	GraphMatching bool `json:"graph_matching"`
	// NeedImages publishes a rendering of the model after each tracked frame.
	NeedImages bool `json:"need_images"`
}

// RelocalizationConfig configures the descriptor based recovery from Lost.
type RelocalizationConfig struct {
	// Candidates is the number of keyframes, most similar thumbnail first, tried per frame.
	Candidates            int     `json:"candidates"`
	MaxDescriptorDistance int     `json:"max_descriptor_distance"`
	MinMatches            int     `json:"min_matches"`
	RANSACIterations      int     `json:"ransac_iterations"`
	InlierDistance        float64 `json:"inlier_distance_m"`
	Seed                  int64   `json:"seed"`
}

// DefaultConfig returns the default tracker configuration.
func DefaultConfig() Config {
	return Config{
		Iterations:                []int{10, 5, 4},
		MaxCorrespondenceDistance: 0.1,
		MaxNormalAngleDegs:        30,
		HuberK:                    1.345,
		UpdateEpsilon:             1e-6,
		ConvergenceRMS:            1e-5,
		MinInlierFraction:         0.3,
		MaxRMS:                    0.03,
		MinReferencePixels:        1000,
		Relocalization: RelocalizationConfig{
			Candidates:            3,
			MaxDescriptorDistance: 64,
			MinMatches:            12,
			RANSACIterations:      200,
			InlierDistance:        0.05,
			Seed:                  1,
		},
	}
}

// Validate ensures all parts of the config are valid.
func (config *Config) Validate(path string) error {
	if len(config.Iterations) == 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "iterations")
	}
	for i, n := range config.Iterations {
		if n < 1 {
			return utils.NewConfigValidationError(path, errors.Errorf("iterations[%d] must be >= 1", i))
		}
	}
	if config.MaxCorrespondenceDistance <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "max_correspondence_distance_m")
	}
	if config.MaxNormalAngleDegs <= 0 || config.MaxNormalAngleDegs > 90 {
		return utils.NewConfigValidationError(path, errors.New("max_normal_angle_degs must be in (0, 90]"))
	}
	if config.HuberK <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "huber_k")
	}
	if config.MinInlierFraction < 0 || config.MinInlierFraction > 1 {
		return utils.NewConfigValidationError(path, errors.New("min_inlier_fraction must be in [0, 1]"))
	}
	if config.MaxRMS <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "max_rms_m")
	}
	return config.Relocalization.Validate(path + ".relocalization")
}

// Validate ensures all parts of the config are valid.
func (config *RelocalizationConfig) Validate(path string) error {
	if config.Candidates < 1 {
		return utils.NewConfigValidationFieldRequiredError(path, "candidates")
	}
	if config.MinMatches < 3 {
		return utils.NewConfigValidationError(path, errors.New("min_matches must be >= 3"))
	}
	if config.RANSACIterations < 1 {
		return utils.NewConfigValidationFieldRequiredError(path, "ransac_iterations")
	}
	if config.InlierDistance <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "inlier_distance_m")
	}
	return nil
}
