package optimizer

import (
	"time"

	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// Config holds the bundle adjustment and scheduling parameters.
type Config struct {
	// WindowSize is the number of newest keyframes local bundle adjustment works on.
	WindowSize    int `json:"window_size"`
	MaxIterations int `json:"max_iterations"`

	// InitialLambda is the starting Levenberg-Marquardt damping.
	InitialLambda float64 `json:"initial_lambda"`
	// DivergenceGuard is the relative cost increase above which a pass that accepted no step is
	// reported as diverged.
	DivergenceGuard float64 `json:"divergence_guard"`

	MaxCorrespondenceDistance float64 `json:"max_correspondence_distance_m"`
	MaxNormalAngleDegs        float64 `json:"max_normal_angle_degs"`
	// PointSigma, PriorTranslationSigma and PriorRotationSigmaDegs weigh the residuals.
	PointSigma             float64 `json:"point_sigma_m"`
	PriorTranslationSigma  float64 `json:"prior_translation_sigma_m"`
	PriorRotationSigmaDegs float64 `json:"prior_rotation_sigma_degs"`

	// LocalInterval is how often the background loop looks for new keyframes.
	LocalInterval time.Duration `json:"local_interval"`
	// GlobalInterval runs global bundle adjustment this often when keyframes were added. 0 runs it
	// only on request.
	GlobalInterval time.Duration `json:"global_interval"`
	// StallThreshold is the number of consecutive failed passes reported as stalled.
	StallThreshold int `json:"stall_threshold"`
}

// DefaultConfig returns the default optimizer configuration.
func DefaultConfig() Config {
	return Config{
		WindowSize:                7,
		MaxIterations:             10,
		InitialLambda:             1e-4,
		DivergenceGuard:           1e-3,
		MaxCorrespondenceDistance: 0.05,
		MaxNormalAngleDegs:        30,
		PointSigma:                0.01,
		PriorTranslationSigma:     0.02,
		PriorRotationSigmaDegs:    1,
		LocalInterval:             200 * time.Millisecond,
		GlobalInterval:            10 * time.Second,
		StallThreshold:            5,
	}
}

// Validate ensures all parts of the config are valid.
func (config *Config) Validate(path string) error {
	if config.WindowSize < 2 {
		return utils.NewConfigValidationError(path, errors.New("window_size must be >= 2"))
	}
	if config.MaxIterations < 1 {
		return utils.NewConfigValidationFieldRequiredError(path, "max_iterations")
	}
	if config.InitialLambda <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "initial_lambda")
	}
	if config.DivergenceGuard < 0 {
		return utils.NewConfigValidationError(path, errors.New("divergence_guard cannot be negative"))
	}
	if config.MaxCorrespondenceDistance <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "max_correspondence_distance_m")
	}
	if config.MaxNormalAngleDegs <= 0 || config.MaxNormalAngleDegs > 90 {
		return utils.NewConfigValidationError(path, errors.New("max_normal_angle_degs must be in (0, 90]"))
	}
	if config.PointSigma <= 0 || config.PriorTranslationSigma <= 0 || config.PriorRotationSigmaDegs <= 0 {
		return utils.NewConfigValidationError(path, errors.New("residual sigmas must be positive"))
	}
	if config.LocalInterval <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "local_interval")
	}
	if config.GlobalInterval < 0 {
		return utils.NewConfigValidationError(path, errors.New("global_interval cannot be negative"))
	}
	if config.StallThreshold < 1 {
		return utils.NewConfigValidationFieldRequiredError(path, "stall_threshold")
	}
	return nil
}
