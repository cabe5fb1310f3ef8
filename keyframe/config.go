package keyframe

import (
	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// Config holds the admission policy.
type Config struct {
	// MinTranslation and MinRotationDegs admit a frame that moved this far from its nearest keyframe.
	MinTranslation  float64 `json:"min_translation_m"`
	MinRotationDegs float64 `json:"min_rotation_degs"`
	// MinCovisibility admits a frame sharing less than this fraction of its view with the nearest
	// keyframe.
	MinCovisibility float64 `json:"min_covisibility"`
	// LinkCovisibility is the overlap above which an older keyframe is listed as covisible.
	LinkCovisibility float64 `json:"link_covisibility"`
	// MaxInterval admits a frame this many tracked frames after the last admission. 0 disables.
	MaxInterval int `json:"max_interval_frames"`
	// SampleLevel and SampleStride pick the surface samples stored for bundle adjustment.
	SampleLevel  int `json:"sample_level"`
	SampleStride int `json:"sample_stride_px"`
}

// DefaultConfig returns the default admission policy.
func DefaultConfig() Config {
	return Config{
		MinTranslation:   0.15,
		MinRotationDegs:  15,
		MinCovisibility:  0.7,
		LinkCovisibility: 0.3,
		MaxInterval:      30,
		SampleLevel:      1,
		SampleStride:     4,
	}
}

// Validate ensures all parts of the config are valid.
func (config *Config) Validate(path string) error {
	if config.MinTranslation <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "min_translation_m")
	}
	if config.MinRotationDegs <= 0 || config.MinRotationDegs > 180 {
		return utils.NewConfigValidationError(path, errors.New("min_rotation_degs must be in (0, 180]"))
	}
	if config.MinCovisibility < 0 || config.MinCovisibility > 1 {
		return utils.NewConfigValidationError(path, errors.New("min_covisibility must be in [0, 1]"))
	}
	if config.LinkCovisibility < 0 || config.LinkCovisibility > 1 {
		return utils.NewConfigValidationError(path, errors.New("link_covisibility must be in [0, 1]"))
	}
	if config.MaxInterval < 0 {
		return utils.NewConfigValidationError(path, errors.New("max_interval_frames cannot be negative"))
	}
	if config.SampleLevel < 0 {
		return utils.NewConfigValidationError(path, errors.New("sample_level cannot be negative"))
	}
	if config.SampleStride < 1 {
		return utils.NewConfigValidationFieldRequiredError(path, "sample_stride_px")
	}
	return nil
}
