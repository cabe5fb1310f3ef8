package frame

import (
	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// Config holds the pyramid construction parameters.
type Config struct {
	NumLevels int `json:"num_levels"`
	// DepthScale is the number of raw depth units per meter.
	DepthScale float64 `json:"depth_scale"`
	MinDepth   float64 `json:"min_depth_m"`
	MaxDepth   float64 `json:"max_depth_m"`
	// DepthSigma is the depth noise, in meters, used to keep edges sharp when downsampling.
	DepthSigma float64 `json:"depth_sigma_m"`
	// MaxNormalEdge drops normals spanning a larger jump between neighbouring vertices. 0 disables.
	MaxNormalEdge  float64 `json:"max_normal_edge_m"`
	ThumbnailWidth int     `json:"thumbnail_width"`
}

// DefaultConfig returns the TUM RGB-D conventions.
func DefaultConfig() Config {
	return Config{
		NumLevels:      3,
		DepthScale:     5000,
		MinDepth:       0.1,
		MaxDepth:       5.0,
		DepthSigma:     0.04,
		MaxNormalEdge:  0.1,
		ThumbnailWidth: 80,
	}
}

// Validate ensures all parts of the config are valid.
func (config *Config) Validate(path string) error {
	if config.NumLevels < 1 {
		return utils.NewConfigValidationError(path, errors.New("num_levels must be >= 1"))
	}
	if config.DepthScale <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "depth_scale")
	}
	if config.MinDepth < 0 || config.MaxDepth <= config.MinDepth {
		return utils.NewConfigValidationError(path,
			errors.Errorf("depth range [%v, %v] is empty", config.MinDepth, config.MaxDepth))
	}
	if config.DepthSigma <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "depth_sigma_m")
	}
	if config.MaxNormalEdge < 0 {
		return utils.NewConfigValidationError(path, errors.New("max_normal_edge_m cannot be negative"))
	}
	if config.ThumbnailWidth < 8 {
		return utils.NewConfigValidationError(path, errors.New("thumbnail_width must be >= 8"))
	}
	return nil
}
