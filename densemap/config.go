package densemap

import (
	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// DefaultCapacity is the number of primitives preallocated when no capacity is configured.
const DefaultCapacity = 1 << 20

// Config holds the parameters of surface fusion.
type Config struct {
	// Capacity bounds the number of primitives. The arena is preallocated.
	Capacity int `json:"capacity"`
	// FusionLevel is the pyramid level whose pixels are fused.
	FusionLevel int `json:"fusion_level"`
	// MergeDistance is the largest distance along the primitive normal at which an observation
	// merges into it.
	MergeDistance float64 `json:"merge_distance_m"`
	// MergeAngleDegs is the largest angle between normals at which an observation merges.
	MergeAngleDegs float64 `json:"merge_angle_degs"`
	// SearchRadius is the half size, in pixels, of the prediction window searched for a merge.
	SearchRadius int `json:"search_radius_px"`
	// ConfidenceSigma shapes the per-pixel weight, which decays with distance from the image
	// center.
	ConfidenceSigma float64 `json:"confidence_sigma"`
	MaxConfidence   float64 `json:"max_confidence"`
	// MaxRadius caps the footprint of one primitive.
	MaxRadius float64 `json:"max_radius_m"`
	// PlanarityTolerance is how far a neighbouring pixel may lie off the tangent plane of a pixel
	// before the pixel is treated as an edge and not fused.
	PlanarityTolerance float64 `json:"planarity_tolerance_m"`
}

// DefaultConfig returns parameters suited to a 640x480 depth camera.
func DefaultConfig() Config {
	return Config{
		Capacity:        DefaultCapacity,
		FusionLevel:     1,
		MergeDistance:   0.015,
		MergeAngleDegs:  30,
		SearchRadius:    1,
		ConfidenceSigma: 0.6,
		MaxConfidence:   100,
		MaxRadius:       0.05,

		PlanarityTolerance: 0.004,
	}
}

// Validate ensures all parts of the config are valid.
func (config *Config) Validate(path string) error {
	if config.Capacity <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "capacity")
	}
	if config.FusionLevel < 0 {
		return utils.NewConfigValidationError(path, errors.New("fusion_level cannot be negative"))
	}
	if config.MergeDistance <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "merge_distance_m")
	}
	if config.MergeAngleDegs <= 0 || config.MergeAngleDegs > 90 {
		return utils.NewConfigValidationError(path, errors.New("merge_angle_degs must be in (0, 90]"))
	}
	if config.SearchRadius < 0 {
		return utils.NewConfigValidationError(path, errors.New("search_radius_px cannot be negative"))
	}
	if config.ConfidenceSigma <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "confidence_sigma")
	}
	if config.MaxConfidence <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "max_confidence")
	}
	if config.MaxRadius <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "max_radius_m")
	}
	if config.PlanarityTolerance <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "planarity_tolerance_m")
	}
	return nil
}
