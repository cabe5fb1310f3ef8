package slam

import (
	"os"
	"sort"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"github.com/yosuke-furukawa/json5/encoding/json5"
	"go.viam.com/utils"

	"go.viam.com/icpslam/densemap"
	"go.viam.com/icpslam/frame"
	"go.viam.com/icpslam/keyframe"
	"go.viam.com/icpslam/optimizer"
	"go.viam.com/icpslam/rimage/transform"
	"go.viam.com/icpslam/spatialmath"
	"go.viam.com/icpslam/tracking"
	"go.viam.com/icpslam/vision/keypoints"
)

// Config describes a whole SLAM system.
type Config struct {
	Intrinsics transform.PinholeCameraIntrinsics `json:"intrinsics"`
	Frame      frame.Config                      `json:"frame"`
	Tracking   tracking.Config                   `json:"tracking"`
	Map        densemap.Config                   `json:"map"`
	Keyframes  keyframe.Config                   `json:"keyframes"`
	Optimizer  optimizer.Config                  `json:"optimizer"`
	// Features configures the keypoint extractor used for relocalization. Nil disables it, and a
	// lost tracker then stays lost until reset.
	Features *keypoints.ExtractorConfig `json:"features,omitempty"`

	// InitialPose is the camera-to-world pose of the first frame as a row-major rotation followed by
	// the translation. Empty means the identity.
	InitialPose []float64 `json:"initial_pose,omitempty"`

	MapPath  string `json:"map_path,omitempty"`
	MeshPath string `json:"mesh_path,omitempty"`

	LocalizationOnly bool `json:"localization_only"`
	GraphMatching    bool `json:"graph_matching"`
}

// DefaultConfig returns the default configuration for a camera.
func DefaultConfig(intrinsics transform.PinholeCameraIntrinsics) Config {
	features := keypoints.DefaultExtractorConfig()
	return Config{
		Intrinsics: intrinsics,
		Frame:      frame.DefaultConfig(),
		Tracking:   tracking.DefaultConfig(),
		Map:        densemap.DefaultConfig(),
		Keyframes:  keyframe.DefaultConfig(),
		Optimizer:  optimizer.DefaultConfig(),
		Features:   &features,
	}
}

// Validate ensures all parts of the config are valid.
func (config *Config) Validate(path string) error {
	if err := config.Intrinsics.CheckValid(); err != nil {
		return utils.NewConfigValidationError(path+".intrinsics", err)
	}
	if err := config.Frame.Validate(path + ".frame"); err != nil {
		return err
	}
	if err := config.Tracking.Validate(path + ".tracking"); err != nil {
		return err
	}
	if err := config.Map.Validate(path + ".map"); err != nil {
		return err
	}
	if err := config.Keyframes.Validate(path + ".keyframes"); err != nil {
		return err
	}
	if err := config.Optimizer.Validate(path + ".optimizer"); err != nil {
		return err
	}
	if config.Features != nil {
		if err := config.Features.Validate(path + ".features"); err != nil {
			return err
		}
	}
	if config.Keyframes.SampleLevel >= config.Frame.NumLevels {
		return utils.NewConfigValidationError(path+".keyframes",
			errors.Errorf("sample_level %d is not below num_levels %d", config.Keyframes.SampleLevel, config.Frame.NumLevels))
	}
	if config.Map.FusionLevel >= config.Frame.NumLevels {
		return utils.NewConfigValidationError(path+".map",
			errors.Errorf("fusion_level %d is not below num_levels %d", config.Map.FusionLevel, config.Frame.NumLevels))
	}
	if _, err := config.initialPose(); err != nil {
		return utils.NewConfigValidationError(path+".initial_pose", err)
	}
	return nil
}

func (config *Config) initialPose() (spatialmath.Pose, error) {
	if len(config.InitialPose) == 0 {
		return spatialmath.NewZeroPose(), nil
	}
	if len(config.InitialPose) != 12 {
		return spatialmath.Pose{}, errors.Errorf("expected 12 values, got %d", len(config.InitialPose))
	}
	var flat [12]float64
	copy(flat[:], config.InitialPose)
	return spatialmath.PoseFromFlat(flat)
}

// NewConfigFromAttributes decodes an attribute map over the default configuration. Keys that do
// not name a field are an error. Durations may be given as strings such as "200ms".
func NewConfigFromAttributes(attributes map[string]interface{}) (*Config, error) {
	var intrinsics transform.PinholeCameraIntrinsics
	conf := DefaultConfig(intrinsics)
	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:    "json",
		Result:     &conf,
		Metadata:   &md,
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(attributes); err != nil {
		return nil, err
	}
	if len(md.Unused) != 0 {
		sort.Strings(md.Unused)
		return nil, errors.Errorf("unknown config attributes %v", md.Unused)
	}
	if err := conf.Validate("slam"); err != nil {
		return nil, err
	}
	return &conf, nil
}

// LoadConfig reads a JSON5 config file. Comments and trailing commas are allowed.
func LoadConfig(path string) (*Config, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var attributes map[string]interface{}
	if err := json5.Unmarshal(data, &attributes); err != nil {
		return nil, errors.Wrapf(err, "cannot parse config %q", path)
	}
	return NewConfigFromAttributes(attributes)
}
