package slam

import (
	"os"
	"testing"
	"time"

	"go.viam.com/test"

	"go.viam.com/icpslam/spatialmath"
	"go.viam.com/icpslam/testutils"
)

var testIntrinsics = map[string]interface{}{
	"width_px":  160,
	"height_px": 120,
	"fx":        130.0,
	"fy":        130.0,
	"ppx":       79.5,
	"ppy":       59.5,
}

func TestNewConfigFromAttributes(t *testing.T) {
	conf, err := NewConfigFromAttributes(map[string]interface{}{
		"intrinsics": testIntrinsics,
		"optimizer": map[string]interface{}{
			"local_interval":  "50ms",
			"global_interval": "2s",
			"window_size":     5,
		},
		"keyframes": map[string]interface{}{
			"min_translation_m": 0.3,
		},
		"tracking": map[string]interface{}{
			"iterations": []interface{}{8, 4},
		},
		"map_path":          "/tmp/map.bin.gz",
		"localization_only": true,
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, conf.Intrinsics, test.ShouldResemble, testutils.SmallIntrinsics())
	test.That(t, conf.Optimizer.LocalInterval, test.ShouldEqual, 50*time.Millisecond)
	test.That(t, conf.Optimizer.GlobalInterval, test.ShouldEqual, 2*time.Second)
	test.That(t, conf.Optimizer.WindowSize, test.ShouldEqual, 5)
	test.That(t, conf.Keyframes.MinTranslation, test.ShouldEqual, 0.3)
	test.That(t, conf.Tracking.Iterations, test.ShouldResemble, []int{8, 4})
	test.That(t, conf.MapPath, test.ShouldEqual, "/tmp/map.bin.gz")
	test.That(t, conf.LocalizationOnly, test.ShouldBeTrue)

	// untouched fields keep their defaults
	defaults := DefaultConfig(testutils.SmallIntrinsics())
	test.That(t, conf.Frame, test.ShouldResemble, defaults.Frame)
	test.That(t, conf.Map, test.ShouldResemble, defaults.Map)
	test.That(t, conf.Keyframes.MinRotationDegs, test.ShouldEqual, defaults.Keyframes.MinRotationDegs)
	test.That(t, conf.Optimizer.MaxIterations, test.ShouldEqual, defaults.Optimizer.MaxIterations)
	test.That(t, conf.Features, test.ShouldResemble, defaults.Features)
}

func TestNewConfigFromAttributesErrors(t *testing.T) {
	_, err := NewConfigFromAttributes(map[string]interface{}{})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "intrinsics")

	_, err = NewConfigFromAttributes(map[string]interface{}{
		"intrinsics": testIntrinsics,
		"optimiser":  map[string]interface{}{},
	})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "optimiser")

	_, err = NewConfigFromAttributes(map[string]interface{}{
		"intrinsics": testIntrinsics,
		"keyframes":  map[string]interface{}{"sample_level": 3},
	})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "sample_level")

	_, err = NewConfigFromAttributes(map[string]interface{}{
		"intrinsics":   testIntrinsics,
		"initial_pose": []interface{}{1, 0, 0},
	})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "initial_pose")
}

func TestInitialPose(t *testing.T) {
	conf := DefaultConfig(testutils.SmallIntrinsics())
	pose, err := conf.initialPose()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pose, test.ShouldResemble, spatialmath.NewZeroPose())

	conf.InitialPose = []float64{1, 0, 0, 0, 1, 0, 0, 0, 1, 0.5, 0, -1}
	pose, err = conf.initialPose()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pose.Translation.X, test.ShouldEqual, 0.5)
	test.That(t, pose.Translation.Z, test.ShouldEqual, -1.0)

	conf.InitialPose = []float64{2, 0, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0}
	test.That(t, conf.Validate("slam"), test.ShouldNotBeNil)
}

func TestLoadConfig(t *testing.T) {
	path := testutils.TempPath(t, "slam.json5")
	contents := `{
	// camera
	intrinsics: {width_px: 160, height_px: 120, fx: 130, fy: 130, ppx: 79.5, ppy: 59.5},
	optimizer: {local_interval: "100ms"},
	frame: {depth_scale: 1000,},
	graph_matching: true,
}`
	test.That(t, os.WriteFile(path, []byte(contents), 0o600), test.ShouldBeNil)
	conf, err := LoadConfig(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, conf.Optimizer.LocalInterval, test.ShouldEqual, 100*time.Millisecond)
	test.That(t, conf.Frame.DepthScale, test.ShouldEqual, 1000.0)
	test.That(t, conf.GraphMatching, test.ShouldBeTrue)

	test.That(t, os.WriteFile(path, []byte("{intrinsics: "), 0o600), test.ShouldBeNil)
	_, err = LoadConfig(path)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = LoadConfig(path + ".missing")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestCommands(t *testing.T) {
	for c := CommandStop; c < numCommands; c++ {
		parsed, err := ParseCommand(c.String())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, parsed, test.ShouldEqual, c)
	}
	parsed, err := ParseCommand(" Save-Mesh ")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, parsed, test.ShouldEqual, CommandSaveMesh)
	_, err = ParseCommand("reboot")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, Command(42).String(), test.ShouldEqual, "unknown")

	var c Control
	test.That(t, c.consume(CommandReset), test.ShouldBeFalse)
	c.Request(CommandReset)
	c.Request(CommandReset)
	test.That(t, c.Pending(CommandReset), test.ShouldBeTrue)
	test.That(t, c.consume(CommandReset), test.ShouldBeTrue)
	test.That(t, c.consume(CommandReset), test.ShouldBeFalse)
	c.Request(Command(-1))
	test.That(t, c.Pending(Command(-1)), test.ShouldBeFalse)
}
