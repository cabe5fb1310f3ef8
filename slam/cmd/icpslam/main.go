// Package main runs the SLAM pipeline over a rendered synthetic sequence.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/aybabtme/uniplot/histogram"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/icpslam/logging"
	"go.viam.com/icpslam/slam"
	"go.viam.com/icpslam/spatialmath"
	"go.viam.com/icpslam/testutils"
)

const (
	flagConfig      = "config"
	flagDebug       = "debug"
	flagFrames      = "frames"
	flagScene       = "scene"
	flagMap         = "map"
	flagMesh        = "mesh"
	flagTrajectory  = "trajectory"
	flagInteractive = "interactive"
	flagReference   = "reference"

	sceneCorner = "corner"
	sceneWall   = "wall"
)

func main() {
	app := &cli.App{
		Name:  "icpslam",
		Usage: "run dense RGB-D SLAM over a synthetic sequence",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from JSON5 `FILE`",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
			&cli.IntFlag{
				Name:  flagFrames,
				Value: 60,
				Usage: "number of frames to render",
			},
			&cli.StringFlag{
				Name:  flagScene,
				Value: sceneCorner,
				Usage: "scene to render (corner or wall)",
			},
			&cli.StringFlag{
				Name:  flagMap,
				Usage: "write the map to `FILE` when done",
			},
			&cli.StringFlag{
				Name:  flagMesh,
				Usage: "write the mesh to `FILE` (.ply or .pcd) when done",
			},
			&cli.StringFlag{
				Name:  flagTrajectory,
				Usage: "write the tracked trajectory to `FILE` as timestamp tx ty tz qx qy qz qw lines",
			},
			&cli.StringFlag{
				Name:  flagReference,
				Usage: "measure drift against the trajectory recorded in `FILE` instead of the rendered one",
			},
			&cli.BoolFlag{
				Name:  flagInteractive,
				Usage: "read commands (pause, reset, save_map, save_mesh, load_map, stop) from stdin",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) (err error) {
	logger := logging.NewLogger("icpslam")
	if c.Bool(flagDebug) {
		logger = logging.NewDevelopmentLogger("icpslam")
	}
	logging.ReplaceGlobal(logger)

	cfg := slam.DefaultConfig(testutils.SmallIntrinsics())
	if path := c.String(flagConfig); path != "" {
		loaded, err := slam.LoadConfig(path)
		if err != nil {
			return err
		}
		cfg = *loaded
	}
	if path := c.String(flagMap); path != "" {
		cfg.MapPath = path
	}
	if path := c.String(flagMesh); path != "" {
		cfg.MeshPath = path
	}

	var scene *testutils.Scene
	switch c.String(flagScene) {
	case sceneCorner:
		scene = testutils.NewRoomCorner()
	case sceneWall:
		scene = testutils.NewBackWall()
	default:
		return errors.Errorf("unknown scene %q", c.String(flagScene))
	}
	if c.Int(flagFrames) < 1 {
		return errors.New("need at least one frame")
	}
	seq := testutils.NewSequence(scene, cfg.Intrinsics, testutils.SlowTrajectory(c.Int(flagFrames)))
	seq.DepthScale = cfg.Frame.DepthScale

	system, err := slam.New(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, system.Close())
	}()

	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt)
	defer cancel()
	if c.Bool(flagInteractive) {
		goutils.PanicCapturingGo(func() {
			readCommands(os.Stdin, system.Control())
		})
	}
	if err := system.Start(ctx, seq); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-system.Done():
	}

	if _, err := system.OptimizeGlobal(ctx); err != nil {
		logger.Warnw("final bundle adjustment failed", "error", err)
	}
	if err := system.Flush(); err != nil {
		return err
	}
	if path := c.String(flagTrajectory); path != "" {
		if err := writeTrajectory(path, system.Trajectory()); err != nil {
			return err
		}
	}
	var reference map[int64]spatialmath.Pose
	if path := c.String(flagReference); path != "" {
		if reference, err = readReference(path); err != nil {
			return err
		}
	}
	return report(c.App.Writer, system, seq, reference)
}

func readCommands(r io.Reader, control *slam.Control) {
	logger := logging.Global()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if scanner.Text() == "" {
			continue
		}
		cmd, err := slam.ParseCommand(scanner.Text())
		if err != nil {
			logger.Warn(err)
			continue
		}
		control.Request(cmd)
		logger.Infow("command requested", "command", cmd.String())
	}
}

func writeTrajectory(path string, trajectory []slam.TrajectoryEntry) (err error) {
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return slam.WriteTrajectory(f, trajectory)
}

// readReference loads a recorded trajectory keyed by its timestamps at millisecond resolution.
func readReference(path string) (map[int64]spatialmath.Pose, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	entries, err := slam.ReadTrajectory(f)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	out := make(map[int64]spatialmath.Pose, len(entries))
	for _, e := range entries {
		out[e.Timestamp.Round(time.Millisecond).UnixMilli()] = e.Pose
	}
	return out, nil
}

// report prints the system status and the drift of every tracked frame against ground truth, which
// is either the rendered trajectory or a recorded reference.
func report(w io.Writer, system *slam.System, seq *testutils.Sequence, reference map[int64]spatialmath.Pose) error {
	status := system.Status()
	fmt.Fprintf(w, "frames %d, skipped %d, lost %d, state %s\n",
		status.Frames, status.Skipped, status.Lost, status.State)
	fmt.Fprintf(w, "map: %d/%d primitives, %d keyframes, degraded %v; optimizer: %d passes, stalled %v\n",
		status.Map.Primitives, status.Map.Capacity, status.Map.Keyframes, status.Degraded,
		status.OptimizerPasses, status.OptimizerStalled)

	trajectory := system.Trajectory()
	drift := make([]float64, 0, len(trajectory))
	for _, e := range trajectory {
		var truth spatialmath.Pose
		if reference != nil {
			pose, ok := reference[e.Timestamp.Round(time.Millisecond).UnixMilli()]
			if !ok {
				continue
			}
			truth = pose
		} else {
			// frame IDs count from 1 in capture order
			i := int(e.FrameID) - 1
			if i < 0 || i >= seq.Len() {
				continue
			}
			truth = seq.GroundTruth(i)
		}
		drift = append(drift, 100*spatialmath.TranslationDistance(e.Pose, truth))
	}
	if len(drift) == 0 {
		return nil
	}
	mean, err := stats.Mean(drift)
	if err != nil {
		return err
	}
	worst, err := stats.Max(drift)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "drift: mean %.2f cm, max %.2f cm\n", mean, worst)
	return histogram.Fprint(w, histogram.Hist(10, drift), histogram.Linear(40))
}
