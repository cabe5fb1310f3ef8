// Package slam wires the pipeline stages into a running system: frames are built, tracked, fused
// and considered as keyframes in a sensor-paced loop while bundle adjustment runs beside it.
package slam

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/icpslam/densemap"
	"go.viam.com/icpslam/frame"
	"go.viam.com/icpslam/keyframe"
	"go.viam.com/icpslam/logging"
	"go.viam.com/icpslam/optimizer"
	"go.viam.com/icpslam/rimage"
	"go.viam.com/icpslam/spatialmath"
	"go.viam.com/icpslam/tracking"
	"go.viam.com/icpslam/utils"
	"go.viam.com/icpslam/vision/keypoints"
)

// ErrStopped is returned once a stop was requested.
var ErrStopped = errors.New("slam system stopped")

const (
	pausePollInterval  = 20 * time.Millisecond
	sourceRetryBackoff = 100 * time.Millisecond
)

// SensorFrame is one registered color and depth capture.
type SensorFrame = rimage.ImageWithDepth

// A Source produces captures. It returns io.EOF once it has no more.
type Source interface {
	Next(ctx context.Context) (*SensorFrame, error)
}

// CycleResult describes what one cycle did with a capture.
type CycleResult struct {
	FrameID uint64
	// Skipped is set when the capture was dropped without tracking, because the system is paused
	// or the capture was invalid.
	Skipped  bool
	Tracking tracking.Result
	Fused    densemap.FuseResult
	Keyframe bool
	Reason   keyframe.Reason
}

// TrajectoryEntry is the pose of one tracked frame.
type TrajectoryEntry struct {
	FrameID   uint64
	Timestamp time.Time
	Pose      spatialmath.Pose
}

// Quaternion returns the rotation of the entry as a unit quaternion.
func (e TrajectoryEntry) Quaternion() quat.Number {
	return e.Pose.Quaternion()
}

// Status is a snapshot of the system's health.
type Status struct {
	State            tracking.State
	Paused           bool
	LocalizationOnly bool
	Frames           uint64
	Skipped          uint64
	Lost             uint64
	Map              densemap.Stats
	// Degraded is set once the map is full and only merges observations.
	Degraded bool
	// OptimizerStalled is set while bundle adjustment keeps failing.
	OptimizerStalled bool
	OptimizerPasses  uint64
}

type options struct {
	control *Control
	clock   clock.Clock
}

// Option configures a System.
type Option func(*options)

// WithControl shares an existing control surface with the system.
func WithControl(c *Control) Option {
	return func(o *options) {
		o.control = c
	}
}

// WithClock replaces the clock pacing the optimizer.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// System is a running SLAM pipeline.
type System struct {
	cfg     Config
	logger  logging.Logger
	control *Control
	initial spatialmath.Pose

	builder   *frame.Builder
	tracker   *tracking.Tracker
	dense     *densemap.Map
	selector  *keyframe.Selector
	optimizer *optimizer.Optimizer

	// cycleMu serializes cycles with each other and with the commands they act on.
	cycleMu sync.Mutex
	paused  atomic.Bool
	stopped atomic.Bool

	frames  atomic.Uint64
	skipped atomic.Uint64
	lost    atomic.Uint64

	trajectoryMu sync.Mutex
	trajectory   []TrajectoryEntry

	meshes utils.Mailbox[densemap.Mesh]

	startMu                 sync.Mutex
	started                 bool
	cancel                  context.CancelFunc
	done                    chan struct{}
	activeBackgroundWorkers sync.WaitGroup
}

// New builds every stage of the pipeline. Failing to allocate the map is returned as a
// *densemap.AllocationError.
func New(cfg Config, logger logging.Logger, opts ...Option) (*System, error) {
	if err := cfg.Validate("slam"); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.control == nil {
		o.control = &Control{}
	}
	initial, err := cfg.initialPose()
	if err != nil {
		return nil, err
	}

	var extractor keypoints.Extractor
	if cfg.Features != nil {
		if extractor, err = keypoints.NewExtractor(*cfg.Features); err != nil {
			return nil, err
		}
	}
	builder, err := frame.NewBuilder(cfg.Frame, cfg.Intrinsics, extractor, logger.Sublogger("frame"))
	if err != nil {
		return nil, err
	}
	tracker, err := tracking.NewTracker(cfg.Tracking, logger.Sublogger("tracking"))
	if err != nil {
		return nil, err
	}
	tracker.SetPrior(initial)
	dense, err := densemap.New(cfg.Map, logger.Sublogger("map"))
	if err != nil {
		return nil, err
	}
	selector, err := keyframe.NewSelector(cfg.Keyframes, logger.Sublogger("keyframes"))
	if err != nil {
		return nil, err
	}
	var optOpts []optimizer.Option
	if o.clock != nil {
		optOpts = append(optOpts, optimizer.WithClock(o.clock))
	}
	opt, err := optimizer.NewOptimizer(
		cfg.Optimizer,
		builder.Intrinsics(cfg.Keyframes.SampleLevel),
		logger.Sublogger("optimizer"),
		optOpts...,
	)
	if err != nil {
		return nil, err
	}

	if cfg.LocalizationOnly {
		o.control.SetLocalizationOnly(true)
	}
	if cfg.GraphMatching || cfg.Tracking.GraphMatching {
		o.control.SetGraphMatching(true)
	}
	if cfg.Tracking.NeedImages {
		o.control.SetNeedImages(true)
	}
	return &System{
		cfg:       cfg,
		logger:    logger,
		control:   o.control,
		initial:   initial,
		builder:   builder,
		tracker:   tracker,
		dense:     dense,
		selector:  selector,
		optimizer: opt,
		done:      make(chan struct{}),
	}, nil
}

// Control returns the control surface of the system.
func (s *System) Control() *Control {
	return s.control
}

// Start runs the tracking loop over src and the optimizer loop in the background until ctx is
// done, Close is called, a stop is requested or src is exhausted.
func (s *System) Start(ctx context.Context, src Source) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return errors.New("slam system already started")
	}
	if s.stopped.Load() {
		return ErrStopped
	}
	s.started = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	optimizerDone := make(chan struct{})
	s.activeBackgroundWorkers.Add(2)
	goutils.PanicCapturingGo(func() {
		defer s.activeBackgroundWorkers.Done()
		defer close(optimizerDone)
		s.optimizer.Run(ctx, s.dense)
	})
	goutils.PanicCapturingGo(func() {
		defer s.activeBackgroundWorkers.Done()
		defer close(s.done)
		s.trackingLoop(ctx, src)
		// a stop or an exhausted source ends the optimizer loop too
		cancel()
		<-optimizerDone
	})
	return nil
}

// Done is closed once the loops started by Start have both ended. On-demand passes such as
// OptimizeGlobal still work afterwards.
func (s *System) Done() <-chan struct{} {
	return s.done
}

func (s *System) trackingLoop(ctx context.Context, src Source) {
	for {
		paused, err := s.poll()
		if err != nil {
			return
		}
		if paused {
			if !goutils.SelectContextOrWait(ctx, pausePollInterval) {
				return
			}
			continue
		}
		sf, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				s.logger.Info("source exhausted")
				return
			}
			s.logger.Warnw("cannot read capture", "error", err)
			if !goutils.SelectContextOrWait(ctx, sourceRetryBackoff) {
				return
			}
			continue
		}
		if _, err := s.ProcessFrame(ctx, sf); errors.Is(err, ErrStopped) {
			return
		}
	}
}

// Close stops the background loops and waits for them.
func (s *System) Close() error {
	s.stopped.Store(true)
	s.startMu.Lock()
	cancel := s.cancel
	s.startMu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.activeBackgroundWorkers.Wait()
	return nil
}

// poll acts on pending commands between cycles and reports whether the system is paused.
func (s *System) poll() (bool, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	if err := s.applyControls(); err != nil {
		return false, err
	}
	return s.paused.Load(), nil
}

// ProcessFrame runs one cycle on a capture: build, track, fuse, consider as a keyframe and publish
// the mesh if wanted. Commands requested since the last cycle are acted on first.
//
// An invalid capture returns an error wrapping frame.ErrInvalidInput and touches nothing. A capture
// that cannot be tracked returns an error wrapping tracking.ErrTrackingLost and is not fused. A full
// map is not an error: the cycle completes and Status reports the map as degraded.
func (s *System) ProcessFrame(ctx context.Context, sf *SensorFrame) (CycleResult, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	if err := s.applyControls(); err != nil {
		return CycleResult{Skipped: true}, err
	}
	if s.paused.Load() {
		return CycleResult{Skipped: true}, nil
	}
	if err := ctx.Err(); err != nil {
		return CycleResult{Skipped: true}, err
	}
	if sf == nil {
		s.skipped.Inc()
		return CycleResult{Skipped: true}, errors.Wrap(frame.ErrInvalidInput, "no capture")
	}
	s.frames.Inc()

	f, err := s.builder.Build(sf.Color, sf.Depth, sf.Timestamp)
	if err != nil {
		s.skipped.Inc()
		s.logger.Debugw("skipping capture", "error", err)
		return CycleResult{Skipped: true}, err
	}
	defer f.Release()
	res := CycleResult{FrameID: f.ID}

	res.Tracking, err = s.tracker.Track(f, s.dense)
	if err != nil {
		s.lost.Inc()
		return res, err
	}
	s.appendTrajectory(TrajectoryEntry{FrameID: f.ID, Timestamp: f.Timestamp, Pose: f.Pose()})

	if !s.control.LocalizationOnly() {
		res.Fused, err = s.dense.Fuse(f)
		if err != nil && !errors.Is(err, densemap.ErrCapacityExceeded) {
			return res, err
		}
		res.Keyframe, err = s.selector.Consider(f, s.dense)
		if err != nil {
			return res, err
		}
		res.Reason = s.selector.LastReason()
	}

	if s.control.NeedMesh() && s.dense.Dirty() {
		s.meshes.Publish(s.dense.ExtractMesh())
	}
	return res, nil
}

// applyControls consumes pending commands in a fixed order. Commands other than stop never fail
// the cycle; their errors are logged. cycleMu must be held.
func (s *System) applyControls() error {
	c := s.control
	if c.consume(CommandStop) {
		s.logger.Info("stop requested")
		s.stopped.Store(true)
	}
	if s.stopped.Load() {
		return ErrStopped
	}
	if c.consume(CommandReset) {
		if err := s.reset(); err != nil {
			s.logger.Warnw("cannot reset", "error", err)
		}
	}
	if c.consume(CommandLoadMap) {
		if err := s.loadMap(); err != nil {
			s.logger.Warnw("cannot load map", "path", s.cfg.MapPath, "error", err)
		}
	}
	if c.consume(CommandPause) {
		paused := !s.paused.Load()
		s.paused.Store(paused)
		if paused {
			s.optimizer.Pause()
		} else {
			s.optimizer.Resume()
		}
		s.logger.Infow("pause toggled", "paused", paused)
	}
	if c.consume(CommandSaveMap) {
		if err := s.saveMap(); err != nil {
			s.logger.Warnw("cannot save map", "path", s.cfg.MapPath, "error", err)
		}
	}
	if c.consume(CommandSaveMesh) {
		if err := s.saveMesh(); err != nil {
			s.logger.Warnw("cannot save mesh", "path", s.cfg.MeshPath, "error", err)
		}
	}
	s.tracker.SetGraphMatching(c.GraphMatching())
	s.tracker.SetNeedImages(c.NeedImages())
	return nil
}

// quiesce pauses the optimizer and returns the function that undoes it.
func (s *System) quiesce() func() {
	s.optimizer.Pause()
	return func() {
		if !s.paused.Load() {
			s.optimizer.Resume()
		}
	}
}

func (s *System) reset() error {
	defer s.quiesce()()
	if err := s.dense.Reset(); err != nil {
		return err
	}
	s.tracker.SetPrior(s.initial)
	s.tracker.Reset()
	s.selector.Reset()
	s.meshes.Reset()
	s.trajectoryMu.Lock()
	s.trajectory = nil
	s.trajectoryMu.Unlock()
	s.logger.Info("system reset")
	return nil
}

// loadMap replaces the map and restarts tracking from the newest loaded keyframe.
func (s *System) loadMap() error {
	if s.cfg.MapPath == "" {
		return errors.New("no map path configured")
	}
	defer s.quiesce()()
	if err := s.dense.Load(s.cfg.MapPath); err != nil {
		return err
	}
	prior := s.initial
	if kf, ok := s.dense.LastKeyframe(); ok {
		prior = kf.Pose
	}
	s.tracker.SetPrior(prior)
	s.tracker.Reset()
	s.selector.Reset()
	s.meshes.Reset()
	return nil
}

func (s *System) saveMap() error {
	if s.cfg.MapPath == "" {
		return errors.New("no map path configured")
	}
	return s.dense.Save(s.cfg.MapPath)
}

func (s *System) saveMesh() error {
	if s.cfg.MeshPath == "" {
		return errors.New("no mesh path configured")
	}
	return s.dense.SaveMesh(s.cfg.MeshPath)
}

// OptimizeGlobal runs a global bundle adjustment pass now and waits for it.
func (s *System) OptimizeGlobal(ctx context.Context) (optimizer.Report, error) {
	return s.optimizer.GlobalBA(ctx, s.dense)
}

// Flush saves the map and the mesh to their configured paths, skipping those not configured.
func (s *System) Flush() error {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	var err error
	if s.cfg.MapPath != "" {
		err = multierr.Combine(err, s.saveMap())
	}
	if s.cfg.MeshPath != "" {
		err = multierr.Combine(err, s.saveMesh())
	}
	return err
}

func (s *System) appendTrajectory(e TrajectoryEntry) {
	s.trajectoryMu.Lock()
	defer s.trajectoryMu.Unlock()
	s.trajectory = append(s.trajectory, e)
}

// Pose returns the pose of the last tracked frame.
func (s *System) Pose() spatialmath.Pose {
	return s.tracker.Pose()
}

// State returns the tracking state.
func (s *System) State() tracking.State {
	return s.tracker.State()
}

// Mesh returns the current mesh, extracting it first if the map changed.
func (s *System) Mesh() densemap.Mesh {
	return s.dense.ExtractMesh()
}

// MeshDirty reports whether the map changed since the mesh was last extracted.
func (s *System) MeshDirty() bool {
	return s.dense.Dirty()
}

// TryTakeMesh returns a mesh published after generation lastSeen without waiting. Meshes are only
// published while NeedMesh is set.
func (s *System) TryTakeMesh(lastSeen uint64) (densemap.Mesh, uint64, bool) {
	return s.meshes.TryTake(lastSeen)
}

// TryTakeRendering returns a rendering of the tracker's prediction published after generation
// lastSeen without waiting. Renderings are only published while NeedImages is set.
func (s *System) TryTakeRendering(lastSeen uint64) (tracking.Rendering, uint64, bool) {
	return s.tracker.TryTakeRendering(lastSeen)
}

// RenderingUpdated reports whether a rendering is waiting to be taken.
func (s *System) RenderingUpdated() bool {
	return s.tracker.RenderingUpdated()
}

// KeyframePoses returns the current pose of every keyframe, oldest first.
func (s *System) KeyframePoses() []spatialmath.Pose {
	return s.dense.KeyframePoses()
}

// Trajectory returns the pose of every frame tracked since start or the last reset.
func (s *System) Trajectory() []TrajectoryEntry {
	s.trajectoryMu.Lock()
	defer s.trajectoryMu.Unlock()
	out := make([]TrajectoryEntry, len(s.trajectory))
	copy(out, s.trajectory)
	return out
}

// Status returns a snapshot of the system's health.
func (s *System) Status() Status {
	stats := s.dense.Stats()
	return Status{
		State:            s.tracker.State(),
		Paused:           s.paused.Load(),
		LocalizationOnly: s.control.LocalizationOnly(),
		Frames:           s.frames.Load(),
		Skipped:          s.skipped.Load(),
		Lost:             s.lost.Load(),
		Map:              stats,
		Degraded:         stats.Degraded(),
		OptimizerStalled: s.optimizer.Stalled(),
		OptimizerPasses:  s.optimizer.Passes(),
	}
}
