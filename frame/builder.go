package frame

import (
	"image"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/icpslam/logging"
	"go.viam.com/icpslam/rimage"
	"go.viam.com/icpslam/rimage/transform"
	"go.viam.com/icpslam/spatialmath"
	"go.viam.com/icpslam/vision/keypoints"
)

// ErrInvalidInput is returned for a sensor frame that cannot be used: missing images, a resolution
// different from the camera's, or no depth reading inside the valid range.
var ErrInvalidInput = errors.New("invalid sensor frame")

type levelBuffers struct {
	levels []Level
}

// Builder turns sensor captures into frames, reusing level buffers of released frames.
type Builder struct {
	cfg        Config
	intrinsics []transform.PinholeCameraIntrinsics
	extractor  keypoints.Extractor
	logger     logging.Logger

	pool   sync.Pool
	nextID atomic.Uint64
}

// NewBuilder returns a builder for captures from a camera with the given level-0 intrinsics.
// A nil extractor builds frames without sparse features.
func NewBuilder(
	cfg Config,
	intrinsics transform.PinholeCameraIntrinsics,
	extractor keypoints.Extractor,
	logger logging.Logger,
) (*Builder, error) {
	if err := cfg.Validate("frame"); err != nil {
		return nil, err
	}
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	minSide := intrinsics.Width
	if intrinsics.Height < minSide {
		minSide = intrinsics.Height
	}
	if minSide>>(cfg.NumLevels-1) < 8 {
		return nil, errors.Errorf("%d pyramid levels is too many for a %dx%d camera",
			cfg.NumLevels, intrinsics.Width, intrinsics.Height)
	}
	b := &Builder{
		cfg:        cfg,
		intrinsics: intrinsics.Pyramid(cfg.NumLevels),
		extractor:  extractor,
		logger:     logger,
	}
	b.pool.New = func() interface{} {
		return b.allocate()
	}
	return b, nil
}

// Config returns the builder's configuration.
func (b *Builder) Config() Config {
	return b.cfg
}

// Intrinsics returns the intrinsics of the given pyramid level.
func (b *Builder) Intrinsics(level int) transform.PinholeCameraIntrinsics {
	return b.intrinsics[level]
}

// NumLevels returns the number of pyramid levels built.
func (b *Builder) NumLevels() int {
	return len(b.intrinsics)
}

func (b *Builder) allocate() *levelBuffers {
	levels := make([]Level, len(b.intrinsics))
	for i, intr := range b.intrinsics {
		w, h := intr.Width, intr.Height
		levels[i] = Level{
			Intrinsics: intr,
			Depth:      rimage.NewFloatMap(w, h),
			Gray:       rimage.NewFloatMap(w, h),
			GradX:      rimage.NewFloatMap(w, h),
			GradY:      rimage.NewFloatMap(w, h),
			Vertices:   rimage.NewVertexMap(w, h),
			Normals:    rimage.NewVertexMap(w, h),
		}
	}
	return &levelBuffers{levels: levels}
}

// Build validates one capture and derives every pyramid level from it. Invalid captures return an
// error wrapping ErrInvalidInput and leave nothing allocated.
func (b *Builder) Build(color image.Image, depth *rimage.DepthMap, ts time.Time) (*Frame, error) {
	if err := b.validate(color, depth); err != nil {
		return nil, err
	}
	buffers, ok := b.pool.Get().(*levelBuffers)
	if !ok {
		buffers = b.allocate()
	}
	levels := buffers.levels

	if valid := b.decodeDepth(depth, levels[0].Depth); valid == 0 {
		b.pool.Put(buffers)
		return nil, errors.Wrapf(ErrInvalidInput, "no depth reading within [%v, %v] m", b.cfg.MinDepth, b.cfg.MaxDepth)
	}
	rgba := rimage.ToRGBA(color)
	rimage.GrayFromImageInto(rgba, levels[0].Gray)
	for i := 1; i < len(levels); i++ {
		rimage.HalfSampleDepthInto(levels[i-1].Depth, levels[i].Depth, b.cfg.DepthSigma)
		rimage.HalfSampleGrayInto(levels[i-1].Gray, levels[i].Gray)
	}
	for i := range levels {
		lvl := &levels[i]
		lvl.Intrinsics.BackProjectInto(lvl.Depth, lvl.Vertices)
		rimage.ComputeNormals(lvl.Vertices, lvl.Normals, b.cfg.MaxNormalEdge*float64(int(1)<<i))
		rimage.SobelGradientsInto(lvl.Gray, lvl.GradX, lvl.GradY)
	}

	f := &Frame{
		ID:        b.nextID.Inc(),
		Timestamp: ts,
		Color:     rgba,
		Levels:    levels,
		pose:      spatialmath.NewZeroPose(),
		inverse:   spatialmath.NewZeroPose(),
		buffers:   buffers,
		builder:   b,
	}
	f.Thumbnail = b.thumbnail(levels[0].Gray)
	if err := b.extractFeatures(f); err != nil {
		f.Release()
		return nil, err
	}
	return f, nil
}

func (b *Builder) validate(color image.Image, depth *rimage.DepthMap) error {
	if color == nil || depth == nil {
		return errors.Wrap(ErrInvalidInput, "missing color or depth image")
	}
	w, h := b.intrinsics[0].Width, b.intrinsics[0].Height
	if size := color.Bounds().Size(); size.X != w || size.Y != h {
		return errors.Wrapf(ErrInvalidInput, "color image is %dx%d, camera is %dx%d", size.X, size.Y, w, h)
	}
	if depth.Width() != w || depth.Height() != h {
		return errors.Wrapf(ErrInvalidInput, "depth image is %dx%d, camera is %dx%d", depth.Width(), depth.Height(), w, h)
	}
	return nil
}

// decodeDepth converts raw units to meters, invalidating readings outside the configured range.
// It returns the number of valid pixels.
func (b *Builder) decodeDepth(depth *rimage.DepthMap, out *rimage.FloatMap) int {
	valid := 0
	for y := 0; y < depth.Height(); y++ {
		for x := 0; x < depth.Width(); x++ {
			raw := depth.GetDepth(x, y)
			z := float64(raw) / b.cfg.DepthScale
			if raw == 0 || z < b.cfg.MinDepth || z > b.cfg.MaxDepth {
				out.Invalidate(x, y)
				continue
			}
			out.Set(x, y, float32(z))
			valid++
		}
	}
	return valid
}

func (b *Builder) thumbnail(gray *rimage.FloatMap) *image.Gray {
	small := resize.Resize(uint(b.cfg.ThumbnailWidth), 0, rimage.GrayImage(gray), resize.Bilinear)
	if g, ok := small.(*image.Gray); ok {
		return g
	}
	bounds := small.Bounds()
	g := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			g.Set(x, y, small.At(bounds.Min.X+x, bounds.Min.Y+y))
		}
	}
	return g
}

// extractFeatures runs the extractor on level 0 and keeps only keypoints with a valid depth.
func (b *Builder) extractFeatures(f *Frame) error {
	if b.extractor == nil {
		return nil
	}
	lvl := f.Finest()
	kps, descs, err := b.extractor.Extract(lvl.Gray)
	if err != nil {
		return errors.Wrap(err, "extracting keypoints")
	}
	f.KeyPoints = make(keypoints.KeyPoints, 0, len(kps))
	f.Descriptors = make([]keypoints.Descriptor, 0, len(kps))
	f.KeyPointPositions = make([]r3.Vector, 0, len(kps))
	for i, kp := range kps {
		if !lvl.Vertices.Valid(kp.X, kp.Y) {
			continue
		}
		f.KeyPoints = append(f.KeyPoints, kp)
		f.Descriptors = append(f.Descriptors, descs[i])
		f.KeyPointPositions = append(f.KeyPointPositions, lvl.Vertices.At(kp.X, kp.Y))
	}
	b.logger.Debugw("extracted keypoints", "frame", f.ID, "detected", len(kps), "with_depth", len(f.KeyPoints))
	return nil
}
