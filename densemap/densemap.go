// Package densemap implements the fused surface model: a bounded arena of oriented, colored
// surface primitives plus the keyframes admitted so far.
package densemap

import (
	"image/color"
	"sync"

	"github.com/golang/geo/r3"
	"go.uber.org/atomic"

	"go.viam.com/icpslam/logging"
	"go.viam.com/icpslam/pointcloud"
	"go.viam.com/icpslam/utils"
)

// Primitive is one fused surface element, in world coordinates.
type Primitive struct {
	Position r3.Vector
	// Normal is a unit vector.
	Normal     r3.Vector
	Color      [3]uint8
	Confidence float64
	Radius     float64
	// LastSeen is the ID of the last frame fused into the primitive.
	LastSeen uint64
}

func (p *Primitive) finite() bool {
	for _, v := range []float64{
		p.Position.X, p.Position.Y, p.Position.Z,
		p.Normal.X, p.Normal.Y, p.Normal.Z,
		p.Confidence, p.Radius,
	} {
		if !utils.IsFinite(v) {
			return false
		}
	}
	return true
}

// Stats is a snapshot of the map's size and health.
type Stats struct {
	Primitives int
	Capacity   int
	Keyframes  int
	// Rejected counts observations dropped because the arena was full.
	Rejected uint64
	Epoch    uint64
}

// Degraded reports whether the map is full and no longer grows.
func (s Stats) Degraded() bool {
	return s.Primitives >= s.Capacity
}

// Map is the dense surface model. Fusion and keyframe insertion come from the tracking loop and pose
// write-back from the optimizer; every mutation takes the single write lock briefly.
type Map struct {
	cfg    Config
	logger logging.Logger

	mu        sync.RWMutex
	prims     []Primitive
	keyframes []Keyframe

	epoch    atomic.Uint64
	inFlight atomic.Int32
	dirty    atomic.Bool
	rejected atomic.Uint64

	meshMu sync.Mutex
	mesh   Mesh
}

// New preallocates a map. Failing to allocate the arena returns an *AllocationError.
func New(cfg Config, logger logging.Logger) (*Map, error) {
	if err := cfg.Validate("densemap"); err != nil {
		return nil, err
	}
	prims, err := allocate[Primitive]("primitive arena", cfg.Capacity)
	if err != nil {
		return nil, err
	}
	m := &Map{
		cfg:    cfg,
		logger: logger,
		prims:  prims,
	}
	m.epoch.Store(1)
	return m, nil
}

// Config returns the map's configuration.
func (m *Map) Config() Config {
	return m.cfg
}

// Size returns the number of primitives.
func (m *Map) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.prims)
}

// Capacity returns the largest number of primitives the map can hold.
func (m *Map) Capacity() int {
	return m.cfg.Capacity
}

// Epoch changes every time the map is reset or loaded.
func (m *Map) Epoch() uint64 {
	return m.epoch.Load()
}

// Dirty reports whether primitives changed since the mesh was last extracted.
func (m *Map) Dirty() bool {
	return m.dirty.Load()
}

// Stats returns a snapshot of the map's size and health.
func (m *Map) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		Primitives: len(m.prims),
		Capacity:   m.cfg.Capacity,
		Keyframes:  len(m.keyframes),
		Rejected:   m.rejected.Load(),
		Epoch:      m.epoch.Load(),
	}
}

// Primitives returns a copy of every primitive.
func (m *Map) Primitives() []Primitive {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Primitive, len(m.prims))
	copy(out, m.prims)
	return out
}

// PointCloud returns the primitives as a colored point cloud with normals.
func (m *Map) PointCloud() pointcloud.PointCloud {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pc := pointcloud.NewWithPrealloc(len(m.prims), true, true)
	for _, p := range m.prims {
		pc.Append(pointcloud.Point{
			Position: p.Position,
			Normal:   p.Normal,
			Color:    color.NRGBA{R: p.Color[0], G: p.Color[1], B: p.Color[2], A: 255},
		})
	}
	return pc
}

// beginWork marks a mutation as in flight so Reset and Load refuse to run under it.
func (m *Map) beginWork() func() {
	m.inFlight.Inc()
	return func() {
		m.inFlight.Dec()
	}
}

// Reset clears every primitive and keyframe. It fails with ErrBusy while a fusion or a pose
// write-back is in flight.
func (m *Map) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight.Load() > 0 {
		return ErrBusy
	}
	m.prims = m.prims[:0]
	m.keyframes = nil
	m.rejected.Store(0)
	m.epoch.Inc()
	m.dirty.Store(true)
	m.logger.Infow("map reset", "epoch", m.epoch.Load())
	return nil
}
