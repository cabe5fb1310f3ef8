package densemap

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"image"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"go.viam.com/icpslam/pointcloud"
	"go.viam.com/icpslam/spatialmath"
	"go.viam.com/icpslam/vision/keypoints"
)

const (
	mapMagic   = "ICPM"
	mapVersion = uint32(1)
	// maxCount bounds every counted array read from a file.
	maxCount = 1 << 28
)

// Save writes the primitives and keyframes to a gzip compressed little-endian file:
//
//	magic "ICPM", version uint32
//	primitive count uint64
//	positions, normals: count uint64 + 3 float32 per primitive
//	colors: count uint64 + 3 uint8 per primitive
//	confidences, radii: count uint64 + 1 float32 per primitive
//	keyframe count uint64, then per keyframe:
//	  frame id uint64, timestamp int64 (unix ns), pose 12 float64, tracked pose 12 float64,
//	  blob length uint64 + blob (descriptors, keypoint positions, samples, covisibility, thumbnail)
func (m *Map) Save(path string) (err error) {
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	gout := gzip.NewWriter(f)
	defer func() {
		err = multierr.Combine(err, gout.Close())
	}()
	w := bufio.NewWriter(gout)
	if err := m.write(w); err != nil {
		return errors.Wrapf(err, "saving map to %q", path)
	}
	return w.Flush()
}

func (m *Map) write(w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.prims)
	positions := make([]float32, 0, 3*n)
	normals := make([]float32, 0, 3*n)
	colors := make([]uint8, 0, 3*n)
	confidences := make([]float32, 0, n)
	radii := make([]float32, 0, n)
	for _, p := range m.prims {
		positions = append(positions, float32(p.Position.X), float32(p.Position.Y), float32(p.Position.Z))
		normals = append(normals, float32(p.Normal.X), float32(p.Normal.Y), float32(p.Normal.Z))
		colors = append(colors, p.Color[0], p.Color[1], p.Color[2])
		confidences = append(confidences, float32(p.Confidence))
		radii = append(radii, float32(p.Radius))
	}

	bw := &binWriter{w: w}
	bw.write([]byte(mapMagic))
	bw.write(mapVersion)
	bw.write(uint64(n))
	bw.writeCounted(uint64(n), positions)
	bw.writeCounted(uint64(n), normals)
	bw.writeCounted(uint64(n), colors)
	bw.writeCounted(uint64(n), confidences)
	bw.writeCounted(uint64(n), radii)

	bw.write(uint64(len(m.keyframes)))
	for i := range m.keyframes {
		kf := &m.keyframes[i]
		bw.write(kf.FrameID)
		bw.write(kf.Timestamp.UnixNano())
		bw.write(kf.Pose.Flat())
		bw.write(kf.TrackedPose.Flat())
		blob, err := encodeKeyframeBlob(kf)
		if err != nil {
			return err
		}
		bw.write(uint64(len(blob)))
		bw.write(blob)
	}
	return bw.err
}

// Load replaces the map with the contents of a file written by Save. The file is fully read and
// checked before anything is replaced; structural problems return an error wrapping ErrCorruptMap
// and leave the map untouched.
func (m *Map) Load(path string) error {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer utils.UncheckedErrorFunc(f.Close)
	gin, err := gzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(ErrCorruptMap, "%q is not gzip compressed: %v", path, err)
	}
	defer utils.UncheckedErrorFunc(gin.Close)

	prims, keyframes, err := m.read(bufio.NewReader(gin))
	if err != nil {
		return errors.Wrapf(err, "loading map from %q", path)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight.Load() > 0 {
		return ErrBusy
	}
	m.prims = append(m.prims[:0], prims...)
	m.keyframes = keyframes
	m.rejected.Store(0)
	m.epoch.Inc()
	m.dirty.Store(true)
	m.logger.Infow("map loaded", "path", path, "primitives", len(prims), "keyframes", len(keyframes))
	return nil
}

func corrupt(format string, args ...interface{}) error {
	return errors.Wrapf(ErrCorruptMap, format, args...)
}

func (m *Map) read(r io.Reader) ([]Primitive, []Keyframe, error) {
	br := &binReader{r: r}
	magic := make([]byte, 4)
	br.read(magic)
	var version uint32
	br.read(&version)
	if br.err != nil {
		return nil, nil, corrupt("reading header: %v", br.err)
	}
	if string(magic) != mapMagic {
		return nil, nil, corrupt("bad magic %q", magic)
	}
	if version != mapVersion {
		return nil, nil, corrupt("unsupported version %d", version)
	}

	var n uint64
	br.read(&n)
	if br.err != nil {
		return nil, nil, corrupt("reading primitive count: %v", br.err)
	}
	if n > uint64(m.cfg.Capacity) {
		return nil, nil, corrupt("%d primitives do not fit a map of capacity %d", n, m.cfg.Capacity)
	}
	positions := make([]float32, 3*n)
	normals := make([]float32, 3*n)
	colors := make([]uint8, 3*n)
	confidences := make([]float32, n)
	radii := make([]float32, n)
	for _, arr := range []struct {
		name string
		data interface{}
	}{
		{"positions", positions},
		{"normals", normals},
		{"colors", colors},
		{"confidences", confidences},
		{"radii", radii},
	} {
		if err := br.readCounted(n, arr.data); err != nil {
			return nil, nil, corrupt("%s: %v", arr.name, err)
		}
	}
	prims := make([]Primitive, n)
	for i := range prims {
		prims[i] = Primitive{
			Position:   vec32(positions[3*i:]),
			Normal:     vec32(normals[3*i:]),
			Color:      [3]uint8{colors[3*i], colors[3*i+1], colors[3*i+2]},
			Confidence: float64(confidences[i]),
			Radius:     float64(radii[i]),
		}
		if !prims[i].finite() {
			return nil, nil, corrupt("primitive %d is not finite", i)
		}
	}

	var k uint64
	br.read(&k)
	if br.err != nil {
		return nil, nil, corrupt("reading keyframe count: %v", br.err)
	}
	if k > maxCount {
		return nil, nil, corrupt("keyframe count %d is too large", k)
	}
	keyframes := make([]Keyframe, 0, k)
	for i := 0; i < int(k); i++ {
		kf, err := readKeyframe(br, i)
		if err != nil {
			return nil, nil, err
		}
		keyframes = append(keyframes, kf)
	}
	if _, err := r.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		return nil, nil, corrupt("trailing data after %d keyframes", k)
	}
	return prims, keyframes, nil
}

func readKeyframe(br *binReader, id int) (Keyframe, error) {
	var (
		frameID       uint64
		stamp         int64
		pose, tracked [12]float64
		blobLen       uint64
	)
	br.read(&frameID)
	br.read(&stamp)
	br.read(&pose)
	br.read(&tracked)
	br.read(&blobLen)
	if br.err != nil {
		return Keyframe{}, corrupt("keyframe %d: %v", id, br.err)
	}
	if blobLen > maxCount {
		return Keyframe{}, corrupt("keyframe %d blob of %d bytes is too large", id, blobLen)
	}
	kf := Keyframe{ID: id, FrameID: frameID, Timestamp: time.Unix(0, stamp)}
	var err error
	if kf.Pose, err = spatialmath.PoseFromFlat(pose); err != nil {
		return Keyframe{}, corrupt("keyframe %d pose: %v", id, err)
	}
	if kf.TrackedPose, err = spatialmath.PoseFromFlat(tracked); err != nil {
		return Keyframe{}, corrupt("keyframe %d tracked pose: %v", id, err)
	}
	blob := make([]byte, blobLen)
	br.read(blob)
	if br.err != nil {
		return Keyframe{}, corrupt("keyframe %d blob: %v", id, br.err)
	}
	if err := decodeKeyframeBlob(blob, &kf); err != nil {
		return Keyframe{}, corrupt("keyframe %d blob: %v", id, err)
	}
	for _, c := range kf.Covisible {
		if c < 0 || c >= id {
			return Keyframe{}, corrupt("keyframe %d lists unknown covisible keyframe %d", id, c)
		}
	}
	return kf, nil
}

func encodeKeyframeBlob(kf *Keyframe) ([]byte, error) {
	var buf bytes.Buffer
	bw := &binWriter{w: &buf}
	words := 0
	if len(kf.Descriptors) > 0 {
		words = len(kf.Descriptors[0])
	}
	bw.write(uint64(len(kf.Descriptors)))
	bw.write(uint64(words))
	for _, d := range kf.Descriptors {
		if len(d) != words {
			return nil, errors.Errorf("keyframe %d has descriptors of mixed length", kf.ID)
		}
		bw.write([]uint64(d))
	}
	bw.write(uint64(len(kf.KeyPointPositions)))
	for _, p := range kf.KeyPointPositions {
		bw.write([3]float64{p.X, p.Y, p.Z})
	}
	bw.write(uint64(len(kf.Samples)))
	for _, s := range kf.Samples {
		bw.write([6]float64{s.Position.X, s.Position.Y, s.Position.Z, s.Normal.X, s.Normal.Y, s.Normal.Z})
	}
	bw.write(uint64(len(kf.Covisible)))
	for _, c := range kf.Covisible {
		bw.write(int32(c))
	}
	if kf.Thumbnail == nil {
		bw.write([2]uint32{0, 0})
	} else {
		b := kf.Thumbnail.Bounds()
		bw.write([2]uint32{uint32(b.Dx()), uint32(b.Dy())})
		for y := b.Min.Y; y < b.Max.Y; y++ {
			off := kf.Thumbnail.PixOffset(b.Min.X, y)
			bw.write(kf.Thumbnail.Pix[off : off+b.Dx()])
		}
	}
	return buf.Bytes(), bw.err
}

func decodeKeyframeBlob(blob []byte, kf *Keyframe) error {
	r := bytes.NewReader(blob)
	br := &binReader{r: r}
	var count, words uint64
	br.read(&count)
	br.read(&words)
	if br.err != nil {
		return br.err
	}
	if count > maxCount || words > maxCount || count*words*8 > uint64(len(blob)) {
		return errors.Errorf("%d descriptors of %d words do not fit the blob", count, words)
	}
	if count > 0 {
		kf.Descriptors = make([]keypoints.Descriptor, count)
		for i := range kf.Descriptors {
			kf.Descriptors[i] = make(keypoints.Descriptor, words)
			br.read([]uint64(kf.Descriptors[i]))
		}
	}

	if count = br.count(24, len(blob)); br.err == nil && count > 0 {
		kf.KeyPointPositions = make([]r3.Vector, count)
		for i := range kf.KeyPointPositions {
			var v [3]float64
			br.read(&v)
			kf.KeyPointPositions[i] = r3.Vector{X: v[0], Y: v[1], Z: v[2]}
		}
	}
	if count = br.count(48, len(blob)); br.err == nil && count > 0 {
		kf.Samples = make([]Sample, count)
		for i := range kf.Samples {
			var v [6]float64
			br.read(&v)
			kf.Samples[i] = Sample{
				Position: r3.Vector{X: v[0], Y: v[1], Z: v[2]},
				Normal:   r3.Vector{X: v[3], Y: v[4], Z: v[5]},
			}
		}
	}
	if count = br.count(4, len(blob)); br.err == nil && count > 0 {
		kf.Covisible = make([]int, count)
		for i := range kf.Covisible {
			var c int32
			br.read(&c)
			kf.Covisible[i] = int(c)
		}
	}
	var size [2]uint32
	br.read(&size)
	if br.err != nil {
		return br.err
	}
	if size[0] > 0 && size[1] > 0 {
		if uint64(size[0])*uint64(size[1]) > uint64(r.Len()) {
			return errors.Errorf("thumbnail %dx%d does not fit the blob", size[0], size[1])
		}
		kf.Thumbnail = image.NewGray(image.Rect(0, 0, int(size[0]), int(size[1])))
		br.read(kf.Thumbnail.Pix)
	}
	if br.err != nil {
		return br.err
	}
	if r.Len() != 0 {
		return errors.Errorf("%d unread bytes", r.Len())
	}
	return nil
}

func vec32(v []float32) r3.Vector {
	return r3.Vector{X: float64(v[0]), Y: float64(v[1]), Z: float64(v[2])}
}

// binWriter writes little-endian values and keeps the first error.
type binWriter struct {
	w   io.Writer
	err error
}

func (bw *binWriter) write(v interface{}) {
	if bw.err != nil {
		return
	}
	bw.err = binary.Write(bw.w, binary.LittleEndian, v)
}

func (bw *binWriter) writeCounted(n uint64, data interface{}) {
	bw.write(n)
	bw.write(data)
}

// binReader reads little-endian values and keeps the first error.
type binReader struct {
	r   io.Reader
	err error
}

func (br *binReader) read(v interface{}) {
	if br.err != nil {
		return
	}
	br.err = binary.Read(br.r, binary.LittleEndian, v)
}

// readCounted reads a count that must equal n, then fills data.
func (br *binReader) readCounted(n uint64, data interface{}) error {
	var count uint64
	br.read(&count)
	if br.err != nil {
		return br.err
	}
	if count != n {
		return errors.Errorf("array has %d elements, expected %d", count, n)
	}
	br.read(data)
	return br.err
}

// count reads an element count and checks that count elements of elemSize bytes could fit in a
// blob of blobLen bytes.
func (br *binReader) count(elemSize, blobLen int) uint64 {
	var n uint64
	br.read(&n)
	if br.err == nil && (n > maxCount || n*uint64(elemSize) > uint64(blobLen)) {
		br.err = errors.Errorf("%d elements of %d bytes do not fit the blob", n, elemSize)
	}
	return n
}

// SaveMesh exports the model: .pcd and .las files get the primitives as a point cloud with
// normals and colors, anything else gets the extracted mesh as an ascii PLY.
func (m *Map) SaveMesh(path string) error {
	switch filepath.Ext(path) {
	case ".pcd", ".las":
		return pointcloud.WriteToFile(m.PointCloud(), path)
	default:
		mesh := m.ExtractMesh()
		return pointcloud.WritePLYFile(&mesh.TriangleMesh, path)
	}
}
