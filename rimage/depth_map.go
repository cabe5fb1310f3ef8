// Package rimage holds the image grids the pipeline works on: raw depth, float maps and vertex maps.
package rimage

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"image"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
)

// Depth is the raw sensor depth of a pixel in sensor units. Zero means no reading.
type Depth uint16

// MaxDepth is the largest representable raw depth.
const MaxDepth = Depth(math.MaxUint16)

// DepthMap is a grid of raw sensor depths.
type DepthMap struct {
	width  int
	height int

	data []Depth
}

// NewEmptyDepthMap returns a zeroed depth map.
func NewEmptyDepthMap(width, height int) *DepthMap {
	return &DepthMap{
		width:  width,
		height: height,
		data:   make([]Depth, width*height),
	}
}

func (dm *DepthMap) kxy(x, y int) int {
	return (y * dm.width) + x
}

// Width returns the width.
func (dm *DepthMap) Width() int {
	return dm.width
}

// Height returns the height.
func (dm *DepthMap) Height() int {
	return dm.height
}

// Bounds returns the rectangle covered by the map.
func (dm *DepthMap) Bounds() image.Rectangle {
	return image.Rect(0, 0, dm.width, dm.height)
}

// Contains reports whether (x, y) lies inside the map.
func (dm *DepthMap) Contains(x, y int) bool {
	return x >= 0 && y >= 0 && x < dm.width && y < dm.height
}

// Get returns the depth at p.
func (dm *DepthMap) Get(p image.Point) Depth {
	return dm.data[dm.kxy(p.X, p.Y)]
}

// GetDepth returns the depth at (x, y).
func (dm *DepthMap) GetDepth(x, y int) Depth {
	return dm.data[dm.kxy(x, y)]
}

// Set sets the depth at (x, y).
func (dm *DepthMap) Set(x, y int, val Depth) {
	dm.data[dm.kxy(x, y)] = val
}

// ConvertImageToDepthMap takes a 16-bit grayscale image, as written by most RGB-D datasets, and
// returns it as a depth map.
func ConvertImageToDepthMap(img image.Image) (*DepthMap, error) {
	switch ii := img.(type) {
	case *DepthMap:
		return ii, nil
	case *image.Gray16:
		b := ii.Bounds()
		dm := NewEmptyDepthMap(b.Dx(), b.Dy())
		for y := 0; y < dm.height; y++ {
			for x := 0; x < dm.width; x++ {
				dm.Set(x, y, Depth(ii.Gray16At(b.Min.X+x, b.Min.Y+y).Y))
			}
		}
		return dm, nil
	default:
		return nil, errors.Errorf("don't know how to make DepthMap from %T", img)
	}
}

// ColorModel lets a DepthMap act as a 16-bit gray image.
func (dm *DepthMap) ColorModel() color.Model {
	return color.Gray16Model
}

// At returns the depth as a 16-bit gray color.
func (dm *DepthMap) At(x, y int) color.Color {
	return color.Gray16{Y: uint16(dm.GetDepth(x, y))}
}

// WriteRawDepthMapToFile writes the depth map as gzipped little-endian data.
func WriteRawDepthMapToFile(dm *DepthMap, fn string) (err error) {
	//nolint:gosec
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	var w io.Writer = f
	if filepath.Ext(fn) == ".gz" {
		gout := gzip.NewWriter(f)
		defer func() {
			err = multierr.Combine(gout.Close(), err)
		}()
		w = gout
	}
	return WriteRawDepthMap(dm, w)
}

// WriteRawDepthMap writes width, height and every depth value in little-endian order.
func WriteRawDepthMap(dm *DepthMap, out io.Writer) error {
	if err := binary.Write(out, binary.LittleEndian, uint64(dm.width)); err != nil {
		return err
	}
	if err := binary.Write(out, binary.LittleEndian, uint64(dm.height)); err != nil {
		return err
	}
	return binary.Write(out, binary.LittleEndian, dm.data)
}

// ParseRawDepthMap reads a depth map written by WriteRawDepthMapToFile.
func ParseRawDepthMap(fn string) (*DepthMap, error) {
	//nolint:gosec
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(f.Close)

	var r io.Reader = f
	if filepath.Ext(fn) == ".gz" {
		gin, err := gzip.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer utils.UncheckedErrorFunc(gin.Close)
		r = gin
	}
	return ReadRawDepthMap(bufio.NewReader(r))
}

// ReadRawDepthMap is the inverse of WriteRawDepthMap.
func ReadRawDepthMap(r io.Reader) (*DepthMap, error) {
	var width, height uint64
	if err := binary.Read(r, binary.LittleEndian, &width); err != nil {
		return nil, errors.Wrap(err, "reading depth map width")
	}
	if err := binary.Read(r, binary.LittleEndian, &height); err != nil {
		return nil, errors.Wrap(err, "reading depth map height")
	}
	if width == 0 || width >= 100000 || height == 0 || height >= 100000 {
		return nil, errors.Errorf("bad width or height for depth map %v %v", width, height)
	}
	dm := NewEmptyDepthMap(int(width), int(height))
	if err := binary.Read(r, binary.LittleEndian, dm.data); err != nil {
		return nil, errors.Wrap(err, "reading depth map data")
	}
	return dm, nil
}
