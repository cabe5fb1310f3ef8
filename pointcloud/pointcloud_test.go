package pointcloud

import (
	"bytes"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/icpslam/logging"
)

func makeCloud(hasColor, hasNormal bool) PointCloud {
	pc := New(hasColor, hasNormal)
	pc.Append(Point{Position: r3.Vector{X: 1, Y: 2, Z: 3}, Normal: r3.Vector{Z: -1}, Color: color.NRGBA{R: 255, A: 255}})
	pc.Append(Point{Position: r3.Vector{X: -0.5, Y: 0.25, Z: 2.125}, Normal: r3.Vector{X: 1}, Color: color.NRGBA{G: 10, B: 200, A: 255}})
	pc.Append(Point{Position: r3.Vector{X: 0.001, Y: -3, Z: 0.5}, Normal: r3.Vector{Y: -1}, Color: color.NRGBA{R: 1, G: 2, B: 3, A: 255}})
	return pc
}

func points(pc PointCloud) []Point {
	var out []Point
	pc.Iterate(func(p Point) bool {
		out = append(out, p)
		return true
	})
	return out
}

func TestMetaData(t *testing.T) {
	pc := makeCloud(true, false)
	meta := pc.MetaData()
	test.That(t, pc.Size(), test.ShouldEqual, 3)
	test.That(t, meta.HasColor, test.ShouldBeTrue)
	test.That(t, meta.HasNormal, test.ShouldBeFalse)
	test.That(t, meta.MinX, test.ShouldEqual, -0.5)
	test.That(t, meta.MaxY, test.ShouldEqual, 2)
	test.That(t, meta.MinZ, test.ShouldEqual, 0.5)

	c := CloudCentroid(pc)
	test.That(t, c.X, test.ShouldAlmostEqual, 0.501/3)

	count := 0
	pc.Iterate(func(p Point) bool {
		count++
		return false
	})
	test.That(t, count, test.ShouldEqual, 1)
}

func TestPCDRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name      string
		hasColor  bool
		hasNormal bool
		format    PCDType
	}{
		{"ascii points", false, false, PCDAscii},
		{"ascii color", true, false, PCDAscii},
		{"ascii normals", true, true, PCDAscii},
		{"binary points", false, false, PCDBinary},
		{"binary color", true, false, PCDBinary},
		{"binary normals", true, true, PCDBinary},
	} {
		t.Run(tc.name, func(t *testing.T) {
			pc := makeCloud(tc.hasColor, tc.hasNormal)
			var buf bytes.Buffer
			test.That(t, ToPCD(pc, &buf, tc.format), test.ShouldBeNil)

			got, err := ReadPCD(&buf)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, got.Size(), test.ShouldEqual, pc.Size())
			test.That(t, got.MetaData().HasColor, test.ShouldEqual, tc.hasColor)
			test.That(t, got.MetaData().HasNormal, test.ShouldEqual, tc.hasNormal)

			want := points(pc)
			for i, p := range points(got) {
				test.That(t, p.Position.Distance(want[i].Position), test.ShouldBeLessThan, 1e-5)
				if tc.hasColor {
					test.That(t, p.Color, test.ShouldResemble, want[i].Color)
				}
				if tc.hasNormal {
					test.That(t, p.Normal.Distance(want[i].Normal), test.ShouldBeLessThan, 1e-5)
				}
			}
		})
	}
}

func TestPCDHeaderErrors(t *testing.T) {
	_, err := ReadPCD(strings.NewReader("VERSION .6\n"))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unsupported pcd version")

	_, err = ReadPCD(strings.NewReader("VERSION .7\nFIELDS x y z intensity\n"))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unsupported pcd fields")

	var buf bytes.Buffer
	test.That(t, ToPCD(makeCloud(false, false), &buf, PCDBinary), test.ShouldBeNil)
	truncated := buf.Bytes()[:buf.Len()-5]
	_, err = ReadPCD(bytes.NewReader(truncated))
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, ToPCD(makeCloud(false, false), &buf, PCDCompressed), test.ShouldNotBeNil)
}

func TestFiles(t *testing.T) {
	dir := t.TempDir()
	logger := logging.NewTestLogger(t)
	pc := makeCloud(true, true)

	pcdPath := filepath.Join(dir, "cloud.pcd")
	test.That(t, WriteToFile(pc, pcdPath), test.ShouldBeNil)
	got, err := NewFromFile(pcdPath, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Size(), test.ShouldEqual, 3)

	lasPath := filepath.Join(dir, "cloud.las")
	test.That(t, WriteToFile(pc, lasPath), test.ShouldBeNil)
	got, err = NewFromFile(lasPath, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Size(), test.ShouldEqual, 3)
	test.That(t, got.MetaData().HasColor, test.ShouldBeTrue)

	_, err = NewFromFile(filepath.Join(dir, "cloud.xyz"), logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, WriteToFile(pc, filepath.Join(dir, "cloud.xyz")), test.ShouldNotBeNil)
}

func TestWritePLY(t *testing.T) {
	mesh := &TriangleMesh{
		Vertices: []r3.Vector{{X: 0}, {X: 1}, {Y: 1}},
		Normals:  []r3.Vector{{Z: 1}, {Z: 1}, {Z: 1}},
		Colors:   []color.NRGBA{{R: 9, A: 255}, {G: 8, A: 255}, {B: 7, A: 255}},
	}
	var buf bytes.Buffer
	test.That(t, WritePLY(mesh, &buf), test.ShouldBeNil)
	out := buf.String()
	test.That(t, out, test.ShouldStartWith, "ply\nformat ascii 1.0\n")
	test.That(t, out, test.ShouldContainSubstring, "element vertex 3\n")
	test.That(t, out, test.ShouldContainSubstring, "element face 1\n")
	test.That(t, out, test.ShouldEndWith, "3 0 1 2\n")
	test.That(t, out, test.ShouldContainSubstring, "0 8 0\n")

	mesh.Colors = mesh.Colors[:2]
	test.That(t, WritePLY(mesh, &buf), test.ShouldNotBeNil)

	mesh.Colors = append(mesh.Colors, color.NRGBA{})
	path := filepath.Join(t.TempDir(), "mesh.ply")
	test.That(t, WritePLYFile(mesh, path), test.ShouldBeNil)
	data, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, strings.Count(string(data), "\n"), test.ShouldEqual, 15+3+1)
}
