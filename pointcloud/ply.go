package pointcloud

import (
	"bufio"
	"fmt"
	"image/color"
	"io"
	"os"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// TriangleMesh is a triangle soup: every three consecutive vertices form one face.
type TriangleMesh struct {
	Vertices []r3.Vector
	Normals  []r3.Vector
	Colors   []color.NRGBA
}

// TriangleCount returns the number of faces.
func (m TriangleMesh) TriangleCount() int {
	return len(m.Vertices) / 3
}

// WritePLY writes the mesh as an ascii PLY file with per-vertex normals and colors.
func WritePLY(mesh *TriangleMesh, out io.Writer) error {
	if len(mesh.Vertices)%3 != 0 {
		return errors.Errorf("mesh has %d vertices, not a multiple of 3", len(mesh.Vertices))
	}
	if len(mesh.Normals) != len(mesh.Vertices) || len(mesh.Colors) != len(mesh.Vertices) {
		return errors.Errorf("mesh has %d vertices but %d normals and %d colors",
			len(mesh.Vertices), len(mesh.Normals), len(mesh.Colors))
	}
	if _, err := fmt.Fprintf(out, "ply\n"+
		"format ascii 1.0\n"+
		"element vertex %d\n"+
		"property float x\nproperty float y\nproperty float z\n"+
		"property float nx\nproperty float ny\nproperty float nz\n"+
		"property uchar red\nproperty uchar green\nproperty uchar blue\n"+
		"element face %d\n"+
		"property list uchar int vertex_indices\n"+
		"end_header\n", len(mesh.Vertices), mesh.TriangleCount()); err != nil {
		return err
	}
	for i, v := range mesh.Vertices {
		n, c := mesh.Normals[i], mesh.Colors[i]
		if _, err := fmt.Fprintf(out, "%f %f %f %f %f %f %d %d %d\n",
			v.X, v.Y, v.Z, n.X, n.Y, n.Z, c.R, c.G, c.B); err != nil {
			return err
		}
	}
	for i := 0; i < mesh.TriangleCount(); i++ {
		if _, err := fmt.Fprintf(out, "3 %d %d %d\n", 3*i, 3*i+1, 3*i+2); err != nil {
			return err
		}
	}
	return nil
}

// WritePLYFile writes the mesh to fn.
func WritePLYFile(mesh *TriangleMesh, fn string) (err error) {
	//nolint:gosec
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	w := bufio.NewWriter(f)
	if err = WritePLY(mesh, w); err != nil {
		return err
	}
	return w.Flush()
}
