package slam

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/icpslam/spatialmath"
)

// WriteTrajectory writes one "timestamp tx ty tz qx qy qz qw" line per entry, with the timestamp in
// seconds.
func WriteTrajectory(out io.Writer, trajectory []TrajectoryEntry) error {
	w := bufio.NewWriter(out)
	for _, e := range trajectory {
		q := e.Quaternion()
		t := e.Pose.Translation
		ts := float64(e.Timestamp.UnixNano()) / 1e9
		if _, err := fmt.Fprintf(w, "%.6f %.6f %.6f %.6f %.6f %.6f %.6f %.6f\n",
			ts, t.X, t.Y, t.Z, q.Imag, q.Jmag, q.Kmag, q.Real); err != nil {
			return err
		}
	}
	return w.Flush()
}

// ReadTrajectory parses the format written by WriteTrajectory. Blank lines and lines starting with
// '#' are skipped. Entries are numbered from 1 in file order.
func ReadTrajectory(in io.Reader) ([]TrajectoryEntry, error) {
	var out []TrajectoryEntry
	scanner := bufio.NewScanner(in)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 8 {
			return nil, errors.Errorf("line %d: expected 8 values, got %d", line, len(fields))
		}
		var vals [8]float64
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", line)
			}
			vals[i] = v
		}
		q := quat.Number{Real: vals[7], Imag: vals[4], Jmag: vals[5], Kmag: vals[6]}
		norm := quat.Abs(q)
		if norm < 1e-6 || math.IsNaN(norm) {
			return nil, errors.Errorf("line %d: rotation is not a valid quaternion", line)
		}
		sec, frac := math.Modf(vals[0])
		out = append(out, TrajectoryEntry{
			FrameID:   uint64(len(out) + 1),
			Timestamp: time.Unix(int64(sec), int64(math.Round(frac*1e9))),
			Pose: spatialmath.NewPoseFromQuaternion(
				quat.Scale(1/norm, q),
				r3.Vector{X: vals[1], Y: vals[2], Z: vals[3]},
			),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
