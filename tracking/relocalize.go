package tracking

import (
	"sort"

	"github.com/golang/geo/r3"

	"go.viam.com/icpslam/densemap"
	"go.viam.com/icpslam/frame"
	"go.viam.com/icpslam/spatialmath"
	"go.viam.com/icpslam/vision/keypoints"
)

// relocalize looks for a pose of f among the keyframes with the most similar thumbnails: a
// RANSAC hypothesis from 3-D descriptor matches, refined by ICP against the model.
func (t *Tracker) relocalize(f *frame.Frame, model Model) (alignment, bool) {
	cfg := t.cfg.Relocalization
	if model == nil || len(f.Descriptors) < cfg.MinMatches {
		return alignment{}, false
	}
	kfs := model.Keyframes()
	if len(kfs) == 0 {
		return alignment{}, false
	}
	order := make([]int, len(kfs))
	dists := make([]float64, len(kfs))
	for i := range kfs {
		order[i] = i
		dists[i] = frame.ThumbnailDistance(f.Thumbnail, kfs[i].Thumbnail)
	}
	sort.SliceStable(order, func(a, b int) bool {
		return dists[order[a]] < dists[order[b]]
	})
	if len(order) > cfg.Candidates {
		order = order[:cfg.Candidates]
	}

	for _, idx := range order {
		kf := &kfs[idx]
		hyp, inliers, ok := t.hypothesis(f, kf)
		if !ok {
			continue
		}
		t.logger.Debugw("relocalization hypothesis", "frame", f.ID, "keyframe", kf.ID, "inliers", inliers)
		ref := t.modelReference(model, f, hyp)
		if ref == nil {
			return alignment{pose: hyp, ok: true}, true
		}
		res := t.align(f, ref, hyp)
		if res.ok {
			return res, true
		}
	}
	return alignment{}, false
}

// hypothesis estimates the camera-to-world pose of f from descriptor matches with kf. It needs
// MinMatches matches and as many RANSAC inliers.
func (t *Tracker) hypothesis(f *frame.Frame, kf *densemap.Keyframe) (spatialmath.Pose, int, bool) {
	cfg := t.cfg.Relocalization
	matches, err := keypoints.MatchDescriptors(f.Descriptors, kf.Descriptors, &keypoints.MatchingConfig{
		DoCrossCheck: true,
		MaxDist:      cfg.MaxDescriptorDistance,
	})
	if err != nil {
		t.logger.Debugw("cannot match keyframe descriptors", "keyframe", kf.ID, "error", err)
		return spatialmath.Pose{}, 0, false
	}
	if len(matches) < cfg.MinMatches {
		return spatialmath.Pose{}, len(matches), false
	}
	src := make([]r3.Vector, len(matches))
	dst := make([]r3.Vector, len(matches))
	for i, m := range matches {
		src[i] = f.KeyPointPositions[m.Idx1]
		dst[i] = kf.Pose.Transform(kf.KeyPointPositions[m.Idx2])
	}

	var best []int
	sample := make([]r3.Vector, 3)
	target := make([]r3.Vector, 3)
	for it := 0; it < cfg.RANSACIterations; it++ {
		picks := t.rng.Perm(len(matches))[:3]
		for i, p := range picks {
			sample[i], target[i] = src[p], dst[p]
		}
		pose, err := spatialmath.AlignPoints(sample, target)
		if err != nil {
			continue
		}
		if in := inlierSet(pose, src, dst, cfg.InlierDistance); len(in) > len(best) {
			best = in
		}
	}
	if len(best) < cfg.MinMatches {
		return spatialmath.Pose{}, len(best), false
	}
	inSrc := make([]r3.Vector, len(best))
	inDst := make([]r3.Vector, len(best))
	for i, idx := range best {
		inSrc[i], inDst[i] = src[idx], dst[idx]
	}
	pose, err := spatialmath.AlignPoints(inSrc, inDst)
	if err != nil {
		return spatialmath.Pose{}, len(best), false
	}
	return pose, len(best), true
}

func inlierSet(pose spatialmath.Pose, src, dst []r3.Vector, maxDist float64) []int {
	var in []int
	for i := range src {
		if pose.Transform(src[i]).Distance(dst[i]) <= maxDist {
			in = append(in, i)
		}
	}
	return in
}
