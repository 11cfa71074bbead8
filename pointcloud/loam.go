package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.percepta.dev/slam/spatialmath"
)

// LoamCloud is a lidar scan decomposed into edge and surface feature sets,
// each split into strong and weak detections.
type LoamCloud struct {
	EdgesStrong    *Cloud
	EdgesWeak      *Cloud
	SurfacesStrong *Cloud
	SurfacesWeak   *Cloud
}

// NewLoamCloud returns an empty feature cloud.
func NewLoamCloud() *LoamCloud {
	return &LoamCloud{
		EdgesStrong:    New(),
		EdgesWeak:      New(),
		SurfacesStrong: New(),
		SurfacesWeak:   New(),
	}
}

// Size returns the total number of feature points.
func (l *LoamCloud) Size() int {
	return l.EdgesStrong.Size() + l.EdgesWeak.Size() + l.SurfacesStrong.Size() + l.SurfacesWeak.Size()
}

// Empty reports whether the cloud has no features at all.
func (l *LoamCloud) Empty() bool {
	return l.Size() == 0
}

// Clone returns a deep copy.
func (l *LoamCloud) Clone() *LoamCloud {
	return &LoamCloud{
		EdgesStrong:    l.EdgesStrong.Clone(),
		EdgesWeak:      l.EdgesWeak.Clone(),
		SurfacesStrong: l.SurfacesStrong.Clone(),
		SurfacesWeak:   l.SurfacesWeak.Clone(),
	}
}

// Transform returns a new feature cloud with all points mapped through pose.
func (l *LoamCloud) Transform(pose spatialmath.Pose) *LoamCloud {
	return &LoamCloud{
		EdgesStrong:    l.EdgesStrong.Transform(pose),
		EdgesWeak:      l.EdgesWeak.Transform(pose),
		SurfacesStrong: l.SurfacesStrong.Transform(pose),
		SurfacesWeak:   l.SurfacesWeak.Transform(pose),
	}
}

// Merge appends the features of other into l.
func (l *LoamCloud) Merge(other *LoamCloud) {
	l.EdgesStrong.Merge(other.EdgesStrong)
	l.EdgesWeak.Merge(other.EdgesWeak)
	l.SurfacesStrong.Merge(other.SurfacesStrong)
	l.SurfacesWeak.Merge(other.SurfacesWeak)
}

// Combined returns all feature points flattened into a single cloud.
func (l *LoamCloud) Combined() *Cloud {
	out := NewWithPrealloc(l.Size())
	out.Merge(l.EdgesStrong)
	out.Merge(l.EdgesWeak)
	out.Merge(l.SurfacesStrong)
	out.Merge(l.SurfacesWeak)
	return out
}

// edges returns strong and weak edges as one cloud, surfaces likewise.
func (l *LoamCloud) edges() *Cloud {
	out := NewWithPrealloc(l.EdgesStrong.Size() + l.EdgesWeak.Size())
	out.Merge(l.EdgesStrong)
	out.Merge(l.EdgesWeak)
	return out
}

func (l *LoamCloud) surfaces() *Cloud {
	out := NewWithPrealloc(l.SurfacesStrong.Size() + l.SurfacesWeak.Size())
	out.Merge(l.SurfacesStrong)
	out.Merge(l.SurfacesWeak)
	return out
}

// LoamMatcher registers LOAM feature clouds by running closest point
// association within each feature family (edges to edges, surfaces to
// surfaces) and solving the pooled correspondences rigidly.
type LoamMatcher struct {
	cfg ICPConfig
}

// NewLoamMatcher returns a feature matcher with the given bounds.
func NewLoamMatcher(cfg ICPConfig) *LoamMatcher {
	return &LoamMatcher{cfg: cfg.withDefaults()}
}

// Match registers source against ref starting from guess, returning the
// refined T_REF_SOURCE.
func (m *LoamMatcher) Match(ref, source *LoamCloud, guess spatialmath.Pose) (MatchResult, error) {
	if ref.Empty() || source.Empty() {
		return MatchResult{}, errors.New("cannot match empty feature cloud")
	}
	refEdges := NewKDTree(ref.edges())
	refSurfaces := NewKDTree(ref.surfaces())
	srcEdges := source.edges()
	srcSurfaces := source.surfaces()

	maxDistSq := m.cfg.MaxCorrespondenceDistance * m.cfg.MaxCorrespondenceDistance
	cur := guess
	result := MatchResult{Pose: guess}

	var srcPts, refPts []r3.Vector
	for it := 0; it < m.cfg.MaxIterations; it++ {
		srcPts = srcPts[:0]
		refPts = refPts[:0]
		gatherCorrespondences(refEdges, srcEdges, cur, maxDistSq, &srcPts, &refPts)
		gatherCorrespondences(refSurfaces, srcSurfaces, cur, maxDistSq, &srcPts, &refPts)
		if len(srcPts) < 3 {
			result.Iterations = it
			return result, nil
		}
		next, err := kabsch(srcPts, refPts)
		if err != nil {
			result.Iterations = it
			return result, nil
		}
		dt, dr := spatialmath.PoseDelta(cur, next)
		cur = next
		result.Iterations = it + 1
		if dt < m.cfg.TranslationTolerance && dr < m.cfg.RotationTolerance {
			result.Converged = true
			break
		}
	}
	result.Pose = cur
	result.Correspondences = len(srcPts)

	var sumSq float64
	for i, p := range srcPts {
		d := cur.TransformPoint(p).Sub(refPts[i])
		sumSq += d.Dot(d)
	}
	if len(srcPts) > 0 {
		result.RMS = math.Sqrt(sumSq / float64(len(srcPts)))
	}
	result.Covariance = icpCovariance(cur, srcPts, result.RMS)
	return result, nil
}

func gatherCorrespondences(ref *KDTree, src *Cloud, cur spatialmath.Pose, maxDistSq float64, srcPts, refPts *[]r3.Vector) {
	if ref.Size() == 0 {
		return
	}
	for i := 0; i < src.Size(); i++ {
		p := src.At(i)
		idx, distSq, ok := ref.Nearest(cur.TransformPoint(p))
		if !ok || distSq > maxDistSq {
			continue
		}
		*srcPts = append(*srcPts, p)
		*refPts = append(*refPts, ref.Cloud().At(idx))
	}
}

