package lidar

import (
	"github.com/pkg/errors"

	"go.percepta.dev/slam/pointcloud"
	"go.percepta.dev/slam/spatialmath"
)

// Aligner refines the placement of one scan relative to another or to an
// aggregated map. Implementations pick the cloud representation: raw
// points for ICP, feature families for LOAM.
type Aligner interface {
	// AlignScans refines guess, the pose of the source scan's lidar
	// frame expressed in the reference scan's lidar frame.
	AlignScans(ref, source *ScanPose, guess spatialmath.Pose) (pointcloud.MatchResult, error)
	// AlignToMap refines guess, the pose of the source scan's lidar
	// frame expressed in the map's world frame.
	AlignToMap(m *Map, source *ScanPose, guess spatialmath.Pose) (pointcloud.MatchResult, error)
}

// ICPAligner matches raw clouds with point-to-point ICP.
type ICPAligner struct {
	matcher *pointcloud.ICPMatcher
}

// NewICPAligner builds an aligner around an ICP matcher.
func NewICPAligner(cfg pointcloud.ICPConfig) *ICPAligner {
	return &ICPAligner{matcher: pointcloud.NewICPMatcher(cfg)}
}

// AlignScans registers the source cloud against the reference cloud.
func (a *ICPAligner) AlignScans(ref, source *ScanPose, guess spatialmath.Pose) (pointcloud.MatchResult, error) {
	return a.matcher.Match(ref.Cloud(), source.Cloud(), guess)
}

// AlignToMap registers the source cloud against the aggregated map.
func (a *ICPAligner) AlignToMap(m *Map, source *ScanPose, guess spatialmath.Pose) (pointcloud.MatchResult, error) {
	return a.matcher.Match(m.CloudMap(), source.Cloud(), guess)
}

// LoamAligner matches feature clouds family by family. Scans must carry
// feature clouds; registering a scan without one fails.
type LoamAligner struct {
	matcher *pointcloud.LoamMatcher
}

// NewLoamAligner builds an aligner around a LOAM matcher.
func NewLoamAligner(cfg pointcloud.ICPConfig) *LoamAligner {
	return &LoamAligner{matcher: pointcloud.NewLoamMatcher(cfg)}
}

// AlignScans registers the source feature cloud against the reference
// feature cloud.
func (a *LoamAligner) AlignScans(ref, source *ScanPose, guess spatialmath.Pose) (pointcloud.MatchResult, error) {
	if !ref.HasLoam() || !source.HasLoam() {
		return pointcloud.MatchResult{}, errors.New("scan has no feature cloud")
	}
	return a.matcher.Match(ref.Loam(), source.Loam(), guess)
}

// AlignToMap registers the source feature cloud against the aggregated
// feature map.
func (a *LoamAligner) AlignToMap(m *Map, source *ScanPose, guess spatialmath.Pose) (pointcloud.MatchResult, error) {
	if !source.HasLoam() {
		return pointcloud.MatchResult{}, errors.New("scan has no feature cloud")
	}
	return a.matcher.Match(m.LoamMap(), source.Loam(), guess)
}
