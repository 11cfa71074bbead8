package globalmap

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go.percepta.dev/slam/graph"
	"go.percepta.dev/slam/lidar"
	"go.percepta.dev/slam/pointcloud"
	"go.percepta.dev/slam/spatialmath"
	"go.percepta.dev/slam/vision"
)

const submapFileName = "submap.json"

// LandmarkObservation is one tracked feature seen in a keyframe image.
type LandmarkObservation struct {
	ID    uint64
	Pixel r2.Point
}

// Keypoint is a triangulated landmark position in the world frame at the
// time the bundle was assembled.
type Keypoint struct {
	ID       uint64
	Position r3.Vector
}

// CameraMeasurement is the visual content of one keyframe.
type CameraMeasurement struct {
	Stamp     time.Time
	Landmarks []LandmarkObservation
	Keypoints []Keypoint
}

// Empty reports whether the measurement carries no visual content.
func (m CameraMeasurement) Empty() bool {
	return len(m.Landmarks) == 0 && len(m.Keypoints) == 0
}

// LidarMeasurement is the lidar content of one keyframe, expressed in
// the lidar frame.
type LidarMeasurement struct {
	Stamp time.Time
	Cloud *pointcloud.Cloud
	Loam  *pointcloud.LoamCloud
}

// Empty reports whether the measurement carries no points.
func (m LidarMeasurement) Empty() bool {
	return (m.Cloud == nil || m.Cloud.Size() == 0) && (m.Loam == nil || m.Loam.Empty())
}

// PoseStamped pairs a pose with its stamp. Inside a submap the pose is
// T_SUBMAP_BASELINK.
type PoseStamped struct {
	Stamp time.Time        `json:"stamp"`
	Pose  spatialmath.Pose `json:"pose"`
}

// Submap is a spatially bounded group of keyframes anchored at a single
// world frame pose variable. All member poses, clouds, and keypoints are
// stored relative to the anchor pose at creation time, so a graph
// refinement of the anchor moves the whole submap rigidly.
type Submap struct {
	stamp         time.Time
	device        uuid.UUID
	cam           *vision.CameraModel
	baselinkLidar spatialmath.Pose

	anchorInit spatialmath.Pose // T_WORLD_SUBMAP at creation
	anchor     spatialmath.Pose // T_WORLD_SUBMAP per latest graph result
	updates    int
	seenSeq    bool
	lastSeq    uint64

	trajectory      map[int64]PoseStamped
	cameraKeyframes map[int64]CameraMeasurement
	keypoints       map[uint64]r3.Vector // submap frame
	lidarKeyframes  map[int64]*lidar.ScanPose
}

// NewSubmap anchors a submap at the given baselink pose. The anchor
// stamp doubles as the graph identity of the submap's pose variables.
func NewSubmap(
	stamp time.Time,
	worldBaselink spatialmath.Pose,
	device uuid.UUID,
	cam *vision.CameraModel,
	baselinkLidar spatialmath.Pose,
) *Submap {
	return &Submap{
		stamp:           stamp,
		device:          device,
		cam:             cam,
		baselinkLidar:   baselinkLidar,
		anchorInit:      worldBaselink,
		anchor:          worldBaselink,
		trajectory:      map[int64]PoseStamped{},
		cameraKeyframes: map[int64]CameraMeasurement{},
		keypoints:       map[uint64]r3.Vector{},
		lidarKeyframes:  map[int64]*lidar.ScanPose{},
	}
}

// Stamp returns the stamp of the anchor keyframe.
func (s *Submap) Stamp() time.Time { return s.stamp }

// Device returns the identifier of the originating sensor rig.
func (s *Submap) Device() uuid.UUID { return s.device }

// Camera returns the camera model shared by the submap's keyframes.
func (s *Submap) Camera() *vision.CameraModel { return s.cam }

// AnchorPose returns T_WORLD_SUBMAP per the latest graph result.
func (s *Submap) AnchorPose() spatialmath.Pose { return s.anchor }

// InitialAnchorPose returns T_WORLD_SUBMAP at creation time. Submap
// assignment always measures against the initial anchor so membership
// does not shift under graph refinements.
func (s *Submap) InitialAnchorPose() spatialmath.Pose { return s.anchorInit }

// Updates returns how many times the anchor was refreshed from graph
// results.
func (s *Submap) Updates() int { return s.updates }

// OrientationID returns the graph identifier of the anchor orientation
// variable.
func (s *Submap) OrientationID() uuid.UUID {
	return graph.StampedID(graph.TypeOrientation, s.stamp, s.device)
}

// PositionID returns the graph identifier of the anchor position
// variable.
func (s *Submap) PositionID() uuid.UUID {
	return graph.StampedID(graph.TypePosition, s.stamp, s.device)
}

// Variables returns fresh anchor variables carrying the current pose
// estimate.
func (s *Submap) Variables() []*graph.Variable {
	return []*graph.Variable{
		graph.NewOrientation(s.device, s.stamp, s.anchor.Rotation()),
		graph.NewPosition(s.device, s.stamp, s.anchor.Translation()),
	}
}

// UpdateFromGraph refreshes the anchor pose from optimized results. The
// anchor changes only when both of its variables are present in the
// update. Applying the same update twice counts as one refresh.
func (s *Submap) UpdateFromGraph(u graph.Update) bool {
	o, ok := u.Variable(s.OrientationID())
	if !ok {
		return false
	}
	p, ok := u.Variable(s.PositionID())
	if !ok {
		return false
	}
	s.anchor = graph.PoseFromVariables(o, p)
	if !s.seenSeq || u.Seq != s.lastSeq {
		s.updates++
		s.seenSeq = true
		s.lastSeq = u.Seq
	}
	return true
}

// submapFromWorld re-expresses a world frame pose relative to the
// initial anchor.
func (s *Submap) submapFromWorld(world spatialmath.Pose) spatialmath.Pose {
	return s.anchorInit.Invert().Compose(world)
}

// AddCameraMeasurement stores the keyframe's observations and upserts
// the world frame keypoint estimates it carries, converted into the
// submap frame.
func (s *Submap) AddCameraMeasurement(m CameraMeasurement, worldBaselink spatialmath.Pose) {
	local := s.submapFromWorld(worldBaselink)
	s.trajectory[m.Stamp.UnixNano()] = PoseStamped{Stamp: m.Stamp, Pose: local}
	s.cameraKeyframes[m.Stamp.UnixNano()] = m
	for _, kp := range m.Keypoints {
		s.keypoints[kp.ID] = s.anchorInit.Invert().TransformPoint(kp.Position)
	}
}

// AddLidarMeasurement stores a lidar frame scan at the given stamp. A
// second measurement at the same stamp merges into the stored scan, so
// raw points and feature clouds arriving separately end up together.
func (s *Submap) AddLidarMeasurement(m LidarMeasurement, worldBaselink spatialmath.Pose) {
	local := s.submapFromWorld(worldBaselink)
	s.trajectory[m.Stamp.UnixNano()] = PoseStamped{Stamp: m.Stamp, Pose: local}

	scan, ok := s.lidarKeyframes[m.Stamp.UnixNano()]
	if !ok {
		scan = lidar.NewScanPose(m.Stamp, s.device, local, s.baselinkLidar, nil)
		s.lidarKeyframes[m.Stamp.UnixNano()] = scan
	}
	if m.Cloud != nil {
		scan.Cloud().Merge(m.Cloud)
	}
	if m.Loam != nil {
		if scan.HasLoam() {
			scan.Loam().Merge(m.Loam)
		} else {
			scan.SetLoam(m.Loam.Clone())
		}
	}
}

// AddTrajectoryMeasurement stores sub-keyframe poses. Each fragment pose
// is T_KEYFRAME_FRAME relative to the bundle keyframe at worldBaselink.
func (s *Submap) AddTrajectoryMeasurement(fragment []PoseStamped, worldBaselink spatialmath.Pose) {
	keyframe := s.submapFromWorld(worldBaselink)
	for _, ps := range fragment {
		s.trajectory[ps.Stamp.UnixNano()] = PoseStamped{
			Stamp: ps.Stamp,
			Pose:  keyframe.Compose(ps.Pose),
		}
	}
}

// Trajectory returns the stored poses ordered by stamp, expressed in
// the submap frame.
func (s *Submap) Trajectory() []PoseStamped {
	out := make([]PoseStamped, 0, len(s.trajectory))
	for _, ps := range s.trajectory {
		out = append(out, ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stamp.Before(out[j].Stamp) })
	return out
}

// CameraKeyframes returns the stored camera measurements ordered by
// stamp.
func (s *Submap) CameraKeyframes() []CameraMeasurement {
	out := make([]CameraMeasurement, 0, len(s.cameraKeyframes))
	for _, m := range s.cameraKeyframes {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stamp.Before(out[j].Stamp) })
	return out
}

// LidarKeyframes returns the stored scans ordered by stamp. Scan poses
// are expressed in the submap frame.
func (s *Submap) LidarKeyframes() []*lidar.ScanPose {
	out := make([]*lidar.ScanPose, 0, len(s.lidarKeyframes))
	for _, scan := range s.lidarKeyframes {
		out = append(out, scan)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stamp().Before(out[j].Stamp()) })
	return out
}

// NumLidarKeyframes returns how many scans the submap stores.
func (s *Submap) NumLidarKeyframes() int { return len(s.lidarKeyframes) }

// KeypointCount returns how many distinct landmarks the submap stores.
func (s *Submap) KeypointCount() int { return len(s.keypoints) }

// LidarPointsInSubmapFrame aggregates every stored scan into one cloud
// in the submap frame.
func (s *Submap) LidarPointsInSubmapFrame() *pointcloud.Cloud {
	out := pointcloud.New()
	for _, scan := range s.lidarKeyframes {
		out.Merge(scan.Cloud().Transform(scan.LidarPose()))
	}
	return out
}

// LoamPointsInSubmapFrame aggregates every stored feature cloud into
// one feature cloud in the submap frame.
func (s *Submap) LoamPointsInSubmapFrame() *pointcloud.LoamCloud {
	out := pointcloud.NewLoamCloud()
	for _, scan := range s.lidarKeyframes {
		if scan.HasLoam() {
			out.Merge(scan.Loam().Transform(scan.LidarPose()))
		}
	}
	return out
}

// KeypointsInSubmapFrame returns the stored landmarks as a cloud in the
// submap frame.
func (s *Submap) KeypointsInSubmapFrame() *pointcloud.Cloud {
	out := pointcloud.New()
	for _, p := range s.keypoints {
		out.Add(p)
	}
	return out
}

// LidarPointsInWorldFrame returns the aggregated scan cloud placed by
// the updated anchor, or by the initial anchor when updated is false.
func (s *Submap) LidarPointsInWorldFrame(updated bool) *pointcloud.Cloud {
	return s.LidarPointsInSubmapFrame().Transform(s.worldAnchor(updated))
}

// LoamPointsInWorldFrame returns the aggregated feature cloud placed by
// the chosen anchor.
func (s *Submap) LoamPointsInWorldFrame(updated bool) *pointcloud.LoamCloud {
	return s.LoamPointsInSubmapFrame().Transform(s.worldAnchor(updated))
}

// KeypointsInWorldFrame returns the stored landmarks placed by the
// chosen anchor.
func (s *Submap) KeypointsInWorldFrame(updated bool) *pointcloud.Cloud {
	return s.KeypointsInSubmapFrame().Transform(s.worldAnchor(updated))
}

func (s *Submap) worldAnchor(updated bool) spatialmath.Pose {
	if updated {
		return s.anchor
	}
	return s.anchorInit
}

type observationRecord struct {
	ID    uint64     `json:"id"`
	Pixel [2]float64 `json:"pixel_xy"`
}

type cameraKeyframeRecord struct {
	Stamp     time.Time           `json:"stamp"`
	Landmarks []observationRecord `json:"landmarks"`
}

type keypointRecord struct {
	ID       uint64     `json:"id"`
	Position [3]float64 `json:"position_xyz"`
}

type submapRecord struct {
	Stamp           time.Time              `json:"stamp"`
	Device          uuid.UUID              `json:"device"`
	AnchorInit      spatialmath.Pose       `json:"anchor_init"`
	Anchor          spatialmath.Pose       `json:"anchor"`
	BaselinkLidar   spatialmath.Pose       `json:"baselink_lidar"`
	Updates         int                    `json:"updates"`
	Trajectory      []PoseStamped          `json:"trajectory"`
	Keypoints       []keypointRecord       `json:"keypoints"`
	CameraKeyframes []cameraKeyframeRecord `json:"camera_keyframes"`
}

// SaveData writes the submap into dir: submap.json for poses, keypoints
// and observations, plus one scan<N>/ directory per lidar keyframe in
// stamp order.
func (s *Submap) SaveData(dir string) error {
	record := submapRecord{
		Stamp:         s.stamp,
		Device:        s.device,
		AnchorInit:    s.anchorInit,
		Anchor:        s.anchor,
		BaselinkLidar: s.baselinkLidar,
		Updates:       s.updates,
		Trajectory:    s.Trajectory(),
	}
	ids := make([]uint64, 0, len(s.keypoints))
	for id := range s.keypoints {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		p := s.keypoints[id]
		record.Keypoints = append(record.Keypoints, keypointRecord{
			ID: id, Position: [3]float64{p.X, p.Y, p.Z},
		})
	}
	for _, m := range s.CameraKeyframes() {
		kf := cameraKeyframeRecord{Stamp: m.Stamp}
		for _, obs := range m.Landmarks {
			kf.Landmarks = append(kf.Landmarks, observationRecord{
				ID: obs.ID, Pixel: [2]float64{obs.Pixel.X, obs.Pixel.Y},
			})
		}
		record.CameraKeyframes = append(record.CameraKeyframes, kf)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling submap")
	}
	if err := os.WriteFile(filepath.Join(dir, submapFileName), data, 0o600); err != nil {
		return errors.Wrap(err, "writing submap")
	}
	for i, scan := range s.LidarKeyframes() {
		scanDir := filepath.Join(dir, "scan"+strconv.Itoa(i))
		if err := os.MkdirAll(scanDir, 0o750); err != nil {
			return errors.Wrapf(err, "creating %s", scanDir)
		}
		if err := scan.SaveData(scanDir); err != nil {
			return err
		}
	}
	return nil
}

// LoadSubmap restores a submap written by SaveData. Scan directories
// are read in index order until the first missing one.
func LoadSubmap(dir string, cam *vision.CameraModel) (*Submap, error) {
	data, err := os.ReadFile(filepath.Join(dir, submapFileName)) //nolint:gosec
	if err != nil {
		return nil, errors.Wrap(err, "reading submap")
	}
	var record submapRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, errors.Wrap(err, "parsing submap")
	}

	s := NewSubmap(record.Stamp, record.AnchorInit, record.Device, cam, record.BaselinkLidar)
	s.anchor = record.Anchor
	s.updates = record.Updates
	for _, ps := range record.Trajectory {
		s.trajectory[ps.Stamp.UnixNano()] = ps
	}
	for _, kp := range record.Keypoints {
		s.keypoints[kp.ID] = r3.Vector{X: kp.Position[0], Y: kp.Position[1], Z: kp.Position[2]}
	}
	for _, kf := range record.CameraKeyframes {
		m := CameraMeasurement{Stamp: kf.Stamp}
		for _, obs := range kf.Landmarks {
			m.Landmarks = append(m.Landmarks, LandmarkObservation{
				ID: obs.ID, Pixel: r2.Point{X: obs.Pixel[0], Y: obs.Pixel[1]},
			})
		}
		s.cameraKeyframes[kf.Stamp.UnixNano()] = m
	}

	for i := 0; ; i++ {
		scanDir := filepath.Join(dir, "scan"+strconv.Itoa(i))
		if _, err := os.Stat(scanDir); os.IsNotExist(err) {
			break
		}
		scan, err := lidar.LoadScanPose(scanDir)
		if err != nil {
			return nil, errors.Wrapf(err, "loading %s", scanDir)
		}
		s.lidarKeyframes[scan.Stamp().UnixNano()] = scan
	}
	return s, nil
}
