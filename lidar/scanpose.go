// Package lidar registers incoming scans against recent scans or an
// aggregated local map and emits relative pose constraints on the
// baselink trajectory.
package lidar

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.percepta.dev/slam/graph"
	"go.percepta.dev/slam/pointcloud"
	"go.percepta.dev/slam/spatialmath"
)

const (
	scanPoseFileName  = "scan_pose.json"
	scanCloudFileName = "scan.pcd"
)

var loamCloudFileNames = [4]string{
	"edges_strong.pcd",
	"edges_weak.pcd",
	"surfaces_strong.pcd",
	"surfaces_weak.pcd",
}

// ScanPose pairs a lidar scan with the estimated pose of the baselink at
// the scan stamp. The cloud stays in the lidar frame; world-frame views
// are derived on demand so graph refinements never touch the points.
type ScanPose struct {
	stamp         time.Time
	device        uuid.UUID
	pose          spatialmath.Pose // T_WORLD_BASELINK
	baselinkLidar spatialmath.Pose // T_BASELINK_LIDAR
	cloud         *pointcloud.Cloud
	loam          *pointcloud.LoamCloud
	updates       int
	seenSeq       bool
	lastSeq       uint64
}

// NewScanPose builds a scan pose from a lidar-frame cloud and an initial
// estimate of the baselink pose in the world frame.
func NewScanPose(
	stamp time.Time,
	device uuid.UUID,
	pose, baselinkLidar spatialmath.Pose,
	cloud *pointcloud.Cloud,
) *ScanPose {
	if cloud == nil {
		cloud = pointcloud.New()
	}
	return &ScanPose{
		stamp:         stamp,
		device:        device,
		pose:          pose,
		baselinkLidar: baselinkLidar,
		cloud:         cloud,
	}
}

// Stamp returns the acquisition time of the scan.
func (s *ScanPose) Stamp() time.Time { return s.stamp }

// Device returns the identifier of the originating sensor rig.
func (s *ScanPose) Device() uuid.UUID { return s.device }

// Pose returns the current estimate of T_WORLD_BASELINK at the stamp.
func (s *ScanPose) Pose() spatialmath.Pose { return s.pose }

// SetPose overwrites the baselink pose estimate without counting a graph
// update.
func (s *ScanPose) SetPose(pose spatialmath.Pose) { s.pose = pose }

// BaselinkLidar returns the extrinsic T_BASELINK_LIDAR used to express
// the cloud relative to the baselink.
func (s *ScanPose) BaselinkLidar() spatialmath.Pose { return s.baselinkLidar }

// LidarPose returns T_WORLD_LIDAR, the pose of the sensor frame implied
// by the current baselink estimate.
func (s *ScanPose) LidarPose() spatialmath.Pose {
	return s.pose.Compose(s.baselinkLidar)
}

// Cloud returns the scan in the lidar frame.
func (s *ScanPose) Cloud() *pointcloud.Cloud { return s.cloud }

// SetLoam attaches a feature cloud extracted from the scan.
func (s *ScanPose) SetLoam(l *pointcloud.LoamCloud) { s.loam = l }

// Loam returns the attached feature cloud, or nil if none was extracted.
func (s *ScanPose) Loam() *pointcloud.LoamCloud { return s.loam }

// HasLoam reports whether a feature cloud is attached.
func (s *ScanPose) HasLoam() bool { return s.loam != nil }

// Updates returns how many times the pose was refreshed from graph
// results.
func (s *ScanPose) Updates() int { return s.updates }

// OrientationID returns the graph identifier of the orientation variable
// at the scan stamp.
func (s *ScanPose) OrientationID() uuid.UUID {
	return graph.StampedID(graph.TypeOrientation, s.stamp, s.device)
}

// PositionID returns the graph identifier of the position variable at
// the scan stamp.
func (s *ScanPose) PositionID() uuid.UUID {
	return graph.StampedID(graph.TypePosition, s.stamp, s.device)
}

// Variables returns fresh orientation and position variables carrying
// the current pose estimate.
func (s *ScanPose) Variables() []*graph.Variable {
	return []*graph.Variable{
		graph.NewOrientation(s.device, s.stamp, s.pose.Rotation()),
		graph.NewPosition(s.device, s.stamp, s.pose.Translation()),
	}
}

// UpdateFromGraph refreshes the baselink pose from optimized results.
// The pose changes only when both the orientation and the position at
// the scan stamp are present in the update. Applying the same update
// sequence twice counts as one refresh, since a scan may sit in both a
// registration window and an odometry active list.
func (s *ScanPose) UpdateFromGraph(u graph.Update) bool {
	o, ok := u.Variable(s.OrientationID())
	if !ok {
		return false
	}
	p, ok := u.Variable(s.PositionID())
	if !ok {
		return false
	}
	s.pose = graph.PoseFromVariables(o, p)
	if !s.seenSeq || u.Seq != s.lastSeq {
		s.updates++
		s.seenSeq = true
		s.lastSeq = u.Seq
	}
	return true
}

// Shadow returns a copy carrying only the stamps and poses. The global
// mapper keeps shadows of scans whose clouds already left the window.
func (s *ScanPose) Shadow() *ScanPose {
	return &ScanPose{
		stamp:         s.stamp,
		device:        s.device,
		pose:          s.pose,
		baselinkLidar: s.baselinkLidar,
		cloud:         pointcloud.New(),
		updates:       s.updates,
	}
}

type scanPoseRecord struct {
	Stamp         time.Time        `json:"stamp"`
	Device        uuid.UUID        `json:"device"`
	Pose          spatialmath.Pose `json:"pose"`
	BaselinkLidar spatialmath.Pose `json:"baselink_lidar"`
	Updates       int              `json:"updates"`
}

// SaveData writes the scan pose and its clouds into dir. The pose and
// stamps land in scan_pose.json, the raw cloud in scan.pcd, and an
// attached feature cloud in one PCD per feature family.
func (s *ScanPose) SaveData(dir string) error {
	record := scanPoseRecord{
		Stamp:         s.stamp,
		Device:        s.device,
		Pose:          s.pose,
		BaselinkLidar: s.baselinkLidar,
		Updates:       s.updates,
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling scan pose")
	}
	if err := os.WriteFile(filepath.Join(dir, scanPoseFileName), data, 0o600); err != nil {
		return errors.Wrap(err, "writing scan pose")
	}
	if err := writeCloudFile(filepath.Join(dir, scanCloudFileName), s.cloud); err != nil {
		return err
	}
	if s.loam == nil {
		return nil
	}
	for i, c := range s.loamClouds() {
		if err := writeCloudFile(filepath.Join(dir, loamCloudFileNames[i]), c); err != nil {
			return err
		}
	}
	return nil
}

// LoadScanPose restores a scan pose written by SaveData. Feature clouds
// are restored only when every feature family file is present.
func LoadScanPose(dir string) (*ScanPose, error) {
	data, err := os.ReadFile(filepath.Join(dir, scanPoseFileName)) //nolint:gosec
	if err != nil {
		return nil, errors.Wrap(err, "reading scan pose")
	}
	var record scanPoseRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, errors.Wrap(err, "parsing scan pose")
	}
	cloud, err := readCloudFile(filepath.Join(dir, scanCloudFileName))
	if err != nil {
		return nil, err
	}
	sp := &ScanPose{
		stamp:         record.Stamp,
		device:        record.Device,
		pose:          record.Pose,
		baselinkLidar: record.BaselinkLidar,
		cloud:         cloud,
		updates:       record.Updates,
	}
	loam := pointcloud.NewLoamCloud()
	for i, c := range []**pointcloud.Cloud{
		&loam.EdgesStrong, &loam.EdgesWeak, &loam.SurfacesStrong, &loam.SurfacesWeak,
	} {
		part, err := readCloudFile(filepath.Join(dir, loamCloudFileNames[i]))
		if err != nil {
			if os.IsNotExist(errors.Cause(err)) {
				return sp, nil
			}
			return nil, err
		}
		*c = part
	}
	sp.loam = loam
	return sp, nil
}

func (s *ScanPose) loamClouds() [4]*pointcloud.Cloud {
	return [4]*pointcloud.Cloud{
		s.loam.EdgesStrong, s.loam.EdgesWeak, s.loam.SurfacesStrong, s.loam.SurfacesWeak,
	}
}

func writeCloudFile(path string, cloud *pointcloud.Cloud) error {
	f, err := os.Create(path) //nolint:gosec
	if err != nil {
		return errors.Wrapf(err, "creating %s", filepath.Base(path))
	}
	defer utils.UncheckedErrorFunc(f.Close)
	if err := pointcloud.WritePCD(cloud, f); err != nil {
		return errors.Wrapf(err, "writing %s", filepath.Base(path))
	}
	return nil
}

func readCloudFile(path string) (*pointcloud.Cloud, error) {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", filepath.Base(path))
	}
	defer utils.UncheckedErrorFunc(f.Close)
	cloud, err := pointcloud.ReadPCD(f)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", filepath.Base(path))
	}
	return cloud, nil
}
