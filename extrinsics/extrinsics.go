// Package extrinsics resolves rigid transforms between the platform's
// sensor frames and its baselink frame. A single Lookup is constructed at
// program start and passed to every component that needs calibration;
// tests build their own from a fixed table.
package extrinsics

import (
	"context"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"go.percepta.dev/slam/spatialmath"
)

// FrameIDs names the coordinate frames used across the pipeline.
type FrameIDs struct {
	World    string `json:"world_frame"`
	Baselink string `json:"baselink_frame"`
	IMU      string `json:"imu_frame"`
	Camera   string `json:"camera_frame"`
	Lidar    string `json:"lidar_frame"`
}

// Validate checks that every frame is named and that the baselink
// coincides with one of the sensor frames.
func (f FrameIDs) Validate() error {
	if f.World == "" || f.Baselink == "" || f.IMU == "" || f.Camera == "" || f.Lidar == "" {
		return errors.New("all five frame ids must be set")
	}
	if f.Baselink != f.IMU && f.Baselink != f.Camera && f.Baselink != f.Lidar {
		return errors.Errorf("baselink frame %q must equal one of the sensor frames", f.Baselink)
	}
	return nil
}

// IsSensorFrame reports whether id names one of the three sensor frames.
func (f FrameIDs) IsSensorFrame(id string) bool {
	return id == f.IMU || id == f.Camera || id == f.Lidar
}

// TransformSource supplies the pose of fromFrame expressed in toFrame at
// a point in time. Implementations may query live calibration or serve a
// fixed table.
type TransformSource interface {
	LookupTransform(ctx context.Context, toFrame, fromFrame string, stamp time.Time) (spatialmath.Pose, error)
}

type framePair struct {
	to   string
	from string
}

// Lookup resolves sensor frame transforms. When the rig's extrinsics are
// static each pair is fetched from the source once and cached; when
// dynamic every call reads through to the source and refreshes the most
// recent estimate.
type Lookup struct {
	mu     sync.Mutex
	frames FrameIDs
	static bool
	source TransformSource
	cache  map[framePair]spatialmath.Pose
	logger golog.Logger
}

// NewLookup validates the frame ids and returns a lookup backed by the
// given source.
func NewLookup(frames FrameIDs, source TransformSource, static bool, logger golog.Logger) (*Lookup, error) {
	if err := frames.Validate(); err != nil {
		return nil, errors.Wrap(err, "extrinsics lookup")
	}
	if source == nil {
		return nil, errors.New("extrinsics lookup needs a transform source")
	}
	return &Lookup{
		frames: frames,
		static: static,
		source: source,
		cache:  map[framePair]spatialmath.Pose{},
		logger: logger,
	}, nil
}

// FrameIDs returns the configured frame names.
func (l *Lookup) FrameIDs() FrameIDs { return l.frames }

// IsStatic reports whether extrinsics are cached after the first read.
func (l *Lookup) IsStatic() bool { return l.static }

// Transform returns the pose of fromFrame expressed in toFrame. The
// boolean reports success; a miss is warned and the caller skips the
// dependent operation.
func (l *Lookup) Transform(ctx context.Context, toFrame, fromFrame string, stamp time.Time) (spatialmath.Pose, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transformLocked(ctx, toFrame, fromFrame, stamp)
}

func (l *Lookup) transformLocked(
	ctx context.Context,
	toFrame, fromFrame string,
	stamp time.Time,
) (spatialmath.Pose, bool) {
	key := framePair{to: toFrame, from: fromFrame}
	if !l.static {
		pose, err := l.source.LookupTransform(ctx, toFrame, fromFrame, stamp)
		if err != nil {
			l.logger.Warnw("cannot look up dynamic extrinsics",
				"to_frame", toFrame, "from_frame", fromFrame, "stamp", stamp, "error", err)
			return spatialmath.Pose{}, false
		}
		l.cache[key] = pose
		return pose, true
	}

	if pose, ok := l.cache[key]; ok {
		return pose, true
	}
	pose, err := l.source.LookupTransform(ctx, toFrame, fromFrame, stamp)
	if err != nil {
		l.logger.Warnw("cannot look up static extrinsics",
			"to_frame", toFrame, "from_frame", fromFrame, "error", err)
		return spatialmath.Pose{}, false
	}
	l.cache[key] = pose
	return pose, true
}

// BaselinkFromSensor returns T_BASELINK_SENSOR for a named sensor frame.
// When the baselink is the sensor frame the identity is returned without
// consulting the source.
func (l *Lookup) BaselinkFromSensor(ctx context.Context, sensorFrame string, stamp time.Time) (spatialmath.Pose, bool) {
	if !l.frames.IsSensorFrame(sensorFrame) {
		l.logger.Errorw("invalid sensor frame id", "frame", sensorFrame)
		return spatialmath.Pose{}, false
	}
	if l.frames.Baselink == sensorFrame {
		return spatialmath.NewZeroPose(), true
	}
	return l.Transform(ctx, l.frames.Baselink, sensorFrame, stamp)
}

// SensorFromBaselink returns T_SENSOR_BASELINK for a named sensor frame.
func (l *Lookup) SensorFromBaselink(ctx context.Context, sensorFrame string, stamp time.Time) (spatialmath.Pose, bool) {
	if !l.frames.IsSensorFrame(sensorFrame) {
		l.logger.Errorw("invalid sensor frame id", "frame", sensorFrame)
		return spatialmath.Pose{}, false
	}
	if l.frames.Baselink == sensorFrame {
		return spatialmath.NewZeroPose(), true
	}
	return l.Transform(ctx, sensorFrame, l.frames.Baselink, stamp)
}

// BaselinkFromIMU returns T_BASELINK_IMU.
func (l *Lookup) BaselinkFromIMU(ctx context.Context, stamp time.Time) (spatialmath.Pose, bool) {
	return l.BaselinkFromSensor(ctx, l.frames.IMU, stamp)
}

// IMUFromBaselink returns T_IMU_BASELINK.
func (l *Lookup) IMUFromBaselink(ctx context.Context, stamp time.Time) (spatialmath.Pose, bool) {
	return l.SensorFromBaselink(ctx, l.frames.IMU, stamp)
}

// BaselinkFromCamera returns T_BASELINK_CAMERA.
func (l *Lookup) BaselinkFromCamera(ctx context.Context, stamp time.Time) (spatialmath.Pose, bool) {
	return l.BaselinkFromSensor(ctx, l.frames.Camera, stamp)
}

// CameraFromBaselink returns T_CAMERA_BASELINK.
func (l *Lookup) CameraFromBaselink(ctx context.Context, stamp time.Time) (spatialmath.Pose, bool) {
	return l.SensorFromBaselink(ctx, l.frames.Camera, stamp)
}

// BaselinkFromLidar returns T_BASELINK_LIDAR.
func (l *Lookup) BaselinkFromLidar(ctx context.Context, stamp time.Time) (spatialmath.Pose, bool) {
	return l.BaselinkFromSensor(ctx, l.frames.Lidar, stamp)
}

// LidarFromBaselink returns T_LIDAR_BASELINK.
func (l *Lookup) LidarFromBaselink(ctx context.Context, stamp time.Time) (spatialmath.Pose, bool) {
	return l.SensorFromBaselink(ctx, l.frames.Lidar, stamp)
}
