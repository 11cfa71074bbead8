// Package frameinit produces best-effort world-frame pose estimates at
// arbitrary timestamps by buffering an external odometry stream.
package frameinit

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"go.percepta.dev/slam/extrinsics"
	"go.percepta.dev/slam/spatialmath"
)

// Odometry is one message of the external odometry stream. Pose is the
// child frame expressed in the parent frame.
type Odometry struct {
	Stamp       time.Time
	ParentFrame string
	ChildFrame  string
	Pose        spatialmath.Pose
}

// Options configure an Initializer.
type Options struct {
	// BufferDuration bounds how much history is kept. Entries older than
	// the newest stamp minus this duration are evicted.
	BufferDuration time.Duration
	// SensorFrameOverride forces the odometry child frame to be treated
	// as this sensor frame instead of resolving it from the messages.
	SensorFrameOverride string
	// OriginalOverride is applied on the right of every incoming pose
	// before the extrinsic to baselink, for streams whose child frame is
	// offset from the calibrated sensor frame.
	OriginalOverride *spatialmath.Pose
}

type stampedPose struct {
	stamp time.Time
	pose  spatialmath.Pose
}

// Initializer converts odometry messages to baselink poses and serves
// interpolated estimates at arbitrary query times.
type Initializer struct {
	mu            sync.Mutex
	lookup        *extrinsics.Lookup
	buffer        []stampedPose
	bufferFor     time.Duration
	sensorFrame   string
	overrideFrame bool
	origOverride  spatialmath.Pose
	checkedFrames bool
	logger        golog.Logger
}

// NewInitializer validates the options against the extrinsics and
// returns an empty initializer.
func NewInitializer(lookup *extrinsics.Lookup, opts Options, logger golog.Logger) (*Initializer, error) {
	if lookup == nil {
		return nil, errors.New("frame initializer needs an extrinsics lookup")
	}
	if opts.BufferDuration <= 0 {
		return nil, errors.New("pose buffer duration must be positive")
	}

	init := &Initializer{
		lookup:       lookup,
		bufferFor:    opts.BufferDuration,
		sensorFrame:  lookup.FrameIDs().Baselink,
		origOverride: spatialmath.NewZeroPose(),
		logger:       logger,
	}
	if opts.OriginalOverride != nil {
		init.origOverride = *opts.OriginalOverride
	}
	if opts.SensorFrameOverride != "" {
		if !lookup.FrameIDs().IsSensorFrame(opts.SensorFrameOverride) {
			return nil, errors.Errorf("sensor frame id override %q invalid", opts.SensorFrameOverride)
		}
		logger.Infow("overriding sensor frame id in odometry messages",
			"frame", opts.SensorFrameOverride)
		init.sensorFrame = opts.SensorFrameOverride
		init.overrideFrame = true
	}
	return init, nil
}

// checkFrameIDs runs once on the first message to resolve which sensor
// frame the stream reports.
func (in *Initializer) checkFrameIDs(msg Odometry) error {
	in.checkedFrames = true
	frames := in.lookup.FrameIDs()

	if !strings.Contains(msg.ParentFrame, frames.World) {
		in.logger.Warnw("world frame in extrinsics does not match parent frame in odometry messages, using extrinsics",
			"parent_frame", msg.ParentFrame, "world_frame", frames.World)
	}

	if in.overrideFrame {
		return nil
	}
	switch {
	case strings.Contains(msg.ChildFrame, frames.IMU):
		in.sensorFrame = frames.IMU
	case strings.Contains(msg.ChildFrame, frames.Camera):
		in.sensorFrame = frames.Camera
	case strings.Contains(msg.ChildFrame, frames.Lidar):
		in.sensorFrame = frames.Lidar
	default:
		return errors.Errorf(
			"sensor frame id in odometry message (%s) not equal to any sensor frame in extrinsics",
			msg.ChildFrame)
	}
	return nil
}

// AddOdometry converts a message to a baselink pose and stores it. An
// unresolvable child frame is an error; a missing extrinsic only skips
// the message.
func (in *Initializer) AddOdometry(ctx context.Context, msg Odometry) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if !in.checkedFrames {
		if err := in.checkFrameIDs(msg); err != nil {
			return err
		}
	}

	frames := in.lookup.FrameIDs()
	worldBaselink := msg.Pose
	if in.sensorFrame != frames.Baselink {
		sensorBaselink, ok := in.lookup.SensorFromBaselink(ctx, in.sensorFrame, msg.Stamp)
		if !ok {
			in.logger.Warnw("skipping odometry message", "stamp", msg.Stamp)
			return nil
		}
		worldBaselink = msg.Pose.Compose(in.origOverride).Compose(sensorBaselink)
	}

	in.insertLocked(stampedPose{stamp: msg.Stamp, pose: worldBaselink})
	in.evictLocked()
	return nil
}

// insertLocked keeps the buffer sorted by stamp; a duplicate stamp
// replaces the stored pose.
func (in *Initializer) insertLocked(entry stampedPose) {
	i := sort.Search(len(in.buffer), func(i int) bool {
		return !in.buffer[i].stamp.Before(entry.stamp)
	})
	if i < len(in.buffer) && in.buffer[i].stamp.Equal(entry.stamp) {
		in.buffer[i] = entry
		return
	}
	in.buffer = append(in.buffer, stampedPose{})
	copy(in.buffer[i+1:], in.buffer[i:])
	in.buffer[i] = entry
}

func (in *Initializer) evictLocked() {
	if len(in.buffer) == 0 {
		return
	}
	cutoff := in.buffer[len(in.buffer)-1].stamp.Add(-in.bufferFor)
	first := sort.Search(len(in.buffer), func(i int) bool {
		return !in.buffer[i].stamp.Before(cutoff)
	})
	if first > 0 {
		in.buffer = append(in.buffer[:0], in.buffer[first:]...)
	}
}

// PoseAt returns T_WORLD_BASELINK at the query time, interpolating
// between the surrounding stream samples. Queries outside the buffered
// span fail.
func (in *Initializer) PoseAt(stamp time.Time) (spatialmath.Pose, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if len(in.buffer) == 0 {
		return spatialmath.Pose{}, false
	}
	first, last := in.buffer[0].stamp, in.buffer[len(in.buffer)-1].stamp
	if stamp.Before(first) || stamp.After(last) {
		return spatialmath.Pose{}, false
	}

	i := sort.Search(len(in.buffer), func(i int) bool {
		return !in.buffer[i].stamp.Before(stamp)
	})
	if in.buffer[i].stamp.Equal(stamp) {
		return in.buffer[i].pose, true
	}

	lo, hi := in.buffer[i-1], in.buffer[i]
	span := hi.stamp.Sub(lo.stamp).Seconds()
	ratio := stamp.Sub(lo.stamp).Seconds() / span
	return spatialmath.Interpolate(lo.pose, hi.pose, ratio), true
}

// Len returns the number of buffered poses.
func (in *Initializer) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.buffer)
}

// TimeSpan returns the stamps of the oldest and newest buffered poses.
func (in *Initializer) TimeSpan() (first, last time.Time, ok bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.buffer) == 0 {
		return time.Time{}, time.Time{}, false
	}
	return in.buffer[0].stamp, in.buffer[len(in.buffer)-1].stamp, true
}
