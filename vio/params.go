// Package vio bootstraps and runs visual inertial odometry: a short
// alignment solve recovers gravity, scale, and gyro bias from the first
// seconds of data, after which each image is localized against the
// triangulated landmark map and keyframes emit reprojection and inertial
// factors.
package vio

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.percepta.dev/slam/vision"
)

// InitializerParams bound the bootstrap solve.
type InitializerParams struct {
	// MaxOptimizationS is the wall clock budget for the local bundle
	// adjustment, in seconds.
	MaxOptimizationS float64 `json:"max_optimization_s"`
	// InertialInfoWeight scales the square root information of every
	// inertial factor the bootstrap preintegrator emits.
	InertialInfoWeight float64 `json:"inertial_info_weight"`
	// ReprojectionInfoWeight scales reprojection residuals.
	ReprojectionInfoWeight float64 `json:"reprojection_information_weight"`
	// LidarInfoWeight scales the relative pose factors derived from an
	// externally supplied initialization path.
	LidarInfoWeight float64 `json:"lidar_information_weight"`
	// MinTrajectoryLengthM is the trajectory length a supplied path must
	// cover before an attempt is made.
	MinTrajectoryLengthM float64 `json:"min_trajectory_length_m"`
	// MinVisualParallax is the mean pixel parallax the candidate frames
	// must show before the two view fallback is attempted.
	MinVisualParallax float64 `json:"min_visual_parallax"`
	// InitializationWindowS bounds the image and inertial buffers.
	InitializationWindowS float64 `json:"initialization_window_s"`
	// MaxTriangulationDistance rejects bootstrap landmarks further than
	// this from the first observing camera.
	MaxTriangulationDistance float64 `json:"max_triangulation_distance"`
}

// WithDefaults fills unset fields.
func (p InitializerParams) WithDefaults() InitializerParams {
	if p.MaxOptimizationS <= 0 {
		p.MaxOptimizationS = 1.0
	}
	if p.InertialInfoWeight <= 0 {
		p.InertialInfoWeight = 0.001
	}
	if p.ReprojectionInfoWeight <= 0 {
		p.ReprojectionInfoWeight = 1.0
	}
	if p.LidarInfoWeight <= 0 {
		p.LidarInfoWeight = 1.0
	}
	if p.MinTrajectoryLengthM <= 0 {
		p.MinTrajectoryLengthM = 2.0
	}
	if p.MinVisualParallax <= 0 {
		p.MinVisualParallax = 40.0
	}
	if p.InitializationWindowS <= 0 {
		p.InitializationWindowS = 10.0
	}
	if p.MaxTriangulationDistance <= 0 {
		p.MaxTriangulationDistance = 30.0
	}
	return p
}

// Window returns the buffer span as a duration.
func (p InitializerParams) Window() time.Duration {
	return time.Duration(p.InitializationWindowS * float64(time.Second))
}

// OdometryParams govern tracking and the keyframe decision.
type OdometryParams struct {
	// NumFeaturesToTrack is forwarded to the feature tracker.
	NumFeaturesToTrack int `json:"num_features_to_track"`
	// WindowSize is the sliding keyframe window; a frame arriving
	// WindowSize-1 frames after the last keyframe always becomes one.
	WindowSize int `json:"window_size"`
	// KeyframeParallax declares a keyframe once the mean pixel parallax
	// against the last keyframe reaches this.
	KeyframeParallax float64 `json:"keyframe_parallax"`
	// KeyframeMinTime declares a keyframe once this many seconds have
	// passed since the last one.
	KeyframeMinTime float64 `json:"keyframe_min_time"`
	// KeyframeTracksDrop declares a keyframe when the number of
	// triangulated tracks in view falls below this.
	KeyframeTracksDrop int `json:"keyframe_tracks_drop"`

	PnP           vision.PnPParams           `json:"pnp"`
	Triangulation vision.TriangulationParams `json:"triangulation"`
}

// WithDefaults fills unset fields.
func (p OdometryParams) WithDefaults() OdometryParams {
	if p.NumFeaturesToTrack <= 0 {
		p.NumFeaturesToTrack = 300
	}
	if p.WindowSize <= 0 {
		p.WindowSize = 10
	}
	if p.KeyframeParallax <= 0 {
		p.KeyframeParallax = 10.0
	}
	if p.KeyframeMinTime <= 0 {
		p.KeyframeMinTime = 0.25
	}
	if p.KeyframeTracksDrop <= 0 {
		p.KeyframeTracksDrop = 20
	}
	p.PnP = p.PnP.WithDefaults()
	return p
}

// Validate rejects parameter combinations the keyframe policy cannot run
// with.
func (p OdometryParams) Validate() error {
	var err error
	if p.WindowSize < 2 {
		err = multierr.Append(err, errors.New("window_size must be at least 2"))
	}
	if p.KeyframeMinTime <= 0 {
		err = multierr.Append(err, errors.New("keyframe_min_time must be positive"))
	}
	return err
}

// MinKeyframeInterval returns the time based keyframe trigger as a
// duration.
func (p OdometryParams) MinKeyframeInterval() time.Duration {
	return time.Duration(p.KeyframeMinTime * float64(time.Second))
}
