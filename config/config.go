// Package config loads the back end's configuration: one JSON document
// with a section per subsystem, decoded through the attribute tree into
// the typed params structs those subsystems define. Environment
// variables in the document are expanded before parsing.
package config

import (
	"bytes"
	"encoding/json"
	"io"
	"time"

	"github.com/a8m/envsubst"
	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.percepta.dev/slam/extrinsics"
	"go.percepta.dev/slam/globalmap"
	"go.percepta.dev/slam/graph"
	"go.percepta.dev/slam/imu"
	"go.percepta.dev/slam/lidar"
	"go.percepta.dev/slam/pointcloud"
	"go.percepta.dev/slam/vio"
)

// Registration type names accepted by the lidar_odometry section.
const (
	RegistrationMultiScan     = "MULTISCAN"
	RegistrationMultiScanLoam = "MULTISCANLOAM"
	RegistrationMapLoam       = "MAPLOAM"
)

// Config is the full configuration document. Sections a deployment does
// not use stay at their zero value; validation only applies to sections
// that are filled in.
type Config struct {
	// DeviceID identifies the platform in variable UUIDs.
	DeviceID string `json:"device_id"`
	// FrameIDs names the coordinate frames of the calibration.
	FrameIDs extrinsics.FrameIDs `json:"frame_ids"`
	// ExtrinsicsPath points at a static transform table on disk.
	ExtrinsicsPath string `json:"extrinsics_path"`
	// CameraModelPath points at the camera intrinsics on disk.
	CameraModelPath string `json:"camera_model_path"`

	IMU            imu.Params                 `json:"imu"`
	LidarOdometry  LidarOdometryConfig        `json:"lidar_odometry"`
	VisualOdometry vio.OdometryParams         `json:"visual_odometry"`
	Initialization vio.InitializerParams      `json:"initialization"`
	GlobalMap      globalmap.Params           `json:"global_map"`
	Refinement     globalmap.RefinementParams `json:"global_map_refinement"`
	Optimizer      OptimizerConfig            `json:"optimizer"`
	Queues         QueueConfig                `json:"queues"`
}

// LidarOdometryConfig selects and tunes the scan registration. Type is
// required whenever the section is used.
type LidarOdometryConfig struct {
	Type         string                   `json:"type"`
	Registration lidar.RegistrationParams `json:"scan_registration_config"`
	Matcher      pointcloud.ICPConfig     `json:"matcher_config"`
	// QueueSize bounds the odometry actor's pending callbacks.
	QueueSize int `json:"queue_size"`
}

// BuildRegistration constructs the registration the type names.
func (c LidarOdometryConfig) BuildRegistration(logger golog.Logger) (lidar.Registration, error) {
	switch c.Type {
	case RegistrationMultiScan:
		return lidar.NewMultiScanRegistration(lidar.NewICPAligner(c.Matcher), c.Registration, logger)
	case RegistrationMultiScanLoam:
		return lidar.NewMultiScanRegistration(lidar.NewLoamAligner(c.Matcher), c.Registration, logger)
	case RegistrationMapLoam:
		return lidar.NewScanToMapRegistration(lidar.NewLoamAligner(c.Matcher), c.Registration, logger)
	case "":
		return nil, errors.New("lidar_odometry needs a registration type")
	default:
		return nil, errors.Errorf("invalid registration type %q", c.Type)
	}
}

// OptimizerConfig bounds graph optimization rounds.
type OptimizerConfig struct {
	// MaxSolverTimeS is the wall clock budget per round, in seconds.
	MaxSolverTimeS float64 `json:"max_solver_time_in_seconds"`
	MaxIterations  int     `json:"max_iterations"`
	InitialLambda  float64 `json:"initial_lambda"`
	StepTolerance  float64 `json:"step_tolerance"`
	CostTolerance  float64 `json:"cost_tolerance"`
}

// SolverOptions maps the section onto solver bounds, leaving unset
// fields at the solver defaults.
func (c OptimizerConfig) SolverOptions() graph.SolverOptions {
	opts := graph.DefaultSolverOptions()
	if c.MaxIterations > 0 {
		opts.MaxIterations = c.MaxIterations
	}
	if c.InitialLambda > 0 {
		opts.InitialLambda = c.InitialLambda
	}
	if c.StepTolerance > 0 {
		opts.StepTolerance = c.StepTolerance
	}
	if c.CostTolerance > 0 {
		opts.CostTolerance = c.CostTolerance
	}
	return opts
}

// Budget returns the per-round wall clock budget as a duration.
func (c OptimizerConfig) Budget() time.Duration {
	return time.Duration(c.MaxSolverTimeS * float64(time.Second))
}

// QueueConfig bounds the sensor throttles and actor queues.
type QueueConfig struct {
	// ImageDepth is the throttle capacity for incoming images; arrivals
	// beyond it are dropped newest first.
	ImageDepth int `json:"image_depth"`
	// InertialDepth is the throttle capacity for inertial samples;
	// arrivals beyond it evict the oldest buffered sample.
	InertialDepth int `json:"inertial_depth"`
	// ActorSize bounds each actor's pending callback queue.
	ActorSize int `json:"actor_size"`
}

// WithDefaults returns a copy with unset fields at their defaults.
// Sections whose subsystems fill their own defaults at construction are
// left untouched.
func (c Config) WithDefaults() Config {
	if c.imuConfigured() && c.IMU.CovPriorNoise == 0 {
		c.IMU.CovPriorNoise = 1e-9
	}
	c.VisualOdometry = c.VisualOdometry.WithDefaults()
	c.Initialization = c.Initialization.WithDefaults()
	c.GlobalMap = c.GlobalMap.WithDefaults()
	c.Refinement = c.Refinement.WithDefaults()
	if c.Optimizer.MaxSolverTimeS == 0 {
		c.Optimizer.MaxSolverTimeS = 1.0
	}
	if c.Queues.ImageDepth == 0 {
		c.Queues.ImageDepth = 3
	}
	if c.Queues.InertialDepth == 0 {
		c.Queues.InertialDepth = 300
	}
	if c.Queues.ActorSize == 0 {
		c.Queues.ActorSize = 16
	}
	return c
}

// Validate reports every fault in the filled-in sections.
func (c Config) Validate() error {
	var err error
	if c.DeviceID != "" {
		if _, e := uuid.Parse(c.DeviceID); e != nil {
			err = multierr.Append(err, errors.Wrap(e, "device_id"))
		}
	}
	if c.FrameIDs != (extrinsics.FrameIDs{}) {
		if e := c.FrameIDs.Validate(); e != nil {
			err = multierr.Append(err, errors.Wrap(e, "frame_ids"))
		}
	}
	if c.imuConfigured() {
		if c.IMU.CovGyroNoise <= 0 || c.IMU.CovAccelNoise <= 0 ||
			c.IMU.CovGyroBias <= 0 || c.IMU.CovAccelBias <= 0 {
			err = multierr.Append(err,
				errors.New("imu section needs all four noise densities positive"))
		}
		if c.IMU.CovPriorNoise < 0 {
			err = multierr.Append(err, errors.New("imu cov_prior_noise cannot be negative"))
		}
	}
	if c.LidarOdometry.Type != "" {
		switch c.LidarOdometry.Type {
		case RegistrationMultiScan, RegistrationMultiScanLoam, RegistrationMapLoam:
		default:
			err = multierr.Append(err,
				errors.Errorf("invalid registration type %q", c.LidarOdometry.Type))
		}
		if e := c.LidarOdometry.Registration.WithDefaults().Validate(); e != nil {
			err = multierr.Append(err, errors.Wrap(e, "lidar_odometry"))
		}
	}
	if e := c.VisualOdometry.WithDefaults().Validate(); e != nil {
		err = multierr.Append(err, errors.Wrap(e, "visual_odometry"))
	}
	if e := c.GlobalMap.WithDefaults().Validate(); e != nil {
		err = multierr.Append(err, errors.Wrap(e, "global_map"))
	}
	if c.Optimizer.MaxSolverTimeS < 0 {
		err = multierr.Append(err,
			errors.New("max_solver_time_in_seconds cannot be negative"))
	}
	if c.Queues.ImageDepth < 0 || c.Queues.InertialDepth < 0 || c.Queues.ActorSize < 0 {
		err = multierr.Append(err, errors.New("queue bounds cannot be negative"))
	}
	return err
}

// Device returns the parsed device identity, uuid.Nil when unset.
func (c Config) Device() uuid.UUID {
	id, err := uuid.Parse(c.DeviceID)
	if err != nil {
		return uuid.Nil
	}
	return id
}

func (c Config) imuConfigured() bool {
	return c.IMU.CovGyroNoise != 0 || c.IMU.CovAccelNoise != 0 ||
		c.IMU.CovGyroBias != 0 || c.IMU.CovAccelBias != 0 ||
		c.IMU.CovPriorNoise != 0
}

// FromAttributes binds an attribute tree to a Config. Defaults are not
// applied and nothing is validated; Read does both.
func FromAttributes(attributes AttributeMap) (*Config, error) {
	var cfg Config
	if err := DecodeAttributes(attributes, &cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	return &cfg, nil
}

// FromReader parses a config document, fills defaults, and validates.
func FromReader(r io.Reader) (*Config, error) {
	var attributes AttributeMap
	if err := json.NewDecoder(r).Decode(&attributes); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}
	cfg, err := FromAttributes(attributes)
	if err != nil {
		return nil, err
	}
	filled := cfg.WithDefaults()
	if err := filled.Validate(); err != nil {
		return nil, err
	}
	return &filled, nil
}

// Read reads a config from the given file, expanding environment
// variables first.
func Read(filePath string) (*Config, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", filePath)
	}
	return FromReader(bytes.NewReader(buf))
}
