package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"go.viam.com/test"

	"go.percepta.dev/slam/lidar"
	"go.percepta.dev/slam/pointcloud"
)

const testDocument = `{
	"device_id": "7b5e8c12-9a3d-4f61-b284-5c1e9d07a6f4",
	"frame_ids": {
		"world_frame": "world",
		"baselink_frame": "imu_link",
		"imu_frame": "imu_link",
		"camera_frame": "camera_link",
		"lidar_frame": "lidar_link"
	},
	"extrinsics_path": "${SLAM_CALIB}/extrinsics.json",
	"camera_model_path": "${SLAM_CALIB}/camera.json",
	"imu": {
		"cov_gyro_noise": 1e-4,
		"cov_accel_noise": 1e-3,
		"cov_gyro_bias": 1e-6,
		"cov_accel_bias": 1e-5
	},
	"lidar_odometry": {
		"type": "MULTISCAN",
		"scan_registration_config": {
			"num_neighbors": 3,
			"lag_duration": 2.5,
			"fix_first_scan": true
		},
		"matcher_config": {"max_iterations": 60},
		"queue_size": 8
	},
	"visual_odometry": {
		"num_features_to_track": 250,
		"keyframe_parallax": 12
	},
	"initialization": {"max_optimization_s": 0.5},
	"global_map": {
		"submap_size": 5,
		"reloc_refinement_type": "GICP"
	},
	"optimizer": {
		"max_solver_time_in_seconds": 0.2,
		"max_iterations": 50
	},
	"queues": {"image_depth": 4}
}`

func writeTestConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	test.That(t, os.WriteFile(path, []byte(doc), 0o600), test.ShouldBeNil)
	return path
}

func TestRead(t *testing.T) {
	calib := t.TempDir()
	t.Setenv("SLAM_CALIB", calib)

	cfg, err := Read(writeTestConfig(t, testDocument))
	test.That(t, err, test.ShouldBeNil)

	test.That(t, cfg.Device(), test.ShouldEqual,
		uuid.MustParse("7b5e8c12-9a3d-4f61-b284-5c1e9d07a6f4"))
	test.That(t, cfg.FrameIDs.Baselink, test.ShouldEqual, "imu_link")
	test.That(t, cfg.ExtrinsicsPath, test.ShouldEqual, filepath.Join(calib, "extrinsics.json"))
	test.That(t, cfg.CameraModelPath, test.ShouldEqual, filepath.Join(calib, "camera.json"))

	test.That(t, cfg.IMU.CovGyroNoise, test.ShouldEqual, 1e-4)
	test.That(t, cfg.IMU.CovPriorNoise, test.ShouldEqual, 1e-9)

	test.That(t, cfg.LidarOdometry.Type, test.ShouldEqual, RegistrationMultiScan)
	test.That(t, cfg.LidarOdometry.Registration.NumNeighbors, test.ShouldEqual, 3)
	test.That(t, cfg.LidarOdometry.Registration.LagDuration, test.ShouldEqual, 2.5)
	test.That(t, cfg.LidarOdometry.Registration.FixFirstScan, test.ShouldBeTrue)
	test.That(t, cfg.LidarOdometry.Matcher.MaxIterations, test.ShouldEqual, 60)
	test.That(t, cfg.LidarOdometry.QueueSize, test.ShouldEqual, 8)

	test.That(t, cfg.VisualOdometry.NumFeaturesToTrack, test.ShouldEqual, 250)
	test.That(t, cfg.VisualOdometry.KeyframeParallax, test.ShouldEqual, 12.0)
	test.That(t, cfg.VisualOdometry.WindowSize, test.ShouldEqual, 10)

	test.That(t, cfg.Initialization.MaxOptimizationS, test.ShouldEqual, 0.5)
	test.That(t, cfg.Initialization.MinVisualParallax, test.ShouldEqual, 40.0)

	test.That(t, cfg.GlobalMap.SubmapSize, test.ShouldEqual, 5.0)
	test.That(t, cfg.GlobalMap.RefinementType, test.ShouldEqual, "GICP")
	test.That(t, cfg.GlobalMap.CandidateSearchType, test.ShouldEqual, "EUCDIST")

	test.That(t, cfg.Optimizer.Budget(), test.ShouldEqual, 200*time.Millisecond)
	opts := cfg.Optimizer.SolverOptions()
	test.That(t, opts.MaxIterations, test.ShouldEqual, 50)
	test.That(t, opts.StepTolerance, test.ShouldEqual, 1e-12)

	test.That(t, cfg.Queues.ImageDepth, test.ShouldEqual, 4)
	test.That(t, cfg.Queues.InertialDepth, test.ShouldEqual, 300)
	test.That(t, cfg.Queues.ActorSize, test.ShouldEqual, 16)
}

func TestReadRejectsInvalid(t *testing.T) {
	_, err := Read(writeTestConfig(t, `{"lidar_odometry": {"type": "NDTSCAN"}}`))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "invalid registration type")

	_, err = Read(writeTestConfig(t, `{"device_id": "not-a-uuid"}`))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "device_id")

	_, err = Read(filepath.Join(t.TempDir(), "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestDefaultsAndValidate(t *testing.T) {
	cfg := Config{}.WithDefaults()
	test.That(t, cfg.Validate(), test.ShouldBeNil)
	test.That(t, cfg.VisualOdometry.WindowSize, test.ShouldEqual, 10)
	test.That(t, cfg.GlobalMap.SubmapSize, test.ShouldEqual, 10.0)
	test.That(t, cfg.Optimizer.MaxSolverTimeS, test.ShouldEqual, 1.0)
	test.That(t, cfg.Device(), test.ShouldEqual, uuid.Nil)

	// A partially filled IMU section is a fault, not a default.
	bad := Config{}
	bad.IMU.CovGyroNoise = 1e-4
	err := bad.Validate()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "noise densities")

	bad = Config{}
	bad.FrameIDs.World = "world"
	test.That(t, bad.Validate(), test.ShouldNotBeNil)

	bad = Config{}
	bad.Queues.ImageDepth = -1
	test.That(t, bad.Validate(), test.ShouldNotBeNil)
}

func TestBuildRegistration(t *testing.T) {
	logger := golog.NewTestLogger(t)

	reg, err := LidarOdometryConfig{Type: RegistrationMultiScan}.BuildRegistration(logger)
	test.That(t, err, test.ShouldBeNil)
	_, ok := reg.(*lidar.MultiScanRegistration)
	test.That(t, ok, test.ShouldBeTrue)

	reg, err = LidarOdometryConfig{Type: RegistrationMultiScanLoam}.BuildRegistration(logger)
	test.That(t, err, test.ShouldBeNil)
	_, ok = reg.(*lidar.MultiScanRegistration)
	test.That(t, ok, test.ShouldBeTrue)

	reg, err = LidarOdometryConfig{Type: RegistrationMapLoam}.BuildRegistration(logger)
	test.That(t, err, test.ShouldBeNil)
	_, ok = reg.(*lidar.ScanToMapRegistration)
	test.That(t, ok, test.ShouldBeTrue)

	_, err = LidarOdometryConfig{}.BuildRegistration(logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "needs a registration type")

	_, err = LidarOdometryConfig{Type: "TEASER"}.BuildRegistration(logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "invalid registration type")
}

func TestAttributeMap(t *testing.T) {
	am := AttributeMap{
		"name":    "velodyne",
		"rate":    10.5,
		"count":   float64(7),
		"enabled": true,
		"matcher": map[string]interface{}{"max_iterations": float64(25)},
	}

	test.That(t, am.Has("name"), test.ShouldBeTrue)
	test.That(t, am.Has("absent"), test.ShouldBeFalse)
	test.That(t, am.String("name"), test.ShouldEqual, "velodyne")
	test.That(t, am.String("absent"), test.ShouldEqual, "")
	test.That(t, am.Float64("rate", 0), test.ShouldEqual, 10.5)
	test.That(t, am.Float64("absent", 2.5), test.ShouldEqual, 2.5)
	test.That(t, am.Int("count", 0), test.ShouldEqual, 7)
	test.That(t, am.Int("absent", 3), test.ShouldEqual, 3)
	test.That(t, am.Bool("enabled", false), test.ShouldBeTrue)
	test.That(t, am.Bool("absent", true), test.ShouldBeTrue)
	test.That(t, func() { am.String("rate") }, test.ShouldPanic)
	test.That(t, func() { am.Int("name", 0) }, test.ShouldPanic)

	section := am.Section("matcher")
	test.That(t, section, test.ShouldNotBeNil)
	test.That(t, am.Section("name"), test.ShouldBeNil)

	var icp pointcloud.ICPConfig
	test.That(t, DecodeAttributes(section, &icp), test.ShouldBeNil)
	test.That(t, icp.MaxIterations, test.ShouldEqual, 25)
}
