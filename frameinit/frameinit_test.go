package frameinit

import (
	"context"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.percepta.dev/slam/extrinsics"
	"go.percepta.dev/slam/spatialmath"
)

func testLookup(t *testing.T) (*extrinsics.Lookup, *extrinsics.StaticSource) {
	t.Helper()
	source := extrinsics.NewStaticSource()
	lookup, err := extrinsics.NewLookup(extrinsics.FrameIDs{
		World:    "world",
		Baselink: "imu_link",
		IMU:      "imu_link",
		Camera:   "camera_link",
		Lidar:    "lidar_link",
	}, source, true, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return lookup, source
}

func testOdom(sec float64, x float64) Odometry {
	return Odometry{
		Stamp:       time.Unix(0, int64(sec*float64(time.Second))).UTC(),
		ParentFrame: "world",
		ChildFrame:  "imu_link",
		Pose:        spatialmath.NewPose(spatialmath.NewZeroPose().Rotation(), r3.Vector{X: x}),
	}
}

func TestNewInitializerValidation(t *testing.T) {
	logger := golog.NewTestLogger(t)
	lookup, _ := testLookup(t)

	_, err := NewInitializer(nil, Options{BufferDuration: time.Second}, logger)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = NewInitializer(lookup, Options{}, logger)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = NewInitializer(lookup, Options{
		BufferDuration:      time.Second,
		SensorFrameOverride: "not_a_frame",
	}, logger)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = NewInitializer(lookup, Options{
		BufferDuration:      time.Second,
		SensorFrameOverride: "lidar_link",
	}, logger)
	test.That(t, err, test.ShouldBeNil)
}

func TestPoseAtInterpolates(t *testing.T) {
	lookup, _ := testLookup(t)
	init, err := NewInitializer(lookup, Options{BufferDuration: time.Minute}, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	ctx := context.Background()
	test.That(t, init.AddOdometry(ctx, testOdom(1, 0)), test.ShouldBeNil)
	test.That(t, init.AddOdometry(ctx, testOdom(2, 1)), test.ShouldBeNil)
	test.That(t, init.AddOdometry(ctx, testOdom(3, 2)), test.ShouldBeNil)

	// exact stamp
	pose, ok := init.PoseAt(testOdom(2, 0).Stamp)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, pose.Translation().X, test.ShouldAlmostEqual, 1, 1e-12)

	// midway
	pose, ok = init.PoseAt(time.Unix(0, int64(2.5*float64(time.Second))).UTC())
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, pose.Translation().X, test.ShouldAlmostEqual, 1.5, 1e-12)

	// outside the span fails
	_, ok = init.PoseAt(time.Unix(0, 0).UTC())
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = init.PoseAt(time.Unix(10, 0).UTC())
	test.That(t, ok, test.ShouldBeFalse)
}

func TestOutOfOrderInsert(t *testing.T) {
	lookup, _ := testLookup(t)
	init, err := NewInitializer(lookup, Options{BufferDuration: time.Minute}, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	ctx := context.Background()
	test.That(t, init.AddOdometry(ctx, testOdom(1, 0)), test.ShouldBeNil)
	test.That(t, init.AddOdometry(ctx, testOdom(3, 2)), test.ShouldBeNil)
	test.That(t, init.AddOdometry(ctx, testOdom(2, 1)), test.ShouldBeNil)

	pose, ok := init.PoseAt(time.Unix(0, int64(1.5*float64(time.Second))).UTC())
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, pose.Translation().X, test.ShouldAlmostEqual, 0.5, 1e-12)
}

func TestBufferEviction(t *testing.T) {
	lookup, _ := testLookup(t)
	init, err := NewInitializer(lookup, Options{BufferDuration: 2 * time.Second}, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	ctx := context.Background()
	for sec := 1; sec <= 6; sec++ {
		test.That(t, init.AddOdometry(ctx, testOdom(float64(sec), float64(sec))), test.ShouldBeNil)
	}

	first, last, ok := init.TimeSpan()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, last.Sub(first), test.ShouldBeLessThanOrEqualTo, 2*time.Second)
	test.That(t, init.Len(), test.ShouldEqual, 3)

	_, ok = init.PoseAt(testOdom(1, 0).Stamp)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestSensorFrameResolution(t *testing.T) {
	lookup, source := testLookup(t)
	lidarOffset := spatialmath.NewPose(spatialmath.NewZeroPose().Rotation(), r3.Vector{Z: 0.5})
	source.Set("imu_link", "lidar_link", lidarOffset)

	init, err := NewInitializer(lookup, Options{BufferDuration: time.Minute}, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	// child frame names the lidar, so the extrinsic to baselink is applied
	msg := testOdom(1, 1)
	msg.ChildFrame = "lidar_link"
	test.That(t, init.AddOdometry(context.Background(), msg), test.ShouldBeNil)
	test.That(t, init.AddOdometry(context.Background(), func() Odometry {
		m := testOdom(2, 2)
		m.ChildFrame = "lidar_link"
		return m
	}()), test.ShouldBeNil)

	pose, ok := init.PoseAt(msg.Stamp)
	test.That(t, ok, test.ShouldBeTrue)
	want := msg.Pose.Compose(lidarOffset.Invert())
	test.That(t, spatialmath.AlmostEqual(pose, want, 1e-9, 1e-9), test.ShouldBeTrue)
}

func TestUnknownChildFrame(t *testing.T) {
	lookup, _ := testLookup(t)
	init, err := NewInitializer(lookup, Options{BufferDuration: time.Minute}, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	msg := testOdom(1, 0)
	msg.ChildFrame = "mystery_frame"
	test.That(t, init.AddOdometry(context.Background(), msg), test.ShouldNotBeNil)
}

func TestOriginalOverrideApplied(t *testing.T) {
	lookup, source := testLookup(t)
	camOffset := spatialmath.NewPoseFromEuler(0, 0, 0.1, r3.Vector{X: 0.05})
	source.Set("imu_link", "camera_link", camOffset)

	override := spatialmath.NewPose(spatialmath.NewZeroPose().Rotation(), r3.Vector{Y: 0.2})
	init, err := NewInitializer(lookup, Options{
		BufferDuration:      time.Minute,
		SensorFrameOverride: "camera_link",
		OriginalOverride:    &override,
	}, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	msg := testOdom(1, 1)
	msg.ChildFrame = "camera_link"
	test.That(t, init.AddOdometry(context.Background(), msg), test.ShouldBeNil)

	pose, ok := init.PoseAt(msg.Stamp)
	test.That(t, ok, test.ShouldBeTrue)
	want := msg.Pose.Compose(override).Compose(camOffset.Invert())
	test.That(t, spatialmath.AlmostEqual(pose, want, 1e-9, 1e-9), test.ShouldBeTrue)
}
