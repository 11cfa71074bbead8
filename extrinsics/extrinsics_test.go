package extrinsics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.percepta.dev/slam/spatialmath"
)

func testFrames() FrameIDs {
	return FrameIDs{
		World:    "world",
		Baselink: "imu_link",
		IMU:      "imu_link",
		Camera:   "camera_link",
		Lidar:    "lidar_link",
	}
}

func TestFrameIDsValidate(t *testing.T) {
	test.That(t, testFrames().Validate(), test.ShouldBeNil)

	missing := testFrames()
	missing.Camera = ""
	test.That(t, missing.Validate(), test.ShouldNotBeNil)

	floating := testFrames()
	floating.Baselink = "base_link"
	test.That(t, floating.Validate(), test.ShouldNotBeNil)

	frames := testFrames()
	test.That(t, frames.IsSensorFrame("camera_link"), test.ShouldBeTrue)
	test.That(t, frames.IsSensorFrame("world"), test.ShouldBeFalse)
}

func TestLookupStaticCaching(t *testing.T) {
	logger := golog.NewTestLogger(t)
	source := NewStaticSource()
	camPose := spatialmath.NewPoseFromEuler(0.1, 0, 0, r3.Vector{X: 0.2})
	source.Set("imu_link", "camera_link", camPose)

	calls := 0
	counting := countingSource{inner: source, calls: &calls}
	lookup, err := NewLookup(testFrames(), counting, true, logger)
	test.That(t, err, test.ShouldBeNil)

	ctx := context.Background()
	got, ok := lookup.BaselinkFromCamera(ctx, time.Now())
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, spatialmath.AlmostEqual(got, camPose, 1e-12, 1e-12), test.ShouldBeTrue)

	// second read is served from the cache
	_, ok = lookup.BaselinkFromCamera(ctx, time.Now())
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, calls, test.ShouldEqual, 1)
}

func TestLookupDynamicReadThrough(t *testing.T) {
	logger := golog.NewTestLogger(t)
	source := NewStaticSource()
	source.Set("imu_link", "lidar_link", spatialmath.NewPose(
		spatialmath.NewZeroPose().Rotation(), r3.Vector{Z: 0.5}))

	calls := 0
	lookup, err := NewLookup(testFrames(), countingSource{inner: source, calls: &calls}, false, logger)
	test.That(t, err, test.ShouldBeNil)

	ctx := context.Background()
	_, ok := lookup.BaselinkFromLidar(ctx, time.Now())
	test.That(t, ok, test.ShouldBeTrue)
	_, ok = lookup.BaselinkFromLidar(ctx, time.Now())
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, calls, test.ShouldEqual, 2)
}

func TestLookupIdentityShortcut(t *testing.T) {
	logger := golog.NewTestLogger(t)
	calls := 0
	lookup, err := NewLookup(testFrames(), countingSource{inner: NewStaticSource(), calls: &calls}, true, logger)
	test.That(t, err, test.ShouldBeNil)

	// baselink is the imu frame, so no source consultation happens
	got, ok := lookup.BaselinkFromIMU(context.Background(), time.Now())
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, spatialmath.AlmostEqual(got, spatialmath.NewZeroPose(), 1e-12, 1e-12), test.ShouldBeTrue)
	test.That(t, calls, test.ShouldEqual, 0)
}

func TestLookupMissingTransform(t *testing.T) {
	logger, observer := golog.NewObservedTestLogger(t)
	lookup, err := NewLookup(testFrames(), NewStaticSource(), true, logger)
	test.That(t, err, test.ShouldBeNil)

	_, ok := lookup.BaselinkFromCamera(context.Background(), time.Now())
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, len(observer.FilterMessageSnippet("cannot look up").All()), test.ShouldEqual, 1)

	_, ok = lookup.BaselinkFromSensor(context.Background(), "not_a_frame", time.Now())
	test.That(t, ok, test.ShouldBeFalse)
}

func TestStaticSourceInverse(t *testing.T) {
	source := NewStaticSource()
	pose := spatialmath.NewPoseFromEuler(0.2, -0.1, 0.3, r3.Vector{X: 1, Y: 2, Z: 3})
	source.Set("imu_link", "camera_link", pose)

	fwd, err := source.LookupTransform(context.Background(), "imu_link", "camera_link", time.Now())
	test.That(t, err, test.ShouldBeNil)
	inv, err := source.LookupTransform(context.Background(), "camera_link", "imu_link", time.Now())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.AlmostEqual(fwd.Compose(inv), spatialmath.NewZeroPose(), 1e-12, 1e-12), test.ShouldBeTrue)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	logger := golog.NewTestLogger(t)
	dir := t.TempDir()

	source := NewStaticSource()
	camPose := spatialmath.NewPoseFromEuler(0.1, 0.2, -0.3, r3.Vector{X: 0.05, Y: -0.02, Z: 0.1})
	lidarPose := spatialmath.NewPose(spatialmath.NewZeroPose().Rotation(), r3.Vector{Z: 0.4})
	source.Set("imu_link", "camera_link", camPose)
	source.Set("imu_link", "lidar_link", lidarPose)

	lookup, err := NewLookup(testFrames(), source, true, logger)
	test.That(t, err, test.ShouldBeNil)

	ctx := context.Background()
	_, ok := lookup.BaselinkFromCamera(ctx, time.Now())
	test.That(t, ok, test.ShouldBeTrue)
	_, ok = lookup.BaselinkFromLidar(ctx, time.Now())
	test.That(t, ok, test.ShouldBeTrue)

	extrinsicsPath := filepath.Join(dir, "extrinsics.json")
	frameIDsPath := filepath.Join(dir, "frame_ids.json")
	test.That(t, lookup.SaveJSON(extrinsicsPath), test.ShouldBeNil)
	test.That(t, lookup.FrameIDs().SaveJSON(frameIDsPath), test.ShouldBeNil)

	reloaded, err := LoadLookup(extrinsicsPath, frameIDsPath, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, reloaded.FrameIDs(), test.ShouldResemble, testFrames())

	got, ok := reloaded.BaselinkFromCamera(ctx, time.Now())
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, spatialmath.AlmostEqual(got, camPose, 1e-9, 1e-9), test.ShouldBeTrue)
	got, ok = reloaded.BaselinkFromLidar(ctx, time.Now())
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, spatialmath.AlmostEqual(got, lidarPose, 1e-9, 1e-9), test.ShouldBeTrue)
}

// countingSource wraps a source and counts lookups.
type countingSource struct {
	inner TransformSource
	calls *int
}

func (c countingSource) LookupTransform(
	ctx context.Context,
	toFrame, fromFrame string,
	stamp time.Time,
) (spatialmath.Pose, error) {
	*c.calls++
	pose, err := c.inner.LookupTransform(ctx, toFrame, fromFrame, stamp)
	if err != nil {
		return pose, errors.Wrap(err, "counting source")
	}
	return pose, nil
}
