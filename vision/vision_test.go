package vision

import (
	"math"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.percepta.dev/slam/graph"
	"go.percepta.dev/slam/spatialmath"
)

var testDevice = uuid.MustParse("9d3f1e28-7c44-4b6f-8a15-20e6b1c3a9d2")

func testStamp(ms int) time.Time {
	return time.Unix(1660000000, 0).UTC().Add(time.Duration(ms) * time.Millisecond)
}

func testCamera() *CameraModel {
	return &CameraModel{
		Intrinsics: PinholeIntrinsics{Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240},
		Distortion: BrownConrady{RadialK1: -0.1, RadialK2: 0.02, TangentialP1: 0.001, TangentialP2: -0.0005},
	}
}

func idealCamera() *CameraModel {
	return &CameraModel{
		Intrinsics: PinholeIntrinsics{Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240},
	}
}

func TestBrownConradyRoundTrip(t *testing.T) {
	d := testCamera().Distortion
	for _, pt := range []r2.Point{{X: 0.1, Y: -0.2}, {X: -0.35, Y: 0.3}, {X: 0, Y: 0}} {
		xd, yd := d.Distort(pt.X, pt.Y)
		xu, yu := d.Undistort(xd, yd)
		test.That(t, xu, test.ShouldAlmostEqual, pt.X, 1e-9)
		test.That(t, yu, test.ShouldAlmostEqual, pt.Y, 1e-9)
	}
}

func TestProjectBounds(t *testing.T) {
	cam := testCamera()

	pix, ok := cam.Project(r3.Vector{X: 0.2, Y: -0.1, Z: 5})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, pix.X, test.ShouldBeBetween, 0.0, 640.0)
	test.That(t, pix.Y, test.ShouldBeBetween, 0.0, 480.0)

	_, ok = cam.Project(r3.Vector{X: 0.2, Y: -0.1, Z: -5})
	test.That(t, ok, test.ShouldBeFalse)

	_, ok = cam.Project(r3.Vector{X: 50, Y: 0, Z: 5})
	test.That(t, ok, test.ShouldBeFalse)
}

func TestProjectNormalizeRoundTrip(t *testing.T) {
	cam := testCamera()
	p := r3.Vector{X: 0.4, Y: -0.3, Z: 4}
	pix, ok := cam.Project(p)
	test.That(t, ok, test.ShouldBeTrue)
	n := cam.Normalize(pix)
	test.That(t, n.X, test.ShouldAlmostEqual, p.X/p.Z, 1e-9)
	test.That(t, n.Y, test.ShouldAlmostEqual, p.Y/p.Z, 1e-9)
}

func TestProjectionJacobian(t *testing.T) {
	cam := testCamera()
	p := r3.Vector{X: 0.3, Y: -0.25, Z: 3.5}
	_, jac := cam.ProjectWithJacobian(p)

	const eps = 1e-7
	base := cam.projectDepthClamped(p)
	for col, delta := range []r3.Vector{{X: eps}, {Y: eps}, {Z: eps}} {
		pert := cam.projectDepthClamped(p.Add(delta))
		test.That(t, jac.At(0, col), test.ShouldAlmostEqual, (pert.X-base.X)/eps, 1e-4)
		test.That(t, jac.At(1, col), test.ShouldAlmostEqual, (pert.Y-base.Y)/eps, 1e-4)
	}
}

func TestCameraModelJSONRoundTrip(t *testing.T) {
	cam := testCamera()
	path := filepath.Join(t.TempDir(), "camera_model.json")
	test.That(t, cam.SaveJSON(path), test.ShouldBeNil)

	loaded, err := LoadCameraModel(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded, test.ShouldResemble, cam)
}

func TestCameraModelValidation(t *testing.T) {
	cam := &CameraModel{Intrinsics: PinholeIntrinsics{Width: 640, Height: 480, Fy: 500}}
	test.That(t, cam.CheckValid(), test.ShouldNotBeNil)
	var nilCam *CameraModel
	test.That(t, nilCam.CheckValid(), test.ShouldNotBeNil)
}

func TestScriptedTrackerVisibility(t *testing.T) {
	tracker := NewScriptedTracker(0)
	s1, s2 := testStamp(0), testStamp(100)
	tracker.Load(s1, []Observation{
		{LandmarkID: 2, Pixel: r2.Point{X: 10, Y: 20}},
		{LandmarkID: 1, Pixel: r2.Point{X: 30, Y: 40}},
	})
	tracker.Load(s2, []Observation{{LandmarkID: 1, Pixel: r2.Point{X: 31, Y: 41}}})

	// nothing visible until the image arrives
	test.That(t, tracker.LandmarkIDsInImage(s1), test.ShouldHaveLength, 0)

	tracker.AddImage(s1, nil)
	test.That(t, tracker.LandmarkIDsInImage(s1), test.ShouldResemble, []uint64{1, 2})

	pix, ok := tracker.Get(s1, 2)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, pix, test.ShouldResemble, r2.Point{X: 10, Y: 20})
	_, ok = tracker.Get(s2, 1)
	test.That(t, ok, test.ShouldBeFalse)

	tracker.AddImage(s2, nil)
	track := tracker.Track(1)
	test.That(t, track, test.ShouldHaveLength, 2)
	test.That(t, track[0].Stamp, test.ShouldResemble, s1)
	test.That(t, track[1].Stamp, test.ShouldResemble, s2)
}

func triangulationRig() ([]spatialmath.Pose, r3.Vector) {
	truth := r3.Vector{X: 0.3, Y: -0.2, Z: 5}
	poses := []spatialmath.Pose{
		spatialmath.NewZeroPose(),
		spatialmath.NewPoseFromEuler(0, 0.05, 0, r3.Vector{X: 0.5}),
		spatialmath.NewPoseFromEuler(0, -0.04, 0.01, r3.Vector{X: -0.5, Y: 0.2}),
	}
	return poses, truth
}

func TestTriangulateExact(t *testing.T) {
	cam := testCamera()
	poses, truth := triangulationRig()
	pixels := make([]r2.Point, len(poses))
	for i, pose := range poses {
		pix, ok := cam.Project(pose.Invert().TransformPoint(truth))
		test.That(t, ok, test.ShouldBeTrue)
		pixels[i] = pix
	}

	point, err := Triangulate(cam, poses, pixels, TriangulationParams{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, point.Sub(truth).Norm(), test.ShouldBeLessThan, 1e-6)
}

func TestTriangulateGates(t *testing.T) {
	cam := testCamera()
	poses, truth := triangulationRig()
	pixels := make([]r2.Point, len(poses))
	for i, pose := range poses {
		pix, _ := cam.Project(pose.Invert().TransformPoint(truth))
		pixels[i] = pix
	}

	_, err := Triangulate(cam, poses[:1], pixels[:1], TriangulationParams{})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = Triangulate(cam, poses, pixels, TriangulationParams{MaxDistance: 3})
	test.That(t, err, test.ShouldNotBeNil)

	corrupted := append([]r2.Point{}, pixels...)
	corrupted[1].X += 30
	_, err = Triangulate(cam, poses, corrupted, TriangulationParams{MaxReprojRMS: 5})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestTriangulateBehindCamera(t *testing.T) {
	cam := idealCamera()
	truth := r3.Vector{X: 0.3, Y: -0.2, Z: 5}
	poses := []spatialmath.Pose{
		spatialmath.NewZeroPose(),
		spatialmath.NewPose(spatialmath.EulerToQuat(0, 0, 0), r3.Vector{Z: 10}),
	}
	// second camera sees the point at negative depth; build the
	// projectively consistent pixel by hand
	pixels := make([]r2.Point, 2)
	for i, pose := range poses {
		pC := pose.Invert().TransformPoint(truth)
		pixels[i] = r2.Point{X: 320 + 500*pC.X/pC.Z, Y: 240 + 500*pC.Y/pC.Z}
	}

	_, err := Triangulate(cam, poses, pixels, TriangulationParams{})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "behind camera")
}

func pnpScene(rng *rand.Rand, cam *CameraModel, truth spatialmath.Pose, n int) ([]r3.Vector, []r2.Point) {
	points := make([]r3.Vector, 0, n)
	pixels := make([]r2.Point, 0, n)
	for len(points) < n {
		pC := r3.Vector{
			X: (rng.Float64() - 0.5) * 3,
			Y: (rng.Float64() - 0.5) * 2,
			Z: 3 + rng.Float64()*5,
		}
		pix, ok := cam.Project(pC)
		if !ok {
			continue
		}
		points = append(points, truth.TransformPoint(pC))
		pixels = append(pixels, pix)
	}
	return points, pixels
}

func TestSolvePnP(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	cam := testCamera()
	truth := spatialmath.NewPoseFromEuler(0.1, -0.05, 0.08, r3.Vector{X: 0.3, Y: -0.2, Z: 0.1})
	points, pixels := pnpScene(rng, cam, truth, 40)

	// corrupt a handful of observations well past the inlier gate
	for _, idx := range []int{3, 11, 19, 25, 31, 38} {
		pixels[idx].X += 40
		pixels[idx].Y -= 25
	}

	guess := truth.Compose(spatialmath.NewPoseFromEuler(0.03, -0.02, 0.04, r3.Vector{X: 0.1, Y: -0.05, Z: 0.08}))
	result, err := SolvePnP(cam, points, pixels, guess, PnPParams{}, rng)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Inliers, test.ShouldHaveLength, 34)

	transErr, rotErr := spatialmath.PoseDelta(result.Pose, truth)
	test.That(t, transErr, test.ShouldBeLessThan, 1e-6)
	test.That(t, rotErr, test.ShouldBeLessThan, 1e-6)
	test.That(t, result.RMS, test.ShouldBeLessThan, 1e-6)
}

func TestSolvePnPTooFewInliers(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	cam := testCamera()
	truth := spatialmath.NewZeroPose()
	points, pixels := pnpScene(rng, cam, truth, 12)
	for i := range pixels {
		pixels[i].X += 60 + 10*float64(i%5)
	}

	_, err := SolvePnP(cam, points, pixels, truth, PnPParams{MinInliers: 10}, rng)
	test.That(t, err, test.ShouldNotBeNil)
}

func reprojectionFixture() (*ReprojectionConstraint, []*graph.Variable, error) {
	cam := testCamera()
	stamp := testStamp(500)
	baselinkPose := spatialmath.NewPoseFromEuler(0.2, -0.1, 0.3, r3.Vector{X: 1, Y: 2, Z: 0.5})
	baselinkCamera := spatialmath.NewPoseFromEuler(0.03, 0.01, -0.02, r3.Vector{X: 0.1, Y: 0.02, Z: -0.03})

	pC := r3.Vector{X: 0.2, Y: -0.1, Z: 5}
	pW := baselinkPose.TransformPoint(baselinkCamera.TransformPoint(pC))
	pixel, _ := cam.Project(pC)

	c, err := NewReprojectionConstraint(
		"visual_odometry", testDevice, stamp, 42, pixel, cam, baselinkCamera.Invert(), 1.5)
	vars := []*graph.Variable{
		graph.NewOrientation(testDevice, stamp, baselinkPose.Rotation()),
		graph.NewPosition(testDevice, stamp, baselinkPose.Translation()),
		graph.NewLandmark(42, pW),
	}
	return c, vars, err
}

func TestReprojectionConstraintResidual(t *testing.T) {
	c, vars, err := reprojectionFixture()
	test.That(t, err, test.ShouldBeNil)

	res, err := c.Residual(vars, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res, test.ShouldHaveLength, 2)
	test.That(t, math.Abs(res[0]), test.ShouldBeLessThan, 1e-8)
	test.That(t, math.Abs(res[1]), test.ShouldBeLessThan, 1e-8)

	// off the minimum so the Jacobian comparison is informative
	vars[0].BoxPlus([]float64{0.01, -0.02, 0.015})
	vars[1].BoxPlus([]float64{0.05, -0.03, 0.02})
	vars[2].BoxPlus([]float64{-0.04, 0.02, 0.06})
	checkJacobians(t, c, vars, 1e-4)
}

func TestReprojectionConstraintLoss(t *testing.T) {
	c, _, err := reprojectionFixture()
	test.That(t, err, test.ShouldBeNil)
	loss := c.Loss()
	test.That(t, loss, test.ShouldNotBeNil)
	test.That(t, loss.Weight(0), test.ShouldEqual, 1.0)
	test.That(t, loss.Weight(1e6), test.ShouldBeLessThan, 0.1)

	_, err = NewReprojectionConstraint(
		"visual_odometry", testDevice, testStamp(0), 1, r2.Point{}, testCamera(), spatialmath.NewZeroPose(), 0)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestVisualMapPendingLifecycle(t *testing.T) {
	logger := golog.NewTestLogger(t)
	cam := testCamera()
	vm, err := NewVisualMap("visual_odometry", testDevice, cam, spatialmath.NewZeroPose(), 1.0, logger)
	test.That(t, err, test.ShouldBeNil)

	stamp := testStamp(0)
	pose := spatialmath.NewPoseFromEuler(0, 0, 0.4, r3.Vector{X: 1})
	landmark := r3.Vector{X: 0.5, Y: 0.1, Z: 4}

	tx := graph.NewTransaction(stamp)
	vm.AddBaselinkPose(pose, stamp, tx)
	vm.AddLandmark(7, landmark, tx)

	got, ok := vm.BaselinkPose(stamp)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, spatialmath.AlmostEqual(got, pose, 1e-12, 1e-12), test.ShouldBeTrue)
	lm, ok := vm.Landmark(7)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, lm, test.ShouldResemble, landmark)

	pix, _ := cam.Project(pose.Invert().TransformPoint(landmark))
	test.That(t, vm.AddConstraint(stamp, 7, pix, tx), test.ShouldBeNil)
	test.That(t, vm.AddConstraint(stamp, 99, pix, tx), test.ShouldNotBeNil)
	test.That(t, vm.AddConstraint(testStamp(999), 7, pix, tx), test.ShouldNotBeNil)

	g := graph.NewMemoryGraph(logger)
	test.That(t, g.Update(tx), test.ShouldBeNil)
	vm.UpdateFromGraph(g.Snapshot())

	poses, landmarks := vm.PendingCounts()
	test.That(t, poses, test.ShouldEqual, 0)
	test.That(t, landmarks, test.ShouldEqual, 0)

	got, ok = vm.BaselinkPose(stamp)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, spatialmath.AlmostEqual(got, pose, 1e-9, 1e-9), test.ShouldBeTrue)
	test.That(t, vm.HasLandmark(7), test.ShouldBeTrue)
}

// numericJacobian perturbs each variable's tangent space and differences
// the residual.
func numericJacobian(t *testing.T, c graph.Constraint, vars []*graph.Variable) []*mat.Dense {
	t.Helper()
	base, err := c.Residual(vars, nil)
	test.That(t, err, test.ShouldBeNil)
	const eps = 1e-7
	out := make([]*mat.Dense, len(vars))
	for vi, v := range vars {
		jac := mat.NewDense(len(base), v.TangentDim(), nil)
		for d := 0; d < v.TangentDim(); d++ {
			pert := v.Clone()
			delta := make([]float64, v.TangentDim())
			delta[d] = eps
			pert.BoxPlus(delta)
			perturbed := make([]*graph.Variable, len(vars))
			copy(perturbed, vars)
			perturbed[vi] = pert
			r, err := c.Residual(perturbed, nil)
			test.That(t, err, test.ShouldBeNil)
			for row := range r {
				jac.Set(row, d, (r[row]-base[row])/eps)
			}
		}
		out[vi] = jac
	}
	return out
}

// checkJacobians compares analytic against numeric Jacobians with a
// tolerance relative to the entry magnitude.
func checkJacobians(t *testing.T, c graph.Constraint, vars []*graph.Variable, tol float64) {
	t.Helper()
	analytic := make([]*mat.Dense, len(vars))
	_, err := c.Residual(vars, analytic)
	test.That(t, err, test.ShouldBeNil)
	numeric := numericJacobian(t, c, vars)
	for vi := range vars {
		rows, cols := analytic[vi].Dims()
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				a := analytic[vi].At(i, j)
				test.That(t, a, test.ShouldAlmostEqual, numeric[vi].At(i, j), tol*math.Max(1, math.Abs(a)))
			}
		}
	}
}
