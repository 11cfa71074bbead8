package graph

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.percepta.dev/slam/spatialmath"
)

var testDevice = uuid.MustParse("b0c43e58-6f0a-4f31-9dcd-8334a8e2b7f1")

func testStamp(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func TestStampedIDDeterminism(t *testing.T) {
	stamp := testStamp(100)
	a := StampedID(TypeOrientation, stamp, testDevice)
	b := StampedID(TypeOrientation, stamp, testDevice)
	test.That(t, a, test.ShouldEqual, b)

	c := StampedID(TypePosition, stamp, testDevice)
	test.That(t, a, test.ShouldNotEqual, c)

	d := StampedID(TypeOrientation, stamp.Add(time.Nanosecond), testDevice)
	test.That(t, a, test.ShouldNotEqual, d)

	e := StampedID(TypeOrientation, stamp, uuid.New())
	test.That(t, a, test.ShouldNotEqual, e)

	l1 := LandmarkID(42)
	l2 := LandmarkID(42)
	test.That(t, l1, test.ShouldEqual, l2)
	test.That(t, l1, test.ShouldNotEqual, LandmarkID(43))
}

func TestTransactionEmpty(t *testing.T) {
	tx := NewTransaction(testStamp(1))
	test.That(t, tx.Empty(), test.ShouldBeTrue)
	test.That(t, tx.OrNil(), test.ShouldBeNil)

	tx.AddVariable(NewPosition(testDevice, testStamp(1), r3.Vector{X: 1}))
	test.That(t, tx.Empty(), test.ShouldBeFalse)
	test.That(t, tx.OrNil(), test.ShouldNotBeNil)
	test.That(t, tx.InvolvedStamps(), test.ShouldHaveLength, 1)

	// same stamp twice stays deduplicated
	tx.AddInvolvedStamp(testStamp(1))
	test.That(t, tx.InvolvedStamps(), test.ShouldHaveLength, 1)
}

func TestUpdateOverrideSemantics(t *testing.T) {
	logger := golog.NewTestLogger(t)
	g := NewMemoryGraph(logger)

	stamp := testStamp(5)
	tx := NewTransaction(stamp)
	tx.AddVariable(NewPosition(testDevice, stamp, r3.Vector{X: 1}))
	test.That(t, g.Update(tx), test.ShouldBeNil)

	// override disabled keeps the original value
	tx2 := NewTransaction(stamp)
	tx2.SetOverrides(false, false)
	tx2.AddVariable(NewPosition(testDevice, stamp, r3.Vector{X: 9}))
	test.That(t, g.Update(tx2), test.ShouldBeNil)

	v, err := g.Variable(StampedID(TypePosition, stamp, testDevice))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v.Vec().X, test.ShouldEqual, 1)

	// override enabled replaces
	tx3 := NewTransaction(stamp)
	tx3.AddVariable(NewPosition(testDevice, stamp, r3.Vector{X: 9}))
	test.That(t, g.Update(tx3), test.ShouldBeNil)
	v, err = g.Variable(StampedID(TypePosition, stamp, testDevice))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v.Vec().X, test.ShouldEqual, 9)
}

func TestUpdateIdempotence(t *testing.T) {
	logger := golog.NewTestLogger(t)
	g := NewMemoryGraph(logger)

	stamp1, stamp2 := testStamp(10), testStamp(11)
	tx := NewTransaction(stamp2)
	tx.AddVariable(NewOrientation(testDevice, stamp1, spatialmath.NewZeroPose().Rotation()))
	tx.AddVariable(NewPosition(testDevice, stamp1, r3.Vector{}))
	tx.AddVariable(NewOrientation(testDevice, stamp2, spatialmath.NewZeroPose().Rotation()))
	tx.AddVariable(NewPosition(testDevice, stamp2, r3.Vector{X: 1}))
	rel, err := NewRelativePoseConstraint(
		"test", testDevice, stamp1, stamp2,
		spatialmath.NewPose(spatialmath.NewZeroPose().Rotation(), r3.Vector{X: 1}),
		PriorFromStdDev(0.1),
	)
	test.That(t, err, test.ShouldBeNil)
	tx.AddConstraint(rel)

	test.That(t, g.Update(tx), test.ShouldBeNil)
	varsBefore := g.VariableCount()
	consBefore := g.ConstraintCount()

	test.That(t, g.Update(tx), test.ShouldBeNil)
	test.That(t, g.VariableCount(), test.ShouldEqual, varsBefore)
	test.That(t, g.ConstraintCount(), test.ShouldEqual, consBefore)
}

func TestVariableNotFound(t *testing.T) {
	g := NewMemoryGraph(golog.NewTestLogger(t))
	_, err := g.Variable(uuid.New())
	test.That(t, err, test.ShouldEqual, ErrVariableNotFound)
}

func TestSqrtInformation(t *testing.T) {
	cov := DiagonalCovariance([]float64{0.04, 0.04, 0.04, 0.01, 0.01, 0.01})
	u, err := SqrtInformation(cov)
	test.That(t, err, test.ShouldBeNil)

	var utu mat.Dense
	utu.Mul(u.T(), u)
	test.That(t, utu.At(0, 0), test.ShouldAlmostEqual, 25, 1e-9)
	test.That(t, utu.At(3, 3), test.ShouldAlmostEqual, 100, 1e-9)
	test.That(t, utu.At(0, 1), test.ShouldAlmostEqual, 0, 1e-9)

	_, err = SqrtInformation(mat.NewDense(3, 3, nil))
	test.That(t, err, test.ShouldNotBeNil)
}

// numericJacobian perturbs each variable's tangent space and differences
// the residual.
func numericJacobian(t *testing.T, c Constraint, vars []*Variable) []*mat.Dense {
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
			perturbed := make([]*Variable, len(vars))
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

func checkJacobians(t *testing.T, c Constraint, vars []*Variable, tol float64) {
	t.Helper()
	analytic := make([]*mat.Dense, len(vars))
	_, err := c.Residual(vars, analytic)
	test.That(t, err, test.ShouldBeNil)
	numeric := numericJacobian(t, c, vars)
	for vi := range vars {
		ra, ca := analytic[vi].Dims()
		for i := 0; i < ra; i++ {
			for j := 0; j < ca; j++ {
				test.That(t, analytic[vi].At(i, j), test.ShouldAlmostEqual, numeric[vi].At(i, j), tol)
			}
		}
	}
}

func TestRelativePoseConstraintResidual(t *testing.T) {
	stamp1, stamp2 := testStamp(1), testStamp(2)
	pose1 := spatialmath.NewPoseFromEuler(0.1, -0.2, 0.3, r3.Vector{X: 1, Y: 2, Z: 3})
	pose2 := spatialmath.NewPoseFromEuler(-0.2, 0.1, 0.5, r3.Vector{X: 2, Y: 1, Z: 4})
	delta := spatialmath.PoseBetween(pose1, pose2)

	c, err := NewRelativePoseConstraint("test", testDevice, stamp1, stamp2, delta, PriorFromStdDev(0.1))
	test.That(t, err, test.ShouldBeNil)

	vars := []*Variable{
		NewOrientation(testDevice, stamp1, pose1.Rotation()),
		NewPosition(testDevice, stamp1, pose1.Translation()),
		NewOrientation(testDevice, stamp2, pose2.Rotation()),
		NewPosition(testDevice, stamp2, pose2.Translation()),
	}
	r, err := c.Residual(vars, nil)
	test.That(t, err, test.ShouldBeNil)
	for _, v := range r {
		test.That(t, v, test.ShouldAlmostEqual, 0, 1e-9)
	}

	// away from the measurement the analytic Jacobians match numeric ones
	vars[2] = NewOrientation(testDevice, stamp2, spatialmath.NewPoseFromEuler(-0.15, 0.12, 0.45, r3.Vector{}).Rotation())
	vars[3] = NewPosition(testDevice, stamp2, r3.Vector{X: 2.1, Y: 0.9, Z: 4.2})
	checkJacobians(t, c, vars, 1e-5)
}

func TestAbsolutePosePriorResidual(t *testing.T) {
	stamp := testStamp(3)
	mean := spatialmath.NewPoseFromEuler(0.2, 0.1, -0.4, r3.Vector{X: -1, Y: 0.5, Z: 2})

	c, err := NewAbsolutePosePrior("test", testDevice, stamp, mean, PriorFromStdDev(0.01))
	test.That(t, err, test.ShouldBeNil)

	vars := []*Variable{
		NewOrientation(testDevice, stamp, mean.Rotation()),
		NewPosition(testDevice, stamp, mean.Translation()),
	}
	r, err := c.Residual(vars, nil)
	test.That(t, err, test.ShouldBeNil)
	for _, v := range r {
		test.That(t, v, test.ShouldAlmostEqual, 0, 1e-9)
	}

	vars[0] = NewOrientation(testDevice, stamp, spatialmath.NewPoseFromEuler(0.25, 0.05, -0.35, r3.Vector{}).Rotation())
	vars[1] = NewPosition(testDevice, stamp, r3.Vector{X: -0.8, Y: 0.6, Z: 1.9})
	checkJacobians(t, c, vars, 1e-5)
}

func TestOptimizeTwoPoseChain(t *testing.T) {
	logger := golog.NewTestLogger(t)
	g := NewMemoryGraph(logger)

	stamp1, stamp2 := testStamp(1), testStamp(2)
	truth1 := spatialmath.NewZeroPose()
	truth2 := spatialmath.NewPoseFromEuler(
		15*math.Pi/180, -10*math.Pi/180, 5*math.Pi/180,
		r3.Vector{X: 0.3, Y: -0.2, Z: 0.1},
	)

	// initial estimate of pose2 is off
	init2 := spatialmath.NewPoseFromEuler(
		18*math.Pi/180, -7*math.Pi/180, 9*math.Pi/180,
		r3.Vector{X: 0.5, Y: -0.4, Z: 0.3},
	)

	tx := NewTransaction(stamp2)
	tx.AddVariable(NewOrientation(testDevice, stamp1, truth1.Rotation()))
	tx.AddVariable(NewPosition(testDevice, stamp1, truth1.Translation()))
	tx.AddVariable(NewOrientation(testDevice, stamp2, init2.Rotation()))
	tx.AddVariable(NewPosition(testDevice, stamp2, init2.Translation()))

	prior, err := NewAbsolutePosePrior("test", testDevice, stamp1, truth1, PriorFromStdDev(1e-5))
	test.That(t, err, test.ShouldBeNil)
	tx.AddPrior(prior)

	rel, err := NewRelativePoseConstraint(
		"test", testDevice, stamp1, stamp2,
		spatialmath.PoseBetween(truth1, truth2), PriorFromStdDev(0.01),
	)
	test.That(t, err, test.ShouldBeNil)
	tx.AddConstraint(rel)

	test.That(t, g.Update(tx), test.ShouldBeNil)

	updates := g.Subscribe()
	info, err := g.Optimize(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, info.Converged, test.ShouldBeTrue)
	test.That(t, info.FinalCost, test.ShouldBeLessThan, info.InitialCost)

	o2, err := g.Variable(StampedID(TypeOrientation, stamp2, testDevice))
	test.That(t, err, test.ShouldBeNil)
	p2, err := g.Variable(StampedID(TypePosition, stamp2, testDevice))
	test.That(t, err, test.ShouldBeNil)

	got := PoseFromVariables(o2, p2)
	dt, dr := spatialmath.PoseDelta(got, truth2)
	test.That(t, dt, test.ShouldBeLessThan, 1e-6)
	test.That(t, dr, test.ShouldBeLessThan, 1e-6)

	select {
	case u := <-updates:
		test.That(t, u.Has(o2.ID()), test.ShouldBeTrue)
	default:
		t.Fatal("expected an update notification after optimization")
	}
}

func TestMarginalizeBefore(t *testing.T) {
	g := NewMemoryGraph(golog.NewTestLogger(t))

	for sec := int64(1); sec <= 3; sec++ {
		tx := NewTransaction(testStamp(sec))
		tx.AddVariable(NewPosition(testDevice, testStamp(sec), r3.Vector{X: float64(sec)}))
		tx.AddVariable(NewOrientation(testDevice, testStamp(sec), spatialmath.NewZeroPose().Rotation()))
		test.That(t, g.Update(tx), test.ShouldBeNil)
	}
	test.That(t, g.VariableCount(), test.ShouldEqual, 6)

	removed := g.MarginalizeBefore(testStamp(3))
	test.That(t, removed, test.ShouldEqual, 4)
	test.That(t, g.VariableCount(), test.ShouldEqual, 2)

	_, err := g.Variable(StampedID(TypePosition, testStamp(1), testDevice))
	test.That(t, err, test.ShouldEqual, ErrVariableNotFound)
	_, err = g.Variable(StampedID(TypePosition, testStamp(3), testDevice))
	test.That(t, err, test.ShouldBeNil)
}
