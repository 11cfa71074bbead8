package imu

import (
	"math"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"go.percepta.dev/slam/graph"
	"go.percepta.dev/slam/spatialmath"
)

var testDevice = uuid.MustParse("7d2f1c3a-9c44-45b1-8f0e-52a6f2d0e9b4")

func testStamp(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func testIMUParams() Params {
	return Params{
		CovGyroNoise:  1e-4,
		CovAccelNoise: 1e-3,
		CovGyroBias:   1e-6,
		CovAccelBias:  1e-5,
		CovPriorNoise: 1e-9,
	}
}

func testNoise() Noise {
	return testIMUParams().noise()
}

// feed appends n+1 samples at the given period starting at start.
func feed(
	t *testing.T,
	add func(Sample) error,
	start time.Time,
	n int,
	period time.Duration,
	gyro, accel r3.Vector,
) {
	t.Helper()
	for i := 0; i <= n; i++ {
		err := add(Sample{Stamp: start.Add(time.Duration(i) * period), Gyro: gyro, Accel: accel})
		test.That(t, err, test.ShouldBeNil)
	}
}

func TestParamsValidate(t *testing.T) {
	test.That(t, testIMUParams().Validate(), test.ShouldBeNil)

	bad := testIMUParams()
	bad.CovPriorNoise = 0
	test.That(t, bad.Validate(), test.ShouldNotBeNil)
}

func TestIntegrateConstantAcceleration(t *testing.T) {
	start := testStamp(10)
	w := NewWindow(testNoise(), start)
	accel := r3.Vector{X: 1, Y: -2, Z: 0.5}
	feed(t, w.Add, start, 100, 10*time.Millisecond, r3.Vector{}, accel)

	err := w.Integrate(start.Add(time.Second), r3.Vector{}, r3.Vector{}, false, false)
	test.That(t, err, test.ShouldBeNil)

	d := w.Delta()
	test.That(t, d.Dt, test.ShouldEqual, time.Second)
	test.That(t, spatialmath.AngleBetween(d.Rot, quat.Number{Real: 1}), test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, d.Vel.X, test.ShouldAlmostEqual, accel.X, 1e-6)
	test.That(t, d.Vel.Y, test.ShouldAlmostEqual, accel.Y, 1e-6)
	test.That(t, d.Vel.Z, test.ShouldAlmostEqual, accel.Z, 1e-6)
	test.That(t, d.Pos.X, test.ShouldAlmostEqual, 0.5*accel.X, 1e-6)
	test.That(t, d.Pos.Y, test.ShouldAlmostEqual, 0.5*accel.Y, 1e-6)
	test.That(t, d.Pos.Z, test.ShouldAlmostEqual, 0.5*accel.Z, 1e-6)
}

func TestIntegrateConstantRotation(t *testing.T) {
	start := testStamp(20)
	w := NewWindow(testNoise(), start)
	gyro := r3.Vector{X: 0.1, Y: -0.2, Z: 0.3}
	feed(t, w.Add, start, 200, 10*time.Millisecond, gyro, r3.Vector{})

	err := w.Integrate(start.Add(2*time.Second), r3.Vector{}, r3.Vector{}, false, false)
	test.That(t, err, test.ShouldBeNil)

	d := w.Delta()
	want := spatialmath.Exp(gyro.Mul(2))
	test.That(t, spatialmath.AngleBetween(d.Rot, want), test.ShouldAlmostEqual, 0, 1e-6)
	test.That(t, d.Vel.Norm(), test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, d.Pos.Norm(), test.ShouldAlmostEqual, 0, 1e-9)
}

func TestWindowSampleOrdering(t *testing.T) {
	start := testStamp(25)
	w := NewWindow(testNoise(), start)
	test.That(t, w.Add(Sample{Stamp: start.Add(time.Second)}), test.ShouldBeNil)

	err := w.Add(Sample{Stamp: start})
	test.That(t, err, test.ShouldNotBeNil)

	err = w.Integrate(start.Add(-time.Second), r3.Vector{}, r3.Vector{}, false, false)
	test.That(t, err, test.ShouldNotBeNil)

	empty := NewWindow(testNoise(), start)
	err = empty.Integrate(start.Add(time.Second), r3.Vector{}, r3.Vector{}, false, false)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no inertial samples")
}

func TestBiasCorrectionFirstOrder(t *testing.T) {
	start := testStamp(30)
	w := NewWindow(testNoise(), start)
	n := 200
	for i := 0; i <= n; i++ {
		f := float64(i) / float64(n)
		err := w.Add(Sample{
			Stamp: start.Add(time.Duration(i) * 5 * time.Millisecond),
			Gyro:  r3.Vector{X: 0.2 + 0.1*f, Y: -0.1, Z: 0.3 - 0.05*f},
			Accel: r3.Vector{X: 1 + f, Y: -0.5, Z: 9.6},
		})
		test.That(t, err, test.ShouldBeNil)
	}
	end := start.Add(time.Second)
	test.That(t, w.Integrate(end, r3.Vector{}, r3.Vector{}, true, true), test.ShouldBeNil)
	m := w.Measurement()

	dbg := r3.Vector{X: 1e-5, Y: -1e-5, Z: 2e-5}
	dba := r3.Vector{X: -1e-5, Y: 2e-5, Z: 1e-5}
	corrected := m.Corrected(dbg, dba)

	// re-integrate at the shifted biases for the exact delta
	test.That(t, w.Integrate(end, dbg, dba, false, false), test.ShouldBeNil)
	exact := w.Delta()

	norm := math.Sqrt(dbg.Norm2() + dba.Norm2())
	test.That(t, spatialmath.AngleBetween(corrected.Rot, exact.Rot), test.ShouldBeLessThan, 1e-4*norm)
	test.That(t, corrected.Vel.Sub(exact.Vel).Norm(), test.ShouldBeLessThan, 1e-4*norm)
	test.That(t, corrected.Pos.Sub(exact.Pos).Norm(), test.ShouldBeLessThan, 1e-4*norm)
}

func TestGetPoseStationary(t *testing.T) {
	p, err := NewPreintegrator(testIMUParams(), testDevice, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	start := testStamp(50)
	p.SetStart(start, nil, nil, nil)
	// a resting sensor measures specific force opposing gravity
	feed(t, p.AddSample, start, 100, 10*time.Millisecond, r3.Vector{}, r3.Vector{Z: GravityNominal})

	for _, frac := range []float64{0.3, 0.6, 0.9} {
		at := start.Add(time.Duration(frac * float64(time.Second)))
		pose, ok := p.GetPose(at)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, pose.Translation().Norm(), test.ShouldAlmostEqual, 0, 1e-6)
		test.That(t, spatialmath.AngleBetween(pose.Rotation(), quat.Number{Real: 1}), test.ShouldAlmostEqual, 0, 1e-9)
	}

	tx, ok := p.RegisterNewPreintegratedFactor(start.Add(time.Second), nil, nil)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, tx, test.ShouldNotBeNil)

	st := p.State()
	test.That(t, st.Position.Norm(), test.ShouldAlmostEqual, 0, 1e-6)
	test.That(t, st.Velocity.Norm(), test.ShouldAlmostEqual, 0, 1e-6)
}

func TestGetPoseBeforeBuffer(t *testing.T) {
	p, err := NewPreintegrator(testIMUParams(), testDevice, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	_, ok := p.GetPose(testStamp(1))
	test.That(t, ok, test.ShouldBeFalse)

	test.That(t, p.AddSample(Sample{Stamp: testStamp(10)}), test.ShouldBeNil)
	_, ok = p.GetPose(testStamp(9))
	test.That(t, ok, test.ShouldBeFalse)

	err = p.AddSample(Sample{Stamp: testStamp(5)})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestFreeFallWindow(t *testing.T) {
	p, err := NewPreintegrator(testIMUParams(), testDevice, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	start := testStamp(60)
	p.SetStart(start, nil, nil, nil)
	// free fall: the accelerometer reads zero specific force
	feed(t, p.AddSample, start, 100, 10*time.Millisecond, r3.Vector{}, r3.Vector{})

	mid, ok := p.GetPose(start.Add(500 * time.Millisecond))
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, mid.Translation().X, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, mid.Translation().Y, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, mid.Translation().Z, test.ShouldAlmostEqual, -0.5*GravityNominal*0.25, 1e-9)

	tx, ok := p.RegisterNewPreintegratedFactor(start.Add(time.Second), nil, nil)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, tx.PriorCount(), test.ShouldEqual, 1)
	test.That(t, tx.Variables(), test.ShouldHaveLength, 10)
	test.That(t, tx.Constraints(), test.ShouldHaveLength, 2)

	var rel *RelativeConstraint
	for _, c := range tx.Constraints() {
		if rc, isRel := c.(*RelativeConstraint); isRel {
			rel = rc
		}
	}
	test.That(t, rel, test.ShouldNotBeNil)

	// gravity lives in the prediction, not the preintegrated delta
	m := rel.Measurement()
	test.That(t, m.Delta.Pos.Norm(), test.ShouldBeLessThan, 1e-5)
	test.That(t, m.Delta.Vel.Norm(), test.ShouldBeLessThan, 1e-5)

	st := p.State()
	test.That(t, st.Velocity.Z, test.ShouldAlmostEqual, -GravityNominal, 1e-5)
	test.That(t, st.Position.Z, test.ShouldAlmostEqual, -0.5*GravityNominal, 1e-5)

	sym := mat.NewSymDense(15, nil)
	for i := 0; i < 15; i++ {
		for j := i; j < 15; j++ {
			sym.SetSym(i, j, 0.5*(m.Covariance.At(i, j)+m.Covariance.At(j, i)))
		}
	}
	var chol mat.Cholesky
	test.That(t, chol.Factorize(sym), test.ShouldBeTrue)
}

func TestSecantVelocityOverwrite(t *testing.T) {
	p, err := NewPreintegrator(testIMUParams(), testDevice, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	start := testStamp(70)
	p.SetStart(start, nil, nil, nil)
	feed(t, p.AddSample, start, 100, 10*time.Millisecond, r3.Vector{}, r3.Vector{Z: GravityNominal})

	end := start.Add(time.Second)
	rot := spatialmath.EulerToQuat(0, 0, 0.2)
	pos := r3.Vector{X: 1, Y: -0.5}
	tx, ok := p.RegisterNewPreintegratedFactor(end, &rot, &pos)
	test.That(t, ok, test.ShouldBeTrue)

	st := p.State()
	test.That(t, st.Position, test.ShouldResemble, pos)
	test.That(t, spatialmath.AngleBetween(st.Rotation, rot), test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, st.Velocity.X, test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, st.Velocity.Y, test.ShouldAlmostEqual, -0.5, 1e-9)
	test.That(t, st.Velocity.Z, test.ShouldAlmostEqual, 0, 1e-9)

	// the transaction still carries the inertial prediction
	id := graph.StampedID(graph.TypePosition, end, testDevice)
	var predicted *graph.Variable
	for _, v := range tx.Variables() {
		if v.ID() == id {
			predicted = v
		}
	}
	test.That(t, predicted, test.ShouldNotBeNil)
	test.That(t, predicted.Vec().Norm(), test.ShouldBeLessThan, 1e-6)
}

func TestUpdateFromGraph(t *testing.T) {
	logger := golog.NewTestLogger(t)
	p, err := NewPreintegrator(testIMUParams(), testDevice, logger)
	test.That(t, err, test.ShouldBeNil)
	anchor := testStamp(80)
	p.SetStart(anchor, nil, nil, nil)

	g := graph.NewMemoryGraph(logger)
	tx := graph.NewTransaction(anchor)
	rot := spatialmath.EulerToQuat(0, 0, 0.5)
	tx.AddVariable(graph.NewOrientation(testDevice, anchor, rot))
	tx.AddVariable(graph.NewPosition(testDevice, anchor, r3.Vector{X: 5}))
	tx.AddVariable(graph.NewVelocity(testDevice, anchor, r3.Vector{X: 0.5}))
	tx.AddVariable(graph.NewGyroBias(testDevice, anchor, r3.Vector{X: 0.01}))
	tx.AddVariable(graph.NewAccelBias(testDevice, anchor, r3.Vector{Y: -0.02}))
	test.That(t, g.Update(tx), test.ShouldBeNil)

	p.UpdateFromGraph(g.Snapshot())
	st := p.State()
	test.That(t, spatialmath.AngleBetween(st.Rotation, rot), test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, st.Position.X, test.ShouldEqual, 5.0)
	test.That(t, st.Velocity.X, test.ShouldEqual, 0.5)
	test.That(t, st.GyroBias.X, test.ShouldEqual, 0.01)
	test.That(t, st.AccelBias.Y, test.ShouldEqual, -0.02)

	// a snapshot missing any of the five variables leaves the anchor alone
	p2, err := NewPreintegrator(testIMUParams(), testDevice, logger)
	test.That(t, err, test.ShouldBeNil)
	p2.SetStart(testStamp(81), nil, nil, nil)
	p2.UpdateFromGraph(g.Snapshot())
	test.That(t, p2.State().Position.Norm(), test.ShouldEqual, 0.0)
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

func stateVariables(states ...State) []*graph.Variable {
	var out []*graph.Variable
	for _, s := range states {
		out = append(out,
			graph.NewOrientation(testDevice, s.Stamp, s.Rotation),
			graph.NewPosition(testDevice, s.Stamp, s.Position),
			graph.NewVelocity(testDevice, s.Stamp, s.Velocity),
			graph.NewGyroBias(testDevice, s.Stamp, s.GyroBias),
			graph.NewAccelBias(testDevice, s.Stamp, s.AccelBias),
		)
	}
	return out
}

func TestRelativeConstraintResidual(t *testing.T) {
	start := testStamp(90)
	w := NewWindow(testNoise(), start)
	feed(t, w.Add, start, 50, 10*time.Millisecond,
		r3.Vector{X: 0.2, Y: -0.1, Z: 0.3}, r3.Vector{X: 0.5, Y: -0.3, Z: 9.6})
	end := start.Add(500 * time.Millisecond)
	test.That(t, w.Integrate(end, r3.Vector{}, r3.Vector{}, true, true), test.ShouldBeNil)
	meas := w.Measurement()

	c, err := NewRelativeConstraint("inertial_test", testDevice, start, end, meas)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.Variables(), test.ShouldHaveLength, 10)

	state1 := NewState(start)
	state1.Rotation = spatialmath.EulerToQuat(0.05, -0.1, 0.2)
	state1.Position = r3.Vector{X: 1, Y: 2, Z: 3}
	state1.Velocity = r3.Vector{X: 0.4, Y: -0.1, Z: 0.2}
	state2 := PredictState(w.Delta(), state1, end)

	vars := stateVariables(state1, state2)
	r, err := c.Residual(vars, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r, test.ShouldHaveLength, 15)
	for _, v := range r {
		test.That(t, v, test.ShouldAlmostEqual, 0, 1e-6)
	}

	// perturb everything except the first state biases, which stay at
	// the linearization point
	for vi, v := range vars {
		if vi == 3 || vi == 4 {
			continue
		}
		delta := make([]float64, v.TangentDim())
		for d := range delta {
			delta[d] = 0.002 * float64(vi%3+1)
		}
		v.BoxPlus(delta)
	}
	checkJacobians(t, c, vars, 1e-4)
}

func TestStatePriorResidual(t *testing.T) {
	mean := NewState(testStamp(95))
	mean.Rotation = spatialmath.EulerToQuat(0.1, 0.2, -0.3)
	mean.Position = r3.Vector{X: 1, Y: 2, Z: 3}
	mean.Velocity = r3.Vector{X: 0.5, Y: -0.2, Z: 0.1}
	mean.GyroBias = r3.Vector{X: 0.01, Y: -0.02, Z: 0.03}
	mean.AccelBias = r3.Vector{X: -0.005, Y: 0.01, Z: 0.002}

	c, err := NewStatePrior("inertial_test", testDevice, mean,
		graph.DiagonalCovariance(diagonal15(1e-2)))
	test.That(t, err, test.ShouldBeNil)

	vars := stateVariables(mean)
	r, err := c.Residual(vars, nil)
	test.That(t, err, test.ShouldBeNil)
	for _, v := range r {
		test.That(t, v, test.ShouldAlmostEqual, 0, 1e-9)
	}

	// a velocity offset must land in the velocity rows, not the position
	// rows that follow the variable ordering
	vars[2].BoxPlus([]float64{0.1, 0, 0})
	r, err = c.Residual(vars, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r[3], test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, r[6], test.ShouldAlmostEqual, 0, 1e-9)

	for vi, v := range vars[:2] {
		delta := make([]float64, v.TangentDim())
		for d := range delta {
			delta[d] = 0.01 * float64(vi+d+1)
		}
		v.BoxPlus(delta)
	}
	checkJacobians(t, c, vars, 1e-4)
}
