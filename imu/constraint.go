package imu

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"go.percepta.dev/slam/graph"
	"go.percepta.dev/slam/spatialmath"
)

// RelativeConstraint ties the full inertial states at two keyframes
// through a preintegrated measurement. The 15-dim residual is ordered
// (rotation, velocity, position, gyro bias, accel bias) and the bias
// rows encode the random walk between the two states.
type RelativeConstraint struct {
	id       uuid.UUID
	source   string
	vars     [10]uuid.UUID
	meas     Measurement
	sqrtInfo *mat.Dense
}

// NewRelativeConstraint builds the constraint between the states at
// stamp1 and stamp2 on the given device.
func NewRelativeConstraint(
	source string,
	device uuid.UUID,
	stamp1, stamp2 time.Time,
	meas Measurement,
) (*RelativeConstraint, error) {
	sqrtInfo, err := graph.SqrtInformation(meas.Covariance)
	if err != nil {
		return nil, errors.Wrapf(err, "relative imu constraint from %s", source)
	}
	vars := [10]uuid.UUID{
		graph.StampedID(graph.TypeOrientation, stamp1, device),
		graph.StampedID(graph.TypePosition, stamp1, device),
		graph.StampedID(graph.TypeVelocity, stamp1, device),
		graph.StampedID(graph.TypeGyroBias, stamp1, device),
		graph.StampedID(graph.TypeAccelBias, stamp1, device),
		graph.StampedID(graph.TypeOrientation, stamp2, device),
		graph.StampedID(graph.TypePosition, stamp2, device),
		graph.StampedID(graph.TypeVelocity, stamp2, device),
		graph.StampedID(graph.TypeGyroBias, stamp2, device),
		graph.StampedID(graph.TypeAccelBias, stamp2, device),
	}
	return &RelativeConstraint{
		id:       graph.ConstraintID(source, vars[:]...),
		source:   source,
		vars:     vars,
		meas:     meas,
		sqrtInfo: sqrtInfo,
	}, nil
}

// ID implements graph.Constraint.
func (c *RelativeConstraint) ID() uuid.UUID { return c.id }

// Source implements graph.Constraint.
func (c *RelativeConstraint) Source() string { return c.source }

// Variables implements graph.Constraint.
func (c *RelativeConstraint) Variables() []uuid.UUID { return c.vars[:] }

// Loss implements graph.Constraint.
func (c *RelativeConstraint) Loss() graph.Loss { return nil }

// Measurement returns the preintegrated measurement.
func (c *RelativeConstraint) Measurement() Measurement { return c.meas }

// Residual implements graph.Constraint.
func (c *RelativeConstraint) Residual(vars []*graph.Variable, jac []*mat.Dense) ([]float64, error) {
	if len(vars) != 10 {
		return nil, errors.Errorf("relative imu constraint expects 10 variables, got %d", len(vars))
	}
	q1, p1, v1 := vars[0].Quat(), vars[1].Vec(), vars[2].Vec()
	bg1, ba1 := vars[3].Vec(), vars[4].Vec()
	q2, p2, v2 := vars[5].Quat(), vars[6].Vec(), vars[7].Vec()
	bg2, ba2 := vars[8].Vec(), vars[9].Vec()

	corrected := c.meas.Corrected(bg1, ba1)
	dt := corrected.Dt.Seconds()

	q1Inv := quat.Conj(q1)
	rel := quat.Mul(q1Inv, q2)
	m := quat.Mul(quat.Conj(corrected.Rot), rel)
	rotErr := spatialmath.Log(m)

	velWorld := v2.Sub(v1).Sub(GravityWorld.Mul(dt))
	velBody := spatialmath.Rotate(q1Inv, velWorld)
	velErr := velBody.Sub(corrected.Vel)

	posWorld := p2.Sub(p1).Sub(v1.Mul(dt)).Sub(GravityWorld.Mul(0.5 * dt * dt))
	posBody := spatialmath.Rotate(q1Inv, posWorld)
	posErr := posBody.Sub(corrected.Pos)

	bgErr := bg2.Sub(bg1)
	baErr := ba2.Sub(ba1)

	raw := mat.NewVecDense(15, []float64{
		rotErr.X, rotErr.Y, rotErr.Z,
		velErr.X, velErr.Y, velErr.Z,
		posErr.X, posErr.Y, posErr.Z,
		bgErr.X, bgErr.Y, bgErr.Z,
		baErr.X, baErr.Y, baErr.Z,
	})

	if jac != nil {
		full := mat.NewDense(15, 30, nil)
		r1T := spatialmath.RotationMatrix(q1Inv)
		invJr := spatialmath.InvRightJacobian(rotErr)
		r21 := spatialmath.RotationMatrix(quat.Mul(quat.Conj(q2), q1))
		mInvMat := spatialmath.RotationMatrix(quat.Conj(m))

		// rotation rows
		var block mat.Dense
		block.Mul(invJr, r21)
		block.Scale(-1, &block)
		full.Slice(0, 3, 0, 3).(*mat.Dense).Copy(&block)
		full.Slice(0, 3, 15, 18).(*mat.Dense).Copy(invJr)
		var rotLin, rotBg mat.Dense
		rotLin.Mul(mInvMat, c.meas.RotWrtGyroBias)
		rotBg.Mul(invJr, &rotLin)
		rotBg.Scale(-1, &rotBg)
		full.Slice(0, 3, 9, 12).(*mat.Dense).Copy(&rotBg)

		// velocity rows
		full.Slice(3, 6, 0, 3).(*mat.Dense).Copy(spatialmath.Skew(velBody))
		copyScaled(full.Slice(3, 6, 6, 9).(*mat.Dense), r1T, -1)
		full.Slice(3, 6, 21, 24).(*mat.Dense).Copy(r1T)
		copyScaled(full.Slice(3, 6, 9, 12).(*mat.Dense), c.meas.VelWrtGyroBias, -1)
		copyScaled(full.Slice(3, 6, 12, 15).(*mat.Dense), c.meas.VelWrtAccBias, -1)

		// position rows
		full.Slice(6, 9, 0, 3).(*mat.Dense).Copy(spatialmath.Skew(posBody))
		copyScaled(full.Slice(6, 9, 3, 6).(*mat.Dense), r1T, -1)
		full.Slice(6, 9, 18, 21).(*mat.Dense).Copy(r1T)
		copyScaled(full.Slice(6, 9, 6, 9).(*mat.Dense), r1T, -dt)
		copyScaled(full.Slice(6, 9, 9, 12).(*mat.Dense), c.meas.PosWrtGyroBias, -1)
		copyScaled(full.Slice(6, 9, 12, 15).(*mat.Dense), c.meas.PosWrtAccBias, -1)

		// bias random walk rows
		for i := 0; i < 3; i++ {
			full.Set(9+i, 9+i, -1)
			full.Set(9+i, 24+i, 1)
			full.Set(12+i, 12+i, -1)
			full.Set(12+i, 27+i, 1)
		}

		var whitened mat.Dense
		whitened.Mul(c.sqrtInfo, full)
		widths := []int{3, 3, 3, 3, 3, 3, 3, 3, 3, 3}
		graph.SplitJacobian(&whitened, jac, widths)
	}

	out := mat.NewVecDense(15, nil)
	out.MulVec(c.sqrtInfo, raw)
	return vecSlice(out), nil
}

// StatePrior anchors the five variables of one inertial state.
type StatePrior struct {
	id       uuid.UUID
	source   string
	vars     [5]uuid.UUID
	mean     State
	sqrtInfo *mat.Dense
}

// NewStatePrior builds a 15-dim prior on the state's variables, ordered
// like the relative constraint residual.
func NewStatePrior(source string, device uuid.UUID, mean State, cov *mat.Dense) (*StatePrior, error) {
	sqrtInfo, err := graph.SqrtInformation(cov)
	if err != nil {
		return nil, errors.Wrapf(err, "imu state prior from %s", source)
	}
	vars := [5]uuid.UUID{
		graph.StampedID(graph.TypeOrientation, mean.Stamp, device),
		graph.StampedID(graph.TypePosition, mean.Stamp, device),
		graph.StampedID(graph.TypeVelocity, mean.Stamp, device),
		graph.StampedID(graph.TypeGyroBias, mean.Stamp, device),
		graph.StampedID(graph.TypeAccelBias, mean.Stamp, device),
	}
	return &StatePrior{
		id:       graph.ConstraintID(source, vars[:]...),
		source:   source,
		vars:     vars,
		mean:     mean,
		sqrtInfo: sqrtInfo,
	}, nil
}

// ID implements graph.Constraint.
func (c *StatePrior) ID() uuid.UUID { return c.id }

// Source implements graph.Constraint.
func (c *StatePrior) Source() string { return c.source }

// Variables implements graph.Constraint.
func (c *StatePrior) Variables() []uuid.UUID { return c.vars[:] }

// Loss implements graph.Constraint.
func (c *StatePrior) Loss() graph.Loss { return nil }

// Mean returns the anchored state.
func (c *StatePrior) Mean() State { return c.mean }

// Residual implements graph.Constraint.
func (c *StatePrior) Residual(vars []*graph.Variable, jac []*mat.Dense) ([]float64, error) {
	if len(vars) != 5 {
		return nil, errors.Errorf("imu state prior expects 5 variables, got %d", len(vars))
	}
	q, p, v := vars[0].Quat(), vars[1].Vec(), vars[2].Vec()
	bg, ba := vars[3].Vec(), vars[4].Vec()

	rotErr := spatialmath.Log(quat.Mul(quat.Conj(c.mean.Rotation), q))
	velErr := v.Sub(c.mean.Velocity)
	posErr := p.Sub(c.mean.Position)
	bgErr := bg.Sub(c.mean.GyroBias)
	baErr := ba.Sub(c.mean.AccelBias)

	raw := mat.NewVecDense(15, []float64{
		rotErr.X, rotErr.Y, rotErr.Z,
		velErr.X, velErr.Y, velErr.Z,
		posErr.X, posErr.Y, posErr.Z,
		bgErr.X, bgErr.Y, bgErr.Z,
		baErr.X, baErr.Y, baErr.Z,
	})

	if jac != nil {
		full := mat.NewDense(15, 15, nil)
		full.Slice(0, 3, 0, 3).(*mat.Dense).Copy(spatialmath.InvRightJacobian(rotErr))
		// velocity rows hit the velocity block and vice versa since the
		// residual is ordered (rotation, velocity, position) while the
		// variables are ordered (orientation, position, velocity)
		for i := 0; i < 3; i++ {
			full.Set(3+i, 6+i, 1)
			full.Set(6+i, 3+i, 1)
			full.Set(9+i, 9+i, 1)
			full.Set(12+i, 12+i, 1)
		}
		var whitened mat.Dense
		whitened.Mul(c.sqrtInfo, full)
		graph.SplitJacobian(&whitened, jac, []int{3, 3, 3, 3, 3})
	}

	out := mat.NewVecDense(15, nil)
	out.MulVec(c.sqrtInfo, raw)
	return vecSlice(out), nil
}

// copyScaled overwrites dst with s*src.
func copyScaled(dst, src *mat.Dense, s float64) {
	dst.Copy(src)
	dst.Scale(s, dst)
}

func vecSlice(v *mat.VecDense) []float64 {
	out := make([]float64, v.Len())
	for i := range out {
		out[i] = v.AtVec(i)
	}
	return out
}
