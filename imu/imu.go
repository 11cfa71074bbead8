// Package imu integrates inertial samples between keyframes into relative
// motion factors with covariance and bias Jacobians, and predicts poses at
// arbitrary times between keyframes.
package imu

import (
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"go.percepta.dev/slam/spatialmath"
)

// GravityNominal is the assumed magnitude of gravity in m/s^2.
const GravityNominal = 9.80665

// GravityWorld is the gravity vector in the world frame.
var GravityWorld = r3.Vector{Z: -GravityNominal}

// Sample is one raw inertial measurement. Accel is specific force.
type Sample struct {
	Stamp time.Time
	Gyro  r3.Vector
	Accel r3.Vector
}

// State is the full inertial state of the baselink at a stamp.
type State struct {
	Stamp     time.Time
	Rotation  quat.Number
	Position  r3.Vector
	Velocity  r3.Vector
	GyroBias  r3.Vector
	AccelBias r3.Vector
}

// NewState returns an identity state at the given stamp.
func NewState(stamp time.Time) State {
	return State{Stamp: stamp, Rotation: quat.Number{Real: 1}}
}

// Pose returns the world pose of the state.
func (s State) Pose() spatialmath.Pose {
	return spatialmath.NewPose(s.Rotation, s.Position)
}

// PredictState propagates a state through a preintegrated delta under
// gravity. When at is nonzero it overrides the predicted stamp.
func PredictState(delta Delta, from State, at time.Time) State {
	dt := delta.Dt.Seconds()
	rot := spatialmath.Normalize(quat.Mul(from.Rotation, delta.Rot))
	vel := from.Velocity.
		Add(GravityWorld.Mul(dt)).
		Add(spatialmath.Rotate(from.Rotation, delta.Vel))
	pos := from.Position.
		Add(from.Velocity.Mul(dt)).
		Add(GravityWorld.Mul(0.5 * dt * dt)).
		Add(spatialmath.Rotate(from.Rotation, delta.Pos))

	stamp := from.Stamp.Add(delta.Dt)
	if !at.IsZero() {
		stamp = at
	}
	return State{
		Stamp:     stamp,
		Rotation:  rot,
		Position:  pos,
		Velocity:  vel,
		GyroBias:  from.GyroBias,
		AccelBias: from.AccelBias,
	}
}
