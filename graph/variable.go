// Package graph defines the factor graph contract shared by all sensor
// models: stamped variables with deterministic identities, constraints with
// tangent space Jacobians, atomic transactions, and an in memory graph with
// a Levenberg Marquardt solver that emits update notifications.
package graph

import (
	"encoding/binary"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/num/quat"

	"go.percepta.dev/slam/spatialmath"
)

// Type identifies the semantic kind of a variable.
type Type string

// Variable kinds used by the sensor models.
const (
	TypeOrientation Type = "orientation_3d"
	TypePosition    Type = "position_3d"
	TypeVelocity    Type = "velocity_3d"
	TypeGyroBias    Type = "gyro_bias_3d"
	TypeAccelBias   Type = "accel_bias_3d"
	TypeLandmark    Type = "landmark_3d"
)

// namespace seeds the SHA1 UUIDs of variables and constraints so identical
// inputs always map to identical identities.
var namespace = uuid.MustParse("8f3c7b2a-41de-4b6a-9f15-c2a4708cde31")

// StampedID returns the deterministic identity of a stamped variable,
// derived from its kind, nanosecond timestamp, and owning device.
func StampedID(vt Type, stamp time.Time, device uuid.UUID) uuid.UUID {
	buf := make([]byte, 0, len(vt)+8+16)
	buf = append(buf, vt...)
	var ns [8]byte
	binary.BigEndian.PutUint64(ns[:], uint64(stamp.UnixNano()))
	buf = append(buf, ns[:]...)
	buf = append(buf, device[:]...)
	return uuid.NewSHA1(namespace, buf)
}

// LandmarkID returns the deterministic identity of a landmark variable.
func LandmarkID(id uint64) uuid.UUID {
	buf := make([]byte, 0, len(TypeLandmark)+8)
	buf = append(buf, TypeLandmark...)
	var ns [8]byte
	binary.BigEndian.PutUint64(ns[:], id)
	buf = append(buf, ns[:]...)
	return uuid.NewSHA1(namespace, buf)
}

// Variable is a graph state block. Orientations hold four values (w,x,y,z)
// over a three dimensional tangent space; all other kinds hold three linear
// values.
type Variable struct {
	id     uuid.UUID
	vtype  Type
	stamp  time.Time
	device uuid.UUID
	values []float64
}

// NewOrientation returns an orientation variable at the given stamp.
func NewOrientation(device uuid.UUID, stamp time.Time, q quat.Number) *Variable {
	q = spatialmath.Normalize(q)
	return &Variable{
		id:     StampedID(TypeOrientation, stamp, device),
		vtype:  TypeOrientation,
		stamp:  stamp,
		device: device,
		values: []float64{q.Real, q.Imag, q.Jmag, q.Kmag},
	}
}

// NewPosition returns a position variable at the given stamp.
func NewPosition(device uuid.UUID, stamp time.Time, p r3.Vector) *Variable {
	return newVec3(TypePosition, device, stamp, p)
}

// NewVelocity returns a velocity variable at the given stamp.
func NewVelocity(device uuid.UUID, stamp time.Time, v r3.Vector) *Variable {
	return newVec3(TypeVelocity, device, stamp, v)
}

// NewGyroBias returns a gyro bias variable at the given stamp.
func NewGyroBias(device uuid.UUID, stamp time.Time, b r3.Vector) *Variable {
	return newVec3(TypeGyroBias, device, stamp, b)
}

// NewAccelBias returns an accelerometer bias variable at the given stamp.
func NewAccelBias(device uuid.UUID, stamp time.Time, b r3.Vector) *Variable {
	return newVec3(TypeAccelBias, device, stamp, b)
}

// NewLandmark returns a landmark position variable keyed by the tracker's
// landmark id.
func NewLandmark(id uint64, p r3.Vector) *Variable {
	return &Variable{
		id:     LandmarkID(id),
		vtype:  TypeLandmark,
		values: []float64{p.X, p.Y, p.Z},
	}
}

func newVec3(vt Type, device uuid.UUID, stamp time.Time, v r3.Vector) *Variable {
	return &Variable{
		id:     StampedID(vt, stamp, device),
		vtype:  vt,
		stamp:  stamp,
		device: device,
		values: []float64{v.X, v.Y, v.Z},
	}
}

// ID returns the variable identity.
func (v *Variable) ID() uuid.UUID { return v.id }

// Kind returns the variable kind.
func (v *Variable) Kind() Type { return v.vtype }

// Stamp returns the timestamp, zero for landmarks.
func (v *Variable) Stamp() time.Time { return v.stamp }

// Device returns the owning device id, zero for landmarks.
func (v *Variable) Device() uuid.UUID { return v.device }

// Values returns the raw parameter block. Callers must not mutate it.
func (v *Variable) Values() []float64 { return v.values }

// Dim returns the number of stored parameters.
func (v *Variable) Dim() int { return len(v.values) }

// TangentDim returns the dimension of the local perturbation space.
func (v *Variable) TangentDim() int {
	if v.vtype == TypeOrientation {
		return 3
	}
	return len(v.values)
}

// Quat returns the orientation value. Only valid for orientation variables.
func (v *Variable) Quat() quat.Number {
	return quat.Number{Real: v.values[0], Imag: v.values[1], Jmag: v.values[2], Kmag: v.values[3]}
}

// Vec returns the value as a vector. Only valid for three value kinds.
func (v *Variable) Vec() r3.Vector {
	return r3.Vector{X: v.values[0], Y: v.values[1], Z: v.values[2]}
}

// SetQuat overwrites an orientation value.
func (v *Variable) SetQuat(q quat.Number) {
	q = spatialmath.Normalize(q)
	v.values[0], v.values[1], v.values[2], v.values[3] = q.Real, q.Imag, q.Jmag, q.Kmag
}

// SetVec overwrites a three value kind.
func (v *Variable) SetVec(p r3.Vector) {
	v.values[0], v.values[1], v.values[2] = p.X, p.Y, p.Z
}

// Clone returns a deep copy.
func (v *Variable) Clone() *Variable {
	values := make([]float64, len(v.values))
	copy(values, v.values)
	return &Variable{id: v.id, vtype: v.vtype, stamp: v.stamp, device: v.device, values: values}
}

// BoxPlus applies a tangent space perturbation: orientations compose with
// Exp(delta) on the right, linear kinds add.
func (v *Variable) BoxPlus(delta []float64) {
	if v.vtype == TypeOrientation {
		q := quat.Mul(v.Quat(), spatialmath.Exp(r3.Vector{X: delta[0], Y: delta[1], Z: delta[2]}))
		v.SetQuat(q)
		return
	}
	for i := range v.values {
		v.values[i] += delta[i]
	}
}

// PoseFromVariables assembles a pose from an orientation and a position
// variable.
func PoseFromVariables(orientation, position *Variable) spatialmath.Pose {
	return spatialmath.NewPose(orientation.Quat(), position.Vec())
}
