package spatialmath

import (
	"encoding/json"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a rigid transform T_A_B: the pose of frame B expressed in frame A.
// The zero value is not a valid pose; use NewZeroPose for identity.
type Pose struct {
	rot   quat.Number
	trans r3.Vector
}

// NewPose returns the pose with the given rotation and translation. The
// rotation is normalized.
func NewPose(rot quat.Number, trans r3.Vector) Pose {
	return Pose{rot: Normalize(rot), trans: trans}
}

// NewZeroPose returns the identity transform.
func NewZeroPose() Pose {
	return Pose{rot: quat.Number{Real: 1}}
}

// NewPoseFromEuler builds a pose from intrinsic XYZ Euler angles in radians
// and a translation.
func NewPoseFromEuler(roll, pitch, yaw float64, trans r3.Vector) Pose {
	return Pose{rot: EulerToQuat(roll, pitch, yaw), trans: trans}
}

// Rotation returns the unit quaternion of the pose.
func (p Pose) Rotation() quat.Number {
	return p.rot
}

// Translation returns the translation of the pose.
func (p Pose) Translation() r3.Vector {
	return p.trans
}

// Compose returns p * o, the composition T_A_C = T_A_B * T_B_C.
func (p Pose) Compose(o Pose) Pose {
	return Pose{
		rot:   Normalize(quat.Mul(p.rot, o.rot)),
		trans: Rotate(p.rot, o.trans).Add(p.trans),
	}
}

// Invert returns the inverse transform.
func (p Pose) Invert() Pose {
	inv := quat.Conj(p.rot)
	return Pose{rot: inv, trans: Rotate(inv, p.trans.Mul(-1))}
}

// TransformPoint maps a point from frame B into frame A.
func (p Pose) TransformPoint(v r3.Vector) r3.Vector {
	return Rotate(p.rot, v).Add(p.trans)
}

// PoseBetween returns the transform T_B_C such that a.Compose(T_B_C) == b.
func PoseBetween(a, b Pose) Pose {
	return a.Invert().Compose(b)
}

// PoseDelta returns the translation distance and geodesic rotation angle
// separating two poses.
func PoseDelta(a, b Pose) (float64, float64) {
	return a.trans.Sub(b.trans).Norm(), AngleBetween(a.rot, b.rot)
}

// Interpolate returns the pose a fraction t of the way from a to b,
// interpolating translation linearly and rotation spherically.
func Interpolate(a, b Pose, t float64) Pose {
	return Pose{
		rot:   Slerp(a.rot, b.rot, t),
		trans: a.trans.Add(b.trans.Sub(a.trans).Mul(t)),
	}
}

// AlmostEqual reports whether two poses are within the given translation
// and rotation (radians) tolerances of each other.
func AlmostEqual(a, b Pose, transTol, rotTol float64) bool {
	dt, dr := PoseDelta(a, b)
	return dt <= transTol && dr <= rotTol
}

type poseJSON struct {
	Orientation [4]float64 `json:"orientation_wxyz"`
	Translation [3]float64 `json:"translation_xyz"`
}

// MarshalJSON encodes the pose as an orientation quaternion (w,x,y,z) and a
// translation vector.
func (p Pose) MarshalJSON() ([]byte, error) {
	return json.Marshal(poseJSON{
		Orientation: [4]float64{p.rot.Real, p.rot.Imag, p.rot.Jmag, p.rot.Kmag},
		Translation: [3]float64{p.trans.X, p.trans.Y, p.trans.Z},
	})
}

// UnmarshalJSON decodes a pose written by MarshalJSON.
func (p *Pose) UnmarshalJSON(data []byte) error {
	var enc poseJSON
	if err := json.Unmarshal(data, &enc); err != nil {
		return err
	}
	p.rot = Normalize(quat.Number{Real: enc.Orientation[0], Imag: enc.Orientation[1], Jmag: enc.Orientation[2], Kmag: enc.Orientation[3]})
	p.trans = r3.Vector{X: enc.Translation[0], Y: enc.Translation[1], Z: enc.Translation[2]}
	return nil
}
