// Package spatialmath implements the rigid body math shared by the fusion
// pipeline: unit quaternion rotations, SE(3) poses, and the tangent space
// helpers the estimators and the optimizer rely on.
package spatialmath

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// angleEpsilon is the squared angle below which small angle approximations
// of the exponential and logarithm maps are used.
const angleEpsilon = 1e-14

// Normalize returns the unit quaternion pointing along q. The zero
// quaternion normalizes to identity.
func Normalize(q quat.Number) quat.Number {
	length := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if length == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Number{Real: q.Real / length, Imag: q.Imag / length, Jmag: q.Jmag / length, Kmag: q.Kmag / length}
}

// Rotate rotates the vector v by the unit quaternion q.
func Rotate(q quat.Number, v r3.Vector) r3.Vector {
	qv := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	rotated := quat.Mul(quat.Mul(q, qv), quat.Conj(q))
	return r3.Vector{X: rotated.Imag, Y: rotated.Jmag, Z: rotated.Kmag}
}

// Exp maps a rotation vector in so(3) to a unit quaternion.
func Exp(w r3.Vector) quat.Number {
	angleSq := w.X*w.X + w.Y*w.Y + w.Z*w.Z
	if angleSq < angleEpsilon {
		// first order expansion, renormalized
		return Normalize(quat.Number{Real: 1, Imag: w.X / 2, Jmag: w.Y / 2, Kmag: w.Z / 2})
	}
	angle := math.Sqrt(angleSq)
	s := math.Sin(angle/2) / angle
	return quat.Number{Real: math.Cos(angle / 2), Imag: w.X * s, Jmag: w.Y * s, Kmag: w.Z * s}
}

// Log maps a unit quaternion to its rotation vector in so(3), the inverse
// of Exp. The result has magnitude in [0, pi].
func Log(q quat.Number) r3.Vector {
	if q.Real < 0 {
		q = quat.Number{Real: -q.Real, Imag: -q.Imag, Jmag: -q.Jmag, Kmag: -q.Kmag}
	}
	vecNorm := math.Sqrt(q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if vecNorm*vecNorm < angleEpsilon {
		scale := 2 / q.Real
		return r3.Vector{X: q.Imag * scale, Y: q.Jmag * scale, Z: q.Kmag * scale}
	}
	angle := 2 * math.Atan2(vecNorm, q.Real)
	scale := angle / vecNorm
	return r3.Vector{X: q.Imag * scale, Y: q.Jmag * scale, Z: q.Kmag * scale}
}

// AngleBetween returns the geodesic angle in radians between two unit
// quaternions, in [0, pi].
func AngleBetween(a, b quat.Number) float64 {
	return Log(quat.Mul(quat.Conj(a), b)).Norm()
}

// EulerToQuat converts intrinsic XYZ Euler angles (roll, pitch, yaw in
// radians) to a unit quaternion.
func EulerToQuat(roll, pitch, yaw float64) quat.Number {
	q := mgl64.AnglesToQuat(roll, pitch, yaw, mgl64.XYZ)
	return quat.Number{Real: q.W, Imag: q.X(), Jmag: q.Y(), Kmag: q.Z()}
}

// QuatToEuler converts a unit quaternion to intrinsic XYZ Euler angles
// (roll, pitch, yaw in radians).
func QuatToEuler(q quat.Number) (roll, pitch, yaw float64) {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	roll = math.Atan2(2*(w*x+y*z), 1-2*(x*x+y*y))
	sinp := 2 * (w*y - z*x)
	if math.Abs(sinp) >= 1 {
		pitch = math.Copysign(math.Pi/2, sinp)
	} else {
		pitch = math.Asin(sinp)
	}
	yaw = math.Atan2(2*(w*z+x*y), 1-2*(y*y+z*z))
	return roll, pitch, yaw
}

// Slerp spherically interpolates from a to b by the fraction t in [0, 1].
func Slerp(a, b quat.Number, t float64) quat.Number {
	dot := a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
	if dot < 0 {
		b = quat.Number{Real: -b.Real, Imag: -b.Imag, Jmag: -b.Jmag, Kmag: -b.Kmag}
	}
	return Normalize(quat.Mul(a, Exp(Log(quat.Mul(quat.Conj(a), b)).Mul(t))))
}

// RotationMatrix returns the 3x3 rotation matrix of the unit quaternion q.
func RotationMatrix(q quat.Number) *mat.Dense {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// MatrixToQuat converts a 3x3 rotation matrix to a unit quaternion using
// Shepperd's method.
func MatrixToQuat(m mat.Matrix) quat.Number {
	t := m.At(0, 0) + m.At(1, 1) + m.At(2, 2)
	var q quat.Number
	switch {
	case t > 0:
		s := 0.5 / math.Sqrt(t+1)
		q = quat.Number{
			Real: 0.25 / s,
			Imag: (m.At(2, 1) - m.At(1, 2)) * s,
			Jmag: (m.At(0, 2) - m.At(2, 0)) * s,
			Kmag: (m.At(1, 0) - m.At(0, 1)) * s,
		}
	case m.At(0, 0) > m.At(1, 1) && m.At(0, 0) > m.At(2, 2):
		s := 2 * math.Sqrt(1+m.At(0, 0)-m.At(1, 1)-m.At(2, 2))
		q = quat.Number{
			Real: (m.At(2, 1) - m.At(1, 2)) / s,
			Imag: 0.25 * s,
			Jmag: (m.At(0, 1) + m.At(1, 0)) / s,
			Kmag: (m.At(0, 2) + m.At(2, 0)) / s,
		}
	case m.At(1, 1) > m.At(2, 2):
		s := 2 * math.Sqrt(1+m.At(1, 1)-m.At(0, 0)-m.At(2, 2))
		q = quat.Number{
			Real: (m.At(0, 2) - m.At(2, 0)) / s,
			Imag: (m.At(0, 1) + m.At(1, 0)) / s,
			Jmag: 0.25 * s,
			Kmag: (m.At(1, 2) + m.At(2, 1)) / s,
		}
	default:
		s := 2 * math.Sqrt(1+m.At(2, 2)-m.At(0, 0)-m.At(1, 1))
		q = quat.Number{
			Real: (m.At(1, 0) - m.At(0, 1)) / s,
			Imag: (m.At(0, 2) + m.At(2, 0)) / s,
			Jmag: (m.At(1, 2) + m.At(2, 1)) / s,
			Kmag: 0.25 * s,
		}
	}
	return Normalize(q)
}

// Skew returns the 3x3 skew symmetric matrix [v]x such that [v]x w = v x w.
func Skew(v r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
}

// RightJacobian returns the right Jacobian of SO(3) at the rotation vector
// w, relating additive tangent perturbations to group perturbations.
func RightJacobian(w r3.Vector) *mat.Dense {
	angleSq := w.X*w.X + w.Y*w.Y + w.Z*w.Z
	j := identity3()
	if angleSq < angleEpsilon {
		return j
	}
	angle := math.Sqrt(angleSq)
	skew := Skew(w)
	skewSq := &mat.Dense{}
	skewSq.Mul(skew, skew)
	var tmp mat.Dense
	tmp.Scale((1-math.Cos(angle))/angleSq, skew)
	j.Sub(j, &tmp)
	tmp.Scale((angle-math.Sin(angle))/(angleSq*angle), skewSq)
	j.Add(j, &tmp)
	return j
}

// InvRightJacobian returns the inverse of the right Jacobian of SO(3) at w.
func InvRightJacobian(w r3.Vector) *mat.Dense {
	angleSq := w.X*w.X + w.Y*w.Y + w.Z*w.Z
	j := identity3()
	skew := Skew(w)
	var tmp mat.Dense
	tmp.Scale(0.5, skew)
	j.Add(j, &tmp)
	if angleSq < angleEpsilon {
		return j
	}
	angle := math.Sqrt(angleSq)
	skewSq := &mat.Dense{}
	skewSq.Mul(skew, skew)
	coeff := 1/angleSq - (1+math.Cos(angle))/(2*angle*math.Sin(angle))
	tmp.Scale(coeff, skewSq)
	j.Add(j, &tmp)
	return j
}

func identity3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}
