package spatialmath

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

func TestExpLogRoundTrip(t *testing.T) {
	vectors := []r3.Vector{
		{X: 0.1, Y: -0.2, Z: 0.3},
		{X: 1.5, Y: 0, Z: 0},
		{X: 0, Y: 0, Z: 1e-9},
		{X: -2.0, Y: 1.0, Z: 0.5},
	}
	for _, w := range vectors {
		back := Log(Exp(w))
		test.That(t, back.X, test.ShouldAlmostEqual, w.X, 1e-10)
		test.That(t, back.Y, test.ShouldAlmostEqual, w.Y, 1e-10)
		test.That(t, back.Z, test.ShouldAlmostEqual, w.Z, 1e-10)
	}
}

func TestRotateMatchesMatrix(t *testing.T) {
	q := EulerToQuat(0.3, -0.5, 1.2)
	v := r3.Vector{X: 1, Y: 2, Z: -3}
	rotated := Rotate(q, v)

	m := RotationMatrix(q)
	want := mat.NewVecDense(3, nil)
	want.MulVec(m, mat.NewVecDense(3, []float64{v.X, v.Y, v.Z}))

	test.That(t, rotated.X, test.ShouldAlmostEqual, want.AtVec(0), 1e-12)
	test.That(t, rotated.Y, test.ShouldAlmostEqual, want.AtVec(1), 1e-12)
	test.That(t, rotated.Z, test.ShouldAlmostEqual, want.AtVec(2), 1e-12)
}

func TestMatrixToQuat(t *testing.T) {
	cases := []quat.Number{
		EulerToQuat(0.1, 0.2, 0.3),
		EulerToQuat(3.0, -1.2, 0.4),
		EulerToQuat(0, math.Pi-0.01, 0),
		{Real: 1},
	}
	for _, q := range cases {
		back := MatrixToQuat(RotationMatrix(q))
		test.That(t, AngleBetween(q, back), test.ShouldAlmostEqual, 0, 1e-9)
	}
}

func TestEulerRoundTrip(t *testing.T) {
	roll, pitch, yaw := QuatToEuler(EulerToQuat(0.3, -0.4, 0.5))
	test.That(t, roll, test.ShouldAlmostEqual, 0.3, 1e-10)
	test.That(t, pitch, test.ShouldAlmostEqual, -0.4, 1e-10)
	test.That(t, yaw, test.ShouldAlmostEqual, 0.5, 1e-10)
}

func TestComposeInvert(t *testing.T) {
	a := NewPoseFromEuler(0.2, 0.1, -0.3, r3.Vector{X: 1, Y: -2, Z: 0.5})
	b := NewPoseFromEuler(-0.4, 0.25, 0.9, r3.Vector{X: -0.3, Y: 0.7, Z: 2})

	ident := a.Compose(a.Invert())
	dt, dr := PoseDelta(ident, NewZeroPose())
	test.That(t, dt, test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, dr, test.ShouldAlmostEqual, 0, 1e-12)

	between := PoseBetween(a, b)
	dt, dr = PoseDelta(a.Compose(between), b)
	test.That(t, dt, test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, dr, test.ShouldAlmostEqual, 0, 1e-12)
}

func TestTransformPoint(t *testing.T) {
	p := NewPoseFromEuler(0, 0, math.Pi/2, r3.Vector{X: 1, Y: 0, Z: 0})
	out := p.TransformPoint(r3.Vector{X: 1, Y: 0, Z: 0})
	test.That(t, out.X, test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, out.Y, test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, out.Z, test.ShouldAlmostEqual, 0, 1e-12)
}

func TestInterpolate(t *testing.T) {
	a := NewZeroPose()
	b := NewPoseFromEuler(0, 0, 1.0, r3.Vector{X: 2, Y: 0, Z: 0})
	mid := Interpolate(a, b, 0.5)
	test.That(t, mid.Translation().X, test.ShouldAlmostEqual, 1, 1e-12)
	_, _, yaw := QuatToEuler(mid.Rotation())
	test.That(t, yaw, test.ShouldAlmostEqual, 0.5, 1e-10)
}

func TestAngleBetween(t *testing.T) {
	a := EulerToQuat(0, 0, 0.2)
	b := EulerToQuat(0, 0, 0.7)
	test.That(t, AngleBetween(a, b), test.ShouldAlmostEqual, 0.5, 1e-10)
}

func TestRightJacobianInverse(t *testing.T) {
	w := r3.Vector{X: 0.3, Y: -0.1, Z: 0.2}
	var prod mat.Dense
	prod.Mul(RightJacobian(w), InvRightJacobian(w))
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			test.That(t, prod.At(i, j), test.ShouldAlmostEqual, want, 1e-9)
		}
	}
}

func TestPoseJSONRoundTrip(t *testing.T) {
	p := NewPoseFromEuler(0.1, 0.2, 0.3, r3.Vector{X: 4, Y: 5, Z: 6})
	data, err := json.Marshal(p)
	test.That(t, err, test.ShouldBeNil)

	var back Pose
	test.That(t, json.Unmarshal(data, &back), test.ShouldBeNil)
	test.That(t, AlmostEqual(p, back, 1e-12, 1e-12), test.ShouldBeTrue)
}
