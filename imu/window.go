package imu

import (
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"go.percepta.dev/slam/spatialmath"
)

// Delta is the preintegrated relative motion expressed in the anchor
// frame: rotation, velocity change, and position change over Dt with
// gravity removed.
type Delta struct {
	Dt  time.Duration
	Rot quat.Number
	Vel r3.Vector
	Pos r3.Vector
}

// Noise holds the continuous-time noise densities of the inertial sensor.
type Noise struct {
	GyroNoise  float64
	AccelNoise float64
	GyroBias   float64
	AccelBias  float64
}

// Measurement is a finished preintegration window: the delta, its 15x15
// covariance ordered (rotation, velocity, position, gyro bias, accel
// bias), the bias Jacobian blocks, and the biases it was linearized at.
type Measurement struct {
	Delta      Delta
	Covariance *mat.Dense

	// first-order sensitivities of the delta to the linearization biases
	RotWrtGyroBias *mat.Dense
	VelWrtGyroBias *mat.Dense
	VelWrtAccBias  *mat.Dense
	PosWrtGyroBias *mat.Dense
	PosWrtAccBias  *mat.Dense

	GyroBiasLin  r3.Vector
	AccelBiasLin r3.Vector
}

// Corrected returns the delta adjusted to first order for biases that
// moved away from the linearization point.
func (m Measurement) Corrected(gyroBias, accelBias r3.Vector) Delta {
	dbg := gyroBias.Sub(m.GyroBiasLin)
	dba := accelBias.Sub(m.AccelBiasLin)

	rot := quat.Mul(m.Delta.Rot, spatialmath.Exp(mulVec(m.RotWrtGyroBias, dbg)))
	vel := m.Delta.Vel.
		Add(mulVec(m.VelWrtGyroBias, dbg)).
		Add(mulVec(m.VelWrtAccBias, dba))
	pos := m.Delta.Pos.
		Add(mulVec(m.PosWrtGyroBias, dbg)).
		Add(mulVec(m.PosWrtAccBias, dba))
	return Delta{Dt: m.Delta.Dt, Rot: spatialmath.Normalize(rot), Vel: vel, Pos: pos}
}

// Window buffers the samples of one preintegration interval and
// integrates them on demand.
type Window struct {
	noise Noise
	start time.Time
	data  []Sample

	delta   Delta
	cov     *mat.Dense
	rotBg   *mat.Dense
	velBg   *mat.Dense
	velBa   *mat.Dense
	posBg   *mat.Dense
	posBa   *mat.Dense
	gyroLin r3.Vector
	accLin  r3.Vector
}

// NewWindow returns an empty window anchored at start.
func NewWindow(noise Noise, start time.Time) *Window {
	w := &Window{noise: noise}
	w.Reset(start)
	return w
}

// Reset clears buffered samples and re-anchors the window.
func (w *Window) Reset(start time.Time) {
	w.start = start
	w.data = w.data[:0]
	w.resetDelta()
}

func (w *Window) resetDelta() {
	w.delta = Delta{Rot: quat.Number{Real: 1}}
	w.cov = mat.NewDense(15, 15, nil)
	w.rotBg = mat.NewDense(3, 3, nil)
	w.velBg = mat.NewDense(3, 3, nil)
	w.velBa = mat.NewDense(3, 3, nil)
	w.posBg = mat.NewDense(3, 3, nil)
	w.posBa = mat.NewDense(3, 3, nil)
}

// Add appends a sample. Samples must arrive in stamp order.
func (w *Window) Add(s Sample) error {
	if n := len(w.data); n > 0 && s.Stamp.Before(w.data[n-1].Stamp) {
		return errors.Errorf("inertial sample at %v precedes buffered sample at %v",
			s.Stamp, w.data[n-1].Stamp)
	}
	w.data = append(w.data, s)
	return nil
}

// Len returns the number of buffered samples.
func (w *Window) Len() int { return len(w.data) }

// Start returns the window anchor stamp.
func (w *Window) Start() time.Time { return w.start }

// Integrate propagates the delta from the window anchor to end using
// mid-point integration with the given bias linearization. Covariance and
// bias Jacobian propagation are optional; the final segment extends the
// last sample to end.
func (w *Window) Integrate(end time.Time, gyroBias, accelBias r3.Vector, withCov, withJac bool) error {
	if end.Before(w.start) {
		return errors.Errorf("integration end %v precedes window start %v", end, w.start)
	}
	w.resetDelta()
	w.gyroLin = gyroBias
	w.accLin = accelBias

	prevStamp := w.start
	var prev *Sample
	for i := range w.data {
		s := w.data[i]
		if s.Stamp.After(end) {
			break
		}
		if prev == nil {
			w.step(s, s, s.Stamp.Sub(prevStamp), withCov, withJac)
		} else {
			w.step(*prev, s, s.Stamp.Sub(prev.Stamp), withCov, withJac)
		}
		prev = &w.data[i]
		prevStamp = s.Stamp
	}
	if end.After(prevStamp) {
		if prev == nil {
			return errors.New("no inertial samples to integrate")
		}
		w.step(*prev, *prev, end.Sub(prevStamp), withCov, withJac)
	}
	return nil
}

// step advances the delta over one segment bounded by samples a and b.
func (w *Window) step(a, b Sample, dt time.Duration, withCov, withJac bool) {
	dts := dt.Seconds()
	if dts <= 0 {
		return
	}

	gyroMid := a.Gyro.Add(b.Gyro).Mul(0.5).Sub(w.gyroLin)
	accA := a.Accel.Sub(w.accLin)
	accB := b.Accel.Sub(w.accLin)

	rotPrev := w.delta.Rot
	rotStep := spatialmath.Exp(gyroMid.Mul(dts))
	rotNext := spatialmath.Normalize(quat.Mul(rotPrev, rotStep))

	accWorld := spatialmath.Rotate(rotPrev, accA).
		Add(spatialmath.Rotate(rotNext, accB)).Mul(0.5)

	posNext := w.delta.Pos.
		Add(w.delta.Vel.Mul(dts)).
		Add(accWorld.Mul(0.5 * dts * dts))
	velNext := w.delta.Vel.Add(accWorld.Mul(dts))

	if withCov || withJac {
		rotPrevMat := spatialmath.RotationMatrix(rotPrev)
		stepT := spatialmath.RotationMatrix(quat.Conj(rotStep))
		jr := spatialmath.RightJacobian(gyroMid.Mul(dts))
		accMidBody := accA.Add(accB).Mul(0.5)
		accSkew := spatialmath.Skew(accMidBody)

		var rotAcc mat.Dense
		rotAcc.Mul(rotPrevMat, accSkew)

		if withJac {
			w.propagateBiasJacobians(stepT, jr, rotPrevMat, &rotAcc, dts)
		}
		if withCov {
			w.propagateCovariance(stepT, jr, rotPrevMat, &rotAcc, dts)
		}
	}

	w.delta.Rot = rotNext
	w.delta.Vel = velNext
	w.delta.Pos = posNext
	w.delta.Dt += dt
}

// propagateBiasJacobians applies the first-order recursion
//
//	J' = F_state J + F_bias
//
// for the rotation, velocity, and position blocks.
func (w *Window) propagateBiasJacobians(stepT, jr, rotPrev, rotAcc *mat.Dense, dts float64) {
	// position depends on the previous velocity and rotation blocks
	var posBg mat.Dense
	posBg.Scale(dts, w.velBg)
	var tmp mat.Dense
	tmp.Mul(rotAcc, w.rotBg)
	tmp.Scale(0.5*dts*dts, &tmp)
	posBg.Sub(&posBg, &tmp)
	w.posBg.Add(w.posBg, &posBg)

	var posBa mat.Dense
	posBa.Scale(dts, w.velBa)
	w.posBa.Add(w.posBa, &posBa)
	addScaled(w.posBa, rotPrev, -0.5*dts*dts)

	var velBg mat.Dense
	velBg.Mul(rotAcc, w.rotBg)
	velBg.Scale(dts, &velBg)
	w.velBg.Sub(w.velBg, &velBg)

	addScaled(w.velBa, rotPrev, -dts)

	var rotBg mat.Dense
	rotBg.Mul(stepT, w.rotBg)
	w.rotBg.Copy(&rotBg)
	addScaled(w.rotBg, jr, -dts)
}

// propagateCovariance applies Sigma <- F Sigma F^T + G Qd G^T with the
// state ordered (rotation, velocity, position, gyro bias, accel bias).
func (w *Window) propagateCovariance(stepT, jr, rotPrev, rotAcc *mat.Dense, dts float64) {
	f := mat.NewDense(15, 15, nil)
	for i := 0; i < 15; i++ {
		f.Set(i, i, 1)
	}
	f.Slice(0, 3, 0, 3).(*mat.Dense).Copy(stepT)
	setScaled(f.Slice(0, 3, 9, 12).(*mat.Dense), jr, -dts)
	setScaled(f.Slice(3, 6, 0, 3).(*mat.Dense), rotAcc, -dts)
	setScaled(f.Slice(3, 6, 12, 15).(*mat.Dense), rotPrev, -dts)
	setScaled(f.Slice(6, 9, 0, 3).(*mat.Dense), rotAcc, -0.5*dts*dts)
	for i := 0; i < 3; i++ {
		f.Set(6+i, 3+i, dts)
	}
	setScaled(f.Slice(6, 9, 12, 15).(*mat.Dense), rotPrev, -0.5*dts*dts)

	g := mat.NewDense(15, 12, nil)
	setScaled(g.Slice(0, 3, 0, 3).(*mat.Dense), jr, -1)
	setScaled(g.Slice(3, 6, 3, 6).(*mat.Dense), rotPrev, -1)
	setScaled(g.Slice(6, 9, 3, 6).(*mat.Dense), rotPrev, -0.5*dts)
	for i := 0; i < 3; i++ {
		g.Set(9+i, 6+i, 1)
		g.Set(12+i, 9+i, 1)
	}

	qd := mat.NewDense(12, 12, nil)
	for i := 0; i < 3; i++ {
		qd.Set(i, i, w.noise.GyroNoise*dts)
		qd.Set(3+i, 3+i, w.noise.AccelNoise*dts)
		qd.Set(6+i, 6+i, w.noise.GyroBias*dts)
		qd.Set(9+i, 9+i, w.noise.AccelBias*dts)
	}

	var fs, cov, gq, gqg mat.Dense
	fs.Mul(f, w.cov)
	cov.Mul(&fs, f.T())
	gq.Mul(g, qd)
	gqg.Mul(&gq, g.T())
	cov.Add(&cov, &gqg)
	w.cov.Copy(&cov)
}

// Delta returns the currently integrated relative motion.
func (w *Window) Delta() Delta { return w.delta }

// Measurement snapshots the window after Integrate was called with
// covariance and Jacobian propagation enabled.
func (w *Window) Measurement() Measurement {
	covCopy := mat.NewDense(15, 15, nil)
	covCopy.Copy(w.cov)
	return Measurement{
		Delta:          w.delta,
		Covariance:     covCopy,
		RotWrtGyroBias: mat.DenseCopyOf(w.rotBg),
		VelWrtGyroBias: mat.DenseCopyOf(w.velBg),
		VelWrtAccBias:  mat.DenseCopyOf(w.velBa),
		PosWrtGyroBias: mat.DenseCopyOf(w.posBg),
		PosWrtAccBias:  mat.DenseCopyOf(w.posBa),
		GyroBiasLin:    w.gyroLin,
		AccelBiasLin:   w.accLin,
	}
}

func mulVec(m *mat.Dense, v r3.Vector) r3.Vector {
	out := mat.NewVecDense(3, nil)
	out.MulVec(m, mat.NewVecDense(3, []float64{v.X, v.Y, v.Z}))
	return r3.Vector{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}
}

// addScaled adds s*src to dst in place.
func addScaled(dst, src *mat.Dense, s float64) {
	var tmp mat.Dense
	tmp.Scale(s, src)
	dst.Add(dst, &tmp)
}

// setScaled overwrites dst with s*src.
func setScaled(dst, src *mat.Dense, s float64) {
	dst.Copy(src)
	dst.Scale(s, dst)
}
