package vio

import (
	"math"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"go.percepta.dev/slam/imu"
	"go.percepta.dev/slam/spatialmath"
)

// frame is one candidate keyframe of the bootstrap window. Valid frames
// carry a pose from the initialization path or the two view fallback;
// invalid ones lie past the path and are localized against the landmark
// map instead.
type frame struct {
	stamp time.Time
	pose  spatialmath.Pose // T_WORLD_BASELINK
	valid bool
}

// pairWindow preintegrates the inertial samples between consecutive valid
// frames i and j.
type pairWindow struct {
	i, j   int
	window *imu.Window
}

// buildPairWindows splits the sample buffer into one window per
// consecutive valid frame pair. A sample stamped exactly at a frame
// belongs to the following window, matching the preintegrator's draining
// rule.
func buildPairWindows(frames []frame, samples []imu.Sample, noise imu.Noise) ([]pairWindow, error) {
	pairs := make([]pairWindow, 0, len(frames)-1)
	for i := 0; i+1 < len(frames); i++ {
		w := imu.NewWindow(noise, frames[i].stamp)
		for _, s := range samples {
			if s.Stamp.Before(frames[i].stamp) || !s.Stamp.Before(frames[i+1].stamp) {
				continue
			}
			if err := w.Add(s); err != nil {
				return nil, err
			}
		}
		if w.Len() == 0 {
			return nil, errors.Errorf("no inertial samples between frames at %v and %v",
				frames[i].stamp, frames[i+1].stamp)
		}
		pairs = append(pairs, pairWindow{i: i, j: i + 1, window: w})
	}
	return pairs, nil
}

// solveGyroBias aligns the preintegrated rotations with the relative
// rotations of the frame poses. The bias Jacobian of each window
// linearizes Delta R(b + db) = Delta R(b) * Exp(J db), so each pair
// contributes J db = Log(Delta R^-1 R_ij) to a small least squares
// problem. Re-linearizing twice is enough for gyro rates seen in
// practice.
func solveGyroBias(frames []frame, pairs []pairWindow) (r3.Vector, error) {
	bias := r3.Vector{}
	for iter := 0; iter < 3; iter++ {
		hess := mat.NewDense(3, 3, nil)
		grad := mat.NewVecDense(3, nil)
		for _, pw := range pairs {
			if err := pw.window.Integrate(frames[pw.j].stamp, bias, r3.Vector{}, false, true); err != nil {
				return r3.Vector{}, err
			}
			m := pw.window.Measurement()
			rij := quat.Mul(quat.Conj(frames[pw.i].pose.Rotation()), frames[pw.j].pose.Rotation())
			res := spatialmath.Log(quat.Mul(quat.Conj(m.Delta.Rot), rij))

			jac := m.RotWrtGyroBias
			var jtj mat.Dense
			jtj.Mul(jac.T(), jac)
			hess.Add(hess, &jtj)
			var jtr mat.VecDense
			jtr.MulVec(jac.T(), mat.NewVecDense(3, []float64{res.X, res.Y, res.Z}))
			grad.AddVec(grad, &jtr)
		}
		var step mat.VecDense
		if err := step.SolveVec(hess, grad); err != nil {
			return r3.Vector{}, errors.Wrap(err, "gyro bias system is singular")
		}
		delta := r3.Vector{X: step.AtVec(0), Y: step.AtVec(1), Z: step.AtVec(2)}
		bias = bias.Add(delta)
		if delta.Norm() < 1e-12 {
			break
		}
	}
	return bias, nil
}

// alignment is the result of the linear visual inertial alignment.
type alignment struct {
	// vels are world frame velocities per valid frame, metric.
	vels []r3.Vector
	// gravity in the frame of the supplied poses, magnitude constrained
	// to the nominal value by the refinement pass.
	gravity r3.Vector
	// scale maps the supplied positions to metric; 1 when the path was
	// already metric.
	scale float64
}

// pairDelta is one pair's contribution to the alignment system.
type pairDelta struct {
	i, j     int
	dt       float64
	rotT     *mat.Dense // R_i^T
	dp, dv   r3.Vector
	posDelta r3.Vector // p_j - p_i in path units
}

// solveGravityScale stacks the position and velocity prediction equations
//
//	Dp_ij = R_i^T (s(p_j - p_i) - v_i dt - 1/2 g dt^2)
//	Dv_ij = R_i^T (v_j - v_i - g dt)
//
// over all consecutive frame pairs and solves for the per frame world
// velocities, gravity, and (when withScale) the metric scale. A second
// pass re-solves with gravity constrained to the nominal magnitude on its
// two dimensional tangent plane.
func solveGravityScale(frames []frame, pairs []pairWindow, gyroBias r3.Vector, withScale bool) (alignment, error) {
	n := len(frames)
	if n < 3 {
		return alignment{}, errors.New("gravity alignment needs at least three frames")
	}

	deltas := make([]pairDelta, 0, len(pairs))
	for _, pw := range pairs {
		if err := pw.window.Integrate(frames[pw.j].stamp, gyroBias, r3.Vector{}, false, false); err != nil {
			return alignment{}, err
		}
		d := pw.window.Delta()
		deltas = append(deltas, pairDelta{
			i:        pw.i,
			j:        pw.j,
			dt:       d.Dt.Seconds(),
			rotT:     spatialmath.RotationMatrix(quat.Conj(frames[pw.i].pose.Rotation())),
			dp:       d.Pos,
			dv:       d.Vel,
			posDelta: frames[pw.j].pose.Translation().Sub(frames[pw.i].pose.Translation()),
		})
	}

	// solve once unconstrained to get a gravity direction, then iterate
	// on the tangent plane of the nominal magnitude sphere
	sol, err := solveAlignmentSystem(deltas, n, withScale, r3.Vector{}, false)
	if err != nil {
		return alignment{}, err
	}
	if math.Abs(sol.gravity.Norm()-imu.GravityNominal) > 1.0 {
		return alignment{}, errors.Errorf(
			"recovered gravity magnitude %.2f is too far from nominal", sol.gravity.Norm())
	}
	for iter := 0; iter < 4; iter++ {
		refined, err := solveAlignmentSystem(deltas, n, withScale, sol.gravity, true)
		if err != nil {
			return alignment{}, err
		}
		sol = refined
	}
	if withScale && sol.scale <= 1e-3 {
		return alignment{}, errors.Errorf("recovered scale %.4f is not positive", sol.scale)
	}
	return sol, nil
}

// solveAlignmentSystem assembles and solves the stacked linear system.
// With constrainG the gravity unknown is reduced to two tangent plane
// coefficients around the direction of gPrior.
func solveAlignmentSystem(
	deltas []pairDelta,
	n int,
	withScale bool,
	gPrior r3.Vector,
	constrainG bool,
) (alignment, error) {
	gDim := 3
	var b1, b2, gHat r3.Vector
	if constrainG {
		gDim = 2
		gHat = gPrior.Normalize()
		b1, b2 = tangentBasis(gHat)
	}
	dim := 3*n + gDim
	scaleCol := -1
	if withScale {
		scaleCol = dim
		dim++
	}
	gCol := 3 * n

	a := mat.NewDense(6*len(deltas), dim, nil)
	rhs := mat.NewVecDense(6*len(deltas), nil)
	for k, d := range deltas {
		rowP := 6 * k
		rowV := rowP + 3

		// gravity columns: full 3 dof or the tangent basis
		var gravCols [3]r3.Vector
		if constrainG {
			gravCols[0] = mulMat(d.rotT, b1)
			gravCols[1] = mulMat(d.rotT, b2)
		} else {
			gravCols[0] = matCol(d.rotT, 0)
			gravCols[1] = matCol(d.rotT, 1)
			gravCols[2] = matCol(d.rotT, 2)
		}

		rp := d.dp
		rv := d.dv
		if constrainG {
			gNominal := gHat.Mul(imu.GravityNominal)
			rp = rp.Add(mulMat(d.rotT, gNominal).Mul(0.5 * d.dt * d.dt))
			rv = rv.Add(mulMat(d.rotT, gNominal).Mul(d.dt))
		}
		if !withScale {
			rp = rp.Sub(mulMat(d.rotT, d.posDelta))
		}

		for r := 0; r < 3; r++ {
			// velocity i columns
			for c := 0; c < 3; c++ {
				a.Set(rowP+r, 3*d.i+c, -d.rotT.At(r, c)*d.dt)
				a.Set(rowV+r, 3*d.i+c, -d.rotT.At(r, c))
				a.Set(rowV+r, 3*d.j+c, d.rotT.At(r, c))
			}
			for c := 0; c < gDim; c++ {
				g := vecComp(gravCols[c], r)
				a.Set(rowP+r, gCol+c, -0.5*d.dt*d.dt*g)
				a.Set(rowV+r, gCol+c, -d.dt*g)
			}
			if withScale {
				a.Set(rowP+r, scaleCol, vecComp(mulMat(d.rotT, d.posDelta), r))
			}
			rhs.SetVec(rowP+r, vecComp(rp, r))
			rhs.SetVec(rowV+r, vecComp(rv, r))
		}
	}

	var x mat.VecDense
	if err := x.SolveVec(a, rhs); err != nil {
		return alignment{}, errors.Wrap(err, "alignment system is rank deficient")
	}

	out := alignment{vels: make([]r3.Vector, n), scale: 1}
	for i := 0; i < n; i++ {
		out.vels[i] = r3.Vector{X: x.AtVec(3 * i), Y: x.AtVec(3*i + 1), Z: x.AtVec(3*i + 2)}
	}
	if constrainG {
		out.gravity = gHat.Mul(imu.GravityNominal).
			Add(b1.Mul(x.AtVec(gCol))).
			Add(b2.Mul(x.AtVec(gCol + 1)))
		out.gravity = out.gravity.Normalize().Mul(imu.GravityNominal)
	} else {
		out.gravity = r3.Vector{X: x.AtVec(gCol), Y: x.AtVec(gCol + 1), Z: x.AtVec(gCol + 2)}
	}
	if withScale {
		out.scale = x.AtVec(scaleCol)
	}
	return out, nil
}

// tangentBasis returns two unit vectors spanning the plane orthogonal to
// the unit vector g.
func tangentBasis(g r3.Vector) (r3.Vector, r3.Vector) {
	tmp := r3.Vector{Z: 1}
	if math.Abs(g.Dot(tmp)) > 0.9 {
		tmp = r3.Vector{X: 1}
	}
	b1 := tmp.Sub(g.Mul(g.Dot(tmp))).Normalize()
	b2 := g.Cross(b1)
	return b1, b2
}

// gravityAlignment returns the rotation taking the estimated gravity
// direction onto the world down axis.
func gravityAlignment(gravity r3.Vector) quat.Number {
	gHat := gravity.Normalize()
	down := r3.Vector{Z: -1}
	dot := gHat.Dot(down)
	switch {
	case dot > 1-1e-12:
		return quat.Number{Real: 1}
	case dot < -1+1e-12:
		return spatialmath.Exp(r3.Vector{X: math.Pi})
	default:
		axis := gHat.Cross(down).Normalize()
		return spatialmath.Exp(axis.Mul(math.Acos(dot)))
	}
}

func mulMat(m *mat.Dense, v r3.Vector) r3.Vector {
	out := mat.NewVecDense(3, nil)
	out.MulVec(m, mat.NewVecDense(3, []float64{v.X, v.Y, v.Z}))
	return r3.Vector{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}
}

func matCol(m *mat.Dense, c int) r3.Vector {
	return r3.Vector{X: m.At(0, c), Y: m.At(1, c), Z: m.At(2, c)}
}

func vecComp(v r3.Vector, i int) float64 {
	switch i {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}
