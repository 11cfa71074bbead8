package graph

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"go.percepta.dev/slam/spatialmath"
)

// Constraint relates one or more variables through a whitened residual.
type Constraint interface {
	// ID is deterministic over the constraint's source and variables so
	// resubmission with overrides replaces rather than duplicates.
	ID() uuid.UUID
	// Source names the producer, e.g. "lidar_odometry".
	Source() string
	// Variables lists the referenced variable identities in evaluation
	// order.
	Variables() []uuid.UUID
	// Residual computes the whitened residual given the variables in
	// Variables() order. When jac is non nil it has one entry per variable
	// to be filled with the residual's Jacobian against that variable's
	// tangent space.
	Residual(vars []*Variable, jac []*mat.Dense) ([]float64, error)
	// Loss returns the robust loss, or nil for a trivial quadratic loss.
	Loss() Loss
}

// Loss reweights a residual based on its squared norm.
type Loss interface {
	// Weight returns the factor applied to the residual and Jacobians,
	// sqrt of the derivative of the loss at the given squared norm.
	Weight(squaredNorm float64) float64
}

// CauchyLoss is the robust loss used on reprojection residuals.
type CauchyLoss struct {
	Scale float64
}

// Weight implements Loss.
func (l CauchyLoss) Weight(squaredNorm float64) float64 {
	aSq := l.Scale * l.Scale
	if aSq <= 0 {
		return 1
	}
	return math.Sqrt(1 / (1 + squaredNorm/aSq))
}

// ConstraintID derives a deterministic constraint identity from its source
// and referenced variables.
func ConstraintID(source string, vars ...uuid.UUID) uuid.UUID {
	buf := make([]byte, 0, len(source)+len(vars)*16)
	buf = append(buf, source...)
	for _, v := range vars {
		buf = append(buf, v[:]...)
	}
	return uuid.NewSHA1(namespace, buf)
}

// DiagonalCovariance builds a square covariance with the given diagonal.
func DiagonalCovariance(diag []float64) *mat.Dense {
	n := len(diag)
	cov := mat.NewDense(n, n, nil)
	for i, v := range diag {
		cov.Set(i, i, v)
	}
	return cov
}

// SqrtInformation returns U with U^T U equal to the inverse of cov, used to
// whiten residuals. Fails when cov is singular or not positive definite.
func SqrtInformation(cov *mat.Dense) (*mat.Dense, error) {
	n, c := cov.Dims()
	if n != c {
		return nil, errors.Errorf("covariance must be square, got %dx%d", n, c)
	}
	inv := mat.NewDense(n, n, nil)
	if err := inv.Inverse(cov); err != nil {
		return nil, errors.Wrap(err, "covariance not invertible")
	}
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, (inv.At(i, j)+inv.At(j, i))/2)
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(sym) {
		return nil, errors.New("information matrix not positive definite")
	}
	var u mat.TriDense
	chol.UTo(&u)
	out := mat.NewDense(n, n, nil)
	out.Copy(&u)
	return out, nil
}

// RelativePoseConstraint relates two stamped pose variable pairs through a
// measured relative transform with a 6x6 covariance ordered (translation,
// rotation).
type RelativePoseConstraint struct {
	id       uuid.UUID
	source   string
	vars     [4]uuid.UUID // orientation1, position1, orientation2, position2
	delta    spatialmath.Pose
	sqrtInfo *mat.Dense
}

// NewRelativePoseConstraint builds the constraint between the pose
// variables of stamp1 and stamp2 on the given device. delta is the measured
// T_FRAME1_FRAME2.
func NewRelativePoseConstraint(
	source string,
	device uuid.UUID,
	stamp1, stamp2 time.Time,
	delta spatialmath.Pose,
	cov *mat.Dense,
) (*RelativePoseConstraint, error) {
	sqrtInfo, err := SqrtInformation(cov)
	if err != nil {
		return nil, errors.Wrapf(err, "relative pose constraint from %s", source)
	}
	vars := [4]uuid.UUID{
		StampedID(TypeOrientation, stamp1, device),
		StampedID(TypePosition, stamp1, device),
		StampedID(TypeOrientation, stamp2, device),
		StampedID(TypePosition, stamp2, device),
	}
	return &RelativePoseConstraint{
		id:       ConstraintID(source, vars[0], vars[1], vars[2], vars[3]),
		source:   source,
		vars:     vars,
		delta:    delta,
		sqrtInfo: sqrtInfo,
	}, nil
}

// ID implements Constraint.
func (c *RelativePoseConstraint) ID() uuid.UUID { return c.id }

// Source implements Constraint.
func (c *RelativePoseConstraint) Source() string { return c.source }

// Variables implements Constraint.
func (c *RelativePoseConstraint) Variables() []uuid.UUID { return c.vars[:] }

// Loss implements Constraint.
func (c *RelativePoseConstraint) Loss() Loss { return nil }

// Delta returns the measured relative transform.
func (c *RelativePoseConstraint) Delta() spatialmath.Pose { return c.delta }

// Residual implements Constraint. The unwhitened residual is
// [R1^T (p2 - p1) - delta_p, Log(delta_q^-1 q1^-1 q2)].
func (c *RelativePoseConstraint) Residual(vars []*Variable, jac []*mat.Dense) ([]float64, error) {
	if len(vars) != 4 {
		return nil, errors.Errorf("relative pose constraint expects 4 variables, got %d", len(vars))
	}
	q1, p1 := vars[0].Quat(), vars[1].Vec()
	q2, p2 := vars[2].Quat(), vars[3].Vec()

	q1Inv := quat.Conj(q1)
	relRot := quat.Mul(q1Inv, q2)
	relTrans := spatialmath.Rotate(q1Inv, p2.Sub(p1))

	rotErr := spatialmath.Log(quat.Mul(quat.Conj(c.delta.Rotation()), relRot))
	transErr := relTrans.Sub(c.delta.Translation())

	raw := mat.NewVecDense(6, []float64{
		transErr.X, transErr.Y, transErr.Z,
		rotErr.X, rotErr.Y, rotErr.Z,
	})
	if jac != nil {
		r1T := spatialmath.RotationMatrix(q1Inv)
		invJr := spatialmath.InvRightJacobian(rotErr)
		r21 := spatialmath.RotationMatrix(quat.Mul(quat.Conj(q2), q1))

		full := mat.NewDense(6, 12, nil)
		// d trans err / d theta1 = [R1^T (p2-p1)]x
		full.Slice(0, 3, 0, 3).(*mat.Dense).Copy(spatialmath.Skew(relTrans))
		// d trans err / d p1 = -R1^T
		var negR1T mat.Dense
		negR1T.Scale(-1, r1T)
		full.Slice(0, 3, 3, 6).(*mat.Dense).Copy(&negR1T)
		// d trans err / d p2 = R1^T
		full.Slice(0, 3, 9, 12).(*mat.Dense).Copy(r1T)
		// d rot err / d theta1 = -Jr^-1 R(q2^-1 q1)
		var dRot1 mat.Dense
		dRot1.Mul(invJr, r21)
		dRot1.Scale(-1, &dRot1)
		full.Slice(3, 6, 0, 3).(*mat.Dense).Copy(&dRot1)
		// d rot err / d theta2 = Jr^-1
		full.Slice(3, 6, 6, 9).(*mat.Dense).Copy(invJr)

		var whitened mat.Dense
		whitened.Mul(c.sqrtInfo, full)
		SplitJacobian(&whitened, jac, []int{3, 3, 3, 3})
	}

	out := mat.NewVecDense(6, nil)
	out.MulVec(c.sqrtInfo, raw)
	return vecSlice(out), nil
}

// AbsolutePosePrior anchors one stamped pose to a mean with a 6x6
// covariance ordered (translation, rotation).
type AbsolutePosePrior struct {
	id       uuid.UUID
	source   string
	vars     [2]uuid.UUID // orientation, position
	mean     spatialmath.Pose
	sqrtInfo *mat.Dense
}

// NewAbsolutePosePrior builds a prior on the pose variables at stamp.
func NewAbsolutePosePrior(
	source string,
	device uuid.UUID,
	stamp time.Time,
	mean spatialmath.Pose,
	cov *mat.Dense,
) (*AbsolutePosePrior, error) {
	sqrtInfo, err := SqrtInformation(cov)
	if err != nil {
		return nil, errors.Wrapf(err, "absolute pose prior from %s", source)
	}
	vars := [2]uuid.UUID{
		StampedID(TypeOrientation, stamp, device),
		StampedID(TypePosition, stamp, device),
	}
	return &AbsolutePosePrior{
		id:       ConstraintID(source, vars[0], vars[1]),
		source:   source,
		vars:     vars,
		mean:     mean,
		sqrtInfo: sqrtInfo,
	}, nil
}

// ID implements Constraint.
func (c *AbsolutePosePrior) ID() uuid.UUID { return c.id }

// Source implements Constraint.
func (c *AbsolutePosePrior) Source() string { return c.source }

// Variables implements Constraint.
func (c *AbsolutePosePrior) Variables() []uuid.UUID { return c.vars[:] }

// Loss implements Constraint.
func (c *AbsolutePosePrior) Loss() Loss { return nil }

// Mean returns the anchored pose.
func (c *AbsolutePosePrior) Mean() spatialmath.Pose { return c.mean }

// Residual implements Constraint.
func (c *AbsolutePosePrior) Residual(vars []*Variable, jac []*mat.Dense) ([]float64, error) {
	if len(vars) != 2 {
		return nil, errors.Errorf("absolute pose prior expects 2 variables, got %d", len(vars))
	}
	q, p := vars[0].Quat(), vars[1].Vec()
	rotErr := spatialmath.Log(quat.Mul(quat.Conj(c.mean.Rotation()), q))
	transErr := p.Sub(c.mean.Translation())

	raw := mat.NewVecDense(6, []float64{
		transErr.X, transErr.Y, transErr.Z,
		rotErr.X, rotErr.Y, rotErr.Z,
	})
	if jac != nil {
		full := mat.NewDense(6, 6, nil)
		full.Slice(3, 6, 0, 3).(*mat.Dense).Copy(spatialmath.InvRightJacobian(rotErr))
		for i := 0; i < 3; i++ {
			full.Set(i, i+3, 1)
		}
		var whitened mat.Dense
		whitened.Mul(c.sqrtInfo, full)
		SplitJacobian(&whitened, jac, []int{3, 3})
	}
	out := mat.NewVecDense(6, nil)
	out.MulVec(c.sqrtInfo, raw)
	return vecSlice(out), nil
}

// SplitJacobian copies column blocks of a stacked Jacobian into the per
// variable output slots, allocating any nil slot.
func SplitJacobian(full *mat.Dense, jac []*mat.Dense, widths []int) {
	rows, _ := full.Dims()
	col := 0
	for i, w := range widths {
		if jac[i] == nil {
			jac[i] = mat.NewDense(rows, w, nil)
		}
		jac[i].Copy(full.Slice(0, rows, col, col+w))
		col += w
	}
}

func vecSlice(v *mat.VecDense) []float64 {
	out := make([]float64, v.Len())
	for i := range out {
		out[i] = v.AtVec(i)
	}
	return out
}

// PriorFromStdDev is a convenience building a 6x6 covariance from a single
// standard deviation applied to all six dimensions.
func PriorFromStdDev(sigma float64) *mat.Dense {
	return DiagonalCovariance([]float64{
		sigma * sigma, sigma * sigma, sigma * sigma,
		sigma * sigma, sigma * sigma, sigma * sigma,
	})
}
