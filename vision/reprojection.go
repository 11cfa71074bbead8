package vision

import (
	"time"

	"github.com/golang/geo/r2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"go.percepta.dev/slam/graph"
	"go.percepta.dev/slam/spatialmath"
)

// ReprojectionConstraint relates a baselink pose pair and a landmark
// through a pixel measurement. The residual is the weighted difference
// between the landmark's projection and the observed pixel, under a Cauchy
// loss so stray tracks cannot drag the solve.
type ReprojectionConstraint struct {
	id              uuid.UUID
	source          string
	vars            [3]uuid.UUID // orientation, position, landmark
	landmark        uint64
	pixel           r2.Point
	cam             *CameraModel
	camFromBaselink spatialmath.Pose
	weight          float64
	loss            graph.Loss
}

// NewReprojectionConstraint builds the constraint tying the baselink pose
// at stamp to landmarkID through the observed pixel. camFromBaselink is the
// fixed T_CAMERA_BASELINK extrinsic; infoWeight scales the pixel residual
// and sets the Cauchy scale to five times itself.
func NewReprojectionConstraint(
	source string,
	device uuid.UUID,
	stamp time.Time,
	landmarkID uint64,
	pixel r2.Point,
	cam *CameraModel,
	camFromBaselink spatialmath.Pose,
	infoWeight float64,
) (*ReprojectionConstraint, error) {
	if infoWeight <= 0 {
		return nil, errors.Errorf("reprojection information weight must be positive, got %f", infoWeight)
	}
	if err := cam.CheckValid(); err != nil {
		return nil, errors.Wrapf(err, "reprojection constraint from %s", source)
	}
	vars := [3]uuid.UUID{
		graph.StampedID(graph.TypeOrientation, stamp, device),
		graph.StampedID(graph.TypePosition, stamp, device),
		graph.LandmarkID(landmarkID),
	}
	return &ReprojectionConstraint{
		id:              graph.ConstraintID(source, vars[0], vars[1], vars[2]),
		source:          source,
		vars:            vars,
		landmark:        landmarkID,
		pixel:           pixel,
		cam:             cam,
		camFromBaselink: camFromBaselink,
		weight:          infoWeight,
		loss:            graph.CauchyLoss{Scale: 5 * infoWeight},
	}, nil
}

// ID implements graph.Constraint.
func (c *ReprojectionConstraint) ID() uuid.UUID { return c.id }

// Source implements graph.Constraint.
func (c *ReprojectionConstraint) Source() string { return c.source }

// Variables implements graph.Constraint.
func (c *ReprojectionConstraint) Variables() []uuid.UUID { return c.vars[:] }

// Loss implements graph.Constraint.
func (c *ReprojectionConstraint) Loss() graph.Loss { return c.loss }

// LandmarkID returns the observed landmark id.
func (c *ReprojectionConstraint) LandmarkID() uint64 { return c.landmark }

// Pixel returns the observed pixel.
func (c *ReprojectionConstraint) Pixel() r2.Point { return c.pixel }

// Residual implements graph.Constraint. The landmark is moved into the
// camera frame through the baselink pose and the fixed extrinsic, projected
// with the depth clamped positive, and compared against the observation.
func (c *ReprojectionConstraint) Residual(vars []*graph.Variable, jac []*mat.Dense) ([]float64, error) {
	if len(vars) != 3 {
		return nil, errors.Errorf("reprojection constraint expects 3 variables, got %d", len(vars))
	}
	qb, pb, pw := vars[0].Quat(), vars[1].Vec(), vars[2].Vec()

	pB := spatialmath.Rotate(quat.Conj(qb), pw.Sub(pb))
	pC := c.camFromBaselink.TransformPoint(pB)
	pix, jProj := c.cam.ProjectWithJacobian(pC)

	res := []float64{
		c.weight * (pix.X - c.pixel.X),
		c.weight * (pix.Y - c.pixel.Y),
	}
	if jac != nil {
		rE := spatialmath.RotationMatrix(c.camFromBaselink.Rotation())
		rbT := spatialmath.RotationMatrix(quat.Conj(qb))

		// d pC / d theta_b = R_e [pB]x, d pC / d P_W = R_e R_b^T
		reSkew := mat.NewDense(3, 3, nil)
		reSkew.Mul(rE, spatialmath.Skew(pB))
		jTheta := mat.NewDense(2, 3, nil)
		jTheta.Mul(jProj, reSkew)

		reRbT := mat.NewDense(3, 3, nil)
		reRbT.Mul(rE, rbT)
		jPoint := mat.NewDense(2, 3, nil)
		jPoint.Mul(jProj, reRbT)

		jPos := mat.NewDense(2, 3, nil)
		jPos.Scale(-1, jPoint)

		full := mat.NewDense(2, 9, nil)
		full.Slice(0, 2, 0, 3).(*mat.Dense).Copy(jTheta)
		full.Slice(0, 2, 3, 6).(*mat.Dense).Copy(jPos)
		full.Slice(0, 2, 6, 9).(*mat.Dense).Copy(jPoint)
		full.Scale(c.weight, full)
		graph.SplitJacobian(full, jac, []int{3, 3, 3})
	}
	return res, nil
}
