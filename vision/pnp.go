package vision

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"go.percepta.dev/slam/spatialmath"
)

// PnPParams bound the RANSAC localization.
type PnPParams struct {
	Iterations        int     `json:"pnp_iterations"`
	SampleSize        int     `json:"pnp_sample_size"`
	InlierThresholdPx float64 `json:"pnp_inlier_threshold_px"`
	MinInliers        int     `json:"pnp_min_inliers"`
	RefineIterations  int     `json:"pnp_refine_iterations"`
}

// WithDefaults fills unset fields.
func (p PnPParams) WithDefaults() PnPParams {
	if p.Iterations <= 0 {
		p.Iterations = 30
	}
	if p.SampleSize <= 0 {
		p.SampleSize = 6
	}
	if p.InlierThresholdPx <= 0 {
		p.InlierThresholdPx = 4
	}
	if p.MinInliers <= 0 {
		p.MinInliers = 8
	}
	if p.RefineIterations <= 0 {
		p.RefineIterations = 10
	}
	return p
}

// PnPResult is an accepted localization.
type PnPResult struct {
	// Pose is the refined T_WORLD_CAMERA.
	Pose spatialmath.Pose
	// Inliers indexes the correspondences within the inlier threshold.
	Inliers []int
	// RMS is the inlier reprojection root mean square, pixels.
	RMS float64
}

// SolvePnP localizes a camera against known 3D points by RANSAC: each round
// refines the guess on a random subset by motion only Gauss Newton and
// scores it by inlier count. The winning hypothesis is re-refined on its
// full inlier set. Fails when no hypothesis reaches MinInliers.
func SolvePnP(
	cam *CameraModel,
	points []r3.Vector,
	pixels []r2.Point,
	guess spatialmath.Pose,
	params PnPParams,
	rng *rand.Rand,
) (PnPResult, error) {
	params = params.WithDefaults()
	if len(points) != len(pixels) {
		return PnPResult{}, errors.Errorf("got %d points for %d pixels", len(points), len(pixels))
	}
	if len(points) < params.SampleSize {
		return PnPResult{}, errors.Errorf("pnp needs at least %d correspondences, got %d", params.SampleSize, len(points))
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(0)) //nolint:gosec
	}

	best := PnPResult{}
	samplePts := make([]r3.Vector, params.SampleSize)
	samplePix := make([]r2.Point, params.SampleSize)
	for round := 0; round < params.Iterations; round++ {
		for i, idx := range rng.Perm(len(points))[:params.SampleSize] {
			samplePts[i] = points[idx]
			samplePix[i] = pixels[idx]
		}
		pose, _ := RefinePose(cam, samplePts, samplePix, guess, params.RefineIterations)
		inliers, rms := classifyInliers(cam, points, pixels, pose, params.InlierThresholdPx)
		if len(inliers) > len(best.Inliers) || (len(inliers) == len(best.Inliers) && rms < best.RMS) {
			best = PnPResult{Pose: pose, Inliers: inliers, RMS: rms}
		}
	}
	if len(best.Inliers) < params.MinInliers {
		return PnPResult{}, errors.Errorf("pnp found %d inliers, need %d", len(best.Inliers), params.MinInliers)
	}

	inPts := make([]r3.Vector, len(best.Inliers))
	inPix := make([]r2.Point, len(best.Inliers))
	for i, idx := range best.Inliers {
		inPts[i] = points[idx]
		inPix[i] = pixels[idx]
	}
	pose, _ := RefinePose(cam, inPts, inPix, best.Pose, params.RefineIterations)
	inliers, rms := classifyInliers(cam, points, pixels, pose, params.InlierThresholdPx)
	if len(inliers) < params.MinInliers {
		return PnPResult{}, errors.Errorf("pnp refinement kept %d inliers, need %d", len(inliers), params.MinInliers)
	}
	return PnPResult{Pose: pose, Inliers: inliers, RMS: rms}, nil
}

// RefinePose runs motion only Gauss Newton on the camera pose, minimizing
// reprojection error against fixed world points. Returns the refined
// T_WORLD_CAMERA and the final root mean square error in pixels.
func RefinePose(
	cam *CameraModel,
	points []r3.Vector,
	pixels []r2.Point,
	guess spatialmath.Pose,
	iterations int,
) (spatialmath.Pose, float64) {
	q := guess.Rotation()
	p := guess.Translation()

	var rms float64
	for iter := 0; iter < iterations; iter++ {
		hess := mat.NewSymDense(6, nil)
		grad := make([]float64, 6)
		sumSq := 0.0

		qInv := quat.Conj(q)
		rT := spatialmath.RotationMatrix(qInv)
		for i, pw := range points {
			pC := spatialmath.Rotate(qInv, pw.Sub(p))
			pix, jProj := cam.ProjectWithJacobian(pC)
			rx, ry := pix.X-pixels[i].X, pix.Y-pixels[i].Y
			sumSq += rx*rx + ry*ry

			jTheta := mat.NewDense(2, 3, nil)
			jTheta.Mul(jProj, spatialmath.Skew(pC))
			jPos := mat.NewDense(2, 3, nil)
			jPos.Mul(jProj, rT)
			jPos.Scale(-1, jPos)

			full := [2][6]float64{}
			for col := 0; col < 3; col++ {
				full[0][col] = jTheta.At(0, col)
				full[1][col] = jTheta.At(1, col)
				full[0][col+3] = jPos.At(0, col)
				full[1][col+3] = jPos.At(1, col)
			}
			for a := 0; a < 6; a++ {
				grad[a] += full[0][a]*rx + full[1][a]*ry
				for b := a; b < 6; b++ {
					hess.SetSym(a, b, hess.At(a, b)+full[0][a]*full[0][b]+full[1][a]*full[1][b])
				}
			}
		}
		rms = math.Sqrt(sumSq / float64(len(points)))

		step := solveNormal(hess, grad)
		if step == nil {
			break
		}
		q = quat.Mul(q, spatialmath.Exp(r3.Vector{X: step[0], Y: step[1], Z: step[2]}))
		p = p.Add(r3.Vector{X: step[3], Y: step[4], Z: step[5]})

		norm := 0.0
		for _, s := range step {
			norm += s * s
		}
		if norm < 1e-20 {
			break
		}
	}

	refined := spatialmath.NewPose(q, p)
	_, rms = classifyInliers(cam, points, pixels, refined, math.Inf(1))
	return refined, rms
}

// solveNormal solves H step = -grad with light diagonal damping when the
// plain system is not positive definite.
func solveNormal(hess *mat.SymDense, grad []float64) []float64 {
	n := len(grad)
	neg := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		neg.SetVec(i, -grad[i])
	}
	damping := 0.0
	for attempt := 0; attempt < 4; attempt++ {
		damped := mat.NewSymDense(n, nil)
		damped.CopySym(hess)
		for i := 0; i < n; i++ {
			damped.SetSym(i, i, damped.At(i, i)+damping)
		}
		var chol mat.Cholesky
		if chol.Factorize(damped) {
			step := mat.NewVecDense(n, nil)
			if err := chol.SolveVecTo(step, neg); err == nil {
				out := make([]float64, n)
				for i := 0; i < n; i++ {
					out[i] = step.AtVec(i)
				}
				return out
			}
		}
		if damping == 0 {
			damping = 1e-9
		}
		damping *= 1000
	}
	return nil
}

// classifyInliers splits correspondences by reprojection error under pose
// and returns the inlier indices with their root mean square error.
func classifyInliers(
	cam *CameraModel,
	points []r3.Vector,
	pixels []r2.Point,
	pose spatialmath.Pose,
	thresholdPx float64,
) ([]int, float64) {
	camFromWorld := pose.Invert()
	var inliers []int
	sumSq := 0.0
	for i, pw := range points {
		pC := camFromWorld.TransformPoint(pw)
		if pC.Z <= 0 {
			continue
		}
		pix := cam.projectDepthClamped(pC)
		dx, dy := pix.X-pixels[i].X, pix.Y-pixels[i].Y
		errPx := math.Hypot(dx, dy)
		if errPx < thresholdPx {
			inliers = append(inliers, i)
			sumSq += dx*dx + dy*dy
		}
	}
	if len(inliers) == 0 {
		return nil, math.Inf(1)
	}
	return inliers, math.Sqrt(sumSq / float64(len(inliers)))
}
