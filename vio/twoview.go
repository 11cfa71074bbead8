package vio

import (
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.percepta.dev/slam/spatialmath"
	"go.percepta.dev/slam/vision"
)

const minEssentialPoints = 8

// estimateRelativePose recovers the up to scale camera pose of the second
// view expressed in the first view's frame. The eight point algorithm on
// normalized image coordinates yields an essential matrix, and cheirality
// over the triangulated correspondences disambiguates the four
// decompositions. The translation has unit norm.
func estimateRelativePose(cam *vision.CameraModel, pixA, pixB []r2.Point) (spatialmath.Pose, error) {
	if len(pixA) != len(pixB) {
		return spatialmath.Pose{}, errors.New("correspondence lists differ in length")
	}
	if len(pixA) < minEssentialPoints {
		return spatialmath.Pose{}, errors.Errorf(
			"essential matrix needs at least %d correspondences, have %d",
			minEssentialPoints, len(pixA))
	}

	a := mat.NewDense(len(pixA), 9, nil)
	for k := range pixA {
		na := cam.Normalize(pixA[k])
		nb := cam.Normalize(pixB[k])
		a.SetRow(k, []float64{
			nb.X * na.X, nb.X * na.Y, nb.X,
			nb.Y * na.X, nb.Y * na.Y, nb.Y,
			na.X, na.Y, 1,
		})
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return spatialmath.Pose{}, errors.New("essential matrix factorization failed")
	}
	var v mat.Dense
	svd.VTo(&v)
	e := mat.NewDense(3, 3, nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			e.Set(r, c, v.At(3*r+c, 8))
		}
	}

	candidates, err := decomposeEssential(e)
	if err != nil {
		return spatialmath.Pose{}, err
	}

	identity := spatialmath.NewZeroPose()
	best := -1
	var bestPose spatialmath.Pose
	for _, cand := range candidates {
		// cand maps first camera coordinates into the second camera
		camB := cand.Invert()
		front := 0
		for k := range pixA {
			_, terr := vision.Triangulate(cam,
				[]spatialmath.Pose{identity, camB},
				[]r2.Point{pixA[k], pixB[k]},
				vision.TriangulationParams{})
			if terr == nil {
				front++
			}
		}
		if front > best {
			best = front
			bestPose = camB
		}
	}
	if best < len(pixA)/2 {
		return spatialmath.Pose{}, errors.Errorf(
			"no essential decomposition places enough points in front, best %d of %d",
			best, len(pixA))
	}
	return bestPose, nil
}

// decomposeEssential returns the four rigid transforms T_CAM2_CAM1
// consistent with an essential matrix, after projecting it onto the
// essential manifold.
func decomposeEssential(e *mat.Dense) ([]spatialmath.Pose, error) {
	var svd mat.SVD
	if !svd.Factorize(e, mat.SVDFull) {
		return nil, errors.New("essential decomposition failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	w := mat.NewDense(3, 3, []float64{0, -1, 0, 1, 0, 0, 0, 0, 1})
	var uw, uwt, r1, r2 mat.Dense
	uw.Mul(&u, w)
	r1.Mul(&uw, v.T())
	uwt.Mul(&u, w.T())
	r2.Mul(&uwt, v.T())
	fixDeterminant(&r1)
	fixDeterminant(&r2)

	t := matCol(&u, 2)
	q1 := spatialmath.MatrixToQuat(&r1)
	q2 := spatialmath.MatrixToQuat(&r2)
	return []spatialmath.Pose{
		spatialmath.NewPose(q1, t),
		spatialmath.NewPose(q1, t.Mul(-1)),
		spatialmath.NewPose(q2, t),
		spatialmath.NewPose(q2, t.Mul(-1)),
	}, nil
}

// fixDeterminant flips a rotation candidate with determinant -1.
func fixDeterminant(r *mat.Dense) {
	if mat.Det(r) < 0 {
		r.Scale(-1, r)
	}
}
