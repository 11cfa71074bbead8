package vision

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.percepta.dev/slam/spatialmath"
)

// TriangulationParams gate accepted triangulations. Zero values leave the
// corresponding gate open.
type TriangulationParams struct {
	// MaxDistance bounds the depth in the first observing camera, meters.
	MaxDistance float64 `json:"max_triangulation_distance"`
	// MaxReprojRMS bounds the reprojection root mean square over all
	// observations, pixels.
	MaxReprojRMS float64 `json:"max_reprojection_rms_px"`
}

// Triangulate solves for the world position of a landmark from pixel
// observations in two or more cameras with known world poses, by stacking
// the normalized projection equations and taking the smallest singular
// vector. The result must sit in front of every camera and pass the
// configured gates. camPoses are T_WORLD_CAMERA, pixels are distorted.
func Triangulate(
	cam *CameraModel,
	camPoses []spatialmath.Pose,
	pixels []r2.Point,
	params TriangulationParams,
) (r3.Vector, error) {
	if len(camPoses) != len(pixels) {
		return r3.Vector{}, errors.Errorf("got %d poses for %d pixels", len(camPoses), len(pixels))
	}
	if len(camPoses) < 2 {
		return r3.Vector{}, errors.New("triangulation needs at least two observations")
	}

	a := mat.NewDense(2*len(camPoses), 4, nil)
	for i, pose := range camPoses {
		camFromWorld := pose.Invert()
		rot := spatialmath.RotationMatrix(camFromWorld.Rotation())
		trans := camFromWorld.Translation()
		n := cam.Normalize(pixels[i])

		// rows: x * P3 - P1 and y * P3 - P2, P = [R | t]
		for col := 0; col < 3; col++ {
			a.Set(2*i, col, n.X*rot.At(2, col)-rot.At(0, col))
			a.Set(2*i+1, col, n.Y*rot.At(2, col)-rot.At(1, col))
		}
		a.Set(2*i, 3, n.X*trans.Z-trans.X)
		a.Set(2*i+1, 3, n.Y*trans.Z-trans.Y)
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return r3.Vector{}, errors.New("triangulation system factorization failed")
	}
	var v mat.Dense
	svd.VTo(&v)
	w := v.At(3, 3)
	if math.Abs(w) < 1e-12 {
		return r3.Vector{}, errors.New("triangulated point at infinity")
	}
	point := r3.Vector{X: v.At(0, 3) / w, Y: v.At(1, 3) / w, Z: v.At(2, 3) / w}

	sumSq := 0.0
	for i, pose := range camPoses {
		pC := pose.Invert().TransformPoint(point)
		if pC.Z <= 0 {
			return r3.Vector{}, errors.Errorf("triangulated point behind camera %d", i)
		}
		if i == 0 && params.MaxDistance > 0 && pC.Z > params.MaxDistance {
			return r3.Vector{}, errors.Errorf("triangulated depth %.2fm beyond limit %.2fm", pC.Z, params.MaxDistance)
		}
		pix := cam.projectDepthClamped(pC)
		dx, dy := pix.X-pixels[i].X, pix.Y-pixels[i].Y
		sumSq += dx*dx + dy*dy
	}
	rms := math.Sqrt(sumSq / float64(len(camPoses)))
	if params.MaxReprojRMS > 0 && rms > params.MaxReprojRMS {
		return r3.Vector{}, errors.Errorf("triangulation reprojection rms %.2fpx beyond limit %.2fpx", rms, params.MaxReprojRMS)
	}
	return point, nil
}
