package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.percepta.dev/slam/spatialmath"
)

// MatchResult is the outcome of registering a source cloud against a
// reference. Pose is the refined T_REF_SOURCE; Covariance is a 6x6 estimate
// over (translation, rotation tangent).
type MatchResult struct {
	Pose            spatialmath.Pose
	Covariance      *mat.Dense
	Converged       bool
	Iterations      int
	RMS             float64
	Correspondences int
}

// Matcher registers a source cloud against a reference cloud given an
// initial estimate of T_REF_SOURCE.
type Matcher interface {
	Match(ref, source *Cloud, guess spatialmath.Pose) (MatchResult, error)
}

// ICPConfig bounds a point to point ICP run. Zero values select defaults.
type ICPConfig struct {
	MaxIterations             int     `json:"max_iterations"`
	TranslationTolerance      float64 `json:"translation_tolerance"`
	RotationTolerance         float64 `json:"rotation_tolerance"`
	MaxCorrespondenceDistance float64 `json:"max_correspondence_distance"`
	DownsampleSize            float64 `json:"downsample_size"`
}

func (c ICPConfig) withDefaults() ICPConfig {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 40
	}
	if c.TranslationTolerance <= 0 {
		c.TranslationTolerance = 1e-8
	}
	if c.RotationTolerance <= 0 {
		c.RotationTolerance = 1e-8
	}
	if c.MaxCorrespondenceDistance <= 0 {
		c.MaxCorrespondenceDistance = 1.0
	}
	return c
}

// ICPMatcher is a point to point iterative closest point matcher.
type ICPMatcher struct {
	cfg ICPConfig
}

// NewICPMatcher returns a matcher with the given configuration.
func NewICPMatcher(cfg ICPConfig) *ICPMatcher {
	return &ICPMatcher{cfg: cfg.withDefaults()}
}

// Match registers source against ref starting from guess.
func (m *ICPMatcher) Match(ref, source *Cloud, guess spatialmath.Pose) (MatchResult, error) {
	if ref.Size() == 0 || source.Size() == 0 {
		return MatchResult{}, errors.New("cannot match empty cloud")
	}
	src := source
	if m.cfg.DownsampleSize > 0 {
		src = source.VoxelDownsample(m.cfg.DownsampleSize)
	}
	tree := NewKDTree(ref)
	return icpIterate(tree, src, guess, m.cfg)
}

func icpIterate(ref *KDTree, source *Cloud, guess spatialmath.Pose, cfg ICPConfig) (MatchResult, error) {
	maxDistSq := cfg.MaxCorrespondenceDistance * cfg.MaxCorrespondenceDistance
	cur := guess
	result := MatchResult{Pose: guess}

	srcPts := make([]r3.Vector, 0, source.Size())
	refPts := make([]r3.Vector, 0, source.Size())
	for it := 0; it < cfg.MaxIterations; it++ {
		srcPts = srcPts[:0]
		refPts = refPts[:0]
		for i := 0; i < source.Size(); i++ {
			p := source.At(i)
			idx, distSq, ok := ref.Nearest(cur.TransformPoint(p))
			if !ok || distSq > maxDistSq {
				continue
			}
			srcPts = append(srcPts, p)
			refPts = append(refPts, ref.Cloud().At(idx))
		}
		if len(srcPts) < 3 {
			result.Iterations = it
			return result, nil
		}
		next, err := kabsch(srcPts, refPts)
		if err != nil {
			result.Iterations = it
			return result, nil
		}
		dt, dr := spatialmath.PoseDelta(cur, next)
		cur = next
		result.Iterations = it + 1
		if dt < cfg.TranslationTolerance && dr < cfg.RotationTolerance {
			result.Converged = true
			break
		}
	}
	result.Pose = cur
	result.Correspondences = len(srcPts)

	sq := make([]float64, len(srcPts))
	for i, p := range srcPts {
		d := cur.TransformPoint(p).Sub(refPts[i])
		sq[i] = d.Dot(d)
	}
	meanSq, err := stats.Mean(sq)
	if err != nil {
		meanSq = 0
	}
	result.RMS = math.Sqrt(meanSq)
	result.Covariance = icpCovariance(cur, srcPts, result.RMS)
	return result, nil
}

// kabsch solves min over rigid T of sum |T(src_i) - ref_i|^2 in closed form.
func kabsch(src, ref []r3.Vector) (spatialmath.Pose, error) {
	var srcMean, refMean r3.Vector
	for i := range src {
		srcMean = srcMean.Add(src[i])
		refMean = refMean.Add(ref[i])
	}
	n := float64(len(src))
	srcMean = srcMean.Mul(1 / n)
	refMean = refMean.Mul(1 / n)

	h := mat.NewDense(3, 3, nil)
	for i := range src {
		s := src[i].Sub(srcMean)
		r := ref[i].Sub(refMean)
		h.Set(0, 0, h.At(0, 0)+s.X*r.X)
		h.Set(0, 1, h.At(0, 1)+s.X*r.Y)
		h.Set(0, 2, h.At(0, 2)+s.X*r.Z)
		h.Set(1, 0, h.At(1, 0)+s.Y*r.X)
		h.Set(1, 1, h.At(1, 1)+s.Y*r.Y)
		h.Set(1, 2, h.At(1, 2)+s.Y*r.Z)
		h.Set(2, 0, h.At(2, 0)+s.Z*r.X)
		h.Set(2, 1, h.At(2, 1)+s.Z*r.Y)
		h.Set(2, 2, h.At(2, 2)+s.Z*r.Z)
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return spatialmath.NewZeroPose(), errors.New("svd failed on correspondence matrix")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var rot mat.Dense
	rot.Mul(&v, u.T())
	if mat.Det(&rot) < 0 {
		// reflection fix
		flip := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, -1})
		var vf mat.Dense
		vf.Mul(&v, flip)
		rot.Mul(&vf, u.T())
	}

	q := spatialmath.MatrixToQuat(&rot)
	trans := refMean.Sub(spatialmath.Rotate(q, srcMean))
	return spatialmath.NewPose(q, trans), nil
}

// icpCovariance is a Gauss Newton estimate sigma^2 (J^T J)^-1 over the
// point to point cost at the solution.
func icpCovariance(pose spatialmath.Pose, src []r3.Vector, rms float64) *mat.Dense {
	h := mat.NewDense(6, 6, nil)
	jac := mat.NewDense(3, 6, nil)
	rotMat := spatialmath.RotationMatrix(pose.Rotation())
	for _, p := range src {
		var rp mat.Dense
		rp.Mul(rotMat, spatialmath.Skew(p))
		for row := 0; row < 3; row++ {
			for col := 0; col < 3; col++ {
				ident := 0.0
				if row == col {
					ident = 1.0
				}
				jac.Set(row, col, ident)
				jac.Set(row, col+3, -rp.At(row, col))
			}
		}
		var jtj mat.Dense
		jtj.Mul(jac.T(), jac)
		h.Add(h, &jtj)
	}
	sigmaSq := rms * rms
	if sigmaSq < 1e-12 {
		sigmaSq = 1e-12
	}
	cov := mat.NewDense(6, 6, nil)
	if err := cov.Inverse(h); err != nil {
		for i := 0; i < 6; i++ {
			cov.Set(i, i, 1e-3)
		}
		return cov
	}
	cov.Scale(sigmaSq, cov)
	return cov
}
