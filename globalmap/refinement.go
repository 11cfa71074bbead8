package globalmap

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.percepta.dev/slam/pointcloud"
	"go.percepta.dev/slam/spatialmath"
)

const degToRad = math.Pi / 180

// RefinementResult is an accepted loop closure alignment.
type RefinementResult struct {
	// MatchQuery is the refined T_MATCH_QUERY.
	MatchQuery spatialmath.Pose
	// Covariance is the matcher's 6x6 estimate over (translation,
	// rotation tangent).
	Covariance *mat.Dense
}

// RefinementMethod refines the relative pose between two candidate loop
// closure locations, or rejects the candidate with an error.
type RefinementMethod interface {
	// Refine aligns the query submap's lidar content against the match
	// submap's, starting from the candidate search prior T_MATCH_QUERY.
	Refine(match, query *Submap, prior spatialmath.Pose) (RefinementResult, error)
	// RefinePose aligns a single query frame's lidar content against a
	// submap, starting from the prior T_SUBMAP_QUERY. The clouds are in
	// the query frame; implementations pick the representation they
	// need.
	RefinePose(s *Submap, cloud *pointcloud.Cloud, loam *pointcloud.LoamCloud, prior spatialmath.Pose) (spatialmath.Pose, error)
}

// checkCorrection applies the correction magnitude gate. A refinement
// that moves far from its prior usually means the matcher latched onto
// the wrong structure, so a configured bound rejects it.
func (c RefinementConfig) checkCorrection(prior, refined spatialmath.Pose) error {
	dt, dr := spatialmath.PoseDelta(prior, refined)
	if c.MaxCorrectionTransM > 0 && dt > c.MaxCorrectionTransM {
		return errors.Errorf("correction of %.2fm exceeds bound of %.2fm",
			dt, c.MaxCorrectionTransM)
	}
	if c.MaxCorrectionRotDeg > 0 && dr > c.MaxCorrectionRotDeg*degToRad {
		return errors.Errorf("correction of %.1fdeg exceeds bound of %.1fdeg",
			dr/degToRad, c.MaxCorrectionRotDeg)
	}
	return nil
}

// ScanRefinement refines loop closures by dense scan matching over the
// submaps' aggregated raw clouds. The GICP and NDT variants reuse the
// same matcher core: GICP with a larger iteration budget and tighter
// convergence, NDT with both clouds reduced onto a voxel grid first.
type ScanRefinement struct {
	cfg        RefinementConfig
	matcher    *pointcloud.ICPMatcher
	downsample float64
}

// NewScanRefinement builds the dense refinement variant selected by
// method (ICP, GICP, or NDT).
func NewScanRefinement(method string, cfg RefinementConfig) *ScanRefinement {
	matcherCfg := cfg.Matcher
	downsample := 0.0
	switch method {
	case RefineGICP:
		if matcherCfg.MaxIterations == 0 {
			matcherCfg.MaxIterations = 80
		}
		if matcherCfg.TranslationTolerance == 0 {
			matcherCfg.TranslationTolerance = 1e-10
		}
	case RefineNDT:
		downsample = matcherCfg.DownsampleSize
		if downsample == 0 {
			downsample = 0.25
		}
		matcherCfg.DownsampleSize = downsample
	}
	return &ScanRefinement{
		cfg:        cfg,
		matcher:    pointcloud.NewICPMatcher(matcherCfg),
		downsample: downsample,
	}
}

// Refine implements RefinementMethod.
func (r *ScanRefinement) Refine(match, query *Submap, prior spatialmath.Pose) (RefinementResult, error) {
	return r.refineClouds(match.LidarPointsInSubmapFrame(), query.LidarPointsInSubmapFrame(), prior)
}

// RefinePose implements RefinementMethod.
func (r *ScanRefinement) RefinePose(
	s *Submap,
	cloud *pointcloud.Cloud,
	loam *pointcloud.LoamCloud,
	prior spatialmath.Pose,
) (spatialmath.Pose, error) {
	if cloud == nil || cloud.Size() == 0 {
		return spatialmath.Pose{}, errors.New("query has no lidar points")
	}
	result, err := r.refineClouds(s.LidarPointsInSubmapFrame(), cloud, prior)
	if err != nil {
		return spatialmath.Pose{}, err
	}
	return result.MatchQuery, nil
}

func (r *ScanRefinement) refineClouds(ref, src *pointcloud.Cloud, prior spatialmath.Pose) (RefinementResult, error) {
	if ref.Size() == 0 || src.Size() == 0 {
		return RefinementResult{}, errors.New("submap has no lidar points")
	}
	if r.downsample > 0 {
		ref = ref.VoxelDownsample(r.downsample)
	}
	result, err := r.matcher.Match(ref, src, prior)
	if err != nil {
		return RefinementResult{}, errors.Wrap(err, "matching loop closure clouds")
	}
	if !result.Converged {
		return RefinementResult{}, errors.Errorf(
			"scan matching did not converge after %d iterations", result.Iterations)
	}
	if err := r.cfg.checkCorrection(prior, result.Pose); err != nil {
		return RefinementResult{}, err
	}
	return RefinementResult{MatchQuery: result.Pose, Covariance: result.Covariance}, nil
}

// LoamRefinement refines loop closures by matching the submaps'
// aggregated feature clouds family by family. Submaps without feature
// clouds reject with an error.
type LoamRefinement struct {
	cfg     RefinementConfig
	matcher *pointcloud.LoamMatcher
}

// NewLoamRefinement builds the feature based refinement.
func NewLoamRefinement(cfg RefinementConfig) *LoamRefinement {
	return &LoamRefinement{cfg: cfg, matcher: pointcloud.NewLoamMatcher(cfg.Matcher)}
}

// Refine implements RefinementMethod.
func (r *LoamRefinement) Refine(match, query *Submap, prior spatialmath.Pose) (RefinementResult, error) {
	return r.refineClouds(match.LoamPointsInSubmapFrame(), query.LoamPointsInSubmapFrame(), prior)
}

// RefinePose implements RefinementMethod.
func (r *LoamRefinement) RefinePose(
	s *Submap,
	cloud *pointcloud.Cloud,
	loam *pointcloud.LoamCloud,
	prior spatialmath.Pose,
) (spatialmath.Pose, error) {
	if loam == nil || loam.Empty() {
		return spatialmath.Pose{}, errors.New("query has no feature points")
	}
	result, err := r.refineClouds(s.LoamPointsInSubmapFrame(), loam, prior)
	if err != nil {
		return spatialmath.Pose{}, err
	}
	return result.MatchQuery, nil
}

func (r *LoamRefinement) refineClouds(ref, src *pointcloud.LoamCloud, prior spatialmath.Pose) (RefinementResult, error) {
	if ref.Empty() || src.Empty() {
		return RefinementResult{}, errors.New("submap has no feature points")
	}
	result, err := r.matcher.Match(ref, src, prior)
	if err != nil {
		return RefinementResult{}, errors.Wrap(err, "matching loop closure feature clouds")
	}
	if !result.Converged {
		return RefinementResult{}, errors.Errorf(
			"feature matching did not converge after %d iterations", result.Iterations)
	}
	if err := r.cfg.checkCorrection(prior, result.Pose); err != nil {
		return RefinementResult{}, err
	}
	return RefinementResult{MatchQuery: result.Pose, Covariance: result.Covariance}, nil
}

// NewRefinementMethod builds the refinement selected by name. Unknown
// names fall back to ICP with a logged error.
func NewRefinementMethod(refType string, cfg RefinementConfig, logger golog.Logger) RefinementMethod {
	switch refType {
	case RefineICP, RefineGICP, RefineNDT:
		return NewScanRefinement(refType, cfg)
	case RefineLOAM:
		return NewLoamRefinement(cfg)
	default:
		logger.Errorw("invalid refinement type, using default",
			"type", refType, "default", RefineICP)
		return NewScanRefinement(RefineICP, cfg)
	}
}
