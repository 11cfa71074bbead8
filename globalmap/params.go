// Package globalmap groups completed keyframes into spatially bounded
// submaps, chains submap anchor poses into the factor graph, and runs
// the loop closure pipeline that ties revisited places back together.
package globalmap

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.percepta.dev/slam/graph"
	"go.percepta.dev/slam/pointcloud"
)

// Constraint sources emitted by the global mapper.
const (
	// SourceLocalMapper labels the relative pose constraints chaining
	// consecutive submap anchors, and the prior on the first anchor.
	SourceLocalMapper = "LOCALMAPPER"
	// SourceLoopClosure labels constraints produced by refined loop
	// closures between non-adjacent submaps.
	SourceLoopClosure = "LOOPCLOSURE"
)

// Candidate search and refinement backends selectable by name.
const (
	SearchEuclidean = "EUCDIST"

	RefineICP  = "ICP"
	RefineGICP = "GICP"
	RefineNDT  = "NDT"
	RefineLOAM = "LOAM"
)

const (
	defaultSubmapSize         = 10.0
	defaultCovarianceDiag     = 1e-3
	defaultRelocCovDiag       = 1e-5
	defaultDistanceThresholdM = 5.0

	// The first submap anchor gets a tight prior since nothing else
	// fixes the map frame.
	anchorPriorStdDev = 1e-5
)

// CandidateSearchConfig tunes a loop closure candidate search.
type CandidateSearchConfig struct {
	// DistanceThresholdM is how close a submap anchor must be to the
	// query pose to count as a candidate, in meters.
	DistanceThresholdM float64 `json:"distance_threshold_m"`
}

// WithDefaults returns a copy with unset fields at their defaults.
func (c CandidateSearchConfig) WithDefaults() CandidateSearchConfig {
	if c.DistanceThresholdM == 0 {
		c.DistanceThresholdM = defaultDistanceThresholdM
	}
	return c
}

// RefinementConfig tunes a loop closure refinement backend.
type RefinementConfig struct {
	// Matcher bounds the underlying scan matcher run.
	Matcher pointcloud.ICPConfig `json:"matcher"`
	// MaxCorrectionTransM rejects refinements whose result moved more
	// than this many meters from the candidate search prior. Zero
	// disables the gate.
	MaxCorrectionTransM float64 `json:"max_correction_trans_m"`
	// MaxCorrectionRotDeg rejects refinements whose result rotated more
	// than this many degrees from the candidate search prior. Zero
	// disables the gate.
	MaxCorrectionRotDeg float64 `json:"max_correction_rot_deg"`
}

// Params tune submap assignment, the loop closure pipeline, and the
// covariances of the constraints the global mapper emits. The zero value
// is not usable directly; WithDefaults fills the fields a config file
// leaves unset.
type Params struct {
	// SubmapSize is the radius around a submap anchor, in meters, inside
	// which keyframes join the submap.
	SubmapSize float64 `json:"submap_size"`
	// CandidateSearchType picks the loop closure candidate search
	// backend. Unknown values fall back to EUCDIST with a logged error.
	CandidateSearchType string `json:"reloc_candidate_search_type"`
	// CandidateSearch configures the selected candidate search.
	CandidateSearch CandidateSearchConfig `json:"reloc_candidate_search_config"`
	// RefinementType picks the loop closure refinement backend. Unknown
	// values fall back to ICP with a logged error.
	RefinementType string `json:"reloc_refinement_type"`
	// Refinement configures the selected refinement backend.
	Refinement RefinementConfig `json:"reloc_refinement_config"`
	// LocalMapperCovarianceDiag, when it has six entries, is the
	// covariance diagonal of the anchor chain constraints.
	LocalMapperCovarianceDiag []float64 `json:"local_mapper_covariance_diag"`
	// RelocCovarianceDiag, when it has six entries, is the covariance
	// diagonal of loop closure constraints.
	RelocCovarianceDiag []float64 `json:"reloc_covariance_diag"`
	// SubmapVoxelSize downsamples published per-submap clouds, in
	// meters. Zero publishes the raw aggregate.
	SubmapVoxelSize float64 `json:"submap_voxel_size"`
	// GlobalMapVoxelSize downsamples the published whole-map cloud, in
	// meters. Zero publishes the raw aggregate.
	GlobalMapVoxelSize float64 `json:"global_map_voxel_size"`
}

// WithDefaults returns a copy with unset fields at their defaults.
func (p Params) WithDefaults() Params {
	if p.SubmapSize == 0 {
		p.SubmapSize = defaultSubmapSize
	}
	if p.CandidateSearchType == "" {
		p.CandidateSearchType = SearchEuclidean
	}
	if p.RefinementType == "" {
		p.RefinementType = RefineICP
	}
	p.CandidateSearch = p.CandidateSearch.WithDefaults()
	return p
}

// Validate reports configuration the global mapper cannot run with.
func (p Params) Validate() error {
	if p.SubmapSize <= 0 {
		return errors.New("submap_size must be positive")
	}
	if n := len(p.LocalMapperCovarianceDiag); n != 0 && n != 6 {
		return errors.Errorf("local_mapper_covariance_diag needs 6 entries, got %d", n)
	}
	if n := len(p.RelocCovarianceDiag); n != 0 && n != 6 {
		return errors.Errorf("reloc_covariance_diag needs 6 entries, got %d", n)
	}
	if p.Refinement.MaxCorrectionTransM < 0 || p.Refinement.MaxCorrectionRotDeg < 0 {
		return errors.New("refinement correction bounds cannot be negative")
	}
	return nil
}

// localMapperCovariance returns the 6x6 covariance of anchor chain
// constraints.
func (p Params) localMapperCovariance() *mat.Dense {
	return covarianceOrDefault(p.LocalMapperCovarianceDiag, defaultCovarianceDiag)
}

// relocCovariance returns the 6x6 covariance of loop closure
// constraints.
func (p Params) relocCovariance() *mat.Dense {
	return covarianceOrDefault(p.RelocCovarianceDiag, defaultRelocCovDiag)
}

func covarianceOrDefault(diag []float64, def float64) *mat.Dense {
	if len(diag) == 6 {
		return graph.DiagonalCovariance(diag)
	}
	return graph.DiagonalCovariance([]float64{def, def, def, def, def, def})
}
