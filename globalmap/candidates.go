package globalmap

import (
	"sort"

	"github.com/edaniels/golog"

	"go.percepta.dev/slam/spatialmath"
)

// Candidate is one possible loop closure partner for a query pose.
type Candidate struct {
	// Index of the matched submap in the searched list.
	Index int
	// MatchQuery is T_MATCH_QUERY estimated from the current anchor
	// poses, the prior handed to refinement.
	MatchQuery spatialmath.Pose
}

// CandidateSearch proposes loop closure partners for a query pose,
// ordered most likely first. Adjacency filtering is the caller's job;
// a search only judges spatial plausibility.
type CandidateSearch interface {
	FindCandidates(submaps []*Submap, worldQuery spatialmath.Pose) []Candidate
}

// EuclideanSearch nominates every submap whose current anchor lies
// within a distance threshold of the query, nearest first.
type EuclideanSearch struct {
	thresholdM float64
}

// NewEuclideanSearch builds the search from its config.
func NewEuclideanSearch(cfg CandidateSearchConfig) *EuclideanSearch {
	return &EuclideanSearch{thresholdM: cfg.WithDefaults().DistanceThresholdM}
}

// FindCandidates implements CandidateSearch.
func (e *EuclideanSearch) FindCandidates(submaps []*Submap, worldQuery spatialmath.Pose) []Candidate {
	type scored struct {
		cand Candidate
		dist float64
	}
	var hits []scored
	for i, s := range submaps {
		dist := s.AnchorPose().Translation().Sub(worldQuery.Translation()).Norm()
		if dist >= e.thresholdM {
			continue
		}
		hits = append(hits, scored{
			cand: Candidate{
				Index:      i,
				MatchQuery: s.AnchorPose().Invert().Compose(worldQuery),
			},
			dist: dist,
		})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })
	out := make([]Candidate, len(hits))
	for i, h := range hits {
		out[i] = h.cand
	}
	return out
}

// NewCandidateSearch builds the search selected by name. Unknown names
// fall back to the Euclidean search with a logged error.
func NewCandidateSearch(searchType string, cfg CandidateSearchConfig, logger golog.Logger) CandidateSearch {
	switch searchType {
	case SearchEuclidean:
		return NewEuclideanSearch(cfg)
	default:
		logger.Errorw("invalid candidate search type, using default",
			"type", searchType, "default", SearchEuclidean)
		return NewEuclideanSearch(cfg)
	}
}
