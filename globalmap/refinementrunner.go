package globalmap

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.percepta.dev/slam/graph"
	"go.percepta.dev/slam/lidar"
	"go.percepta.dev/slam/pointcloud"
)

// LoopClosureParams configures the offline loop closure pass. The
// refinement runner keeps its own pipeline so a saved map can be
// re-closed with different settings than the live session used.
type LoopClosureParams struct {
	CandidateSearchType string                `json:"candidate_search_type"`
	CandidateSearch     CandidateSearchConfig `json:"candidate_search_config"`
	RefinementType      string                `json:"refinement_type"`
	Refinement          RefinementConfig      `json:"refinement_config"`
}

// SubmapRefinementParams configures per-submap scan re-registration.
type SubmapRefinementParams struct {
	ScanRegistration lidar.RegistrationParams `json:"scan_registration_config"`
	Matcher          pointcloud.ICPConfig     `json:"matcher_config"`
}

// RefinementParams configures both offline refinement passes.
type RefinementParams struct {
	LoopClosure      LoopClosureParams      `json:"loop_closure"`
	SubmapRefinement SubmapRefinementParams `json:"submap_refinement"`
}

// WithDefaults returns a copy with unset fields at their defaults.
func (p RefinementParams) WithDefaults() RefinementParams {
	if p.LoopClosure.CandidateSearchType == "" {
		p.LoopClosure.CandidateSearchType = SearchEuclidean
	}
	p.LoopClosure.CandidateSearch = p.LoopClosure.CandidateSearch.WithDefaults()
	if p.LoopClosure.RefinementType == "" {
		p.LoopClosure.RefinementType = RefineICP
	}
	return p
}

// Refinement re-optimizes a finished global map in two passes: scan
// registration inside each submap, then loop closure across submap
// anchors. Both passes run on a fresh factor graph so the live
// session's graph is never touched.
type Refinement struct {
	global *GlobalMap
	params RefinementParams
	logger golog.Logger

	search CandidateSearch
	refine RefinementMethod
}

// NewRefinement wraps an in-memory global map for offline refinement.
func NewRefinement(global *GlobalMap, params RefinementParams, logger golog.Logger) (*Refinement, error) {
	if global == nil {
		return nil, errors.New("refinement needs a global map")
	}
	params = params.WithDefaults()
	return &Refinement{
		global: global,
		params: params,
		logger: logger,
		search: NewCandidateSearch(params.LoopClosure.CandidateSearchType, params.LoopClosure.CandidateSearch, logger),
		refine: NewRefinementMethod(params.LoopClosure.RefinementType, params.LoopClosure.Refinement, logger),
	}, nil
}

// LoadRefinement loads a saved global map from dataDir and wraps it
// for offline refinement.
func LoadRefinement(ctx context.Context, dataDir string, params RefinementParams, logger golog.Logger) (*Refinement, error) {
	global, err := Load(ctx, dataDir, logger)
	if err != nil {
		return nil, err
	}
	return NewRefinement(global, params, logger)
}

// GlobalMap returns the map being refined.
func (r *Refinement) GlobalMap() *GlobalMap { return r.global }

// Run executes both refinement passes in order.
func (r *Refinement) Run(ctx context.Context) error {
	if err := r.RunSubmapRefinement(ctx); err != nil {
		return err
	}
	return r.RunPoseGraphOptimization(ctx)
}

// RunSubmapRefinement re-registers the lidar keyframes inside every
// submap. Each submap gets a fresh graph; a submap that fails to
// refine aborts the pass.
func (r *Refinement) RunSubmapRefinement(ctx context.Context) error {
	for i, s := range r.global.OnlineSubmaps() {
		if err := r.refineSubmap(ctx, s); err != nil {
			return errors.Wrapf(err, "refining submap %d", i)
		}
	}
	return nil
}

// refineSubmap rebuilds the scan chain of one submap and optimizes the
// scan poses in place. Scan poses live in the submap frame, so the
// refinement never disturbs the anchor chain.
func (r *Refinement) refineSubmap(ctx context.Context, s *Submap) error {
	scans := s.LidarKeyframes()
	if len(scans) < 2 {
		r.logger.Debugw("skipping submap with too few scans", "stamp", s.Stamp(), "scans", len(scans))
		return nil
	}

	loam := true
	for _, scan := range scans {
		if !scan.HasLoam() {
			loam = false
			break
		}
	}
	var aligner lidar.Aligner
	if loam {
		aligner = lidar.NewLoamAligner(r.params.SubmapRefinement.Matcher)
	} else {
		aligner = lidar.NewICPAligner(r.params.SubmapRefinement.Matcher)
	}

	regParams := r.params.SubmapRefinement.ScanRegistration
	// The first scan pins the submap frame during re-registration.
	regParams.FixFirstScan = true
	reg, err := lidar.NewScanToMapRegistration(aligner, regParams, r.logger)
	if err != nil {
		return err
	}

	g := graph.NewMemoryGraph(r.logger)
	registered := 0
	for _, scan := range scans {
		tx := reg.RegisterNewScan(scan)
		if tx == nil {
			continue
		}
		if err := g.Update(tx); err != nil {
			return errors.Wrap(err, "updating refinement graph")
		}
		registered++
	}
	if registered < 2 {
		r.logger.Debugw("not enough registered scans to refine", "stamp", s.Stamp())
		return nil
	}

	info, err := g.Optimize(ctx)
	if err != nil {
		return errors.Wrap(err, "optimizing scan poses")
	}
	snap := g.Snapshot()
	updated := 0
	for _, scan := range scans {
		if scan.UpdateFromGraph(snap) {
			updated++
		}
	}
	r.logger.Infow("refined submap",
		"stamp", s.Stamp(),
		"scans", registered,
		"updated", updated,
		"iterations", info.Iterations,
		"cost", info.FinalCost,
	)
	return nil
}

// RunPoseGraphOptimization rebuilds the anchor chain on a fresh graph,
// runs the loop closure pipeline against every submap, and optimizes.
// Submap anchors are updated in place when closures are found.
func (r *Refinement) RunPoseGraphOptimization(ctx context.Context) error {
	submaps := r.global.OnlineSubmaps()
	if len(submaps) < 2 {
		r.logger.Debugw("skipping pose graph optimization", "submaps", len(submaps))
		return nil
	}

	g := graph.NewMemoryGraph(r.logger)
	chain := graph.NewTransaction(submaps[0].Stamp())
	for _, s := range submaps {
		for _, v := range s.Variables() {
			chain.AddVariable(v)
		}
	}
	prior, err := graph.NewAbsolutePosePrior(
		SourceLocalMapper, r.global.Device(), submaps[0].Stamp(),
		submaps[0].AnchorPose(), graph.PriorFromStdDev(anchorPriorStdDev),
	)
	if err != nil {
		return errors.Wrap(err, "building anchor prior")
	}
	chain.AddPrior(prior)
	for i := 1; i < len(submaps); i++ {
		prev, cur := submaps[i-1], submaps[i]
		delta := prev.AnchorPose().Invert().Compose(cur.AnchorPose())
		constraint, err := graph.NewRelativePoseConstraint(
			SourceLocalMapper, r.global.Device(), prev.Stamp(), cur.Stamp(),
			delta, r.global.params.localMapperCovariance(),
		)
		if err != nil {
			return errors.Wrap(err, "building anchor chain constraint")
		}
		chain.AddConstraint(constraint)
	}
	if err := g.Update(chain); err != nil {
		return errors.Wrap(err, "updating pose graph")
	}

	closures := 0
	for query := 1; query < len(submaps); query++ {
		tx := r.global.loopClosureWith(r.search, r.refine, query)
		if tx == nil {
			continue
		}
		closures += len(tx.Constraints())
		if err := g.Update(tx); err != nil {
			return errors.Wrap(err, "updating pose graph")
		}
	}
	if closures == 0 {
		r.logger.Infow("no loop closures found", "submaps", len(submaps))
		return nil
	}

	info, err := g.Optimize(ctx)
	if err != nil {
		return errors.Wrap(err, "optimizing pose graph")
	}
	updated := r.global.UpdateFromGraph(g.Snapshot())
	r.logger.Infow("pose graph optimization complete",
		"closures", closures,
		"updated", updated,
		"iterations", info.Iterations,
		"cost", info.FinalCost,
	)
	return nil
}

// SaveResults writes the refined trajectory and world frame clouds
// into dir, which must already exist. With saveInitial the
// pre-refinement variants are written alongside for comparison.
func (r *Refinement) SaveResults(dir string, saveInitial bool) error {
	if _, err := os.Stat(dir); err != nil {
		return errors.Wrap(err, "refinement output path")
	}

	if err := writeTrajectoryFile(filepath.Join(dir, "trajectory_optimized.json"), r.global.Trajectory(true)); err != nil {
		return err
	}
	if err := writeCloudFile(filepath.Join(dir, "map_optimized.pcd"), r.global.GlobalLidarMap()); err != nil {
		return err
	}
	if err := writeCloudFile(filepath.Join(dir, "keypoints_optimized.pcd"), r.global.GlobalKeypointMap()); err != nil {
		return err
	}
	for i, s := range r.global.OnlineSubmaps() {
		name := "submap" + strconv.Itoa(i)
		if err := writeCloudFile(filepath.Join(dir, name+".pcd"), r.global.SubmapCloud(i)); err != nil {
			return err
		}
		if !saveInitial {
			continue
		}
		if err := writeCloudFile(filepath.Join(dir, name+"_initial.pcd"), s.LidarPointsInWorldFrame(false)); err != nil {
			return err
		}
	}
	if !saveInitial {
		return nil
	}

	if err := writeTrajectoryFile(filepath.Join(dir, "trajectory_initial.json"), r.global.Trajectory(false)); err != nil {
		return err
	}
	initial := pointcloud.New()
	keypoints := pointcloud.New()
	for _, s := range r.global.OnlineSubmaps() {
		initial.Merge(s.LidarPointsInWorldFrame(false))
		keypoints.Merge(s.KeypointsInWorldFrame(false))
	}
	if err := writeCloudFile(filepath.Join(dir, "map_initial.pcd"), initial); err != nil {
		return err
	}
	return writeCloudFile(filepath.Join(dir, "keypoints_initial.pcd"), keypoints)
}

// SaveGlobalMapData serializes the refined map in the same layout
// SaveData uses, so it can be reloaded or served for reloc.
func (r *Refinement) SaveGlobalMapData(dir string) error {
	return r.global.SaveData(dir)
}

func writeTrajectoryFile(path string, trajectory []PoseStamped) error {
	data, err := json.MarshalIndent(trajectory, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling trajectory")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrapf(err, "writing %s", filepath.Base(path))
	}
	return nil
}

func writeCloudFile(path string, cloud *pointcloud.Cloud) error {
	f, err := os.Create(path) //nolint:gosec
	if err != nil {
		return errors.Wrapf(err, "creating %s", filepath.Base(path))
	}
	defer utils.UncheckedErrorFunc(f.Close)
	if err := pointcloud.WritePCD(cloud, f); err != nil {
		return errors.Wrapf(err, "writing %s", filepath.Base(path))
	}
	return nil
}
