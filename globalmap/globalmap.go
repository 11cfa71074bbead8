package globalmap

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go.percepta.dev/slam/extrinsics"
	"go.percepta.dev/slam/graph"
	"go.percepta.dev/slam/pointcloud"
	"go.percepta.dev/slam/spatialmath"
	"go.percepta.dev/slam/vision"
)

const (
	paramsFileName     = "params.json"
	cameraFileName     = "camera_model.json"
	extrinsicsFileName = "extrinsics.json"
	frameIDsFileName   = "frame_ids.json"
)

// RelocRequest asks in which prior submap a query frame lies. The
// clouds are expressed in the query's baselink frame.
type RelocRequest struct {
	Stamp         time.Time
	WorldBaselink spatialmath.Pose
	Cloud         *pointcloud.Cloud
	Loam          *pointcloud.LoamCloud
}

// RelocResult is the submap serving a reloc request, with its content
// already placed in the world frame.
type RelocResult struct {
	SubmapIndex int
	Offline     bool
	// SubmapQuery is the refined T_SUBMAP_QUERY alignment.
	SubmapQuery spatialmath.Pose
	// WorldFromOffline maps the offline map's world frame into the
	// local mapper's; identity for online submaps.
	WorldFromOffline spatialmath.Pose
	Cloud            *pointcloud.Cloud
	Loam             *pointcloud.LoamCloud
	Keypoints        *pointcloud.Cloud
}

// GlobalMap routes keyframe measurement bundles into submaps, chains
// submap anchors into the factor graph, and runs loop closure when a
// submap completes. Not safe for concurrent use; callers drive it from
// a single actor goroutine.
type GlobalMap struct {
	params        Params
	device        uuid.UUID
	cam           *vision.CameraModel
	look          *extrinsics.Lookup
	baselinkLidar spatialmath.Pose
	logger        golog.Logger

	search CandidateSearch
	refine RefinementMethod

	submaps []*Submap
	offline []*Submap

	activeIndex   int
	activeOffline bool
	activeSet     bool

	worldFromOffline    spatialmath.Pose
	worldFromOfflineSet bool
}

// New builds an empty global map. The lidar extrinsic is resolved once
// up front; a lookup that cannot provide it is a construction error.
func New(
	ctx context.Context,
	device uuid.UUID,
	cam *vision.CameraModel,
	look *extrinsics.Lookup,
	params Params,
	logger golog.Logger,
) (*GlobalMap, error) {
	if cam == nil || look == nil {
		return nil, errors.New("global map needs a camera model and extrinsics")
	}
	params = params.WithDefaults()
	if err := params.Validate(); err != nil {
		return nil, errors.Wrap(err, "global map")
	}
	baselinkLidar, ok := look.BaselinkFromLidar(ctx, time.Time{})
	if !ok {
		return nil, errors.New("global map needs the lidar extrinsic")
	}
	return &GlobalMap{
		params:        params,
		device:        device,
		cam:           cam,
		look:          look,
		baselinkLidar: baselinkLidar,
		logger:        logger,
		search:        NewCandidateSearch(params.CandidateSearchType, params.CandidateSearch, logger),
		refine:        NewRefinementMethod(params.RefinementType, params.Refinement, logger),
	}, nil
}

// Params returns the effective configuration.
func (g *GlobalMap) Params() Params { return g.params }

// Device returns the identifier of the originating sensor rig.
func (g *GlobalMap) Device() uuid.UUID { return g.device }

// NumSubmaps returns how many online submaps exist.
func (g *GlobalMap) NumSubmaps() int { return len(g.submaps) }

// Submap returns the i-th online submap.
func (g *GlobalMap) Submap(i int) *Submap { return g.submaps[i] }

// OnlineSubmaps returns the online submap list.
func (g *GlobalMap) OnlineSubmaps() []*Submap { return g.submaps }

// OfflineSubmaps returns the loaded prior-session submaps.
func (g *GlobalMap) OfflineSubmaps() []*Submap { return g.offline }

// SetOfflineSubmaps installs submaps from a previously saved session
// for reloc queries. Offline anchors are never updated from the graph.
func (g *GlobalMap) SetOfflineSubmaps(submaps []*Submap) {
	g.offline = submaps
	g.activeSet = false
	g.worldFromOfflineSet = false
}

// SubmapID returns the index of the submap a keyframe at worldBaselink
// belongs to, or len(submaps) when a new submap is needed. The previous
// submap is checked before the current one so lidar bundles arriving
// behind the camera stream still land in the submap that was current
// when they were captured.
func (g *GlobalMap) SubmapID(worldBaselink spatialmath.Pose) int {
	if len(g.submaps) == 0 {
		return 0
	}
	p := worldBaselink.Translation()
	cur := g.submaps[len(g.submaps)-1].InitialAnchorPose().Translation()
	if len(g.submaps) == 1 {
		if p.Sub(cur).Norm() < g.params.SubmapSize {
			return 0
		}
		return 1
	}
	prev := g.submaps[len(g.submaps)-2].InitialAnchorPose().Translation()
	switch {
	case p.Sub(prev).Norm() < g.params.SubmapSize:
		return len(g.submaps) - 2
	case p.Sub(cur).Norm() < g.params.SubmapSize:
		return len(g.submaps) - 1
	default:
		return len(g.submaps)
	}
}

// AddMeasurement routes one keyframe bundle into its submap. When the
// keyframe opens a new submap the returned transaction carries the new
// anchor variables, the chain constraint to the previous anchor, and
// any loop closure constraints found for the submap that just
// completed. A nil return means no submap event occurred.
func (g *GlobalMap) AddMeasurement(
	camera CameraMeasurement,
	lid LidarMeasurement,
	traj []PoseStamped,
	worldBaselink spatialmath.Pose,
	stamp time.Time,
) *graph.Transaction {
	if stamp.IsZero() {
		g.logger.Errorw("dropping measurement bundle without a stamp")
		return nil
	}

	id := g.SubmapID(worldBaselink)
	var tx *graph.Transaction
	if id == len(g.submaps) {
		g.submaps = append(g.submaps,
			NewSubmap(stamp, worldBaselink, g.device, g.cam, g.baselinkLidar))
		tx = g.initiateNewSubmapPose()
		if lc := g.runLoopClosure(len(g.submaps) - 2); lc != nil {
			tx.Merge(lc)
		}
	}

	submap := g.submaps[id]
	if !camera.Empty() {
		if camera.Stamp.IsZero() {
			g.logger.Errorw("skipping camera measurement without a stamp", "submap", id)
		} else {
			submap.AddCameraMeasurement(camera, worldBaselink)
		}
	}
	if !lid.Empty() {
		if lid.Stamp.IsZero() {
			g.logger.Errorw("skipping lidar measurement without a stamp", "submap", id)
		} else {
			submap.AddLidarMeasurement(lid, worldBaselink)
		}
	}
	if len(traj) > 0 {
		submap.AddTrajectoryMeasurement(traj, worldBaselink)
	}
	return tx
}

// TriggerLoopClosure searches for loop closures against the newest
// submap without waiting for it to complete.
func (g *GlobalMap) TriggerLoopClosure() *graph.Transaction {
	if len(g.submaps) < 2 {
		return nil
	}
	return g.runLoopClosure(len(g.submaps) - 1)
}

// initiateNewSubmapPose emits the anchor variables of the newest
// submap. The first anchor is pinned with a prior since nothing else
// fixes the map frame; later anchors chain to their predecessor through
// a relative constraint measured from the current pose estimates.
func (g *GlobalMap) initiateNewSubmapPose() *graph.Transaction {
	current := g.submaps[len(g.submaps)-1]
	tx := graph.NewTransaction(current.Stamp())
	for _, v := range current.Variables() {
		tx.AddVariable(v)
	}

	if len(g.submaps) == 1 {
		prior, err := graph.NewAbsolutePosePrior(
			SourceLocalMapper, g.device, current.Stamp(),
			current.AnchorPose(), graph.PriorFromStdDev(anchorPriorStdDev),
		)
		if err != nil {
			g.logger.Errorw("building first submap prior", "error", err)
			return tx
		}
		tx.AddPrior(prior)
		return tx
	}

	previous := g.submaps[len(g.submaps)-2]
	delta := previous.AnchorPose().Invert().Compose(current.AnchorPose())
	constraint, err := graph.NewRelativePoseConstraint(
		SourceLocalMapper, g.device, previous.Stamp(), current.Stamp(),
		delta, g.params.localMapperCovariance(),
	)
	if err != nil {
		g.logger.Errorw("building submap chain constraint", "error", err)
		return tx
	}
	tx.AddConstraint(constraint)
	tx.AddInvolvedStamp(previous.Stamp())
	return tx
}

// runLoopClosure searches for loop closures against the submap at
// queryIndex using the map's own pipeline.
func (g *GlobalMap) runLoopClosure(queryIndex int) *graph.Transaction {
	tx := g.loopClosureWith(g.search, g.refine, queryIndex)
	if tx != nil {
		// The next reloc request must re-select against the corrected map.
		g.activeSet = false
	}
	return tx
}

// loopClosureWith refines loop closure candidates for the submap at
// queryIndex into relative constraints. Candidates adjacent to the
// query are skipped; the chain constraint already relates them.
func (g *GlobalMap) loopClosureWith(
	search CandidateSearch,
	refine RefinementMethod,
	queryIndex int,
) *graph.Transaction {
	if queryIndex < 0 || len(g.submaps) < 2 {
		return nil
	}
	query := g.submaps[queryIndex]

	var matched []Candidate
	for _, c := range search.FindCandidates(g.submaps, query.AnchorPose()) {
		if c.Index >= queryIndex-1 && c.Index <= queryIndex+1 {
			continue
		}
		matched = append(matched, c)
	}
	if len(matched) == 0 {
		return nil
	}
	g.logger.Debugw("found loop closure candidates", "query", queryIndex, "count", len(matched))

	tx := graph.NewTransaction(query.Stamp())
	for _, c := range matched {
		match := g.submaps[c.Index]
		result, err := refine.Refine(match, query, c.MatchQuery)
		if err != nil {
			g.logger.Debugw("rejecting loop closure candidate",
				"match", c.Index, "query", queryIndex, "error", err)
			continue
		}
		constraint, err := graph.NewRelativePoseConstraint(
			SourceLoopClosure, g.device, match.Stamp(), query.Stamp(),
			result.MatchQuery, g.params.relocCovariance(),
		)
		if err != nil {
			g.logger.Errorw("building loop closure constraint", "error", err)
			continue
		}
		g.logger.Infow("accepted loop closure",
			"match", c.Index, "query", queryIndex)
		tx.AddConstraint(constraint)
		tx.AddInvolvedStamp(match.Stamp())
		tx.AddInvolvedStamp(query.Stamp())
	}
	return tx.OrNil()
}

// ProcessRelocRequest finds the submap a query frame lies in, offline
// maps first. The submap last served stays active until a loop closure
// lands; repeating requests against the active submap report false so
// the same map is not re-sent.
func (g *GlobalMap) ProcessRelocRequest(req RelocRequest) (RelocResult, bool) {
	if len(g.offline) > 0 {
		worldQuery := req.WorldBaselink
		if g.worldFromOfflineSet {
			worldQuery = g.worldFromOffline.Invert().Compose(req.WorldBaselink)
		}
		for _, c := range g.search.FindCandidates(g.offline, worldQuery) {
			if g.activeSet && g.activeOffline && g.activeIndex == c.Index {
				g.logger.Debugw("active submap already serves the query", "index", c.Index)
				return RelocResult{}, false
			}
			s := g.offline[c.Index]
			refined, err := g.refine.RefinePose(s, req.Cloud, req.Loam, c.MatchQuery)
			if err != nil {
				g.logger.Debugw("offline reloc refinement failed", "index", c.Index, "error", err)
				continue
			}
			if !g.worldFromOfflineSet {
				g.worldFromOffline = req.WorldBaselink.
					Compose(refined.Invert()).
					Compose(s.AnchorPose().Invert())
				g.worldFromOfflineSet = true
				g.logger.Infow("anchored offline map to the local mapper world frame")
			}
			g.activeIndex, g.activeOffline, g.activeSet = c.Index, true, true
			return RelocResult{
				SubmapIndex:      c.Index,
				Offline:          true,
				SubmapQuery:      refined,
				WorldFromOffline: g.worldFromOffline,
				Cloud:            s.LidarPointsInWorldFrame(false),
				Loam:             s.LoamPointsInWorldFrame(false),
				Keypoints:        s.KeypointsInWorldFrame(false),
			}, true
		}
	}

	for _, c := range g.search.FindCandidates(g.submaps, req.WorldBaselink) {
		if g.activeSet && !g.activeOffline && g.activeIndex == c.Index {
			g.logger.Debugw("active submap already serves the query", "index", c.Index)
			return RelocResult{}, false
		}
		s := g.submaps[c.Index]
		refined, err := g.refine.RefinePose(s, req.Cloud, req.Loam, c.MatchQuery)
		if err != nil {
			g.logger.Debugw("reloc refinement failed", "index", c.Index, "error", err)
			continue
		}
		g.activeIndex, g.activeOffline, g.activeSet = c.Index, false, true
		return RelocResult{
			SubmapIndex:      c.Index,
			SubmapQuery:      refined,
			WorldFromOffline: spatialmath.NewZeroPose(),
			Cloud:            s.LidarPointsInWorldFrame(true),
			Loam:             s.LoamPointsInWorldFrame(true),
			Keypoints:        s.KeypointsInWorldFrame(true),
		}, true
	}
	return RelocResult{}, false
}

// UpdateFromGraph refreshes every online submap anchor from optimized
// results and returns how many anchors moved.
func (g *GlobalMap) UpdateFromGraph(u graph.Update) int {
	updated := 0
	for _, s := range g.submaps {
		if s.UpdateFromGraph(u) {
			updated++
		}
	}
	return updated
}

// Trajectory returns the baselink trajectory across every online
// submap, placed by the updated anchors (or the initial anchors when
// updated is false) and ordered by stamp.
func (g *GlobalMap) Trajectory(updated bool) []PoseStamped {
	var out []PoseStamped
	for _, s := range g.submaps {
		anchor := s.worldAnchor(updated)
		for _, ps := range s.Trajectory() {
			out = append(out, PoseStamped{Stamp: ps.Stamp, Pose: anchor.Compose(ps.Pose)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stamp.Before(out[j].Stamp) })
	return out
}

// SubmapCloud returns submap i's world frame lidar cloud, filtered for
// publication.
func (g *GlobalMap) SubmapCloud(i int) *pointcloud.Cloud {
	cloud := g.submaps[i].LidarPointsInWorldFrame(true)
	if g.params.SubmapVoxelSize > 0 {
		cloud = cloud.VoxelDownsample(g.params.SubmapVoxelSize)
	}
	return cloud
}

// GlobalLidarMap merges every online submap's world frame cloud,
// filtered for publication.
func (g *GlobalMap) GlobalLidarMap() *pointcloud.Cloud {
	out := pointcloud.New()
	for _, s := range g.submaps {
		out.Merge(s.LidarPointsInWorldFrame(true))
	}
	if g.params.GlobalMapVoxelSize > 0 {
		out = out.VoxelDownsample(g.params.GlobalMapVoxelSize)
	}
	return out
}

// GlobalKeypointMap merges every online submap's world frame landmark
// cloud.
func (g *GlobalMap) GlobalKeypointMap() *pointcloud.Cloud {
	out := pointcloud.New()
	for _, s := range g.submaps {
		out.Merge(s.KeypointsInWorldFrame(true))
	}
	return out
}

// SaveData serializes the global map into dir: params.json,
// camera_model.json, extrinsics.json, frame_ids.json, and one
// submap<N>/ directory per submap, numbered contiguously from zero.
// The directory must already exist.
func (g *GlobalMap) SaveData(dir string) error {
	if _, err := os.Stat(dir); err != nil {
		return errors.Wrap(err, "global map output path")
	}
	data, err := json.MarshalIndent(g.params, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling global map params")
	}
	if err := os.WriteFile(filepath.Join(dir, paramsFileName), data, 0o600); err != nil {
		return errors.Wrap(err, "writing global map params")
	}
	if err := g.cam.SaveJSON(filepath.Join(dir, cameraFileName)); err != nil {
		return err
	}
	if err := g.look.SaveJSON(filepath.Join(dir, extrinsicsFileName)); err != nil {
		return err
	}
	if err := g.look.FrameIDs().SaveJSON(filepath.Join(dir, frameIDsFileName)); err != nil {
		return err
	}
	for i, s := range g.submaps {
		subDir := filepath.Join(dir, "submap"+strconv.Itoa(i))
		if err := os.MkdirAll(subDir, 0o750); err != nil {
			return errors.Wrapf(err, "creating %s", subDir)
		}
		if err := s.SaveData(subDir); err != nil {
			return err
		}
	}
	g.logger.Infow("saved global map", "path", dir, "submaps", len(g.submaps))
	return nil
}

// Load restores a global map written by SaveData. Submap directories
// are read in index order; reading halts at the first missing index and
// fails when none is present.
func Load(ctx context.Context, dir string, logger golog.Logger) (*GlobalMap, error) {
	data, err := os.ReadFile(filepath.Join(dir, paramsFileName)) //nolint:gosec
	if err != nil {
		return nil, errors.Wrap(err, "reading global map params")
	}
	var params Params
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, errors.Wrap(err, "parsing global map params")
	}
	cam, err := vision.LoadCameraModel(filepath.Join(dir, cameraFileName))
	if err != nil {
		return nil, err
	}
	look, err := extrinsics.LoadLookup(
		filepath.Join(dir, extrinsicsFileName),
		filepath.Join(dir, frameIDsFileName),
		logger,
	)
	if err != nil {
		return nil, err
	}

	g, err := New(ctx, uuid.Nil, cam, look, params, logger)
	if err != nil {
		return nil, err
	}
	for i := 0; ; i++ {
		subDir := filepath.Join(dir, "submap"+strconv.Itoa(i))
		if _, err := os.Stat(subDir); os.IsNotExist(err) {
			break
		}
		s, err := LoadSubmap(subDir, cam)
		if err != nil {
			return nil, err
		}
		g.submaps = append(g.submaps, s)
	}
	if len(g.submaps) == 0 {
		return nil, errors.Errorf("no submaps found in %s", dir)
	}
	g.device = g.submaps[0].Device()
	logger.Infow("loaded global map", "path", dir, "submaps", len(g.submaps))
	return g, nil
}
