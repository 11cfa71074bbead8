package vio

import (
	"context"
	"sort"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"go.percepta.dev/slam/graph"
	"go.percepta.dev/slam/imu"
	"go.percepta.dev/slam/spatialmath"
	"go.percepta.dev/slam/vision"
)

// TimedPose is one sample of an initialization path.
type TimedPose struct {
	Stamp time.Time
	Pose  spatialmath.Pose // T_WORLD_BASELINK
}

// Initializer bootstraps visual inertial odometry. Candidate keyframes
// and inertial samples accumulate until an attempt succeeds: frame poses
// come from an externally supplied path when one was set, or from two
// view geometry otherwise; the alignment solve recovers gyro bias,
// gravity, and scale; landmarks are triangulated; and a local graph is
// optimized under a wall clock budget. The optimized graph is exported as
// a single transaction and the seeded preintegrator is handed to the
// caller.
type Initializer struct {
	visualMap       *vision.VisualMap
	tracker         vision.Tracker
	cam             *vision.CameraModel
	camFromBaselink spatialmath.Pose
	baselinkFromCam spatialmath.Pose
	device          uuid.UUID
	params          InitializerParams
	imuParams       imu.Params
	logger          golog.Logger

	samples    []imu.Sample
	frameTimes []time.Time
	path       []TimedPose

	initialized bool
	preint      *imu.Preintegrator
	local       *graph.MemoryGraph
	tx          *graph.Transaction
	keyframes   []time.Time
	gravity     r3.Vector
	scale       float64
	gyroBias    r3.Vector
}

// NewInitializer builds an initializer sharing the caller's visual map
// and tracker.
func NewInitializer(
	visualMap *vision.VisualMap,
	tracker vision.Tracker,
	params InitializerParams,
	imuParams imu.Params,
	logger golog.Logger,
) (*Initializer, error) {
	if visualMap == nil || tracker == nil {
		return nil, errors.New("initializer needs a visual map and a tracker")
	}
	if err := imuParams.Validate(); err != nil {
		return nil, err
	}
	return &Initializer{
		visualMap:       visualMap,
		tracker:         tracker,
		cam:             visualMap.Camera(),
		camFromBaselink: visualMap.CamFromBaselink(),
		baselinkFromCam: visualMap.CamFromBaselink().Invert(),
		device:          visualMap.Device(),
		params:          params.WithDefaults(),
		imuParams:       imuParams,
		logger:          logger,
	}, nil
}

// AddIMU buffers an inertial sample. Out of order samples are dropped.
func (in *Initializer) AddIMU(s imu.Sample) {
	if n := len(in.samples); n > 0 && s.Stamp.Before(in.samples[n-1].Stamp) {
		in.logger.Warnw("dropping out of order inertial sample", "stamp", s.Stamp)
		return
	}
	in.samples = append(in.samples, s)
	cutoff := s.Stamp.Add(-in.params.Window())
	for len(in.samples) > 0 && in.samples[0].Stamp.Before(cutoff) {
		in.samples = in.samples[1:]
	}
}

// SetPath supplies the authoritative initialization path, typically from
// lidar odometry. Positions are treated as metric.
func (in *Initializer) SetPath(path []TimedPose) {
	in.path = append([]TimedPose(nil), path...)
	sort.Slice(in.path, func(i, j int) bool { return in.path[i].Stamp.Before(in.path[j].Stamp) })
}

// AddImage registers a candidate keyframe (the image itself must already
// be with the tracker) and attempts initialization, reporting success.
func (in *Initializer) AddImage(stamp time.Time) bool {
	if in.initialized {
		return true
	}
	in.frameTimes = append(in.frameTimes, stamp)
	cutoff := stamp.Add(-in.params.Window())
	for len(in.frameTimes) > 0 && in.frameTimes[0].Before(cutoff) {
		in.frameTimes = in.frameTimes[1:]
	}
	if in.attempt(stamp) {
		in.initialized = true
	} else {
		in.visualMap.ClearPending()
	}
	return in.initialized
}

// Initialized reports whether a bootstrap attempt has succeeded.
func (in *Initializer) Initialized() bool { return in.initialized }

// Preintegrator returns the preintegrator seeded with the solved biases.
// Nil until initialized.
func (in *Initializer) Preintegrator() *imu.Preintegrator { return in.preint }

// Transaction returns the optimized bootstrap graph as one transaction.
// Nil until initialized.
func (in *Initializer) Transaction() *graph.Transaction { return in.tx }

// Keyframes returns the stamps of the frames the bootstrap posed, in
// order. They seed the odometry keyframe window.
func (in *Initializer) Keyframes() []time.Time { return in.keyframes }

// Gravity returns the recovered gravity vector in the frame of the
// supplied poses.
func (in *Initializer) Gravity() r3.Vector { return in.gravity }

// Scale returns the recovered metric scale, 1 when a metric path was
// supplied.
func (in *Initializer) Scale() float64 { return in.scale }

// GyroBias returns the solved gyroscope bias.
func (in *Initializer) GyroBias() r3.Vector { return in.gyroBias }

func (in *Initializer) attempt(stamp time.Time) bool {
	frames, withScale, ok := in.buildFrames()
	if !ok {
		return false
	}
	split := 0
	for split < len(frames) && frames[split].valid {
		split++
	}
	valid, invalid := frames[:split], frames[split:]
	if len(valid) < 4 {
		in.logger.Debugw("not enough posed frames to initialize", "valid", len(valid))
		return false
	}

	noise := imu.Noise{
		GyroNoise:  in.imuParams.CovGyroNoise,
		AccelNoise: in.imuParams.CovAccelNoise,
		GyroBias:   in.imuParams.CovGyroBias,
		AccelBias:  in.imuParams.CovAccelBias,
	}
	pairs, err := buildPairWindows(valid, in.samples, noise)
	if err != nil {
		in.logger.Debugw("cannot preintegrate between frames", "error", err)
		return false
	}
	bg, err := solveGyroBias(valid, pairs)
	if err != nil {
		in.logger.Warnw("gyro bias solve failed", "error", err)
		return false
	}
	align, err := solveGravityScale(valid, pairs, bg, withScale)
	if err != nil {
		in.logger.Warnw("gravity alignment failed", "error", err)
		return false
	}

	// rotate the world so gravity points down and apply the scale
	rAlign := gravityAlignment(align.gravity)
	aligned := make([]frame, len(valid))
	vels := make([]r3.Vector, len(valid))
	for i := range valid {
		q := spatialmath.Normalize(quat.Mul(rAlign, valid[i].pose.Rotation()))
		p := spatialmath.Rotate(rAlign, valid[i].pose.Translation().Mul(align.scale))
		aligned[i] = frame{stamp: valid[i].stamp, pose: spatialmath.NewPose(q, p), valid: true}
		vels[i] = spatialmath.Rotate(rAlign, align.vels[i])
	}

	preint, tx, ok := in.buildGraph(stamp, aligned, vels, invalid, bg, withScale)
	if !ok {
		return false
	}

	in.local = graph.NewMemoryGraph(in.logger)
	if err := in.local.Update(tx); err != nil {
		in.logger.Warnw("applying bootstrap transaction", "error", err)
		return false
	}
	budget := time.Duration(in.params.MaxOptimizationS * float64(time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	info, err := in.local.Optimize(ctx)
	if err != nil {
		in.logger.Warnw("bootstrap optimization failed", "error", err)
		return false
	}
	in.logger.Debugw("bootstrap optimized",
		"iterations", info.Iterations, "initial_cost", info.InitialCost, "final_cost", info.FinalCost)

	snap := in.local.Snapshot()
	preint.UpdateFromGraph(snap)
	in.visualMap.UpdateFromGraph(snap)

	export := graph.NewTransaction(stamp)
	for _, v := range in.local.Variables() {
		export.AddVariable(v)
	}
	for _, c := range in.local.Constraints() {
		export.AddConstraint(c)
	}

	in.preint = preint
	in.tx = export
	in.gravity = align.gravity
	in.scale = align.scale
	in.gyroBias = bg
	return true
}

// buildGraph assembles the bootstrap transaction: state variables and
// inertial factors per frame, path odometry factors when the path is
// metric, triangulated landmarks with their reprojection factors, and
// localized poses for frames past the path.
func (in *Initializer) buildGraph(
	stamp time.Time,
	aligned []frame,
	vels []r3.Vector,
	invalid []frame,
	gyroBias r3.Vector,
	withScale bool,
) (*imu.Preintegrator, *graph.Transaction, bool) {
	// the information weight scales every inertial factor's square root
	// information, which is equivalent to inflating the noise densities
	weighted := in.imuParams
	w := in.params.InertialInfoWeight
	weighted.CovGyroNoise /= w * w
	weighted.CovAccelNoise /= w * w
	weighted.CovGyroBias /= w * w
	weighted.CovAccelBias /= w * w

	preint, err := imu.NewPreintegratorWithBias(weighted, in.device, gyroBias, r3.Vector{}, in.logger)
	if err != nil {
		in.logger.Warnw("cannot build bootstrap preintegrator", "error", err)
		return nil, nil, false
	}
	for _, s := range in.samples {
		if s.Stamp.Before(aligned[0].stamp) {
			continue
		}
		if err := preint.AddSample(s); err != nil {
			in.logger.Warnw("buffered inertial sample rejected", "error", err)
			return nil, nil, false
		}
	}
	q0 := aligned[0].pose.Rotation()
	p0 := aligned[0].pose.Translation()
	v0 := vels[0]
	preint.SetStart(aligned[0].stamp, &q0, &p0, &v0)

	tx := graph.NewTransaction(stamp)
	tx.SetOverrides(true, false)
	for j := 1; j < len(aligned); j++ {
		qj := aligned[j].pose.Rotation()
		pj := aligned[j].pose.Translation()
		ftx, ok := preint.RegisterNewPreintegratedFactor(aligned[j].stamp, &qj, &pj)
		if !ok {
			in.logger.Warnw("no inertial factor between bootstrap frames", "stamp", aligned[j].stamp)
			return nil, nil, false
		}
		tx.Merge(ftx)
	}

	if !withScale {
		lw := in.params.LidarInfoWeight
		covDiag := make([]float64, 6)
		for i := range covDiag {
			covDiag[i] = 1 / (lw * lw)
		}
		for j := 1; j < len(aligned); j++ {
			delta := spatialmath.PoseBetween(aligned[j-1].pose, aligned[j].pose)
			c, cerr := graph.NewRelativePoseConstraint("vio_init_path", in.device,
				aligned[j-1].stamp, aligned[j].stamp, delta, graph.DiagonalCovariance(covDiag))
			if cerr != nil {
				in.logger.Warnw("cannot build path factor", "error", cerr)
				return nil, nil, false
			}
			tx.AddConstraint(c)
		}
	}

	// pose values from the path win over the inertial predictions; the
	// velocity values come from the alignment solve
	in.keyframes = in.keyframes[:0]
	for i := range aligned {
		in.visualMap.AddBaselinkPose(aligned[i].pose, aligned[i].stamp, tx)
		tx.AddVariable(graph.NewVelocity(in.device, aligned[i].stamp, vels[i]))
		in.keyframes = append(in.keyframes, aligned[i].stamp)
	}

	added := in.addLandmarks(aligned, tx)
	in.logger.Debugw("bootstrap landmarks triangulated", "count", added)

	for _, f := range invalid {
		pose, ok := in.localizeAgainstMap(f.stamp, preint)
		var ftx *graph.Transaction
		var regOK bool
		if ok {
			q := pose.Rotation()
			p := pose.Translation()
			ftx, regOK = preint.RegisterNewPreintegratedFactor(f.stamp, &q, &p)
		} else {
			ftx, regOK = preint.RegisterNewPreintegratedFactor(f.stamp, nil, nil)
			pose = preint.State().Pose()
		}
		if !regOK {
			in.logger.Debugw("skipping frame past path without inertial data", "stamp", f.stamp)
			continue
		}
		tx.Merge(ftx)
		in.visualMap.AddBaselinkPose(pose, f.stamp, tx)
		in.keyframes = append(in.keyframes, f.stamp)
		for _, id := range in.tracker.LandmarkIDsInImage(f.stamp) {
			if !in.visualMap.HasLandmark(id) {
				continue
			}
			pix, has := in.tracker.Get(f.stamp, id)
			if !has {
				continue
			}
			if cerr := in.visualMap.AddConstraint(f.stamp, id, pix, tx); cerr != nil {
				in.logger.Debugw("skipping reprojection factor", "stamp", f.stamp, "error", cerr)
			}
		}
	}
	return preint, tx, true
}

// addLandmarks triangulates every track observed by at least three posed
// frames and adds the landmark with its reprojection factors.
func (in *Initializer) addLandmarks(frames []frame, tx *graph.Transaction) int {
	poseByStamp := make(map[int64]spatialmath.Pose, len(frames))
	idSet := map[uint64]struct{}{}
	for _, f := range frames {
		poseByStamp[f.stamp.UnixNano()] = f.pose
		for _, id := range in.tracker.LandmarkIDsInImage(f.stamp) {
			idSet[id] = struct{}{}
		}
	}
	ids := make([]uint64, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	tri := vision.TriangulationParams{MaxDistance: in.params.MaxTriangulationDistance}
	added := 0
	for _, id := range ids {
		if in.visualMap.HasLandmark(id) {
			continue
		}
		var camPoses []spatialmath.Pose
		var pixels []r2.Point
		var stamps []time.Time
		for _, obs := range in.tracker.Track(id) {
			base, ok := poseByStamp[obs.Stamp.UnixNano()]
			if !ok {
				continue
			}
			camPoses = append(camPoses, base.Compose(in.baselinkFromCam))
			pixels = append(pixels, obs.Pixel)
			stamps = append(stamps, obs.Stamp)
		}
		if len(camPoses) < 3 {
			continue
		}
		point, err := vision.Triangulate(in.cam, camPoses, pixels, tri)
		if err != nil {
			continue
		}
		in.visualMap.AddLandmark(id, point, tx)
		for k := range stamps {
			if cerr := in.visualMap.AddConstraint(stamps[k], id, pixels[k], tx); cerr != nil {
				in.logger.Debugw("skipping reprojection factor", "stamp", stamps[k], "error", cerr)
			}
		}
		added++
	}
	return added
}

// localizeAgainstMap refines the inertial pose prediction for the frame
// against the triangulated landmarks.
func (in *Initializer) localizeAgainstMap(stamp time.Time, preint *imu.Preintegrator) (spatialmath.Pose, bool) {
	predicted, ok := preint.GetPose(stamp)
	if !ok {
		return spatialmath.Pose{}, false
	}
	var points []r3.Vector
	var pixels []r2.Point
	for _, id := range in.tracker.LandmarkIDsInImage(stamp) {
		point, has := in.visualMap.Landmark(id)
		if !has {
			continue
		}
		pix, has := in.tracker.Get(stamp, id)
		if !has {
			continue
		}
		points = append(points, point)
		pixels = append(pixels, pix)
	}
	if len(points) < 4 {
		return spatialmath.Pose{}, false
	}
	guess := predicted.Compose(in.baselinkFromCam)
	refined, _ := vision.RefinePose(in.cam, points, pixels, guess, 10)
	return refined.Compose(in.camFromBaselink), true
}

// buildFrames produces the candidate frames: posed from the supplied path
// when one exists, otherwise from two view geometry up to scale. The
// second return reports whether scale must be solved.
func (in *Initializer) buildFrames() ([]frame, bool, bool) {
	if len(in.frameTimes) == 0 {
		return nil, false, false
	}
	if len(in.path) >= 2 {
		frames, ok := in.framesFromPath()
		return frames, false, ok
	}
	frames, ok := in.framesFromTwoView()
	return frames, true, ok
}

func (in *Initializer) framesFromPath() ([]frame, bool) {
	start := in.path[0].Stamp
	end := in.path[len(in.path)-1].Stamp
	var frames []frame
	for _, t := range in.frameTimes {
		switch {
		case t.Before(start):
			continue
		case t.After(end):
			frames = append(frames, frame{stamp: t})
		default:
			frames = append(frames, frame{stamp: t, pose: in.pathPoseAt(t), valid: true})
		}
	}

	length := 0.0
	prev := r3.Vector{}
	first := true
	for _, f := range frames {
		if !f.valid {
			continue
		}
		if !first {
			length += f.pose.Translation().Sub(prev).Norm()
		}
		prev = f.pose.Translation()
		first = false
	}
	if length < in.params.MinTrajectoryLengthM {
		in.logger.Debugw("trajectory too short to initialize",
			"length_m", length, "required_m", in.params.MinTrajectoryLengthM)
		return nil, false
	}
	return frames, true
}

func (in *Initializer) pathPoseAt(t time.Time) spatialmath.Pose {
	for k := 0; k+1 < len(in.path); k++ {
		a, b := in.path[k], in.path[k+1]
		if t.Before(a.Stamp) || t.After(b.Stamp) {
			continue
		}
		span := b.Stamp.Sub(a.Stamp).Seconds()
		if span <= 0 {
			return a.Pose
		}
		return spatialmath.Interpolate(a.Pose, b.Pose, t.Sub(a.Stamp).Seconds()/span)
	}
	return in.path[len(in.path)-1].Pose
}

// framesFromTwoView bootstraps up to scale poses from the first and last
// candidate frames, then localizes the frames between them against the
// two view landmarks.
func (in *Initializer) framesFromTwoView() ([]frame, bool) {
	n := len(in.frameTimes)
	if n < 2 {
		return nil, false
	}
	first, last := in.frameTimes[0], in.frameTimes[n-1]

	var ids []uint64
	var pixFirst, pixLast []r2.Point
	var dists []float64
	for _, id := range in.tracker.LandmarkIDsInImage(last) {
		a, okA := in.tracker.Get(first, id)
		b, okB := in.tracker.Get(last, id)
		if !okA || !okB {
			continue
		}
		ids = append(ids, id)
		pixFirst = append(pixFirst, a)
		pixLast = append(pixLast, b)
		dists = append(dists, b.Sub(a).Norm())
	}
	if len(ids) < minEssentialPoints {
		in.logger.Debugw("not enough shared tracks for two view bootstrap", "shared", len(ids))
		return nil, false
	}
	parallax, err := stats.Mean(dists)
	if err != nil || parallax < in.params.MinVisualParallax {
		in.logger.Debugw("parallax too small to initialize",
			"parallax_px", parallax, "required_px", in.params.MinVisualParallax)
		return nil, false
	}

	camLast, err := estimateRelativePose(in.cam, pixFirst, pixLast)
	if err != nil {
		in.logger.Warnw("two view bootstrap failed", "error", err)
		return nil, false
	}

	identity := spatialmath.NewZeroPose()
	camPoses := map[int64]spatialmath.Pose{
		first.UnixNano(): identity,
		last.UnixNano():  camLast,
	}
	points := map[uint64]r3.Vector{}
	for k, id := range ids {
		p, terr := vision.Triangulate(in.cam,
			[]spatialmath.Pose{identity, camLast},
			[]r2.Point{pixFirst[k], pixLast[k]},
			vision.TriangulationParams{})
		if terr == nil {
			points[id] = p
		}
	}

	span := last.Sub(first).Seconds()
	for _, t := range in.frameTimes[1 : n-1] {
		var pp []r3.Vector
		var px []r2.Point
		for _, id := range in.tracker.LandmarkIDsInImage(t) {
			point, ok := points[id]
			if !ok {
				continue
			}
			pix, ok := in.tracker.Get(t, id)
			if !ok {
				continue
			}
			pp = append(pp, point)
			px = append(px, pix)
		}
		if len(pp) < 4 {
			in.logger.Debugw("skipping frame without two view correspondences", "stamp", t)
			continue
		}
		guess := spatialmath.Interpolate(identity, camLast, t.Sub(first).Seconds()/span)
		refined, _ := vision.RefinePose(in.cam, pp, px, guess, 10)
		camPoses[t.UnixNano()] = refined
	}

	var frames []frame
	for _, t := range in.frameTimes {
		cp, ok := camPoses[t.UnixNano()]
		if !ok {
			continue
		}
		frames = append(frames, frame{stamp: t, pose: cp.Compose(in.camFromBaselink), valid: true})
	}
	return frames, true
}
