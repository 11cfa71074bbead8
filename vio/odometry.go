package vio

import (
	"context"
	"image"
	"math/rand"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"

	"go.percepta.dev/slam/bus"
	"go.percepta.dev/slam/graph"
	"go.percepta.dev/slam/imu"
	"go.percepta.dev/slam/spatialmath"
	"go.percepta.dev/slam/vision"
)

// initKeyframePeriod spaces candidate keyframes while bootstrapping.
const initKeyframePeriod = time.Second

// OdometryDeps are the collaborators a visual odometry actor needs.
type OdometryDeps struct {
	Tracker     vision.Tracker
	Graph       graph.Graph
	Map         *vision.VisualMap
	Initializer *Initializer
	// Updates receives optimizer notifications, typically from
	// MemoryGraph.Subscribe. Optional.
	Updates <-chan graph.Update
}

// OdometryOptions tune the actor.
type OdometryOptions struct {
	Params OdometryParams
	// QueueSize bounds pending callbacks.
	QueueSize int
	// OnPose, when set, receives the localized baselink pose of every
	// processed image. Called from the actor goroutine.
	OnPose func(stamp time.Time, pose spatialmath.Pose)
}

// Odometry runs visual inertial odometry as a single-goroutine actor.
// Images feed the tracker and, until the initializer succeeds, candidate
// bootstrap keyframes at a fixed cadence. Once running, every image is
// localized against the triangulated landmarks with the inertial
// prediction as guess, and frames passing the keyframe policy emit a
// transaction carrying the pose, the closing inertial factor, the
// observed reprojection factors, and any newly triangulated landmarks.
type Odometry struct {
	deps   OdometryDeps
	opts   OdometryOptions
	logger golog.Logger
	queue  *bus.CallbackQueue

	cam             *vision.CameraModel
	camFromBaselink spatialmath.Pose
	baselinkFromCam spatialmath.Pose
	rng             *rand.Rand

	preint        *imu.Preintegrator
	lastImage     time.Time
	lastInitFrame time.Time
	lastKeyframe  time.Time
	framesSinceKF int
	failed        bool
}

// NewOdometry builds the actor. Start must be called before images are
// handled.
func NewOdometry(deps OdometryDeps, opts OdometryOptions, logger golog.Logger) (*Odometry, error) {
	if deps.Tracker == nil || deps.Graph == nil || deps.Map == nil || deps.Initializer == nil {
		return nil, errors.New("visual odometry needs a tracker, a graph, a map, and an initializer")
	}
	opts.Params = opts.Params.WithDefaults()
	if err := opts.Params.Validate(); err != nil {
		return nil, err
	}
	return &Odometry{
		deps:            deps,
		opts:            opts,
		logger:          logger,
		queue:           bus.NewCallbackQueue(opts.QueueSize, logger),
		cam:             deps.Map.Camera(),
		camFromBaselink: deps.Map.CamFromBaselink(),
		baselinkFromCam: deps.Map.CamFromBaselink().Invert(),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Start launches the actor and begins consuming graph updates.
func (o *Odometry) Start(ctx context.Context) {
	o.queue.Start(ctx)
	if o.deps.Updates != nil {
		bus.Forward(o.queue, o.deps.Updates, func(_ context.Context, u graph.Update) {
			if o.preint != nil {
				o.preint.UpdateFromGraph(u)
			}
			o.deps.Map.UpdateFromGraph(u)
		})
	}
}

// Close stops the actor.
func (o *Odometry) Close() {
	o.queue.Close()
}

// Running reports whether initialization has completed. Only settled
// after Sync.
func (o *Odometry) Running() bool {
	return o.preint != nil
}

// HandleImage queues a camera frame, reporting false when the actor is
// not running or its queue is full.
func (o *Odometry) HandleImage(stamp time.Time, img image.Image) bool {
	return o.queue.Push(func(context.Context) {
		if o.failed {
			return
		}
		if !o.lastImage.IsZero() && stamp.Before(o.lastImage) {
			o.logger.Errorw("image timestamps regressed, stopping visual odometry",
				"stamp", stamp, "previous", o.lastImage)
			o.failed = true
			return
		}
		o.lastImage = stamp
		o.deps.Tracker.AddImage(stamp, img)
		if o.preint == nil {
			o.handleInitImage(stamp)
			return
		}
		o.handleRunningImage(stamp)
	})
}

// HandleIMU queues an inertial sample. Samples route to the initializer
// until it succeeds, then to the running preintegrator.
func (o *Odometry) HandleIMU(s imu.Sample) bool {
	return o.queue.Push(func(context.Context) {
		if o.failed {
			return
		}
		if o.preint == nil {
			o.deps.Initializer.AddIMU(s)
			return
		}
		if err := o.preint.AddSample(s); err != nil {
			o.logger.Errorw("inertial samples regressed, stopping visual odometry", "error", err)
			o.failed = true
		}
	})
}

// SetPath queues an initialization path, typically from lidar odometry.
// Ignored once running.
func (o *Odometry) SetPath(path []TimedPose) bool {
	return o.queue.Push(func(context.Context) {
		if o.failed || o.preint != nil {
			return
		}
		o.deps.Initializer.SetPath(path)
	})
}

// Sync blocks until every message queued before the call has been
// handled.
func (o *Odometry) Sync(ctx context.Context) error {
	return o.queue.Sync(ctx)
}

func (o *Odometry) handleInitImage(stamp time.Time) {
	if !o.lastInitFrame.IsZero() && stamp.Sub(o.lastInitFrame) < initKeyframePeriod {
		return
	}
	o.lastInitFrame = stamp
	if !o.deps.Initializer.AddImage(stamp) {
		return
	}
	if err := o.deps.Graph.Update(o.deps.Initializer.Transaction()); err != nil {
		o.logger.Errorw("applying bootstrap transaction, stopping visual odometry", "error", err)
		o.failed = true
		return
	}
	o.preint = o.deps.Initializer.Preintegrator()
	kfs := o.deps.Initializer.Keyframes()
	if n := len(kfs); n > 0 {
		o.lastKeyframe = kfs[n-1]
		if o.opts.OnPose != nil {
			if pose, ok := o.deps.Map.BaselinkPose(o.lastKeyframe); ok {
				o.opts.OnPose(o.lastKeyframe, pose)
			}
		}
	}
	o.framesSinceKF = 0
	o.logger.Infow("visual odometry initialized",
		"stamp", stamp,
		"keyframes", len(kfs),
		"scale", o.deps.Initializer.Scale(),
		"gravity", o.deps.Initializer.Gravity())
}

func (o *Odometry) handleRunningImage(stamp time.Time) {
	predicted, ok := o.preint.GetPose(stamp)
	if !ok {
		o.logger.Debugw("no inertial prediction for image", "stamp", stamp)
		return
	}
	pose, localized := o.localize(stamp, predicted)
	if !localized {
		pose = predicted
	}
	if o.opts.OnPose != nil {
		o.opts.OnPose(stamp, pose)
	}
	o.framesSinceKF++
	if o.isKeyframe(stamp) {
		o.emitKeyframe(stamp, pose)
	}
}

// localize solves the baselink pose from 2D-3D correspondences against the
// triangulated landmarks, reporting false below three correspondences or
// when the solve degenerates.
func (o *Odometry) localize(stamp time.Time, predicted spatialmath.Pose) (spatialmath.Pose, bool) {
	var points []r3.Vector
	var pixels []r2.Point
	for _, id := range o.deps.Tracker.LandmarkIDsInImage(stamp) {
		point, has := o.deps.Map.Landmark(id)
		if !has {
			continue
		}
		pix, has := o.deps.Tracker.Get(stamp, id)
		if !has {
			continue
		}
		points = append(points, point)
		pixels = append(pixels, pix)
	}
	if len(points) < 3 {
		o.logger.Debugw("not enough correspondences to localize", "stamp", stamp, "count", len(points))
		return spatialmath.Pose{}, false
	}
	guess := predicted.Compose(o.baselinkFromCam)
	result, err := vision.SolvePnP(o.cam, points, pixels, guess, o.opts.Params.PnP, o.rng)
	if err != nil {
		o.logger.Debugw("localization failed", "stamp", stamp, "error", err)
		return spatialmath.Pose{}, false
	}
	return result.Pose.Compose(o.camFromBaselink), true
}

// isKeyframe applies the keyframe policy: enough time since the last
// keyframe, enough parallax, too few tracked landmarks, or the window
// running out of room. Any one condition declares a keyframe.
func (o *Odometry) isKeyframe(stamp time.Time) bool {
	if stamp.Sub(o.lastKeyframe) >= o.opts.Params.MinKeyframeInterval() {
		return true
	}
	ids := o.deps.Tracker.LandmarkIDsInImage(stamp)
	var dists []float64
	tracked := 0
	for _, id := range ids {
		if o.deps.Map.HasLandmark(id) {
			tracked++
		}
		prev, okPrev := o.deps.Tracker.Get(o.lastKeyframe, id)
		cur, okCur := o.deps.Tracker.Get(stamp, id)
		if okPrev && okCur {
			dists = append(dists, cur.Sub(prev).Norm())
		}
	}
	if parallax, err := stats.Mean(dists); err == nil && parallax >= o.opts.Params.KeyframeParallax {
		return true
	}
	if tracked < o.opts.Params.KeyframeTracksDrop {
		return true
	}
	return o.framesSinceKF == o.opts.Params.WindowSize-1
}

// emitKeyframe publishes the keyframe transaction: the pose, the inertial
// factor closing at the keyframe, reprojection factors for every tracked
// landmark observed, and any tracks that now triangulate.
func (o *Odometry) emitKeyframe(stamp time.Time, pose spatialmath.Pose) {
	q := pose.Rotation()
	p := pose.Translation()
	ftx, ok := o.preint.RegisterNewPreintegratedFactor(stamp, &q, &p)
	if !ok {
		o.logger.Debugw("no inertial factor for keyframe", "stamp", stamp)
		return
	}
	tx := graph.NewTransaction(stamp)
	tx.SetOverrides(true, false)
	tx.Merge(ftx)
	o.deps.Map.AddBaselinkPose(pose, stamp, tx)

	for _, id := range o.deps.Tracker.LandmarkIDsInImage(stamp) {
		if !o.deps.Map.HasLandmark(id) {
			continue
		}
		pix, has := o.deps.Tracker.Get(stamp, id)
		if !has {
			continue
		}
		if err := o.deps.Map.AddConstraint(stamp, id, pix, tx); err != nil {
			o.logger.Debugw("skipping reprojection factor", "stamp", stamp, "error", err)
		}
	}
	added := o.triangulateNewTracks(stamp, tx)
	if added > 0 {
		o.logger.Debugw("triangulated new landmarks", "stamp", stamp, "count", added)
	}

	if err := o.deps.Graph.Update(tx); err != nil {
		o.logger.Errorw("applying keyframe transaction", "stamp", stamp, "error", err)
		return
	}
	o.lastKeyframe = stamp
	o.framesSinceKF = 0
}

// triangulateNewTracks adds landmark variables for tracks observed by at
// least three frames whose poses are known, with reprojection factors for
// each posed observation.
func (o *Odometry) triangulateNewTracks(stamp time.Time, tx *graph.Transaction) int {
	added := 0
	for _, id := range o.deps.Tracker.LandmarkIDsInImage(stamp) {
		if o.deps.Map.HasLandmark(id) {
			continue
		}
		var camPoses []spatialmath.Pose
		var pixels []r2.Point
		var stamps []time.Time
		for _, obs := range o.deps.Tracker.Track(id) {
			base, posed := o.deps.Map.BaselinkPose(obs.Stamp)
			if !posed {
				continue
			}
			camPoses = append(camPoses, base.Compose(o.baselinkFromCam))
			pixels = append(pixels, obs.Pixel)
			stamps = append(stamps, obs.Stamp)
		}
		if len(camPoses) < 3 {
			continue
		}
		point, err := vision.Triangulate(o.cam, camPoses, pixels, o.opts.Params.Triangulation)
		if err != nil {
			continue
		}
		o.deps.Map.AddLandmark(id, point, tx)
		for k := range stamps {
			if cerr := o.deps.Map.AddConstraint(stamps[k], id, pixels[k], tx); cerr != nil {
				o.logger.Debugw("skipping reprojection factor", "stamp", stamps[k], "error", cerr)
			}
		}
		added++
	}
	return added
}
