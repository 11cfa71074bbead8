package lidar

import (
	"context"
	"time"

	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go.percepta.dev/slam/bus"
	"go.percepta.dev/slam/extrinsics"
	"go.percepta.dev/slam/frameinit"
	"go.percepta.dev/slam/graph"
	"go.percepta.dev/slam/pointcloud"
	"go.percepta.dev/slam/spatialmath"
)

// Registration is the matching strategy the odometry drives, either
// scan-to-scans or scan-to-map.
type Registration interface {
	RegisterNewScan(scan *ScanPose) *graph.Transaction
	UpdateFromGraph(u graph.Update) int
}

// OdometryDeps are the collaborators an odometry actor needs.
type OdometryDeps struct {
	Registration Registration
	Graph        graph.Graph
	Frames       *frameinit.Initializer
	Extrinsics   *extrinsics.Lookup
	// Updates receives optimizer notifications, typically from
	// MemoryGraph.Subscribe. Optional.
	Updates <-chan graph.Update
}

// OdometryOptions tune the actor.
type OdometryOptions struct {
	// DownsampleSize filters incoming clouds before registration, in
	// meters. Zero keeps the raw cloud.
	DownsampleSize float64
	// QueueSize bounds pending callbacks; scans beyond it are dropped.
	QueueSize int
	// Extract builds a feature cloud from each filtered scan. Required
	// for LOAM registration, nil otherwise.
	Extract func(cloud *pointcloud.Cloud) *pointcloud.LoamCloud
	// OnMarginalized receives scans whose variables left the optimizer
	// window, for handoff to the global mapper. Runs on the actor
	// goroutine.
	OnMarginalized func(ctx context.Context, scan *ScanPose)
}

// Odometry turns a lidar stream into registration transactions. It runs
// as a single-goroutine actor: scan handling, graph update handling, and
// the marginalized-scan handoff all execute serialized on one queue,
// so none of its state is locked.
type Odometry struct {
	device    uuid.UUID
	deps      OdometryDeps
	opts      OdometryOptions
	logger    golog.Logger
	queue     *bus.CallbackQueue
	active    []*ScanPose
	lastStamp time.Time
	failed    bool

	baselinkLidar spatialmath.Pose
	haveExtrinsic bool
}

// NewOdometry builds the actor. Start must be called before scans are
// handled.
func NewOdometry(
	device uuid.UUID,
	deps OdometryDeps,
	opts OdometryOptions,
	logger golog.Logger,
) (*Odometry, error) {
	if deps.Registration == nil || deps.Graph == nil {
		return nil, errors.New("lidar odometry needs a registration and a graph")
	}
	if deps.Frames == nil || deps.Extrinsics == nil {
		return nil, errors.New("lidar odometry needs a frame initializer and extrinsics")
	}
	return &Odometry{
		device: device,
		deps:   deps,
		opts:   opts,
		logger: logger,
		queue:  bus.NewCallbackQueue(opts.QueueSize, logger),
	}, nil
}

// Start launches the actor and begins consuming graph updates.
func (o *Odometry) Start(ctx context.Context) {
	o.queue.Start(ctx)
	if o.deps.Updates != nil {
		bus.Forward(o.queue, o.deps.Updates, o.handleGraphUpdate)
	}
}

// Close stops the actor.
func (o *Odometry) Close() {
	o.queue.Close()
}

// HandleScan queues a raw scan for registration, reporting false when
// the actor is not running or its queue is full.
func (o *Odometry) HandleScan(cloud *pointcloud.Cloud, stamp time.Time) bool {
	return o.queue.Push(func(ctx context.Context) {
		o.processScan(ctx, cloud, stamp)
	})
}

// Sync blocks until every message queued before the call has been
// handled.
func (o *Odometry) Sync(ctx context.Context) error {
	return o.queue.Sync(ctx)
}

// ActiveScans returns how many registered scans are still inside the
// optimizer window.
func (o *Odometry) ActiveScans() int { return len(o.active) }

func (o *Odometry) processScan(ctx context.Context, cloud *pointcloud.Cloud, stamp time.Time) {
	if o.failed {
		return
	}
	if !o.lastStamp.IsZero() && !stamp.After(o.lastStamp) {
		o.logger.Errorw("scan timestamps regressed, stopping lidar odometry",
			"stamp", stamp, "last", o.lastStamp)
		o.failed = true
		return
	}
	o.lastStamp = stamp

	if o.opts.DownsampleSize > 0 {
		cloud = cloud.VoxelDownsample(o.opts.DownsampleSize)
	}
	pose, ok := o.deps.Frames.PoseAt(stamp)
	if !ok {
		o.logger.Warnw("no initial pose estimate for scan", "stamp", stamp)
		return
	}
	extrinsic, ok := o.lidarExtrinsic(ctx, stamp)
	if !ok {
		o.logger.Warnw("lidar extrinsic unavailable", "stamp", stamp)
		return
	}

	scan := NewScanPose(stamp, o.device, pose, extrinsic, cloud)
	if o.opts.Extract != nil {
		scan.SetLoam(o.opts.Extract(cloud))
	}
	tx := o.deps.Registration.RegisterNewScan(scan)
	if tx == nil {
		return
	}
	if err := o.deps.Graph.Update(tx); err != nil {
		o.logger.Errorw("applying registration transaction", "stamp", stamp, "error", err)
		return
	}
	o.active = append(o.active, scan)
}

func (o *Odometry) handleGraphUpdate(ctx context.Context, u graph.Update) {
	o.deps.Registration.UpdateFromGraph(u)
	kept := o.active[:0]
	for _, scan := range o.active {
		if scan.UpdateFromGraph(u) {
			kept = append(kept, scan)
			continue
		}
		if scan.Updates() == 0 {
			// Not yet part of an optimized window; keep waiting.
			kept = append(kept, scan)
			continue
		}
		if o.opts.OnMarginalized != nil {
			o.opts.OnMarginalized(ctx, scan)
		}
	}
	o.active = kept
}

func (o *Odometry) lidarExtrinsic(ctx context.Context, stamp time.Time) (spatialmath.Pose, bool) {
	if o.haveExtrinsic {
		return o.baselinkLidar, true
	}
	pose, ok := o.deps.Extrinsics.BaselinkFromLidar(ctx, stamp)
	if !ok {
		return spatialmath.Pose{}, false
	}
	if o.deps.Extrinsics.IsStatic() {
		o.baselinkLidar = pose
		o.haveExtrinsic = true
	}
	return pose, true
}
