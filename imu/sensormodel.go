package imu

import (
	"context"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"go.percepta.dev/slam/bus"
	"go.percepta.dev/slam/graph"
)

// SensorModelDeps are the collaborators an inertial sensor model needs.
type SensorModelDeps struct {
	Preintegrator *Preintegrator
	Graph         graph.Graph
	// Updates receives optimizer notifications, typically from
	// MemoryGraph.Subscribe. Optional.
	Updates <-chan graph.Update
}

// SensorModelOptions tune the actor.
type SensorModelOptions struct {
	// QueueSize bounds pending callbacks.
	QueueSize int
}

// SensorModel publishes inertial constraints between successive keyframes.
// Samples stream in continuously; another sensor model's keyframe decision
// arrives as a trigger, which closes the current preintegration window into
// a relative factor. Single-goroutine actor, no locking.
type SensorModel struct {
	deps   SensorModelDeps
	opts   SensorModelOptions
	logger golog.Logger
	queue  *bus.CallbackQueue
	failed bool
}

// NewSensorModel builds the actor. Start must be called before samples are
// handled.
func NewSensorModel(deps SensorModelDeps, opts SensorModelOptions, logger golog.Logger) (*SensorModel, error) {
	if deps.Preintegrator == nil || deps.Graph == nil {
		return nil, errors.New("imu sensor model needs a preintegrator and a graph")
	}
	return &SensorModel{
		deps:   deps,
		opts:   opts,
		logger: logger,
		queue:  bus.NewCallbackQueue(opts.QueueSize, logger),
	}, nil
}

// Start launches the actor and begins consuming graph updates.
func (m *SensorModel) Start(ctx context.Context) {
	m.queue.Start(ctx)
	if m.deps.Updates != nil {
		bus.Forward(m.queue, m.deps.Updates, func(_ context.Context, u graph.Update) {
			m.deps.Preintegrator.UpdateFromGraph(u)
		})
	}
}

// Close stops the actor.
func (m *SensorModel) Close() {
	m.queue.Close()
}

// HandleSample queues a raw inertial sample, reporting false when the
// actor is not running or its queue is full.
func (m *SensorModel) HandleSample(s Sample) bool {
	return m.queue.Push(func(context.Context) {
		if m.failed {
			return
		}
		if err := m.deps.Preintegrator.AddSample(s); err != nil {
			m.logger.Errorw("inertial samples regressed, stopping imu sensor model", "error", err)
			m.failed = true
		}
	})
}

// HandleTrigger queues a keyframe trigger. The window closing at the
// keyframe stamp becomes a relative inertial factor on the graph.
func (m *SensorModel) HandleTrigger(stamp time.Time) bool {
	return m.queue.Push(func(context.Context) {
		if m.failed {
			return
		}
		tx, ok := m.deps.Preintegrator.RegisterNewPreintegratedFactor(stamp, nil, nil)
		if !ok {
			m.logger.Debugw("no inertial factor for keyframe", "stamp", stamp)
			return
		}
		if err := m.deps.Graph.Update(tx); err != nil {
			m.logger.Errorw("applying inertial transaction", "stamp", stamp, "error", err)
		}
	})
}

// Sync blocks until every message queued before the call has been
// handled.
func (m *SensorModel) Sync(ctx context.Context) error {
	return m.queue.Sync(ctx)
}
