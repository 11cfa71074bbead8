package imu

import (
	"context"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.percepta.dev/slam/graph"
)

func TestSensorModelPublishesFactors(t *testing.T) {
	logger := golog.NewTestLogger(t)
	g := graph.NewMemoryGraph(logger)
	preint, err := NewPreintegrator(testIMUParams(), testDevice, logger)
	test.That(t, err, test.ShouldBeNil)

	model, err := NewSensorModel(SensorModelDeps{
		Preintegrator: preint,
		Graph:         g,
		Updates:       g.Subscribe(),
	}, SensorModelOptions{}, logger)
	test.That(t, err, test.ShouldBeNil)

	ctx := context.Background()
	model.Start(ctx)
	defer model.Close()

	start := testStamp(100)
	preint.SetStart(start, nil, nil, nil)
	gravity := r3.Vector{Z: GravityNominal}
	for i := 0; i <= 200; i++ {
		ok := model.HandleSample(Sample{
			Stamp: start.Add(time.Duration(i) * 10 * time.Millisecond),
			Accel: gravity,
		})
		test.That(t, ok, test.ShouldBeTrue)
	}

	// The first closed window carries the anchor prior, both endpoint
	// states, and the relative inertial factor.
	test.That(t, model.HandleTrigger(start.Add(time.Second)), test.ShouldBeTrue)
	test.That(t, model.Sync(ctx), test.ShouldBeNil)
	test.That(t, g.VariableCount(), test.ShouldEqual, 10)
	test.That(t, g.ConstraintCount(), test.ShouldEqual, 2)

	// Later windows add one endpoint and one factor each.
	test.That(t, model.HandleTrigger(start.Add(2*time.Second)), test.ShouldBeTrue)
	test.That(t, model.Sync(ctx), test.ShouldBeNil)
	test.That(t, g.VariableCount(), test.ShouldEqual, 15)
	test.That(t, g.ConstraintCount(), test.ShouldEqual, 3)
}

func TestSensorModelStopsOnRegression(t *testing.T) {
	logger := golog.NewTestLogger(t)
	g := graph.NewMemoryGraph(logger)
	preint, err := NewPreintegrator(testIMUParams(), testDevice, logger)
	test.That(t, err, test.ShouldBeNil)

	model, err := NewSensorModel(SensorModelDeps{Preintegrator: preint, Graph: g}, SensorModelOptions{}, logger)
	test.That(t, err, test.ShouldBeNil)

	ctx := context.Background()
	model.Start(ctx)
	defer model.Close()

	start := testStamp(200)
	model.HandleSample(Sample{Stamp: start.Add(time.Second)})
	model.HandleSample(Sample{Stamp: start})
	test.That(t, model.Sync(ctx), test.ShouldBeNil)

	// Regressed samples poison the model; triggers no longer publish.
	model.HandleTrigger(start.Add(2 * time.Second))
	test.That(t, model.Sync(ctx), test.ShouldBeNil)
	test.That(t, g.ConstraintCount(), test.ShouldEqual, 0)
}

func TestSensorModelNeedsDeps(t *testing.T) {
	logger := golog.NewTestLogger(t)
	_, err := NewSensorModel(SensorModelDeps{}, SensorModelOptions{}, logger)
	test.That(t, err, test.ShouldNotBeNil)
}
