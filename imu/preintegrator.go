package imu

import (
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"go.percepta.dev/slam/graph"
	"go.percepta.dev/slam/spatialmath"
)

// Params configure a Preintegrator.
type Params struct {
	CovGyroNoise  float64 `json:"cov_gyro_noise"`
	CovAccelNoise float64 `json:"cov_accel_noise"`
	CovGyroBias   float64 `json:"cov_gyro_bias"`
	CovAccelBias  float64 `json:"cov_accel_bias"`
	CovPriorNoise float64 `json:"cov_prior_noise"`
}

// Validate checks the prior noise, which scales the very first state
// prior and must be strictly positive.
func (p Params) Validate() error {
	if p.CovPriorNoise <= 0 {
		return errors.New("prior noise on IMU state must be positive")
	}
	return nil
}

func (p Params) noise() Noise {
	return Noise{
		GyroNoise:  p.CovGyroNoise,
		AccelNoise: p.CovAccelNoise,
		GyroBias:   p.CovGyroBias,
		AccelBias:  p.CovAccelBias,
	}
}

// Preintegrator accumulates inertial samples between keyframes. It keeps
// an anchor state i, walks an intermediate state k forward on pose
// queries, and closes windows into relative factors on keyframes.
type Preintegrator struct {
	params Params
	device uuid.UUID
	logger golog.Logger

	// current holds samples not yet consumed by the k walk; total holds
	// every sample since state i so the walk can restart after a graph
	// refresh.
	current []Sample
	total   []Sample

	window      *Window
	stateI      State
	stateK      State
	firstWindow bool
}

// NewPreintegrator validates params and returns a preintegrator with
// zero initial biases.
func NewPreintegrator(params Params, device uuid.UUID, logger golog.Logger) (*Preintegrator, error) {
	return NewPreintegratorWithBias(params, device, r3.Vector{}, r3.Vector{}, logger)
}

// NewPreintegratorWithBias seeds the anchor state biases, typically from
// an initializer.
func NewPreintegratorWithBias(
	params Params,
	device uuid.UUID,
	gyroBias, accelBias r3.Vector,
	logger golog.Logger,
) (*Preintegrator, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	p := &Preintegrator{
		params:      params,
		device:      device,
		logger:      logger,
		window:      NewWindow(params.noise(), time.Time{}),
		firstWindow: true,
	}
	p.stateI = NewState(time.Time{})
	p.stateI.GyroBias = gyroBias
	p.stateI.AccelBias = accelBias
	p.stateK = p.stateI
	return p, nil
}

// AddSample enqueues a raw measurement. Samples must arrive in stamp
// order; a regression is an error the caller treats as fatal.
func (p *Preintegrator) AddSample(s Sample) error {
	if n := len(p.total); n > 0 && s.Stamp.Before(p.total[n-1].Stamp) {
		return errors.Errorf("inertial sample at %v precedes previous sample at %v",
			s.Stamp, p.total[n-1].Stamp)
	}
	p.current = append(p.current, s)
	p.total = append(p.total, s)
	return nil
}

// ClearBuffer drops all buffered samples.
func (p *Preintegrator) ClearBuffer() {
	p.current = p.current[:0]
	p.total = p.total[:0]
}

// SetStart anchors state i at the given stamp, initializing any provided
// fields and dropping buffered samples older than the anchor.
func (p *Preintegrator) SetStart(start time.Time, rot *quat.Number, pos, vel *r3.Vector) {
	p.current = dropBefore(p.current, start)
	p.total = dropBefore(p.total, start)

	state := NewState(start)
	if rot != nil {
		state.Rotation = spatialmath.Normalize(*rot)
	}
	if pos != nil {
		state.Position = *pos
	}
	if vel != nil {
		state.Velocity = *vel
	}
	state.GyroBias = p.stateI.GyroBias
	state.AccelBias = p.stateI.AccelBias

	p.stateI = state
	p.stateK = state
	p.window.Reset(start)
}

// State returns the current anchor state i.
func (p *Preintegrator) State() State { return p.stateI }

// GetPose integrates the intermediate state forward to the query time
// without advancing the anchor. It fails when the buffer is empty or the
// query precedes the oldest unconsumed sample.
func (p *Preintegrator) GetPose(at time.Time) (spatialmath.Pose, bool) {
	if len(p.current) == 0 || at.Before(p.current[0].Stamp) {
		return spatialmath.Pose{}, false
	}

	interval := NewWindow(p.params.noise(), p.stateK.Stamp)
	for len(p.current) > 0 && p.current[0].Stamp.Before(at) {
		s := p.current[0]
		p.current = p.current[1:]
		// errors are impossible here, order was checked on entry
		if err := interval.Add(s); err != nil {
			p.logger.Errorw("buffered sample out of order", "error", err)
			return spatialmath.Pose{}, false
		}
		if err := p.window.Add(s); err != nil {
			p.logger.Errorw("buffered sample out of order", "error", err)
			return spatialmath.Pose{}, false
		}
	}

	if interval.Len() == 0 {
		// coast under gravity to the query time
		p.stateK = PredictState(Delta{
			Dt:  at.Sub(p.stateK.Stamp),
			Rot: quat.Number{Real: 1},
		}, p.stateK, at)
		return p.stateK.Pose(), true
	}

	if err := interval.Integrate(at, p.stateI.GyroBias, p.stateI.AccelBias, false, false); err != nil {
		p.logger.Warnw("inertial pose integration failed", "error", err)
		return spatialmath.Pose{}, false
	}
	p.stateK = PredictState(interval.Delta(), p.stateK, at)
	return p.stateK.Pose(), true
}

// RegisterNewPreintegratedFactor closes the window at the keyframe time
// and emits the relative inertial constraint together with the new state
// variables. The very first call also emits a prior on the anchor. When
// an external rotation and position are both supplied the anchor for the
// next window adopts them, with the velocity overwritten by the secant
// between the two positions; the emitted transaction still carries the
// inertial prediction.
func (p *Preintegrator) RegisterNewPreintegratedFactor(
	at time.Time,
	rot *quat.Number,
	pos *r3.Vector,
) (*graph.Transaction, bool) {
	if at.Before(p.stateI.Stamp) {
		return nil, false
	}

	for len(p.current) > 0 && p.current[0].Stamp.Before(at) {
		s := p.current[0]
		p.current = p.current[1:]
		if err := p.window.Add(s); err != nil {
			p.logger.Errorw("buffered sample out of order", "error", err)
			return nil, false
		}
	}
	if p.window.Len() == 0 {
		return nil, false
	}

	if err := p.window.Integrate(at, p.stateI.GyroBias, p.stateI.AccelBias, true, true); err != nil {
		p.logger.Warnw("preintegration failed", "error", err)
		return nil, false
	}

	tx := graph.NewTransaction(at)
	if p.firstWindow {
		prior, err := NewStatePrior("first_imu_state_prior", p.device, p.stateI,
			graph.DiagonalCovariance(diagonal15(p.params.CovPriorNoise)))
		if err != nil {
			p.logger.Errorw("cannot build first imu state prior", "error", err)
			return nil, false
		}
		tx.AddPrior(prior)
		addStateVariables(tx, p.device, p.stateI)
		p.firstWindow = false
	}

	stateJ := PredictState(p.window.Delta(), p.stateI, at)

	rel, err := NewRelativeConstraint(
		"imu_preintegration", p.device,
		p.stateI.Stamp, stateJ.Stamp, p.window.Measurement())
	if err != nil {
		p.logger.Errorw("cannot build relative imu constraint", "error", err)
		return nil, false
	}
	tx.AddConstraint(rel)
	addStateVariables(tx, p.device, stateJ)

	if rot != nil && pos != nil {
		stateJ.Rotation = spatialmath.Normalize(*rot)
		stateJ.Position = *pos
		dt := at.Sub(p.stateI.Stamp).Seconds()
		stateJ.Velocity = stateJ.Position.Sub(p.stateI.Position).Mul(1 / dt)
	}

	p.stateI = stateJ
	p.total = dropBefore(p.total, p.stateI.Stamp)
	p.stateK = p.stateI
	p.window.Reset(at)

	return tx, true
}

// UpdateFromGraph refreshes the anchor from optimized graph values. If
// any of the five state variables is absent the refresh is skipped and
// the cached anchor stays valid.
func (p *Preintegrator) UpdateFromGraph(u graph.Update) {
	stamp := p.stateI.Stamp
	o, okO := u.Variable(graph.StampedID(graph.TypeOrientation, stamp, p.device))
	pos, okP := u.Variable(graph.StampedID(graph.TypePosition, stamp, p.device))
	vel, okV := u.Variable(graph.StampedID(graph.TypeVelocity, stamp, p.device))
	bg, okG := u.Variable(graph.StampedID(graph.TypeGyroBias, stamp, p.device))
	ba, okA := u.Variable(graph.StampedID(graph.TypeAccelBias, stamp, p.device))
	if !okO || !okP || !okV || !okG || !okA {
		return
	}

	p.stateI.Rotation = o.Quat()
	p.stateI.Position = pos.Vec()
	p.stateI.Velocity = vel.Vec()
	p.stateI.GyroBias = bg.Vec()
	p.stateI.AccelBias = ba.Vec()

	// restart the intermediate walk from the refreshed anchor
	p.current = append(p.current[:0], p.total...)
	p.stateK = p.stateI
	p.window.Reset(stamp)
}

// addStateVariables adds the five variables of a state to a transaction.
func addStateVariables(tx *graph.Transaction, device uuid.UUID, s State) {
	tx.AddVariable(graph.NewOrientation(device, s.Stamp, s.Rotation))
	tx.AddVariable(graph.NewPosition(device, s.Stamp, s.Position))
	tx.AddVariable(graph.NewVelocity(device, s.Stamp, s.Velocity))
	tx.AddVariable(graph.NewGyroBias(device, s.Stamp, s.GyroBias))
	tx.AddVariable(graph.NewAccelBias(device, s.Stamp, s.AccelBias))
}

func dropBefore(samples []Sample, cutoff time.Time) []Sample {
	i := 0
	for i < len(samples) && samples[i].Stamp.Before(cutoff) {
		i++
	}
	return append(samples[:0], samples[i:]...)
}

func diagonal15(v float64) []float64 {
	out := make([]float64, 15)
	for i := range out {
		out[i] = v
	}
	return out
}
