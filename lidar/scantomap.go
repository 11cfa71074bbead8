package lidar

import (
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.percepta.dev/slam/graph"
	"go.percepta.dev/slam/spatialmath"
)

// SourceScanToMap labels constraints from scan-to-map registration.
const SourceScanToMap = "scan_to_map_registration"

// ScanToMapRegistration matches each incoming scan against a rolling map
// built from the scans registered before it. Every accepted scan yields
// a relative pose constraint to the previously registered scan, so the
// trajectory stays chained even though matching targets the map.
type ScanToMapRegistration struct {
	params  RegistrationParams
	aligner Aligner
	logger  golog.Logger
	cov     *mat.Dense
	mapped  *Map
	prev    *ScanPose
}

// NewScanToMapRegistration builds a registration over the given aligner.
func NewScanToMapRegistration(
	aligner Aligner,
	params RegistrationParams,
	logger golog.Logger,
) (*ScanToMapRegistration, error) {
	params = params.WithDefaults()
	if params.Source == "" {
		params.Source = SourceScanToMap
	}
	if err := params.Validate(); err != nil {
		return nil, errors.Wrap(err, "scan to map registration")
	}
	return &ScanToMapRegistration{
		params:  params,
		aligner: aligner,
		logger:  logger,
		cov:     params.fixedCovariance(),
		mapped:  NewMap(params.MapSize),
	}, nil
}

// SetFixedCovariance replaces the matcher's estimated covariance with a
// fixed one for every subsequent constraint.
func (r *ScanToMapRegistration) SetFixedCovariance(cov *mat.Dense) {
	r.cov = cov
}

// Map returns the rolling registration target.
func (r *ScanToMapRegistration) Map() *Map { return r.mapped }

// RegisterNewScan matches the scan against the map and returns a
// transaction chaining it to the previously registered scan. The first
// scan seeds the map and is always anchored with a pose prior, since
// nothing else constrains the map's frame. A nil return means the scan
// was dropped and the map is unchanged.
func (r *ScanToMapRegistration) RegisterNewScan(scan *ScanPose) *graph.Transaction {
	if scanEmpty(scan) {
		r.logger.Warnw("dropping empty scan", "stamp", scan.Stamp())
		return nil
	}
	tx := graph.NewTransaction(scan.Stamp())
	if r.mapped.Empty() {
		prior, err := graph.NewAbsolutePosePrior(
			r.params.Source, scan.Device(), scan.Stamp(), scan.Pose(),
			graph.PriorFromStdDev(firstScanPriorStdDev),
		)
		if err != nil {
			r.logger.Errorw("building first scan prior", "error", err)
			return nil
		}
		tx.AddPrior(prior)
		for _, v := range scan.Variables() {
			tx.AddVariable(v)
		}
		r.mapped.Add(scan)
		r.prev = scan.Shadow()
		return tx
	}
	if r.belowMotionThresholds(scan) {
		r.logger.Debugw("dropping scan below motion thresholds", "stamp", scan.Stamp())
		return nil
	}
	guess := scan.LidarPose()
	result, err := r.aligner.AlignToMap(r.mapped, scan, guess)
	if err != nil {
		r.logger.Warnw("map match failed", "stamp", scan.Stamp(), "error", err)
		return nil
	}
	if !result.Converged {
		r.logger.Warnw("map match did not converge", "stamp", scan.Stamp())
		return nil
	}
	dt, dr := spatialmath.PoseDelta(guess, result.Pose)
	if dt > r.params.OutlierThresholdT || dr > r.params.OutlierThresholdR*degToRad {
		r.logger.Warnw("rejecting map match outlier", "stamp", scan.Stamp())
		return nil
	}
	refined := result.Pose.Compose(scan.BaselinkLidar().Invert())
	delta := spatialmath.PoseBetween(r.prev.Pose(), refined)
	cov := r.cov
	if cov == nil {
		cov = result.Covariance
	}
	con, err := graph.NewRelativePoseConstraint(
		r.params.Source, scan.Device(), r.prev.Stamp(), scan.Stamp(), delta, cov,
	)
	if err != nil {
		r.logger.Errorw("building relative pose constraint", "error", err)
		return nil
	}
	scan.SetPose(refined)
	tx.AddConstraint(con)
	tx.AddInvolvedStamp(r.prev.Stamp())
	for _, v := range scan.Variables() {
		tx.AddVariable(v)
	}
	r.mapped.Add(scan)
	r.prev = scan.Shadow()
	return tx
}

// UpdateFromGraph refreshes the map and the chained previous pose from
// optimized results and returns how many scan poses moved.
func (r *ScanToMapRegistration) UpdateFromGraph(u graph.Update) int {
	updated := r.mapped.UpdateFromGraph(u)
	if r.prev != nil {
		r.prev.UpdateFromGraph(u)
	}
	return updated
}

func (r *ScanToMapRegistration) belowMotionThresholds(scan *ScanPose) bool {
	dt, dr := spatialmath.PoseDelta(r.prev.Pose(), scan.Pose())
	return dt < r.params.MinMotionTransM && dr < r.params.MinMotionRotRad
}
