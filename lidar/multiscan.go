package lidar

import (
	"math"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.percepta.dev/slam/graph"
	"go.percepta.dev/slam/spatialmath"
)

// SourceMultiScan labels constraints from scan-to-scans registration.
const SourceMultiScan = "multi_scan_registration"

// firstScanPriorStdDev pins the first registered scan hard enough that
// later constraints hang off it without drifting the origin.
const firstScanPriorStdDev = 1e-5

const degToRad = math.Pi / 180

// MultiScanRegistration matches each incoming scan against the most
// recent kept scans and emits one relative pose constraint per accepted
// match. Kept scans form a deque bounded by neighbor count and lag.
type MultiScanRegistration struct {
	params  RegistrationParams
	aligner Aligner
	logger  golog.Logger
	cov     *mat.Dense
	scans   []*ScanPose
}

// NewMultiScanRegistration builds a registration over the given aligner.
func NewMultiScanRegistration(
	aligner Aligner,
	params RegistrationParams,
	logger golog.Logger,
) (*MultiScanRegistration, error) {
	params = params.WithDefaults()
	if params.Source == "" {
		params.Source = SourceMultiScan
	}
	if err := params.Validate(); err != nil {
		return nil, errors.Wrap(err, "multi scan registration")
	}
	return &MultiScanRegistration{
		params:  params,
		aligner: aligner,
		logger:  logger,
		cov:     params.fixedCovariance(),
	}, nil
}

// SetFixedCovariance replaces the matcher's estimated covariance with a
// fixed one for every subsequent constraint.
func (r *MultiScanRegistration) SetFixedCovariance(cov *mat.Dense) {
	r.cov = cov
}

// RegisterNewScan matches the scan against the kept scans and returns a
// transaction with the scan's pose variables plus one relative pose
// constraint per accepted match. It returns nil when the scan is empty,
// moved too little since the last kept scan, or matched no neighbor; a
// nil return leaves the kept scans untouched.
func (r *MultiScanRegistration) RegisterNewScan(scan *ScanPose) *graph.Transaction {
	if scanEmpty(scan) {
		r.logger.Warnw("dropping empty scan", "stamp", scan.Stamp())
		return nil
	}
	tx := graph.NewTransaction(scan.Stamp())
	if len(r.scans) == 0 {
		if r.params.FixFirstScan {
			prior, err := graph.NewAbsolutePosePrior(
				r.params.Source, scan.Device(), scan.Stamp(), scan.Pose(),
				graph.PriorFromStdDev(firstScanPriorStdDev),
			)
			if err != nil {
				r.logger.Errorw("building first scan prior", "error", err)
				return nil
			}
			tx.AddPrior(prior)
		}
		for _, v := range scan.Variables() {
			tx.AddVariable(v)
		}
		r.scans = append(r.scans, scan)
		return tx
	}
	if r.belowMotionThresholds(scan) {
		r.logger.Debugw("dropping scan below motion thresholds", "stamp", scan.Stamp())
		return nil
	}
	accepted := 0
	for i := len(r.scans) - 1; i >= 0; i-- {
		ref := r.scans[i]
		delta, cov, ok := r.matchPair(ref, scan)
		if !ok {
			continue
		}
		con, err := graph.NewRelativePoseConstraint(
			r.params.Source, scan.Device(), ref.Stamp(), scan.Stamp(), delta, cov,
		)
		if err != nil {
			r.logger.Errorw("building relative pose constraint", "error", err)
			continue
		}
		tx.AddConstraint(con)
		tx.AddInvolvedStamp(ref.Stamp())
		accepted++
	}
	if accepted == 0 {
		r.logger.Warnw("scan matched no neighbor", "stamp", scan.Stamp())
		return nil
	}
	for _, v := range scan.Variables() {
		tx.AddVariable(v)
	}
	r.scans = append(r.scans, scan)
	r.trim(scan.Stamp())
	return tx
}

// GetScan returns the kept scan at the given stamp.
func (r *MultiScanRegistration) GetScan(stamp time.Time) (*ScanPose, bool) {
	for _, s := range r.scans {
		if s.Stamp().Equal(stamp) {
			return s, true
		}
	}
	return nil, false
}

// NumScans returns how many scans are currently kept.
func (r *MultiScanRegistration) NumScans() int { return len(r.scans) }

// UpdateFromGraph refreshes the kept scan poses from optimized results
// and returns how many poses moved.
func (r *MultiScanRegistration) UpdateFromGraph(u graph.Update) int {
	updated := 0
	for _, s := range r.scans {
		if s.UpdateFromGraph(u) {
			updated++
		}
	}
	return updated
}

// matchPair registers scan against ref and returns the accepted relative
// baselink motion T_BASELINKref_BASELINKnew with its covariance.
func (r *MultiScanRegistration) matchPair(ref, scan *ScanPose) (spatialmath.Pose, *mat.Dense, bool) {
	guess := spatialmath.PoseBetween(ref.LidarPose(), scan.LidarPose())
	result, err := r.aligner.AlignScans(ref, scan, guess)
	if err != nil {
		r.logger.Warnw("scan match failed", "stamp", scan.Stamp(), "error", err)
		return spatialmath.Pose{}, nil, false
	}
	if !result.Converged {
		r.logger.Warnw("scan match did not converge", "stamp", scan.Stamp())
		return spatialmath.Pose{}, nil, false
	}
	if r.isOutlier(guess, result.Pose) {
		r.logger.Warnw("rejecting scan match outlier", "stamp", scan.Stamp())
		return spatialmath.Pose{}, nil, false
	}
	delta := ref.BaselinkLidar().Compose(result.Pose).Compose(scan.BaselinkLidar().Invert())
	cov := r.cov
	if cov == nil {
		cov = result.Covariance
	}
	return delta, cov, true
}

// isOutlier reports whether the refinement strayed too far from the
// initial estimate to trust.
func (r *MultiScanRegistration) isOutlier(guess, refined spatialmath.Pose) bool {
	dt, dr := spatialmath.PoseDelta(guess, refined)
	return dt > r.params.OutlierThresholdT ||
		dr > r.params.OutlierThresholdR*degToRad
}

func (r *MultiScanRegistration) belowMotionThresholds(scan *ScanPose) bool {
	last := r.scans[len(r.scans)-1]
	dt, dr := spatialmath.PoseDelta(last.Pose(), scan.Pose())
	return dt < r.params.MinMotionTransM && dr < r.params.MinMotionRotRad
}

func (r *MultiScanRegistration) trim(newest time.Time) {
	for len(r.scans) > r.params.NumNeighbors {
		r.scans = r.scans[1:]
	}
	if r.params.LagDuration <= 0 {
		return
	}
	cutoff := newest.Add(-time.Duration(r.params.LagDuration * float64(time.Second)))
	for len(r.scans) > 0 && r.scans[0].Stamp().Before(cutoff) {
		r.scans = r.scans[1:]
	}
}

func scanEmpty(scan *ScanPose) bool {
	if scan.Cloud().Size() > 0 {
		return false
	}
	return !scan.HasLoam() || scan.Loam().Empty()
}
