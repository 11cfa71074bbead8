package lidar

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.percepta.dev/slam/graph"
)

// RegistrationParams tunes scan-to-scan and scan-to-map registration.
// The zero value is not usable directly; WithDefaults fills the fields
// a config file leaves unset.
type RegistrationParams struct {
	// Source labels the constraints this registration emits.
	Source string `json:"source"`
	// NumNeighbors is how many previous scans each new scan is matched
	// against.
	NumNeighbors int `json:"num_neighbors"`
	// DownsampleSize is the voxel edge length applied to incoming
	// clouds before matching, in meters. Zero disables downsampling.
	DownsampleSize float64 `json:"downsample_size"`
	// OutlierThresholdT rejects a registration whose refined pose moved
	// more than this many meters from the initial estimate.
	OutlierThresholdT float64 `json:"outlier_threshold_t"`
	// OutlierThresholdR rejects a registration whose refined pose
	// rotated more than this many degrees from the initial estimate.
	OutlierThresholdR float64 `json:"outlier_threshold_r"`
	// MinMotionTransM drops scans that moved less than this many meters
	// since the previous kept scan.
	MinMotionTransM float64 `json:"min_motion_trans_m"`
	// MinMotionRotRad drops scans that rotated less than this many
	// radians since the previous kept scan. A scan is dropped only when
	// it is below both motion thresholds.
	MinMotionRotRad float64 `json:"min_motion_rot_rad"`
	// LagDuration evicts stored scans older than this many seconds
	// behind the newest. Zero keeps scans regardless of age.
	LagDuration float64 `json:"lag_duration"`
	// FixFirstScan anchors the first registered scan with a pose prior.
	FixFirstScan bool `json:"fix_first_scan"`
	// MapSize is how many scans the scan-to-map target aggregates.
	MapSize int `json:"map_size"`
	// MatcherNoiseDiagonal, when it has six entries, replaces the
	// matcher's estimated covariance with a fixed diagonal.
	MatcherNoiseDiagonal []float64 `json:"matcher_noise_diagonal"`
}

// WithDefaults returns a copy with unset fields at their defaults.
func (p RegistrationParams) WithDefaults() RegistrationParams {
	if p.NumNeighbors == 0 {
		p.NumNeighbors = 1
	}
	if p.DownsampleSize == 0 {
		p.DownsampleSize = 0.03
	}
	if p.OutlierThresholdT == 0 {
		p.OutlierThresholdT = 0.03
	}
	if p.OutlierThresholdR == 0 {
		p.OutlierThresholdR = 30
	}
	if p.MapSize == 0 {
		p.MapSize = 10
	}
	return p
}

// Validate reports configuration the registration cannot run with.
func (p RegistrationParams) Validate() error {
	if p.NumNeighbors < 1 {
		return errors.New("num_neighbors must be at least 1")
	}
	if p.MapSize < 1 {
		return errors.New("map_size must be at least 1")
	}
	if p.LagDuration < 0 {
		return errors.New("lag_duration cannot be negative")
	}
	if n := len(p.MatcherNoiseDiagonal); n != 0 && n != 6 {
		return errors.Errorf("matcher_noise_diagonal needs 6 entries, got %d", n)
	}
	return nil
}

// fixedCovariance returns the configured constraint covariance, or nil
// when the matcher estimate should be used.
func (p RegistrationParams) fixedCovariance() *mat.Dense {
	if len(p.MatcherNoiseDiagonal) != 6 {
		return nil
	}
	return graph.DiagonalCovariance(p.MatcherNoiseDiagonal)
}
