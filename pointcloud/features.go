package pointcloud

import (
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// LoamFeatureConfig tunes edge and surface extraction from a raw scan.
type LoamFeatureConfig struct {
	// Neighbors is the neighborhood size for the local shape analysis.
	Neighbors int `json:"neighbors"`
	// EdgeThreshold is the minimum linearity for an edge point.
	EdgeThreshold float64 `json:"edge_threshold"`
	// SurfaceThreshold is the minimum planarity for a surface point.
	SurfaceThreshold float64 `json:"surface_threshold"`
	// StrongFraction is the share of each family, best scores first,
	// kept as strong features.
	StrongFraction float64 `json:"strong_fraction"`
}

func (c LoamFeatureConfig) withDefaults() LoamFeatureConfig {
	if c.Neighbors == 0 {
		c.Neighbors = 8
	}
	if c.EdgeThreshold == 0 {
		c.EdgeThreshold = 0.7
	}
	if c.SurfaceThreshold == 0 {
		c.SurfaceThreshold = 0.6
	}
	if c.StrongFraction == 0 {
		c.StrongFraction = 0.5
	}
	return c
}

type scoredPoint struct {
	idx   int
	score float64
}

// ExtractLoamFeatures classifies points into edge and surface families by
// the eigenvalue shape of their neighborhood covariance: dominantly
// linear neighborhoods become edges, dominantly planar ones surfaces.
// Eigenvalues are isometry invariant, so two scans of the same scene
// classify consistently regardless of the sensor pose.
func ExtractLoamFeatures(cloud *Cloud, cfg LoamFeatureConfig) *LoamCloud {
	cfg = cfg.withDefaults()
	loam := NewLoamCloud()
	if cloud.Size() <= cfg.Neighbors {
		return loam
	}
	tree := NewKDTree(cloud)
	var edges, surfaces []scoredPoint
	for i := 0; i < cloud.Size(); i++ {
		linearity, planarity, ok := neighborhoodShape(tree, cloud.At(i), cfg.Neighbors+1)
		if !ok {
			continue
		}
		switch {
		case linearity >= cfg.EdgeThreshold:
			edges = append(edges, scoredPoint{i, linearity})
		case planarity >= cfg.SurfaceThreshold:
			surfaces = append(surfaces, scoredPoint{i, planarity})
		}
	}
	splitFamily(cloud, edges, cfg.StrongFraction, loam.EdgesStrong, loam.EdgesWeak)
	splitFamily(cloud, surfaces, cfg.StrongFraction, loam.SurfacesStrong, loam.SurfacesWeak)
	return loam
}

// neighborhoodShape returns the linearity (λ1-λ2)/λ1 and planarity
// (λ2-λ3)/λ1 of the k nearest neighbors around p.
func neighborhoodShape(tree *KDTree, p r3.Vector, k int) (float64, float64, bool) {
	idxs, _ := tree.KNearest(p, k)
	if len(idxs) < 3 {
		return 0, 0, false
	}
	var mx, my, mz float64
	for _, j := range idxs {
		q := tree.Cloud().At(j)
		mx += q.X
		my += q.Y
		mz += q.Z
	}
	n := float64(len(idxs))
	mx, my, mz = mx/n, my/n, mz/n
	var cxx, cxy, cxz, cyy, cyz, czz float64
	for _, j := range idxs {
		q := tree.Cloud().At(j)
		dx, dy, dz := q.X-mx, q.Y-my, q.Z-mz
		cxx += dx * dx
		cxy += dx * dy
		cxz += dx * dz
		cyy += dy * dy
		cyz += dy * dz
		czz += dz * dz
	}
	sym := mat.NewSymDense(3, []float64{
		cxx, cxy, cxz,
		cxy, cyy, cyz,
		cxz, cyz, czz,
	})
	var eig mat.EigenSym
	if !eig.Factorize(sym, false) {
		return 0, 0, false
	}
	vals := eig.Values(nil) // ascending
	l1, l2, l3 := vals[2], vals[1], vals[0]
	if l1 <= 0 {
		return 0, 0, false
	}
	return (l1 - l2) / l1, (l2 - l3) / l1, true
}

func splitFamily(cloud *Cloud, family []scoredPoint, strongFraction float64, strong, weak *Cloud) {
	sort.SliceStable(family, func(a, b int) bool {
		return family[a].score > family[b].score
	})
	cut := int(float64(len(family)) * strongFraction)
	for rank, sp := range family {
		if rank < cut {
			strong.Add(cloud.At(sp.idx))
		} else {
			weak.Add(cloud.At(sp.idx))
		}
	}
}
