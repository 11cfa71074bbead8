package pointcloud

import (
	"math/rand"

	"github.com/golang/geo/r3"
)

// NewRandomCloud returns n points drawn uniformly from a cube of the given
// half extent centered on the origin.
func NewRandomCloud(rng *rand.Rand, n int, halfExtent float64) *Cloud {
	cloud := NewWithPrealloc(n)
	for i := 0; i < n; i++ {
		cloud.Add(r3.Vector{
			X: (rng.Float64()*2 - 1) * halfExtent,
			Y: (rng.Float64()*2 - 1) * halfExtent,
			Z: (rng.Float64()*2 - 1) * halfExtent,
		})
	}
	return cloud
}

// NewStructuredScene returns a synthetic room like cloud: a floor grid and
// two walls plus scattered interior points. Structured geometry gives
// registration a wide convergence basin in tests.
func NewStructuredScene(rng *rand.Rand, extent float64) *Cloud {
	cloud := New()
	step := extent / 10
	for x := -extent; x <= extent; x += step {
		for y := -extent; y <= extent; y += step {
			cloud.Add(r3.Vector{X: x, Y: y, Z: 0})
		}
	}
	for x := -extent; x <= extent; x += step {
		for z := 0.0; z <= extent; z += step {
			cloud.Add(r3.Vector{X: x, Y: -extent, Z: z})
			cloud.Add(r3.Vector{X: -extent, Y: x, Z: z})
		}
	}
	for i := 0; i < 60; i++ {
		cloud.Add(r3.Vector{
			X: (rng.Float64()*2 - 1) * extent,
			Y: (rng.Float64()*2 - 1) * extent,
			Z: rng.Float64() * extent,
		})
	}
	return cloud
}

// NewStructuredLoamScene splits a structured scene into a feature cloud:
// wall intersections as edges, floor and wall interiors as surfaces.
func NewStructuredLoamScene(rng *rand.Rand, extent float64) *LoamCloud {
	loam := NewLoamCloud()
	step := extent / 10
	for z := 0.0; z <= extent; z += step / 2 {
		loam.EdgesStrong.Add(r3.Vector{X: -extent, Y: -extent, Z: z})
		loam.EdgesWeak.Add(r3.Vector{X: -extent + step/4, Y: -extent, Z: z})
	}
	for x := -extent; x <= extent; x += step {
		for y := -extent; y <= extent; y += step {
			loam.SurfacesStrong.Add(r3.Vector{X: x, Y: y, Z: 0})
		}
		for z := step; z <= extent; z += step {
			loam.SurfacesWeak.Add(r3.Vector{X: x, Y: -extent, Z: z})
		}
	}
	for i := 0; i < 20; i++ {
		loam.SurfacesWeak.Add(r3.Vector{
			X: (rng.Float64()*2 - 1) * extent,
			Y: (rng.Float64()*2 - 1) * extent,
			Z: rng.Float64() * extent,
		})
	}
	return loam
}
