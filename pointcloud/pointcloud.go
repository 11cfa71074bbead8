// Package pointcloud provides the lidar geometry used by the fusion
// pipeline: XYZ clouds with optional intensity, nearest neighbour search,
// rigid registration, and LOAM feature clouds.
package pointcloud

import (
	"github.com/golang/geo/r3"

	"go.percepta.dev/slam/spatialmath"
)

// Cloud is a slice backed point cloud. Intensities are optional; when
// present the slice parallels Points.
type Cloud struct {
	points      []r3.Vector
	intensities []float64
}

// New returns an empty cloud.
func New() *Cloud {
	return &Cloud{}
}

// NewWithPrealloc returns an empty cloud with capacity for size points.
func NewWithPrealloc(size int) *Cloud {
	return &Cloud{points: make([]r3.Vector, 0, size)}
}

// NewFromPoints returns a cloud wrapping the given points.
func NewFromPoints(points []r3.Vector) *Cloud {
	return &Cloud{points: points}
}

// Size returns the number of points.
func (c *Cloud) Size() int {
	return len(c.points)
}

// At returns the point at index i.
func (c *Cloud) At(i int) r3.Vector {
	return c.points[i]
}

// IntensityAt returns the intensity of point i, or 0 when the cloud carries
// no intensities.
func (c *Cloud) IntensityAt(i int) float64 {
	if i >= len(c.intensities) {
		return 0
	}
	return c.intensities[i]
}

// HasIntensity reports whether the cloud stores per point intensities.
func (c *Cloud) HasIntensity() bool {
	return len(c.intensities) == len(c.points) && len(c.points) > 0
}

// Add appends a point.
func (c *Cloud) Add(p r3.Vector) {
	c.points = append(c.points, p)
	if len(c.intensities) > 0 {
		c.intensities = append(c.intensities, 0)
	}
}

// AddWithIntensity appends a point with an intensity value.
func (c *Cloud) AddWithIntensity(p r3.Vector, intensity float64) {
	for len(c.intensities) < len(c.points) {
		c.intensities = append(c.intensities, 0)
	}
	c.points = append(c.points, p)
	c.intensities = append(c.intensities, intensity)
}

// Iterate calls fn for every point until fn returns false.
func (c *Cloud) Iterate(fn func(p r3.Vector) bool) {
	for _, p := range c.points {
		if !fn(p) {
			return
		}
	}
}

// Clone returns a deep copy of the cloud.
func (c *Cloud) Clone() *Cloud {
	out := &Cloud{points: make([]r3.Vector, len(c.points))}
	copy(out.points, c.points)
	if len(c.intensities) > 0 {
		out.intensities = make([]float64, len(c.intensities))
		copy(out.intensities, c.intensities)
	}
	return out
}

// Transform returns a new cloud with every point mapped through pose.
func (c *Cloud) Transform(pose spatialmath.Pose) *Cloud {
	out := c.Clone()
	for i, p := range out.points {
		out.points[i] = pose.TransformPoint(p)
	}
	return out
}

// Merge appends all points of other into c.
func (c *Cloud) Merge(other *Cloud) {
	for i := 0; i < other.Size(); i++ {
		if other.HasIntensity() {
			c.AddWithIntensity(other.At(i), other.IntensityAt(i))
		} else {
			c.Add(other.At(i))
		}
	}
}

// Centroid returns the mean of all points, or the zero vector for an empty
// cloud.
func (c *Cloud) Centroid() r3.Vector {
	if len(c.points) == 0 {
		return r3.Vector{}
	}
	var sum r3.Vector
	for _, p := range c.points {
		sum = sum.Add(p)
	}
	return sum.Mul(1 / float64(len(c.points)))
}

// VoxelDownsample returns a cloud with at most one point per cubic voxel of
// the given edge length, each voxel represented by the centroid of its
// members. A non positive size returns a clone.
func (c *Cloud) VoxelDownsample(size float64) *Cloud {
	if size <= 0 {
		return c.Clone()
	}
	type cell struct{ x, y, z int64 }
	sums := map[cell]r3.Vector{}
	counts := map[cell]int{}
	order := []cell{}
	for _, p := range c.points {
		key := cell{voxelIndex(p.X, size), voxelIndex(p.Y, size), voxelIndex(p.Z, size)}
		if _, ok := counts[key]; !ok {
			order = append(order, key)
		}
		sums[key] = sums[key].Add(p)
		counts[key]++
	}
	out := NewWithPrealloc(len(order))
	for _, key := range order {
		out.Add(sums[key].Mul(1 / float64(counts[key])))
	}
	return out
}

func voxelIndex(v, size float64) int64 {
	idx := int64(v / size)
	if v < 0 && v != float64(idx)*size {
		idx--
	}
	return idx
}
