package lidar

import (
	"time"

	"go.percepta.dev/slam/graph"
	"go.percepta.dev/slam/pointcloud"
)

// Map aggregates the most recent registered scans into a single target
// cloud in the world frame. Scans keep their lidar-frame clouds; the
// aggregate is rebuilt lazily whenever a pose moves or a scan is added
// or evicted.
type Map struct {
	size    int
	entries []*ScanPose
	dirty   bool
	cloud   *pointcloud.Cloud
	loam    *pointcloud.LoamCloud
}

// NewMap builds an empty map holding at most size scans.
func NewMap(size int) *Map {
	if size < 1 {
		size = 10
	}
	return &Map{size: size, dirty: true}
}

// Empty reports whether no scan has been added yet.
func (m *Map) Empty() bool { return len(m.entries) == 0 }

// NumScans returns how many scans the map currently aggregates.
func (m *Map) NumScans() int { return len(m.entries) }

// Stamps returns the stamps of the aggregated scans, oldest first.
func (m *Map) Stamps() []time.Time {
	stamps := make([]time.Time, len(m.entries))
	for i, e := range m.entries {
		stamps[i] = e.Stamp()
	}
	return stamps
}

// Add appends a scan, evicting the oldest when the map is full.
func (m *Map) Add(scan *ScanPose) {
	m.entries = append(m.entries, scan)
	for len(m.entries) > m.size {
		m.entries = m.entries[1:]
	}
	m.dirty = true
}

// UpdateFromGraph refreshes the aggregated scan poses from optimized
// results and returns how many poses moved.
func (m *Map) UpdateFromGraph(u graph.Update) int {
	updated := 0
	for _, e := range m.entries {
		if e.UpdateFromGraph(u) {
			updated++
		}
	}
	if updated > 0 {
		m.dirty = true
	}
	return updated
}

// CloudMap returns the aggregated raw cloud in the world frame.
func (m *Map) CloudMap() *pointcloud.Cloud {
	m.rebuild()
	return m.cloud
}

// LoamMap returns the aggregated feature cloud in the world frame.
// Scans without feature clouds contribute nothing.
func (m *Map) LoamMap() *pointcloud.LoamCloud {
	m.rebuild()
	return m.loam
}

func (m *Map) rebuild() {
	if !m.dirty && m.cloud != nil {
		return
	}
	m.cloud = pointcloud.New()
	m.loam = pointcloud.NewLoamCloud()
	for _, e := range m.entries {
		world := e.LidarPose()
		m.cloud.Merge(e.Cloud().Transform(world))
		if e.HasLoam() {
			m.loam.Merge(e.Loam().Transform(world))
		}
	}
	m.dirty = false
}
