package vision

import (
	"image"
	"sort"
	"sync"
	"time"

	"github.com/golang/geo/r2"
)

// Observation is a single landmark sighting: the pixel at which the
// tracker's front end saw the landmark in the image captured at Stamp.
// Pixels are in distorted image coordinates.
type Observation struct {
	Stamp      time.Time
	LandmarkID uint64
	Pixel      r2.Point
}

// Tracker is the feature tracking front end consumed by visual odometry.
// Landmark ids are monotonic integers assigned on first detection and kept
// stable across images.
type Tracker interface {
	// AddImage feeds a captured frame to the front end.
	AddImage(stamp time.Time, img image.Image)
	// LandmarkIDsInImage returns the ids of all landmarks observed in the
	// image at stamp, ascending.
	LandmarkIDsInImage(stamp time.Time) []uint64
	// Track returns a landmark's full observation history ordered by stamp.
	Track(id uint64) []Observation
	// Get returns the pixel of one landmark in one image.
	Get(stamp time.Time, id uint64) (r2.Point, bool)
}

// ScriptedTracker replays observations loaded ahead of time, keyed by image
// stamp. Only stamps that have been presented through AddImage are visible,
// so a pipeline driving it behaves as it would against a live front end.
// Safe for concurrent use.
type ScriptedTracker struct {
	mu       sync.Mutex
	pending  map[int64][]Observation
	byStamp  map[int64][]Observation
	byID     map[uint64][]Observation
	maxTrack int
}

// NewScriptedTracker returns an empty tracker. maxTrack bounds the retained
// per landmark history; zero keeps everything.
func NewScriptedTracker(maxTrack int) *ScriptedTracker {
	return &ScriptedTracker{
		pending:  map[int64][]Observation{},
		byStamp:  map[int64][]Observation{},
		byID:     map[uint64][]Observation{},
		maxTrack: maxTrack,
	}
}

// Load registers the observations for a future image. They stay invisible
// until AddImage is called with the same stamp.
func (t *ScriptedTracker) Load(stamp time.Time, obs []Observation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := stamp.UnixNano()
	for _, o := range obs {
		o.Stamp = stamp
		t.pending[key] = append(t.pending[key], o)
	}
}

// AddImage implements Tracker. The image payload is ignored; the scripted
// observations loaded for the stamp become visible.
func (t *ScriptedTracker) AddImage(stamp time.Time, _ image.Image) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := stamp.UnixNano()
	obs, ok := t.pending[key]
	if !ok {
		t.byStamp[key] = nil
		return
	}
	delete(t.pending, key)
	t.byStamp[key] = obs
	for _, o := range obs {
		track := append(t.byID[o.LandmarkID], o)
		if t.maxTrack > 0 && len(track) > t.maxTrack {
			track = track[len(track)-t.maxTrack:]
		}
		t.byID[o.LandmarkID] = track
	}
}

// LandmarkIDsInImage implements Tracker.
func (t *ScriptedTracker) LandmarkIDsInImage(stamp time.Time) []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	obs := t.byStamp[stamp.UnixNano()]
	ids := make([]uint64, 0, len(obs))
	for _, o := range obs {
		ids = append(ids, o.LandmarkID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Track implements Tracker.
func (t *ScriptedTracker) Track(id uint64) []Observation {
	t.mu.Lock()
	defer t.mu.Unlock()
	track := t.byID[id]
	out := make([]Observation, len(track))
	copy(out, track)
	sort.Slice(out, func(i, j int) bool { return out[i].Stamp.Before(out[j].Stamp) })
	return out
}

// Get implements Tracker.
func (t *ScriptedTracker) Get(stamp time.Time, id uint64) (r2.Point, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, o := range t.byStamp[stamp.UnixNano()] {
		if o.LandmarkID == id {
			return o.Pixel, true
		}
	}
	return r2.Point{}, false
}
