package vision

import (
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go.percepta.dev/slam/graph"
	"go.percepta.dev/slam/spatialmath"
)

// VisualMap mirrors the vision relevant subset of the graph: baselink pose
// pairs and landmark positions. Additions are buffered locally until a
// graph update confirms them, so lookups keep working between a transaction
// submission and the next optimization round. The map is actor local.
type VisualMap struct {
	source          string
	device          uuid.UUID
	cam             *CameraModel
	camFromBaselink spatialmath.Pose
	infoWeight      float64

	mu               sync.Mutex
	pendingPoses     map[int64]spatialmath.Pose
	pendingLandmarks map[uint64]r3.Vector
	snapshot         graph.Update
	haveSnapshot     bool

	logger golog.Logger
}

// NewVisualMap returns an empty map. camFromBaselink is the fixed
// T_CAMERA_BASELINK extrinsic applied to every reprojection constraint the
// map emits under the given source name.
func NewVisualMap(
	source string,
	device uuid.UUID,
	cam *CameraModel,
	camFromBaselink spatialmath.Pose,
	infoWeight float64,
	logger golog.Logger,
) (*VisualMap, error) {
	if err := cam.CheckValid(); err != nil {
		return nil, err
	}
	if infoWeight <= 0 {
		return nil, errors.Errorf("reprojection information weight must be positive, got %f", infoWeight)
	}
	return &VisualMap{
		source:           source,
		device:           device,
		cam:              cam,
		camFromBaselink:  camFromBaselink,
		infoWeight:       infoWeight,
		pendingPoses:     map[int64]spatialmath.Pose{},
		pendingLandmarks: map[uint64]r3.Vector{},
		logger:           logger,
	}, nil
}

// Camera returns the projection model.
func (m *VisualMap) Camera() *CameraModel { return m.cam }

// CamFromBaselink returns the fixed T_CAMERA_BASELINK extrinsic.
func (m *VisualMap) CamFromBaselink() spatialmath.Pose { return m.camFromBaselink }

// Device returns the device id owning the pose variables.
func (m *VisualMap) Device() uuid.UUID { return m.device }

// AddBaselinkPose appends the pose variables for stamp to the transaction
// and remembers the pose locally until the graph confirms it.
func (m *VisualMap) AddBaselinkPose(pose spatialmath.Pose, stamp time.Time, tx *graph.Transaction) {
	tx.AddVariable(graph.NewOrientation(m.device, stamp, pose.Rotation()))
	tx.AddVariable(graph.NewPosition(m.device, stamp, pose.Translation()))
	m.mu.Lock()
	m.pendingPoses[stamp.UnixNano()] = pose
	m.mu.Unlock()
}

// BaselinkPose returns the pose at stamp, graph values first, then the
// pending buffer.
func (m *VisualMap) BaselinkPose(stamp time.Time) (spatialmath.Pose, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.haveSnapshot {
		ov, okO := m.snapshot.Variable(graph.StampedID(graph.TypeOrientation, stamp, m.device))
		pv, okP := m.snapshot.Variable(graph.StampedID(graph.TypePosition, stamp, m.device))
		if okO && okP {
			return graph.PoseFromVariables(ov, pv), true
		}
	}
	pose, ok := m.pendingPoses[stamp.UnixNano()]
	return pose, ok
}

// AddLandmark appends a landmark variable to the transaction and remembers
// the position locally until the graph confirms it.
func (m *VisualMap) AddLandmark(id uint64, p r3.Vector, tx *graph.Transaction) {
	tx.AddVariable(graph.NewLandmark(id, p))
	m.mu.Lock()
	m.pendingLandmarks[id] = p
	m.mu.Unlock()
}

// Landmark returns a landmark position, graph values first, then the
// pending buffer.
func (m *VisualMap) Landmark(id uint64) (r3.Vector, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.haveSnapshot {
		if v, ok := m.snapshot.Variable(graph.LandmarkID(id)); ok {
			return v.Vec(), true
		}
	}
	p, ok := m.pendingLandmarks[id]
	return p, ok
}

// HasLandmark reports whether the landmark is known to the map.
func (m *VisualMap) HasLandmark(id uint64) bool {
	_, ok := m.Landmark(id)
	return ok
}

// AddConstraint appends a reprojection constraint for the observation of
// landmark id at stamp. Both the pose and the landmark must already be
// known to the map.
func (m *VisualMap) AddConstraint(stamp time.Time, id uint64, pixel r2.Point, tx *graph.Transaction) error {
	if _, ok := m.BaselinkPose(stamp); !ok {
		return errors.Errorf("no pose at %v for reprojection constraint", stamp)
	}
	if !m.HasLandmark(id) {
		return errors.Errorf("landmark %d unknown, cannot constrain", id)
	}
	c, err := NewReprojectionConstraint(
		m.source, m.device, stamp, id, pixel, m.cam, m.camFromBaselink, m.infoWeight)
	if err != nil {
		return err
	}
	tx.AddConstraint(c)
	return nil
}

// UpdateFromGraph installs a new snapshot and drops pending entries the
// graph now carries.
func (m *VisualMap) UpdateFromGraph(u graph.Update) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = u
	m.haveSnapshot = true
	for key := range m.pendingPoses {
		stamp := time.Unix(0, key).UTC()
		if u.Has(graph.StampedID(graph.TypeOrientation, stamp, m.device)) &&
			u.Has(graph.StampedID(graph.TypePosition, stamp, m.device)) {
			delete(m.pendingPoses, key)
		}
	}
	for id := range m.pendingLandmarks {
		if u.Has(graph.LandmarkID(id)) {
			delete(m.pendingLandmarks, id)
		}
	}
}

// ClearPending drops buffered poses and landmarks whose transaction was
// never committed. Graph backed state is untouched.
func (m *VisualMap) ClearPending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingPoses = map[int64]spatialmath.Pose{}
	m.pendingLandmarks = map[uint64]r3.Vector{}
}

// PendingCounts returns how many poses and landmarks await confirmation.
func (m *VisualMap) PendingCounts() (poses, landmarks int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pendingPoses), len(m.pendingLandmarks)
}
