package extrinsics

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.percepta.dev/slam/spatialmath"
)

// StaticSource serves transforms from a fixed table. Registering a
// transform also registers its inverse.
type StaticSource struct {
	mu         sync.Mutex
	transforms map[framePair]spatialmath.Pose
}

// NewStaticSource returns an empty table.
func NewStaticSource() *StaticSource {
	return &StaticSource{transforms: map[framePair]spatialmath.Pose{}}
}

// Set registers the pose of fromFrame expressed in toFrame.
func (s *StaticSource) Set(toFrame, fromFrame string, pose spatialmath.Pose) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transforms[framePair{to: toFrame, from: fromFrame}] = pose
	s.transforms[framePair{to: fromFrame, from: toFrame}] = pose.Invert()
}

// LookupTransform implements TransformSource.
func (s *StaticSource) LookupTransform(
	ctx context.Context,
	toFrame, fromFrame string,
	stamp time.Time,
) (spatialmath.Pose, error) {
	if toFrame == fromFrame {
		return spatialmath.NewZeroPose(), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pose, ok := s.transforms[framePair{to: toFrame, from: fromFrame}]
	if !ok {
		return spatialmath.Pose{}, errors.Errorf("no transform from %q to %q", fromFrame, toFrame)
	}
	return pose, nil
}

type transformRecord struct {
	ToFrame   string           `json:"to_frame"`
	FromFrame string           `json:"from_frame"`
	Transform spatialmath.Pose `json:"transform"`
}

type extrinsicsFile struct {
	Transforms []transformRecord `json:"transforms"`
}

// SaveJSON writes every transform the lookup has resolved so far so an
// offline process can rebuild it without the original source.
func (l *Lookup) SaveJSON(path string) error {
	l.mu.Lock()
	records := make([]transformRecord, 0, len(l.cache))
	for key, pose := range l.cache {
		records = append(records, transformRecord{
			ToFrame:   key.to,
			FromFrame: key.from,
			Transform: pose,
		})
	}
	l.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].ToFrame != records[j].ToFrame {
			return records[i].ToFrame < records[j].ToFrame
		}
		return records[i].FromFrame < records[j].FromFrame
	})

	md, err := json.MarshalIndent(extrinsicsFile{Transforms: records}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling extrinsics")
	}
	return os.WriteFile(path, md, 0o600)
}

// SaveJSON writes the frame names to path.
func (f FrameIDs) SaveJSON(path string) error {
	md, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling frame ids")
	}
	return os.WriteFile(path, md, 0o600)
}

// LoadFrameIDs reads frame names written by FrameIDs.SaveJSON.
func LoadFrameIDs(path string) (FrameIDs, error) {
	var frames FrameIDs
	r, err := os.Open(path) //nolint:gosec
	if err != nil {
		return frames, err
	}
	defer utils.UncheckedErrorFunc(r.Close)
	if err := json.NewDecoder(r).Decode(&frames); err != nil {
		return frames, errors.Wrap(err, "cannot parse frame ids file")
	}
	return frames, frames.Validate()
}

// LoadLookup rebuilds a static lookup from files written by SaveJSON and
// FrameIDs.SaveJSON.
func LoadLookup(extrinsicsPath, frameIDsPath string, logger golog.Logger) (*Lookup, error) {
	frames, err := LoadFrameIDs(frameIDsPath)
	if err != nil {
		return nil, err
	}

	r, err := os.Open(extrinsicsPath) //nolint:gosec
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(r.Close)

	var file extrinsicsFile
	if err := json.NewDecoder(r).Decode(&file); err != nil {
		return nil, errors.Wrap(err, "cannot parse extrinsics file")
	}

	source := NewStaticSource()
	for _, rec := range file.Transforms {
		source.Set(rec.ToFrame, rec.FromFrame, rec.Transform)
	}
	return NewLookup(frames, source, true, logger)
}
