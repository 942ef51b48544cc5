package fragment

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"tissue-stitcher/pkg/geometry"
)

// EventType identifies fragment store events.
type EventType int

const (
	EventFragmentAdded EventType = iota
	EventFragmentRemoved
	EventPoseChanged
	EventVisibilityChanged
)

// PoseChange carries the payload of an EventPoseChanged notification. Dirty
// is the union of the old and new posed bounding boxes: the only world region
// a renderer needs to invalidate for this mutation.
type PoseChange struct {
	ID    uuid.UUID
	Old   Pose
	New   Pose
	Dirty geometry.Rect
}

// EventListener is called when an event occurs.
type EventListener func(data interface{})

// Store holds all fragments of a session and serializes pose mutations.
// Mutations are atomic per fragment: each fragment carries its own lock, so
// registration commits on disjoint fragments proceed in parallel while
// concurrent edits to one fragment never interleave.
type Store struct {
	mu        sync.RWMutex
	fragments map[uuid.UUID]*Fragment
	order     []uuid.UUID // insertion order; the first loaded is the default anchor

	listenerMu sync.RWMutex
	listeners  map[EventType][]EventListener
}

// NewStore creates an empty fragment store.
func NewStore() *Store {
	return &Store{
		fragments: make(map[uuid.UUID]*Fragment),
		listeners: make(map[EventType][]EventListener),
	}
}

// On registers an event listener for the specified event type.
func (s *Store) On(event EventType, listener EventListener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listeners[event] = append(s.listeners[event], listener)
}

// emit triggers all listeners for the specified event type.
func (s *Store) emit(event EventType, data interface{}) {
	s.listenerMu.RLock()
	listeners := s.listeners[event]
	s.listenerMu.RUnlock()

	for _, listener := range listeners {
		listener(data)
	}
}

// Add creates a fragment with an identity pose and registers it.
func (s *Store) Add(name, sourcePath string, size geometry.Size) *Fragment {
	f := newFragment(name, sourcePath, size)

	s.mu.Lock()
	s.fragments[f.ID] = f
	s.order = append(s.order, f.ID)
	s.mu.Unlock()

	s.emit(EventFragmentAdded, f.ID)
	return f
}

// AddExisting registers a fragment with a known identity and pose, used when
// re-importing a transform manifest.
func (s *Store) AddExisting(id uuid.UUID, name, sourcePath string, size geometry.Size, pose Pose) *Fragment {
	f := newFragment(name, sourcePath, size)
	f.ID = id
	f.pose = pose.Normalized()

	s.mu.Lock()
	s.fragments[f.ID] = f
	s.order = append(s.order, f.ID)
	s.mu.Unlock()

	s.emit(EventFragmentAdded, f.ID)
	return f
}

// Remove deletes a fragment from the store. Returns false if the id is
// unknown. Pose-graph edges touching the fragment are invalidated by the
// session, which listens for EventFragmentRemoved.
func (s *Store) Remove(id uuid.UUID) bool {
	s.mu.Lock()
	_, ok := s.fragments[id]
	if ok {
		delete(s.fragments, id)
		for i, oid := range s.order {
			if oid == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	if ok {
		s.emit(EventFragmentRemoved, id)
	}
	return ok
}

// Get returns the fragment with the given id.
func (s *Store) Get(id uuid.UUID) (*Fragment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.fragments[id]
	return f, ok
}

// Pose returns the current pose of a fragment.
func (s *Store) Pose(id uuid.UUID) (Pose, error) {
	f, ok := s.Get(id)
	if !ok {
		return Pose{}, &NotFoundError{ID: id}
	}
	return f.Pose(), nil
}

// NativeSize returns a fragment's intrinsic full-resolution size.
func (s *Store) NativeSize(id uuid.UUID) (geometry.Size, error) {
	f, ok := s.Get(id)
	if !ok {
		return geometry.Size{}, &NotFoundError{ID: id}
	}
	return f.NativeSize, nil
}

// All returns every fragment ordered by ascending id. The ordering is the
// stable, deterministic paint order used by the composite projector.
func (s *Store) All() []*Fragment {
	s.mu.RLock()
	out := make([]*Fragment, 0, len(s.fragments))
	for _, f := range s.fragments {
		out = append(out, f)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// VisibleFragments returns visible fragments ordered by ascending id.
func (s *Store) VisibleFragments() []*Fragment {
	all := s.All()
	out := all[:0]
	for _, f := range all {
		if f.Visible() {
			out = append(out, f)
		}
	}
	return out
}

// InsertionOrder returns fragment ids in the order they were added. The
// earliest-added fragment of a connected component is its default anchor.
func (s *Store) InsertionOrder() []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uuid.UUID, len(s.order))
	copy(out, s.order)
	return out
}

// Len returns the number of fragments.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.fragments)
}

// mutatePose applies fn to the fragment's pose and emits a pose change event
// carrying the affected world region.
func (s *Store) mutatePose(id uuid.UUID, fn func(Pose) Pose) error {
	f, ok := s.Get(id)
	if !ok {
		return &NotFoundError{ID: id}
	}

	old, updated := f.mutate(fn)
	s.emit(EventPoseChanged, PoseChange{
		ID:    id,
		Old:   old,
		New:   updated,
		Dirty: old.WorldBounds(f.NativeSize).Union(updated.WorldBounds(f.NativeSize)),
	})
	return nil
}

// ApplyRotation adds quarter turns (modulo 4) without touching the fine
// rotation.
func (s *Store) ApplyRotation(id uuid.UUID, quarterTurns int) error {
	return s.mutatePose(id, func(p Pose) Pose {
		p.QuarterTurns += quarterTurns
		return p
	})
}

// ApplyFineRotation adds a continuous rotation in degrees, wrapped to [0,360).
func (s *Store) ApplyFineRotation(id uuid.UUID, degrees float64) error {
	return s.mutatePose(id, func(p Pose) Pose {
		p.FineRotation += degrees
		return p
	})
}

// ToggleMirror flips the fragment's horizontal mirror flag.
func (s *Store) ToggleMirror(id uuid.UUID) error {
	return s.mutatePose(id, func(p Pose) Pose {
		p.Mirrored = !p.Mirrored
		return p
	})
}

// Translate moves the fragment by (dx, dy) in full-resolution world units.
// Translation composes after orientation, so it is unaffected by the current
// mirror or rotation state.
func (s *Store) Translate(id uuid.UUID, dx, dy float64) error {
	return s.mutatePose(id, func(p Pose) Pose {
		p.Translation.X += dx
		p.Translation.Y += dy
		return p
	})
}

// SetPose replaces the fragment's pose, used to commit registration results
// and manifest imports.
func (s *Store) SetPose(id uuid.UUID, pose Pose) error {
	return s.mutatePose(id, func(Pose) Pose {
		return pose
	})
}

// Reset returns the fragment to the identity pose.
func (s *Store) Reset(id uuid.UUID) error {
	return s.mutatePose(id, func(Pose) Pose {
		return IdentityPose()
	})
}

// CommitPose atomically replaces the pose if and only if the fragment's pose
// version still equals seenVersion. A concurrent manual edit since the
// estimate was computed fails the commit with StaleEstimateError, leaving
// the newer pose in place.
func (s *Store) CommitPose(id uuid.UUID, pose Pose, seenVersion uint64) error {
	f, ok := s.Get(id)
	if !ok {
		return &NotFoundError{ID: id}
	}

	f.mu.Lock()
	if f.version != seenVersion {
		current := f.version
		f.mu.Unlock()
		return &StaleEstimateError{ID: id, Seen: seenVersion, Current: current}
	}
	old := f.pose
	f.pose = pose.Normalized()
	f.version++
	f.affineValid = false
	updated := f.pose
	f.mu.Unlock()

	s.emit(EventPoseChanged, PoseChange{
		ID:    id,
		Old:   old,
		New:   updated,
		Dirty: old.WorldBounds(f.NativeSize).Union(updated.WorldBounds(f.NativeSize)),
	})
	return nil
}

// SetVisible sets fragment visibility.
func (s *Store) SetVisible(id uuid.UUID, visible bool) error {
	f, ok := s.Get(id)
	if !ok {
		return &NotFoundError{ID: id}
	}
	f.SetVisible(visible)
	s.emit(EventVisibilityChanged, id)
	return nil
}

// SetOpacity sets a fragment's render opacity, clamped to [0, 1].
func (s *Store) SetOpacity(id uuid.UUID, opacity float64) error {
	f, ok := s.Get(id)
	if !ok {
		return &NotFoundError{ID: id}
	}
	f.SetOpacity(opacity)
	s.emit(EventVisibilityChanged, id)
	return nil
}

// TranslateGroup moves multiple fragments by the same offset, preserving
// their relative positions.
func (s *Store) TranslateGroup(ids []uuid.UUID, dx, dy float64) error {
	for _, id := range ids {
		if err := s.Translate(id, dx, dy); err != nil {
			return err
		}
	}
	return nil
}

// RotateGroup rotates multiple fragments by quarter turns about the centroid
// of their translations: each fragment's center orbits the group center and
// the fragment itself turns by the same amount. Quarter turns keep the orbit
// arithmetic exact.
func (s *Store) RotateGroup(ids []uuid.UUID, quarterTurns int) error {
	centers := make([]geometry.Point2D, 0, len(ids))
	for _, id := range ids {
		p, err := s.Pose(id)
		if err != nil {
			return err
		}
		centers = append(centers, p.Translation)
	}
	if len(centers) == 0 {
		return nil
	}

	pivot := geometry.Centroid(centers)
	rot := geometry.QuarterRotation(quarterTurns)

	for _, id := range ids {
		err := s.mutatePose(id, func(p Pose) Pose {
			rel := p.Translation.Sub(pivot)
			p.Translation = rot.Apply(rel).Add(pivot)
			p.QuarterTurns += quarterTurns
			return p
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// CompositeBounds returns the union of all visible fragments' posed bounding
// boxes in world coordinates.
func (s *Store) CompositeBounds() geometry.Rect {
	var bounds geometry.Rect
	for _, f := range s.VisibleFragments() {
		bounds = bounds.Union(f.WorldBounds())
	}
	return bounds
}
