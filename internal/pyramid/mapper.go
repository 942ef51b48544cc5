package pyramid

import (
	"fmt"

	"github.com/google/uuid"

	"tissue-stitcher/internal/fragment"
	"tissue-stitcher/pkg/geometry"
)

// SourceResolver looks up the pyramid source backing a fragment.
type SourceResolver interface {
	Source(id uuid.UUID) (Source, bool)
}

// OutOfBoundsError reports a world point that maps outside a fragment's
// native extent.
type OutOfBoundsError struct {
	ID    uuid.UUID
	Point geometry.Point2D // local full-resolution coordinates
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("fragment %s: point (%.1f, %.1f) outside fragment bounds",
		e.ID, e.Point.X, e.Point.Y)
}

// Mapper converts between pyramid-level, full-resolution local and world
// coordinates. Fragment poses are always stored at full resolution; level
// coordinates exist only transiently, scaled on the way in and out.
type Mapper struct {
	fragments *fragment.Store
	sources   SourceResolver
}

// NewMapper creates a mapper over the given fragment store and source lookup.
func NewMapper(fragments *fragment.Store, sources SourceResolver) *Mapper {
	return &Mapper{fragments: fragments, sources: sources}
}

func (m *Mapper) source(id uuid.UUID) (Source, error) {
	src, ok := m.sources.Source(id)
	if !ok {
		return nil, &fragment.NotFoundError{ID: id}
	}
	return src, nil
}

// SelectLevel returns the coarsest pyramid level whose scale is at least
// targetScale. A target at or above 1.0 selects the native level; a target
// below the coarsest available scale selects the coarsest level.
func (m *Mapper) SelectLevel(id uuid.UUID, targetScale float64) (int, error) {
	src, err := m.source(id)
	if err != nil {
		return 0, err
	}

	best := 0
	for level := 0; level < src.LevelCount(); level++ {
		scale, err := src.LevelScale(level)
		if err != nil {
			return 0, err
		}
		if scale >= targetScale {
			best = level
		}
	}
	return best, nil
}

// ToFullRes converts a point in level coordinates to full-resolution local
// coordinates. The conversion is pure scaling, so ToLevel followed by
// ToFullRes at the same level is exact up to floating-point rounding.
func (m *Mapper) ToFullRes(id uuid.UUID, level int, p geometry.Point2D) (geometry.Point2D, error) {
	src, err := m.source(id)
	if err != nil {
		return geometry.Point2D{}, err
	}
	scale, err := src.LevelScale(level)
	if err != nil {
		return geometry.Point2D{}, err
	}
	return p.Scale(1 / scale), nil
}

// ToLevel converts a full-resolution local point to level coordinates.
func (m *Mapper) ToLevel(id uuid.UUID, level int, p geometry.Point2D) (geometry.Point2D, error) {
	src, err := m.source(id)
	if err != nil {
		return geometry.Point2D{}, err
	}
	scale, err := src.LevelScale(level)
	if err != nil {
		return geometry.Point2D{}, err
	}
	return p.Scale(scale), nil
}

// FragmentToWorld maps a full-resolution local point into world coordinates
// through the fragment's current pose.
func (m *Mapper) FragmentToWorld(id uuid.UUID, local geometry.Point2D) (geometry.Point2D, error) {
	f, ok := m.fragments.Get(id)
	if !ok {
		return geometry.Point2D{}, &fragment.NotFoundError{ID: id}
	}
	return f.Affine().Apply(local), nil
}

// WorldToFragment maps a world point into the fragment's full-resolution
// local frame. Points landing outside the fragment's native extent return
// the mapped coordinates together with an OutOfBoundsError, since callers
// probing near a boundary often still want the position.
func (m *Mapper) WorldToFragment(id uuid.UUID, world geometry.Point2D) (geometry.Point2D, error) {
	f, ok := m.fragments.Get(id)
	if !ok {
		return geometry.Point2D{}, &fragment.NotFoundError{ID: id}
	}

	inv, ok := f.Affine().Inverse()
	if !ok {
		return geometry.Point2D{}, fmt.Errorf("fragment %s: pose transform not invertible", id)
	}
	local := inv.Apply(world)
	if !f.NativeSize.Rect().Contains(local) {
		return local, &OutOfBoundsError{ID: id, Point: local}
	}
	return local, nil
}
