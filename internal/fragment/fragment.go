package fragment

import (
	"sync"

	"github.com/google/uuid"

	"tissue-stitcher/pkg/geometry"
)

// Fragment represents one tissue fragment: identity, a reference to its
// pyramid image source, its intrinsic full-resolution size, and its pose in
// the shared world frame. All pyramid-level behavior derives from the pose by
// scaling; no level-specific pose is ever stored.
type Fragment struct {
	ID         uuid.UUID
	Name       string
	SourcePath string
	NativeSize geometry.Size
	PixelSize  float64 // microns per pixel, 0 if unknown

	mu      sync.Mutex // per-fragment mutation lock
	visible bool
	opacity float64
	pose    Pose
	version uint64

	// Affine matrix cache, recomputed lazily and valid until the next
	// pose mutation.
	affineValid bool
	affine      geometry.AffineTransform
}

func newFragment(name, sourcePath string, size geometry.Size) *Fragment {
	return &Fragment{
		ID:         uuid.New(),
		Name:       name,
		SourcePath: sourcePath,
		NativeSize: size,
		visible:    true,
		opacity:    1.0,
		pose:       IdentityPose(),
	}
}

// Visible reports whether the fragment participates in composite renders.
func (f *Fragment) Visible() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.visible
}

// SetVisible sets the fragment's visibility.
func (f *Fragment) SetVisible(visible bool) {
	f.mu.Lock()
	f.visible = visible
	f.mu.Unlock()
}

// Opacity returns the fragment's render opacity in [0, 1].
func (f *Fragment) Opacity() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opacity
}

// SetOpacity sets the render opacity, clamped to [0, 1].
func (f *Fragment) SetOpacity(opacity float64) {
	if opacity < 0 {
		opacity = 0
	}
	if opacity > 1 {
		opacity = 1
	}
	f.mu.Lock()
	f.opacity = opacity
	f.mu.Unlock()
}

// Pose returns the fragment's current pose.
func (f *Fragment) Pose() Pose {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pose
}

// Version returns the pose version counter. It increments on every pose
// mutation and backs the stale-estimate check on registration commits.
func (f *Fragment) Version() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.version
}

// Affine returns the cached local-to-world matrix for the current pose.
func (f *Fragment) Affine() geometry.AffineTransform {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.affineValid {
		f.affine = f.pose.Affine(f.NativeSize)
		f.affineValid = true
	}
	return f.affine
}

// WorldBounds returns the fragment's posed axis-aligned bounding box in
// world coordinates.
func (f *Fragment) WorldBounds() geometry.Rect {
	return f.Affine().TransformBounds(f.NativeSize.Rect())
}

// mutate applies fn to the pose under the fragment lock and returns the
// old and new poses. The affine cache is invalidated.
func (f *Fragment) mutate(fn func(Pose) Pose) (old, new Pose) {
	f.mu.Lock()
	defer f.mu.Unlock()
	old = f.pose
	f.pose = fn(old).Normalized()
	f.version++
	f.affineValid = false
	return old, f.pose
}
