// Package fragment provides the fragment transform model: per-fragment rigid
// poses, the session fragment store, and pose mutation with change events.
package fragment

import (
	"math"

	"tissue-stitcher/pkg/geometry"
)

// Pose is the full-resolution rigid placement of a fragment in the world
// frame. Local pixel coordinates map to world coordinates by composing, in
// fixed order: mirror -> rotate(quarter turns) -> rotate(fine) -> translate.
// The rotation is applied about the fragment's local center, and Translation
// is the world position of that center, so translation is never affected by
// orientation changes.
type Pose struct {
	QuarterTurns int              `json:"quarter_turns" yaml:"quarter_turns"`
	FineRotation float64          `json:"fine_rotation" yaml:"fine_rotation"` // degrees, [0,360)
	Mirrored     bool             `json:"mirrored" yaml:"mirrored"`
	Translation  geometry.Point2D `json:"translation" yaml:"translation"` // full-res world units
}

// IdentityPose returns the pose a fragment receives on load: no rotation, no
// mirror, centered at the origin.
func IdentityPose() Pose {
	return Pose{}
}

// RotationDegrees returns the total rotation in degrees, quarter turns plus
// fine rotation, wrapped to [0, 360).
func (p Pose) RotationDegrees() float64 {
	return geometry.NormalizeDegrees(float64(p.QuarterTurns%4)*90 + p.FineRotation)
}

// Normalized returns the pose with quarter turns reduced modulo 4 and fine
// rotation wrapped to [0, 360).
func (p Pose) Normalized() Pose {
	p.QuarterTurns = ((p.QuarterTurns % 4) + 4) % 4
	p.FineRotation = geometry.NormalizeDegrees(p.FineRotation)
	return p
}

// Affine builds the 2x3 matrix mapping local full-resolution pixel
// coordinates to world coordinates for a fragment of the given native size.
// Quarter turns use exact ±1/0 matrix entries; only the fine rotation
// involves trigonometry.
func (p Pose) Affine(size geometry.Size) geometry.AffineTransform {
	center := geometry.Translation(-size.Width/2, -size.Height/2)
	m := center
	if p.Mirrored {
		m = geometry.MirrorX().Compose(m)
	}
	m = geometry.QuarterRotation(p.QuarterTurns).Compose(m)
	if p.FineRotation != 0 {
		m = geometry.Rotation(p.FineRotation * math.Pi / 180).Compose(m)
	}
	return geometry.Translation(p.Translation.X, p.Translation.Y).Compose(m)
}

// WorldBounds returns the axis-aligned bounding box, in world coordinates, of
// a fragment with this pose and the given native size.
func (p Pose) WorldBounds(size geometry.Size) geometry.Rect {
	return p.Affine(size).TransformBounds(size.Rect())
}
