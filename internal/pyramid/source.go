// Package pyramid provides the pyramid image source abstraction and the
// multi-resolution coordinate mapper. The core never decodes file formats;
// format-specific sources are selected at load time behind the Source
// interface.
package pyramid

import (
	"context"
	"fmt"
	"image"

	xdraw "golang.org/x/image/draw"

	"tissue-stitcher/pkg/geometry"
)

// Source exposes one fragment's multi-resolution image data. Level 0 is the
// native (full) resolution; higher levels are downsamples. Level scales are
// relative to full resolution, so LevelScale(0) == 1.0 and a half-resolution
// level reports 0.5. Tile may block on decode or I/O and honors context
// cancellation.
type Source interface {
	LevelCount() int
	LevelScale(level int) (float64, error)
	NativeSize() geometry.Size
	Tile(ctx context.Context, level int, region image.Rectangle) (*image.RGBA, error)
}

// ImageSource adapts a fully decoded image into a pyramid by building
// power-of-two downsampled levels up front. It serves sessions whose inputs
// are flat (non-pyramidal) files; whole-slide formats plug in their own
// Source implementation instead.
type ImageSource struct {
	levels []*image.RGBA
	scales []float64
}

// NewImageSource builds a pyramid from img by successive halving while either
// edge still measures at least minEdge (at least one level is always present).
func NewImageSource(img image.Image, minEdge int) *ImageSource {
	if minEdge < 1 {
		minEdge = 1
	}

	base := toRGBA(img)
	src := &ImageSource{
		levels: []*image.RGBA{base},
		scales: []float64{1.0},
	}

	prev := base
	scale := 1.0
	for {
		b := prev.Bounds()
		w, h := b.Dx()/2, b.Dy()/2
		if w < minEdge && h < minEdge {
			break
		}
		if w < 1 {
			w = 1
		}
		if h < 1 {
			h = 1
		}
		down := image.NewRGBA(image.Rect(0, 0, w, h))
		xdraw.ApproxBiLinear.Scale(down, down.Bounds(), prev, b, xdraw.Src, nil)
		scale /= 2
		src.levels = append(src.levels, down)
		src.scales = append(src.scales, scale)
		prev = down
	}
	return src
}

// LevelCount returns the number of pyramid levels.
func (s *ImageSource) LevelCount() int {
	return len(s.levels)
}

// LevelScale returns the downsample scale of a level relative to full
// resolution.
func (s *ImageSource) LevelScale(level int) (float64, error) {
	if level < 0 || level >= len(s.scales) {
		return 0, fmt.Errorf("level %d out of range [0,%d)", level, len(s.scales))
	}
	return s.scales[level], nil
}

// NativeSize returns the full-resolution dimensions.
func (s *ImageSource) NativeSize() geometry.Size {
	b := s.levels[0].Bounds()
	return geometry.NewSize(float64(b.Dx()), float64(b.Dy()))
}

// Tile returns a copy of the requested region at the given level, in level
// coordinates. The region is clipped to the level extent; pixels outside it
// come back fully transparent.
func (s *ImageSource) Tile(ctx context.Context, level int, region image.Rectangle) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if level < 0 || level >= len(s.levels) {
		return nil, fmt.Errorf("level %d out of range [0,%d)", level, len(s.levels))
	}

	tile := image.NewRGBA(image.Rect(0, 0, region.Dx(), region.Dy()))
	avail := region.Intersect(s.levels[level].Bounds())
	if avail.Empty() {
		return tile, nil
	}

	dst := avail.Sub(region.Min)
	xdraw.Copy(tile, dst.Min, s.levels[level], avail, xdraw.Src, nil)
	return tile, nil
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Copy(rgba, image.Point{}, img, b, xdraw.Src, nil)
	return rgba
}
