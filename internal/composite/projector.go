// Package composite renders posed fragments into world-aligned rasters, for
// on-screen style previews, registration patch extraction and full export.
package composite

import (
	"context"
	"fmt"
	"image"
	"math"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"tissue-stitcher/internal/fragment"
	"tissue-stitcher/internal/pyramid"
	"tissue-stitcher/pkg/geometry"
)

// Projector renders fragments through their poses into a shared world frame.
// Rendering never mutates poses, so it can run concurrently with edits; a
// frame drawn mid-edit is simply superseded by the next pose change event.
type Projector struct {
	fragments *fragment.Store
	sources   pyramid.SourceResolver
}

// NewProjector creates a projector over the given store and source lookup.
func NewProjector(fragments *fragment.Store, sources pyramid.SourceResolver) *Projector {
	return &Projector{fragments: fragments, sources: sources}
}

// Bounds returns the world extent of all visible fragments.
func (p *Projector) Bounds() geometry.Rect {
	return p.fragments.CompositeBounds()
}

// Render composites every visible fragment at the given output scale
// (output pixels per full-resolution world unit). Fragments are painted in
// ascending id order, so overlap resolution is deterministic regardless of
// load order: the highest id wins where opaque pixels stack.
func (p *Projector) Render(ctx context.Context, scale float64) (*image.RGBA, geometry.Rect, error) {
	bounds := p.Bounds()
	if bounds.Empty() {
		return image.NewRGBA(image.Rect(0, 0, 0, 0)), bounds, nil
	}
	img, err := p.RenderRegion(ctx, bounds, scale)
	return img, bounds, err
}

// RenderRegion composites every visible fragment intersecting the world
// region into a raster of size region*scale.
func (p *Projector) RenderRegion(ctx context.Context, region geometry.Rect, scale float64) (*image.RGBA, error) {
	dst := newCanvas(region, scale)
	for _, f := range p.fragments.VisibleFragments() {
		if !f.WorldBounds().Intersects(region) {
			continue
		}
		if err := p.drawFragment(ctx, dst, f, region, scale); err != nil {
			return nil, err
		}
	}
	return dst, nil
}

// RenderFragment rasterizes a single fragment over the world region,
// regardless of its visibility flag. Registration uses this to extract
// world-oriented overlap patches.
func (p *Projector) RenderFragment(ctx context.Context, f *fragment.Fragment, region geometry.Rect, scale float64) (*image.RGBA, error) {
	dst := newCanvas(region, scale)
	if err := p.drawFragment(ctx, dst, f, region, scale); err != nil {
		return nil, err
	}
	return dst, nil
}

func newCanvas(region geometry.Rect, scale float64) *image.RGBA {
	w := int(math.Ceil(region.Width * scale))
	h := int(math.Ceil(region.Height * scale))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return image.NewRGBA(image.Rect(0, 0, w, h))
}

// drawFragment warps the fragment into dst. The pyramid level is chosen per
// fragment so a zoomed-out render reads coarse levels instead of decimating
// native pixels.
func (p *Projector) drawFragment(ctx context.Context, dst *image.RGBA, f *fragment.Fragment, region geometry.Rect, scale float64) error {
	src, ok := p.sources.Source(f.ID)
	if !ok {
		return &fragment.NotFoundError{ID: f.ID}
	}

	level, levelScale, err := selectLevel(src, scale)
	if err != nil {
		return err
	}

	// Level coordinates -> output raster coordinates.
	toOutput := geometry.Scale(scale, scale).
		Compose(geometry.Translation(-region.X, -region.Y)).
		Compose(f.Affine()).
		Compose(geometry.Scale(1/levelScale, 1/levelScale))

	// Pull only the level region that can land inside the output raster.
	inv, ok := toOutput.Inverse()
	if !ok {
		return fmt.Errorf("fragment %s: degenerate render transform", f.ID)
	}
	outRect := geometry.NewRect(0, 0, float64(dst.Bounds().Dx()), float64(dst.Bounds().Dy()))
	need := inv.TransformBounds(outRect)
	nativeLevel := geometry.NewRect(0, 0,
		src.NativeSize().Width*levelScale, src.NativeSize().Height*levelScale)
	need = need.Intersect(nativeLevel)
	if need.Empty() {
		return nil
	}

	tileRect := image.Rect(
		int(math.Floor(need.X)), int(math.Floor(need.Y)),
		int(math.Ceil(need.X+need.Width))+1, int(math.Ceil(need.Y+need.Height))+1,
	)
	tile, err := src.Tile(ctx, level, tileRect)
	if err != nil {
		return err
	}

	if opacity := f.Opacity(); opacity < 1 {
		applyOpacity(tile, opacity)
	}

	// Tile pixel (0,0) sits at level coordinate tileRect.Min.
	a := toOutput.Compose(geometry.Translation(float64(tileRect.Min.X), float64(tileRect.Min.Y)))
	xdraw.BiLinear.Transform(dst, f64.Aff3{
		a.A, a.B, a.TX,
		a.C, a.D, a.TY,
	}, tile, tile.Bounds(), xdraw.Over, nil)
	return nil
}

// selectLevel picks the coarsest level whose scale still meets the target.
func selectLevel(src pyramid.Source, target float64) (int, float64, error) {
	best := 0
	bestScale := 1.0
	for level := 0; level < src.LevelCount(); level++ {
		s, err := src.LevelScale(level)
		if err != nil {
			return 0, 0, err
		}
		if s >= target {
			best = level
			bestScale = s
		}
	}
	return best, bestScale, nil
}

// applyOpacity scales all channels in place. The image is premultiplied
// alpha, so color channels scale along with alpha.
func applyOpacity(img *image.RGBA, opacity float64) {
	if opacity < 0 {
		opacity = 0
	}
	for i := range img.Pix {
		img.Pix[i] = uint8(float64(img.Pix[i])*opacity + 0.5)
	}
}
