package pyramid

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/google/uuid"

	"tissue-stitcher/internal/fragment"
	"tissue-stitcher/pkg/geometry"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func solidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

type mapperFixture struct {
	store  *fragment.Store
	frag   *fragment.Fragment
	src    *ImageSource
	mapper *Mapper
}

type singleSource struct {
	id  uuid.UUID
	src Source
}

func (s singleSource) Source(id uuid.UUID) (Source, bool) {
	if id == s.id {
		return s.src, true
	}
	return nil, false
}

func newFixture(t *testing.T) *mapperFixture {
	t.Helper()
	store := fragment.NewStore()
	frag := store.Add("f", "f.tif", geometry.NewSize(256, 128))
	src := NewImageSource(solidImage(256, 128, color.RGBA{200, 100, 50, 255}), 16)
	return &mapperFixture{
		store:  store,
		frag:   frag,
		src:    src,
		mapper: NewMapper(store, singleSource{id: frag.ID, src: src}),
	}
}

func TestImageSourceLevels(t *testing.T) {
	src := NewImageSource(solidImage(256, 128, color.RGBA{255, 0, 0, 255}), 16)

	// 256x128 halves down to 16x8: levels 1, 1/2 ... 1/16.
	if got := src.LevelCount(); got != 5 {
		t.Fatalf("level count %d, want 5", got)
	}
	for level := 0; level < src.LevelCount(); level++ {
		scale, err := src.LevelScale(level)
		if err != nil {
			t.Fatal(err)
		}
		want := 1 / math.Pow(2, float64(level))
		if !almostEqual(scale, want) {
			t.Fatalf("level %d scale %g, want %g", level, scale, want)
		}
	}

	if _, err := src.LevelScale(99); err == nil {
		t.Fatal("expected error for out-of-range level")
	}
	if size := src.NativeSize(); size.Width != 256 || size.Height != 128 {
		t.Fatalf("native size %+v", size)
	}
}

func TestTileClipsToLevelExtent(t *testing.T) {
	src := NewImageSource(solidImage(64, 64, color.RGBA{0, 255, 0, 255}), 16)
	ctx := context.Background()

	// Request sticks out past the right edge; outside pixels are transparent.
	tile, err := src.Tile(ctx, 0, image.Rect(48, 0, 80, 16))
	if err != nil {
		t.Fatal(err)
	}
	if tile.Bounds().Dx() != 32 || tile.Bounds().Dy() != 16 {
		t.Fatalf("tile size %v", tile.Bounds())
	}
	if _, _, _, a := tile.At(0, 0).RGBA(); a == 0 {
		t.Fatal("in-bounds pixel should be opaque")
	}
	if _, _, _, a := tile.At(20, 0).RGBA(); a != 0 {
		t.Fatal("out-of-bounds pixel should be transparent")
	}
}

func TestTileHonorsCancellation(t *testing.T) {
	src := NewImageSource(solidImage(16, 16, color.RGBA{0, 0, 255, 255}), 16)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := src.Tile(ctx, 0, image.Rect(0, 0, 8, 8)); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestSelectLevel(t *testing.T) {
	fx := newFixture(t)

	cases := []struct {
		target float64
		want   int
	}{
		{1.0, 0},
		{2.0, 0},    // finer than native still reads the native level
		{0.5, 1},
		{0.3, 1},    // between levels rounds toward the finer one
		{0.25, 2},
		{0.01, 4},   // coarser than the pyramid offers clamps to the coarsest
	}
	for _, c := range cases {
		got, err := fx.mapper.SelectLevel(fx.frag.ID, c.target)
		if err != nil {
			t.Fatal(err)
		}
		if got != c.want {
			t.Errorf("SelectLevel(%g) = %d, want %d", c.target, got, c.want)
		}
	}
}

func TestLevelRoundTrip(t *testing.T) {
	fx := newFixture(t)

	p := geometry.NewPoint2D(123.5, 41.25)
	for level := 0; level < fx.src.LevelCount(); level++ {
		down, err := fx.mapper.ToLevel(fx.frag.ID, level, p)
		if err != nil {
			t.Fatal(err)
		}
		up, err := fx.mapper.ToFullRes(fx.frag.ID, level, down)
		if err != nil {
			t.Fatal(err)
		}
		if !almostEqual(up.X, p.X) || !almostEqual(up.Y, p.Y) {
			t.Fatalf("level %d round trip: got (%g, %g)", level, up.X, up.Y)
		}
	}
}

func TestFragmentWorldRoundTrip(t *testing.T) {
	fx := newFixture(t)

	if err := fx.store.ApplyRotation(fx.frag.ID, 1); err != nil {
		t.Fatal(err)
	}
	if err := fx.store.ApplyFineRotation(fx.frag.ID, 12.5); err != nil {
		t.Fatal(err)
	}
	if err := fx.store.Translate(fx.frag.ID, 300, -80); err != nil {
		t.Fatal(err)
	}

	local := geometry.NewPoint2D(40, 100)
	world, err := fx.mapper.FragmentToWorld(fx.frag.ID, local)
	if err != nil {
		t.Fatal(err)
	}
	back, err := fx.mapper.WorldToFragment(fx.frag.ID, world)
	if err != nil {
		t.Fatal(err)
	}
	if !almostEqual(back.X, local.X) || !almostEqual(back.Y, local.Y) {
		t.Fatalf("round trip: got (%g, %g), want (%g, %g)", back.X, back.Y, local.X, local.Y)
	}
}

func TestWorldToFragmentOutOfBounds(t *testing.T) {
	fx := newFixture(t)

	// Far outside the 256x128 fragment centered at the origin.
	_, err := fx.mapper.WorldToFragment(fx.frag.ID, geometry.NewPoint2D(5000, 5000))
	var oob *OutOfBoundsError
	if !errors.As(err, &oob) {
		t.Fatalf("got %v, want OutOfBoundsError", err)
	}
	if oob.ID != fx.frag.ID {
		t.Fatalf("error names fragment %s, want %s", oob.ID, fx.frag.ID)
	}
}

func TestMapperUnknownFragment(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.mapper.SelectLevel(uuid.New(), 0.5)
	var notFound *fragment.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("got %v, want NotFoundError", err)
	}
}
