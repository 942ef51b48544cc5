package geometry

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func pointsClose(t *testing.T, got, want Point2D) {
	t.Helper()
	if !almostEqual(got.X, want.X) || !almostEqual(got.Y, want.Y) {
		t.Fatalf("got (%g, %g), want (%g, %g)", got.X, got.Y, want.X, want.Y)
	}
}

func TestQuarterRotationExact(t *testing.T) {
	p := NewPoint2D(1, 0)

	cases := []struct {
		turns int
		want  Point2D
	}{
		{0, Point2D{1, 0}},
		{1, Point2D{0, 1}},
		{2, Point2D{-1, 0}},
		{3, Point2D{0, -1}},
		{4, Point2D{1, 0}},
		{-1, Point2D{0, -1}},
		{-5, Point2D{0, -1}},
	}
	for _, c := range cases {
		got := QuarterRotation(c.turns).Apply(p)
		// Exact, not approximate: quarter turns must carry no trig error.
		if got != c.want {
			t.Errorf("turns=%d: got (%v, %v), want (%v, %v)", c.turns, got.X, got.Y, c.want.X, c.want.Y)
		}
	}
}

func TestComposeMatchesSequentialApply(t *testing.T) {
	a := Rotation(0.3)
	b := Translation(5, -2)
	p := NewPoint2D(3, 7)

	composed := b.Compose(a).Apply(p)
	sequential := b.Apply(a.Apply(p))
	pointsClose(t, composed, sequential)
}

func TestInverseRoundTrip(t *testing.T) {
	m := Translation(12, -4).Compose(Rotation(1.1)).Compose(MirrorX())
	inv, ok := m.Inverse()
	if !ok {
		t.Fatal("expected invertible transform")
	}

	p := NewPoint2D(42.5, -17.25)
	pointsClose(t, inv.Apply(m.Apply(p)), p)
}

func TestInverseSingular(t *testing.T) {
	if _, ok := Scale(0, 1).Inverse(); ok {
		t.Fatal("expected singular transform to report non-invertible")
	}
}

func TestRotationAngleWithMirror(t *testing.T) {
	theta := 0.7
	plain := Rotation(theta)
	if got := plain.RotationAngle(); !almostEqual(got, theta) {
		t.Fatalf("plain rotation: got %g, want %g", got, theta)
	}

	mirrored := Rotation(theta).Compose(MirrorX())
	if mirrored.Determinant() >= 0 {
		t.Fatal("expected negative determinant with mirror")
	}
	if got := mirrored.RotationAngle(); !almostEqual(got, theta) {
		t.Fatalf("mirrored rotation: got %g, want %g", got, theta)
	}
}

func TestTransformBounds(t *testing.T) {
	r := NewRect(0, 0, 10, 20)
	got := QuarterRotation(1).TransformBounds(r)

	// Rotating 90 degrees about the origin swaps width and height.
	if !almostEqual(got.Width, 20) || !almostEqual(got.Height, 10) {
		t.Fatalf("got %gx%g, want 20x10", got.Width, got.Height)
	}
}

func TestRectIntersectUnion(t *testing.T) {
	a := NewRect(0, 0, 10, 10)
	b := NewRect(5, 5, 10, 10)

	inter := a.Intersect(b)
	if inter != (Rect{X: 5, Y: 5, Width: 5, Height: 5}) {
		t.Fatalf("intersect: got %+v", inter)
	}

	union := a.Union(b)
	if union != (Rect{X: 0, Y: 0, Width: 15, Height: 15}) {
		t.Fatalf("union: got %+v", union)
	}

	far := NewRect(100, 100, 1, 1)
	if !a.Intersect(far).Empty() {
		t.Fatal("expected empty intersection")
	}

	// Union with the zero rect returns the other operand unchanged.
	if got := (Rect{}).Union(a); got != a {
		t.Fatalf("union with empty: got %+v", got)
	}
}

func TestCentroid(t *testing.T) {
	pts := []Point2D{{0, 0}, {10, 0}, {10, 10}, {0, 10}}
	pointsClose(t, Centroid(pts), NewPoint2D(5, 5))

	if got := Centroid(nil); got != (Point2D{}) {
		t.Fatalf("empty centroid: got %+v", got)
	}
}

func TestNormalizeDegrees(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{0, 0},
		{360, 0},
		{-90, 270},
		{725, 5},
		{-725, 355},
	}
	for _, c := range cases {
		if got := NormalizeDegrees(c.in); !almostEqual(got, c.want) {
			t.Errorf("NormalizeDegrees(%g) = %g, want %g", c.in, got, c.want)
		}
	}
}

func TestAngleDiffDegrees(t *testing.T) {
	cases := []struct{ a, b, want float64 }{
		{10, 350, 20},
		{350, 10, -20},
		{180, 0, 180},
		{0, 0, 0},
	}
	for _, c := range cases {
		if got := AngleDiffDegrees(c.a, c.b); !almostEqual(got, c.want) {
			t.Errorf("AngleDiffDegrees(%g, %g) = %g, want %g", c.a, c.b, got, c.want)
		}
	}
}

func TestWeightedAngularMeanShortArc(t *testing.T) {
	// 350 and 10 degrees average to 0, not 180.
	got := WeightedAngularMean([]float64{350, 10}, []float64{1, 1})
	if !almostEqual(got, 0) && !almostEqual(got, 360) {
		t.Fatalf("got %g, want 0", got)
	}

	// Weights pull the mean toward the heavier estimate.
	got = WeightedAngularMean([]float64{0, 90}, []float64{3, 1})
	if got <= 0 || got >= 45 {
		t.Fatalf("got %g, want between 0 and 45", got)
	}
}
