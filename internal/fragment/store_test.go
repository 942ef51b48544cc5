package fragment

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/google/uuid"

	"tissue-stitcher/pkg/geometry"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func testStore(t *testing.T) (*Store, *Fragment) {
	t.Helper()
	s := NewStore()
	f := s.Add("frag-a", "a.tif", geometry.NewSize(100, 60))
	return s, f
}

func TestAddStartsAtIdentity(t *testing.T) {
	_, f := testStore(t)

	p := f.Pose()
	if p != IdentityPose() {
		t.Fatalf("new fragment pose = %+v, want identity", p)
	}
	if !f.Visible() || f.Opacity() != 1.0 {
		t.Fatalf("new fragment visible=%v opacity=%g, want visible at full opacity", f.Visible(), f.Opacity())
	}
}

func TestQuarterTurnCycle(t *testing.T) {
	s, f := testStore(t)

	for i := 0; i < 4; i++ {
		if err := s.ApplyRotation(f.ID, 1); err != nil {
			t.Fatal(err)
		}
	}
	p := f.Pose()
	if p.QuarterTurns != 0 {
		t.Fatalf("four quarter turns: got %d, want 0", p.QuarterTurns)
	}

	if err := s.ApplyRotation(f.ID, -1); err != nil {
		t.Fatal(err)
	}
	if got := f.Pose().QuarterTurns; got != 3 {
		t.Fatalf("negative turn: got %d, want 3", got)
	}
}

func TestFineRotationWraps(t *testing.T) {
	s, f := testStore(t)

	if err := s.ApplyFineRotation(f.ID, 350); err != nil {
		t.Fatal(err)
	}
	if err := s.ApplyFineRotation(f.ID, 20); err != nil {
		t.Fatal(err)
	}
	if got := f.Pose().FineRotation; !almostEqual(got, 10) {
		t.Fatalf("fine rotation: got %g, want 10", got)
	}
}

func TestTranslationUnaffectedByOrientation(t *testing.T) {
	s, f := testStore(t)

	if err := s.Translate(f.ID, 50, -30); err != nil {
		t.Fatal(err)
	}
	if err := s.ApplyRotation(f.ID, 1); err != nil {
		t.Fatal(err)
	}
	if err := s.ToggleMirror(f.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.ApplyFineRotation(f.ID, 33); err != nil {
		t.Fatal(err)
	}

	p := f.Pose()
	if !almostEqual(p.Translation.X, 50) || !almostEqual(p.Translation.Y, -30) {
		t.Fatalf("translation drifted to (%g, %g)", p.Translation.X, p.Translation.Y)
	}
}

func TestAffineRotatesAboutCenter(t *testing.T) {
	s, f := testStore(t)

	if err := s.ApplyRotation(f.ID, 2); err != nil {
		t.Fatal(err)
	}

	// The local center must stay pinned at the translation, here the origin.
	center := geometry.NewPoint2D(50, 30)
	got := f.Affine().Apply(center)
	if !almostEqual(got.X, 0) || !almostEqual(got.Y, 0) {
		t.Fatalf("center mapped to (%g, %g), want origin", got.X, got.Y)
	}

	// A corner lands diametrically opposite under a half turn.
	corner := f.Affine().Apply(geometry.NewPoint2D(0, 0))
	if !almostEqual(corner.X, 50) || !almostEqual(corner.Y, 30) {
		t.Fatalf("corner mapped to (%g, %g), want (50, 30)", corner.X, corner.Y)
	}
}

func TestMirrorThenRotateOrder(t *testing.T) {
	s, f := testStore(t)

	if err := s.ToggleMirror(f.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.ApplyRotation(f.ID, 1); err != nil {
		t.Fatal(err)
	}

	// Local (100, 30) is (50, 0) relative to center; mirror gives (-50, 0),
	// quarter turn gives (0, -50).
	got := f.Affine().Apply(geometry.NewPoint2D(100, 30))
	if !almostEqual(got.X, 0) || !almostEqual(got.Y, -50) {
		t.Fatalf("got (%g, %g), want (0, -50)", got.X, got.Y)
	}
}

func TestResetRestoresIdentity(t *testing.T) {
	s, f := testStore(t)

	if err := s.ApplyRotation(f.ID, 3); err != nil {
		t.Fatal(err)
	}
	if err := s.Translate(f.ID, 7, 8); err != nil {
		t.Fatal(err)
	}
	if err := s.Reset(f.ID); err != nil {
		t.Fatal(err)
	}
	if p := f.Pose(); p != IdentityPose() {
		t.Fatalf("after reset: %+v", p)
	}
}

func TestPoseChangeEventCarriesOldAndNew(t *testing.T) {
	s, f := testStore(t)

	var events []PoseChange
	s.On(EventPoseChanged, func(data interface{}) {
		events = append(events, data.(PoseChange))
	})

	if err := s.Translate(f.ID, 10, 0); err != nil {
		t.Fatal(err)
	}

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Old.Translation.X != 0 || !almostEqual(ev.New.Translation.X, 10) {
		t.Fatalf("event old=%+v new=%+v", ev.Old, ev.New)
	}
	if ev.Dirty.Empty() {
		t.Fatal("dirty region must cover the moved fragment")
	}
	// Dirty spans both the old and new bounding boxes.
	if !ev.Dirty.Contains(geometry.NewPoint2D(-50, 0)) || !ev.Dirty.Contains(geometry.NewPoint2D(60, 0)) {
		t.Fatalf("dirty region %+v does not span old and new bounds", ev.Dirty)
	}
}

func TestCommitPoseStale(t *testing.T) {
	s, f := testStore(t)

	seen := f.Version()
	target := Pose{Translation: geometry.NewPoint2D(5, 5)}

	// A concurrent edit lands between estimate and commit.
	if err := s.Translate(f.ID, 1, 1); err != nil {
		t.Fatal(err)
	}

	err := s.CommitPose(f.ID, target, seen)
	var stale *StaleEstimateError
	if !errors.As(err, &stale) {
		t.Fatalf("got %v, want StaleEstimateError", err)
	}
	// The manual edit survives.
	if got := f.Pose().Translation; !almostEqual(got.X, 1) {
		t.Fatalf("pose overwritten by stale commit: %+v", got)
	}

	// Retry against the current version succeeds.
	if err := s.CommitPose(f.ID, target, f.Version()); err != nil {
		t.Fatal(err)
	}
	if got := f.Pose().Translation; !almostEqual(got.X, 5) {
		t.Fatalf("commit not applied: %+v", got)
	}
}

func TestCommitPoseUnknownFragment(t *testing.T) {
	s, _ := testStore(t)

	other := NewStore().Add("b", "b.tif", geometry.NewSize(10, 10))
	err := s.CommitPose(other.ID, IdentityPose(), 0)
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("got %v, want NotFoundError", err)
	}
}

func TestRotateGroupPreservesRelativeLayout(t *testing.T) {
	s := NewStore()
	a := s.Add("a", "a.tif", geometry.NewSize(10, 10))
	b := s.Add("b", "b.tif", geometry.NewSize(10, 10))

	if err := s.Translate(b.ID, 100, 0); err != nil {
		t.Fatal(err)
	}

	ids := []uuid.UUID{a.ID, b.ID}
	if err := s.RotateGroup(ids, 1); err != nil {
		t.Fatal(err)
	}

	// Pivot is the centroid (50, 0): a orbits to (50, -50), b to (50, 50).
	pa := a.Pose()
	pb := b.Pose()
	if !almostEqual(pa.Translation.X, 50) || !almostEqual(pa.Translation.Y, -50) {
		t.Fatalf("a at (%g, %g), want (50, -50)", pa.Translation.X, pa.Translation.Y)
	}
	if !almostEqual(pb.Translation.X, 50) || !almostEqual(pb.Translation.Y, 50) {
		t.Fatalf("b at (%g, %g), want (50, 50)", pb.Translation.X, pb.Translation.Y)
	}

	// Each fragment also turns in place.
	if pa.QuarterTurns != 1 || pb.QuarterTurns != 1 {
		t.Fatalf("quarter turns a=%d b=%d, want 1 and 1", pa.QuarterTurns, pb.QuarterTurns)
	}

	// Relative distance preserved exactly.
	if got := pa.Translation.Distance(pb.Translation); !almostEqual(got, 100) {
		t.Fatalf("pair distance %g, want 100", got)
	}
}

func TestCompositeBoundsSkipsHidden(t *testing.T) {
	s := NewStore()
	a := s.Add("a", "a.tif", geometry.NewSize(10, 10))
	b := s.Add("b", "b.tif", geometry.NewSize(10, 10))
	if err := s.Translate(b.ID, 100, 0); err != nil {
		t.Fatal(err)
	}

	// Centers sit at x=0 and x=100, so the union spans -5 to 105.
	all := s.CompositeBounds()
	if !almostEqual(all.Width, 110) {
		t.Fatalf("bounds width %g, want 110", all.Width)
	}

	if err := s.SetVisible(b.ID, false); err != nil {
		t.Fatal(err)
	}
	only := s.CompositeBounds()
	if !almostEqual(only.Width, 10) {
		t.Fatalf("bounds width %g, want 10", only.Width)
	}
	_ = a
}

func TestDisplayStateConcurrentWithReads(t *testing.T) {
	s := NewStore()
	ids := make([]uuid.UUID, 4)
	for i := range ids {
		ids[i] = s.Add("f", "f.tif", geometry.NewSize(50, 50)).ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if err := s.SetVisible(id, i%2 == 0); err != nil {
					t.Error(err)
					return
				}
				if err := s.SetOpacity(id, float64(i%10)/10); err != nil {
					t.Error(err)
					return
				}
			}
		}(id)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			for _, f := range s.VisibleFragments() {
				_ = f.Opacity()
			}
			_ = s.CompositeBounds()
		}
	}()
	wg.Wait()

	for _, id := range ids {
		if err := s.SetOpacity(id, 1.5); err != nil {
			t.Fatal(err)
		}
		f, _ := s.Get(id)
		if f.Opacity() != 1 {
			t.Fatalf("opacity %g, want clamp to 1", f.Opacity())
		}
	}
}
