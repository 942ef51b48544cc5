package manifest

import (
	"errors"
	"path/filepath"
	"testing"

	"tissue-stitcher/internal/fragment"
	"tissue-stitcher/pkg/geometry"
)

func testStore(t *testing.T) (*fragment.Store, *fragment.Fragment, *fragment.Fragment) {
	t.Helper()
	s := fragment.NewStore()
	a := s.Add("a", "a.tif", geometry.NewSize(100, 80))
	b := s.Add("b", "b.tif", geometry.NewSize(200, 160))
	return s, a, b
}

func TestRoundTrip(t *testing.T) {
	store, a, b := testStore(t)

	if err := store.SetPose(a.ID, fragment.Pose{
		QuarterTurns: 1,
		FineRotation: 12.5,
		Mirrored:     true,
		Translation:  geometry.NewPoint2D(40, -7),
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.SetVisible(b.ID, false); err != nil {
		t.Fatal(err)
	}
	b.SetOpacity(0.6)

	path := filepath.Join(t.TempDir(), "transforms.json")
	if err := FromStore(store).Save(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Version != CurrentVersion {
		t.Fatalf("version %d, want %d", loaded.Version, CurrentVersion)
	}
	if len(loaded.Fragments) != 2 {
		t.Fatalf("%d entries, want 2", len(loaded.Fragments))
	}

	// Scramble the live store, then restore from the manifest.
	if err := store.Reset(a.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.SetVisible(b.ID, true); err != nil {
		t.Fatal(err)
	}
	if err := loaded.Apply(store); err != nil {
		t.Fatal(err)
	}

	p := a.Pose()
	if p.QuarterTurns != 1 || !p.Mirrored || p.FineRotation != 12.5 {
		t.Fatalf("restored pose %+v", p)
	}
	if p.Translation.X != 40 || p.Translation.Y != -7 {
		t.Fatalf("restored translation %+v", p.Translation)
	}
	if b.Visible() {
		t.Fatal("restored visibility lost")
	}
	if b.Opacity() != 0.6 {
		t.Fatalf("restored opacity %g, want 0.6", b.Opacity())
	}
}

func TestApplyRejectsSizeMismatch(t *testing.T) {
	store, a, _ := testStore(t)

	m := FromStore(store)
	m.Fragments[0].NativeSize = geometry.NewSize(999, 999)
	// Give the second entry a pose so a partial apply would be observable.
	m.Fragments[1].Pose.Translation = geometry.NewPoint2D(500, 0)

	err := m.Apply(store)
	var mismatch *MismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("got %v, want MismatchError", err)
	}

	// Validation runs before mutation: nothing was applied.
	for _, f := range store.All() {
		if f.Pose().Translation.X != 0 {
			t.Fatalf("pose applied despite mismatch: %+v", f.Pose())
		}
	}
	_ = a
}

func TestApplyUnknownFragment(t *testing.T) {
	store, _, _ := testStore(t)
	other, _, _ := testStore(t)

	err := FromStore(other).Apply(store)
	var mismatch *MismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("got %v, want MismatchError", err)
	}
	if mismatch.Field != "fragment" {
		t.Fatalf("mismatch field %q, want fragment", mismatch.Field)
	}
}

func TestLoadRejectsNewerVersion(t *testing.T) {
	store, _, _ := testStore(t)

	m := FromStore(store)
	m.Version = CurrentVersion + 1
	path := filepath.Join(t.TempDir(), "future.json")
	if err := m.Save(path); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for newer manifest version")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
