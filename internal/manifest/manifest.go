// Package manifest provides the transform manifest: a JSON document carrying
// every fragment's pose and identity, exported alongside composites so a
// session can be reproduced or resumed without re-registering.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"tissue-stitcher/internal/fragment"
	"tissue-stitcher/pkg/geometry"
)

// CurrentVersion is the manifest format version written by this build.
const CurrentVersion = 1

// Entry records one fragment's identity and placement.
type Entry struct {
	ID         uuid.UUID     `json:"id"`
	Name       string        `json:"name"`
	SourcePath string        `json:"source_path"`
	NativeSize geometry.Size `json:"native_size"`
	PixelSize  float64       `json:"pixel_size,omitempty"` // microns per pixel
	Visible    bool          `json:"visible"`
	Opacity    float64       `json:"opacity"`
	Pose       fragment.Pose `json:"pose"`
}

// Manifest is the on-disk transform document.
type Manifest struct {
	Version   int       `json:"version"`
	Created   time.Time `json:"created"`
	Fragments []Entry   `json:"fragments"`
}

// MismatchError reports a manifest entry that does not match the fragment it
// claims to describe.
type MismatchError struct {
	ID    uuid.UUID
	Field string
	Want  string
	Got   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("manifest mismatch for fragment %s: %s is %s, manifest says %s",
		e.ID, e.Field, e.Got, e.Want)
}

// FromStore captures the current state of every fragment, in the store's
// deterministic id order.
func FromStore(store *fragment.Store) *Manifest {
	m := &Manifest{
		Version: CurrentVersion,
		Created: time.Now().UTC(),
	}
	for _, f := range store.All() {
		m.Fragments = append(m.Fragments, Entry{
			ID:         f.ID,
			Name:       f.Name,
			SourcePath: f.SourcePath,
			NativeSize: f.NativeSize,
			PixelSize:  f.PixelSize,
			Visible:    f.Visible(),
			Opacity:    f.Opacity(),
			Pose:       f.Pose(),
		})
	}
	return m
}

// Save writes the manifest as indented JSON.
func (m *Manifest) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Load reads a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	if m.Version > CurrentVersion {
		return nil, fmt.Errorf("manifest version %d newer than supported %d", m.Version, CurrentVersion)
	}
	return &m, nil
}

// Apply restores poses and display state onto a store holding the same
// fragments. Entries are validated against the live fragments first; any
// identity or native-size mismatch aborts before a single pose is touched,
// so a wrong manifest never half-applies.
func (m *Manifest) Apply(store *fragment.Store) error {
	for _, e := range m.Fragments {
		f, ok := store.Get(e.ID)
		if !ok {
			return &MismatchError{
				ID:    e.ID,
				Field: "fragment",
				Want:  "loaded in session",
				Got:   "absent",
			}
		}
		if f.NativeSize != e.NativeSize {
			return &MismatchError{
				ID:    e.ID,
				Field: "native_size",
				Want:  fmt.Sprintf("%gx%g", e.NativeSize.Width, e.NativeSize.Height),
				Got:   fmt.Sprintf("%gx%g", f.NativeSize.Width, f.NativeSize.Height),
			}
		}
	}

	for _, e := range m.Fragments {
		if err := store.SetPose(e.ID, e.Pose); err != nil {
			return err
		}
		if err := store.SetVisible(e.ID, e.Visible); err != nil {
			return err
		}
		if err := store.SetOpacity(e.ID, e.Opacity); err != nil {
			return err
		}
	}
	return nil
}
