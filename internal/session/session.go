// Package session wires the fragment store, pyramid sources, registration
// engine and projector into one editing session.
package session

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"tissue-stitcher/internal/composite"
	"tissue-stitcher/internal/fragment"
	"tissue-stitcher/internal/manifest"
	"tissue-stitcher/internal/pyramid"
	"tissue-stitcher/internal/register"
)

// Session owns the live state of one stitching run. It implements
// pyramid.SourceResolver so every component shares the same source lookup.
type Session struct {
	store     *fragment.Store
	engine    *register.Engine
	projector *composite.Projector
	mapper    *pyramid.Mapper
	log       *slog.Logger

	mu      sync.RWMutex
	sources map[uuid.UUID]pyramid.Source
}

// New creates an empty session. Removing a fragment invalidates its pose
// graph edges and drops its pyramid source automatically.
func New(cfg register.Config) *Session {
	s := &Session{
		store:   fragment.NewStore(),
		sources: make(map[uuid.UUID]pyramid.Source),
	}
	if cfg.Logger != nil {
		s.log = cfg.Logger
	} else {
		s.log = slog.Default()
	}
	s.engine = register.NewEngine(cfg, s.store, s)
	s.projector = composite.NewProjector(s.store, s)
	s.mapper = pyramid.NewMapper(s.store, s)

	s.store.On(fragment.EventFragmentRemoved, func(data interface{}) {
		id, ok := data.(uuid.UUID)
		if !ok {
			return
		}
		removed := s.engine.Graph().InvalidateFragment(id)
		s.mu.Lock()
		delete(s.sources, id)
		s.mu.Unlock()
		if removed > 0 {
			s.log.Info("invalidated pose graph edges", "fragment", id, "edges", removed)
		}
	})
	return s
}

// Source implements pyramid.SourceResolver.
func (s *Session) Source(id uuid.UUID) (pyramid.Source, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[id]
	return src, ok
}

// Store returns the fragment store.
func (s *Session) Store() *fragment.Store { return s.store }

// Engine returns the registration engine.
func (s *Session) Engine() *register.Engine { return s.engine }

// Projector returns the composite projector.
func (s *Session) Projector() *composite.Projector { return s.projector }

// Mapper returns the coordinate mapper.
func (s *Session) Mapper() *pyramid.Mapper { return s.mapper }

// AddFragment registers a new fragment backed by the given pyramid source.
// It enters at the identity pose and is visible immediately.
func (s *Session) AddFragment(name, sourcePath string, src pyramid.Source) *fragment.Fragment {
	f := s.store.Add(name, sourcePath, src.NativeSize())
	s.mu.Lock()
	s.sources[f.ID] = src
	s.mu.Unlock()
	s.log.Info("fragment added", "name", name, "id", f.ID,
		"width", f.NativeSize.Width, "height", f.NativeSize.Height)
	return f
}

// Remove drops a fragment, its source and its pose graph edges.
func (s *Session) Remove(id uuid.UUID) bool {
	return s.store.Remove(id)
}

// ExportManifest writes the current fragment placements to path.
func (s *Session) ExportManifest(path string) error {
	return manifest.FromStore(s.store).Save(path)
}

// ImportManifest applies a saved manifest onto the already-loaded fragments.
// Every entry must match a live fragment by id and native size.
func (s *Session) ImportManifest(path string) error {
	m, err := manifest.Load(path)
	if err != nil {
		return err
	}
	return m.Apply(s.store)
}

// RestoreManifest rebuilds a session's fragments from a manifest, opening
// each source through the supplied loader. Fragments keep their recorded ids
// so later manifests remain interchangeable. An entry whose source cannot be
// opened, or whose native size disagrees with the freshly opened source, is a
// manifest mismatch.
func (s *Session) RestoreManifest(m *manifest.Manifest, open func(entry manifest.Entry) (pyramid.Source, error)) error {
	for _, e := range m.Fragments {
		src, err := open(e)
		if err != nil {
			return &manifest.MismatchError{
				ID:    e.ID,
				Field: "source",
				Want:  e.SourcePath,
				Got:   fmt.Sprintf("unavailable: %v", err),
			}
		}
		if src.NativeSize() != e.NativeSize {
			return &manifest.MismatchError{
				ID:    e.ID,
				Field: "native_size",
				Want:  fmt.Sprintf("%gx%g", e.NativeSize.Width, e.NativeSize.Height),
				Got:   fmt.Sprintf("%gx%g", src.NativeSize().Width, src.NativeSize().Height),
			}
		}

		f := s.store.AddExisting(e.ID, e.Name, e.SourcePath, e.NativeSize, e.Pose)
		f.PixelSize = e.PixelSize
		f.SetVisible(e.Visible)
		f.SetOpacity(e.Opacity)
		s.mu.Lock()
		s.sources[f.ID] = src
		s.mu.Unlock()
	}
	return nil
}
