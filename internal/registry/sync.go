package registry

import (
	"log/slog"
	"sync"

	"live-playback/internal/playback"
)

// SessionManager is the part of playback.Manager the Syncer drives.
type SessionManager interface {
	CreateSession(d playback.StreamDescriptor) (*playback.Session, error)
	ReplaceSession(d playback.StreamDescriptor) (*playback.Session, error)
	RemoveSession(id string) bool
}

// Result lists what one Apply did, by stream id.
type Result struct {
	Created  []string
	Replaced []string
	Removed  []string
	Failed   map[string]error
}

// Changed reports whether Apply touched any session.
func (r Result) Changed() bool {
	return len(r.Created)+len(r.Replaced)+len(r.Removed) > 0
}

// Syncer reconciles a SessionManager with successive registry snapshots.
// It only removes sessions it created itself, and never the seeded default.
type Syncer struct {
	mgr SessionManager
	log *slog.Logger

	mu      sync.Mutex
	applied map[string]playback.StreamDescriptor
	seeded  map[string]bool
}

// NewSyncer returns a Syncer driving mgr.
func NewSyncer(mgr SessionManager, log *slog.Logger) *Syncer {
	if log == nil {
		log = slog.Default()
	}
	return &Syncer{
		mgr:     mgr,
		log:     log.With(slog.String("component", "registry_sync")),
		applied: make(map[string]playback.StreamDescriptor),
		seeded:  make(map[string]bool),
	}
}

// Apply makes the managed sessions match descs: ids no longer present are
// removed, edited descriptors are replaced (destroy then create) and new ids
// are created in the given order. Unchanged sessions are left alone.
func (s *Syncer) Apply(descs []playback.StreamDescriptor) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := Result{Failed: map[string]error{}}
	want := make(map[string]bool, len(descs))
	for _, d := range descs {
		want[d.ID] = true
	}

	for id := range s.applied {
		if want[id] || s.seeded[id] {
			continue
		}
		s.mgr.RemoveSession(id)
		delete(s.applied, id)
		res.Removed = append(res.Removed, id)
	}

	for _, d := range descs {
		prev, known := s.applied[d.ID]
		switch {
		case !known:
			if _, err := s.mgr.CreateSession(d); err != nil {
				res.Failed[d.ID] = err
				s.log.Warn("create session failed", slog.String("stream_id", d.ID), slog.String("error", err.Error()))
				continue
			}
			res.Created = append(res.Created, d.ID)
		case prev != d:
			if _, err := s.mgr.ReplaceSession(d); err != nil {
				res.Failed[d.ID] = err
				delete(s.applied, d.ID)
				s.log.Warn("replace session failed", slog.String("stream_id", d.ID), slog.String("error", err.Error()))
				continue
			}
			res.Replaced = append(res.Replaced, d.ID)
		default:
			continue
		}
		s.applied[d.ID] = d
	}

	if res.Changed() {
		s.log.Info("registry applied",
			slog.Int("created", len(res.Created)),
			slog.Int("replaced", len(res.Replaced)),
			slog.Int("removed", len(res.Removed)),
			slog.Int("failed", len(res.Failed)))
	}
	return res
}

// ApplyFile converts f and applies it. Invalid entries are logged and skipped.
func (s *Syncer) ApplyFile(f File) Result {
	descs, err := f.Descriptors()
	if err != nil {
		s.log.Warn("registry has invalid entries", slog.String("error", err.Error()))
	}
	return s.Apply(descs)
}

// Seed creates the default stream as the initial session. A registry
// snapshot may later edit it but never removes it.
func (s *Syncer) Seed(d playback.StreamDescriptor) error {
	d.IsDefault = true
	d, err := d.Validate()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.applied[d.ID]; ok {
		return nil
	}
	if _, err := s.mgr.CreateSession(d); err != nil {
		return err
	}
	s.applied[d.ID] = d
	s.seeded[d.ID] = true
	s.log.Info("default stream seeded", slog.String("stream_id", d.ID))
	return nil
}
