package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"live-playback/internal/media"
	"live-playback/internal/platform/metrics"
)

// ErrManagerClosed is returned by CreateSession after Close.
var ErrManagerClosed = errors.New("session manager closed")

const closeParallelism = 8

// SinkProvider hands out the media sink a descriptor's session renders into.
// Returning the same sink for the same id across a replace is allowed: the
// outgoing backend is destroyed before the incoming one attaches. A sink that
// also implements io.Closer is closed if the manager rejects it.
type SinkProvider func(d StreamDescriptor) (media.Sink, error)

// Config wires a Manager to its collaborators. Backends and Sinks are required.
type Config struct {
	Backends BackendFactory
	Sinks    SinkProvider
	// Detect defaults to Detect. Camera descriptors never consult it.
	Detect DetectFunc
	// CameraURL derives the chunked-live URL for a camera device id. It is
	// called on every initialization.
	CameraURL      func(deviceID string) string
	ReconnectDelay time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	// Callbacks are the UI-facing hooks; they run on the manager's dispatcher.
	Callbacks Callbacks
	// Table defaults to an OrderedTable.
	Table Table
}

// Manager owns the sessions of one view, keyed by descriptor id.
// It holds no recovery policy: retry and reconnect live on the Session.
type Manager struct {
	cfg    Config
	log    *slog.Logger
	events *dispatcher

	// replaceMu serializes ReplaceSession so its remove and create are not
	// interleaved with another replace of the same id.
	replaceMu sync.Mutex

	mu    sync.Mutex
	table Table
	// reserved holds ids with a create or replace in flight.
	reserved map[string]struct{}
	// closed rejects new sessions; torndown is set once Close completed.
	closed   bool
	torndown bool
}

// NewManager returns a Manager using cfg.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Detect == nil {
		cfg.Detect = Detect
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	table := cfg.Table
	if table == nil {
		table = NewOrderedTable()
	}
	return &Manager{
		cfg:      cfg,
		log:      cfg.Logger.With(slog.String("component", "session_manager")),
		events:   newDispatcher(),
		table:    table,
		reserved: make(map[string]struct{}),
	}
}

// CreateSession inserts a session for desc and starts it. It fails only on
// structural misuse: an invalid descriptor, a duplicate id, or a closed
// manager. Playback failures surface through the session state and OnError.
func (m *Manager) CreateSession(desc StreamDescriptor) (*Session, error) {
	d, err := desc.Validate()
	if err != nil {
		return nil, err
	}
	if err := m.reserve(d.ID, false); err != nil {
		return nil, err
	}
	defer m.release(d.ID)
	return m.create(d)
}

// reserve claims id for a create. Unless replacing, an id already in the
// table is a duplicate.
func (m *Manager) reserve(id string, replacing bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if _, busy := m.reserved[id]; busy {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	if _, exists := m.table.Get(id); exists && !replacing {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	m.reserved[id] = struct{}{}
	return nil
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	delete(m.reserved, id)
	m.mu.Unlock()
}

// create builds, inserts and starts a session for a reserved id.
func (m *Manager) create(d StreamDescriptor) (*Session, error) {
	sink, sinkErr := m.cfg.Sinks(d)
	s := newSession(d, sink, m.sessionDeps())
	if sinkErr != nil {
		s.sinkErr = sinkErr
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		closeSink(sink)
		return nil, ErrManagerClosed
	}
	if !m.table.Insert(s) {
		m.mu.Unlock()
		closeSink(sink)
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, d.ID)
	}
	n := m.table.Len()
	m.mu.Unlock()

	m.cfg.Metrics.IncSessionsCreated(string(d.Kind))
	m.cfg.Metrics.SetActiveSessions(n)
	m.log.Info("session created",
		slog.String("stream_id", d.ID),
		slog.String("kind", string(d.Kind)),
		slog.String("name", d.DisplayName))

	s.start()
	return s, nil
}

// RemoveSession destroys the session for id and then erases it. Unknown ids
// are a no-op. It reports whether a session was removed.
func (m *Manager) RemoveSession(id string) bool {
	m.mu.Lock()
	s, ok := m.table.Get(id)
	m.mu.Unlock()
	if !ok {
		return false
	}

	// The entry stays in the table until its backend is gone, so a create for
	// the same id in the meantime is rejected as a duplicate.
	s.Destroy()

	m.mu.Lock()
	removed := m.table.Delete(id, s)
	n := m.table.Len()
	m.mu.Unlock()

	if removed {
		m.cfg.Metrics.IncSessionsRemoved()
		m.cfg.Metrics.SetActiveSessions(n)
		m.log.Info("session removed", slog.String("stream_id", id))
	}
	return removed
}

// ReplaceSession destroys the session sharing desc.ID, if any, and creates a
// fresh one. A live backend is never mutated in place. The id stays reserved
// from the removal to the creation, so a concurrent CreateSession for it is
// rejected as a duplicate.
func (m *Manager) ReplaceSession(desc StreamDescriptor) (*Session, error) {
	d, err := desc.Validate()
	if err != nil {
		return nil, err
	}
	m.replaceMu.Lock()
	defer m.replaceMu.Unlock()
	if err := m.reserve(d.ID, true); err != nil {
		return nil, err
	}
	defer m.release(d.ID)
	m.RemoveSession(d.ID)
	return m.create(d)
}

// ListSessions returns display summaries in insertion order.
func (m *Manager) ListSessions() []SessionSummary {
	m.mu.Lock()
	sessions := m.table.List()
	m.mu.Unlock()

	out := make([]SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Summary())
	}
	return out
}

// Session returns the live session for id.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table.Get(id)
}

// SessionCount returns the number of sessions in the table.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table.Len()
}

// Retry restarts the session for id immediately.
func (m *Manager) Retry(id string) error {
	return m.withSession(id, (*Session).Retry)
}

// Reconnect schedules a restart of the session for id after the reconnect delay.
func (m *Manager) Reconnect(id string) error {
	return m.withSession(id, (*Session).Reconnect)
}

// Play resumes the paused session for id.
func (m *Manager) Play(id string) error {
	return m.withSession(id, (*Session).Play)
}

// Pause pauses the playing session for id.
func (m *Manager) Pause(id string) error {
	return m.withSession(id, (*Session).Pause)
}

func (m *Manager) withSession(id string, fn func(*Session) error) error {
	s, ok := m.Session(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return fn(s)
}

// Close destroys every session, the equivalent of the owning view
// unmounting. Sessions are torn down concurrently; ctx bounds the wait.
// Callbacks already queued are delivered before Close returns, so Close must
// not be called from a callback. New sessions are rejected from the first
// call on; if ctx ends first, a later Close finishes the teardown.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.torndown {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := m.table.List()
	m.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		var g errgroup.Group
		g.SetLimit(closeParallelism)
		for _, s := range sessions {
			s := s
			g.Go(func() error {
				s.Destroy()
				m.mu.Lock()
				m.table.Delete(s.ID(), s)
				m.mu.Unlock()
				return nil
			})
		}
		done <- g.Wait()
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("closing sessions: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return err
		}
	}

	m.cfg.Metrics.SetActiveSessions(0)
	select {
	case <-ctx.Done():
		return fmt.Errorf("draining callbacks: %w", ctx.Err())
	case <-m.events.shutdown():
	}

	m.mu.Lock()
	m.torndown = true
	m.mu.Unlock()
	m.log.Info("session manager closed", slog.Int("sessions", len(sessions)))
	return nil
}

func closeSink(sink media.Sink) {
	if c, ok := sink.(io.Closer); ok {
		_ = c.Close()
	}
}

func (m *Manager) sessionDeps() sessionDeps {
	return sessionDeps{
		backends:       m.cfg.Backends,
		detect:         m.cfg.Detect,
		locate:         m.locate,
		reconnectDelay: m.cfg.ReconnectDelay,
		log:            m.cfg.Logger,
		metrics:        m.cfg.Metrics,
		dispatch:       m.events.enqueue,
		callbacks: Callbacks{
			OnError:       m.notifyError,
			OnReady:       m.notifyReady,
			OnStateChange: m.cfg.Callbacks.OnStateChange,
		},
	}
}

// locate resolves the URL a session loads. Camera ids go through the
// camera URL builder each time so every attempt gets a fresh cache buster.
func (m *Manager) locate(d StreamDescriptor) (string, error) {
	if d.Kind != KindCamera {
		return d.SourceLocator, nil
	}
	if m.cfg.CameraURL == nil {
		return "", &PlaybackError{Kind: KindInitialization, Transport: TransportFLV, Detail: "no camera endpoint configured"}
	}
	return m.cfg.CameraURL(d.SourceLocator), nil
}

// notifyError is the session → manager error path.
func (m *Manager) notifyError(id string, info ErrorInfo) {
	m.log.Warn("session error",
		slog.String("stream_id", id),
		slog.String("kind", string(info.Kind)),
		slog.String("message", info.Message))
	if cb := m.cfg.Callbacks.OnError; cb != nil {
		cb(id, info)
	}
}

// notifyReady is the session → manager ready path.
func (m *Manager) notifyReady(id string) {
	m.log.Info("session playing", slog.String("stream_id", id))
	if cb := m.cfg.Callbacks.OnReady; cb != nil {
		cb(id)
	}
}
