package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"live-playback/internal/media"
	"live-playback/internal/platform/metrics"
)

// DefaultReconnectDelay is the pause Reconnect inserts before re-initializing.
const DefaultReconnectDelay = time.Second

// Callbacks are the hooks a session reports through. Each is optional. They
// run on the manager's dispatcher, in order, never on a backend goroutine.
type Callbacks struct {
	// OnError is invoked exactly once per transition into StateError.
	OnError func(id string, info ErrorInfo)
	// OnReady is invoked on every transition into StatePlaying from Initializing.
	OnReady func(id string)
	// OnStateChange observes every state transition.
	OnStateChange func(id string, from, to State)
}

// LocatorFunc resolves the URL to load for a descriptor. It runs on every
// entry into StateInitializing so per-attempt values (such as cache busters)
// are regenerated.
type LocatorFunc func(d StreamDescriptor) (string, error)

// sessionDeps are the collaborators a session uses; the manager builds them.
type sessionDeps struct {
	backends       BackendFactory
	detect         DetectFunc
	locate         LocatorFunc
	reconnectDelay time.Duration
	log            *slog.Logger
	metrics        *metrics.Metrics
	callbacks      Callbacks
	dispatch       func(func())
}

// binding identifies one launched backend. Events are accepted only from the
// binding the session currently holds, so a late callback from a replaced or
// destroyed backend is a no-op even if a new backend has the same transport.
type binding struct {
	id        string
	transport Transport
}

// Session is the state machine driving one descriptor's playback on one sink.
// Transitions (start, Retry, Reconnect, Destroy) are serialized by opMu;
// state read and written by backend events is guarded by mu. Backend.Destroy
// is only called with opMu held and mu released, so a backend goroutine
// blocked on delivering an event can always finish.
type Session struct {
	desc StreamDescriptor
	sink media.Sink
	// sinkErr is why the sink provider could not supply a sink.
	sinkErr error
	deps    sessionDeps
	log     *slog.Logger

	opMu sync.Mutex

	mu        sync.Mutex
	state     State
	transport Transport
	attempt   uint
	lastError *ErrorInfo
	nonFatal  uint64
	mediaInfo map[string]any
	backend   Backend
	current   *binding
	reconnect *pendingReconnect
}

// pendingReconnect is the identity of one scheduled reconnect.
type pendingReconnect struct {
	timer *time.Timer
}

func newSession(desc StreamDescriptor, sink media.Sink, deps sessionDeps) *Session {
	if deps.reconnectDelay <= 0 {
		deps.reconnectDelay = DefaultReconnectDelay
	}
	if deps.detect == nil {
		deps.detect = Detect
	}
	if deps.dispatch == nil {
		deps.dispatch = runInline
	}
	return &Session{
		desc:  desc,
		sink:  sink,
		deps:  deps,
		state: StateIdle,
		log: deps.log.With(
			slog.String("stream_id", desc.ID),
			slog.String("kind", string(desc.Kind)),
		),
	}
}

// ID returns the descriptor id the session is keyed by.
func (s *Session) ID() string { return s.desc.ID }

// Descriptor returns the descriptor the session was created from.
func (s *Session) Descriptor() StreamDescriptor { return s.desc }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempt returns the number of fatal failures since the last Ready.
func (s *Session) Attempt() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// LastError returns a copy of the most recent fatal error, if any.
func (s *Session) LastError() *ErrorInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastError == nil {
		return nil
	}
	e := *s.lastError
	return &e
}

// Summary returns the display row for the session.
func (s *Session) Summary() SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := SessionSummary{
		ID:             s.desc.ID,
		Kind:           s.desc.Kind,
		DisplayName:    s.desc.DisplayName,
		State:          s.state,
		Transport:      s.transport,
		Attempt:        s.attempt,
		NonFatalErrors: s.nonFatal,
		IsDefault:      s.desc.IsDefault,
	}
	if s.lastError != nil {
		e := *s.lastError
		sum.LastError = &e
	}
	if len(s.mediaInfo) > 0 {
		sum.MediaInfo = make(map[string]any, len(s.mediaInfo))
		for k, v := range s.mediaInfo {
			sum.MediaInfo[k] = v
		}
	}
	return sum
}

// start performs the Idle → Initializing transition.
func (s *Session) start() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.initialize()
}

// Retry re-enters Initializing immediately with the same descriptor.
func (s *Session) Retry() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.State() == StateDestroyed {
		return ErrSessionDestroyed
	}
	s.deps.metrics.IncRetries("retry")
	s.log.Info("retry requested", slog.Uint64("attempt", uint64(s.Attempt())))
	s.initialize()
	return nil
}

// Reconnect re-enters Initializing after the reconnect delay. A pending
// reconnect is replaced; Destroy cancels it.
func (s *Session) Reconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDestroyed {
		return ErrSessionDestroyed
	}
	s.stopReconnectLocked()

	p := &pendingReconnect{}
	p.timer = time.AfterFunc(s.deps.reconnectDelay, func() { s.fireReconnect(p) })
	s.reconnect = p
	s.log.Info("reconnect scheduled", slog.Duration("delay", s.deps.reconnectDelay))
	return nil
}

func (s *Session) fireReconnect(p *pendingReconnect) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.reconnect != p || s.state == StateDestroyed {
		s.mu.Unlock()
		return
	}
	s.reconnect = nil
	s.mu.Unlock()

	s.deps.metrics.IncRetries("reconnect")
	s.initialize()
}

func (s *Session) stopReconnectLocked() {
	if s.reconnect != nil {
		s.reconnect.timer.Stop()
		s.reconnect = nil
	}
}

// Play resumes a paused session.
func (s *Session) Play() error {
	return s.toggle(StatePaused, StatePlaying, func(c media.Controller) error { return c.Play() })
}

// Pause pauses a playing session. The backend stays attached.
func (s *Session) Pause() error {
	return s.toggle(StatePlaying, StatePaused, func(c media.Controller) error { return c.Pause() })
}

func (s *Session) toggle(from, to State, apply func(media.Controller) error) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	switch s.state {
	case to:
		s.mu.Unlock()
		return nil
	case from:
	case StateDestroyed:
		s.mu.Unlock()
		return ErrSessionDestroyed
	default:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot go from %s to %s", ErrInvalidTransition, st, to)
	}
	s.mu.Unlock()

	if c, ok := s.sink.(media.Controller); ok {
		if err := apply(c); err != nil {
			return fmt.Errorf("sink %s: %w", to, err)
		}
	}

	s.mu.Lock()
	if s.state != from {
		// A backend event moved the session while the sink was being driven.
		s.mu.Unlock()
		return nil
	}
	s.state = to
	s.mu.Unlock()
	s.notifyState(from, to)
	return nil
}

// Destroy unsubscribes and destroys the backend, cancels any pending
// reconnect, and then commits StateDestroyed. It is idempotent.
func (s *Session) Destroy() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return
	}
	s.current = nil
	s.stopReconnectLocked()
	b := s.backend
	s.backend = nil
	s.mu.Unlock()

	if b != nil {
		b.Destroy()
	}

	s.mu.Lock()
	from := s.state
	s.state = StateDestroyed
	s.mu.Unlock()

	s.log.Info("session destroyed")
	s.notifyState(from, StateDestroyed)
}

// initialize is the single place a backend is created. Caller holds opMu.
func (s *Session) initialize() {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return
	}
	s.current = nil
	s.stopReconnectLocked()
	old := s.backend
	s.backend = nil
	s.mu.Unlock()

	// The previous backend must be fully released before a new one touches the sink.
	if old != nil {
		old.Destroy()
	}

	s.setState(StateInitializing)

	transport, defaulted := TransportFLV, false
	if s.desc.Kind != KindCamera {
		transport, defaulted = s.detectTransport()
	}

	s.mu.Lock()
	s.transport = transport
	s.mu.Unlock()

	if !transport.Supported() {
		s.fail(nil, &PlaybackError{
			Kind:      KindUnsupportedProtocol,
			Transport: transport,
			Fatal:     true,
			Err:       ErrUnsupportedProtocol,
		})
		return
	}

	if s.sink == nil {
		err := s.sinkErr
		if err == nil {
			err = ErrNotAttached
		}
		s.fail(nil, &PlaybackError{Kind: KindInitialization, Transport: transport, Detail: "media sink unavailable", Fatal: true, Err: err})
		return
	}

	locator, err := s.deps.locate(s.desc)
	if err != nil {
		s.fail(nil, classify(transport, err))
		return
	}

	bnd, b, err := s.launch(transport, locator)
	if err != nil && defaulted && transport == TransportHLS {
		s.log.Info("hls initialization failed, falling back to flv", slog.String("error", err.Error()))
		s.deps.metrics.IncTransportFallbacks()
		transport = TransportFLV
		s.mu.Lock()
		s.transport = transport
		s.mu.Unlock()
		bnd, b, err = s.launch(transport, locator)
	}
	if err != nil {
		s.fail(nil, classify(transport, err))
		return
	}

	s.mu.Lock()
	s.backend = b
	s.mu.Unlock()
	s.log.Debug("backend loading", slog.String("transport", string(transport)), slog.String("binding", bnd.id))
}

func (s *Session) detectTransport() (Transport, bool) {
	hint := s.desc.ProtocolHint
	t := s.deps.detect(s.desc.SourceLocator, hint)
	// The fallback applies only when nothing in the locator or the hint chose the transport.
	_, defaulted := detect(s.desc.SourceLocator, hint)
	return t, defaulted && t == TransportHLS
}

// launch constructs, attaches and loads one backend under a fresh binding.
// On failure the backend is destroyed before returning.
func (s *Session) launch(t Transport, locator string) (*binding, Backend, error) {
	bnd := &binding{id: uuid.NewString(), transport: t}
	s.mu.Lock()
	s.current = bnd
	s.mu.Unlock()

	b, err := s.deps.backends(t, func(ev Event) { s.handleEvent(bnd, ev) })
	if err != nil {
		return bnd, nil, err
	}
	if err := b.Attach(s.sink); err != nil {
		b.Destroy()
		return bnd, nil, err
	}
	if err := b.Load(locator); err != nil {
		b.Destroy()
		return bnd, nil, err
	}
	return bnd, b, nil
}

// handleEvent applies one backend event. Events from any binding other than
// the current one are ignored.
func (s *Session) handleEvent(bnd *binding, ev Event) {
	s.mu.Lock()
	if s.state == StateDestroyed || s.current != bnd {
		s.mu.Unlock()
		return
	}

	switch ev.Type {
	case EventReady:
		if s.state != StateInitializing {
			s.mu.Unlock()
			return
		}
		s.state = StatePlaying
		s.lastError = nil
		s.attempt = 0
		s.mu.Unlock()

		s.log.Info("stream ready", slog.String("transport", string(bnd.transport)))
		s.deps.metrics.IncReady(string(bnd.transport))
		s.notifyState(StateInitializing, StatePlaying)
		if cb := s.deps.callbacks.OnReady; cb != nil {
			id := s.desc.ID
			s.deps.dispatch(func() { cb(id) })
		}

	case EventError:
		pe := ev.Err
		if pe == nil {
			pe = &PlaybackError{Kind: KindNetwork, Transport: bnd.transport, Fatal: true, Err: errors.New("unspecified backend error")}
		}
		if !pe.Fatal {
			s.nonFatal++
			s.mu.Unlock()
			s.log.Warn("non-fatal playback error", slog.String("kind", string(pe.Kind)), slog.String("error", pe.Error()))
			s.deps.metrics.IncNonFatalErrors(string(bnd.transport))
			return
		}
		s.mu.Unlock()
		s.fail(bnd, pe)

	case EventInfo:
		merged := make(map[string]any, len(s.mediaInfo)+len(ev.Info))
		for k, v := range s.mediaInfo {
			merged[k] = v
		}
		for k, v := range ev.Info {
			merged[k] = v
		}
		s.mediaInfo = merged
		s.mu.Unlock()
		s.log.Debug("stream info", slog.Any("info", ev.Info))

	default:
		s.mu.Unlock()
	}
}

// fail moves the session to StateError. bnd is the binding that reported the
// failure, or nil for a synchronous failure inside initialize.
func (s *Session) fail(bnd *binding, pe *PlaybackError) {
	s.mu.Lock()
	if s.state == StateDestroyed || (bnd != nil && s.current != bnd) {
		s.mu.Unlock()
		return
	}
	switch s.state {
	case StateInitializing, StatePlaying, StatePaused:
	default:
		// Already in Error (or Idle): one callback per transition.
		s.mu.Unlock()
		return
	}
	from := s.state
	info := ErrorInfo{
		Kind:      pe.Kind,
		Transport: pe.Transport,
		Message:   userMessage(pe),
		Detail:    pe.Error(),
		Fatal:     true,
		At:        time.Now().UTC(),
	}
	s.state = StateError
	s.lastError = &info
	s.attempt++
	attempt := s.attempt
	s.mu.Unlock()

	s.log.Error("playback failed",
		slog.String("kind", string(pe.Kind)),
		slog.String("transport", string(pe.Transport)),
		slog.Uint64("attempt", uint64(attempt)),
		slog.String("error", pe.Error()))
	s.deps.metrics.IncFatalErrors(string(pe.Kind))
	s.notifyState(from, StateError)
	if cb := s.deps.callbacks.OnError; cb != nil {
		id := s.desc.ID
		s.deps.dispatch(func() { cb(id, info) })
	}
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from != to {
		s.notifyState(from, to)
	}
}

func (s *Session) notifyState(from, to State) {
	s.log.Debug("state change", slog.String("from", string(from)), slog.String("to", string(to)))
	if cb := s.deps.callbacks.OnStateChange; cb != nil {
		id := s.desc.ID
		s.deps.dispatch(func() { cb(id, from, to) })
	}
}
