package playback

import (
	"context"
	"sync"
	"testing"
	"time"

	"live-playback/internal/media"
	"live-playback/internal/platform/logger"
)

// fakeSink is a controllable media.Sink.
type fakeSink struct {
	mu         sync.Mutex
	containers map[media.Container]bool
	chunks     int
	plays      int
	pauses     int
}

func newFakeSink(containers ...media.Container) *fakeSink {
	if len(containers) == 0 {
		containers = []media.Container{media.ContainerFLV, media.ContainerMPEGTS}
	}
	s := &fakeSink{containers: map[media.Container]bool{}}
	for _, c := range containers {
		s.containers[c] = true
	}
	return s
}

func (s *fakeSink) CanDecode(c media.Container) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.containers[c]
}

func (s *fakeSink) WriteChunk(media.Chunk) error {
	s.mu.Lock()
	s.chunks++
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) Play() error {
	s.mu.Lock()
	s.plays++
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) Pause() error {
	s.mu.Lock()
	s.pauses++
	s.mu.Unlock()
	return nil
}

// fakeBackend records calls and lets tests emit events by hand.
type fakeBackend struct {
	f         *fakeFactory
	transport Transport
	emitFn    EmitFunc

	mu          sync.Mutex
	sink        media.Sink
	locator     string
	attachCalls int
	loadCalls   int
	destroyed   int
}

func (b *fakeBackend) Transport() Transport { return b.transport }

func (b *fakeBackend) Attach(sink media.Sink) error {
	b.mu.Lock()
	b.attachCalls++
	b.mu.Unlock()
	if err := b.f.attachErr(b.transport); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sink == sink {
		return nil
	}
	b.sink = sink
	b.f.attached(sink)
	return nil
}

func (b *fakeBackend) Load(locator string) error {
	b.mu.Lock()
	b.loadCalls++
	b.locator = locator
	b.mu.Unlock()
	return b.f.loadErr(b.transport)
}

func (b *fakeBackend) Destroy() {
	if g := b.f.gate(); g != nil {
		<-g
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.destroyed++
	if b.destroyed == 1 && b.sink != nil {
		b.f.detached(b.sink)
	}
}

func (b *fakeBackend) send(ev Event) { b.emitFn(ev) }

func (b *fakeBackend) ready() { b.send(Event{Type: EventReady}) }

func (b *fakeBackend) fatal() {
	b.send(Event{Type: EventError, Err: &PlaybackError{Kind: KindNetwork, Transport: b.transport, Detail: "manifestLoadError", Fatal: true}})
}

func (b *fakeBackend) isDestroyed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed > 0
}

func (b *fakeBackend) loadedLocator() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.locator
}

// fakeFactory builds fakeBackends and tracks how many are attached per sink.
type fakeFactory struct {
	mu         sync.Mutex
	backends   []*fakeBackend
	live       map[media.Sink]int
	maxLive    int
	attachErrs map[Transport]error
	loadErrs   map[Transport]error
	// destroyGate, when set, holds every Destroy until it is closed.
	destroyGate chan struct{}
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		live:       map[media.Sink]int{},
		attachErrs: map[Transport]error{},
		loadErrs:   map[Transport]error{},
	}
}

func (f *fakeFactory) build(t Transport, emit EmitFunc) (Backend, error) {
	b := &fakeBackend{f: f, transport: t, emitFn: emit}
	f.mu.Lock()
	f.backends = append(f.backends, b)
	f.mu.Unlock()
	return b, nil
}

func (f *fakeFactory) failAttach(t Transport, err error) {
	f.mu.Lock()
	f.attachErrs[t] = err
	f.mu.Unlock()
}

func (f *fakeFactory) holdDestroy() chan struct{} {
	g := make(chan struct{})
	f.mu.Lock()
	f.destroyGate = g
	f.mu.Unlock()
	return g
}

func (f *fakeFactory) gate() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyGate
}

func (f *fakeFactory) attachErr(t Transport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attachErrs[t]
}

func (f *fakeFactory) loadErr(t Transport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadErrs[t]
}

func (f *fakeFactory) attached(s media.Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[s]++
	if f.live[s] > f.maxLive {
		f.maxLive = f.live[s]
	}
}

func (f *fakeFactory) detached(s media.Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[s]--
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.backends)
}

func (f *fakeFactory) last() *fakeBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.backends) == 0 {
		return nil
	}
	return f.backends[len(f.backends)-1]
}

func (f *fakeFactory) liveOn(s media.Sink) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[s]
}

func (f *fakeFactory) peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxLive
}

// callbackLog records UI callbacks.
type callbackLog struct {
	mu     sync.Mutex
	errors map[string][]ErrorInfo
	ready  map[string]int
}

func newCallbackLog() *callbackLog {
	return &callbackLog{errors: map[string][]ErrorInfo{}, ready: map[string]int{}}
}

func (c *callbackLog) callbacks() Callbacks {
	return Callbacks{
		OnError: func(id string, info ErrorInfo) {
			c.mu.Lock()
			c.errors[id] = append(c.errors[id], info)
			c.mu.Unlock()
		},
		OnReady: func(id string) {
			c.mu.Lock()
			c.ready[id]++
			c.mu.Unlock()
		},
	}
}

func (c *callbackLog) errorCount(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errors[id])
}

func (c *callbackLog) readyCount(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready[id]
}

type testEnv struct {
	mgr     *Manager
	backs   *fakeFactory
	cbs     *callbackLog
	sinks   map[string]*fakeSink
	sinksMu sync.Mutex
	detects int
	detMu   sync.Mutex
}

func newTestEnv(t *testing.T, tweak ...func(*Config)) *testEnv {
	t.Helper()
	env := &testEnv{backs: newFakeFactory(), cbs: newCallbackLog(), sinks: map[string]*fakeSink{}}
	cfg := Config{
		Backends: env.backs.build,
		Sinks:    env.sink,
		Detect: func(locator string, hint ProtocolHint) Transport {
			env.detMu.Lock()
			env.detects++
			env.detMu.Unlock()
			return Detect(locator, hint)
		},
		CameraURL:      func(id string) string { return "https://cam.example/live?devid=" + id },
		ReconnectDelay: 20 * time.Millisecond,
		Logger:         logger.Discard(),
		Callbacks:      env.cbs.callbacks(),
	}
	for _, fn := range tweak {
		fn(&cfg)
	}
	env.mgr = NewManager(cfg)
	t.Cleanup(func() { _ = env.mgr.Close(context.Background()) })
	return env
}

// sink returns the same fakeSink for the same id, so replacements reuse it.
func (e *testEnv) sink(d StreamDescriptor) (media.Sink, error) {
	e.sinksMu.Lock()
	defer e.sinksMu.Unlock()
	s, ok := e.sinks[d.ID]
	if !ok {
		s = newFakeSink()
		e.sinks[d.ID] = s
	}
	return s, nil
}

func (e *testEnv) sinkFor(id string) *fakeSink {
	e.sinksMu.Lock()
	defer e.sinksMu.Unlock()
	return e.sinks[id]
}

func (e *testEnv) detectCalls() int {
	e.detMu.Lock()
	defer e.detMu.Unlock()
	return e.detects
}

// flush waits until every callback queued so far has run.
func (e *testEnv) flush() {
	done := make(chan struct{})
	e.mgr.events.enqueue(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}
