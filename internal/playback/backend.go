package playback

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"live-playback/internal/media"
)

// EventType enumerates the normalized backend events.
type EventType int

const (
	// EventReady means the first playable media reached the sink.
	EventReady EventType = iota + 1
	// EventError carries a *PlaybackError; Fatal decides whether the session
	// leaves its current state.
	EventError
	// EventInfo is advisory metadata and never changes session state.
	EventInfo
)

func (t EventType) String() string {
	switch t {
	case EventReady:
		return "ready"
	case EventError:
		return "error"
	case EventInfo:
		return "info"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is one notification from a backend.
type Event struct {
	Type EventType
	Err  *PlaybackError
	Info map[string]any
}

// EmitFunc receives backend events in emission order.
type EmitFunc func(Event)

// Backend is one transport instance bound to at most one sink.
type Backend interface {
	Transport() Transport
	// Attach binds the backend to sink. Attaching to the same sink again is a
	// no-op; a sink lacking the needed decode capability yields
	// ErrUnsupportedPlatform.
	Attach(sink media.Sink) error
	// Load starts acquiring locator. Completion is signaled by events; the
	// returned error only covers synchronous setup failures.
	Load(locator string) error
	// Destroy releases all network and sink resources. It is idempotent and
	// returns only once the loader has stopped.
	Destroy()
}

// BackendFactory constructs the backend for a supported transport.
type BackendFactory func(t Transport, emit EmitFunc) (Backend, error)

const (
	defaultHTTPRetryMax = 2
	maxManifestBytes    = 4 << 20
	maxSegmentBytes     = 64 << 20
)

// BackendOptions configure the HTTP backends built by NewBackendFactory.
type BackendOptions struct {
	Client *retryablehttp.Client
	Logger *slog.Logger
	FLV    FLVOptions
	HLS    HLSOptions
}

// NewBackendFactory returns the production factory: FLV and HLS backends
// sharing one retrying HTTP client.
func NewBackendFactory(opts BackendOptions) BackendFactory {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	client := opts.Client
	if client == nil {
		client = NewHTTPClient(defaultHTTPRetryMax, log)
	}
	return func(t Transport, emit EmitFunc) (Backend, error) {
		switch t {
		case TransportFLV:
			return newFLVBackend(emit, client, opts.FLV, log), nil
		case TransportHLS:
			return newHLSBackend(emit, client, opts.HLS, log), nil
		default:
			return nil, &PlaybackError{Kind: KindUnsupportedProtocol, Transport: t, Fatal: true, Err: ErrUnsupportedProtocol}
		}
	}
}

// NewHTTPClient returns a retrying client over a pooled transport. Once the
// retries are spent the last response is handed back unchanged so callers
// can report the status code.
func NewHTTPClient(retryMax int, log *slog.Logger) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.HTTPClient = cleanhttp.DefaultPooledClient()
	c.RetryMax = retryMax
	c.RetryWaitMin = 100 * time.Millisecond
	c.RetryWaitMax = time.Second
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if log != nil {
		c.Logger = log.With(slog.String("component", "http"))
	} else {
		c.Logger = nil
	}
	return c
}

// backendBase holds the attach/load/destroy bookkeeping both transports share.
type backendBase struct {
	transport Transport
	emitFn    EmitFunc

	mu        sync.Mutex
	sink      media.Sink
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	loading   bool
	destroyed bool
	onDestroy func()
}

func newBackendBase(t Transport, emit EmitFunc) backendBase {
	ctx, cancel := context.WithCancel(context.Background())
	return backendBase{transport: t, emitFn: emit, ctx: ctx, cancel: cancel}
}

func (b *backendBase) Transport() Transport { return b.transport }

// attach records sink after check has accepted it.
func (b *backendBase) attach(sink media.Sink, check func(media.Sink) error) error {
	if sink == nil {
		return &PlaybackError{Kind: KindInitialization, Transport: b.transport, Detail: "no media sink", Err: ErrNotAttached}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return &PlaybackError{Kind: KindInitialization, Transport: b.transport, Err: ErrBackendDestroyed}
	}
	if b.sink != nil {
		if b.sink == sink {
			return nil
		}
		return &PlaybackError{Kind: KindInitialization, Transport: b.transport, Err: ErrAlreadyAttached}
	}
	if err := check(sink); err != nil {
		return err
	}
	b.sink = sink
	return nil
}

func (b *backendBase) attachedSink() media.Sink {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sink
}

// start runs fn on its own goroutine; Destroy waits for it to return.
func (b *backendBase) start(fn func(ctx context.Context, sink media.Sink)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.destroyed:
		return &PlaybackError{Kind: KindInitialization, Transport: b.transport, Err: ErrBackendDestroyed}
	case b.sink == nil:
		return &PlaybackError{Kind: KindInitialization, Transport: b.transport, Err: ErrNotAttached}
	case b.loading:
		return &PlaybackError{Kind: KindInitialization, Transport: b.transport, Detail: "load already in progress"}
	}
	b.loading = true
	b.done = make(chan struct{})
	sink, ctx, done := b.sink, b.ctx, b.done
	go func() {
		defer close(done)
		fn(ctx, sink)
	}()
	return nil
}

func (b *backendBase) Destroy() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	b.cancel()
	done, hook := b.done, b.onDestroy
	b.mu.Unlock()

	if done != nil {
		<-done
	}
	if hook != nil {
		hook()
	}

	b.mu.Lock()
	b.sink = nil
	b.mu.Unlock()
}

// emit drops events once the backend context is gone.
func (b *backendBase) emit(ctx context.Context, ev Event) {
	if ctx.Err() != nil || b.emitFn == nil {
		return
	}
	b.emitFn(ev)
}

func (b *backendBase) emitError(ctx context.Context, pe *PlaybackError) {
	b.emit(ctx, Event{Type: EventError, Err: pe})
}

func (b *backendBase) networkError(detail string, err error, fatal bool) *PlaybackError {
	return &PlaybackError{Kind: KindNetwork, Transport: b.transport, Detail: detail, Err: err, Fatal: fatal}
}

// sleep waits d or until ctx ends; it reports whether the wait completed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// parseHTTPURL accepts absolute http(s) locators only.
func parseHTTPURL(t Transport, locator string) (*url.URL, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return nil, &PlaybackError{Kind: KindInitialization, Transport: t, Detail: "invalid stream url", Err: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &PlaybackError{Kind: KindInitialization, Transport: t, Detail: fmt.Sprintf("unsupported url scheme %q", u.Scheme)}
	}
	if u.Host == "" {
		return nil, &PlaybackError{Kind: KindInitialization, Transport: t, Detail: "stream url has no host"}
	}
	return u, nil
}

// openStream issues a GET and returns the body of a 200 response.
func openStream(ctx context.Context, client *retryablehttp.Client, rawURL string) (io.ReadCloser, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// fetchAll reads a whole response body, refusing anything above limit bytes.
func fetchAll(ctx context.Context, client *retryablehttp.Client, rawURL string, limit int64) ([]byte, error) {
	body, err := openStream(ctx, client, rawURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("response exceeds %d bytes", limit)
	}
	return data, nil
}
