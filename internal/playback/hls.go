package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/grafov/m3u8"
	"github.com/hashicorp/go-retryablehttp"

	"live-playback/internal/media"
)

const (
	defaultHLSFatalAfter = 3
	defaultLiveSync      = 3
	defaultMinRefresh    = 500 * time.Millisecond
)

// HLSOptions tune the adaptive segmented backend.
type HLSOptions struct {
	// FatalAfter is the number of consecutive segment or playlist refresh
	// failures tolerated as non-fatal. The initial manifest load is always
	// fatal on failure. Default 3.
	FatalAfter int
	// LiveSyncSegments is how many segments behind the live edge playback
	// starts. Default 3.
	LiveSyncSegments int
	// MaxBandwidth caps the variant chosen from a master playlist; 0 means
	// the highest bandwidth variant.
	MaxBandwidth uint32
	// MinRefresh is the floor for the playlist polling interval.
	MinRefresh time.Duration
}

type hlsMode int

const (
	hlsModeEngine hlsMode = iota + 1
	hlsModeNative
)

// hlsBackend plays a live HLS stream. With a sink that decodes MPEG-TS it
// runs its own playlist/segment loop; with a sink that only plays HLS
// natively it hands over the manifest URL (direct-assignment mode).
type hlsBackend struct {
	backendBase
	client *retryablehttp.Client
	opts   HLSOptions
	log    *slog.Logger
	mode   hlsMode
}

func newHLSBackend(emit EmitFunc, client *retryablehttp.Client, opts HLSOptions, log *slog.Logger) *hlsBackend {
	if opts.FatalAfter < 1 {
		opts.FatalAfter = defaultHLSFatalAfter
	}
	if opts.LiveSyncSegments < 1 {
		opts.LiveSyncSegments = defaultLiveSync
	}
	if opts.MinRefresh <= 0 {
		opts.MinRefresh = defaultMinRefresh
	}
	return &hlsBackend{
		backendBase: newBackendBase(TransportHLS, emit),
		client:      client,
		opts:        opts,
		log:         log.With(slog.String("transport", string(TransportHLS))),
	}
}

func (b *hlsBackend) Attach(sink media.Sink) error {
	return b.attach(sink, func(s media.Sink) error {
		if s.CanDecode(media.ContainerMPEGTS) {
			b.mode = hlsModeEngine
			return nil
		}
		if np, ok := s.(media.NativePlayer); ok && np.CanPlayNative(media.ContainerHLS) {
			b.mode = hlsModeNative
			return nil
		}
		return &PlaybackError{Kind: KindUnsupportedPlatform, Transport: TransportHLS, Err: ErrUnsupportedPlatform}
	})
}

func (b *hlsBackend) Load(locator string) error {
	u, err := parseHTTPURL(TransportHLS, locator)
	if err != nil {
		return err
	}
	sink := b.attachedSink()
	if sink == nil {
		return &PlaybackError{Kind: KindInitialization, Transport: TransportHLS, Err: ErrNotAttached}
	}
	if b.mode == hlsModeNative {
		return b.loadNative(sink.(media.NativePlayer), u.String())
	}
	return b.start(func(ctx context.Context, sink media.Sink) {
		b.run(ctx, sink, u)
	})
}

// loadNative assigns the manifest to the sink and reports Ready when the sink
// signals loaded metadata.
func (b *hlsBackend) loadNative(np media.NativePlayer, target string) error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return &PlaybackError{Kind: KindInitialization, Transport: TransportHLS, Err: ErrBackendDestroyed}
	}
	if b.loading {
		b.mu.Unlock()
		return &PlaybackError{Kind: KindInitialization, Transport: TransportHLS, Detail: "load already in progress"}
	}
	b.loading = true
	b.onDestroy = np.ClearSource
	ctx := b.ctx
	b.mu.Unlock()

	err := np.SetSource(ctx, target, func(err error) {
		if err != nil {
			b.emitError(ctx, b.networkError("native playback failed", err, true))
			return
		}
		b.emit(ctx, Event{Type: EventReady})
	})
	if err != nil {
		return &PlaybackError{Kind: KindInitialization, Transport: TransportHLS, Detail: "native source rejected", Err: err}
	}
	b.emit(ctx, Event{Type: EventInfo, Info: map[string]any{"container": "hls", "mode": "native"}})
	return nil
}

func (b *hlsBackend) run(ctx context.Context, sink media.Sink, manifest *url.URL) {
	pl, mediaURL, variant, err := b.loadManifest(ctx, manifest)
	if err != nil {
		if ctx.Err() == nil {
			err.Fatal = true
			b.emitError(ctx, err)
		}
		return
	}
	info := map[string]any{
		"container":       "hls",
		"mode":            "engine",
		"target_duration": pl.TargetDuration,
		"live":            !pl.Closed,
	}
	if variant != nil {
		info["bandwidth"] = variant.Bandwidth
		info["resolution"] = variant.Resolution
	}
	b.emit(ctx, Event{Type: EventInfo, Info: info})

	var (
		cur      segmentCursor
		failures int
		ready    bool
	)
	fail := func(pe *PlaybackError) bool {
		failures++
		if failures >= b.opts.FatalAfter {
			pe.Fatal = true
			b.emitError(ctx, pe)
			return true
		}
		b.emitError(ctx, pe)
		return false
	}

	for {
		segs := playlistSegments(pl)
		if cur.rewound(segs) {
			b.log.Warn("media sequence reset, restarting at live edge",
				slog.Uint64("last_fetched", cur.last),
				slog.Uint64("newest_listed", segs[len(segs)-1].sequence))
			cur.reset()
			b.emit(ctx, Event{Type: EventInfo, Info: map[string]any{"sequence_reset": true}})
		}
		pending := cur.next(segs, b.opts.LiveSyncSegments)
		for _, seg := range pending {
			data, err := fetchAll(ctx, b.client, resolveURI(mediaURL, seg.uri), maxSegmentBytes)
			if ctx.Err() != nil {
				return
			}
			cur.advance(seg.sequence)
			if err != nil {
				b.log.Debug("segment fetch failed", slog.Uint64("sequence", seg.sequence), slog.String("error", err.Error()))
				if fail(b.networkError(fmt.Sprintf("segment %d fetch failed", seg.sequence), err, false)) {
					return
				}
				continue
			}
			failures = 0
			if err := sink.WriteChunk(media.Chunk{Container: media.ContainerMPEGTS, Sequence: seg.sequence, Data: data}); err != nil && !errors.Is(err, media.ErrPaused) {
				b.log.Debug("sink rejected segment", slog.Uint64("sequence", seg.sequence), slog.String("error", err.Error()))
			}
			if !ready {
				ready = true
				b.emit(ctx, Event{Type: EventReady})
			}
		}

		if pl.Closed {
			b.emit(ctx, Event{Type: EventInfo, Info: map[string]any{"ended": true}})
			return
		}
		if !sleep(ctx, refreshInterval(pl, len(pending) > 0, b.opts.MinRefresh)) {
			return
		}
		next, err := b.fetchMediaPlaylist(ctx, mediaURL)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if fail(err) {
				return
			}
			continue
		}
		pl = next
	}
}

// loadManifest fetches the locator and, for a master playlist, the chosen
// variant's media playlist.
func (b *hlsBackend) loadManifest(ctx context.Context, manifest *url.URL) (*m3u8.MediaPlaylist, *url.URL, *m3u8.VariantParams, *PlaybackError) {
	p, listType, err := b.fetchPlaylist(ctx, manifest)
	if err != nil {
		return nil, nil, nil, err
	}
	if listType == m3u8.MEDIA {
		return p.(*m3u8.MediaPlaylist), manifest, nil, nil
	}

	master := p.(*m3u8.MasterPlaylist)
	v := selectVariant(master.Variants, b.opts.MaxBandwidth)
	if v == nil {
		return nil, nil, nil, &PlaybackError{Kind: KindMedia, Transport: TransportHLS, Detail: "master playlist has no variants"}
	}
	variantURL := manifest.ResolveReference(mustParseRef(v.URI))
	pl, err := b.fetchMediaPlaylist(ctx, variantURL)
	if err != nil {
		return nil, nil, nil, err
	}
	return pl, variantURL, &v.VariantParams, nil
}

func (b *hlsBackend) fetchMediaPlaylist(ctx context.Context, u *url.URL) (*m3u8.MediaPlaylist, *PlaybackError) {
	p, listType, err := b.fetchPlaylist(ctx, u)
	if err != nil {
		return nil, err
	}
	if listType != m3u8.MEDIA {
		return nil, &PlaybackError{Kind: KindMedia, Transport: TransportHLS, Detail: "expected a media playlist"}
	}
	return p.(*m3u8.MediaPlaylist), nil
}

func (b *hlsBackend) fetchPlaylist(ctx context.Context, u *url.URL) (m3u8.Playlist, m3u8.ListType, *PlaybackError) {
	data, err := fetchAll(ctx, b.client, u.String(), maxManifestBytes)
	if err != nil {
		return nil, 0, b.networkError("manifest load failed", err, false)
	}
	p, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), false)
	if err != nil {
		return nil, 0, &PlaybackError{Kind: KindMedia, Transport: TransportHLS, Detail: "manifest parse failed", Err: err}
	}
	return p, listType, nil
}

// selectVariant picks the highest bandwidth variant not above maxBandwidth,
// or the lowest one when every variant exceeds the cap.
func selectVariant(variants []*m3u8.Variant, maxBandwidth uint32) *m3u8.Variant {
	var best, lowest *m3u8.Variant
	for _, v := range variants {
		if v == nil || v.URI == "" {
			continue
		}
		if lowest == nil || v.Bandwidth < lowest.Bandwidth {
			lowest = v
		}
		if maxBandwidth > 0 && v.Bandwidth > maxBandwidth {
			continue
		}
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	if best == nil {
		return lowest
	}
	return best
}

func mustParseRef(ref string) *url.URL {
	u, err := url.Parse(ref)
	if err != nil {
		return &url.URL{Path: ref}
	}
	return u
}

func resolveURI(base *url.URL, ref string) string {
	return base.ResolveReference(mustParseRef(ref)).String()
}
