package playback

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"live-playback/internal/media"
)

const (
	flvHeaderSize    = 9
	flvTagHeaderSize = 11

	flvTagAudio  = 8
	flvTagVideo  = 9
	flvTagScript = 18

	flvFlagAudio = 0x04
	flvFlagVideo = 0x01
)

var errFLVSignature = errors.New("missing FLV signature")

// FLVOptions tune the chunked live backend.
type FLVOptions struct {
	// FatalAfter is the number of consecutive load failures reported before
	// one is marked fatal. Values below 1 mean 1: every failure is fatal.
	FatalAfter int
	// ReconnectWait is the pause before re-opening a dropped connection when
	// the failure was reported as non-fatal.
	ReconnectWait time.Duration
}

// flvBackend plays an HTTP-FLV live stream: one long GET whose body is the
// FLV header followed by an endless tag sequence. There is no manifest.
type flvBackend struct {
	backendBase
	client *retryablehttp.Client
	opts   FLVOptions
	log    *slog.Logger
}

func newFLVBackend(emit EmitFunc, client *retryablehttp.Client, opts FLVOptions, log *slog.Logger) *flvBackend {
	if opts.FatalAfter < 1 {
		opts.FatalAfter = 1
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 500 * time.Millisecond
	}
	return &flvBackend{
		backendBase: newBackendBase(TransportFLV, emit),
		client:      client,
		opts:        opts,
		log:         log.With(slog.String("transport", string(TransportFLV))),
	}
}

func (b *flvBackend) Attach(sink media.Sink) error {
	return b.attach(sink, func(s media.Sink) error {
		if !s.CanDecode(media.ContainerFLV) {
			return &PlaybackError{Kind: KindUnsupportedPlatform, Transport: TransportFLV, Err: ErrUnsupportedPlatform}
		}
		return nil
	})
}

func (b *flvBackend) Load(locator string) error {
	u, err := parseHTTPURL(TransportFLV, locator)
	if err != nil {
		return err
	}
	target := u.String()
	return b.start(func(ctx context.Context, sink media.Sink) {
		b.run(ctx, sink, target)
	})
}

func (b *flvBackend) run(ctx context.Context, sink media.Sink, target string) {
	failures := 0
	ready := false
	for {
		delivered, err := b.stream(ctx, sink, target, &ready)
		if ctx.Err() != nil {
			return
		}
		if delivered {
			failures = 0
		}
		if err == nil {
			err = b.networkError("live stream ended", io.EOF, false)
		}
		failures++

		var pe *PlaybackError
		if !errors.As(err, &pe) {
			pe = b.networkError("stream read failed", err, false)
		}
		if pe.Kind == KindMedia || failures >= b.opts.FatalAfter {
			pe.Fatal = true
			b.emitError(ctx, pe)
			return
		}
		b.log.Debug("flv stream interrupted, reopening",
			slog.Int("failures", failures),
			slog.String("error", pe.Error()))
		b.emitError(ctx, pe)
		if !sleep(ctx, b.opts.ReconnectWait) {
			return
		}
	}
}

// stream runs one connection until it fails or ends. delivered reports
// whether at least one media tag reached the sink on this connection.
func (b *flvBackend) stream(ctx context.Context, sink media.Sink, target string, ready *bool) (delivered bool, err error) {
	body, err := openStream(ctx, b.client, target)
	if err != nil {
		return false, b.networkError("failed to open stream", err, false)
	}
	defer body.Close()

	r := bufio.NewReaderSize(body, 64<<10)
	hdr, raw, err := readFLVHeader(r)
	if err != nil {
		if errors.Is(err, errFLVSignature) {
			return false, &PlaybackError{Kind: KindMedia, Transport: TransportFLV, Detail: "not an FLV stream", Err: err}
		}
		return false, b.networkError("failed to read FLV header", err, false)
	}
	b.emit(ctx, Event{Type: EventInfo, Info: map[string]any{
		"container": "flv",
		"version":   hdr.version,
		"has_audio": hdr.hasAudio,
		"has_video": hdr.hasVideo,
	}})
	b.write(sink, media.Chunk{Container: media.ContainerFLV, Data: raw})

	var seq uint64
	for {
		tag, err := readFLVTag(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return delivered, nil
			}
			if ctx.Err() != nil {
				return delivered, ctx.Err()
			}
			return delivered, b.networkError("stream read failed", err, false)
		}
		seq++
		b.write(sink, media.Chunk{Container: media.ContainerFLV, Sequence: seq, Timestamp: tag.timestamp, Data: tag.raw})

		switch tag.kind {
		case flvTagScript:
			b.emit(ctx, Event{Type: EventInfo, Info: map[string]any{"tag": "script", "size": len(tag.raw)}})
		case flvTagAudio, flvTagVideo:
			delivered = true
			if !*ready {
				*ready = true
				b.emit(ctx, Event{Type: EventReady})
			}
		}
	}
}

// write hands a chunk to the sink. Live playback never stalls on the sink:
// a rejected chunk is dropped.
func (b *flvBackend) write(sink media.Sink, c media.Chunk) {
	if err := sink.WriteChunk(c); err != nil && !errors.Is(err, media.ErrPaused) {
		b.log.Debug("sink rejected chunk", slog.Uint64("sequence", c.Sequence), slog.String("error", err.Error()))
	}
}

type flvHeader struct {
	version  uint8
	hasAudio bool
	hasVideo bool
}

// readFLVHeader consumes the file header, including any extension bytes
// announced by its data offset, and returns them verbatim.
func readFLVHeader(r io.Reader) (flvHeader, []byte, error) {
	buf := make([]byte, flvHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return flvHeader{}, nil, err
	}
	if string(buf[:3]) != "FLV" {
		return flvHeader{}, nil, errFLVSignature
	}
	offset := binary.BigEndian.Uint32(buf[5:9])
	if offset < flvHeaderSize || offset > 1<<16 {
		return flvHeader{}, nil, fmt.Errorf("%w: bad header size %d", errFLVSignature, offset)
	}
	if extra := int(offset) - flvHeaderSize; extra > 0 {
		ext := make([]byte, extra)
		if _, err := io.ReadFull(r, ext); err != nil {
			return flvHeader{}, nil, err
		}
		buf = append(buf, ext...)
	}
	return flvHeader{
		version:  buf[3],
		hasAudio: buf[4]&flvFlagAudio != 0,
		hasVideo: buf[4]&flvFlagVideo != 0,
	}, buf, nil
}

type flvTag struct {
	kind      uint8
	timestamp uint32
	// raw is PreviousTagSize + tag header + payload, so concatenating the
	// header and every raw tag reproduces the stream byte for byte.
	raw []byte
}

// readFLVTag reads the 4-byte back pointer and the tag that follows it.
// A clean end between tags is reported as io.EOF.
func readFLVTag(r io.Reader) (flvTag, error) {
	head := make([]byte, 4+flvTagHeaderSize)
	if _, err := io.ReadFull(r, head[:4]); err != nil {
		return flvTag{}, err
	}
	if _, err := io.ReadFull(r, head[4:]); err != nil {
		if errors.Is(err, io.EOF) {
			// Only the trailing back pointer was present.
			return flvTag{}, io.EOF
		}
		return flvTag{}, err
	}
	h := head[4:]
	size := uint32(h[1])<<16 | uint32(h[2])<<8 | uint32(h[3])
	ts := uint32(h[7])<<24 | uint32(h[4])<<16 | uint32(h[5])<<8 | uint32(h[6])

	raw := make([]byte, len(head)+int(size))
	copy(raw, head)
	if _, err := io.ReadFull(r, raw[len(head):]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return flvTag{}, err
	}
	return flvTag{kind: h[0] & 0x1f, timestamp: ts, raw: raw}, nil
}
