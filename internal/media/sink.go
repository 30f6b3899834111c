// Package media defines the rendering surface playback backends attach to.
// The engine decides when a backend attaches to or detaches from a sink; what
// the sink does with the bytes (decode, render, record) is opaque to it.
package media

import "context"

// Container identifies the payload format a backend hands to a sink.
type Container string

const (
	ContainerFLV    Container = "video/x-flv"
	ContainerMPEGTS Container = "video/mp2t"
	ContainerHLS    Container = "application/vnd.apple.mpegurl"
)

// Chunk is one unit of media delivered by a backend: an FLV tag or an
// MPEG-TS segment.
type Chunk struct {
	Container Container
	// Sequence is the FLV tag index or the HLS media sequence number.
	Sequence uint64
	// Timestamp is the container timestamp in milliseconds when known.
	Timestamp uint32
	Data      []byte
}

// Sink is a single-consumer media surface.
type Sink interface {
	// CanDecode reports whether chunks of container c can be written to the sink.
	CanDecode(c Container) bool
	WriteChunk(c Chunk) error
}

// NativePlayer is implemented by sinks that fetch and play a container on
// their own when given its URL (direct-assignment mode).
type NativePlayer interface {
	CanPlayNative(c Container) bool
	// SetSource starts native playback of url. loaded is invoked once, with nil
	// when metadata has loaded or with the failure. ctx cancellation aborts.
	SetSource(ctx context.Context, url string, loaded func(error)) error
	ClearSource()
}

// Controller is implemented by sinks with user-facing play/pause.
type Controller interface {
	Play() error
	Pause() error
}
