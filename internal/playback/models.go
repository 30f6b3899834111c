package playback

import (
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes device-identifier sources from ready-made URLs.
type Kind string

const (
	KindCamera     Kind = "camera"
	KindLivestream Kind = "livestream"
)

// ProtocolHint is the operator-declared transport for a source.
type ProtocolHint string

const (
	HintAuto ProtocolHint = "auto"
	HintHLS  ProtocolHint = "hls"
	HintFLV  ProtocolHint = "flv"
)

// Transport is the outcome of protocol detection. RTMP and RTSP are
// recognized but have no backend.
type Transport string

const (
	TransportHLS  Transport = "hls"
	TransportFLV  Transport = "flv"
	TransportRTMP Transport = "rtmp"
	TransportRTSP Transport = "rtsp"
)

// Supported reports whether a backend exists for t.
func (t Transport) Supported() bool {
	return t == TransportHLS || t == TransportFLV
}

// State is a session's position in its lifecycle.
type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StatePlaying      State = "playing"
	StatePaused       State = "paused"
	StateError        State = "error"
	StateDestroyed    State = "destroyed"
)

// StreamDescriptor is the immutable description of one source.
// For KindCamera, SourceLocator is a device identifier; for KindLivestream it
// is a URL.
type StreamDescriptor struct {
	ID            string       `json:"id"`
	Kind          Kind         `json:"kind"`
	SourceLocator string       `json:"source_locator"`
	ProtocolHint  ProtocolHint `json:"protocol_hint,omitempty"`
	DisplayName   string       `json:"display_name,omitempty"`
	IsDefault     bool         `json:"is_default,omitempty"`
}

// Validate checks structural requirements and normalizes an empty hint to auto.
func (d StreamDescriptor) Validate() (StreamDescriptor, error) {
	d.ID = strings.TrimSpace(d.ID)
	d.SourceLocator = strings.TrimSpace(d.SourceLocator)
	if d.ID == "" {
		return d, fmt.Errorf("%w: id is required", ErrInvalidDescriptor)
	}
	switch d.Kind {
	case KindCamera, KindLivestream:
	default:
		return d, fmt.Errorf("%w: unknown kind %q", ErrInvalidDescriptor, d.Kind)
	}
	if d.SourceLocator == "" {
		return d, fmt.Errorf("%w: source locator is required", ErrInvalidDescriptor)
	}
	switch d.ProtocolHint {
	case "":
		d.ProtocolHint = HintAuto
	case HintAuto, HintHLS, HintFLV:
	default:
		return d, fmt.Errorf("%w: unknown protocol hint %q", ErrInvalidDescriptor, d.ProtocolHint)
	}
	return d, nil
}

// ErrorInfo is the diagnostic record of the most recent fatal failure.
type ErrorInfo struct {
	Kind      ErrorKind `json:"kind"`
	Transport Transport `json:"transport,omitempty"`
	Message   string    `json:"message"`
	Detail    string    `json:"detail,omitempty"`
	Fatal     bool      `json:"fatal"`
	At        time.Time `json:"at"`
}

// SessionSummary is a read-only listing row used for display.
type SessionSummary struct {
	ID             string     `json:"id"`
	Kind           Kind       `json:"kind"`
	DisplayName    string     `json:"display_name"`
	State          State      `json:"state"`
	Transport      Transport  `json:"transport,omitempty"`
	Attempt        uint       `json:"attempt"`
	NonFatalErrors uint64     `json:"nonfatal_errors"`
	IsDefault      bool       `json:"is_default,omitempty"`
	LastError      *ErrorInfo `json:"last_error,omitempty"`
	// MediaInfo accumulates advisory metadata reported by the backend.
	MediaInfo map[string]any `json:"media_info,omitempty"`
}
