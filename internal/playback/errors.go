package playback

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateID is returned by CreateSession when the id is already in use.
	ErrDuplicateID = errors.New("session id already exists")

	// ErrSessionNotFound is returned by id-addressed manager operations other
	// than RemoveSession, which treats unknown ids as a no-op.
	ErrSessionNotFound = errors.New("session not found")

	ErrSessionDestroyed  = errors.New("session destroyed")
	ErrInvalidDescriptor = errors.New("invalid stream descriptor")
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrUnsupportedPlatform is the attach error for a sink lacking the
	// decode capability a backend needs.
	ErrUnsupportedPlatform = errors.New("sink cannot play this container format")

	ErrUnsupportedProtocol = errors.New("protocol recognized but not supported")
	ErrAlreadyAttached     = errors.New("backend already attached to another sink")
	ErrNotAttached         = errors.New("backend is not attached")
	ErrBackendDestroyed    = errors.New("backend destroyed")
)

// ErrorKind classifies playback failures.
type ErrorKind string

const (
	KindUnsupportedPlatform ErrorKind = "unsupported_platform"
	KindNetwork             ErrorKind = "network"
	KindInitialization      ErrorKind = "initialization"
	KindUnsupportedProtocol ErrorKind = "unsupported_protocol"
	// KindMedia covers payloads that arrive but are not the expected container.
	KindMedia ErrorKind = "media"
)

// PlaybackError is the normalized failure carried by backend Error events and
// by synchronous attach/load failures.
type PlaybackError struct {
	Kind      ErrorKind
	Transport Transport
	Detail    string
	Fatal     bool
	Err       error
}

func (e *PlaybackError) Error() string {
	prefix := "stream"
	if e.Transport != "" {
		prefix = string(e.Transport)
	}
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s %s error: %s: %v", prefix, e.Kind, e.Detail, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s %s error: %v", prefix, e.Kind, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s %s error: %s", prefix, e.Kind, e.Detail)
	default:
		return fmt.Sprintf("%s %s error", prefix, e.Kind)
	}
}

func (e *PlaybackError) Unwrap() error { return e.Err }

// classify turns any error raised while constructing, attaching or loading a
// backend into a fatal PlaybackError.
func classify(t Transport, err error) *PlaybackError {
	var pe *PlaybackError
	if errors.As(err, &pe) {
		out := *pe
		out.Fatal = true
		if out.Transport == "" {
			out.Transport = t
		}
		return &out
	}
	kind := KindInitialization
	switch {
	case errors.Is(err, ErrUnsupportedPlatform):
		kind = KindUnsupportedPlatform
	case errors.Is(err, ErrUnsupportedProtocol):
		kind = KindUnsupportedProtocol
	}
	return &PlaybackError{Kind: kind, Transport: t, Fatal: true, Err: err}
}

// userMessage renders the text handed to the error callback.
func userMessage(pe *PlaybackError) string {
	switch pe.Kind {
	case KindUnsupportedProtocol:
		return fmt.Sprintf("%s streams are not supported; change the stream type to HLS or FLV", pe.Transport)
	case KindUnsupportedPlatform:
		return fmt.Sprintf("%s playback is not supported by this player", pe.Transport)
	}
	detail := pe.Detail
	if detail == "" && pe.Err != nil {
		detail = pe.Err.Error()
	}
	if detail == "" {
		detail = "unknown error"
	}
	return fmt.Sprintf("Failed to load %s stream: %s", pe.Transport, detail)
}
