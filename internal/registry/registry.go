// Package registry turns the device registry file into stream descriptors
// and keeps a session manager in step with it.
package registry

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"live-playback/internal/playback"
)

// CameraModule is the module name that gates every stream session.
const CameraModule = "camera"

// ErrInvalidEntry is wrapped by every per-entry validation failure.
var ErrInvalidEntry = errors.New("invalid registry entry")

// Entry is one device as stored in the registry. JSON registries decode
// through the same tags since JSON is valid YAML.
type Entry struct {
	ID         string `yaml:"id" json:"id"`
	Type       string `yaml:"type" json:"type"`
	StreamURL  string `yaml:"streamUrl,omitempty" json:"streamUrl,omitempty"`
	StreamType string `yaml:"streamType,omitempty" json:"streamType,omitempty"`
	DeviceID   string `yaml:"deviceId,omitempty" json:"deviceId,omitempty"`
	Name       string `yaml:"name,omitempty" json:"name,omitempty"`
	// AddedAt is an ISO-8601 timestamp. It is informational only.
	AddedAt   string `yaml:"addedAt,omitempty" json:"addedAt,omitempty"`
	IsDefault bool   `yaml:"isDefault,omitempty" json:"isDefault,omitempty"`
}

// Added parses AddedAt. The zero time is returned when it is unset or malformed.
func (e Entry) Added() time.Time {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(e.AddedAt))
	if err != nil {
		return time.Time{}
	}
	return t
}

// Descriptor validates e and converts it to a playback descriptor. A camera
// needs a device id and a live stream needs a URL; the stream type defaults
// to auto and the name to "Camera <device>" or "Live Stream <id>".
func (e Entry) Descriptor() (playback.StreamDescriptor, error) {
	id := strings.TrimSpace(e.ID)
	if id == "" {
		return playback.StreamDescriptor{}, fmt.Errorf("%w: missing id", ErrInvalidEntry)
	}

	d := playback.StreamDescriptor{
		ID:          id,
		Kind:        playback.Kind(strings.TrimSpace(e.Type)),
		DisplayName: strings.TrimSpace(e.Name),
		IsDefault:   e.IsDefault,
	}
	switch d.Kind {
	case playback.KindCamera:
		d.SourceLocator = strings.TrimSpace(e.DeviceID)
		if d.SourceLocator == "" {
			return d, fmt.Errorf("%w %s: camera needs a deviceId", ErrInvalidEntry, id)
		}
		d.ProtocolHint = playback.HintFLV
		if d.DisplayName == "" {
			d.DisplayName = "Camera " + d.SourceLocator
		}
	case playback.KindLivestream:
		d.SourceLocator = strings.TrimSpace(e.StreamURL)
		if d.SourceLocator == "" {
			return d, fmt.Errorf("%w %s: livestream needs a streamUrl", ErrInvalidEntry, id)
		}
		d.ProtocolHint = playback.ProtocolHint(strings.ToLower(strings.TrimSpace(e.StreamType)))
		if d.ProtocolHint == "" {
			d.ProtocolHint = playback.HintAuto
		}
		if d.DisplayName == "" {
			d.DisplayName = "Live Stream " + id
		}
	default:
		return d, fmt.Errorf("%w %s: unknown type %q", ErrInvalidEntry, id, e.Type)
	}

	out, err := d.Validate()
	if err != nil {
		return d, fmt.Errorf("%w %s: %w", ErrInvalidEntry, id, err)
	}
	return out, nil
}

// File is the registry document.
type File struct {
	Modules struct {
		Selected []string `yaml:"selected" json:"selected"`
	} `yaml:"modules" json:"modules"`
	Streams []Entry `yaml:"streams" json:"streams"`
}

// ModuleEnabled reports whether name is among the selected modules.
func (f File) ModuleEnabled(name string) bool {
	for _, m := range f.Modules.Selected {
		if strings.EqualFold(strings.TrimSpace(m), name) {
			return true
		}
	}
	return false
}

// Descriptors returns the valid entries in file order. Invalid entries and
// repeated ids are skipped and reported together in the returned error. With
// the camera module disabled there are no sessions at all.
func (f File) Descriptors() ([]playback.StreamDescriptor, error) {
	if !f.ModuleEnabled(CameraModule) {
		return nil, nil
	}
	var (
		out  []playback.StreamDescriptor
		errs []error
		seen = make(map[string]bool, len(f.Streams))
	)
	for _, e := range f.Streams {
		d, err := e.Descriptor()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[d.ID] {
			errs = append(errs, fmt.Errorf("%w %s: duplicate id", ErrInvalidEntry, d.ID))
			continue
		}
		seen[d.ID] = true
		out = append(out, d)
	}
	return out, errors.Join(errs...)
}

// Parse decodes a registry document.
func Parse(data []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parse registry: %w", err)
	}
	return f, nil
}

// Load reads and parses the registry at path.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read registry: %w", err)
	}
	return Parse(data)
}
