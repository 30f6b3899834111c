package media

import (
	"errors"
	"io"
	"sync"
	"time"
)

// ErrPaused is returned by Recorder.WriteChunk while the recorder is paused.
// Backends treat it like any other write failure of a live sink: the chunk is
// dropped and loading continues.
var ErrPaused = errors.New("media: sink paused")

// RecorderStats is a point-in-time view of what a Recorder has consumed.
type RecorderStats struct {
	Chunks       uint64    `json:"chunks"`
	Bytes        uint64    `json:"bytes"`
	Dropped      uint64    `json:"dropped"`
	LastSequence uint64    `json:"last_sequence"`
	LastWriteAt  time.Time `json:"last_write_at"`
	Paused       bool      `json:"paused"`
}

// Recorder is a Sink that counts incoming media and optionally copies it to
// an io.Writer. It is the sink the server binary hands to every session.
type Recorder struct {
	mu         sync.Mutex
	containers map[Container]bool
	out        io.Writer
	stats      RecorderStats
}

// NewRecorder returns a Recorder accepting the given containers. With none,
// FLV and MPEG-TS are accepted. out may be nil.
func NewRecorder(out io.Writer, containers ...Container) *Recorder {
	if len(containers) == 0 {
		containers = []Container{ContainerFLV, ContainerMPEGTS}
	}
	accepted := make(map[Container]bool, len(containers))
	for _, c := range containers {
		accepted[c] = true
	}
	return &Recorder{containers: accepted, out: out}
}

func (r *Recorder) CanDecode(c Container) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.containers[c]
}

func (r *Recorder) WriteChunk(c Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stats.Paused {
		r.stats.Dropped++
		return ErrPaused
	}
	if r.out != nil {
		if _, err := r.out.Write(c.Data); err != nil {
			r.stats.Dropped++
			return err
		}
	}
	r.stats.Chunks++
	r.stats.Bytes += uint64(len(c.Data))
	r.stats.LastSequence = c.Sequence
	r.stats.LastWriteAt = time.Now().UTC()
	return nil
}

func (r *Recorder) Play() error {
	r.mu.Lock()
	r.stats.Paused = false
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Pause() error {
	r.mu.Lock()
	r.stats.Paused = true
	r.mu.Unlock()
	return nil
}

// Stats returns a copy of the current counters.
func (r *Recorder) Stats() RecorderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
