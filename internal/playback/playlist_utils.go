package playback

import (
	"math"
	"time"

	"github.com/grafov/m3u8"
)

// segmentRef is one media segment of a live playlist with its absolute
// media sequence number.
type segmentRef struct {
	sequence uint64
	duration float64
	uri      string
}

// playlistSegments lists the segments of pl in playlist order. The media
// sequence of the i-th segment is EXT-X-MEDIA-SEQUENCE + i.
func playlistSegments(pl *m3u8.MediaPlaylist) []segmentRef {
	if pl == nil {
		return nil
	}
	out := make([]segmentRef, 0, len(pl.Segments))
	for i, s := range pl.Segments {
		if s == nil {
			// The decoder's backing slice is padded with nils past the last segment.
			break
		}
		out = append(out, segmentRef{
			sequence: pl.SeqNo + uint64(i),
			duration: s.Duration,
			uri:      s.URI,
		})
	}
	return out
}

// segmentCursor remembers how far into the stream the backend has fetched.
type segmentCursor struct {
	started bool
	last    uint64
}

// next returns the segments still to fetch, in sequence order.
// On the first call playback starts liveSync segments behind the live edge.
// Afterwards only segments past the last fetched sequence are returned; if
// the playlist window already slid past them, fetching resumes at the oldest
// segment still listed.
func (c *segmentCursor) next(segs []segmentRef, liveSync int) []segmentRef {
	if len(segs) == 0 {
		return nil
	}
	if !c.started {
		start := 0
		if liveSync > 0 && len(segs) > liveSync {
			start = len(segs) - liveSync
		}
		return segs[start:]
	}
	for i, s := range segs {
		if s.sequence > c.last {
			return segs[i:]
		}
	}
	return nil
}

// rewound reports whether the origin restarted its media sequence: every
// listed segment is older than the last one fetched.
func (c *segmentCursor) rewound(segs []segmentRef) bool {
	return c.started && len(segs) > 0 && segs[len(segs)-1].sequence < c.last
}

func (c *segmentCursor) reset() { *c = segmentCursor{} }

func (c *segmentCursor) advance(seq uint64) {
	if !c.started || seq > c.last {
		c.last = seq
	}
	c.started = true
}

// refreshInterval is how long to wait before reloading a live playlist: the
// target duration after new segments appeared, half of it otherwise.
func refreshInterval(pl *m3u8.MediaPlaylist, changed bool, floor time.Duration) time.Duration {
	target := pl.TargetDuration
	if target <= 0 {
		target = float64(targetDurationFromSegments(playlistSegments(pl)))
	}
	d := time.Duration(target * float64(time.Second))
	if !changed {
		d /= 2
	}
	if d < floor {
		d = floor
	}
	return d
}

// targetDurationFromSegments returns the ceiling of the longest segment
// duration in seconds, at least 1.
func targetDurationFromSegments(segments []segmentRef) int {
	max := 0.0
	for _, seg := range segments {
		if seg.duration > max {
			max = seg.duration
		}
	}
	if max <= 0 {
		return 1
	}
	return int(math.Ceil(max))
}
