package registry

import (
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultCameraBaseURL is the chunked-live endpoint camera devices stream from.
const DefaultCameraBaseURL = "https://flv.meshare.com/live"

// CameraURL derives the chunked-live URL for a camera device id.
type CameraURL struct {
	base   string
	token  string
	aesKey string
	now    func() time.Time

	mu     sync.Mutex
	lastRN int64
}

// NewCameraURL returns a builder for base. token and aesKey are the
// pre-shared credentials appended to every URL.
func NewCameraURL(base, token, aesKey string) *CameraURL {
	if base == "" {
		base = DefaultCameraBaseURL
	}
	return &CameraURL{
		base:   strings.TrimRight(base, "?"),
		token:  token,
		aesKey: aesKey,
		now:    time.Now,
	}
}

// Build returns the URL for deviceID. The rn cache buster is the current
// time in milliseconds, bumped when needed so successive calls never repeat
// it. All other parameters are constant.
func (c *CameraURL) Build(deviceID string) string {
	rn := c.nextRN()
	params := [][2]string{
		{"devid", deviceID},
		{"token", c.token},
		{"media_type", "1"},
		{"channel", "0"},
		{"rn", strconv.FormatInt(rn, 10)},
		{"aes_key", c.aesKey},
		{"has_audio", "0"},
	}

	var b strings.Builder
	b.WriteString(c.base)
	b.WriteByte('?')
	for i, p := range params {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p[0])
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p[1]))
	}
	return b.String()
}

func (c *CameraURL) nextRN() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	rn := c.now().UnixMilli()
	if rn <= c.lastRN {
		rn = c.lastRN + 1
	}
	c.lastRN = rn
	return rn
}
