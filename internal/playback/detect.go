package playback

import "strings"

// DetectFunc maps a locator and hint to a transport.
type DetectFunc func(locator string, hint ProtocolHint) Transport

// detectRules are applied in order; the first substring match wins.
var detectRules = []struct {
	needle    string
	transport Transport
}{
	{".m3u8", TransportHLS},
	{".flv", TransportFLV},
	{"rtmp://", TransportRTMP},
	{"rtsp://", TransportRTSP},
}

// Detect returns the transport for locator. An explicit hint is returned
// unchanged; with HintAuto (or an empty hint) the substring rules apply and
// HLS is the default.
func Detect(locator string, hint ProtocolHint) Transport {
	t, _ := detect(locator, hint)
	return t
}

// detect also reports whether the HLS default was taken because nothing in
// the locator matched.
func detect(locator string, hint ProtocolHint) (Transport, bool) {
	if hint != HintAuto && hint != "" {
		return Transport(hint), false
	}
	for _, r := range detectRules {
		if strings.Contains(locator, r.needle) {
			return r.transport, false
		}
	}
	return TransportHLS, true
}
