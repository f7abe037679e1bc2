package ports

import (
	"regexp"
	"strconv"
	"strings"
)

// Announcement is one recognized readiness signal from dev-server output.
type Announcement struct {
	Port      int
	Confirmed bool // matched a confirmed-ready pattern, not a generic guess
	Proxy     bool // public-facing proxy port rather than the build tool's own
}

const (
	// proxyWellKnown is netlify dev's public front port.
	proxyWellKnown = 8888
	// proxyThreshold: anything at or above this is treated as a proxy
	// port even though it is outside the usual dev-server range.
	proxyThreshold = 50000

	plausibleMin = 3000
	plausibleMax = 9999
)

// rule is one entry in the ordered readiness table. Rules are tried top
// to bottom; the first match wins. Confirmed rules may override a port
// guessed by a generic rule earlier in the process's life.
type rule struct {
	name      string
	re        *regexp.Regexp
	confirmed bool
}

var notReadyMarkers = []string{"Waiting for"}

var rules = []rule{
	{"netlify-ready", regexp.MustCompile(`(?i)server now ready on https?://localhost:(\d+)`), true},
	{"vite-local", regexp.MustCompile(`Local:\s+https?://localhost:(\d+)`), true},
	{"listening-on", regexp.MustCompile(`(?i)listening on:? https?://localhost:(\d+)`), true},
	{"url", regexp.MustCompile(`https?://localhost:(\d+)`), false},
	{"bare-host", regexp.MustCompile(`localhost:(\d+)`), false},
}

// Scan inspects one output line for a port announcement. Lines carrying a
// not-yet-ready marker never match; ports outside the plausible range are
// dropped as false positives unless they classify as proxy ports.
func Scan(line string) (Announcement, bool) {
	for _, marker := range notReadyMarkers {
		if strings.Contains(line, marker) {
			return Announcement{}, false
		}
	}
	for _, r := range rules {
		m := r.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		port, err := strconv.Atoi(m[1])
		if err != nil {
			return Announcement{}, false
		}
		if port == proxyWellKnown || port >= proxyThreshold {
			return Announcement{Port: port, Confirmed: r.confirmed, Proxy: true}, true
		}
		if port < plausibleMin || port > plausibleMax {
			return Announcement{}, false
		}
		return Announcement{Port: port, Confirmed: r.confirmed}, true
	}
	return Announcement{}, false
}
