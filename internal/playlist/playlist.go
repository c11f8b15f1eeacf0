// Package playlist turns a session's cumulative video list into an HLS
// manifest and decides when a reported play position warrants running the
// next-video decision.
package playlist

import (
	"fmt"
	"math"
	"strings"

	"plotline/internal/config"
	"plotline/internal/domain"
)

// NeedsMore reports whether the player is close enough to the end of the
// manifest that more content should be decided. pos is the 0-based index
// of the segment currently playing; anything out of range counts as the
// last segment.
func NeedsMore(list []domain.Segment, pos int, cfg *config.Config) bool {
	if len(list) == 0 {
		return true
	}
	if pos < 0 {
		pos = 0
	}
	if pos >= len(list) {
		pos = len(list) - 1
	}
	if len(list)-1-pos <= cfg.Playback.LookaheadSegments {
		return true
	}
	var remaining float64
	for _, seg := range list[pos+1:] {
		remaining += seg.Duration
	}
	return remaining < cfg.Playback.LowDurationSeconds
}

// Render writes the cumulative manifest. Segments only ever append, so a
// re-render for the same session state is byte-identical. Relative clip
// URIs are prefixed with the media base URL.
func Render(s *domain.Session, baseURL string) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", targetDuration(s.VideoList)))
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	for _, seg := range s.VideoList {
		b.WriteString(fmt.Sprintf("#EXTINF:%.3f,\n", seg.Duration))
		b.WriteString(resolveURI(baseURL, seg.URI))
		b.WriteByte('\n')
	}
	if s.IsEnd {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}

func targetDuration(list []domain.Segment) int {
	max := 1.0
	for _, seg := range list {
		if seg.Duration > max {
			max = seg.Duration
		}
	}
	return int(math.Ceil(max))
}

func resolveURI(baseURL, uri string) string {
	if baseURL == "" || strings.Contains(uri, "://") || strings.HasPrefix(uri, "/") {
		return uri
	}
	return strings.TrimSuffix(baseURL, "/") + "/" + uri
}
