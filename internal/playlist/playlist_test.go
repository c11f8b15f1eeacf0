package playlist_test

import (
	"strings"
	"testing"

	"plotline/internal/config"
	"plotline/internal/domain"
	"plotline/internal/playlist"
)

func segs(durations ...float64) []domain.Segment {
	out := make([]domain.Segment, 0, len(durations))
	for _, d := range durations {
		out = append(out, domain.Segment{ClipID: "c", URI: "c.mp4", Duration: d})
	}
	return out
}

func TestNeedsMore(t *testing.T) {
	cfg := config.Default() // lookahead 1, low duration 10s

	cases := []struct {
		name string
		list []domain.Segment
		pos  int
		want bool
	}{
		{"empty list", nil, 0, true},
		{"at last segment", segs(30, 30, 30), 2, true},
		{"at second-to-last segment", segs(30, 30, 30, 30), 2, true},
		{"third-to-last with ample content", segs(30, 30, 30, 30), 1, false},
		{"plenty remaining", segs(30, 30, 30, 30, 30, 30), 0, false},
		{"low remaining duration", segs(30, 2, 2, 2, 2, 2), 0, true},
		{"position past end clamps", segs(30, 30, 30), 99, true},
		{"negative position clamps", segs(30, 30, 30, 30, 30, 30), -5, false},
	}
	for _, tc := range cases {
		if got := playlist.NeedsMore(tc.list, tc.pos, cfg); got != tc.want {
			t.Errorf("%s: NeedsMore = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRender(t *testing.T) {
	s := &domain.Session{
		VideoList: []domain.Segment{
			{ClipID: "a", URI: "a.mp4", Duration: 5},
			{ClipID: "b", URI: "https://cdn.example.com/b.mp4", Duration: 6.5},
		},
	}
	m := playlist.Render(s, "https://media.example.com/")
	want := "#EXTM3U\n" +
		"#EXT-X-VERSION:3\n" +
		"#EXT-X-TARGETDURATION:7\n" +
		"#EXT-X-MEDIA-SEQUENCE:0\n" +
		"#EXTINF:5.000,\n" +
		"https://media.example.com/a.mp4\n" +
		"#EXTINF:6.500,\n" +
		"https://cdn.example.com/b.mp4\n"
	if m != want {
		t.Fatalf("manifest mismatch:\n%s\nwant:\n%s", m, want)
	}
	if strings.Contains(m, "#EXT-X-ENDLIST") {
		t.Fatalf("open session must not carry ENDLIST")
	}
}

func TestRenderEndedSession(t *testing.T) {
	s := &domain.Session{
		IsEnd:     true,
		VideoList: []domain.Segment{{ClipID: "a", URI: "a.mp4", Duration: 3}},
	}
	m := playlist.Render(s, "")
	if !strings.HasSuffix(m, "#EXT-X-ENDLIST\n") {
		t.Fatalf("ended session must close the manifest:\n%s", m)
	}
}

func TestRenderIsStable(t *testing.T) {
	s := &domain.Session{VideoList: segs(4, 4, 4)}
	if playlist.Render(s, "base") != playlist.Render(s, "base") {
		t.Fatalf("re-render of unchanged session must be byte-identical")
	}
}
