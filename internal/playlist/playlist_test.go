package playlist

import (
	"errors"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"testing"

	"media-relay-go/internal/config"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestIsPlaylist(t *testing.T) {
	tests := []struct {
		name        string
		target      string
		contentType string
		want        bool
	}{
		{"m3u8 extension", "https://cdn.example/hls/index.m3u8", "", true},
		{"uppercase extension", "https://cdn.example/hls/INDEX.M3U8?token=1", "text/plain", true},
		{"apple mpegurl", "https://cdn.example/playlist", "application/vnd.apple.mpegurl", true},
		{"x-mpegurl with charset", "https://cdn.example/playlist", "application/x-mpegURL; charset=utf-8", true},
		{"segment", "https://cdn.example/hls/seg-1.ts", "video/mp2t", false},
		{"no type", "https://cdn.example/video", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPlaylist(mustParse(t, tt.target), tt.contentType); got != tt.want {
				t.Errorf("IsPlaylist() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRewrite(t *testing.T) {
	base := mustParse(t, "https://cdn.example/hls/720p/index.m3u8?token=abc")

	tests := []struct {
		name string
		wrap func(string) string
		in   string
		want string
	}{
		{
			name: "relative segments",
			in:   "#EXTM3U\n#EXTINF:10.0,\nseg-1.ts\n#EXTINF:10.0,\n../480p/seg-2.ts\n",
			want: "#EXTM3U\n#EXTINF:10.0,\nhttps://cdn.example/hls/720p/seg-1.ts\n#EXTINF:10.0,\nhttps://cdn.example/hls/480p/seg-2.ts\n",
		},
		{
			name: "absolute path and absolute url",
			in:   "/root/seg.ts\nhttps://other.example/seg.ts",
			want: "https://cdn.example/root/seg.ts\nhttps://other.example/seg.ts",
		},
		{
			name: "key uri attribute",
			in:   "#EXT-X-KEY:METHOD=AES-128,URI=\"key.bin\",IV=0x1\n",
			want: "#EXT-X-KEY:METHOD=AES-128,URI=\"https://cdn.example/hls/720p/key.bin\",IV=0x1\n",
		},
		{
			name: "crlf preserved and plain comments untouched",
			in:   "#EXTM3U\r\n# seg.ts\r\n\r\nseg.ts\r\n",
			want: "#EXTM3U\r\n# seg.ts\r\n\r\nhttps://cdn.example/hls/720p/seg.ts\r\n",
		},
		{
			name: "non-http key scheme kept",
			in:   "#EXT-X-KEY:METHOD=SAMPLE-AES,URI=\"skd://key-id\"\n",
			want: "#EXT-X-KEY:METHOD=SAMPLE-AES,URI=\"skd://key-id\"\n",
		},
		{
			name: "wrapped",
			wrap: func(abs string) string { return "/api/v1/proxy?url=" + url.QueryEscape(abs) },
			in:   "seg-1.ts\n#EXT-X-MAP:URI=\"init.mp4\"\n",
			want: "/api/v1/proxy?url=https%3A%2F%2Fcdn.example%2Fhls%2F720p%2Fseg-1.ts\n" +
				"#EXT-X-MAP:URI=\"/api/v1/proxy?url=https%3A%2F%2Fcdn.example%2Fhls%2F720p%2Finit.mp4\"\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out strings.Builder
			if err := Rewrite(strings.NewReader(tt.in), &out, base, tt.wrap); err != nil {
				t.Fatalf("Rewrite() error = %v", err)
			}
			if out.String() != tt.want {
				t.Errorf("Rewrite() =\n%q\nwant\n%q", out.String(), tt.want)
			}
		})
	}
}

func newTestSpooler(t *testing.T, maxBytes int64) (*Spooler, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.PlaylistConfig{TempDir: dir, MaxBytes: maxBytes}
	return NewSpooler(cfg, slog.New(slog.NewTextHandler(io.Discard, nil))), dir
}

func spoolFiles(t *testing.T, dir string) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	return entries
}

func TestSpooler_Spool(t *testing.T) {
	s, dir := newTestSpooler(t, 1024)
	base := mustParse(t, "https://cdn.example/hls/index.m3u8")

	rc, err := s.Spool(strings.NewReader("#EXTM3U\nseg.ts\n"), base, nil)
	if err != nil {
		t.Fatalf("Spool() error = %v", err)
	}
	if n := len(spoolFiles(t, dir)); n != 1 {
		t.Errorf("spool files while open = %d, want 1", n)
	}

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "#EXTM3U\nhttps://cdn.example/hls/seg.ts\n" {
		t.Errorf("playlist = %q", got)
	}

	if err := rc.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if n := len(spoolFiles(t, dir)); n != 0 {
		t.Errorf("spool files after close = %d, want 0", n)
	}
}

func TestSpooler_Spool_CloseBeforeEOF(t *testing.T) {
	s, dir := newTestSpooler(t, 1<<20)
	base := mustParse(t, "https://cdn.example/hls/index.m3u8")

	body := "#EXTM3U\n" + strings.Repeat("#EXTINF:4.0,\nseg.ts\n", 5000)
	rc, err := s.Spool(strings.NewReader(body), base, nil)
	if err != nil {
		t.Fatalf("Spool() error = %v", err)
	}

	buf := make([]byte, 16)
	if _, err := rc.Read(buf); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if err := rc.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if n := len(spoolFiles(t, dir)); n != 0 {
		t.Errorf("spool files after early close = %d, want 0", n)
	}
}

func TestSpooler_Spool_TooLarge(t *testing.T) {
	s, dir := newTestSpooler(t, 8)
	base := mustParse(t, "https://cdn.example/hls/index.m3u8")

	_, err := s.Spool(strings.NewReader("#EXTM3U\nseg.ts\n"), base, nil)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Spool() error = %v, want ErrTooLarge", err)
	}
	if n := len(spoolFiles(t, dir)); n != 0 {
		t.Errorf("spool files after rejection = %d, want 0", n)
	}
}
