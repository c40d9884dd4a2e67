// Package playlist rewrites HLS playlists so that every URI they reference is
// absolute, optionally routing those URIs back through the relay.
package playlist

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"regexp"
	"strings"
)

// ErrTooLarge is returned when a playlist exceeds the configured spool limit.
var ErrTooLarge = errors.New("playlist exceeds size limit")

var mpegURLTypes = map[string]bool{
	"application/vnd.apple.mpegurl": true,
	"application/x-mpegurl":         true,
	"audio/mpegurl":                 true,
	"audio/x-mpegurl":               true,
}

// uriAttr matches URI="..." attributes on tag lines such as #EXT-X-KEY and
// #EXT-X-MEDIA.
var uriAttr = regexp.MustCompile(`URI="([^"]*)"`)

// IsPlaylist reports whether a response for target with the given
// Content-Type is an HLS playlist.
func IsPlaylist(target *url.URL, contentType string) bool {
	if strings.HasSuffix(strings.ToLower(target.Path), ".m3u8") {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mpegURLTypes[mediaType]
}

// Rewrite copies the playlist from r to w, resolving each URI line and each
// URI attribute against base. When wrap is non-nil it is applied to every
// resolved http(s) URI. Line endings are preserved.
func Rewrite(r io.Reader, w io.Writer, base *url.URL, wrap func(string) string) error {
	br := bufio.NewReader(r)
	bw := bufio.NewWriter(w)

	for {
		line, readErr := br.ReadString('\n')
		if readErr != nil && readErr != io.EOF {
			return fmt.Errorf("read playlist: %w", readErr)
		}
		if line != "" {
			content, ending := splitEnding(line)
			if _, err := bw.WriteString(rewriteLine(content, base, wrap) + ending); err != nil {
				return fmt.Errorf("write playlist: %w", err)
			}
		}
		if readErr == io.EOF {
			break
		}
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("write playlist: %w", err)
	}
	return nil
}

func splitEnding(line string) (string, string) {
	switch {
	case strings.HasSuffix(line, "\r\n"):
		return line[:len(line)-2], "\r\n"
	case strings.HasSuffix(line, "\n"):
		return line[:len(line)-1], "\n"
	default:
		return line, ""
	}
}

func rewriteLine(line string, base *url.URL, wrap func(string) string) string {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "":
		return line
	case strings.HasPrefix(trimmed, "#EXT"):
		return uriAttr.ReplaceAllStringFunc(line, func(attr string) string {
			ref := uriAttr.FindStringSubmatch(attr)[1]
			return `URI="` + resolve(ref, base, wrap) + `"`
		})
	case strings.HasPrefix(trimmed, "#"):
		return line
	default:
		return resolve(trimmed, base, wrap)
	}
}

func resolve(ref string, base *url.URL, wrap func(string) string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	abs := base.ResolveReference(u)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		// data:, skd: and other key schemes are left alone.
		return ref
	}
	if wrap == nil {
		return abs.String()
	}
	return wrap(abs.String())
}
