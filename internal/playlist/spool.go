package playlist

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"media-relay-go/internal/config"
)

// Spooler buffers playlists on disk before rewriting them.
type Spooler struct {
	dir      string
	maxBytes int64
	logger   *slog.Logger
}

// NewSpooler creates a Spooler from the playlist settings.
func NewSpooler(cfg *config.PlaylistConfig, logger *slog.Logger) *Spooler {
	return &Spooler{
		dir:      cfg.TempDir,
		maxBytes: cfg.MaxBytes,
		logger:   logger.With("component", "playlist"),
	}
}

// Spool writes body to a temp file and returns a reader that yields the
// rewritten playlist. Closing the reader removes the temp file, whether or
// not the playlist was read to the end.
func (s *Spooler) Spool(body io.Reader, base *url.URL, wrap func(string) string) (io.ReadCloser, error) {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}

	name := filepath.Join(s.dir, "playlist-"+uuid.NewString()+".m3u8")
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600) //nolint:gosec // name is generated
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(body, s.maxBytes+1))
	if err == nil && n > s.maxBytes {
		err = ErrTooLarge
	}
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		if errors.Is(err, ErrTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("spool playlist: %w", err)
	}

	s.logger.Debug("playlist spooled", "file", name, "bytes", n)

	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		pw.CloseWithError(Rewrite(f, pw, base, wrap))
	}()

	return &spooled{pr: pr, file: f, done: done, logger: s.logger}, nil
}

type spooled struct {
	pr     *io.PipeReader
	file   *os.File
	done   chan struct{}
	logger *slog.Logger
}

func (s *spooled) Read(p []byte) (int, error) { return s.pr.Read(p) }

func (s *spooled) Close() error {
	_ = s.pr.Close()
	<-s.done
	name := s.file.Name()
	_ = s.file.Close()
	if err := os.Remove(name); err != nil {
		s.logger.Warn("failed to remove spooled playlist", "file", name, "error", err)
		return fmt.Errorf("remove spool file: %w", err)
	}
	return nil
}
