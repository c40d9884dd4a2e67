package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"media-relay-go/internal/config"
	"media-relay-go/internal/metrics"
	"media-relay-go/internal/model"
)

// maxStderrBytes bounds the captured curl diagnostics.
const maxStderrBytes = 64 * 1024

// CurlFetcher relays requests by running curl and streaming its stdout.
// It reaches hosts whose TLS or HTTP quirks the Go client rejects.
type CurlFetcher struct {
	binary   string
	timeout  time.Duration
	insecure bool
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewCurlFetcher creates a CurlFetcher.
// The metrics parameter is optional; pass nil to disable upstream metrics.
func NewCurlFetcher(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *CurlFetcher {
	return &CurlFetcher{
		binary:   cfg.Relay.CurlBinary,
		timeout:  cfg.Relay.Timeout(),
		insecure: cfg.Relay.InsecureSkipVerify,
		logger:   logger.With("component", "curl_fetcher"),
		metrics:  m,
	}
}

// Name implements Fetcher.
func (f *CurlFetcher) Name() string { return config.FetcherCurl }

// Fetch starts curl and returns once the first body byte is available or the
// process has exited. A process that exits non-zero before writing anything
// yields a *SubprocessError carrying its stderr. Cancelling the request
// context kills the process.
func (f *CurlFetcher) Fetch(rr *model.RelayRequest) (*model.RelayResponse, error) {
	timeout := rr.Timeout
	if timeout == 0 {
		timeout = f.timeout
	}

	ctx, cancel := context.WithCancelCause(rr.Ctx)
	wd := newWatchdog(timeout, cancel)

	cmd := exec.CommandContext(ctx, f.binary, f.args(rr, timeout)...) //nolint:gosec // arguments are passed without a shell
	cmd.WaitDelay = 2 * time.Second
	if rr.Body != nil {
		cmd.Stdin = rr.Body
	}
	stderr := &boundedBuffer{limit: maxStderrBytes}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		wd.Stop()
		cancel(nil)
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	f.logger.Debug("starting curl",
		"method", rr.Method,
		"host", rr.Target.Host,
		"timeout", timeout,
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		wd.Stop()
		cancel(nil)
		serr := &SubprocessError{Code: -1, Err: err}
		f.recordError(serr)
		return nil, serr
	}
	if f.metrics != nil {
		f.metrics.ActiveSubprocesses.Inc()
	}

	proc := &process{
		cmd:     cmd,
		ctx:     ctx,
		cancel:  cancel,
		wd:      wd,
		stderr:  stderr,
		metrics: f.metrics,
	}
	proc.reader = bufio.NewReaderSize(stdout, 32*1024)

	_, peekErr := proc.reader.Peek(1)
	method := metrics.NormalizeMethod(rr.Method)
	if f.metrics != nil {
		f.metrics.UpstreamDuration.WithLabelValues(f.Name(), method).Observe(time.Since(start).Seconds())
	}

	if peekErr != nil {
		// Nothing was written; the process is done or dying.
		waitErr := proc.wait()
		if waitErr != nil {
			f.recordError(waitErr)
			return nil, waitErr
		}
		if peekErr != io.EOF {
			f.recordError(peekErr)
			return nil, fmt.Errorf("read curl output: %w", peekErr)
		}
	}

	if f.metrics != nil {
		f.metrics.UpstreamResponses.WithLabelValues(f.Name(), method, strconv.Itoa(http.StatusOK)).Inc()
	}

	wd.Kick()
	header := make(http.Header)
	header.Set("Content-Type", contentTypeFor(rr.Target.Path))
	return &model.RelayResponse{
		StatusCode: http.StatusOK,
		Header:     header,
		Body:       proc,
	}, nil
}

// args builds the curl argument list. Headers are passed as separate argv
// entries, never through a shell.
func (f *CurlFetcher) args(rr *model.RelayRequest, timeout time.Duration) []string {
	args := []string{"-sS", "-L", "--fail"}
	if f.insecure {
		args = append(args, "-k")
	}
	if secs := int(timeout.Seconds()); secs > 0 {
		args = append(args, "--connect-timeout", strconv.Itoa(secs))
	}
	if rr.Method != "" && rr.Method != http.MethodGet {
		args = append(args, "-X", rr.Method)
	}
	for name, values := range rr.Header {
		for _, v := range values {
			if v == "" {
				args = append(args, "-H", name+";")
				continue
			}
			args = append(args, "-H", name+": "+v)
		}
	}
	if rr.Body != nil {
		args = append(args, "--data-binary", "@-")
	}
	return append(args, "--url", rr.Target.String())
}

func (f *CurlFetcher) recordError(err error) {
	if f.metrics == nil {
		return
	}
	f.metrics.UpstreamErrors.WithLabelValues(f.Name(), errorReason(err)).Inc()
}

// contentTypeFor derives a media content type from the URL path, since curl's
// stdout carries no response headers.
func contentTypeFor(urlPath string) string {
	switch strings.ToLower(path.Ext(urlPath)) {
	case ".ts":
		return "video/mp2t"
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

// process is the body of a curl exchange. Close kills the process if it is
// still running and waits for it.
type process struct {
	cmd     *exec.Cmd
	reader  *bufio.Reader
	ctx     context.Context
	cancel  context.CancelCauseFunc
	wd      *watchdog
	stderr  *boundedBuffer
	metrics *metrics.Metrics

	waitOnce sync.Once
	waitErr  error
}

func (p *process) Read(b []byte) (int, error) {
	n, err := p.reader.Read(b)
	if n > 0 {
		p.wd.Kick()
	}
	if err == io.EOF {
		// Report a failure that happened after streaming began.
		if werr := p.wait(); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func (p *process) Close() error {
	p.cancel(nil)
	err := p.wait()
	var serr *SubprocessError
	if errors.As(err, &serr) || errors.Is(err, context.Canceled) {
		// Killed on purpose or already reported by Read.
		return nil
	}
	return err
}

// wait reaps the process exactly once and classifies its exit.
func (p *process) wait() error {
	p.waitOnce.Do(func() {
		p.wd.Stop()
		err := p.cmd.Wait()
		if p.metrics != nil {
			p.metrics.ActiveSubprocesses.Dec()
		}
		p.waitErr = p.classify(err)
	})
	return p.waitErr
}

func (p *process) classify(err error) error {
	if err == nil {
		return nil
	}
	if cause := timeoutCause(p.ctx); cause != nil {
		return cause
	}
	if p.ctx.Err() != nil {
		return context.Canceled
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &SubprocessError{
			Code:   exitErr.ExitCode(),
			Stderr: strings.TrimSpace(p.stderr.String()),
			Err:    err,
		}
	}
	return fmt.Errorf("wait for curl: %w", err)
}

// boundedBuffer keeps the first limit bytes written to it and discards the rest.
type boundedBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
