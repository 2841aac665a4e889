package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"opqo-media/internal/media"
)

// Process is a handle on a spawned encode process.
type Process interface {
	Wait() error
	Kill() error
}

// CommandRunner spawns external processes. Tests substitute a fake runner so
// encodes complete without ffmpeg installed.
type CommandRunner interface {
	Start(ctx context.Context, name string, args []string, stdout, stderr io.Writer) (Process, error)
}

// ExecRunner runs real processes via os/exec.
type ExecRunner struct{}

type execProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
}

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	p.cancel()
	return err
}

func (p *execProcess) Kill() error {
	p.cancel()
	return nil
}

func (ExecRunner) Start(ctx context.Context, name string, args []string, stdout, stderr io.Writer) (Process, error) {
	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, name, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, err
	}
	return &execProcess{cmd: cmd, cancel: cancel}, nil
}

const (
	defaultFFmpegPath    = "ffmpeg"
	defaultEncodeTimeout = 45 * time.Minute
	segmentSeconds       = 5
)

// Encoder produces one HLS rendition per invocation by running ffmpeg against
// the assembled source.
type Encoder struct {
	runner  CommandRunner
	ffmpeg  string
	timeout time.Duration
	logger  *slog.Logger
}

func NewEncoder(runner CommandRunner, ffmpegPath string, timeout time.Duration, logger *slog.Logger) *Encoder {
	if runner == nil {
		runner = ExecRunner{}
	}
	if ffmpegPath == "" {
		ffmpegPath = defaultFFmpegPath
	}
	if timeout <= 0 {
		timeout = defaultEncodeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Encoder{runner: runner, ffmpeg: ffmpegPath, timeout: timeout, logger: logger}
}

// EncodeArgs builds the ffmpeg invocation for one rendition.
func EncodeArgs(source, outputDir string, target Target) []string {
	return []string{
		"-y",
		"-i", source,
		"-vf", fmt.Sprintf("scale=%d:%d", target.Width, target.Height),
		"-c:v", "libx264",
		"-profile:v", target.Profile,
		"-level", target.Level,
		"-b:v", fmt.Sprintf("%dk", target.BitrateKbps),
		"-maxrate", fmt.Sprintf("%dk", target.BitrateKbps),
		"-bufsize", fmt.Sprintf("%dk", target.BitrateKbps*2),
		"-c:a", "aac",
		"-b:a", "128k",
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%d", segmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.ToSlash(filepath.Join(outputDir, "segment_%06d.ts")),
		filepath.ToSlash(filepath.Join(outputDir, "index.m3u8")),
	}
}

// Encode runs a single rendition to completion. The process is started
// asynchronously and awaited through a goroutine so cancellation and the
// per-encode wall clock both terminate it promptly. Timeouts and non-zero
// exits surface as ExternalProcessErrors scoped to this target.
func (e *Encoder) Encode(ctx context.Context, videoID, source, outputDir string, target Target) error {
	const op = "pipeline.Encoder.Encode"

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return media.Storagef(op, "create output dir: %v", err)
	}

	encodeCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	args := EncodeArgs(source, outputDir, target)
	stdout := newLineWriter(e.logger, videoID, target.Label, "stdout")
	stderr := newLineWriter(e.logger, videoID, target.Label, "stderr")
	proc, err := e.runner.Start(encodeCtx, e.ffmpeg, args, stdout, stderr)
	if err != nil {
		return media.Externalf(op, "start encoder for %s: %v", target.Label, err)
	}
	e.logger.Info("encode started", "video_id", videoID, "target", target.Label, "width", target.Width, "height", target.Height)

	done := make(chan error, 1)
	go func() {
		done <- proc.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			if encodeCtx.Err() != nil {
				return media.Externalf(op, "encode %s: %w", target.Label, encodeCtx.Err())
			}
			return media.Externalf(op, "encode %s: %v", target.Label, err)
		}
		return nil
	case <-encodeCtx.Done():
		_ = proc.Kill()
		<-done
		return media.Externalf(op, "encode %s: %w", target.Label, encodeCtx.Err())
	}
}

// lineWriter splits process output into individual log lines.
type lineWriter struct {
	logger *slog.Logger
	video  string
	target string
	stream string
}

func newLineWriter(logger *slog.Logger, videoID, target, stream string) *lineWriter {
	return &lineWriter{logger: logger, video: videoID, target: target, stream: stream}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Debug("encoder output",
			"video_id", w.video,
			"target", w.target,
			"stream", w.stream,
			"line", string(line),
		)
	}
	return total, nil
}
