package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	maxStderrBytes = 8 * 1024 // 8 KB tail of stderr kept for diagnostics
	probeTimeout   = 30 * time.Second
)

// Config holds the transcoder's configuration.
type Config struct {
	FFmpegPath  string        // path or name of the ffmpeg binary
	FFprobePath string        // path or name of the ffprobe binary
	Timeout     time.Duration // upper bound for one transcode
	Logger      *slog.Logger
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig(logger *slog.Logger) Config {
	return Config{
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
		Timeout:     30 * time.Minute,
		Logger:      logger,
	}
}

// FFmpeg runs ffmpeg and ffprobe as subprocesses.
type FFmpeg struct {
	cfg Config
}

// New creates an FFmpeg transcoder. Binaries are resolved on each call so a
// host that installs ffmpeg after startup needs no restart.
func New(cfg Config) *FFmpeg {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig(nil).Timeout
	}
	return &FFmpeg{cfg: cfg}
}

// Transcode re-encodes in to out as H.264 (libx264, preset fast, crf 23).
// onProgress receives the encoded fraction of the input duration; values
// may be outside [0,1] and callers are expected to filter them.
func (f *FFmpeg) Transcode(ctx context.Context, in, out string, onProgress func(float64)) error {
	ffmpeg, err := resolveBinary(f.cfg.FFmpegPath)
	if err != nil {
		return err
	}

	duration, err := f.Duration(ctx, in)
	if err != nil {
		// Progress is cosmetic; encode anyway and report only completion.
		f.cfg.Logger.Warn("cannot determine input duration", "error", err)
		duration = 0
	}

	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return fmt.Errorf("cannot create output dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	args := []string{
		"-hide_banner",
		"-nostdin",
		"-nostats",
		"-y",
		"-i", in,
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", "23",
		"-movflags", "+faststart",
		"-progress", "pipe:1",
		out,
	}

	result, err := f.run(ctx, ffmpeg, args, func(stdout io.Reader) {
		readProgress(stdout, duration, onProgress)
	})
	if err != nil {
		return err
	}
	if !result.IsSuccess() {
		return fmt.Errorf("ffmpeg exited %d: %s", result.ExitCode, truncate(result.StderrTail, 512))
	}

	f.cfg.Logger.Info("transcode complete",
		"duration_ms", result.Duration.Milliseconds(),
		"input_seconds", duration,
	)
	return nil
}

// Duration returns the container duration of path in seconds.
func (f *FFmpeg) Duration(ctx context.Context, path string) (float64, error) {
	ffprobe, err := resolveBinary(f.cfg.FFprobePath)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("failed to detect input duration: %w", err)
	}
	return parseDuration(string(output))
}

// Probe reports which parts of the ffmpeg toolchain are usable.
func (f *FFmpeg) Probe(ctx context.Context) (*Capabilities, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	caps := &Capabilities{ProbedAt: time.Now()}

	ffmpeg, err := resolveBinary(f.cfg.FFmpegPath)
	if err != nil {
		caps.Error = err.Error()
		return caps, err
	}
	caps.FFmpegPath = ffmpeg

	version, err := exec.CommandContext(ctx, ffmpeg, "-hide_banner", "-version").Output()
	if err != nil {
		caps.Error = err.Error()
		return caps, fmt.Errorf("ffmpeg -version failed: %w", err)
	}
	caps.HasFFmpeg = true
	caps.FFmpegVersion = parseVersion(string(version))

	encoders, err := exec.CommandContext(ctx, ffmpeg, "-hide_banner", "-encoders").Output()
	if err == nil {
		caps.HasLibx264 = strings.Contains(string(encoders), "libx264")
	}

	if ffprobe, err := resolveBinary(f.cfg.FFprobePath); err == nil {
		caps.FFprobePath = ffprobe
		caps.HasFFprobe = exec.CommandContext(ctx, ffprobe, "-hide_banner", "-version").Run() == nil
	}

	f.cfg.Logger.Info("ffmpeg probe complete",
		"version", caps.FFmpegVersion,
		"libx264", caps.HasLibx264,
		"ffprobe", caps.HasFFprobe,
	)
	return caps, nil
}

// run is the core subprocess execution helper. stdout is handed to
// consume, which must read until EOF.
func (f *FFmpeg) run(ctx context.Context, name string, args []string, consume func(io.Reader)) (RunResult, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)

	// Capture stderr with bounded buffer
	var stderrBuf bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: maxStderrBytes}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return RunResult{ExitCode: -1}, fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	f.cfg.Logger.Debug("executing ffmpeg", "args", args)

	if err := cmd.Start(); err != nil {
		return RunResult{ExitCode: -1}, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	consume(stdout)
	err = cmd.Wait()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	result := RunResult{
		ExitCode:   exitCode,
		StderrTail: stderrBuf.String(),
		Duration:   elapsed,
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, fmt.Errorf("ffmpeg interrupted: %w", ctxErr)
	}
	if exitCode != 0 {
		f.cfg.Logger.Warn("ffmpeg command failed",
			"exit_code", exitCode,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", truncate(result.StderrTail, 512),
		)
	}
	return result, nil
}

// resolveBinary finds a usable binary by path or name.
func resolveBinary(preferred string) (string, error) {
	if preferred == "" {
		return "", fmt.Errorf("no binary configured")
	}
	p, err := exec.LookPath(preferred)
	if err != nil {
		return "", fmt.Errorf("%q not found: %w", preferred, err)
	}
	return p, nil
}

func parseDuration(s string) (float64, error) {
	s = strings.TrimSpace(s)
	d, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse input duration '%s': %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("input duration %v is not positive", d)
	}
	return d, nil
}

// parseVersion extracts "6.1.1" from "ffmpeg version 6.1.1 Copyright ...".
func parseVersion(out string) string {
	line, _, _ := strings.Cut(out, "\n")
	fields := strings.Fields(line)
	for i, f := range fields {
		if f == "version" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return strings.TrimSpace(line)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		// Keep only the tail
		b := lw.w.Bytes()
		tail := append([]byte(nil), b[len(b)-lw.limit:]...)
		lw.w.Reset()
		lw.w.Write(tail)
	}
	return n, nil
}
