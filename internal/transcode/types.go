// Package transcode re-encodes detector results with ffmpeg and reports
// native encoder progress as a fraction of the input duration.
package transcode

import "time"

// Capabilities describes the ffmpeg installation found on this host.
type Capabilities struct {
	FFmpegPath    string    `json:"ffmpeg_path,omitempty"`
	FFprobePath   string    `json:"ffprobe_path,omitempty"`
	FFmpegVersion string    `json:"ffmpeg_version,omitempty"`
	HasFFmpeg     bool      `json:"has_ffmpeg"`
	HasFFprobe    bool      `json:"has_ffprobe"`
	HasLibx264    bool      `json:"has_libx264"`
	Error         string    `json:"error,omitempty"`
	ProbedAt      time.Time `json:"probed_at"`
}

// Ready reports whether videos can be transcoded.
func (c *Capabilities) Ready() bool {
	return c != nil && c.HasFFmpeg && c.HasLibx264
}

// RunResult is the outcome of one ffmpeg invocation.
type RunResult struct {
	ExitCode   int
	StderrTail string // last maxStderrBytes of stderr
	Duration   time.Duration
}

// IsSuccess returns true when the subprocess exited cleanly.
func (r RunResult) IsSuccess() bool { return r.ExitCode == 0 }
