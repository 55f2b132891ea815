package api

import (
	"time"

	"github.com/detectrelay/detectrelay/internal/pipeline"
	"github.com/detectrelay/detectrelay/internal/transcode"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type StatusResponse struct {
	State           string                    `json:"state"`
	JobsRunning     int                       `json:"jobs_running"`
	ActiveJobs      []JobResponse             `json:"active_jobs"`
	ProgressClients int                       `json:"progress_clients"`
	Connections     int                       `json:"connections"`
	Transcoder      *TranscoderStatusResponse `json:"transcoder,omitempty"`
}

type TranscoderStatusResponse struct {
	Ready         bool   `json:"ready"`
	FFmpegVersion string `json:"ffmpeg_version,omitempty"`
	HasFFprobe    bool   `json:"has_ffprobe"`
	HasLibx264    bool   `json:"has_libx264"`
	Error         string `json:"error,omitempty"`
	LastProbeAt   string `json:"last_probe_at,omitempty"`
}

type JobResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Kind      string `json:"kind"`
	Stage     string `json:"stage"`
	Progress  int    `json:"progress"`
	StartedAt string `json:"started_at"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func JobToResponse(s pipeline.Snapshot) JobResponse {
	return JobResponse{
		ID:        s.ID,
		UserID:    s.UserID,
		Kind:      s.Kind.String(),
		Stage:     string(s.Stage),
		Progress:  s.Progress,
		StartedAt: s.StartedAt.Format(time.RFC3339),
	}
}

func CapabilitiesToResponse(c *transcode.Capabilities) *TranscoderStatusResponse {
	resp := &TranscoderStatusResponse{
		Ready:         c.Ready(),
		FFmpegVersion: c.FFmpegVersion,
		HasFFprobe:    c.HasFFprobe,
		HasLibx264:    c.HasLibx264,
		Error:         c.Error,
	}
	if !c.ProbedAt.IsZero() {
		resp.LastProbeAt = c.ProbedAt.Format(time.RFC3339)
	}
	return resp
}
